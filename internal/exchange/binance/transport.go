package binance

import (
	"context"

	"trend-connector/internal/stream"
)

// Transport is the slice of stream.Listener the routers depend on.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg []byte) error
	IsConnected() bool
	NextID() uint64
}

// TransportFactory builds a transport for one router. Tests substitute
// in-memory fakes.
type TransportFactory func(cfg stream.Config, cb stream.Callbacks) Transport

// ListenerFactory returns a factory producing stream.Listener transports.
func ListenerFactory(opts ...stream.Option) TransportFactory {
	return func(cfg stream.Config, cb stream.Callbacks) Transport {
		return stream.NewListener(cfg, cb, opts...)
	}
}

var _ Transport = (*stream.Listener)(nil)
