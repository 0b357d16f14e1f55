package binance

import (
	"log/slog"
	"time"

	"trend-connector/internal/alert"
	"trend-connector/internal/config"
	"trend-connector/internal/stream"
)

// Build wires a Wrapper and its REST client from loaded configuration.
func Build(cfg config.Config, logger *slog.Logger, alerter alert.Alerter) (*Wrapper, *Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := NewClient(cfg.Exchange, logger)
	if err != nil {
		return nil, nil, err
	}
	dialer := stream.WebsocketDialer{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      cfg.Stream.ReadTimeout(),
	}
	factory := ListenerFactory(
		stream.WithDialer(dialer),
		stream.WithLogger(logger),
		stream.WithAlerter(alerter),
	)

	base := stream.Config{
		ReconnectDelay: cfg.Stream.ReconnectDelay(),
		StartTimeout:   cfg.Stream.StartTimeout(),
		SendQueueSize:  cfg.Stream.SendQueueSize,
		WriteTimeout:   cfg.Stream.WriteTimeout(),
	}

	publicCfg := base
	publicCfg.Name = "public"
	publicCfg.URL = cfg.Exchange.StreamBaseURL
	publicCfg.SendRate = cfg.Stream.ControlRatePerSec.InexactFloat64()
	publicCfg.SendBurst = 1
	public := NewPublicStream(publicCfg, factory, logger)

	privateCfg := base
	privateCfg.Name = "private"
	privateCfg.URL = cfg.Exchange.WSBaseURL
	privateFactory := factory
	if cfg.Exchange.UserStreamAuth == config.UserStreamAuthListenKey {
		privateCfg.URL = cfg.Exchange.StreamBaseURL
		keepalive := time.Duration(cfg.Exchange.UserStreamKeepaliveSec) * time.Second
		privateFactory = func(sc stream.Config, cb stream.Callbacks) Transport {
			return NewSessionListener(client, sc, cb, factory, keepalive, logger, alerter)
		}
	}
	private := NewPrivateStream(privateCfg, privateFactory, PrivateOptions{
		Mode:    cfg.Exchange.UserStreamAuth,
		Signer:  client,
		Logger:  logger,
		Alerter: alerter,
	})

	return NewWrapper(client, public, private, logger), client, nil
}
