package binance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"trend-connector/internal/core"
	"trend-connector/internal/event"
	"trend-connector/internal/exchange"
	"trend-connector/internal/stream"
)

const (
	kindKline = "kline"

	// maxStreamsPerFrame bounds the params of one SUBSCRIBE frame.
	maxStreamsPerFrame = 100
)

// KlineKey identifies one upstream market stream.
type KlineKey struct {
	Symbol   string
	Interval core.Interval
	Kind     string
}

// StreamName is the upstream channel name, e.g. "btcusdt@kline_1m".
func (k KlineKey) StreamName() string {
	return strings.ToLower(k.Symbol) + "@" + k.Kind + "_" + string(k.Interval)
}

// PublicStream multiplexes kline subscriptions over one public connection.
// Each distinct key holds exactly one upstream subscription no matter how
// many handlers share it.
type PublicStream struct {
	cfg     stream.Config
	factory TransportFactory
	logger  *slog.Logger
	metrics *routerMetrics

	lifeMu sync.Mutex
	// ctlMu orders subscribe and unsubscribe control frames. Stop and the
	// reader never take it, and no Send runs under mu.
	ctlMu sync.Mutex

	mu        sync.Mutex
	transport Transport
	events    map[KlineKey]*event.Event[core.KlineUpdate]
	tokens    map[event.Token]KlineKey
	// pending holds keys whose SUBSCRIBE is in flight.
	pending map[KlineKey]struct{}
}

func NewPublicStream(cfg stream.Config, factory TransportFactory, logger *slog.Logger) *PublicStream {
	if cfg.Name == "" {
		cfg.Name = "public"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = ListenerFactory(stream.WithLogger(logger))
	}
	return &PublicStream{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With("component", "public_stream"),
		metrics: newRouterMetrics(cfg.Name),
	}
}

// Start connects with empty subscription tables. Start on a started stream
// is a no-op.
func (p *PublicStream) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	p.mu.Lock()
	if p.transport != nil {
		p.mu.Unlock()
		return nil
	}
	t := p.factory(p.cfg, stream.Callbacks{
		OnMessage:   p.onMessage,
		OnConnected: p.onConnected,
	})
	p.transport = t
	p.events = make(map[KlineKey]*event.Event[core.KlineUpdate])
	p.tokens = make(map[event.Token]KlineKey)
	p.pending = make(map[KlineKey]struct{})
	p.mu.Unlock()

	if err := t.Start(ctx); err != nil {
		p.mu.Lock()
		p.transport = nil
		p.events, p.tokens, p.pending = nil, nil, nil
		p.mu.Unlock()
		return fmt.Errorf("public stream: %w", err)
	}
	return nil
}

// Stop disconnects and forgets every subscription.
func (p *PublicStream) Stop(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	p.mu.Lock()
	t := p.transport
	p.transport = nil
	p.events, p.tokens, p.pending = nil, nil, nil
	p.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Stop(ctx)
}

func (p *PublicStream) IsConnected() bool {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	return t != nil && t.IsConnected()
}

// KlineSubscribe registers h for symbol and interval. While connected, the
// first handler for a key sends SUBSCRIBE before the key becomes routable.
// While disconnected the key is only registered and the reconnect
// resubscribe carries it upstream.
func (p *PublicStream) KlineSubscribe(ctx context.Context, symbol string, interval core.Interval, h event.Handler[core.KlineUpdate]) (event.Token, error) {
	sym, err := core.NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}
	if !interval.Valid() {
		return "", fmt.Errorf("%w: %q", core.ErrInvalidInterval, interval)
	}
	if h == nil {
		return "", fmt.Errorf("kline subscribe: nil handler")
	}
	key := KlineKey{Symbol: sym, Interval: interval, Kind: kindKline}

	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()

	p.mu.Lock()
	t := p.transport
	if t == nil {
		p.mu.Unlock()
		return "", fmt.Errorf("kline subscribe: %w", core.ErrNotStarted)
	}
	if _, ok := p.events[key]; ok {
		token := p.registerLocked(key, h)
		p.mu.Unlock()
		return token, nil
	}
	if !t.IsConnected() {
		token := p.registerLocked(key, h)
		p.mu.Unlock()
		p.logger.Info("kline channel registered while disconnected", "stream", key.StreamName())
		return token, nil
	}
	p.pending[key] = struct{}{}
	p.mu.Unlock()

	sendErr := p.sendControl(ctx, t, methodSubscribe, []string{key.StreamName()})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport != t {
		return "", fmt.Errorf("kline subscribe: %w", core.ErrNotStarted)
	}
	delete(p.pending, key)
	if sendErr != nil {
		return "", sendErr
	}
	p.logger.Info("kline channel subscribed", "stream", key.StreamName())
	return p.registerLocked(key, h), nil
}

func (p *PublicStream) registerLocked(key KlineKey, h event.Handler[core.KlineUpdate]) event.Token {
	ev, ok := p.events[key]
	if !ok {
		ev = event.New[core.KlineUpdate]()
		p.events[key] = ev
	}
	token := event.NewToken()
	ev.Add(token, h)
	p.tokens[token] = key
	return token
}

// KlineUnsubscribe removes a handler or whole channels. Invalid or unknown
// selections are logged and ignored.
func (p *PublicStream) KlineUnsubscribe(ctx context.Context, req exchange.KlineUnsubscribe) error {
	switch {
	case req.Token != "":
		return p.unsubscribeToken(ctx, req.Token)
	case req.Symbol != "" && req.Interval != "":
		sym, err := core.NormalizeSymbol(req.Symbol)
		if err != nil {
			p.logger.Warn("kline unsubscribe: invalid symbol", "symbol", req.Symbol)
			return nil
		}
		return p.unsubscribeKeys(ctx, func(k KlineKey) bool {
			return k.Symbol == sym && k.Interval == req.Interval
		})
	case req.Symbol != "":
		sym, err := core.NormalizeSymbol(req.Symbol)
		if err != nil {
			p.logger.Warn("kline unsubscribe: invalid symbol", "symbol", req.Symbol)
			return nil
		}
		return p.unsubscribeKeys(ctx, func(k KlineKey) bool { return k.Symbol == sym })
	default:
		p.logger.Warn("kline unsubscribe: token or symbol required", "interval", req.Interval)
		return nil
	}
}

func (p *PublicStream) unsubscribeToken(ctx context.Context, token event.Token) error {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()

	p.mu.Lock()
	t := p.transport
	key, ok := p.tokens[token]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("kline unsubscribe: unknown token", "token", token)
		return nil
	}
	delete(p.tokens, token)
	ev := p.events[key]
	ev.Remove(token)
	if !ev.IsEmpty() {
		p.mu.Unlock()
		return nil
	}
	delete(p.events, key)
	p.mu.Unlock()

	p.logger.Info("kline channel unsubscribed", "stream", key.StreamName())
	return p.sendControl(ctx, t, methodUnsubscribe, []string{key.StreamName()})
}

func (p *PublicStream) unsubscribeKeys(ctx context.Context, match func(KlineKey) bool) error {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()

	p.mu.Lock()
	t := p.transport
	var keys []KlineKey
	for key := range p.events {
		if match(key) {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		delete(p.events, key)
		for token, k := range p.tokens {
			if k == key {
				delete(p.tokens, token)
			}
		}
	}
	p.mu.Unlock()

	if len(keys) == 0 {
		p.logger.Warn("kline unsubscribe: no matching channel")
		return nil
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].StreamName() < keys[j].StreamName() })
	for _, key := range keys {
		p.logger.Info("kline channel unsubscribed", "stream", key.StreamName())
		if err := p.sendControl(ctx, t, methodUnsubscribe, []string{key.StreamName()}); err != nil {
			return err
		}
	}
	return nil
}

// Channels lists the upstream stream names currently subscribed.
func (p *PublicStream) Channels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelsLocked()
}

func (p *PublicStream) channelsLocked() []string {
	out := make([]string, 0, len(p.events))
	for key := range p.events {
		out = append(out, key.StreamName())
	}
	sort.Strings(out)
	return out
}

func (p *PublicStream) sendControl(ctx context.Context, t Transport, method string, streams []string) error {
	if t == nil {
		return core.ErrNotStarted
	}
	frame, err := encodeControl(method, streams, t.NextID())
	if err != nil {
		return err
	}
	if err := t.Send(ctx, frame); err != nil {
		return fmt.Errorf("send %s: %w", strings.ToLower(method), err)
	}
	return nil
}

// onConnected restores every registered or in-flight channel on the new
// connection. A SUBSCRIBE still queued from the previous connection is sent
// again alongside it; upstream treats the repeat as a no-op.
func (p *PublicStream) onConnected(ctx context.Context) {
	p.mu.Lock()
	t := p.transport
	names := p.channelsLocked()
	for key := range p.pending {
		names = append(names, key.StreamName())
	}
	p.mu.Unlock()
	sort.Strings(names)
	for len(names) > 0 {
		n := min(len(names), maxStreamsPerFrame)
		if err := p.sendControl(ctx, t, methodSubscribe, names[:n]); err != nil {
			p.logger.Error("kline resubscribe failed", "err", err)
			return
		}
		names = names[n:]
	}
}

func (p *PublicStream) onMessage(ctx context.Context, msg []byte) {
	upd, ok, err := decodeKline(msg)
	if err != nil {
		p.metrics.recordUnroutable(ctx)
		p.logger.Warn("undecodable public frame", "err", err)
		return
	}
	if !ok {
		p.logger.Debug("public control frame", "frame", string(msg))
		return
	}
	upd.Symbol = strings.ToUpper(upd.Symbol)
	key := KlineKey{Symbol: upd.Symbol, Interval: upd.Interval, Kind: kindKline}

	p.mu.Lock()
	ev := p.events[key]
	p.mu.Unlock()
	if ev == nil {
		p.metrics.recordUnroutable(ctx)
		p.logger.Warn("kline for unsubscribed channel dropped", "stream", key.StreamName())
		return
	}
	p.metrics.recordEvent(ctx, kindKline)
	if err := ev.Emit(ctx, upd); err != nil {
		p.metrics.recordHandlerFailure(ctx, kindKline)
		p.logger.Error("kline handler failed", "stream", key.StreamName(), "err", err)
	}
}
