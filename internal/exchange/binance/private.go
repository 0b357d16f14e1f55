package binance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"trend-connector/internal/alert"
	"trend-connector/internal/config"
	"trend-connector/internal/core"
	"trend-connector/internal/event"
	"trend-connector/internal/stream"
)

const (
	logonID    = "logon_id"
	userDataID = "user_data_id"

	methodSessionLogon       = "session.logon"
	methodUserDataSubscribe  = "userDataStream.subscribe"
	methodUserDataSignedSubs = "userDataStream.subscribe.signature"

	statusOK = 200
)

// AuthState is the position of the private connection in its
// logon and subscribe handshake.
type AuthState int32

const (
	AuthDisconnected AuthState = iota
	AuthLogonSent
	AuthLogonAcked
	AuthSubscribeSent
	AuthStreaming
)

func (s AuthState) String() string {
	switch s {
	case AuthDisconnected:
		return "disconnected"
	case AuthLogonSent:
		return "logon_sent"
	case AuthLogonAcked:
		return "logon_acked"
	case AuthSubscribeSent:
		return "subscribe_sent"
	case AuthStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Signer produces the signed params of the WebSocket API auth requests.
type Signer interface {
	SessionLogonParams() (map[string]any, error)
	SignedSubscribeParams() (map[string]any, error)
}

// PrivateStream authenticates the user data connection and routes execution
// reports and balance updates to their subscribers.
type PrivateStream struct {
	mode    config.UserStreamAuth
	cfg     stream.Config
	factory TransportFactory
	signer  Signer
	logger  *slog.Logger
	alerter alert.Alerter
	metrics *routerMetrics

	lifeMu sync.Mutex

	mu               sync.Mutex
	transport        Transport
	orders           *event.Event[core.OrderReport]
	wallet           *event.Event[[]core.Balance]
	state            AuthState
	logonRetried     bool
	subscribeRetried bool
}

type PrivateOptions struct {
	Mode    config.UserStreamAuth
	Signer  Signer
	Logger  *slog.Logger
	Alerter alert.Alerter
}

func NewPrivateStream(cfg stream.Config, factory TransportFactory, opts PrivateOptions) *PrivateStream {
	if cfg.Name == "" {
		cfg.Name = "private"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = ListenerFactory(stream.WithLogger(logger), stream.WithAlerter(opts.Alerter))
	}
	mode := opts.Mode
	if mode == "" {
		mode = config.UserStreamAuthSession
	}
	return &PrivateStream{
		mode:    mode,
		cfg:     cfg,
		factory: factory,
		signer:  opts.Signer,
		logger:  logger.With("component", "private_stream", "auth", string(mode)),
		alerter: opts.Alerter,
		metrics: newRouterMetrics(cfg.Name),
	}
}

func (p *PrivateStream) Start(ctx context.Context) error {
	if p.mode != config.UserStreamAuthListenKey && p.signer == nil {
		return fmt.Errorf("private stream: signer required for %s auth", p.mode)
	}
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
		OnClose:     p.onClose,
	})
	p.transport = t
	p.orders = event.New[core.OrderReport]()
	p.wallet = event.New[[]core.Balance]()
	p.state = AuthDisconnected
	p.mu.Unlock()

	if err := t.Start(ctx); err != nil {
		p.mu.Lock()
		p.transport = nil
		p.orders, p.wallet = nil, nil
		p.mu.Unlock()
		return fmt.Errorf("private stream: %w", err)
	}
	return nil
}

func (p *PrivateStream) Stop(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	p.mu.Lock()
	t := p.transport
	p.transport = nil
	p.orders, p.wallet = nil, nil
	p.state = AuthDisconnected
	p.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Stop(ctx)
}

func (p *PrivateStream) AuthState() AuthState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PrivateStream) OrdersSubscribe(h event.Handler[core.OrderReport]) (event.Token, error) {
	p.mu.Lock()
	ev := p.orders
	p.mu.Unlock()
	return subscribe(ev, h)
}

func (p *PrivateStream) OrdersUnsubscribe(token event.Token) bool {
	p.mu.Lock()
	ev := p.orders
	p.mu.Unlock()
	return ev != nil && ev.Remove(token)
}

func (p *PrivateStream) WalletSubscribe(h event.Handler[[]core.Balance]) (event.Token, error) {
	p.mu.Lock()
	ev := p.wallet
	p.mu.Unlock()
	return subscribe(ev, h)
}

func (p *PrivateStream) WalletUnsubscribe(token event.Token) bool {
	p.mu.Lock()
	ev := p.wallet
	p.mu.Unlock()
	return ev != nil && ev.Remove(token)
}

func subscribe[T any](ev *event.Event[T], h event.Handler[T]) (event.Token, error) {
	if ev == nil {
		return "", core.ErrNotStarted
	}
	if h == nil {
		return "", fmt.Errorf("subscribe: nil handler")
	}
	token := event.NewToken()
	ev.Add(token, h)
	return token, nil
}

func (p *PrivateStream) onConnected(ctx context.Context) {
	p.mu.Lock()
	p.logonRetried = false
	p.subscribeRetried = false
	switch p.mode {
	case config.UserStreamAuthListenKey:
		p.state = AuthStreaming
	case config.UserStreamAuthSignature:
		p.state = AuthSubscribeSent
	default:
		p.state = AuthLogonSent
	}
	p.mu.Unlock()

	switch p.mode {
	case config.UserStreamAuthListenKey:
		p.logger.Info("user data streaming")
	case config.UserStreamAuthSignature:
		p.sendSignedSubscribe(ctx)
	default:
		p.sendLogon(ctx)
	}
}

func (p *PrivateStream) onClose(_ context.Context, err error) {
	p.mu.Lock()
	p.state = AuthDisconnected
	p.mu.Unlock()
	p.logger.Info("private connection closed", "err", err)
}

func (p *PrivateStream) onMessage(ctx context.Context, msg []byte) {
	var frame privateFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		p.metrics.recordUnroutable(ctx)
		p.logger.Warn("undecodable private frame", "err", err)
		return
	}
	if id := frame.responseID(); id != "" && (frame.Status != 0 || frame.Error != nil) {
		p.handleAck(ctx, id, frame)
		return
	}
	raw := msg
	if len(frame.Event) > 0 {
		raw = frame.Event
	}
	p.route(ctx, raw)
}

func (p *PrivateStream) handleAck(ctx context.Context, id string, frame privateFrame) {
	ok := frame.Status == statusOK && frame.Error == nil
	switch id {
	case logonID:
		if ok {
			p.setState(AuthLogonAcked)
			p.logger.Info("session logon accepted")
			p.setState(AuthSubscribeSent)
			p.sendRequest(ctx, wsRequest{ID: userDataID, Method: methodUserDataSubscribe})
			return
		}
		p.rejected(id, frame)
		if p.claimRetry(&p.logonRetried) {
			p.logger.Warn("retrying session logon")
			p.sendLogon(ctx)
		}
	case userDataID:
		if ok {
			p.setState(AuthStreaming)
			p.logger.Info("user data streaming")
			return
		}
		p.rejected(id, frame)
		if p.claimRetry(&p.subscribeRetried) {
			p.logger.Warn("retrying user data subscribe")
			if p.mode == config.UserStreamAuthSignature {
				p.sendSignedSubscribe(ctx)
			} else {
				p.sendRequest(ctx, wsRequest{ID: userDataID, Method: methodUserDataSubscribe})
			}
		}
	default:
		p.logger.Debug("private response ignored", "id", id, "status", frame.Status)
	}
}

// claimRetry reports whether the single retry for one handshake step is
// still available on the live connection, and consumes it.
func (p *PrivateStream) claimRetry(flag *bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *flag || p.transport == nil || !p.transport.IsConnected() {
		return false
	}
	*flag = true
	return true
}

func (p *PrivateStream) rejected(id string, frame privateFrame) {
	fields := map[string]string{
		"request": id,
		"status":  strconv.Itoa(frame.Status),
	}
	if frame.Error != nil {
		fields["code"] = strconv.Itoa(frame.Error.Code)
		fields["msg"] = frame.Error.Msg
	}
	p.logger.Error("private auth rejected", "request", id, "status", frame.Status, "code", fields["code"], "msg", fields["msg"])
	if p.alerter != nil {
		p.alerter.Important("private_auth_rejected", fields)
	}
}

func (p *PrivateStream) route(ctx context.Context, raw []byte) {
	var head eventHead
	if err := json.Unmarshal(raw, &head); err != nil {
		p.metrics.recordUnroutable(ctx)
		p.logger.Warn("undecodable user data event", "err", err)
		return
	}
	p.mu.Lock()
	orders, wallet := p.orders, p.wallet
	p.mu.Unlock()
	if orders == nil || wallet == nil {
		return
	}
	switch head.EventType {
	case eventExecutionReport:
		var r executionReport
		if err := json.Unmarshal(raw, &r); err != nil {
			p.metrics.recordUnroutable(ctx)
			p.logger.Warn("undecodable execution report", "err", err)
			return
		}
		p.metrics.recordEvent(ctx, eventExecutionReport)
		if err := orders.Emit(ctx, r.toReport()); err != nil {
			p.metrics.recordHandlerFailure(ctx, eventExecutionReport)
			p.logger.Error("order handler failed", "err", err)
		}
	case eventOutboundAccountPosition:
		var pos accountPosition
		if err := json.Unmarshal(raw, &pos); err != nil {
			p.metrics.recordUnroutable(ctx)
			p.logger.Warn("undecodable account position", "err", err)
			return
		}
		p.metrics.recordEvent(ctx, eventOutboundAccountPosition)
		if err := wallet.Emit(ctx, pos.toBalances()); err != nil {
			p.metrics.recordHandlerFailure(ctx, eventOutboundAccountPosition)
			p.logger.Error("wallet handler failed", "err", err)
		}
	default:
		p.metrics.recordUnroutable(ctx)
		p.logger.Warn("unhandled user data event dropped", "type", head.EventType)
	}
}

func (p *PrivateStream) sendLogon(ctx context.Context) {
	params, err := p.signer.SessionLogonParams()
	if err != nil {
		p.logger.Error("build session logon failed", "err", err)
		return
	}
	p.sendRequest(ctx, wsRequest{ID: logonID, Method: methodSessionLogon, Params: params})
}

func (p *PrivateStream) sendSignedSubscribe(ctx context.Context) {
	params, err := p.signer.SignedSubscribeParams()
	if err != nil {
		p.logger.Error("build signed subscribe failed", "err", err)
		return
	}
	p.sendRequest(ctx, wsRequest{ID: userDataID, Method: methodUserDataSignedSubs, Params: params})
}

func (p *PrivateStream) sendRequest(ctx context.Context, req wsRequest) {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return
	}
	frame, err := json.Marshal(req)
	if err != nil {
		p.logger.Error("encode private request failed", "method", req.Method, "err", err)
		return
	}
	if err := t.Send(ctx, frame); err != nil {
		p.logger.Error("send private request failed", "method", req.Method, "err", err)
	}
}

func (p *PrivateStream) setState(s AuthState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
