// Package stream keeps one long-lived message connection alive: it dials,
// reconnects on failure with a fixed delay, and serializes outbound frames
// through a single writer.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"trend-connector/internal/alert"
	"trend-connector/internal/core"
)

type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultSendQueueSize  = 1024
	DefaultWriteTimeout   = 5 * time.Second
	DefaultDrainTimeout   = 2 * time.Second
	DefaultStopTimeout    = 10 * time.Second

	startTimeoutFactor = 6
)

var errConnectionClosed = errors.New("connection closed")

type Config struct {
	Name string
	URL  string
	// ReconnectDelay is the fixed pause between connection attempts.
	ReconnectDelay time.Duration
	// StartTimeout bounds Start. Zero means six reconnect delays.
	StartTimeout  time.Duration
	SendQueueSize int
	WriteTimeout  time.Duration
	DrainTimeout  time.Duration
	StopTimeout   time.Duration
	// SendRate paces outbound frames per second. Zero disables pacing.
	SendRate  float64
	SendBurst int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "stream"
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = startTimeoutFactor * c.ReconnectDelay
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.SendRate > 0 && c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	return c
}

// Callbacks run on the listener's reader goroutine. A slow OnMessage delays
// the next read.
type Callbacks struct {
	OnMessage   func(ctx context.Context, msg []byte)
	OnConnected func(ctx context.Context)
	OnClose     func(ctx context.Context, err error)
	OnError     func(ctx context.Context, err error)
}

type Option func(*Listener)

func WithDialer(d Dialer) Option {
	return func(l *Listener) { l.dialer = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithAlerter(a alert.Alerter) Option {
	return func(l *Listener) { l.alerter = a }
}

// Listener owns at most one live transport and at most one writer goroutine.
type Listener struct {
	cfg     Config
	cb      Callbacks
	dialer  Dialer
	logger  *slog.Logger
	alerter alert.Alerter
	metrics *listenerMetrics

	ids   atomic.Uint64
	state atomic.Int32

	mu      sync.Mutex
	started bool
	gen     uint64
	cancel  context.CancelFunc
	stopped <-chan struct{}
	done    chan struct{}
	queue   chan []byte
	conn    Conn
}

func NewListener(cfg Config, cb Callbacks, opts ...Option) *Listener {
	cfg = cfg.withDefaults()
	l := &Listener{
		cfg:    cfg,
		cb:     cb,
		dialer: WebsocketDialer{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("stream", cfg.Name)
	l.metrics = newListenerMetrics(cfg.Name)
	return l
}

func (l *Listener) Name() string { return l.cfg.Name }

func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) IsConnected() bool { return l.State() == StateConnected }

// NextID returns the next control message id for this listener, starting at 1.
func (l *Listener) NextID() uint64 { return l.ids.Add(1) }

// Start launches the connect loop and blocks until the first connection is
// up. If that takes longer than the start timeout the loop is torn down and
// core.ErrConnectTimeout is returned. Start on a started listener is a no-op.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	l.started = true
	l.gen++
	l.cancel = cancel
	l.stopped = loopCtx.Done()
	l.done = make(chan struct{})
	l.queue = make(chan []byte, l.cfg.SendQueueSize)
	ready := make(chan struct{})
	gen, done, queue := l.gen, l.done, l.queue
	l.state.Store(int32(StateConnecting))
	l.mu.Unlock()

	l.logger.Info("stream starting", "url", l.cfg.URL)
	go l.run(loopCtx, gen, ready, queue, done)

	timer := time.NewTimer(l.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		l.logger.Error("stream start timed out", "timeout", l.cfg.StartTimeout)
		_ = l.Stop(context.Background())
		return fmt.Errorf("%s: %w after %s", l.cfg.Name, core.ErrConnectTimeout, l.cfg.StartTimeout)
	case <-ctx.Done():
		_ = l.Stop(context.Background())
		return ctx.Err()
	}
}

// Stop closes the transport and waits for the background goroutines to
// exit. Stop on a stopped listener is a no-op.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	cancel, done, conn := l.cancel, l.done, l.conn
	l.conn = nil
	l.state.Store(int32(StateClosing))
	l.mu.Unlock()

	l.logger.Info("stream stopping")
	cancel()
	if conn != nil {
		_ = conn.Close()
	}

	timer := time.NewTimer(l.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: stop timed out after %s", l.cfg.Name, l.cfg.StopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues msg for the writer goroutine. Frames queued while the
// connection is down are written after the next successful connect. Sends on
// a stopped listener are dropped without error, including a Send that was
// waiting on a full queue when Stop ran.
func (l *Listener) Send(ctx context.Context, msg []byte) error {
	l.mu.Lock()
	started, queue, stopped := l.started, l.queue, l.stopped
	l.mu.Unlock()
	if !started {
		l.dropped(ctx)
		return nil
	}
	select {
	case queue <- msg:
		return nil
	case <-stopped:
		l.dropped(ctx)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) dropped(ctx context.Context) {
	l.metrics.recordDropped(ctx)
	l.logger.Debug("stream stopped, dropping outbound frame")
}

// setState records s unless a later Start owns the listener.
func (l *Listener) setState(gen uint64, s State) {
	l.mu.Lock()
	if l.gen == gen {
		l.state.Store(int32(s))
	}
	l.mu.Unlock()
}

// run reconnects at a fixed delay until ctx ends. Attempts are unbounded.
func (l *Listener) run(ctx context.Context, gen uint64, ready chan struct{}, queue chan []byte, done chan<- struct{}) {
	defer close(done)
	defer l.setState(gen, StateStopped)

	attempt := 0
	connect := func() (struct{}, error) {
		l.setState(gen, StateConnecting)
		connected, err := l.session(ctx, gen, queue, ready)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if connected {
			attempt = 0
			l.alert("stream_disconnected", map[string]string{"error": errString(err)})
		}
		attempt++
		if err == nil {
			err = errConnectionClosed
		}
		return struct{}{}, err
	}
	_, _ = backoff.Retry(ctx, connect,
		backoff.WithBackOff(backoff.NewConstantBackOff(l.cfg.ReconnectDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			l.logger.Warn("stream reconnecting", "delay", delay, "attempt", attempt, "err", err)
		}),
	)
}

// session runs one connection from dial to teardown. It reports whether the
// dial succeeded. ready is closed after the first successful connect.
func (l *Listener) session(ctx context.Context, gen uint64, queue chan []byte, ready chan struct{}) (bool, error) {
	conn, err := l.dialer.Dial(ctx, l.cfg.URL)
	if err != nil {
		l.metrics.recordDial(ctx, "error")
		l.onError(ctx, fmt.Errorf("dial: %w", err))
		return false, err
	}
	l.mu.Lock()
	if ctx.Err() != nil {
		l.mu.Unlock()
		_ = conn.Close()
		return false, ctx.Err()
	}
	l.conn = conn
	if l.gen == gen {
		l.state.Store(int32(StateConnected))
	}
	l.mu.Unlock()
	l.metrics.recordDial(ctx, "success")
	l.logger.Info("stream connected")

	// The writer must be running before OnConnected: callbacks may Send into
	// a queue that is already full. sessCtx ends when the writer exits.
	sessCtx, endSession := context.WithCancel(ctx)
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		defer endSession()
		l.drain(sessCtx, conn, queue)
	}()

	if l.cb.OnConnected != nil {
		l.cb.OnConnected(sessCtx)
	}
	select {
	case <-ready:
		l.alert("stream_reconnected", nil)
	default:
		close(ready)
	}

	err = l.read(ctx, sessCtx, conn)

	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
	if ctx.Err() == nil {
		l.setState(gen, StateConnecting)
	}
	_ = conn.Close()
	endSession()
	timer := time.NewTimer(l.cfg.DrainTimeout)
	select {
	case <-drainDone:
	case <-timer.C:
		l.logger.Warn("send drain did not exit in time", "timeout", l.cfg.DrainTimeout)
	}
	timer.Stop()

	if ctx.Err() == nil {
		l.onError(ctx, err)
	}
	if l.cb.OnClose != nil {
		l.cb.OnClose(ctx, err)
	}
	return true, err
}

// read returns when conn fails. Callbacks receive cbCtx.
func (l *Listener) read(ctx, cbCtx context.Context, conn Conn) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		l.metrics.recordFrameIn(ctx)
		if l.cb.OnMessage != nil {
			l.cb.OnMessage(cbCtx, msg)
		}
	}
}

// drain is the only writer on conn. A failed write closes conn so the reader
// notices and the connect loop starts over.
func (l *Listener) drain(ctx context.Context, conn Conn, queue <-chan []byte) {
	var limiter *rate.Limiter
	if l.cfg.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(l.cfg.SendRate), l.cfg.SendBurst)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			writeCtx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
			err := conn.WriteMessage(writeCtx, msg)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Warn("stream write failed", "err", err)
					_ = conn.Close()
				}
				return
			}
			l.metrics.recordFrameOut(ctx)
		}
	}
}

func (l *Listener) onError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	l.logger.Error("stream connection error", "err", err)
	if l.cb.OnError != nil {
		l.cb.OnError(ctx, err)
	}
}

func (l *Listener) alert(event string, fields map[string]string) {
	if l.alerter == nil {
		return
	}
	if fields == nil {
		fields = map[string]string{}
	}
	fields["stream"] = l.cfg.Name
	fields["reconnect_delay"] = strconv.FormatInt(l.cfg.ReconnectDelay.Milliseconds(), 10) + "ms"
	l.alerter.Important(event, fields)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
