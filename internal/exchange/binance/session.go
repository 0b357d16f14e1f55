package binance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"trend-connector/internal/alert"
	"trend-connector/internal/stream"
)

const defaultKeepaliveInterval = 30 * time.Minute

// ListenKeyAPI is the REST side of a user data stream session.
type ListenKeyAPI interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepaliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// SessionListener is a stream listener whose URL is addressed by a listen
// key. The key is renewed in the background while the listener runs.
type SessionListener struct {
	api       ListenKeyAPI
	cfg       stream.Config
	cb        stream.Callbacks
	factory   TransportFactory
	keepalive time.Duration
	logger    *slog.Logger
	alerter   alert.Alerter
	ids       atomic.Uint64

	lifeMu sync.Mutex

	mu        sync.Mutex
	transport Transport
	listenKey string
	cancel    context.CancelFunc
	wg        *conc.WaitGroup
}

func NewSessionListener(api ListenKeyAPI, cfg stream.Config, cb stream.Callbacks, factory TransportFactory, keepalive time.Duration, logger *slog.Logger, alerter alert.Alerter) *SessionListener {
	if cfg.Name == "" {
		cfg.Name = "user_data"
	}
	if keepalive <= 0 {
		keepalive = defaultKeepaliveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = ListenerFactory(stream.WithLogger(logger), stream.WithAlerter(alerter))
	}
	return &SessionListener{
		api:       api,
		cfg:       cfg,
		cb:        cb,
		factory:   factory,
		keepalive: keepalive,
		logger:    logger.With("component", "session_listener"),
		alerter:   alerter,
	}
}

// Start acquires a listen key, connects to base URL + "/" + key, and starts
// the keepalive loop. A key whose connection never comes up is closed again.
func (s *SessionListener) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	running := s.transport != nil
	s.mu.Unlock()
	if running {
		return nil
	}

	key, err := s.api.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	cfg := s.cfg
	cfg.URL = strings.TrimRight(cfg.URL, "/") + "/" + key
	t := s.factory(cfg, s.cb)
	if err := t.Start(ctx); err != nil {
		s.closeKey(key)
		return err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	wg := conc.NewWaitGroup()
	wg.Go(func() { s.keepaliveLoop(kaCtx, key) })

	s.mu.Lock()
	s.transport, s.listenKey, s.cancel, s.wg = t, key, cancel, wg
	s.mu.Unlock()
	s.logger.Info("user data session started")
	return nil
}

// Stop ends the keepalive loop before closing the connection and the key.
func (s *SessionListener) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	t, key, cancel, wg := s.transport, s.listenKey, s.cancel, s.wg
	s.transport, s.listenKey, s.cancel, s.wg = nil, "", nil, nil
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	cancel()
	if r := wg.WaitAndRecover(); r != nil {
		s.logger.Error("listen key keepalive panicked", "panic", r.Value)
	}
	err := t.Stop(ctx)
	s.closeKey(key)
	return err
}

func (s *SessionListener) Send(ctx context.Context, msg []byte) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Send(ctx, msg)
}

func (s *SessionListener) IsConnected() bool {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	return t != nil && t.IsConnected()
}

// NextID is monotonic per session listener across restarts.
func (s *SessionListener) NextID() uint64 { return s.ids.Add(1) }

// ListenKey returns the active key, or "" while stopped.
func (s *SessionListener) ListenKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenKey
}

func (s *SessionListener) keepaliveLoop(ctx context.Context, key string) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.api.KeepaliveListenKey(ctx, key); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("listen key keepalive failed", "err", err)
				if s.alerter != nil {
					s.alerter.Important("listen_key_keepalive_failed", map[string]string{
						"stream": s.cfg.Name,
						"error":  err.Error(),
					})
				}
				continue
			}
			s.logger.Debug("listen key renewed")
		}
	}
}

func (s *SessionListener) closeKey(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.api.CloseListenKey(ctx, key); err != nil {
		s.logger.Warn("close listen key failed", "err", err)
	}
}

var _ Transport = (*SessionListener)(nil)
