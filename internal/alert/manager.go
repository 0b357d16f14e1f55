// Package alert forwards connector lifecycle incidents to an operator channel.
package alert

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter accepts important connector events. Implementations must not block.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultAlertQueueSize     = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	Logger             *slog.Logger
}

// Manager queues alerts and delivers them from a single goroutine so callers
// on the stream hot path never wait on the notifier.
type Manager struct {
	mode                 string
	account              string
	notifier             Notifier
	logger               *slog.Logger
	queue                chan alertEvent
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	droppedTotal         atomic.Uint64
	droppedSinceReported atomic.Uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool
}

type alertEvent struct {
	event  string
	fields map[string]string
	at     time.Time
}

func NewManager(mode, account string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, account, notifier, ManagerOptions{
		QueueSize:          defaultAlertQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

// NewManagerWithOptions returns nil when notifier is nil; a nil *Manager is a
// valid no-op Alerter.
func NewManagerWithOptions(mode, account string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultAlertQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		mode:               mode,
		account:            account,
		notifier:           notifier,
		logger:             logger.With("component", "alert"),
		queue:              make(chan alertEvent, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := alertEvent{
		event:  event,
		fields: cloneFields(fields),
		at:     time.Now().UTC(),
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		droppedTotal := m.droppedTotal.Add(1)
		// first drop of a window is logged right away, the rest go into the periodic summary
		if m.droppedSinceReported.Add(1) == 1 {
			m.logger.Warn("alert queue full, dropping alert",
				"target_event", event,
				"dropped_total", droppedTotal,
				"queue_cap", cap(m.queue),
			)
		}
	}
}

// Close stops accepting alerts and waits until the queued ones are delivered.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := m.droppedSinceReported.Swap(0)
	if dropped == 0 {
		return
	}
	m.logger.Warn("alert queue dropped report",
		"dropped_since_last", dropped,
		"dropped_total", m.droppedTotal.Load(),
		"report_interval", m.dropReportInterval,
	)
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return m.droppedTotal.Load(), m.droppedSinceReported.Load()
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		m.logger.Error("alert notify failed", "target_event", ev.event, "err", err)
	}
}

func (m *Manager) buildMessage(ev alertEvent) string {
	lines := []string{
		"[trend-connector] important",
		"time: " + ev.at.Format(time.RFC3339),
		"mode: " + m.mode,
		"account: " + m.account,
		"event: " + ev.event,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
