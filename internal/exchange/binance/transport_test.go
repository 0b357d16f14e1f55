package binance

import (
	"context"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"trend-connector/internal/stream"
)

// fakeTransport records outbound frames and lets tests inject inbound ones.
// Start behaves like a listener whose first dial succeeds.
type fakeTransport struct {
	mu        sync.Mutex
	cfg       stream.Config
	cb        stream.Callbacks
	sent      [][]byte
	started   bool
	connected bool
	starts    int
	ids       uint64
	startErr  error
}

func (f *fakeTransport) factory() TransportFactory {
	return func(cfg stream.Config, cb stream.Callbacks) Transport {
		f.mu.Lock()
		f.cfg, f.cb = cfg, cb
		f.mu.Unlock()
		return f
	}
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	f.started, f.connected = true, true
	f.starts++
	cb := f.cb
	f.mu.Unlock()
	if cb.OnConnected != nil {
		cb.OnConnected(ctx)
	}
	return nil
}

func (f *fakeTransport) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started, f.connected = false, false
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.sent = append(f.sent, append([]byte(nil), msg...))
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) NextID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids++
	return f.ids
}

// reconnect simulates a dropped and restored connection.
func (f *fakeTransport) reconnect(ctx context.Context) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb.OnClose != nil {
		cb.OnClose(ctx, nil)
	}
	if cb.OnConnected != nil {
		cb.OnConnected(ctx)
	}
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeTransport) deliver(t *testing.T, frame string) {
	t.Helper()
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb.OnMessage(context.Background(), []byte(frame))
}

func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeTransport) controlFrames(t *testing.T) []controlFrame {
	t.Helper()
	var out []controlFrame
	for _, raw := range f.frames() {
		var cf controlFrame
		if err := json.Unmarshal(raw, &cf); err != nil {
			t.Fatalf("decode control frame %s: %v", raw, err)
		}
		out = append(out, cf)
	}
	return out
}

func (f *fakeTransport) requests(t *testing.T) []wsRequest {
	t.Helper()
	var out []wsRequest
	for _, raw := range f.frames() {
		var req wsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("decode request %s: %v", raw, err)
		}
		out = append(out, req)
	}
	return out
}

func countMethod(frames []controlFrame, method string) int {
	n := 0
	for _, f := range frames {
		if f.Method == method {
			n++
		}
	}
	return n
}
