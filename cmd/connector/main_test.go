package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"trend-connector/internal/config"
	"trend-connector/internal/core"
	"trend-connector/internal/event"
	"trend-connector/internal/exchange"
)

type fakeConnector struct {
	started, stopped bool
	klines           []string
	ordersSubs       int
	walletSubs       int
}

func (f *fakeConnector) Name() string                { return "fake" }
func (f *fakeConnector) Start(context.Context) error { f.started = true; return nil }
func (f *fakeConnector) Stop(context.Context) error  { f.stopped = true; return nil }
func (f *fakeConnector) Wallet(context.Context, bool) (core.Wallet, error) {
	return core.Wallet{}, nil
}
func (f *fakeConnector) OpenOrders(context.Context, string, bool) ([]core.OrderReport, error) {
	return nil, nil
}
func (f *fakeConnector) KlineSubscribe(_ context.Context, symbol string, iv core.Interval, _ event.Handler[core.KlineUpdate]) (event.Token, error) {
	f.klines = append(f.klines, symbol+"@"+string(iv))
	return event.NewToken(), nil
}
func (f *fakeConnector) KlineUnsubscribe(context.Context, exchange.KlineUnsubscribe) error {
	return nil
}
func (f *fakeConnector) WalletSubscribe(event.Handler[[]core.Balance]) (event.Token, error) {
	f.walletSubs++
	return event.NewToken(), nil
}
func (f *fakeConnector) WalletUnsubscribe(event.Token) bool { return true }
func (f *fakeConnector) OrdersSubscribe(event.Handler[core.OrderReport]) (event.Token, error) {
	f.ordersSubs++
	return event.NewToken(), nil
}
func (f *fakeConnector) OrdersUnsubscribe(event.Token) bool { return true }
func (f *fakeConnector) HistoricalCandles(context.Context, core.KlineQuery) ([]core.Kline, error) {
	return nil, nil
}
func (f *fakeConnector) PlaceOrder(context.Context, core.Order) (core.OrderReport, error) {
	return core.OrderReport{}, nil
}
func (f *fakeConnector) CancelOrder(context.Context, core.CancelOrder) (core.OrderReport, error) {
	return core.OrderReport{}, nil
}

func TestRunSubscribesConfiguredKlines(t *testing.T) {
	conn := &fakeConnector{}
	cfg := config.Config{
		Symbols:   []string{"BTCUSDT", "ETHUSDT"},
		Intervals: []core.Interval{core.Interval1m, core.Interval1h},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := run(ctx, conn, cfg, slogDiscard())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run() error = %v, want context.Canceled", err)
	}
	if !conn.started || !conn.stopped {
		t.Fatalf("started=%v stopped=%v, want both", conn.started, conn.stopped)
	}
	if len(conn.klines) != 4 {
		t.Fatalf("kline subscriptions = %v, want 4", conn.klines)
	}
	if conn.ordersSubs != 1 || conn.walletSubs != 1 {
		t.Fatalf("orders=%d wallet=%d subscriptions, want 1 each", conn.ordersSubs, conn.walletSubs)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("verbose"); err == nil {
		t.Fatalf("newLogger(verbose) error = nil, want non-nil")
	}
	if _, err := newLogger("debug"); err != nil {
		t.Fatalf("newLogger(debug) error = %v", err)
	}
}

func TestBuildAlertManagerDisabled(t *testing.T) {
	if m := buildAlertManager(config.Config{}, nil); m != nil {
		t.Fatalf("buildAlertManager(disabled) = %v, want nil", m)
	}
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
