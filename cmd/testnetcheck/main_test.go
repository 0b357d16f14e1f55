package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"trend-connector/internal/core"
	"trend-connector/internal/exchange/binance"
)

func TestParseCheckFlag(t *testing.T) {
	got, err := parseCheckFlag("rest, klines")
	if err != nil {
		t.Fatalf("parseCheckFlag() error = %v", err)
	}
	if !got.rest || !got.klines || got.candles || got.userStream {
		t.Fatalf("parseCheckFlag() = %+v, want rest and klines", got)
	}
	if all, _ := parseCheckFlag(""); !all.rest || !all.candles || !all.klines || !all.userStream {
		t.Fatalf("parseCheckFlag(\"\") = %+v, want all", all)
	}
	if _, err := parseCheckFlag("lifecycle"); err == nil {
		t.Fatalf("parseCheckFlag(lifecycle) error = nil, want non-nil")
	}
	if _, err := parseCheckFlag(" , "); err == nil {
		t.Fatalf("parseCheckFlag(empty list) error = nil, want non-nil")
	}
}

type candleStub struct {
	klines []core.Kline
	err    error
}

func (c candleStub) HistoricalCandles(context.Context, core.KlineQuery) ([]core.Kline, error) {
	return c.klines, c.err
}

func TestCheckCandles(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ok := candleStub{klines: []core.Kline{{OpenTime: t0}, {OpenTime: t0.Add(time.Minute)}}}
	detail, err := checkCandles(context.Background(), ok, "BTCUSDT")
	if err != nil {
		t.Fatalf("checkCandles() error = %v", err)
	}
	if !strings.Contains(detail, "count=2") {
		t.Fatalf("checkCandles() detail = %q, want count=2", detail)
	}

	unordered := candleStub{klines: []core.Kline{{OpenTime: t0.Add(time.Minute)}, {OpenTime: t0}}}
	if _, err := checkCandles(context.Background(), unordered, "BTCUSDT"); err == nil {
		t.Fatalf("checkCandles(unordered) error = nil, want non-nil")
	}
	if _, err := checkCandles(context.Background(), candleStub{}, "BTCUSDT"); err == nil {
		t.Fatalf("checkCandles(empty) error = nil, want non-nil")
	}
	boom := errors.New("boom")
	if _, err := checkCandles(context.Background(), candleStub{err: boom}, "BTCUSDT"); !errors.Is(err, boom) {
		t.Fatalf("checkCandles(error) = %v, want boom", err)
	}
}

type authStub binance.AuthState

func (a authStub) AuthState() binance.AuthState { return binance.AuthState(a) }

func TestCheckUserStream(t *testing.T) {
	if _, err := checkUserStream(context.Background(), authStub(binance.AuthStreaming), time.Second); err != nil {
		t.Fatalf("checkUserStream(streaming) error = %v", err)
	}
	_, err := checkUserStream(context.Background(), authStub(binance.AuthLogonSent), 150*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "logon_sent") {
		t.Fatalf("checkUserStream(logon_sent) error = %v, want timeout naming state", err)
	}
}
