// Command testnetcheck runs live smoke checks of the connector against the
// configured exchange endpoints and prints a PASS/FAIL report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"trend-connector/internal/config"
	"trend-connector/internal/core"
	"trend-connector/internal/exchange"
	"trend-connector/internal/exchange/binance"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Symbol     string        `json:"symbol"`
	Checks     []checkResult `json:"checks"`
}

type selectedChecks struct {
	rest       bool
	candles    bool
	klines     bool
	userStream bool
}

func main() {
	var (
		configPath   string
		timeoutSec   int
		streamWait   int
		outJSONPath  string
		allowLiveRun bool
		checkFlag    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 180, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "wait seconds for stream checks")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.StringVar(&checkFlag, "check", "all", "checks to run: all | comma list (rest,candles,klines,user_stream)")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	if len(cfg.Symbols) == 0 {
		fatal("testnetcheck requires at least one symbol")
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 30 {
		timeoutSec = 30
	}
	if streamWait < 3 {
		streamWait = 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	level, _ := config.ParseLogLevel(cfg.Observability.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	conn, client, err := binance.Build(cfg, logger, nil)
	if err != nil {
		fatal(err.Error())
	}

	symbol := cfg.Symbols[0]
	r := report{StartedAt: time.Now().UTC(), Mode: cfg.Mode, Symbol: symbol}
	run := func(name string, fn func() (string, error)) {
		r.Checks = append(r.Checks, runCheck(name, fn))
	}
	wait := time.Duration(streamWait) * time.Second

	if checks.rest {
		run("rest_account", func() (string, error) {
			wallet, err := client.Account(ctx)
			if err != nil {
				return "", err
			}
			orders, err := client.OpenOrders(ctx, symbol)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("assets=%d open_orders=%d", len(wallet), len(orders)), nil
		})
	}
	if checks.candles {
		run("rest_historical_candles", func() (string, error) {
			return checkCandles(ctx, client, symbol)
		})
	}
	if checks.klines || checks.userStream {
		started := false
		run("connector_start", func() (string, error) {
			if err := conn.Start(ctx); err != nil {
				return "", err
			}
			started = true
			return "", nil
		})
		if started {
			if checks.klines {
				run("public_kline_stream", func() (string, error) {
					return checkKlineStream(ctx, conn, symbol, wait)
				})
			}
			if checks.userStream {
				run("private_user_stream", func() (string, error) {
					return checkUserStream(ctx, conn, wait)
				})
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := conn.Stop(stopCtx); err != nil {
				logger.Error("connector stop failed", "err", err)
			}
			stopCancel()
		}
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
	}
	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

func runCheck(name string, fn func() (string, error)) checkResult {
	start := time.Now()
	detail, err := fn()
	cr := checkResult{
		Name:       name,
		DurationMs: time.Since(start).Milliseconds(),
		Detail:     detail,
		Status:     statusPass,
	}
	if err != nil {
		cr.Status = statusFail
		cr.Error = err.Error()
		fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		return cr
	}
	fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
	if cr.Detail != "" {
		fmt.Printf(" - %s", cr.Detail)
	}
	fmt.Println()
	return cr
}

type candleSource interface {
	HistoricalCandles(ctx context.Context, q core.KlineQuery) ([]core.Kline, error)
}

func checkCandles(ctx context.Context, src candleSource, symbol string) (string, error) {
	klines, err := src.HistoricalCandles(ctx, core.KlineQuery{Symbol: symbol, Interval: core.Interval1m, Limit: 5})
	if err != nil {
		return "", err
	}
	if len(klines) == 0 {
		return "", errors.New("no candles returned")
	}
	for i := 1; i < len(klines); i++ {
		if !klines[i].OpenTime.After(klines[i-1].OpenTime) {
			return "", fmt.Errorf("candles out of order at %d", i)
		}
	}
	last := klines[len(klines)-1]
	return fmt.Sprintf("count=%d last_close=%s", len(klines), last.Close), nil
}

func checkKlineStream(ctx context.Context, conn exchange.Connector, symbol string, wait time.Duration) (string, error) {
	got := make(chan core.KlineUpdate, 1)
	token, err := conn.KlineSubscribe(ctx, symbol, core.Interval1s, func(_ context.Context, u core.KlineUpdate) error {
		select {
		case got <- u:
		default:
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.KlineUnsubscribe(context.Background(), exchange.KlineUnsubscribe{Token: token}) }()

	select {
	case u := <-got:
		return fmt.Sprintf("close=%s closed=%v", u.Kline.Close, u.Closed), nil
	case <-time.After(wait):
		return "", fmt.Errorf("no kline within %s", wait)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type authReporter interface {
	AuthState() binance.AuthState
}

func checkUserStream(ctx context.Context, conn authReporter, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	for {
		state := conn.AuthState()
		if state == binance.AuthStreaming {
			return "state=" + state.String(), nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("user data stream not streaming within %s (state=%s)", wait, state)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "all" {
		return selectedChecks{rest: true, candles: true, klines: true, userStream: true}, nil
	}
	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		switch name := strings.TrimSpace(p); name {
		case "":
			continue
		case "rest", "rest_account":
			out.rest = true
		case "candles", "rest_historical_candles":
			out.candles = true
		case "klines", "public_kline_stream":
			out.klines = true
		case "user_stream", "private_user_stream":
			out.userStream = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if out == (selectedChecks{}) {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

func printSummary(r report) {
	pass, fail := 0, 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("summary mode=%s symbol=%s pass=%d fail=%d duration=%s\n",
		r.Mode, r.Symbol, pass, fail, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
