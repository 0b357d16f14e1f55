// Command marketdata downloads historical candles into per-day JSONL files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"

	"trend-connector/internal/core"
	"trend-connector/internal/exchange/binance"
)

const (
	defaultBaseURL = "https://api.binance.com"
	defaultOutDir  = "data/binance"
	batchLimit     = 1000
)

type candleLine struct {
	Time        string `json:"time"`
	Timestamp   int64  `json:"timestamp"`
	Symbol      string `json:"symbol"`
	Interval    string `json:"interval"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quote_volume"`
	Trades      int64  `json:"trades"`
}

type candleSource interface {
	HistoricalCandles(ctx context.Context, q core.KlineQuery) ([]core.Kline, error)
}

type dateWriter struct {
	root        string
	currentDate string
	currentFile *os.File
}

func newDateWriter(root string) (*dateWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &dateWriter{root: root}, nil
}

func (w *dateWriter) write(date string, line []byte) error {
	if err := w.rotate(date); err != nil {
		return err
	}
	if _, err := w.currentFile.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (w *dateWriter) rotate(date string) error {
	if date == w.currentDate && w.currentFile != nil {
		return nil
	}
	if w.currentFile != nil {
		if err := w.currentFile.Sync(); err != nil {
			_ = w.currentFile.Close()
			w.currentFile = nil
			return err
		}
		if err := w.currentFile.Close(); err != nil {
			w.currentFile = nil
			return err
		}
		w.currentFile = nil
	}
	path := filepath.Join(w.root, date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.currentDate = date
	return nil
}

func (w *dateWriter) close() error {
	if w == nil || w.currentFile == nil {
		return nil
	}
	if err := w.currentFile.Sync(); err != nil {
		_ = w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	return err
}

func main() {
	var (
		baseURL  string
		symbol   string
		interval string
		months   int
		startRaw string
		endRaw   string
		outDir   string
		timeout  int
	)

	flag.StringVar(&baseURL, "base-url", defaultBaseURL, "exchange REST base url")
	flag.StringVar(&symbol, "symbol", "BTCUSDT", "symbol, e.g. BTCUSDT")
	flag.StringVar(&interval, "interval", "1m", "kline interval, e.g. 1m/5m/15m/1h")
	flag.IntVar(&months, "months", 6, "how many months to fetch back from now")
	flag.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	flag.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.IntVar(&timeout, "timeout-sec", 20, "http timeout seconds")
	flag.Parse()

	sym, err := core.NormalizeSymbol(symbol)
	if err != nil {
		fatal(fmt.Sprintf("symbol %q: %v", symbol, err))
	}
	iv := core.Interval(strings.TrimSpace(interval))
	if !iv.Valid() {
		fatal(fmt.Sprintf("unsupported interval %q", interval))
	}
	start, end, err := resolveWindow(months, startRaw, endRaw)
	if err != nil {
		fatal(err.Error())
	}

	targetDir := filepath.Join(outDir, sym, string(iv))
	writer, err := newDateWriter(targetDir)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := writer.close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close writer failed: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	client := binance.NewClientWithOptions(binance.Options{
		RestBaseURL:    strings.TrimSpace(baseURL),
		HTTPTimeoutSec: int64(timeout),
		Logger:         logger,
	})

	logger.Info("fetching candles", "symbol", sym, "interval", iv, "from", start.Format(time.RFC3339), "to", end.Add(-time.Millisecond).Format(time.RFC3339))
	total, requests, err := download(ctx, client, writer, sym, iv, start, end, 120*time.Millisecond)
	if err != nil {
		fatal(err.Error())
	}
	logger.Info("done", "records", total, "requests", requests, "output", targetDir)
}

// download pages through [start, end) and writes every candle once.
func download(ctx context.Context, src candleSource, w *dateWriter, sym string, iv core.Interval, start, end time.Time, pause time.Duration) (int, int, error) {
	cursor := start
	total, requests := 0, 0
	for cursor.Before(end) {
		batch, err := fetchBatch(ctx, src, core.KlineQuery{
			Symbol:   sym,
			Interval: iv,
			Limit:    batchLimit,
			Start:    cursor,
			End:      end.Add(-time.Millisecond),
		})
		if err != nil {
			return total, requests, err
		}
		requests++
		if len(batch) == 0 {
			break
		}
		for _, k := range batch {
			if !k.OpenTime.Before(end) {
				continue
			}
			encoded, err := json.Marshal(toLine(sym, iv, k))
			if err != nil {
				return total, requests, err
			}
			if err := w.write(k.OpenTime.UTC().Format("2006-01-02"), encoded); err != nil {
				return total, requests, err
			}
			total++
			cursor = k.OpenTime.Add(time.Millisecond)
		}
		if requests%20 == 0 {
			slog.Info("progress", "requests", requests, "records", total, "last", cursor.Format(time.RFC3339))
		}
		if pause > 0 {
			select {
			case <-ctx.Done():
				return total, requests, ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	return total, requests, nil
}

// fetchBatch retries transient failures with exponential backoff. Invalid
// symbol or interval errors are not retried.
func fetchBatch(ctx context.Context, src candleSource, q core.KlineQuery) ([]core.Kline, error) {
	return backoff.Retry(ctx, func() ([]core.Kline, error) {
		batch, err := src.HistoricalCandles(ctx, q)
		if err != nil {
			if errors.Is(err, core.ErrInvalidSymbol) || errors.Is(err, core.ErrInvalidInterval) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return batch, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
}

func toLine(sym string, iv core.Interval, k core.Kline) candleLine {
	ts := k.OpenTime.UTC()
	return candleLine{
		Time:        ts.Format(time.RFC3339),
		Timestamp:   ts.UnixMilli(),
		Symbol:      sym,
		Interval:    string(iv),
		Open:        k.Open.String(),
		High:        k.High.String(),
		Low:         k.Low.String(),
		Close:       k.Close.String(),
		Volume:      k.Volume.String(),
		QuoteVolume: k.QuoteVolume.String(),
		Trades:      k.Trades,
	}
}

func resolveWindow(months int, startRaw, endRaw string) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if months < 1 {
			return time.Time{}, time.Time{}, errors.New("months must be >= 1")
		}
		end := time.Now().UTC()
		start := end.AddDate(0, -months, 0)
		return start, end, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, startDateOnly, err := parseRangeTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, endDateOnly, err := parseRangeTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if startDateOnly {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	}
	if endDateOnly {
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start.UTC(), end.UTC(), nil
}

func parseRangeTime(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, errors.New("empty")
	}
	if len(raw) == len("2006-01-02") {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, errors.New("unsupported time format")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
