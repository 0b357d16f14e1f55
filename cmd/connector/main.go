package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trend-connector/internal/alert"
	"trend-connector/internal/config"
	"trend-connector/internal/core"
	"trend-connector/internal/exchange"
	"trend-connector/internal/exchange/binance"
)

func main() {
	var (
		configPath string
		envPath    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, err := newLogger(cfg.Observability.LogLevel)
	if err != nil {
		fatal(err.Error())
	}
	slog.SetDefault(logger)

	alerts := buildAlertManager(cfg, logger)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				logger.Error("close alert manager failed", "err", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := binance.Build(cfg, logger, alerts)
	if err != nil {
		fatal(err.Error())
	}
	if err := run(ctx, conn, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err.Error())
	}
}

// run starts the connector, subscribes the configured klines and blocks
// until ctx is done.
func run(ctx context.Context, conn exchange.Connector, cfg config.Config, logger *slog.Logger) error {
	if err := conn.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := conn.Stop(stopCtx); err != nil {
			logger.Error("connector stop failed", "err", err)
		}
	}()

	wallet, err := conn.Wallet(ctx, false)
	if err != nil {
		return err
	}
	orders, err := conn.OpenOrders(ctx, "", false)
	if err != nil {
		return err
	}
	logger.Info("account loaded", "assets", len(wallet), "open_orders", len(orders))

	for _, sym := range cfg.Symbols {
		for _, iv := range cfg.Intervals {
			if _, err := conn.KlineSubscribe(ctx, sym, iv, logKline(logger)); err != nil {
				return fmt.Errorf("subscribe %s %s: %w", sym, iv, err)
			}
		}
	}
	if _, err := conn.OrdersSubscribe(func(_ context.Context, r core.OrderReport) error {
		logger.Info("order update", "symbol", r.Symbol, "order_id", r.OrderID, "status", r.Status, "executed", r.ExecutedQty)
		return nil
	}); err != nil {
		return err
	}
	if _, err := conn.WalletSubscribe(func(_ context.Context, balances []core.Balance) error {
		for _, b := range balances {
			logger.Info("balance update", "asset", b.Asset, "free", b.Free, "locked", b.Locked)
		}
		return nil
	}); err != nil {
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}

func logKline(logger *slog.Logger) func(context.Context, core.KlineUpdate) error {
	return func(_ context.Context, u core.KlineUpdate) error {
		level := slog.LevelDebug
		if u.Closed {
			level = slog.LevelInfo
		}
		logger.Log(context.Background(), level, "kline",
			"symbol", u.Symbol,
			"interval", u.Interval,
			"open_time", u.Kline.OpenTime,
			"close", u.Kline.Close,
			"volume", u.Kline.Volume,
			"closed", u.Closed,
		)
		return nil
	}
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config, logger *slog.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Account, notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.AlertDropReportSec) * time.Second,
		Logger:             logger,
	})
}
