package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trend-connector/internal/core"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, `
symbols: [btcusdt, ethusdt]

exchange:
  api_key: key
  api_secret: secret
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeTestnet {
		t.Fatalf("mode = %q, want %q", cfg.Mode, ModeTestnet)
	}
	if cfg.Symbols[0] != "BTCUSDT" || cfg.Symbols[1] != "ETHUSDT" {
		t.Fatalf("symbols = %v, want upper-cased", cfg.Symbols)
	}
	if len(cfg.Intervals) != 1 || cfg.Intervals[0] != core.Interval1m {
		t.Fatalf("intervals = %v, want [1m]", cfg.Intervals)
	}
	if cfg.Exchange.UserStreamAuth != UserStreamAuthSignature {
		t.Fatalf("exchange.user_stream_auth = %q, want %q", cfg.Exchange.UserStreamAuth, UserStreamAuthSignature)
	}
	if cfg.Exchange.UserStreamKeepaliveSec != 1800 {
		t.Fatalf("exchange.user_stream_keepalive_sec = %d, want 1800", cfg.Exchange.UserStreamKeepaliveSec)
	}
	if cfg.Exchange.StreamBaseURL != "wss://stream.testnet.binance.vision/ws" {
		t.Fatalf("exchange.stream_base_url = %q", cfg.Exchange.StreamBaseURL)
	}
	if got := cfg.Stream.ReconnectDelay(); got != 5*time.Second {
		t.Fatalf("stream reconnect delay = %s, want 5s", got)
	}
	if got := cfg.Stream.StartTimeout(); got != 30*time.Second {
		t.Fatalf("stream start timeout = %s, want 30s", got)
	}
	if cfg.Stream.SendQueueSize != 1024 {
		t.Fatalf("stream.send_queue_size = %d, want 1024", cfg.Stream.SendQueueSize)
	}
	if !cfg.Stream.ControlRatePerSec.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("stream.control_rate_per_sec = %s, want 5", cfg.Stream.ControlRatePerSec.String())
	}
	if cfg.Observability.LogLevel != "info" {
		t.Fatalf("observability.log_level = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestLoadStartTimeoutFollowsReconnectDelay(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchange:
  api_key: key
  api_secret: secret
stream:
  reconnect_delay_ms: 250
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Stream.StartTimeoutMs != 1500 {
		t.Fatalf("stream.start_timeout_ms = %d, want 1500", cfg.Stream.StartTimeoutMs)
	}
}

func TestLoadLiveURLs(t *testing.T) {
	cfgPath := writeTempConfig(t, `
mode: LIVE
exchange:
  api_key: key
  api_secret: secret
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.RestBaseURL != "https://api.binance.com" {
		t.Fatalf("exchange.rest_base_url = %q", cfg.Exchange.RestBaseURL)
	}
	if cfg.Exchange.WSBaseURL != "wss://ws-api.binance.com/ws-api/v3" {
		t.Fatalf("exchange.ws_base_url = %q", cfg.Exchange.WSBaseURL)
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")
	cfgPath := writeTempConfig(t, `
exchange:
  api_key: file-key
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" {
		t.Fatalf("exchange.api_key = %q, want env-key", cfg.Exchange.APIKey)
	}
	if cfg.Exchange.APISecret != "env-secret" {
		t.Fatalf("exchange.api_secret = %q, want env-secret", cfg.Exchange.APISecret)
	}
}

func TestLoadSessionAuthDefaultsWhenKeyPathSet(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchange:
  api_key: key
  ws_ed25519_private_key_path: /keys/ed25519.pem
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.UserStreamAuth != UserStreamAuthSession {
		t.Fatalf("exchange.user_stream_auth = %q, want %q", cfg.Exchange.UserStreamAuth, UserStreamAuthSession)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"unknown field": {
			yaml: "exchange:\n  api_key: k\n  api_secret: s\ngrid:\n  levels: 3\n",
			want: "field grid not found",
		},
		"invalid mode": {
			yaml: "mode: backtest\nexchange:\n  api_key: k\n  api_secret: s\n",
			want: "mode must be testnet or live",
		},
		"missing api key": {
			yaml: "exchange:\n  api_secret: s\n",
			want: "api_key is required",
		},
		"session without key path": {
			yaml: "exchange:\n  api_key: k\n  api_secret: s\n  user_stream_auth: session\n",
			want: "ws_ed25519_private_key_path is required",
		},
		"bad auth": {
			yaml: "exchange:\n  api_key: k\n  api_secret: s\n  user_stream_auth: oauth\n",
			want: "user_stream_auth must be",
		},
		"bad interval": {
			yaml: "intervals: [7m]\nexchange:\n  api_key: k\n  api_secret: s\n",
			want: "not a supported interval",
		},
		"bad symbol": {
			yaml: "symbols: [btc-usdt]\nexchange:\n  api_key: k\n  api_secret: s\n",
			want: "not a valid symbol",
		},
		"bad stream url scheme": {
			yaml: "exchange:\n  api_key: k\n  api_secret: s\n  stream_base_url: https://stream.binance.com\n",
			want: "stream_base_url scheme must be ws or wss",
		},
		"start timeout below delay": {
			yaml: "exchange:\n  api_key: k\n  api_secret: s\nstream:\n  reconnect_delay_ms: 1000\n  start_timeout_ms: 500\n",
			want: "start_timeout_ms must be >= reconnect_delay_ms",
		},
		"bad log level": {
			yaml: "exchange:\n  api_key: k\n  api_secret: s\nobservability:\n  log_level: chatty\n",
			want: "log_level",
		},
		"telegram without token": {
			yaml: "exchange:\n  api_key: k\n  api_secret: s\nobservability:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
			want: "bot_token is required",
		},
		"multiple documents": {
			yaml: "exchange:\n  api_key: k\n  api_secret: s\n---\nmode: live\n",
			want: "single YAML document",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.yaml))
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestLoadTelegramDisabledIgnoresInvalidAPIBaseURL(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchange:
  api_key: k
  api_secret: s
observability:
  telegram:
    enabled: false
    api_base_url: "not a url"
`)
	if _, err := Load(cfgPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("warn")
	if err != nil {
		t.Fatalf("ParseLogLevel() error = %v", err)
	}
	if level != slog.LevelWarn {
		t.Fatalf("ParseLogLevel() = %v, want %v", level, slog.LevelWarn)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}
