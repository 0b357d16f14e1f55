package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"trend-connector/internal/core"
)

type Mode string

type UserStreamAuth string

const (
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	UserStreamAuthSignature UserStreamAuth = "signature"
	UserStreamAuthSession   UserStreamAuth = "session"
	UserStreamAuthListenKey UserStreamAuth = "listen_key"
)

type Config struct {
	Mode          Mode                `yaml:"mode"`
	Account       string              `yaml:"account"`
	Symbols       []string            `yaml:"symbols"`
	Intervals     []core.Interval     `yaml:"intervals"`
	Exchange      ExchangeConfig      `yaml:"exchange"`
	Stream        StreamConfig        `yaml:"stream"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey           string         `yaml:"api_key"`
	APISecret        string         `yaml:"api_secret"`
	RestBaseURL      string         `yaml:"rest_base_url"`
	WSBaseURL        string         `yaml:"ws_base_url"`
	StreamBaseURL    string         `yaml:"stream_base_url"`
	UserStreamAuth   UserStreamAuth `yaml:"user_stream_auth"`
	WSEd25519KeyPath string         `yaml:"ws_ed25519_private_key_path"`
	RecvWindowMs     int64          `yaml:"recv_window_ms"`
	HTTPTimeoutSec   int64          `yaml:"http_timeout_sec"`
	// UserStreamKeepaliveSec is the listen key renewal period.
	UserStreamKeepaliveSec int64 `yaml:"user_stream_keepalive_sec"`
}

type StreamConfig struct {
	ReconnectDelayMs  int64   `yaml:"reconnect_delay_ms"`
	StartTimeoutMs    int64   `yaml:"start_timeout_ms"`
	SendQueueSize     int     `yaml:"send_queue_size"`
	WriteTimeoutMs    int64   `yaml:"write_timeout_ms"`
	ReadTimeoutSec    int64   `yaml:"read_timeout_sec"`
	ControlRatePerSec Decimal `yaml:"control_rate_per_sec"`
}

type ObservabilityConfig struct {
	LogLevel           string         `yaml:"log_level"`
	AlertDropReportSec int64          `yaml:"alert_drop_report_sec"`
	Telegram           TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

// envOverrides are read after the YAML file; a set variable wins.
type envOverrides struct {
	APIKey           string `envconfig:"BINANCE_API_KEY"`
	APISecret        string `envconfig:"BINANCE_API_SECRET"`
	Ed25519KeyPath   string `envconfig:"BINANCE_ED25519_KEY_PATH"`
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `envconfig:"TELEGRAM_CHAT_ID"`
	LogLevel         string `envconfig:"CONNECTOR_LOG_LEVEL"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	override := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	override(&c.Exchange.APIKey, env.APIKey)
	override(&c.Exchange.APISecret, env.APISecret)
	override(&c.Exchange.WSEd25519KeyPath, env.Ed25519KeyPath)
	override(&c.Observability.Telegram.BotToken, env.TelegramBotToken)
	override(&c.Observability.Telegram.ChatID, env.TelegramChatID)
	override(&c.Observability.LogLevel, env.LogLevel)
	return nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Account = strings.ToLower(strings.TrimSpace(c.Account))
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, iv := range c.Intervals {
		c.Intervals[i] = core.Interval(strings.TrimSpace(string(iv)))
	}
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Exchange.StreamBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.StreamBaseURL), "/")
	c.Exchange.WSEd25519KeyPath = strings.TrimSpace(c.Exchange.WSEd25519KeyPath)
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	auth := strings.ToLower(strings.TrimSpace(string(c.Exchange.UserStreamAuth)))
	if auth == "listenkey" {
		auth = string(UserStreamAuthListenKey)
	}
	c.Exchange.UserStreamAuth = UserStreamAuth(auth)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTestnet
	}
	if c.Account == "" {
		c.Account = "default"
	}
	if len(c.Intervals) == 0 {
		c.Intervals = []core.Interval{core.Interval1m}
	}
	if c.Exchange.UserStreamAuth == "" {
		if c.Exchange.WSEd25519KeyPath != "" {
			c.Exchange.UserStreamAuth = UserStreamAuthSession
		} else {
			c.Exchange.UserStreamAuth = UserStreamAuthSignature
		}
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.UserStreamKeepaliveSec == 0 {
		c.Exchange.UserStreamKeepaliveSec = 30 * 60
	}
	if c.Stream.ReconnectDelayMs == 0 {
		c.Stream.ReconnectDelayMs = 5000
	}
	if c.Stream.StartTimeoutMs == 0 {
		c.Stream.StartTimeoutMs = 6 * c.Stream.ReconnectDelayMs
	}
	if c.Stream.SendQueueSize == 0 {
		c.Stream.SendQueueSize = 1024
	}
	if c.Stream.WriteTimeoutMs == 0 {
		c.Stream.WriteTimeoutMs = 5000
	}
	if c.Stream.ReadTimeoutSec == 0 {
		c.Stream.ReadTimeoutSec = 180
	}
	if c.Stream.ControlRatePerSec.IsZero() {
		c.Stream.ControlRatePerSec = Decimal{decimal.NewFromInt(5)}
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.AlertDropReportSec == 0 {
		c.Observability.AlertDropReportSec = 60
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://ws-api.testnet.binance.vision/ws-api/v3"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://ws-api.binance.com/ws-api/v3"
		}
	}
	if c.Exchange.StreamBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.StreamBaseURL = "wss://stream.testnet.binance.vision/ws"
		case ModeLive:
			c.Exchange.StreamBaseURL = "wss://stream.binance.com:9443/ws"
		}
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be testnet or live")
	}
	if !isValidAccount(c.Account) {
		return fmt.Errorf("account must match [a-z0-9_-], length 1..24")
	}
	for _, s := range c.Symbols {
		if _, err := core.NormalizeSymbol(s); err != nil {
			return fmt.Errorf("symbols: %q is not a valid symbol", s)
		}
	}
	for _, iv := range c.Intervals {
		if !iv.Valid() {
			return fmt.Errorf("intervals: %q is not a supported interval", iv)
		}
	}
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange api_key is required")
	}
	if c.Exchange.APISecret == "" && c.Exchange.WSEd25519KeyPath == "" {
		return fmt.Errorf("exchange api_secret or ws_ed25519_private_key_path is required")
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.UserStreamKeepaliveSec < 1 || c.Exchange.UserStreamKeepaliveSec > 3600 {
		return fmt.Errorf("exchange user_stream_keepalive_sec must be between 1 and 3600")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if err := validateURL(c.Exchange.StreamBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange stream_base_url %v", err)
	}
	switch c.Exchange.UserStreamAuth {
	case UserStreamAuthSignature:
		if c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange api_secret is required for signature auth")
		}
	case UserStreamAuthSession:
		if c.Exchange.WSEd25519KeyPath == "" {
			return fmt.Errorf("exchange ws_ed25519_private_key_path is required for session auth")
		}
	case UserStreamAuthListenKey:
	default:
		return fmt.Errorf("exchange user_stream_auth must be session, signature, or listen_key")
	}
	if c.Stream.ReconnectDelayMs < 10 || c.Stream.ReconnectDelayMs > 300000 {
		return fmt.Errorf("stream reconnect_delay_ms must be between 10 and 300000")
	}
	if c.Stream.StartTimeoutMs < c.Stream.ReconnectDelayMs {
		return fmt.Errorf("stream start_timeout_ms must be >= reconnect_delay_ms")
	}
	if c.Stream.SendQueueSize < 1 || c.Stream.SendQueueSize > 1<<16 {
		return fmt.Errorf("stream send_queue_size must be between 1 and 65536")
	}
	if c.Stream.WriteTimeoutMs < 1 {
		return fmt.Errorf("stream write_timeout_ms must be >= 1")
	}
	if c.Stream.ReadTimeoutSec < 0 || c.Stream.ReadTimeoutSec > 3600 {
		return fmt.Errorf("stream read_timeout_sec must be between 0 and 3600")
	}
	if c.Stream.ControlRatePerSec.IsNegative() {
		return fmt.Errorf("stream control_rate_per_sec must be >= 0")
	}
	if _, err := ParseLogLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("observability.log_level %v", err)
	}
	if c.Observability.AlertDropReportSec < 0 || c.Observability.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func (s StreamConfig) ReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelayMs) * time.Millisecond
}

func (s StreamConfig) StartTimeout() time.Duration {
	return time.Duration(s.StartTimeoutMs) * time.Millisecond
}

func (s StreamConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

func (s StreamConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSec) * time.Second
}

// ParseLogLevel maps debug, info, warn, or error to a slog level.
func ParseLogLevel(v string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo, fmt.Errorf("must be debug, info, warn, or error")
	}
	return level, nil
}

func isValidAccount(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
