// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/alerting"
	"github.com/tathienbao/delta-bot/internal/engine"
	"github.com/tathienbao/delta-bot/internal/execution"
	"github.com/tathienbao/delta-bot/internal/journal"
	"github.com/tathienbao/delta-bot/internal/ledger"
	"github.com/tathienbao/delta-bot/internal/logging"
	"github.com/tathienbao/delta-bot/internal/metrics"
	"github.com/tathienbao/delta-bot/internal/risk"
	"github.com/tathienbao/delta-bot/internal/stream"
	"github.com/tathienbao/delta-bot/internal/tickfilter"
	"github.com/tathienbao/delta-bot/internal/types"
	"gopkg.in/yaml.v3"
)

// Execution modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config represents the full application configuration.
type Config struct {
	Mode        string            `yaml:"mode"` // paper | live
	Stream      StreamConfig      `yaml:"stream"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Restart     RestartConfig     `yaml:"restart"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Risk        RiskConfig        `yaml:"risk"`
	TickFilter  TickFilterConfig  `yaml:"tick_filter"`
	Logging     LoggingConfig     `yaml:"logging"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Journal     JournalConfig     `yaml:"journal"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// StreamConfig holds market data feed settings.
type StreamConfig struct {
	URL                 string  `yaml:"url"`
	APIKey              string  `yaml:"api_key"`
	APISecret           string  `yaml:"api_secret"`
	Symbol              string  `yaml:"symbol"`
	Channel             string  `yaml:"channel"`
	HandshakeTimeoutSec int     `yaml:"handshake_timeout_sec"`
	PingIntervalSec     int     `yaml:"ping_interval_sec"`
	ReadTimeoutSec      int     `yaml:"read_timeout_sec"`
	CloseTimeoutSec     int     `yaml:"close_timeout_sec"`
	SuppressWindowSec   float64 `yaml:"suppress_window_sec"`
	PenaltyCapSec       int     `yaml:"penalty_cap_sec"`
	WriteRatePerSecond  float64 `yaml:"write_rate_per_second"`
}

// WatchdogConfig holds liveness monitor settings.
type WatchdogConfig struct {
	HeartbeatSec       int     `yaml:"heartbeat_sec"`
	FreezeSec          int     `yaml:"freeze_sec"`
	SilentHangSec      int     `yaml:"silent_hang_sec"`
	SlowdownWindow     int     `yaml:"slowdown_window"`
	SlowdownFactor     float64 `yaml:"slowdown_factor"`
	SlowdownMinSamples int     `yaml:"slowdown_min_samples"`
	MaxPollMs          int     `yaml:"max_poll_ms"`
}

// RestartConfig holds the daily forced reconnect settings.
type RestartConfig struct {
	Enabled bool `yaml:"enabled"`
	Hour    int  `yaml:"hour"`
	Minute  int  `yaml:"minute"`
}

// ExecutionConfig holds paper execution settings.
type ExecutionConfig struct {
	MinTradeGapMs   int     `yaml:"min_trade_gap_ms"`
	SpreadUSD       float64 `yaml:"spread_usd"`
	SlippagePct     float64 `yaml:"slippage_pct"`
	LatencyMs       int     `yaml:"latency_ms"`
	RandomSlippage  bool    `yaml:"random_slippage"`
	TakerFeePct     float64 `yaml:"taker_fee_pct"`
	FillProbability float64 `yaml:"fill_probability"`
	StopTimeoutSec  int     `yaml:"stop_timeout_sec"`
	Seed            int64   `yaml:"seed"`
}

// LedgerConfig holds position settings.
type LedgerConfig struct {
	Leverage     float64 `yaml:"leverage"`
	PositionSize float64 `yaml:"position_size"`
}

// RiskConfig holds forced-close limits. TakeProfit and StopLoss are unrealized
// PnL thresholds in quote currency.
type RiskConfig struct {
	MaxExposureSec int     `yaml:"max_exposure_sec"`
	MaxDistancePct float64 `yaml:"max_distance_pct"`
	TakeProfit     float64 `yaml:"take_profit"`
	StopLoss       float64 `yaml:"stop_loss"`
}

// TickFilterConfig holds bad tick bounds.
type TickFilterConfig struct {
	MinPrice              float64 `yaml:"min_price"`
	MaxPrice              float64 `yaml:"max_price"`
	MaxJumpPct            float64 `yaml:"max_jump_pct"`
	MaxConsecutiveRejects int     `yaml:"max_consecutive_rejects"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// PersistenceConfig holds SQLite journal settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// JournalConfig holds Parquet fill journal settings.
type JournalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	BatchSize int    `yaml:"batch_size"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds operator notification settings.
type AlertingConfig struct {
	Console   bool           `yaml:"console"`
	QueueSize int            `yaml:"queue_size"`
	Telegram  TelegramConfig `yaml:"telegram"`
}

// TelegramConfig holds Telegram Bot API settings.
type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Mode: ModePaper,
		Stream: StreamConfig{
			URL:                 "wss://socket.india.delta.exchange",
			Symbol:              "BTCUSD",
			Channel:             "v2/ticker",
			HandshakeTimeoutSec: 10,
			PingIntervalSec:     10,
			ReadTimeoutSec:      60,
			CloseTimeoutSec:     5,
			SuppressWindowSec:   3,
			PenaltyCapSec:       30,
			WriteRatePerSecond:  5,
		},
		Watchdog: WatchdogConfig{
			HeartbeatSec:       10,
			FreezeSec:          30,
			SilentHangSec:      12,
			SlowdownWindow:     40,
			SlowdownFactor:     3.0,
			SlowdownMinSamples: 10,
			MaxPollMs:          3000,
		},
		Restart: RestartConfig{Enabled: true, Hour: 5, Minute: 15},
		Execution: ExecutionConfig{
			MinTradeGapMs:   500,
			SpreadUSD:       1.0,
			SlippagePct:     0.0005,
			LatencyMs:       20,
			RandomSlippage:  true,
			TakerFeePct:     0.0005,
			FillProbability: 0.995,
			StopTimeoutSec:  5,
		},
		Ledger: LedgerConfig{Leverage: 50, PositionSize: 0.01},
		Risk: RiskConfig{
			MaxExposureSec: 180,
			MaxDistancePct: 0.4,
			TakeProfit:     4.0,
			StopLoss:       2.0,
		},
		TickFilter: TickFilterConfig{
			MinPrice:              1000,
			MaxPrice:              200000,
			MaxJumpPct:            0.4,
			MaxConsecutiveRejects: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			File:       "logs/bot.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Persistence: PersistenceConfig{Enabled: true, Path: "data/journal.db"},
		Journal:     JournalConfig{Enabled: true, Dir: "data/fills", BatchSize: 200},
		Metrics:     MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Alerting: AlertingConfig{
			Console:   true,
			QueueSize: 64,
			Telegram:  TelegramConfig{TimeoutSec: 10},
		},
		Shutdown: ShutdownConfig{TimeoutSec: 10},
	}
}

// LoadEnv loads KEY=VALUE files into the environment without overriding
// variables that are already set. Missing files are skipped.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load loads configuration from a YAML file. A .env file next to it, then one
// in the working directory, is loaded first so the YAML can reference secrets.
func Load(path string) (*Config, error) {
	envFiles := []string{filepath.Join(filepath.Dir(path), ".env")}
	if cwd := ".env"; filepath.Clean(envFiles[0]) != cwd {
		envFiles = append(envFiles, cwd)
	}
	if err := LoadEnv(envFiles...); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes over the defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode != ModePaper && c.Mode != ModeLive {
		errs = append(errs, fmt.Sprintf("mode must be 'paper' or 'live', got '%s'", c.Mode))
	}

	// Stream validation
	if !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
		errs = append(errs, "stream.url must be a ws:// or wss:// URL")
	}
	if c.Stream.APIKey == "" || c.Stream.APISecret == "" {
		errs = append(errs, "stream.api_key and stream.api_secret are required")
	}
	if c.Stream.Symbol == "" {
		errs = append(errs, "stream.symbol is required")
	}
	if c.Stream.HandshakeTimeoutSec <= 0 || c.Stream.ReadTimeoutSec <= 0 || c.Stream.CloseTimeoutSec <= 0 {
		errs = append(errs, "stream timeouts must be positive")
	}
	if c.Stream.SuppressWindowSec < 0 {
		errs = append(errs, "stream.suppress_window_sec must not be negative")
	}

	// Watchdog validation
	if c.Watchdog.HeartbeatSec <= 0 || c.Watchdog.FreezeSec <= 0 || c.Watchdog.SilentHangSec <= 0 {
		errs = append(errs, "watchdog timeouts must be positive")
	}
	if c.Watchdog.SlowdownWindow < 2 {
		errs = append(errs, "watchdog.slowdown_window must be at least 2")
	}
	if c.Watchdog.SlowdownFactor <= 1 {
		errs = append(errs, "watchdog.slowdown_factor must be greater than 1")
	}

	// Restart validation
	if c.Restart.Enabled && (c.Restart.Hour < 0 || c.Restart.Hour > 23 || c.Restart.Minute < 0 || c.Restart.Minute > 59) {
		errs = append(errs, "restart.hour must be 0-23 and restart.minute 0-59")
	}

	// Execution validation
	if c.Execution.MinTradeGapMs < 0 || c.Execution.LatencyMs < 0 {
		errs = append(errs, "execution.min_trade_gap_ms and execution.latency_ms must not be negative")
	}
	if c.Execution.SpreadUSD < 0 || c.Execution.SlippagePct < 0 || c.Execution.TakerFeePct < 0 {
		errs = append(errs, "execution spread, slippage and fee must not be negative")
	}
	if c.Execution.FillProbability < 0 || c.Execution.FillProbability > 1 {
		errs = append(errs, "execution.fill_probability must be between 0 and 1")
	}

	// Ledger validation
	if c.Ledger.Leverage <= 0 {
		errs = append(errs, "ledger.leverage must be positive")
	}
	if c.Ledger.PositionSize <= 0 {
		errs = append(errs, "ledger.position_size must be positive")
	}

	// Risk validation
	if c.Risk.MaxExposureSec <= 0 {
		errs = append(errs, "risk.max_exposure_sec must be positive")
	}
	if c.Risk.MaxDistancePct <= 0 {
		errs = append(errs, "risk.max_distance_pct must be positive")
	}
	if c.Risk.TakeProfit < 0 || c.Risk.StopLoss < 0 {
		errs = append(errs, "risk.take_profit and risk.stop_loss must not be negative")
	}

	// Tick filter validation
	if c.TickFilter.MinPrice <= 0 || c.TickFilter.MaxPrice <= c.TickFilter.MinPrice {
		errs = append(errs, "tick_filter.max_price must exceed a positive tick_filter.min_price")
	}
	if c.TickFilter.MaxJumpPct <= 0 {
		errs = append(errs, "tick_filter.max_jump_pct must be positive")
	}

	// Output validation
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when persistence is enabled")
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		errs = append(errs, "journal.dir is required when the journal is enabled")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}
	if c.Alerting.Telegram.Enabled && (c.Alerting.Telegram.BotToken == "" || c.Alerting.Telegram.ChatID == "") {
		errs = append(errs, "alerting.telegram.bot_token and alerting.telegram.chat_id are required when telegram is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// ToStreamConfig converts to stream.Config.
func (c *Config) ToStreamConfig() stream.Config {
	cfg := stream.DefaultConfig()
	cfg.URL = c.Stream.URL
	cfg.APIKey = c.Stream.APIKey
	cfg.APISecret = c.Stream.APISecret
	cfg.Symbol = c.Stream.Symbol
	if c.Stream.Channel != "" {
		cfg.Channel = c.Stream.Channel
	}
	cfg.HandshakeTimeout = seconds(c.Stream.HandshakeTimeoutSec)
	if c.Stream.PingIntervalSec > 0 {
		cfg.PingInterval = seconds(c.Stream.PingIntervalSec)
	}
	cfg.ReadTimeout = seconds(c.Stream.ReadTimeoutSec)
	cfg.CloseTimeout = seconds(c.Stream.CloseTimeoutSec)
	cfg.SuppressWindow = time.Duration(c.Stream.SuppressWindowSec * float64(time.Second))
	if c.Stream.PenaltyCapSec > 0 {
		cfg.Backoff.PenaltyCap = seconds(c.Stream.PenaltyCapSec)
	}
	cfg.WriteRatePerSecond = c.Stream.WriteRatePerSecond
	return cfg
}

// HeartbeatTimeout returns the no-frame timeout.
func (c *Config) HeartbeatTimeout() time.Duration { return seconds(c.Watchdog.HeartbeatSec) }

// FreezeTimeout returns the no-tick timeout.
func (c *Config) FreezeTimeout() time.Duration { return seconds(c.Watchdog.FreezeSec) }

// SilentHangTimeout returns the no-traffic timeout.
func (c *Config) SilentHangTimeout() time.Duration { return seconds(c.Watchdog.SilentHangSec) }

// WatchdogMaxPoll returns the longest watchdog poll interval.
func (c *Config) WatchdogMaxPoll() time.Duration { return millis(c.Watchdog.MaxPollMs) }

// ToExecutionConfig converts to execution.Config.
func (c *Config) ToExecutionConfig() execution.Config {
	return execution.Config{
		MinTradeGap:     millis(c.Execution.MinTradeGapMs),
		SpreadUSD:       dec(c.Execution.SpreadUSD),
		SlippagePct:     dec(c.Execution.SlippagePct),
		Latency:         millis(c.Execution.LatencyMs),
		RandomSlippage:  c.Execution.RandomSlippage,
		TakerFeePct:     dec(c.Execution.TakerFeePct),
		FillProbability: c.Execution.FillProbability,
		StopTimeout:     seconds(c.Execution.StopTimeoutSec),
		Seed:            c.Execution.Seed,
	}
}

// ToLedgerConfig converts to ledger.Config.
func (c *Config) ToLedgerConfig() ledger.Config {
	return ledger.Config{
		Leverage:     dec(c.Ledger.Leverage),
		PositionSize: dec(c.Ledger.PositionSize),
	}
}

// PositionSize returns the configured order size.
func (c *Config) PositionSize() decimal.Decimal { return dec(c.Ledger.PositionSize) }

// ToRiskConfig converts to risk.Config.
func (c *Config) ToRiskConfig() risk.Config {
	return risk.Config{
		MaxExposure:    seconds(c.Risk.MaxExposureSec),
		MaxDistancePct: dec(c.Risk.MaxDistancePct),
	}
}

// TakeProfit returns the unrealized PnL that triggers a take-profit close.
func (c *Config) TakeProfit() decimal.Decimal { return dec(c.Risk.TakeProfit) }

// StopLoss returns the unrealized loss magnitude that triggers a stop-loss close.
func (c *Config) StopLoss() decimal.Decimal { return dec(c.Risk.StopLoss) }

// ToTickFilterConfig converts to tickfilter.Config.
func (c *Config) ToTickFilterConfig() tickfilter.Config {
	return tickfilter.Config{
		MinPrice:              dec(c.TickFilter.MinPrice),
		MaxPrice:              dec(c.TickFilter.MaxPrice),
		MaxJumpPct:            dec(c.TickFilter.MaxJumpPct),
		MaxConsecutiveRejects: c.TickFilter.MaxConsecutiveRejects,
	}
}

// ToLoggingConfig converts to logging.Config.
func (c *Config) ToLoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// ToJournalConfig converts to journal.Config.
func (c *Config) ToJournalConfig() journal.Config {
	return journal.Config{Dir: c.Journal.Dir, BatchSize: c.Journal.BatchSize}
}

// ToServerConfig converts to metrics.ServerConfig.
func (c *Config) ToServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Port = c.Metrics.Port
	if c.Metrics.Path != "" {
		cfg.MetricsPath = c.Metrics.Path
	}
	return cfg
}

// ToEngineConfig converts to engine.Config.
func (c *Config) ToEngineConfig() engine.Config {
	return engine.Config{
		PositionSize:       c.PositionSize(),
		TakeProfit:         c.TakeProfit(),
		StopLoss:           c.StopLoss(),
		HeartbeatTimeout:   c.HeartbeatTimeout(),
		FreezeTimeout:      c.FreezeTimeout(),
		SilentHangTimeout:  c.SilentHangTimeout(),
		SlowdownWindow:     c.Watchdog.SlowdownWindow,
		SlowdownFactor:     c.Watchdog.SlowdownFactor,
		SlowdownMinSamples: c.Watchdog.SlowdownMinSamples,
		WatchdogMaxPoll:    c.WatchdogMaxPoll(),
		RestartEnabled:     c.Restart.Enabled,
		RestartHour:        c.Restart.Hour,
		RestartMinute:      c.Restart.Minute,
		StopTimeout:        seconds(c.Execution.StopTimeoutSec),
	}
}

// ToTelegramConfig converts to alerting.TelegramConfig.
func (c *Config) ToTelegramConfig() alerting.TelegramConfig {
	return alerting.TelegramConfig{
		BotToken: c.Alerting.Telegram.BotToken,
		ChatID:   c.Alerting.Telegram.ChatID,
		Timeout:  seconds(c.Alerting.Telegram.TimeoutSec),
	}
}

// ToDispatcherConfig converts to alerting.DispatcherConfig. Closes forced by
// a risk limit or the stop loss are escalated.
func (c *Config) ToDispatcherConfig() alerting.DispatcherConfig {
	cfg := alerting.DefaultDispatcherConfig()
	if c.Alerting.QueueSize > 0 {
		cfg.QueueSize = c.Alerting.QueueSize
	}
	cfg.Escalate = []string{risk.ReasonExposureTimeout, risk.ReasonDistanceMax, engine.ReasonStopLoss}
	return cfg
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return seconds(c.Shutdown.TimeoutSec)
}
