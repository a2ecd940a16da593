package config

import (
	"strings"
	"time"
)

// Config 是 sessionpilot 的主配置载体。
type Config struct {
	App           AppConfig     `toml:"app"`
	Session       SessionConfig `toml:"session"`
	PhaseDefaults PhaseDefaults `toml:"phase_defaults"`
	Sizing        SizingConfig  `toml:"sizing"`
	Broker        BrokerConfig  `toml:"broker"`
	Store         StoreConfig   `toml:"store"`
	Notify        NotifyConfig  `toml:"notify"`
}

type AppConfig struct {
	Env      string    `toml:"env"`
	LogLevel string    `toml:"log_level"`
	HTTPAddr string    `toml:"http_addr"`
	Log      LogConfig `toml:"log"`
}

// LogConfig 滚动日志文件；path 为空时只输出到 stdout。
type LogConfig struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// SessionConfig 控制一次会话的资金、风控和输出文件。
type SessionConfig struct {
	InitialCapital            float64  `toml:"initial_capital"`
	DryRun                    bool     `toml:"dry_run"`
	MaxDrawdownPct            float64  `toml:"max_drawdown_pct"`
	PauseSeconds              float64  `toml:"pause_seconds"`
	MaxPauseSeconds           float64  `toml:"max_pause_seconds"`
	HealthCheckTimeoutSeconds float64  `toml:"health_check_timeout_seconds"`
	SnapshotIntervalSeconds   float64  `toml:"snapshot_interval_seconds"`
	EventLogPath              string   `toml:"event_log_path"`
	SummaryPath               string   `toml:"summary_path"`
	PhasesPath                string   `toml:"phases_path"`
	Symbols                   []string `toml:"symbols"`
	MetricsNamespace          string   `toml:"metrics_namespace"`
}

func (s SessionConfig) Pause() time.Duration         { return seconds(s.PauseSeconds) }
func (s SessionConfig) MaxPause() time.Duration      { return seconds(s.MaxPauseSeconds) }
func (s SessionConfig) HealthTimeout() time.Duration { return seconds(s.HealthCheckTimeoutSeconds) }
func (s SessionConfig) SnapshotInterval() time.Duration {
	return seconds(s.SnapshotIntervalSeconds)
}

// PhaseDefaults 用于阶段计划里未显式填写的字段。
type PhaseDefaults struct {
	TimeoutSeconds     float64 `toml:"timeout_seconds"`
	MaxRetries         int     `toml:"max_retries"`
	BackoffBaseSeconds float64 `toml:"backoff_base_seconds"`
	MaxBackoffSeconds  float64 `toml:"max_backoff_seconds"`
}

// SizingConfig 仓位计算与止盈止损默认值，百分比均为小数 (0.25 = 25%)。
type SizingConfig struct {
	KellyMultiplier  float64 `toml:"kelly_multiplier"`
	MaxPositionPct   float64 `toml:"max_position_pct"`
	FixedPositionPct float64 `toml:"fixed_position_pct"`
	StopLossPct      float64 `toml:"stop_loss_pct"`
	TakeProfitPct    float64 `toml:"take_profit_pct"`
	TrailingPct      float64 `toml:"trailing_pct"`
	ATRPeriod        int     `toml:"atr_period"`
	ATRMultiplier    float64 `toml:"atr_multiplier"`
	CandleInterval   string  `toml:"candle_interval"`
}

type BrokerConfig struct {
	Kind             string      `toml:"kind"`
	RESTBaseURL      string      `toml:"rest_base_url"`
	APIKey           string      `toml:"api_key"`
	APISecret        string      `toml:"api_secret"`
	TimeoutSeconds   float64     `toml:"timeout_seconds"`
	FailureThreshold int         `toml:"failure_threshold"`
	CooldownSeconds  float64     `toml:"cooldown_seconds"`
	Proxy            ProxyConfig `toml:"proxy"`
	Paper            PaperConfig `toml:"paper"`
}

func (b BrokerConfig) Timeout() time.Duration  { return seconds(b.TimeoutSeconds) }
func (b BrokerConfig) Cooldown() time.Duration { return seconds(b.CooldownSeconds) }

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// PaperConfig 模拟撮合的初始报价表。
type PaperConfig struct {
	Prices map[string]float64 `toml:"prices"`
}

type StoreConfig struct {
	Driver           string `toml:"driver"`
	Path             string `toml:"path"`
	DSN              string `toml:"dsn"`
	EventArchivePath string `toml:"event_archive_path"`
}

func (s StoreConfig) Enabled() bool {
	return !strings.EqualFold(strings.TrimSpace(s.Driver), StoreNone)
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled        bool    `toml:"enabled"`
	BotToken       string  `toml:"bot_token"`
	ChatID         string  `toml:"chat_id"`
	APIBase        string  `toml:"api_base"`
	TimeoutSeconds float64 `toml:"timeout_seconds"`
	RetryCount     int     `toml:"retry_count"`
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
