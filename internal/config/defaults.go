package config

import (
	"strings"

	"sessionpilot/internal/pkg/symbol"
)

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":9991"
	defaultLogMaxSizeMB     = 100
	defaultLogMaxBackups    = 5
	defaultLogMaxAgeDays    = 14
	defaultInitialCapital   = 10000
	defaultMaxDrawdownPct   = 20
	defaultPauseSeconds     = 5
	defaultMaxPauseSeconds  = 600
	defaultHealthTimeout    = 30
	defaultSnapshotInterval = 10
	defaultEventLogPath     = "data/session/events.jsonl"
	defaultSummaryPath      = "data/session/summary.json"
	defaultPhasesPath       = "configs/phases.yaml"
	defaultPhaseTimeout     = 300
	defaultPhaseRetries     = 2
	defaultBackoffBase      = 1
	defaultMaxBackoff       = 60
	defaultKellyMultiplier  = 0.5
	defaultMaxPositionPct   = 0.25
	defaultFixedPositionPct = 0.05
	defaultStopLossPct      = 0.02
	defaultTakeProfitPct    = 0.04
	defaultATRMultiplier    = 2
	defaultCandleInterval   = "1h"
	defaultBrokerREST       = "https://fapi.binance.com"
	defaultBrokerTimeout    = 10
	defaultBrokerFailures   = 5
	defaultBrokerCooldown   = 30
	defaultStorePath        = "data/db/sessionpilot.db"
	defaultArchivePath      = "data/db/events.db"
	defaultTelegramAPI      = "https://api.telegram.org"
	defaultTelegramTimeout  = 10
	defaultTelegramRetries  = 2
)

const (
	BrokerPaper   = "paper"
	BrokerBinance = "binance"

	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreNone     = "none"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Session.applyDefaults(keys)
	c.PhaseDefaults.applyDefaults(keys)
	c.Sizing.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Notify.Telegram.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		intFieldDefault("app.log.max_size_mb", &a.Log.MaxSizeMB, defaultLogMaxSizeMB),
		intFieldDefault("app.log.max_backups", &a.Log.MaxBackups, defaultLogMaxBackups),
		intFieldDefault("app.log.max_age_days", &a.Log.MaxAgeDays, defaultLogMaxAgeDays),
	)
}

func (s *SessionConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("session.initial_capital", &s.InitialCapital, defaultInitialCapital),
		floatFieldDefault("session.max_drawdown_pct", &s.MaxDrawdownPct, defaultMaxDrawdownPct),
		floatFieldDefault("session.pause_seconds", &s.PauseSeconds, defaultPauseSeconds),
		floatFieldDefault("session.max_pause_seconds", &s.MaxPauseSeconds, defaultMaxPauseSeconds),
		floatFieldDefault("session.health_check_timeout_seconds", &s.HealthCheckTimeoutSeconds, defaultHealthTimeout),
		floatFieldDefault("session.snapshot_interval_seconds", &s.SnapshotIntervalSeconds, defaultSnapshotInterval),
		stringFieldDefault("session.event_log_path", &s.EventLogPath, defaultEventLogPath),
		stringFieldDefault("session.summary_path", &s.SummaryPath, defaultSummaryPath),
		stringFieldDefault("session.phases_path", &s.PhasesPath, defaultPhasesPath),
	)
	s.Symbols = symbol.NormalizeList(s.Symbols)
}

func (p *PhaseDefaults) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("phase_defaults.timeout_seconds", &p.TimeoutSeconds, defaultPhaseTimeout),
		floatFieldDefault("phase_defaults.backoff_base_seconds", &p.BackoffBaseSeconds, defaultBackoffBase),
		floatFieldDefault("phase_defaults.max_backoff_seconds", &p.MaxBackoffSeconds, defaultMaxBackoff),
		fieldDefault{
			key:   "phase_defaults.max_retries",
			need:  func() bool { return p.MaxRetries == 0 },
			apply: func() { p.MaxRetries = defaultPhaseRetries },
		},
	)
}

func (s *SizingConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("sizing.kelly_multiplier", &s.KellyMultiplier, defaultKellyMultiplier),
		floatFieldDefault("sizing.max_position_pct", &s.MaxPositionPct, defaultMaxPositionPct),
		floatFieldDefault("sizing.fixed_position_pct", &s.FixedPositionPct, defaultFixedPositionPct),
		floatFieldDefault("sizing.stop_loss_pct", &s.StopLossPct, defaultStopLossPct),
		floatFieldDefault("sizing.take_profit_pct", &s.TakeProfitPct, defaultTakeProfitPct),
		floatFieldDefault("sizing.atr_multiplier", &s.ATRMultiplier, defaultATRMultiplier),
		stringFieldDefault("sizing.candle_interval", &s.CandleInterval, defaultCandleInterval),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
	applyFieldDefaults(keys,
		stringFieldDefault("broker.kind", &b.Kind, BrokerPaper),
		stringFieldDefault("broker.rest_base_url", &b.RESTBaseURL, defaultBrokerREST),
		floatFieldDefault("broker.timeout_seconds", &b.TimeoutSeconds, defaultBrokerTimeout),
		intFieldDefault("broker.failure_threshold", &b.FailureThreshold, defaultBrokerFailures),
		floatFieldDefault("broker.cooldown_seconds", &b.CooldownSeconds, defaultBrokerCooldown),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	applyFieldDefaults(keys,
		stringFieldDefault("store.driver", &s.Driver, StoreSQLite),
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		stringFieldDefault("store.event_archive_path", &s.EventArchivePath, defaultArchivePath),
	)
}

func (t *TelegramConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("notify.telegram.api_base", &t.APIBase, defaultTelegramAPI),
		floatFieldDefault("notify.telegram.timeout_seconds", &t.TimeoutSeconds, defaultTelegramTimeout),
		intFieldDefault("notify.telegram.retry_count", &t.RetryCount, defaultTelegramRetries),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
