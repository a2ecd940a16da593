package config

import (
	"fmt"
	"strings"

	"sessionpilot/internal/pkg/symbol"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.PhaseDefaults.validate(); err != nil {
		return err
	}
	if err := c.Sizing.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (s *SessionConfig) validate() error {
	if s.InitialCapital <= 0 {
		return fmt.Errorf("session.initial_capital must be > 0")
	}
	if s.MaxDrawdownPct <= 0 || s.MaxDrawdownPct > 100 {
		return fmt.Errorf("session.max_drawdown_pct must be in (0,100], got %.2f", s.MaxDrawdownPct)
	}
	if s.PauseSeconds < 0 || s.MaxPauseSeconds <= 0 {
		return fmt.Errorf("session.pause_seconds must be >= 0 and session.max_pause_seconds > 0")
	}
	if strings.TrimSpace(s.EventLogPath) == "" {
		return fmt.Errorf("session.event_log_path is required")
	}
	for _, sym := range s.Symbols {
		if !symbol.IsValid(sym) {
			return fmt.Errorf("session.symbols: %q is not a BASE/QUOTE pair", sym)
		}
	}
	return nil
}

func (p *PhaseDefaults) validate() error {
	if p.TimeoutSeconds <= 0 {
		return fmt.Errorf("phase_defaults.timeout_seconds must be > 0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("phase_defaults.max_retries must be >= 0")
	}
	if p.BackoffBaseSeconds < 0 || p.MaxBackoffSeconds < 0 {
		return fmt.Errorf("phase_defaults backoff must be >= 0")
	}
	return nil
}

func (s *SizingConfig) validate() error {
	if s.KellyMultiplier <= 0 || s.KellyMultiplier > 1 {
		return fmt.Errorf("sizing.kelly_multiplier must be in (0,1]")
	}
	if s.MaxPositionPct <= 0 || s.MaxPositionPct > 1 {
		return fmt.Errorf("sizing.max_position_pct must be in (0,1]")
	}
	if s.FixedPositionPct < 0 || s.FixedPositionPct > s.MaxPositionPct {
		return fmt.Errorf("sizing.fixed_position_pct must be in [0, max_position_pct]")
	}
	if s.StopLossPct <= 0 || s.StopLossPct >= 1 {
		return fmt.Errorf("sizing.stop_loss_pct must be in (0,1)")
	}
	if s.TakeProfitPct <= 0 {
		return fmt.Errorf("sizing.take_profit_pct must be > 0")
	}
	if s.TrailingPct < 0 || s.TrailingPct >= 1 {
		return fmt.Errorf("sizing.trailing_pct must be in [0,1)")
	}
	if s.ATRPeriod < 0 {
		return fmt.Errorf("sizing.atr_period must be >= 0")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch b.Kind {
	case BrokerPaper:
		if len(b.Paper.Prices) == 0 {
			return fmt.Errorf("broker.paper.prices requires at least one quote")
		}
	case BrokerBinance:
		if strings.TrimSpace(b.RESTBaseURL) == "" {
			return fmt.Errorf("broker.rest_base_url is required for binance")
		}
		if b.Proxy.Enabled && strings.TrimSpace(b.Proxy.URL) == "" {
			return fmt.Errorf("broker.proxy.url is required when proxy is enabled")
		}
	default:
		return fmt.Errorf("broker.kind must be paper or binance, got %q", b.Kind)
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case StoreSQLite:
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case StorePostgres:
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	case StoreNone:
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres or none, got %q", s.Driver)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if !tg.Enabled {
		return nil
	}
	if strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}
