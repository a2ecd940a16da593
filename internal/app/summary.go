package app

import (
	"fmt"
	"strings"
	"time"

	"sessionpilot/internal/config"
	"sessionpilot/internal/logger"
	"sessionpilot/internal/scheduler"
)

// StartupSummary 在会话开始前打印一次关键配置。
type StartupSummary struct {
	SessionID string
	Session   SessionSummary
	Broker    BrokerSummary
	Phases    []PhaseSummary
	Sinks     []string
}

type SessionSummary struct {
	InitialCapital float64
	MaxDrawdownPct float64
	DryRun         bool
	Pause          string
	Symbols        []string
}

type BrokerSummary struct {
	Name    string
	Timeout string
}

type PhaseSummary struct {
	Name       string
	Timeout    string
	MaxRetries int
}

func newStartupSummary(cfg *config.Config, sessionID string, phases []scheduler.Phase, broker string) *StartupSummary {
	s := &StartupSummary{
		SessionID: sessionID,
		Session: SessionSummary{
			InitialCapital: cfg.Session.InitialCapital,
			MaxDrawdownPct: cfg.Session.MaxDrawdownPct,
			DryRun:         cfg.Session.DryRun,
			Pause:          cfg.Session.Pause().String(),
			Symbols:        cfg.Session.Symbols,
		},
		Broker: BrokerSummary{Name: broker, Timeout: cfg.Broker.Timeout().String()},
	}
	for _, p := range phases {
		s.Phases = append(s.Phases, PhaseSummary{Name: p.Name, Timeout: p.Timeout.String(), MaxRetries: p.MaxRetries})
	}
	if cfg.Session.EventLogPath != "" {
		s.Sinks = append(s.Sinks, "jsonl:"+cfg.Session.EventLogPath)
	}
	if cfg.Store.Enabled() {
		s.Sinks = append(s.Sinks, "store:"+cfg.Store.Driver)
		if cfg.Store.EventArchivePath != "" {
			s.Sinks = append(s.Sinks, "archive:"+cfg.Store.EventArchivePath)
		}
	}
	if cfg.Notify.Telegram.Enabled {
		s.Sinks = append(s.Sinks, "telegram")
	}
	return s
}

// Print writes the summary through the logger, one line per entry.
func (s *StartupSummary) Print() {
	logger.InfoBlock(s.String())
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	fmt.Fprintln(&b, strings.Repeat("=", 80))
	fmt.Fprintf(&b, "%*s\n", 40+len("会话启动摘要 (STARTUP SUMMARY)")/2, "会话启动摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(&b, strings.Repeat("=", 80))

	fmt.Fprintln(&b, "[会话 (SESSION)]")
	fmt.Fprintf(&b, "  ID: %s\n", s.SessionID)
	fmt.Fprintf(&b, "  初始资金: %.2f\n", s.Session.InitialCapital)
	fmt.Fprintf(&b, "  最大回撤: %.2f%%\n", s.Session.MaxDrawdownPct)
	fmt.Fprintf(&b, "  Dry-run: %v\n", s.Session.DryRun)
	fmt.Fprintf(&b, "  阶段间隔: %s\n", s.Session.Pause)
	fmt.Fprintf(&b, "  观察列表: %s\n", formatList(s.Session.Symbols))
	b.WriteString("\n")

	fmt.Fprintln(&b, "[券商 (BROKER)]")
	fmt.Fprintf(&b, "  %s (timeout %s)\n", s.Broker.Name, s.Broker.Timeout)
	b.WriteString("\n")

	fmt.Fprintln(&b, "[阶段 (PHASES)]")
	if len(s.Phases) == 0 {
		fmt.Fprintln(&b, "  (无)")
	}
	for i, p := range s.Phases {
		fmt.Fprintf(&b, "  %d. %s timeout=%s retries=%d\n", i+1, p.Name, p.Timeout, p.MaxRetries)
	}
	b.WriteString("\n")

	fmt.Fprintln(&b, "[输出 (SINKS)]")
	fmt.Fprintf(&b, "  %s\n", formatList(s.Sinks))
	fmt.Fprintln(&b, strings.Repeat("=", 80))
	return b.String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func secondsDuration(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
