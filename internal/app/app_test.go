package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sessionpilot/internal/config"
	"sessionpilot/internal/events"
	"sessionpilot/internal/gateway/exchange"
	"sessionpilot/internal/scheduler"
	"sessionpilot/internal/session"
	"sessionpilot/internal/store/eventlog"
	"sessionpilot/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAppConfig(dir string) *config.Config {
	return &config.Config{
		App: config.AppConfig{LogLevel: "warn"},
		Session: config.SessionConfig{
			InitialCapital:            10000,
			MaxDrawdownPct:            20,
			PauseSeconds:              0.001,
			MaxPauseSeconds:           1,
			HealthCheckTimeoutSeconds: 1,
			EventLogPath:              filepath.Join(dir, "events.jsonl"),
			SummaryPath:               filepath.Join(dir, "summary.json"),
			Symbols:                   []string{"BTCUSDT"},
		},
		PhaseDefaults: config.PhaseDefaults{TimeoutSeconds: 5, MaxRetries: 1, BackoffBaseSeconds: 0.001},
		Sizing: config.SizingConfig{
			KellyMultiplier: 0.5, MaxPositionPct: 0.25, FixedPositionPct: 0.1,
			StopLossPct: 0.02, TakeProfitPct: 0.04,
		},
		Broker: config.BrokerConfig{Kind: config.BrokerPaper, TimeoutSeconds: 1, FailureThreshold: 3, CooldownSeconds: 1},
		Store: config.StoreConfig{
			Driver:           config.StoreSQLite,
			Path:             filepath.Join(dir, "db", "trades.db"),
			EventArchivePath: filepath.Join(dir, "db", "events.db"),
		},
	}
}

func TestApp_RunsDefaultPlan(t *testing.T) {
	dir := t.TempDir()
	cfg := testAppConfig(dir)
	paper := exchange.NewPaper(map[string]float64{"BTCUSDT": 100})
	signals := &scriptedSignals{script: map[string][]Signal{
		"BTCUSDT": {{Action: ActionEnter, Direction: types.Long}},
	}}
	a, err := NewApp(cfg, WithBroker(paper), WithSignalSource(signals))
	require.NoError(t, err)

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuccess, res.Session.Status)
	assert.Equal(t, 3, res.Session.PhasesCompleted)
	assert.Equal(t, scheduler.HaltNone, res.Halt)
	sessionID := a.Session().ID()
	require.NoError(t, a.Close())

	summary, err := events.LoadSummary(cfg.Session.SummaryPath)
	require.NoError(t, err)
	assert.Equal(t, "Success", summary.Status)
	assert.Equal(t, 1, summary.OpenPositions)

	opened, err := events.FilterLog(cfg.Session.EventLogPath, events.PositionOpened)
	require.NoError(t, err)
	assert.Len(t, opened, 1)

	archive, err := eventlog.Open(cfg.Store.EventArchivePath, "reader")
	require.NoError(t, err)
	defer archive.Close()
	archived, err := archive.Query(context.Background(), sessionID, events.SessionEnd)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestApp_PlanFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testAppConfig(dir)
	cfg.Store.Driver = config.StoreNone
	cfg.Session.PhasesPath = filepath.Join(dir, "phases.yaml")
	require.NoError(t, os.WriteFile(cfg.Session.PhasesPath, []byte("phases:\n  - name: data\n  - name: api\n"), 0o644))

	a, err := NewApp(cfg, WithBroker(exchange.NewPaper(map[string]float64{"BTCUSDT": 100})), WithPlanWatch(false))
	require.NoError(t, err)
	defer a.Close()
	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuccess, res.Session.Status)
	assert.Equal(t, 2, res.Session.PhasesTotal)

	require.NoError(t, os.WriteFile(cfg.Session.PhasesPath, []byte("phases:\n  - name: data\n  - name: deploy\n"), 0o644))
	_, err = NewApp(cfg, WithBroker(exchange.NewPaper(nil)), WithPlanWatch(false))
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestApp_UnknownBroker(t *testing.T) {
	cfg := testAppConfig(t.TempDir())
	cfg.Store.Driver = config.StoreNone
	cfg.Broker.Kind = "ftx"
	_, err := NewApp(cfg)
	assert.Error(t, err)
}

func TestStartupSummary_Lines(t *testing.T) {
	cfg := testAppConfig(t.TempDir())
	phases := []scheduler.Phase{{Name: PhaseData, Timeout: 5 * time.Second, MaxRetries: 2}}
	text := newStartupSummary(cfg, "sess-1", phases, "paper").String()

	assert.Contains(t, text, "ID: sess-1")
	assert.Contains(t, text, "1. data timeout=5s retries=2")
	assert.Contains(t, text, "paper (timeout")
	assert.Contains(t, text, "jsonl:"+cfg.Session.EventLogPath)
}
