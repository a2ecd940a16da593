package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"sessionpilot/internal/events"
	"sessionpilot/internal/gateway/exchange"
	"sessionpilot/internal/scheduler"
	"sessionpilot/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		InitialCapital: 10000,
		MaxDrawdownPct: 20,
		Pause:          time.Millisecond,
		Sizing: Sizing{
			KellyMultiplier:  0.5,
			MaxPositionPct:   1,
			FixedPositionPct: 1,
			StopLossPct:      0.5,
			TakeProfitPct:    0.5,
		},
	}
}

func threePhases() []scheduler.Phase {
	out := make([]scheduler.Phase, 0, 3)
	for _, name := range []string{"data", "strategy", "api"} {
		out = append(out, scheduler.Phase{Name: name, Timeout: time.Second, MaxRetries: 2, BackoffBase: time.Millisecond})
	}
	return out
}

func countType(evts []events.Event, typ events.Type) int {
	n := 0
	for _, evt := range evts {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func newOrchestrator(t *testing.T, cfg Config, deps Deps) *Orchestrator {
	t.Helper()
	o, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestRun_FullSuccessfulSession(t *testing.T) {
	dir := t.TempDir()
	fileStore, err := events.NewFileStore(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	summary := events.NewSummaryWriter(filepath.Join(dir, "summary.json"))

	cfg := testConfig()
	cfg.SnapshotInterval = 5 * time.Millisecond
	o := newOrchestrator(t, cfg, Deps{
		EventStore: fileStore,
		Broker:     exchange.NewPaper(map[string]float64{"BTCUSDT": 100}),
		Summary:    summary,
	})

	var ran []string
	res, err := o.Run(context.Background(), threePhases(), func(ctx context.Context, desk *Desk, p scheduler.Phase) error {
		ran = append(ran, p.Name)
		_, err := desk.Price(ctx, "BTC/USDT")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"data", "strategy", "api"}, ran)
	assert.Equal(t, StatusSuccess, res.Session.Status)
	assert.Equal(t, 3, res.Session.PhasesCompleted)
	assert.Equal(t, 3, res.Session.PhasesTotal)
	assert.Equal(t, scheduler.HaltNone, res.Halt)
	assert.False(t, res.Session.EndedAt.IsZero())

	saved, err := events.LoadSummary(summary.Path())
	require.NoError(t, err)
	assert.Equal(t, o.ID(), saved.SessionID)
	assert.Equal(t, "Success", saved.Status)
	assert.Equal(t, 3, saved.PhasesCompleted)
	assert.Equal(t, 3, saved.PhasesTotal)
	assert.Equal(t, 10000.0, saved.CurrentEquity)
	assert.Equal(t, 0.0, saved.ROIPct)

	require.NoError(t, o.Close())
	logged, err := events.ReadLog(fileStore.Path())
	require.NoError(t, err)
	require.NotEmpty(t, logged)
	assert.Equal(t, events.SessionStart, logged[0].Type)
	assert.Equal(t, events.SessionEnd, logged[len(logged)-1].Type)
	assert.Equal(t, 3, countType(logged, events.PhaseEnd))
}

// breachInFirstPhase buys the whole book at 100 and marks it at 70.
func breachInFirstPhase(paper *exchange.Paper, ran *atomic.Int32) PhaseBody {
	return func(ctx context.Context, desk *Desk, p scheduler.Phase) error {
		ran.Add(1)
		if p.Name != "data" {
			return nil
		}
		if _, err := desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Long}); err != nil {
			return err
		}
		paper.SetPrice("BTCUSDT", 70)
		_, err := desk.MarkToMarket(ctx)
		return err
	}
}

func TestRun_RiskBreachAbortsRemainingPhases(t *testing.T) {
	paper := exchange.NewPaper(map[string]float64{"BTCUSDT": 100})
	o := newOrchestrator(t, testConfig(), Deps{Broker: paper})

	var ran atomic.Int32
	res, err := o.Run(context.Background(), threePhases(), breachInFirstPhase(paper, &ran))
	require.NoError(t, err)

	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, StatusAborted, res.Session.Status)
	assert.Equal(t, scheduler.HaltRiskBreach, res.Halt)
	assert.Equal(t, 1, res.Session.PhasesCompleted)
	require.Len(t, res.Phases, 1)
	assert.InDelta(t, 7000.0, res.Session.CurrentEquity, 1e-6)

	evts := o.Recorder().Events()
	assert.Equal(t, 1, countType(evts, events.RiskBreach))
	assert.Equal(t, 1, countType(evts, events.PhaseStart))
	assert.Equal(t, "Aborted", res.Summary.Status)
	assert.Equal(t, 1, res.Summary.RiskBreaches)
}

func TestRun_DryRunBreachIsInformational(t *testing.T) {
	paper := exchange.NewPaper(map[string]float64{"BTCUSDT": 100})
	cfg := testConfig()
	cfg.DryRun = true
	o := newOrchestrator(t, cfg, Deps{Broker: paper})

	var ran atomic.Int32
	res, err := o.Run(context.Background(), threePhases(), breachInFirstPhase(paper, &ran))
	require.NoError(t, err)

	assert.Equal(t, int32(3), ran.Load())
	assert.Equal(t, StatusSuccess, res.Session.Status)
	evts := o.Recorder().Events()
	// 同一回撤区间只记录一次
	require.Equal(t, 1, countType(evts, events.RiskBreach))
	for _, evt := range evts {
		if evt.Type == events.RiskBreach {
			assert.Equal(t, false, evt.Payload[events.KeyHalting])
		}
	}
}

func TestRun_ClosingOneLegKeepsBreachOfTheOther(t *testing.T) {
	paper := exchange.NewPaper(map[string]float64{"BTCUSDT": 100, "ETHUSDT": 100})
	o := newOrchestrator(t, testConfig(), Deps{Broker: paper})

	var ran atomic.Int32
	res, err := o.Run(context.Background(), threePhases(), func(ctx context.Context, desk *Desk, p scheduler.Phase) error {
		ran.Add(1)
		if p.Name != "data" {
			return nil
		}
		for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
			if _, err := desk.Enter(ctx, EntryRequest{Symbol: sym, Direction: types.Long}); err != nil {
				return err
			}
		}
		paper.SetPrice("BTCUSDT", 70)
		if _, err := desk.MarkToMarket(ctx); err != nil {
			return err
		}
		paper.SetPrice("ETHUSDT", 101)
		_, err := desk.Exit(ctx, "ETHUSDT")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, StatusAborted, res.Session.Status)
	assert.Equal(t, scheduler.HaltRiskBreach, res.Halt)
	assert.InDelta(t, 7100.0, res.Session.CurrentEquity, 1e-6)
}

func TestRun_DryRunRecordsOneBreachPerEpisode(t *testing.T) {
	paper := exchange.NewPaper(map[string]float64{"BTCUSDT": 100})
	cfg := testConfig()
	cfg.DryRun = true
	o := newOrchestrator(t, cfg, Deps{Broker: paper})

	// data 跌破限额，strategy 回到峰值，api 再次跌破
	marks := map[string]float64{"data": 70, "strategy": 100, "api": 75}
	res, err := o.Run(context.Background(), threePhases(), func(ctx context.Context, desk *Desk, p scheduler.Phase) error {
		if p.Name == "data" {
			if _, err := desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Long}); err != nil {
				return err
			}
		}
		paper.SetPrice("BTCUSDT", marks[p.Name])
		_, err := desk.MarkToMarket(ctx)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Session.Status)

	var breaches []events.Event
	for _, evt := range o.Recorder().Events() {
		if evt.Type == events.RiskBreach {
			breaches = append(breaches, evt)
		}
	}
	require.Len(t, breaches, 2)
	dd0, _ := breaches[0].Float(events.KeyDrawdownPct)
	dd1, _ := breaches[1].Float(events.KeyDrawdownPct)
	assert.InDelta(t, 30.0, dd0, 1e-6)
	assert.InDelta(t, 25.0, dd1, 1e-6)
	assert.Equal(t, 2, res.Summary.RiskBreaches)
}

func TestRun_FailedPhaseMarksSessionFailed(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{Broker: exchange.NewPaper(nil)})

	var calls atomic.Int32
	res, err := o.Run(context.Background(), threePhases(), func(ctx context.Context, desk *Desk, p scheduler.Phase) error {
		calls.Add(1)
		// 平仓不存在的仓位：InvalidInput，不重试
		_, err := desk.Exit(ctx, "ETHUSDT")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StatusFailed, res.Session.Status)
	assert.Equal(t, scheduler.HaltPhaseFailed, res.Halt)
	require.Len(t, res.Phases, 1)
	assert.Equal(t, scheduler.StatusFailed, res.Phases[0].Status)
	assert.Equal(t, 1, res.Phases[0].Attempts)
	assert.True(t, scheduler.IsFatal(res.Phases[0].Err))
}

func TestRun_TransientErrorsAreRetried(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{Broker: exchange.NewPaper(nil)})

	var calls atomic.Int32
	res, err := o.Run(context.Background(), threePhases()[:1], func(ctx context.Context, desk *Desk, p scheduler.Phase) error {
		if calls.Add(1) < 3 {
			return errors.New("rate limited")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Session.Status)
	assert.Equal(t, 3, res.Phases[0].Attempts)
}

func TestRun_CancellationTakesEffectAtBoundary(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{Broker: exchange.NewPaper(nil)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var finished atomic.Bool
	var ran atomic.Int32
	res, err := o.Run(ctx, threePhases(), func(bodyCtx context.Context, desk *Desk, p scheduler.Phase) error {
		ran.Add(1)
		cancel()
		time.Sleep(10 * time.Millisecond)
		// 阶段体不会被中途打断
		assert.NoError(t, bodyCtx.Err())
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, finished.Load())
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, StatusAborted, res.Session.Status)
	assert.Equal(t, scheduler.HaltCanceled, res.Halt)
}

func TestRun_HealthCheckFailureAborts(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{
		Broker:      exchange.NewPaper(nil),
		HealthCheck: func(context.Context) error { return errors.New("broker unreachable") },
	})
	res, err := o.Run(context.Background(), threePhases(), func(context.Context, *Desk, scheduler.Phase) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, res.Session.Status)
	assert.Equal(t, scheduler.HaltHealthCheck, res.Halt)
	assert.Equal(t, 1, res.Session.PhasesCompleted)
}

type failingStore struct{}

func (failingStore) Append(events.Event) error { return errors.New("disk full") }
func (failingStore) Close() error              { return nil }

func TestRun_EventLogFailureIsFatal(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{EventStore: failingStore{}, Broker: exchange.NewPaper(nil)})
	var ran atomic.Int32
	res, err := o.Run(context.Background(), threePhases(), func(context.Context, *Desk, scheduler.Phase) error {
		ran.Add(1)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Session.Status)
	assert.Equal(t, int32(0), ran.Load())
}

func TestRun_OnlyOnce(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Deps{Broker: exchange.NewPaper(nil)})
	noop := func(context.Context, *Desk, scheduler.Phase) error { return nil }
	_, err := o.Run(context.Background(), threePhases()[:1], noop)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), threePhases()[:1], noop)
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestNew_Validates(t *testing.T) {
	paper := exchange.NewPaper(nil)
	cases := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"no capital", Config{MaxDrawdownPct: 20}, Deps{Broker: paper}},
		{"drawdown above 100", Config{InitialCapital: 1, MaxDrawdownPct: 120}, Deps{Broker: paper}},
		{"no broker", Config{InitialCapital: 1, MaxDrawdownPct: 20}, Deps{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, tc.deps)
			assert.ErrorIs(t, err, types.ErrInvalidInput)
		})
	}
	o, err := New(testConfig(), Deps{Broker: paper})
	require.NoError(t, err)
	_, err = o.Run(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoPhases)
}
