// Package session drives one trading session end to end: it owns the event
// recorder, the risk manager and the position book, hands the phase list to
// the scheduler and finalizes the session status exactly once.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sessionpilot/internal/events"
	"sessionpilot/internal/gateway/exchange"
	"sessionpilot/internal/logger"
	"sessionpilot/internal/position"
	"sessionpilot/internal/risk"
	"sessionpilot/internal/scheduler"
	"sessionpilot/internal/store"
	"sessionpilot/internal/types"

	"github.com/google/uuid"
)

var (
	ErrAlreadyRun = errors.New("session already run")
	ErrNoPhases   = fmt.Errorf("session needs at least one phase: %w", types.ErrInvalidInput)
)

// Status 会话状态
type Status string

const (
	StatusRunning Status = "Running"
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
	StatusAborted Status = "Aborted"
)

// Session is the top-level aggregate. Only the Orchestrator mutates it.
type Session struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
	Status          Status    `json:"status"`
	PhasesCompleted int       `json:"phases_completed"`
	PhasesTotal     int       `json:"phases_total"`
	InitialCapital  float64   `json:"initial_capital"`
	CurrentEquity   float64   `json:"current_equity"`
}

type Config struct {
	// ID defaults to a random uuid.
	ID               string
	InitialCapital   float64
	DryRun           bool
	MaxDrawdownPct   float64
	Pause            time.Duration
	MaxPause         time.Duration
	HealthTimeout    time.Duration
	SnapshotInterval time.Duration
	Sizing           Sizing
}

// Deps are the collaborators a session is wired to. Only Broker is required.
type Deps struct {
	// EventStore is the primary event log; its failures are fatal.
	EventStore events.Store
	// Listeners are best-effort mirrors (archive, metrics, notifier).
	Listeners   []events.Listener
	Broker      exchange.Broker
	Store       store.Store
	Summary     *events.SummaryWriter
	HealthCheck func(ctx context.Context) error
}

// PhaseBody is the work of one phase, run against the session desk.
type PhaseBody func(ctx context.Context, desk *Desk, phase scheduler.Phase) error

// Result is what Run reports back.
type Result struct {
	Session Session
	Phases  []scheduler.PhaseResult
	Halt    scheduler.HaltReason
	Detail  string
	Summary events.Summary
}

// Orchestrator is built with New, driven once with Run and released with
// Close.
type Orchestrator struct {
	cfg       Config
	deps      Deps
	recorder  *events.Recorder
	risk      *risk.Manager
	positions *position.Manager
	desk      *Desk

	mu       sync.Mutex
	state    Session
	started  bool
	inBreach bool
	closed   bool
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if !(cfg.InitialCapital > 0) {
		return nil, fmt.Errorf("session: initial capital %.2f: %w", cfg.InitialCapital, types.ErrInvalidInput)
	}
	if cfg.MaxDrawdownPct <= 0 || cfg.MaxDrawdownPct > 100 {
		return nil, fmt.Errorf("session: max drawdown %.2f%% outside (0,100]: %w", cfg.MaxDrawdownPct, types.ErrInvalidInput)
	}
	if deps.Broker == nil {
		return nil, fmt.Errorf("session: broker required: %w", types.ErrInvalidInput)
	}
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = uuid.NewString()
	}
	cfg.ID = id

	rec := events.NewRecorder(deps.EventStore, deps.Listeners...)
	rm := risk.NewManager(cfg.InitialCapital)
	desk := newDesk(id, deps.Broker, rm, deps.Store, cfg.Sizing)
	pm := position.NewManager(rec, desk)
	desk.positions = pm

	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		recorder:  rec,
		risk:      rm,
		positions: pm,
		desk:      desk,
		state: Session{
			ID:             id,
			Status:         StatusRunning,
			InitialCapital: cfg.InitialCapital,
			CurrentEquity:  cfg.InitialCapital,
		},
	}, nil
}

func (o *Orchestrator) ID() string { return o.cfg.ID }

func (o *Orchestrator) Desk() *Desk { return o.desk }

func (o *Orchestrator) Risk() *risk.Manager { return o.risk }

func (o *Orchestrator) Recorder() *events.Recorder { return o.recorder }

// Session returns a copy of the aggregate with live equity.
func (o *Orchestrator) Session() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	if s.Status == StatusRunning {
		s.CurrentEquity = o.risk.CurrentEquity()
	}
	return s
}

// Run executes the phases once. The returned error is set only when the
// event log itself failed; a failed or aborted session is reported through
// Result.Session.Status.
func (o *Orchestrator) Run(ctx context.Context, phases []scheduler.Phase, body PhaseBody) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(phases) == 0 {
		return Result{}, ErrNoPhases
	}
	if body == nil {
		return Result{}, fmt.Errorf("session: phase body required: %w", types.ErrInvalidInput)
	}
	o.mu.Lock()
	if o.started || o.closed {
		o.mu.Unlock()
		return Result{}, ErrAlreadyRun
	}
	o.started = true
	o.state.StartedAt = time.Now().UTC()
	o.state.PhasesTotal = len(phases)
	o.mu.Unlock()

	logger.Infof("session %s start phases=%d capital=%.2f dry_run=%v max_dd=%.2f%%",
		o.cfg.ID, len(phases), o.cfg.InitialCapital, o.cfg.DryRun, o.cfg.MaxDrawdownPct)
	start := events.NewSessionStart(o.cfg.ID, o.cfg.InitialCapital, len(phases), o.cfg.DryRun, o.cfg.MaxDrawdownPct)
	if err := o.recorder.Append(start); err != nil {
		res := o.finalize(ctx, StatusFailed, scheduler.Outcome{Halt: scheduler.HaltEventLog, Detail: err.Error()})
		return res, err
	}
	o.persistSession(ctx)

	snapCtx, stopSnap := context.WithCancel(ctx)
	var snapWG sync.WaitGroup
	if o.deps.Summary != nil && o.cfg.SnapshotInterval > 0 {
		runner := scheduler.NewIntervalRunner(snapCtx, "summary-snapshot", o.cfg.SnapshotInterval)
		runner.RunImmediately = true
		snapWG.Add(1)
		go func() {
			defer snapWG.Done()
			runner.Start(o.writeSummary)
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Sink:           o.recorder,
		Risk:           o.risk,
		MaxDrawdownPct: o.cfg.MaxDrawdownPct,
		Pause:          o.cfg.Pause,
		MaxPause:       o.cfg.MaxPause,
		HealthCheck:    o.deps.HealthCheck,
		HealthTimeout:  o.cfg.HealthTimeout,
		OnRiskCheck:    o.onRiskCheck,
	})
	outcome := sched.Execute(ctx, phases, o.wrap(body))

	stopSnap()
	snapWG.Wait()

	// 最后一个阶段之后不再暂停，这里补一次风控检查，只记录不改变状态
	if outcome.Halt == scheduler.HaltNone {
		breached, dd := o.risk.CheckCircuitBreaker(o.cfg.MaxDrawdownPct)
		o.onRiskCheck(breached, dd)
	}

	res := o.finalize(ctx, statusFor(outcome, len(phases)), outcome)
	if outcome.Halt == scheduler.HaltEventLog {
		return res, fmt.Errorf("session %s: event log: %s", o.cfg.ID, outcome.Detail)
	}
	return res, nil
}

// wrap adapts a desk body to the scheduler and classifies its errors:
// invalid input and event log failures are fatal for the phase.
func (o *Orchestrator) wrap(body PhaseBody) scheduler.Body {
	return func(ctx context.Context, phase scheduler.Phase) error {
		err := body(ctx, o.desk, phase)
		if err == nil {
			err = o.positions.Err()
		}
		if err == nil {
			return nil
		}
		var pe *scheduler.PhaseError
		if errors.As(err, &pe) {
			return err
		}
		if errors.Is(err, types.ErrInvalidInput) || errors.Is(err, events.ErrRecorderClosed) {
			logger.Errorf("session %s: phase %s: %v", o.cfg.ID, phase.Name, err)
			return scheduler.Fatal(err)
		}
		return err
	}
}

// onRiskCheck records one RiskBreach per breach episode and decides whether
// the scheduler halts. Dry runs never halt.
func (o *Orchestrator) onRiskCheck(breached bool, dd float64) bool {
	o.mu.Lock()
	newEpisode := breached && !o.inBreach
	o.inBreach = breached
	o.mu.Unlock()

	halt := breached && !o.cfg.DryRun
	if newEpisode {
		logger.Warnf("session %s: drawdown %.2f%% reached limit %.2f%% (halting=%v)", o.cfg.ID, dd, o.cfg.MaxDrawdownPct, halt)
		if err := o.recorder.Append(events.NewRiskBreach(dd, o.cfg.MaxDrawdownPct, halt)); err != nil {
			logger.Errorf("session %s: record risk breach: %v", o.cfg.ID, err)
			return true
		}
	}
	return halt
}

func statusFor(outcome scheduler.Outcome, total int) Status {
	switch outcome.Halt {
	case scheduler.HaltNone:
		if outcome.Completed() == total {
			return StatusSuccess
		}
		return StatusFailed
	case scheduler.HaltRiskBreach, scheduler.HaltCanceled, scheduler.HaltHealthCheck:
		return StatusAborted
	default:
		return StatusFailed
	}
}

func (o *Orchestrator) finalize(ctx context.Context, status Status, outcome scheduler.Outcome) Result {
	equity := o.risk.CurrentEquity()
	dd := o.risk.DrawdownPct()

	o.mu.Lock()
	o.state.Status = status
	o.state.EndedAt = time.Now().UTC()
	o.state.PhasesCompleted = outcome.Completed()
	o.state.CurrentEquity = equity
	final := o.state
	o.mu.Unlock()

	if err := o.recorder.Append(events.NewSessionEnd(string(status), equity, dd, string(outcome.Halt))); err != nil {
		logger.Errorf("session %s: record session end: %v", o.cfg.ID, err)
	}
	o.writeSummary()
	o.persistSession(ctx)

	logger.Infof("session %s end status=%s completed=%d/%d equity=%.2f dd=%.2f%% halt=%s",
		final.ID, final.Status, final.PhasesCompleted, final.PhasesTotal, equity, dd, outcome.Halt)
	return Result{
		Session: final,
		Phases:  outcome.Results,
		Halt:    outcome.Halt,
		Detail:  outcome.Detail,
		Summary: o.recorder.Snapshot(),
	}
}

func (o *Orchestrator) writeSummary() {
	if o.deps.Summary == nil {
		return
	}
	if err := o.deps.Summary.Write(o.recorder.Snapshot()); err != nil {
		logger.Warnf("session %s: write summary: %v", o.cfg.ID, err)
	}
}

func (o *Orchestrator) persistSession(ctx context.Context) {
	if o.deps.Store == nil {
		return
	}
	s := o.Session()
	raw, err := json.Marshal(o.recorder.Snapshot())
	if err != nil {
		logger.Warnf("session %s: encode summary: %v", s.ID, err)
	}
	rec := store.SessionRecord{
		ID:             s.ID,
		Status:         string(s.Status),
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		InitialCapital: s.InitialCapital,
		FinalEquity:    s.CurrentEquity,
		Summary:        raw,
	}
	if err := o.deps.Store.SaveSession(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warnf("session %s: persist session: %v", s.ID, err)
	}
}

// Close drains event listeners and closes the event log. The persistence
// store belongs to the caller.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()
	if n := o.recorder.Dropped(); n > 0 {
		logger.Warnf("session %s: %d events never reached listeners", o.cfg.ID, n)
	}
	return o.recorder.Close()
}
