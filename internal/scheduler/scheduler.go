package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"sessionpilot/internal/events"
	"sessionpilot/internal/logger"
)

const (
	DefaultPause         = 5 * time.Second
	DefaultMaxPause      = 10 * time.Minute
	DefaultHealthTimeout = 30 * time.Second
)

// EventSink is where phase transitions are recorded. An Append error is
// fatal for the run.
type EventSink interface {
	Append(evt events.Event) error
}

// RiskGate is the read side of the risk manager consulted at every phase
// boundary.
type RiskGate interface {
	CheckCircuitBreaker(maxDrawdownPct float64) (bool, float64)
	CurrentEquity() float64
}

// Body runs one phase. ctx carries session values but is never canceled by the
// phase timeout.
type Body func(ctx context.Context, phase Phase) error

type Options struct {
	Sink           EventSink
	Risk           RiskGate
	MaxDrawdownPct float64
	Pause          time.Duration
	MaxPause       time.Duration
	HealthCheck    func(ctx context.Context) error
	HealthTimeout  time.Duration
	// OnRiskCheck sees every breaker read and decides whether to halt.
	// Without it a breach always halts.
	OnRiskCheck func(breached bool, drawdownPct float64) bool
}

// PhaseScheduler runs phases strictly in order on the caller's goroutine.
type PhaseScheduler struct {
	opts  Options
	nowFn func() time.Time
}

func New(opts Options) *PhaseScheduler {
	if opts.Pause <= 0 {
		opts.Pause = DefaultPause
	}
	if opts.MaxPause <= 0 {
		opts.MaxPause = DefaultMaxPause
	}
	if opts.Pause > opts.MaxPause {
		logger.Warnf("PhaseScheduler: pause=%s above cap, clamp to %s", opts.Pause, opts.MaxPause)
		opts.Pause = opts.MaxPause
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	return &PhaseScheduler{opts: opts, nowFn: time.Now}
}

// Run drives every phase and returns the results of those that started.
func (s *PhaseScheduler) Run(ctx context.Context, phases []Phase, body Body) []PhaseResult {
	return s.Execute(ctx, phases, body).Results
}

// Execute is Run plus the reason the run stopped early, if it did.
func (s *PhaseScheduler) Execute(ctx context.Context, phases []Phase, body Body) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	var out Outcome
	for i, phase := range phases {
		// 第一个阶段之前不做自检
		if i > 0 {
			if halt, detail := s.pauseAndCheck(ctx); halt != HaltNone {
				out.Halt, out.Detail = halt, detail
				logger.Warnf("PhaseScheduler: halt before %s: %s (%s)", phase.Name, halt, detail)
				return out
			}
		}
		if err := ctx.Err(); err != nil {
			out.Halt, out.Detail = HaltCanceled, err.Error()
			return out
		}
		if err := s.emit(events.NewPhaseStart(phase.Name)); err != nil {
			out.Results = append(out.Results, PhaseResult{Phase: phase.Name, Status: StatusFailed, Err: Fatal(err)})
			out.Halt, out.Detail = HaltEventLog, err.Error()
			return out
		}
		// 非法阶段不执行，但仍成对记录 PhaseStart/PhaseEnd
		if err := phase.Validate(); err != nil {
			res := PhaseResult{Phase: phase.Name, Status: StatusFailed, Err: Fatal(err)}
			out.Results = append(out.Results, res)
			out.Halt, out.Detail = HaltPhaseFailed, err.Error()
			if err := s.emit(s.phaseEndEvent(res)); err != nil {
				out.Halt, out.Detail = HaltEventLog, err.Error()
			}
			return out
		}
		res := s.runPhase(ctx, phase, body)
		out.Results = append(out.Results, res)
		if err := s.emit(s.phaseEndEvent(res)); err != nil {
			out.Halt, out.Detail = HaltEventLog, err.Error()
			return out
		}
		if res.Status != StatusSuccess {
			// 失败后仍然暂停自检一次，健康检查结果只用于诊断
			if i < len(phases)-1 {
				if halt, detail := s.pauseAndCheck(ctx); halt != HaltNone {
					logger.Warnf("PhaseScheduler: self-check after failed %s: %s (%s)", phase.Name, halt, detail)
				}
			}
			out.Halt, out.Detail = HaltPhaseFailed, fmt.Sprintf("%s %s: %s", phase.Name, res.Status, res.ErrorMessage())
			return out
		}
	}
	return out
}

func (s *PhaseScheduler) runPhase(ctx context.Context, phase Phase, body Body) PhaseResult {
	start := s.nowFn()
	res := PhaseResult{Phase: phase.Name}
	logger.Infof("PhaseScheduler: phase %s start timeout=%s max_retries=%d", phase.Name, phase.Timeout, phase.MaxRetries)
	for attempt := 0; ; attempt++ {
		res.Attempts++
		timedOut, err := s.attempt(ctx, phase, body)
		if timedOut {
			res.Status = StatusTimedOut
			res.Err = fmt.Errorf("phase %s exceeded timeout %s", phase.Name, phase.Timeout)
			if err != nil {
				res.Err = fmt.Errorf("%w: %v", res.Err, err)
			}
			break
		}
		if err == nil {
			res.Status = StatusSuccess
			res.Err = nil
			break
		}
		res.Err = err
		if IsFatal(err) {
			res.Status = StatusFailed
			break
		}
		if attempt >= phase.MaxRetries {
			res.Status = StatusFailed
			res.Err = Fatal(fmt.Errorf("phase %s: retries exhausted after %d attempts: %w", phase.Name, res.Attempts, err))
			break
		}
		wait := retryDelay(phase.BackoffBase, phase.MaxBackoff, attempt)
		logger.Warnf("PhaseScheduler: phase %s attempt %d failed: %v; retry in %s", phase.Name, res.Attempts, err, wait)
		if !sleepCtx(ctx, wait) {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("phase %s: retry canceled: %w", phase.Name, ctx.Err())
			break
		}
	}
	res.Duration = s.nowFn().Sub(start)
	logger.Infof("PhaseScheduler: phase %s end status=%s attempts=%d duration=%s", phase.Name, res.Status, res.Attempts, res.Duration.Truncate(time.Millisecond))
	return res
}

// attempt races the body against the phase timeout. The timeout is
// non-preemptive: when it fires first the body keeps running and we wait for
// it, then report timedOut.
func (s *PhaseScheduler) attempt(ctx context.Context, phase Phase, body Body) (bool, error) {
	done := make(chan error, 1)
	bodyCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("PhaseScheduler: phase %s panic: %v\n%s", phase.Name, r, debug.Stack())
				done <- Fatal(fmt.Errorf("phase %s panic: %v", phase.Name, r))
			}
		}()
		done <- body(bodyCtx, phase)
	}()

	timer := time.NewTimer(phase.Timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return false, err
	case <-timer.C:
		// Non-preemptive timeout: let the body finish, then mark TimedOut.
		logger.Warnf("PhaseScheduler: phase %s passed timeout %s, waiting for it to finish", phase.Name, phase.Timeout)
		return true, <-done
	}
}

func (s *PhaseScheduler) pauseAndCheck(ctx context.Context) (HaltReason, string) {
	if !sleepCtx(ctx, s.opts.Pause) {
		return HaltCanceled, ctx.Err().Error()
	}
	if s.opts.HealthCheck != nil {
		hctx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
		err := s.opts.HealthCheck(hctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return HaltCanceled, ctx.Err().Error()
			}
			return HaltHealthCheck, err.Error()
		}
	}
	if s.opts.Risk != nil {
		breached, dd := s.opts.Risk.CheckCircuitBreaker(s.opts.MaxDrawdownPct)
		halt := breached
		if s.opts.OnRiskCheck != nil {
			halt = s.opts.OnRiskCheck(breached, dd)
		}
		if halt {
			return HaltRiskBreach, fmt.Sprintf("drawdown %.2f%% >= limit %.2f%%", dd, s.opts.MaxDrawdownPct)
		}
	}
	return HaltNone, ""
}

func (s *PhaseScheduler) phaseEndEvent(res PhaseResult) events.Event {
	evt := events.NewPhaseEnd(res.Phase, string(res.Status), res.DurationSeconds(), res.Attempts, res.ErrorMessage())
	if s.opts.Risk != nil {
		evt.Payload[events.KeyEquity] = s.opts.Risk.CurrentEquity()
	}
	return evt
}

func (s *PhaseScheduler) emit(evt events.Event) error {
	if s.opts.Sink == nil {
		return nil
	}
	if err := s.opts.Sink.Append(evt); err != nil {
		logger.Errorf("PhaseScheduler: record %s: %v", evt.Type, err)
		return Fatal(err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
