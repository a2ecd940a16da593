package scheduler

import (
	"fmt"
	"strings"
	"time"

	"sessionpilot/internal/types"
)

// Status 阶段状态：Pending → Running → {Success, Failed, TimedOut}
type Status string

const (
	StatusPending  Status = "Pending"
	StatusRunning  Status = "Running"
	StatusSuccess  Status = "Success"
	StatusFailed   Status = "Failed"
	StatusTimedOut Status = "TimedOut"
)

// Phase is one named, timed, retryable unit of work.
type Phase struct {
	Name        string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

func (p Phase) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("phase name required: %w", types.ErrInvalidInput)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("phase %s: timeout must be > 0: %w", p.Name, types.ErrInvalidInput)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("phase %s: max_retries must be >= 0: %w", p.Name, types.ErrInvalidInput)
	}
	if p.BackoffBase < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("phase %s: backoff must be >= 0: %w", p.Name, types.ErrInvalidInput)
	}
	return nil
}

// PhaseResult is created once per phase run and never mutated afterwards.
type PhaseResult struct {
	Phase    string
	Status   Status
	Duration time.Duration
	Attempts int
	Err      error
}

func (r PhaseResult) DurationSeconds() float64 {
	return r.Duration.Seconds()
}

func (r PhaseResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// HaltReason explains why Execute stopped before running every phase.
type HaltReason string

const (
	HaltNone        HaltReason = ""
	HaltPhaseFailed HaltReason = "phase_failed"
	HaltRiskBreach  HaltReason = "risk_breach"
	HaltHealthCheck HaltReason = "health_check"
	HaltCanceled    HaltReason = "canceled"
	HaltEventLog    HaltReason = "event_log"
)

// Outcome is the full result of Execute.
type Outcome struct {
	Results []PhaseResult
	Halt    HaltReason
	Detail  string
}

// Completed counts successful phases.
func (o Outcome) Completed() int {
	n := 0
	for _, r := range o.Results {
		if r.Status == StatusSuccess {
			n++
		}
	}
	return n
}
