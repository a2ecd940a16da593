package scheduler

import "errors"

// ErrorKind 决定阶段失败后是否重试。
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// PhaseError classifies a phase body failure. Errors that carry no
// classification are treated as transient.
type PhaseError struct {
	Kind ErrorKind
	Err  error
}

func (e *PhaseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Kind.String() + " phase error"
	}
	return e.Err.Error()
}

func (e *PhaseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Kind: KindTransient, Err: err}
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Kind: KindFatal, Err: err}
}

// IsFatal reports whether the outermost classification in err's chain is fatal.
func IsFatal(err error) bool {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Kind == KindFatal
	}
	return false
}
