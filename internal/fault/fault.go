package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a dispatch failure
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTimeout
	KindDeviceUnavailable
	KindOperationFailed
	KindCancelledByCaller
	KindCircuitOpen
	KindRecoveryInProgress
	KindMaxAttemptsExceeded
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindDeviceUnavailable:
		return "device_unavailable"
	case KindOperationFailed:
		return "operation_failed"
	case KindCancelledByCaller:
		return "cancelled_by_caller"
	case KindCircuitOpen:
		return "circuit_open"
	case KindRecoveryInProgress:
		return "recovery_in_progress"
	case KindMaxAttemptsExceeded:
		return "max_attempts_exceeded"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Two errors are equal under errors.Is when
// their kinds match.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrDeviceUnavailable   = &Error{Kind: KindDeviceUnavailable}
	ErrOperationFailed     = &Error{Kind: KindOperationFailed}
	ErrCancelledByCaller   = &Error{Kind: KindCancelledByCaller}
	ErrCircuitOpen         = &Error{Kind: KindCircuitOpen, Msg: "circuit breaker is open"}
	ErrRecoveryInProgress  = &Error{Kind: KindRecoveryInProgress, Msg: "recovery already running"}
	ErrMaxAttemptsExceeded = &Error{Kind: KindMaxAttemptsExceeded}
)

// New builds a classified error
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
// Bare context errors are mapped as well.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelledByCaller
	}
	return KindUnknown
}

// Retryable reports whether a job that failed with err should stay queued
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindDeviceUnavailable, KindOperationFailed, KindCircuitOpen, KindUnknown:
		return true
	}
	return false
}

// Timeoutf builds a timeout error in the "timed out after N.Ns" form
func Timeoutf(op string, seconds float64) error {
	return &Error{Kind: KindTimeout, Op: op, Msg: fmt.Sprintf("timed out after %.1fs", seconds)}
}
