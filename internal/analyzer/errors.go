package analyzer

import (
	"errors"
	"fmt"
)

type Reason string

const (
	ReasonFailure       Reason = "AnalyzerFailure"
	ReasonTimeout       Reason = "AnalyzerTimeout"
	ReasonMissingOutput Reason = "MissingOutput"
	ReasonCancelled     Reason = "Cancelled"
)

var (
	ErrTimeout       = errors.New("analyzer deadline exceeded")
	ErrCancelled     = errors.New("analyzer invocation cancelled")
	ErrMissingOutput = errors.New("analyzer exited successfully but expected outputs are missing")
	ErrNonZeroExit   = errors.New("analyzer exited with non-zero status")
)

// Error is returned by Invoke for every failed invocation.
type Error struct {
	Reason   Reason
	ExitCode int
	// Tail is the last bytes of the combined stdout/stderr of the analyzer.
	Tail string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (exit code %d)", e.Err, e.ExitCode)
	if e.Tail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Tail)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// ReasonOf returns the failure reason carried by err, ReasonFailure for foreign errors.
func ReasonOf(err error) Reason {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Reason
	}
	return ReasonFailure
}
