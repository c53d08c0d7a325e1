package sequencer

import (
	"context"
	"errors"
	"fmt"

	"ragstack/internal/runner"
)

// Policy decides what a step failure does to the rest of the sequence.
type Policy string

const (
	// Fatal stops the sequence; nothing after the failing step runs.
	Fatal Policy = "fatal"
	// Tolerate logs the failure and moves on.
	Tolerate Policy = "tolerate"
)

// Class is a coarse failure category derived from how a step failed.
type Class string

const (
	ClassExitStatus  Class = "exit_status"
	ClassNotFound    Class = "not_found"
	ClassTimeout     Class = "timeout"
	ClassCanceled    Class = "canceled"
	ClassStartFailed Class = "start_failed"
	ClassNotReady    Class = "not_ready"
	ClassUnknown     Class = "unknown"
)

var ErrAborted = errors.New("startup aborted")

// StepError is the classified failure of one step.
type StepError struct {
	Step     string
	Policy   Policy
	Class    Class
	ExitCode int
	Output   string
	Err      error
}

func (e *StepError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: %s (exit %d): %v", e.Step, e.Class, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Class, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// commandError classifies a failed vendor command.
func commandError(res runner.Result, err error) *StepError {
	se := &StepError{ExitCode: res.ExitCode, Output: res.Output, Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		se.Class = ClassTimeout
	case errors.Is(err, context.Canceled):
		se.Class = ClassCanceled
	case res.ExitCode == runner.ExitNotFound:
		se.Class = ClassNotFound
	case res.ExitCode > 0:
		se.Class = ClassExitStatus
	default:
		se.Class = ClassUnknown
	}
	return se
}

// classify wraps err in a StepError unless it already is one. A policy set by
// the step itself wins over the step's default.
func classify(step Step, err error) *StepError {
	var se *StepError
	if !errors.As(err, &se) {
		se = &StepError{Err: err, Class: ClassUnknown}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			se.Class = ClassTimeout
		case errors.Is(err, context.Canceled):
			se.Class = ClassCanceled
		}
	}
	se.Step = step.Name
	if se.Policy == "" {
		se.Policy = step.Policy
	}
	return se
}

// interrupted turns whatever a step returned into a fatal error once the
// sequence's context is done.
func interrupted(err, cause error) *StepError {
	se := &StepError{Policy: Fatal, Class: ClassCanceled, Err: cause}
	if errors.Is(cause, context.DeadlineExceeded) {
		se.Class = ClassTimeout
	}
	var prev *StepError
	if errors.As(err, &prev) {
		se.ExitCode, se.Output = prev.ExitCode, prev.Output
	}
	if err != nil && !errors.Is(err, cause) {
		se.Err = fmt.Errorf("%w: %w", cause, err)
	}
	return se
}
