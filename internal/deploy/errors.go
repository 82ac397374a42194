package deploy

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedReference is returned when an argument refers to a step
	// that has no confirmed record.
	ErrUnresolvedReference = errors.New("unresolved reference")

	// ErrConfirmationTimeout is returned when a sent transaction is not
	// confirmed within the configured timeout.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrReverted is returned when a transaction is mined with a failed
	// status.
	ErrReverted = errors.New("execution reverted")
)

// StepError is a terminal failure of one step. The run stops after it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RunError is a failure that prevents the run from starting any step, such
// as an unreachable node or an unwritable ledger.
type RunError struct {
	Op  string
	Err error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
