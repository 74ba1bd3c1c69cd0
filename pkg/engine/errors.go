package engine

import (
	"context"
	"errors"

	"github.com/openfroyo/hostmove/pkg/faults"
)

var (
	// ErrContinuationConsumed is returned by Resume when the continuation
	// of the run was already claimed or cleared.
	ErrContinuationConsumed = errors.New("continuation already claimed")

	// ErrRunFinished is returned when a completed run is started again.
	ErrRunFinished = errors.New("run already finished")

	// ErrPlanChanged is returned when the configuration yields a plan with
	// different phases than the recorded run.
	ErrPlanChanged = errors.New("plan differs from the recorded run")
)

// errorClass labels err for metrics and traces.
func errorClass(err error) string {
	if errors.Is(err, context.Canceled) {
		return "interrupted"
	}
	return string(faults.ClassOf(err))
}

// interrupted reports whether err came from an operator interrupt rather
// than a failed action.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
