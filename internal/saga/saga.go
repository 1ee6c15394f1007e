// Package saga runs a sequence of named steps that span systems without a
// shared transaction. When a step fails, the compensations of the steps that
// already completed run in reverse order before the failure is returned.
package saga

import (
	"context"

	"github.com/cockroachdb/errors"

	"auction-lifecycle/pkg/logger"
)

type Action func(ctx context.Context) error

type Step struct {
	Name string
	Run  Action
	// Compensate undoes Run. Nil when the step has nothing to undo.
	Compensate Action
	// CompensationName is logged when Compensate runs.
	CompensationName string
}

type Saga struct {
	name  string
	steps []Step
	log   logger.Logger
}

func New(name string, log logger.Logger) *Saga {
	return &Saga{name: name, log: log}
}

func (s *Saga) Step(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// StepError reports which step failed. The original error is kept in the
// chain so callers can test it with errors.Is.
type StepError struct {
	Saga string
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return "saga " + e.Saga + ": step " + e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Execute runs every step in order. Compensations run with a context that
// is not cancelled by ctx, so a cancelled request still gets cleaned up.
func (s *Saga) Execute(ctx context.Context) error {
	for i, step := range s.steps {
		if err := step.Run(ctx); err != nil {
			failure := &StepError{Saga: s.name, Step: step.Name, Err: err}
			if compErr := s.compensate(context.WithoutCancel(ctx), i); compErr != nil {
				return errors.Join(failure, compErr)
			}
			return failure
		}
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, failed int) error {
	var result error
	for i := failed - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		name := step.CompensationName
		if name == "" {
			name = "undo-" + step.Name
		}
		s.log.Warn("Running compensation", "saga", s.name, "compensation", name, "failed_step", s.steps[failed].Name)
		if err := step.Compensate(ctx); err != nil {
			s.log.Error("Compensation failed", "saga", s.name, "compensation", name, "error", err)
			result = errors.Join(result, errors.Wrapf(err, "compensation %s", name))
		}
	}
	return result
}
