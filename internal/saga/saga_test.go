package saga

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auction-lifecycle/pkg/logger"
)

func recordingStep(name string, trace *[]string, runErr, compErr error) Step {
	return Step{
		Name: name,
		Run: func(context.Context) error {
			*trace = append(*trace, "run:"+name)
			return runErr
		},
		Compensate: func(context.Context) error {
			*trace = append(*trace, "undo:"+name)
			return compErr
		},
	}
}

func TestExecute_AllStepsSucceed(t *testing.T) {
	var trace []string
	err := New("test", logger.Nop()).
		Step(recordingStep("a", &trace, nil, nil)).
		Step(recordingStep("b", &trace, nil, nil)).
		Execute(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"run:a", "run:b"}, trace)
}

func TestExecute_CompensatesCompletedStepsInReverse(t *testing.T) {
	boom := errors.New("boom")
	var trace []string

	err := New("test", logger.Nop()).
		Step(recordingStep("a", &trace, nil, nil)).
		Step(recordingStep("b", &trace, nil, nil)).
		Step(recordingStep("c", &trace, boom, nil)).
		Step(recordingStep("d", &trace, nil, nil)).
		Execute(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "c", stepErr.Step)
	assert.Equal(t, "test", stepErr.Saga)

	assert.Equal(t, []string{"run:a", "run:b", "run:c", "undo:b", "undo:a"}, trace)
}

func TestExecute_FirstStepFailureRunsNoCompensation(t *testing.T) {
	var trace []string
	err := New("test", logger.Nop()).
		Step(recordingStep("a", &trace, errors.New("nope"), nil)).
		Execute(context.Background())

	require.Error(t, err)
	assert.Equal(t, []string{"run:a"}, trace)
}

func TestExecute_CompensationFailureIsJoined(t *testing.T) {
	stepFailure := errors.New("insert failed")
	undoFailure := errors.New("release failed")
	var trace []string

	err := New("test", logger.Nop()).
		Step(recordingStep("reserve", &trace, nil, undoFailure)).
		Step(recordingStep("insert", &trace, stepFailure, nil)).
		Execute(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, stepFailure))
	assert.Contains(t, err.Error(), "insert failed")
	assert.Contains(t, err.Error(), "release failed")
	assert.Equal(t, []string{"run:reserve", "run:insert", "undo:reserve"}, trace)
}

func TestExecute_CompensationSurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var compensationCtxErr error

	err := New("test", logger.Nop()).
		Step(Step{
			Name: "reserve",
			Run:  func(context.Context) error { return nil },
			Compensate: func(ctx context.Context) error {
				compensationCtxErr = ctx.Err()
				return nil
			},
		}).
		Step(Step{
			Name: "insert",
			Run: func(context.Context) error {
				cancel()
				return context.Canceled
			},
		}).
		Execute(ctx)

	require.Error(t, err)
	assert.NoError(t, compensationCtxErr)
}
