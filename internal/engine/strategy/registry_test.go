package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

type badAsync struct{}

func (badAsync) StepType() pipeline.StepType             { return "bad" }
func (badAsync) Mode() execution.Mode                    { return execution.ModeAsync }
func (badAsync) ParametersKind() pipeline.ParametersKind { return pipeline.ParametersNone }

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	assert.Equal(t, []pipeline.StepType{
		pipeline.StepTypeApproval,
		pipeline.StepTypeChain,
		pipeline.StepTypeNoop,
		pipeline.StepTypeOutputs,
		pipeline.StepTypeParallel,
		pipeline.StepTypeRollback,
		pipeline.StepTypeStage,
		pipeline.StepTypeTask,
		pipeline.StepTypeWait,
	}, r.StepTypes())

	s, err := r.Get(pipeline.StepTypeParallel)
	require.NoError(t, err)
	assert.Equal(t, execution.ModeChildren, s.Mode())
}

func TestRegistryRejectsInvalidStrategies(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.Error(t, r.Register(nil))
	require.Error(t, r.Register(badAsync{}))

	fn := SyncFunc{Type: "custom", Fn: func(context.Context, Input) (execution.StepResponse, error) {
		return execution.Succeeded(), nil
	}}
	require.NoError(t, r.Register(fn))
	require.Error(t, r.Register(fn))
}

func TestRegistryMissingStrategyIsFatal(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry().Get("unknown")
	require.Error(t, err)
	assert.True(t, pipeline.IsFatal(err))
}
