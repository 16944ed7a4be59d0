package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

func TestNodeExecutionCompareAndSwap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	stored, created, err := store.CreateNodeExecution(ctx, &execution.NodeExecution{UUID: "n1", PlanExecutionID: "p", Status: execution.StatusQueued})
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = store.CreateNodeExecution(ctx, &execution.NodeExecution{UUID: "n1", PlanExecutionID: "p", Status: execution.StatusRunning})
	require.NoError(t, err)
	assert.False(t, created)

	first := stored.Clone()
	first.Status = execution.StatusRunning
	require.NoError(t, store.CompareAndSwapNodeExecution(ctx, stored.Version, first))
	assert.Equal(t, int64(1), first.Version)

	stale := stored.Clone()
	stale.Status = execution.StatusAborted
	err = store.CompareAndSwapNodeExecution(ctx, stored.Version, stale)
	assert.ErrorIs(t, err, ports.ErrVersionConflict)

	got, err := store.GetNodeExecution(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status)

	err = store.CompareAndSwapNodeExecution(ctx, 0, &execution.NodeExecution{UUID: "ghost"})
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	_, _, err := store.CreateNodeExecution(ctx, &execution.NodeExecution{UUID: "n1", PlanExecutionID: "p", WaitingOn: []string{"a"}})
	require.NoError(t, err)

	got, err := store.GetNodeExecution(ctx, "n1")
	require.NoError(t, err)
	got.WaitingOn[0] = "mutated"

	again, err := store.GetNodeExecution(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.WaitingOn[0])
}

func TestListNodeExecutionsKeepsCreationOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	for _, id := range []string{"c", "a", "b"} {
		_, _, err := store.CreateNodeExecution(ctx, &execution.NodeExecution{UUID: id, PlanExecutionID: "p"})
		require.NoError(t, err)
	}
	list, err := store.ListNodeExecutions(ctx, "p")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].UUID)
	assert.Equal(t, "b", list[2].UUID)
}

func TestCorrelationClaimedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	require.NoError(t, store.RegisterCorrelation(ctx, "task-1", "n1"))
	require.NoError(t, store.RegisterCorrelation(ctx, "task-1", "n1"))
	assert.ErrorIs(t, store.RegisterCorrelation(ctx, "task-1", "n2"), ports.ErrDuplicate)

	runtimeID, err := store.ClaimCorrelation(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "n1", runtimeID)

	_, err = store.ClaimCorrelation(ctx, "task-1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestOutputsResolveInnermostScope(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	require.NoError(t, store.ConsumeOutput(ctx, execution.OutputRecord{PlanExecutionID: "p", Scope: "p", Name: "v", ProducerID: "x", Value: []byte(`1`)}))
	require.NoError(t, store.ConsumeOutput(ctx, execution.OutputRecord{PlanExecutionID: "p", Scope: "p/a", Name: "v", ProducerID: "y", Value: []byte(`2`)}))
	require.NoError(t, store.ConsumeOutput(ctx, execution.OutputRecord{PlanExecutionID: "p", Scope: "p/a", Name: "v", ProducerID: "y", Value: []byte(`2`)}))
	assert.ErrorIs(t, store.ConsumeOutput(ctx, execution.OutputRecord{PlanExecutionID: "p", Scope: "p/a", Name: "v", ProducerID: "z"}), ports.ErrDuplicate)

	value, err := store.ResolveOutput(ctx, "p", []string{"p/a/b", "p/a", "p"}, "v")
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(value))

	value, err = store.ResolveOutput(ctx, "p", []string{"p/c", "p"}, "v")
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(value))

	_, err = store.ResolveOutput(ctx, "p", []string{"p"}, "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestInterruptTransitionsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	require.NoError(t, store.CreateInterrupt(ctx, &execution.Interrupt{ID: "i1", PlanExecutionID: "p", State: execution.InterruptRegistered}))
	assert.ErrorIs(t, store.CreateInterrupt(ctx, &execution.Interrupt{ID: "i1"}), ports.ErrDuplicate)

	ok, err := store.TransitionInterrupt(ctx, "i1", execution.InterruptProcessed, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TransitionInterrupt(ctx, "i1", execution.InterruptDiscarded, "late")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := store.ListInterrupts(ctx, "p")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, execution.InterruptProcessed, list[0].State)
}
