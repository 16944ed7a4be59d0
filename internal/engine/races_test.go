package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

func TestEngine_PauseBetweenStartAndSpawn(t *testing.T) {
	t.Parallel()
	store := newRecordingStore()

	// Pause the parent in the window between its RUNNING write and the
	// SUSPENDED write that records its children.
	var once sync.Once
	store.beforeNodeSwap = func(next *execution.NodeExecution) error {
		if next.NodeID != "fan" || next.Status != execution.StatusSuspended {
			return nil
		}
		var err error
		once.Do(func() {
			ctx := context.Background()
			current, getErr := store.Store.GetNodeExecution(ctx, next.UUID)
			if getErr != nil {
				err = getErr
				return
			}
			paused := current.Clone()
			paused.Status = execution.StatusPaused
			err = store.Store.CompareAndSwapNodeExecution(ctx, current.Version, paused)
		})
		return err
	}
	h := newHarness(t, withStore(store))

	plan := pipeline.Plan{
		StartingNodeID: "fan",
		Nodes: []pipeline.Node{
			node("fan", pipeline.StepTypeParallel, pipeline.ChildrenOf(0, "a", "b")),
			waitNode("a", time.Millisecond),
			waitNode("b", time.Millisecond),
		},
	}
	id := h.submit(plan)

	fan := h.waitExec(id, "fan", func(e *execution.NodeExecution) bool {
		return e.Status == execution.StatusPaused && len(e.WaitingOn) == 2
	})
	deferred := func(e *execution.NodeExecution) bool {
		return e.Status == execution.StatusQueued && e.Deferred
	}
	a := h.waitExec(id, "a", deferred)
	b := h.waitExec(id, "b", deferred)

	changed, err := h.engine.UnpauseNode(h.ctx, fan.UUID)
	require.NoError(t, err)
	assert.True(t, changed)
	unpaused, err := h.store.GetNodeExecution(h.ctx, fan.UUID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuspended, unpaused.Status)

	for _, child := range []*execution.NodeExecution{a, b} {
		restarted, err := h.engine.RestartDeferred(h.ctx, child.UUID)
		require.NoError(t, err)
		assert.True(t, restarted)
	}

	done := h.waitPlan(id)
	assert.Equal(t, execution.StatusSucceeded, done.Status)
	assert.Equal(t, execution.StatusSucceeded, h.execOf(id, "a").Status)
	assert.Equal(t, execution.StatusSucceeded, h.execOf(id, "b").Status)
}

func TestEngine_ExhaustedConflictsFailTheNode(t *testing.T) {
	t.Parallel()
	store := newRecordingStore()

	var conflicts atomic.Int32
	store.beforeNodeSwap = func(next *execution.NodeExecution) error {
		if next.NodeID == "w" && conflicts.Add(1) <= 3 {
			return ports.ErrVersionConflict
		}
		return nil
	}
	h := newHarness(t, withStore(store), withCASAttempts(2))

	plan := pipeline.Plan{
		StartingNodeID: "w",
		Nodes:          []pipeline.Node{waitNode("w", time.Minute)},
	}
	id := h.submit(plan)

	done := h.waitPlan(id)
	assert.Equal(t, execution.StatusFailed, done.Status)
	w := h.execOf(id, "w")
	assert.Equal(t, execution.StatusFailed, w.Status)
	require.NotNil(t, w.FailureInfo)
	assert.Equal(t, string(pipeline.ErrCodeConflict), w.FailureInfo.Code)
	assert.Empty(t, h.broker.DeadLetters())
}

func TestEngine_MissingConcurrencyInstanceErrorsOut(t *testing.T) {
	t.Parallel()
	store := newRecordingStore()
	h := newHarness(t, withStore(store))

	plan := pipeline.Plan{
		StartingNodeID: "fan",
		Nodes: []pipeline.Node{
			node("fan", pipeline.StepTypeParallel, pipeline.ChildrenOf(1, "w1", "w2", "w3")),
			waitNode("w1", 200*time.Millisecond),
			waitNode("w2", time.Millisecond),
			waitNode("w3", time.Millisecond),
		},
	}
	id := h.submit(plan)

	h.waitExec(id, "fan", func(e *execution.NodeExecution) bool {
		return e.Status == execution.StatusSuspended && e.Throttled
	})
	store.instancesGone.Store(true)

	done := h.waitPlan(id)
	assert.Equal(t, execution.StatusFailed, done.Status)
	for _, nodeID := range []string{"fan", "w2", "w3"} {
		exec := h.execOf(id, nodeID)
		require.NotNil(t, exec, nodeID)
		assert.Equal(t, execution.StatusFailed, exec.Status, nodeID)
		require.NotNil(t, exec.FailureInfo, nodeID)
		assert.Equal(t, string(pipeline.ErrCodeFatal), exec.FailureInfo.Code, nodeID)
	}
	assert.Equal(t, execution.StatusSucceeded, h.execOf(id, "w1").Status)
	assert.Empty(t, h.broker.DeadLetters())
}
