package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/engine/strategy"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/store/memory"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Dependencies{})
	require.Error(t, err)

	_, err = New(Dependencies{Store: memory.New(), Strategies: strategy.DefaultRegistry()})
	require.ErrorContains(t, err, "producer")
}

func TestEngine_NextNodeSequence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	a := node("a", pipeline.StepTypeNoop, pipeline.NoParameters())
	a.NextNodeID = "b"
	b := waitNode("b", time.Millisecond)
	b.NextNodeID = "c"
	plan := pipeline.Plan{
		Name:           "sequence",
		StartingNodeID: "a",
		Nodes:          []pipeline.Node{a, b, node("c", pipeline.StepTypeNoop, pipeline.NoParameters())},
	}

	id := h.submit(plan)
	done := h.waitPlan(id)

	assert.Equal(t, execution.StatusSucceeded, done.Status)
	execs := h.execsOf(id)
	require.Len(t, execs, 3)
	for _, exec := range execs {
		assert.Equal(t, execution.StatusSucceeded, exec.Status, exec.NodeID)
		assert.True(t, exec.IsRoot(), "next nodes share the root position")
		assert.Equal(t, 1, exec.Ambiance.Depth())
	}
	assert.Equal(t, nextRuntimeID(done.RootRuntimeID), h.execOf(id, "b").UUID)
}

func TestEngine_ThrottledFanOut(t *testing.T) {
	t.Parallel()
	store := newRecordingStore()
	store.watchType = pipeline.StepTypeWait
	h := newHarness(t, withStore(store))

	plan := pipeline.Plan{
		StartingNodeID: "fan",
		Nodes: []pipeline.Node{
			node("fan", pipeline.StepTypeParallel, pipeline.ChildrenOf(2, "w1", "w2", "w3", "w4", "w5")),
			waitNode("w1", 20*time.Millisecond),
			waitNode("w2", 5*time.Millisecond),
			waitNode("w3", 15*time.Millisecond),
			waitNode("w4", time.Millisecond),
			waitNode("w5", 10*time.Millisecond),
		},
	}

	id := h.submit(plan)
	done := h.waitPlan(id)
	require.Equal(t, execution.StatusSucceeded, done.Status)

	assert.Equal(t, []int{2, 3, 4, 5}, store.cursorTrail(done.RootRuntimeID))
	assert.LessOrEqual(t, store.peakRunning(), 2)
	assert.GreaterOrEqual(t, store.peakRunning(), 1)

	fan := h.execOf(id, "fan")
	require.NotNil(t, fan)
	assert.True(t, fan.Throttled)
	assert.Len(t, fan.Responses, 5)
	for i := 1; i <= 5; i++ {
		child := h.execOf(id, "w"+string(rune('0'+i)))
		require.NotNil(t, child)
		assert.Equal(t, execution.StatusSucceeded, child.Status)
		level, _ := child.Ambiance.CurrentLevel()
		require.NotNil(t, level.StrategyMetadata)
		assert.Equal(t, i-1, level.StrategyMetadata.CurrentIteration)
		assert.Equal(t, 5, level.StrategyMetadata.TotalIterations)
	}
}

func TestEngine_StatusesNeverLeaveTerminal(t *testing.T) {
	t.Parallel()
	store := newRecordingStore()
	h := newHarness(t, withStore(store))

	plan := pipeline.Plan{
		StartingNodeID: "stage",
		Nodes: []pipeline.Node{
			node("stage", pipeline.StepTypeStage, pipeline.ChildOf("fan")),
			node("fan", pipeline.StepTypeParallel, pipeline.ChildrenOf(0, "ok", "bad")),
			waitNode("ok", time.Millisecond),
			failingNode("bad", "boom"),
		},
	}

	id := h.submit(plan)
	done := h.waitPlan(id)
	require.Equal(t, execution.StatusFailed, done.Status)
	require.NotNil(t, done.FailureInfo)
	assert.Equal(t, "boom", done.FailureInfo.Message)

	for _, exec := range h.execsOf(id) {
		trail := store.statusTrail(exec.UUID)
		require.NotEmpty(t, trail)
		assert.Equal(t, execution.StatusQueued, trail[0], exec.NodeID)
		for i := 1; i < len(trail); i++ {
			assert.False(t, trail[i-1].IsTerminal(), "%s changed after %s", exec.NodeID, trail[i-1])
		}
	}
	assert.Equal(t, execution.StatusFailed, h.execOf(id, "stage").Status)
	assert.Equal(t, execution.StatusSucceeded, h.execOf(id, "ok").Status)
}

func TestEngine_ChainRunsChildrenInOrder(t *testing.T) {
	t.Parallel()
	recorder := &orderRecorder{}
	h := newHarness(t, withStrategies(recorder.strategy("record")))

	plan := pipeline.Plan{
		StartingNodeID: "chain",
		Nodes: []pipeline.Node{
			node("chain", pipeline.StepTypeChain, pipeline.ChainOf("c1", "c2", "c3")),
			node("c1", "record", pipeline.NoParameters()),
			node("c2", "record", pipeline.NoParameters()),
			node("c3", "record", pipeline.NoParameters()),
		},
	}

	id := h.submit(plan)
	done := h.waitPlan(id)

	require.Equal(t, execution.StatusSucceeded, done.Status)
	assert.Equal(t, []string{"c1", "c2", "c3"}, recorder.ran())

	chain := h.execOf(id, "chain")
	assert.True(t, chain.LastLink)
	assert.Equal(t, 3, chain.SpawnedChildren)
	for i, nodeID := range []string{"c1", "c2", "c3"} {
		child := h.execOf(id, nodeID)
		assert.Equal(t, childRuntimeID(chain.UUID, i), child.UUID)
		assert.Equal(t, chain.UUID, child.ParentID)
	}
}

func TestEngine_ChainStopsAtFailure(t *testing.T) {
	t.Parallel()
	recorder := &orderRecorder{}
	h := newHarness(t, withStrategies(recorder.strategy("record")))

	plan := pipeline.Plan{
		StartingNodeID: "chain",
		Nodes: []pipeline.Node{
			node("chain", pipeline.StepTypeChain, pipeline.ChainOf("c1", "bad", "c3")),
			node("c1", "record", pipeline.NoParameters()),
			failingNode("bad", "link failed"),
			node("c3", "record", pipeline.NoParameters()),
		},
	}

	id := h.submit(plan)
	done := h.waitPlan(id)

	assert.Equal(t, execution.StatusFailed, done.Status)
	assert.Equal(t, []string{"c1"}, recorder.ran())
	assert.Nil(t, h.execOf(id, "c3"))
}

func TestEngine_MissingStrategyErrorsOutPlan(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	plan := pipeline.Plan{
		StartingNodeID: "ghost",
		Nodes:          []pipeline.Node{node("ghost", "unregistered", pipeline.NoParameters())},
	}

	id := h.submit(plan)
	done := h.waitPlan(id)

	assert.Equal(t, execution.StatusFailed, done.Status)
	require.NotNil(t, done.FailureInfo)
	assert.Equal(t, string(pipeline.ErrCodeFatal), done.FailureInfo.Code)
	assert.Empty(t, done.RollbackID)
	assert.Equal(t, execution.StatusFailed, h.execOf(id, "ghost").Status)
	assert.Empty(t, h.broker.DeadLetters(), "fatal errors are not redelivered")
}

func TestEngine_MissingNodeErrorsOutActiveNodes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	plan := pipeline.Plan{
		StartingNodeID: "slow",
		Nodes:          []pipeline.Node{waitNode("slow", time.Minute)},
	}
	id := h.submit(plan)
	h.waitExec(id, "slow", func(e *execution.NodeExecution) bool { return e.Status == execution.StatusRunning })

	_, err := h.engine.InitiateNode(h.ctx, InitiateRequest{PlanExecutionID: id, NodeID: "missing", RuntimeID: "rt-missing"})
	require.Error(t, err)
	assert.True(t, pipeline.IsFatal(err))

	done := h.waitPlan(id)
	assert.Equal(t, execution.StatusFailed, done.Status)
	slow := h.execOf(id, "slow")
	assert.Equal(t, execution.StatusFailed, slow.Status)
	assert.Equal(t, string(pipeline.ErrCodeFatal), slow.FailureInfo.Code)
}

func TestEngine_ApprovalAndDuplicateResponses(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	approval := func(id, correlation string) pipeline.Node {
		return node(id, pipeline.StepTypeApproval, pipeline.StepParameters{
			Kind:     pipeline.ParametersApproval,
			Approval: &pipeline.ApprovalParameters{CorrelationID: correlation},
		})
	}
	plan := pipeline.Plan{
		StartingNodeID: "fan",
		Nodes: []pipeline.Node{
			node("fan", pipeline.StepTypeParallel, pipeline.ChildrenOf(0, "ap1", "ap2")),
			approval("ap1", "gate-1"),
			approval("ap2", "gate-2"),
		},
	}
	id := h.submit(plan)

	approve, err := json.Marshal(strategy.ApprovalDecision{Approved: true, By: "ops"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.engine.Notify(h.ctx, "gate-1", approve) == nil
	}, 5*time.Second, 5*time.Millisecond)

	fan := h.waitExec(id, "fan", func(e *execution.NodeExecution) bool { return len(e.Responses) == 1 })
	ap1 := h.execOf(id, "ap1")
	require.Equal(t, execution.StatusSucceeded, ap1.Status)

	// A late duplicate for the same child must not change the parent.
	require.NoError(t, h.engine.ResumeNodeExecution(h.ctx, fan.UUID, []execution.ResponseData{{
		Key:    ap1.NotifyID,
		Status: execution.StatusFailed,
	}}))
	again, err := h.store.GetNodeExecution(h.ctx, fan.UUID)
	require.NoError(t, err)
	assert.Equal(t, fan.Version, again.Version)
	assert.Equal(t, execution.StatusSuspended, again.Status)

	err = h.engine.Notify(h.ctx, "gate-1", approve)
	assert.True(t, pipeline.HasCode(err, pipeline.ErrCodeNotFound), "a correlation is answered once")

	require.Eventually(t, func() bool {
		return h.engine.Notify(h.ctx, "gate-2", approve) == nil
	}, 5*time.Second, 5*time.Millisecond)
	done := h.waitPlan(id)
	assert.Equal(t, execution.StatusSucceeded, done.Status)

	value, err := h.engine.ResolveOutput(h.ctx, ap1.UUID, "approval")
	require.NoError(t, err)
	assert.JSONEq(t, `{"approved":true,"by":"ops"}`, string(value))
	assert.Equal(t, execution.StatusSucceeded, h.execOf(id, "ap2").Status, "sibling approvals publish without colliding")
	_, err = h.engine.ResolveOutput(h.ctx, h.execOf(id, "ap2").UUID, "approval")
	require.NoError(t, err)
}

func TestEngine_RejectedApprovalFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	plan := pipeline.Plan{
		StartingNodeID: "gate",
		Nodes:          []pipeline.Node{node("gate", pipeline.StepTypeApproval, pipeline.StepParameters{Kind: pipeline.ParametersApproval, Approval: &pipeline.ApprovalParameters{}})},
	}
	id := h.submit(plan)
	gate := h.waitExec(id, "gate", func(e *execution.NodeExecution) bool { return len(e.CorrelationIDs) == 1 })

	reject := json.RawMessage(`{"approved":false,"by":"qa","comment":"not today"}`)
	require.Eventually(t, func() bool {
		return h.engine.Notify(h.ctx, gate.CorrelationIDs[0], reject) == nil
	}, 5*time.Second, 5*time.Millisecond)

	done := h.waitPlan(id)
	assert.Equal(t, execution.StatusFailed, done.Status)
	assert.Equal(t, "approval rejected by qa: not today", done.FailureInfo.Message)
}

func TestEngine_TaskOutputsFlowToLaterSteps(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	plan := pipeline.Plan{
		StartingNodeID: "chain",
		Nodes: []pipeline.Node{
			node("chain", pipeline.StepTypeChain, pipeline.ChainOf("build", "check")),
			node("build", pipeline.StepTypeTask, pipeline.StepParameters{Kind: pipeline.ParametersTask, Task: &pipeline.TaskParameters{
				TaskType:   "echo",
				Payload:    map[string]any{"artifact": "app.tar"},
				OutputName: "build",
			}}),
			node("check", pipeline.StepTypeOutputs, pipeline.StepParameters{Kind: pipeline.ParametersOutputs, Outputs: &pipeline.OutputsParameters{
				Require: []string{"build"},
				Values:  map[string]any{"checked": true},
			}}),
		},
	}

	id := h.submit(plan)
	done := h.waitPlan(id)
	require.Equal(t, execution.StatusSucceeded, done.Status)

	build := h.execOf(id, "build")
	assert.Equal(t, execution.ModeTask, build.Mode)
	assert.Equal(t, []string{taskID(build.UUID)}, build.CorrelationIDs)

	value, err := h.engine.ResolveOutput(h.ctx, h.execOf(id, "check").UUID, "build")
	require.NoError(t, err)
	assert.JSONEq(t, `{"artifact":"app.tar"}`, string(value))
}

func TestEngine_FailedTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	plan := pipeline.Plan{
		StartingNodeID: "t",
		Nodes: []pipeline.Node{node("t", pipeline.StepTypeTask, pipeline.StepParameters{Kind: pipeline.ParametersTask, Task: &pipeline.TaskParameters{
			TaskType: "fail",
			Payload:  map[string]any{"message": "disk full"},
		}})},
	}

	done := h.waitPlan(h.submit(plan))
	assert.Equal(t, execution.StatusFailed, done.Status)
	assert.Equal(t, "disk full", done.FailureInfo.Message)
}

func TestEngine_MissingRequiredOutputFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	plan := pipeline.Plan{
		StartingNodeID: "check",
		Nodes: []pipeline.Node{node("check", pipeline.StepTypeOutputs, pipeline.StepParameters{Kind: pipeline.ParametersOutputs, Outputs: &pipeline.OutputsParameters{
			Require: []string{"nothing"},
		}})},
	}

	done := h.waitPlan(h.submit(plan))
	assert.Equal(t, execution.StatusFailed, done.Status)
	assert.Contains(t, done.FailureInfo.Message, "nothing")
}

func TestEngine_OutputCollisionFailsSecondProducer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	publish := func(id string) pipeline.Node {
		return node(id, pipeline.StepTypeOutputs, pipeline.StepParameters{Kind: pipeline.ParametersOutputs, Outputs: &pipeline.OutputsParameters{
			Values: map[string]any{"version": id},
		}})
	}
	plan := pipeline.Plan{
		StartingNodeID: "chain",
		Nodes: []pipeline.Node{
			node("chain", pipeline.StepTypeChain, pipeline.ChainOf("first", "second")),
			publish("first"),
			publish("second"),
		},
	}

	id := h.submit(plan)
	done := h.waitPlan(id)

	assert.Equal(t, execution.StatusFailed, done.Status)
	second := h.execOf(id, "second")
	require.NotNil(t, second.FailureInfo)
	assert.Equal(t, "OUTPUT_COLLISION", second.FailureInfo.Code)
}

func TestEngine_RollbackRunsCompensationInReverse(t *testing.T) {
	t.Parallel()
	recorder := &orderRecorder{}
	h := newHarness(t, withStrategies(recorder.strategy("undo")))

	plan := pipeline.Plan{
		Name:           "deploy",
		StartingNodeID: "chain",
		Nodes: []pipeline.Node{
			node("chain", pipeline.StepTypeChain, pipeline.ChainOf("A", "B", "C")),
			node("A", pipeline.StepTypeNoop, pipeline.NoParameters()),
			failingNode("B", "B broke"),
			node("C", pipeline.StepTypeNoop, pipeline.NoParameters()),
			node("undo-a", "undo", pipeline.NoParameters()),
			node("undo-b", "undo", pipeline.NoParameters()),
			node("undo-c", "undo", pipeline.NoParameters()),
		},
		RollbackNodes: []pipeline.RollbackNode{
			{NodeID: "undo-a", DependentNodeIdentifier: "A"},
			{NodeID: "undo-b", DependentNodeIdentifier: "B"},
			{NodeID: "undo-c", DependentNodeIdentifier: "C", ShouldAlwaysRun: true},
		},
	}

	id := h.submit(plan)
	forward := h.waitPlan(id)
	require.Equal(t, execution.StatusFailed, forward.Status)
	require.Equal(t, RollbackPlanExecutionID(id), forward.RollbackID)

	rollback := h.waitPlan(forward.RollbackID)
	assert.Equal(t, execution.StatusSucceeded, rollback.Status)
	assert.Equal(t, id, rollback.RollbackOf)
	assert.Equal(t, []string{"undo-b", "undo-a", "undo-c"}, recorder.ran())
}

func TestEngine_ErrorOutActiveNodesReleasesWaits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	plan := pipeline.Plan{
		StartingNodeID: "gate",
		Nodes: []pipeline.Node{node("gate", pipeline.StepTypeApproval, pipeline.StepParameters{
			Kind:     pipeline.ParametersApproval,
			Approval: &pipeline.ApprovalParameters{CorrelationID: "held"},
		})},
	}
	id := h.submit(plan)
	h.waitExec(id, "gate", func(e *execution.NodeExecution) bool { return len(e.CorrelationIDs) == 1 })

	require.NoError(t, h.engine.ErrorOutActiveNodes(h.ctx, id))

	done := h.waitPlan(id)
	assert.Equal(t, execution.StatusFailed, done.Status)
	assert.Equal(t, execution.StatusFailed, h.execOf(id, "gate").Status)
	assert.Empty(t, done.RollbackID)

	err := h.engine.Notify(h.ctx, "held", json.RawMessage(`{"approved":true}`))
	assert.True(t, pipeline.HasCode(err, pipeline.ErrCodeNotFound))
}

func TestEngine_RecoverRepublishesPendingWork(t *testing.T) {
	t.Parallel()
	store := newRecordingStore()
	stalled := newHarness(t, withStore(store), withoutConsumers())

	plan := pipeline.Plan{
		StartingNodeID: "fan",
		Nodes: []pipeline.Node{
			node("fan", pipeline.StepTypeParallel, pipeline.ChildrenOf(0, "x", "y")),
			waitNode("x", time.Millisecond),
			waitNode("y", time.Millisecond),
		},
	}
	id := stalled.submit(plan)
	root := stalled.execOf(id, "fan")
	require.Equal(t, execution.StatusQueued, root.Status)

	restarted := newHarness(t, withStore(store))
	acted, err := restarted.engine.Recover(restarted.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	done := restarted.waitPlan(id)
	assert.Equal(t, execution.StatusSucceeded, done.Status)

	acted, err = restarted.engine.Recover(restarted.ctx)
	require.NoError(t, err)
	assert.Zero(t, acted, "finished plans are left alone")
}

func TestEngine_HandleDropsUnknownKinds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withoutConsumers())

	require.NoError(t, h.engine.Handle(h.ctx, ports.Message{ID: "m1", Kind: "mystery"}))
	require.NoError(t, h.engine.Handle(h.ctx, ports.Message{ID: "m2", Kind: ports.KindStartNode, Payload: json.RawMessage(`{`)}),
		"undecodable payloads are fatal and not redelivered")
}

func TestEngine_SubmitIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	plan := pipeline.Plan{StartingNodeID: "a", Nodes: []pipeline.Node{node("a", pipeline.StepTypeNoop, pipeline.NoParameters())}}
	id, err := h.engine.SubmitPlan(h.ctx, SubmitRequest{PlanExecutionID: "fixed", Plan: plan})
	require.NoError(t, err)
	again, err := h.engine.SubmitPlan(h.ctx, SubmitRequest{PlanExecutionID: "fixed", Plan: plan})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	h.waitPlan(id)
	assert.Len(t, h.execsOf(id), 1)

	_, err = h.engine.SubmitPlan(h.ctx, SubmitRequest{Plan: pipeline.Plan{}})
	assert.True(t, pipeline.HasCode(err, pipeline.ErrCodeValidation))
}
