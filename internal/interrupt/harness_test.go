package interrupt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/engine"
	"github.com/alexisbeaulieu97/pipewright/internal/engine/strategy"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/events"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/lock"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/store/memory"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/tasks"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

type harness struct {
	t         *testing.T
	ctx       context.Context
	store     *memory.Store
	broker    *events.Broker
	engine    *engine.Engine
	service   *Service
	publisher *events.LoggingPublisher

	mu      sync.Mutex
	handled []events.InterruptEvent
}

type harnessConfig struct {
	stopped bool
	strats  []strategy.Strategy
}

type harnessOption func(*harnessConfig)

func withoutConsumers() harnessOption {
	return func(c *harnessConfig) { c.stopped = true }
}

func withStrategies(s ...strategy.Strategy) harnessOption {
	return func(c *harnessConfig) { c.strats = append(c.strats, s...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	store := memory.New()
	broker := events.NewBroker(events.BrokerOptions{RedeliveryBackoff: time.Millisecond}, nil)
	producers := events.NewProducerCache(broker, nil)
	pool := tasks.NewPool(tasks.Options{Workers: 2}, nil)
	require.NoError(t, tasks.RegisterBuiltins(pool))

	registry := strategy.DefaultRegistry()
	for _, s := range cfg.strats {
		require.NoError(t, registry.Register(s))
	}

	eng, err := engine.New(engine.Dependencies{
		Store:      store,
		Strategies: registry,
		Producers:  producers,
		Locker:     lock.NewKeyedLocker(),
		Tasks:      pool,
	}, engine.WithCASPolicy(20, time.Millisecond))
	require.NoError(t, err)
	pool.SetSink(eng)

	publisher := events.NewLoggingPublisher(nil)
	svc, err := New(Dependencies{Engine: eng, Producers: producers, Events: publisher})
	require.NoError(t, err)

	h := &harness{t: t, store: store, broker: broker, engine: eng, service: svc, publisher: publisher}
	_, err = publisher.Subscribe(ports.EventInterruptHandled, func(_ context.Context, event ports.DomainEvent) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.handled = append(h.handled, event.Payload().(events.InterruptEvent))
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctx = ctx

	require.NoError(t, broker.Subscribe(events.DefaultTopic(ports.CategoryOrchestration, eng.Module()), eng.Handle))
	require.NoError(t, broker.Subscribe(events.DefaultTopic(ports.CategoryInterrupt, svc.Module()), svc.Handle))
	if !cfg.stopped {
		go func() { _ = broker.Run(ctx) }()
		go func() { _ = pool.Run(ctx) }()
	}
	return h
}

func (h *harness) submit(plan pipeline.Plan) string {
	h.t.Helper()
	id, err := h.engine.SubmitPlan(h.ctx, engine.SubmitRequest{Plan: plan})
	require.NoError(h.t, err)
	return id
}

func (h *harness) raise(planID string, kind execution.InterruptType, target string) *execution.Interrupt {
	h.t.Helper()
	interrupt, err := h.service.Raise(h.ctx, RaiseRequest{PlanExecutionID: planID, Type: kind, TargetRuntimeID: target})
	require.NoError(h.t, err)
	return interrupt
}

// settle waits until the interrupt left REGISTERED and returns it.
func (h *harness) settle(interrupt *execution.Interrupt) *execution.Interrupt {
	h.t.Helper()
	var got *execution.Interrupt
	require.Eventually(h.t, func() bool {
		var err error
		got, err = h.store.GetInterrupt(h.ctx, interrupt.ID)
		return err == nil && got.State != execution.InterruptRegistered
	}, 5*time.Second, 5*time.Millisecond, "interrupt %s was never handled", interrupt.ID)
	return got
}

func (h *harness) waitPlan(id string) *execution.PlanExecution {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		got, err := h.store.GetPlanExecution(h.ctx, id)
		return err == nil && got.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond, "plan %s did not finish", id)
	h.idle()
	plan, err := h.store.GetPlanExecution(h.ctx, id)
	require.NoError(h.t, err)
	return plan
}

func (h *harness) idle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.broker.WaitIdle(ctx))
}

func (h *harness) plan(id string) *execution.PlanExecution {
	h.t.Helper()
	plan, err := h.store.GetPlanExecution(h.ctx, id)
	require.NoError(h.t, err)
	return plan
}

func (h *harness) execsOf(planID, nodeID string) []*execution.NodeExecution {
	h.t.Helper()
	execs, err := h.store.ListNodeExecutions(h.ctx, planID)
	require.NoError(h.t, err)
	var out []*execution.NodeExecution
	for _, exec := range execs {
		if nodeID == "" || exec.NodeID == nodeID {
			out = append(out, exec)
		}
	}
	return out
}

func (h *harness) execOf(planID, nodeID string) *execution.NodeExecution {
	h.t.Helper()
	execs := h.execsOf(planID, nodeID)
	require.Len(h.t, execs, 1, "node %s", nodeID)
	return execs[0]
}

func (h *harness) waitExec(planID, nodeID string, ready func(*execution.NodeExecution) bool) *execution.NodeExecution {
	h.t.Helper()
	var found *execution.NodeExecution
	require.Eventually(h.t, func() bool {
		execs, err := h.store.ListNodeExecutions(h.ctx, planID)
		if err != nil {
			return false
		}
		for _, exec := range execs {
			if exec.NodeID == nodeID && ready(exec) {
				found = exec
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "node %s never became ready", nodeID)
	return found
}

func (h *harness) approve(correlationID string) {
	h.t.Helper()
	payload, err := json.Marshal(strategy.ApprovalDecision{Approved: true, By: "ops"})
	require.NoError(h.t, err)
	require.Eventually(h.t, func() bool {
		return h.engine.Notify(h.ctx, correlationID, payload) == nil
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) handledEvents() []events.InterruptEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.InterruptEvent(nil), h.handled...)
}

func node(id string, stepType pipeline.StepType, params pipeline.StepParameters) pipeline.Node {
	return pipeline.Node{ID: id, Identifier: id, StepType: stepType, Parameters: params}
}

func waitNode(id string, d time.Duration) pipeline.Node {
	return node(id, pipeline.StepTypeWait, pipeline.WaitFor(d))
}

func gateNode(id, correlationID string) pipeline.Node {
	return node(id, pipeline.StepTypeApproval, pipeline.StepParameters{
		Kind:     pipeline.ParametersApproval,
		Approval: &pipeline.ApprovalParameters{CorrelationID: correlationID},
	})
}

func running(e *execution.NodeExecution) bool {
	return e.Status == execution.StatusRunning
}

func waiting(e *execution.NodeExecution) bool {
	return e.Status == execution.StatusRunning && len(e.CorrelationIDs) > 0
}

// flaky fails its first run and succeeds afterwards.
type flaky struct {
	mu   sync.Mutex
	runs int
}

func (f *flaky) strategy() strategy.SyncFunc {
	return strategy.SyncFunc{
		Type: "flaky",
		Fn: func(context.Context, strategy.Input) (execution.StepResponse, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.runs++
			if f.runs == 1 {
				return execution.StepResponse{
					Status:      execution.StatusFailed,
					FailureInfo: &execution.FailureInfo{Message: "first run fails"},
				}, nil
			}
			return execution.Succeeded(), nil
		},
	}
}
