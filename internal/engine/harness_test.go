package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/engine/strategy"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/events"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/lock"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/store/memory"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/tasks"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// recordingStore wraps the memory store and records what the engine
// writes.
type recordingStore struct {
	*memory.Store

	mu         sync.Mutex
	cursors    map[string][]int
	history    map[string][]execution.Status
	running    map[string]bool
	maxRunning int
	watchType  pipeline.StepType

	// beforeNodeSwap runs ahead of every node write; an error fails it.
	beforeNodeSwap func(next *execution.NodeExecution) error
	// instancesGone hides every concurrent child instance once set.
	instancesGone atomic.Bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		Store:   memory.New(),
		cursors: make(map[string][]int),
		history: make(map[string][]execution.Status),
		running: make(map[string]bool),
	}
}

func (s *recordingStore) CreateNodeExecution(ctx context.Context, exec *execution.NodeExecution) (*execution.NodeExecution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, created, err := s.Store.CreateNodeExecution(ctx, exec)
	if err == nil && created {
		s.history[stored.UUID] = append(s.history[stored.UUID], stored.Status)
	}
	return stored, created, err
}

func (s *recordingStore) CompareAndSwapNodeExecution(ctx context.Context, expectedVersion int64, next *execution.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeNodeSwap != nil {
		if err := s.beforeNodeSwap(next); err != nil {
			return err
		}
	}
	if err := s.Store.CompareAndSwapNodeExecution(ctx, expectedVersion, next); err != nil {
		return err
	}
	statuses := s.history[next.UUID]
	if len(statuses) == 0 || statuses[len(statuses)-1] != next.Status {
		s.history[next.UUID] = append(statuses, next.Status)
	}
	if s.watchType != "" && next.StepType == s.watchType {
		if next.Status == execution.StatusRunning {
			s.running[next.UUID] = true
		} else {
			delete(s.running, next.UUID)
		}
		if len(s.running) > s.maxRunning {
			s.maxRunning = len(s.running)
		}
	}
	return nil
}

func (s *recordingStore) CreateConcurrentChildInstance(ctx context.Context, instance *execution.ConcurrentChildInstance) (*execution.ConcurrentChildInstance, bool, error) {
	stored, created, err := s.Store.CreateConcurrentChildInstance(ctx, instance)
	if err == nil && created {
		s.mu.Lock()
		s.cursors[stored.ParentRuntimeID] = append(s.cursors[stored.ParentRuntimeID], stored.Cursor)
		s.mu.Unlock()
	}
	return stored, created, err
}

func (s *recordingStore) GetConcurrentChildInstance(ctx context.Context, parentRuntimeID string) (*execution.ConcurrentChildInstance, error) {
	if s.instancesGone.Load() {
		return nil, ports.ErrNotFound
	}
	return s.Store.GetConcurrentChildInstance(ctx, parentRuntimeID)
}

func (s *recordingStore) CompareAndSwapConcurrentChildInstance(ctx context.Context, expectedVersion int64, next *execution.ConcurrentChildInstance) error {
	if err := s.Store.CompareAndSwapConcurrentChildInstance(ctx, expectedVersion, next); err != nil {
		return err
	}
	s.mu.Lock()
	s.cursors[next.ParentRuntimeID] = append(s.cursors[next.ParentRuntimeID], next.Cursor)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) cursorTrail(parentRuntimeID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.cursors[parentRuntimeID]...)
}

func (s *recordingStore) statusTrail(runtimeID string) []execution.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execution.Status(nil), s.history[runtimeID]...)
}

func (s *recordingStore) peakRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRunning
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *recordingStore
	broker   *events.Broker
	registry *strategy.Registry
	engine   *Engine
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	store       *recordingStore
	paused      bool
	strats      []strategy.Strategy
	casAttempts int
}

func withStore(store *recordingStore) harnessOption {
	return func(c *harnessConfig) { c.store = store }
}

// withoutConsumers leaves the broker stopped so published work piles up.
func withoutConsumers() harnessOption {
	return func(c *harnessConfig) { c.paused = true }
}

func withCASAttempts(n int) harnessOption {
	return func(c *harnessConfig) { c.casAttempts = n }
}

func withStrategies(s ...strategy.Strategy) harnessOption {
	return func(c *harnessConfig) { c.strats = append(c.strats, s...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{casAttempts: 20}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = newRecordingStore()
	}

	broker := events.NewBroker(events.BrokerOptions{RedeliveryBackoff: time.Millisecond}, nil)
	producers := events.NewProducerCache(broker, nil)
	pool := tasks.NewPool(tasks.Options{Workers: 2}, nil)
	require.NoError(t, tasks.RegisterBuiltins(pool))

	registry := strategy.DefaultRegistry()
	for _, s := range cfg.strats {
		require.NoError(t, registry.Register(s))
	}

	eng, err := New(Dependencies{
		Store:      cfg.store,
		Strategies: registry,
		Producers:  producers,
		Locker:     lock.NewKeyedLocker(),
		Tasks:      pool,
	}, WithCASPolicy(cfg.casAttempts, time.Millisecond))
	require.NoError(t, err)
	pool.SetSink(eng)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, broker.Subscribe(events.DefaultTopic(ports.CategoryOrchestration, eng.Module()), eng.Handle))
	if !cfg.paused {
		go func() { _ = broker.Run(ctx) }()
		go func() { _ = pool.Run(ctx) }()
	}

	return &harness{t: t, ctx: ctx, store: cfg.store, broker: broker, registry: registry, engine: eng}
}

func (h *harness) submit(plan pipeline.Plan) string {
	h.t.Helper()
	id, err := h.engine.SubmitPlan(h.ctx, SubmitRequest{Plan: plan})
	require.NoError(h.t, err)
	return id
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

func (h *harness) execsOf(planID string) []*execution.NodeExecution {
	h.t.Helper()
	execs, err := h.store.ListNodeExecutions(h.ctx, planID)
	require.NoError(h.t, err)
	return execs
}

func (h *harness) execOf(planID, nodeID string) *execution.NodeExecution {
	h.t.Helper()
	for _, exec := range h.execsOf(planID) {
		if exec.NodeID == nodeID {
			return exec
		}
	}
	return nil
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

func node(id string, stepType pipeline.StepType, params pipeline.StepParameters) pipeline.Node {
	return pipeline.Node{ID: id, Identifier: id, StepType: stepType, Parameters: params}
}

func waitNode(id string, d time.Duration) pipeline.Node {
	return node(id, pipeline.StepTypeWait, pipeline.WaitFor(d))
}

func failingNode(id, message string) pipeline.Node {
	return node(id, pipeline.StepTypeWait, pipeline.StepParameters{
		Kind: pipeline.ParametersWait,
		Wait: &pipeline.WaitParameters{Outcome: string(execution.StatusFailed), Message: message},
	})
}

// orderRecorder is a sync step type that records the order nodes ran in.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) strategy(stepType pipeline.StepType) strategy.SyncFunc {
	return strategy.SyncFunc{
		Type: stepType,
		Fn: func(_ context.Context, in strategy.Input) (execution.StepResponse, error) {
			r.mu.Lock()
			r.order = append(r.order, in.Node.ID)
			r.mu.Unlock()
			return execution.Succeeded(), nil
		},
	}
}

func (r *orderRecorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}
