// Package engine drives plan executions. Every entry point runs until the
// node it handles reaches a suspension point and then returns; follow-up
// work is published on the bus and picked up by Handle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/engine/strategy"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
	"github.com/alexisbeaulieu97/pipewright/internal/rollback"
)

// DefaultModule is the module name the engine consumes orchestration
// events as.
const DefaultModule = "engine"

// Dependencies are the collaborators an Engine is built from. Store,
// Strategies, Producers and Locker are required.
type Dependencies struct {
	Store      ports.ExecutionStore
	Strategies *strategy.Registry
	Producers  ports.ProducerProvider
	Locker     ports.Locker
	Tasks      ports.TaskDispatcher
	Observer   ports.Observer
	Logger     ports.Logger
}

// Validate reports missing required dependencies.
func (d Dependencies) Validate() error {
	switch {
	case d.Store == nil:
		return fmt.Errorf("engine: store is required")
	case d.Strategies == nil:
		return fmt.Errorf("engine: strategy registry is required")
	case d.Producers == nil:
		return fmt.Errorf("engine: producer provider is required")
	case d.Locker == nil:
		return fmt.Errorf("engine: locker is required")
	}
	return nil
}

// Engine is the orchestration dispatcher.
type Engine struct {
	store      ports.ExecutionStore
	strategies *strategy.Registry
	producers  ports.ProducerProvider
	locker     ports.Locker
	tasks      ports.TaskDispatcher
	observer   ports.Observer
	logger     ports.Logger
	planner    *rollback.Planner

	module      string
	casAttempts int
	casBackoff  time.Duration
	lockTTL     time.Duration
	now         func() time.Time

	plansMu sync.RWMutex
	plans   map[string]*planView

	runningMu sync.Mutex
	running   map[string]context.CancelFunc

	controller *ConcurrencyController
}

// Option configures an Engine.
type Option func(*Engine)

// WithModule overrides the module name used to resolve producers.
func WithModule(module string) Option {
	return func(e *Engine) {
		if module != "" {
			e.module = module
		}
	}
}

// WithCASPolicy sets the bounded retry policy for version conflicts.
func WithCASPolicy(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.casAttempts = attempts
		}
		if backoff >= 0 {
			e.casBackoff = backoff
		}
	}
}

// WithLockTTL sets the lease length of the per-parent concurrency lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRollbackPlanner replaces the rollback planner.
func WithRollbackPlanner(planner *rollback.Planner) Option {
	return func(e *Engine) {
		if planner != nil {
			e.planner = planner
		}
	}
}

// New constructs an Engine.
func New(deps Dependencies, opts ...Option) (*Engine, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:       deps.Store,
		strategies:  deps.Strategies,
		producers:   deps.Producers,
		locker:      deps.Locker,
		tasks:       deps.Tasks,
		observer:    deps.Observer,
		logger:      deps.Logger,
		planner:     rollback.NewPlanner(),
		module:      DefaultModule,
		casAttempts: 5,
		casBackoff:  10 * time.Millisecond,
		lockTTL:     10 * time.Second,
		now:         time.Now,
		plans:       make(map[string]*planView),
		running:     make(map[string]context.CancelFunc),
	}
	e.logger = logging.OrNoOp(e.logger)
	if e.observer == nil {
		e.observer = noopObserver{}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.controller = &ConcurrencyController{engine: e}
	return e, nil
}

// Module is the module name orchestration events are addressed to.
func (e *Engine) Module() string {
	return e.module
}

// Store exposes the execution store the engine writes to.
func (e *Engine) Store() ports.ExecutionStore {
	return e.store
}

// Logger returns the engine logger.
func (e *Engine) Logger() ports.Logger {
	return e.logger
}

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time {
	return e.now()
}

type planView struct {
	plan  pipeline.Plan
	index map[string]pipeline.Node
}

func (v *planView) node(id string) (pipeline.Node, bool) {
	node, ok := v.index[id]
	return node, ok
}

// planFor returns the immutable plan of a plan execution, caching it.
func (e *Engine) planFor(ctx context.Context, planExecutionID string) (*planView, error) {
	e.plansMu.RLock()
	view, ok := e.plans[planExecutionID]
	e.plansMu.RUnlock()
	if ok {
		return view, nil
	}

	record, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load plan execution %s: %w", planExecutionID, err)
	}
	return e.cachePlan(planExecutionID, record.Plan), nil
}

func (e *Engine) cachePlan(planExecutionID string, plan pipeline.Plan) *planView {
	view := &planView{plan: plan, index: plan.Index()}
	e.plansMu.Lock()
	defer e.plansMu.Unlock()
	if existing, ok := e.plans[planExecutionID]; ok {
		return existing
	}
	e.plans[planExecutionID] = view
	return view
}

func (e *Engine) trackRunning(runtimeID string, cancel context.CancelFunc) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	e.running[runtimeID] = cancel
}

func (e *Engine) untrackRunning(runtimeID string) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	delete(e.running, runtimeID)
}

// cancelRunning stops an in-process sync step, if any.
func (e *Engine) cancelRunning(runtimeID string) {
	e.runningMu.Lock()
	cancel, ok := e.running[runtimeID]
	e.runningMu.Unlock()
	if ok {
		cancel()
	}
}

type noopObserver struct{}

func (noopObserver) OnStart(context.Context, string, execution.Status) {}

func (noopObserver) OnNodeStatusUpdate(context.Context, ports.NodeStatusUpdate) {}

func (noopObserver) OnEnd(context.Context, string, execution.Status) {}
