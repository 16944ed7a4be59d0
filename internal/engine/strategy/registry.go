package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// Registry maps step types to strategies. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[pipeline.StepType]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[pipeline.StepType]Strategy)}
}

// DefaultRegistry returns a registry holding every built-in step type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []Strategy{
		NoopStep{},
		WaitStep{},
		OutputsStep{},
		ApprovalStep{},
		TaskStep{},
		StageStep{},
		ParallelStep{},
		ChainStep{},
		RollbackStep{},
	} {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Register stores s under its step type. The strategy must implement the
// interface matching its Mode.
func (r *Registry) Register(s Strategy) error {
	if s == nil {
		return fmt.Errorf("strategy is nil")
	}
	stepType := s.StepType()
	if stepType == "" {
		return fmt.Errorf("strategy step type is required")
	}
	if err := checkMode(s); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[stepType]; exists {
		return fmt.Errorf("strategy for step type %q already registered", stepType)
	}
	r.strategies[stepType] = s
	return nil
}

// Get returns the strategy for stepType. A missing strategy is fatal for
// the plan that references it.
func (r *Registry) Get(stepType pipeline.StepType) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[stepType]
	if !ok {
		return nil, pipeline.NewFatalError("strategy not registered", nil, map[string]interface{}{
			"step_type": string(stepType),
		})
	}
	return s, nil
}

// StepTypes lists registered step types in sorted order.
func (r *Registry) StepTypes() []pipeline.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]pipeline.StepType, 0, len(r.strategies))
	for t := range r.strategies {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func checkMode(s Strategy) error {
	var ok bool
	switch s.Mode() {
	case execution.ModeSync:
		_, ok = s.(Sync)
	case execution.ModeAsync:
		_, ok = s.(Async)
	case execution.ModeTask:
		_, ok = s.(Task)
	case execution.ModeChild:
		_, ok = s.(Child)
	case execution.ModeChildren:
		_, ok = s.(Children)
	case execution.ModeChildChain:
		_, ok = s.(ChildChain)
	default:
		return fmt.Errorf("strategy %q has unknown mode %q", s.StepType(), s.Mode())
	}
	if !ok {
		return fmt.Errorf("strategy %q does not implement mode %s", s.StepType(), s.Mode())
	}
	return nil
}
