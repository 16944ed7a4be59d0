// Package memory provides the in-process execution store used by tests and
// single-process runs.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// Store keeps every record in maps guarded by one mutex. Records are cloned
// on the way in and out so callers never share memory with the store.
type Store struct {
	mu           sync.RWMutex
	plans        map[string]*execution.PlanExecution
	nodes        map[string]*execution.NodeExecution
	nodesByPlan  map[string][]string
	instances    map[string]*execution.ConcurrentChildInstance
	interrupts   map[string]*execution.Interrupt
	intsByPlan   map[string][]string
	correlations map[string]string
	outputs      map[outputKey]execution.OutputRecord
}

type outputKey struct {
	plan  string
	scope string
	name  string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		plans:        make(map[string]*execution.PlanExecution),
		nodes:        make(map[string]*execution.NodeExecution),
		nodesByPlan:  make(map[string][]string),
		instances:    make(map[string]*execution.ConcurrentChildInstance),
		interrupts:   make(map[string]*execution.Interrupt),
		intsByPlan:   make(map[string][]string),
		correlations: make(map[string]string),
		outputs:      make(map[outputKey]execution.OutputRecord),
	}
}

// Close implements ports.ExecutionStore.
func (s *Store) Close() error { return nil }

// CreatePlanExecution implements ports.PlanExecutionStore.
func (s *Store) CreatePlanExecution(_ context.Context, plan *execution.PlanExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[plan.ID]; exists {
		return ports.ErrDuplicate
	}
	stored := plan.Clone()
	s.plans[plan.ID] = stored
	return nil
}

// GetPlanExecution implements ports.PlanExecutionStore.
func (s *Store) GetPlanExecution(_ context.Context, id string) (*execution.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return plan.Clone(), nil
}

// CompareAndSwapPlanExecution implements ports.PlanExecutionStore.
func (s *Store) CompareAndSwapPlanExecution(_ context.Context, expectedVersion int64, next *execution.PlanExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.plans[next.ID]
	if !ok {
		return ports.ErrNotFound
	}
	if current.Version != expectedVersion {
		return ports.ErrVersionConflict
	}
	next.Version = expectedVersion + 1
	s.plans[next.ID] = next.Clone()
	return nil
}

// ListPlanExecutions implements ports.PlanExecutionStore.
func (s *Store) ListPlanExecutions(_ context.Context) ([]*execution.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*execution.PlanExecution, 0, len(s.plans))
	for _, plan := range s.plans {
		out = append(out, plan.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateNodeExecution implements ports.NodeExecutionStore.
func (s *Store) CreateNodeExecution(_ context.Context, exec *execution.NodeExecution) (*execution.NodeExecution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.nodes[exec.UUID]; ok {
		return existing.Clone(), false, nil
	}
	stored := exec.Clone()
	s.nodes[exec.UUID] = stored
	s.nodesByPlan[exec.PlanExecutionID] = append(s.nodesByPlan[exec.PlanExecutionID], exec.UUID)
	return stored.Clone(), true, nil
}

// GetNodeExecution implements ports.NodeExecutionStore.
func (s *Store) GetNodeExecution(_ context.Context, runtimeID string) (*execution.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.nodes[runtimeID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return exec.Clone(), nil
}

// CompareAndSwapNodeExecution implements ports.NodeExecutionStore.
func (s *Store) CompareAndSwapNodeExecution(_ context.Context, expectedVersion int64, next *execution.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.nodes[next.UUID]
	if !ok {
		return ports.ErrNotFound
	}
	if current.Version != expectedVersion {
		return ports.ErrVersionConflict
	}
	next.Version = expectedVersion + 1
	s.nodes[next.UUID] = next.Clone()
	return nil
}

// ListNodeExecutions implements ports.NodeExecutionStore.
func (s *Store) ListNodeExecutions(_ context.Context, planExecutionID string) ([]*execution.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.nodesByPlan[planExecutionID]
	out := make([]*execution.NodeExecution, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.nodes[id].Clone())
	}
	return out, nil
}

// CreateConcurrentChildInstance implements ports.ConcurrencyStore.
func (s *Store) CreateConcurrentChildInstance(_ context.Context, instance *execution.ConcurrentChildInstance) (*execution.ConcurrentChildInstance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[instance.ParentRuntimeID]; ok {
		return existing.Clone(), false, nil
	}
	s.instances[instance.ParentRuntimeID] = instance.Clone()
	return instance.Clone(), true, nil
}

// GetConcurrentChildInstance implements ports.ConcurrencyStore.
func (s *Store) GetConcurrentChildInstance(_ context.Context, parentRuntimeID string) (*execution.ConcurrentChildInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[parentRuntimeID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return instance.Clone(), nil
}

// CompareAndSwapConcurrentChildInstance implements ports.ConcurrencyStore.
func (s *Store) CompareAndSwapConcurrentChildInstance(_ context.Context, expectedVersion int64, next *execution.ConcurrentChildInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[next.ParentRuntimeID]
	if !ok {
		return ports.ErrNotFound
	}
	if current.Version != expectedVersion {
		return ports.ErrVersionConflict
	}
	next.Version = expectedVersion + 1
	s.instances[next.ParentRuntimeID] = next.Clone()
	return nil
}

// CreateInterrupt implements ports.InterruptStore.
func (s *Store) CreateInterrupt(_ context.Context, interrupt *execution.Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.interrupts[interrupt.ID]; exists {
		return ports.ErrDuplicate
	}
	stored := *interrupt
	s.interrupts[interrupt.ID] = &stored
	s.intsByPlan[interrupt.PlanExecutionID] = append(s.intsByPlan[interrupt.PlanExecutionID], interrupt.ID)
	return nil
}

// GetInterrupt implements ports.InterruptStore.
func (s *Store) GetInterrupt(_ context.Context, id string) (*execution.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	interrupt, ok := s.interrupts[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	out := *interrupt
	return &out, nil
}

// ListInterrupts implements ports.InterruptStore.
func (s *Store) ListInterrupts(_ context.Context, planExecutionID string) ([]*execution.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.intsByPlan[planExecutionID]
	out := make([]*execution.Interrupt, 0, len(ids))
	for _, id := range ids {
		interrupt := *s.interrupts[id]
		out = append(out, &interrupt)
	}
	return out, nil
}

// TransitionInterrupt implements ports.InterruptStore.
func (s *Store) TransitionInterrupt(_ context.Context, id string, state execution.InterruptState, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	interrupt, ok := s.interrupts[id]
	if !ok {
		return false, ports.ErrNotFound
	}
	if interrupt.State != execution.InterruptRegistered {
		return false, nil
	}
	interrupt.State = state
	interrupt.Reason = reason
	return true, nil
}

// RegisterCorrelation implements ports.CorrelationStore.
func (s *Store) RegisterCorrelation(_ context.Context, correlationID, runtimeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.correlations[correlationID]; ok && existing != runtimeID {
		return ports.ErrDuplicate
	}
	s.correlations[correlationID] = runtimeID
	return nil
}

// ClaimCorrelation implements ports.CorrelationStore.
func (s *Store) ClaimCorrelation(_ context.Context, correlationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runtimeID, ok := s.correlations[correlationID]
	if !ok {
		return "", ports.ErrNotFound
	}
	delete(s.correlations, correlationID)
	return runtimeID, nil
}

// ConsumeOutput implements ports.OutputStore.
func (s *Store) ConsumeOutput(_ context.Context, record execution.OutputRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outputKey{plan: record.PlanExecutionID, scope: record.Scope, name: record.Name}
	if existing, ok := s.outputs[key]; ok {
		if existing.ProducerID == record.ProducerID {
			return nil
		}
		return ports.ErrDuplicate
	}
	record.Value = append(json.RawMessage(nil), record.Value...)
	s.outputs[key] = record
	return nil
}

// ResolveOutput implements ports.OutputStore.
func (s *Store) ResolveOutput(_ context.Context, planExecutionID string, scopes []string, name string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, scope := range scopes {
		if record, ok := s.outputs[outputKey{plan: planExecutionID, scope: scope, name: name}]; ok {
			return append(json.RawMessage(nil), record.Value...), nil
		}
	}
	return nil, ports.ErrNotFound
}

var _ ports.ExecutionStore = (*Store)(nil)
