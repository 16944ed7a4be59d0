package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// DB is the subset of *sql.DB the store needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	insertPlanQuery = `INSERT INTO plan_executions (id, status, version, doc) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
	selectPlanQuery = `SELECT version, doc FROM plan_executions WHERE id = ?`
	updatePlanQuery = `UPDATE plan_executions SET status = ?, version = ?, doc = ? WHERE id = ? AND version = ?`
	listPlansQuery  = `SELECT version, doc FROM plan_executions ORDER BY id`

	insertNodeQuery = `INSERT INTO node_executions (uuid, plan_execution_id, status, version, doc) VALUES (?, ?, ?, ?, ?) ON CONFLICT (uuid) DO NOTHING`
	selectNodeQuery = `SELECT version, doc FROM node_executions WHERE uuid = ?`
	updateNodeQuery = `UPDATE node_executions SET status = ?, version = ?, doc = ? WHERE uuid = ? AND version = ?`
	listNodesQuery  = `SELECT version, doc FROM node_executions WHERE plan_execution_id = ? ORDER BY seq`

	insertInstanceQuery = `INSERT INTO concurrent_child_instances (parent_id, plan_execution_id, version, doc) VALUES (?, ?, ?, ?) ON CONFLICT (parent_id) DO NOTHING`
	selectInstanceQuery = `SELECT version, doc FROM concurrent_child_instances WHERE parent_id = ?`
	updateInstanceQuery = `UPDATE concurrent_child_instances SET version = ?, doc = ? WHERE parent_id = ? AND version = ?`

	insertInterruptQuery     = `INSERT INTO interrupts (id, plan_execution_id, state, doc) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
	selectInterruptQuery     = `SELECT doc FROM interrupts WHERE id = ?`
	listInterruptsQuery      = `SELECT doc FROM interrupts WHERE plan_execution_id = ? ORDER BY seq`
	transitionInterruptQuery = `UPDATE interrupts SET state = ?, doc = ? WHERE id = ? AND state = ?`

	insertCorrelationQuery = `INSERT INTO correlations (correlation_id, runtime_id) VALUES (?, ?) ON CONFLICT (correlation_id) DO NOTHING`
	selectCorrelationQuery = `SELECT runtime_id FROM correlations WHERE correlation_id = ?`
	claimCorrelationQuery  = `DELETE FROM correlations WHERE correlation_id = ? RETURNING runtime_id`

	insertOutputQuery   = `INSERT INTO sweeping_outputs (plan_execution_id, scope, name, producer_id, value) VALUES (?, ?, ?, ?, ?) ON CONFLICT (plan_execution_id, scope, name) DO NOTHING`
	selectProducerQuery = `SELECT producer_id FROM sweeping_outputs WHERE plan_execution_id = ? AND scope = ? AND name = ?`
	selectOutputsQuery  = `SELECT scope, value FROM sweeping_outputs WHERE plan_execution_id = ? AND name = ?`
)

// Store implements ports.ExecutionStore on database/sql.
type Store struct {
	db      DB
	closer  func() error
	dialect Dialect
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, closer: db.Close, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Dialect reports the SQL flavour in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close implements ports.ExecutionStore.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *Store) q(query string) string {
	return Rebind(s.dialect, query)
}

// CreatePlanExecution implements ports.PlanExecutionStore.
func (s *Store) CreatePlanExecution(ctx context.Context, plan *execution.PlanExecution) error {
	doc, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(insertPlanQuery), plan.ID, string(plan.Status), plan.Version, string(doc))
	if err != nil {
		return fmt.Errorf("insert plan execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ports.ErrDuplicate
	}
	return nil
}

// GetPlanExecution implements ports.PlanExecutionStore.
func (s *Store) GetPlanExecution(ctx context.Context, id string) (*execution.PlanExecution, error) {
	var plan execution.PlanExecution
	if err := s.getDoc(ctx, selectPlanQuery, id, &plan, &plan.Version); err != nil {
		return nil, err
	}
	return &plan, nil
}

// CompareAndSwapPlanExecution implements ports.PlanExecutionStore.
func (s *Store) CompareAndSwapPlanExecution(ctx context.Context, expectedVersion int64, next *execution.PlanExecution) error {
	next.Version = expectedVersion + 1
	doc, err := json.Marshal(next)
	if err != nil {
		next.Version = expectedVersion
		return fmt.Errorf("encode plan execution: %w", err)
	}
	err = s.swap(ctx, updatePlanQuery, selectPlanQuery, next.ID, expectedVersion,
		string(next.Status), next.Version, string(doc), next.ID, expectedVersion)
	if err != nil {
		next.Version = expectedVersion
	}
	return err
}

// ListPlanExecutions implements ports.PlanExecutionStore.
func (s *Store) ListPlanExecutions(ctx context.Context) ([]*execution.PlanExecution, error) {
	rows, err := s.db.QueryContext(ctx, s.q(listPlansQuery))
	if err != nil {
		return nil, fmt.Errorf("list plan executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.PlanExecution
	for rows.Next() {
		var (
			version int64
			doc     string
		)
		if err := rows.Scan(&version, &doc); err != nil {
			return nil, fmt.Errorf("scan plan execution: %w", err)
		}
		var plan execution.PlanExecution
		if err := json.Unmarshal([]byte(doc), &plan); err != nil {
			return nil, fmt.Errorf("decode plan execution: %w", err)
		}
		plan.Version = version
		out = append(out, &plan)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateNodeExecution implements ports.NodeExecutionStore.
func (s *Store) CreateNodeExecution(ctx context.Context, exec *execution.NodeExecution) (*execution.NodeExecution, bool, error) {
	doc, err := json.Marshal(exec)
	if err != nil {
		return nil, false, fmt.Errorf("encode node execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(insertNodeQuery),
		exec.UUID, exec.PlanExecutionID, string(exec.Status), exec.Version, string(doc))
	if err != nil {
		return nil, false, fmt.Errorf("insert node execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert node execution: %w", err)
	}
	if n == 1 {
		return exec.Clone(), true, nil
	}
	existing, err := s.GetNodeExecution(ctx, exec.UUID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetNodeExecution implements ports.NodeExecutionStore.
func (s *Store) GetNodeExecution(ctx context.Context, runtimeID string) (*execution.NodeExecution, error) {
	var exec execution.NodeExecution
	if err := s.getDoc(ctx, selectNodeQuery, runtimeID, &exec, &exec.Version); err != nil {
		return nil, err
	}
	return &exec, nil
}

// CompareAndSwapNodeExecution implements ports.NodeExecutionStore.
func (s *Store) CompareAndSwapNodeExecution(ctx context.Context, expectedVersion int64, next *execution.NodeExecution) error {
	next.Version = expectedVersion + 1
	doc, err := json.Marshal(next)
	if err != nil {
		next.Version = expectedVersion
		return fmt.Errorf("encode node execution: %w", err)
	}
	err = s.swap(ctx, updateNodeQuery, selectNodeQuery, next.UUID, expectedVersion,
		string(next.Status), next.Version, string(doc), next.UUID, expectedVersion)
	if err != nil {
		next.Version = expectedVersion
	}
	return err
}

// ListNodeExecutions implements ports.NodeExecutionStore.
func (s *Store) ListNodeExecutions(ctx context.Context, planExecutionID string) ([]*execution.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, s.q(listNodesQuery), planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.NodeExecution
	for rows.Next() {
		var (
			version int64
			doc     string
		)
		if err := rows.Scan(&version, &doc); err != nil {
			return nil, fmt.Errorf("scan node execution: %w", err)
		}
		var exec execution.NodeExecution
		if err := json.Unmarshal([]byte(doc), &exec); err != nil {
			return nil, fmt.Errorf("decode node execution: %w", err)
		}
		exec.Version = version
		out = append(out, &exec)
	}
	return out, rows.Err()
}

// CreateConcurrentChildInstance implements ports.ConcurrencyStore.
func (s *Store) CreateConcurrentChildInstance(ctx context.Context, instance *execution.ConcurrentChildInstance) (*execution.ConcurrentChildInstance, bool, error) {
	doc, err := json.Marshal(instance)
	if err != nil {
		return nil, false, fmt.Errorf("encode concurrent child instance: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(insertInstanceQuery),
		instance.ParentRuntimeID, instance.PlanExecutionID, instance.Version, string(doc))
	if err != nil {
		return nil, false, fmt.Errorf("insert concurrent child instance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return instance.Clone(), true, nil
	}
	existing, err := s.GetConcurrentChildInstance(ctx, instance.ParentRuntimeID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetConcurrentChildInstance implements ports.ConcurrencyStore.
func (s *Store) GetConcurrentChildInstance(ctx context.Context, parentRuntimeID string) (*execution.ConcurrentChildInstance, error) {
	var instance execution.ConcurrentChildInstance
	if err := s.getDoc(ctx, selectInstanceQuery, parentRuntimeID, &instance, &instance.Version); err != nil {
		return nil, err
	}
	return &instance, nil
}

// CompareAndSwapConcurrentChildInstance implements ports.ConcurrencyStore.
func (s *Store) CompareAndSwapConcurrentChildInstance(ctx context.Context, expectedVersion int64, next *execution.ConcurrentChildInstance) error {
	next.Version = expectedVersion + 1
	doc, err := json.Marshal(next)
	if err != nil {
		next.Version = expectedVersion
		return fmt.Errorf("encode concurrent child instance: %w", err)
	}
	err = s.swap(ctx, updateInstanceQuery, selectInstanceQuery, next.ParentRuntimeID, expectedVersion,
		next.Version, string(doc), next.ParentRuntimeID, expectedVersion)
	if err != nil {
		next.Version = expectedVersion
	}
	return err
}

// CreateInterrupt implements ports.InterruptStore.
func (s *Store) CreateInterrupt(ctx context.Context, interrupt *execution.Interrupt) error {
	doc, err := json.Marshal(interrupt)
	if err != nil {
		return fmt.Errorf("encode interrupt: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(insertInterruptQuery),
		interrupt.ID, interrupt.PlanExecutionID, string(interrupt.State), string(doc))
	if err != nil {
		return fmt.Errorf("insert interrupt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ports.ErrDuplicate
	}
	return nil
}

// GetInterrupt implements ports.InterruptStore.
func (s *Store) GetInterrupt(ctx context.Context, id string) (*execution.Interrupt, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.q(selectInterruptQuery), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select interrupt: %w", err)
	}
	var interrupt execution.Interrupt
	if err := json.Unmarshal([]byte(doc), &interrupt); err != nil {
		return nil, fmt.Errorf("decode interrupt: %w", err)
	}
	return &interrupt, nil
}

// ListInterrupts implements ports.InterruptStore.
func (s *Store) ListInterrupts(ctx context.Context, planExecutionID string) ([]*execution.Interrupt, error) {
	rows, err := s.db.QueryContext(ctx, s.q(listInterruptsQuery), planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list interrupts: %w", err)
	}
	defer rows.Close()

	var out []*execution.Interrupt
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan interrupt: %w", err)
		}
		var interrupt execution.Interrupt
		if err := json.Unmarshal([]byte(doc), &interrupt); err != nil {
			return nil, fmt.Errorf("decode interrupt: %w", err)
		}
		out = append(out, &interrupt)
	}
	return out, rows.Err()
}

// TransitionInterrupt implements ports.InterruptStore.
func (s *Store) TransitionInterrupt(ctx context.Context, id string, state execution.InterruptState, reason string) (bool, error) {
	interrupt, err := s.GetInterrupt(ctx, id)
	if err != nil {
		return false, err
	}
	if interrupt.State != execution.InterruptRegistered {
		return false, nil
	}
	interrupt.State = state
	interrupt.Reason = reason
	doc, err := json.Marshal(interrupt)
	if err != nil {
		return false, fmt.Errorf("encode interrupt: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(transitionInterruptQuery),
		string(state), string(doc), id, string(execution.InterruptRegistered))
	if err != nil {
		return false, fmt.Errorf("update interrupt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update interrupt: %w", err)
	}
	return n == 1, nil
}

// RegisterCorrelation implements ports.CorrelationStore.
func (s *Store) RegisterCorrelation(ctx context.Context, correlationID, runtimeID string) error {
	res, err := s.db.ExecContext(ctx, s.q(insertCorrelationQuery), correlationID, runtimeID)
	if err != nil {
		return fmt.Errorf("insert correlation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	var existing string
	if err := s.db.QueryRowContext(ctx, s.q(selectCorrelationQuery), correlationID).Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.RegisterCorrelation(ctx, correlationID, runtimeID)
		}
		return fmt.Errorf("select correlation: %w", err)
	}
	if existing != runtimeID {
		return ports.ErrDuplicate
	}
	return nil
}

// ClaimCorrelation implements ports.CorrelationStore.
func (s *Store) ClaimCorrelation(ctx context.Context, correlationID string) (string, error) {
	var runtimeID string
	err := s.db.QueryRowContext(ctx, s.q(claimCorrelationQuery), correlationID).Scan(&runtimeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ports.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("claim correlation: %w", err)
	}
	return runtimeID, nil
}

// ConsumeOutput implements ports.OutputStore.
func (s *Store) ConsumeOutput(ctx context.Context, record execution.OutputRecord) error {
	res, err := s.db.ExecContext(ctx, s.q(insertOutputQuery),
		record.PlanExecutionID, record.Scope, record.Name, record.ProducerID, string(record.Value))
	if err != nil {
		return fmt.Errorf("insert output: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	var producer string
	if err := s.db.QueryRowContext(ctx, s.q(selectProducerQuery), record.PlanExecutionID, record.Scope, record.Name).Scan(&producer); err != nil {
		return fmt.Errorf("select output producer: %w", err)
	}
	if producer != record.ProducerID {
		return ports.ErrDuplicate
	}
	return nil
}

// ResolveOutput implements ports.OutputStore.
func (s *Store) ResolveOutput(ctx context.Context, planExecutionID string, scopes []string, name string) (json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.q(selectOutputsQuery), planExecutionID, name)
	if err != nil {
		return nil, fmt.Errorf("select outputs: %w", err)
	}
	defer rows.Close()

	byScope := make(map[string]string)
	for rows.Next() {
		var scope, value string
		if err := rows.Scan(&scope, &value); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		byScope[scope] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, scope := range scopes {
		if value, ok := byScope[scope]; ok {
			return json.RawMessage(value), nil
		}
	}
	return nil, ports.ErrNotFound
}

func (s *Store) getDoc(ctx context.Context, query, id string, target any, version *int64) error {
	var (
		v   int64
		doc string
	)
	err := s.db.QueryRowContext(ctx, s.q(query), id).Scan(&v, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(doc), target); err != nil {
		return fmt.Errorf("decode %s: %w", id, err)
	}
	*version = v
	return nil
}

func (s *Store) swap(ctx context.Context, update, lookup, id string, expected int64, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(update), args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var (
		version int64
		doc     string
	)
	err = s.db.QueryRowContext(ctx, s.q(lookup), id).Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s expected version %d, found %d", ports.ErrVersionConflict, id, expected, version)
}

var _ ports.ExecutionStore = (*Store)(nil)
