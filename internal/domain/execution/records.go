package execution

import (
	"encoding/json"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// PlanExecution is one run of a plan.
type PlanExecution struct {
	ID                string            `json:"planExecutionId"`
	Plan              pipeline.Plan     `json:"plan"`
	SetupAbstractions map[string]string `json:"setupAbstractions,omitempty"`
	Status            Status            `json:"status"`
	RootRuntimeID     string            `json:"rootRuntimeId"`
	CreatedAt         time.Time         `json:"createdAt"`
	StartTs           time.Time         `json:"startTs"`
	EndTs             time.Time         `json:"endTs"`
	FailureInfo       *FailureInfo      `json:"failureInfo,omitempty"`
	// RollbackOf links a rollback run to the forward run it compensates.
	RollbackOf string `json:"rollbackOf,omitempty"`
	// RollbackID points a forward run at its rollback run.
	RollbackID string `json:"rollbackId,omitempty"`
	Version    int64  `json:"version"`
}

// Clone deep-copies the plan execution. The plan itself is immutable and
// shared.
func (p *PlanExecution) Clone() *PlanExecution {
	if p == nil {
		return nil
	}
	out := *p
	out.SetupAbstractions = copyStrings(p.SetupAbstractions)
	if p.FailureInfo != nil {
		info := *p.FailureInfo
		out.FailureInfo = &info
	}
	return &out
}

// ConcurrentChildInstance tracks the launch cursor of a throttled fan-out.
type ConcurrentChildInstance struct {
	ParentRuntimeID    string   `json:"parentNodeExecutionId"`
	PlanExecutionID    string   `json:"planExecutionId"`
	ChildrenRuntimeIDs []string `json:"childrenNodeExecutionIds"`
	MaxConcurrency     int      `json:"maxConcurrency"`
	Cursor             int      `json:"cursor"`
	Version            int64    `json:"version"`
}

// Exhausted reports whether every child has been launched.
func (c *ConcurrentChildInstance) Exhausted() bool {
	return c.Cursor >= len(c.ChildrenRuntimeIDs)
}

// Clone deep-copies the instance.
func (c *ConcurrentChildInstance) Clone() *ConcurrentChildInstance {
	if c == nil {
		return nil
	}
	out := *c
	out.ChildrenRuntimeIDs = append([]string(nil), c.ChildrenRuntimeIDs...)
	return &out
}

// InterruptType enumerates operator interventions.
type InterruptType string

const (
	InterruptAbortAll      InterruptType = "ABORT_ALL"
	InterruptExpireAll     InterruptType = "EXPIRE_ALL"
	InterruptPause         InterruptType = "PAUSE"
	InterruptResume        InterruptType = "RESUME"
	InterruptRetry         InterruptType = "RETRY"
	InterruptMarkAsSuccess InterruptType = "MARK_AS_SUCCESS"
)

// Valid reports whether t is a known interrupt type.
func (t InterruptType) Valid() bool {
	switch t {
	case InterruptAbortAll, InterruptExpireAll, InterruptPause, InterruptResume,
		InterruptRetry, InterruptMarkAsSuccess:
		return true
	}
	return false
}

// RequiresTarget reports whether the interrupt must name a node execution.
func (t InterruptType) RequiresTarget() bool {
	return t == InterruptRetry || t == InterruptMarkAsSuccess
}

// InterruptState is the processing state of an interrupt.
type InterruptState string

const (
	InterruptRegistered InterruptState = "REGISTERED"
	InterruptProcessed  InterruptState = "PROCESSED"
	InterruptDiscarded  InterruptState = "DISCARDED"
)

// Interrupt is an operator request against a plan execution or one of its
// node executions.
type Interrupt struct {
	ID              string         `json:"interruptId"`
	Type            InterruptType  `json:"type"`
	PlanExecutionID string         `json:"planExecutionId"`
	TargetRuntimeID string         `json:"targetNodeExecutionId,omitempty"`
	NotifyID        string         `json:"notifyId"`
	State           InterruptState `json:"state"`
	Reason          string         `json:"reason,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	ProcessedAt     time.Time      `json:"processedAt"`
}

// TaskResult is the wire form of a task outcome.
type TaskResult struct {
	Status Status          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OutputRecord is a persisted sweeping output.
type OutputRecord struct {
	PlanExecutionID string          `json:"planExecutionId"`
	Scope           string          `json:"scope"`
	Name            string          `json:"name"`
	ProducerID      string          `json:"producerId"`
	Value           json.RawMessage `json:"value"`
}
