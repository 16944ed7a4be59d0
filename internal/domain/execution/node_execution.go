package execution

import (
	"encoding/json"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// Mode is the execution shape of a strategy.
type Mode string

const (
	ModeSync       Mode = "SYNC"
	ModeAsync      Mode = "ASYNC"
	ModeTask       Mode = "TASK"
	ModeChild      Mode = "CHILD"
	ModeChildren   Mode = "CHILDREN"
	ModeChildChain Mode = "CHILD_CHAIN"
)

// SpawnsChildren reports whether the mode waits on child executions.
func (m Mode) SpawnsChildren() bool {
	return m == ModeChild || m == ModeChildren || m == ModeChildChain
}

// FailureInfo explains a broken outcome.
type FailureInfo struct {
	Message string `json:"errorMessage"`
	Code    string `json:"code,omitempty"`
}

// ResponseData is one response delivered to a waiting execution, keyed by
// the notify id or correlation id it answers.
type ResponseData struct {
	Key         string          `json:"key"`
	RuntimeID   string          `json:"runtimeId,omitempty"`
	NodeID      string          `json:"nodeId,omitempty"`
	Status      Status          `json:"status,omitempty"`
	FailureInfo *FailureInfo    `json:"failureInfo,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	Seq         int             `json:"seq"`
}

// NodeExecution is the mutable runtime record of one attempt at a node.
type NodeExecution struct {
	UUID            string            `json:"uuid"`
	PlanExecutionID string            `json:"planExecutionId"`
	NodeID          string            `json:"nodeId"`
	Identifier      string            `json:"identifier"`
	StepType        pipeline.StepType `json:"stepType"`
	Mode            Mode              `json:"mode,omitempty"`
	Ambiance        Ambiance          `json:"ambiance"`
	Status          Status            `json:"status"`

	ParentID   string   `json:"parentId,omitempty"`
	NotifyID   string   `json:"notifyId,omitempty"`
	ChildIndex int      `json:"childIndex"`
	RetryIDs   []string `json:"retryIds,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	StartTs   time.Time `json:"startTs"`
	EndTs     time.Time `json:"endTs"`

	FailureInfo *FailureInfo `json:"failureInfo,omitempty"`

	WaitingOn       []string        `json:"waitingOn,omitempty"`
	Responses       []ResponseData  `json:"responses,omitempty"`
	PassThroughData json.RawMessage `json:"passThroughData,omitempty"`
	LastLink        bool            `json:"lastLink,omitempty"`
	SpawnedChildren int             `json:"spawnedChildren,omitempty"`
	Throttled       bool            `json:"throttled,omitempty"`

	CorrelationIDs  []string      `json:"correlationIds,omitempty"`
	PendingResponse *StepResponse `json:"pendingResponse,omitempty"`

	Deferred            bool `json:"deferred,omitempty"`
	InterventionWaiting bool `json:"interventionWaiting,omitempty"`

	Version int64 `json:"version"`
}

// IsRoot reports whether the execution has no parent.
func (e *NodeExecution) IsRoot() bool {
	return e.ParentID == ""
}

// IsWaitingOn reports whether key is one of the awaited responses.
func (e *NodeExecution) IsWaitingOn(key string) bool {
	for _, waiting := range e.WaitingOn {
		if waiting == key {
			return true
		}
	}
	return false
}

// HasResponse reports whether a response for key was already recorded.
func (e *NodeExecution) HasResponse(key string) bool {
	for _, response := range e.Responses {
		if response.Key == key {
			return true
		}
	}
	return false
}

// ResponsesComplete reports whether every awaited response has arrived.
func (e *NodeExecution) ResponsesComplete() bool {
	if len(e.WaitingOn) == 0 {
		return false
	}
	for _, key := range e.WaitingOn {
		if !e.HasResponse(key) {
			return false
		}
	}
	return true
}

// RecordResponse appends r unless a response for the same key exists or the
// key is not awaited. It reports whether r was recorded.
func (e *NodeExecution) RecordResponse(r ResponseData) bool {
	if !e.IsWaitingOn(r.Key) || e.HasResponse(r.Key) {
		return false
	}
	r.Seq = 0
	if n := len(e.Responses); n > 0 {
		r.Seq = e.Responses[n-1].Seq + 1
	}
	e.Responses = append(e.Responses, r)
	return true
}

// WithdrawResponse drops the recorded response for key so a later one can
// take its place. It reports whether one was dropped.
func (e *NodeExecution) WithdrawResponse(key string) bool {
	for i, response := range e.Responses {
		if response.Key == key {
			e.Responses = append(e.Responses[:i:i], e.Responses[i+1:]...)
			return true
		}
	}
	return false
}

// ResponseMap returns the recorded responses keyed by response key.
func (e *NodeExecution) ResponseMap() map[string]ResponseData {
	out := make(map[string]ResponseData, len(e.Responses))
	for _, response := range e.Responses {
		out[response.Key] = response
	}
	return out
}

// Duration returns the elapsed run time, zero if not finished.
func (e *NodeExecution) Duration() time.Duration {
	if e.StartTs.IsZero() || e.EndTs.IsZero() {
		return 0
	}
	return e.EndTs.Sub(e.StartTs)
}

// Clone deep-copies the execution.
func (e *NodeExecution) Clone() *NodeExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.Ambiance = e.Ambiance.Clone()
	out.RetryIDs = append([]string(nil), e.RetryIDs...)
	out.WaitingOn = append([]string(nil), e.WaitingOn...)
	out.CorrelationIDs = append([]string(nil), e.CorrelationIDs...)
	out.PassThroughData = append(json.RawMessage(nil), e.PassThroughData...)
	if e.FailureInfo != nil {
		info := *e.FailureInfo
		out.FailureInfo = &info
	}
	if e.Responses != nil {
		out.Responses = make([]ResponseData, len(e.Responses))
		for i, response := range e.Responses {
			out.Responses[i] = response.clone()
		}
	}
	if e.PendingResponse != nil {
		pending := e.PendingResponse.Clone()
		out.PendingResponse = &pending
	}
	return &out
}

func (r ResponseData) clone() ResponseData {
	out := r
	out.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.FailureInfo != nil {
		info := *r.FailureInfo
		out.FailureInfo = &info
	}
	return out
}
