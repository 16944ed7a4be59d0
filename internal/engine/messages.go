package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// InitiateRequest asks the engine to create a node execution.
type InitiateRequest struct {
	PlanExecutionID string `json:"planExecutionId"`
	// Ambiance is the parent's ambiance; the new level is pushed on a copy.
	Ambiance         execution.Ambiance          `json:"ambiance"`
	NodeID           string                      `json:"nodeId"`
	RuntimeID        string                      `json:"runtimeId"`
	NotifyID         string                      `json:"notifyId,omitempty"`
	ParentID         string                      `json:"parentId,omitempty"`
	ChildIndex       int                         `json:"childIndex"`
	RetryIDs         []string                    `json:"retryIds,omitempty"`
	StrategyMetadata *execution.StrategyMetadata `json:"strategyMetadata,omitempty"`
	// Start publishes a start event once the execution exists.
	Start bool `json:"start"`
}

type startMessage struct {
	RuntimeID string `json:"runtimeId"`
}

type resumeMessage struct {
	RuntimeID string                   `json:"runtimeId"`
	Responses []execution.ResponseData `json:"responses,omitempty"`
}

// Handle consumes one orchestration message. Fatal errors were already
// handled by erroring out the plan and are not returned, so the broker does
// not redeliver them. An update that kept conflicting fails the node it was
// writing.
func (e *Engine) Handle(ctx context.Context, msg ports.Message) error {
	var (
		err       error
		runtimeID string
	)
	switch msg.Kind {
	case ports.KindInitiateNode:
		var req InitiateRequest
		if err = decode(msg, &req); err == nil {
			runtimeID = req.RuntimeID
			_, err = e.InitiateNode(ctx, req)
		}
	case ports.KindStartNode:
		var payload startMessage
		if err = decode(msg, &payload); err == nil {
			runtimeID = payload.RuntimeID
			err = e.StartNodeExecution(ctx, payload.RuntimeID)
		}
	case ports.KindResumeNode:
		var payload resumeMessage
		if err = decode(msg, &payload); err == nil {
			runtimeID = payload.RuntimeID
			err = e.ResumeNodeExecution(ctx, payload.RuntimeID, payload.Responses)
		}
	default:
		e.logger.Warn(ctx, "dropping message of unknown kind", "event_kind", msg.Kind, "message_id", msg.ID)
		return nil
	}

	switch {
	case err == nil || pipeline.IsFatal(err):
		return nil
	case pipeline.IsConflict(err):
		return e.failConflicted(ctx, runtimeID, err)
	}
	return err
}

// failConflicted moves the execution whose update kept conflicting to
// FAILED and lets its parent or the plan react. The conflicting record
// named in the error wins over the message's runtime id.
func (e *Engine) failConflicted(ctx context.Context, runtimeID string, cause error) error {
	var derr *pipeline.DomainError
	if errors.As(cause, &derr) {
		if id, ok := derr.Context["runtime_id"].(string); ok && id != "" {
			runtimeID = id
		}
	}
	if runtimeID == "" {
		return cause
	}

	updated, changed, err := e.ForceStatus(ctx, runtimeID, execution.StatusFailed, &execution.FailureInfo{
		Message: cause.Error(),
		Code:    string(pipeline.ErrCodeConflict),
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	if !changed {
		return nil
	}
	e.logger.Warn(ctx, "node failed after conflicting updates",
		"plan_execution_id", updated.PlanExecutionID,
		"runtime_id", runtimeID,
		"error", cause,
	)
	e.ReleaseWaits(ctx, updated)
	return e.CompleteNode(ctx, updated)
}

func decode(msg ports.Message, target any) error {
	if err := json.Unmarshal(msg.Payload, target); err != nil {
		return pipeline.NewFatalError("undecodable message", err, map[string]interface{}{
			"message_id": msg.ID,
			"kind":       string(msg.Kind),
		})
	}
	return nil
}

func (e *Engine) send(ctx context.Context, kind ports.EventKind, payload any) error {
	producer, err := e.producers.Producer(ports.CategoryOrchestration, e.module)
	if err != nil {
		return err
	}
	if _, err := producer.Send(ctx, kind, payload); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

// PublishInitiate schedules InitiateNode.
func (e *Engine) PublishInitiate(ctx context.Context, req InitiateRequest) error {
	return e.send(ctx, ports.KindInitiateNode, req)
}

// PublishStart schedules StartNodeExecution for runtimeID.
func (e *Engine) PublishStart(ctx context.Context, runtimeID string) error {
	return e.send(ctx, ports.KindStartNode, startMessage{RuntimeID: runtimeID})
}

// PublishResume schedules ResumeNodeExecution for runtimeID.
func (e *Engine) PublishResume(ctx context.Context, runtimeID string, responses ...execution.ResponseData) error {
	return e.send(ctx, ports.KindResumeNode, resumeMessage{RuntimeID: runtimeID, Responses: responses})
}
