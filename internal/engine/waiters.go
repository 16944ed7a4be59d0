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

var _ ports.TaskResultSink = (*Engine)(nil)

// Notify delivers an external response to the execution waiting on
// correlationID. A correlation is answered at most once.
func (e *Engine) Notify(ctx context.Context, correlationID string, payload json.RawMessage) error {
	runtimeID, err := e.store.ClaimCorrelation(ctx, correlationID)
	if errors.Is(err, ports.ErrNotFound) {
		return pipeline.NewError(pipeline.ErrCodeNotFound, "nothing waits on correlation", err, map[string]interface{}{
			"correlation_id": correlationID,
		})
	}
	if err != nil {
		return fmt.Errorf("claim correlation %s: %w", correlationID, err)
	}

	response := execution.ResponseData{
		Key:        correlationID,
		Payload:    append(json.RawMessage(nil), payload...),
		ReceivedAt: e.now(),
	}
	if err := e.PublishResume(ctx, runtimeID, response); err != nil {
		if regErr := e.store.RegisterCorrelation(ctx, correlationID, runtimeID); regErr != nil {
			e.logger.Error(ctx, "correlation lost after failed publish",
				"correlation_id", correlationID,
				"runtime_id", runtimeID,
				"error", regErr,
			)
		}
		return err
	}
	e.logger.Debug(ctx, "correlation notified", "correlation_id", correlationID, "runtime_id", runtimeID)
	return nil
}

// OnTaskResult implements ports.TaskResultSink.
func (e *Engine) OnTaskResult(ctx context.Context, taskID string, result []byte) error {
	var decoded execution.TaskResult
	if err := json.Unmarshal(result, &decoded); err != nil {
		return pipeline.NewError(pipeline.ErrCodeValidation, "invalid task result", err, map[string]interface{}{
			"task_id": taskID,
		})
	}
	if !decoded.Status.IsTerminal() {
		return pipeline.NewError(pipeline.ErrCodeValidation, "task result status must be terminal", nil, map[string]interface{}{
			"task_id": taskID,
			"status":  string(decoded.Status),
		})
	}
	return e.Notify(ctx, taskID, result)
}
