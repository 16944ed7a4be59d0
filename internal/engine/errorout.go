package engine

import (
	"context"
	"errors"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// ErrorOutActiveNodes forces every non-terminal execution of a plan to
// FAILED and finalizes the plan FAILED. No rollback is started.
func (e *Engine) ErrorOutActiveNodes(ctx context.Context, planExecutionID string) error {
	return e.errorOutActive(ctx, planExecutionID, &execution.FailureInfo{
		Message: "plan execution errored out",
		Code:    string(pipeline.ErrCodeFatal),
	})
}

// errorOut is the reaction to a fatal error. It never fails; problems are
// logged.
func (e *Engine) errorOut(ctx context.Context, planExecutionID string, cause error) {
	e.logger.Error(ctx, "fatal error, erroring out plan execution",
		"plan_execution_id", planExecutionID,
		"error", cause,
	)
	message := "fatal error"
	if cause != nil {
		message = cause.Error()
	}
	info := &execution.FailureInfo{Message: message, Code: string(pipeline.ErrCodeFatal)}
	if err := e.errorOutActive(ctx, planExecutionID, info); err != nil {
		e.logger.Error(ctx, "error-out incomplete",
			"plan_execution_id", planExecutionID,
			"error", err,
		)
	}
}

func (e *Engine) errorOutActive(ctx context.Context, planExecutionID string, info *execution.FailureInfo) error {
	execs, err := e.store.ListNodeExecutions(ctx, planExecutionID)
	if err != nil {
		return err
	}

	var errs error
	forced := 0
	for i := len(execs) - 1; i >= 0; i-- {
		if execs[i].Status.IsTerminal() {
			continue
		}
		updated, changed, err := e.ForceStatus(ctx, execs[i].UUID, execution.StatusFailed, info)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if changed {
			forced++
			e.ReleaseWaits(ctx, updated)
		}
	}
	e.logger.Warn(ctx, "active nodes errored out",
		"plan_execution_id", planExecutionID,
		"forced", forced,
	)

	if err := e.finalizePlan(ctx, planExecutionID, execution.StatusFailed, info, false); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}

// ReleaseWaits unblocks an execution that was forced terminal. Its
// in-process step is cancelled, its correlations are claimed and answered
// with a synthetic response carrying the forced status, and delegated tasks
// are cancelled.
func (e *Engine) ReleaseWaits(ctx context.Context, exec *execution.NodeExecution) {
	e.cancelRunning(exec.UUID)
	for _, id := range exec.CorrelationIDs {
		if exec.HasResponse(id) {
			continue
		}
		if _, err := e.store.ClaimCorrelation(ctx, id); err != nil && !errors.Is(err, ports.ErrNotFound) {
			e.logger.Warn(ctx, "could not release correlation",
				"runtime_id", exec.UUID,
				"correlation_id", id,
				"error", err,
			)
		}
		if exec.Mode == execution.ModeTask && e.tasks != nil {
			if err := e.tasks.CancelTask(ctx, id); err != nil {
				e.logger.Debug(ctx, "task cancel failed", "task_id", id, "error", err)
			}
		}
		aborted := execution.ResponseData{
			Key:         id,
			Status:      exec.Status,
			FailureInfo: exec.FailureInfo,
			ReceivedAt:  e.now(),
		}
		if err := e.PublishResume(ctx, exec.UUID, aborted); err != nil {
			e.logger.Warn(ctx, "could not publish released wait", "runtime_id", exec.UUID, "correlation_id", id, "error", err)
		}
	}
}

func isIllegalTransition(err error) bool {
	return pipeline.HasCode(err, pipeline.ErrCodeState)
}
