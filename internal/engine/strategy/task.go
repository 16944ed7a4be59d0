package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// TaskStep hands its payload to the task dispatcher and maps the reported
// result onto the node.
type TaskStep struct{}

func (TaskStep) StepType() pipeline.StepType             { return pipeline.StepTypeTask }
func (TaskStep) Mode() execution.Mode                    { return execution.ModeTask }
func (TaskStep) ParametersKind() pipeline.ParametersKind { return pipeline.ParametersTask }

// ObtainTask implements Task.
func (TaskStep) ObtainTask(_ context.Context, in Input) (ports.TaskRequest, error) {
	params := in.Parameters.Task
	if params == nil || params.TaskType == "" {
		return ports.TaskRequest{}, fmt.Errorf("node %s has no task type", in.Node.ID)
	}

	var payload []byte
	if params.Payload != nil {
		raw, err := json.Marshal(params.Payload)
		if err != nil {
			return ports.TaskRequest{}, fmt.Errorf("encode task payload: %w", err)
		}
		payload = raw
	}

	return ports.TaskRequest{
		TaskType:   params.TaskType,
		Parameters: payload,
		Timeout:    params.Timeout,
	}, nil
}

// HandleTaskResult implements Task.
func (TaskStep) HandleTaskResult(_ context.Context, in Input, result execution.TaskResult) (execution.StepResponse, error) {
	status := result.Status
	switch {
	case status == "":
		status = execution.StatusFailed
	case !status.IsTerminal():
		return execution.StepResponse{}, fmt.Errorf("task reported non-terminal status %s", status)
	}

	resp := execution.StepResponse{Status: status}
	if !status.IsPositive() {
		message := result.Error
		if message == "" {
			message = fmt.Sprintf("task finished %s", status)
		}
		resp.FailureInfo = &execution.FailureInfo{Message: message}
		return resp, nil
	}

	if params := in.Parameters.Task; params != nil && params.OutputName != "" && len(result.Output) > 0 {
		resp.SweepingOutputs = []execution.SweepingOutput{{
			Name:  params.OutputName,
			Value: append(json.RawMessage(nil), result.Output...),
		}}
	}
	return resp, nil
}
