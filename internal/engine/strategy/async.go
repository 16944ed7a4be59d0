package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// ApprovalDecision is the callback payload resolving an approval.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	By       string `json:"by,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// ApprovalStep suspends until an external caller posts an ApprovalDecision
// to its correlation id.
type ApprovalStep struct{}

func (ApprovalStep) StepType() pipeline.StepType             { return pipeline.StepTypeApproval }
func (ApprovalStep) Mode() execution.Mode                    { return execution.ModeAsync }
func (ApprovalStep) ParametersKind() pipeline.ParametersKind { return pipeline.ParametersApproval }

// CorrelationID returns the callback id an approval node waits on.
func (ApprovalStep) CorrelationID(in Input) string {
	if p := in.Parameters.Approval; p != nil && p.CorrelationID != "" {
		return p.CorrelationID
	}
	return "approval-" + in.RuntimeID()
}

// ExecuteAsync implements Async.
func (s ApprovalStep) ExecuteAsync(_ context.Context, in Input) (AsyncResponse, error) {
	return AsyncResponse{CallbackIDs: []string{s.CorrelationID(in)}}, nil
}

// HandleAsyncResponse implements Async.
func (ApprovalStep) HandleAsyncResponse(_ context.Context, _ Input, responses []execution.ResponseData) (execution.StepResponse, error) {
	if len(responses) == 0 {
		return execution.Failed(fmt.Errorf("approval received no decision")), nil
	}
	var decision ApprovalDecision
	if err := json.Unmarshal(responses[0].Payload, &decision); err != nil {
		return execution.Failed(fmt.Errorf("decode approval decision: %w", err)), nil
	}
	if !decision.Approved {
		message := "approval rejected"
		if decision.By != "" {
			message += " by " + decision.By
		}
		if decision.Comment != "" {
			message += ": " + decision.Comment
		}
		return execution.StepResponse{Status: execution.StatusFailed, FailureInfo: &execution.FailureInfo{Message: message, Code: "REJECTED"}}, nil
	}
	output, err := execution.NewSweepingOutput("approval", decision, "")
	if err != nil {
		return execution.StepResponse{}, err
	}
	// Sibling approvals under one parent each publish a decision.
	output.Local = true
	return execution.StepResponse{Status: execution.StatusSucceeded, SweepingOutputs: []execution.SweepingOutput{output}}, nil
}
