package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// NoopStep succeeds immediately.
type NoopStep struct{}

func (NoopStep) StepType() pipeline.StepType             { return pipeline.StepTypeNoop }
func (NoopStep) Mode() execution.Mode                    { return execution.ModeSync }
func (NoopStep) ParametersKind() pipeline.ParametersKind { return pipeline.ParametersNone }

// Execute implements Sync.
func (NoopStep) Execute(context.Context, Input) (execution.StepResponse, error) {
	return execution.Succeeded(), nil
}

// WaitStep sleeps for the configured duration and reports the configured
// outcome.
type WaitStep struct{}

func (WaitStep) StepType() pipeline.StepType             { return pipeline.StepTypeWait }
func (WaitStep) Mode() execution.Mode                    { return execution.ModeSync }
func (WaitStep) ParametersKind() pipeline.ParametersKind { return pipeline.ParametersWait }

// Execute implements Sync.
func (WaitStep) Execute(ctx context.Context, in Input) (execution.StepResponse, error) {
	params := in.Parameters.Wait
	if params == nil {
		params = &pipeline.WaitParameters{}
	}

	if params.Duration > 0 {
		timer := time.NewTimer(params.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return execution.StepResponse{
				Status:      execution.StatusAborted,
				FailureInfo: &execution.FailureInfo{Message: "wait interrupted", Code: "CANCELLED"},
			}, nil
		}
	}

	outcome := execution.Status(params.Outcome)
	if outcome == "" {
		outcome = execution.StatusSucceeded
	}
	if !outcome.IsTerminal() {
		return execution.StepResponse{}, fmt.Errorf("wait outcome %q is not terminal", outcome)
	}
	resp := execution.StepResponse{Status: outcome}
	if !outcome.IsPositive() {
		message := params.Message
		if message == "" {
			message = fmt.Sprintf("wait step finished %s", outcome)
		}
		resp.FailureInfo = &execution.FailureInfo{Message: message}
	}
	return resp, nil
}

// OutputsStep publishes sweeping outputs and fails when a required output
// cannot be resolved.
type OutputsStep struct{}

func (OutputsStep) StepType() pipeline.StepType             { return pipeline.StepTypeOutputs }
func (OutputsStep) Mode() execution.Mode                    { return execution.ModeSync }
func (OutputsStep) ParametersKind() pipeline.ParametersKind { return pipeline.ParametersOutputs }

// Execute implements Sync.
func (OutputsStep) Execute(ctx context.Context, in Input) (execution.StepResponse, error) {
	params := in.Parameters.Outputs
	if params == nil {
		return execution.Succeeded(), nil
	}

	for _, name := range params.Require {
		if in.Outputs == nil {
			return execution.Failed(fmt.Errorf("output %q is not resolvable", name)), nil
		}
		if _, err := in.Outputs.Resolve(ctx, name); err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				return execution.Failed(fmt.Errorf("required output %q not found", name)), nil
			}
			return execution.StepResponse{}, err
		}
	}

	names := make([]string, 0, len(params.Values))
	for name := range params.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := execution.Succeeded()
	for _, name := range names {
		output, err := execution.NewSweepingOutput(name, params.Values[name], params.Group)
		if err != nil {
			return execution.Failed(err), nil
		}
		resp.SweepingOutputs = append(resp.SweepingOutputs, output)
	}
	return resp, nil
}

// SyncFunc adapts a function into a Sync strategy.
type SyncFunc struct {
	Type pipeline.StepType
	Kind pipeline.ParametersKind
	Fn   func(ctx context.Context, in Input) (execution.StepResponse, error)
}

func (f SyncFunc) StepType() pipeline.StepType { return f.Type }
func (f SyncFunc) Mode() execution.Mode        { return execution.ModeSync }
func (f SyncFunc) ParametersKind() pipeline.ParametersKind {
	if f.Kind == "" {
		return pipeline.ParametersNone
	}
	return f.Kind
}

// Execute implements Sync.
func (f SyncFunc) Execute(ctx context.Context, in Input) (execution.StepResponse, error) {
	return f.Fn(ctx, in)
}
