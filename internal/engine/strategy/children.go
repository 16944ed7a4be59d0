package strategy

import (
	"context"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// StageStep wraps a single child and reports its outcome.
type StageStep struct{}

func (StageStep) StepType() pipeline.StepType             { return pipeline.StepTypeStage }
func (StageStep) Mode() execution.Mode                    { return execution.ModeChild }
func (StageStep) ParametersKind() pipeline.ParametersKind { return pipeline.ParametersChild }

// ObtainChild implements Child.
func (StageStep) ObtainChild(_ context.Context, in Input) (ChildResponse, error) {
	params := in.Parameters.Child
	if params == nil || params.ChildNodeID == "" {
		return ChildResponse{}, fmt.Errorf("node %s has no child", in.Node.ID)
	}
	return ChildResponse{ChildNodeID: params.ChildNodeID}, nil
}

// HandleChildResponse implements Child.
func (StageStep) HandleChildResponse(_ context.Context, _ Input, responses []execution.ResponseData) (execution.StepResponse, error) {
	return execution.Aggregate(responses), nil
}

// ParallelStep fans out to every child, optionally bounded by
// MaxConcurrency, and fails with the first broken child.
type ParallelStep struct{}

func (ParallelStep) StepType() pipeline.StepType             { return pipeline.StepTypeParallel }
func (ParallelStep) Mode() execution.Mode                    { return execution.ModeChildren }
func (ParallelStep) ParametersKind() pipeline.ParametersKind { return pipeline.ParametersChildren }

// ObtainChildren implements Children.
func (ParallelStep) ObtainChildren(_ context.Context, in Input) (ChildrenResponse, error) {
	params := in.Parameters.Children
	if params == nil {
		return ChildrenResponse{}, fmt.Errorf("node %s has no children", in.Node.ID)
	}

	total := len(params.ChildNodeIDs)
	children := make([]ChildSpec, 0, total)
	for i, id := range params.ChildNodeIDs {
		children = append(children, ChildSpec{
			NodeID: id,
			StrategyMetadata: &execution.StrategyMetadata{
				CurrentIteration: i,
				TotalIterations:  total,
			},
		})
	}
	return ChildrenResponse{Children: children, MaxConcurrency: params.MaxConcurrency}, nil
}

// HandleChildrenResponse implements Children.
func (ParallelStep) HandleChildrenResponse(_ context.Context, _ Input, responses []execution.ResponseData) (execution.StepResponse, error) {
	return execution.Aggregate(responses), nil
}
