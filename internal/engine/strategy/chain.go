package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// chainState is carried between links in the pass-through data.
type chainState struct {
	ChildIndex int                    `json:"childIndex"`
	Status     execution.Status       `json:"status,omitempty"`
	Failure    *execution.FailureInfo `json:"failure,omitempty"`
}

func decodeChainState(raw json.RawMessage) (chainState, error) {
	var state chainState
	if len(raw) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("decode chain state: %w", err)
	}
	return state, nil
}

func (s chainState) encode() json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

// latestResponse picks the most recently recorded response.
func latestResponse(responses map[string]execution.ResponseData) (execution.ResponseData, bool) {
	var latest execution.ResponseData
	found := false
	for _, response := range responses {
		if !found || response.Seq > latest.Seq {
			latest = response
			found = true
		}
	}
	return latest, found
}

// ChainStep runs its children one after another and stops at the first
// broken child unless ContinueOnFailure is set.
type ChainStep struct{}

func (ChainStep) StepType() pipeline.StepType             { return pipeline.StepTypeChain }
func (ChainStep) Mode() execution.Mode                    { return execution.ModeChildChain }
func (ChainStep) ParametersKind() pipeline.ParametersKind { return pipeline.ParametersChildChain }

// ExecuteFirstChild implements ChildChain.
func (ChainStep) ExecuteFirstChild(_ context.Context, in Input) (ChildChainResponse, error) {
	return firstLink(in.Parameters.ChildChain)
}

// ExecuteNextChild implements ChildChain.
func (ChainStep) ExecuteNextChild(_ context.Context, in Input, passThrough json.RawMessage, responses map[string]execution.ResponseData) (ChildChainResponse, error) {
	return nextLink(in.Parameters.ChildChain, false, passThrough, responses)
}

// FinalizeExecution implements ChildChain.
func (ChainStep) FinalizeExecution(_ context.Context, _ Input, _ json.RawMessage, responses map[string]execution.ResponseData) (execution.StepResponse, error) {
	return finalizeChain(responses), nil
}

// RollbackStep runs compensating children in order and keeps going past
// failures so every selected rollback node gets its chance.
type RollbackStep struct{}

func (RollbackStep) StepType() pipeline.StepType             { return pipeline.StepTypeRollback }
func (RollbackStep) Mode() execution.Mode                    { return execution.ModeChildChain }
func (RollbackStep) ParametersKind() pipeline.ParametersKind { return pipeline.ParametersChildChain }

// ExecuteFirstChild implements ChildChain.
func (RollbackStep) ExecuteFirstChild(_ context.Context, in Input) (ChildChainResponse, error) {
	return firstLink(in.Parameters.ChildChain)
}

// ExecuteNextChild implements ChildChain.
func (RollbackStep) ExecuteNextChild(_ context.Context, in Input, passThrough json.RawMessage, responses map[string]execution.ResponseData) (ChildChainResponse, error) {
	return nextLink(in.Parameters.ChildChain, true, passThrough, responses)
}

// FinalizeExecution implements ChildChain.
func (RollbackStep) FinalizeExecution(_ context.Context, _ Input, _ json.RawMessage, responses map[string]execution.ResponseData) (execution.StepResponse, error) {
	return finalizeChain(responses), nil
}

func firstLink(params *pipeline.ChildChainParameters) (ChildChainResponse, error) {
	if params == nil || len(params.ChildNodeIDs) == 0 {
		return ChildChainResponse{Suspend: true, PassThroughData: chainState{}.encode()}, nil
	}
	return ChildChainResponse{
		NextChildID:     params.ChildNodeIDs[0],
		PassThroughData: chainState{ChildIndex: 0}.encode(),
		LastLink:        len(params.ChildNodeIDs) == 1,
	}, nil
}

func nextLink(params *pipeline.ChildChainParameters, forceContinue bool, passThrough json.RawMessage, responses map[string]execution.ResponseData) (ChildChainResponse, error) {
	if params == nil {
		return ChildChainResponse{Suspend: true}, nil
	}
	state, err := decodeChainState(passThrough)
	if err != nil {
		return ChildChainResponse{}, err
	}

	if latest, ok := latestResponse(responses); ok {
		state.Status = latest.Status
		state.Failure = latest.FailureInfo
		if !latest.Status.IsPositive() && !(forceContinue || params.ContinueOnFailure) {
			return ChildChainResponse{Suspend: true, PassThroughData: state.encode()}, nil
		}
	}

	next := state.ChildIndex + 1
	if next >= len(params.ChildNodeIDs) {
		return ChildChainResponse{Suspend: true, PassThroughData: state.encode()}, nil
	}
	state.ChildIndex = next
	return ChildChainResponse{
		NextChildID:     params.ChildNodeIDs[next],
		PassThroughData: state.encode(),
		LastLink:        next == len(params.ChildNodeIDs)-1,
	}, nil
}

func finalizeChain(responses map[string]execution.ResponseData) execution.StepResponse {
	ordered := make([]execution.ResponseData, 0, len(responses))
	for _, response := range responses {
		ordered = append(ordered, response)
	}
	return execution.Aggregate(ordered)
}
