package execution

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// SweepingOutput is a named value published by a node for later nodes in
// its scope.
type SweepingOutput struct {
	Name  string             `json:"name"`
	Value json.RawMessage    `json:"value"`
	Group pipeline.NodeGroup `json:"group,omitempty"`
	// Local outputs are visible to the producing node and its descendants
	// only. Group is ignored.
	Local bool `json:"local,omitempty"`
}

// NewSweepingOutput encodes value as a sweeping output.
func NewSweepingOutput(name string, value any, group pipeline.NodeGroup) (SweepingOutput, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return SweepingOutput{}, fmt.Errorf("encode output %q: %w", name, err)
	}
	return SweepingOutput{Name: name, Value: raw, Group: group}, nil
}

// StepResponse is the outcome a strategy reports for a node.
type StepResponse struct {
	Status          Status           `json:"status"`
	FailureInfo     *FailureInfo     `json:"failureInfo,omitempty"`
	SweepingOutputs []SweepingOutput `json:"sweepingOutputs,omitempty"`
}

// Succeeded returns a SUCCEEDED response.
func Succeeded() StepResponse {
	return StepResponse{Status: StatusSucceeded}
}

// Failed returns a FAILED response carrying err.
func Failed(err error) StepResponse {
	message := "step failed"
	if err != nil {
		message = err.Error()
	}
	return StepResponse{Status: StatusFailed, FailureInfo: &FailureInfo{Message: message}}
}

// Clone deep-copies the response.
func (r StepResponse) Clone() StepResponse {
	out := r
	if r.FailureInfo != nil {
		info := *r.FailureInfo
		out.FailureInfo = &info
	}
	if r.SweepingOutputs != nil {
		out.SweepingOutputs = make([]SweepingOutput, len(r.SweepingOutputs))
		for i, output := range r.SweepingOutputs {
			output.Value = append(json.RawMessage(nil), output.Value...)
			out.SweepingOutputs[i] = output
		}
	}
	return out
}

// Aggregate folds child responses into a single outcome. The first broken
// response in completion order wins; responses received at the same
// instant are ranked by Severity. Positive responses yield SUCCEEDED.
func Aggregate(responses []ResponseData) StepResponse {
	ordered := append([]ResponseData(nil), responses...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		if a.Status.Severity() != b.Status.Severity() {
			return a.Status.Severity() > b.Status.Severity()
		}
		return a.Seq < b.Seq
	})

	for _, response := range ordered {
		if response.Status.IsPositive() {
			continue
		}
		status := response.Status
		if !status.IsTerminal() {
			status = StatusFailed
		}
		info := response.FailureInfo
		if info == nil {
			info = &FailureInfo{Message: fmt.Sprintf("child %s finished %s", response.NodeID, response.Status)}
		}
		return StepResponse{Status: status, FailureInfo: info}
	}
	return Succeeded()
}
