package pipeline

import (
	"time"
)

// ParametersKind discriminates the StepParameters union.
type ParametersKind string

const (
	ParametersNone       ParametersKind = "none"
	ParametersWait       ParametersKind = "wait"
	ParametersOutputs    ParametersKind = "outputs"
	ParametersApproval   ParametersKind = "approval"
	ParametersTask       ParametersKind = "task"
	ParametersChild      ParametersKind = "child"
	ParametersChildren   ParametersKind = "children"
	ParametersChildChain ParametersKind = "childChain"
	ParametersCustom     ParametersKind = "custom"
)

// StepParameters is a tagged union of the typed parameter records a
// strategy can consume. Exactly the field matching Kind is populated.
type StepParameters struct {
	Kind       ParametersKind        `json:"kind"`
	Wait       *WaitParameters       `json:"wait,omitempty"`
	Outputs    *OutputsParameters    `json:"outputs,omitempty"`
	Approval   *ApprovalParameters   `json:"approval,omitempty"`
	Task       *TaskParameters       `json:"task,omitempty"`
	Child      *ChildParameters      `json:"child,omitempty"`
	Children   *ChildrenParameters   `json:"children,omitempty"`
	ChildChain *ChildChainParameters `json:"childChain,omitempty"`
	Custom     map[string]any        `json:"custom,omitempty"`
}

// WaitParameters configure a step that sleeps and then reports Outcome.
type WaitParameters struct {
	Duration time.Duration `json:"duration"`
	// Outcome is the terminal status to report; empty means SUCCEEDED.
	Outcome string `json:"outcome,omitempty"`
	Message string `json:"message,omitempty"`
}

// OutputsParameters publish sweeping outputs and optionally require
// previously published ones.
type OutputsParameters struct {
	Values  map[string]any `json:"values,omitempty"`
	Group   NodeGroup      `json:"group,omitempty"`
	Require []string       `json:"require,omitempty"`
}

// ApprovalParameters configure an externally resolved approval gate.
type ApprovalParameters struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Message       string `json:"message,omitempty"`
}

// TaskParameters describe work delegated to the task dispatcher.
type TaskParameters struct {
	TaskType   string         `json:"taskType"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	OutputName string         `json:"outputName,omitempty"`
}

// ChildParameters name the single child of a Child strategy node.
type ChildParameters struct {
	ChildNodeID string `json:"childNodeId"`
}

// ChildrenParameters name the fan-out of a Children strategy node.
// MaxConcurrency of zero means unbounded.
type ChildrenParameters struct {
	ChildNodeIDs   []string `json:"childNodeIds"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty"`
}

// ChildChainParameters name the ordered children of a ChildChain node.
type ChildChainParameters struct {
	ChildNodeIDs      []string `json:"childNodeIds"`
	ContinueOnFailure bool     `json:"continueOnFailure,omitempty"`
}

// NoParameters returns the empty parameter record.
func NoParameters() StepParameters {
	return StepParameters{Kind: ParametersNone}
}

// WaitFor builds wait parameters.
func WaitFor(d time.Duration) StepParameters {
	return StepParameters{Kind: ParametersWait, Wait: &WaitParameters{Duration: d}}
}

// ChildOf builds Child parameters.
func ChildOf(childNodeID string) StepParameters {
	return StepParameters{Kind: ParametersChild, Child: &ChildParameters{ChildNodeID: childNodeID}}
}

// ChildrenOf builds Children parameters.
func ChildrenOf(maxConcurrency int, childNodeIDs ...string) StepParameters {
	return StepParameters{Kind: ParametersChildren, Children: &ChildrenParameters{
		ChildNodeIDs:   childNodeIDs,
		MaxConcurrency: maxConcurrency,
	}}
}

// ChainOf builds ChildChain parameters.
func ChainOf(childNodeIDs ...string) StepParameters {
	return StepParameters{Kind: ParametersChildChain, ChildChain: &ChildChainParameters{ChildNodeIDs: childNodeIDs}}
}

// ChildNodeIDs lists every node id referenced as a child.
func (p StepParameters) ChildNodeIDs() []string {
	switch p.Kind {
	case ParametersChild:
		if p.Child != nil && p.Child.ChildNodeID != "" {
			return []string{p.Child.ChildNodeID}
		}
	case ParametersChildren:
		if p.Children != nil {
			return append([]string(nil), p.Children.ChildNodeIDs...)
		}
	case ParametersChildChain:
		if p.ChildChain != nil {
			return append([]string(nil), p.ChildChain.ChildNodeIDs...)
		}
	}
	return nil
}

// Validate checks that the populated record matches Kind.
func (p StepParameters) Validate() error {
	populated := 0
	for _, set := range []bool{
		p.Wait != nil, p.Outputs != nil, p.Approval != nil, p.Task != nil,
		p.Child != nil, p.Children != nil, p.ChildChain != nil, p.Custom != nil,
	} {
		if set {
			populated++
		}
	}

	switch p.Kind {
	case "", ParametersNone:
		if populated != 0 {
			return newTypeError("no parameters", "populated parameters")
		}
		return nil
	case ParametersWait:
		if p.Wait == nil {
			return newMissingFieldError("wait")
		}
		if p.Wait.Duration < 0 {
			return newValidationError("wait duration must not be negative", nil)
		}
	case ParametersOutputs:
		if p.Outputs == nil {
			return newMissingFieldError("outputs")
		}
	case ParametersApproval:
		if p.Approval == nil {
			return newMissingFieldError("approval")
		}
	case ParametersTask:
		if p.Task == nil {
			return newMissingFieldError("task")
		}
		if p.Task.TaskType == "" {
			return newMissingFieldError("task.taskType")
		}
		if p.Task.Timeout < 0 {
			return newValidationError("task timeout must not be negative", nil)
		}
	case ParametersChild:
		if p.Child == nil || p.Child.ChildNodeID == "" {
			return newMissingFieldError("child.childNodeId")
		}
	case ParametersChildren:
		if p.Children == nil {
			return newMissingFieldError("children")
		}
		if p.Children.MaxConcurrency < 0 {
			return newValidationError("maxConcurrency must not be negative", map[string]interface{}{
				"max_concurrency": p.Children.MaxConcurrency,
			})
		}
		if err := uniqueIDs(p.Children.ChildNodeIDs); err != nil {
			return err
		}
	case ParametersChildChain:
		if p.ChildChain == nil {
			return newMissingFieldError("childChain")
		}
		if err := uniqueIDs(p.ChildChain.ChildNodeIDs); err != nil {
			return err
		}
	case ParametersCustom:
		if p.Custom == nil {
			return newMissingFieldError("custom")
		}
	default:
		return newTypeError("known parameters kind", string(p.Kind))
	}

	if populated != 1 {
		return newTypeError(string(p.Kind)+" parameters only", "multiple parameter records")
	}
	return nil
}

func uniqueIDs(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return newMissingFieldError("child node id")
		}
		if _, ok := seen[id]; ok {
			return newDuplicateError(id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
