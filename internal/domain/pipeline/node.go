package pipeline

import (
	"errors"
	"regexp"
)

// StepType names the strategy that executes a node.
type StepType string

// Built-in step types. Additional step types can be registered at runtime.
const (
	StepTypeNoop     StepType = "noop"
	StepTypeWait     StepType = "wait"
	StepTypeOutputs  StepType = "outputs"
	StepTypeApproval StepType = "approval"
	StepTypeTask     StepType = "task"
	StepTypeStage    StepType = "stage"
	StepTypeParallel StepType = "parallel"
	StepTypeChain    StepType = "chain"
	StepTypeRollback StepType = "rollback"
)

// NodeGroup tags a level so lookups such as "nearest stage" can walk the
// ambiance.
type NodeGroup string

const (
	GroupPipeline NodeGroup = "PIPELINE"
	GroupStage    NodeGroup = "STAGE"
	GroupStep     NodeGroup = "STEP"
	GroupParallel NodeGroup = "PARALLEL"
	GroupSection  NodeGroup = "SECTION"
	GroupStrategy NodeGroup = "STRATEGY"
)

// FailureStrategy controls what happens when a node fails.
type FailureStrategy string

const (
	// FailurePropagate reports the failure to the parent right away.
	FailurePropagate FailureStrategy = "PROPAGATE"
	// FailureManualIntervention holds the failure until an operator retries
	// the node or marks it as succeeded.
	FailureManualIntervention FailureStrategy = "MANUAL_INTERVENTION"
)

var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Node is an immutable plan vertex.
type Node struct {
	ID              string          `json:"nodeId"`
	Identifier      string          `json:"identifier"`
	Name            string          `json:"name,omitempty"`
	StepType        StepType        `json:"stepType"`
	Group           NodeGroup       `json:"group,omitempty"`
	Parameters      StepParameters  `json:"stepParameters"`
	NextNodeID      string          `json:"nextNodeId,omitempty"`
	FailureStrategy FailureStrategy `json:"failureStrategy,omitempty"`
}

// DisplayName returns the name if present, otherwise the identifier.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	if n.Identifier != "" {
		return n.Identifier
	}
	return n.ID
}

// ChildNodeIDs lists the node ids this node can spawn as children.
func (n Node) ChildNodeIDs() []string {
	return n.Parameters.ChildNodeIDs()
}

// HoldsOnFailure reports whether a failure of this node waits for an
// operator instead of propagating.
func (n Node) HoldsOnFailure() bool {
	return n.FailureStrategy == FailureManualIntervention
}

// Validate checks the node in isolation.
func (n Node) Validate() error {
	if n.ID == "" {
		return newMissingFieldError("nodeId")
	}
	if !nodeIDPattern.MatchString(n.ID) {
		return newValidationError("node id contains invalid characters", map[string]interface{}{
			"node_id": n.ID,
		})
	}
	if n.StepType == "" {
		return newMissingFieldError("stepType").WithContext(map[string]interface{}{"node_id": n.ID})
	}
	switch n.FailureStrategy {
	case "", FailurePropagate, FailureManualIntervention:
	default:
		return newTypeError("PROPAGATE|MANUAL_INTERVENTION", string(n.FailureStrategy)).
			WithContext(map[string]interface{}{"node_id": n.ID})
	}
	if n.NextNodeID == n.ID {
		return newCycleError([]string{n.ID, n.ID})
	}
	if err := n.Parameters.Validate(); err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return domainErr.WithContext(map[string]interface{}{"node_id": n.ID})
		}
		return err
	}
	return nil
}
