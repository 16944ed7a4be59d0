package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	pwerrors "github.com/alexisbeaulieu97/pipewright/pkg/errors"
)

// PlanDocument is the file representation of a plan. JSON documents decode
// through the same path.
type PlanDocument struct {
	Name     string             `yaml:"name,omitempty" validate:"omitempty,max=100"`
	Start    string             `yaml:"start" validate:"required,node_id"`
	Nodes    []NodeDocument     `yaml:"nodes" validate:"required,min=1,dive"`
	Rollback []RollbackDocument `yaml:"rollback,omitempty" validate:"omitempty,dive"`
}

// RollbackDocument declares a rollback node.
type RollbackDocument struct {
	Node string `yaml:"node" validate:"required,node_id"`
	// DependsOn names the forward node whose execution makes this rollback
	// node eligible. Empty means the rollback node's own id.
	DependsOn string `yaml:"dependsOn,omitempty"`
	Always    bool   `yaml:"always,omitempty"`
}

// NodeDocument describes one node. The fields a node accepts besides the
// common ones depend on its type.
type NodeDocument struct {
	ID         string `yaml:"id" validate:"required,node_id"`
	Identifier string `yaml:"identifier,omitempty"`
	Name       string `yaml:"name,omitempty"`
	Type       string `yaml:"type" validate:"required,min=1,max=64"`
	Group      string `yaml:"group,omitempty" validate:"omitempty,oneof=PIPELINE STAGE STEP PARALLEL SECTION STRATEGY"`
	Next       string `yaml:"next,omitempty" validate:"omitempty,node_id"`
	OnFailure  string `yaml:"onFailure,omitempty" validate:"omitempty,oneof=PROPAGATE MANUAL_INTERVENTION"`

	Wait     *WaitStep     `yaml:"-"`
	Outputs  *OutputsStep  `yaml:"-"`
	Approval *ApprovalStep `yaml:"-"`
	Task     *TaskStep     `yaml:"-"`
	Stage    *StageStep    `yaml:"-"`
	Parallel *ParallelStep `yaml:"-"`
	Chain    *ChainStep    `yaml:"-"`
	Custom   *CustomStep   `yaml:"-"`
}

// WaitStep sleeps and then reports Outcome.
type WaitStep struct {
	Duration time.Duration `yaml:"duration" validate:"min=0"`
	Outcome  string        `yaml:"outcome,omitempty" validate:"omitempty,oneof=SUCCEEDED SKIPPED FAILED ABORTED EXPIRED"`
	Message  string        `yaml:"message,omitempty"`
}

// OutputsStep publishes sweeping outputs.
type OutputsStep struct {
	Values  map[string]any `yaml:"values,omitempty"`
	Scope   string         `yaml:"scope,omitempty" validate:"omitempty,oneof=PIPELINE STAGE STEP PARALLEL SECTION STRATEGY"`
	Require []string       `yaml:"require,omitempty" validate:"omitempty,dive,min=1"`
}

// ApprovalStep waits for an external decision.
type ApprovalStep struct {
	CorrelationID string `yaml:"correlationId,omitempty"`
	Message       string `yaml:"message,omitempty"`
}

// TaskStep hands work to the task dispatcher.
type TaskStep struct {
	TaskType   string         `yaml:"taskType" validate:"required"`
	Payload    map[string]any `yaml:"payload,omitempty"`
	Timeout    time.Duration  `yaml:"timeout,omitempty" validate:"min=0"`
	OutputName string         `yaml:"outputName,omitempty"`
}

// StageStep runs a single child.
type StageStep struct {
	Child string `yaml:"child" validate:"required,node_id"`
}

// ParallelStep fans out to its children.
type ParallelStep struct {
	Children       []string `yaml:"children" validate:"required,min=1,dive,node_id"`
	MaxConcurrency int      `yaml:"maxConcurrency,omitempty" validate:"min=0"`
}

// ChainStep runs its children one after the other.
type ChainStep struct {
	Children          []string `yaml:"children" validate:"required,min=1,dive,node_id"`
	ContinueOnFailure bool     `yaml:"continueOnFailure,omitempty"`
}

// CustomStep carries parameters for step types registered at runtime.
type CustomStep struct {
	With map[string]any `yaml:"with,omitempty"`
}

// UnmarshalYAML customises node decoding to populate the type-specific record.
func (n *NodeDocument) UnmarshalYAML(value *yaml.Node) error {
	type baseNode struct {
		ID         string `yaml:"id"`
		Identifier string `yaml:"identifier"`
		Name       string `yaml:"name"`
		Type       string `yaml:"type"`
		Group      string `yaml:"group"`
		Next       string `yaml:"next"`
		OnFailure  string `yaml:"onFailure"`
	}

	var base baseNode
	if err := value.Decode(&base); err != nil {
		return err
	}
	*n = NodeDocument{
		ID:         base.ID,
		Identifier: base.Identifier,
		Name:       base.Name,
		Type:       base.Type,
		Group:      base.Group,
		Next:       base.Next,
		OnFailure:  base.OnFailure,
	}

	switch pipeline.StepType(base.Type) {
	case pipeline.StepTypeNoop:
	case pipeline.StepTypeWait:
		n.Wait = &WaitStep{}
		return value.Decode(n.Wait)
	case pipeline.StepTypeOutputs:
		n.Outputs = &OutputsStep{}
		return value.Decode(n.Outputs)
	case pipeline.StepTypeApproval:
		n.Approval = &ApprovalStep{}
		return value.Decode(n.Approval)
	case pipeline.StepTypeTask:
		n.Task = &TaskStep{}
		return value.Decode(n.Task)
	case pipeline.StepTypeStage:
		n.Stage = &StageStep{}
		return value.Decode(n.Stage)
	case pipeline.StepTypeParallel:
		n.Parallel = &ParallelStep{}
		return value.Decode(n.Parallel)
	case pipeline.StepTypeChain, pipeline.StepTypeRollback:
		n.Chain = &ChainStep{}
		return value.Decode(n.Chain)
	default:
		if hasYAMLKey(value, "with") {
			n.Custom = &CustomStep{}
			return value.Decode(n.Custom)
		}
	}
	return nil
}

func hasYAMLKey(node *yaml.Node, key string) bool {
	if node == nil || node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// ParsePlan loads a plan document from disk and converts it into a
// validated plan.
func ParsePlan(path string) (pipeline.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Plan{}, pwerrors.NewParseError(path, 0, err)
	}
	plan, err := decodePlan(path, data)
	if err != nil {
		return pipeline.Plan{}, err
	}
	return plan, nil
}

// DecodePlan converts a YAML or JSON plan document into a validated plan.
func DecodePlan(data []byte) (pipeline.Plan, error) {
	return decodePlan("plan", data)
}

func decodePlan(source string, data []byte) (pipeline.Plan, error) {
	var doc PlanDocument
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return pipeline.Plan{}, pwerrors.NewParseError(source, 0, errors.New("document is empty"))
		}
		return pipeline.Plan{}, pwerrors.NewParseError(source, extractLine(err), err)
	}
	return doc.Plan()
}

// Plan validates the document and builds the domain plan.
func (d PlanDocument) Plan() (pipeline.Plan, error) {
	if err := convertValidationError(validatorInstance().Struct(d)); err != nil {
		return pipeline.Plan{}, err
	}

	plan := pipeline.Plan{
		Name:           d.Name,
		StartingNodeID: d.Start,
		Nodes:          make([]pipeline.Node, 0, len(d.Nodes)),
	}
	for i, doc := range d.Nodes {
		node, err := doc.node()
		if err != nil {
			return pipeline.Plan{}, pwerrors.NewValidationError(fieldForNode(i, "type"), err.Error(), err)
		}
		plan.Nodes = append(plan.Nodes, node)
	}
	for _, rb := range d.Rollback {
		plan.RollbackNodes = append(plan.RollbackNodes, pipeline.RollbackNode{
			NodeID:                  rb.Node,
			DependentNodeIdentifier: rb.DependsOn,
			ShouldAlwaysRun:         rb.Always,
		})
	}

	if err := plan.Validate(); err != nil {
		return pipeline.Plan{}, convertPlanError(err)
	}
	return plan, nil
}

func (n NodeDocument) node() (pipeline.Node, error) {
	node := pipeline.Node{
		ID:              n.ID,
		Identifier:      n.Identifier,
		Name:            n.Name,
		StepType:        pipeline.StepType(n.Type),
		Group:           pipeline.NodeGroup(n.Group),
		NextNodeID:      n.Next,
		FailureStrategy: pipeline.FailureStrategy(n.OnFailure),
	}
	if node.Identifier == "" {
		node.Identifier = n.ID
	}

	params, err := n.parameters()
	if err != nil {
		return pipeline.Node{}, err
	}
	node.Parameters = params
	return node, nil
}

func (n NodeDocument) parameters() (pipeline.StepParameters, error) {
	switch {
	case n.Wait != nil:
		return pipeline.StepParameters{Kind: pipeline.ParametersWait, Wait: &pipeline.WaitParameters{
			Duration: n.Wait.Duration,
			Outcome:  n.Wait.Outcome,
			Message:  n.Wait.Message,
		}}, nil
	case n.Outputs != nil:
		return pipeline.StepParameters{Kind: pipeline.ParametersOutputs, Outputs: &pipeline.OutputsParameters{
			Values:  n.Outputs.Values,
			Group:   pipeline.NodeGroup(n.Outputs.Scope),
			Require: n.Outputs.Require,
		}}, nil
	case n.Approval != nil:
		return pipeline.StepParameters{Kind: pipeline.ParametersApproval, Approval: &pipeline.ApprovalParameters{
			CorrelationID: n.Approval.CorrelationID,
			Message:       n.Approval.Message,
		}}, nil
	case n.Task != nil:
		return pipeline.StepParameters{Kind: pipeline.ParametersTask, Task: &pipeline.TaskParameters{
			TaskType:   n.Task.TaskType,
			Payload:    n.Task.Payload,
			Timeout:    n.Task.Timeout,
			OutputName: n.Task.OutputName,
		}}, nil
	case n.Stage != nil:
		return pipeline.ChildOf(n.Stage.Child), nil
	case n.Parallel != nil:
		return pipeline.ChildrenOf(n.Parallel.MaxConcurrency, n.Parallel.Children...), nil
	case n.Chain != nil:
		params := pipeline.ChainOf(n.Chain.Children...)
		params.ChildChain.ContinueOnFailure = n.Chain.ContinueOnFailure
		return params, nil
	case n.Custom != nil:
		with := n.Custom.With
		if with == nil {
			with = map[string]any{}
		}
		return pipeline.StepParameters{Kind: pipeline.ParametersCustom, Custom: with}, nil
	}

	if knownStepType(pipeline.StepType(n.Type)) && pipeline.StepType(n.Type) != pipeline.StepTypeNoop {
		return pipeline.StepParameters{}, fmt.Errorf("%s node %q was not decoded from a document", n.Type, n.ID)
	}
	return pipeline.NoParameters(), nil
}

func knownStepType(t pipeline.StepType) bool {
	switch t {
	case pipeline.StepTypeNoop, pipeline.StepTypeWait, pipeline.StepTypeOutputs, pipeline.StepTypeApproval,
		pipeline.StepTypeTask, pipeline.StepTypeStage, pipeline.StepTypeParallel, pipeline.StepTypeChain,
		pipeline.StepTypeRollback:
		return true
	}
	return false
}
