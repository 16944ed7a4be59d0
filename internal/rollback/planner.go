// Package rollback derives compensation plans from what a plan execution
// actually ran.
package rollback

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// DefaultRootID is the node id of the synthetic chain at the top of a
// rollback plan.
const DefaultRootID = "rollback-root"

// Planner builds rollback sub-plans.
type Planner struct {
	rootID string
}

// Option configures a Planner.
type Option func(*Planner)

// WithRootID overrides the id of the synthetic root node.
func WithRootID(id string) Option {
	return func(p *Planner) {
		if id != "" {
			p.rootID = id
		}
	}
}

// NewPlanner constructs a Planner.
func NewPlanner(opts ...Option) *Planner {
	p := &Planner{rootID: DefaultRootID}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Executed returns the identifiers of the executions that reached RUNNING,
// ordered by start time. Retries of the same node appear once, at their
// first start.
func Executed(execs []*execution.NodeExecution) []string {
	started := make([]*execution.NodeExecution, 0, len(execs))
	for _, exec := range execs {
		if exec.StartTs.IsZero() {
			continue
		}
		started = append(started, exec)
	}
	sort.SliceStable(started, func(i, j int) bool {
		return started[i].StartTs.Before(started[j].StartTs)
	})

	seen := make(map[string]bool, len(started))
	identifiers := make([]string, 0, len(started))
	for _, exec := range started {
		identifier := exec.Identifier
		if identifier == "" {
			identifier = exec.NodeID
		}
		if seen[identifier] {
			continue
		}
		seen[identifier] = true
		identifiers = append(identifiers, identifier)
	}
	return identifiers
}

// Select picks the rollback descriptors to run and orders them. Forward
// nodes are compensated in reverse execution order; descriptors sharing a
// forward node run in reverse declaration order. Always-run descriptors
// whose forward node never ran follow, also in reverse declaration order.
func Select(executed []string, descriptors []pipeline.RollbackNode) []pipeline.RollbackNode {
	selected := make([]pipeline.RollbackNode, 0, len(descriptors))
	taken := make([]bool, len(descriptors))

	for i := len(executed) - 1; i >= 0; i-- {
		for j := len(descriptors) - 1; j >= 0; j-- {
			if taken[j] || dependency(descriptors[j]) != executed[i] {
				continue
			}
			taken[j] = true
			selected = append(selected, descriptors[j])
		}
	}
	for j := len(descriptors) - 1; j >= 0; j-- {
		if taken[j] || !descriptors[j].ShouldAlwaysRun {
			continue
		}
		taken[j] = true
		selected = append(selected, descriptors[j])
	}
	return selected
}

func dependency(d pipeline.RollbackNode) string {
	if d.DependentNodeIdentifier != "" {
		return d.DependentNodeIdentifier
	}
	return d.NodeID
}

// Plan derives the rollback plan of a forward run. The result is a chain
// over the selected compensation nodes, followed by every node they
// reference. It reports false when nothing needs compensating.
func (p *Planner) Plan(forward pipeline.Plan, execs []*execution.NodeExecution) (pipeline.Plan, bool) {
	selected := Select(Executed(execs), forward.RollbackNodes)
	if len(selected) == 0 {
		return pipeline.Plan{}, false
	}

	ids := make([]string, len(selected))
	for i, d := range selected {
		ids[i] = d.NodeID
	}

	index := forward.Index()
	rootID := p.rootID
	for n := 2; ; n++ {
		if _, taken := index[rootID]; !taken {
			break
		}
		rootID = fmt.Sprintf("%s-%d", p.rootID, n)
	}

	root := pipeline.Node{
		ID:         rootID,
		Identifier: rootID,
		Name:       "rollback",
		StepType:   pipeline.StepTypeRollback,
		Group:      pipeline.GroupSection,
		Parameters: pipeline.ChainOf(ids...),
	}
	nodes := []pipeline.Node{root}
	for _, id := range forward.Closure(ids...) {
		nodes = append(nodes, index[id])
	}

	name := "rollback"
	if forward.Name != "" {
		name = forward.Name + "-rollback"
	}
	return pipeline.Plan{
		Name:           name,
		StartingNodeID: rootID,
		Nodes:          nodes,
	}, true
}

// Describe renders the compensation order of a rollback plan.
func Describe(plan pipeline.Plan) string {
	root, ok := plan.Node(plan.StartingNodeID)
	if !ok {
		return ""
	}
	var b strings.Builder
	for i, id := range root.ChildNodeIDs() {
		node, _ := plan.Node(id)
		fmt.Fprintf(&b, "%d. %s\n", i+1, node.DisplayName())
	}
	return b.String()
}
