package components

import (
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
)

// NodeEntry is one row of the node tree.
type NodeEntry struct {
	RuntimeID string
	Name      string
	StepType  string
	Depth     int
	Status    execution.Status
	Duration  time.Duration
	Message   string
	// Waiting is set while a failed node holds for an operator decision.
	Waiting bool
}

// NodeList orders node executions depth first under their parents.
type NodeList struct {
	entries []NodeEntry
}

// NewNodeList builds the tree from nodes, which should be sorted by
// creation time. Running durations are measured against now.
func NewNodeList(nodes []*execution.NodeExecution, now time.Time) NodeList {
	known := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		known[node.UUID] = true
	}

	children := make(map[string][]*execution.NodeExecution)
	var roots []*execution.NodeExecution
	for _, node := range nodes {
		if node.ParentID == "" || !known[node.ParentID] {
			roots = append(roots, node)
			continue
		}
		children[node.ParentID] = append(children[node.ParentID], node)
	}

	list := NodeList{entries: make([]NodeEntry, 0, len(nodes))}
	var walk func(node *execution.NodeExecution, depth int)
	walk = func(node *execution.NodeExecution, depth int) {
		list.entries = append(list.entries, entryFor(node, depth, now))
		for _, child := range children[node.UUID] {
			walk(child, depth+1)
		}
	}
	for _, root := range roots {
		walk(root, 0)
	}
	return list
}

func entryFor(node *execution.NodeExecution, depth int, now time.Time) NodeEntry {
	name := node.Identifier
	if name == "" {
		name = node.NodeID
	}
	entry := NodeEntry{
		RuntimeID: node.UUID,
		Name:      name,
		StepType:  string(node.StepType),
		Depth:     depth,
		Status:    node.Status,
		Waiting:   node.InterventionWaiting,
	}
	switch {
	case !node.EndTs.IsZero() && !node.StartTs.IsZero():
		entry.Duration = node.EndTs.Sub(node.StartTs)
	case !node.StartTs.IsZero():
		entry.Duration = now.Sub(node.StartTs)
	}
	if node.FailureInfo != nil {
		entry.Message = node.FailureInfo.Message
	}
	return entry
}

// Entries returns a copy of the ordered rows.
func (l NodeList) Entries() []NodeEntry {
	clone := make([]NodeEntry, len(l.entries))
	copy(clone, l.entries)
	return clone
}
