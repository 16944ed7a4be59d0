package pipeline

import (
	"sort"
)

// RollbackNode describes a node to run when the forward plan ends badly.
type RollbackNode struct {
	NodeID                  string `json:"nodeId"`
	DependentNodeIdentifier string `json:"dependentNodeIdentifier,omitempty"`
	ShouldAlwaysRun         bool   `json:"shouldAlwaysRun,omitempty"`
}

// Plan is an immutable graph of nodes. It never changes after submission.
type Plan struct {
	Name           string         `json:"name,omitempty"`
	StartingNodeID string         `json:"startingNodeId"`
	Nodes          []Node         `json:"nodes"`
	RollbackNodes  []RollbackNode `json:"rollbackNodes,omitempty"`
}

// Node looks up a node by id.
func (p *Plan) Node(id string) (Node, bool) {
	for _, node := range p.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return Node{}, false
}

// Index returns the nodes keyed by id.
func (p *Plan) Index() map[string]Node {
	index := make(map[string]Node, len(p.Nodes))
	for _, node := range p.Nodes {
		index[node.ID] = node
	}
	return index
}

// Validate checks ids, references and acyclicity of the plan.
func (p *Plan) Validate() error {
	if len(p.Nodes) == 0 {
		return newValidationError("plan has no nodes", nil)
	}
	if p.StartingNodeID == "" {
		return newMissingFieldError("startingNodeId")
	}

	index := make(map[string]Node, len(p.Nodes))
	for _, node := range p.Nodes {
		if err := node.Validate(); err != nil {
			return err
		}
		if _, exists := index[node.ID]; exists {
			return newDuplicateError(node.ID)
		}
		index[node.ID] = node
	}

	if _, ok := index[p.StartingNodeID]; !ok {
		return newNotFoundError("starting node", p.StartingNodeID)
	}

	for _, node := range p.Nodes {
		if node.NextNodeID != "" {
			if _, ok := index[node.NextNodeID]; !ok {
				return newNotFoundError("next node", node.NextNodeID).
					WithContext(map[string]interface{}{"node_id": node.ID})
			}
		}
		for _, child := range node.ChildNodeIDs() {
			if _, ok := index[child]; !ok {
				return newNotFoundError("child node", child).
					WithContext(map[string]interface{}{"node_id": node.ID})
			}
		}
	}

	identifiers := make(map[string]struct{}, len(p.RollbackNodes))
	for _, rb := range p.RollbackNodes {
		if _, ok := index[rb.NodeID]; !ok {
			return newNotFoundError("rollback node", rb.NodeID)
		}
		if _, dup := identifiers[rb.NodeID]; dup {
			return newDuplicateError(rb.NodeID)
		}
		identifiers[rb.NodeID] = struct{}{}
	}

	if cycle := detectCycle(p.Nodes); cycle != nil {
		return newCycleError(cycle)
	}
	return nil
}

// Closure returns the ids of every node reachable from roots through child
// and next-node references, roots included, in plan order.
func (p *Plan) Closure(roots ...string) []string {
	index := p.Index()
	seen := make(map[string]bool, len(p.Nodes))
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		node, ok := index[id]
		if !ok {
			continue
		}
		seen[id] = true
		stack = append(stack, node.ChildNodeIDs()...)
		if node.NextNodeID != "" {
			stack = append(stack, node.NextNodeID)
		}
	}

	ids := make([]string, 0, len(seen))
	for _, node := range p.Nodes {
		if seen[node.ID] {
			ids = append(ids, node.ID)
		}
	}
	return ids
}

// detectCycle returns the node ids participating in a reference cycle, or
// nil. Child and next-node references are both edges.
func detectCycle(nodes []Node) []string {
	graph := make(map[string][]string, len(nodes))
	for _, node := range nodes {
		edges := node.ChildNodeIDs()
		if node.NextNodeID != "" {
			edges = append(edges, node.NextNodeID)
		}
		graph[node.ID] = edges
	}

	visiting := make(map[string]bool, len(nodes))
	visited := make(map[string]bool, len(nodes))
	var stack []string

	var cycle []string
	var dfs func(string) bool
	dfs = func(id string) bool {
		visiting[id] = true
		stack = append(stack, id)

		for _, next := range graph[id] {
			if visited[next] {
				continue
			}
			if visiting[next] {
				for i, v := range stack {
					if v == next {
						cycle = append([]string{}, stack[i:]...)
						cycle = append(cycle, next)
						break
					}
				}
				return true
			}
			if dfs(next) {
				return true
			}
		}

		visiting[id] = false
		visited[id] = true
		stack = stack[:len(stack)-1]
		return false
	}

	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if visited[id] {
			continue
		}
		if dfs(id) {
			break
		}
	}
	return cycle
}
