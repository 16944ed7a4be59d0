package execution

import (
	"strings"
	"time"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

// StrategyMetadata describes the iteration a child belongs to when a
// strategy fans out copies of the same node.
type StrategyMetadata struct {
	CurrentIteration int    `json:"currentIteration"`
	TotalIterations  int    `json:"totalIterations"`
	Label            string `json:"label,omitempty"`
}

// Level is one frame of the ambiance stack.
type Level struct {
	RuntimeID        string             `json:"runtimeId"`
	SetupID          string             `json:"setupId"`
	Identifier       string             `json:"identifier"`
	StepType         pipeline.StepType  `json:"stepType"`
	Group            pipeline.NodeGroup `json:"group,omitempty"`
	StartTs          time.Time          `json:"startTs"`
	StrategyMetadata *StrategyMetadata  `json:"strategyMetadata,omitempty"`
}

// Ambiance is the execution context handed from parent to child. Values are
// copied on every push or pop so two executions never share a level slice.
type Ambiance struct {
	PlanExecutionID   string            `json:"planExecutionId"`
	SetupAbstractions map[string]string `json:"setupAbstractions,omitempty"`
	Levels            []Level           `json:"levels"`
}

const scopeSeparator = "/"

// NewAmbiance returns the root ambiance of a plan execution.
func NewAmbiance(planExecutionID string, setup map[string]string) Ambiance {
	return Ambiance{
		PlanExecutionID:   planExecutionID,
		SetupAbstractions: copyStrings(setup),
	}
}

// Clone deep-copies the ambiance.
func (a Ambiance) Clone() Ambiance {
	levels := make([]Level, len(a.Levels))
	for i, level := range a.Levels {
		levels[i] = level
		if level.StrategyMetadata != nil {
			meta := *level.StrategyMetadata
			levels[i].StrategyMetadata = &meta
		}
	}
	return Ambiance{
		PlanExecutionID:   a.PlanExecutionID,
		SetupAbstractions: copyStrings(a.SetupAbstractions),
		Levels:            levels,
	}
}

// WithLevel returns a copy with level pushed on top.
func (a Ambiance) WithLevel(level Level) Ambiance {
	next := a.Clone()
	next.Levels = append(next.Levels, level)
	return next
}

// Parent returns a copy with the top level removed.
func (a Ambiance) Parent() Ambiance {
	next := a.Clone()
	if len(next.Levels) > 0 {
		next.Levels = next.Levels[:len(next.Levels)-1]
	}
	return next
}

// Depth is the number of levels.
func (a Ambiance) Depth() int {
	return len(a.Levels)
}

// CurrentLevel returns the top level.
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

// RuntimeID returns the runtime id of the top level.
func (a Ambiance) RuntimeID() string {
	level, _ := a.CurrentLevel()
	return level.RuntimeID
}

// ParentRuntimeID returns the runtime id one level below the top.
func (a Ambiance) ParentRuntimeID() string {
	if len(a.Levels) < 2 {
		return ""
	}
	return a.Levels[len(a.Levels)-2].RuntimeID
}

// AncestorRuntimeIDs lists the runtime ids below the top, nearest first.
func (a Ambiance) AncestorRuntimeIDs() []string {
	if len(a.Levels) < 2 {
		return nil
	}
	ids := make([]string, 0, len(a.Levels)-1)
	for i := len(a.Levels) - 2; i >= 0; i-- {
		ids = append(ids, a.Levels[i].RuntimeID)
	}
	return ids
}

// Contains reports whether runtimeID appears anywhere in the stack.
func (a Ambiance) Contains(runtimeID string) bool {
	for _, level := range a.Levels {
		if level.RuntimeID == runtimeID {
			return true
		}
	}
	return false
}

// NearestLevel walks from the top down and returns the first level tagged
// with group.
func (a Ambiance) NearestLevel(group pipeline.NodeGroup) (Level, bool) {
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if a.Levels[i].Group == group {
			return a.Levels[i], true
		}
	}
	return Level{}, false
}

// ScopeKey identifies the subtree rooted at the first depth levels.
func (a Ambiance) ScopeKey(depth int) string {
	if depth > len(a.Levels) {
		depth = len(a.Levels)
	}
	if depth <= 0 {
		return a.PlanExecutionID
	}
	parts := make([]string, 0, depth+1)
	parts = append(parts, a.PlanExecutionID)
	for _, level := range a.Levels[:depth] {
		parts = append(parts, level.RuntimeID)
	}
	return strings.Join(parts, scopeSeparator)
}

// OutputScope returns the scope a sweeping output produced at this ambiance
// is published under. Without a group the output is visible to siblings and
// their descendants. With a group it is visible to the whole subtree of the
// nearest level tagged with that group, falling back to plan scope.
func (a Ambiance) OutputScope(group pipeline.NodeGroup) string {
	if group == "" {
		return a.ScopeKey(len(a.Levels) - 1)
	}
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if a.Levels[i].Group == group {
			return a.ScopeKey(i + 1)
		}
	}
	return a.ScopeKey(0)
}

// NodeScope is the scope owned by the top level.
func (a Ambiance) NodeScope() string {
	return a.ScopeKey(len(a.Levels))
}

// ResolutionScopes lists the scopes visible from this ambiance, innermost
// first.
func (a Ambiance) ResolutionScopes() []string {
	scopes := make([]string, 0, len(a.Levels)+1)
	for depth := len(a.Levels); depth >= 0; depth-- {
		scopes = append(scopes, a.ScopeKey(depth))
	}
	return scopes
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
