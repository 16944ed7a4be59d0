package components

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
)

func TestNodeListOrdersChildrenUnderParents(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	nodes := []*execution.NodeExecution{
		{UUID: "root", NodeID: "release", StepType: "chain", Status: execution.StatusRunning, StartTs: start},
		{UUID: "a", NodeID: "build", ParentID: "root", Status: execution.StatusSucceeded, StartTs: start, EndTs: start.Add(2 * time.Second)},
		{UUID: "b", NodeID: "fan", ParentID: "root", Status: execution.StatusRunning, StartTs: start},
		{UUID: "c", NodeID: "lint", Identifier: "lint-go", ParentID: "b", Status: execution.StatusFailed,
			FailureInfo: &execution.FailureInfo{Message: "boom"}, InterventionWaiting: true},
		{UUID: "d", NodeID: "orphan", ParentID: "gone", Status: execution.StatusQueued},
	}

	entries := NewNodeList(nodes, start.Add(5*time.Second)).Entries()
	require.Len(t, entries, 5)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	require.Equal(t, []string{"release", "build", "fan", "lint-go", "orphan"}, names)

	require.Equal(t, 0, entries[0].Depth)
	require.Equal(t, 5*time.Second, entries[0].Duration)
	require.Equal(t, 1, entries[1].Depth)
	require.Equal(t, 2*time.Second, entries[1].Duration)
	require.Equal(t, 2, entries[3].Depth)
	require.Equal(t, "boom", entries[3].Message)
	require.True(t, entries[3].Waiting)
	require.Zero(t, entries[3].Duration)
	require.Equal(t, 0, entries[4].Depth)
}

func TestNodeListEmpty(t *testing.T) {
	t.Parallel()
	require.Empty(t, NewNodeList(nil, time.Now()).Entries())
}
