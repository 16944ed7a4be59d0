package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
	pwerrors "github.com/alexisbeaulieu97/pipewright/pkg/errors"
)

const releasePlan = `name: release
start: release
nodes:
  - id: release
    type: chain
    group: PIPELINE
    children: [build, checks, gate, publish]
  - id: build
    name: Build artifacts
    type: task
    taskType: echo
    payload:
      target: linux
    timeout: 30s
    outputName: artifact
  - id: checks
    type: parallel
    maxConcurrency: 2
    children: [lint, unit]
  - id: lint
    type: wait
    duration: 10ms
  - id: unit
    type: noop
    onFailure: MANUAL_INTERVENTION
  - id: gate
    type: approval
    correlationId: release-gate
    message: ship it?
  - id: publish
    type: stage
    child: announce
  - id: announce
    type: outputs
    scope: STAGE
    values:
      channel: releases
    require: [artifact]
  - id: undo
    type: notify
    with:
      url: https://example.test/hook
rollback:
  - node: undo
    dependsOn: build
    always: true
`

func TestDecodePlanBuildsEveryNodeType(t *testing.T) {
	t.Parallel()

	plan, err := DecodePlan([]byte(releasePlan))
	require.NoError(t, err)
	require.Equal(t, "release", plan.Name)
	require.Equal(t, "release", plan.StartingNodeID)
	require.Len(t, plan.Nodes, 9)

	index := plan.Index()

	release := index["release"]
	require.Equal(t, pipeline.ParametersChildChain, release.Parameters.Kind)
	require.Equal(t, []string{"build", "checks", "gate", "publish"}, release.Parameters.ChildChain.ChildNodeIDs)
	require.Equal(t, pipeline.GroupPipeline, release.Group)

	build := index["build"]
	require.Equal(t, "build", build.Identifier)
	require.Equal(t, "Build artifacts", build.DisplayName())
	require.Equal(t, pipeline.ParametersTask, build.Parameters.Kind)
	require.Equal(t, "echo", build.Parameters.Task.TaskType)
	require.Equal(t, 30*time.Second, build.Parameters.Task.Timeout)
	require.Equal(t, "linux", build.Parameters.Task.Payload["target"])
	require.Equal(t, "artifact", build.Parameters.Task.OutputName)

	checks := index["checks"]
	require.Equal(t, 2, checks.Parameters.Children.MaxConcurrency)
	require.Equal(t, []string{"lint", "unit"}, checks.Parameters.Children.ChildNodeIDs)

	require.Equal(t, 10*time.Millisecond, index["lint"].Parameters.Wait.Duration)
	require.Equal(t, pipeline.ParametersNone, index["unit"].Parameters.Kind)
	require.True(t, index["unit"].HoldsOnFailure())
	require.Equal(t, "release-gate", index["gate"].Parameters.Approval.CorrelationID)
	require.Equal(t, "announce", index["publish"].Parameters.Child.ChildNodeID)

	announce := index["announce"].Parameters.Outputs
	require.Equal(t, pipeline.GroupStage, announce.Group)
	require.Equal(t, []string{"artifact"}, announce.Require)

	undo := index["undo"]
	require.Equal(t, pipeline.ParametersCustom, undo.Parameters.Kind)
	require.Equal(t, "https://example.test/hook", undo.Parameters.Custom["url"])

	require.Equal(t, []pipeline.RollbackNode{{NodeID: "undo", DependentNodeIdentifier: "build", ShouldAlwaysRun: true}}, plan.RollbackNodes)
}

func TestDecodePlanAcceptsJSON(t *testing.T) {
	t.Parallel()

	plan, err := DecodePlan([]byte(`{"start":"a","nodes":[{"id":"a","type":"wait","duration":"1s","next":"b"},{"id":"b","type":"noop"}]}`))
	require.NoError(t, err)
	require.Equal(t, "b", plan.Nodes[0].NextNodeID)
	require.Equal(t, time.Second, plan.Nodes[0].Parameters.Wait.Duration)
}

func TestParsePlanReadsFiles(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "release.yaml", releasePlan)
	plan, err := ParsePlan(path)
	require.NoError(t, err)
	require.Equal(t, "release", plan.Name)

	_, err = ParsePlan(path + ".missing")
	var parseErr *pwerrors.ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, path+".missing", parseErr.Path)
}

func TestDecodePlanParseErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		line int
	}{
		{name: "empty document", doc: ""},
		{name: "malformed yaml", doc: "start: a\nnodes: [\n"},
		{name: "wrong shape", doc: "start: a\nnodes:\n  - id: a\n    type: parallel\n    children: lint\n", line: 5},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodePlan([]byte(tc.doc))
			var parseErr *pwerrors.ParseError
			require.ErrorAs(t, err, &parseErr)
			if tc.line > 0 {
				require.Equal(t, tc.line, parseErr.Line)
			}
		})
	}
}

func TestDecodePlanValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		doc   string
		field string
		code  pipeline.ErrorCode
	}{
		{
			name:  "missing start",
			doc:   "nodes:\n  - id: a\n    type: noop\n",
			field: "start",
		},
		{
			name:  "bad node id",
			doc:   "start: a\nnodes:\n  - id: a b\n    type: noop\n",
			field: "nodes[0].id",
		},
		{
			name:  "unknown failure strategy",
			doc:   "start: a\nnodes:\n  - id: a\n    type: noop\n    onFailure: RETRY\n",
			field: "nodes[0].onFailure",
		},
		{
			name:  "parallel without children",
			doc:   "start: a\nnodes:\n  - id: a\n    type: parallel\n",
			field: "nodes[0].children",
		},
		{
			name:  "task without task type",
			doc:   "start: a\nnodes:\n  - id: a\n    type: task\n",
			field: "nodes[0].taskType",
		},
		{
			name:  "unknown next node",
			doc:   "start: a\nnodes:\n  - id: a\n    type: noop\n    next: b\n",
			field: "nodes.a",
			code:  pipeline.ErrCodeNotFound,
		},
		{
			name:  "duplicate ids",
			doc:   "start: a\nnodes:\n  - id: a\n    type: noop\n  - id: a\n    type: noop\n",
			field: "plan",
			code:  pipeline.ErrCodeDuplicate,
		},
		{
			name:  "cycle",
			doc:   "start: a\nnodes:\n  - id: a\n    type: stage\n    child: b\n  - id: b\n    type: noop\n    next: a\n",
			field: "plan",
			code:  pipeline.ErrCodeCycle,
		},
		{
			name:  "unknown rollback node",
			doc:   "start: a\nnodes:\n  - id: a\n    type: noop\nrollback:\n  - node: undo\n",
			field: "plan",
			code:  pipeline.ErrCodeNotFound,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodePlan([]byte(tc.doc))
			var validationErr *pwerrors.ValidationError
			require.ErrorAs(t, err, &validationErr)
			require.Equal(t, tc.field, validationErr.Field)
			if tc.code != "" {
				require.True(t, pipeline.HasCode(err, tc.code), "got %v", err)
			}
		})
	}
}

func TestPlanDocumentRequiresDecodedParameters(t *testing.T) {
	t.Parallel()

	doc := PlanDocument{Start: "a", Nodes: []NodeDocument{{ID: "a", Type: "wait"}}}
	_, err := doc.Plan()
	var validationErr *pwerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "nodes[0].type", validationErr.Field)
}
