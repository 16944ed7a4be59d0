package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/app/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/config"
	domainexec "github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/domain/pipeline"
)

const approvalPlan = `name: gated
start: gate
nodes:
  - id: gate
    type: approval
    correlationId: http-gate
`

const holdPlan = `start: hold
nodes:
  - id: hold
    type: wait
    duration: 1m
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	rt, err := execution.NewRuntime(ctx, config.DefaultConfig(), nil, execution.WithMetricsRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Run(ctx)
	}()

	server := httptest.NewServer(NewServer(
		execution.New(execution.Dependencies{Engine: rt.Engine, Interrupts: rt.Interrupts}),
		WithMetrics("/metrics", rt.Metrics.Handler()),
		WithMaxBodyBytes(4<<10),
	))
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
		_ = rt.Close()
	})
	return server
}

func do(t *testing.T, method, url, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func submit(t *testing.T, base, doc string) string {
	t.Helper()
	resp, body := do(t, http.MethodPost, base+"/v1/plans", "application/yaml", doc)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var out SubmitResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.PlanExecutionID)
	assert.Equal(t, "/v1/plans/"+out.PlanExecutionID, resp.Header.Get("Location"))
	return out.PlanExecutionID
}

func planStatus(t *testing.T, base, id string) execution.PlanStatus {
	t.Helper()
	resp, body := do(t, http.MethodGet, base+"/v1/plans/"+id, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var status execution.PlanStatus
	require.NoError(t, json.Unmarshal(body, &status))
	return status
}

func waitForStatus(t *testing.T, base, id string, want domainexec.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return planStatus(t, base, id).Plan.Status == want
	}, 10*time.Second, 10*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	server := newTestServer(t)

	resp, body := do(t, http.MethodGet, server.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	id := submit(t, server.URL, "start: a\nnodes:\n  - id: a\n    type: noop\n")
	waitForStatus(t, server.URL, id, domainexec.StatusSucceeded)

	require.Eventually(t, func() bool {
		resp, body := do(t, http.MethodGet, server.URL+"/metrics", "", "")
		return resp.StatusCode == http.StatusOK &&
			strings.Contains(string(body), `pipewright_plan_executions_total{status="SUCCEEDED"} 1`)
	}, 10*time.Second, 10*time.Millisecond)
}

func TestSubmitAndApproveOverHTTP(t *testing.T) {
	t.Parallel()
	server := newTestServer(t)

	id := submit(t, server.URL, approvalPlan)

	require.Eventually(t, func() bool {
		resp, _ := do(t, http.MethodPost, server.URL+"/v1/callbacks/http-gate", "application/json", `{"approved":true,"by":"ops"}`)
		return resp.StatusCode == http.StatusAccepted
	}, 10*time.Second, 10*time.Millisecond)

	waitForStatus(t, server.URL, id, domainexec.StatusSucceeded)

	status := planStatus(t, server.URL, id)
	require.Len(t, status.Nodes, 1)
	assert.Equal(t, "gate", status.Nodes[0].NodeID)

	resp, body := do(t, http.MethodGet, server.URL+"/v1/plans", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var plans []domainexec.PlanExecution
	require.NoError(t, json.Unmarshal(body, &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, id, plans[0].ID)
}

func TestSubmitIsIdempotentWithID(t *testing.T) {
	t.Parallel()
	server := newTestServer(t)

	resp, body := do(t, http.MethodPost, server.URL+"/v1/plans?id=release-1&setup=env=prod", "application/json",
		`{"start":"a","nodes":[{"id":"a","type":"noop"}]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodPost, server.URL+"/v1/plans?id=release-1", "application/json",
		`{"start":"a","nodes":[{"id":"a","type":"noop"}]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var out SubmitResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "release-1", out.PlanExecutionID)

	waitForStatus(t, server.URL, "release-1", domainexec.StatusSucceeded)
	assert.Equal(t, "prod", planStatus(t, server.URL, "release-1").Plan.SetupAbstractions["env"])
}

func TestAbortInterruptOverHTTP(t *testing.T) {
	t.Parallel()
	server := newTestServer(t)

	id := submit(t, server.URL, holdPlan)
	require.Eventually(t, func() bool {
		return planStatus(t, server.URL, id).Counts()[domainexec.StatusRunning] == 1
	}, 10*time.Second, 10*time.Millisecond)

	resp, body := do(t, http.MethodPost, server.URL+"/v1/plans/"+id+"/interrupts", "application/json", `{"type":"ABORT_ALL","reason":"stop"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var raised domainexec.Interrupt
	require.NoError(t, json.Unmarshal(body, &raised))
	assert.Equal(t, domainexec.InterruptAbortAll, raised.Type)

	waitForStatus(t, server.URL, id, domainexec.StatusAborted)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	server := newTestServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   pipeline.ErrorCode
		field  string
	}{
		{name: "unknown plan", method: http.MethodGet, path: "/v1/plans/nope", status: http.StatusNotFound, code: pipeline.ErrCodeNotFound},
		{name: "malformed document", method: http.MethodPost, path: "/v1/plans", body: "start: [", status: http.StatusBadRequest, code: pipeline.ErrCodeValidation},
		{name: "invalid plan", method: http.MethodPost, path: "/v1/plans", body: "start: a\nnodes:\n  - id: a\n    type: noop\n    next: b\n", status: http.StatusBadRequest, code: pipeline.ErrCodeNotFound, field: "nodes.a"},
		{name: "bad setup", method: http.MethodPost, path: "/v1/plans?setup=oops", body: "start: a\nnodes:\n  - id: a\n    type: noop\n", status: http.StatusBadRequest, code: pipeline.ErrCodeValidation},
		{name: "unknown correlation", method: http.MethodPost, path: "/v1/callbacks/missing", body: `{}`, status: http.StatusNotFound, code: pipeline.ErrCodeNotFound},
		{name: "callback not json", method: http.MethodPost, path: "/v1/callbacks/missing", body: `nope`, status: http.StatusBadRequest, code: pipeline.ErrCodeValidation},
		{name: "task result not terminal", method: http.MethodPost, path: "/v1/tasks/t1/result", body: `{"status":"RUNNING"}`, status: http.StatusBadRequest, code: pipeline.ErrCodeValidation},
		{name: "interrupt on unknown plan", method: http.MethodPost, path: "/v1/plans/nope/interrupts", body: `{"type":"ABORT_ALL"}`, status: http.StatusNotFound, code: pipeline.ErrCodeNotFound},
		{name: "interrupt bad body", method: http.MethodPost, path: "/v1/plans/nope/interrupts", body: `[`, status: http.StatusBadRequest, code: pipeline.ErrCodeValidation},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, tc.method, server.URL+tc.path, "", tc.body)
			require.Equal(t, tc.status, resp.StatusCode, string(body))
			var out ErrorResponse
			require.NoError(t, json.Unmarshal(body, &out))
			assert.Equal(t, string(tc.code), out.Code)
			if tc.field != "" {
				assert.Equal(t, tc.field, out.Field)
			}
		})
	}
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()
	server := newTestServer(t)

	resp, _ := do(t, http.MethodPost, server.URL+"/v1/plans", "application/yaml", strings.Repeat("#", 8<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestStatusForCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusConflict, statusForCode(pipeline.ErrCodeState))
	assert.Equal(t, http.StatusGatewayTimeout, statusForCode(pipeline.ErrCodeTimeout))
	assert.Equal(t, http.StatusInternalServerError, statusForCode(pipeline.ErrCodeFatal))

	status, body := errorResponse(io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, string(pipeline.ErrCodeInternal), body.Code)
}
