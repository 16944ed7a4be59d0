package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

type recordingSink struct {
	mu      sync.Mutex
	results map[string]execution.TaskResult
	ch      chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{results: map[string]execution.TaskResult{}, ch: make(chan string, 16)}
}

func (s *recordingSink) OnTaskResult(_ context.Context, taskID string, raw []byte) error {
	var result execution.TaskResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	s.mu.Lock()
	s.results[taskID] = result
	s.mu.Unlock()
	s.ch <- taskID
	return nil
}

func (s *recordingSink) await(t *testing.T, taskID string) execution.TaskResult {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case id := <-s.ch:
			if id == taskID {
				s.mu.Lock()
				defer s.mu.Unlock()
				return s.results[id]
			}
		case <-deadline:
			t.Fatalf("no result for %s", taskID)
		}
	}
}

func startPool(t *testing.T, opts Options) (*Pool, *recordingSink) {
	t.Helper()
	pool := NewPool(opts, nil)
	require.NoError(t, RegisterBuiltins(pool))
	sink := newRecordingSink()
	pool.SetSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return pool, sink
}

func TestPoolReportsResults(t *testing.T) {
	t.Parallel()

	pool, sink := startPool(t, Options{Workers: 2})
	ctx := context.Background()

	id, err := pool.SubmitTask(ctx, ports.TaskRequest{TaskID: "echo-1", TaskType: TaskEcho, Parameters: []byte(`{"x":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "echo-1", id)
	result := sink.await(t, id)
	assert.Equal(t, execution.StatusSucceeded, result.Status)
	assert.JSONEq(t, `{"x":1}`, string(result.Output))

	failID, err := pool.SubmitTask(ctx, ports.TaskRequest{TaskType: TaskFail, Parameters: []byte(`{"message":"nope"}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, failID)
	result = sink.await(t, failID)
	assert.Equal(t, execution.StatusFailed, result.Status)
	assert.Equal(t, "nope", result.Error)

	slowID, err := pool.SubmitTask(ctx, ports.TaskRequest{TaskType: TaskSleep, Parameters: []byte(`{"duration":"1s"}`), Timeout: 5 * time.Millisecond})
	require.NoError(t, err)
	result = sink.await(t, slowID)
	assert.Equal(t, execution.StatusExpired, result.Status)
}

func TestPoolRejectsUnknownTypesAndDuplicates(t *testing.T) {
	t.Parallel()

	pool := NewPool(Options{}, nil)
	_, err := pool.SubmitTask(context.Background(), ports.TaskRequest{TaskType: "missing"})
	require.Error(t, err)

	require.NoError(t, RegisterBuiltins(pool))
	assert.Error(t, RegisterBuiltins(pool))
}

func TestPoolCancelSuppressesResult(t *testing.T) {
	t.Parallel()

	pool, sink := startPool(t, Options{Workers: 1})
	ctx := context.Background()

	started := make(chan struct{})
	require.NoError(t, pool.Register("block", func(ctx context.Context, _ []byte) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	id, err := pool.SubmitTask(ctx, ports.TaskRequest{TaskType: "block"})
	require.NoError(t, err)
	<-started
	require.NoError(t, pool.CancelTask(ctx, id))

	nextID, err := pool.SubmitTask(ctx, ports.TaskRequest{TaskType: TaskEcho})
	require.NoError(t, err)
	sink.await(t, nextID)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	_, reported := sink.results[id]
	assert.False(t, reported)
}
