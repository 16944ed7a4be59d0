// Package tasks runs delegated task work on a local worker pool.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// Executor performs one task. The returned bytes become the task output.
type Executor func(ctx context.Context, parameters []byte) (json.RawMessage, error)

// Options tune the pool.
type Options struct {
	Workers        int
	DefaultTimeout time.Duration
	QueueSize      int
}

// Pool is a ports.TaskDispatcher backed by goroutines. Results are reported
// to the sink as serialized execution.TaskResult values.
type Pool struct {
	opts   Options
	logger ports.Logger

	mu        sync.Mutex
	executors map[string]Executor
	sink      ports.TaskResultSink
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool

	queue chan job
}

type job struct {
	id      string
	request ports.TaskRequest
}

// NewPool creates a pool. Call Run to start the workers.
func NewPool(opts Options, logger ports.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Pool{
		opts:      opts,
		logger:    logger,
		executors: make(map[string]Executor),
		cancels:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		queue:     make(chan job, opts.QueueSize),
	}
}

// Register adds an executor for taskType.
func (p *Pool) Register(taskType string, executor Executor) error {
	if taskType == "" || executor == nil {
		return fmt.Errorf("register task executor: type and executor are required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.executors[taskType]; exists {
		return fmt.Errorf("task executor %q already registered", taskType)
	}
	p.executors[taskType] = executor
	return nil
}

// SetSink wires the receiver of task results.
func (p *Pool) SetSink(sink ports.TaskResultSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// SubmitTask implements ports.TaskDispatcher.
func (p *Pool) SubmitTask(ctx context.Context, req ports.TaskRequest) (string, error) {
	p.mu.Lock()
	_, known := p.executors[req.TaskType]
	p.mu.Unlock()
	if !known {
		return "", fmt.Errorf("no executor registered for task type %q", req.TaskType)
	}

	id := req.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	select {
	case p.queue <- job{id: id, request: req}:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CancelTask implements ports.TaskDispatcher. Cancelled tasks report no
// result.
func (p *Pool) CancelTask(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled[taskID] = true
	if cancel, ok := p.cancels[taskID]; ok {
		cancel()
	}
	return nil
}

// Run processes tasks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case j := <-p.queue:
					p.execute(groupCtx, j)
				}
			}
		})
	}
	return group.Wait()
}

func (p *Pool) execute(ctx context.Context, j job) {
	timeout := j.request.Timeout
	if timeout <= 0 {
		timeout = p.opts.DefaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.mu.Lock()
	if p.cancelled[j.id] {
		delete(p.cancelled, j.id)
		p.mu.Unlock()
		return
	}
	executor := p.executors[j.request.TaskType]
	p.cancels[j.id] = cancel
	p.mu.Unlock()

	started := time.Now()
	output, err := runExecutor(taskCtx, executor, j.request.Parameters)

	p.mu.Lock()
	delete(p.cancels, j.id)
	wasCancelled := p.cancelled[j.id]
	delete(p.cancelled, j.id)
	sink := p.sink
	p.mu.Unlock()

	if wasCancelled || ctx.Err() != nil {
		return
	}

	result := execution.TaskResult{Status: execution.StatusSucceeded, Output: output}
	switch {
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		result = execution.TaskResult{Status: execution.StatusExpired, Error: fmt.Sprintf("task timed out after %s", timeout)}
	case err != nil:
		result = execution.TaskResult{Status: execution.StatusFailed, Error: err.Error()}
	}

	if p.logger != nil {
		p.logger.Debug(ctx, "task finished",
			"task_id", j.id,
			"task_type", j.request.TaskType,
			"owner", j.request.Owner,
			"status", result.Status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}

	if sink == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := sink.OnTaskResult(ctx, j.id, raw); err != nil && p.logger != nil {
		p.logger.Warn(ctx, "task result delivery failed", "task_id", j.id, "error", err)
	}
}

func runExecutor(ctx context.Context, executor Executor, params []byte) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return executor(ctx, params)
}

var _ ports.TaskDispatcher = (*Pool)(nil)
