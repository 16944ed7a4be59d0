package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Built-in task types.
const (
	TaskEcho  = "echo"
	TaskSleep = "sleep"
	TaskFail  = "fail"
)

// RegisterBuiltins adds the echo, sleep and fail executors.
func RegisterBuiltins(p *Pool) error {
	builtins := map[string]Executor{
		TaskEcho:  echo,
		TaskSleep: sleep,
		TaskFail:  fail,
	}
	for _, name := range []string{TaskEcho, TaskSleep, TaskFail} {
		if err := p.Register(name, builtins[name]); err != nil {
			return err
		}
	}
	return nil
}

func echo(_ context.Context, params []byte) (json.RawMessage, error) {
	if len(params) == 0 {
		return json.RawMessage(`null`), nil
	}
	return append(json.RawMessage(nil), params...), nil
}

type sleepParams struct {
	Duration string `json:"duration"`
}

func sleep(ctx context.Context, params []byte) (json.RawMessage, error) {
	var p sleepParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode sleep parameters: %w", err)
		}
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return nil, fmt.Errorf("sleep duration: %w", err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return json.Marshal(map[string]string{"slept": d.String()})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failParams struct {
	Message string `json:"message"`
}

func fail(_ context.Context, params []byte) (json.RawMessage, error) {
	p := failParams{Message: "task failed"}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	return nil, errors.New(p.Message)
}
