package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipewright/internal/domain/execution"
	logginginfra "github.com/alexisbeaulieu97/pipewright/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

func TestLoggingPublisherIncludesCorrelationID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	logger, err := logginginfra.New(logginginfra.Options{Writer: buf, Level: "debug", Component: "publisher"})
	require.NoError(t, err)

	publisher := NewLoggingPublisher(logger)

	ctx := ports.WithCorrelationID(context.Background(), "abc-123")
	require.NoError(t, publisher.Publish(ctx, NewEvent(ports.EventPlanStarted, map[string]interface{}{"plan": "demo"})))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "domain event", entry["message"])
	require.Equal(t, ports.EventPlanStarted, entry["event_type"])
	require.Equal(t, "abc-123", entry["correlation_id"])
	require.Equal(t, "demo", entry["plan"])
}

func TestLoggingPublisherInvokesSubscribers(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	logger, err := logginginfra.New(logginginfra.Options{Writer: buf, Level: "debug"})
	require.NoError(t, err)
	publisher := NewLoggingPublisher(logger)

	var typed, wildcard int
	sub, err := publisher.Subscribe(ports.EventNodeStatusChanged, func(context.Context, ports.DomainEvent) error {
		typed++
		return errors.New("subscriber failed")
	})
	require.NoError(t, err)
	_, err = publisher.Subscribe(AllEvents, func(context.Context, ports.DomainEvent) error {
		wildcard++
		return nil
	})
	require.NoError(t, err)

	event := NewEvent(ports.EventNodeStatusChanged, NodeStatusEvent{NodeStatusUpdate: ports.NodeStatusUpdate{RuntimeID: "r-1", Status: execution.StatusRunning}})
	require.NoError(t, publisher.Publish(context.Background(), event))
	assert.Equal(t, 1, typed)
	assert.Equal(t, 1, wildcard)
	assert.True(t, strings.Contains(buf.String(), "event handler failed"))
	assert.True(t, strings.Contains(buf.String(), `"runtime_id":"r-1"`))

	sub.Unsubscribe()
	require.NoError(t, publisher.Publish(context.Background(), event))
	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, wildcard)
}

func TestObserverHubPublishesInOrder(t *testing.T) {
	t.Parallel()

	publisher := NewLoggingPublisher(nil)
	var mu sync.Mutex
	var types []string
	_, err := publisher.Subscribe(AllEvents, func(_ context.Context, event ports.DomainEvent) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, event.EventType())
		return nil
	})
	require.NoError(t, err)

	hub := NewObserverHub(publisher, nil, 16)
	ctx := context.Background()
	hub.OnStart(ctx, "plan-1", execution.StatusRunning)
	hub.OnNodeStatusUpdate(ctx, ports.NodeStatusUpdate{PlanExecutionID: "plan-1", Status: execution.StatusSucceeded})
	hub.OnEnd(ctx, "plan-1", execution.StatusSucceeded)
	hub.Flush()

	mu.Lock()
	assert.Equal(t, []string{ports.EventPlanStarted, ports.EventNodeStatusChanged, ports.EventPlanCompleted}, types)
	mu.Unlock()

	hub.Close()
	hub.OnEnd(ctx, "plan-1", execution.StatusSucceeded)
	hub.Close()
}
