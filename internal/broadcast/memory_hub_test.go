package broadcast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

func TestMemoryHub_PublishToSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	err = hub.Publish(ctx, ProgressEvent{
		ExecutionID: "exec-1",
		EventType:   schema.EventStepStarted,
		Status:      schema.StatusInProgress,
		StepLabel:   "Review",
		Percent:     50,
	})
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, "exec-1", ev.ExecutionID)
	assert.Equal(t, schema.EventStepStarted, ev.EventType)
	assert.Equal(t, 50, ev.Percent)
}

func TestMemoryHub_FilterByExecutionID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, ProgressEvent{ExecutionID: "exec-2", EventType: schema.EventStepStarted}))
	require.NoError(t, hub.Publish(ctx, ProgressEvent{ExecutionID: "exec-1", EventType: schema.EventStepCompleted}))

	ev := <-ch
	assert.Equal(t, "exec-1", ev.ExecutionID)
	assert.Empty(t, ch)
}

func TestMemoryHub_FilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{EventTypes: []string{schema.EventEscalationTriggered}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, ProgressEvent{ExecutionID: "exec-1", EventType: schema.EventStepStarted}))
	require.NoError(t, hub.Publish(ctx, ProgressEvent{ExecutionID: "exec-1", EventType: schema.EventEscalationTriggered}))

	ev := <-ch
	assert.Equal(t, schema.EventEscalationTriggered, ev.EventType)
}

func TestMemoryHub_RoutesByExecutionIndex(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	one, cancelOne, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancelOne()
	two, cancelTwo, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec-2"})
	require.NoError(t, err)
	defer cancelTwo()
	all, cancelAll, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancelAll()

	require.NoError(t, hub.Publish(ctx, ProgressEvent{ExecutionID: "exec-1", EventType: schema.EventStepStarted}))

	// The event reaches exec-1's watcher and the firehose, never exec-2's.
	ev := <-one
	assert.Equal(t, "exec-1", ev.ExecutionID)
	ev = <-all
	assert.Equal(t, "exec-1", ev.ExecutionID)
	assert.Empty(t, two)

	// Cancelling the last watcher of an execution drops its index entry.
	cancelOne()
	hub.mu.Lock()
	_, ok := hub.byExec["exec-1"]
	hub.mu.Unlock()
	assert.False(t, ok)
}

func TestMemoryHub_PublishWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewMemoryHub()
	err := hub.Publish(context.Background(), ProgressEvent{ExecutionID: "ghost"})
	assert.NoError(t, err)
}

func TestMemoryHub_CancelRemovesSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, ProgressEvent{ExecutionID: "exec-1"}))
	assert.Empty(t, ch)
}

func TestMemoryHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	// Fill the buffer and one more; the overflow event must be dropped
	// without blocking the publisher.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, ProgressEvent{ExecutionID: "exec-1", Percent: i}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}
