package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func event(instanceID string, typ schema.EventType) schema.WorkflowEvent {
	return schema.WorkflowEvent{
		ID:           instanceID + "-" + string(typ),
		Type:         typ,
		InstanceID:   instanceID,
		DefinitionID: "def-" + instanceID,
		Timestamp:    time.Now().UTC(),
	}
}

func receive(t *testing.T, ch <-chan schema.WorkflowEvent) schema.WorkflowEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.WorkflowEvent{}
}

func assertEmpty(t *testing.T, ch <-chan schema.WorkflowEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	ev := event("i-1", schema.EventStepCompleted)
	ev.StepID = "s1"
	ev.Data = map[string]any{"output": "ok"}
	require.NoError(t, hub.Publish(ctx, ev))

	assert.Equal(t, ev, receive(t, ch))
}

func TestEventFilter_Matches(t *testing.T) {
	ev := event("i-1", schema.EventStepStarted)

	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"empty", EventFilter{}, true},
		{"instance match", EventFilter{InstanceID: "i-1"}, true},
		{"instance mismatch", EventFilter{InstanceID: "i-2"}, false},
		{"definition match", EventFilter{DefinitionID: "def-i-1"}, true},
		{"definition mismatch", EventFilter{DefinitionID: "other"}, false},
		{"type listed", EventFilter{Types: []schema.EventType{schema.EventFailed, schema.EventStepStarted}}, true},
		{"type not listed", EventFilter{Types: []schema.EventType{schema.EventCompleted}}, false},
		{"all fields", EventFilter{InstanceID: "i-1", DefinitionID: "def-i-1", Types: []schema.EventType{schema.EventStepStarted}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(ev))
		})
	}
}

func TestFilteredSubscription(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		InstanceID: "i-1",
		Types:      []schema.EventType{schema.EventCompleted, schema.EventFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, event("i-1", schema.EventStepStarted)))
	require.NoError(t, hub.Publish(ctx, event("i-2", schema.EventCompleted)))
	require.NoError(t, hub.Publish(ctx, event("i-1", schema.EventCompleted)))

	got := receive(t, ch)
	assert.Equal(t, "i-1", got.InstanceID)
	assert.Equal(t, schema.EventCompleted, got.Type)
	assertEmpty(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()
	assert.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, event("i-1", schema.EventStarted)))
	for _, ch := range []<-chan schema.WorkflowEvent{ch1, ch2} {
		assert.Equal(t, schema.EventStarted, receive(t, ch).Type)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel()
	require.NoError(t, hub.Publish(ctx, event("i-1", schema.EventStarted)))

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, hub.Subscribers())
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	hub := NewHub(WithBuffer(4))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, hub.Publish(ctx, event("i-1", schema.EventStepStarted)))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, 4, drained)
	assert.Equal(t, int64(6), hub.Dropped())
}

func TestHandlerPublishes(t *testing.T) {
	hub := NewHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// A cancelled caller context must not stop fan-out.
	ctx, stop := context.WithCancel(context.Background())
	stop()
	handler := hub.Handler()
	require.NoError(t, handler(ctx, event("i-1", schema.EventResumed)))
	assert.Equal(t, schema.EventResumed, receive(t, ch).Type)

	hub.Close()
	assert.NoError(t, handler(context.Background(), event("i-1", schema.EventCompleted)))
}

func TestClose(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	hub.Close()
	hub.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, hub.Publish(ctx, event("i-1", schema.EventStarted)), ErrHubClosed)
	_, _, err = hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestCancelledContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, event("i-1", schema.EventStarted)), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, event("i-1", schema.EventStepStarted))
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}
