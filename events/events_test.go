package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for handlers")
	}
}

func TestEventBus_SubscribeUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	h1 := &mockHandler{}
	h2 := &mockHandler{}
	eb.Subscribe(ArtifactCommitted, h1)
	eb.Subscribe(ArtifactCommitted, h2)

	eb.mu.RLock()
	assert.Len(t, eb.handlers[ArtifactCommitted], 2)
	eb.mu.RUnlock()

	assert.True(t, eb.Unsubscribe(ArtifactCommitted, h1))
	assert.True(t, eb.HasSubscribers(ArtifactCommitted))
	assert.False(t, eb.Unsubscribe(ArtifactCommitted, &mockHandler{}))
	assert.True(t, eb.Unsubscribe(ArtifactCommitted, h2))
	assert.False(t, eb.HasSubscribers(ArtifactCommitted))
	assert.False(t, eb.Unsubscribe(JoinFired, h2))
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	var got Event
	eb.SubscribeFunc(PositionChanged, func(ctx context.Context, event Event) error {
		defer wg.Done()
		got = event
		return nil
	})

	err := eb.Publish(context.Background(), Event{
		Type:       PositionChanged,
		InstanceID: "42",
		ActivityID: "review",
		Data:       map[string]interface{}{"position": []string{"end"}},
	})
	require.NoError(t, err)
	waitWithTimeout(t, &wg, time.Second)

	assert.Equal(t, "42", got.InstanceID)
	assert.Equal(t, "review", got.ActivityID)
	assert.False(t, got.Time.IsZero())
}

func TestEventBus_PublishErrors(t *testing.T) {
	t.Run("no handler", func(t *testing.T) {
		eb := NewEventBus()
		defer eb.Stop()
		err := eb.Publish(context.Background(), Event{Type: "unknown"})
		assert.ErrorIs(t, err, ErrNoHandler)
	})

	t.Run("after stop", func(t *testing.T) {
		eb := NewEventBus()
		eb.Subscribe(JoinFired, &mockHandler{})
		eb.Stop()
		err := eb.Publish(context.Background(), Event{Type: JoinFired})
		assert.ErrorIs(t, err, ErrBusClosed)
		assert.Equal(t, []error{ErrBusClosed}, eb.PublishSync(context.Background(), Event{Type: JoinFired}))
	})

	t.Run("cancelled context", func(t *testing.T) {
		eb := NewEventBus()
		defer eb.Stop()
		eb.Subscribe(JoinFired, &mockHandler{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := eb.Publish(ctx, Event{Type: JoinFired})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("channel full", func(t *testing.T) {
		block := make(chan struct{})
		eb := NewEventBus(WithBufferSize(1))
		defer eb.Stop()
		defer close(block)

		var started sync.WaitGroup
		started.Add(1)
		var once sync.Once
		eb.SubscribeFunc(JoinWaiting, func(ctx context.Context, event Event) error {
			once.Do(started.Done)
			<-block
			return nil
		})

		require.NoError(t, eb.Publish(context.Background(), Event{Type: JoinWaiting}))
		waitWithTimeout(t, &started, time.Second)
		require.NoError(t, eb.Publish(context.Background(), Event{Type: JoinWaiting}))
		assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: JoinWaiting}), ErrChannelFull)
	})
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.SubscribeFunc(PostconditionFailed, func(ctx context.Context, event Event) error {
		return errors.New("handler failed")
	})
	eb.SubscribeFunc(PostconditionFailed, func(ctx context.Context, event Event) error {
		panic("boom")
	})

	errs := eb.PublishSync(context.Background(), Event{Type: PostconditionFailed, InstanceID: "1"})
	require.Len(t, errs, 2)

	var msgs []string
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	assert.ElementsMatch(t, []string{"handler failed", "event handler panicked: boom"}, msgs)

	assert.Equal(t, []error{ErrNoHandler}, eb.PublishSync(context.Background(), Event{Type: "unknown"}))
}

func TestEventBus_WithOptions(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	var wg sync.WaitGroup
	wg.Add(1)

	eb := NewEventBus(
		WithBufferSize(200),
		WithErrorHandler(func(event Event, err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
			wg.Done()
		}),
	)
	defer eb.Stop()
	assert.Equal(t, 200, cap(eb.eventCh))

	eb.SubscribeFunc(ArtifactSaved, func(ctx context.Context, event Event) error {
		return errors.New("save hook failed")
	})
	require.NoError(t, eb.Publish(context.Background(), Event{Type: ArtifactSaved}))
	waitWithTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.EqualError(t, reported[0], "save hook failed")
}

func TestEventBus_LogsHandlerErrors(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	eb := NewEventBus(WithLogger(zap.New(core)))

	eb.SubscribeFunc(InstanceCompleted, func(ctx context.Context, event Event) error {
		return errors.New("notify failed")
	})
	require.NoError(t, eb.Publish(context.Background(), Event{Type: InstanceCompleted, InstanceID: "7"}))

	assert.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 10*time.Millisecond)
	eb.Stop()

	entry := logs.All()[0]
	assert.Equal(t, "event handler failed", entry.Message)
	assert.Equal(t, "7", entry.ContextMap()["instance"])
	assert.Equal(t, InstanceCompleted, entry.ContextMap()["event"])
}
