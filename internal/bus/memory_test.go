package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepEvent struct {
	Type     string `json:"type"`
	Step     string `json:"step"`
	Progress int    `json:"progress"`
}

func collect(t *testing.T, sub *Subscription, n int) []stepEvent {
	t.Helper()
	var events []stepEvent
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case raw, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(events), n)
			}
			var ev stepEvent
			require.NoError(t, json.Unmarshal(raw, &ev))
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestMemoryBusBroadcast(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub1, err := b.Subscribe(Topic(1))
	require.NoError(t, err)
	sub2, err := b.Subscribe(Topic(1))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Topic(1), stepEvent{Type: "analysis.step", Step: "start"}))

	for _, sub := range []*Subscription{sub1, sub2} {
		events := collect(t, sub, 1)
		assert.Equal(t, "start", events[0].Step)
	}
}

func TestMemoryBusReplayForLateSubscriber(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	steps := []string{"start", "whois_lookup", "create_submission"}
	for _, step := range steps {
		require.NoError(t, b.Publish(ctx, Topic(2), stepEvent{Type: "analysis.step", Step: step}))
	}

	sub, err := b.Subscribe(Topic(2))
	require.NoError(t, err)
	defer sub.Close()

	events := collect(t, sub, len(steps))
	for i, step := range steps {
		assert.Equal(t, step, events[i].Step)
	}
}

func TestMemoryBusHistoryCap(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	total := MaxEventHistory + 25
	for i := 0; i < total; i++ {
		require.NoError(t, b.Publish(ctx, Topic(3), stepEvent{Type: "delta", Progress: i}))
	}

	sub, err := b.Subscribe(Topic(3))
	require.NoError(t, err)
	defer sub.Close()

	events := collect(t, sub, MaxEventHistory)
	assert.Equal(t, 25, events[0].Progress)
	assert.Equal(t, total-1, events[len(events)-1].Progress)
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(Topic(4))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, Topic(5), stepEvent{Step: "other"}))
	require.NoError(t, b.Publish(ctx, Topic(4), stepEvent{Step: "mine"}))

	events := collect(t, sub, 1)
	assert.Equal(t, "mine", events[0].Step)
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe(Topic(6))
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "events channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}

	// Publishing after a subscriber left must not error or block.
	require.NoError(t, b.Publish(context.Background(), Topic(6), stepEvent{Step: "late"}))
}

func TestMemoryBusSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(Topic(7))
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if err := b.Publish(ctx, Topic(7), stepEvent{Progress: i}); err != nil {
				t.Errorf("Publish() error = %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}

	events := collect(t, sub, 200)
	assert.Equal(t, 199, events[199].Progress)
}
