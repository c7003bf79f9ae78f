package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventLeaderElected, NodeID: 2, Term: 1})

	select {
	case ev := <-sub:
		assert.Equal(t, EventLeaderElected, ev.Type)
		assert.Equal(t, uint64(2), ev.NodeID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		b.Publish(&Event{Type: EventNodeShutdown})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}

func TestSlowSubscriberDoesNotStallBroker(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	// Never drained: the broker must drop rather than block.
	for i := 0; i < 500; i++ {
		b.Publish(&Event{Type: EventRoleChanged, Term: uint64(i)})
	}

	require.Eventually(t, func() bool { return len(sub) > 0 }, time.Second, 10*time.Millisecond)
}
