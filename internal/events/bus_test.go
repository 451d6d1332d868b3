package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zps-zest/zest/internal/events"
	"github.com/zps-zest/zest/pkg/models"
)

func TestBus_RingBuffer(t *testing.T) {
	bus := events.NewBus(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		bus.Publish(models.Event{Kind: models.EventState, Message: msg})
	}

	recent := bus.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "b", recent[0].Message)
	assert.Equal(t, int64(4), recent[2].Seq)
	assert.False(t, recent[2].Timestamp.IsZero())

	last := bus.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "d", last[0].Message)
}

func TestBus_SinceFiltersBySession(t *testing.T) {
	bus := events.NewBus(10)
	bus.Publish(models.Event{SessionID: "s1", Message: "one"})
	bus.Publish(models.Event{SessionID: "s2", Message: "two"})
	bus.ForSession("s1").Publish(models.Event{Message: "three"})

	got := bus.Since(1, "s1")
	require.Len(t, got, 1)
	assert.Equal(t, "three", got[0].Message)
	assert.Equal(t, "s1", got[0].SessionID)

	assert.Len(t, bus.Since(0, ""), 3)
}

func TestBus_Subscribe(t *testing.T) {
	bus := events.NewBus(10)
	ch := bus.Subscribe("s1")

	bus.Publish(models.Event{SessionID: "s2", Message: "other"})
	bus.Publish(models.Event{SessionID: "s1", Message: "mine"})

	select {
	case e := <-ch:
		assert.Equal(t, "mine", e.Message)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	bus.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	// Second unsubscribe is a no-op.
	bus.Unsubscribe(ch)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := events.NewBus(200)
	ch := bus.Subscribe("")
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 150; i++ {
			bus.Publish(models.Event{Message: "tick"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, ch, 64)
}
