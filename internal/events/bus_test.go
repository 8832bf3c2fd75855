// ABOUTME: Tests for the event bus fan-out
// ABOUTME: Covers ordering, multiple subscribers, cancellation, and close

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PreservesOrder(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())

	b.Publish(Event{Kind: SessionChanged, Epoch: 1})
	b.Publish(Event{Kind: ConsentApplied, Consent: &ConsentEvent{SubjectID: "usr_1", Action: ConsentGrant}})
	b.Publish(Event{Kind: SessionChanged, Epoch: 2})

	assert.Equal(t, uint64(1), receive(t, ch).Epoch)
	ev := receive(t, ch)
	assert.Equal(t, ConsentApplied, ev.Kind)
	assert.Equal(t, "usr_1", ev.Consent.SubjectID)
	assert.Equal(t, uint64(2), receive(t, ch).Epoch)
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())

	b.Publish(Event{Kind: SessionChanged, Ready: true})

	assert.True(t, receive(t, ch1).Ready)
	assert.True(t, receive(t, ch2).Ready)
}

func TestBus_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestBus_DropsForSlowSubscriber(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(Event{Kind: SessionChanged, Epoch: uint64(i)})
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	b := NewBus(nil)
	ch, id := b.Subscribe(t.Context())

	b.Close()
	b.Close()
	b.Unsubscribe(id)
	b.Publish(Event{Kind: SessionChanged})

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok, "subscribe after close returns a closed channel")
}
