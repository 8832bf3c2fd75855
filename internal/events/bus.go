// ABOUTME: In-memory fan-out bus for session and consent events
// ABOUTME: Subscribers receive events in publication order on buffered channels

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/spendsense/internal/credential"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Kind identifies an event type.
type Kind string

const (
	// SessionChanged is published after every session transition.
	SessionChanged Kind = "session_changed"
	// ConsentApplied is published after the cache applied a grant or revoke.
	ConsentApplied Kind = "consent_applied"
)

// ConsentAction is the direction of a consent change.
type ConsentAction string

const (
	ConsentGrant  ConsentAction = "grant"
	ConsentRevoke ConsentAction = "revoke"
)

// ConsentEvent records a consent change for one subject.
type ConsentEvent struct {
	SubjectID string
	Action    ConsentAction
}

// Event is a single notification delivered to subscribers.
// Session fields are set for SessionChanged, Consent for ConsentApplied.
type Event struct {
	Kind Kind

	Principal *credential.Principal
	Ready     bool
	Epoch     uint64

	Consent *ConsentEvent
	// Affected is the number of cache entries touched by a consent event.
	Affected int
}

// Bus provides pub/sub for core events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber and returns its channel and ID.
// The subscription is removed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers event to every subscriber.
// Non-blocking: events are dropped for subscribers whose channels are full.
// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", id,
				"kind", event.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes all subscriber channels. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}

	b.logger.Debug("bus closed")
}
