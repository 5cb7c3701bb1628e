// Package bus provides the in-process event bus the client runtime uses to
// fan state changes out to interested surfaces. Delivery is synchronous:
// Publish invokes current subscribers inline and returns when they have all
// run. Subscribers must not block.
package bus

import "sync"

// Kind identifies an event type on the bus.
type Kind string

const (
	// KindRelationshipChanged fires after a follow or unfollow settles
	// successfully. Optimistic flips and rollbacks do not fire it.
	KindRelationshipChanged Kind = "relationship.changed"

	// KindPresenceChanged fires when a livestream's presence record moves:
	// viewer count, live status, or both.
	KindPresenceChanged Kind = "presence.changed"

	// KindTokensUpdated fires when the session tokens are replaced, either
	// by sign-in or by a background refresh.
	KindTokensUpdated Kind = "session.tokens_updated"

	// KindSessionEnded fires on sign-out or when the session becomes
	// unrecoverable. Stores holding viewer-scoped state reset on it.
	KindSessionEnded Kind = "session.ended"
)

// Event is a payload published on the bus.
type Event interface {
	Kind() Kind
}

// RelationshipChanged reports a settled follow-state change.
type RelationshipChanged struct {
	EntityID  string
	Following bool
}

// Kind implements Event.
func (RelationshipChanged) Kind() Kind { return KindRelationshipChanged }

// PresenceChanged reports a livestream presence move.
type PresenceChanged struct {
	EntityID    string
	ViewerCount int
	Live        bool
}

// Kind implements Event.
func (PresenceChanged) Kind() Kind { return KindPresenceChanged }

// TokensUpdated reports that session credentials were replaced.
type TokensUpdated struct{}

// Kind implements Event.
func (TokensUpdated) Kind() Kind { return KindTokensUpdated }

// SessionEnded reports that the viewer signed out or the session became
// unrecoverable.
type SessionEnded struct{}

// Kind implements Event.
func (SessionEnded) Kind() Kind { return KindSessionEnded }

// Handler consumes one published event.
type Handler func(Event)

type subscriber struct {
	id int
	fn Handler
}

// Bus is a synchronous in-process publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Kind][]subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]subscriber)}
}

// Subscribe registers fn for events of the given kind and returns an
// unsubscribe function. Subscribers are invoked in subscription order; a
// subscription taken during a publish takes effect for the next publish.
func (b *Bus) Subscribe(kind Kind, fn Handler) (unsubscribe func()) {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(kind, id)
		})
	}
}

func (b *Bus) remove(kind Kind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every current subscriber of its kind,
// inline and in subscription order. Publishing on a nil bus is a no-op.
func (b *Bus) Publish(event Event) {
	if b == nil || event == nil {
		return
	}
	b.mu.RLock()
	subs := b.subs[event.Kind()]
	snapshot := make([]subscriber, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.fn(event)
	}
}
