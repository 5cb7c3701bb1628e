// Package relationship reconciles the viewer's follow graph with the
// platform. Toggles apply optimistically and roll back on failure; batch
// hydration fills the store from feed payloads with at most one network
// call.
package relationship

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sidelinehq/sideline/internal/bus"
	"github.com/sidelinehq/sideline/internal/metrics"
	apperrors "github.com/sidelinehq/sideline/internal/platform/errors"
)

// defaultPendingTimeout bounds how long a mutation marker can block an
// entity when its flight never settles.
const defaultPendingTimeout = 10 * time.Second

// API is the slice of the platform client the store depends on.
type API interface {
	FollowEntity(ctx context.Context, entityID string) error
	UnfollowEntity(ctx context.Context, entityID string) error
	BatchCheckFollowStatus(ctx context.Context, entityIDs []string) (map[string]bool, error)
	CheckFollowStatus(ctx context.Context, entityID string) (bool, error)
}

// ViewerSource reports whether a viewer session is active.
type ViewerSource interface {
	Authenticated() bool
}

// Candidate is one entity to hydrate. Feeds that already embed follow
// state set FollowKnown so hydration can skip the network for them.
type Candidate struct {
	EntityID    string
	FollowKnown bool
	Following   bool
}

// Config adjusts store behavior. The zero value uses real time and the
// default pending timeout.
type Config struct {
	Clock          func() time.Time
	PendingTimeout time.Duration
}

// Store tracks which entities the signed-in viewer follows.
type Store struct {
	api            API
	bus            *bus.Bus
	viewer         ViewerSource
	clock          func() time.Time
	pendingTimeout time.Duration

	mu        sync.RWMutex
	following map[string]struct{}
	pending   map[string]time.Time
}

// New creates a follow store publishing changes on b.
func New(api API, b *bus.Bus, viewer ViewerSource, cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.PendingTimeout
	if timeout <= 0 {
		timeout = defaultPendingTimeout
	}
	return &Store{
		api:            api,
		bus:            b,
		viewer:         viewer,
		clock:          clock,
		pendingTimeout: timeout,
		following:      make(map[string]struct{}),
		pending:        make(map[string]time.Time),
	}
}

// IsFollowing reports the local follow state for an entity. It never
// touches the network; call Hydrate first to seed the store.
func (s *Store) IsFollowing(entityID string) bool {
	if s == nil {
		return false
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return false
	}
	s.mu.RLock()
	_, ok := s.following[entityID]
	s.mu.RUnlock()
	return ok
}

// Hydrate seeds follow state for a page of candidates. Annotated
// candidates apply directly; the remaining ids are resolved in a single
// batch call. When nothing is unknown, or the viewer is signed out, the
// network is not touched.
func (s *Store) Hydrate(ctx context.Context, candidates []Candidate) error {
	if s == nil || len(candidates) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(candidates))
	annotated := make([]Candidate, 0, len(candidates))
	unknown := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		entityID := strings.TrimSpace(candidate.EntityID)
		if entityID == "" {
			continue
		}
		if _, dup := seen[entityID]; dup {
			continue
		}
		seen[entityID] = struct{}{}
		if candidate.FollowKnown {
			candidate.EntityID = entityID
			annotated = append(annotated, candidate)
			continue
		}
		unknown = append(unknown, entityID)
	}

	signedIn := s.viewer != nil && s.viewer.Authenticated()
	if !signedIn {
		// Signed-out viewers follow nobody; unknowns settle without a
		// network call.
		s.mu.Lock()
		for _, candidate := range annotated {
			s.apply(candidate.EntityID, candidate.Following)
		}
		for _, entityID := range unknown {
			s.apply(entityID, false)
		}
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	for _, candidate := range annotated {
		s.apply(candidate.EntityID, candidate.Following)
	}
	s.mu.Unlock()

	switch len(unknown) {
	case 0:
		return nil
	case 1:
		// Single-entity fallback; one round trip either way, smaller
		// payload on this one.
		following, err := s.api.CheckFollowStatus(ctx, unknown[0])
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.apply(unknown[0], following)
		s.mu.Unlock()
		return nil
	}

	statuses, err := s.api.BatchCheckFollowStatus(ctx, unknown)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, entityID := range unknown {
		s.apply(entityID, statuses[entityID])
	}
	s.mu.Unlock()
	return nil
}

// HydrateIDs hydrates ids with no prior annotation.
func (s *Store) HydrateIDs(ctx context.Context, entityIDs ...string) error {
	candidates := make([]Candidate, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		candidates = append(candidates, Candidate{EntityID: entityID})
	}
	return s.Hydrate(ctx, candidates)
}

// apply records the authoritative follow state for one entity. Entities
// with a mutation in flight keep their optimistic state; the settling
// toggle owns them. Callers hold s.mu.
func (s *Store) apply(entityID string, following bool) {
	if stamp, ok := s.pending[entityID]; ok && s.clock().Sub(stamp) < s.pendingTimeout {
		return
	}
	if following {
		s.following[entityID] = struct{}{}
		return
	}
	delete(s.following, entityID)
}

// Toggle flips the follow state for an entity. The flip renders
// immediately; the matching mutation settles it, and a failed mutation
// restores the state the viewer saw before tapping.
func (s *Store) Toggle(ctx context.Context, entityID string) (bool, error) {
	if s == nil {
		return false, apperrors.New(apperrors.CodeUnknown, "relationship store is not configured")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return false, apperrors.New(apperrors.CodeEntityIDEmpty, "entity id is required")
	}

	s.mu.Lock()
	_, wasFollowing := s.following[entityID]
	now := s.clock()
	if stamp, ok := s.pending[entityID]; ok {
		if now.Sub(stamp) < s.pendingTimeout {
			s.mu.Unlock()
			metrics.ToggleRejected.Inc()
			return wasFollowing, apperrors.WithMetadata(apperrors.CodeMutationPending,
				"a follow mutation for this entity is already in flight",
				map[string]string{"entity_id": entityID})
		}
		log.Printf("relationship: pending mutation for %s expired after %s", entityID, s.pendingTimeout)
	}
	if s.viewer == nil || !s.viewer.Authenticated() {
		s.mu.Unlock()
		return wasFollowing, apperrors.New(apperrors.CodeUnauthenticated, "sign in to follow")
	}

	// Optimistic flip. The marker keeps concurrent toggles and hydration
	// away from this entity until the mutation settles.
	next := !wasFollowing
	if next {
		s.following[entityID] = struct{}{}
	} else {
		delete(s.following, entityID)
	}
	s.pending[entityID] = now
	s.mu.Unlock()

	var err error
	if wasFollowing {
		err = s.api.UnfollowEntity(ctx, entityID)
	} else {
		err = s.api.FollowEntity(ctx, entityID)
	}

	s.mu.Lock()
	if stamp, ok := s.pending[entityID]; ok && stamp.Equal(now) {
		delete(s.pending, entityID)
	}
	if err != nil {
		if wasFollowing {
			s.following[entityID] = struct{}{}
		} else {
			delete(s.following, entityID)
		}
		s.mu.Unlock()
		metrics.ToggleRollbacks.Inc()
		log.Printf("relationship: toggle %s rolled back: %v", entityID, err)
		return wasFollowing, err
	}
	s.mu.Unlock()

	s.bus.Publish(bus.RelationshipChanged{EntityID: entityID, Following: next})
	return next, nil
}

// Reset drops all follow and pending state. Called when the session ends.
func (s *Store) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.following = make(map[string]struct{})
	s.pending = make(map[string]time.Time)
	s.mu.Unlock()
}
