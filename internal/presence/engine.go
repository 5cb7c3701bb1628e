// Package presence keeps a locally-trusted view of livestream presence by
// merging REST snapshots with gateway push events. REST counts are a
// baseline: once a push event lands on a record, snapshots stop moving it
// until the record is released and recreated, so a slow response can never
// clobber fresher push state.
package presence

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sidelinehq/sideline/internal/api"
	"github.com/sidelinehq/sideline/internal/bus"
	"github.com/sidelinehq/sideline/internal/metrics"
	apperrors "github.com/sidelinehq/sideline/internal/platform/errors"
	"github.com/sidelinehq/sideline/internal/platform/timeouts"
	"github.com/sidelinehq/sideline/internal/ratelimit"
)

// API is the slice of the platform client the engine depends on.
type API interface {
	GetLivestream(ctx context.Context, streamID string) (api.Livestream, error)
	UpdateLivestream(ctx context.Context, streamID string, patch api.UpdateLivestreamRequest) (api.Livestream, error)
	UpdateLivestreamViewers(ctx context.Context, streamID string, viewerCount int) error
}

// ViewerSource identifies the signed-in viewer for the owner guard.
type ViewerSource interface {
	ViewerID() string
}

// Channel is the push gateway subscription surface. The push client
// satisfies it.
type Channel interface {
	Join(entityID string) error
	Leave(entityID string) error
}

// Snapshot is one REST observation of a livestream.
type Snapshot struct {
	EntityID    string
	OwnerID     string
	Live        bool
	ViewerCount int
	StartedAt   *time.Time
}

// FromLivestream converts a platform livestream resource into a Snapshot.
func FromLivestream(ls api.Livestream) Snapshot {
	return Snapshot{
		EntityID:    ls.ID,
		OwnerID:     ls.OwnerID,
		Live:        ls.Live,
		ViewerCount: ls.ViewerCount,
		StartedAt:   ls.StartedAt,
	}
}

// PresenceRecord is the engine's current view of one livestream.
type PresenceRecord struct {
	EntityID    string
	OwnerID     string
	ViewerCount int
	Live        bool
	StartedAt   *time.Time
}

type record struct {
	ownerID     string
	viewerCount int
	live        bool
	startedAt   *time.Time

	// pushApplied flips on the first push event and stays set for the
	// record's lifetime. While set, REST snapshots are ignored.
	pushApplied bool
}

func (r *record) presence(entityID string) PresenceRecord {
	return PresenceRecord{
		EntityID:    entityID,
		OwnerID:     r.ownerID,
		ViewerCount: r.viewerCount,
		Live:        r.live,
		StartedAt:   r.startedAt,
	}
}

// Config adjusts engine behavior. The zero value uses real time and the
// default refresh interval.
type Config struct {
	Clock              func() time.Time
	MinRefreshInterval time.Duration
}

// Engine reconciles livestream presence records.
type Engine struct {
	api    API
	bus    *bus.Bus
	viewer ViewerSource
	clock  func() time.Time
	gate   *ratelimit.Gate

	mu      sync.RWMutex
	records map[string]*record
	channel Channel
}

// New creates a presence engine publishing changes on b.
func New(api API, b *bus.Bus, viewer ViewerSource, cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		api:     api,
		bus:     b,
		viewer:  viewer,
		clock:   clock,
		gate:    ratelimit.New(cfg.MinRefreshInterval),
		records: make(map[string]*record),
	}
}

// BindChannel attaches the push subscription surface. Called once during
// wiring; the engine works without a channel, it just stops registering
// watches with the gateway.
func (e *Engine) BindChannel(ch Channel) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.channel = ch
	e.mu.Unlock()
}

// Sync applies REST snapshots. Unknown streams get a fresh record seeded
// from the snapshot; known records update only while no push event has
// been applied to them. Negative counts clamp to zero.
func (e *Engine) Sync(snapshots ...Snapshot) {
	if e == nil || len(snapshots) == 0 {
		return
	}

	var events []bus.PresenceChanged
	e.mu.Lock()
	for _, snap := range snapshots {
		entityID := strings.TrimSpace(snap.EntityID)
		if entityID == "" {
			continue
		}
		count := snap.ViewerCount
		if count < 0 {
			count = 0
		}

		rec, ok := e.records[entityID]
		if !ok {
			e.records[entityID] = &record{
				ownerID:     strings.TrimSpace(snap.OwnerID),
				viewerCount: count,
				live:        snap.Live,
				startedAt:   snap.StartedAt,
			}
			continue
		}
		if rec.pushApplied {
			continue
		}

		changed := rec.viewerCount != count || rec.live != snap.Live
		rec.ownerID = strings.TrimSpace(snap.OwnerID)
		rec.viewerCount = count
		rec.live = snap.Live
		rec.startedAt = snap.StartedAt
		if changed {
			events = append(events, bus.PresenceChanged{
				EntityID:    entityID,
				ViewerCount: rec.viewerCount,
				Live:        rec.live,
			})
		}
	}
	e.mu.Unlock()

	for _, event := range events {
		e.bus.Publish(event)
	}
}

// Release drops a record. The next snapshot for the stream starts a fresh
// record, restoring REST as its baseline.
func (e *Engine) Release(entityID string) {
	if e == nil {
		return
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return
	}
	e.mu.Lock()
	delete(e.records, entityID)
	e.mu.Unlock()
	e.gate.Forget(entityID)
}

// Get returns the current record for a stream.
func (e *Engine) Get(entityID string) (PresenceRecord, bool) {
	if e == nil {
		return PresenceRecord{}, false
	}
	entityID = strings.TrimSpace(entityID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[entityID]
	if !ok {
		return PresenceRecord{}, false
	}
	return rec.presence(entityID), true
}

// HandleViewerJoined applies a viewer-count push event. Counts are
// absolute, so duplicate delivery converges instead of double-applying.
func (e *Engine) HandleViewerJoined(entityID string, viewerCount int) {
	e.applyCount(entityID, viewerCount)
}

// HandleViewerLeft applies a viewer-count push event.
func (e *Engine) HandleViewerLeft(entityID string, viewerCount int) {
	e.applyCount(entityID, viewerCount)
}

func (e *Engine) applyCount(entityID string, viewerCount int) {
	if e == nil {
		return
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return
	}
	if viewerCount < 0 {
		viewerCount = 0
	}

	e.mu.Lock()
	rec, ok := e.records[entityID]
	if !ok {
		// Events for streams nobody tracks are dropped.
		e.mu.Unlock()
		return
	}
	rec.pushApplied = true
	changed := rec.viewerCount != viewerCount
	rec.viewerCount = viewerCount
	live := rec.live
	e.mu.Unlock()

	if !changed {
		metrics.PushDuplicates.Inc()
		return
	}
	e.bus.Publish(bus.PresenceChanged{EntityID: entityID, ViewerCount: viewerCount, Live: live})
}

// HandleStatusUpdate applies a live/offline push event. The viewer count
// survives status flips; StartedAt is stamped when the stream goes live
// and cleared when it ends.
func (e *Engine) HandleStatusUpdate(entityID string, live bool) {
	if e == nil {
		return
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return
	}

	e.mu.Lock()
	rec, ok := e.records[entityID]
	if !ok {
		e.mu.Unlock()
		return
	}
	rec.pushApplied = true
	if rec.live == live {
		e.mu.Unlock()
		metrics.PushDuplicates.Inc()
		return
	}
	rec.live = live
	if live {
		startedAt := e.clock()
		rec.startedAt = &startedAt
	} else {
		rec.startedAt = nil
	}
	count := rec.viewerCount
	e.mu.Unlock()

	e.bus.Publish(bus.PresenceChanged{EntityID: entityID, ViewerCount: count, Live: live})
}

// Watch marks the viewer as watching a stream. The local count increments
// immediately so the player can render without waiting on the network;
// gateway registration and the authoritative count report happen in the
// background and are never rolled back. A push correction beats a visible
// flicker.
func (e *Engine) Watch(ctx context.Context, entityID string) (PresenceRecord, error) {
	if e == nil {
		return PresenceRecord{}, apperrors.New(apperrors.CodeUnknown, "presence engine is not configured")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return PresenceRecord{}, apperrors.New(apperrors.CodeEntityIDEmpty, "entity id is required")
	}

	e.mu.Lock()
	rec, ok := e.records[entityID]
	if !ok {
		e.mu.Unlock()
		return PresenceRecord{}, apperrors.WithMetadata(apperrors.CodeStreamUnknown,
			"livestream is not tracked", map[string]string{"entity_id": entityID})
	}
	rec.viewerCount++
	current := rec.presence(entityID)
	ch := e.channel
	e.mu.Unlock()

	go e.register(ch, entityID, current.ViewerCount, true)
	return current, nil
}

// Unwatch reverses Watch: decrement locally, leave the gateway channel,
// report the new count. Same no-rollback policy; unknown streams are a
// no-op since teardown often races record release.
func (e *Engine) Unwatch(ctx context.Context, entityID string) error {
	if e == nil {
		return nil
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return apperrors.New(apperrors.CodeEntityIDEmpty, "entity id is required")
	}

	e.mu.Lock()
	rec, ok := e.records[entityID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if rec.viewerCount > 0 {
		rec.viewerCount--
	}
	count := rec.viewerCount
	ch := e.channel
	e.mu.Unlock()

	go e.register(ch, entityID, count, false)
	return nil
}

// register performs the background half of Watch/Unwatch. It runs
// detached from the caller's context: the viewer already rendered the
// optimistic state, so abandoning the report would only widen the drift.
func (e *Engine) register(ch Channel, entityID string, viewerCount int, join bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.WatchRegister)
	defer cancel()

	degraded := false
	if ch != nil {
		var err error
		if join {
			err = ch.Join(entityID)
		} else {
			err = ch.Leave(entityID)
		}
		if err != nil {
			degraded = true
			log.Printf("presence: gateway subscription for %s: %v", entityID, err)
		}
	}
	if err := e.api.UpdateLivestreamViewers(ctx, entityID, viewerCount); err != nil {
		degraded = true
		log.Printf("presence: report viewer count for %s: %v", entityID, err)
	}
	if degraded {
		metrics.WatchDegraded.Inc()
	}
}

// StartStream flips a stream the viewer owns to live.
func (e *Engine) StartStream(ctx context.Context, entityID string) error {
	return e.setLive(ctx, entityID, true)
}

// StopStream flips a stream the viewer owns to offline.
func (e *Engine) StopStream(ctx context.Context, entityID string) error {
	return e.setLive(ctx, entityID, false)
}

// setLive drives the owner lifecycle. Non-owners (and untracked streams,
// where ownership cannot be checked) are a silent no-op: the UI surface
// already enforces authorization, this guard is the backstop. Owner
// failures surface with local state untouched.
func (e *Engine) setLive(ctx context.Context, entityID string, live bool) error {
	if e == nil {
		return apperrors.New(apperrors.CodeUnknown, "presence engine is not configured")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return apperrors.New(apperrors.CodeEntityIDEmpty, "entity id is required")
	}

	e.mu.RLock()
	rec, ok := e.records[entityID]
	var ownerID string
	var alreadyThere bool
	if ok {
		ownerID = rec.ownerID
		alreadyThere = rec.live == live
	}
	e.mu.RUnlock()

	viewerID := ""
	if e.viewer != nil {
		viewerID = strings.TrimSpace(e.viewer.ViewerID())
	}
	if !ok || viewerID == "" || ownerID == "" || viewerID != ownerID {
		metrics.OwnerGuard.Inc()
		log.Printf("presence: lifecycle call for %s dropped by owner guard", entityID)
		return nil
	}
	if alreadyThere {
		return nil
	}

	updated, err := e.api.UpdateLivestream(ctx, entityID, api.UpdateLivestreamRequest{Live: &live})
	if err != nil {
		return err
	}

	e.mu.Lock()
	rec, ok = e.records[entityID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	rec.live = live
	if live {
		if updated.StartedAt != nil {
			rec.startedAt = updated.StartedAt
		} else {
			startedAt := e.clock()
			rec.startedAt = &startedAt
		}
	} else {
		rec.startedAt = nil
	}
	count := rec.viewerCount
	e.mu.Unlock()

	e.bus.Publish(bus.PresenceChanged{EntityID: entityID, ViewerCount: count, Live: live})
	return nil
}

// Refresh re-fetches one stream's snapshot. Calls inside the minimum
// refresh interval are dropped without touching the network; fetched
// snapshots flow through Sync so push precedence still applies.
func (e *Engine) Refresh(ctx context.Context, entityID string) error {
	if e == nil {
		return nil
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return apperrors.New(apperrors.CodeEntityIDEmpty, "entity id is required")
	}
	if !e.gate.Allow(entityID) {
		return nil
	}

	ls, err := e.api.GetLivestream(ctx, entityID)
	if err != nil {
		return err
	}
	e.Sync(FromLivestream(ls))
	return nil
}
