// Package client assembles the Sideline runtime. It wires the session
// manager, platform API client, push gateway client, relationship store,
// presence engine, and avatar resolver to one event bus and exposes the
// surface the UI layers call.
package client

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sidelinehq/sideline/internal/api"
	"github.com/sidelinehq/sideline/internal/avatar"
	"github.com/sidelinehq/sideline/internal/bus"
	"github.com/sidelinehq/sideline/internal/metrics"
	apperrors "github.com/sidelinehq/sideline/internal/platform/errors"
	"github.com/sidelinehq/sideline/internal/presence"
	"github.com/sidelinehq/sideline/internal/push"
	"github.com/sidelinehq/sideline/internal/relationship"
	"github.com/sidelinehq/sideline/internal/session"
	"github.com/sidelinehq/sideline/internal/session/storage"
)

const tracerName = "sideline/client"

// Config controls runtime construction.
type Config struct {
	// BaseURL is the platform API root, e.g. https://api.sideline.gg.
	BaseURL string

	// PushURL is the websocket gateway endpoint. Optional; without it the
	// runtime runs REST-only and presence records never see push events.
	PushURL string
	// PushOrigin overrides the websocket handshake origin.
	PushOrigin string

	// AvatarCDNBase is the image CDN upload base for primary avatars.
	AvatarCDNBase string
	// AvatarFallbackBase serves generated initials cards and placeholders.
	AvatarFallbackBase string

	// TokenStore persists session credentials across runs. Optional; a nil
	// store keeps the session in memory only.
	TokenStore storage.TokenStore

	// MetricsAddr exposes /metrics while Run is active. Optional.
	MetricsAddr string

	// HTTPClient overrides the REST transport.
	HTTPClient *http.Client

	// MinRefreshInterval throttles per-stream REST refreshes.
	MinRefreshInterval time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Client is the assembled runtime.
type Client struct {
	bus       *bus.Bus
	session   *session.Manager
	api       *api.Client
	push      *push.Client
	relations *relationship.Store
	presence  *presence.Engine
	avatars   *avatar.Resolver
	tracer    trace.Tracer

	metricsAddr string
	unsubscribe func()
	closeOnce   sync.Once
}

// New wires the runtime. The push handler is the presence engine; the
// session manager supplies credentials to both the REST client and the
// gateway handshake.
func New(cfg Config) (*Client, error) {
	b := bus.New()
	manager := session.New(cfg.TokenStore, b, session.Config{Clock: cfg.Clock})

	apiClient, err := api.New(api.Config{
		BaseURL:     cfg.BaseURL,
		Credentials: manager,
		HTTPClient:  cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}

	relations := relationship.New(apiClient, b, manager, relationship.Config{Clock: cfg.Clock})
	engine := presence.New(apiClient, b, manager, presence.Config{
		Clock:              cfg.Clock,
		MinRefreshInterval: cfg.MinRefreshInterval,
	})
	avatars := avatar.New(avatar.Config{
		CDNBase:      cfg.AvatarCDNBase,
		FallbackBase: cfg.AvatarFallbackBase,
		Clock:        cfg.Clock,
	})

	var pushClient *push.Client
	if cfg.PushURL != "" {
		pushClient, err = push.New(push.Config{
			URL:     cfg.PushURL,
			Origin:  cfg.PushOrigin,
			Tokens:  manager,
			Handler: engine,
		})
		if err != nil {
			return nil, err
		}
		engine.BindChannel(pushClient)
	}

	// Viewer-scoped state does not survive the viewer.
	unsubscribe := b.Subscribe(bus.KindSessionEnded, func(bus.Event) {
		relations.Reset()
		avatars.Flush()
	})

	return &Client{
		bus:         b,
		session:     manager,
		api:         apiClient,
		push:        pushClient,
		relations:   relations,
		presence:    engine,
		avatars:     avatars,
		tracer:      otel.Tracer(tracerName),
		metricsAddr: cfg.MetricsAddr,
		unsubscribe: unsubscribe,
	}, nil
}

// Run drives the push client until ctx is cancelled or Close is called.
// With no gateway configured it blocks on ctx alone. The metrics listener,
// when configured, shares Run's lifetime.
func (c *Client) Run(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("client is not configured")
	}
	if c.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, c.metricsAddr); err != nil {
				log.Printf("client: metrics listener: %v", err)
			}
		}()
	}
	if c.push == nil {
		<-ctx.Done()
		return nil
	}
	return c.push.Run(ctx)
}

// Close stops the push client and detaches the runtime's bus subscriptions.
// Safe to call more than once.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.push != nil {
			c.push.Close()
		}
	})
}

// Subscribe registers fn for bus events of the given kind and returns an
// unsubscribe function.
func (c *Client) Subscribe(kind bus.Kind, fn bus.Handler) (unsubscribe func()) {
	if c == nil {
		return func() {}
	}
	return c.bus.Subscribe(kind, fn)
}

// Restore loads persisted credentials at startup.
func (c *Client) Restore(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.session.Restore(ctx)
}

// SignIn trades a sign-in code for a credential pair and installs it.
func (c *Client) SignIn(ctx context.Context, code string) error {
	if c == nil {
		return fmt.Errorf("client is not configured")
	}
	pair, err := c.api.ExchangeCode(ctx, code)
	if err != nil {
		return err
	}
	return c.session.SetTokens(ctx, pair.AccessToken, pair.RefreshToken)
}

// SignOut clears the session. Subscribed stores wipe their viewer-scoped
// state through the SessionEnded event.
func (c *Client) SignOut(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.session.Clear(ctx)
}

// Authenticated reports whether a viewer is signed in.
func (c *Client) Authenticated() bool {
	if c == nil {
		return false
	}
	return c.session.Authenticated()
}

// ViewerID returns the signed-in viewer's id, or blank when signed out.
func (c *Client) ViewerID() string {
	if c == nil {
		return ""
	}
	return c.session.ViewerID()
}

// IsFollowing reports the local follow state for an entity.
func (c *Client) IsFollowing(entityID string) bool {
	if c == nil {
		return false
	}
	return c.relations.IsFollowing(entityID)
}

// ToggleFollow flips the viewer's follow state for an entity and returns
// the settled state.
func (c *Client) ToggleFollow(ctx context.Context, entityID string) (bool, error) {
	if c == nil {
		return false, fmt.Errorf("client is not configured")
	}
	ctx, span := c.tracer.Start(ctx, "relationship.toggle")
	defer span.End()

	following, err := c.relations.Toggle(ctx, entityID)
	return following, c.finish(ctx, span, err)
}

// HydrateFollowStatus seeds follow state for a page of candidates,
// honoring server-provided annotations.
func (c *Client) HydrateFollowStatus(ctx context.Context, candidates []relationship.Candidate) error {
	if c == nil {
		return fmt.Errorf("client is not configured")
	}
	ctx, span := c.tracer.Start(ctx, "relationship.hydrate")
	defer span.End()

	return c.finish(ctx, span, c.relations.Hydrate(ctx, candidates))
}

// HydrateFollowIDs seeds follow state for bare entity ids with no
// annotations.
func (c *Client) HydrateFollowIDs(ctx context.Context, entityIDs ...string) error {
	if c == nil {
		return fmt.Errorf("client is not configured")
	}
	ctx, span := c.tracer.Start(ctx, "relationship.hydrate")
	defer span.End()

	return c.finish(ctx, span, c.relations.HydrateIDs(ctx, entityIDs...))
}

// GetPresence returns the current presence record for a stream.
func (c *Client) GetPresence(entityID string) (presence.PresenceRecord, bool) {
	if c == nil {
		return presence.PresenceRecord{}, false
	}
	return c.presence.Get(entityID)
}

// WatchStream marks the viewer as watching a stream and returns the
// optimistically bumped record.
func (c *Client) WatchStream(ctx context.Context, entityID string) (presence.PresenceRecord, error) {
	if c == nil {
		return presence.PresenceRecord{}, fmt.Errorf("client is not configured")
	}
	ctx, span := c.tracer.Start(ctx, "presence.watch")
	defer span.End()

	rec, err := c.presence.Watch(ctx, entityID)
	return rec, c.finish(ctx, span, err)
}

// UnwatchStream marks the viewer as no longer watching a stream.
func (c *Client) UnwatchStream(ctx context.Context, entityID string) error {
	if c == nil {
		return nil
	}
	return c.presence.Unwatch(ctx, entityID)
}

// StartStream marks a stream the viewer owns as live.
func (c *Client) StartStream(ctx context.Context, entityID string) error {
	if c == nil {
		return fmt.Errorf("client is not configured")
	}
	return c.fail(ctx, c.presence.StartStream(ctx, entityID))
}

// StopStream marks a stream the viewer owns as offline.
func (c *Client) StopStream(ctx context.Context, entityID string) error {
	if c == nil {
		return fmt.Errorf("client is not configured")
	}
	return c.fail(ctx, c.presence.StopStream(ctx, entityID))
}

// RefreshStream fetches a fresh REST snapshot for one stream, subject to
// the per-stream refresh throttle.
func (c *Client) RefreshStream(ctx context.Context, entityID string) error {
	if c == nil {
		return nil
	}
	return c.fail(ctx, c.presence.Refresh(ctx, entityID))
}

// SyncStreams pulls the livestream directory, applies it as REST
// baselines, and returns the runtime's current view of each listed
// stream in directory order. Records that already saw push events keep
// their push state.
func (c *Client) SyncStreams(ctx context.Context) ([]presence.PresenceRecord, error) {
	if c == nil {
		return nil, fmt.Errorf("client is not configured")
	}
	streams, err := c.api.ListLivestreams(ctx)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	snapshots := make([]presence.Snapshot, 0, len(streams))
	for _, ls := range streams {
		snapshots = append(snapshots, presence.FromLivestream(ls))
	}
	c.presence.Sync(snapshots...)

	records := make([]presence.PresenceRecord, 0, len(streams))
	for _, ls := range streams {
		if rec, ok := c.presence.Get(ls.ID); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// ResolveAvatar returns the delivery URL for an entity's avatar.
func (c *Client) ResolveAvatar(entityID, primaryURL, name string, sizePX int) string {
	if c == nil {
		return ""
	}
	return c.avatars.Resolve(entityID, primaryURL, name, sizePX)
}

// ReportAvatarError charges a delivery failure against the cached avatar
// resolution.
func (c *Client) ReportAvatarError(entityID, primaryURL, name string) {
	if c == nil {
		return
	}
	c.avatars.ReportError(entityID, primaryURL, name)
}

// finish records the outcome on the operation's span and routes the error
// through fail.
func (c *Client) finish(ctx context.Context, span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
	}
	return c.fail(ctx, err)
}

// fail inspects an operation error before surfacing it. A session the
// platform reports as unrecoverable is cleared here, which publishes
// SessionEnded and resets viewer-scoped state.
func (c *Client) fail(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if apperrors.IsCode(err, apperrors.CodeSessionExpired) {
		if clearErr := c.session.Clear(ctx); clearErr != nil {
			log.Printf("client: clear expired session: %v", clearErr)
		}
	}
	return err
}
