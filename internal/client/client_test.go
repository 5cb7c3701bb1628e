package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sidelinehq/sideline/internal/api"
	"github.com/sidelinehq/sideline/internal/bus"
	apperrors "github.com/sidelinehq/sideline/internal/platform/errors"
	"github.com/sidelinehq/sideline/internal/relationship"
)

type viewerReport struct {
	streamID string
	count    int
}

// fakePlatform is an in-process stand-in for the REST API, covering the
// endpoints the assembled runtime touches.
type fakePlatform struct {
	mu           sync.Mutex
	accessToken  string
	refreshToken string
	following    map[string]bool
	streams      []api.Livestream

	followStatus  int // non-zero forces this status on follow mutations
	refreshStatus int // non-zero forces this status on token refresh

	followCalls  int
	batchCalls   int
	refreshCalls int

	viewerReports chan viewerReport
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		following:     make(map[string]bool),
		viewerReports: make(chan viewerReport, 8),
	}
}

func (p *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/v1/auth/token":
		_ = json.NewEncoder(w).Encode(api.TokenPair{
			AccessToken:  p.accessToken,
			RefreshToken: p.refreshToken,
		})
	case r.Method == http.MethodPost && path == "/v1/auth/refresh":
		p.refreshCalls++
		if p.refreshStatus != 0 {
			w.WriteHeader(p.refreshStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(api.TokenPair{
			AccessToken:  p.accessToken,
			RefreshToken: p.refreshToken,
		})
	case r.Method == http.MethodPost && path == "/v1/follows:batchCheck":
		p.batchCalls++
		var reqBody struct {
			EntityIDs []string `json:"entity_ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&reqBody)
		status := make(map[string]bool, len(reqBody.EntityIDs))
		for _, id := range reqBody.EntityIDs {
			status[id] = p.following[id]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status})
	case r.Method == http.MethodGet && path == "/v1/livestreams":
		_ = json.NewEncoder(w).Encode(map[string]any{"livestreams": p.streams})
	case r.Method == http.MethodPut && strings.HasSuffix(path, "/viewers"):
		streamID := strings.TrimSuffix(strings.TrimPrefix(path, "/v1/livestreams/"), "/viewers")
		var reqBody struct {
			ViewerCount int `json:"viewer_count"`
		}
		_ = json.NewDecoder(r.Body).Decode(&reqBody)
		select {
		case p.viewerReports <- viewerReport{streamID: streamID, count: reqBody.ViewerCount}:
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	case strings.HasPrefix(path, "/v1/entities/") && strings.HasSuffix(path, "/follow"):
		entityID := strings.TrimSuffix(strings.TrimPrefix(path, "/v1/entities/"), "/follow")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"following": p.following[entityID]})
		case http.MethodPost, http.MethodDelete:
			p.followCalls++
			if p.followStatus != 0 {
				w.WriteHeader(p.followStatus)
				return
			}
			p.following[entityID] = r.Method == http.MethodPost
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func makeAccessToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return token
}

func newRuntime(t *testing.T, platform *fakePlatform) *Client {
	t.Helper()
	srv := httptest.NewServer(platform)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:            srv.URL,
		AvatarCDNBase:      "https://images.sideline.example/u",
		AvatarFallbackBase: "https://cards.sideline.example",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func signIn(t *testing.T, c *Client, platform *fakePlatform, viewerID string) {
	t.Helper()
	platform.mu.Lock()
	platform.accessToken = makeAccessToken(t, viewerID)
	platform.refreshToken = "refresh-1"
	platform.mu.Unlock()
	if err := c.SignIn(context.Background(), "code-1"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() with no base url, want error")
	}
}

func TestSignInInstallsSession(t *testing.T) {
	platform := newFakePlatform()
	c := newRuntime(t, platform)

	signIn(t, c, platform, "viewer-9")

	if !c.Authenticated() {
		t.Fatal("Authenticated() = false after sign-in, want true")
	}
	if got := c.ViewerID(); got != "viewer-9" {
		t.Fatalf("ViewerID() = %q, want %q", got, "viewer-9")
	}
}

func TestToggleFollowRoundTrip(t *testing.T) {
	platform := newFakePlatform()
	c := newRuntime(t, platform)
	signIn(t, c, platform, "viewer-1")

	var events []bus.RelationshipChanged
	unsubscribe := c.Subscribe(bus.KindRelationshipChanged, func(e bus.Event) {
		events = append(events, e.(bus.RelationshipChanged))
	})
	defer unsubscribe()

	following, err := c.ToggleFollow(context.Background(), "athlete-1")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !following {
		t.Fatal("ToggleFollow() = false, want true")
	}
	if !c.IsFollowing("athlete-1") {
		t.Fatal("IsFollowing(athlete-1) = false after toggle, want true")
	}
	if len(events) != 1 || !events[0].Following {
		t.Fatalf("events = %v, want one follow event", events)
	}
	if platform.followCalls != 1 {
		t.Fatalf("follow calls = %d, want 1", platform.followCalls)
	}
}

func TestHydrateFollowStatusWiring(t *testing.T) {
	platform := newFakePlatform()
	platform.following["athlete-2"] = true
	c := newRuntime(t, platform)
	signIn(t, c, platform, "viewer-1")

	err := c.HydrateFollowStatus(context.Background(), []relationship.Candidate{
		{EntityID: "athlete-1", FollowKnown: true, Following: true},
		{EntityID: "athlete-2"},
		{EntityID: "athlete-3"},
	})
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if !c.IsFollowing("athlete-1") {
		t.Fatal("annotated candidate not applied")
	}
	if !c.IsFollowing("athlete-2") || c.IsFollowing("athlete-3") {
		t.Fatal("batch result not applied")
	}
	if platform.batchCalls != 1 {
		t.Fatalf("batch calls = %d, want 1", platform.batchCalls)
	}
}

func TestSessionExpiredSignsOut(t *testing.T) {
	platform := newFakePlatform()
	c := newRuntime(t, platform)
	signIn(t, c, platform, "viewer-1")

	ended := 0
	unsubscribe := c.Subscribe(bus.KindSessionEnded, func(bus.Event) { ended++ })
	defer unsubscribe()

	platform.mu.Lock()
	platform.followStatus = http.StatusUnauthorized
	platform.refreshStatus = http.StatusUnauthorized
	platform.mu.Unlock()

	_, err := c.ToggleFollow(context.Background(), "athlete-1")
	if !apperrors.IsCode(err, apperrors.CodeSessionExpired) {
		t.Fatalf("error = %v, want SESSION_EXPIRED", err)
	}
	if c.Authenticated() {
		t.Fatal("Authenticated() = true after unrecoverable refresh, want false")
	}
	if ended != 1 {
		t.Fatalf("session ended events = %d, want 1", ended)
	}
	if platform.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", platform.refreshCalls)
	}
}

func TestSignOutWipesFollowState(t *testing.T) {
	platform := newFakePlatform()
	platform.following["athlete-1"] = true
	c := newRuntime(t, platform)
	signIn(t, c, platform, "viewer-1")

	if err := c.HydrateFollowIDs(context.Background(), "athlete-1", "athlete-2"); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if !c.IsFollowing("athlete-1") {
		t.Fatal("IsFollowing(athlete-1) = false after hydrate, want true")
	}

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if c.Authenticated() {
		t.Fatal("Authenticated() = true after sign-out, want false")
	}
	if c.IsFollowing("athlete-1") {
		t.Fatal("IsFollowing(athlete-1) = true after sign-out, want false")
	}
}

func TestSyncStreamsSeedsPresence(t *testing.T) {
	platform := newFakePlatform()
	platform.streams = []api.Livestream{
		{ID: "stream-1", OwnerID: "owner-1", Live: true, ViewerCount: 41},
		{ID: "stream-2", OwnerID: "owner-2", Live: false, ViewerCount: 0},
	}
	c := newRuntime(t, platform)

	changed := 0
	unsubscribe := c.Subscribe(bus.KindPresenceChanged, func(bus.Event) { changed++ })
	defer unsubscribe()

	records, err := c.SyncStreams(context.Background())
	if err != nil {
		t.Fatalf("sync streams: %v", err)
	}
	if len(records) != 2 || records[0].EntityID != "stream-1" || records[1].EntityID != "stream-2" {
		t.Fatalf("records = %v, want directory order", records)
	}

	rec, ok := c.GetPresence("stream-1")
	if !ok {
		t.Fatal("GetPresence(stream-1) missing after sync")
	}
	if !rec.Live || rec.ViewerCount != 41 {
		t.Fatalf("record = %+v, want live with 41 viewers", rec)
	}
	if changed != 0 {
		t.Fatalf("presence events on first sync = %d, want 0", changed)
	}
}

func TestWatchStreamReportsViewerCount(t *testing.T) {
	platform := newFakePlatform()
	platform.streams = []api.Livestream{
		{ID: "stream-1", OwnerID: "owner-1", Live: true, ViewerCount: 10},
	}
	c := newRuntime(t, platform)
	if _, err := c.SyncStreams(context.Background()); err != nil {
		t.Fatalf("sync streams: %v", err)
	}

	rec, err := c.WatchStream(context.Background(), "stream-1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if rec.ViewerCount != 11 {
		t.Fatalf("viewer count = %d, want 11", rec.ViewerCount)
	}

	select {
	case report := <-platform.viewerReports:
		if report.streamID != "stream-1" || report.count != 11 {
			t.Fatalf("report = %+v, want stream-1 with 11 viewers", report)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for viewer count report")
	}
}

func TestResolveAvatarUsesInitialsCard(t *testing.T) {
	platform := newFakePlatform()
	c := newRuntime(t, platform)

	got := c.ResolveAvatar("athlete-1", "", "Dana Reyes", 64)
	if !strings.Contains(got, "/card?initials=DR") {
		t.Fatalf("ResolveAvatar() = %q, want initials card url", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	platform := newFakePlatform()
	c := newRuntime(t, platform)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to stop")
	}
}
