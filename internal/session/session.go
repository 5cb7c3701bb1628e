// Package session holds the signed-in viewer's identity and credentials.
// The manager is the single writer of token state; the rest of the runtime
// reads it through narrow interfaces and reacts to bus events.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sidelinehq/sideline/internal/bus"
	"github.com/sidelinehq/sideline/internal/session/storage"
)

// Config adjusts manager behavior.
type Config struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Manager owns the viewer's credential pair and derived identity. A nil
// token store makes the session ephemeral.
type Manager struct {
	store storage.TokenStore
	bus   *bus.Bus
	clock func() time.Time

	mu        sync.RWMutex
	access    string
	refresh   string
	viewerID  string
	expiresAt time.Time
}

// New creates a session manager.
func New(store storage.TokenStore, b *bus.Bus, cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		store: store,
		bus:   b,
		clock: clock,
	}
}

// inspectAccessToken extracts the viewer id and expiry from the access
// token without verifying its signature. The platform verifies tokens; the
// client only needs the claims for display and refresh scheduling. Tokens
// that do not parse leave both values zero.
func inspectAccessToken(token string) (viewerID string, expiresAt time.Time) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", time.Time{}
	}
	viewerID = strings.TrimSpace(claims.Subject)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return viewerID, expiresAt
}

// Restore loads persisted credentials at startup. A missing record leaves
// the session signed out. Restore publishes nothing; subscribers attach
// after startup.
func (m *Manager) Restore(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	tokens, err := m.store.LoadTokens(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("restore session: %w", err)
	}
	viewerID, expiresAt := inspectAccessToken(tokens.AccessToken)

	m.mu.Lock()
	m.access = tokens.AccessToken
	m.refresh = tokens.RefreshToken
	m.viewerID = viewerID
	m.expiresAt = expiresAt
	m.mu.Unlock()
	return nil
}

// SetTokens replaces the credential pair, persists it, and publishes
// TokensUpdated.
func (m *Manager) SetTokens(ctx context.Context, access, refresh string) error {
	if m == nil {
		return fmt.Errorf("session manager is not configured")
	}
	access = strings.TrimSpace(access)
	refresh = strings.TrimSpace(refresh)
	if access == "" {
		return fmt.Errorf("access token is required")
	}

	if m.store != nil {
		err := m.store.SaveTokens(ctx, storage.Tokens{
			AccessToken:  access,
			RefreshToken: refresh,
			UpdatedAt:    m.clock(),
		})
		if err != nil {
			return fmt.Errorf("persist tokens: %w", err)
		}
	}

	viewerID, expiresAt := inspectAccessToken(access)

	m.mu.Lock()
	m.access = access
	m.refresh = refresh
	m.viewerID = viewerID
	m.expiresAt = expiresAt
	m.mu.Unlock()

	m.bus.Publish(bus.TokensUpdated{})
	return nil
}

// Clear signs the viewer out: credentials are deleted and SessionEnded is
// published. Clearing a signed-out session is a no-op.
func (m *Manager) Clear(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	wasAuthenticated := m.access != ""
	m.access = ""
	m.refresh = ""
	m.viewerID = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteTokens(ctx); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete tokens: %w", err)
		}
	}
	if wasAuthenticated {
		m.bus.Publish(bus.SessionEnded{})
	}
	return nil
}

// Authenticated reports whether a viewer is signed in.
func (m *Manager) Authenticated() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access != ""
}

// ViewerID returns the signed-in viewer's id, or blank when signed out or
// when the access token carries no subject.
func (m *Manager) ViewerID() string {
	if m == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewerID
}

// AccessToken returns the current access token, or blank when signed out.
func (m *Manager) AccessToken() string {
	if m == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.access
}

// RefreshToken returns the current refresh token, or blank when signed out.
func (m *Manager) RefreshToken() string {
	if m == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refresh
}

// ExpiresWithin reports whether the access token expires within d. Tokens
// without an expiry claim never report true.
func (m *Manager) ExpiresWithin(d time.Duration) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.access == "" || m.expiresAt.IsZero() {
		return false
	}
	return m.expiresAt.Sub(m.clock()) <= d
}
