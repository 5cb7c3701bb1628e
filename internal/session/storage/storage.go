// Package storage defines persistence contracts for session credentials.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates no credentials are persisted.
var ErrNotFound = errors.New("record not found")

// Tokens stores the signed-in viewer's credential pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	UpdatedAt    time.Time
}

// TokenStore persists the viewer's credential pair across runs. At most one
// pair is stored; Save replaces it.
type TokenStore interface {
	LoadTokens(ctx context.Context) (Tokens, error)
	SaveTokens(ctx context.Context, tokens Tokens) error
	DeleteTokens(ctx context.Context) error
}
