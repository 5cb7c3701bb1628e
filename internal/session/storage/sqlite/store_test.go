package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sidelinehq/sideline/internal/session/storage"
)

func TestTokensRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir() + "/session.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)
	saved := storage.Tokens{
		AccessToken:  "access-a",
		RefreshToken: "refresh-a",
		UpdatedAt:    now,
	}
	if err := store.SaveTokens(context.Background(), saved); err != nil {
		t.Fatalf("save tokens: %v", err)
	}

	loaded, err := store.LoadTokens(context.Background())
	if err != nil {
		t.Fatalf("load tokens: %v", err)
	}
	if loaded.AccessToken != "access-a" {
		t.Fatalf("access token = %q, want %q", loaded.AccessToken, "access-a")
	}
	if loaded.RefreshToken != "refresh-a" {
		t.Fatalf("refresh token = %q, want %q", loaded.RefreshToken, "refresh-a")
	}
	if !loaded.UpdatedAt.Equal(now) {
		t.Fatalf("updated at = %v, want %v", loaded.UpdatedAt, now)
	}
}

func TestSaveTokensReplacesExistingPair(t *testing.T) {
	store, err := Open(t.TempDir() + "/session.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)
	first := storage.Tokens{AccessToken: "access-a", RefreshToken: "refresh-a", UpdatedAt: now}
	if err := store.SaveTokens(context.Background(), first); err != nil {
		t.Fatalf("save first pair: %v", err)
	}
	second := storage.Tokens{AccessToken: "access-b", RefreshToken: "refresh-b", UpdatedAt: now.Add(time.Hour)}
	if err := store.SaveTokens(context.Background(), second); err != nil {
		t.Fatalf("save second pair: %v", err)
	}

	loaded, err := store.LoadTokens(context.Background())
	if err != nil {
		t.Fatalf("load tokens: %v", err)
	}
	if loaded.AccessToken != "access-b" {
		t.Fatalf("access token = %q, want replacement %q", loaded.AccessToken, "access-b")
	}
}

func TestLoadTokensEmptyStore(t *testing.T) {
	store, err := Open(t.TempDir() + "/session.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	_, err = store.LoadTokens(context.Background())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("load from empty store = %v, want ErrNotFound", err)
	}
}

func TestDeleteTokens(t *testing.T) {
	store, err := Open(t.TempDir() + "/session.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	saved := storage.Tokens{AccessToken: "access-a", UpdatedAt: time.Now()}
	if err := store.SaveTokens(context.Background(), saved); err != nil {
		t.Fatalf("save tokens: %v", err)
	}
	if err := store.DeleteTokens(context.Background()); err != nil {
		t.Fatalf("delete tokens: %v", err)
	}
	if _, err := store.LoadTokens(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("load after delete = %v, want ErrNotFound", err)
	}
}

func TestDeleteTokensEmptyStoreIsNoop(t *testing.T) {
	store, err := Open(t.TempDir() + "/session.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.DeleteTokens(context.Background()); err != nil {
		t.Fatalf("delete on empty store: %v", err)
	}
}

func TestSaveTokensRequiresAccessToken(t *testing.T) {
	store, err := Open(t.TempDir() + "/session.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.SaveTokens(context.Background(), storage.Tokens{}); err == nil {
		t.Fatal("expected error for blank access token")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestStoreHonorsContextCancellation(t *testing.T) {
	store, err := Open(t.TempDir() + "/session.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.LoadTokens(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("load with cancelled ctx = %v, want context.Canceled", err)
	}
	if err := store.SaveTokens(ctx, storage.Tokens{AccessToken: "a"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("save with cancelled ctx = %v, want context.Canceled", err)
	}
}
