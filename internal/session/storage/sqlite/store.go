// Package sqlite provides a SQLite-backed session credential store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/sidelinehq/sideline/internal/platform/storage/sqlitemigrate"
	"github.com/sidelinehq/sideline/internal/session/storage"
	"github.com/sidelinehq/sideline/internal/session/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists session credentials in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// LoadTokens returns the persisted credential pair.
func (s *Store) LoadTokens(ctx context.Context) (storage.Tokens, error) {
	if err := ctx.Err(); err != nil {
		return storage.Tokens{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Tokens{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT access_token, refresh_token, updated_at
		 FROM session_tokens
		 WHERE id = 1`,
	)
	var tokens storage.Tokens
	var updatedAt int64
	err := row.Scan(&tokens.AccessToken, &tokens.RefreshToken, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Tokens{}, storage.ErrNotFound
		}
		return storage.Tokens{}, fmt.Errorf("load tokens: %w", err)
	}
	tokens.UpdatedAt = fromMillis(updatedAt)
	return tokens, nil
}

// SaveTokens upserts the credential pair.
func (s *Store) SaveTokens(ctx context.Context, tokens storage.Tokens) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(tokens.AccessToken) == "" {
		return fmt.Errorf("access token is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO session_tokens (id, access_token, refresh_token, updated_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   updated_at = excluded.updated_at`,
		tokens.AccessToken,
		tokens.RefreshToken,
		toMillis(tokens.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// DeleteTokens removes the persisted credential pair.
func (s *Store) DeleteTokens(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM session_tokens WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	return nil
}
