package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// RevokeToken marks a token id as revoked until expiresAt.
func (s *Store) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (token_id, expires_at) VALUES (?, ?)
		ON CONFLICT(token_id) DO UPDATE SET expires_at = excluded.expires_at
	`, strings.TrimSpace(tokenID), expiresAt.UTC())
	return err
}

// IsTokenRevoked reports whether tokenID has an unexpired revocation entry.
func (s *Store) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreClosed
	}
	var expires time.Time
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM revoked_tokens WHERE token_id = ?`, tokenID).Scan(&expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return time.Now().Before(expires), nil
}

// CleanupExpiredRevocations deletes entries whose tokens have expired anyway.
func (s *Store) CleanupExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}
