package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/models"
)

type SessionStore struct {
	db *pgxpool.Pool
}

func NewSessionStore(db *pgxpool.Pool) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, userID uuid.UUID, refreshHash string, expiresAt time.Time) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRow(ctx,
		`INSERT INTO sessions (user_id, refresh_token_hash, expires_at)
		 VALUES ($1, $2, $3)
		 RETURNING id, user_id, refresh_token_hash, expires_at, revoked, created_at`,
		userID, refreshHash, expiresAt,
	).Scan(&sess.ID, &sess.UserID, &sess.RefreshTokenHash, &sess.ExpiresAt, &sess.Revoked, &sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &sess, nil
}

// GetValid resolves a refresh token hash to a live session. Revoked and
// expired sessions are indistinguishable from missing ones.
func (s *SessionStore) GetValid(ctx context.Context, refreshHash string) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, refresh_token_hash, expires_at, revoked, created_at
		 FROM sessions
		 WHERE refresh_token_hash = $1 AND NOT revoked AND expires_at > now()`,
		refreshHash,
	).Scan(&sess.ID, &sess.UserID, &sess.RefreshTokenHash, &sess.ExpiresAt, &sess.Revoked, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Authentication("invalid refresh token")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *SessionStore) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, "UPDATE sessions SET revoked = true WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *SessionStore) RevokeForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, "UPDATE sessions SET revoked = true WHERE user_id = $1 AND NOT revoked", userID)
	if err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}
