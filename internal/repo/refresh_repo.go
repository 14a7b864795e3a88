package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyproof/server/internal/model"
)

// RefreshRepo defines the interface for refresh session repository operations
type RefreshRepo interface {
	Create(ctx context.Context, userID, deviceID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error)
	// Rotate atomically claims the session identified by oldHash and inserts
	// its replacement. Under concurrent use of the same token exactly one
	// caller succeeds; the rest get ErrRevoked. The claimed (old) session is
	// returned alongside the error so callers can react to reuse.
	Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (old model.RefreshSession, newSession model.RefreshSession, err error)
	RevokeByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error)
	Revoke(ctx context.Context, sessionID uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
}

type refreshRepo struct {
	db *sql.DB
}

// NewRefreshRepo creates a new RefreshRepo instance
func NewRefreshRepo(db *sql.DB) RefreshRepo {
	return &refreshRepo{db: db}
}

// Create inserts a new refresh session
func (r *refreshRepo) Create(ctx context.Context, userID, deviceID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error) {
	var idStr string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO refresh_sessions (user_id, device_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, userID, deviceID, tokenHash, expiresAt).Scan(&idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert refresh session: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse session ID: %w", err)
	}
	return id, nil
}

func (r *refreshRepo) Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (model.RefreshSession, model.RefreshSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RefreshSession{}, model.RefreshSession{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Row lock serializes concurrent rotations of the same token.
	old, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT id, user_id, device_id, token_hash, created_at, expires_at, revoked_at, replaced_by
		FROM refresh_sessions
		WHERE token_hash = $1
		FOR UPDATE
	`, oldHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshSession{}, model.RefreshSession{}, ErrNotFound
		}
		return model.RefreshSession{}, model.RefreshSession{}, fmt.Errorf("find session: %w", err)
	}

	if old.RevokedAt != nil {
		return old, model.RefreshSession{}, ErrRevoked
	}
	if !old.ExpiresAt.After(time.Now()) {
		return old, model.RefreshSession{}, ErrExpired
	}

	newSession := model.RefreshSession{
		UserID:    old.UserID,
		DeviceID:  old.DeviceID,
		TokenHash: newHash,
		ExpiresAt: expiresAt,
	}
	var newIDStr string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO refresh_sessions (user_id, device_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, newSession.UserID, newSession.DeviceID, newHash, expiresAt).Scan(&newIDStr, &newSession.CreatedAt)
	if err != nil {
		return old, model.RefreshSession{}, fmt.Errorf("insert replacement session: %w", err)
	}
	newSession.ID, err = uuid.Parse(newIDStr)
	if err != nil {
		return old, model.RefreshSession{}, fmt.Errorf("parse session ID: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE refresh_sessions
		SET revoked_at = now(), replaced_by = $2
		WHERE id = $1
	`, old.ID, newSession.ID)
	if err != nil {
		return old, model.RefreshSession{}, fmt.Errorf("revoke rotated session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return old, model.RefreshSession{}, fmt.Errorf("commit: %w", err)
	}
	return old, newSession, nil
}

// RevokeByTokenHash revokes the active session matching the token hash
func (r *refreshRepo) RevokeByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `
		UPDATE refresh_sessions
		SET revoked_at = now()
		WHERE token_hash = $1 AND revoked_at IS NULL
		RETURNING id, user_id, device_id, token_hash, created_at, expires_at, revoked_at, replaced_by
	`, tokenHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshSession{}, ErrNotFound
		}
		return model.RefreshSession{}, fmt.Errorf("revoke session: %w", err)
	}
	return s, nil
}

// Revoke sets revoked_at for the session
func (r *refreshRepo) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = now() WHERE id = $1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForUser revokes all active refresh sessions for a user
// (reuse/theft and counter-regression response)
func (r *refreshRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("revoke all sessions for user: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.RefreshSession, error) {
	var s model.RefreshSession
	var idStr, userIDStr, deviceIDStr string
	var replacedByStr sql.NullString
	err := row.Scan(
		&idStr,
		&userIDStr,
		&deviceIDStr,
		&s.TokenHash,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.RevokedAt,
		&replacedByStr,
	)
	if err != nil {
		return model.RefreshSession{}, err
	}
	s.ID, _ = uuid.Parse(idStr)
	s.UserID, _ = uuid.Parse(userIDStr)
	s.DeviceID, _ = uuid.Parse(deviceIDStr)
	if replacedByStr.Valid && replacedByStr.String != "" {
		u, _ := uuid.Parse(replacedByStr.String)
		s.ReplacedBy = &u
	}
	return s, nil
}
