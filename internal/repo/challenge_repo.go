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

// ChallengeRepo is the durable challenge store. Rows survive process
// restarts; expiry is enforced on consume and by the periodic sweep.
// It satisfies auth.ChallengeStore.
type ChallengeRepo interface {
	Put(ctx context.Context, keyHash string, ch model.Challenge) error
	Consume(ctx context.Context, keyHash string) (model.Challenge, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type challengeRepo struct {
	db *sql.DB
}

// NewChallengeRepo creates a new ChallengeRepo instance
func NewChallengeRepo(db *sql.DB) ChallengeRepo {
	return &challengeRepo{db: db}
}

// Put replaces any outstanding challenge for the key: only the latest issued
// challenge is ever valid. An advisory lock serializes issuance per key so
// concurrent requests cannot race the delete/insert pair.
func (r *challengeRepo) Put(ctx context.Context, keyHash string, ch model.Challenge) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, keyHash)
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM auth_challenges WHERE key_hash = $1
	`, keyHash)
	if err != nil {
		return fmt.Errorf("supersede existing challenge: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_challenges (key_hash, public_key, challenge, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, keyHash, ch.PublicKey, ch.Value, ch.IssuedAt, ch.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Consume atomically fetches and deletes the challenge for the key. The
// single DELETE ... RETURNING statement guarantees that two concurrent
// verification attempts cannot both observe the same row.
func (r *challengeRepo) Consume(ctx context.Context, keyHash string) (model.Challenge, error) {
	var ch model.Challenge
	var idStr string
	err := r.db.QueryRowContext(ctx, `
		DELETE FROM auth_challenges
		WHERE key_hash = $1
		RETURNING id, public_key, challenge, issued_at, expires_at
	`, keyHash).Scan(
		&idStr,
		&ch.PublicKey,
		&ch.Value,
		&ch.IssuedAt,
		&ch.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Challenge{}, ErrNotFound
		}
		return model.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	ch.ID, _ = uuid.Parse(idStr)
	return ch, nil
}

// SweepExpired deletes challenges past their expiry and returns how many.
func (r *challengeRepo) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_challenges WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired challenges: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
