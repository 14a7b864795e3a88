package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyproof/server/internal/model"
	"github.com/keyproof/server/pkg/devauth"
	"github.com/keyproof/server/pkg/p256sig"
)

const challengeBytes = 32

// ChallengeStore keeps at most one outstanding challenge per public key in a
// TTL-bounded keyed store. Put replaces any prior challenge for the key.
// Consume atomically fetches and deletes; two concurrent Consume calls for
// the same key must yield exactly one challenge.
type ChallengeStore interface {
	Put(ctx context.Context, keyHash string, ch model.Challenge) error
	Consume(ctx context.Context, keyHash string) (model.Challenge, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// ErrStoreMiss is returned by ChallengeStore.Consume when no challenge is
// stored under the key. The service maps it to ErrChallengeNotFound.
var ErrStoreMiss = fmt.Errorf("challenge store: no entry")

// ChallengeKey derives the store key for a public key.
func ChallengeKey(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// ChallengeService issues and verifies single-use signing challenges.
type ChallengeService struct {
	store ChallengeStore
	ttl   time.Duration
	log   *slog.Logger
}

// NewChallengeService creates a challenge service. ttl bounds challenge
// validity (the reference value is 5 minutes).
func NewChallengeService(store ChallengeStore, ttl time.Duration, log *slog.Logger) *ChallengeService {
	return &ChallengeService{store: store, ttl: ttl, log: log}
}

// Issue generates a fresh random challenge for the public key and stores it,
// superseding any prior unconsumed challenge for that key.
func (s *ChallengeService) Issue(ctx context.Context, publicKey []byte) (model.Challenge, error) {
	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return model.Challenge{}, fmt.Errorf("generate challenge: %w", err)
	}

	now := time.Now()
	ch := model.Challenge{
		PublicKey: publicKey,
		Value:     base64.RawURLEncoding.EncodeToString(raw),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	keyHash := ChallengeKey(publicKey)
	if err := s.store.Put(ctx, keyHash, ch); err != nil {
		return model.Challenge{}, fmt.Errorf("store challenge: %w", err)
	}

	s.log.Info("challenge issued",
		"key_hash", keyHash,
		"expires_at", ch.ExpiresAt,
	)
	return ch, nil
}

// Verify consumes the outstanding challenge for publicKey and validates the
// signature over the canonical payload. The challenge is gone after this
// call whether verification succeeds or fails; replaying the same value
// yields ErrChallengeNotFound.
func (s *ChallengeService) Verify(ctx context.Context, publicKey []byte, challengeValue, deviceID string, counter int64, signature []byte) error {
	keyHash := ChallengeKey(publicKey)

	stored, err := s.store.Consume(ctx, keyHash)
	if err != nil {
		s.log.Warn("challenge consume miss", "key_hash", keyHash)
		return ErrChallengeNotFound
	}

	// A superseded challenge value is indistinguishable from a consumed one.
	if stored.Value != challengeValue {
		s.log.Warn("challenge value mismatch", "key_hash", keyHash)
		return ErrChallengeNotFound
	}

	if time.Now().After(stored.ExpiresAt) {
		s.log.Warn("challenge expired", "key_hash", keyHash, "expired_at", stored.ExpiresAt)
		return ErrChallengeExpired
	}

	payload := devauth.SigningPayload(challengeValue, deviceID, counter)
	if !p256sig.Verify(payload, signature, publicKey) {
		s.log.Warn("challenge signature invalid", "key_hash", keyHash)
		return ErrSignatureInvalid
	}

	s.log.Info("challenge verified", "key_hash", keyHash)
	return nil
}
