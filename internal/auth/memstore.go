package auth

import (
	"context"
	"sync"
	"time"

	"github.com/keyproof/server/internal/model"
)

// MemChallengeStore is an in-memory ChallengeStore for single-process
// deployments and tests. Expiry is enforced lazily on Consume and by
// SweepExpired; an expired entry is still returned by Consume so the service
// can report ChallengeExpired rather than ChallengeNotFound.
type MemChallengeStore struct {
	mu      sync.Mutex
	entries map[string]model.Challenge
}

// NewMemChallengeStore creates an empty in-memory challenge store.
func NewMemChallengeStore() *MemChallengeStore {
	return &MemChallengeStore{entries: make(map[string]model.Challenge)}
}

// Put stores the challenge, replacing any prior entry for the key.
func (m *MemChallengeStore) Put(_ context.Context, keyHash string, ch model.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[keyHash] = ch
	return nil
}

// Consume atomically fetches and deletes the entry for the key.
func (m *MemChallengeStore) Consume(_ context.Context, keyHash string) (model.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.entries[keyHash]
	if !ok {
		return model.Challenge{}, ErrStoreMiss
	}
	delete(m.entries, keyHash)
	return ch, nil
}

// SweepExpired removes entries past their expiry and returns how many.
func (m *MemChallengeStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, ch := range m.entries {
		if now.After(ch.ExpiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}
