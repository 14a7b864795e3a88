package devauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// seedKey is where the random store seed lives inside the inner store.
	// The seed is deliberately in the same (less protected) storage as the
	// ciphertexts; the derivation raises the cost of bulk offline scraping,
	// it is not a substitute for platform protection.
	seedKey = "keystore_seed"

	pbkdf2Iterations = 100_000
	seedSize         = 32
	nonceSize        = 12
)

var encSalt = []byte("keyproof-store-v1")

// EncryptedStore wraps another Store and encrypts every value with
// AES-256-GCM before it reaches the inner store. The symmetric key is
// derived with PBKDF2-SHA256 from a random per-device seed generated on
// first use. Decryption fails closed: a missing seed, truncated ciphertext
// or bad authentication tag yields an error, never partial data.
type EncryptedStore struct {
	inner Store
	aead  cipher.AEAD
}

// NewEncryptedStore derives the store key, generating and persisting the
// seed on first use.
func NewEncryptedStore(inner Store) (*EncryptedStore, error) {
	seed, err := inner.Get(seedKey)
	if err == ErrKeyNotFound {
		seed = make([]byte, seedSize)
		if _, rerr := rand.Read(seed); rerr != nil {
			return nil, fmt.Errorf("generate store seed: %w", rerr)
		}
		if perr := inner.Put(seedKey, seed); perr != nil {
			return nil, perr
		}
	} else if err != nil {
		return nil, err
	}

	key := pbkdf2.Key(seed, encSalt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &EncryptedStore{inner: inner, aead: aead}, nil
}

// Put encrypts value with a fresh 12-byte nonce and writes nonce||ciphertext.
func (s *EncryptedStore) Put(key string, value []byte) error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, value, []byte(key))
	return s.inner.Put(key, sealed)
}

func (s *EncryptedStore) Get(key string) ([]byte, error) {
	sealed, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("devauth: ciphertext for %q truncated", key)
	}
	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("devauth: decrypt %q: %w", key, err)
	}
	return plain, nil
}

func (s *EncryptedStore) Delete(key string) error {
	return s.inner.Delete(key)
}

func (s *EncryptedStore) Available() bool {
	return s.inner.Available()
}
