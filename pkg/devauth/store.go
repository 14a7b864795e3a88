package devauth

import "errors"

// Logical keys used in the Secure Key Store. The private key never leaves
// the store; the session is the only other secret the client persists.
const (
	KeyDevicePrivate = "device_private_key"
	KeyDevicePublic  = "device_public_key"
	KeyDeviceSession = "device_session"
	KeyDeviceID      = "device_id"
	KeyDeviceCounter = "device_counter"
)

var (
	// ErrStoreUnavailable means the platform secret store itself is
	// inaccessible (private browsing, storage quota, permissions). Distinct
	// from ErrKeyNotFound so callers can offer a corrective path instead of
	// silently treating the device as unregistered.
	ErrStoreUnavailable = errors.New("devauth: secret store unavailable")

	// ErrKeyNotFound means the store works but holds no value for the key.
	ErrKeyNotFound = errors.New("devauth: key not found")

	// ErrNotRegistered means no local keypair exists; the caller should run
	// the registration flow.
	ErrNotRegistered = errors.New("devauth: device not registered")
)

// Store is the Secure Key Store contract. Implementations differ per
// runtime: NewFileStore relies on OS-enforced file permissions (the
// hardware-keystore analog, where the platform protects values at rest);
// NewEncryptedStore layers AES-256-GCM on top for platforms whose local
// storage is readable by other principals.
type Store interface {
	// Put persists the value under the key, replacing any prior value.
	Put(key string, value []byte) error
	// Get returns the stored value, ErrKeyNotFound if absent, or
	// ErrStoreUnavailable if the backing store is inaccessible.
	Get(key string) ([]byte, error)
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(key string) error
	// Available reports whether the backing store can be used at all.
	Available() bool
}
