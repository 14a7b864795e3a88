package devauth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/keyproof/server/pkg/p256sig"
)

// Identity wraps a Store with the device's cryptographic identity: the
// keypair, the stable device identifier and the monotonic signature counter.
type Identity struct {
	store Store
}

// NewIdentity creates an identity view over a key store.
func NewIdentity(store Store) *Identity {
	return &Identity{store: store}
}

// EnsureKeypair loads the device keypair, generating and persisting one on
// first use. An existing private key is never regenerated in place:
// regeneration would mint a new public key and thus a new device identity,
// so it only happens through an explicit Wipe.
func (i *Identity) EnsureKeypair() (*ecdsa.PrivateKey, []byte, error) {
	priv, pub, err := i.Keypair()
	if err == nil {
		return priv, pub, nil
	}
	if !errors.Is(err, ErrNotRegistered) {
		return nil, nil, err
	}

	generated, err := p256sig.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	pubBytes := p256sig.MarshalPublicKey(&generated.PublicKey)
	if err := i.store.Put(KeyDevicePrivate, p256sig.MarshalPrivateKey(generated)); err != nil {
		return nil, nil, err
	}
	if err := i.store.Put(KeyDevicePublic, pubBytes); err != nil {
		return nil, nil, err
	}
	return generated, pubBytes, nil
}

// Keypair loads the persisted keypair. ErrNotRegistered if no key exists;
// store failures propagate unchanged so callers can distinguish them.
func (i *Identity) Keypair() (*ecdsa.PrivateKey, []byte, error) {
	privBytes, err := i.store.Get(KeyDevicePrivate)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil, ErrNotRegistered
		}
		return nil, nil, err
	}
	priv, err := p256sig.ParsePrivateKey(privBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("stored private key corrupt: %w", err)
	}
	pub, err := i.store.Get(KeyDevicePublic)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			// Rebuild the public half from the private scalar.
			pub = p256sig.MarshalPublicKey(&priv.PublicKey)
			if perr := i.store.Put(KeyDevicePublic, pub); perr != nil {
				return nil, nil, perr
			}
			return priv, pub, nil
		}
		return nil, nil, err
	}
	return priv, pub, nil
}

// DeviceID returns the stable device identifier, generating a random UUID on
// first use and persisting it. The identifier is anomaly-detection metadata;
// it is never a credential by itself.
func (i *Identity) DeviceID() (string, error) {
	raw, err := i.store.Get(KeyDeviceID)
	if err == nil {
		return string(raw), nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return "", err
	}
	id := uuid.NewString()
	if err := i.store.Put(KeyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

// NextCounter advances and persists the signature counter. The counter is
// strictly increasing across the device's lifetime; the server rejects any
// regression as evidence of cloned state.
func (i *Identity) NextCounter() (int64, error) {
	var current int64
	raw, err := i.store.Get(KeyDeviceCounter)
	if err == nil {
		current, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("stored counter corrupt: %w", err)
		}
	} else if !errors.Is(err, ErrKeyNotFound) {
		return 0, err
	}

	next := current + 1
	if err := i.store.Put(KeyDeviceCounter, []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

// Wipe destroys the keypair, counter and session. This is the explicit
// logout-with-wipe path: afterwards the device is unregistered and any new
// keypair is a new identity from the server's perspective.
func (i *Identity) Wipe() error {
	for _, key := range []string{KeyDevicePrivate, KeyDevicePublic, KeyDeviceCounter, KeyDeviceSession} {
		if err := i.store.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
