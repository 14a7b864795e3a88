// Package p256sig implements the signing primitive for device-bound
// authentication: NIST P-256 keypairs with deterministic ECDSA (RFC 6979)
// over SHA-256 digests. Signatures are the raw 64-byte r||s form.
package p256sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

const (
	// PublicKeySize is the length of an uncompressed SEC1 P-256 point.
	PublicKeySize = 65
	// SignatureSize is the length of a raw r||s signature.
	SignatureSize = 64

	scalarSize = 32
)

var (
	ErrInvalidPublicKey  = errors.New("p256sig: invalid public key")
	ErrInvalidPrivateKey = errors.New("p256sig: invalid private key")
)

// GenerateKey creates a new P-256 keypair from crypto/rand. It fails fast if
// the platform randomness source errors; there is no fallback source.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p256 keypair: %w", err)
	}
	return priv, nil
}

// MarshalPublicKey encodes the public key as an uncompressed SEC1 point.
func MarshalPublicKey(pub *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(elliptic.P256(), pub.X, pub.Y)
}

// ParsePublicKey decodes an uncompressed SEC1 P-256 point. Malformed input
// returns an error, never a panic.
func ParsePublicKey(data []byte) (*ecdsa.PublicKey, error) {
	if len(data) != PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), data)
	if x == nil {
		return nil, ErrInvalidPublicKey
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// MarshalPrivateKey encodes the private scalar as 32 big-endian bytes.
func MarshalPrivateKey(priv *ecdsa.PrivateKey) []byte {
	return priv.D.FillBytes(make([]byte, scalarSize))
}

// ParsePrivateKey rebuilds a private key from its 32-byte scalar.
func ParsePrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	if len(data) != scalarSize {
		return nil, ErrInvalidPrivateKey
	}
	d := new(big.Int).SetBytes(data)
	n := elliptic.P256().Params().N
	if d.Sign() == 0 || d.Cmp(n) >= 0 {
		return nil, ErrInvalidPrivateKey
	}
	priv := &ecdsa.PrivateKey{D: d}
	priv.Curve = elliptic.P256()
	priv.X, priv.Y = elliptic.P256().ScalarBaseMult(data)
	return priv, nil
}

// EncodeKey renders key material for transport or storage.
func EncodeKey(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
