package model

import (
	"time"

	"github.com/google/uuid"
)

// User is a minimal, PII-free account record. Identity lives in the device
// keys; the user row only anchors sessions and audit timestamps.
type User struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// Device is the server-side identity record for one device installation.
// PublicKey is unique across all devices. Rows are soft-revoked, never
// deleted, so the audit trail survives logout.
type Device struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	ClientDeviceID   string
	DeviceName       string
	PublicKey        []byte
	OSName           string
	OSVersion        string
	SignatureCounter int64
	CreatedAt        time.Time
	LastUsedAt       *time.Time
	RevokedAt        *time.Time
}

// Challenge is a single-use signing challenge bound to a public key.
// At most one is outstanding per key; issuing a new one supersedes it.
type Challenge struct {
	ID        uuid.UUID
	PublicKey []byte
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshSession is a server-side refresh token record. Only the SHA-256
// hash of the token is stored.
type RefreshSession struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	DeviceID   uuid.UUID
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *uuid.UUID
}
