package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/keyproof/server/internal/model"
	"github.com/lib/pq"
)

// DeviceRepo defines the interface for device identity record operations
type DeviceRepo interface {
	// Register creates a user and its first device in one transaction.
	// Returns ErrDuplicate if the public key is already registered.
	Register(ctx context.Context, publicKey []byte, clientDeviceID, deviceName, osName, osVersion string) (model.User, model.Device, error)
	GetByPublicKey(ctx context.Context, publicKey []byte) (model.Device, error)
	// AdvanceCounter sets signature_counter and last_used_at if and only if
	// the stored counter is strictly below the new value. Returns false when
	// the guard fails, which callers treat as counter regression.
	AdvanceCounter(ctx context.Context, id uuid.UUID, counter int64) (bool, error)
	Revoke(ctx context.Context, id uuid.UUID) error
}

type deviceRepo struct {
	db *sql.DB
}

// NewDeviceRepo creates a new DeviceRepo instance
func NewDeviceRepo(db *sql.DB) DeviceRepo {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) Register(ctx context.Context, publicKey []byte, clientDeviceID, deviceName, osName, osVersion string) (model.User, model.Device, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.User{}, model.Device{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var user model.User
	var userIDStr string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users DEFAULT VALUES
		RETURNING id, created_at
	`).Scan(&userIDStr, &user.CreatedAt)
	if err != nil {
		return model.User{}, model.Device{}, fmt.Errorf("insert user: %w", err)
	}
	user.ID, err = uuid.Parse(userIDStr)
	if err != nil {
		return model.User{}, model.Device{}, fmt.Errorf("parse user ID: %w", err)
	}

	var device model.Device
	var deviceIDStr string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO devices (user_id, client_device_id, device_name, public_key, os_name, os_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, user.ID, clientDeviceID, deviceName, publicKey, osName, osVersion).Scan(&deviceIDStr, &device.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, model.Device{}, ErrDuplicate
		}
		return model.User{}, model.Device{}, fmt.Errorf("insert device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.User{}, model.Device{}, fmt.Errorf("commit: %w", err)
	}

	device.ID, err = uuid.Parse(deviceIDStr)
	if err != nil {
		return model.User{}, model.Device{}, fmt.Errorf("parse device ID: %w", err)
	}
	device.UserID = user.ID
	device.ClientDeviceID = clientDeviceID
	device.DeviceName = deviceName
	device.PublicKey = publicKey
	device.OSName = osName
	device.OSVersion = osVersion

	return user, device, nil
}

// GetByPublicKey returns the non-revoked device record for the public key
func (r *deviceRepo) GetByPublicKey(ctx context.Context, publicKey []byte) (model.Device, error) {
	query := `
		SELECT id, user_id, client_device_id, device_name, public_key, os_name, os_version,
		       signature_counter, created_at, last_used_at, revoked_at
		FROM devices
		WHERE public_key = $1 AND revoked_at IS NULL
	`
	var device model.Device
	var idStr, userIDStr string
	err := r.db.QueryRowContext(ctx, query, publicKey).Scan(
		&idStr,
		&userIDStr,
		&device.ClientDeviceID,
		&device.DeviceName,
		&device.PublicKey,
		&device.OSName,
		&device.OSVersion,
		&device.SignatureCounter,
		&device.CreatedAt,
		&device.LastUsedAt,
		&device.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, ErrNotFound
		}
		return model.Device{}, fmt.Errorf("query device: %w", err)
	}
	device.ID, _ = uuid.Parse(idStr)
	device.UserID, _ = uuid.Parse(userIDStr)
	return device, nil
}

func (r *deviceRepo) AdvanceCounter(ctx context.Context, id uuid.UUID, counter int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET signature_counter = $2, last_used_at = now()
		WHERE id = $1 AND signature_counter < $2
	`, id, counter)
	if err != nil {
		return false, fmt.Errorf("advance counter: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Revoke soft-revokes the device; the row is kept for audit history
func (r *deviceRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
