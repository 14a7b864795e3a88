package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/keyproof/server/internal/model"
	"github.com/keyproof/server/internal/repo"
	"github.com/keyproof/server/pkg/p256sig"
)

// TokenPair is the result of a successful verification or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthService orchestrates device registration, challenge verification and
// session issuance.
type AuthService struct {
	challenges *ChallengeService
	jwtService *JWTService
	userRepo   repo.UserRepo
	deviceRepo repo.DeviceRepo
	refresh    repo.RefreshRepo
	refreshTTL time.Duration
	log        *slog.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(
	challenges *ChallengeService,
	jwtService *JWTService,
	userRepo repo.UserRepo,
	deviceRepo repo.DeviceRepo,
	refresh repo.RefreshRepo,
	refreshTTL time.Duration,
	log *slog.Logger,
) *AuthService {
	return &AuthService{
		challenges: challenges,
		jwtService: jwtService,
		userRepo:   userRepo,
		deviceRepo: deviceRepo,
		refresh:    refresh,
		refreshTTL: refreshTTL,
		log:        log,
	}
}

// RegisterDevice creates a user account and its device identity record.
// The public key must be a valid P-256 point; it is unique across all
// device records.
func (s *AuthService) RegisterDevice(ctx context.Context, publicKeyB64, clientDeviceID, deviceName, osName, osVersion string) (model.User, model.Device, error) {
	publicKey, err := s.parsePublicKey(publicKeyB64)
	if err != nil {
		return model.User{}, model.Device{}, err
	}

	user, device, err := s.deviceRepo.Register(ctx, publicKey, clientDeviceID, deviceName, osName, osVersion)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return model.User{}, model.Device{}, ErrPublicKeyExists
		}
		return model.User{}, model.Device{}, fmt.Errorf("register device: %w", err)
	}

	s.log.Info("device registered",
		"user_id", user.ID,
		"device_id", device.ID,
		"key_hash", ChallengeKey(publicKey),
	)
	return user, device, nil
}

// IssueChallenge issues a signing challenge for a registered public key.
// Unknown keys get ErrDeviceNotFound: registration precedes authentication.
func (s *AuthService) IssueChallenge(ctx context.Context, publicKeyB64 string) (model.Challenge, error) {
	publicKey, err := s.parsePublicKey(publicKeyB64)
	if err != nil {
		return model.Challenge{}, ErrDeviceNotFound
	}

	if _, err := s.deviceRepo.GetByPublicKey(ctx, publicKey); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Challenge{}, ErrDeviceNotFound
		}
		return model.Challenge{}, fmt.Errorf("lookup device: %w", err)
	}

	return s.challenges.Issue(ctx, publicKey)
}

// VerifyDevice runs the server half of the challenge-response protocol and,
// on success, mints a token pair. Every failure consumes the challenge, and
// callers must render all failure variants identically at the wire boundary.
func (s *AuthService) VerifyDevice(ctx context.Context, publicKeyB64, challengeValue, signatureB64, clientDeviceID string, counter int64) (model.User, model.Device, TokenPair, error) {
	publicKey, err := s.parsePublicKey(publicKeyB64)
	if err != nil {
		return model.User{}, model.Device{}, TokenPair{}, ErrDeviceNotFound
	}

	device, err := s.deviceRepo.GetByPublicKey(ctx, publicKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, model.Device{}, TokenPair{}, ErrDeviceNotFound
		}
		return model.User{}, model.Device{}, TokenPair{}, fmt.Errorf("lookup device: %w", err)
	}

	signature, err := p256sig.DecodeKey(signatureB64)
	if err != nil {
		// Still consume the outstanding challenge: a malformed submission
		// counts as this challenge's one verification attempt.
		_, _ = s.challenges.store.Consume(ctx, ChallengeKey(publicKey))
		return model.User{}, model.Device{}, TokenPair{}, ErrSignatureInvalid
	}

	if err := s.challenges.Verify(ctx, publicKey, challengeValue, clientDeviceID, counter, signature); err != nil {
		return model.User{}, model.Device{}, TokenPair{}, err
	}

	// The signed device id must be the one registered with this key.
	if device.ClientDeviceID != clientDeviceID {
		s.log.Warn("device id mismatch on verify", "device_id", device.ID)
		return model.User{}, model.Device{}, TokenPair{}, ErrSignatureInvalid
	}

	advanced, err := s.deviceRepo.AdvanceCounter(ctx, device.ID, counter)
	if err != nil {
		return model.User{}, model.Device{}, TokenPair{}, fmt.Errorf("advance counter: %w", err)
	}
	if !advanced {
		// Counter moved backward (or stood still): cloned device state.
		// Fatal and non-retryable; every session for the owner is revoked.
		s.log.Error("signature counter regression",
			"device_id", device.ID,
			"stored_counter", device.SignatureCounter,
			"reported_counter", counter,
		)
		if err := s.refresh.RevokeAllForUser(ctx, device.UserID); err != nil {
			s.log.Error("revoke sessions after counter regression failed", "user_id", device.UserID, "err", err)
		}
		return model.User{}, model.Device{}, TokenPair{}, ErrCounterRegression
	}
	device.SignatureCounter = counter

	if err := s.userRepo.TouchLastLogin(ctx, device.UserID); err != nil {
		return model.User{}, model.Device{}, TokenPair{}, fmt.Errorf("touch last login: %w", err)
	}
	user, err := s.userRepo.GetByID(ctx, device.UserID)
	if err != nil {
		return model.User{}, model.Device{}, TokenPair{}, fmt.Errorf("load user: %w", err)
	}

	pair, err := s.issueTokens(ctx, user.ID, device.ID)
	if err != nil {
		return model.User{}, model.Device{}, TokenPair{}, err
	}

	s.log.Info("device authenticated", "user_id", user.ID, "device_id", device.ID, "counter", counter)
	return user, device, pair, nil
}

// RefreshTokens rotates a refresh token: the presented token is invalidated
// and a fresh pair is issued. Presenting a token twice means the second call
// fails, in any concurrent order. A token that was already rotated away is
// treated as theft evidence and revokes every session for the user.
func (s *AuthService) RefreshTokens(ctx context.Context, refreshToken string) (TokenPair, error) {
	newToken, newHash, err := GenerateRefreshToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}

	oldHash := HashRefreshToken(refreshToken)
	old, newSession, err := s.refresh.Rotate(ctx, oldHash, newHash, time.Now().Add(s.refreshTTL))
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return TokenPair{}, ErrInvalidRefreshToken
	case errors.Is(err, repo.ErrExpired):
		return TokenPair{}, ErrSessionExpired
	case errors.Is(err, repo.ErrRevoked):
		s.log.Warn("refresh token reuse detected", "user_id", old.UserID, "session_id", old.ID)
		if err := s.refresh.RevokeAllForUser(ctx, old.UserID); err != nil {
			s.log.Error("revoke sessions after token reuse failed", "user_id", old.UserID, "err", err)
		}
		return TokenPair{}, ErrRefreshTokenReuseDetected
	case err != nil:
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	accessToken, err := s.jwtService.SignAccessToken(newSession.UserID, newSession.DeviceID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}

	s.log.Info("refresh token rotated", "user_id", newSession.UserID, "session_id", newSession.ID)
	return TokenPair{AccessToken: accessToken, RefreshToken: newToken}, nil
}

// Logout revokes the refresh session matching the presented token.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	session, err := s.refresh.RevokeByTokenHash(ctx, HashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidRefreshToken
		}
		return fmt.Errorf("logout: %w", err)
	}
	s.log.Info("session revoked on logout", "user_id", session.UserID, "session_id", session.ID)
	return nil
}

// RevokeSession marks a session invalid immediately (anomaly response path).
func (s *AuthService) RevokeSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.refresh.Revoke(ctx, sessionID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidRefreshToken
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	s.log.Info("session revoked", "session_id", sessionID)
	return nil
}

func (s *AuthService) issueTokens(ctx context.Context, userID, deviceID uuid.UUID) (TokenPair, error) {
	accessToken, err := s.jwtService.SignAccessToken(userID, deviceID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}

	refreshToken, refreshHash, err := GenerateRefreshToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}
	if _, err := s.refresh.Create(ctx, userID, deviceID, refreshHash, time.Now().Add(s.refreshTTL)); err != nil {
		return TokenPair{}, fmt.Errorf("persist refresh session: %w", err)
	}

	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func (s *AuthService) parsePublicKey(publicKeyB64 string) ([]byte, error) {
	raw, err := p256sig.DecodeKey(publicKeyB64)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	if _, err := p256sig.ParsePublicKey(raw); err != nil {
		return nil, ErrInvalidPublicKey
	}
	return raw, nil
}
