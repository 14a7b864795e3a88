package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/keyproof/server/internal/auth"
	"github.com/keyproof/server/internal/middleware"
)

// AuthHandler handles the device authentication endpoints
type AuthHandler struct {
	authService *auth.AuthService
	log         *slog.Logger
	ipLimiter   *middleware.RateLimiter
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *auth.AuthService, log *slog.Logger) *AuthHandler {
	// IP rate limit: 30 auth requests per 10 min; per-key brute force is
	// already bounded by challenge single-use.
	return &AuthHandler{
		authService: authService,
		log:         log,
		ipLimiter:   middleware.NewRateLimiter(10*time.Minute, 30),
	}
}

type registerDeviceRequest struct {
	PublicKey  string `json:"publicKey"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	OSName     string `json:"osName"`
	OSVersion  string `json:"osVersion"`
}

type registerDeviceResponse struct {
	UserID string `json:"userId"`
}

type challengeRequest struct {
	PublicKey string `json:"publicKey"`
}

type challengeResponse struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type verifyDeviceRequest struct {
	PublicKey string `json:"publicKey"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	DeviceID  string `json:"deviceId"`
	Counter   int64  `json:"counter"`
}

type verifyDeviceResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	User         userResponse `json:"user"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login_at,omitempty"`
}

// HandleRegisterDevice handles POST /auth/register-device
func (h *AuthHandler) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.PublicKey = strings.TrimSpace(req.PublicKey)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.PublicKey == "" || req.DeviceID == "" {
		respondWithError(w, http.StatusBadRequest, "publicKey and deviceId are required")
		return
	}

	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	user, _, err := h.authService.RegisterDevice(r.Context(), req.PublicKey, req.DeviceID, req.DeviceName, req.OSName, req.OSVersion)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrPublicKeyExists):
			respondWithError(w, http.StatusConflict, "public key already registered")
		case errors.Is(err, auth.ErrInvalidPublicKey):
			respondWithError(w, http.StatusBadRequest, "invalid public key")
		default:
			h.log.Error("register device failed", "err", err)
			respondWithError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	respondWithJSON(w, http.StatusCreated, registerDeviceResponse{UserID: user.ID.String()})
}

// HandleChallenge handles POST /auth/challenge
func (h *AuthHandler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.PublicKey = strings.TrimSpace(req.PublicKey)
	if req.PublicKey == "" {
		respondWithError(w, http.StatusBadRequest, "publicKey is required")
		return
	}

	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	challenge, err := h.authService.IssueChallenge(r.Context(), req.PublicKey)
	if err != nil {
		if errors.Is(err, auth.ErrDeviceNotFound) {
			respondWithError(w, http.StatusNotFound, "unknown public key")
			return
		}
		h.log.Error("issue challenge failed", "err", err)
		respondWithError(w, http.StatusInternalServerError, "failed to issue challenge")
		return
	}

	respondWithJSON(w, http.StatusOK, challengeResponse{
		Challenge: challenge.Value,
		ExpiresAt: challenge.ExpiresAt,
	})
}

// HandleVerifyDevice handles POST /auth/verify-device. Every verification
// failure gets the same 401 body: the wire must not disclose whether the
// key, challenge, signature or counter was at fault.
func (h *AuthHandler) HandleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	var req verifyDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.PublicKey = strings.TrimSpace(req.PublicKey)
	req.Challenge = strings.TrimSpace(req.Challenge)
	req.Signature = strings.TrimSpace(req.Signature)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.PublicKey == "" || req.Challenge == "" || req.Signature == "" || req.DeviceID == "" {
		respondWithError(w, http.StatusBadRequest, "publicKey, challenge, signature and deviceId are required")
		return
	}

	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	user, _, pair, err := h.authService.VerifyDevice(r.Context(), req.PublicKey, req.Challenge, req.Signature, req.DeviceID, req.Counter)
	if err != nil {
		if auth.IsAuthenticationFailure(err) {
			respondWithError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		h.log.Error("verify device failed", "err", err)
		respondWithError(w, http.StatusInternalServerError, "verification failed")
		return
	}

	respondWithJSON(w, http.StatusOK, verifyDeviceResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		User: userResponse{
			ID:        user.ID.String(),
			CreatedAt: user.CreatedAt,
			LastLogin: user.LastLoginAt,
		},
	})
}

// refreshRequest is the request body for POST /auth/refresh
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshResponse is the JSON response for refresh
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// HandleRefresh handles POST /auth/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		respondWithError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := h.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRefreshTokenReuseDetected):
			respondWithError(w, http.StatusUnauthorized, "refresh_token_reuse_detected")
		case errors.Is(err, auth.ErrInvalidRefreshToken), errors.Is(err, auth.ErrSessionExpired):
			respondWithError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		default:
			h.log.Error("refresh failed", "err", err)
			respondWithError(w, http.StatusInternalServerError, "refresh failed")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, refreshResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
	})
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		respondWithError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	if err := h.authService.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, auth.ErrInvalidRefreshToken) {
			respondWithError(w, http.StatusUnauthorized, "invalid or expired refresh token")
			return
		}
		h.log.Error("logout failed", "err", err)
		respondWithError(w, http.StatusInternalServerError, "logout failed")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	respondWithJSON(w, http.StatusOK, userResponse{
		ID:        user.ID.String(),
		CreatedAt: user.CreatedAt,
		LastLogin: user.LastLoginAt,
	})
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}
