package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/keyproof/server/internal/auth"
	"github.com/keyproof/server/internal/model"
	"github.com/keyproof/server/internal/repo"
)

type contextKey string

const (
	userContextKey   contextKey = "user"
	deviceContextKey contextKey = "device_id"
)

// AuthMiddleware validates JWT access tokens and loads the user
type AuthMiddleware struct {
	jwtService *auth.JWTService
	userRepo   repo.UserRepo
	log        *slog.Logger
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(jwtService *auth.JWTService, userRepo repo.UserRepo, log *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{jwtService: jwtService, userRepo: userRepo, log: log}
}

// RequireAuth rejects requests without a valid Bearer access token and puts
// the user and device id on the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			unauthorized(w, "invalid authorization header")
			return
		}

		claims, err := m.jwtService.VerifyToken(parts[1])
		if err != nil {
			unauthorized(w, "invalid or expired token")
			return
		}

		user, err := m.userRepo.GetByID(r.Context(), claims.UserID)
		if err != nil {
			// The token can outlive the account.
			unauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, &user)
		ctx = context.WithValue(ctx, deviceContextKey, claims.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUser extracts the authenticated user from the request context
func GetUser(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok
}

// GetDeviceID extracts the authenticated device id from the request context
func GetDeviceID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(deviceContextKey).(uuid.UUID)
	return id, ok
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
