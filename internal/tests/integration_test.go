package tests

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyproof/server/internal/auth"
	"github.com/keyproof/server/internal/db"
	apihttp "github.com/keyproof/server/internal/http"
	"github.com/keyproof/server/internal/http/handlers"
	"github.com/keyproof/server/internal/middleware"
	"github.com/keyproof/server/internal/repo"
	"github.com/keyproof/server/pkg/devauth"
	"github.com/keyproof/server/pkg/p256sig"
)

const testJWTSecret = "integration-test-secret-0123456789abcdef"

type testEnv struct {
	server *httptest.Server
	conn   *sql.DB
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	conn, err := db.Open(dbURL)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	userRepo := repo.NewUserRepo(conn)
	deviceRepo := repo.NewDeviceRepo(conn)
	challengeRepo := repo.NewChallengeRepo(conn)
	refreshRepo := repo.NewRefreshRepo(conn)

	jwtService := auth.NewJWTService(testJWTSecret, 15*time.Minute)
	challengeService := auth.NewChallengeService(challengeRepo, 5*time.Minute, log)
	authService := auth.NewAuthService(challengeService, jwtService, userRepo, deviceRepo, refreshRepo, 720*time.Hour, log)

	authHandler := handlers.NewAuthHandler(authService, log)
	healthHandler := handlers.NewHealthHandler(conn)
	authMiddleware := middleware.NewAuthMiddleware(jwtService, userRepo, log)

	server := httptest.NewServer(apihttp.NewRouter(authHandler, healthHandler, authMiddleware))
	t.Cleanup(func() {
		server.Close()
		conn.Close()
	})
	return &testEnv{server: server, conn: conn}
}

func (e *testEnv) newClient(t *testing.T) *devauth.Client {
	t.Helper()
	store, err := devauth.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return devauth.NewClient(e.server.URL, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (e *testEnv) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	env := setupEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEndToEndAuthentication(t *testing.T) {
	env := setupEnv(t)
	client := env.newClient(t)
	ctx := context.Background()

	userID, err := client.Register(ctx, "test-device", "linux", "6.1")
	require.NoError(t, err)
	require.NotEmpty(t, userID)

	session, err := client.Authenticate(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, session.AccessToken)
	require.NotEmpty(t, session.RefreshToken)
	assert.Equal(t, userID, session.UserID)

	// The access token works on the protected surface.
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, userID, me["id"])
}

func TestRegisterDuplicateKey(t *testing.T) {
	env := setupEnv(t)
	client := env.newClient(t)
	ctx := context.Background()

	_, err := client.Register(ctx, "", "", "")
	require.NoError(t, err)
	_, err = client.Register(ctx, "", "", "")
	assert.ErrorIs(t, err, devauth.ErrAlreadyRegistered)
}

func TestVerifyWithWrongKey(t *testing.T) {
	env := setupEnv(t)
	client := env.newClient(t)
	ctx := context.Background()

	_, err := client.Register(ctx, "", "", "")
	require.NoError(t, err)

	// Request a challenge for the registered key, then prove with a
	// different private key.
	store, err := devauth.NewFileStore(t.TempDir())
	require.NoError(t, err)
	identity := devauth.NewIdentity(store)
	wrongPriv, _, err := identity.EnsureKeypair()
	require.NoError(t, err)

	registeredPub := registeredPublicKey(t, client)
	status, out := env.post(t, "/auth/challenge", map[string]any{"publicKey": registeredPub})
	require.Equal(t, http.StatusOK, status)
	challenge := out["challenge"].(string)

	sig, err := p256sig.Sign(devauth.SigningPayload(challenge, "device-x", 1), wrongPriv)
	require.NoError(t, err)

	status, out = env.post(t, "/auth/verify-device", map[string]any{
		"publicKey": registeredPub,
		"challenge": challenge,
		"signature": p256sig.EncodeKey(sig),
		"deviceId":  "device-x",
		"counter":   1,
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "authentication failed", out["error"])
}

func TestChallengeUnknownKey(t *testing.T) {
	env := setupEnv(t)

	priv, err := p256sig.GenerateKey()
	require.NoError(t, err)
	pub := p256sig.EncodeKey(p256sig.MarshalPublicKey(&priv.PublicKey))

	status, _ := env.post(t, "/auth/challenge", map[string]any{"publicKey": pub})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSupersededChallengeRejected(t *testing.T) {
	env := setupEnv(t)
	client := env.newClient(t)
	ctx := context.Background()

	_, err := client.Register(ctx, "", "", "")
	require.NoError(t, err)
	registeredPub := registeredPublicKey(t, client)

	status, first := env.post(t, "/auth/challenge", map[string]any{"publicKey": registeredPub})
	require.Equal(t, http.StatusOK, status)
	status, second := env.post(t, "/auth/challenge", map[string]any{"publicKey": registeredPub})
	require.Equal(t, http.StatusOK, status)
	require.NotEqual(t, first["challenge"], second["challenge"])

	// Proof over the first challenge: the second superseded it.
	priv, deviceID := clientIdentity(t, client)
	sig, err := p256sig.Sign(devauth.SigningPayload(first["challenge"].(string), deviceID, 1), priv)
	require.NoError(t, err)

	status, _ = env.post(t, "/auth/verify-device", map[string]any{
		"publicKey": registeredPub,
		"challenge": first["challenge"],
		"signature": p256sig.EncodeKey(sig),
		"deviceId":  deviceID,
		"counter":   1,
	})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestChallengeReplayRejected(t *testing.T) {
	env := setupEnv(t)
	client := env.newClient(t)
	ctx := context.Background()

	_, err := client.Register(ctx, "", "", "")
	require.NoError(t, err)
	registeredPub := registeredPublicKey(t, client)
	priv, deviceID := clientIdentity(t, client)

	status, out := env.post(t, "/auth/challenge", map[string]any{"publicKey": registeredPub})
	require.Equal(t, http.StatusOK, status)
	challenge := out["challenge"].(string)

	sig, err := p256sig.Sign(devauth.SigningPayload(challenge, deviceID, 1), priv)
	require.NoError(t, err)

	body := map[string]any{
		"publicKey": registeredPub,
		"challenge": challenge,
		"signature": p256sig.EncodeKey(sig),
		"deviceId":  deviceID,
		"counter":   1,
	}
	status, _ = env.post(t, "/auth/verify-device", body)
	require.Equal(t, http.StatusOK, status)

	// The identical proof a second time is a replay.
	status, _ = env.post(t, "/auth/verify-device", body)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCounterRegressionRevokesSessions(t *testing.T) {
	env := setupEnv(t)
	client := env.newClient(t)
	ctx := context.Background()

	_, err := client.Register(ctx, "", "", "")
	require.NoError(t, err)
	registeredPub := registeredPublicKey(t, client)
	priv, deviceID := clientIdentity(t, client)

	// Legitimate authentication at counter 10.
	status, out := env.post(t, "/auth/challenge", map[string]any{"publicKey": registeredPub})
	require.Equal(t, http.StatusOK, status)
	sig, err := p256sig.Sign(devauth.SigningPayload(out["challenge"].(string), deviceID, 10), priv)
	require.NoError(t, err)
	status, verified := env.post(t, "/auth/verify-device", map[string]any{
		"publicKey": registeredPub,
		"challenge": out["challenge"],
		"signature": p256sig.EncodeKey(sig),
		"deviceId":  deviceID,
		"counter":   10,
	})
	require.Equal(t, http.StatusOK, status)
	refreshToken := verified["refresh_token"].(string)

	// A proof with a non-advancing counter looks like cloned device state.
	status, out = env.post(t, "/auth/challenge", map[string]any{"publicKey": registeredPub})
	require.Equal(t, http.StatusOK, status)
	sig, err = p256sig.Sign(devauth.SigningPayload(out["challenge"].(string), deviceID, 10), priv)
	require.NoError(t, err)
	status, _ = env.post(t, "/auth/verify-device", map[string]any{
		"publicKey": registeredPub,
		"challenge": out["challenge"],
		"signature": p256sig.EncodeKey(sig),
		"deviceId":  deviceID,
		"counter":   10,
	})
	require.Equal(t, http.StatusUnauthorized, status)

	// The regression revoked the earlier session's refresh token.
	status, _ = env.post(t, "/auth/refresh", map[string]any{"refresh_token": refreshToken})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRefreshRotationAndReuse(t *testing.T) {
	env := setupEnv(t)
	client := env.newClient(t)
	ctx := context.Background()

	_, err := client.Register(ctx, "", "", "")
	require.NoError(t, err)
	session, err := client.Authenticate(ctx)
	require.NoError(t, err)

	status, rotated := env.post(t, "/auth/refresh", map[string]any{"refresh_token": session.RefreshToken})
	require.Equal(t, http.StatusOK, status)
	newToken := rotated["refresh_token"].(string)
	require.NotEqual(t, session.RefreshToken, newToken)

	// Reusing the rotated-away token is theft evidence: uniform 401 with the
	// reuse marker, and the whole chain dies with it.
	status, out := env.post(t, "/auth/refresh", map[string]any{"refresh_token": session.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "refresh_token_reuse_detected", out["error"])

	status, _ = env.post(t, "/auth/refresh", map[string]any{"refresh_token": newToken})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLogoutRevokesSession(t *testing.T) {
	env := setupEnv(t)
	client := env.newClient(t)
	ctx := context.Background()

	_, err := client.Register(ctx, "", "", "")
	require.NoError(t, err)
	session, err := client.Authenticate(ctx)
	require.NoError(t, err)

	status, _ := env.post(t, "/auth/logout", map[string]any{"refresh_token": session.RefreshToken})
	require.Equal(t, http.StatusOK, status)

	status, _ = env.post(t, "/auth/refresh", map[string]any{"refresh_token": session.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestMeRequiresToken(t *testing.T) {
	env := setupEnv(t)

	resp, err := http.Get(env.server.URL + "/me")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// registeredPublicKey pulls the client's registered public key out of its
// key store, encoded for the wire.
func registeredPublicKey(t *testing.T, client *devauth.Client) string {
	t.Helper()
	_, pub, err := client.Identity().Keypair()
	require.NoError(t, err)
	return p256sig.EncodeKey(pub)
}

func clientIdentity(t *testing.T, client *devauth.Client) (*ecdsa.PrivateKey, string) {
	t.Helper()
	priv, _, err := client.Identity().Keypair()
	require.NoError(t, err)
	deviceID, err := client.Identity().DeviceID()
	require.NoError(t, err)
	return priv, deviceID
}
