package devauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyproof/server/pkg/p256sig"
)

// fakeServer implements just enough of the wire protocol to drive the client.
type fakeServer struct {
	mu         sync.Mutex
	registered map[string]string // publicKey -> deviceId
	challenges map[string]string // publicKey -> outstanding challenge
	counters   map[string]int64
	refresh    string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		registered: make(map[string]string),
		challenges: make(map[string]string),
		counters:   make(map[string]int64),
	}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/register-device", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PublicKey string `json:"publicKey"`
			DeviceID  string `json:"deviceId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.registered[req.PublicKey]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.registered[req.PublicKey] = req.DeviceID
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"userId": "11111111-1111-1111-1111-111111111111"})
	})
	mux.HandleFunc("/auth/challenge", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PublicKey string `json:"publicKey"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.registered[req.PublicKey]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.challenges[req.PublicKey] = "chal-" + time.Now().Format("150405.000000000")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"challenge": f.challenges[req.PublicKey],
			"expiresAt": time.Now().Add(5 * time.Minute),
		})
	})
	mux.HandleFunc("/auth/verify-device", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PublicKey string `json:"publicKey"`
			Challenge string `json:"challenge"`
			Signature string `json:"signature"`
			DeviceID  string `json:"deviceId"`
			Counter   int64  `json:"counter"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()

		outstanding, ok := f.challenges[req.PublicKey]
		delete(f.challenges, req.PublicKey)
		if !ok || outstanding != req.Challenge {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if req.Counter <= f.counters[req.PublicKey] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		pub, err := p256sig.DecodeKey(req.PublicKey)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sig, err := p256sig.DecodeKey(req.Signature)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !p256sig.Verify(SigningPayload(req.Challenge, req.DeviceID, req.Counter), sig, pub) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.counters[req.PublicKey] = req.Counter
		f.refresh = "refresh-1"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": f.refresh,
			"user":          map[string]string{"id": "11111111-1111-1111-1111-111111111111"},
		})
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if req.RefreshToken != f.refresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.refresh = req.RefreshToken + "x"
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "access-2",
			"refresh_token": f.refresh,
		})
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.refresh = ""
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "logged out"})
	})
	return mux
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewClient(baseURL, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClientRegisterAndAuthenticate(t *testing.T) {
	srv := httptest.NewServer(newFakeServer().handler())
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	userID, err := c.Register(ctx, "laptop", "linux", "6.1")
	require.NoError(t, err)
	assert.NotEmpty(t, userID)

	session, err := c.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", session.AccessToken)
	assert.Equal(t, userID, session.UserID)

	// The session is persisted in the key store.
	loaded, err := c.CurrentSession()
	require.NoError(t, err)
	assert.Equal(t, session.RefreshToken, loaded.RefreshToken)
}

func TestClientRegisterConflict(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Register(ctx, "", "", "")
	require.NoError(t, err)
	_, err = c.Register(ctx, "", "", "")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestClientAuthenticateUnregistered(t *testing.T) {
	srv := httptest.NewServer(newFakeServer().handler())
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestClientRefreshRotates(t *testing.T) {
	srv := httptest.NewServer(newFakeServer().handler())
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Register(ctx, "", "", "")
	require.NoError(t, err)
	first, err := c.Authenticate(ctx)
	require.NoError(t, err)

	rotated, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, "access-2", rotated.AccessToken)
}

func TestClientRefreshFailureClearsSession(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Register(ctx, "", "", "")
	require.NoError(t, err)
	_, err = c.Authenticate(ctx)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.refresh = "revoked-server-side"
	fake.mu.Unlock()

	_, err = c.Refresh(ctx)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = c.CurrentSession()
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestClientLogoutWipe(t *testing.T) {
	srv := httptest.NewServer(newFakeServer().handler())
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Register(ctx, "", "", "")
	require.NoError(t, err)
	_, err = c.Authenticate(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Logout(ctx, true))
	_, _, err = c.identity.Keypair()
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestClientRetryableOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Register(ctx, "", "", "")
	var retryable *RetryableError
	assert.ErrorAs(t, err, &retryable)
}
