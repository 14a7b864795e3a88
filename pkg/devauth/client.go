package devauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keyproof/server/pkg/p256sig"
)

const defaultRequestTimeout = 10 * time.Second

// Session is the client's view of an issued token pair, persisted under
// KeyDeviceSession.
type Session struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ObtainedAt   time.Time `json:"obtained_at"`
}

// RetryableError marks transient transport failures (timeouts, connection
// resets). Callers should retry; it is not an authentication denial.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "devauth: retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// ErrAuthenticationFailed is the uniform client-side failure for any
// non-success verification response. The server deliberately does not say
// which step failed.
var ErrAuthenticationFailed = errors.New("devauth: authentication failed")

// ErrAlreadyRegistered is returned by Register when the server reports the
// public key as taken.
var ErrAlreadyRegistered = errors.New("devauth: public key already registered")

// Client runs the device side of the protocol against one server.
type Client struct {
	baseURL  string
	http     *http.Client
	identity *Identity
	store    Store
	log      *slog.Logger
}

// NewClient builds a client over the given Secure Key Store. The HTTP
// timeout bounds every network operation.
func NewClient(baseURL string, store Store, log *slog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: defaultRequestTimeout},
		identity: NewIdentity(store),
		store:    store,
		log:      log,
	}
}

type registerRequest struct {
	PublicKey  string `json:"publicKey"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	OSName     string `json:"osName,omitempty"`
	OSVersion  string `json:"osVersion,omitempty"`
}

type registerResponse struct {
	UserID string `json:"userId"`
}

type challengeRequest struct {
	PublicKey string `json:"publicKey"`
}

type challengeResponse struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type verifyRequest struct {
	PublicKey string `json:"publicKey"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	DeviceID  string `json:"deviceId"`
	Counter   int64  `json:"counter"`
}

type verifyResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Register generates the device keypair if needed and registers its public
// key with the server. Safe to call on an already-initialized store: the
// existing keypair is reused, never regenerated.
func (c *Client) Register(ctx context.Context, deviceName, osName, osVersion string) (string, error) {
	if !c.store.Available() {
		return "", ErrStoreUnavailable
	}
	_, pub, err := c.identity.EnsureKeypair()
	if err != nil {
		return "", err
	}
	deviceID, err := c.identity.DeviceID()
	if err != nil {
		return "", err
	}

	var res registerResponse
	status, err := c.post(ctx, "/auth/register-device", registerRequest{
		PublicKey:  p256sig.EncodeKey(pub),
		DeviceID:   deviceID,
		DeviceName: deviceName,
		OSName:     osName,
		OSVersion:  osVersion,
	}, &res)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusCreated:
		c.log.Info("device registered", "user_id", res.UserID, "device_id", deviceID)
		return res.UserID, nil
	case http.StatusConflict:
		return "", ErrAlreadyRegistered
	default:
		return "", fmt.Errorf("devauth: register failed with status %d", status)
	}
}

// Authenticate proves possession of the device private key: it requests a
// challenge for the stored public key, signs it, submits the proof and
// persists the issued session. Any non-success server response is reported
// uniformly as ErrAuthenticationFailed.
func (c *Client) Authenticate(ctx context.Context) (Session, error) {
	if !c.store.Available() {
		return Session{}, ErrStoreUnavailable
	}
	priv, pub, err := c.identity.Keypair()
	if err != nil {
		return Session{}, err
	}
	deviceID, err := c.identity.DeviceID()
	if err != nil {
		return Session{}, err
	}

	var ch challengeResponse
	status, err := c.post(ctx, "/auth/challenge", challengeRequest{PublicKey: p256sig.EncodeKey(pub)}, &ch)
	if err != nil {
		return Session{}, err
	}
	if status != http.StatusOK {
		return Session{}, ErrAuthenticationFailed
	}

	counter, err := c.identity.NextCounter()
	if err != nil {
		return Session{}, err
	}
	signature, err := p256sig.Sign(SigningPayload(ch.Challenge, deviceID, counter), priv)
	if err != nil {
		return Session{}, err
	}

	var res verifyResponse
	status, err = c.post(ctx, "/auth/verify-device", verifyRequest{
		PublicKey: p256sig.EncodeKey(pub),
		Challenge: ch.Challenge,
		Signature: p256sig.EncodeKey(signature),
		DeviceID:  deviceID,
		Counter:   counter,
	}, &res)
	if err != nil {
		return Session{}, err
	}
	if status != http.StatusOK {
		return Session{}, ErrAuthenticationFailed
	}

	session := Session{
		UserID:       res.User.ID,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ObtainedAt:   time.Now(),
	}
	if err := c.saveSession(session); err != nil {
		return Session{}, err
	}
	c.log.Info("authenticated", "user_id", session.UserID, "device_id", deviceID)
	return session, nil
}

// Refresh rotates the persisted refresh token. On an auth failure the local
// session is cleared so the caller falls back to Authenticate.
func (c *Client) Refresh(ctx context.Context) (Session, error) {
	session, err := c.CurrentSession()
	if err != nil {
		return Session{}, err
	}

	var res refreshResponse
	status, err := c.post(ctx, "/auth/refresh", refreshRequest{RefreshToken: session.RefreshToken}, &res)
	if err != nil {
		return Session{}, err
	}
	if status != http.StatusOK {
		_ = c.store.Delete(KeyDeviceSession)
		return Session{}, ErrAuthenticationFailed
	}

	session.AccessToken = res.AccessToken
	session.RefreshToken = res.RefreshToken
	session.ObtainedAt = time.Now()
	if err := c.saveSession(session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Logout revokes the server session and clears it locally. With wipeKeys
// the keypair is destroyed too, permanently retiring this device identity.
func (c *Client) Logout(ctx context.Context, wipeKeys bool) error {
	session, err := c.CurrentSession()
	if err == nil {
		if _, perr := c.post(ctx, "/auth/logout", refreshRequest{RefreshToken: session.RefreshToken}, nil); perr != nil {
			c.log.Warn("server-side logout failed, clearing local state anyway", "err", perr)
		}
	} else if !errors.Is(err, ErrKeyNotFound) {
		return err
	}

	if wipeKeys {
		return c.identity.Wipe()
	}
	return c.store.Delete(KeyDeviceSession)
}

// Identity exposes the device identity backing this client.
func (c *Client) Identity() *Identity {
	return c.identity
}

// CurrentSession loads the persisted session, ErrKeyNotFound if absent.
func (c *Client) CurrentSession() (Session, error) {
	raw, err := c.store.Get(KeyDeviceSession)
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, fmt.Errorf("stored session corrupt: %w", err)
	}
	return session, nil
}

func (c *Client) saveSession(session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.store.Put(KeyDeviceSession, raw)
}

// post sends a JSON body and decodes a JSON response when out is non-nil.
// Transport-level failures are wrapped as retryable; HTTP status handling is
// the caller's job.
func (c *Client) post(ctx context.Context, path string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && (urlErr.Timeout() || urlErr.Temporary()) {
			return 0, &RetryableError{Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, &RetryableError{Err: err}
		}
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
