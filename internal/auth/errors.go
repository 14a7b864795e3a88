package auth

import "errors"

// Protocol error taxonomy. Handlers collapse the challenge/signature family
// to one uniform 401 so the wire never discloses which step failed.
var (
	// ErrDeviceNotFound means the public key has no identity record.
	// Registration must precede authentication.
	ErrDeviceNotFound = errors.New("device not registered")

	// ErrPublicKeyExists means a registration attempt reused a public key.
	ErrPublicKeyExists = errors.New("public key already registered")

	// ErrInvalidPublicKey means the submitted key is not a valid P-256 point.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrChallengeNotFound covers absent, already consumed, and superseded
	// challenges. A challenge is never verifiable twice.
	ErrChallengeNotFound = errors.New("challenge not found or already consumed")

	// ErrChallengeExpired means the challenge existed but was past expires_at.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrSignatureInvalid means the signature did not verify against the
	// registered public key.
	ErrSignatureInvalid = errors.New("signature verification failed")

	// ErrCounterRegression means the reported signature counter moved
	// backward, implying cloned key material. Fatal: sessions are revoked
	// and the device must re-register.
	ErrCounterRegression = errors.New("signature counter regression")

	// ErrInvalidRefreshToken means the presented refresh token matches no
	// active session (unknown, rotated away, or revoked).
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrSessionExpired means the refresh session existed but is past its TTL.
	ErrSessionExpired = errors.New("session expired")

	// ErrRefreshTokenReuseDetected means a rotated-away token was presented
	// again. All sessions for the owning user are revoked in response.
	ErrRefreshTokenReuseDetected = errors.New("refresh token reuse detected")
)

// IsAuthenticationFailure reports whether err belongs to the family that the
// wire boundary must render as the uniform authentication-failure response.
func IsAuthenticationFailure(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrChallengeNotFound) ||
		errors.Is(err, ErrChallengeExpired) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrCounterRegression)
}
