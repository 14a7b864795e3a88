package p256sig

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignDeterministic(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("challenge-value.device-id.42")
	sig1, err := Sign(msg, priv)
	require.NoError(t, err)
	sig2, err := Sign(msg, priv)
	require.NoError(t, err)

	assert.Equal(t, sig1, sig2, "same (key, message) must produce byte-identical signatures")
	assert.Len(t, sig1, SignatureSize)
}

// Test vectors from RFC 6979 appendix A.2.5 (P-256, SHA-256).
func TestSignRFC6979Vectors(t *testing.T) {
	keyBytes, err := hex.DecodeString("C9AFA9D845BA75166B5C215767B1D6934E50C3DB36E89B127B8A622B120F6721")
	require.NoError(t, err)
	priv, err := ParsePrivateKey(keyBytes)
	require.NoError(t, err)

	cases := []struct {
		message string
		r, s    string
	}{
		{
			message: "sample",
			r:       "EFD48B2AACB6A8FD1140DD9CD45E81D69D2C877B56AAF991C34D0EA84EAF3716",
			s:       "F7CB1C942D657C41D436C7A1B6E29F65F3E900DBB9AFF4064DC4AB2F843ACDA8",
		},
		{
			message: "test",
			r:       "F1ABB023518351CD71D881567B1EA663ED3EFCF6C5132B354F28D3B0B7D38367",
			s:       "019F4113742A2B14BD25926B49C649155F267E60D3814B4C0CC84250E46F0083",
		},
	}

	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			sig, err := Sign([]byte(tc.message), priv)
			require.NoError(t, err)
			assert.Equal(t, strings.ToLower(tc.r), hex.EncodeToString(sig[:32]), "r mismatch")
			assert.Equal(t, strings.ToLower(tc.s), hex.EncodeToString(sig[32:]), "s mismatch")
		})
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	pub := MarshalPublicKey(&priv.PublicKey)

	msg := []byte("some challenge bytes")
	sig, err := Sign(msg, priv)
	require.NoError(t, err)

	assert.True(t, Verify(msg, sig, pub))
}

func TestVerifyRejectsBitFlips(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	pub := MarshalPublicKey(&priv.PublicKey)

	msg := []byte("some challenge bytes")
	sig, err := Sign(msg, priv)
	require.NoError(t, err)

	for i := 0; i < len(sig); i++ {
		flipped := make([]byte, len(sig))
		copy(flipped, sig)
		flipped[i] ^= 0x01
		assert.False(t, Verify(msg, flipped, pub), "flipped signature byte %d must not verify", i)
	}

	tampered := make([]byte, len(msg))
	copy(tampered, msg)
	tampered[0] ^= 0x01
	assert.False(t, Verify(tampered, sig, pub), "tampered message must not verify")
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv1, err := GenerateKey()
	require.NoError(t, err)
	priv2, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("challenge")
	sig, err := Sign(msg, priv1)
	require.NoError(t, err)

	assert.False(t, Verify(msg, sig, MarshalPublicKey(&priv2.PublicKey)))
}

func TestVerifyMalformedInputIsFalseNotPanic(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	pub := MarshalPublicKey(&priv.PublicKey)
	msg := []byte("m")
	sig, err := Sign(msg, priv)
	require.NoError(t, err)

	assert.False(t, Verify(msg, nil, pub))
	assert.False(t, Verify(msg, sig[:10], pub))
	assert.False(t, Verify(msg, sig, nil))
	assert.False(t, Verify(msg, sig, []byte{0x04, 0x01, 0x02}))
	assert.False(t, Verify(msg, make([]byte, SignatureSize), pub), "all-zero r,s must not verify")

	notOnCurve := make([]byte, PublicKeySize)
	notOnCurve[0] = 0x04
	assert.False(t, Verify(msg, sig, notOnCurve))
}

func TestKeyCodecs(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	privBytes := MarshalPrivateKey(priv)
	require.Len(t, privBytes, 32)
	restored, err := ParsePrivateKey(privBytes)
	require.NoError(t, err)
	assert.Zero(t, priv.D.Cmp(restored.D))
	assert.Zero(t, priv.X.Cmp(restored.X))
	assert.Zero(t, priv.Y.Cmp(restored.Y))

	pubBytes := MarshalPublicKey(&priv.PublicKey)
	require.Len(t, pubBytes, PublicKeySize)
	pub, err := ParsePublicKey(pubBytes)
	require.NoError(t, err)
	assert.Zero(t, priv.X.Cmp(pub.X))

	_, err = ParsePublicKey(pubBytes[:20])
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
	_, err = ParsePrivateKey(make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey, "zero scalar must be rejected")
}
