package p256sig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"math/big"
)

// Sign hashes the message with SHA-256 and signs it with deterministic ECDSA
// per RFC 6979. For a fixed (key, message) pair the output is byte-identical
// on every call: the per-signature nonce is derived from the key and digest
// with HMAC-SHA256 instead of fresh randomness, which removes the nonce-reuse
// key-recovery class entirely. The signature is r||s, each 32 bytes.
func Sign(message []byte, priv *ecdsa.PrivateKey) ([]byte, error) {
	if priv == nil || priv.D == nil {
		return nil, ErrInvalidPrivateKey
	}
	curve := elliptic.P256()
	n := curve.Params().N

	digest := sha256.Sum256(message)
	e := hashToInt(digest[:], n)

	var r, s *big.Int
	nonce := newNonceGenerator(priv.D, digest[:], n)
	for {
		k := nonce.next()
		kBytes := k.FillBytes(make([]byte, scalarSize))
		rx, _ := curve.ScalarBaseMult(kBytes)
		r = new(big.Int).Mod(rx, n)
		if r.Sign() == 0 {
			continue
		}
		kInv := new(big.Int).ModInverse(k, n)
		s = new(big.Int).Mul(r, priv.D)
		s.Add(s, e)
		s.Mul(s, kInv)
		s.Mod(s, n)
		if s.Sign() != 0 {
			break
		}
	}

	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:scalarSize])
	s.FillBytes(sig[scalarSize:])
	return sig, nil
}

// Verify checks a raw r||s signature over SHA-256(message). It is a pure
// function: malformed keys or signatures verify as false, never panic.
func Verify(message, sig, publicKey []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	n := pub.Curve.Params().N
	r := new(big.Int).SetBytes(sig[:scalarSize])
	s := new(big.Int).SetBytes(sig[scalarSize:])
	if r.Sign() == 0 || r.Cmp(n) >= 0 || s.Sign() == 0 || s.Cmp(n) >= 0 {
		return false
	}
	digest := sha256.Sum256(message)
	return ecdsa.Verify(pub, digest[:], r, s)
}

// hashToInt converts a digest to an integer per SEC1 §4.1.3/4. SHA-256 and
// the P-256 order are both 256 bits, so no truncation occurs in practice.
func hashToInt(digest []byte, n *big.Int) *big.Int {
	orderBits := n.BitLen()
	orderBytes := (orderBits + 7) / 8
	if len(digest) > orderBytes {
		digest = digest[:orderBytes]
	}
	e := new(big.Int).SetBytes(digest)
	if excess := len(digest)*8 - orderBits; excess > 0 {
		e.Rsh(e, uint(excess))
	}
	return e
}

// nonceGenerator is the HMAC_DRBG-style construction from RFC 6979 §3.2,
// instantiated with SHA-256.
type nonceGenerator struct {
	k, v []byte
	n    *big.Int
}

func newNonceGenerator(d *big.Int, digest []byte, n *big.Int) *nonceGenerator {
	x := d.FillBytes(make([]byte, scalarSize))
	// bits2octets: reduce the digest mod n, then left-pad to the order size.
	h := hashToInt(digest, n)
	h.Mod(h, n)
	bh := h.FillBytes(make([]byte, scalarSize))

	g := &nonceGenerator{
		k: make([]byte, sha256.Size),
		v: make([]byte, sha256.Size),
		n: n,
	}
	for i := range g.v {
		g.v[i] = 0x01
	}
	g.update(x, bh, 0x00)
	g.update(x, bh, 0x01)
	return g
}

func (g *nonceGenerator) update(x, bh []byte, sep byte) {
	mac := hmac.New(sha256.New, g.k)
	mac.Write(g.v)
	mac.Write([]byte{sep})
	mac.Write(x)
	mac.Write(bh)
	g.k = mac.Sum(nil)

	mac = hmac.New(sha256.New, g.k)
	mac.Write(g.v)
	g.v = mac.Sum(nil)
}

// next yields candidate nonces in [1, n-1].
func (g *nonceGenerator) next() *big.Int {
	for {
		mac := hmac.New(sha256.New, g.k)
		mac.Write(g.v)
		g.v = mac.Sum(nil)

		k := hashToInt(g.v, g.n)
		if k.Sign() > 0 && k.Cmp(g.n) < 0 {
			return k
		}

		mac = hmac.New(sha256.New, g.k)
		mac.Write(g.v)
		mac.Write([]byte{0x00})
		g.k = mac.Sum(nil)

		mac = hmac.New(sha256.New, g.k)
		mac.Write(g.v)
		g.v = mac.Sum(nil)
	}
}
