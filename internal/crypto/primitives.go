// Package crypto exposes the engine's cryptographic primitives: X25519,
// Ed25519, HKDF-SHA256, HMAC-SHA256, AES-256-GCM, SHA-256, PBKDF2, and
// constant-time comparison. Every routine that can fail returns the
// single ErrCrypto sentinel; none of them log or panic across the
// package boundary.
//
// The AEAD used throughout the engine is AES-256-GCM via the standard
// library (crypto/aes, crypto/cipher) — see DESIGN.md for why no
// third-party AEAD replaces it. Diffie-Hellman, key derivation, and
// password stretching go through golang.org/x/crypto (curve25519, hkdf,
// pbkdf2).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// ErrCrypto is the single error sentinel every primitive returns; wrap it
// with errors.Join-free context via fmt.Errorf("%w: ...", ErrCrypto) at
// call sites that need detail, never with key material attached.
var ErrCrypto = errors.New("crypto: operation failed")

const (
	X25519KeySize  = 32
	Ed25519PubSize = ed25519.PublicKeySize
	AEADKeySize    = 32
	AEADNonceSize  = 12
	AEADTagSize    = 16
)

// randSource allows tests to substitute a deterministic byte stream.
var randSource io.Reader = rand.Reader

// UseDeterministicRandom swaps the randomness source for testing and
// returns a restore function that must be called when the test ends.
func UseDeterministicRandom(r io.Reader) func() {
	prev := randSource
	randSource = r
	return func() { randSource = prev }
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(randSource, b); err != nil {
		return nil, ErrCrypto
	}
	return b, nil
}

// X25519KeyPair is a Diffie-Hellman key pair.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519 creates a new Diffie-Hellman key pair with clamped
// scalar bits per RFC 7748.
func GenerateX25519() (X25519KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(randSource, priv[:]); err != nil {
		return X25519KeyPair{}, ErrCrypto
	}
	clamp(&priv)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, ErrCrypto
	}
	var kp X25519KeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

func clamp(priv *[32]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// X25519 computes the Diffie-Hellman shared point between priv and pub.
func X25519(priv, pub [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, ErrCrypto
	}
	return out, nil
}

// Ed25519KeyPair is a signing key pair.
type Ed25519KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateEd25519 creates a new Ed25519 signing key pair.
func GenerateEd25519() (Ed25519KeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(randSource, seed); err != nil {
		return Ed25519KeyPair{}, ErrCrypto
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return Ed25519KeyPair{Private: priv, Public: pub}, nil
}

// IdentityDHFromSigning derives the X25519 key pair used for
// Diffie-Hellman from an Ed25519 identity signing key, the standard
// birational map from an Edwards private scalar to a Montgomery one.
func IdentityDHFromSigning(priv ed25519.PrivateKey) X25519KeyPair {
	h := sha512.Sum512(priv.Seed())
	var dhPriv [32]byte
	copy(dhPriv[:], h[:32])
	clamp(&dhPriv)
	pub, _ := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	var kp X25519KeyPair
	kp.Private = dhPriv
	copy(kp.Public[:], pub)
	return kp
}

// Sign signs msg with priv, returning a 64-byte Ed25519 signature.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pub.
func Verify(pub ed25519.PublicKey, sig, msg []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// HKDF derives outLen bytes of key material from ikm using HKDF-SHA256.
// salt may be nil or any length, including the all-zero 32-byte salt the
// X3DH and Double Ratchet derivations use.
func HKDF(ikm, salt, info []byte, outLen int) ([]byte, error) {
	h := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, ErrCrypto
	}
	return out, nil
}

// HMACSHA256 computes the HMAC-SHA256 of msg under key.
func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// ConstantTimeCompare reports whether a and b are equal using a
// constant-time comparison, independent of any byte position.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// AEADEncrypt encrypts plaintext under key with AES-256-GCM, returning a
// fresh random 96-bit nonce and the ciphertext with its 128-bit tag.
func AEADEncrypt(key [AEADKeySize]byte, plaintext, aad []byte) (nonce [AEADNonceSize]byte, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nonce, nil, ErrCrypto
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nonce, nil, ErrCrypto
	}
	if _, err := io.ReadFull(randSource, nonce[:]); err != nil {
		return nonce, nil, ErrCrypto
	}
	ciphertext = gcm.Seal(nil, nonce[:], plaintext, aad)
	return nonce, ciphertext, nil
}

// AEADDecrypt decrypts ciphertext under key and nonce, authenticating
// aad. Any tag mismatch or malformed input returns ErrCrypto; callers map
// this to apperr.DecryptFailed.
func AEADDecrypt(key [AEADKeySize]byte, ciphertext []byte, nonce [AEADNonceSize]byte, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, ErrCrypto
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCrypto
	}
	plaintext, err := gcm.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrCrypto
	}
	return plaintext, nil
}

// PBKDF2 derives a key of length outLen from password and salt using
// HMAC-SHA256 as the PRF, at the given iteration count.
func PBKDF2(password, salt []byte, iterations, outLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, outLen, sha256.New)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}
