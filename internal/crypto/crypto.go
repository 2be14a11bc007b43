// Package crypto provides the vetted primitive wrappers the rest of the
// E2EE core is built on: X25519, Ed25519, HKDF-SHA256, AES-256-GCM, SHA-256,
// constant-time comparison, and secure randomness.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Errors surfaced by this package. Higher layers translate these into the
// user-visible error taxonomy owned by the session manager.
var (
	ErrInvalidPublicKey     = errors.New("crypto: invalid public key")
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

const KeySize = 32

// KeyPair is a single asymmetric key pair, either X25519 or Ed25519
// depending on which constructor produced it.
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// Random returns n cryptographically secure random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("crypto: random: %w", err)
	}
	return b, nil
}

// X25519KeyPairFromSeed derives a Curve25519 key pair from a 32-byte seed by
// clamping the seed into a valid scalar and computing the base-point
// multiple. Deterministic: the same seed always yields the same pair.
func X25519KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != KeySize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes", KeySize)
	}

	scalar := make([]byte, KeySize)
	copy(scalar, seed)
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64

	pub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive x25519 public key: %w", err)
	}

	return &KeyPair{PrivateKey: scalar, PublicKey: pub}, nil
}

// GenerateX25519KeyPair produces a fresh random X25519 key pair.
func GenerateX25519KeyPair() (*KeyPair, error) {
	seed, err := Random(KeySize)
	if err != nil {
		return nil, err
	}
	return X25519KeyPairFromSeed(seed)
}

// ValidateX25519PublicKey rejects malformed or low-order public keys at the
// import boundary, as required by every component that accepts a remote key.
func ValidateX25519PublicKey(pub []byte) error {
	if len(pub) != KeySize {
		return ErrInvalidPublicKey
	}
	if subtle.ConstantTimeCompare(pub, make([]byte, KeySize)) == 1 {
		return ErrInvalidPublicKey
	}
	if isLowOrderPoint(pub) {
		return ErrInvalidPublicKey
	}
	return nil
}

// lowOrderPoints are the well-known small-subgroup Curve25519 points that
// must never be accepted as a DH peer public key.
var lowOrderPoints = [][]byte{
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a, 0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00},
	{0x5f, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b, 0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0x57},
	{0xec, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xed, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	{0xee, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
}

func isLowOrderPoint(pub []byte) bool {
	for _, p := range lowOrderPoints {
		if subtle.ConstantTimeCompare(pub, p) == 1 {
			return true
		}
	}
	return false
}

// X25519DH computes the Diffie-Hellman shared point. The remote public key
// is validated before use.
func X25519DH(priv, pub []byte) ([]byte, error) {
	if err := ValidateX25519PublicKey(pub); err != nil {
		return nil, err
	}
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: x25519 dh: %w", err)
	}
	return out, nil
}

// Ed25519SignFromSeed derives the standard Ed25519 expansion of seed and
// signs msg with it.
func Ed25519SignFromSeed(seed, msg []byte) (pub, sig []byte, err error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("crypto: ed25519 seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), ed25519.Sign(priv, msg), nil
}

// Ed25519Verify reports whether sig is a valid Ed25519 signature of msg
// under pub.
func Ed25519Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// HKDFSHA256 derives outLen bytes from ikm using HKDF-SHA256 with the given
// salt and info.
func HKDFSHA256(ikm, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return out, nil
}

// AEADSeal encrypts plaintext under key with AES-256-GCM using the provided
// nonce (exactly 12 bytes) and authenticates aad.
func AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: nonce must be %d bytes", gcm.NonceSize())
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen decrypts ciphertext sealed by AEADSeal. Any failure, including
// tampering with ciphertext, aad, or nonce, is reported as
// ErrAuthenticationFailed.
func AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrAuthenticationFailed
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes", KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// ConstantTimeEqual reports whether a and b are identical, in time
// independent of where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe zeroes a secret buffer. Best-effort: Go's GC can still retain copies,
// but this closes the common window where a live reference would otherwise
// keep the bytes in memory indefinitely.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
