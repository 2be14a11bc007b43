package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestX25519KeyPairFromSeedDeterministic(t *testing.T) {
	seed, err := Random(KeySize)
	require.NoError(t, err)

	kp1, err := X25519KeyPairFromSeed(seed)
	require.NoError(t, err)
	kp2, err := X25519KeyPairFromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, kp1.PublicKey, kp2.PublicKey)
	assert.Equal(t, kp1.PrivateKey, kp2.PrivateKey)
}

func TestX25519DHAgreement(t *testing.T) {
	alice, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	bob, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	aliceShared, err := X25519DH(alice.PrivateKey, bob.PublicKey)
	require.NoError(t, err)
	bobShared, err := X25519DH(bob.PrivateKey, alice.PublicKey)
	require.NoError(t, err)

	assert.Equal(t, aliceShared, bobShared)
}

func TestX25519DHRejectsLowOrderPoint(t *testing.T) {
	alice, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	_, err = X25519DH(alice.PrivateKey, lowOrderPoints[0])
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestEd25519SignVerify(t *testing.T) {
	seed, err := Random(32)
	require.NoError(t, err)

	pub, sig, err := Ed25519SignFromSeed(seed, []byte("a message"))
	require.NoError(t, err)

	assert.True(t, Ed25519Verify(pub, []byte("a message"), sig))
	assert.False(t, Ed25519Verify(pub, []byte("a different message"), sig))
}

func TestHKDFSHA256Deterministic(t *testing.T) {
	ikm := []byte("input key material")
	salt := []byte("salt")
	info := []byte("info")

	out1, err := HKDFSHA256(ikm, salt, info, 64)
	require.NoError(t, err)
	out2, err := HKDFSHA256(ikm, salt, info, 64)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
	assert.Len(t, out1, 64)
}

func TestAEADSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)
	nonce := bytes.Repeat([]byte{0x02}, 12)
	aad := []byte("associated data")
	plaintext := []byte("hello world")

	ct, err := AEADSeal(key, nonce, aad, plaintext)
	require.NoError(t, err)

	pt, err := AEADOpen(key, nonce, aad, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestAEADOpenRejectsTampering(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)
	nonce := bytes.Repeat([]byte{0x02}, 12)
	aad := []byte("associated data")
	plaintext := []byte("hello world")

	ct, err := AEADSeal(key, nonce, aad, plaintext)
	require.NoError(t, err)

	ct[0] ^= 0xFF
	_, err = AEADOpen(key, nonce, aad, ct)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = AEADOpen(key, nonce, []byte("wrong aad"), ct)
	assert.Error(t, err)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("ab")))
}
