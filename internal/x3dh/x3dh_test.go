package x3dh

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskline/e2ee/internal/crypto"
)

func newIdentity(t *testing.T) *IdentityKeyPair {
	t.Helper()
	x25519kp, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	seed, err := crypto.Random(32)
	require.NoError(t, err)
	pub, _, err := crypto.Ed25519SignFromSeed(seed, []byte("probe"))
	require.NoError(t, err)
	return &IdentityKeyPair{X25519: x25519kp, Ed25519Seed: seed, Ed25519Pub: pub}
}

func TestX3DHAgreementWithOneTimePrekey(t *testing.T) {
	alice := newIdentity(t)
	bob := newIdentity(t)

	bobSPK, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	sig, err := SignSignedPrekey(bob, bobSPK)
	require.NoError(t, err)

	bobOTK, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	bundle := &Bundle{
		IdentityKeyX25519:  bob.X25519.PublicKey,
		IdentityKeyEd25519: bob.Ed25519Pub,
		SignedPrekeyID:     1,
		SignedPrekeyPublic: bobSPK.PublicKey,
		SignedPrekeySig:    sig,
		OneTimePrekeyPublic: bobOTK.PublicKey,
	}

	initResult, err := InitiatorAgree(alice, bundle)
	require.NoError(t, err)

	respResult, err := ResponderAgree(bob, bobSPK, bobOTK, alice.X25519.PublicKey, initResult.EphemeralPublic)
	require.NoError(t, err)

	require.Equal(t, initResult.SharedSecret, respResult.SharedSecret)
}

func TestX3DHAgreementWithoutOneTimePrekey(t *testing.T) {
	alice := newIdentity(t)
	bob := newIdentity(t)

	bobSPK, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	sig, err := SignSignedPrekey(bob, bobSPK)
	require.NoError(t, err)

	bundle := &Bundle{
		IdentityKeyX25519:  bob.X25519.PublicKey,
		IdentityKeyEd25519: bob.Ed25519Pub,
		SignedPrekeyID:     1,
		SignedPrekeyPublic: bobSPK.PublicKey,
		SignedPrekeySig:    sig,
	}

	initResult, err := InitiatorAgree(alice, bundle)
	require.NoError(t, err)

	respResult, err := ResponderAgree(bob, bobSPK, nil, alice.X25519.PublicKey, initResult.EphemeralPublic)
	require.NoError(t, err)

	require.Equal(t, initResult.SharedSecret, respResult.SharedSecret)
}

func TestX3DHRejectsBadSignature(t *testing.T) {
	alice := newIdentity(t)
	bob := newIdentity(t)

	bobSPK, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	bundle := &Bundle{
		IdentityKeyX25519:  bob.X25519.PublicKey,
		IdentityKeyEd25519: bob.Ed25519Pub,
		SignedPrekeyID:     1,
		SignedPrekeyPublic: bobSPK.PublicKey,
		SignedPrekeySig:    make([]byte, 64),
	}

	_, err = InitiatorAgree(alice, bundle)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}
