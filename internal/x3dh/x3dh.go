// Package x3dh implements the Extended Triple Diffie-Hellman key agreement
// used to establish the initial shared secret between two parties before
// any double ratchet session exists.
package x3dh

import (
	"errors"
	"fmt"

	"github.com/duskline/e2ee/internal/crypto"
)

// hkdfInfo is the fixed HKDF label mixed into every X3DH derivation so the
// output can never collide with a key derived for a different protocol.
const hkdfInfo = "E2EE-X3DH-v1"

// ErrSignatureInvalid means the signed prekey's Ed25519 signature did not
// verify under the claimed identity key.
var ErrSignatureInvalid = errors.New("x3dh: signed prekey signature invalid")

// IdentityKeyPair is a party's long-term identity key pair. The X25519
// pair serves the DH role (IK) and the Ed25519 seed and public key below
// serve the signing role; the struct does not tie the two together.
type IdentityKeyPair struct {
	X25519 *crypto.KeyPair
	Ed25519Seed []byte
	Ed25519Pub  []byte
}

// SignedPrekeyPair is a medium-lifetime prekey together with the identity
// signature that vouches for it.
type SignedPrekeyPair struct {
	ID        uint32
	KeyPair   *crypto.KeyPair
	Signature []byte
}

// SignSignedPrekey produces the Ed25519 signature over a signed prekey's
// public key, using the owning identity's Ed25519 seed.
func SignSignedPrekey(identity *IdentityKeyPair, spk *crypto.KeyPair) ([]byte, error) {
	_, sig, err := crypto.Ed25519SignFromSeed(identity.Ed25519Seed, spk.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("x3dh: sign prekey: %w", err)
	}
	return sig, nil
}

// VerifySignedPrekey checks the identity's signature over a signed
// prekey's public key.
func VerifySignedPrekey(identityEd25519Pub, spkPub, signature []byte) error {
	if !crypto.Ed25519Verify(identityEd25519Pub, spkPub, signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// Bundle is the set of public material a responder publishes so an
// initiator can run X3DH against them without the responder being online.
type Bundle struct {
	IdentityKeyX25519 []byte
	IdentityKeyEd25519 []byte
	SignedPrekeyID     uint32
	SignedPrekeyPublic []byte
	SignedPrekeySig    []byte
	OneTimePrekeyID    *uint32
	OneTimePrekeyPublic []byte
}

// Result is the output of running X3DH: the shared secret (SK) and the
// associated data both sides must bind into every subsequent AEAD
// operation of the session.
type Result struct {
	SharedSecret   []byte
	AssociatedData []byte
	EphemeralPublic []byte
}

// InitiatorAgree runs X3DH from the initiator's side against a fetched
// bundle. identity is the initiator's own identity key pair; a fresh
// ephemeral key pair is generated internally and its public half returned
// in Result so it can be published to the responder.
func InitiatorAgree(identity *IdentityKeyPair, bundle *Bundle) (*Result, error) {
	if err := VerifySignedPrekey(bundle.IdentityKeyEd25519, bundle.SignedPrekeyPublic, bundle.SignedPrekeySig); err != nil {
		return nil, err
	}

	ephemeral, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("x3dh: generate ephemeral key: %w", err)
	}

	dh1, err := crypto.X25519DH(identity.X25519.PrivateKey, bundle.SignedPrekeyPublic)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh1: %w", err)
	}
	dh2, err := crypto.X25519DH(ephemeral.PrivateKey, bundle.IdentityKeyX25519)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh2: %w", err)
	}
	dh3, err := crypto.X25519DH(ephemeral.PrivateKey, bundle.SignedPrekeyPublic)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh3: %w", err)
	}

	ikm := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	hasOneTime := bundle.OneTimePrekeyPublic != nil
	if hasOneTime {
		dh4, err := crypto.X25519DH(ephemeral.PrivateKey, bundle.OneTimePrekeyPublic)
		if err != nil {
			return nil, fmt.Errorf("x3dh: dh4: %w", err)
		}
		ikm = append(ikm, dh4...)
	}

	sk, err := crypto.HKDFSHA256(ikm, make([]byte, 32), []byte(hkdfInfo), 32)
	if err != nil {
		return nil, fmt.Errorf("x3dh: derive shared secret: %w", err)
	}
	crypto.Wipe(ikm)

	ad := append(append([]byte{}, identity.X25519.PublicKey...), bundle.IdentityKeyX25519...)

	return &Result{
		SharedSecret:    sk,
		AssociatedData:  ad,
		EphemeralPublic: ephemeral.PublicKey,
	}, nil
}

// ResponderAgree runs X3DH from the responder's side once it learns the
// initiator's identity public key and chosen ephemeral public key (both
// carried in the first message's x3dh block), together with the responder's
// own identity, signed prekey, and (if the initiator claims one) one-time
// prekey private material.
func ResponderAgree(identity *IdentityKeyPair, signedPrekey *crypto.KeyPair, oneTimePrekey *crypto.KeyPair, initiatorIdentityPub, initiatorEphemeralPub []byte) (*Result, error) {
	dh1, err := crypto.X25519DH(signedPrekey.PrivateKey, initiatorIdentityPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh1: %w", err)
	}
	dh2, err := crypto.X25519DH(identity.X25519.PrivateKey, initiatorEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh2: %w", err)
	}
	dh3, err := crypto.X25519DH(signedPrekey.PrivateKey, initiatorEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh3: %w", err)
	}

	ikm := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	if oneTimePrekey != nil {
		dh4, err := crypto.X25519DH(oneTimePrekey.PrivateKey, initiatorEphemeralPub)
		if err != nil {
			return nil, fmt.Errorf("x3dh: dh4: %w", err)
		}
		ikm = append(ikm, dh4...)
	}

	sk, err := crypto.HKDFSHA256(ikm, make([]byte, 32), []byte(hkdfInfo), 32)
	if err != nil {
		return nil, fmt.Errorf("x3dh: derive shared secret: %w", err)
	}
	crypto.Wipe(ikm)

	ad := append(append([]byte{}, initiatorIdentityPub...), identity.X25519.PublicKey...)

	return &Result{
		SharedSecret:   sk,
		AssociatedData: ad,
	}, nil
}
