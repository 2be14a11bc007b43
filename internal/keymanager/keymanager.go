// Package keymanager owns a user's identity seed and derives, rotates, and
// replenishes every other piece of asymmetric key material built on it:
// the signing/DH identity pair, the signed prekey, and the one-time
// prekey pool. It is the only component that ever touches the raw seed.
package keymanager

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/duskline/e2ee/internal/crypto"
	"github.com/duskline/e2ee/internal/store"
)

// ErrUnknownPrekey mirrors store.ErrUnknownPrekey at this package's
// boundary so callers need not import internal/store directly.
var ErrUnknownPrekey = errors.New("keymanager: unknown prekey id")

// Config holds the tunables named in the external interface's
// environment knobs.
type Config struct {
	SignedPrekeyTTL    time.Duration
	OneTimePrekeyTarget int
	OneTimePrekeyFloor  int
}

// DefaultConfig holds the documented production defaults.
var DefaultConfig = Config{
	SignedPrekeyTTL:     7 * 24 * time.Hour,
	OneTimePrekeyTarget: 100,
	OneTimePrekeyFloor:  20,
}

// SignedPrekeyPublic is the public-facing shape of a signed prekey, as
// carried in a PrekeyBundle.
type SignedPrekeyPublic struct {
	KeyID     uint32
	PublicKey []byte
	Signature []byte
}

// OneTimePrekeyPublic is the public-facing shape of a single one-time
// prekey.
type OneTimePrekeyPublic struct {
	KeyID     uint32
	PublicKey []byte
}

// Bundle is the full set of public material a Key Manager is prepared to
// publish or has already published.
type Bundle struct {
	IdentityKey  []byte
	SigningKey   []byte
	SignedPrekey SignedPrekeyPublic
	OneTimePrekeys []OneTimePrekeyPublic
}

// UploadedIDs names exactly which ids a successful upload acknowledged.
type UploadedIDs struct {
	SignedPrekeyID   *uint32
	OneTimePrekeyIDs []uint32
}

// Manager is the Key Manager component. One instance per local identity.
type Manager struct {
	store  *store.Store
	config Config
	logger *log.Logger

	identitySeed   []byte
	identityX25519 *crypto.KeyPair
	identityEd25519Pub []byte
	identityEd25519Seed []byte
}

// New constructs a Manager over an already-open store.
func New(s *store.Store, cfg Config) *Manager {
	return &Manager{store: s, config: cfg, logger: log.New(os.Stdout, "[keymanager] ", log.LstdFlags)}
}

// Initialize is idempotent: it loads the identity from the store or
// generates a fresh one, derives both keypairs, ensures a signed prekey
// exists, and tops up the one-time prekey pool.
func (m *Manager) Initialize() error {
	rec, err := m.store.LoadIdentity()
	switch {
	case errors.Is(err, store.ErrNotFound):
		seed, genErr := crypto.Random(32)
		if genErr != nil {
			return fmt.Errorf("keymanager: generate seed: %w", genErr)
		}
		if genErr := m.store.SaveIdentity(seed); genErr != nil {
			return fmt.Errorf("keymanager: persist seed: %w", genErr)
		}
		m.identitySeed = seed
	case err != nil:
		return fmt.Errorf("keymanager: load identity: %w", err)
	default:
		m.identitySeed = rec.Seed
	}

	if err := m.deriveKeypairs(); err != nil {
		return err
	}

	if _, err := m.store.LatestSignedPrekey(); errors.Is(err, store.ErrNotFound) {
		if err := m.generateSignedPrekey(); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("keymanager: check signed prekey: %w", err)
	}

	if err := m.topUpOneTimePrekeys(); err != nil {
		return err
	}

	m.logger.Printf("initialized identity %s", m.IdentityFingerprint())
	return nil
}

func (m *Manager) deriveKeypairs() error {
	x25519kp, err := crypto.X25519KeyPairFromSeed(m.identitySeed)
	if err != nil {
		return fmt.Errorf("keymanager: derive x25519 pair: %w", err)
	}
	m.identityX25519 = x25519kp

	pub, _, err := crypto.Ed25519SignFromSeed(m.identitySeed, []byte("identity-probe"))
	if err != nil {
		return fmt.Errorf("keymanager: derive ed25519 pair: %w", err)
	}
	m.identityEd25519Pub = pub
	m.identityEd25519Seed = m.identitySeed
	return nil
}

func (m *Manager) generateSignedPrekey() error {
	kp, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("keymanager: generate signed prekey: %w", err)
	}
	_, sig, err := crypto.Ed25519SignFromSeed(m.identityEd25519Seed, kp.PublicKey)
	if err != nil {
		return fmt.Errorf("keymanager: sign prekey: %w", err)
	}
	rec := &store.SignedPrekeyRecord{
		KeyID:     uint32(time.Now().Unix()),
		PublicKey: kp.PublicKey,
		SecretKey: kp.PrivateKey,
		Signature: sig,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveSignedPrekey(rec); err != nil {
		return fmt.Errorf("keymanager: persist signed prekey: %w", err)
	}
	return nil
}

func (m *Manager) topUpOneTimePrekeys() error {
	count, err := m.store.CountUnconsumedOneTime()
	if err != nil {
		return fmt.Errorf("keymanager: count one-time prekeys: %w", err)
	}
	if count >= m.config.OneTimePrekeyFloor {
		return nil
	}
	needed := m.config.OneTimePrekeyTarget - count
	for i := 0; i < needed; i++ {
		if err := m.generateOneOneTimePrekey(); err != nil {
			return err
		}
	}
	m.logger.Printf("topped up one-time prekey pool by %d", needed)
	return nil
}

func (m *Manager) generateOneOneTimePrekey() error {
	keyID, err := m.store.NextOneTimeKeyID()
	if err != nil {
		return fmt.Errorf("keymanager: reserve one-time prekey id: %w", err)
	}
	kp, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("keymanager: generate one-time prekey: %w", err)
	}
	rec := &store.OneTimePrekeyRecord{KeyID: keyID, PublicKey: kp.PublicKey, SecretKey: kp.PrivateKey}
	if err := m.store.SaveOneTimePrekey(rec); err != nil {
		return fmt.Errorf("keymanager: persist one-time prekey: %w", err)
	}
	return nil
}

// IdentityFingerprint returns the full-width uppercase hex SHA-256 of the
// X25519 identity public key.
func (m *Manager) IdentityFingerprint() string {
	sum := crypto.SHA256(m.identityX25519.PublicKey)
	return fmt.Sprintf("%X", sum)
}

// IdentityPublicKeys returns the X25519 DH public and Ed25519 signing
// public halves of the identity.
func (m *Manager) IdentityPublicKeys() (x25519Pub, ed25519Pub []byte) {
	return m.identityX25519.PublicKey, m.identityEd25519Pub
}

// IdentityKeyPair exposes the full X25519 identity keypair for X3DH.
func (m *Manager) IdentityKeyPair() *crypto.KeyPair {
	return m.identityX25519
}

// IdentityEd25519Seed exposes the seed backing the Ed25519 signing pair,
// for signing fresh signed prekeys.
func (m *Manager) IdentityEd25519Seed() []byte {
	return m.identityEd25519Seed
}

// PendingBundle returns the material not yet acknowledged uploaded by the
// server, or nil if everything has already been uploaded.
func (m *Manager) PendingBundle() (*Bundle, error) {
	signedIDs, err := m.store.UnuploadedSignedPrekeyIDs()
	if err != nil {
		return nil, fmt.Errorf("keymanager: pending signed prekeys: %w", err)
	}
	oneTime, err := m.store.UnuploadedOneTimePrekeys()
	if err != nil {
		return nil, fmt.Errorf("keymanager: pending one-time prekeys: %w", err)
	}
	if len(signedIDs) == 0 && len(oneTime) == 0 {
		return nil, nil
	}

	bundle := &Bundle{
		IdentityKey: m.identityX25519.PublicKey,
		SigningKey:  m.identityEd25519Pub,
	}
	if len(signedIDs) > 0 {
		spk, err := m.store.LoadSignedPrekey(signedIDs[0])
		if err != nil {
			return nil, fmt.Errorf("keymanager: load pending signed prekey: %w", err)
		}
		bundle.SignedPrekey = SignedPrekeyPublic{KeyID: spk.KeyID, PublicKey: spk.PublicKey, Signature: spk.Signature}
	}
	for _, otk := range oneTime {
		bundle.OneTimePrekeys = append(bundle.OneTimePrekeys, OneTimePrekeyPublic{KeyID: otk.KeyID, PublicKey: otk.PublicKey})
	}
	return bundle, nil
}

// MarkUploaded commits the server's acknowledgment of an upload.
func (m *Manager) MarkUploaded(ids UploadedIDs) error {
	if ids.SignedPrekeyID != nil {
		if err := m.store.MarkSignedPrekeyUploaded(*ids.SignedPrekeyID); err != nil {
			return fmt.Errorf("keymanager: mark signed prekey uploaded: %w", err)
		}
	}
	for _, id := range ids.OneTimePrekeyIDs {
		if err := m.store.MarkOneTimePrekeyUploaded(id); err != nil {
			return fmt.Errorf("keymanager: mark one-time prekey uploaded: %w", err)
		}
	}
	return nil
}

// ConsumeOneTime marks a one-time prekey consumed in the store and returns
// its key pair. Fails ErrUnknownPrekey if absent or already consumed.
func (m *Manager) ConsumeOneTime(keyID uint32) (*crypto.KeyPair, error) {
	rec, err := m.store.ConsumeOneTimePrekey(keyID)
	if errors.Is(err, store.ErrUnknownPrekey) || errors.Is(err, store.ErrAlreadyConsumed) {
		return nil, ErrUnknownPrekey
	}
	if err != nil {
		return nil, fmt.Errorf("keymanager: consume one-time prekey: %w", err)
	}
	if err := m.topUpOneTimePrekeys(); err != nil {
		m.logger.Printf("warning: top-up after consume failed: %v", err)
	}
	return &crypto.KeyPair{PrivateKey: rec.SecretKey, PublicKey: rec.PublicKey}, nil
}

// RotateSignedPrekeyIfNeeded generates a new signed prekey if the current
// one is older than ttl relative to now. The previous record is retained
// in the store so responder lookups by keyId keep working until the
// caller separately prunes it.
func (m *Manager) RotateSignedPrekeyIfNeeded(now time.Time, ttl time.Duration) error {
	current, err := m.store.LatestSignedPrekey()
	if errors.Is(err, store.ErrNotFound) {
		return m.generateSignedPrekey()
	}
	if err != nil {
		return fmt.Errorf("keymanager: load current signed prekey: %w", err)
	}
	if now.Sub(current.CreatedAt) < ttl {
		return nil
	}
	return m.generateSignedPrekey()
}

// SignedPrekeyByID looks up a (possibly superseded) signed prekey's
// secret material, for responding to X3DH as a responder.
func (m *Manager) SignedPrekeyByID(keyID uint32) (*crypto.KeyPair, []byte, error) {
	rec, err := m.store.LoadSignedPrekey(keyID)
	if errors.Is(err, store.ErrUnknownPrekey) {
		return nil, nil, ErrUnknownPrekey
	}
	if err != nil {
		return nil, nil, fmt.Errorf("keymanager: load signed prekey %d: %w", keyID, err)
	}
	return &crypto.KeyPair{PrivateKey: rec.SecretKey, PublicKey: rec.PublicKey}, rec.Signature, nil
}

// Reset wipes all stored material; a subsequent Initialize starts fresh.
func (m *Manager) Reset() error {
	if err := m.store.Reset(); err != nil {
		return fmt.Errorf("keymanager: reset: %w", err)
	}
	crypto.Wipe(m.identitySeed)
	m.identitySeed = nil
	m.identityX25519 = nil
	m.identityEd25519Pub = nil
	m.identityEd25519Seed = nil
	return nil
}
