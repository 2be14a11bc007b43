// Package ratchet implements the Double Ratchet algorithm: a symmetric-key
// ratchet for per-message keys layered on top of a Diffie-Hellman ratchet
// that advances whenever the conversation changes direction.
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/duskline/e2ee/internal/crypto"
)

// MaxSkip bounds how many skipped message keys, across all chains, may be
// buffered while waiting for out-of-order messages. A larger gap is still
// accepted: the receiving chain advances all the way and the store drops
// entries to stay within the bound (see skipMessageKeys).
const MaxSkip = 1000

var (
	// ErrTooManySkipped is returned when a header names a position in the
	// current receiving chain that has already been passed and whose key is
	// not in the skipped-key store: it was evicted to stay within
	// MaxSkipKeys, or it was already used.
	ErrTooManySkipped = errors.New("ratchet: refusing to skip more than MaxSkip message keys")
	// ErrDuplicateOrUnknown is returned when a message key found in the
	// skipped-key store fails to authenticate the ciphertext.
	ErrDuplicateOrUnknown = errors.New("ratchet: message key unavailable (duplicate or unknown)")
)

const (
	rkInfo = "E2EE-DR-RootKey-v1"
	ckTag  = byte(0x02)
	mkTag  = byte(0x01)
	mkInfo = "E2EE-DR-MessageKey-v1"
	nInfo  = "E2EE-DR-Nonce-v1"
)

// Header is the public, unencrypted portion of a ratchet message: the
// sender's current DH ratchet public key, the length of the previous
// sending chain (PN), and the message's position within its current
// sending chain (N).
type Header struct {
	DH []byte
	PN uint32
	N  uint32
}

// Encode serializes a header to a fixed-width wire form: 32-byte public
// key, 4-byte PN, 4-byte N, all big-endian.
func (h *Header) Encode() []byte {
	buf := make([]byte, 32+4+4)
	copy(buf, h.DH)
	binary.BigEndian.PutUint32(buf[32:36], h.PN)
	binary.BigEndian.PutUint32(buf[36:40], h.N)
	return buf
}

// DecodeHeader parses a header produced by Header.Encode.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) != 40 {
		return nil, fmt.Errorf("ratchet: malformed header: expected 40 bytes, got %d", len(b))
	}
	dh := make([]byte, 32)
	copy(dh, b[:32])
	return &Header{
		DH: dh,
		PN: binary.BigEndian.Uint32(b[32:36]),
		N:  binary.BigEndian.Uint32(b[36:40]),
	}, nil
}

// skippedKey identifies one buffered message key by the ratchet public key
// that was current when it was skipped, plus its chain index.
type skippedKey struct {
	dh string
	n  uint32
}

// State is one party's half of a Double Ratchet session. It is mutated in
// place by Encrypt and Decrypt; every exported method takes the struct by
// pointer for that reason.
type State struct {
	DHs *crypto.KeyPair
	DHr []byte

	RK  []byte
	CKs []byte
	CKr []byte

	Ns uint32
	Nr uint32
	PN uint32

	skipped     map[skippedKey][]byte
	MaxSkipKeys int
}

// NewInitiatorState builds the sending side of a freshly established
// session. sk is the X3DH shared secret; theirSignedPrekeyPub is the
// responder's signed prekey public key, which stands in as the first DH
// ratchet partner until the responder sends back their own ratchet key.
func NewInitiatorState(sk []byte, theirSignedPrekeyPub []byte) (*State, error) {
	dhs, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("ratchet: generate initial ratchet key: %w", err)
	}

	st := &State{
		DHs:         dhs,
		DHr:         theirSignedPrekeyPub,
		skipped:     make(map[skippedKey][]byte),
		MaxSkipKeys: MaxSkip,
	}

	dh, err := crypto.X25519DH(dhs.PrivateKey, theirSignedPrekeyPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: initial dh: %w", err)
	}
	rk, cks, err := kdfRK(sk, dh)
	if err != nil {
		return nil, err
	}
	st.RK = rk
	st.CKs = cks
	return st, nil
}

// NewResponderState builds the receiving side of a freshly established
// session. ownSignedPrekey is the responder's own signed prekey key pair,
// which plays the role of the initial DHs until the first DH ratchet step.
func NewResponderState(sk []byte, ownSignedPrekey *crypto.KeyPair) *State {
	return &State{
		DHs:         ownSignedPrekey,
		RK:          append([]byte{}, sk...),
		skipped:     make(map[skippedKey][]byte),
		MaxSkipKeys: MaxSkip,
	}
}

// kdfRK advances the root chain: given the current root key and a fresh DH
// output, it returns the next root key and a new chain key.
func kdfRK(rk, dh []byte) (newRK, newCK []byte, err error) {
	out, err := crypto.HKDFSHA256(dh, rk, []byte(rkInfo), 64)
	if err != nil {
		return nil, nil, fmt.Errorf("ratchet: kdf_rk: %w", err)
	}
	return out[:32], out[32:], nil
}

// kdfCK advances a sending or receiving chain by one step, returning the
// next chain key and the message key for the step just consumed.
func kdfCK(ck []byte) (nextCK, mk []byte) {
	return hmacTag(ck, ckTag), hmacTag(ck, mkTag)
}

func hmacTag(ck []byte, tag byte) []byte {
	mac := newHMAC(ck)
	mac.Write([]byte{tag})
	return mac.Sum(nil)
}

func newHMAC(key []byte) hash.Hash {
	return hmac.New(sha256.New, key)
}

// Encrypt advances the sending chain by one step and seals plaintext,
// returning the header to send alongside the ciphertext and the
// ciphertext itself. aad is mixed in as additional authenticated data,
// typically the session's X3DH associated data.
func (s *State) Encrypt(plaintext, aad []byte) (*Header, []byte, error) {
	if s.CKs == nil {
		return nil, nil, errors.New("ratchet: no sending chain established")
	}

	nextCK, mk := kdfCK(s.CKs)
	s.CKs = nextCK

	header := &Header{DH: append([]byte{}, s.DHs.PublicKey...), PN: s.PN, N: s.Ns}
	s.Ns++

	key, nonce, err := deriveKeyNonce(mk)
	if err != nil {
		return nil, nil, err
	}
	ct, err := crypto.AEADSeal(key, nonce, append(aad, header.Encode()...), plaintext)
	if err != nil {
		return nil, nil, err
	}
	crypto.Wipe(mk)
	crypto.Wipe(key)
	return header, ct, nil
}

// Decrypt processes an incoming header and ciphertext, performing a DH
// ratchet step if the header announces a new remote public key, skipping
// and buffering any intervening message keys, and returning the decrypted
// plaintext.
func (s *State) Decrypt(header *Header, ciphertext, aad []byte) ([]byte, error) {
	if mk, ok := s.trySkipped(header); ok {
		key, nonce, err := deriveKeyNonce(mk)
		if err != nil {
			return nil, err
		}
		pt, err := crypto.AEADOpen(key, nonce, append(aad, header.Encode()...), ciphertext)
		crypto.Wipe(mk)
		crypto.Wipe(key)
		if err != nil {
			return nil, ErrDuplicateOrUnknown
		}
		return pt, nil
	}

	if s.DHr == nil || !crypto.ConstantTimeEqual(header.DH, s.DHr) {
		if err := s.skipMessageKeys(s.DHr, header.PN); err != nil {
			return nil, err
		}
		if err := s.dhRatchet(header); err != nil {
			return nil, err
		}
	}

	if err := s.skipMessageKeys(s.DHr, header.N); err != nil {
		return nil, err
	}

	nextCK, mk := kdfCK(s.CKr)
	s.CKr = nextCK
	s.Nr++

	key, nonce, err := deriveKeyNonce(mk)
	if err != nil {
		return nil, err
	}
	pt, err := crypto.AEADOpen(key, nonce, append(aad, header.Encode()...), ciphertext)
	crypto.Wipe(mk)
	crypto.Wipe(key)
	if err != nil {
		return nil, crypto.ErrAuthenticationFailed
	}
	return pt, nil
}

func (s *State) trySkipped(header *Header) ([]byte, bool) {
	k := skippedKey{dh: string(header.DH), n: header.N}
	mk, ok := s.skipped[k]
	if ok {
		delete(s.skipped, k)
	}
	return mk, ok
}

// skipMessageKeys advances the current receiving chain up to (not
// including) until, stashing each derived message key for later
// out-of-order delivery. The skipped-key store is bounded to
// MaxSkipKeys entries by evicting the entry with the lowest message
// number, across all chains, whenever a new one would push it past that
// bound; insertion order is not tracked, so this is not necessarily the
// entry stored first. The chain itself is always advanced
// all the way to until regardless of how large the gap is, since the
// message that triggered the gap must remain decryptable even when
// every key skipped to reach it gets evicted. A request for a chain
// position already passed that isn't in the skipped-key map means its
// key was evicted for exceeding MaxSkipKeys or was already used.
func (s *State) skipMessageKeys(dh []byte, until uint32) error {
	if s.CKr == nil {
		return nil
	}
	if until < s.Nr {
		return ErrTooManySkipped
	}
	for s.Nr < until {
		nextCK, mk := kdfCK(s.CKr)
		s.CKr = nextCK
		s.skipped[skippedKey{dh: string(dh), n: s.Nr}] = mk
		s.Nr++
		if len(s.skipped) > s.MaxSkipKeys {
			s.evictOldestSkipped()
		}
	}
	return nil
}

func (s *State) evictOldestSkipped() {
	var victim skippedKey
	found := false
	for k := range s.skipped {
		if !found || k.n < victim.n {
			victim = k
			found = true
		}
	}
	if found {
		delete(s.skipped, victim)
	}
}

// dhRatchet performs a full DH ratchet step: it retires the current
// sending chain, derives a fresh receiving chain from the peer's new
// public key, generates a new local ratchet key pair, and derives a fresh
// sending chain from it.
func (s *State) dhRatchet(header *Header) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = append([]byte{}, header.DH...)

	dh, err := crypto.X25519DH(s.DHs.PrivateKey, s.DHr)
	if err != nil {
		return fmt.Errorf("ratchet: dh ratchet (recv): %w", err)
	}
	rk, ckr, err := kdfRK(s.RK, dh)
	if err != nil {
		return err
	}
	s.RK = rk
	s.CKr = ckr

	newDHs, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("ratchet: generate new ratchet key: %w", err)
	}
	s.DHs = newDHs

	dh2, err := crypto.X25519DH(s.DHs.PrivateKey, s.DHr)
	if err != nil {
		return fmt.Errorf("ratchet: dh ratchet (send): %w", err)
	}
	rk2, cks, err := kdfRK(s.RK, dh2)
	if err != nil {
		return err
	}
	s.RK = rk2
	s.CKs = cks
	return nil
}

// deriveKeyNonce expands a one-shot message key into a distinct AEAD key
// and nonce via HKDF-SHA256, so no randomness needs to be transmitted or
// stored per message.
func deriveKeyNonce(mk []byte) (key, nonce []byte, err error) {
	key, err = crypto.HKDFSHA256(mk, nil, []byte(mkInfo), 32)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = crypto.HKDFSHA256(mk, nil, []byte(nInfo), 12)
	if err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

// ExportedSkippedEntry is one buffered out-of-order message key, in a form
// suitable for JSON persistence.
type ExportedSkippedEntry struct {
	DH []byte `json:"dh"`
	N  uint32 `json:"n"`
	MK []byte `json:"mk"`
}

// ExportedState is a JSON-serializable snapshot of a ratchet State, for
// the session package to persist via the encrypted local store.
type ExportedState struct {
	DHsPriv []byte                  `json:"dhs_priv"`
	DHsPub  []byte                  `json:"dhs_pub"`
	DHr     []byte                  `json:"dhr,omitempty"`
	RK      []byte                  `json:"rk"`
	CKs     []byte                  `json:"cks,omitempty"`
	CKr     []byte                  `json:"ckr,omitempty"`
	Ns      uint32                  `json:"ns"`
	Nr      uint32                  `json:"nr"`
	PN      uint32                  `json:"pn"`
	Skipped []ExportedSkippedEntry  `json:"skipped,omitempty"`
}

// Export snapshots the state for persistence.
func (s *State) Export() *ExportedState {
	es := &ExportedState{
		DHsPriv: s.DHs.PrivateKey,
		DHsPub:  s.DHs.PublicKey,
		DHr:     s.DHr,
		RK:      s.RK,
		CKs:     s.CKs,
		CKr:     s.CKr,
		Ns:      s.Ns,
		Nr:      s.Nr,
		PN:      s.PN,
	}
	for k, mk := range s.skipped {
		es.Skipped = append(es.Skipped, ExportedSkippedEntry{DH: []byte(k.dh), N: k.n, MK: mk})
	}
	return es
}

// ImportState rebuilds a State from a snapshot produced by Export.
func ImportState(es *ExportedState) *State {
	s := &State{
		DHs:         &crypto.KeyPair{PrivateKey: es.DHsPriv, PublicKey: es.DHsPub},
		DHr:         es.DHr,
		RK:          es.RK,
		CKs:         es.CKs,
		CKr:         es.CKr,
		Ns:          es.Ns,
		Nr:          es.Nr,
		PN:          es.PN,
		skipped:     make(map[skippedKey][]byte),
		MaxSkipKeys: MaxSkip,
	}
	for _, e := range es.Skipped {
		s.skipped[skippedKey{dh: string(e.DH), n: e.N}] = e.MK
	}
	return s
}

// Wipe zeroes all secret material held directly by the state. Skipped
// message keys are wiped and the map cleared.
func (s *State) Wipe() {
	crypto.Wipe(s.DHs.PrivateKey)
	crypto.Wipe(s.RK)
	crypto.Wipe(s.CKs)
	crypto.Wipe(s.CKr)
	for k, v := range s.skipped {
		crypto.Wipe(v)
		delete(s.skipped, k)
	}
}
