package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskline/e2ee/internal/crypto"
)

// establishPair builds a connected initiator/responder pair the way
// session establishment would: the responder's signed prekey stands in
// for the initial DH partner on both sides.
func establishPair(t *testing.T) (*State, *State) {
	t.Helper()
	sk, err := crypto.Random(32)
	require.NoError(t, err)

	spk, err := crypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	initiator, err := NewInitiatorState(sk, spk.PublicKey)
	require.NoError(t, err)

	responder := NewResponderState(sk, spk)

	return initiator, responder
}

func TestRatchetBasicRoundTrip(t *testing.T) {
	alice, bob := establishPair(t)
	aad := []byte("session-ad")

	hdr, ct, err := alice.Encrypt([]byte("hello bob"), aad)
	require.NoError(t, err)

	pt, err := bob.Decrypt(hdr, ct, aad)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))
}

func TestRatchetBidirectional(t *testing.T) {
	alice, bob := establishPair(t)
	aad := []byte("session-ad")

	hdr1, ct1, err := alice.Encrypt([]byte("ping"), aad)
	require.NoError(t, err)
	pt1, err := bob.Decrypt(hdr1, ct1, aad)
	require.NoError(t, err)
	require.Equal(t, "ping", string(pt1))

	hdr2, ct2, err := bob.Encrypt([]byte("pong"), aad)
	require.NoError(t, err)
	pt2, err := alice.Decrypt(hdr2, ct2, aad)
	require.NoError(t, err)
	require.Equal(t, "pong", string(pt2))

	hdr3, ct3, err := alice.Encrypt([]byte("ping again"), aad)
	require.NoError(t, err)
	pt3, err := bob.Decrypt(hdr3, ct3, aad)
	require.NoError(t, err)
	require.Equal(t, "ping again", string(pt3))
}

func TestRatchetOutOfOrderDelivery(t *testing.T) {
	alice, bob := establishPair(t)
	aad := []byte("session-ad")

	hdr1, ct1, err := alice.Encrypt([]byte("one"), aad)
	require.NoError(t, err)
	hdr2, ct2, err := alice.Encrypt([]byte("two"), aad)
	require.NoError(t, err)
	hdr3, ct3, err := alice.Encrypt([]byte("three"), aad)
	require.NoError(t, err)

	pt3, err := bob.Decrypt(hdr3, ct3, aad)
	require.NoError(t, err)
	require.Equal(t, "three", string(pt3))

	pt1, err := bob.Decrypt(hdr1, ct1, aad)
	require.NoError(t, err)
	require.Equal(t, "one", string(pt1))

	pt2, err := bob.Decrypt(hdr2, ct2, aad)
	require.NoError(t, err)
	require.Equal(t, "two", string(pt2))
}

func TestRatchetRejectsReplayOfConsumedMessage(t *testing.T) {
	alice, bob := establishPair(t)
	aad := []byte("session-ad")

	hdr, ct, err := alice.Encrypt([]byte("once"), aad)
	require.NoError(t, err)

	_, err = bob.Decrypt(hdr, ct, aad)
	require.NoError(t, err)

	_, err = bob.Decrypt(hdr, ct, aad)
	require.Error(t, err)
}

func TestRatchetRejectsTamperedCiphertext(t *testing.T) {
	alice, bob := establishPair(t)
	aad := []byte("session-ad")

	hdr, ct, err := alice.Encrypt([]byte("tamper me"), aad)
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = bob.Decrypt(hdr, ct, aad)
	require.Error(t, err)
}

func TestRatchetSkipOverflowEvictsOldestButDecryptsLatest(t *testing.T) {
	alice, bob := establishPair(t)
	aad := []byte("session-ad")

	var headers []*Header
	var ciphertexts [][]byte
	for i := 0; i < MaxSkip+500; i++ {
		h, ct, err := alice.Encrypt([]byte("filler"), aad)
		require.NoError(t, err)
		headers = append(headers, h)
		ciphertexts = append(ciphertexts, ct)
	}

	// Bob receives the most recent message first: it must still decrypt
	// even though deriving its key skips far more than MaxSkip intervening
	// keys.
	last := len(headers) - 1
	pt, err := bob.Decrypt(headers[last], ciphertexts[last], aad)
	require.NoError(t, err)
	require.Equal(t, "filler", string(pt))

	// The very first message's key was evicted from the skipped-key map
	// to keep it bounded at MaxSkip entries, so it can no longer be
	// decrypted.
	_, err = bob.Decrypt(headers[0], ciphertexts[0], aad)
	require.ErrorIs(t, err, ErrTooManySkipped)
}

func TestSendingChainKeyIsReplacedAfterEncrypt(t *testing.T) {
	alice, _ := establishPair(t)

	before := append([]byte{}, alice.CKs...)
	_, _, err := alice.Encrypt([]byte("advance"), []byte("session-ad"))
	require.NoError(t, err)

	require.NotEqual(t, before, alice.CKs, "prior sending chain key must not be retained after a send")
}

func TestStateExportImportRoundTrip(t *testing.T) {
	alice, bob := establishPair(t)
	aad := []byte("session-ad")

	hdr, ct, err := alice.Encrypt([]byte("before export"), aad)
	require.NoError(t, err)
	_, err = bob.Decrypt(hdr, ct, aad)
	require.NoError(t, err)

	exported := bob.Export()
	restored := ImportState(exported)

	hdr2, ct2, err := alice.Encrypt([]byte("after export"), aad)
	require.NoError(t, err)
	pt, err := restored.Decrypt(hdr2, ct2, aad)
	require.NoError(t, err)
	require.Equal(t, "after export", string(pt))
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{DH: make([]byte, 32), PN: 7, N: 42}
	for i := range h.DH {
		h.DH[i] = byte(i)
	}

	decoded, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	require.Equal(t, h.DH, decoded.DH)
	require.Equal(t, h.PN, decoded.PN)
	require.Equal(t, h.N, decoded.N)
}
