package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, []byte("correct horse battery staple"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityRoundTrip(t *testing.T) {
	s := openTestStore(t)

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	require.NoError(t, s.SaveIdentity(seed))

	rec, err := s.LoadIdentity()
	require.NoError(t, err)
	require.Equal(t, seed, rec.Seed)
	require.False(t, rec.Uploaded)

	require.NoError(t, s.MarkIdentityUploaded())
	rec, err = s.LoadIdentity()
	require.NoError(t, err)
	require.True(t, rec.Uploaded)
}

func TestLoadIdentityNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadIdentity()
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSignedPrekeyRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := &SignedPrekeyRecord{
		KeyID:     1,
		PublicKey: []byte("public-key-bytes"),
		SecretKey: []byte("secret-key-bytes"),
		Signature: []byte("signature-bytes"),
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.SaveSignedPrekey(rec))

	loaded, err := s.LoadSignedPrekey(1)
	require.NoError(t, err)
	require.Equal(t, rec.SecretKey, loaded.SecretKey)
	require.Equal(t, rec.Signature, loaded.Signature)

	latest, err := s.LatestSignedPrekey()
	require.NoError(t, err)
	require.Equal(t, uint32(1), latest.KeyID)
}

func TestOneTimePrekeyConsumeIsAtomicAndSingleUse(t *testing.T) {
	s := openTestStore(t)

	rec := &OneTimePrekeyRecord{
		KeyID:     42,
		PublicKey: []byte("otk-public"),
		SecretKey: []byte("otk-secret"),
	}
	require.NoError(t, s.SaveOneTimePrekey(rec))

	count, err := s.CountUnconsumedOneTime()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	consumed, err := s.ConsumeOneTimePrekey(42)
	require.NoError(t, err)
	require.Equal(t, rec.SecretKey, consumed.SecretKey)

	count, err = s.CountUnconsumedOneTime()
	require.NoError(t, err)
	require.Equal(t, 0, count)

	_, err = s.ConsumeOneTimePrekey(42)
	require.ErrorIs(t, err, ErrAlreadyConsumed)

	_, err = s.ConsumeOneTimePrekey(9999)
	require.ErrorIs(t, err, ErrUnknownPrekey)
}

func TestNextOneTimeKeyIDIsMonotone(t *testing.T) {
	s := openTestStore(t)

	first, err := s.NextOneTimeKeyID()
	require.NoError(t, err)
	second, err := s.NextOneTimeKeyID()
	require.NoError(t, err)

	require.Equal(t, first+1, second)
}

func TestSessionRoundTripAndDelete(t *testing.T) {
	s := openTestStore(t)

	payload := []byte(`{"peerId":"bob","rk":"deadbeef"}`)
	require.NoError(t, s.SaveSession("bob", payload))

	loaded, err := s.LoadSession("bob")
	require.NoError(t, err)
	require.Equal(t, payload, loaded)

	peers, err := s.ListSessionPeerIDs()
	require.NoError(t, err)
	require.Contains(t, peers, "bob")

	require.NoError(t, s.DeleteSession("bob"))
	_, err = s.LoadSession("bob")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReopenStoreDerivesSameMasterKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s1, err := Open(path, []byte("passphrase"))
	require.NoError(t, err)
	require.NoError(t, s1.SaveSession("carol", []byte("payload")))
	require.NoError(t, s1.Close())

	s2, err := Open(path, []byte("passphrase"))
	require.NoError(t, err)
	defer s2.Close()

	loaded, err := s2.LoadSession("carol")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), loaded)
}

func TestReopenStoreWithWrongPassphraseFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrongpass.db")
	s1, err := Open(path, []byte("right passphrase"))
	require.NoError(t, err)
	require.NoError(t, s1.SaveSession("dave", []byte("payload")))
	require.NoError(t, s1.Close())

	s2, err := Open(path, []byte("wrong passphrase"))
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.LoadSession("dave")
	require.ErrorIs(t, err, ErrCorrupted)
}
