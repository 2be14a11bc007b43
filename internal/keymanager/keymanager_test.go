package keymanager

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskline/e2ee/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "km.db")
	s, err := store.Open(path, []byte("passphrase"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := Config{SignedPrekeyTTL: 7 * 24 * time.Hour, OneTimePrekeyTarget: 10, OneTimePrekeyFloor: 3}
	return New(s, cfg)
}

func TestInitializeIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())
	fp1 := m.IdentityFingerprint()

	require.NoError(t, m.Initialize())
	fp2 := m.IdentityFingerprint()

	require.Equal(t, fp1, fp2)
}

func TestFingerprintIsFullWidthHex(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())

	fp := m.IdentityFingerprint()
	require.Len(t, fp, 64)
}

func TestPendingBundleClearsAfterMarkUploaded(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())

	bundle, err := m.PendingBundle()
	require.NoError(t, err)
	require.NotNil(t, bundle)
	require.NotEmpty(t, bundle.OneTimePrekeys)

	var oneTimeIDs []uint32
	for _, otk := range bundle.OneTimePrekeys {
		oneTimeIDs = append(oneTimeIDs, otk.KeyID)
	}
	signedID := bundle.SignedPrekey.KeyID

	require.NoError(t, m.MarkUploaded(UploadedIDs{SignedPrekeyID: &signedID, OneTimePrekeyIDs: oneTimeIDs}))

	bundle, err = m.PendingBundle()
	require.NoError(t, err)
	require.Nil(t, bundle)
}

func TestConsumeOneTimeIsSingleUse(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())

	bundle, err := m.PendingBundle()
	require.NoError(t, err)
	require.NotEmpty(t, bundle.OneTimePrekeys)
	keyID := bundle.OneTimePrekeys[0].KeyID

	kp, err := m.ConsumeOneTime(keyID)
	require.NoError(t, err)
	require.NotNil(t, kp)

	_, err = m.ConsumeOneTime(keyID)
	require.ErrorIs(t, err, ErrUnknownPrekey)
}

func TestRotateSignedPrekeyIfNeededRespectsTTL(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())

	bundle, err := m.PendingBundle()
	require.NoError(t, err)
	originalID := bundle.SignedPrekey.KeyID

	require.NoError(t, m.RotateSignedPrekeyIfNeeded(time.Now(), 7*24*time.Hour))

	_, _, err = m.SignedPrekeyByID(originalID)
	require.NoError(t, err)
}

func TestFingerprintSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")
	cfg := Config{SignedPrekeyTTL: 7 * 24 * time.Hour, OneTimePrekeyTarget: 10, OneTimePrekeyFloor: 3}

	s1, err := store.Open(path, []byte("passphrase"))
	require.NoError(t, err)
	m1 := New(s1, cfg)
	require.NoError(t, m1.Initialize())
	fp1 := m1.IdentityFingerprint()
	require.NoError(t, s1.Close())

	s2, err := store.Open(path, []byte("passphrase"))
	require.NoError(t, err)
	defer s2.Close()
	m2 := New(s2, cfg)
	require.NoError(t, m2.Initialize())

	require.Equal(t, fp1, m2.IdentityFingerprint())
}

func TestResetClearsIdentity(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Reset())
	require.NoError(t, m.Initialize())
	require.Len(t, m.IdentityFingerprint(), 64)
}
