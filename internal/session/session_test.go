package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskline/e2ee/internal/keymanager"
	"github.com/duskline/e2ee/internal/store"
	"github.com/duskline/e2ee/internal/wire"
	"github.com/duskline/e2ee/internal/x3dh"
)

// bundleClient serves a single published party's prekey bundle straight
// from their Key Manager, standing in for an HTTP round trip to the
// Prekey Repository.
type bundleClient struct {
	km *keymanager.Manager
}

func (c *bundleClient) FetchBundle(ctx context.Context, peerID string) (*x3dh.Bundle, error) {
	b, err := c.km.PendingBundle()
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrPrekeysUnavailable
	}
	bundle := &x3dh.Bundle{
		IdentityKeyX25519:  b.IdentityKey,
		IdentityKeyEd25519: b.SigningKey,
		SignedPrekeyID:     b.SignedPrekey.KeyID,
		SignedPrekeyPublic: b.SignedPrekey.PublicKey,
		SignedPrekeySig:    b.SignedPrekey.Signature,
	}
	if len(b.OneTimePrekeys) > 0 {
		id := b.OneTimePrekeys[0].KeyID
		bundle.OneTimePrekeyID = &id
		bundle.OneTimePrekeyPublic = b.OneTimePrekeys[0].PublicKey
	}
	return bundle, nil
}

type party struct {
	st *store.Store
	km *keymanager.Manager
	sm *Manager
}

func newParty(t *testing.T, name string, client PrekeyClient) *party {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	s, err := store.Open(path, []byte("passphrase-"+name))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	km := keymanager.New(s, keymanager.Config{SignedPrekeyTTL: 7 * 24 * time.Hour, OneTimePrekeyTarget: 10, OneTimePrekeyFloor: 3})
	require.NoError(t, km.Initialize())

	sm := New(s, km, client, DefaultConfig)
	return &party{st: s, km: km, sm: sm}
}

func TestScenario1FreshPairSingleMessage(t *testing.T) {
	bob := newParty(t, "bob", nil)
	alice := newParty(t, "alice", &bundleClient{km: bob.km})

	ctx := context.Background()
	envBytes, err := alice.sm.Encrypt(ctx, "bob", []byte("hi"))
	require.NoError(t, err)

	env, err := wire.Unmarshal(envBytes)
	require.NoError(t, err)
	require.NotNil(t, env.X3DH, "first outbound message must carry the x3dh init block")
	require.NotNil(t, env.X3DH.UsedOneTimePrekeyID)
	usedOTK := *env.X3DH.UsedOneTimePrekeyID

	pt, err := bob.sm.Decrypt(ctx, "alice", envBytes)
	require.NoError(t, err)
	require.Equal(t, "hi", string(pt))

	// The referenced one-time prekey was consumed on decrypt; a second
	// establishment referencing the same id must be rejected.
	_, err = bob.km.ConsumeOneTime(usedOTK)
	require.ErrorIs(t, err, keymanager.ErrUnknownPrekey)

	// The second message of the session carries no x3dh block.
	env2Bytes, err := alice.sm.Encrypt(ctx, "bob", []byte("again"))
	require.NoError(t, err)
	env2, err := wire.Unmarshal(env2Bytes)
	require.NoError(t, err)
	require.Nil(t, env2.X3DH)
}

func TestScenario2BidirectionalRatchet(t *testing.T) {
	bob := newParty(t, "bob", nil)
	alice := newParty(t, "alice", &bundleClient{km: bob.km})
	ctx := context.Background()

	env1, err := alice.sm.Encrypt(ctx, "bob", []byte("hi"))
	require.NoError(t, err)
	_, err = bob.sm.Decrypt(ctx, "alice", env1)
	require.NoError(t, err)

	env2, err := bob.sm.Encrypt(ctx, "alice", []byte("hello"))
	require.NoError(t, err)
	pt2, err := alice.sm.Decrypt(ctx, "bob", env2)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt2))

	env3, err := alice.sm.Encrypt(ctx, "bob", []byte("again"))
	require.NoError(t, err)
	pt3, err := bob.sm.Decrypt(ctx, "alice", env3)
	require.NoError(t, err)
	require.Equal(t, "again", string(pt3))
}

func TestScenario3OutOfOrderWithinWindow(t *testing.T) {
	bob := newParty(t, "bob", nil)
	alice := newParty(t, "alice", &bundleClient{km: bob.km})
	ctx := context.Background()

	// Establish the session with a first message: only that message carries
	// the X3DH block, so the out-of-order ones below ride the ratchet alone.
	e0, err := alice.sm.Encrypt(ctx, "bob", []byte("m0"))
	require.NoError(t, err)
	_, err = bob.sm.Decrypt(ctx, "alice", e0)
	require.NoError(t, err)

	e1, err := alice.sm.Encrypt(ctx, "bob", []byte("m1"))
	require.NoError(t, err)
	e2, err := alice.sm.Encrypt(ctx, "bob", []byte("m2"))
	require.NoError(t, err)
	e3, err := alice.sm.Encrypt(ctx, "bob", []byte("m3"))
	require.NoError(t, err)

	pt3, err := bob.sm.Decrypt(ctx, "alice", e3)
	require.NoError(t, err)
	require.Equal(t, "m3", string(pt3))

	pt1, err := bob.sm.Decrypt(ctx, "alice", e1)
	require.NoError(t, err)
	require.Equal(t, "m1", string(pt1))

	pt2, err := bob.sm.Decrypt(ctx, "alice", e2)
	require.NoError(t, err)
	require.Equal(t, "m2", string(pt2))
}

func TestScenario5TamperLeavesSessionReady(t *testing.T) {
	bob := newParty(t, "bob", nil)
	alice := newParty(t, "alice", &bundleClient{km: bob.km})
	ctx := context.Background()

	// Establish the session with a first message so the tampered second
	// message exercises only the ratchet decrypt path, not X3DH.
	env0, err := alice.sm.Encrypt(ctx, "bob", []byte("hi"))
	require.NoError(t, err)
	_, err = bob.sm.Decrypt(ctx, "alice", env0)
	require.NoError(t, err)

	envBytes, err := alice.sm.Encrypt(ctx, "bob", []byte("secret"))
	require.NoError(t, err)

	env, err := wire.Unmarshal(envBytes)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xFF
	tampered, err := wire.Marshal(env)
	require.NoError(t, err)

	_, err = bob.sm.Decrypt(ctx, "alice", tampered)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	status, ok := bob.sm.Status("alice")
	require.True(t, ok)
	require.Equal(t, StatusReady, status)

	env2, err := alice.sm.Encrypt(ctx, "bob", []byte("genuine"))
	require.NoError(t, err)
	pt, err := bob.sm.Decrypt(ctx, "alice", env2)
	require.NoError(t, err)
	require.Equal(t, "genuine", string(pt))
}

// exhaustedOTKClient wraps bundleClient but always strips the one-time
// prekey field, simulating a responder whose pool is exhausted server-side.
type exhaustedOTKClient struct {
	inner *bundleClient
}

func (c *exhaustedOTKClient) FetchBundle(ctx context.Context, peerID string) (*x3dh.Bundle, error) {
	bundle, err := c.inner.FetchBundle(ctx, peerID)
	if err != nil {
		return nil, err
	}
	bundle.OneTimePrekeyID = nil
	bundle.OneTimePrekeyPublic = nil
	return bundle, nil
}

func TestScenario6NoOneTimePrekeyAvailable(t *testing.T) {
	bob := newParty(t, "bob", nil)
	alice := newParty(t, "alice", &exhaustedOTKClient{inner: &bundleClient{km: bob.km}})
	ctx := context.Background()

	envBytes, err := alice.sm.Encrypt(ctx, "bob", []byte("no otk needed"))
	require.NoError(t, err)

	pt, err := bob.sm.Decrypt(ctx, "alice", envBytes)
	require.NoError(t, err)
	require.Equal(t, "no otk needed", string(pt))
}

func TestResponderSessionSurvivesManagerRestart(t *testing.T) {
	bob := newParty(t, "bob", nil)
	alice := newParty(t, "alice", &bundleClient{km: bob.km})
	ctx := context.Background()

	env1, err := alice.sm.Encrypt(ctx, "bob", []byte("first"))
	require.NoError(t, err)
	_, err = bob.sm.Decrypt(ctx, "alice", env1)
	require.NoError(t, err)

	// A fresh Manager over the same store must reload the responder-side
	// session from disk and keep decrypting.
	restarted := New(bob.st, bob.km, nil, DefaultConfig)
	env2, err := alice.sm.Encrypt(ctx, "bob", []byte("second"))
	require.NoError(t, err)
	pt, err := restarted.Decrypt(ctx, "alice", env2)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt))
}

func TestResetTriggersFreshX3DH(t *testing.T) {
	bob := newParty(t, "bob", nil)
	alice := newParty(t, "alice", &bundleClient{km: bob.km})
	ctx := context.Background()

	env1, err := alice.sm.Encrypt(ctx, "bob", []byte("first"))
	require.NoError(t, err)
	_, err = bob.sm.Decrypt(ctx, "alice", env1)
	require.NoError(t, err)

	require.NoError(t, alice.sm.Reset("bob"))

	env2, err := alice.sm.Encrypt(ctx, "bob", []byte("second"))
	require.NoError(t, err)
	require.NotNil(t, env2)
}
