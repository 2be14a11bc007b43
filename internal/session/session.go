// Package session implements the Session Manager: it orchestrates X3DH
// establishment and Double Ratchet encryption/decryption per peer, owns
// the only "user-visible" error vocabulary in this codebase, and
// persists every mutation to the encrypted local store before returning.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/duskline/e2ee/internal/crypto"
	"github.com/duskline/e2ee/internal/keymanager"
	"github.com/duskline/e2ee/internal/ratchet"
	"github.com/duskline/e2ee/internal/store"
	"github.com/duskline/e2ee/internal/wire"
	"github.com/duskline/e2ee/internal/x3dh"
)

// User-visible error vocabulary. Every error a caller of this package can
// see is one of these; lower-layer errors are translated at this
// boundary and never escape directly.
var (
	ErrInvalidPublicKey     = errors.New("session: invalid public key")
	ErrInvalidSignedPrekey  = errors.New("session: invalid signed prekey signature")
	ErrUnknownSignedPrekey  = errors.New("session: unknown signed prekey id")
	ErrUnknownOneTimePrekey = errors.New("session: unknown or already-consumed one-time prekey id")
	ErrDecryptionFailed     = errors.New("session: decryption failed")
	ErrSkipOverflow         = errors.New("session: too many skipped messages")
	ErrMalformedHeader      = errors.New("session: malformed header")
	ErrDecryptionTimeout    = errors.New("session: decryption timed out")
	ErrStoreIOError         = errors.New("session: local store I/O error")
	ErrStoreCorrupted       = errors.New("session: local store corrupted")
	ErrPrekeysUnavailable   = errors.New("session: recipient hasn't set up encryption yet")
	ErrNetworkError         = errors.New("session: network error")
	ErrUnknownSession       = errors.New("session: no session and message carries no x3dh init block")
)

// maxConsecutiveDecryptFailures bounds how many decrypt failures in a row
// move a session from ready into error; a single bad ciphertext never
// does.
const maxConsecutiveDecryptFailures = 5

// decryptDeadline is the hard wall-clock limit on a single decrypt call.
const decryptDeadline = 5 * time.Second

// Status mirrors the session state machine: none -> establishing -> ready
// -> error.
type Status string

const (
	StatusEstablishing Status = "establishing"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
)

// PrekeyClient fetches a peer's published prekey bundle. The concrete
// implementation (HTTP against the Prekey Repository, or an in-process
// stub for tests) lives outside this package.
type PrekeyClient interface {
	FetchBundle(ctx context.Context, peerID string) (*x3dh.Bundle, error)
}

// Config holds the tunables named in the external interface.
type Config struct {
	BundleFetchTimeout time.Duration
	BackoffInitial     time.Duration
	BackoffFactor      float64
	BackoffCap         time.Duration
	BackoffMaxAttempts int
}

// DefaultConfig holds the documented production defaults.
var DefaultConfig = Config{
	BundleFetchTimeout: 10 * time.Second,
	BackoffInitial:     1 * time.Second,
	BackoffFactor:      2,
	BackoffCap:         60 * time.Second,
	BackoffMaxAttempts: 5,
}

type sessionEntry struct {
	mu sync.Mutex

	peerID          string
	peerIdentityPub []byte
	associatedData  []byte
	ratchetState    *ratchet.State
	status          Status
	pendingX3DH     *wire.X3DHBlock
	consecutiveFails int
}

// persistRecord is the JSON shape written to the encrypted local store.
// Every byte slice in it is opaque ciphertext/key material; the store
// seals the whole blob under the master key, so no field here is ever
// written in the clear.
type persistRecord struct {
	PeerIdentityPub []byte                 `json:"peer_identity_pub"`
	AssociatedData  []byte                 `json:"associated_data"`
	Ratchet         *ratchet.ExportedState `json:"ratchet"`
	Status          Status                 `json:"status"`
	PendingX3DH     *wire.X3DHBlock        `json:"pending_x3dh,omitempty"`
}

type inflight struct {
	done chan struct{}
	err  error
}

// Manager is the Session Manager component. One instance per local
// identity, shared across all peer sessions.
type Manager struct {
	store  *store.Store
	keys   *keymanager.Manager
	client PrekeyClient
	config Config
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	inFlight map[string]*inflight

	uploader PrekeyUploader
}

// New constructs a Manager. client may be nil only in tests that never
// call EnsureSession against an absent peer.
func New(s *store.Store, keys *keymanager.Manager, client PrekeyClient, cfg Config) *Manager {
	return &Manager{
		store:    s,
		keys:     keys,
		client:   client,
		config:   cfg,
		logger:   log.New(os.Stdout, "[session] ", log.LstdFlags),
		sessions: make(map[string]*sessionEntry),
		inFlight: make(map[string]*inflight),
	}
}

// EnsureSession returns once a ready-or-establishing session for peerID
// exists in memory, fetching the peer's bundle and running X3DH as
// initiator if none did. Concurrent callers for the same peerID coalesce
// onto a single establishment.
func (m *Manager) EnsureSession(ctx context.Context, peerID string) error {
	m.mu.Lock()
	if _, ok := m.sessions[peerID]; ok {
		m.mu.Unlock()
		return nil
	}
	if infl, ok := m.inFlight[peerID]; ok {
		m.mu.Unlock()
		<-infl.done
		return infl.err
	}
	infl := &inflight{done: make(chan struct{})}
	m.inFlight[peerID] = infl
	m.mu.Unlock()

	err := m.establish(ctx, peerID)
	infl.err = err
	close(infl.done)

	m.mu.Lock()
	delete(m.inFlight, peerID)
	m.mu.Unlock()
	return err
}

func (m *Manager) establish(ctx context.Context, peerID string) error {
	blob, err := m.store.LoadSession(peerID)
	if err == nil {
		entry, loadErr := m.loadEntryFromBlob(peerID, blob)
		if loadErr != nil {
			return loadErr
		}
		m.mu.Lock()
		m.sessions[peerID] = entry
		m.mu.Unlock()
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return translateStoreErr(err)
	}

	bundle, err := m.fetchBundleWithRetry(ctx, peerID)
	if err != nil {
		return err
	}

	identity := &x3dh.IdentityKeyPair{
		X25519:      m.keys.IdentityKeyPair(),
		Ed25519Seed: m.keys.IdentityEd25519Seed(),
	}
	result, err := x3dh.InitiatorAgree(identity, bundle)
	if err != nil {
		return translateX3DHErr(err)
	}

	ratchetState, err := ratchet.NewInitiatorState(result.SharedSecret, bundle.SignedPrekeyPublic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIOError, err)
	}
	crypto.Wipe(result.SharedSecret)

	x25519Pub, _ := m.keys.IdentityPublicKeys()
	pending := &wire.X3DHBlock{
		SenderIdentityKey:  x25519Pub,
		SenderEphemeralKey: result.EphemeralPublic,
		UsedSignedPrekeyID: bundle.SignedPrekeyID,
	}
	if bundle.OneTimePrekeyID != nil {
		pending.UsedOneTimePrekeyID = bundle.OneTimePrekeyID
	}

	entry := &sessionEntry{
		peerID:          peerID,
		peerIdentityPub: bundle.IdentityKeyX25519,
		associatedData:  result.AssociatedData,
		ratchetState:    ratchetState,
		status:          StatusEstablishing,
		pendingX3DH:     pending,
	}

	if err := m.persistLocked(entry); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[peerID] = entry
	m.mu.Unlock()
	return nil
}

func (m *Manager) loadEntryFromBlob(peerID string, blob []byte) (*sessionEntry, error) {
	var rec persistRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}
	return &sessionEntry{
		peerID:          peerID,
		peerIdentityPub: rec.PeerIdentityPub,
		associatedData:  rec.AssociatedData,
		ratchetState:    ratchet.ImportState(rec.Ratchet),
		status:          rec.Status,
		pendingX3DH:     rec.PendingX3DH,
	}, nil
}

func (m *Manager) persistLocked(entry *sessionEntry) error {
	rec := persistRecord{
		PeerIdentityPub: entry.peerIdentityPub,
		AssociatedData:  entry.associatedData,
		Ratchet:         entry.ratchetState.Export(),
		Status:          entry.status,
		PendingX3DH:     entry.pendingX3DH,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIOError, err)
	}
	if err := m.store.SaveSession(entry.peerID, b); err != nil {
		return translateStoreErr(err)
	}
	return nil
}

// fetchBundleWithRetry retries the prekey fetch with exponential backoff
// and jitter, bounded by ctx and BackoffMaxAttempts.
func (m *Manager) fetchBundleWithRetry(ctx context.Context, peerID string) (*x3dh.Bundle, error) {
	if m.client == nil {
		return nil, fmt.Errorf("%w: no prekey client configured", ErrNetworkError)
	}

	delay := m.config.BundleFetchTimeout
	wait := m.config.BackoffInitial
	var lastErr error
	for attempt := 0; attempt < m.config.BackoffMaxAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, delay)
		bundle, err := m.client.FetchBundle(fetchCtx, peerID)
		cancel()
		if err == nil {
			return bundle, nil
		}
		lastErr = err
		if errors.Is(err, ErrPrekeysUnavailable) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNetworkError, ctx.Err())
		case <-time.After(jitter(wait)):
		}
		wait = time.Duration(float64(wait) * m.config.BackoffFactor)
		if wait > m.config.BackoffCap {
			wait = m.config.BackoffCap
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNetworkError, lastErr)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Encrypt ensures a session exists, advances the sending ratchet chain,
// and returns the serialized wire envelope. On the session's first
// outbound message it attaches the pending X3DH block and flips status
// to ready.
func (m *Manager) Encrypt(ctx context.Context, peerID string, plaintext []byte) ([]byte, error) {
	if err := m.EnsureSession(ctx, peerID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	entry := m.sessions[peerID]
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	hdr, ct, err := entry.ratchetState.Encrypt(plaintext, entry.associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIOError, err)
	}

	env := &wire.Envelope{Ciphertext: ct}
	env.SetRatchetHeader(hdr)

	if entry.status == StatusEstablishing && entry.pendingX3DH != nil {
		env.X3DH = entry.pendingX3DH
		entry.pendingX3DH = nil
		entry.status = StatusReady
	}

	if err := m.persistLocked(entry); err != nil {
		return nil, err
	}

	m.mu.Lock()
	uploader := m.uploader
	m.mu.Unlock()
	if uploader != nil {
		go m.CheckPrekeyHealth(context.Background(), uploader)
	}

	return wire.Marshal(env)
}

// Decrypt parses a wire envelope and decrypts it, establishing the
// session as responder first if the envelope carries an X3DH block and
// none exists locally yet.
func (m *Manager) Decrypt(ctx context.Context, peerID string, envelopeBytes []byte) ([]byte, error) {
	env, err := wire.Unmarshal(envelopeBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if err := wire.ValidateShape(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	m.mu.Lock()
	entry, exists := m.sessions[peerID]
	m.mu.Unlock()

	if !exists {
		blob, loadErr := m.store.LoadSession(peerID)
		switch {
		case loadErr == nil:
			entry, err = m.loadEntryFromBlob(peerID, blob)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			m.sessions[peerID] = entry
			m.mu.Unlock()
		case errors.Is(loadErr, store.ErrNotFound):
			if env.X3DH == nil {
				return nil, ErrUnknownSession
			}
			entry, err = m.establishAsResponder(peerID, env)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			m.sessions[peerID] = entry
			m.mu.Unlock()
		default:
			return nil, translateStoreErr(loadErr)
		}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, decryptDeadline)
	defer cancel()

	type result struct {
		pt  []byte
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		pt, err := entry.ratchetState.Decrypt(env.RatchetHeader(), env.Ciphertext, entry.associatedData)
		resultCh <- result{pt, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ErrDecryptionTimeout
	case r := <-resultCh:
		if r.err != nil {
			entry.consecutiveFails++
			if entry.consecutiveFails >= maxConsecutiveDecryptFailures {
				entry.status = StatusError
			}
			_ = m.persistLocked(entry)
			return nil, translateRatchetErr(r.err)
		}
		entry.consecutiveFails = 0
		if entry.status == StatusEstablishing {
			entry.status = StatusReady
		}
		if err := m.persistLocked(entry); err != nil {
			return nil, err
		}
		return r.pt, nil
	}
}

func (m *Manager) establishAsResponder(peerID string, env *wire.Envelope) (*sessionEntry, error) {
	signedPrekey, _, err := m.keys.SignedPrekeyByID(env.X3DH.UsedSignedPrekeyID)
	if err != nil {
		return nil, ErrUnknownSignedPrekey
	}

	var oneTimeKP *crypto.KeyPair
	if env.X3DH.UsedOneTimePrekeyID != nil {
		oneTimeKP, err = m.keys.ConsumeOneTime(*env.X3DH.UsedOneTimePrekeyID)
		if err != nil {
			return nil, ErrUnknownOneTimePrekey
		}
	}

	identity := &x3dh.IdentityKeyPair{X25519: m.keys.IdentityKeyPair()}
	result, err := x3dh.ResponderAgree(identity, signedPrekey, oneTimeKP, env.X3DH.SenderIdentityKey, env.X3DH.SenderEphemeralKey)
	if err != nil {
		return nil, translateX3DHErr(err)
	}

	ratchetState := ratchet.NewResponderState(result.SharedSecret, signedPrekey)
	crypto.Wipe(result.SharedSecret)

	return &sessionEntry{
		peerID:          peerID,
		peerIdentityPub: env.X3DH.SenderIdentityKey,
		associatedData:  result.AssociatedData,
		ratchetState:    ratchetState,
		status:          StatusEstablishing,
	}, nil
}

// SetPrekeyUploader attaches the repository client used to publish fresh
// prekeys after each send and on the periodic health tick. Left unset, a
// Manager simply skips prekey health checks, which is what the test suite's
// in-process stubs rely on.
func (m *Manager) SetPrekeyUploader(uploader PrekeyUploader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploader = uploader
}

// PrekeyUploader publishes a Key Manager's pending bundle to the Prekey
// Repository and acknowledges the ids the server accepted. The concrete
// implementation is an HTTP client against §6's upload endpoint, or an
// in-process stub in tests.
type PrekeyUploader interface {
	Upload(ctx context.Context, bundle *keymanager.Bundle) (keymanager.UploadedIDs, error)
}

// prekeyHealthInterval is the periodic prekey health check tick.
const prekeyHealthInterval = 5 * time.Minute

// StartPrekeyHealthLoop runs CheckPrekeyHealth on a ticker until ctx is
// cancelled. It should be started once per local identity alongside the
// Manager.
func (m *Manager) StartPrekeyHealthLoop(ctx context.Context, uploader PrekeyUploader) {
	ticker := time.NewTicker(prekeyHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckPrekeyHealth(ctx, uploader)
		}
	}
}

// CheckPrekeyHealth publishes any pending signed or one-time prekeys that
// haven't yet been acknowledged by the server. Keymanager.Initialize and
// ConsumeOneTime already keep the local pool topped up; this only pushes
// what's locally fresh up to the repository. Called on the health tick and
// after every Encrypt.
func (m *Manager) CheckPrekeyHealth(ctx context.Context, uploader PrekeyUploader) {
	if uploader == nil {
		return
	}
	bundle, err := m.keys.PendingBundle()
	if err != nil {
		m.logger.Printf("prekey health: failed to read pending bundle: %v", err)
		return
	}
	if bundle == nil {
		return
	}
	ids, err := uploader.Upload(ctx, bundle)
	if err != nil {
		m.logger.Printf("prekey health: upload failed: %v", err)
		return
	}
	if err := m.keys.MarkUploaded(ids); err != nil {
		m.logger.Printf("prekey health: failed to mark uploaded: %v", err)
	}
}

// Reset deletes a peer's session; the next message triggers fresh X3DH.
func (m *Manager) Reset(peerID string) error {
	m.mu.Lock()
	delete(m.sessions, peerID)
	m.mu.Unlock()

	if err := m.store.DeleteSession(peerID); err != nil {
		return translateStoreErr(err)
	}
	return nil
}

// Status reports a peer's current session status, for observers that
// should never see secret bytes.
func (m *Manager) Status(peerID string) (Status, bool) {
	m.mu.Lock()
	entry, ok := m.sessions[peerID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.status, true
}

func translateStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return err
	case errors.Is(err, store.ErrCorrupted):
		return fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreIOError, err)
	}
}

func translateX3DHErr(err error) error {
	switch {
	case errors.Is(err, x3dh.ErrSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignedPrekey, err)
	case errors.Is(err, crypto.ErrInvalidPublicKey):
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	default:
		return err
	}
}

func translateRatchetErr(err error) error {
	switch {
	case errors.Is(err, ratchet.ErrTooManySkipped):
		return fmt.Errorf("%w: %v", ErrSkipOverflow, err)
	case errors.Is(err, ratchet.ErrDuplicateOrUnknown), errors.Is(err, crypto.ErrAuthenticationFailed):
		return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	default:
		return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
}
