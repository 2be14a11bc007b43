// Package store is the sole durable sink for a user's secret cryptographic
// material: identity seed, prekey secret halves, and per-peer session
// records, backed by a single SQLite file per installation and sealed
// under a master key derived from a user passphrase via Argon2id.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/argon2"

	"github.com/duskline/e2ee/internal/crypto"
)

// Errors this package can return. Callers in internal/keymanager and
// internal/session translate these into the user-visible vocabulary.
var (
	ErrNotFound        = errors.New("store: record not found")
	ErrUnknownPrekey   = errors.New("store: unknown prekey id")
	ErrAlreadyConsumed = errors.New("store: one-time prekey already consumed")
	ErrCorrupted       = errors.New("store: record failed to decrypt; store may be corrupted")
)

// KDFParams records the Argon2id parameters used to derive the master key,
// persisted alongside the salt so an existing store can always be reopened.
type KDFParams struct {
	TimeCost    uint32 `json:"time_cost"`
	MemoryKiB   uint32 `json:"memory_kib"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultKDFParams satisfies the minimum bar of the memory-hard KDF policy:
// at least 64 MiB and at least 3 iterations.
var DefaultKDFParams = KDFParams{TimeCost: 3, MemoryKiB: 64 * 1024, Parallelism: 4}

func (p KDFParams) derive(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, p.TimeCost, p.MemoryKiB, p.Parallelism, crypto.KeySize)
}

// Store wraps a SQLite database and the master key used to seal every
// secret column written to it.
type Store struct {
	db        *sql.DB
	masterKey []byte
	logger    *log.Logger
}

// Open opens (creating if absent) the SQLite file at path, ensures the
// schema exists, and derives or loads the master key from passphrase.
func Open(path string, passphrase []byte) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: log.New(os.Stdout, "[store] ", log.LstdFlags)}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadOrCreateMasterKey(passphrase); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	crypto.Wipe(s.masterKey)
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			user_id TEXT NOT NULL,
			master_key_salt BLOB NOT NULL,
			kdf_params TEXT NOT NULL,
			next_one_time_key_id INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS identity (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			seed_enc BLOB NOT NULL,
			seed_nonce BLOB NOT NULL,
			uploaded INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS signed_prekeys (
			key_id INTEGER PRIMARY KEY,
			public_key BLOB NOT NULL,
			secret_key_enc BLOB NOT NULL,
			secret_key_nonce BLOB NOT NULL,
			signature BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			uploaded INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_prekeys (
			key_id INTEGER PRIMARY KEY,
			public_key BLOB NOT NULL,
			secret_key_enc BLOB NOT NULL,
			secret_key_nonce BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			uploaded INTEGER NOT NULL DEFAULT 0,
			consumed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			peer_id TEXT PRIMARY KEY,
			record_enc BLOB NOT NULL,
			record_nonce BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) loadOrCreateMasterKey(passphrase []byte) error {
	row := s.db.QueryRow(`SELECT master_key_salt, kdf_params FROM metadata WHERE id = 1`)
	var salt []byte
	var paramsJSON string
	err := row.Scan(&salt, &paramsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return s.createMasterKey(passphrase)
	}
	if err != nil {
		return fmt.Errorf("store: load master key metadata: %w", err)
	}
	var params KDFParams
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return fmt.Errorf("store: decode kdf params: %w", err)
	}
	s.masterKey = params.derive(passphrase, salt)
	return nil
}

func (s *Store) createMasterKey(passphrase []byte) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("store: generate salt: %w", err)
	}
	params := DefaultKDFParams
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("store: encode kdf params: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO metadata (id, user_id, master_key_salt, kdf_params, next_one_time_key_id) VALUES (1, '', ?, ?, 1)`,
		salt, string(paramsJSON),
	)
	if err != nil {
		return fmt.Errorf("store: persist master key metadata: %w", err)
	}
	s.masterKey = params.derive(passphrase, salt)
	return nil
}

// seal encrypts plaintext under the store's master key with a fresh random
// nonce, returning (ciphertext, nonce).
func (s *Store) seal(plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	nonce, err = crypto.Random(12)
	if err != nil {
		return nil, nil, err
	}
	ct, err := crypto.AEADSeal(s.masterKey, nonce, aad, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return ct, nonce, nil
}

func (s *Store) open(ciphertext, nonce, aad []byte) ([]byte, error) {
	pt, err := crypto.AEADOpen(s.masterKey, nonce, aad, ciphertext)
	if err != nil {
		return nil, ErrCorrupted
	}
	return pt, nil
}

// SetUserID persists the installation's user identifier in metadata.
func (s *Store) SetUserID(userID string) error {
	_, err := s.db.Exec(`UPDATE metadata SET user_id = ? WHERE id = 1`, userID)
	if err != nil {
		return fmt.Errorf("store: set user id: %w", err)
	}
	return nil
}

func (s *Store) UserID() (string, error) {
	var userID string
	err := s.db.QueryRow(`SELECT user_id FROM metadata WHERE id = 1`).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("store: read user id: %w", err)
	}
	return userID, nil
}

// IdentityRecord is the decrypted view of the stored identity seed.
type IdentityRecord struct {
	Seed     []byte
	Uploaded bool
}

func (s *Store) SaveIdentity(seed []byte) error {
	ct, nonce, err := s.seal(seed, []byte("identity"))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO identity (id, seed_enc, seed_nonce, uploaded) VALUES (1, ?, ?, 0)
		 ON CONFLICT(id) DO UPDATE SET seed_enc = excluded.seed_enc, seed_nonce = excluded.seed_nonce`,
		ct, nonce,
	)
	if err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	return nil
}

func (s *Store) LoadIdentity() (*IdentityRecord, error) {
	var ct, nonce []byte
	var uploaded bool
	err := s.db.QueryRow(`SELECT seed_enc, seed_nonce, uploaded FROM identity WHERE id = 1`).Scan(&ct, &nonce, &uploaded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load identity: %w", err)
	}
	seed, err := s.open(ct, nonce, []byte("identity"))
	if err != nil {
		return nil, err
	}
	return &IdentityRecord{Seed: seed, Uploaded: uploaded}, nil
}

func (s *Store) MarkIdentityUploaded() error {
	_, err := s.db.Exec(`UPDATE identity SET uploaded = 1 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("store: mark identity uploaded: %w", err)
	}
	return nil
}

// SignedPrekeyRecord is the decrypted view of a stored signed prekey.
type SignedPrekeyRecord struct {
	KeyID     uint32
	PublicKey []byte
	SecretKey []byte
	Signature []byte
	CreatedAt time.Time
	Uploaded  bool
}

func (s *Store) SaveSignedPrekey(r *SignedPrekeyRecord) error {
	ct, nonce, err := s.seal(r.SecretKey, []byte("signed_prekey"))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO signed_prekeys (key_id, public_key, secret_key_enc, secret_key_nonce, signature, created_at, uploaded)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET uploaded = excluded.uploaded`,
		r.KeyID, r.PublicKey, ct, nonce, r.Signature, r.CreatedAt.Unix(), boolToInt(r.Uploaded),
	)
	if err != nil {
		return fmt.Errorf("store: save signed prekey: %w", err)
	}
	return nil
}

func (s *Store) LoadSignedPrekey(keyID uint32) (*SignedPrekeyRecord, error) {
	var pub, ct, nonce, sig []byte
	var createdAt int64
	var uploaded bool
	err := s.db.QueryRow(
		`SELECT public_key, secret_key_enc, secret_key_nonce, signature, created_at, uploaded
		 FROM signed_prekeys WHERE key_id = ?`, keyID,
	).Scan(&pub, &ct, &nonce, &sig, &createdAt, &uploaded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownPrekey
	}
	if err != nil {
		return nil, fmt.Errorf("store: load signed prekey: %w", err)
	}
	sk, err := s.open(ct, nonce, []byte("signed_prekey"))
	if err != nil {
		return nil, err
	}
	return &SignedPrekeyRecord{
		KeyID: keyID, PublicKey: pub, SecretKey: sk, Signature: sig,
		CreatedAt: time.Unix(createdAt, 0), Uploaded: uploaded,
	}, nil
}

// LatestSignedPrekey returns the most recently created signed prekey, or
// ErrNotFound if none exists.
func (s *Store) LatestSignedPrekey() (*SignedPrekeyRecord, error) {
	var keyID uint32
	err := s.db.QueryRow(`SELECT key_id FROM signed_prekeys ORDER BY created_at DESC LIMIT 1`).Scan(&keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest signed prekey: %w", err)
	}
	return s.LoadSignedPrekey(keyID)
}

// OneTimePrekeyRecord is the decrypted view of a stored one-time prekey.
type OneTimePrekeyRecord struct {
	KeyID     uint32
	PublicKey []byte
	SecretKey []byte
	Consumed  bool
	Uploaded  bool
}

func (s *Store) SaveOneTimePrekey(r *OneTimePrekeyRecord) error {
	ct, nonce, err := s.seal(r.SecretKey, []byte("one_time_prekey"))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO one_time_prekeys (key_id, public_key, secret_key_enc, secret_key_nonce, created_at, uploaded, consumed)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		r.KeyID, r.PublicKey, ct, nonce, time.Now().Unix(), boolToInt(r.Uploaded),
	)
	if err != nil {
		return fmt.Errorf("store: save one-time prekey: %w", err)
	}
	return nil
}

// ConsumeOneTimePrekey atomically marks a one-time prekey consumed and
// returns its secret half. Fails ErrUnknownPrekey if absent,
// ErrAlreadyConsumed if it has already been used once.
func (s *Store) ConsumeOneTimePrekey(keyID uint32) (*OneTimePrekeyRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin consume tx: %w", err)
	}
	defer tx.Rollback()

	var pub, ct, nonce []byte
	var consumed bool
	err = tx.QueryRow(
		`SELECT public_key, secret_key_enc, secret_key_nonce, consumed FROM one_time_prekeys WHERE key_id = ?`, keyID,
	).Scan(&pub, &ct, &nonce, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownPrekey
	}
	if err != nil {
		return nil, fmt.Errorf("store: consume one-time prekey: %w", err)
	}
	if consumed {
		return nil, ErrAlreadyConsumed
	}

	if _, err := tx.Exec(`UPDATE one_time_prekeys SET consumed = 1 WHERE key_id = ?`, keyID); err != nil {
		return nil, fmt.Errorf("store: mark one-time prekey consumed: %w", err)
	}
	sk, err := s.open(ct, nonce, []byte("one_time_prekey"))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit consume tx: %w", err)
	}
	return &OneTimePrekeyRecord{KeyID: keyID, PublicKey: pub, SecretKey: sk, Consumed: true}, nil
}

// UnuploadedSignedPrekeyIDs returns key ids of signed prekeys not yet
// acknowledged by the server.
func (s *Store) UnuploadedSignedPrekeyIDs() ([]uint32, error) {
	rows, err := s.db.Query(`SELECT key_id FROM signed_prekeys WHERE uploaded = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: query unuploaded signed prekeys: %w", err)
	}
	defer rows.Close()
	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan signed prekey id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UnuploadedOneTimePrekeys returns one-time prekeys not yet acknowledged
// by the server (public halves only; no decryption needed for upload).
func (s *Store) UnuploadedOneTimePrekeys() ([]OneTimePrekeyRecord, error) {
	rows, err := s.db.Query(`SELECT key_id, public_key FROM one_time_prekeys WHERE uploaded = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: query unuploaded one-time prekeys: %w", err)
	}
	defer rows.Close()
	var out []OneTimePrekeyRecord
	for rows.Next() {
		var r OneTimePrekeyRecord
		if err := rows.Scan(&r.KeyID, &r.PublicKey); err != nil {
			return nil, fmt.Errorf("store: scan one-time prekey: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkSignedPrekeyUploaded commits an upload acknowledgment for a signed
// prekey id.
func (s *Store) MarkSignedPrekeyUploaded(keyID uint32) error {
	_, err := s.db.Exec(`UPDATE signed_prekeys SET uploaded = 1 WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("store: mark signed prekey uploaded: %w", err)
	}
	return nil
}

// MarkOneTimePrekeyUploaded commits an upload acknowledgment for a
// one-time prekey id.
func (s *Store) MarkOneTimePrekeyUploaded(keyID uint32) error {
	_, err := s.db.Exec(`UPDATE one_time_prekeys SET uploaded = 1 WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("store: mark one-time prekey uploaded: %w", err)
	}
	return nil
}

// CountUnconsumedOneTime returns the number of one-time prekeys not yet
// consumed.
func (s *Store) CountUnconsumedOneTime() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM one_time_prekeys WHERE consumed = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count one-time prekeys: %w", err)
	}
	return count, nil
}

// NextOneTimeKeyID atomically reserves and returns the next one-time
// prekey id, advancing the counter in metadata.
func (s *Store) NextOneTimeKeyID() (uint32, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin next key id tx: %w", err)
	}
	defer tx.Rollback()

	var next uint32
	if err := tx.QueryRow(`SELECT next_one_time_key_id FROM metadata WHERE id = 1`).Scan(&next); err != nil {
		return 0, fmt.Errorf("store: read next key id: %w", err)
	}
	if _, err := tx.Exec(`UPDATE metadata SET next_one_time_key_id = ? WHERE id = 1`, next+1); err != nil {
		return 0, fmt.Errorf("store: advance next key id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit next key id tx: %w", err)
	}
	return next, nil
}

// SessionBlob is the opaque encrypted payload for a SessionRecord; the
// session package owns serialization of the record itself.
type SessionBlob struct {
	PeerID    string
	Plaintext []byte
}

func (s *Store) SaveSession(peerID string, plaintext []byte) error {
	ct, nonce, err := s.seal(plaintext, []byte("session:"+peerID))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (peer_id, record_enc, record_nonce, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET record_enc = excluded.record_enc, record_nonce = excluded.record_nonce, updated_at = excluded.updated_at`,
		peerID, ct, nonce, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", peerID, err)
	}
	return nil
}

func (s *Store) LoadSession(peerID string) ([]byte, error) {
	var ct, nonce []byte
	err := s.db.QueryRow(`SELECT record_enc, record_nonce FROM sessions WHERE peer_id = ?`, peerID).Scan(&ct, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session %s: %w", peerID, err)
	}
	return s.open(ct, nonce, []byte("session:"+peerID))
}

func (s *Store) DeleteSession(peerID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("store: delete session %s: %w", peerID, err)
	}
	return nil
}

func (s *Store) ListSessionPeerIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT peer_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var peerID string
		if err := rows.Scan(&peerID); err != nil {
			return nil, fmt.Errorf("store: scan session peer id: %w", err)
		}
		peers = append(peers, peerID)
	}
	return peers, rows.Err()
}

// CleanupOlderThan deletes sessions whose last update predates cutoff.
func (s *Store) CleanupOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: cleanup sessions: %w", err)
	}
	return res.RowsAffected()
}

// Reset wipes all stored key material and sessions. The metadata row is
// kept (with its counter and user id cleared) so the master key derived at
// Open stays valid and a subsequent Initialize can start from a fresh seed
// without reopening the store.
func (s *Store) Reset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin reset tx: %w", err)
	}
	defer tx.Rollback()

	tables := []string{"sessions", "one_time_prekeys", "signed_prekeys", "identity"}
	for _, t := range tables {
		if _, err := tx.Exec("DELETE FROM " + t); err != nil {
			return fmt.Errorf("store: reset %s: %w", t, err)
		}
	}
	if _, err := tx.Exec(`UPDATE metadata SET user_id = '', next_one_time_key_id = 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("store: reset metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit reset tx: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
