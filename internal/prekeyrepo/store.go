// Package prekeyrepo implements the Prekey Repository: the server-side
// directory that lets two parties bootstrap an X3DH key agreement without
// ever being online at the same time. It never sees a private key, a
// plaintext message, or anything beyond what a user already published for
// anyone to fetch.
package prekeyrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

var (
	ErrNotFound          = errors.New("prekeyrepo: identity not found")
	ErrUploadTooLarge    = errors.New("prekeyrepo: one-time prekey batch exceeds per-upload limit")
	ErrUnconsumedTooMany = errors.New("prekeyrepo: unconsumed one-time prekeys exceed the per-user cap")
)

// SignedPrekey is a server-stored, signed medium-term public key.
type SignedPrekey struct {
	KeyID     uint32
	PublicKey []byte
	Signature []byte
}

// OneTimePrekey is a server-stored single-use public key.
type OneTimePrekey struct {
	KeyID     uint32
	PublicKey []byte
}

// Bundle is everything a peer needs to run the initiator side of X3DH
// against this user, with at most one one-time prekey attached.
type Bundle struct {
	IdentityKey   []byte
	SigningKey    []byte
	SignedPrekey  SignedPrekey
	OneTimePrekey *OneTimePrekey
}

// Store persists published prekey material in Postgres.
type Store struct {
	db     *sql.DB
	logger *log.Logger

	maxUploadBatch     int
	maxUnconsumedTotal int
}

func Open(connStr string, maxUploadBatch, maxUnconsumedTotal int) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("prekeyrepo: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("prekeyrepo: ping: %w", err)
	}

	s := &Store{
		db:                 db,
		logger:             log.New(os.Stdout, "[prekeyrepo] ", log.LstdFlags),
		maxUploadBatch:     maxUploadBatch,
		maxUnconsumedTotal: maxUnconsumedTotal,
	}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prekey_identities (
			user_id UUID PRIMARY KEY,
			identity_key BYTEA NOT NULL,
			signing_key BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS signed_prekeys (
			user_id UUID NOT NULL REFERENCES prekey_identities(user_id) ON DELETE CASCADE,
			key_id BIGINT NOT NULL,
			public_key BYTEA NOT NULL,
			signature BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, key_id)
		)`,
		`CREATE TABLE IF NOT EXISTS current_signed_prekey (
			user_id UUID PRIMARY KEY REFERENCES prekey_identities(user_id) ON DELETE CASCADE,
			key_id BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_prekeys (
			user_id UUID NOT NULL REFERENCES prekey_identities(user_id) ON DELETE CASCADE,
			key_id BIGINT NOT NULL,
			public_key BYTEA NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (user_id, key_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_one_time_prekeys_unconsumed
			ON one_time_prekeys (user_id) WHERE NOT consumed`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("prekeyrepo: schema: %w", err)
		}
	}
	return nil
}

// Upload publishes (or replaces) a user's identity, signed prekey, and a
// batch of one-time prekeys in a single transaction. The one-time batch is
// rejected wholesale if it would push the user's unconsumed total above the
// configured cap, or if the batch itself exceeds the per-upload limit.
func (s *Store) Upload(ctx context.Context, userID uuid.UUID, identityKey, signingKey []byte, signed SignedPrekey, oneTime []OneTimePrekey) error {
	if len(oneTime) > s.maxUploadBatch {
		return ErrUploadTooLarge
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("prekeyrepo: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO prekey_identities (user_id, identity_key, signing_key, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			identity_key = $2, signing_key = $3, updated_at = NOW()`,
		userID, identityKey, signingKey)
	if err != nil {
		return fmt.Errorf("prekeyrepo: upsert identity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signed_prekeys (user_id, key_id, public_key, signature)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, key_id) DO NOTHING`,
		userID, signed.KeyID, signed.PublicKey, signed.Signature)
	if err != nil {
		return fmt.Errorf("prekeyrepo: insert signed prekey: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO current_signed_prekey (user_id, key_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET key_id = $2`,
		userID, signed.KeyID)
	if err != nil {
		return fmt.Errorf("prekeyrepo: set current signed prekey: %w", err)
	}

	if len(oneTime) > 0 {
		var unconsumed int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM one_time_prekeys WHERE user_id = $1 AND NOT consumed`,
			userID).Scan(&unconsumed); err != nil {
			return fmt.Errorf("prekeyrepo: count unconsumed: %w", err)
		}
		if unconsumed+len(oneTime) > s.maxUnconsumedTotal {
			return ErrUnconsumedTooMany
		}

		for _, otk := range oneTime {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO one_time_prekeys (user_id, key_id, public_key, consumed)
				VALUES ($1, $2, $3, FALSE)
				ON CONFLICT (user_id, key_id) DO NOTHING`,
				userID, otk.KeyID, otk.PublicKey); err != nil {
				return fmt.Errorf("prekeyrepo: insert one-time prekey: %w", err)
			}
		}
	}

	return tx.Commit()
}

// FetchBundle returns a peer's current prekey bundle, atomically consuming
// one unconsumed one-time prekey if one is available. The identity and
// signed prekey are reusable across many fetches; the one-time prekey, if
// present, is never returned twice.
func (s *Store) FetchBundle(ctx context.Context, userID uuid.UUID) (*Bundle, error) {
	var identityKey, signingKey []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT identity_key, signing_key FROM prekey_identities WHERE user_id = $1`,
		userID).Scan(&identityKey, &signingKey)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("prekeyrepo: load identity: %w", err)
	}

	var signed SignedPrekey
	var keyID int64
	err = s.db.QueryRowContext(ctx, `
		SELECT sp.key_id, sp.public_key, sp.signature
		FROM current_signed_prekey cur
		JOIN signed_prekeys sp ON sp.user_id = cur.user_id AND sp.key_id = cur.key_id
		WHERE cur.user_id = $1`,
		userID).Scan(&keyID, &signed.PublicKey, &signed.Signature)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("prekeyrepo: load signed prekey: %w", err)
	}
	signed.KeyID = uint32(keyID)

	bundle := &Bundle{IdentityKey: identityKey, SigningKey: signingKey, SignedPrekey: signed}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bundle, nil
	}
	defer func() { _ = tx.Rollback() }()

	var otkKeyID int64
	var otkPublic []byte
	err = tx.QueryRowContext(ctx, `
		UPDATE one_time_prekeys SET consumed = TRUE
		WHERE (user_id, key_id) = (
			SELECT user_id, key_id FROM one_time_prekeys
			WHERE user_id = $1 AND NOT consumed
			ORDER BY key_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING key_id, public_key`,
		userID).Scan(&otkKeyID, &otkPublic)
	if err == sql.ErrNoRows {
		return bundle, nil
	}
	if err != nil {
		s.logger.Printf("warning: failed to consume one-time prekey for %s: %v", userID, err)
		return bundle, nil
	}
	if err := tx.Commit(); err != nil {
		return bundle, nil
	}

	bundle.OneTimePrekey = &OneTimePrekey{KeyID: uint32(otkKeyID), PublicKey: otkPublic}
	return bundle, nil
}

// CountUnconsumed returns how many one-time prekeys remain unconsumed for a
// user, surfaced as a metric so operators can see pools draining.
func (s *Store) CountUnconsumed(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM one_time_prekeys WHERE user_id = $1 AND NOT consumed`,
		userID).Scan(&count)
	return count, err
}
