// Package relay implements the Message Relay: the opaque store-and-forward
// transport that carries envelopes between Session Managers. It never
// parses, decrypts, or otherwise inspects ciphertext, only routes it.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Status tracks an envelope's delivery lifecycle as observed by the relay,
// never by its contents.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Record is a persisted relay row: the opaque envelope plus the routing
// and lifecycle metadata the relay is allowed to see.
type Record struct {
	ID            uuid.UUID
	From          uuid.UUID
	To            uuid.UUID
	EncryptedBlob []byte
	Timestamp     time.Time
	Status        Status
}

// Store persists relayed envelopes in Postgres for audit and redelivery.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

func OpenStore(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("relay: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("relay: ping: %w", err)
	}

	s := &Store{db: db, logger: log.New(os.Stdout, "[relay] ", log.LstdFlags)}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_messages (
			id UUID PRIMARY KEY,
			sender_id UUID NOT NULL,
			recipient_id UUID NOT NULL,
			encrypted_blob BYTEA NOT NULL,
			encrypted BOOLEAN NOT NULL DEFAULT TRUE,
			status TEXT NOT NULL DEFAULT 'sent',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("relay: schema: %w", err)
	}
	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_relay_messages_recipient
			ON relay_messages (recipient_id, created_at)`)
	if err != nil {
		return fmt.Errorf("relay: schema index: %w", err)
	}
	return nil
}

// Persist records a relayed envelope. The relay stores the wire bytes
// verbatim; it never unmarshals the envelope's ciphertext field.
func (s *Store) Persist(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_messages (id, sender_id, recipient_id, encrypted_blob, encrypted, status, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)`,
		rec.ID, rec.From, rec.To, rec.EncryptedBlob, string(rec.Status), rec.Timestamp)
	if err != nil {
		return fmt.Errorf("relay: persist: %w", err)
	}
	return nil
}

// MarkDelivered transitions a relayed envelope to delivered once the
// recipient's connection has accepted it.
func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE relay_messages SET status = $2 WHERE id = $1 AND status = $3`,
		id, string(StatusDelivered), string(StatusSent))
	return err
}

// History returns the most recent relayed rows between two users, newest
// first, for clients that want to audit what the relay has seen.
func (s *Store) History(ctx context.Context, a, b uuid.UUID, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, encrypted_blob, status, created_at
		FROM relay_messages
		WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at DESC
		LIMIT $3`,
		a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("relay: history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.From, &rec.To, &rec.EncryptedBlob, &status, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("relay: history scan: %w", err)
		}
		rec.Status = Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
