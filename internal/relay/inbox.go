package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/duskline/e2ee/internal/metrics"
)

// Inbox holds envelopes for recipients who are not currently connected to
// any relay node, ordered by arrival time via a Redis ZSET.
type Inbox struct {
	client *redis.Client
}

// QueuedEnvelope is a relay frame held for later delivery. The relay keeps
// only what it needs to redeliver and to persist a status transition; the
// envelope bytes themselves are opaque.
type QueuedEnvelope struct {
	ID        uuid.UUID       `json:"id"`
	From      uuid.UUID       `json:"from"`
	To        uuid.UUID       `json:"to"`
	Frame     json.RawMessage `json:"frame"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewInbox(client *redis.Client) *Inbox {
	return &Inbox{client: client}
}

func inboxKey(userID uuid.UUID) string {
	return "relay:inbox:" + userID.String()
}

// Enqueue holds an envelope for a disconnected recipient, scored by
// timestamp so Pending returns messages oldest-first.
func (i *Inbox) Enqueue(ctx context.Context, userID uuid.UUID, msg *QueuedEnvelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: marshal queued envelope: %w", err)
	}

	err = i.client.ZAdd(ctx, inboxKey(userID), redis.Z{
		Score:  float64(msg.Timestamp.UnixNano()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("relay: enqueue: %w", err)
	}
	metrics.OfflineEnvelopesQueued.Inc()
	return nil
}

// Pending returns every held envelope for a user, oldest first.
func (i *Inbox) Pending(ctx context.Context, userID uuid.UUID) ([]*QueuedEnvelope, error) {
	results, err := i.client.ZRangeByScore(ctx, inboxKey(userID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: pending: %w", err)
	}

	out := make([]*QueuedEnvelope, 0, len(results))
	for _, data := range results {
		var msg QueuedEnvelope
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

// Drain removes every held envelope for a user once they have all been
// handed to a live connection.
func (i *Inbox) Drain(ctx context.Context, userID uuid.UUID) error {
	if err := i.client.Del(ctx, inboxKey(userID)).Err(); err != nil {
		return fmt.Errorf("relay: drain: %w", err)
	}
	return nil
}

// PendingCount reports how many envelopes are held for a user, surfaced
// so operators can watch inboxes growing unbounded.
func (i *Inbox) PendingCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	return i.client.ZCard(ctx, inboxKey(userID)).Result()
}
