package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Broker fans relayed frames out across relay nodes over Redis pub/sub, so
// a sender connected to one node can reach a recipient connected to
// another without either node knowing about the other's connections.
type Broker struct {
	client *redis.Client
	logger *log.Logger
}

// Delivery is the payload published for a single recipient. Every relay
// node receives every Delivery through its pattern subscription and drops
// it when it isn't holding a connection for To; the publish itself does
// not report whether any node delivered it, which is why direct delivery
// always falls back to the Inbox as well.
type Delivery struct {
	ID    uuid.UUID       `json:"id"`
	From  uuid.UUID       `json:"from"`
	To    uuid.UUID       `json:"to"`
	Frame json.RawMessage `json:"frame"`
}

func NewBroker(addr string) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("relay: connect redis: %w", err)
	}

	return &Broker{
		client: client,
		logger: log.New(os.Stdout, "[relay-broker] ", log.LstdFlags),
	}, nil
}

func (b *Broker) Client() *redis.Client { return b.client }

func (b *Broker) Close() error { return b.client.Close() }

func deliveryChannel(userID uuid.UUID) string {
	return "relay:deliver:" + userID.String()
}

// Publish fans a frame out to whichever relay node holds To's connection.
// It retries a fixed number of times before giving up, matching the
// at-least-once delivery this transport promises.
func (b *Broker) Publish(ctx context.Context, d *Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("relay: marshal delivery: %w", err)
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := b.client.Publish(ctx, deliveryChannel(d.To), data).Err(); err != nil {
			lastErr = err
			b.logger.Printf("publish attempt %d/%d failed: %v", attempt, maxAttempts, err)
			time.Sleep(time.Duration(attempt*100) * time.Millisecond)
			continue
		}
		return nil
	}
	return fmt.Errorf("relay: publish after %d attempts: %w", maxAttempts, lastErr)
}

// Receiver is the callback a Hub registers to accept deliveries that
// arrive over the broker rather than from a directly connected client.
type Receiver interface {
	DeliverFromBroker(d *Delivery)
}

// Subscribe listens on the global delivery pattern and forwards every
// message to the hub, which decides whether it currently holds that
// recipient's connection.
func (b *Broker) Subscribe(ctx context.Context, r Receiver) {
	sub := b.client.PSubscribe(ctx, "relay:deliver:*")
	defer func() {
		if err := sub.Close(); err != nil {
			b.logger.Printf("warning: failed to close subscription: %v", err)
		}
	}()

	ch := sub.Channel()
	for msg := range ch {
		var d Delivery
		if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
			b.logger.Printf("failed to parse delivery: %v", err)
			continue
		}
		r.DeliverFromBroker(&d)
	}
}
