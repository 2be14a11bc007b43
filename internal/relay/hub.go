package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/e2ee/internal/metrics"
	"github.com/duskline/e2ee/internal/wire"
)

const (
	maxConnectionsPerUser = 5
	maxTotalConnections   = 10000
)

// Hub is the relay's connection registry and routing loop for one node.
// It only ever reads a frame's shape, never its ciphertext.
type Hub struct {
	serverID string

	clients map[uuid.UUID]map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client

	store  *Store
	inbox  *Inbox
	broker *Broker

	totalConnections int32
	shutdown         chan struct{}
}

func NewHub(serverID string, store *Store, inbox *Inbox, broker *Broker) *Hub {
	return &Hub{
		serverID:   serverID,
		clients:    make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		store:      store,
		inbox:      inbox,
		broker:     broker,
		shutdown:   make(chan struct{}),
	}
}

// Run drives the hub's registration loop. Frame routing happens directly
// off each client's ReadPump goroutine via route, since unlike a chat
// server a relay has no shared state (no groups, no presence) that needs
// serializing through a single loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case <-h.shutdown:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) Shutdown() { close(h.shutdown) }

func (h *Hub) Register(client *Client) { h.register <- client }

func (h *Hub) Unregister(client *Client) { h.unregister <- client }

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if atomic.LoadInt32(&h.totalConnections) >= maxTotalConnections {
		h.mu.Unlock()
		log.Printf("relay: max total connections reached, rejecting user=%s", client.UserID)
		close(client.send)
		return
	}
	if existing, ok := h.clients[client.UserID]; ok && len(existing) >= maxConnectionsPerUser {
		h.mu.Unlock()
		log.Printf("relay: max connections per user reached for user=%s", client.UserID)
		close(client.send)
		return
	}

	if _, ok := h.clients[client.UserID]; !ok {
		h.clients[client.UserID] = make(map[*Client]bool)
	}
	h.clients[client.UserID][client] = true
	atomic.AddInt32(&h.totalConnections, 1)
	h.mu.Unlock()

	metrics.WebSocketConnections.WithLabelValues(h.serverID).Set(float64(atomic.LoadInt32(&h.totalConnections)))
	log.Printf("relay: client registered user=%s server=%s", client.UserID, h.serverID)

	go h.flushInbox(client)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if userClients, ok := h.clients[client.UserID]; ok {
		if _, ok := userClients[client]; ok {
			delete(userClients, client)
			close(client.send)
			atomic.AddInt32(&h.totalConnections, -1)
			if len(userClients) == 0 {
				delete(h.clients, client.UserID)
			}
		}
	}
	metrics.WebSocketConnections.WithLabelValues(h.serverID).Set(float64(atomic.LoadInt32(&h.totalConnections)))
	log.Printf("relay: client unregistered user=%s", client.UserID)
}

// route handles one inbound frame from a connected client: validates its
// shape, persists it, and attempts immediate delivery before falling
// back to the offline inbox.
func (h *Hub) route(sender *Client, frame *wire.RelayFrame) {
	if frame.Type != "message" {
		sender.sendError("unsupported frame type")
		return
	}

	recipientID, err := uuid.Parse(frame.Payload.To)
	if err != nil {
		sender.sendError("invalid recipient")
		return
	}

	var envelope wire.Envelope
	if err := json.Unmarshal(frame.Payload.Content, &envelope); err != nil {
		sender.sendError("malformed envelope")
		return
	}
	if err := wire.ValidateShape(&envelope); err != nil {
		sender.sendError("envelope failed structural validation")
		return
	}

	metrics.RelayEnvelopesTotal.WithLabelValues("inbound").Inc()

	id := uuid.New()
	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.store.Persist(ctx, &Record{
		ID:            id,
		From:          sender.UserID,
		To:            recipientID,
		EncryptedBlob: frame.Payload.Content,
		Timestamp:     now,
		Status:        StatusSent,
	}); err != nil {
		log.Printf("relay: failed to persist envelope %s: %v", id, err)
		sender.sendError("failed to store envelope")
		return
	}

	h.deliver(ctx, id, sender.UserID, recipientID, frame.Payload.Content, now)
}

// deliver attempts local delivery; when that misses, it publishes for
// cross-node delivery via the broker (if one is configured) and also
// queues the envelope in the offline inbox, since the publish does not
// report whether any node delivered it.
func (h *Hub) deliver(ctx context.Context, id uuid.UUID, from, to uuid.UUID, content json.RawMessage, sentAt time.Time) {
	outFrame := wire.NewMessageFrame(from.String(), content)
	data, err := json.Marshal(outFrame)
	if err != nil {
		log.Printf("relay: failed to marshal outbound frame: %v", err)
		return
	}

	if h.deliverLocal(to, data) {
		metrics.RecordDeliveryLatency("immediate", time.Since(sentAt))
		_ = h.store.MarkDelivered(ctx, id)
		metrics.RelayEnvelopesTotal.WithLabelValues("outbound").Inc()
		return
	}

	if h.broker != nil {
		if err := h.broker.Publish(ctx, &Delivery{ID: id, From: from, To: to, Frame: content}); err == nil {
			// Another node may be holding the connection; the inbox
			// fallback below still runs so delivery is never lost if no
			// node is actually holding it.
			metrics.RecordDeliveryLatency("immediate", time.Since(sentAt))
		}
	}

	if err := h.inbox.Enqueue(ctx, to, &QueuedEnvelope{ID: id, From: from, To: to, Frame: content, Timestamp: sentAt}); err != nil {
		log.Printf("relay: failed to queue offline envelope %s: %v", id, err)
	}
}

func (h *Hub) deliverLocal(userID uuid.UUID, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.clients[userID]
	if !ok || len(clients) == 0 {
		return false
	}
	for c := range clients {
		select {
		case c.send <- data:
		default:
			log.Printf("relay: send buffer full for user=%s, dropping frame", userID)
		}
	}
	return true
}

// flushInbox delivers everything held for a user the moment they connect.
func (h *Hub) flushInbox(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pending, err := h.inbox.Pending(ctx, client.UserID)
	if err != nil {
		log.Printf("relay: failed to read inbox for user=%s: %v", client.UserID, err)
		return
	}
	if len(pending) == 0 {
		return
	}

	for _, msg := range pending {
		outFrame := wire.NewMessageFrame(msg.From.String(), msg.Frame)
		data, err := json.Marshal(outFrame)
		if err != nil {
			continue
		}
		select {
		case client.send <- data:
			metrics.RecordDeliveryLatency("offline", time.Since(msg.Timestamp))
			metrics.OfflineEnvelopesDelivered.Inc()
			_ = h.store.MarkDelivered(ctx, msg.ID)
		default:
			return
		}
	}

	if err := h.inbox.Drain(ctx, client.UserID); err != nil {
		log.Printf("relay: failed to drain inbox for user=%s: %v", client.UserID, err)
	}
}

// DeliverFromBroker accepts a delivery relayed from another node over the
// broker, delivering it locally if this node currently holds the
// recipient's connection.
func (h *Hub) DeliverFromBroker(d *Delivery) {
	outFrame := wire.NewMessageFrame(d.From.String(), d.Frame)
	data, err := json.Marshal(outFrame)
	if err != nil {
		return
	}
	h.deliverLocal(d.To, data)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for c := range clients {
			close(c.send)
		}
	}
	h.clients = make(map[uuid.UUID]map[*Client]bool)
}
