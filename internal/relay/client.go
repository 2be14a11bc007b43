package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duskline/e2ee/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 * 1024 * 1024
	tokenRefillSec = 50
	tokenBurstCap  = 200
)

// Client wraps one relay connection. It knows only the connected user's
// identity and a send buffer; it never sees the envelopes it carries in
// decoded form.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	UserID uuid.UUID

	tokenMu    sync.Mutex
	tokens     int
	lastRefill time.Time
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		UserID:     userID,
		tokens:     tokenBurstCap,
		lastRefill: time.Now(),
	}
}

// canSend enforces a 50 frame/sec token-bucket with a 200 frame burst
// cap per connection, independent of any per-user HTTP rate limiter.
func (c *Client) canSend() bool {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	elapsed := time.Since(c.lastRefill)
	refill := int(elapsed.Seconds() * tokenRefillSec)
	if refill > 0 {
		c.tokens = min(c.tokens+refill, tokenBurstCap)
		c.lastRefill = time.Now()
	}

	if c.tokens <= 0 {
		return false
	}
	c.tokens--
	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ReadPump pumps frames from the connection to the hub for routing.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		if err := c.conn.Close(); err != nil {
			log.Printf("relay: warning: failed to close connection: %v", err)
		}
	}()

	c.conn.SetReadLimit(maxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("relay: warning: failed to set read deadline: %v", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("relay: connection error for user=%s: %v", c.UserID, err)
			}
			break
		}

		if !c.canSend() {
			c.sendError("rate limit exceeded, slow down")
			continue
		}

		var frame wire.RelayFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}

		c.hub.route(c, &frame)
	}
}

func (c *Client) sendError(message string) {
	b, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	select {
	case c.send <- b:
	default:
	}
}

// WritePump pumps frames from the hub to the connection, one message per
// text frame, and keeps the connection alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			log.Printf("relay: warning: failed to close connection: %v", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("relay: warning: failed to set write deadline: %v", err)
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				_ = w.Close()
				return
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("relay: warning: failed to set write deadline: %v", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
