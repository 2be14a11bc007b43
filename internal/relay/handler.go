package relay

import (
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/duskline/e2ee/internal/authn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		if os.Getenv("DEV_MODE") == "true" {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin != ""
	},
}

// tokenFromRequest extracts a bearer token from the Authorization header,
// plus a query-param fallback: browsers cannot set a custom header
// during the WebSocket handshake, so ?token=... is the standard escape
// hatch for that one request. Unlike the HTTP middleware, a header without
// a "Bearer " prefix is not rejected here: its whole value is returned as
// the token and left to token validation.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return header
	}
	return r.URL.Query().Get("token")
}

// ServeWS upgrades an authenticated HTTP request to a relay connection: it
// validates the bearer token itself, rather than running behind
// Authenticator.Middleware, because the token frequently arrives as a
// query parameter instead of a header on this one endpoint.
func ServeWS(hub *Hub, authenticator *authn.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}

		claims, err := authenticator.ValidateToken(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		client := NewClient(hub, conn, claims.UserID)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
