package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 64
)

// Client is one player's live connection. Outbound messages go through a
// buffered channel drained by the write pump; the read pump dispatches
// inbound actions to the gateway.
type Client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte

	closeOnce chan struct{}
}

func newClient(userID string, conn *websocket.Conn) *Client {
	return &Client{
		userID:    userID,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		closeOnce: make(chan struct{}),
	}
}

// trySend queues a message without blocking. A slow client loses events
// rather than stalling the room.
func (c *Client) trySend(ctx context.Context, b []byte) {
	select {
	case c.send <- b:
	case <-c.closeOnce:
	default:
		slog.WarnContext(ctx, "ws: send buffer full, dropping event", "user", c.userID)
	}
}

func (c *Client) closeSend() {
	select {
	case <-c.closeOnce:
	default:
		close(c.closeOnce)
	}
}

func (c *Client) readPump(g *Gateway) {
	defer func() {
		g.hub.unregister(c)
		c.closeSend()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("ws: read failed", "user", c.userID, "error", err)
			}
			return
		}

		g.dispatch(context.Background(), c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}

		case <-c.closeOnce:
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy belongs to the deployment edge.
		return true
	},
}

// HandleConnection upgrades an HTTP request to a player connection. The user
// identity is established upstream (auth is an external collaborator) and
// arrives in the X-User-ID header, or the user_id query parameter for
// browser clients.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws: upgrade failed", "error", err)
		return
	}

	c := newClient(userID, conn)
	g.hub.register(c)

	go c.writePump()
	go c.readPump(g)
}
