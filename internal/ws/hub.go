package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Notification is the envelope for every outbound realtime event.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub tracks live connections and room membership. It maintains an explicit
// bidirectional index between user IDs and connections, so the engine can
// reach a player without scanning every socket.
//
// The hub is the engine's Broadcaster: delivery is best-effort and
// non-blocking. A member with a full send buffer or no live connection is
// skipped; gameplay never waits on a slow client.
type Hub struct {
	mu sync.RWMutex

	// userID <-> connection. One live connection per user; a reconnect
	// replaces the previous one.
	byUser map[string]*Client

	// roomCode -> member user IDs. Transport-level membership only: the game
	// aggregate owns who is playing.
	rooms map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		byUser: make(map[string]*Client),
		rooms:  make(map[string]map[string]struct{}),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.byUser[c.userID]; ok {
		prev.closeSend()
	}
	h.byUser[c.userID] = c
}

// unregister drops the connection from the index. Room membership and game
// state are untouched: a disconnected player is still in the game until they
// explicitly leave.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.byUser[c.userID]; ok && cur == c {
		delete(h.byUser, c.userID)
	}
}

func (h *Hub) joinRoom(roomCode, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomCode]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[roomCode] = members
	}
	members[userID] = struct{}{}
}

func (h *Hub) leaveRoom(roomCode, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[roomCode]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(h.rooms, roomCode)
		}
	}
}

// ToRoom delivers an event to every connected member of a room.
func (h *Hub) ToRoom(ctx context.Context, roomCode, event string, data any) {
	b, err := json.Marshal(Notification{Event: event, Data: data})
	if err != nil {
		slog.ErrorContext(ctx, "ws: marshal notification failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for userID := range h.rooms[roomCode] {
		if c, ok := h.byUser[userID]; ok {
			c.trySend(ctx, b)
		}
	}
}

// ToUser delivers an event to a single player, if connected.
func (h *Hub) ToUser(ctx context.Context, userID, event string, data any) {
	b, err := json.Marshal(Notification{Event: event, Data: data})
	if err != nil {
		slog.ErrorContext(ctx, "ws: marshal notification failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if c, ok := h.byUser[userID]; ok {
		c.trySend(ctx, b)
	}
}
