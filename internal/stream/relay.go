package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/brainbrawler/brainbrawler/internal/domain"
	"github.com/brainbrawler/brainbrawler/internal/event"
)

// External topics. Downstream consumers (analytics, moderation) subscribe to
// these; gameplay never depends on them.
const (
	TopicRoomEvents   = "room-events"
	TopicPlayerEvents = "player-events"
	TopicAnswerEvents = "answer-events"
)

// Publisher is the slice of a NATS connection the relay uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type Config struct {
	EventBus *event.Bus
	Conn     Publisher
}

// Relay forwards domain events from the in-process bus to the external
// message stream. Delivery is fire-and-forget: a publish failure is logged
// and never surfaces to gameplay.
type Relay struct {
	conn Publisher
}

// Message is the wire envelope for every stream event.
type Message struct {
	Type      string    `json:"type"`
	RoomCode  string    `json:"roomCode"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

func NewRelay(c Config) *Relay {
	r := &Relay{conn: c.Conn}

	c.EventBus.Subscribe(domain.EventNameRoomCreated, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventRoomCreated)
		return r.publish(ctx, TopicRoomEvents, Message{
			Type:      "ROOM_CREATED",
			RoomCode:  ev.RoomCode,
			UserID:    ev.UserID,
			Timestamp: ev.Time,
			Data: map[string]any{
				"gameId":      ev.Game.GameID,
				"questionSet": ev.Game.QuestionSet,
				"maxPlayers":  ev.Game.MaxPlayers,
			},
		})
	})

	c.EventBus.Subscribe(domain.EventNamePlayerJoined, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventPlayerJoined)
		return r.publish(ctx, TopicPlayerEvents, Message{
			Type:      "PLAYER_JOINED",
			RoomCode:  ev.RoomCode,
			UserID:    ev.UserID,
			Timestamp: ev.Time,
		})
	})

	c.EventBus.Subscribe(domain.EventNamePlayerLeft, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventPlayerLeft)
		return r.publish(ctx, TopicPlayerEvents, Message{
			Type:      "PLAYER_LEFT",
			RoomCode:  ev.RoomCode,
			UserID:    ev.UserID,
			Timestamp: ev.Time,
		})
	})

	c.EventBus.Subscribe(domain.EventNameAnswerSubmitted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventAnswerSubmitted)
		return r.publish(ctx, TopicAnswerEvents, Message{
			Type:      "ANSWER_SUBMITTED",
			RoomCode:  ev.RoomCode,
			UserID:    ev.UserID,
			Timestamp: ev.Time,
			Data: map[string]any{
				"questionId": ev.QuestionID,
				"answer":     ev.Answer,
			},
		})
	})

	return r
}

func (r *Relay) publish(ctx context.Context, topic string, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("stream: marshal %s: %v", m.Type, err)
	}

	if err := r.conn.Publish(topic, b); err != nil {
		// Best-effort only: the bus logs this and gameplay is unaffected.
		return fmt.Errorf("stream: publish %s to %s: %w", m.Type, topic, err)
	}

	slog.DebugContext(ctx, "stream: published", "topic", topic, "type", m.Type, "room", m.RoomCode)
	return nil
}

// Connect dials NATS with reconnect handling suitable for a best-effort
// stream: the engine keeps running through outages.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Error("stream: nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("stream: nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
}
