package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/brainbrawler/brainbrawler/internal/domain"
	"github.com/brainbrawler/brainbrawler/internal/engine"
	"github.com/brainbrawler/brainbrawler/internal/errors"
)

// Inbound action names.
const (
	ActionCreateRoom   = "create-room"
	ActionJoinRoom     = "join-room"
	ActionStartGame    = "start-game"
	ActionSubmitAnswer = "submit-answer"
	ActionLeaveRoom    = "leave-room"
)

// GameEngine is the slice of the session state machine the gateway drives.
type GameEngine interface {
	CreateRoom(ctx context.Context, req engine.CreateRoomRequest) (*domain.Game, error)
	JoinRoom(ctx context.Context, req engine.JoinRoomRequest) (*domain.Game, error)
	StartGame(ctx context.Context, req engine.StartGameRequest) error
	SubmitAnswer(ctx context.Context, req engine.SubmitAnswerRequest) (*domain.AnswerRecord, error)
	LeaveRoom(ctx context.Context, req engine.LeaveRoomRequest) error
}

type Config struct {
	Engine GameEngine
	Hub    *Hub
}

// Gateway translates between the realtime transport and the state machine:
// inbound player actions become engine calls, engine errors become error
// events on the acting player's connection only.
type Gateway struct {
	engine GameEngine
	hub    *Hub
}

func New(c Config) *Gateway {
	return &Gateway{
		engine: c.Engine,
		hub:    c.Hub,
	}
}

// Hub returns the hub for wiring as the engine's broadcaster.
func (g *Gateway) Hub() *Hub { return g.hub }

type inboundMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type actionPayload struct {
	RoomCode      string `json:"roomCode"`
	QuestionSetID string `json:"questionSetId"`
	QuestionID    string `json:"questionId"`
	Answer        int    `json:"answer"`
	// Timestamp is the client's answer time, epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendError(ctx, c.userID, "malformed message")
		return
	}

	var p actionPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			g.sendError(ctx, c.userID, "malformed payload")
			return
		}
	}

	switch msg.Action {
	case ActionCreateRoom:
		g.createRoom(ctx, c, p)
	case ActionJoinRoom:
		g.joinRoom(ctx, c, p)
	case ActionStartGame:
		g.startGame(ctx, c, p)
	case ActionSubmitAnswer:
		g.submitAnswer(ctx, c, p)
	case ActionLeaveRoom:
		g.leaveRoom(ctx, c, p)
	default:
		g.sendError(ctx, c.userID, "unknown action: "+msg.Action)
	}
}

func (g *Gateway) createRoom(ctx context.Context, c *Client, p actionPayload) {
	room, err := g.engine.CreateRoom(ctx, engine.CreateRoomRequest{
		UserID:        c.userID,
		QuestionSetID: p.QuestionSetID,
	})
	if err != nil {
		g.actionFailed(ctx, c.userID, ActionCreateRoom, err)
		return
	}

	g.hub.joinRoom(room.RoomCode, c.userID)

	g.hub.ToUser(ctx, c.userID, engine.EventRoomCreated, engine.RoomCreatedPayload{
		RoomCode:        room.RoomCode,
		GameID:          room.GameID,
		QuestionSet:     room.QuestionSet,
		MaxPlayers:      room.MaxPlayers,
		TimePerQuestion: room.TimePerQuestion,
	})
}

func (g *Gateway) joinRoom(ctx context.Context, c *Client, p actionPayload) {
	room, err := g.engine.JoinRoom(ctx, engine.JoinRoomRequest{
		UserID:   c.userID,
		RoomCode: p.RoomCode,
	})
	if err != nil {
		g.actionFailed(ctx, c.userID, ActionJoinRoom, err)
		return
	}

	g.hub.joinRoom(room.RoomCode, c.userID)

	g.hub.ToRoom(ctx, room.RoomCode, engine.EventPlayerJoined, engine.PlayerJoinedPayload{
		RoomCode:    room.RoomCode,
		UserID:      c.userID,
		Status:      room.Status,
		Players:     room.Players,
		QuestionSet: room.QuestionSet,
		MaxPlayers:  room.MaxPlayers,
	})
}

func (g *Gateway) startGame(ctx context.Context, c *Client, p actionPayload) {
	if err := g.engine.StartGame(ctx, engine.StartGameRequest{
		UserID:   c.userID,
		RoomCode: p.RoomCode,
	}); err != nil {
		g.actionFailed(ctx, c.userID, ActionStartGame, err)
	}
}

func (g *Gateway) submitAnswer(ctx context.Context, c *Client, p actionPayload) {
	submitTime := time.UnixMilli(p.Timestamp)
	if p.Timestamp == 0 {
		submitTime = time.Now()
	}

	_, err := g.engine.SubmitAnswer(ctx, engine.SubmitAnswerRequest{
		UserID:     c.userID,
		RoomCode:   p.RoomCode,
		QuestionID: p.QuestionID,
		Answer:     p.Answer,
		SubmitTime: submitTime,
	})
	if err != nil {
		// Rejected submissions (stale, duplicate, closed question) are not
		// fatal to the client; log and move on.
		slog.DebugContext(ctx, "ws: answer rejected", "user", c.userID, "room", p.RoomCode, "error", err)
	}
}

func (g *Gateway) leaveRoom(ctx context.Context, c *Client, p actionPayload) {
	if err := g.engine.LeaveRoom(ctx, engine.LeaveRoomRequest{
		UserID:   c.userID,
		RoomCode: p.RoomCode,
	}); err != nil {
		g.actionFailed(ctx, c.userID, ActionLeaveRoom, err)
		return
	}
	g.hub.leaveRoom(p.RoomCode, c.userID)
}

func (g *Gateway) actionFailed(ctx context.Context, userID, action string, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(ctx, "ws: action failed", "user", userID, "action", action, "error", err)
	}
	g.sendError(ctx, userID, e.Message)
}

func (g *Gateway) sendError(ctx context.Context, userID, message string) {
	g.hub.ToUser(ctx, userID, engine.EventError, map[string]string{"message": message})
}
