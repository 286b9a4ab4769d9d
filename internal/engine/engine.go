package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/brainbrawler/brainbrawler/internal/domain"
	"github.com/brainbrawler/brainbrawler/internal/errors"
	"github.com/brainbrawler/brainbrawler/internal/event"
	"github.com/brainbrawler/brainbrawler/internal/game"
	"github.com/brainbrawler/brainbrawler/internal/state"
)

const (
	defaultTimePerQuestion = 15
	defaultMaxPlayers      = 8

	startCountdown   = 3 * time.Second
	nextQuestionIn   = 5 * time.Second
	purgeGracePeriod = 5 * time.Minute
	callbackTimeout  = 30 * time.Second

	roomCodeLen      = 6
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodeRetries  = 5
)

// Broadcaster delivers outbound events to room members. Delivery is
// best-effort and must never block gameplay.
type Broadcaster interface {
	ToRoom(ctx context.Context, roomCode, event string, data any)
	ToUser(ctx context.Context, userID, event string, data any)
}

// Repository is the durable side of a room (see game.Repository).
type Repository interface {
	GetQuestionSet(ctx context.Context, questionSetID string) (domain.QuestionSetInfo, []domain.Question, error)
	CreateRoom(ctx context.Context, p game.CreateRoomParams) error
	MarkStarting(ctx context.Context, roomCode string, startedAt time.Time) error
	MarkQuestion(ctx context.Context, roomCode string, currentQuestion int) error
	MarkFinished(ctx context.Context, roomCode string, endedAt time.Time) error
}

// Persister hands finished games off to durable storage (see result.Persister).
type Persister interface {
	Persist(ctx context.Context, results []domain.GameResult)
}

type Config struct {
	Store     *state.Store
	Repo      Repository
	Results   Persister
	Broadcast Broadcaster
	EventBus  *event.Bus
	Clock     clockwork.Clock

	TimePerQuestion int
	MaxPlayers      int
}

// Engine is the session state machine. It owns every mutation of a room
// aggregate for the room's whole life: inbound player actions and timer
// callbacks both funnel through the per-room lock, apply a transition against
// the state store, and emit outbound events through the broadcaster.
//
// A room is owned by exactly one engine instance; cross-process coordination
// of a single room is out of scope.
type Engine struct {
	store   *state.Store
	repo    Repository
	results Persister
	bc      Broadcaster
	eb      *event.Bus
	clock   clockwork.Clock

	timePerQuestion int
	maxPlayers      int

	mu    sync.Mutex
	rooms map[string]*roomRuntime
}

func New(c Config) *Engine {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TimePerQuestion <= 0 {
		c.TimePerQuestion = defaultTimePerQuestion
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = defaultMaxPlayers
	}

	return &Engine{
		store:           c.Store,
		repo:            c.Repo,
		results:         c.Results,
		bc:              c.Broadcast,
		eb:              c.EventBus,
		clock:           c.Clock,
		timePerQuestion: c.TimePerQuestion,
		maxPlayers:      c.MaxPlayers,
		rooms:           make(map[string]*roomRuntime),
	}
}

type CreateRoomRequest struct {
	UserID        string
	QuestionSetID string
}

// CreateRoom validates the question set, creates the durable skeleton row and
// the ephemeral aggregate, and returns the new room with the caller as host
// and sole player. Nothing durable is written when the question set is
// missing or empty.
func (e *Engine) CreateRoom(ctx context.Context, req CreateRoomRequest) (*domain.Game, error) {
	info, questions, err := e.repo.GetQuestionSet(ctx, req.QuestionSetID)
	if err != nil {
		return nil, err
	}

	roomCode, err := e.newRoomCode(ctx)
	if err != nil {
		return nil, err
	}

	gameID, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("generate game ID: %w", err))
	}

	g := &domain.Game{
		RoomCode:        roomCode,
		GameID:          gameID.String(),
		HostUserID:      req.UserID,
		Status:          domain.StatusLobby,
		Players:         []string{req.UserID},
		Scores:          map[string]int{req.UserID: 0},
		Questions:       questions,
		CurrentQuestion: -1,
		LastClosed:      -1,
		Answers:         make(map[int]map[string]domain.AnswerRecord),
		QuestionSet:     info,
		MaxPlayers:      e.maxPlayers,
		TimePerQuestion: e.timePerQuestion,
		CreatedAt:       e.clock.Now(),
	}

	if err := e.repo.CreateRoom(ctx, game.CreateRoomParams{
		GameID:          g.GameID,
		RoomCode:        roomCode,
		QuestionSetID:   req.QuestionSetID,
		HostUserID:      req.UserID,
		TimePerQuestion: e.timePerQuestion,
		MaxPlayers:      e.maxPlayers,
	}); err != nil {
		return nil, err
	}

	if err := e.store.Set(ctx, roomCode, g); err != nil {
		return nil, err
	}

	e.eb.Publish(ctx, domain.EventRoomCreated{
		RoomCode: roomCode,
		UserID:   req.UserID,
		Game:     *g,
		Time:     e.clock.Now(),
	})

	return g, nil
}

// newRoomCode samples 6-character codes until one maps to no live session.
// Collisions are rejected, never overwritten: an unlucky streak fails the
// creation instead of orphaning a running room.
func (e *Engine) newRoomCode(ctx context.Context) (string, error) {
	for i := 0; i < roomCodeRetries; i++ {
		code, err := randomRoomCode()
		if err != nil {
			return "", errors.Internal(err)
		}

		if _, err := e.store.Get(ctx, code); errors.IsCode(err, errors.CodeNotFound) {
			return code, nil
		}
	}

	return "", errors.New(errors.CodeInternal,
		errors.WithMessagef("could not allocate a free room code after %d attempts", roomCodeRetries))
}

func randomRoomCode() (string, error) {
	b := make([]byte, roomCodeLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}

	for i := range b {
		b[i] = roomCodeAlphabet[int(b[i])%len(roomCodeAlphabet)]
	}
	return string(b), nil
}

type JoinRoomRequest struct {
	UserID   string
	RoomCode string
}

// JoinRoom adds a player to a lobby. Valid only before the game starts.
func (e *Engine) JoinRoom(ctx context.Context, req JoinRoomRequest) (*domain.Game, error) {
	var joined *domain.Game

	err := e.withRoom(req.RoomCode, func() error {
		g, err := e.store.Get(ctx, req.RoomCode)
		if err != nil {
			return err
		}

		if g.Status != domain.StatusLobby {
			return errors.FailedPrecondition("game already started: %s", req.RoomCode)
		}
		if len(g.Players) >= g.MaxPlayers {
			return errors.New(errors.CodeResourceExhausted,
				errors.WithMessagef("room is full: %s", req.RoomCode))
		}
		if g.HasPlayer(req.UserID) {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("already in room: %s", req.RoomCode))
		}

		g.Players = append(g.Players, req.UserID)
		g.Scores[req.UserID] = 0

		if err := e.store.Set(ctx, req.RoomCode, g); err != nil {
			return err
		}

		joined = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.eb.Publish(ctx, domain.EventPlayerJoined{
		RoomCode: req.RoomCode,
		UserID:   req.UserID,
		Time:     e.clock.Now(),
	})

	return joined, nil
}

type StartGameRequest struct {
	UserID   string
	RoomCode string
}

// StartGame moves a lobby to STARTING and schedules the first question after
// a fixed countdown. Only the host can start, and only with at least two
// players. Any state but LOBBY leaves the aggregate untouched.
func (e *Engine) StartGame(ctx context.Context, req StartGameRequest) error {
	return e.withRoom(req.RoomCode, func() error {
		g, err := e.store.Get(ctx, req.RoomCode)
		if err != nil {
			return err
		}

		if g.HostUserID != req.UserID {
			return errors.New(errors.CodePermissionDenied,
				errors.WithMessagef("only the host can start the game"))
		}
		if len(g.Players) < 2 {
			return errors.FailedPrecondition("need at least 2 players")
		}
		if g.Status != domain.StatusLobby {
			return errors.FailedPrecondition("game already started: %s", req.RoomCode)
		}

		g.Status = domain.StatusStarting
		g.StartedAt = e.clock.Now()

		if err := e.store.Set(ctx, req.RoomCode, g); err != nil {
			return err
		}
		if err := e.repo.MarkStarting(ctx, req.RoomCode, g.StartedAt); err != nil {
			// The aggregate is authoritative mid-game; a stale durable row
			// self-corrects on the next transition. Failing here would brick
			// the room: the aggregate is already STARTING.
			slog.ErrorContext(ctx, "engine: mark starting failed", "room", req.RoomCode, "error", err)
		}

		e.bc.ToRoom(ctx, req.RoomCode, EventGameStarting, GameStartingPayload{
			Message:   "Game starting in 3 seconds...",
			Countdown: int(startCountdown / time.Second),
		})

		e.scheduleAdvance(e.runtime(req.RoomCode), req.RoomCode, startCountdown)
		return nil
	})
}

type LeaveRoomRequest struct {
	UserID   string
	RoomCode string
}

// LeaveRoom removes a player from the active set. The room proceeds without
// them: scores and recorded answers are kept, and the all-answered quorum is
// recomputed against the remaining players, which can close the current
// question early.
func (e *Engine) LeaveRoom(ctx context.Context, req LeaveRoomRequest) error {
	err := e.withRoom(req.RoomCode, func() error {
		g, err := e.store.Get(ctx, req.RoomCode)
		if err != nil {
			return err
		}

		if !g.RemovePlayer(req.UserID) {
			return errors.NotFound("not in room: %s", req.RoomCode)
		}

		if len(g.Players) == 0 {
			// Nobody left to play for; drop the room entirely.
			e.dropRuntime(req.RoomCode)
			return e.store.Delete(ctx, req.RoomCode)
		}

		if err := e.store.Set(ctx, req.RoomCode, g); err != nil {
			return err
		}

		e.bc.ToRoom(ctx, req.RoomCode, EventPlayerLeft, PlayerLeftPayload{UserID: req.UserID})

		if g.Status == domain.StatusInProgress && e.quorumReached(g) {
			e.closeQuestion(ctx, req.RoomCode, g)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.eb.Publish(ctx, domain.EventPlayerLeft{
		RoomCode: req.RoomCode,
		UserID:   req.UserID,
		Time:     e.clock.Now(),
	})

	return nil
}
