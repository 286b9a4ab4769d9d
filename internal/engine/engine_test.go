package engine_test

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/brainbrawler/brainbrawler/internal/domain"
	"github.com/brainbrawler/brainbrawler/internal/engine"
	"github.com/brainbrawler/brainbrawler/internal/errors"
	"github.com/brainbrawler/brainbrawler/internal/event"
	"github.com/brainbrawler/brainbrawler/internal/game"
	"github.com/brainbrawler/brainbrawler/internal/state"
)

const waitFor = 3 * time.Second

func TestCreateRoom(t *testing.T) {
	f := makeEngine(t)
	f.build()

	g, err := f.engine.CreateRoom(context.Background(), engine.CreateRoomRequest{
		UserID:        "host",
		QuestionSetID: "qs1",
	})
	require.NoError(t, err)

	require.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{6}$`), g.RoomCode)
	require.Equal(t, domain.StatusLobby, g.Status)
	require.Equal(t, []string{"host"}, g.Players)
	require.Equal(t, map[string]int{"host": 0}, g.Scores)
	require.Equal(t, -1, g.CurrentQuestion)

	// Durable skeleton row and ephemeral aggregate are created together.
	require.Len(t, f.repo.created, 1)
	require.Equal(t, g.RoomCode, f.repo.created[0].RoomCode)

	stored, err := f.store.Get(context.Background(), g.RoomCode)
	require.NoError(t, err)
	require.Equal(t, g.GameID, stored.GameID)
	require.Equal(t, g.Players, stored.Players)
	require.Len(t, stored.Questions, 3)
	require.True(t, stored.CreatedAt.Equal(g.CreatedAt))
}

func TestCreateRoom_BadQuestionSet(t *testing.T) {
	tests := map[string]struct {
		questionSetID string
		wantCode      errors.Code
	}{
		"nonexistent set": {
			questionSetID: "missing",
			wantCode:      errors.CodeNotFound,
		},
		"empty set": {
			questionSetID: "empty",
			wantCode:      errors.CodeFailedPrecondition,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeEngine(t)
			f.build()

			_, err := f.engine.CreateRoom(context.Background(), engine.CreateRoomRequest{
				UserID:        "host",
				QuestionSetID: tt.questionSetID,
			})
			require.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)

			// No durable row may exist for a failed creation.
			require.Empty(t, f.repo.created)
		})
	}
}

func TestJoinRoom(t *testing.T) {
	f := makeEngine(t)
	g := f.createRoom(t, "host", "qs1")

	joined, err := f.engine.JoinRoom(context.Background(), engine.JoinRoomRequest{UserID: "u2", RoomCode: g.RoomCode})
	require.NoError(t, err)
	require.Equal(t, []string{"host", "u2"}, joined.Players)
	require.Zero(t, joined.Scores["u2"])

	tests := map[string]struct {
		userID   string
		roomCode string
		wantCode errors.Code
	}{
		"unknown room": {
			userID:   "u3",
			roomCode: "ZZZZZZ",
			wantCode: errors.CodeNotFound,
		},
		"duplicate join": {
			userID:   "u2",
			roomCode: g.RoomCode,
			wantCode: errors.CodeAlreadyExists,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.JoinRoom(context.Background(), engine.JoinRoomRequest{UserID: tt.userID, RoomCode: tt.roomCode})
			require.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestJoinRoom_Full(t *testing.T) {
	f := makeEngine(t)
	f.cfgMaxPlayers = 2
	g := f.createRoom(t, "host", "qs1")
	f.join(t, g.RoomCode, "u2")

	_, err := f.engine.JoinRoom(context.Background(), engine.JoinRoomRequest{UserID: "u3", RoomCode: g.RoomCode})
	require.True(t, errors.IsCode(err, errors.CodeResourceExhausted), "got %v", err)
}

func TestStartGame_Validation(t *testing.T) {
	f := makeEngine(t)
	g := f.createRoom(t, "host", "qs1")

	// Not enough players.
	err := f.engine.StartGame(context.Background(), engine.StartGameRequest{UserID: "host", RoomCode: g.RoomCode})
	require.True(t, errors.IsCode(err, errors.CodeFailedPrecondition), "got %v", err)

	f.join(t, g.RoomCode, "u2")

	// Non-host caller.
	err = f.engine.StartGame(context.Background(), engine.StartGameRequest{UserID: "u2", RoomCode: g.RoomCode})
	require.True(t, errors.IsCode(err, errors.CodePermissionDenied), "got %v", err)

	// Valid start.
	require.NoError(t, f.engine.StartGame(context.Background(), engine.StartGameRequest{UserID: "host", RoomCode: g.RoomCode}))
	require.NotNil(t, f.bc.last(engine.EventGameStarting))

	// Starting again in any later state fails and leaves the aggregate
	// untouched.
	before := f.mustGet(t, g.RoomCode)
	err = f.engine.StartGame(context.Background(), engine.StartGameRequest{UserID: "host", RoomCode: g.RoomCode})
	require.True(t, errors.IsCode(err, errors.CodeFailedPrecondition), "got %v", err)
	require.Equal(t, before, f.mustGet(t, g.RoomCode))

	// Joining after start is rejected too.
	_, err = f.engine.JoinRoom(context.Background(), engine.JoinRoomRequest{UserID: "u3", RoomCode: g.RoomCode})
	require.True(t, errors.IsCode(err, errors.CodeFailedPrecondition), "got %v", err)
}

func TestStartGame_DurableMirrorFailureDoesNotBrickRoom(t *testing.T) {
	f := makeEngine(t)
	g := f.createRoom(t, "host", "qs1")
	f.join(t, g.RoomCode, "u2")

	// The aggregate is authoritative: an unreachable durable store must not
	// fail the start, or the room stalls in STARTING forever.
	f.repo.failMarkStarting(1)
	require.NoError(t, f.engine.StartGame(context.Background(), engine.StartGameRequest{UserID: "host", RoomCode: g.RoomCode}))
	require.Equal(t, domain.StatusStarting, f.mustGet(t, g.RoomCode).Status)

	q := f.advanceToQuestion(t, 1)
	require.Equal(t, 1, q.Question.QuestionNumber)
}

func TestDeadlineWithNoAnswers(t *testing.T) {
	f := makeEngine(t)
	g := f.createRoom(t, "host", "qs1")
	f.join(t, g.RoomCode, "u2")
	f.start(t, g.RoomCode, "host")
	f.advanceToQuestion(t, 1)

	f.clock.Advance(15 * time.Second)

	end := f.waitFor(t, engine.EventQuestionEnd)
	payload := end.Data.(engine.QuestionEndPayload)

	require.Len(t, payload.Results, 2)
	for _, res := range payload.Results {
		require.False(t, res.IsCorrect)
		require.Zero(t, res.Score)
		require.Nil(t, res.Answer)
	}
}

func TestSubmitAnswer_DuplicateIsRejected(t *testing.T) {
	f := makeEngine(t)
	g := f.createRoom(t, "host", "qs1")
	f.join(t, g.RoomCode, "u2")
	f.start(t, g.RoomCode, "host")
	q := f.advanceToQuestion(t, 1)

	submit := engine.SubmitAnswerRequest{
		UserID:     "host",
		RoomCode:   g.RoomCode,
		QuestionID: q.Question.ID,
		Answer:     1,
		SubmitTime: f.clock.Now().Add(2 * time.Second),
	}

	rec, err := f.engine.SubmitAnswer(context.Background(), submit)
	require.NoError(t, err)
	require.True(t, rec.IsCorrect)

	scoreAfterFirst := f.mustGet(t, g.RoomCode).Scores["host"]
	require.Equal(t, rec.Score, scoreAfterFirst)

	_, err = f.engine.SubmitAnswer(context.Background(), submit)
	require.True(t, errors.IsCode(err, errors.CodeAlreadyExists), "got %v", err)

	// The cumulative score increased exactly once.
	require.Equal(t, scoreAfterFirst, f.mustGet(t, g.RoomCode).Scores["host"])
}

func TestSubmitAnswer_StaleAndWrongState(t *testing.T) {
	f := makeEngine(t)
	g := f.createRoom(t, "host", "qs1")
	f.join(t, g.RoomCode, "u2")

	// No question in progress yet.
	_, err := f.engine.SubmitAnswer(context.Background(), engine.SubmitAnswerRequest{
		UserID: "host", RoomCode: g.RoomCode, QuestionID: "q1", Answer: 1, SubmitTime: f.clock.Now(),
	})
	require.True(t, errors.IsCode(err, errors.CodeFailedPrecondition), "got %v", err)

	f.start(t, g.RoomCode, "host")
	f.advanceToQuestion(t, 1)

	// Stale question ID.
	_, err = f.engine.SubmitAnswer(context.Background(), engine.SubmitAnswerRequest{
		UserID: "host", RoomCode: g.RoomCode, QuestionID: "not-current", Answer: 1, SubmitTime: f.clock.Now(),
	})
	require.True(t, errors.IsCode(err, errors.CodeInvalidArgument), "got %v", err)
}

func TestAllAnsweredEndsQuestionOnce(t *testing.T) {
	f := makeEngine(t)
	g := f.createRoom(t, "host", "qs1")
	f.join(t, g.RoomCode, "u2")
	f.start(t, g.RoomCode, "host")
	q := f.advanceToQuestion(t, 1)

	for _, u := range []string{"host", "u2"} {
		_, err := f.engine.SubmitAnswer(context.Background(), engine.SubmitAnswerRequest{
			UserID:     u,
			RoomCode:   g.RoomCode,
			QuestionID: q.Question.ID,
			Answer:     1,
			SubmitTime: f.clock.Now().Add(time.Second),
		})
		require.NoError(t, err)
	}

	// Quorum reached: question-end fires immediately, before the deadline.
	f.waitFor(t, engine.EventQuestionEnd)

	// The deadline callback, firing later, must be a no-op.
	f.clock.Advance(15 * time.Second)
	f.waitFor(t, engine.EventQuestionEnd)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.bc.count(engine.EventQuestionEnd))
}

func TestLeaveRecomputesQuorum(t *testing.T) {
	f := makeEngine(t)
	g := f.createRoom(t, "host", "qs1")
	f.join(t, g.RoomCode, "u2")
	f.join(t, g.RoomCode, "u3")
	f.start(t, g.RoomCode, "host")
	q := f.advanceToQuestion(t, 1)

	for _, u := range []string{"host", "u2"} {
		_, err := f.engine.SubmitAnswer(context.Background(), engine.SubmitAnswerRequest{
			UserID:     u,
			RoomCode:   g.RoomCode,
			QuestionID: q.Question.ID,
			Answer:     1,
			SubmitTime: f.clock.Now().Add(time.Second),
		})
		require.NoError(t, err)
	}
	require.Zero(t, f.bc.count(engine.EventQuestionEnd))

	// The unanswered player leaves: the remaining players have all answered,
	// so the question closes early.
	require.NoError(t, f.engine.LeaveRoom(context.Background(), engine.LeaveRoomRequest{UserID: "u3", RoomCode: g.RoomCode}))

	end := f.waitFor(t, engine.EventQuestionEnd)
	payload := end.Data.(engine.QuestionEndPayload)
	require.Len(t, payload.Results, 2)
}

func TestEndToEnd_TwoPlayersOneQuestion(t *testing.T) {
	f := makeEngine(t)
	g := f.createRoom(t, "host", "qs-single")
	f.join(t, g.RoomCode, "b")
	f.start(t, g.RoomCode, "host")
	q := f.advanceToQuestion(t, 1)

	require.Equal(t, 15, q.TimeRemaining)

	// A answers correctly after 2s; B never answers.
	rec, err := f.engine.SubmitAnswer(context.Background(), engine.SubmitAnswerRequest{
		UserID:     "host",
		RoomCode:   g.RoomCode,
		QuestionID: q.Question.ID,
		Answer:     1,
		SubmitTime: f.clock.Now().Add(2 * time.Second),
	})
	require.NoError(t, err)
	require.Equal(t, 1433, rec.Score) // floor(1000 + 500*(1 - 2000/15000))

	// Quorum is 1 of 2: the question must wait for the deadline.
	require.Zero(t, f.bc.count(engine.EventQuestionEnd))
	f.clock.Advance(15 * time.Second)

	end := f.waitFor(t, engine.EventQuestionEnd)
	payload := end.Data.(engine.QuestionEndPayload)
	require.Equal(t, []domain.LeaderboardEntry{
		{UserID: "host", Score: 1433, Rank: 1},
		{UserID: "b", Score: 0, Rank: 2},
	}, payload.Leaderboard)

	// After the inter-question delay the single-question game ends.
	f.clock.Advance(5 * time.Second)
	endGame := f.waitFor(t, engine.EventGameEnd)
	final := endGame.Data.(engine.GameEndPayload)

	require.Equal(t, []domain.LeaderboardEntry{
		{UserID: "host", Score: 1433, Rank: 1},
		{UserID: "b", Score: 0, Rank: 2},
	}, final.FinalLeaderboard)
	require.Equal(t, 1, final.GameStats.TotalQuestions)
	require.Equal(t, 2, final.GameStats.TotalPlayers)

	// Durable hand-off: one record per player, XP per the progression rule.
	results := f.persister.wait(t, 2)
	require.Equal(t, "host", results[0].UserID)
	require.Equal(t, 20, results[0].XPGained) // 1*10 + (2-1+1)*5
	require.Equal(t, "b", results[1].UserID)
	require.Equal(t, 5, results[1].XPGained)

	got := f.mustGet(t, g.RoomCode)
	require.Equal(t, domain.StatusFinished, got.Status)

	// The ephemeral aggregate is purged after the grace period; the durable
	// row survives.
	f.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), g.RoomCode)
		return errors.IsCode(err, errors.CodeNotFound)
	}, waitFor, 10*time.Millisecond)
	require.True(t, f.repo.finishedRoom(g.RoomCode))
}

func TestMultiQuestionProgression(t *testing.T) {
	f := makeEngine(t)
	g := f.createRoom(t, "host", "qs1") // 3 questions
	f.join(t, g.RoomCode, "u2")
	f.start(t, g.RoomCode, "host")
	f.clock.Advance(3 * time.Second)

	for i := 0; i < 3; i++ {
		q := f.waitForNth(t, engine.EventQuestionStart, i+1)
		require.Equal(t, i+1, q.Question.QuestionNumber)
		require.Equal(t, 3, q.Question.TotalQuestions)

		f.clock.Advance(time.Duration(q.TimeRemaining) * time.Second)
		require.Eventually(t, func() bool {
			return f.bc.count(engine.EventQuestionEnd) == i+1
		}, waitFor, 10*time.Millisecond)

		f.clock.Advance(5 * time.Second)
	}

	f.waitFor(t, engine.EventGameEnd)
}

// --- fixtures ---

type fixture struct {
	engine    *engine.Engine
	store     *state.Store
	clock     *clockwork.FakeClock
	bc        *recorder
	repo      *fakeRepo
	persister *fakePersister

	cfgMaxPlayers int
	built         bool
	t             *testing.T
}

func makeEngine(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	require.NoError(t, rc.Ping(context.Background()).Err())

	return &fixture{
		store:     state.NewStore(state.Config{Redis: rc}),
		clock:     clockwork.NewFakeClock(),
		bc:        &recorder{},
		repo:      newFakeRepo(),
		persister: &fakePersister{},
		t:         t,
	}
}

func (f *fixture) build() {
	if f.built {
		return
	}
	f.engine = engine.New(engine.Config{
		Store:      f.store,
		Repo:       f.repo,
		Results:    f.persister,
		Broadcast:  f.bc,
		EventBus:   event.NewBus(),
		Clock:      f.clock,
		MaxPlayers: f.cfgMaxPlayers,
	})
	f.built = true
}

func (f *fixture) createRoom(t *testing.T, userID, questionSetID string) *domain.Game {
	t.Helper()
	f.build()

	g, err := f.engine.CreateRoom(context.Background(), engine.CreateRoomRequest{
		UserID:        userID,
		QuestionSetID: questionSetID,
	})
	require.NoError(t, err)
	return g
}

func (f *fixture) join(t *testing.T, roomCode, userID string) {
	t.Helper()
	_, err := f.engine.JoinRoom(context.Background(), engine.JoinRoomRequest{UserID: userID, RoomCode: roomCode})
	require.NoError(t, err)
}

func (f *fixture) start(t *testing.T, roomCode, userID string) {
	t.Helper()
	require.NoError(t, f.engine.StartGame(context.Background(), engine.StartGameRequest{UserID: userID, RoomCode: roomCode}))
}

// advanceToQuestion runs the start countdown and waits for the n-th
// question-start broadcast.
func (f *fixture) advanceToQuestion(t *testing.T, n int) engine.QuestionStartPayload {
	t.Helper()
	f.clock.Advance(3 * time.Second)
	return f.waitForNth(t, engine.EventQuestionStart, n)
}

func (f *fixture) waitFor(t *testing.T, name string) broadcast {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.bc.count(name) > 0
	}, waitFor, 10*time.Millisecond, "no %s broadcast", name)
	return *f.bc.last(name)
}

func (f *fixture) waitForNth(t *testing.T, name string, n int) engine.QuestionStartPayload {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.bc.count(name) >= n
	}, waitFor, 10*time.Millisecond, "no %s broadcast #%d", name, n)
	return f.bc.nth(name, n).Data.(engine.QuestionStartPayload)
}

func (f *fixture) mustGet(t *testing.T, roomCode string) *domain.Game {
	t.Helper()
	g, err := f.store.Get(context.Background(), roomCode)
	require.NoError(t, err)
	return g
}

type broadcast struct {
	Room  string
	User  string
	Event string
	Data  any
}

type recorder struct {
	mu     sync.Mutex
	events []broadcast
}

func (r *recorder) ToRoom(_ context.Context, roomCode, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, broadcast{Room: roomCode, Event: event, Data: data})
}

func (r *recorder) ToUser(_ context.Context, userID, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, broadcast{User: userID, Event: event, Data: data})
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == name {
			n++
		}
	}
	return n
}

func (r *recorder) last(name string) *broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Event == name {
			e := r.events[i]
			return &e
		}
	}
	return nil
}

func (r *recorder) nth(name string, n int) broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := 0
	for _, e := range r.events {
		if e.Event == name {
			seen++
			if seen == n {
				return e
			}
		}
	}
	panic("broadcast not recorded")
}

type fakeRepo struct {
	mu           sync.Mutex
	sets         map[string][]domain.Question
	created      []game.CreateRoomParams
	finished     map[string]bool
	startingErrs int
}

func newFakeRepo() *fakeRepo {
	questions := func(n int) []domain.Question {
		qs := make([]domain.Question, n)
		for i := range qs {
			qs[i] = domain.Question{
				ID:            "q" + string(rune('1'+i)),
				Text:          "question",
				Options:       []string{"a", "b", "c", "d"},
				CorrectAnswer: 1,
				TimeLimit:     15,
				Explanation:   "because",
			}
		}
		return qs
	}

	return &fakeRepo{
		sets: map[string][]domain.Question{
			"qs1":       questions(3),
			"qs-single": questions(1),
			"empty":     {},
		},
		finished: make(map[string]bool),
	}
}

func (r *fakeRepo) GetQuestionSet(_ context.Context, id string) (domain.QuestionSetInfo, []domain.Question, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	qs, ok := r.sets[id]
	if !ok {
		return domain.QuestionSetInfo{}, nil, errors.NotFound("question set not found: %s", id)
	}
	if len(qs) == 0 {
		return domain.QuestionSetInfo{}, nil, errors.FailedPrecondition("question set is empty: %s", id)
	}
	return domain.QuestionSetInfo{ID: id, Name: "set", Category: "general", TotalQuestions: len(qs)}, qs, nil
}

func (r *fakeRepo) CreateRoom(_ context.Context, p game.CreateRoomParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, p)
	return nil
}

func (r *fakeRepo) MarkStarting(_ context.Context, _ string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startingErrs > 0 {
		r.startingErrs--
		return context.DeadlineExceeded
	}
	return nil
}

func (r *fakeRepo) failMarkStarting(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startingErrs = n
}

func (r *fakeRepo) MarkQuestion(_ context.Context, _ string, _ int) error { return nil }

func (r *fakeRepo) MarkFinished(_ context.Context, roomCode string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[roomCode] = true
	return nil
}

func (r *fakeRepo) finishedRoom(roomCode string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[roomCode]
}

type fakePersister struct {
	mu      sync.Mutex
	results []domain.GameResult
}

func (p *fakePersister) Persist(_ context.Context, results []domain.GameResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, results...)
}

func (p *fakePersister) wait(t *testing.T, n int) []domain.GameResult {
	t.Helper()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.results) >= n
	}, waitFor, 10*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.GameResult(nil), p.results...)
}
