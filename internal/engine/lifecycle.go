package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/brainbrawler/brainbrawler/internal/domain"
	"github.com/brainbrawler/brainbrawler/internal/errors"
	"github.com/brainbrawler/brainbrawler/internal/leaderboard"
	"github.com/brainbrawler/brainbrawler/internal/result"
)

// onQuestionStart advances to the next question, or ends the game when the
// question list is exhausted. Runs from the advance timer.
func (e *Engine) onQuestionStart(ctx context.Context, roomCode string) {
	err := e.withRoom(roomCode, func() error {
		g, err := e.store.Get(ctx, roomCode)
		if err != nil {
			return err
		}
		if g.Status == domain.StatusFinished {
			return nil
		}

		next := g.CurrentQuestion + 1
		if next >= len(g.Questions) {
			return e.endGame(ctx, roomCode, g)
		}

		q := g.Questions[next]

		g.Status = domain.StatusInProgress
		g.CurrentQuestion = next
		g.QuestionStartTime = e.clock.Now()
		g.Answers[next] = make(map[string]domain.AnswerRecord)

		if err := e.store.Set(ctx, roomCode, g); err != nil {
			return err
		}
		if err := e.repo.MarkQuestion(ctx, roomCode, next); err != nil {
			// The aggregate is authoritative mid-game; a stale durable row
			// self-corrects on the next transition.
			slog.ErrorContext(ctx, "engine: mark question failed", "room", roomCode, "error", err)
		}

		timeLimit := q.TimeLimit
		if timeLimit <= 0 {
			timeLimit = g.TimePerQuestion
		}

		e.scheduleDeadline(e.runtime(roomCode), roomCode, next, time.Duration(timeLimit)*time.Second)

		e.bc.ToRoom(ctx, roomCode, EventQuestionStart, QuestionStartPayload{
			Question: ClientQuestion{
				ID:             q.ID,
				Text:           q.Text,
				Options:        q.Options,
				ImageURL:       q.ImageURL,
				TimeLimit:      timeLimit,
				QuestionNumber: next + 1,
				TotalQuestions: len(g.Questions),
			},
			TimeRemaining: timeLimit,
		})
		return nil
	})
	if err != nil && !errors.IsCode(err, errors.CodeNotFound) {
		slog.ErrorContext(ctx, "engine: question start failed", "room", roomCode, "error", err)
	}
}

// onDeadline fires when a question's time limit elapses. If the question was
// already closed by the all-answered path (or the room has moved on), the
// index check makes this a no-op.
func (e *Engine) onDeadline(ctx context.Context, roomCode string, questionIndex int) {
	err := e.withRoom(roomCode, func() error {
		g, err := e.store.Get(ctx, roomCode)
		if err != nil {
			return err
		}

		if g.Status != domain.StatusInProgress || g.CurrentQuestion != questionIndex || g.LastClosed >= questionIndex {
			return nil
		}

		e.closeQuestion(ctx, roomCode, g)
		return nil
	})
	if err != nil && !errors.IsCode(err, errors.CodeNotFound) {
		slog.ErrorContext(ctx, "engine: question deadline failed", "room", roomCode, "error", err)
	}
}

// closeQuestion freezes the current question's answers, broadcasts per-player
// results with the running leaderboard, and schedules the next question.
// Caller holds the room lock and guarantees the question is still open;
// closing happens exactly once per index.
func (e *Engine) closeQuestion(ctx context.Context, roomCode string, g *domain.Game) {
	r := e.runtime(roomCode)
	stopTimer(r.deadline)

	idx := g.CurrentQuestion
	q := g.Questions[idx]
	answers := g.Answers[idx]

	g.LastClosed = idx

	if err := e.store.Set(ctx, roomCode, g); err != nil {
		slog.ErrorContext(ctx, "engine: persist closed question failed", "room", roomCode, "error", err)
	}

	results := make([]domain.PlayerQuestionResult, 0, len(g.Players))
	for _, p := range g.Players {
		res := domain.PlayerQuestionResult{UserID: p}
		if rec, ok := answers[p]; ok {
			answer, rt := rec.Answer, rec.ResponseTimeMs
			res.Answer = &answer
			res.IsCorrect = rec.IsCorrect
			res.Score = rec.Score
			res.ResponseTimeMs = &rt
		}
		results = append(results, res)
	}

	e.scheduleAdvance(r, roomCode, nextQuestionIn)

	e.bc.ToRoom(ctx, roomCode, EventQuestionEnd, QuestionEndPayload{
		CorrectAnswer:  q.CorrectAnswer,
		Explanation:    q.Explanation,
		Results:        results,
		Leaderboard:    leaderboard.Build(g.Players, g.Scores),
		NextQuestionIn: int(nextQuestionIn / time.Second),
	})
}

// endGame is the terminal transition: final leaderboard, durable hand-off,
// final broadcast, and a delayed purge of the ephemeral aggregate. Caller
// holds the room lock.
func (e *Engine) endGame(ctx context.Context, roomCode string, g *domain.Game) error {
	g.Status = domain.StatusFinished
	g.EndedAt = e.clock.Now()

	final := leaderboard.Build(g.Players, g.Scores)

	if err := e.store.Set(ctx, roomCode, g); err != nil {
		return err
	}
	if err := e.repo.MarkFinished(ctx, roomCode, g.EndedAt); err != nil {
		slog.ErrorContext(ctx, "engine: mark finished failed", "room", roomCode, "error", err)
	}

	e.results.Persist(ctx, result.Build(g, final))

	r := e.runtime(roomCode)
	stopTimer(r.deadline)
	stopTimer(r.advance)
	e.schedulePurge(r, roomCode, purgeGracePeriod)

	e.bc.ToRoom(ctx, roomCode, EventGameEnd, GameEndPayload{
		FinalLeaderboard: final,
		GameStats: GameStats{
			TotalQuestions: len(g.Questions),
			TotalPlayers:   len(g.Players),
			DurationMs:     g.EndedAt.Sub(g.StartedAt).Milliseconds(),
		},
	})

	return nil
}

// onPurge deletes the ephemeral aggregate after the post-completion grace
// period. The durable rows stay.
func (e *Engine) onPurge(ctx context.Context, roomCode string) {
	if err := e.store.Delete(ctx, roomCode); err != nil {
		slog.ErrorContext(ctx, "engine: purge failed", "room", roomCode, "error", err)
	}
	e.dropRuntime(roomCode)
}
