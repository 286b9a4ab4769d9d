package engine

import (
	"context"
	"time"

	"github.com/brainbrawler/brainbrawler/internal/domain"
	"github.com/brainbrawler/brainbrawler/internal/errors"
	"github.com/brainbrawler/brainbrawler/internal/score"
)

type SubmitAnswerRequest struct {
	UserID     string
	RoomCode   string
	QuestionID string
	Answer     int
	// SubmitTime is the client-reported answer time. The question start is
	// server-anchored, so clock skew shifts response times; known limitation,
	// not corrected.
	SubmitTime time.Time
}

// SubmitAnswer records one player's answer for the current question. First
// write wins: a duplicate, a stale question ID, or a room not accepting
// answers is rejected without touching the aggregate. When the last active
// player answers, the question closes immediately and the deadline timer is
// cancelled.
func (e *Engine) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*domain.AnswerRecord, error) {
	var rec *domain.AnswerRecord

	err := e.withRoom(req.RoomCode, func() error {
		g, err := e.store.Get(ctx, req.RoomCode)
		if err != nil {
			return err
		}

		if g.Status != domain.StatusInProgress {
			return errors.FailedPrecondition("no question in progress: %s", req.RoomCode)
		}

		idx := g.CurrentQuestion
		q := g.Questions[idx]

		if q.ID != req.QuestionID {
			return errors.Invalid("stale submission: question %s is not current", req.QuestionID)
		}
		if !g.HasPlayer(req.UserID) {
			return errors.NotFound("not in room: %s", req.RoomCode)
		}
		if _, dup := g.Answers[idx][req.UserID]; dup {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("answer already submitted: room=%s question=%s user=%s", req.RoomCode, req.QuestionID, req.UserID))
		}

		timeLimit := q.TimeLimit
		if timeLimit <= 0 {
			timeLimit = g.TimePerQuestion
		}

		responseTime := req.SubmitTime.Sub(g.QuestionStartTime).Milliseconds()
		isCorrect := req.Answer == q.CorrectAnswer

		record := domain.AnswerRecord{
			Answer:         req.Answer,
			Timestamp:      req.SubmitTime,
			ResponseTimeMs: responseTime,
			IsCorrect:      isCorrect,
			Score:          score.Calculate(isCorrect, responseTime, timeLimit),
		}

		g.Answers[idx][req.UserID] = record
		g.Scores[req.UserID] += record.Score

		if err := e.store.Set(ctx, req.RoomCode, g); err != nil {
			return err
		}
		rec = &record

		if e.quorumReached(g) {
			e.closeQuestion(ctx, req.RoomCode, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.eb.Publish(ctx, domain.EventAnswerSubmitted{
		RoomCode:   req.RoomCode,
		UserID:     req.UserID,
		QuestionID: req.QuestionID,
		Answer:     req.Answer,
		Time:       req.SubmitTime,
	})

	e.bc.ToUser(ctx, req.UserID, EventAnswerConfirmed, AnswerConfirmedPayload{
		Score:          rec.Score,
		IsCorrect:      rec.IsCorrect,
		ResponseTimeMs: rec.ResponseTimeMs,
	})

	return rec, nil
}

// quorumReached reports whether every currently active player has answered
// the current question. Players who answered and then left do not hold the
// question open, and players who left without answering are not waited for.
func (e *Engine) quorumReached(g *domain.Game) bool {
	if g.Status != domain.StatusInProgress || g.LastClosed >= g.CurrentQuestion {
		return false
	}

	answers := g.Answers[g.CurrentQuestion]
	for _, p := range g.Players {
		if _, ok := answers[p]; !ok {
			return false
		}
	}
	return len(g.Players) > 0
}
