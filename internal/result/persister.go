package result

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/brainbrawler/brainbrawler/internal/domain"
	"github.com/brainbrawler/brainbrawler/internal/score"
)

type Config struct {
	DB *pgxpool.Pool
}

// Persister converts a finished game's in-memory results into durable
// per-player records and incremental profile updates.
type Persister struct {
	db *pgxpool.Pool
}

func NewPersister(c Config) *Persister {
	return &Persister{db: c.DB}
}

// Build computes the durable result records for a finished game, one per
// player in final leaderboard order. Aggregates cover every question closed
// up to and including the aggregate's current index.
func Build(g *domain.Game, final []domain.LeaderboardEntry) []domain.GameResult {
	results := make([]domain.GameResult, 0, len(final))

	for _, entry := range final {
		var (
			correct       int
			answered      int
			responseTimes []decimal.Decimal
		)

		for q := 0; q <= g.CurrentQuestion && q < len(g.Questions); q++ {
			rec, ok := g.Answers[q][entry.UserID]
			if !ok {
				continue
			}
			answered++
			if rec.IsCorrect {
				correct++
			}
			responseTimes = append(responseTimes, decimal.NewFromInt(rec.ResponseTimeMs))
		}

		avg := 0.0
		if len(responseTimes) > 0 {
			avg = decimal.Avg(responseTimes[0], responseTimes[1:]...).InexactFloat64()
		}

		results = append(results, domain.GameResult{
			GameID:          g.GameID,
			UserID:          entry.UserID,
			FinalScore:      entry.Score,
			FinalRank:       entry.Rank,
			CorrectAnswers:  correct,
			TotalAnswers:    answered,
			AvgResponseTime: avg,
			XPGained:        score.CalculateXP(entry.Rank, correct, len(final)),
		})
	}

	return results
}

// Persist writes each player's result record and profile update. Each player
// is one transaction, independent of the others: a failure is logged and the
// remaining players are still persisted.
func (p *Persister) Persist(ctx context.Context, results []domain.GameResult) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, res := range results {
		res := res
		g.Go(func() error {
			if err := p.persistOne(ctx, res); err != nil {
				slog.ErrorContext(ctx, "result: persist player failed",
					"game", res.GameID,
					"user", res.UserID,
					"error", err,
				)
			}
			return nil
		})
	}

	_ = g.Wait()
}

func (p *Persister) persistOne(ctx context.Context, res domain.GameResult) (err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const insResultStmt = `
INSERT INTO game_results (game_id, user_id, final_score, final_rank, correct_answers, total_answers, avg_response_time, xp_gained)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	_, err = tx.Exec(ctx, insResultStmt,
		res.GameID, res.UserID, res.FinalScore, res.FinalRank,
		res.CorrectAnswers, res.TotalAnswers, res.AvgResponseTime, res.XPGained,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	const updUserStmt = `
UPDATE users
SET total_games_played = total_games_played + 1,
    total_wins = total_wins + $2,
    total_score = total_score + $3,
    xp = xp + $4
WHERE user_id = $1;`

	wins := 0
	if res.FinalRank == 1 {
		wins = 1
	}

	_, err = tx.Exec(ctx, updUserStmt, res.UserID, wins, res.FinalScore, res.XPGained)
	if err != nil {
		return fmt.Errorf("update user stats: %w", err)
	}

	return tx.Commit(ctx)
}
