package game

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brainbrawler/brainbrawler/internal/domain"
	"github.com/brainbrawler/brainbrawler/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Repository owns the durable side of a room: the skeleton row created with
// the ephemeral aggregate, and the status updates mirrored to it as the game
// progresses. Rows are kept permanently; the aggregate is not.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(c Config) *Repository {
	return &Repository{db: c.DB}
}

// GetQuestionSet loads a question set and its questions in play order.
// Returns a not-found error for an unknown set and a failed-precondition
// error for a set with no questions: a room cannot be created from either.
func (r *Repository) GetQuestionSet(ctx context.Context, questionSetID string) (domain.QuestionSetInfo, []domain.Question, error) {
	const setStmt = `
SELECT qs.name, c.name, qs.difficulty
FROM question_sets qs
JOIN categories c ON c.category_id = qs.category_id
WHERE qs.question_set_id = $1;`

	var info domain.QuestionSetInfo
	info.ID = questionSetID

	err := r.db.QueryRow(ctx, setStmt, questionSetID).Scan(&info.Name, &info.Category, &info.Difficulty)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.QuestionSetInfo{}, nil, errors.NotFound("question set not found: %s", questionSetID)
	}
	if err != nil {
		return domain.QuestionSetInfo{}, nil, fmt.Errorf("get question set: %w", err)
	}

	const questionStmt = `
SELECT q.question_id, q.text, q.options, q.correct_answer, q.time_limit, q.explanation, q.image_url
FROM question_set_questions sq
JOIN questions q ON q.question_id = sq.question_id
WHERE sq.question_set_id = $1
ORDER BY sq.position ASC;`

	rows, err := r.db.Query(ctx, questionStmt, questionSetID)
	if err != nil {
		return domain.QuestionSetInfo{}, nil, fmt.Errorf("list questions: %w", err)
	}

	questions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Question, error) {
		var (
			q       domain.Question
			options []byte
		)
		if err := row.Scan(&q.ID, &q.Text, &options, &q.CorrectAnswer, &q.TimeLimit, &q.Explanation, &q.ImageURL); err != nil {
			return domain.Question{}, err
		}
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return domain.Question{}, fmt.Errorf("decode options: %w", err)
		}
		return q, nil
	})
	if err != nil {
		return domain.QuestionSetInfo{}, nil, fmt.Errorf("collect questions: %w", err)
	}

	if len(questions) == 0 {
		return domain.QuestionSetInfo{}, nil, errors.FailedPrecondition("question set is empty: %s", questionSetID)
	}

	info.TotalQuestions = len(questions)
	return info, questions, nil
}

type CreateRoomParams struct {
	GameID          string
	RoomCode        string
	QuestionSetID   string
	HostUserID      string
	TimePerQuestion int
	MaxPlayers      int
}

// CreateRoom inserts the durable skeleton row for a new room, status LOBBY.
func (r *Repository) CreateRoom(ctx context.Context, p CreateRoomParams) error {
	const stmt = `
INSERT INTO games (game_id, room_code, question_set_id, host_user_id, status, time_per_question, max_players)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	_, err := r.db.Exec(ctx, stmt, p.GameID, p.RoomCode, p.QuestionSetID, p.HostUserID, domain.StatusLobby, p.TimePerQuestion, p.MaxPlayers)

	var pgErr *pgconn.PgError
	const codeUniqueViolation = "23505"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("room code already in use: %s", p.RoomCode),
			errors.WithCause(err),
		)
	}
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}

	return nil
}

// MarkStarting mirrors the STARTING transition to the durable row.
func (r *Repository) MarkStarting(ctx context.Context, roomCode string, startedAt time.Time) error {
	const stmt = `UPDATE games SET status = $2, started_at = $3 WHERE room_code = $1;`

	if _, err := r.db.Exec(ctx, stmt, roomCode, domain.StatusStarting, startedAt); err != nil {
		return fmt.Errorf("mark starting: %w", err)
	}
	return nil
}

// MarkQuestion mirrors question progress to the durable row.
func (r *Repository) MarkQuestion(ctx context.Context, roomCode string, currentQuestion int) error {
	const stmt = `UPDATE games SET status = $2, current_question = $3 WHERE room_code = $1;`

	if _, err := r.db.Exec(ctx, stmt, roomCode, domain.StatusInProgress, currentQuestion); err != nil {
		return fmt.Errorf("mark question: %w", err)
	}
	return nil
}

// MarkFinished mirrors the terminal transition to the durable row.
func (r *Repository) MarkFinished(ctx context.Context, roomCode string, endedAt time.Time) error {
	const stmt = `UPDATE games SET status = $2, ended_at = $3 WHERE room_code = $1;`

	if _, err := r.db.Exec(ctx, stmt, roomCode, domain.StatusFinished, endedAt); err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	return nil
}

// Ping reports whether the durable store is reachable. Used by the health
// endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
