package domain

import (
	"time"
)

// Status is the lifecycle state of a game room. Transitions are forward-only:
// LOBBY -> STARTING -> IN_PROGRESS -> FINISHED.
type Status string

const (
	StatusLobby      Status = "LOBBY"
	StatusStarting   Status = "STARTING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFinished   Status = "FINISHED"
)

// Game is the in-memory aggregate for one live room. It is read-modify-written
// as a whole through the state store; callers must hold the room's lock.
type Game struct {
	RoomCode   string `json:"roomCode"`
	GameID     string `json:"gameId"`
	HostUserID string `json:"hostUserId"`
	Status     Status `json:"status"`

	// Players is ordered by join time. Order is load-bearing: it is the
	// leaderboard tiebreak.
	Players []string       `json:"players"`
	Scores  map[string]int `json:"scores"`

	Questions []Question `json:"questions"`
	// CurrentQuestion is -1 until the first question starts and only increases.
	CurrentQuestion int `json:"currentQuestion"`
	// LastClosed is the highest question index already closed, -1 initially.
	// Guards question-end against firing twice for one index.
	LastClosed int                             `json:"lastClosed"`
	Answers    map[int]map[string]AnswerRecord `json:"answers"`

	QuestionStartTime time.Time `json:"questionStartTime"`

	QuestionSet     QuestionSetInfo `json:"questionSetInfo"`
	MaxPlayers      int             `json:"maxPlayers"`
	TimePerQuestion int             `json:"timePerQuestion"`

	CreatedAt time.Time `json:"createdAt"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

func (g *Game) HasPlayer(userID string) bool {
	for _, p := range g.Players {
		if p == userID {
			return true
		}
	}
	return false
}

// RemovePlayer removes the player from the active set, keeping join order for
// the remaining players. Scores and recorded answers are kept.
func (g *Game) RemovePlayer(userID string) bool {
	for i, p := range g.Players {
		if p == userID {
			g.Players = append(g.Players[:i], g.Players[i+1:]...)
			return true
		}
	}
	return false
}

type Question struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	TimeLimit     int      `json:"timeLimit"` // seconds
	Explanation   string   `json:"explanation"`
	ImageURL      string   `json:"imageUrl,omitempty"`
}

// AnswerRecord is one player's answer to one question. First write wins; a
// record, once written for an index/player pair, is never changed.
type AnswerRecord struct {
	Answer         int       `json:"answer"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMs int64     `json:"responseTime"`
	IsCorrect      bool      `json:"isCorrect"`
	Score          int       `json:"score"`
}

type QuestionSetInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	Difficulty     string `json:"difficulty"`
	TotalQuestions int    `json:"totalQuestions"`
}

// LeaderboardEntry is one row of a ranking. Rank is 1-indexed.
type LeaderboardEntry struct {
	UserID string `json:"userId"`
	Score  int    `json:"score"`
	Rank   int    `json:"rank"`
}

// PlayerQuestionResult is one player's outcome for a single question,
// broadcast at question-end. Answer and ResponseTimeMs are nil when the
// player did not answer.
type PlayerQuestionResult struct {
	UserID         string `json:"userId"`
	Answer         *int   `json:"answer"`
	IsCorrect      bool   `json:"isCorrect"`
	Score          int    `json:"score"`
	ResponseTimeMs *int64 `json:"responseTime"`
}

// GameResult is the durable per-player outcome written when a game finishes.
// Immutable, unique per (GameID, UserID).
type GameResult struct {
	GameID          string
	UserID          string
	FinalScore      int
	FinalRank       int
	CorrectAnswers  int
	TotalAnswers    int
	AvgResponseTime float64
	XPGained        int
}
