package engine

import (
	"github.com/brainbrawler/brainbrawler/internal/domain"
)

// Outbound realtime event names.
const (
	EventRoomCreated     = "room-created"
	EventPlayerJoined    = "player-joined"
	EventGameStarting    = "game-starting"
	EventQuestionStart   = "question-start"
	EventQuestionEnd     = "question-end"
	EventGameEnd         = "game-end"
	EventPlayerLeft      = "player-left"
	EventAnswerConfirmed = "answer-confirmed"
	EventError           = "error"
)

// ClientQuestion is a question as sent to players: the correct answer and the
// explanation are withheld until the question closes.
type ClientQuestion struct {
	ID             string   `json:"id"`
	Text           string   `json:"text"`
	Options        []string `json:"options"`
	ImageURL       string   `json:"imageUrl,omitempty"`
	TimeLimit      int      `json:"timeLimit"`
	QuestionNumber int      `json:"questionNumber"`
	TotalQuestions int      `json:"totalQuestions"`
}

type GameStartingPayload struct {
	Message   string `json:"message"`
	Countdown int    `json:"countdown"`
}

type QuestionStartPayload struct {
	Question      ClientQuestion `json:"question"`
	TimeRemaining int            `json:"timeRemaining"`
}

type QuestionEndPayload struct {
	CorrectAnswer  int                           `json:"correctAnswer"`
	Explanation    string                        `json:"explanation"`
	Results        []domain.PlayerQuestionResult `json:"results"`
	Leaderboard    []domain.LeaderboardEntry     `json:"leaderboard"`
	NextQuestionIn int                           `json:"nextQuestionIn"`
}

type GameStats struct {
	TotalQuestions int   `json:"totalQuestions"`
	TotalPlayers   int   `json:"totalPlayers"`
	DurationMs     int64 `json:"duration"`
}

type GameEndPayload struct {
	FinalLeaderboard []domain.LeaderboardEntry `json:"finalLeaderboard"`
	GameStats        GameStats                 `json:"gameStats"`
}

type PlayerLeftPayload struct {
	UserID string `json:"userId"`
}

type AnswerConfirmedPayload struct {
	Score          int   `json:"score"`
	IsCorrect      bool  `json:"isCorrect"`
	ResponseTimeMs int64 `json:"responseTime"`
}

type RoomCreatedPayload struct {
	RoomCode        string                 `json:"roomCode"`
	GameID          string                 `json:"gameId"`
	QuestionSet     domain.QuestionSetInfo `json:"questionSet"`
	MaxPlayers      int                    `json:"maxPlayers"`
	TimePerQuestion int                    `json:"timePerQuestion"`
}

type PlayerJoinedPayload struct {
	RoomCode    string                 `json:"roomCode"`
	UserID      string                 `json:"userId"`
	Status      domain.Status          `json:"status"`
	Players     []string               `json:"players"`
	QuestionSet domain.QuestionSetInfo `json:"questionSet"`
	MaxPlayers  int                    `json:"maxPlayers"`
}
