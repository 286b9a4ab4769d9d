package domain

import "time"

const (
	EventNameRoomCreated     = "room.created"
	EventNamePlayerJoined    = "player.joined"
	EventNamePlayerLeft      = "player.left"
	EventNameAnswerSubmitted = "answer.submitted"
)

type EventRoomCreated struct {
	RoomCode string
	UserID   string
	Game     Game
	Time     time.Time
}

func (EventRoomCreated) Name() string { return EventNameRoomCreated }

type EventPlayerJoined struct {
	RoomCode string
	UserID   string
	Time     time.Time
}

func (EventPlayerJoined) Name() string { return EventNamePlayerJoined }

type EventPlayerLeft struct {
	RoomCode string
	UserID   string
	Time     time.Time
}

func (EventPlayerLeft) Name() string { return EventNamePlayerLeft }

type EventAnswerSubmitted struct {
	RoomCode   string
	UserID     string
	QuestionID string
	Answer     int
	Time       time.Time
}

func (EventAnswerSubmitted) Name() string { return EventNameAnswerSubmitted }
