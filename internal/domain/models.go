package domain

import "time"

// RoomStatus is the quiz session phase stored on the room.
type RoomStatus string

const (
	StatusWaiting  RoomStatus = "waiting"
	StatusPrepared RoomStatus = "prepared"
	StatusPlaying  RoomStatus = "playing"
	StatusPaused   RoomStatus = "paused"
	StatusEnded    RoomStatus = "ended"
)

// Valid reports whether s is one of the known phases.
func (s RoomStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusPrepared, StatusPlaying, StatusPaused, StatusEnded:
		return true
	}
	return false
}

// Room holds the top-level scalar fields of one session. CreatedBy defines the host.
type Room struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Status             RoomStatus `json:"status"`
	MaxPlayers         int        `json:"maxPlayers"`
	CreatedBy          string     `json:"createdBy"`
	CreatedAt          time.Time  `json:"createdAt"`
	EnableLeaderboard  bool       `json:"enableLeaderboard"`
	EnableAiExpression bool       `json:"enableAiExpression"`
	QuestionIndex      int        `json:"questionIndex"`
	QuestionStartTime  *time.Time `json:"questionStartTime,omitempty"`
	StartTime          *time.Time `json:"startTime,omitempty"`
	EndTime            *time.Time `json:"endTime,omitempty"`
}

// Identity is the caller's self-asserted profile.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// ParticipantStatus is the lifecycle state of a participant record.
type ParticipantStatus string

const (
	ParticipantPending ParticipantStatus = "pending"
	ParticipantActive  ParticipantStatus = "active"
	ParticipantLeft    ParticipantStatus = "left"
)

// Participant is one entry of the ordered participant collection.
type Participant struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Avatar   string            `json:"avatar"`
	Status   ParticipantStatus `json:"status"`
	JoinedAt *time.Time        `json:"joinedAt,omitempty"`
}

// Option represents a possible answer for a question.
type Option struct {
	ID      string  `json:"id"`
	Text    string  `json:"text"`
	Correct bool    `json:"correct"`
	Score   float64 `json:"score"`
}

// Question is stored and replaced as one whole record.
type Question struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Options  []Option `json:"options"`
	Multiple bool     `json:"multiple"`
	Duration int      `json:"duration"` // seconds
	Order    int      `json:"order"`
}

// CorrectCount returns the number of options flagged correct.
func (q Question) CorrectCount() int {
	n := 0
	for _, o := range q.Options {
		if o.Correct {
			n++
		}
	}
	return n
}

// Clone deep-copies the option slice so the copy can be edited freely.
func (q Question) Clone() Question {
	c := q
	c.Options = append([]Option(nil), q.Options...)
	return c
}

// QuestionPatch carries the fields a host may change on a question; nil means unchanged.
type QuestionPatch struct {
	Text     *string `json:"text,omitempty"`
	Multiple *bool   `json:"multiple,omitempty"`
	Duration *int    `json:"duration,omitempty"`
}

// Answer is one participant's submission for one question.
type Answer struct {
	UID        string        `json:"uid"`
	QuestionID string        `json:"questionId"`
	OptionIDs  []string      `json:"optionsId"`
	Timestamp  time.Time     `json:"timestamp"`
	TimeSpent  time.Duration `json:"timeSpent"`
}

// AnswerKey is the ledger key for a (participant, question) pair.
func AnswerKey(uid, questionID string) string {
	return uid + ":" + questionID
}

// UserStats is derived from the answer ledger on every read.
type UserStats struct {
	Count     int           `json:"count"`
	TotalTime time.Duration `json:"totalTime"`
	AvgTime   time.Duration `json:"avgTime"`
}

// Expression categories, in counter-buffer index order.
const (
	ExpressionNeutral = iota
	ExpressionHappy
	ExpressionSad
	ExpressionAngry
	ExpressionFearful
	ExpressionDisgusted
	ExpressionSurprised
	ExpressionCategories
)

var expressionNames = [ExpressionCategories]string{
	"neutral", "happy", "sad", "angry", "fearful", "disgusted", "surprised",
}

// ExpressionCategory maps a category name to its buffer index.
func ExpressionCategory(name string) (int, bool) {
	for i, n := range expressionNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// ExpressionName returns the category name for a buffer index.
func ExpressionName(i int) string {
	if i < 0 || i >= ExpressionCategories {
		return ""
	}
	return expressionNames[i]
}

// ExpressionRecord holds the last flushed counter buffer for a (participant, question) pair.
type ExpressionRecord struct {
	UID        string                    `json:"uid"`
	QuestionID string                    `json:"questionId"`
	Counts     [ExpressionCategories]int `json:"counts"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

// LeaderboardEntry is a derived per-participant score line.
type LeaderboardEntry struct {
	UserID      string        `json:"userId"`
	DisplayName string        `json:"displayName"`
	Avatar      string        `json:"avatar"`
	Points      float64       `json:"points"`
	Correct     int           `json:"correct"`
	TotalTime   time.Duration `json:"totalTime"`
}

// Leaderboard captures the ordered scoreboard for a room.
type Leaderboard struct {
	RoomID    string             `json:"roomId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}
