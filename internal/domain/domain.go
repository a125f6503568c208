package domain

import (
	"slices"
	"time"
)

// State is the lifecycle state of a quiz session.
type State int32

const (
	StateLobby State = iota
	StateQuestionActive
	StateQuestionReview
	StateFinished
	StateAborted
)

var stateNames = [...]string{
	StateLobby:          "LOBBY",
	StateQuestionActive: "QUESTION_ACTIVE",
	StateQuestionReview: "QUESTION_REVIEW",
	StateFinished:       "FINISHED",
	StateAborted:        "ABORTED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can leave s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Question is a single multiple choice question of a quiz.
type Question struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"content"`
	Options     []string `json:"options"`
	Correct     []int    `json:"correct"`
	TimeLimitMs int64    `json:"timeLimitMs"`
	MaxPoints   int      `json:"maxPoints"`
}

// IsCorrect reports whether option is one of the correct option indices.
func (q Question) IsCorrect(option int) bool {
	return slices.Contains(q.Correct, option)
}

func (q Question) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitMs) * time.Millisecond
}

// Player is a participant of a session. A player that disconnects after the
// game started is kept with Online=false so its record shows up in the report.
type Player struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ConnID         string    `json:"-"`
	Online         bool      `json:"online"`
	Score          int       `json:"score"`
	LastAnswered   int       `json:"-"`
	JoinedAt       time.Time `json:"-"`
	DisconnectedAt time.Time `json:"-"`
}

// Answer is one player's answer to one question. Correct and Points are only
// meaningful once the question reached its review boundary.
type Answer struct {
	PlayerID    string    `json:"playerId"`
	QuestionID  string    `json:"questionId"`
	Option      int       `json:"option"`
	Answered    bool      `json:"answered"`
	SubmittedAt time.Time `json:"submittedAt"`
	TimeSpentMs int64     `json:"timeSpentMs"`
	Correct     bool      `json:"correct"`
	Points      int       `json:"points"`
}

// Tally aggregates the answers of one question.
type Tally struct {
	Options    []int `json:"options"`
	Correct    int   `json:"correct"`
	Incorrect  int   `json:"incorrect"`
	Unanswered int   `json:"unanswered"`
}

// Standing is a player's position in the running scoreboard.
type Standing struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

// Results is the final report of a finished session.
type Results struct {
	PIN            string              `json:"pin"`
	FinishedAt     time.Time           `json:"finishedAt"`
	TotalQuestions int                 `json:"totalQuestions"`
	Leaderboard    []LeaderboardEntry  `json:"leaderboard"`
	Questions      []QuestionBreakdown `json:"questions"`
}

// LeaderboardEntry is a ranked player. Rank starts at 1 and is unique.
type LeaderboardEntry struct {
	Rank           int    `json:"rank"`
	PlayerID       string `json:"playerId"`
	Name           string `json:"name"`
	Score          int    `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
}

type QuestionBreakdown struct {
	QuestionID string         `json:"questionId"`
	Prompt     string         `json:"content"`
	Options    []string       `json:"options"`
	Correct    []int          `json:"correctOptions"`
	Tally      Tally          `json:"tally"`
	Answers    []PlayerAnswer `json:"answers"`
}

// PlayerAnswer is a row of a question breakdown. Option is nil when the
// player did not answer.
type PlayerAnswer struct {
	PlayerID    string `json:"playerId"`
	Name        string `json:"name"`
	Option      *int   `json:"option"`
	Correct     bool   `json:"correct"`
	Points      int    `json:"points"`
	TimeSpentMs int64  `json:"timeSpentMs"`
}

// SessionInfo is a point in time view of a session.
type SessionInfo struct {
	PIN           string    `json:"pin"`
	State         State     `json:"state"`
	QuestionIndex int       `json:"questionIndex"`
	Questions     int       `json:"questions"`
	Players       []Player  `json:"players"`
	HostConnected bool      `json:"hostConnected"`
	CreatedAt     time.Time `json:"createdAt"`
}
