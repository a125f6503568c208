package domain

// Names of events published on the in-process event bus.
const (
	EventNameGameFinished = "game.finished"
	EventNameGameAborted  = "game.aborted"
)

type EventGameFinished struct {
	Results Results
}

func (EventGameFinished) Name() string { return EventNameGameFinished }

type EventGameAborted struct {
	PIN    string
	Reason string
}

func (EventGameAborted) Name() string { return EventNameGameAborted }

// Names of messages exchanged with clients.
const (
	MessageCreateGame   = "create-game"
	MessageHostGame     = "host-game"
	MessageJoinGame     = "join-game"
	MessageStartGame    = "start-game"
	MessageSubmitAnswer = "submit-answer"
	MessageNextQuestion = "next-question"
	MessageGetResults   = "get-results"

	MessageGameCreated     = "game-created"
	MessageGameJoined      = "game-joined"
	MessagePlayerJoined    = "player-joined"
	MessagePlayerLeft      = "player-left"
	MessageGameStarted     = "game-started"
	MessageQuestion        = "question"
	MessageAnswerReceived  = "answer-received"
	MessageAnswerProgress  = "answer-progress"
	MessageAnswerSubmitted = "answer-submitted"
	MessageGameEnded       = "game-ended"
	MessageGameAborted     = "game-aborted"
	MessageGameResults     = "game-results"
	MessageError           = "error"
)

// Message is an outbound message addressed to one or many connections.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type (
	GameCreated struct {
		PIN string `json:"pin"`
	}

	GameJoined struct {
		PIN      string `json:"pin"`
		Player   Player `json:"player"`
		Rejoined bool   `json:"rejoined"`
	}

	PlayerJoined struct {
		Player      Player `json:"player"`
		PlayerCount int    `json:"playerCount"`
	}

	PlayerLeft struct {
		Player      Player `json:"player"`
		PlayerCount int    `json:"playerCount"`
	}

	GameStarted struct {
		Questions int `json:"questions"`
	}

	QuestionServed struct {
		Index       int      `json:"index"`
		Total       int      `json:"total"`
		QuestionID  string   `json:"questionId"`
		Content     string   `json:"content"`
		Options     []string `json:"options"`
		TimeLimitMs int64    `json:"timeLimitMs"`
		Deadline    int64    `json:"deadline"`
	}

	AnswerReceived struct {
		QuestionID string `json:"questionId"`
	}

	AnswerProgress struct {
		QuestionID string `json:"questionId"`
		Answered   int    `json:"answered"`
		Active     int    `json:"active"`
	}

	AnswerSubmitted struct {
		QuestionID     string     `json:"questionId"`
		Index          int        `json:"index"`
		Tally          Tally      `json:"tally"`
		CorrectOptions []int      `json:"correctOptions"`
		Standings      []Standing `json:"standings"`
	}

	GameEnded struct {
		Results Results `json:"results"`
	}

	GameAborted struct {
		Reason string `json:"reason"`
	}

	ErrorMessage struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Event   string `json:"event,omitempty"`
	}
)
