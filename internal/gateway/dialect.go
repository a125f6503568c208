package gateway

import (
	"encoding/json"
	"slices"

	"github.com/victornm/quizlive/internal/domain"
)

// Connections opened with the legacy dialect speak the vocabulary of the
// first web client. Everything that differs is listed in the tables below.

var legacyEvents = map[string]string{
	"create": domain.MessageCreateGame,
	"join":   domain.MessageJoinGame,
	"start":  domain.MessageStartGame,
	"submit": domain.MessageSubmitAnswer,
	"next":   domain.MessageNextQuestion,
}

var legacyFields = map[string]string{
	"gamePin": "pin",
	"game":    "pin",
	"name":    "playerName",
}

var legacyOutbound = map[string]string{
	domain.MessageGameEnded: "game-finished",
}

// fromLegacy rewrites a legacy envelope into the current vocabulary.
func fromLegacy(env Envelope) Envelope {
	if e, ok := legacyEvents[env.Event]; ok {
		env.Event = e
	}

	var data any
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &data) != nil {
		return env
	}

	switch v := data.(type) {
	case string:
		// start-game and next-question carry the bare pin.
		data = map[string]any{"pin": v}

	case []any:
		// create-game carries the bare question list.
		data = map[string]any{"questions": legacyQuestions(v)}

	case map[string]any:
		for from, to := range legacyFields {
			if x, ok := v[from]; ok {
				if _, set := v[to]; !set {
					v[to] = x
				}
				delete(v, from)
			}
		}

		if env.Event == domain.MessageSubmitAnswer {
			legacyAnswer(v)
		}
		if qs, ok := v["questions"].([]any); ok {
			v["questions"] = legacyQuestions(qs)
		}
	}

	b, err := json.Marshal(data)
	if err != nil {
		return env
	}
	env.Data = b
	return env
}

// legacyAnswer maps answer to option or optionText and timeSpent seconds to
// timeSpentMs. The legacy client puts the player name where the question id
// belongs, so questionId is dropped.
func legacyAnswer(v map[string]any) {
	switch a := v["answer"].(type) {
	case float64:
		v["option"] = a
	case string:
		v["optionText"] = a
	}
	delete(v, "answer")

	if t, ok := v["timeSpent"].(float64); ok {
		v["timeSpentMs"] = int64(t * 1000)
	}
	delete(v, "timeSpent")
	delete(v, "questionId")
}

// legacyQuestions maps the correctAnswer text, points and timeLimit seconds
// of legacy questions.
func legacyQuestions(qs []any) []any {
	for _, x := range qs {
		q, ok := x.(map[string]any)
		if !ok {
			continue
		}

		if text, ok := q["correctAnswer"].(string); ok {
			var options []string
			if raw, ok := q["options"].([]any); ok {
				for _, o := range raw {
					s, _ := o.(string)
					options = append(options, s)
				}
			}
			if i := slices.Index(options, text); i >= 0 {
				q["correct"] = []int{i}
			}
			delete(q, "correctAnswer")
		}

		if p, ok := q["points"]; ok {
			q["maxPoints"] = p
			delete(q, "points")
		}
		if t, ok := q["timeLimit"].(float64); ok {
			q["timeLimitMs"] = int64(t * 1000)
			delete(q, "timeLimit")
		}
	}
	return qs
}

type legacyQuestion struct {
	Question    legacyQuestionBody `json:"question"`
	Index       int                `json:"index"`
	Total       int                `json:"total"`
	TimeLimit   int64              `json:"timeLimit"`
	Deadline    int64              `json:"deadline"`
	TimeLimitMs int64              `json:"timeLimitMs"`
}

type legacyQuestionBody struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Options []string `json:"options"`
}

// toLegacy rewrites an outbound message for a legacy connection.
func toLegacy(m domain.Message) domain.Message {
	if e, ok := legacyOutbound[m.Event]; ok {
		m.Event = e
	}

	if q, ok := m.Data.(domain.QuestionServed); ok {
		m.Data = legacyQuestion{
			Question: legacyQuestionBody{
				ID:      q.QuestionID,
				Content: q.Content,
				Options: q.Options,
			},
			Index:       q.Index,
			Total:       q.Total,
			TimeLimit:   (q.TimeLimitMs + 999) / 1000,
			Deadline:    q.Deadline,
			TimeLimitMs: q.TimeLimitMs,
		}
	}

	return m
}
