// Package ledger records the answers submitted for a single question.
//
// A Ledger is append-only and not safe for concurrent use; it is owned by the
// session goroutine that serializes every event of a game.
package ledger

import (
	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
)

var (
	ErrDuplicateAnswer = errors.New(errors.CodeAlreadyExists, errors.WithMessagef("answer already submitted for this question"))
	ErrClosed          = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("answer received after review"))
	ErrInvalidOption   = errors.New(errors.CodeInvalidArgument, errors.WithMessagef("option out of range"))
)

// ScoreFunc awards points for an answer to a question.
type ScoreFunc func(q domain.Question, a domain.Answer) int

type Ledger struct {
	question domain.Question
	entries  map[string]domain.Answer
	order    []string
	closed   bool
}

func New(q domain.Question) *Ledger {
	return &Ledger{
		question: q,
		entries:  make(map[string]domain.Answer),
	}
}

func (l *Ledger) Question() domain.Question {
	return l.question
}

// Add records the answer of a.PlayerID. Correctness and points stay unset
// until Finalize.
func (l *Ledger) Add(a domain.Answer) error {
	if l.closed {
		return ErrClosed
	}

	if _, ok := l.entries[a.PlayerID]; ok {
		return ErrDuplicateAnswer
	}

	if a.Option < 0 || a.Option >= len(l.question.Options) {
		return ErrInvalidOption
	}

	a.QuestionID = l.question.ID
	a.Answered = true
	a.Correct = false
	a.Points = 0

	l.entries[a.PlayerID] = a
	l.order = append(l.order, a.PlayerID)
	return nil
}

func (l *Ledger) Has(playerID string) bool {
	_, ok := l.entries[playerID]
	return ok
}

// Len returns the number of submitted answers.
func (l *Ledger) Len() int {
	return len(l.order)
}

// AllAnswered reports whether every active player has an entry. An empty set
// of active players is never considered complete; the deadline covers it.
func (l *Ledger) AllAnswered(active ...string) bool {
	if len(active) == 0 {
		return false
	}

	for _, id := range active {
		if !l.Has(id) {
			return false
		}
	}

	return true
}

// Closed reports whether Finalize has run.
func (l *Ledger) Closed() bool {
	return l.closed
}

// Finalize scores every submitted answer, adds a zero point entry for each
// player in playerIDs that did not answer and closes the ledger. The result
// follows the order of playerIDs. Calling Finalize twice returns the same
// answers without scoring again.
func (l *Ledger) Finalize(playerIDs []string, score ScoreFunc) []domain.Answer {
	if !l.closed {
		for id, a := range l.entries {
			a.Correct = l.question.IsCorrect(a.Option)
			a.Points = score(l.question, a)
			l.entries[id] = a
		}

		for _, id := range playerIDs {
			if l.Has(id) {
				continue
			}
			l.entries[id] = domain.Answer{
				PlayerID:   id,
				QuestionID: l.question.ID,
				Option:     -1,
			}
		}

		l.closed = true
	}

	out := make([]domain.Answer, 0, len(playerIDs))
	for _, id := range playerIDs {
		if a, ok := l.entries[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Answer returns the entry of playerID.
func (l *Ledger) Answer(playerID string) (domain.Answer, bool) {
	a, ok := l.entries[playerID]
	return a, ok
}

// Tally counts answers per option. Correct and Incorrect only count submitted
// answers, Unanswered counts the zero entries added by Finalize.
func (l *Ledger) Tally() domain.Tally {
	t := domain.Tally{
		Options: make([]int, len(l.question.Options)),
	}

	for _, a := range l.entries {
		if !a.Answered {
			t.Unanswered++
			continue
		}

		t.Options[a.Option]++
		if l.question.IsCorrect(a.Option) {
			t.Correct++
		} else {
			t.Incorrect++
		}
	}

	return t
}
