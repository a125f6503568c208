// Package quiz loads and validates the question sets games are played with.
package quiz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
)

// Source returns the ordered questions of a stored quiz.
type Source interface {
	ListQuestions(ctx context.Context, quizID string) ([]domain.Question, error)
}

var ErrNoSource = errors.FailedPrecondition("stored quizzes are not available")

func ErrQuizNotFound(id string) *errors.Error {
	return errors.NotFound("quiz %s not found", id)
}

type Defaults struct {
	TimeLimit time.Duration
	MaxPoints int
}

// Normalize validates qs and fills in the defaults. The input is not modified.
func Normalize(qs []domain.Question, d Defaults) ([]domain.Question, error) {
	if len(qs) == 0 {
		return nil, errors.InvalidArgument("a game needs at least one question")
	}

	out := make([]domain.Question, 0, len(qs))
	seen := make(map[string]bool, len(qs))

	for i, q := range qs {
		q.Prompt = strings.TrimSpace(q.Prompt)
		q.Options = append([]string(nil), q.Options...)
		q.Correct = append([]int(nil), q.Correct...)

		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
		if seen[q.ID] {
			return nil, errors.InvalidArgument("question %d: duplicate id %q", i, q.ID)
		}
		seen[q.ID] = true

		if err := validate(q); err != nil {
			return nil, errors.InvalidArgument("question %d: %s", i, err)
		}

		if q.TimeLimitMs == 0 {
			q.TimeLimitMs = d.TimeLimit.Milliseconds()
		}
		if q.MaxPoints == 0 {
			q.MaxPoints = d.MaxPoints
		}

		out = append(out, q)
	}

	return out, nil
}

func validate(q domain.Question) error {
	switch {
	case q.Prompt == "":
		return fmt.Errorf("content is required")
	case len(q.Options) < 2:
		return fmt.Errorf("at least 2 options are required")
	case len(q.Correct) == 0:
		return fmt.Errorf("at least one correct option is required")
	case q.TimeLimitMs < 0:
		return fmt.Errorf("time limit must not be negative")
	case q.MaxPoints < 0:
		return fmt.Errorf("max points must not be negative")
	}

	for _, c := range q.Correct {
		if c < 0 || c >= len(q.Options) {
			return fmt.Errorf("correct option %d out of range", c)
		}
	}

	return nil
}
