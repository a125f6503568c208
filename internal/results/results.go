// Package results builds the final report of a quiz session.
package results

import (
	"slices"
	"time"

	"github.com/victornm/quizlive/internal/domain"
)

// Round is one played question together with its finalized answers.
type Round struct {
	Question domain.Question
	Tally    domain.Tally
	Answers  []domain.Answer
}

// Aggregate ranks players by total points and builds the per-question
// breakdown. players must be in join order.
//
// Equal totals are ordered by the cumulative score just before the tie began:
// cumulative scores are compared from the second-to-last question backwards
// and the first difference decides. Players tied all along keep join order.
func Aggregate(pin string, players []domain.Player, rounds []Round, now time.Time) *domain.Results {
	var (
		cumulative = make(map[string][]int, len(players))
		correct    = make(map[string]int, len(players))
		names      = make(map[string]string, len(players))
	)

	for _, p := range players {
		cumulative[p.ID] = make([]int, len(rounds))
		names[p.ID] = p.Name
	}

	r := &domain.Results{
		PIN:            pin,
		FinishedAt:     now,
		TotalQuestions: len(rounds),
		Questions:      make([]domain.QuestionBreakdown, 0, len(rounds)),
	}

	for i, rd := range rounds {
		points := make(map[string]domain.Answer, len(rd.Answers))
		for _, a := range rd.Answers {
			points[a.PlayerID] = a
		}

		qb := domain.QuestionBreakdown{
			QuestionID: rd.Question.ID,
			Prompt:     rd.Question.Prompt,
			Options:    rd.Question.Options,
			Correct:    rd.Question.Correct,
			Tally:      rd.Tally,
			Answers:    make([]domain.PlayerAnswer, 0, len(players)),
		}

		for _, p := range players {
			a, ok := points[p.ID]

			prev := 0
			if i > 0 {
				prev = cumulative[p.ID][i-1]
			}
			cumulative[p.ID][i] = prev + a.Points

			pa := domain.PlayerAnswer{
				PlayerID: p.ID,
				Name:     p.Name,
			}
			if ok && a.Answered {
				opt := a.Option
				pa.Option = &opt
				pa.Correct = a.Correct
				pa.Points = a.Points
				pa.TimeSpentMs = a.TimeSpentMs
				if a.Correct {
					correct[p.ID]++
				}
			}
			qb.Answers = append(qb.Answers, pa)
		}

		r.Questions = append(r.Questions, qb)
	}

	order := make([]int, len(players))
	for i := range order {
		order[i] = i
	}

	slices.SortStableFunc(order, func(a, b int) int {
		ca, cb := cumulative[players[a].ID], cumulative[players[b].ID]
		for k := len(rounds) - 1; k >= 0; k-- {
			if ca[k] != cb[k] {
				return cb[k] - ca[k]
			}
		}
		return a - b
	})

	r.Leaderboard = make([]domain.LeaderboardEntry, 0, len(players))
	for rank, idx := range order {
		p := players[idx]
		total := 0
		if n := len(rounds); n > 0 {
			total = cumulative[p.ID][n-1]
		}

		r.Leaderboard = append(r.Leaderboard, domain.LeaderboardEntry{
			Rank:           rank + 1,
			PlayerID:       p.ID,
			Name:           names[p.ID],
			Score:          total,
			CorrectAnswers: correct[p.ID],
		})
	}

	return r
}
