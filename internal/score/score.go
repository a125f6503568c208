// Package score computes the points awarded for an answer.
package score

import (
	"github.com/shopspring/decimal"

	"github.com/victornm/quizlive/internal/domain"
)

var (
	one  = decimal.NewFromInt(1)
	half = decimal.NewFromFloat(0.5)
)

// Score returns the points a correct answer earns: full credit at zero elapsed
// time, decaying linearly to half credit at the deadline and never below it.
// Wrong answers earn nothing.
func Score(q domain.Question, a domain.Answer) int {
	if !a.Answered || !q.IsCorrect(a.Option) {
		return 0
	}

	factor := one
	if q.TimeLimitMs > 0 {
		spent := decimal.NewFromInt(max(a.TimeSpentMs, 0))
		factor = one.Sub(spent.Div(decimal.NewFromInt(q.TimeLimitMs)).Mul(half))
		factor = decimal.Max(half, factor)
	}

	return int(decimal.NewFromInt(int64(q.MaxPoints)).Mul(factor).Round(0).IntPart())
}
