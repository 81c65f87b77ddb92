// Package template provides A/B variant rotation and winner detection for
// campaign email templates.
package template

import (
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"dealerflow_backend/platform/apperr"
)

const (
	// DefaultMinSampleSize is the aggregate send count below which open-rate
	// differences are not considered meaningful.
	DefaultMinSampleSize = 30
	// DefaultWinnerMargin is the open-rate lead (in rate points, 0.10 = 10pt)
	// the top variant needs over the runner-up to be promoted.
	DefaultWinnerMargin = 0.10
)

// Variant is one template's rotation view.
type Variant struct {
	ID        uuid.UUID
	Name      string
	SentCount int
	OpenCount int
	IsWinner  bool
}

// OpenRate returns opens per send; zero for never-sent variants.
func (v Variant) OpenRate() float64 {
	if v.SentCount == 0 {
		return 0
	}
	return float64(v.OpenCount) / float64(v.SentCount)
}

// Promotion describes a winner-detection outcome.
type Promotion struct {
	Promoted   bool
	WinnerID   uuid.UUID
	RunnerUpID uuid.UUID
	OpenRate   float64
	Margin     float64
}

// Engine implements the rotation and winner policies. Randomness is confined
// to tie-breaking among equally under-sent variants.
type Engine struct {
	minSampleSize int
	winnerMargin  float64
	rng           *rand.Rand
}

func NewEngine() *Engine {
	return &Engine{
		minSampleSize: DefaultMinSampleSize,
		winnerMargin:  DefaultWinnerMargin,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select picks the variant for the next send. An existing winner always
// short-circuits; otherwise selection is uniform among the variants tied at
// the minimum send count, so no variant is ever starved and send counts never
// spread by more than one.
func (e *Engine) Select(variants []Variant) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, apperr.Validation("campaign has no templates configured")
	}

	for _, v := range variants {
		if v.IsWinner {
			return v, nil
		}
	}

	minSent := variants[0].SentCount
	for _, v := range variants[1:] {
		if v.SentCount < minSent {
			minSent = v.SentCount
		}
	}

	tied := make([]Variant, 0, len(variants))
	for _, v := range variants {
		if v.SentCount == minSent {
			tied = append(tied, v)
		}
	}

	return tied[e.rng.Intn(len(tied))], nil
}

// EvaluateWinner ranks variants by open rate and reports whether the top one
// should be promoted. Variants with no sends are excluded from the ranking;
// they keep rotating via Select until sampled.
func (e *Engine) EvaluateWinner(variants []Variant) Promotion {
	var aggregateSent int
	ranked := make([]Variant, 0, len(variants))
	for _, v := range variants {
		aggregateSent += v.SentCount
		if v.SentCount > 0 {
			ranked = append(ranked, v)
		}
	}

	if aggregateSent < e.minSampleSize || len(ranked) < 2 {
		return Promotion{}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].OpenRate() > ranked[j].OpenRate()
	})

	top, second := ranked[0], ranked[1]
	margin := top.OpenRate() - second.OpenRate()
	if margin < e.winnerMargin {
		return Promotion{}
	}

	return Promotion{
		Promoted:   true,
		WinnerID:   top.ID,
		RunnerUpID: second.ID,
		OpenRate:   top.OpenRate(),
		Margin:     margin,
	}
}
