package settlement

import (
	"errors"
	"math/rand/v2"

	"github.com/shopspring/decimal"
)

// ErrNoCandidates is returned when a bonus winner is picked from nobody.
var ErrNoCandidates = errors.New("settlement: no bonus candidates")

// Candidate is a winning-pool member eligible for the bonus.
type Candidate struct {
	UserID string
	Weight decimal.Decimal // typically the member's balance
}

// Picker chooses the distinguished bonus winner.
type Picker interface {
	Pick(candidates []Candidate) (string, error)
}

// WeightedPicker picks a candidate with probability proportional to its weight.
type WeightedPicker struct {
	// Float returns a value in [0, 1). Defaults to math/rand/v2.
	Float func() float64
}

// NewWeightedPicker returns a balance-weighted random picker.
func NewWeightedPicker() *WeightedPicker {
	return &WeightedPicker{Float: rand.Float64}
}

func (p *WeightedPicker) Pick(candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}
	total := decimal.Zero
	for _, c := range candidates {
		if c.Weight.IsPositive() {
			total = total.Add(c.Weight)
		}
	}
	if !total.IsPositive() {
		return candidates[0].UserID, nil
	}

	float := p.Float
	if float == nil {
		float = rand.Float64
	}
	target := total.Mul(decimal.NewFromFloat(float()))

	acc := decimal.Zero
	for _, c := range candidates {
		if !c.Weight.IsPositive() {
			continue
		}
		acc = acc.Add(c.Weight)
		if target.LessThan(acc) {
			return c.UserID, nil
		}
	}
	// Rounding can leave target == total; fall back to the last weighted candidate.
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i].Weight.IsPositive() {
			return candidates[i].UserID, nil
		}
	}
	return candidates[0].UserID, nil
}

// FixedPicker always picks the given user. Used when the bonus winner is
// chosen outside the engine.
type FixedPicker string

func (f FixedPicker) Pick(candidates []Candidate) (string, error) {
	for _, c := range candidates {
		if c.UserID == string(f) {
			return c.UserID, nil
		}
	}
	return "", ErrNoCandidates
}
