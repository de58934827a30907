package reconcile

import (
	"fmt"
	"math"
)

// Aggregate is the pre-penalty score of one raw row.
type Aggregate struct {
	Base        float64
	ExtraCredit float64
	Holistic    bool // taken from a total-score component
}

// Total is base plus extra credit.
func (a Aggregate) Total() float64 { return a.Base + a.ExtraCredit }

// AggregateComponents folds the components of one row into a pre-penalty
// score. Base components are ordinal values on 0..OrdinalScaleMax averaged
// and scaled to pointsPossible; extra credit is scaled the same way against
// ECPoints. A row with no base components falls back to its first total-score
// component, used as-is.
func AggregateComponents(components []Component, pointsPossible float64, opts Options) (Aggregate, error) {
	scaleMax := float64(opts.OrdinalScaleMax)

	var (
		baseSum, ecSum float64
		nBase, nEC     int
		total          *Component
	)
	for i := range components {
		c := &components[i]
		if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
			return Aggregate{}, fmt.Errorf("%w: component %q is not a number", ErrMalformedScoreRow, c.Label)
		}
		switch {
		case c.IsTotal:
			if total == nil {
				total = c
			}
		case c.IsExtraCredit:
			ecSum += c.Value
			nEC++
		default:
			baseSum += c.Value
			nBase++
		}
	}

	if nBase == 0 {
		if total == nil {
			return Aggregate{}, fmt.Errorf("%w: %w", ErrMalformedScoreRow, ErrMissingTotal)
		}
		return Aggregate{Base: total.Value, Holistic: true}, nil
	}

	agg := Aggregate{Base: pointsPossible * (baseSum / scaleMax) / float64(nBase)}
	if nEC > 0 {
		agg.ExtraCredit = opts.ECPoints * (ecSum / scaleMax) / float64(nEC)
	}
	return agg, nil
}
