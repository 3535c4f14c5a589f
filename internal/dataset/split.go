package dataset

import (
	"fmt"
	"math"
	"sort"
)

// SplitRatios are the train/validation/test fractions, in that order.
type SplitRatios [3]float64

func (r SplitRatios) validate() error {
	sum := 0.0
	for _, f := range r {
		if f < 0 {
			return fmt.Errorf("split ratio %g is negative", f)
		}
		sum += f
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("split ratios sum to %g, want 1", sum)
	}
	return nil
}

// Partition holds the three chronological slices of the usable rows.
type Partition struct {
	Train      []FeatureRow
	Validation []FeatureRow
	Test       []FeatureRow
}

// Split orders rows by time (location key breaks ties) and cuts the
// sequence at the ratio boundaries. Every training row therefore precedes
// or coincides with every validation row, and likewise for test.
func Split(rows []FeatureRow, ratios SplitRatios) (Partition, error) {
	if err := ratios.validate(); err != nil {
		return Partition{}, err
	}

	ordered := make([]FeatureRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].LocationKey < ordered[j].LocationKey
	})

	n := len(ordered)
	trainEnd := int(float64(n) * ratios[0])
	valEnd := trainEnd + int(float64(n)*ratios[1])
	if valEnd > n {
		valEnd = n
	}

	return Partition{
		Train:      ordered[:trainEnd],
		Validation: ordered[trainEnd:valEnd],
		Test:       ordered[valEnd:],
	}, nil
}
