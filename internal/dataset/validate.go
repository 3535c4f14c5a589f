// Package dataset transforms accumulated raw measurements into a validated,
// feature-enriched dataset: validation, cleaning, quality reporting, feature
// derivation and time-ordered partitioning.
package dataset

import (
	"fmt"
	"math"
	"sort"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
)

// Rules holds the configured validation thresholds.
type Rules struct {
	// Ranges maps field name to its acceptable [min, max].
	Ranges map[string][2]float64
	// IQRFactor scales the interquartile fence (1.5 is the usual choice).
	IQRFactor float64
}

// FlagReason says why a field value was flagged.
type FlagReason string

const (
	FlagRange   FlagReason = "out_of_range"
	FlagOutlier FlagReason = "iqr_outlier"
)

// FieldFlag records one flagged field value on a corrected record.
type FieldFlag struct {
	Field  string     `json:"field"`
	Value  float64    `json:"value"`
	Reason FlagReason `json:"reason"`
}

// CorrectedRecord carries a record whose flagged fields were masked to
// missing, together with the flags explaining what was masked and why.
type CorrectedRecord struct {
	Measurement airquality.Measurement
	Flags       []FieldFlag
}

// RejectedRecord carries a record that failed schema validation outright.
type RejectedRecord struct {
	Measurement airquality.Measurement
	Reason      string
}

// ValidationResult is an exhaustive, disjoint partition of the input:
// every input record appears in exactly one of the three classes.
type ValidationResult struct {
	Valid     []airquality.Measurement
	Corrected []CorrectedRecord
	Rejected  []RejectedRecord
}

// Records merges the valid and corrected (masked) measurements in input
// order, ready for cleaning.
func (r ValidationResult) Records() []airquality.Measurement {
	out := make([]airquality.Measurement, 0, len(r.Valid)+len(r.Corrected))
	out = append(out, r.Valid...)
	for _, c := range r.Corrected {
		out = append(out, c.Measurement)
	}
	return out
}

// Validate partitions records into valid, corrected and rejected.
//
// Schema violations (unknown location, zero timestamp, composite index
// outside its ordinal range) reject the record outright. Out-of-range
// pollutant values and values beyond the per-field interquartile fence
// computed over the full input are flagged and masked to missing, so the
// Cleaner can attempt correction; the record itself survives as corrected.
func Validate(records []airquality.Measurement, knownLocation func(string) bool, rules Rules) ValidationResult {
	var result ValidationResult

	aqiRange, hasAQIRange := rules.Ranges["aqi"]

	schemaValid := make([]airquality.Measurement, 0, len(records))
	for _, m := range records {
		if reason := schemaViolation(m, knownLocation, aqiRange, hasAQIRange); reason != "" {
			result.Rejected = append(result.Rejected, RejectedRecord{Measurement: m, Reason: reason})
			continue
		}
		schemaValid = append(schemaValid, m)
	}

	fences := iqrFences(schemaValid, rules.IQRFactor)

	for _, m := range schemaValid {
		var flags []FieldFlag
		for _, field := range airquality.PollutantFields {
			v := m.Pollutant(field)
			if airquality.IsMissing(v) {
				continue
			}
			if r, ok := rules.Ranges[field]; ok && (v < r[0] || v > r[1]) {
				flags = append(flags, FieldFlag{Field: field, Value: v, Reason: FlagRange})
				m.SetPollutant(field, airquality.Missing)
				continue
			}
			if f, ok := fences[field]; ok && (v < f.lo || v > f.hi) {
				flags = append(flags, FieldFlag{Field: field, Value: v, Reason: FlagOutlier})
				m.SetPollutant(field, airquality.Missing)
			}
		}

		if len(flags) == 0 {
			result.Valid = append(result.Valid, m)
		} else {
			result.Corrected = append(result.Corrected, CorrectedRecord{Measurement: m, Flags: flags})
		}
	}

	return result
}

func schemaViolation(m airquality.Measurement, knownLocation func(string) bool, aqiRange [2]float64, hasAQIRange bool) string {
	if m.LocationKey == "" || !knownLocation(m.LocationKey) {
		return fmt.Sprintf("unknown location_key %q", m.LocationKey)
	}
	if m.Timestamp.IsZero() {
		return "missing timestamp"
	}
	if hasAQIRange && (float64(m.AQI) < aqiRange[0] || float64(m.AQI) > aqiRange[1]) {
		return fmt.Sprintf("aqi %d outside ordinal range [%g, %g]", m.AQI, aqiRange[0], aqiRange[1])
	}
	return ""
}

type fence struct {
	lo, hi float64
}

// iqrFences computes the per-field interquartile fence across the full
// history. Fields with fewer than 4 observed values get no fence; the
// quartiles would be meaningless.
func iqrFences(records []airquality.Measurement, factor float64) map[string]fence {
	if factor <= 0 {
		return nil
	}

	fences := make(map[string]fence, len(airquality.PollutantFields))
	for _, field := range airquality.PollutantFields {
		values := make([]float64, 0, len(records))
		for _, m := range records {
			if v := m.Pollutant(field); !airquality.IsMissing(v) {
				values = append(values, v)
			}
		}
		if len(values) < 4 {
			continue
		}
		sort.Float64s(values)
		q1 := quantile(values, 0.25)
		q3 := quantile(values, 0.75)
		iqr := q3 - q1
		fences[field] = fence{lo: q1 - factor*iqr, hi: q3 + factor*iqr}
	}
	return fences
}

// quantile returns the q-quantile of sorted values using linear
// interpolation between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
