package dataset

import (
	"sort"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
)

// CleanOptions controls the cleaning pass.
type CleanOptions struct {
	// MaxFillGap bounds how many consecutive missing values per field and
	// location may be forward-filled. Longer gaps stay missing.
	MaxFillGap int
}

// Clean deduplicates, orders and gap-fills the validated records and
// reports on the quality of what remains.
//
// Duplicates on (location_key, timestamp) keep the first occurrence.
// Records are ordered by location then timestamp, and short runs of
// missing pollutant values are forward-filled within each location's
// series, never across locations.
func Clean(records []airquality.Measurement, opts CleanOptions) ([]airquality.Measurement, QualityReport) {
	seen := make(map[string]struct{}, len(records))
	cleaned := make([]airquality.Measurement, 0, len(records))
	for _, m := range records {
		key := m.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, m)
	}

	sort.SliceStable(cleaned, func(i, j int) bool {
		if cleaned[i].LocationKey != cleaned[j].LocationKey {
			return cleaned[i].LocationKey < cleaned[j].LocationKey
		}
		return cleaned[i].Timestamp.Before(cleaned[j].Timestamp)
	})

	if opts.MaxFillGap > 0 {
		forwardFill(cleaned, opts.MaxFillGap)
	}

	return cleaned, BuildQualityReport(cleaned)
}

// forwardFill fills missing pollutant values from the most recent observed
// value of the same location and field, up to maxGap consecutive fills.
// The slice must already be ordered by location then timestamp.
func forwardFill(records []airquality.Measurement, maxGap int) {
	type carry struct {
		value float64
		run   int
		valid bool
	}

	var loc string
	state := make(map[string]*carry, len(airquality.PollutantFields))

	for i := range records {
		if records[i].LocationKey != loc {
			loc = records[i].LocationKey
			for _, field := range airquality.PollutantFields {
				state[field] = &carry{}
			}
		}
		for _, field := range airquality.PollutantFields {
			c := state[field]
			v := records[i].Pollutant(field)
			if !airquality.IsMissing(v) {
				c.value, c.run, c.valid = v, 0, true
				continue
			}
			if c.valid && c.run < maxGap {
				records[i].SetPollutant(field, c.value)
				c.run++
			}
		}
	}
}
