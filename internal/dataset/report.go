package dataset

import (
	"time"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
)

// DateRange is the closed interval covered by a dataset.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// QualityReport summarizes the cleaned dataset.
//
// Completeness is the observed fraction of pollutant cells: a report over
// n records and f pollutant fields with m missing cells has overall
// completeness 1 - m/(n*f). Per-location completeness applies the same
// arithmetic to that location's records.
type QualityReport struct {
	TotalRecords         int                `json:"total_records"`
	Locations            int                `json:"locations"`
	DateRange            DateRange          `json:"date_range"`
	MissingByField       map[string]int     `json:"missing_by_field"`
	LocationCompleteness map[string]float64 `json:"location_completeness"`
	OverallCompleteness  float64            `json:"overall_completeness"`
}

// BuildQualityReport computes the quality report for a set of records.
func BuildQualityReport(records []airquality.Measurement) QualityReport {
	report := QualityReport{
		TotalRecords:         len(records),
		MissingByField:       make(map[string]int, len(airquality.PollutantFields)),
		LocationCompleteness: make(map[string]float64),
	}
	for _, field := range airquality.PollutantFields {
		report.MissingByField[field] = 0
	}
	if len(records) == 0 {
		report.OverallCompleteness = 1
		return report
	}

	type locStats struct {
		cells, missing int
	}
	byLocation := make(map[string]*locStats)

	totalMissing := 0
	for _, m := range records {
		ls, ok := byLocation[m.LocationKey]
		if !ok {
			ls = &locStats{}
			byLocation[m.LocationKey] = ls
		}
		for _, field := range airquality.PollutantFields {
			ls.cells++
			if airquality.IsMissing(m.Pollutant(field)) {
				ls.missing++
				totalMissing++
				report.MissingByField[field]++
			}
		}
		ts := m.Timestamp
		if report.DateRange.Start.IsZero() || ts.Before(report.DateRange.Start) {
			report.DateRange.Start = ts
		}
		if ts.After(report.DateRange.End) {
			report.DateRange.End = ts
		}
	}

	report.Locations = len(byLocation)
	for key, ls := range byLocation {
		report.LocationCompleteness[key] = 1 - float64(ls.missing)/float64(ls.cells)
	}
	totalCells := len(records) * len(airquality.PollutantFields)
	report.OverallCompleteness = 1 - float64(totalMissing)/float64(totalCells)
	return report
}
