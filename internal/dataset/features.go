package dataset

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
)

// FeatureConfig controls which derived columns are produced.
type FeatureConfig struct {
	// TargetHorizonHours is how far ahead the prediction target lies.
	TargetHorizonHours int
	// LagHours lists the offsets for lagged copies of tracked fields.
	LagHours []int
	// WindowHours lists the rolling-statistic window lengths.
	WindowHours []int
	// RateHours lists the offsets for rate-of-change columns.
	RateHours []int
	// TrackedFields are the pollutant fields that get lag, rolling and
	// rate columns. The index field is always tracked.
	TrackedFields []string
	// FieldRanges supplies the normalization denominators for the
	// composite load column.
	FieldRanges map[string][2]float64
}

// TargetColumn is the name of the prediction target column.
func (c FeatureConfig) TargetColumn() string {
	return fmt.Sprintf("target_aqi_%dh", c.TargetHorizonHours)
}

// tracked returns the fields that get history-derived columns, index first.
func (c FeatureConfig) tracked() []string {
	out := make([]string, 0, len(c.TrackedFields)+1)
	out = append(out, "aqi")
	out = append(out, c.TrackedFields...)
	return out
}

// FeatureRow is one derived row. Values holds every feature column keyed
// by name; missing values are NaN. Target is the future index value, NaN
// when the horizon record is absent.
type FeatureRow struct {
	LocationKey string
	Timestamp   time.Time
	Values      map[string]float64
	Target      float64
	// Usable marks rows fit for modeling: the target and every tracked
	// base field are present. History warm-up gaps in lag, rolling and
	// rate columns do not disqualify a row on their own.
	Usable bool
}

// FeatureTable is the full derived dataset with a fixed column order.
type FeatureTable struct {
	Columns      []string
	TargetColumn string
	Rows         []FeatureRow
}

// UsableRows returns the rows marked usable, preserving order.
func (t *FeatureTable) UsableRows() []FeatureRow {
	out := make([]FeatureRow, 0, len(t.Rows))
	for _, r := range t.Rows {
		if r.Usable {
			out = append(out, r)
		}
	}
	return out
}

// DeriveFeatures builds the feature table from cleaned records.
//
// All history-derived columns look strictly backward: a row at time t uses
// records at t and earlier only, and the target at t uses the index value
// at exactly t plus the horizon. Rolling statistics accept partial windows
// down to a single point.
func DeriveFeatures(records []airquality.Measurement, cfg FeatureConfig) *FeatureTable {
	table := &FeatureTable{
		Columns:      featureColumns(cfg),
		TargetColumn: cfg.TargetColumn(),
	}

	byLocation := make(map[string][]airquality.Measurement)
	var order []string
	for _, m := range records {
		if _, ok := byLocation[m.LocationKey]; !ok {
			order = append(order, m.LocationKey)
		}
		byLocation[m.LocationKey] = append(byLocation[m.LocationKey], m)
	}
	sort.Strings(order)

	for _, key := range order {
		series := byLocation[key]
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].Timestamp.Before(series[j].Timestamp)
		})

		// First record per hour bucket wins the lookup slot.
		index := make(map[int64]airquality.Measurement, len(series))
		for _, m := range series {
			b := hourBucket(m.Timestamp)
			if _, taken := index[b]; !taken {
				index[b] = m
			}
		}

		for _, m := range series {
			table.Rows = append(table.Rows, deriveRow(m, index, cfg))
		}
	}
	return table
}

func deriveRow(m airquality.Measurement, index map[int64]airquality.Measurement, cfg FeatureConfig) FeatureRow {
	values := make(map[string]float64, len(cfg.tracked())*8)

	values["aqi"] = float64(m.AQI)
	for _, field := range airquality.PollutantFields {
		values[field] = m.Pollutant(field)
	}

	addTimeFeatures(values, m.Timestamp)

	bucket := hourBucket(m.Timestamp)
	lookup := func(hoursBack int, field string) float64 {
		past, ok := index[bucket-int64(hoursBack)*3600]
		if !ok {
			return airquality.Missing
		}
		return fieldValue(past, field)
	}

	for _, field := range cfg.tracked() {
		for _, n := range cfg.LagHours {
			values[fmt.Sprintf("lag_%s_%dh", field, n)] = lookup(n, field)
		}
		for _, w := range cfg.WindowHours {
			window := make([]float64, 0, w)
			for back := 0; back < w; back++ {
				if v := lookup(back, field); !airquality.IsMissing(v) {
					window = append(window, v)
				}
			}
			prefix := fmt.Sprintf("roll_%s_%dh", field, w)
			mean, std, min, max := windowStats(window)
			values[prefix+"_mean"] = mean
			values[prefix+"_std"] = std
			values[prefix+"_min"] = min
			values[prefix+"_max"] = max
		}
		current := fieldValue(m, field)
		for _, n := range cfg.RateHours {
			past := lookup(n, field)
			abs, pct := airquality.Missing, airquality.Missing
			if !airquality.IsMissing(current) && !airquality.IsMissing(past) {
				abs = current - past
				if past != 0 {
					pct = abs / past * 100
				}
			}
			values[fmt.Sprintf("roc_%s_%dh", field, n)] = abs
			values[fmt.Sprintf("roc_pct_%s_%dh", field, n)] = pct
		}
	}

	addInteractions(values, m, cfg)

	row := FeatureRow{
		LocationKey: m.LocationKey,
		Timestamp:   m.Timestamp,
		Values:      values,
		Target:      lookup(-cfg.TargetHorizonHours, "aqi"),
	}
	row.Usable = isUsable(m, row.Target, cfg)
	return row
}

func addTimeFeatures(values map[string]float64, ts time.Time) {
	ts = ts.UTC()
	hour := float64(ts.Hour())
	values["hour_sin"] = math.Sin(2 * math.Pi * hour / 24)
	values["hour_cos"] = math.Cos(2 * math.Pi * hour / 24)

	// Monday = 0, matching the weekend encoding below.
	dow := float64((int(ts.Weekday()) + 6) % 7)
	values["dow_sin"] = math.Sin(2 * math.Pi * dow / 7)
	values["dow_cos"] = math.Cos(2 * math.Pi * dow / 7)

	month := float64(ts.Month() - 1)
	values["month_sin"] = math.Sin(2 * math.Pi * month / 12)
	values["month_cos"] = math.Cos(2 * math.Pi * month / 12)

	values["part_of_day"] = float64(ts.Hour() / 6)
	if dow >= 5 {
		values["is_weekend"] = 1
	} else {
		values["is_weekend"] = 0
	}
	values["season"] = season(ts.Month())
}

func season(m time.Month) float64 {
	switch m {
	case time.December, time.January, time.February:
		return 0
	case time.March, time.April, time.May:
		return 1
	case time.June, time.July, time.August:
		return 2
	default:
		return 3
	}
}

func addInteractions(values map[string]float64, m airquality.Measurement, cfg FeatureConfig) {
	pm25 := m.Pollutant("pm2_5")
	pm10 := m.Pollutant("pm10")
	if airquality.IsMissing(pm25) || airquality.IsMissing(pm10) {
		values["pm_total"] = airquality.Missing
	} else {
		values["pm_total"] = pm25 + pm10
	}

	// Composite load: mean of the tracked pollutants normalized by their
	// configured maxima. Missing if any contributing value is.
	load, n := 0.0, 0
	for _, field := range cfg.TrackedFields {
		v := m.Pollutant(field)
		r, ok := cfg.FieldRanges[field]
		if airquality.IsMissing(v) || !ok || r[1] <= 0 {
			values["pollutant_load"] = airquality.Missing
			return
		}
		load += v / r[1]
		n++
	}
	if n == 0 {
		values["pollutant_load"] = airquality.Missing
		return
	}
	values["pollutant_load"] = load / float64(n)
}

func isUsable(m airquality.Measurement, target float64, cfg FeatureConfig) bool {
	if airquality.IsMissing(target) {
		return false
	}
	for _, field := range cfg.TrackedFields {
		if airquality.IsMissing(m.Pollutant(field)) {
			return false
		}
	}
	return true
}

// windowStats returns mean, sample standard deviation, min and max of the
// window. A single point has std 0; an empty window is all missing.
func windowStats(window []float64) (mean, std, min, max float64) {
	if len(window) == 0 {
		return airquality.Missing, airquality.Missing, airquality.Missing, airquality.Missing
	}
	min, max = window[0], window[0]
	sum := 0.0
	for _, v := range window {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean = sum / float64(len(window))
	if len(window) == 1 {
		return mean, 0, min, max
	}
	ss := 0.0
	for _, v := range window {
		d := v - mean
		ss += d * d
	}
	std = math.Sqrt(ss / float64(len(window)-1))
	return mean, std, min, max
}

func fieldValue(m airquality.Measurement, field string) float64 {
	if field == "aqi" {
		return float64(m.AQI)
	}
	return m.Pollutant(field)
}

func hourBucket(ts time.Time) int64 {
	return ts.UTC().Truncate(time.Hour).Unix()
}

// featureColumns fixes the column order: base fields, time encodings,
// then per-tracked-field history columns, then interactions.
func featureColumns(cfg FeatureConfig) []string {
	cols := []string{"aqi"}
	cols = append(cols, airquality.PollutantFields...)
	cols = append(cols,
		"hour_sin", "hour_cos",
		"dow_sin", "dow_cos",
		"month_sin", "month_cos",
		"part_of_day", "is_weekend", "season",
	)
	for _, field := range cfg.tracked() {
		for _, n := range cfg.LagHours {
			cols = append(cols, fmt.Sprintf("lag_%s_%dh", field, n))
		}
		for _, w := range cfg.WindowHours {
			prefix := fmt.Sprintf("roll_%s_%dh", field, w)
			cols = append(cols, prefix+"_mean", prefix+"_std", prefix+"_min", prefix+"_max")
		}
		for _, n := range cfg.RateHours {
			cols = append(cols, fmt.Sprintf("roc_%s_%dh", field, n), fmt.Sprintf("roc_pct_%s_%dh", field, n))
		}
	}
	cols = append(cols, "pm_total", "pollutant_load")
	return cols
}
