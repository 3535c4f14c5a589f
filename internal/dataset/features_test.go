package dataset

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
	"github.com/aqmon/aqi-pipeline/internal/config"
)

func testFeatureConfig() FeatureConfig {
	return FeatureConfig{
		TargetHorizonHours: 24,
		LagHours:           []int{1, 3, 6, 12, 24},
		WindowHours:        []int{3, 6, 12, 24},
		RateHours:          []int{1, 24},
		TrackedFields:      []string{"pm2_5", "pm10", "no2", "o3", "co", "so2"},
		FieldRanges:        config.DefaultFieldRanges(),
	}
}

// hourlySeries builds n fully populated hourly records for one location,
// with pm2_5 = 10 + i so derived values are easy to verify.
func hourlySeries(key string, start time.Time, n int) []airquality.Measurement {
	out := make([]airquality.Measurement, 0, n)
	for i := 0; i < n; i++ {
		m := fullRecord(key, start.Add(time.Duration(i)*time.Hour), 10+float64(i))
		m.AQI = 1 + i%5
		out = append(out, m)
	}
	return out
}

func TestDeriveLagValues(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	table := DeriveFeatures(hourlySeries("bangkok", start, 30), testFeatureConfig())
	require.Len(t, table.Rows, 30)

	row := table.Rows[25]
	assert.Equal(t, 10.0+25, row.Values["pm2_5"])
	assert.Equal(t, 10.0+24, row.Values["lag_pm2_5_1h"])
	assert.Equal(t, 10.0+19, row.Values["lag_pm2_5_6h"])
	assert.Equal(t, 10.0+1, row.Values["lag_pm2_5_24h"])

	// Warm-up rows have missing lags, never values from another location
	// or a wrapped-around slot.
	assert.True(t, airquality.IsMissing(table.Rows[0].Values["lag_pm2_5_1h"]))
	assert.True(t, airquality.IsMissing(table.Rows[23].Values["lag_pm2_5_24h"]))
	assert.False(t, airquality.IsMissing(table.Rows[24].Values["lag_pm2_5_24h"]))
}

func TestDeriveRollingStatistics(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	table := DeriveFeatures(hourlySeries("bangkok", start, 30), testFeatureConfig())

	// Full 3h window at row 2: values 10, 11, 12.
	row := table.Rows[2]
	assert.InDelta(t, 11.0, row.Values["roll_pm2_5_3h_mean"], 1e-9)
	assert.InDelta(t, 1.0, row.Values["roll_pm2_5_3h_std"], 1e-9)
	assert.Equal(t, 10.0, row.Values["roll_pm2_5_3h_min"])
	assert.Equal(t, 12.0, row.Values["roll_pm2_5_3h_max"])

	// Partial window at row 1: only two points exist.
	partial := table.Rows[1]
	assert.InDelta(t, 10.5, partial.Values["roll_pm2_5_3h_mean"], 1e-9)

	// Single-point window at row 0: std is defined as 0, not missing.
	first := table.Rows[0]
	assert.Equal(t, 10.0, first.Values["roll_pm2_5_3h_mean"])
	assert.Equal(t, 0.0, first.Values["roll_pm2_5_3h_std"])
}

func TestDeriveRateOfChange(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	table := DeriveFeatures(hourlySeries("bangkok", start, 30), testFeatureConfig())

	row := table.Rows[10]
	assert.InDelta(t, 1.0, row.Values["roc_pm2_5_1h"], 1e-9)
	assert.InDelta(t, 100.0/19.0, row.Values["roc_pct_pm2_5_1h"], 1e-9)

	// No 1h-earlier record: both rate columns missing.
	assert.True(t, airquality.IsMissing(table.Rows[0].Values["roc_pm2_5_1h"]))
	assert.True(t, airquality.IsMissing(table.Rows[0].Values["roc_pct_pm2_5_1h"]))
}

func TestDeriveTimeEncodings(t *testing.T) {
	// Saturday midnight, June.
	ts := time.Date(2026, 6, 6, 0, 0, 0, 0, time.UTC)
	table := DeriveFeatures([]airquality.Measurement{fullRecord("bangkok", ts, 10)}, testFeatureConfig())
	row := table.Rows[0]

	assert.InDelta(t, 0.0, row.Values["hour_sin"], 1e-9)
	assert.InDelta(t, 1.0, row.Values["hour_cos"], 1e-9)
	assert.Equal(t, 1.0, row.Values["is_weekend"])
	assert.Equal(t, 0.0, row.Values["part_of_day"])
	assert.Equal(t, 2.0, row.Values["season"])

	// Cyclical continuity: hour 23 and hour 0 are neighbors on the circle.
	late := time.Date(2026, 6, 6, 23, 0, 0, 0, time.UTC)
	lateTable := DeriveFeatures([]airquality.Measurement{fullRecord("bangkok", late, 10)}, testFeatureConfig())
	gap := math.Hypot(
		lateTable.Rows[0].Values["hour_sin"]-row.Values["hour_sin"],
		lateTable.Rows[0].Values["hour_cos"]-row.Values["hour_cos"],
	)
	assert.Less(t, gap, 0.3)
}

func TestDeriveTarget(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	records := hourlySeries("bangkok", start, 30)
	table := DeriveFeatures(records, testFeatureConfig())

	// Row i's target is the index value 24 hours later.
	for i := 0; i < 6; i++ {
		assert.Equal(t, float64(records[i+24].AQI), table.Rows[i].Target, "row %d", i)
	}
	// No record 24h ahead: target missing, row unusable.
	for i := 6; i < 30; i++ {
		assert.True(t, airquality.IsMissing(table.Rows[i].Target), "row %d", i)
		assert.False(t, table.Rows[i].Usable, "row %d", i)
	}
}

func TestDeriveNoLeakage(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	records := hourlySeries("bangkok", start, 30)
	cfg := testFeatureConfig()

	full := DeriveFeatures(records, cfg)
	// Recompute with everything after hour 20 removed; the surviving
	// rows' feature values must be identical.
	truncated := DeriveFeatures(records[:21], cfg)

	for i := 0; i <= 20; i++ {
		for _, col := range full.Columns {
			a := full.Rows[i].Values[col]
			b := truncated.Rows[i].Values[col]
			if airquality.IsMissing(a) {
				assert.True(t, airquality.IsMissing(b), "row %d col %s", i, col)
				continue
			}
			assert.Equal(t, a, b, "row %d col %s", i, col)
		}
	}
}

func TestDeriveUsableMask(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	records := hourlySeries("bangkok", start, 30)
	// Row 3 loses a tracked base field.
	records[3].PM10 = airquality.Missing
	// Row 4 loses an untracked field only.
	records[4].NH3 = airquality.Missing

	table := DeriveFeatures(records, testFeatureConfig())

	// Warm-up lag gaps alone do not disqualify: row 0 has no history at
	// all, yet its base fields and target are present.
	assert.True(t, table.Rows[0].Usable)
	assert.False(t, table.Rows[3].Usable)
	assert.True(t, table.Rows[4].Usable)
}

func TestDeriveScenarioUsableCount(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var records []airquality.Measurement
	for _, key := range []string{"bangkok", "delhi", "beijing"} {
		records = append(records, hourlySeries(key, start, 30)...)
	}

	table := DeriveFeatures(records, testFeatureConfig())
	require.Len(t, table.Rows, 90)

	usable := table.UsableRows()
	assert.Len(t, usable, 18)

	perLocation := map[string]int{}
	for _, row := range usable {
		perLocation[row.LocationKey]++
	}
	for _, key := range []string{"bangkok", "delhi", "beijing"} {
		assert.Equal(t, 6, perLocation[key], key)
	}
}

func TestDeriveLocationsAreIndependent(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	a := hourlySeries("bangkok", start, 2)
	// delhi has a single record one hour after bangkok's first; its lag
	// slot must stay empty rather than borrowing bangkok's reading.
	b := []airquality.Measurement{fullRecord("delhi", start.Add(time.Hour), 50)}

	table := DeriveFeatures(append(a, b...), testFeatureConfig())
	for _, row := range table.Rows {
		if row.LocationKey == "delhi" {
			assert.True(t, airquality.IsMissing(row.Values["lag_pm2_5_1h"]))
		}
	}
}

func TestDeriveInteractions(t *testing.T) {
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	m := fullRecord("bangkok", ts, 30)
	m.PM10 = 70

	table := DeriveFeatures([]airquality.Measurement{m}, testFeatureConfig())
	row := table.Rows[0]
	assert.Equal(t, 100.0, row.Values["pm_total"])
	assert.False(t, airquality.IsMissing(row.Values["pollutant_load"]))

	// A missing contributor makes the composite missing.
	m2 := fullRecord("bangkok", ts.Add(time.Hour), 30)
	m2.O3 = airquality.Missing
	table2 := DeriveFeatures([]airquality.Measurement{m2}, testFeatureConfig())
	assert.True(t, airquality.IsMissing(table2.Rows[0].Values["pollutant_load"]))
}

func TestDeriveColumnsCoverEveryRowValue(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cfg := testFeatureConfig()
	table := DeriveFeatures(hourlySeries("bangkok", start, 5), cfg)

	colSet := map[string]struct{}{}
	for _, c := range table.Columns {
		colSet[c] = struct{}{}
	}
	for i, row := range table.Rows {
		require.Equal(t, len(table.Columns), len(row.Values), "row %d", i)
		for col := range row.Values {
			_, ok := colSet[col]
			require.True(t, ok, fmt.Sprintf("row %d has undeclared column %s", i, col))
		}
	}
}
