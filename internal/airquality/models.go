package airquality

import (
	"context"
	"math"
	"time"
)

// PollutantFields lists the pollutant concentration columns in their fixed
// storage order (µg/m³).
var PollutantFields = []string{"co", "no", "no2", "o3", "so2", "pm2_5", "pm10", "nh3"}

// Columns is the fixed, documented field order of persisted measurements.
var Columns = append([]string{"timestamp", "location_key", "location_name", "region", "aqi"}, PollutantFields...)

// Missing is the in-memory marker for an absent concentration value.
// Persisted as an empty cell.
var Missing = math.NaN()

// IsMissing reports whether v marks an absent value.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Measurement is one air quality reading for one location at one instant.
// Immutable once persisted: never updated, only superseded by later
// timestamped records.
type Measurement struct {
	Timestamp    time.Time `json:"timestamp"` // source clock, always UTC
	LocationKey  string    `json:"location_key"`
	LocationName string    `json:"location_name"`
	Region       string    `json:"region"`

	// AQI is the composite index on the 1..5 ordinal scale.
	AQI int `json:"aqi"`

	CO   float64 `json:"co"`
	NO   float64 `json:"no"`
	NO2  float64 `json:"no2"`
	O3   float64 `json:"o3"`
	SO2  float64 `json:"so2"`
	PM25 float64 `json:"pm2_5"`
	PM10 float64 `json:"pm10"`
	NH3  float64 `json:"nh3"`
}

// Key returns the canonical dedup key: location plus source timestamp.
func (m Measurement) Key() string {
	return m.LocationKey + "|" + m.Timestamp.UTC().Format(time.RFC3339)
}

// Pollutant returns the named concentration value, Missing when absent.
func (m Measurement) Pollutant(field string) float64 {
	switch field {
	case "co":
		return m.CO
	case "no":
		return m.NO
	case "no2":
		return m.NO2
	case "o3":
		return m.O3
	case "so2":
		return m.SO2
	case "pm2_5":
		return m.PM25
	case "pm10":
		return m.PM10
	case "nh3":
		return m.NH3
	}
	return Missing
}

// SetPollutant overwrites the named concentration value.
func (m *Measurement) SetPollutant(field string, v float64) {
	switch field {
	case "co":
		m.CO = v
	case "no":
		m.NO = v
	case "no2":
		m.NO2 = v
	case "o3":
		m.O3 = v
	case "so2":
		m.SO2 = v
	case "pm2_5":
		m.PM25 = v
	case "pm10":
		m.PM10 = v
	case "nh3":
		m.NH3 = v
	}
}

// AQICategory maps the ordinal index to its label.
func AQICategory(aqi int) string {
	switch aqi {
	case 1:
		return "Good"
	case 2:
		return "Fair"
	case 3:
		return "Moderate"
	case 4:
		return "Poor"
	case 5:
		return "Very Poor"
	}
	return "Unknown"
}

// CollectionBatch is the set of measurements produced by one scheduled run.
// All records share the same nominal collection timestamp (to the minute).
type CollectionBatch struct {
	RunID        string
	CollectedAt  time.Time
	Measurements []Measurement
}

// FailureReason classifies why a location's fetch failed.
type FailureReason string

const (
	// FailureTransient covers timeouts, network errors and 5xx responses
	// that exhausted the retry budget.
	FailureTransient FailureReason = "transient"
	// FailureAuth covers rejected credentials; never retried.
	FailureAuth FailureReason = "auth"
	// FailureQuota marks locations skipped because the daily call quota
	// would be exceeded.
	FailureQuota FailureReason = "quota"
	// FailureBadRequest covers malformed coordinates or any other 4xx the
	// upstream rejects outright; never retried.
	FailureBadRequest FailureReason = "bad_request"
	// FailureMalformed marks responses that parsed but did not carry the
	// expected payload structure.
	FailureMalformed FailureReason = "malformed_response"
)

// LocationFailure reports one failed location with its reason.
type LocationFailure struct {
	LocationKey string        `json:"location_key"`
	Reason      FailureReason `json:"reason"`
	Err         error         `json:"-"`
	Detail      string        `json:"detail,omitempty"`
}

// FetchResult is the outcome of one fetch pass across all locations.
type FetchResult struct {
	Succeeded    []Measurement
	Failed       []LocationFailure
	APICallsUsed int
}

// QuotaUsage is a snapshot of the daily call budget.
type QuotaUsage struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Store is the contract every measurement store must satisfy. Append is
// all-or-nothing per batch; each appended unit is immutable. LoadAll
// returns every record ever written, ordered by timestamp, with exact
// (location_key, timestamp) duplicates collapsed to the first occurrence.
type Store interface {
	Append(ctx context.Context, batch CollectionBatch) (string, error)
	LoadAll(ctx context.Context) ([]Measurement, error)
}

// LoadReporter is implemented by stores whose LoadAll can degrade by
// skipping unreadable units. SkippedUnits reports how many units the most
// recent LoadAll dropped.
type LoadReporter interface {
	SkippedUnits() int
}
