package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aqmon/aqi-pipeline/internal/registry"
)

// Storage backend selectors.
const (
	StorageCSV      = "csv"
	StoragePostgres = "postgres"
)

// AppConfig is the process-wide immutable configuration. It is constructed
// once at startup and passed explicitly into every component that needs it.
type AppConfig struct {
	// Upstream API.
	OpenWeatherAPIKey string
	APIBaseURL        string

	// Scheduling cadence.
	CollectionInterval time.Duration
	DatasetInterval    time.Duration

	// Fetch resilience.
	RequestTimeout      time.Duration
	RetryAttempts       int // total attempts per location, including the first
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	DailyCallQuota      int

	// Storage.
	StorageBackend   string // "csv" or "postgres"
	DatabaseURL      string
	RawDataDir       string
	ProcessedDataDir string

	// Monitored locations.
	Locations []registry.Location

	// Validation thresholds.
	FieldRanges map[string][2]float64
	IQRFactor   float64
	MaxFillGap  int

	// Feature derivation parameters.
	TargetHorizonHours int
	LagHours           []int
	WindowHours        []int
	RateHours          []int
	TrackedFields      []string
	SplitRatios        [3]float64

	Port     string
	LogLevel string
}

// DefaultFieldRanges are the acceptable [min, max] value ranges per field,
// matching the upstream API's unit conventions (µg/m³, AQI 1..5).
func DefaultFieldRanges() map[string][2]float64 {
	return map[string][2]float64{
		"aqi":   {1, 5},
		"pm2_5": {0, 500},
		"pm10":  {0, 1000},
		"no2":   {0, 400},
		"o3":    {0, 500},
		"co":    {0, 50000},
		"so2":   {0, 1000},
		"no":    {0, 400},
		"nh3":   {0, 200},
	}
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	cfg := &AppConfig{}

	cfg.OpenWeatherAPIKey = os.Getenv("OPENWEATHER_API_KEY")
	cfg.APIBaseURL = getenvDefault("OPENWEATHER_BASE_URL", "http://api.openweathermap.org/data/2.5")

	var err error
	if cfg.CollectionInterval, err = getenvDuration("COLLECTION_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.DatasetInterval, err = getenvDuration("DATASET_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getenvDuration("REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryInitialBackoff, err = getenvDuration("RETRY_INITIAL_BACKOFF", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryMaxBackoff, err = getenvDuration("RETRY_MAX_BACKOFF", time.Minute); err != nil {
		return nil, err
	}

	cfg.RetryAttempts = getenvInt("RETRY_ATTEMPTS", 3)
	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	cfg.DailyCallQuota = getenvInt("DAILY_CALL_QUOTA", 1000)

	cfg.StorageBackend = getenvDefault("STORAGE_BACKEND", StorageCSV)
	if cfg.StorageBackend != StorageCSV && cfg.StorageBackend != StoragePostgres {
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q: want csv or postgres", cfg.StorageBackend)
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StorageBackend == StoragePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=postgres")
	}
	cfg.RawDataDir = getenvDefault("RAW_DATA_DIR", "data/raw")
	cfg.ProcessedDataDir = getenvDefault("PROCESSED_DATA_DIR", "data/processed")

	locs, err := loadLocations()
	if err != nil {
		return nil, err
	}
	cfg.Locations = locs

	cfg.FieldRanges = DefaultFieldRanges()
	cfg.IQRFactor = getenvFloat("IQR_FACTOR", 1.5)
	cfg.MaxFillGap = getenvInt("MAX_FILL_GAP", 3)

	cfg.TargetHorizonHours = getenvInt("TARGET_HORIZON_HOURS", 24)
	if cfg.TargetHorizonHours < 1 {
		return nil, fmt.Errorf("TARGET_HORIZON_HOURS must be at least 1")
	}
	if cfg.LagHours, err = getenvInts("LAG_HOURS", []int{1, 3, 6, 12, 24}); err != nil {
		return nil, err
	}
	if cfg.WindowHours, err = getenvInts("WINDOW_HOURS", []int{3, 6, 12, 24}); err != nil {
		return nil, err
	}
	if cfg.RateHours, err = getenvInts("RATE_HOURS", []int{1, 24}); err != nil {
		return nil, err
	}
	cfg.TrackedFields = getenvList("TRACKED_FIELDS", []string{"pm2_5", "pm10", "no2", "o3", "co", "so2"})

	cfg.SplitRatios = [3]float64{
		getenvFloat("SPLIT_TRAIN", 0.70),
		getenvFloat("SPLIT_VALIDATION", 0.15),
		getenvFloat("SPLIT_TEST", 0.15),
	}

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	return cfg, nil
}

// loadLocations parses LOCATIONS entries of the form
// "key,name,region,lat,lon" separated by semicolons. When unset, the
// built-in registry defaults are used.
func loadLocations() ([]registry.Location, error) {
	raw := strings.TrimSpace(os.Getenv("LOCATIONS"))
	if raw == "" {
		return registry.DefaultLocations(), nil
	}

	var locs []registry.Location
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ",")
		if len(parts) != 5 {
			return nil, fmt.Errorf("invalid LOCATIONS entry %q: want key,name,region,lat,lon", entry)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude in LOCATIONS entry %q: %w", entry, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude in LOCATIONS entry %q: %w", entry, err)
		}
		locs = append(locs, registry.Location{
			Key:       strings.TrimSpace(parts[0]),
			Name:      strings.TrimSpace(parts[1]),
			Region:    strings.TrimSpace(parts[2]),
			Latitude:  lat,
			Longitude: lon,
		})
	}
	if len(locs) == 0 {
		return nil, fmt.Errorf("LOCATIONS is set but contains no entries")
	}
	return locs, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvInts(key string, def []int) ([]int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, part, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("invalid %s entry %q: must be positive", key, part)
		}
		out = append(out, n)
	}
	return out, nil
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
