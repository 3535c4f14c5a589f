package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
)

const rawFilePattern = "aqi_data_*.csv"

// CSVStore persists collection batches as immutable CSV units, one file per
// batch, named by the batch's collection timestamp. Files are written to a
// temp path and renamed into place, so a unit is either fully present or
// absent; previously written units are never touched.
type CSVStore struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	skipped int
}

// NewCSVStore creates the store rooted at dir, creating it if needed.
func NewCSVStore(dir string, logger *slog.Logger) (*CSVStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create raw data dir: %w", err)
	}
	return &CSVStore{dir: dir, logger: logger.With("component", "csv-store")}, nil
}

// Append durably writes the batch as a new unit and returns its path.
// All-or-nothing: on any error the partially written temp file is removed
// and nothing becomes visible to readers.
func (s *CSVStore) Append(ctx context.Context, batch airquality.CollectionBatch) (string, error) {
	if len(batch.Measurements) == 0 {
		return "", fmt.Errorf("refusing to append empty batch %s", batch.RunID)
	}

	name := unitName(batch)
	final := filepath.Join(s.dir, name)
	tmp := filepath.Join(s.dir, "."+name+".tmp")

	if err := s.writeUnit(tmp, batch.Measurements); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write batch %s: %w", batch.RunID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit batch %s: %w", batch.RunID, err)
	}

	s.logger.Info("batch appended",
		"unit", name,
		"records", len(batch.Measurements))
	return final, nil
}

func (s *CSVStore) writeUnit(path string, measurements []airquality.Measurement) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(airquality.Columns); err != nil {
		f.Close()
		return err
	}
	for _, m := range measurements {
		if err := w.Write(encodeRecord(m)); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadAll concatenates every unit ever written, ordered by timestamp, with
// exact (location_key, timestamp) duplicates collapsed to the first
// occurrence in unit order. Units that fail to parse are skipped with a
// logged error rather than aborting the whole load.
func (s *CSVStore) LoadAll(ctx context.Context) ([]airquality.Measurement, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, rawFilePattern))
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	sort.Strings(paths)

	seen := make(map[string]struct{})
	var out []airquality.Measurement
	skipped := 0

	for _, path := range paths {
		records, err := s.readUnit(path)
		if err != nil {
			s.logger.Error("skipping unreadable unit", "unit", filepath.Base(path), "error", err)
			skipped++
			continue
		}
		for _, m := range records {
			key := m.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, m)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	s.mu.Lock()
	s.skipped = skipped
	s.mu.Unlock()
	return out, nil
}

// SkippedUnits reports how many units the most recent LoadAll dropped as
// unreadable.
func (s *CSVStore) SkippedUnits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

func (s *CSVStore) readUnit(path string) ([]airquality.Measurement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty unit")
	}
	if err := checkHeader(rows[0]); err != nil {
		return nil, err
	}

	out := make([]airquality.Measurement, 0, len(rows)-1)
	for _, row := range rows[1:] {
		m, err := decodeRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func unitName(batch airquality.CollectionBatch) string {
	runID := batch.RunID
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return fmt.Sprintf("aqi_data_%s_%s.csv", batch.CollectedAt.UTC().Format("20060102_150405"), runID)
}

func checkHeader(header []string) error {
	if len(header) != len(airquality.Columns) {
		return fmt.Errorf("unexpected header width %d", len(header))
	}
	for i, col := range airquality.Columns {
		if header[i] != col {
			return fmt.Errorf("unexpected header column %q at position %d", header[i], i)
		}
	}
	return nil
}

func encodeRecord(m airquality.Measurement) []string {
	row := []string{
		m.Timestamp.UTC().Format(time.RFC3339),
		m.LocationKey,
		m.LocationName,
		m.Region,
		strconv.Itoa(m.AQI),
	}
	for _, field := range airquality.PollutantFields {
		row = append(row, formatValue(m.Pollutant(field)))
	}
	return row
}

func decodeRecord(row []string) (airquality.Measurement, error) {
	if len(row) != len(airquality.Columns) {
		return airquality.Measurement{}, fmt.Errorf("unexpected row width %d", len(row))
	}

	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return airquality.Measurement{}, fmt.Errorf("bad timestamp %q: %w", row[0], err)
	}
	aqi, err := strconv.Atoi(row[4])
	if err != nil {
		return airquality.Measurement{}, fmt.Errorf("bad aqi %q: %w", row[4], err)
	}

	m := airquality.Measurement{
		Timestamp:    ts.UTC(),
		LocationKey:  row[1],
		LocationName: row[2],
		Region:       row[3],
		AQI:          aqi,
	}
	for i, field := range airquality.PollutantFields {
		v, err := parseValue(row[5+i])
		if err != nil {
			return airquality.Measurement{}, fmt.Errorf("bad %s value %q: %w", field, row[5+i], err)
		}
		m.SetPollutant(field, v)
	}
	return m, nil
}

func formatValue(v float64) string {
	if airquality.IsMissing(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseValue(s string) (float64, error) {
	if s == "" {
		return airquality.Missing, nil
	}
	return strconv.ParseFloat(s, 64)
}
