package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
)

// Output filenames. Each build overwrites them atomically, so consumers
// always see either the previous complete dataset or the new one.
const (
	CleanedFile       = "cleaned.csv"
	QualityReportFile = "quality_report.json"
	FeaturesFile      = "features.csv"
	MetadataFile      = "features_meta.json"
	TrainFile         = "train.csv"
	ValidationFile    = "validation.csv"
	TestFile          = "test.csv"
)

// Metadata describes a written dataset for downstream consumers.
type Metadata struct {
	GeneratedAt        time.Time   `json:"generated_at"`
	TargetColumn       string      `json:"target_column"`
	TargetHorizonHours int         `json:"target_horizon_hours"`
	LagHours           []int       `json:"lag_hours"`
	WindowHours        []int       `json:"window_hours"`
	RateHours          []int       `json:"rate_hours"`
	TrackedFields      []string    `json:"tracked_fields"`
	FeatureColumns     []string    `json:"feature_columns"`
	SplitRatios        SplitRatios `json:"split_ratios"`
	RowCounts          struct {
		Features   int `json:"features"`
		Usable     int `json:"usable"`
		Train      int `json:"train"`
		Validation int `json:"validation"`
		Test       int `json:"test"`
	} `json:"row_counts"`
}

// Writer persists dataset artifacts under a single output directory.
type Writer struct {
	dir    string
	logger *slog.Logger
}

func NewWriter(dir string, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir %s: %w", dir, err)
	}
	return &Writer{dir: dir, logger: logger.With("component", "dataset_writer")}, nil
}

// Files lists the paths a WriteAll produced.
type Files struct {
	Cleaned       string `json:"cleaned"`
	QualityReport string `json:"quality_report"`
	Features      string `json:"features"`
	Metadata      string `json:"metadata"`
	Train         string `json:"train"`
	Validation    string `json:"validation"`
	Test          string `json:"test"`
}

// WriteAll writes every dataset artifact.
func (w *Writer) WriteAll(cleaned []airquality.Measurement, report QualityReport, table *FeatureTable, part Partition, cfg FeatureConfig, ratios SplitRatios) (Files, error) {
	files := Files{
		Cleaned:       filepath.Join(w.dir, CleanedFile),
		QualityReport: filepath.Join(w.dir, QualityReportFile),
		Features:      filepath.Join(w.dir, FeaturesFile),
		Metadata:      filepath.Join(w.dir, MetadataFile),
		Train:         filepath.Join(w.dir, TrainFile),
		Validation:    filepath.Join(w.dir, ValidationFile),
		Test:          filepath.Join(w.dir, TestFile),
	}

	if err := w.writeAtomic(files.Cleaned, func(f *os.File) error {
		return writeMeasurementsCSV(f, cleaned)
	}); err != nil {
		return files, err
	}

	if err := w.writeAtomic(files.QualityReport, func(f *os.File) error {
		return writeJSON(f, report)
	}); err != nil {
		return files, err
	}

	if err := w.writeAtomic(files.Features, func(f *os.File) error {
		return writeFeatureCSV(f, table.Columns, table.TargetColumn, table.Rows)
	}); err != nil {
		return files, err
	}

	splits := []struct {
		path string
		rows []FeatureRow
	}{
		{files.Train, part.Train},
		{files.Validation, part.Validation},
		{files.Test, part.Test},
	}
	for _, s := range splits {
		rows := s.rows
		if err := w.writeAtomic(s.path, func(f *os.File) error {
			return writeFeatureCSV(f, table.Columns, table.TargetColumn, rows)
		}); err != nil {
			return files, err
		}
	}

	meta := Metadata{
		GeneratedAt:        time.Now().UTC(),
		TargetColumn:       table.TargetColumn,
		TargetHorizonHours: cfg.TargetHorizonHours,
		LagHours:           cfg.LagHours,
		WindowHours:        cfg.WindowHours,
		RateHours:          cfg.RateHours,
		TrackedFields:      cfg.TrackedFields,
		FeatureColumns:     table.Columns,
		SplitRatios:        ratios,
	}
	meta.RowCounts.Features = len(table.Rows)
	meta.RowCounts.Usable = len(part.Train) + len(part.Validation) + len(part.Test)
	meta.RowCounts.Train = len(part.Train)
	meta.RowCounts.Validation = len(part.Validation)
	meta.RowCounts.Test = len(part.Test)
	if err := w.writeAtomic(files.Metadata, func(f *os.File) error {
		return writeJSON(f, meta)
	}); err != nil {
		return files, err
	}

	w.logger.Info("dataset written",
		"dir", w.dir,
		"cleaned_records", len(cleaned),
		"feature_rows", len(table.Rows),
		"usable_rows", meta.RowCounts.Usable)
	return files, nil
}

// writeAtomic writes through a temp file in the same directory and renames
// it over the destination, so readers never observe a partial file.
func (w *Writer) writeAtomic(path string, fill func(*os.File) error) error {
	tmp, err := os.CreateTemp(w.dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := fill(tmp); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		tmp = nil
		os.Remove(name)
		return fmt.Errorf("close %s: %w", path, err)
	}
	tmp = nil
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func writeJSON(f *os.File, v any) error {
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeMeasurementsCSV(f *os.File, records []airquality.Measurement) error {
	cw := csv.NewWriter(f)
	if err := cw.Write(airquality.Columns); err != nil {
		return err
	}
	for _, m := range records {
		rec := []string{
			m.Timestamp.UTC().Format(time.RFC3339),
			m.LocationKey,
			m.LocationName,
			m.Region,
			strconv.Itoa(m.AQI),
		}
		for _, field := range airquality.PollutantFields {
			rec = append(rec, formatCell(m.Pollutant(field)))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeFeatureCSV(f *os.File, columns []string, targetColumn string, rows []FeatureRow) error {
	cw := csv.NewWriter(f)
	header := append([]string{"location_key", "timestamp"}, columns...)
	header = append(header, targetColumn)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		rec := make([]string, 0, len(header))
		rec = append(rec, row.LocationKey, row.Timestamp.UTC().Format(time.RFC3339))
		for _, col := range columns {
			rec = append(rec, formatCell(row.Values[col]))
		}
		rec = append(rec, formatCell(row.Target))
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// formatCell writes missing values as empty cells.
func formatCell(v float64) string {
	if airquality.IsMissing(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
