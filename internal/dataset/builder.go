package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
)

// BuildSummary reports what a dataset build produced.
type BuildSummary struct {
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	RecordsLoaded  int           `json:"records_loaded"`
	SkippedUnits   int           `json:"skipped_units"`
	Valid          int           `json:"valid"`
	Corrected      int           `json:"corrected"`
	Rejected       int           `json:"rejected"`
	CleanRecords   int           `json:"clean_records"`
	FeatureRows    int           `json:"feature_rows"`
	UsableRows     int           `json:"usable_rows"`
	TrainRows      int           `json:"train_rows"`
	ValidationRows int           `json:"validation_rows"`
	TestRows       int           `json:"test_rows"`
	Report         QualityReport `json:"quality_report"`
	Files          Files         `json:"files"`
}

// Builder runs the full pipeline from stored raw history to written
// dataset artifacts.
type Builder struct {
	store         airquality.Store
	knownLocation func(string) bool
	rules         Rules
	cleanOpts     CleanOptions
	featureCfg    FeatureConfig
	splitRatios   SplitRatios
	writer        *Writer
	logger        *slog.Logger

	mu        sync.Mutex
	lastBuild *BuildSummary
}

func NewBuilder(store airquality.Store, knownLocation func(string) bool, rules Rules, cleanOpts CleanOptions, featureCfg FeatureConfig, splitRatios SplitRatios, writer *Writer, logger *slog.Logger) *Builder {
	return &Builder{
		store:         store,
		knownLocation: knownLocation,
		rules:         rules,
		cleanOpts:     cleanOpts,
		featureCfg:    featureCfg,
		splitRatios:   splitRatios,
		writer:        writer,
		logger:        logger.With("component", "dataset_builder"),
	}
}

// Build loads the full raw history, validates and cleans it, derives
// features, splits the usable rows chronologically and writes every
// artifact. The previous artifacts stay intact if any stage fails.
func (b *Builder) Build(ctx context.Context) (*BuildSummary, error) {
	summary := &BuildSummary{StartedAt: time.Now().UTC()}

	records, err := b.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load raw history: %w", err)
	}
	summary.RecordsLoaded = len(records)
	if lr, ok := b.store.(airquality.LoadReporter); ok {
		summary.SkippedUnits = lr.SkippedUnits()
		if summary.SkippedUnits > 0 {
			b.logger.Warn("raw history load degraded",
				"skipped_units", summary.SkippedUnits)
		}
	}

	result := Validate(records, b.knownLocation, b.rules)
	summary.Valid = len(result.Valid)
	summary.Corrected = len(result.Corrected)
	summary.Rejected = len(result.Rejected)
	for _, rej := range result.Rejected {
		b.logger.Warn("record rejected",
			"location", rej.Measurement.LocationKey,
			"timestamp", rej.Measurement.Timestamp,
			"reason", rej.Reason)
	}

	cleaned, report := Clean(result.Records(), b.cleanOpts)
	summary.CleanRecords = len(cleaned)
	summary.Report = report

	table := DeriveFeatures(cleaned, b.featureCfg)
	summary.FeatureRows = len(table.Rows)
	usable := table.UsableRows()
	summary.UsableRows = len(usable)

	part, err := Split(usable, b.splitRatios)
	if err != nil {
		return nil, fmt.Errorf("split dataset: %w", err)
	}
	summary.TrainRows = len(part.Train)
	summary.ValidationRows = len(part.Validation)
	summary.TestRows = len(part.Test)

	files, err := b.writer.WriteAll(cleaned, report, table, part, b.featureCfg, b.splitRatios)
	if err != nil {
		return nil, fmt.Errorf("write dataset: %w", err)
	}
	summary.Files = files
	summary.FinishedAt = time.Now().UTC()

	b.logger.Info("dataset build finished",
		"records_loaded", summary.RecordsLoaded,
		"rejected", summary.Rejected,
		"clean_records", summary.CleanRecords,
		"usable_rows", summary.UsableRows,
		"train", summary.TrainRows,
		"validation", summary.ValidationRows,
		"test", summary.TestRows,
		"completeness", report.OverallCompleteness)

	b.mu.Lock()
	b.lastBuild = summary
	b.mu.Unlock()
	return summary, nil
}

// QualityReport computes a quality report over the current history
// without writing any artifacts.
func (b *Builder) QualityReport(ctx context.Context) (QualityReport, error) {
	records, err := b.store.LoadAll(ctx)
	if err != nil {
		return QualityReport{}, fmt.Errorf("load raw history: %w", err)
	}
	result := Validate(records, b.knownLocation, b.rules)
	_, report := Clean(result.Records(), b.cleanOpts)
	return report, nil
}

// LastBuild returns the most recent successful build summary, or nil.
func (b *Builder) LastBuild() *BuildSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastBuild
}
