package dataset

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
	"github.com/aqmon/aqi-pipeline/internal/store"
)

type stubStore struct {
	records []airquality.Measurement
	err     error
}

func (s *stubStore) Append(ctx context.Context, batch airquality.CollectionBatch) (string, error) {
	return "", errors.New("not used")
}

func (s *stubStore) LoadAll(ctx context.Context) ([]airquality.Measurement, error) {
	return s.records, s.err
}

func newTestBuilder(t *testing.T, st airquality.Store, dir string) *Builder {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	writer, err := NewWriter(dir, logger)
	require.NoError(t, err)

	return NewBuilder(
		st,
		knownLocations("bangkok", "delhi", "beijing"),
		defaultRules(),
		CleanOptions{MaxFillGap: 3},
		testFeatureConfig(),
		SplitRatios{0.7, 0.15, 0.15},
		writer,
		logger,
	)
}

func TestBuildWritesAllArtifacts(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var records []airquality.Measurement
	for _, key := range []string{"bangkok", "delhi", "beijing"} {
		records = append(records, hourlySeries(key, start, 30)...)
	}
	// One record from an unregistered location must be rejected, not
	// silently kept.
	records = append(records, fullRecord("atlantis", start, 10))

	dir := t.TempDir()
	builder := newTestBuilder(t, &stubStore{records: records}, dir)

	summary, err := builder.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 91, summary.RecordsLoaded)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 90, summary.CleanRecords)
	assert.Equal(t, 90, summary.FeatureRows)
	assert.Equal(t, 18, summary.UsableRows)
	assert.Equal(t, summary.UsableRows, summary.TrainRows+summary.ValidationRows+summary.TestRows)
	assert.Equal(t, summary, builder.LastBuild())

	for _, name := range []string{
		CleanedFile, QualityReportFile, FeaturesFile,
		MetadataFile, TrainFile, ValidationFile, TestFile,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	// cleaned.csv carries the documented header and every clean record.
	f, err := os.Open(filepath.Join(dir, CleanedFile))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Equal(t, airquality.Columns, rows[0])
	assert.Len(t, rows[1:], 90)

	// Metadata row counts agree with the summary.
	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, summary.UsableRows, meta.RowCounts.Usable)
	assert.Equal(t, summary.TrainRows, meta.RowCounts.Train)
	assert.Equal(t, "target_aqi_24h", meta.TargetColumn)
	assert.Equal(t, SplitRatios{0.7, 0.15, 0.15}, meta.SplitRatios)
}

func TestBuildReportsSkippedUnits(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rawDir := t.TempDir()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewCSVStore(rawDir, logger)
	require.NoError(t, err)

	_, err = st.Append(context.Background(), airquality.CollectionBatch{
		RunID:        "run-good",
		CollectedAt:  start,
		Measurements: hourlySeries("bangkok", start, 30),
	})
	require.NoError(t, err)

	corrupt := filepath.Join(rawDir, "aqi_data_20260802_000000_deadbeef.csv")
	require.NoError(t, os.WriteFile(corrupt, []byte("garbage\n"), 0o644))

	builder := newTestBuilder(t, st, t.TempDir())
	summary, err := builder.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 30, summary.RecordsLoaded)
	assert.Equal(t, 1, summary.SkippedUnits)
}

func TestBuildStoreFailurePropagates(t *testing.T) {
	builder := newTestBuilder(t, &stubStore{err: errors.New("backend down")}, t.TempDir())
	_, err := builder.Build(context.Background())
	require.Error(t, err)
	assert.Nil(t, builder.LastBuild())
}

func TestBuildOverwritesPreviousArtifacts(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	st := &stubStore{records: hourlySeries("bangkok", start, 30)}

	dir := t.TempDir()
	builder := newTestBuilder(t, st, dir)

	first, err := builder.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, first.CleanRecords)

	// History grows, the fixed filenames are replaced in place.
	st.records = hourlySeries("bangkok", start, 40)
	second, err := builder.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, second.CleanRecords)

	f, err := os.Open(filepath.Join(dir, CleanedFile))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows[1:], 40)

	// No stray temp files left behind.
	leftovers, err := filepath.Glob(filepath.Join(dir, ".*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestQualityReportWithoutWriting(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	builder := newTestBuilder(t, &stubStore{records: hourlySeries("bangkok", start, 10)}, dir)

	report, err := builder.QualityReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, report.TotalRecords)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
