package airquality

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqmon/aqi-pipeline/internal/registry"
)

type fakeClient struct {
	mu      sync.Mutex
	calls   int
	failers map[string]error
}

func (f *fakeClient) FetchLocation(ctx context.Context, loc registry.Location) (Measurement, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if err, ok := f.failers[loc.Key]; ok {
		return Measurement{}, err
	}
	return Measurement{
		Timestamp:   time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
		LocationKey: loc.Key,
		AQI:         2,
		PM25:        10,
	}, nil
}

func (f *fakeClient) Usage() QuotaUsage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return QuotaUsage{Used: f.calls, Limit: 1000, Remaining: 1000 - f.calls}
}

type fakeStore struct {
	mu      sync.Mutex
	batches []CollectionBatch
	fail    error
}

func (f *fakeStore) Append(ctx context.Context, batch CollectionBatch) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return fmt.Sprintf("unit-%d", len(f.batches)), nil
}

func (f *fakeStore) LoadAll(ctx context.Context) ([]Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Measurement
	for _, b := range f.batches {
		out = append(out, b.Measurements...)
	}
	return out, nil
}

func testRegistry(t *testing.T, keys ...string) *registry.Registry {
	t.Helper()
	locs := make([]registry.Location, 0, len(keys))
	for i, key := range keys {
		locs = append(locs, registry.Location{
			Key: key, Name: key, Region: "XX",
			Latitude: float64(i), Longitude: float64(i),
		})
	}
	reg, err := registry.New(locs)
	require.NoError(t, err)
	return reg
}

func TestRunPersistsPartialSuccess(t *testing.T) {
	client := &fakeClient{failers: map[string]error{
		"delhi":  fmt.Errorf("%w: status 500", errServerError),
		"london": fmt.Errorf("%w: status 401", ErrUnauthorized),
	}}
	st := &fakeStore{}
	reg := testRegistry(t, "bangkok", "delhi", "beijing", "london", "new_york", "los_angeles")

	collector := NewCollector(client, st, reg, nil)
	summary, err := collector.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunStatusPartial, summary.Status)
	assert.Equal(t, []string{"bangkok", "beijing", "los_angeles", "new_york"}, summary.Succeeded)
	require.Len(t, summary.Failed, 2)
	assert.Equal(t, "delhi", summary.Failed[0].LocationKey)
	assert.Equal(t, FailureTransient, summary.Failed[0].Reason)
	assert.Equal(t, "london", summary.Failed[1].LocationKey)
	assert.Equal(t, FailureAuth, summary.Failed[1].Reason)

	// The four successful measurements went out as one batch.
	require.Len(t, st.batches, 1)
	assert.Len(t, st.batches[0].Measurements, 4)
	assert.Equal(t, summary.RunID, st.batches[0].RunID)
	assert.NotEmpty(t, summary.StorageRef)
}

func TestRunAllFailedAppendsNothing(t *testing.T) {
	client := &fakeClient{failers: map[string]error{
		"bangkok": ErrQuotaExhausted,
		"delhi":   ErrQuotaExhausted,
	}}
	st := &fakeStore{}
	reg := testRegistry(t, "bangkok", "delhi")

	collector := NewCollector(client, st, reg, nil)
	summary, err := collector.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunStatusFailed, summary.Status)
	assert.Empty(t, summary.Succeeded)
	assert.Empty(t, st.batches)
	assert.Empty(t, summary.StorageRef)
	for _, f := range summary.Failed {
		assert.Equal(t, FailureQuota, f.Reason)
	}
}

func TestRunStorageFailureIsFatal(t *testing.T) {
	client := &fakeClient{}
	st := &fakeStore{fail: errors.New("disk full")}
	reg := testRegistry(t, "bangkok")

	collector := NewCollector(client, st, reg, nil)
	_, err := collector.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist batch")
	assert.Nil(t, collector.LastRun())
}

func TestRunRecordsLastRun(t *testing.T) {
	client := &fakeClient{}
	st := &fakeStore{}
	reg := testRegistry(t, "bangkok", "delhi")

	collector := NewCollector(client, st, reg, nil)
	require.Nil(t, collector.LastRun())

	summary, err := collector.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunStatusOK, summary.Status)
	assert.Equal(t, summary, collector.LastRun())
	assert.Equal(t, 2, summary.APICallsUsed)
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		err  error
		want FailureReason
	}{
		{fmt.Errorf("wrap: %w", ErrQuotaExhausted), FailureQuota},
		{fmt.Errorf("wrap: %w", ErrUnauthorized), FailureAuth},
		{fmt.Errorf("wrap: %w", ErrBadRequest), FailureBadRequest},
		{fmt.Errorf("wrap: %w", ErrMalformedResponse), FailureMalformed},
		{errors.New("connection refused"), FailureTransient},
		{fmt.Errorf("wrap: %w", errServerError), FailureTransient},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyFailure(tc.err))
	}
}
