package airquality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aqmon/aqi-pipeline/internal/registry"
)

// RunStatus summarizes the overall outcome of a collection run.
type RunStatus string

const (
	RunStatusOK      RunStatus = "ok"      // every location fetched and persisted
	RunStatusPartial RunStatus = "partial" // some locations failed, the rest persisted
	RunStatusFailed  RunStatus = "failed"  // nothing fetched, nothing persisted
)

// RunSummary is the user-visible report of one collection run.
type RunSummary struct {
	RunID        string            `json:"run_id"`
	CollectedAt  time.Time         `json:"collected_at"`
	Status       RunStatus         `json:"status"`
	Succeeded    []string          `json:"succeeded"`
	Failed       []LocationFailure `json:"failed"`
	APICallsUsed int               `json:"api_calls_used"`
	StorageRef   string            `json:"storage_ref,omitempty"`
}

// Collector orchestrates one collection run: concurrent per-location
// fetches followed by a single atomic append to the store.
type Collector struct {
	client   Client
	store    Store
	registry *registry.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	lastRun *RunSummary
}

// NewCollector creates a Collector.
func NewCollector(client Client, store Store, reg *registry.Registry, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		client:   client,
		store:    store,
		registry: reg,
		logger:   logger.With("component", "collector"),
	}
}

// FetchAll fetches every registered location concurrently. Locations are
// independent, so all requests start together; each failure is recorded
// with its reason and never aborts the others.
func (c *Collector) FetchAll(ctx context.Context) FetchResult {
	before := c.client.Usage().Used

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result FetchResult
	)

	for _, loc := range c.registry.All() {
		loc := loc
		wg.Add(1)
		go func() {
			defer wg.Done()

			m, err := c.client.FetchLocation(ctx, loc)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failure := LocationFailure{
					LocationKey: loc.Key,
					Reason:      classifyFailure(err),
					Err:         err,
					Detail:      err.Error(),
				}
				result.Failed = append(result.Failed, failure)
				c.logger.Warn("fetch failed",
					"location", loc.Key,
					"reason", string(failure.Reason),
					"error", err)
				return
			}
			result.Succeeded = append(result.Succeeded, m)
		}()
	}
	wg.Wait()

	sort.Slice(result.Succeeded, func(i, j int) bool {
		return result.Succeeded[i].LocationKey < result.Succeeded[j].LocationKey
	})
	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].LocationKey < result.Failed[j].LocationKey
	})

	result.APICallsUsed = c.client.Usage().Used - before
	return result
}

// Run executes one full collection run: fetch all locations, persist the
// successful measurements as one atomic batch, and report the outcome. A
// storage write failure is fatal for the run and propagates; a run that
// cannot persist never reports success.
func (c *Collector) Run(ctx context.Context) (*RunSummary, error) {
	collectedAt := time.Now().UTC().Truncate(time.Minute)

	summary := &RunSummary{
		RunID:       uuid.NewString(),
		CollectedAt: collectedAt,
	}

	c.logger.Info("collection run started",
		"run_id", summary.RunID,
		"locations", c.registry.Len())

	result := c.FetchAll(ctx)
	summary.Failed = result.Failed
	summary.APICallsUsed = result.APICallsUsed
	for _, m := range result.Succeeded {
		summary.Succeeded = append(summary.Succeeded, m.LocationKey)
	}

	switch {
	case len(result.Succeeded) == 0:
		summary.Status = RunStatusFailed
	case len(result.Failed) > 0:
		summary.Status = RunStatusPartial
	default:
		summary.Status = RunStatusOK
	}

	if len(result.Succeeded) > 0 {
		batch := CollectionBatch{
			RunID:        summary.RunID,
			CollectedAt:  collectedAt,
			Measurements: result.Succeeded,
		}
		ref, err := c.store.Append(ctx, batch)
		if err != nil {
			c.logger.Error("batch persist failed",
				"run_id", summary.RunID,
				"error", err)
			return nil, fmt.Errorf("persist batch %s: %w", summary.RunID, err)
		}
		summary.StorageRef = ref
	}

	c.logger.Info("collection run finished",
		"run_id", summary.RunID,
		"status", string(summary.Status),
		"succeeded", len(summary.Succeeded),
		"failed", len(summary.Failed),
		"api_calls", summary.APICallsUsed,
		"storage_ref", summary.StorageRef)

	c.mu.Lock()
	c.lastRun = summary
	c.mu.Unlock()

	return summary, nil
}

// LastRun returns the most recent run summary, or nil before the first run.
func (c *Collector) LastRun() *RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

// Usage reports the client's daily quota consumption.
func (c *Collector) Usage() QuotaUsage {
	return c.client.Usage()
}

// classifyFailure maps a fetch error onto the failure taxonomy.
func classifyFailure(err error) FailureReason {
	switch {
	case errors.Is(err, ErrQuotaExhausted):
		return FailureQuota
	case errors.Is(err, ErrUnauthorized):
		return FailureAuth
	case errors.Is(err, ErrBadRequest):
		return FailureBadRequest
	case errors.Is(err, ErrMalformedResponse):
		return FailureMalformed
	}
	return FailureTransient
}
