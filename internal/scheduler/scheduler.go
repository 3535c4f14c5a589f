package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
	"github.com/aqmon/aqi-pipeline/internal/dataset"
)

// Scheduler drives the two periodic jobs: raw data collection and
// dataset builds.
type Scheduler struct {
	scheduler       *gocron.Scheduler
	collector       *airquality.Collector
	builder         *dataset.Builder
	collectInterval time.Duration
	datasetInterval time.Duration
	jobTimeout      time.Duration
	logger          *slog.Logger
}

// New creates a Scheduler. A non-positive dataset interval disables the
// dataset job.
func New(collector *airquality.Collector, builder *dataset.Builder, collectInterval, datasetInterval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		scheduler:       gocron.NewScheduler(time.UTC),
		collector:       collector,
		builder:         builder,
		collectInterval: collectInterval,
		datasetInterval: datasetInterval,
		jobTimeout:      10 * time.Minute,
		logger:          logger.With("component", "scheduler"),
	}
}

// Start registers the jobs and starts the scheduler in the background.
// The collection job runs immediately rather than waiting a full
// interval, and each job runs at most one instance at a time.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.Every(s.collectInterval).
		SingletonMode().
		StartImmediately().
		Do(s.runCollection)
	if err != nil {
		return err
	}

	if s.datasetInterval > 0 {
		_, err = s.scheduler.Every(s.datasetInterval).
			SingletonMode().
			WaitForSchedule().
			Do(s.runDatasetBuild)
		if err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started",
		"collect_interval", s.collectInterval,
		"dataset_interval", s.datasetInterval)
	return nil
}

// Stop stops the scheduler and cancels future jobs. Running jobs finish.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) runCollection() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	summary, err := s.collector.Run(ctx)
	if err != nil {
		s.logger.Error("collection job failed", "error", err)
		return
	}
	s.logger.Info("collection job finished",
		"run_id", summary.RunID,
		"status", summary.Status,
		"succeeded", len(summary.Succeeded),
		"failed", len(summary.Failed))
}

func (s *Scheduler) runDatasetBuild() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	summary, err := s.builder.Build(ctx)
	if err != nil {
		s.logger.Error("dataset job failed", "error", err)
		return
	}
	s.logger.Info("dataset job finished",
		"clean_records", summary.CleanRecords,
		"usable_rows", summary.UsableRows)
}
