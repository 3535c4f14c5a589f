package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
	httpapi "github.com/aqmon/aqi-pipeline/internal/api/http"
	"github.com/aqmon/aqi-pipeline/internal/config"
	"github.com/aqmon/aqi-pipeline/internal/dataset"
	"github.com/aqmon/aqi-pipeline/internal/registry"
	"github.com/aqmon/aqi-pipeline/internal/scheduler"
	"github.com/aqmon/aqi-pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	reg, err := registry.New(cfg.Locations)
	if err != nil {
		log.Error("invalid location registry", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st airquality.Store
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Error("failed to open postgres store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
	default:
		cs, err := store.NewCSVStore(cfg.RawDataDir, log)
		if err != nil {
			log.Error("failed to open csv store", "error", err)
			os.Exit(1)
		}
		st = cs
	}

	client := airquality.NewOpenWeatherClient(
		&http.Client{Timeout: cfg.RequestTimeout},
		cfg.OpenWeatherAPIKey,
		cfg.APIBaseURL,
		airquality.BackoffConfig{
			Attempts:        cfg.RetryAttempts,
			InitialInterval: cfg.RetryInitialBackoff,
			MaxInterval:     cfg.RetryMaxBackoff,
		},
		airquality.NewCallQuota(cfg.DailyCallQuota),
	)

	collector := airquality.NewCollector(client, st, reg, log)

	writer, err := dataset.NewWriter(cfg.ProcessedDataDir, log)
	if err != nil {
		log.Error("failed to prepare dataset dir", "error", err)
		os.Exit(1)
	}

	builder := dataset.NewBuilder(
		st,
		reg.Contains,
		dataset.Rules{Ranges: cfg.FieldRanges, IQRFactor: cfg.IQRFactor},
		dataset.CleanOptions{MaxFillGap: cfg.MaxFillGap},
		dataset.FeatureConfig{
			TargetHorizonHours: cfg.TargetHorizonHours,
			LagHours:           cfg.LagHours,
			WindowHours:        cfg.WindowHours,
			RateHours:          cfg.RateHours,
			TrackedFields:      cfg.TrackedFields,
			FieldRanges:        cfg.FieldRanges,
		},
		dataset.SplitRatios(cfg.SplitRatios),
		writer,
		log,
	)

	sched := scheduler.New(collector, builder, cfg.CollectionInterval, cfg.DatasetInterval, log)
	if err := sched.Start(); err != nil {
		log.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "aqi-pipeline",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "aqi-pipeline",
		})
	})

	httpapi.RegisterRoutes(app, collector, builder, st, reg)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
