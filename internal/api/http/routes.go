package httpapi

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
	"github.com/aqmon/aqi-pipeline/internal/common"
	"github.com/aqmon/aqi-pipeline/internal/dataset"
	"github.com/aqmon/aqi-pipeline/internal/registry"
)

var validate = validator.New()

// RegisterRoutes wires the status and inspection handlers into the app.
func RegisterRoutes(app *fiber.App, collector *airquality.Collector, builder *dataset.Builder, store airquality.Store, reg *registry.Registry) {
	v1 := app.Group("/api/v1")

	v1.Get("/status", func(c *fiber.Ctx) error {
		usage := collector.Usage()
		resp := fiber.Map{
			"time": time.Now().UTC(),
			"quota": fiber.Map{
				"used":      usage.Used,
				"limit":     usage.Limit,
				"remaining": usage.Remaining,
			},
			"locations": reg.Len(),
		}
		if last := collector.LastRun(); last != nil {
			resp["last_run"] = last
		}
		if build := builder.LastBuild(); build != nil {
			resp["last_build"] = fiber.Map{
				"finished_at":   build.FinishedAt,
				"clean_records": build.CleanRecords,
				"usable_rows":   build.UsableRows,
				"completeness":  common.Round(build.Report.OverallCompleteness, 4),
			}
		}
		return c.JSON(resp)
	})

	v1.Get("/quality", func(c *fiber.Ctx) error {
		report, err := builder.QualityReport(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to compute quality report")
		}
		return c.JSON(report)
	})

	v1.Get("/latest", func(c *fiber.Ctx) error {
		req, err := parseLatestQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if !reg.Contains(req.Location) {
			return fiber.NewError(fiber.StatusNotFound, "unknown location")
		}

		records, err := store.LoadAll(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to load measurements")
		}

		var latest *airquality.Measurement
		for i := range records {
			if records[i].LocationKey != req.Location {
				continue
			}
			if latest == nil || records[i].Timestamp.After(latest.Timestamp) {
				latest = &records[i]
			}
		}
		if latest == nil {
			return fiber.NewError(fiber.StatusNotFound, "no measurements for location")
		}

		return c.JSON(fiber.Map{
			"location_key": latest.LocationKey,
			"timestamp":    latest.Timestamp,
			"aqi":          latest.AQI,
			"category":     airquality.AQICategory(latest.AQI),
			"pollutants":   pollutantMap(*latest),
		})
	})
}

// latestQuery holds the query parameters for the latest endpoint.
type latestQuery struct {
	Location string `validate:"required"`
}

func parseLatestQuery(c *fiber.Ctx) (latestQuery, error) {
	q := latestQuery{Location: c.Query("location")}
	if err := validate.Struct(q); err != nil {
		return q, err
	}
	return q, nil
}

// pollutantMap renders pollutant values with missing fields as null.
func pollutantMap(m airquality.Measurement) fiber.Map {
	out := fiber.Map{}
	for _, field := range airquality.PollutantFields {
		if v := m.Pollutant(field); airquality.IsMissing(v) {
			out[field] = nil
		} else {
			out[field] = v
		}
	}
	return out
}
