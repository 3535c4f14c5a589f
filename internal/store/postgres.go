package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aqmon/aqi-pipeline/internal/airquality"
)

const measurementsSchema = `
CREATE TABLE IF NOT EXISTS aqi_measurements (
    location_key  text NOT NULL,
    ts            timestamptz NOT NULL,
    location_name text NOT NULL,
    region        text NOT NULL,
    aqi           integer NOT NULL,
    co            double precision,
    no            double precision,
    no2           double precision,
    o3            double precision,
    so2           double precision,
    pm2_5         double precision,
    pm10          double precision,
    nh3           double precision,
    batch_id      text NOT NULL,
    collected_at  timestamptz NOT NULL,
    PRIMARY KEY (location_key, ts)
)`

const insertMeasurement = `
INSERT INTO aqi_measurements
    (location_key, ts, location_name, region, aqi, co, no, no2, o3, so2, pm2_5, pm10, nh3, batch_id, collected_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (location_key, ts) DO NOTHING`

// PostgresStore implements the measurement store on Postgres. Each batch is
// inserted inside a single transaction, so the append is all-or-nothing;
// the primary key enforces first-occurrence dedup at write time.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to databaseURL and ensures the measurements
// table exists.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, measurementsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "pg-store")}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Append writes the batch inside one transaction and returns a reference
// identifying it.
func (s *PostgresStore) Append(ctx context.Context, batch airquality.CollectionBatch) (string, error) {
	if len(batch.Measurements) == 0 {
		return "", fmt.Errorf("refusing to append empty batch %s", batch.RunID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin batch %s: %w", batch.RunID, err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, m := range batch.Measurements {
		b.Queue(insertMeasurement,
			m.LocationKey, m.Timestamp.UTC(), m.LocationName, m.Region, m.AQI,
			nullable(m.CO), nullable(m.NO), nullable(m.NO2), nullable(m.O3),
			nullable(m.SO2), nullable(m.PM25), nullable(m.PM10), nullable(m.NH3),
			batch.RunID, batch.CollectedAt.UTC())
	}

	res := tx.SendBatch(ctx, b)
	for range batch.Measurements {
		if _, err := res.Exec(); err != nil {
			res.Close()
			return "", fmt.Errorf("insert batch %s: %w", batch.RunID, err)
		}
	}
	if err := res.Close(); err != nil {
		return "", fmt.Errorf("flush batch %s: %w", batch.RunID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit batch %s: %w", batch.RunID, err)
	}

	s.logger.Info("batch appended", "batch_id", batch.RunID, "records", len(batch.Measurements))
	return "pg:" + batch.RunID, nil
}

// LoadAll returns every stored measurement ordered by timestamp then
// location key.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]airquality.Measurement, error) {
	rows, err := s.pool.Query(ctx, `
SELECT location_key, ts, location_name, region, aqi, co, no, no2, o3, so2, pm2_5, pm10, nh3
FROM aqi_measurements
ORDER BY ts, location_key`)
	if err != nil {
		return nil, fmt.Errorf("load measurements: %w", err)
	}
	defer rows.Close()

	var out []airquality.Measurement
	for rows.Next() {
		var (
			m  airquality.Measurement
			ts time.Time
			v  [8]*float64
		)
		if err := rows.Scan(&m.LocationKey, &ts, &m.LocationName, &m.Region, &m.AQI,
			&v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7]); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		m.Timestamp = ts.UTC()
		for i, field := range airquality.PollutantFields {
			if v[i] == nil {
				m.SetPollutant(field, airquality.Missing)
			} else {
				m.SetPollutant(field, *v[i])
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(v float64) *float64 {
	if airquality.IsMissing(v) {
		return nil
	}
	return &v
}
