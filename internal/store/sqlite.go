// Package store keeps training and prediction history in SQLite.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bms-analytics/bmsforest/battery"
	"github.com/bms-analytics/bmsforest/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS training_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_path TEXT NOT NULL,
    source TEXT NOT NULL,
    samples INTEGER NOT NULL,
    n_estimators INTEGER NOT NULL,
    max_depth INTEGER NOT NULL,
    oob_r2_soh REAL,
    oob_r2_soc REAL,
    cv_r2_soh REAL,
    cv_r2_soc REAL,
    duration_ms INTEGER NOT NULL,
    trained_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS predictions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    current REAL NOT NULL,
    voltage REAL NOT NULL,
    temperature REAL NOT NULL,
    cycle_count REAL NOT NULL,
    soh REAL NOT NULL,
    soc REAL NOT NULL,
    rul INTEGER NOT NULL,
    confidence REAL NOT NULL,
    degradation_rate REAL NOT NULL,
    predictor TEXT NOT NULL,
    predicted_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_training_runs_trained_at ON training_runs(trained_at);
`

// TrainingRun is one row of training_runs. Nil scores were not computed.
type TrainingRun struct {
	ID          int64         `json:"id"`
	ModelPath   string        `json:"model_path"`
	Source      string        `json:"source"`
	Samples     int           `json:"samples"`
	NEstimators int           `json:"n_estimators"`
	MaxDepth    int           `json:"max_depth"`
	OOBR2SOH    *float64      `json:"oob_r2_soh,omitempty"`
	OOBR2SOC    *float64      `json:"oob_r2_soc,omitempty"`
	CVR2SOH     *float64      `json:"cv_r2_soh,omitempty"`
	CVR2SOC     *float64      `json:"cv_r2_soc,omitempty"`
	Duration    time.Duration `json:"duration"`
	TrainedAt   time.Time     `json:"trained_at"`
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	// sqlite3 は書き込みが単一なので接続は1本に絞る
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTraining inserts run and returns its id. A zero TrainedAt is set
// to the current time.
func (s *Store) RecordTraining(ctx context.Context, run TrainingRun) (int64, error) {
	if run.TrainedAt.IsZero() {
		run.TrainedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO training_runs (
            model_path, source, samples, n_estimators, max_depth,
            oob_r2_soh, oob_r2_soc, cv_r2_soh, cv_r2_soc, duration_ms, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ModelPath, run.Source, run.Samples, run.NEstimators, run.MaxDepth,
		nullFloat(run.OOBR2SOH), nullFloat(run.OOBR2SOC), nullFloat(run.CVR2SOH), nullFloat(run.CVR2SOC),
		run.Duration.Milliseconds(), run.TrainedAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert training run")
	}
	return res.LastInsertId()
}

// RecordPrediction stores one served prediction. predictor names the model
// that produced it ("forest" or "heuristic").
func (s *Store) RecordPrediction(ctx context.Context, in battery.Input, p battery.Prediction, predictor string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO predictions (
            current, voltage, temperature, cycle_count,
            soh, soc, rul, confidence, degradation_rate, predictor, predicted_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Current, in.Voltage, in.Temperature, in.CycleCount,
		p.SOH, p.SOC, p.RUL, p.Confidence, p.DegradationRate, predictor, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "insert prediction")
	}
	return nil
}

// CountPredictions returns the number of stored predictions.
func (s *Store) CountPredictions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM predictions`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count predictions")
	}
	return n, nil
}

// RecentTrainings returns up to limit runs, newest first.
func (s *Store) RecentTrainings(ctx context.Context, limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		return nil, errors.NewValidationError("limit", "must be positive", limit)
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, model_path, source, samples, n_estimators, max_depth,
               oob_r2_soh, oob_r2_soc, cv_r2_soh, cv_r2_soc, duration_ms, trained_at
        FROM training_runs
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query training runs")
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var (
			r              TrainingRun
			oobSOH, oobSOC sql.NullFloat64
			cvSOH, cvSOC   sql.NullFloat64
			durationMs     int64
		)
		if err := rows.Scan(&r.ID, &r.ModelPath, &r.Source, &r.Samples, &r.NEstimators, &r.MaxDepth,
			&oobSOH, &oobSOC, &cvSOH, &cvSOC, &durationMs, &r.TrainedAt); err != nil {
			return nil, errors.Wrap(err, "scan training run")
		}
		r.OOBR2SOH = floatPtr(oobSOH)
		r.OOBR2SOC = floatPtr(oobSOC)
		r.CVR2SOH = floatPtr(cvSOH)
		r.CVR2SOC = floatPtr(cvSOC)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate training runs")
	}
	return runs, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
