package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sonarled/internal/control"
)

// ErrUnknownRun is returned for a run id that was never started.
var ErrUnknownRun = errors.New("db: unknown run")

// Run is one invocation of the control loop.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Sensor     string
	Actuator   string
	Outcome    string
}

// StartRun inserts a new run and returns its id.
func (db *DB) StartRun(ctx context.Context, sensor, actuator string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, sensor, actuator) VALUES (?, ?, ?, ?)`,
		id, at.UnixNano(), sensor, actuator,
	)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the end time and outcome of runID.
func (db *DB) FinishRun(ctx context.Context, runID string, at time.Time, outcome string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, outcome = ? WHERE run_id = ?`,
		at.UnixNano(), outcome, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

// GetRun loads a run by id.
func (db *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
		outcome  sql.NullString
	)
	err := db.QueryRowContext(ctx,
		`SELECT run_id, started_at, finished_at, sensor, actuator, outcome FROM runs WHERE run_id = ?`,
		runID,
	).Scan(&r.ID, &started, &finished, &r.Sensor, &r.Actuator, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	r.Outcome = outcome.String
	return &r, nil
}

// RecordReading appends one reading to runID. Distances beyond the sqlite
// integer range are stored saturated; raw keeps the exact payload.
func (db *DB) RecordReading(ctx context.Context, runID string, r control.Reading) error {
	distance := int64(math.MaxInt64)
	if r.Distance < math.MaxInt64 {
		distance = int64(r.Distance)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO readings (run_id, read_at, raw, distance, level) VALUES (?, ?, ?, ?, ?)`,
		runID, r.At.UnixNano(), r.Raw, distance, int64(r.Level),
	)
	if err != nil {
		return fmt.Errorf("failed to record reading: %w", err)
	}
	return nil
}

// RunRecorder binds a run id so the db can serve as a control.Recorder.
type RunRecorder struct {
	db    *DB
	runID string
}

// Recorder returns a control.Recorder writing into runID.
func (db *DB) Recorder(runID string) *RunRecorder {
	return &RunRecorder{db: db, runID: runID}
}

var _ control.Recorder = (*RunRecorder)(nil)

func (r *RunRecorder) RecordReading(ctx context.Context, reading control.Reading) error {
	return r.db.RecordReading(ctx, r.runID, reading)
}

// RunID returns the bound run.
func (r *RunRecorder) RunID() string { return r.runID }

// Summary describes the distances seen during a run.
type Summary struct {
	RunID  string
	Count  int
	Min    uint64
	Max    uint64
	Mean   float64
	StdDev float64
	Median float64
	P90    float64
	// Levels counts how often each LED level was written.
	Levels map[uint8]int
}

// Summary computes distance statistics for runID. A run without readings
// yields a zero Summary.
func (db *DB) Summary(ctx context.Context, runID string) (*Summary, error) {
	if _, err := db.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT distance, level FROM readings WHERE run_id = ? ORDER BY distance ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	s := &Summary{RunID: runID, Levels: make(map[uint8]int)}
	var distances []float64
	for rows.Next() {
		var d, lvl int64
		if err := rows.Scan(&d, &lvl); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		distances = append(distances, float64(d))
		s.Levels[uint8(lvl)]++
		if len(distances) == 1 {
			s.Min = uint64(d)
		}
		s.Max = uint64(d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read readings: %w", err)
	}

	s.Count = len(distances)
	if s.Count == 0 {
		return s, nil
	}
	// distances are sorted by the query, as stat.Quantile requires.
	s.Mean = stat.Mean(distances, nil)
	if s.Count > 1 {
		s.StdDev = stat.StdDev(distances, nil)
	}
	s.Median = stat.Quantile(0.5, stat.Empirical, distances, nil)
	s.P90 = stat.Quantile(0.9, stat.Empirical, distances, nil)
	return s, nil
}
