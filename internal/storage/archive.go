// Package storage persists tracking runs to sqlite: one row per run
// plus one row per emitted track per frame, with per-track speed
// percentile summaries computed at close.
package storage

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/boxtrack/internal/trackio"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	config_path TEXT,
	detections_path TEXT,
	frame_count INTEGER NOT NULL DEFAULT 0,
	row_count INTEGER NOT NULL DEFAULT 0,
	created_ts TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS track_rows (
	run_id TEXT NOT NULL,
	ts_s DOUBLE NOT NULL,
	track_id BIGINT NOT NULL,
	label TEXT NOT NULL,
	score DOUBLE NOT NULL,
	x DOUBLE NOT NULL, y DOUBLE NOT NULL, z DOUBLE NOT NULL,
	v DOUBLE NOT NULL, yaw DOUBLE NOT NULL, yaw_rate DOUBLE NOT NULL,
	l DOUBLE NOT NULL, w DOUBLE NOT NULL, h DOUBLE NOT NULL,
	age_s DOUBLE NOT NULL,
	hits INTEGER NOT NULL,
	status TEXT NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(run_id)
);
CREATE INDEX IF NOT EXISTS idx_track_rows_run_track
	ON track_rows(run_id, track_id);
CREATE TABLE IF NOT EXISTS track_summaries (
	run_id TEXT NOT NULL,
	track_id BIGINT NOT NULL,
	label TEXT NOT NULL,
	observation_count INTEGER NOT NULL,
	p50_speed_mps DOUBLE,
	p85_speed_mps DOUBLE,
	p95_speed_mps DOUBLE,
	PRIMARY KEY(run_id, track_id)
);
`

// Archive records one tracking run. It is not safe for concurrent use;
// the tracking pipeline is single-threaded.
type Archive struct {
	db    *sql.DB
	runID string

	frameCount int
	rowCount   int

	// speeds accumulates |v| per track for the close-time summary.
	speeds map[int64][]float64
	labels map[int64]string
}

// Open opens (creating if needed) an archive database and registers a
// new run with a unique id.
func Open(path, configPath, detectionsPath string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}

	a := &Archive{
		db:     db,
		runID:  fmt.Sprintf("run_%s", uuid.NewString()),
		speeds: make(map[int64][]float64),
		labels: make(map[int64]string),
	}
	_, err = db.Exec(
		`INSERT INTO runs (run_id, config_path, detections_path) VALUES (?, ?, ?)`,
		a.runID, configPath, detectionsPath,
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	return a, nil
}

// RunID returns the archive's run identifier.
func (a *Archive) RunID() string { return a.runID }

// RecordFrame persists the rows emitted for one frame.
func (a *Archive) RecordFrame(rows []trackio.TrackRow) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin frame tx: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO track_rows (
			run_id, ts_s, track_id, label, score,
			x, y, z, v, yaw, yaw_rate, l, w, h,
			age_s, hits, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare track row insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(
			a.runID, r.TimestampS, r.TrackID, r.Label, r.Score,
			r.X, r.Y, r.Z, r.V, r.Yaw, r.YawRate, r.L, r.W, r.H,
			r.AgeS, r.Hits, r.Status,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert track row: %w", err)
		}
		speed := r.V
		if speed < 0 {
			speed = -speed
		}
		a.speeds[r.TrackID] = append(a.speeds[r.TrackID], speed)
		a.labels[r.TrackID] = r.Label
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit frame tx: %w", err)
	}

	a.frameCount++
	a.rowCount += len(rows)
	return nil
}

// Close writes per-track summaries and run totals, then closes the
// database.
func (a *Archive) Close() error {
	ids := make([]int64, 0, len(a.speeds))
	for id := range a.speeds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p50, p85, p95 := speedPercentiles(a.speeds[id])
		_, err := a.db.Exec(`
			INSERT OR REPLACE INTO track_summaries (
				run_id, track_id, label, observation_count,
				p50_speed_mps, p85_speed_mps, p95_speed_mps
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.runID, id, a.labels[id], len(a.speeds[id]), p50, p85, p95,
		)
		if err != nil {
			a.db.Close()
			return fmt.Errorf("insert track summary: %w", err)
		}
	}

	_, err := a.db.Exec(
		`UPDATE runs SET frame_count = ?, row_count = ? WHERE run_id = ?`,
		a.frameCount, a.rowCount, a.runID,
	)
	if err != nil {
		a.db.Close()
		return fmt.Errorf("finalise run: %w", err)
	}
	return a.db.Close()
}

// speedPercentiles computes p50/p85/p95 from a sample of speeds.
func speedPercentiles(speeds []float64) (p50, p85, p95 float64) {
	if len(speeds) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), speeds...)
	sort.Float64s(sorted)
	p50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	p85 = stat.Quantile(0.85, stat.Empirical, sorted, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return p50, p85, p95
}
