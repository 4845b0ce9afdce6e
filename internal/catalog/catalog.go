// Package catalog indexes capture runs and the artifacts they produce in a
// SQLite database, so that finished runs can be browsed without walking the
// output tree.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/gridcapture/internal/dataset"
	"github.com/banshee-data/gridcapture/internal/monitoring"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("catalog: run not found")

// Catalog is a run index backed by SQLite.
type Catalog struct {
	db   *sql.DB
	path string
	log  *logrus.Entry
}

// Run is one row of capture_runs.
type Run struct {
	ID       string
	RunDir   string
	Scene    string
	PlanLen  int
	Rejected int
	Started  time.Time
	Finished time.Time // zero while the run is active
	Outcome  string
	Error    string
}

// Open opens (or creates) the catalog at path and migrates it to the latest
// schema.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	c := &Catalog{db: db, path: path, log: monitoring.Component("catalog")}
	if err := c.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	c.log.WithField("path", path).Debug("catalog ready")
	return c, nil
}

// DB exposes the underlying handle for read-only debug tooling.
func (c *Catalog) DB() *sql.DB { return c.db }

// Path is the database file.
func (c *Catalog) Path() string { return c.path }

// Close closes the database.
func (c *Catalog) Close() error { return c.db.Close() }

// StartRun inserts a run. An empty r.ID is replaced by a fresh UUID; the id
// in use is returned.
func (c *Catalog) StartRun(r Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := c.db.Exec(`INSERT INTO capture_runs (run_id, run_dir, scene, plan_len, rejected, started_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunDir, r.Scene, r.PlanLen, r.Rejected, r.Started.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return r.ID, nil
}

// SetPlan records the plan size once the planner has run.
func (c *Catalog) SetPlan(runID string, planLen, rejected int) error {
	res, err := c.db.Exec(`UPDATE capture_runs SET plan_len = ?, rejected = ? WHERE run_id = ?`,
		planLen, rejected, runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return expectOne(res, runID)
}

// AddArtifact records one persisted artifact.
func (c *Catalog) AddArtifact(runID string, a dataset.Artifact, at time.Time) error {
	_, err := c.db.Exec(`INSERT INTO capture_artifacts
		(run_id, kind, file, cell_index, step, room, robot_x, robot_y, robot_z, robot_yaw, recorded_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, a.Kind, a.File, a.CellIndex, a.Step, a.Room,
		a.Robot.Position.X, a.Robot.Position.Y, a.Robot.Position.Z, a.Robot.Yaw(),
		at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert artifact %s: %w", a.File, err)
	}
	return nil
}

// FinishRun stamps the outcome of a run. runErr may be nil.
func (c *Catalog) FinishRun(runID, outcome string, runErr error, at time.Time) error {
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := c.db.Exec(`UPDATE capture_runs SET finished_unix_nanos = ?, outcome = ?, error = ? WHERE run_id = ?`,
		at.UnixNano(), outcome, errText, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return expectOne(res, runID)
}

func expectOne(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, run_dir, scene, plan_len, rejected, started_unix_nanos, finished_unix_nanos, outcome, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
		outcome  sql.NullString
		errText  sql.NullString
	)
	if err := s.Scan(&r.ID, &r.RunDir, &r.Scene, &r.PlanLen, &r.Rejected, &started, &finished, &outcome, &errText); err != nil {
		return Run{}, err
	}
	r.Started = time.Unix(0, started)
	if finished.Valid {
		r.Finished = time.Unix(0, finished.Int64)
	}
	r.Outcome = outcome.String
	r.Error = errText.String
	return r, nil
}

// Run loads one run.
func (c *Catalog) Run(runID string) (Run, error) {
	r, err := scanRun(c.db.QueryRow(`SELECT `+runColumns+` FROM capture_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// Runs lists runs, newest first.
func (c *Catalog) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.Query(`SELECT `+runColumns+` FROM capture_runs ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ArtifactCounts returns the number of artifacts per kind for a run.
func (c *Catalog) ArtifactCounts(runID string) (map[string]int, error) {
	rows, err := c.db.Query(`SELECT kind, COUNT(*) FROM capture_artifacts WHERE run_id = ? GROUP BY kind`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Rooms returns the distinct rooms seen by a run's images, sorted.
func (c *Catalog) Rooms(runID string) ([]string, error) {
	rows, err := c.db.Query(`SELECT DISTINCT room FROM capture_artifacts
		WHERE run_id = ? AND room != '' ORDER BY room`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}
