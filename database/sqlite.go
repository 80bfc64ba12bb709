package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteLedger implements Ledger using SQLite
type SQLiteLedger struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewSQLiteLedger opens (creating if needed) the ledger at dbPath.
func NewSQLiteLedger(dbPath string, logger zerolog.Logger) (*SQLiteLedger, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// Camera pipelines run one at a time; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db, log: logger, now: time.Now}
	if err := l.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return l, nil
}

// initTables creates the necessary tables if they don't exist
func (l *SQLiteLedger) initTables() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			environment TEXT NOT NULL,
			environment_id TEXT,
			name TEXT NOT NULL,
			range_start TIMESTAMP NOT NULL,
			range_end TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			error_message TEXT
		)
	`)
	if err != nil {
		return err
	}

	_, err = l.db.Exec(`
		CREATE TABLE IF NOT EXISTS camera_runs (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			device_id TEXT NOT NULL,
			assignment_id TEXT,
			camera TEXT NOT NULL,
			stage TEXT NOT NULL,
			captured INTEGER DEFAULT 0,
			missing INTEGER DEFAULT 0,
			error_message TEXT,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, device_id)
		)
	`)
	if err != nil {
		return err
	}

	// Ledgers created before --rewrite was tracked lack the column
	if err := l.addColumnIfMissing("runs", "rewrite", "INTEGER DEFAULT 0"); err != nil {
		return err
	}

	_, err = l.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs (started_at)`)
	return err
}

func (l *SQLiteLedger) addColumnIfMissing(table, column, decl string) error {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?`, table)
	err := l.db.QueryRow(query, column).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if _, err := l.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return err
	}
	l.log.Info().Str("table", table).Str("column", column).Msg("added column")
	return nil
}

// CreateRun inserts a new run. A zero ID is replaced by a fresh uuid.
func (l *SQLiteLedger) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = l.now().UTC()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, environment, environment_id, name, range_start, range_end,
			rewrite, status, started_at, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Environment,
		run.EnvironmentID,
		run.Name,
		run.RangeStart.UTC(),
		run.RangeEnd.UTC(),
		run.Rewrite,
		run.Status,
		run.StartedAt,
		run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// SetRunEnvironment records the resolved environment id of a run.
func (l *SQLiteLedger) SetRunEnvironment(ctx context.Context, id uuid.UUID, environmentID string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE runs SET environment_id = ? WHERE id = ?`, environmentID, id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// FinishRun stamps the final status of a run.
func (l *SQLiteLedger) FinishRun(ctx context.Context, id uuid.UUID, status RunStatus, errMsg string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, error_message = ? WHERE id = ?
	`, status, l.now().UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// UpsertCamera records the current stage of a camera. Slot counts of zero do
// not overwrite counts recorded earlier in the run.
func (l *SQLiteLedger) UpsertCamera(ctx context.Context, cam CameraRun) error {
	if cam.UpdatedAt.IsZero() {
		cam.UpdatedAt = l.now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO camera_runs (
			run_id, device_id, assignment_id, camera, stage, captured, missing, error_message, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, device_id) DO UPDATE SET
			stage = excluded.stage,
			captured = CASE WHEN excluded.captured + excluded.missing > 0 THEN excluded.captured ELSE camera_runs.captured END,
			missing = CASE WHEN excluded.captured + excluded.missing > 0 THEN excluded.missing ELSE camera_runs.missing END,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`,
		cam.RunID,
		cam.DeviceID,
		cam.AssignmentID,
		cam.Camera,
		cam.Stage,
		cam.Captured,
		cam.Missing,
		cam.ErrorMessage,
		cam.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record camera stage: %w", err)
	}
	return nil
}

// RecentRuns lists the latest runs, newest first.
func (l *SQLiteLedger) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT
			id, environment, environment_id, name, range_start, range_end,
			rewrite, status, started_at, finished_at, error_message
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var environmentID, errorMessage sql.NullString
		var finishedAt sql.NullTime
		err := rows.Scan(
			&run.ID,
			&run.Environment,
			&environmentID,
			&run.Name,
			&run.RangeStart,
			&run.RangeEnd,
			&run.Rewrite,
			&run.Status,
			&run.StartedAt,
			&finishedAt,
			&errorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.EnvironmentID = environmentID.String
		run.ErrorMessage = errorMessage.String
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CameraRuns lists the cameras of a run in name order.
func (l *SQLiteLedger) CameraRuns(ctx context.Context, runID uuid.UUID) ([]CameraRun, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, device_id, assignment_id, camera, stage, captured, missing, error_message, updated_at
		FROM camera_runs
		WHERE run_id = ?
		ORDER BY camera
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list camera runs: %w", err)
	}
	defer rows.Close()

	var cams []CameraRun
	for rows.Next() {
		var cam CameraRun
		var assignmentID, errorMessage sql.NullString
		err := rows.Scan(
			&cam.RunID,
			&cam.DeviceID,
			&assignmentID,
			&cam.Camera,
			&cam.Stage,
			&cam.Captured,
			&cam.Missing,
			&errorMessage,
			&cam.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan camera run: %w", err)
		}
		cam.AssignmentID = assignmentID.String
		cam.ErrorMessage = errorMessage.String
		cams = append(cams, cam)
	}
	return cams, rows.Err()
}

// Close closes the database connection
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
