package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/virtbak/vmclone/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for clone runs
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new run record
func (r *Repository) Create(run *Run) error {
	query := `
		INSERT INTO clone_runs (domain, dest_dir, workdir, disk_only, status, disk_count, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		run.Domain, run.DestDir, run.Workdir, run.DiskOnly,
		run.Status, run.DiskCount, run.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "domain", run.Domain, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	run.ID = id

	slog.Info("database_run_created", "domain", run.Domain, "run_id", run.ID, "status", run.Status)
	return nil
}

// Finish records a run's terminal status and stamps finished_at.
func (r *Repository) Finish(id int64, status, errorMessage string) error {
	query := `
		UPDATE clone_runs
		SET status = ?, error_message = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query, status, errorMessage, id)
	if err != nil {
		slog.Error("database_finish_failed", "run_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to finish run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("run not found: id=%d", id)
	}

	slog.Info("database_run_finished", "run_id", id, "status", status)
	return nil
}

// SetDiskCount records how many disks the snapshot covers.
func (r *Repository) SetDiskCount(id int64, count int) error {
	query := `UPDATE clone_runs SET disk_count = ? WHERE id = ?`
	if _, err := r.db.Exec(query, count, id); err != nil {
		return errors.Wrap(err, "failed to set disk count")
	}
	return nil
}

// List retrieves all runs, newest first
func (r *Repository) List() ([]*Run, error) {
	query := `
		SELECT id, domain, dest_dir, workdir, disk_only, status,
		       disk_count, error_message, started_at, finished_at
		FROM clone_runs ORDER BY started_at DESC, id DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	return runs, nil
}

// ListByStatus retrieves runs in the given status, newest first
func (r *Repository) ListByStatus(status string) ([]*Run, error) {
	query := `
		SELECT id, domain, dest_dir, workdir, disk_only, status,
		       disk_count, error_message, started_at, finished_at
		FROM clone_runs WHERE status = ? ORDER BY started_at DESC, id DESC
	`
	rows, err := r.db.Query(query, status)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	return runs, nil
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var run Run
	var workdir, errorMessage, finishedAt sql.NullString

	err := rows.Scan(
		&run.ID, &run.Domain, &run.DestDir, &workdir, &run.DiskOnly,
		&run.Status, &run.DiskCount, &errorMessage, &run.StartedAt, &finishedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan row")
	}

	run.Workdir = workdir.String
	run.ErrorMessage = errorMessage.String
	run.FinishedAt = finishedAt.String

	return &run, nil
}
