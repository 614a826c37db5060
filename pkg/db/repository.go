package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/fly-io/modelworker/pkg/errors"
	_ "modernc.org/sqlite"
)

// sqliteTime matches the CURRENT_TIMESTAMP text format.
const sqliteTime = "2006-01-02 15:04:05"

// Repository is the worker's ledger of artifacts and jobs.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the ledger at dbPath.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	// Several workers may share one ledger file.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertArtifact records the latest state of a destination.
func (r *Repository) UpsertArtifact(a *Artifact) error {
	query := `
		INSERT INTO artifacts (destination, kind, link, status, strategy, size, sha256, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(destination) DO UPDATE SET
		    kind = excluded.kind, link = excluded.link, status = excluded.status,
		    strategy = excluded.strategy, size = excluded.size, sha256 = excluded.sha256,
		    error_message = excluded.error_message, updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.Exec(query,
		a.Destination, a.Kind, a.Link, a.Status,
		a.Strategy, a.Size, a.SHA256, a.ErrorMessage)
	if err != nil {
		slog.Error("database_upsert_artifact_failed", "destination", a.Destination, "error", err)
		return errors.Wrap(err, "failed to upsert artifact")
	}

	slog.Debug("database_artifact_recorded", "destination", a.Destination, "status", a.Status)
	return nil
}

// GetArtifact retrieves an artifact by destination; nil when unknown.
func (r *Repository) GetArtifact(destination string) (*Artifact, error) {
	query := `
		SELECT id, destination, kind, link, status,
		       strategy, size, sha256, error_message, created_at, updated_at
		FROM artifacts WHERE destination = ?
	`
	a, err := scanArtifact(r.db.QueryRow(query, destination))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "destination", destination, "error", err)
		return nil, errors.Wrap(err, "failed to query artifact")
	}
	return a, nil
}

// MarkPruned flags a destination as removed from disk.
func (r *Repository) MarkPruned(destination string) error {
	query := `UPDATE artifacts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE destination = ?`
	if _, err := r.db.Exec(query, StatusPruned, destination); err != nil {
		slog.Error("database_mark_pruned_failed", "destination", destination, "error", err)
		return errors.Wrap(err, "failed to mark artifact pruned")
	}
	return nil
}

// ListArtifacts retrieves all artifacts, newest first.
func (r *Repository) ListArtifacts() ([]*Artifact, error) {
	query := `
		SELECT id, destination, kind, link, status,
		       strategy, size, sha256, error_message, created_at, updated_at
		FROM artifacts ORDER BY updated_at DESC, id DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list artifacts")
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return artifacts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(s scanner) (*Artifact, error) {
	var a Artifact
	var strategy, sha, errorMessage sql.NullString
	var size sql.NullInt64

	err := s.Scan(
		&a.ID, &a.Destination, &a.Kind, &a.Link, &a.Status,
		&strategy, &size, &sha, &errorMessage, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Strategy = strategy.String
	a.Size = size.Int64
	a.SHA256 = sha.String
	a.ErrorMessage = errorMessage.String
	return &a, nil
}

// CreateJob inserts a new job record
func (r *Repository) CreateJob(j *Job) error {
	slog.Info("database_create_job", "prefix", j.Prefix, "status", j.Status)

	query := `INSERT INTO jobs (prefix, prompt_id, status, image_count, error_message) VALUES (?, ?, ?, ?, ?)`
	result, err := r.db.Exec(query, j.Prefix, j.PromptID, j.Status, j.ImageCount, j.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "prefix", j.Prefix, "error", err)
		return errors.Wrap(err, "failed to insert job")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	j.ID = id
	return nil
}

// UpdateJob updates an existing job record, matched by prefix.
func (r *Repository) UpdateJob(j *Job) error {
	slog.Info("database_update_job", "prefix", j.Prefix, "status", j.Status)

	query := `
		UPDATE jobs
		SET prompt_id = ?, status = ?, image_count = ?, cleaned = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE prefix = ?
	`
	result, err := r.db.Exec(query, j.PromptID, j.Status, j.ImageCount, j.Cleaned, j.ErrorMessage, j.Prefix)
	if err != nil {
		slog.Error("database_update_failed", "prefix", j.Prefix, "error", err)
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_job_not_found_for_update", "prefix", j.Prefix)
		return fmt.Errorf("job not found: prefix=%s", j.Prefix)
	}
	return nil
}

// GetJob retrieves a job by correlation prefix; nil when unknown.
func (r *Repository) GetJob(prefix string) (*Job, error) {
	query := `
		SELECT id, prefix, prompt_id, status, image_count, cleaned, error_message, created_at, updated_at
		FROM jobs WHERE prefix = ?
	`
	j, err := scanJob(r.db.QueryRow(query, prefix))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "prefix", prefix, "error", err)
		return nil, errors.Wrap(err, "failed to query job")
	}
	return j, nil
}

// ListJobs retrieves all jobs, newest first.
func (r *Repository) ListJobs() ([]*Job, error) {
	return r.queryJobs(`
		SELECT id, prefix, prompt_id, status, image_count, cleaned, error_message, created_at, updated_at
		FROM jobs ORDER BY created_at DESC, id DESC
	`)
}

// ListUncleanedJobs returns jobs created before cutoff whose outputs were
// never swept, typically because the invoking process died mid-poll.
func (r *Repository) ListUncleanedJobs(cutoff time.Time) ([]*Job, error) {
	return r.queryJobs(`
		SELECT id, prefix, prompt_id, status, image_count, cleaned, error_message, created_at, updated_at
		FROM jobs WHERE cleaned = 0 AND created_at < ? ORDER BY created_at
	`, cutoff.UTC().Format(sqliteTime))
}

func (r *Repository) queryJobs(query string, args ...any) ([]*Job, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return jobs, nil
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var promptID, errorMessage sql.NullString

	err := s.Scan(
		&j.ID, &j.Prefix, &promptID, &j.Status, &j.ImageCount, &j.Cleaned,
		&errorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.PromptID = promptID.String
	j.ErrorMessage = errorMessage.String
	return &j, nil
}
