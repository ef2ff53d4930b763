package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/syncer"
)

// Repository stores sync state and run history.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (creating if needed) the database at dbPath.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

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

// GetState returns the last successful sync of target. The bool is false
// when target has never been synced.
func (r *Repository) GetState(target string) (syncer.State, bool, error) {
	query := `SELECT fingerprint, image_digest, image_size, synced_at FROM targets WHERE name = ?`

	var fp, img, syncedAt string
	var size int64
	err := r.db.QueryRow(query, target).Scan(&fp, &img, &size, &syncedAt)
	if err == sql.ErrNoRows {
		slog.Debug("database_state_not_found", "target", target)
		return syncer.State{}, false, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "target", target, "error", err)
		return syncer.State{}, false, errors.Wrap(err, "failed to query state")
	}

	at, err := time.Parse(time.RFC3339Nano, syncedAt)
	if err != nil {
		return syncer.State{}, false, errors.Wrapf(err, "bad synced_at for %s", target)
	}
	return syncer.State{
		Fingerprint: digest.Digest(fp),
		ImageDigest: digest.Digest(img),
		Size:        size,
		SyncedAt:    at,
	}, true, nil
}

// SaveState records a successful sync of target, replacing any earlier one.
func (r *Repository) SaveState(ctx context.Context, target string, s syncer.State) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT INTO targets (name, fingerprint, image_digest, image_size, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		    fingerprint = excluded.fingerprint,
		    image_digest = excluded.image_digest,
		    image_size = excluded.image_size,
		    synced_at = excluded.synced_at
	`
	_, err = tx.ExecContext(ctx, query,
		target, s.Fingerprint.String(), s.ImageDigest.String(), s.Size,
		s.SyncedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		slog.Error("database_upsert_failed", "target", target, "error", err)
		return errors.Wrap(err, "failed to save state")
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return errors.Wrap(err, "failed to commit transaction")
	}

	slog.Debug("database_state_saved", "target", target, "fingerprint", s.Fingerprint.String())
	return nil
}

// CreateRun inserts a pending run.
func (r *Repository) CreateRun(id, target string) error {
	query := `INSERT INTO runs (id, target, status) VALUES (?, ?, ?)`
	if _, err := r.db.Exec(query, id, target, StatusPending); err != nil {
		slog.Error("database_insert_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}
	slog.Debug("database_run_created", "run_id", id, "target", target)
	return nil
}

// UpdateRun sets the status of a run. Empty reason and errMsg keep the
// stored values.
func (r *Repository) UpdateRun(id, status, reason, errMsg string) error {
	query := `
		UPDATE runs
		SET status = ?,
		    reason = COALESCE(NULLIF(?, ''), reason),
		    error_message = COALESCE(NULLIF(?, ''), error_message),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	return r.execRun(id, query, status, reason, errMsg, id)
}

// SetRunFingerprint records the host fingerprint a run was planned against.
func (r *Repository) SetRunFingerprint(id string, fp digest.Digest) error {
	query := `UPDATE runs SET fingerprint = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	return r.execRun(id, query, fp.String(), id)
}

func (r *Repository) execRun(id, query string, args ...any) error {
	result, err := r.db.Exec(query, args...)
	if err != nil {
		slog.Error("database_update_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to update run")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("run not found: id=%s", id)
	}
	return nil
}

const runColumns = `id, target, status, reason, fingerprint, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var reason, fp, errMsg sql.NullString
	if err := s.Scan(&run.ID, &run.Target, &run.Status, &reason, &fp, &errMsg, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Reason = reason.String
	run.Fingerprint = fp.String
	run.ErrorMessage = errMsg.String
	return &run, nil
}

// GetRun returns a run by id, or nil when it does not exist.
func (r *Repository) GetRun(id string) (*Run, error) {
	row := r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// ListRuns returns the most recent runs first. An empty target lists every
// target; limit <= 0 lists everything.
func (r *Repository) ListRuns(target string, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE (? = '' OR target = ?) ORDER BY created_at DESC, rowid DESC`
	args := []any{target, target}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}
