package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/sysrescue/rescue-kernel-deb/pkg/errors"
)

// Repository provides database operations for builds
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

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

// Create inserts a new build record
func (r *Repository) Create(ctx context.Context, b *Build) error {
	slog.Debug("database_create_build", "run_id", b.RunID, "status", b.Status)

	query := `
		INSERT INTO builds (run_id, image_path, image_sha256, kernel_version, package_name, artifact_path, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		b.RunID, b.ImagePath, b.ImageSHA256, b.KernelVersion,
		b.PackageName, b.ArtifactPath, b.Status, b.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", b.RunID, "error", err)
		return errors.Wrap(err, "failed to insert build")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	b.ID = id
	return nil
}

const selectColumns = `
	SELECT id, run_id, image_path, image_sha256, kernel_version, package_name,
	       artifact_path, status, error_message, created_at, updated_at
	FROM builds`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(s scanner) (*Build, error) {
	var b Build
	var sha, version, pkg, artifact, errorMessage sql.NullString

	err := s.Scan(&b.ID, &b.RunID, &b.ImagePath, &sha, &version, &pkg,
		&artifact, &b.Status, &errorMessage, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	b.ImageSHA256 = sha.String
	b.KernelVersion = version.String
	b.PackageName = pkg.String
	b.ArtifactPath = artifact.String
	b.ErrorMessage = errorMessage.String
	return &b, nil
}

// GetByRunID retrieves a build by its run id. It returns nil when none exists.
func (r *Repository) GetByRunID(ctx context.Context, runID string) (*Build, error) {
	b, err := scanBuild(r.db.QueryRowContext(ctx, selectColumns+` WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to query build")
	}
	return b, nil
}

// Update writes every mutable field of b
func (r *Repository) Update(ctx context.Context, b *Build) error {
	slog.Debug("database_update_build", "run_id", b.RunID, "status", b.Status)

	query := `
		UPDATE builds
		SET image_sha256 = ?, kernel_version = ?, package_name = ?, artifact_path = ?,
		    status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		b.ImageSHA256, b.KernelVersion, b.PackageName, b.ArtifactPath,
		b.Status, b.ErrorMessage, b.ID)
	if err != nil {
		slog.Error("database_update_failed", "run_id", b.RunID, "error", err)
		return errors.Wrap(err, "failed to update build")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("build not found: id=%d", b.ID)
	}
	return nil
}

// List retrieves builds, newest first. A limit <= 0 returns all of them.
func (r *Repository) List(ctx context.Context, limit int) ([]*Build, error) {
	query := selectColumns + ` ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list builds")
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		builds = append(builds, b)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "build_count", len(builds))
	return builds, nil
}

// Delete deletes a build by ID
func (r *Repository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "build_id", id, "error", err)
		return errors.Wrap(err, "failed to delete build")
	}
	return nil
}
