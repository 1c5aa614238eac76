// Package repository provides PostgreSQL persistence for task history and
// per-user models.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/nadmax/estimo/internal/logger"
	"github.com/nadmax/estimo/internal/repository/models"
	"github.com/nadmax/estimo/internal/task"
)

type PostgresRepository struct {
	db  *sql.DB
	log *logger.Logger
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func NewPostgresRepository(connectionString string, pool PoolConfig, log *logger.Logger) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if pool.MaxOpenConns == 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns == 0 {
		pool.MaxIdleConns = 5
	}
	if pool.ConnMaxLifetime == 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	return &PostgresRepository{db: db, log: log}, nil
}

func (r *PostgresRepository) UpsertTask(ctx context.Context, rec task.Record) error {
	query := `
		INSERT INTO tasks (id, user_id, planned_time, actual_time, tags)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			planned_time = EXCLUDED.planned_time,
			actual_time = EXCLUDED.actual_time,
			tags = EXCLUDED.tags
	`

	var actualTime any
	if rec.ActualTime != nil {
		actualTime = *rec.ActualTime
	}

	tags := rec.Tags
	if tags == nil {
		tags = []int64{}
	}

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, rec.UserID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, query,
			rec.ID,
			rec.UserID,
			rec.PlannedTime,
			actualTime,
			pq.Array(tags),
		); err != nil {
			return err
		}

		return bumpHistory(ctx, tx, rec.UserID)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert task %d: %w", rec.ID, err)
	}

	return nil
}

func (r *PostgresRepository) DeleteTask(ctx context.Context, taskID int64) (int64, bool, error) {
	query := `DELETE FROM tasks WHERE id = $1 RETURNING user_id`

	var userID int64
	found := false
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, query, taskID).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		return bumpHistory(ctx, tx, userID)
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to delete task %d: %w", taskID, err)
	}

	return userID, found, nil
}

func (r *PostgresRepository) HistoryVersion(ctx context.Context, userID int64) (int64, error) {
	version, err := historyVersion(ctx, r.db, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read history version of user %d: %w", userID, err)
	}
	return version, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func historyVersion(ctx context.Context, q queryRower, userID int64) (int64, error) {
	query := `SELECT COALESCE((SELECT version FROM task_history WHERE user_id = $1), 0)`

	var version int64
	if err := q.QueryRowContext(ctx, query, userID).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// lockUser serializes task writes and model saves of one user across
// processes until tx ends.
func lockUser(ctx context.Context, tx *sql.Tx, userID int64) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return fmt.Errorf("failed to lock user %d: %w", userID, err)
	}
	return nil
}

func bumpHistory(ctx context.Context, tx *sql.Tx, userID int64) error {
	query := `
		INSERT INTO task_history (user_id, version)
		VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET
			version = task_history.version + 1
	`
	if _, err := tx.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to bump history version of user %d: %w", userID, err)
	}
	return nil
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.log.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetCompletedTasks(ctx context.Context, userID int64) ([]task.Record, error) {
	query := `
		SELECT id, user_id, planned_time, actual_time, tags
		FROM tasks
		WHERE user_id = $1 AND actual_time IS NOT NULL
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed tasks: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Warn("failed to close rows", "error", err)
		}
	}()

	tasks := []task.Record{}
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *rec)
	}

	return tasks, rows.Err()
}

func (r *PostgresRepository) HasCompletedTasks(ctx context.Context, userID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM tasks WHERE user_id = $1 AND actual_time IS NOT NULL)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check completed tasks: %w", err)
	}

	return exists, nil
}

func (r *PostgresRepository) GetTask(ctx context.Context, userID, taskID int64) (*task.Record, error) {
	query := `
		SELECT id, user_id, planned_time, actual_time, tags
		FROM tasks
		WHERE user_id = $1 AND id = $2
	`

	rec, err := scanTask(r.db.QueryRowContext(ctx, query, userID, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d of user %d: %w", taskID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*task.Record, error) {
	var rec task.Record
	var actualTime sql.NullFloat64
	var tags []int64

	if err := s.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.PlannedTime,
		&actualTime,
		pq.Array(&tags),
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if actualTime.Valid {
		v := actualTime.Float64
		rec.ActualTime = &v
	}
	if tags == nil {
		tags = []int64{}
	}
	rec.Tags = tags

	return &rec, nil
}

func (r *PostgresRepository) LoadModel(ctx context.Context, userID int64) (*models.ModelRecord, error) {
	query := `
		SELECT user_id, model, format_version, is_active, updated_at
		FROM models
		WHERE user_id = $1
	`

	var m models.ModelRecord
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&m.UserID,
		&m.Blob,
		&m.FormatVersion,
		&m.Active,
		&m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model of user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	if !m.Active {
		return nil, fmt.Errorf("model of user %d is inactive: %w", userID, ErrNotFound)
	}

	return &m, nil
}

func (r *PostgresRepository) SaveModel(ctx context.Context, userID int64, blob []byte, formatVersion int, trainedVersion int64) error {
	query := `
		INSERT INTO models (user_id, model, format_version, is_active, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			model = EXCLUDED.model,
			format_version = EXCLUDED.format_version,
			is_active = TRUE,
			updated_at = NOW()
	`

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}

		current, err := historyVersion(ctx, tx, userID)
		if err != nil {
			return err
		}
		if current != trainedVersion {
			return fmt.Errorf("user %d trained at version %d, now %d: %w", userID, trainedVersion, current, ErrStaleHistory)
		}

		_, err = tx.ExecContext(ctx, query, userID, blob, formatVersion)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}

	return nil
}

func (r *PostgresRepository) DeleteModel(ctx context.Context, userID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM models WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}

	return nil
}

func (r *PostgresRepository) DeactivateModel(ctx context.Context, userID int64) error {
	query := `
		UPDATE models
		SET is_active = FALSE,
		    updated_at = NOW()
		WHERE user_id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to deactivate model: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetStoreStats(ctx context.Context) (*models.StoreStats, error) {
	stats := &models.StoreStats{LastUpdated: time.Now()}

	taskQuery := `
		SELECT
			COUNT(*),
			COUNT(actual_time),
			COUNT(DISTINCT user_id)
		FROM tasks
	`
	if err := r.db.QueryRowContext(ctx, taskQuery).Scan(
		&stats.Tasks,
		&stats.CompletedTasks,
		&stats.Users,
	); err != nil {
		return nil, fmt.Errorf("failed to query task stats: %w", err)
	}

	modelQuery := `
		SELECT
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE NOT is_active)
		FROM models
	`
	if err := r.db.QueryRowContext(ctx, modelQuery).Scan(
		&stats.ActiveModels,
		&stats.InactiveModels,
	); err != nil {
		return nil, fmt.Errorf("failed to query model stats: %w", err)
	}

	return stats, nil
}

func (r *PostgresRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
