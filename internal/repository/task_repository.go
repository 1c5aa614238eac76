package repository

import (
	"context"
	"errors"

	"github.com/nadmax/estimo/internal/repository/models"
	"github.com/nadmax/estimo/internal/task"
)

// ErrNotFound is returned for a missing task and for a missing or inactive
// model. Callers cannot tell the two model cases apart.
var ErrNotFound = errors.New("not found")

// ErrStaleHistory is returned by SaveModel when the user's task history
// changed after the version the model was trained from.
var ErrStaleHistory = errors.New("task history changed")

// TaskStore writes bump the owner's history version in the same
// transaction as the row change.
type TaskStore interface {
	UpsertTask(ctx context.Context, rec task.Record) error
	// DeleteTask reports the owner of the deleted row; found is false when
	// no row had that id.
	DeleteTask(ctx context.Context, taskID int64) (userID int64, found bool, err error)
	// HistoryVersion is 0 for a user whose tasks were never written.
	HistoryVersion(ctx context.Context, userID int64) (int64, error)
	// GetCompletedTasks returns the user's tasks that have an actual time,
	// ordered by ascending id.
	GetCompletedTasks(ctx context.Context, userID int64) ([]task.Record, error)
	HasCompletedTasks(ctx context.Context, userID int64) (bool, error)
	GetTask(ctx context.Context, userID, taskID int64) (*task.Record, error)
}

type ModelStore interface {
	LoadModel(ctx context.Context, userID int64) (*models.ModelRecord, error)
	// SaveModel stores an active model trained from historyVersion, or
	// returns ErrStaleHistory when the user's history has moved on.
	SaveModel(ctx context.Context, userID int64, blob []byte, formatVersion int, historyVersion int64) error
	DeleteModel(ctx context.Context, userID int64) error
	DeactivateModel(ctx context.Context, userID int64) error
}

type Repository interface {
	TaskStore
	ModelStore
	GetStoreStats(ctx context.Context) (*models.StoreStats, error)
	Close() error
}
