// Package predictor resolves per-user models and serves duration
// predictions. It is also the single entry point through which ingestion
// mutates task history. Within a process, history changes, invalidation and
// training for one user are serialized by a lock; across processes a model
// is only saved if the user's history version is unchanged since its
// training set was read.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/nadmax/estimo/internal/lock"
	"github.com/nadmax/estimo/internal/logger"
	"github.com/nadmax/estimo/internal/metrics"
	"github.com/nadmax/estimo/internal/model"
	"github.com/nadmax/estimo/internal/repository"
	"github.com/nadmax/estimo/internal/task"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoData          = errors.New("no completed tasks")
)

// maxTrainAttempts bounds retraining when the history keeps changing
// between reading the training set and saving the model.
const maxTrainAttempts = 3

type BatchResult struct {
	Predictions []task.PredictedTime `json:"predictions"`
	Unpredicted []int64              `json:"unpredicted"`
}

type Service struct {
	tasks  repository.TaskStore
	models repository.ModelStore
	locks  *lock.Table
	group  singleflight.Group
	log    *logger.Logger
}

// NewService wires the orchestrator. models is usually the repository itself
// or a cache wrapping it.
func NewService(tasks repository.TaskStore, models repository.ModelStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}

	return &Service{
		tasks:  tasks,
		models: models,
		locks:  lock.NewTable(),
		log:    log,
	}
}

// GetModel returns the user's stored model, training and saving a new one
// when none is usable. Concurrent calls for one user share a single
// resolution. Returns ErrNoData when the user has no completed tasks.
func (s *Service) GetModel(ctx context.Context, userID int64) (*model.Predictor, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidArgument)
	}

	v, err, _ := s.group.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		detached := context.WithoutCancel(ctx)

		unlock := s.locks.Lock(userID)
		defer unlock()

		return s.loadOrTrain(detached, userID)
	})
	if err != nil {
		return nil, err
	}

	return v.(*model.Predictor), nil
}

// loadOrTrain must run with the user's lock held.
func (s *Service) loadOrTrain(ctx context.Context, userID int64) (*model.Predictor, error) {
	rec, err := s.models.LoadModel(ctx, userID)
	switch {
	case err == nil && rec.FormatVersion != model.FormatVersion:
		s.log.Info("stored model has an outdated format, retraining",
			"user_id", userID,
			"format_version", rec.FormatVersion,
		)
	case err == nil:
		p, err := model.Decode(rec.Blob)
		if err == nil {
			metrics.RecordModelResolution("store")
			return p, nil
		}
		s.log.Warn("stored model is unreadable, retraining", "user_id", userID, "error", err)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to load model for user %d: %w", userID, err)
	}

	return s.train(ctx, userID)
}

// train must run with the user's lock held. A model whose history changed
// while it was trained is discarded and trained again; after
// maxTrainAttempts the last model is served without being saved.
func (s *Service) train(ctx context.Context, userID int64) (*model.Predictor, error) {
	for attempt := 1; ; attempt++ {
		p, err := s.trainOnce(ctx, userID)
		if !errors.Is(err, repository.ErrStaleHistory) {
			return p, err
		}

		if attempt == maxTrainAttempts {
			metrics.RecordModelResolution("unsaved")
			s.log.Warn("task history kept changing during training, serving unsaved model",
				"user_id", userID,
				"attempts", attempt,
			)
			return p, nil
		}
		s.log.Info("task history changed during training, retraining", "user_id", userID, "attempt", attempt)
	}
}

// trainOnce returns the trained predictor together with ErrStaleHistory
// when the store refused to save it.
func (s *Service) trainOnce(ctx context.Context, userID int64) (*model.Predictor, error) {
	version, err := s.tasks.HistoryVersion(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history version for user %d: %w", userID, err)
	}

	tasks, err := s.tasks.GetCompletedTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get completed tasks for user %d: %w", userID, err)
	}

	if len(tasks) == 0 {
		if err := s.models.DeleteModel(ctx, userID); err != nil {
			return nil, fmt.Errorf("failed to delete model for user %d: %w", userID, err)
		}
		metrics.RecordModelResolution("nodata")
		return nil, fmt.Errorf("user %d: %w", userID, ErrNoData)
	}

	start := time.Now()
	p, err := model.Train(tasks)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	metrics.RecordTraining(model.TierName(len(tasks)), len(tasks), time.Since(start))

	blob, err := model.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	if err := s.models.SaveModel(ctx, userID, blob, model.FormatVersion, version); err != nil {
		if errors.Is(err, repository.ErrStaleHistory) {
			return p, err
		}
		return nil, fmt.Errorf("failed to save model for user %d: %w", userID, err)
	}

	metrics.RecordModelResolution("trained")
	s.log.Info("trained model",
		"user_id", userID,
		"samples", len(tasks),
		"tier", model.TierName(len(tasks)),
		"tags", p.Index.Len(),
		"history_version", version,
	)
	return p, nil
}

func validateRequest(req task.PredictionRequest) error {
	if req.UserID <= 0 {
		return fmt.Errorf("%w: user id must be positive, got %d", ErrInvalidArgument, req.UserID)
	}
	if !(req.PlannedTime > 0) || math.IsInf(req.PlannedTime, 1) {
		return fmt.Errorf("%w: planned time must be positive, got %v", ErrInvalidArgument, req.PlannedTime)
	}
	return nil
}

// MakePredict predicts one task. A user without completed tasks gets 0.
func (s *Service) MakePredict(ctx context.Context, req task.PredictionRequest) (float64, error) {
	if err := validateRequest(req); err != nil {
		metrics.RecordPrediction("single", "invalid")
		return 0, err
	}

	p, err := s.GetModel(ctx, req.UserID)
	if errors.Is(err, ErrNoData) {
		metrics.RecordPrediction("single", "no_data")
		return 0, nil
	}
	if err != nil {
		metrics.RecordPrediction("single", "error")
		return 0, err
	}

	predicted, err := p.Predict(req.PlannedTime, req.Tags)
	if err != nil {
		metrics.RecordPrediction("single", "error")
		return 0, fmt.Errorf("user %d: %w", req.UserID, err)
	}

	metrics.RecordPrediction("single", "predicted")
	return predicted, nil
}

// MakeListPredict predicts every request, resolving each user's model at most
// once. A user is reported in Unpredicted when any of their rows is invalid or
// their model cannot be resolved or applied; every row of such a user carries
// its own planned time as the prediction. Only an empty batch is rejected.
func (s *Service) MakeListPredict(ctx context.Context, reqs []task.PredictionRequest) (*BatchResult, error) {
	if len(reqs) == 0 {
		metrics.RecordPrediction("batch", "invalid")
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidArgument)
	}

	predictors := make(map[int64]*model.Predictor)
	unpredicted := make(map[int64]struct{})
	predicted := make([]float64, len(reqs))

	for i, req := range reqs {
		if _, skip := unpredicted[req.UserID]; skip {
			continue
		}

		if err := validateRequest(req); err != nil {
			s.log.Warn("invalid row in batch", "row", i, "user_id", req.UserID, "error", err)
			unpredicted[req.UserID] = struct{}{}
			continue
		}

		p, ok := predictors[req.UserID]
		if !ok {
			var err error
			p, err = s.GetModel(ctx, req.UserID)
			if err != nil {
				if !errors.Is(err, ErrNoData) {
					s.log.Error("failed to resolve model in batch", "user_id", req.UserID, "error", err)
				}
				unpredicted[req.UserID] = struct{}{}
				continue
			}
			predictors[req.UserID] = p
		}

		v, err := p.Predict(req.PlannedTime, req.Tags)
		if err != nil {
			s.log.Error("failed to predict in batch", "user_id", req.UserID, "error", err)
			unpredicted[req.UserID] = struct{}{}
			continue
		}
		predicted[i] = v
	}

	result := &BatchResult{
		Predictions: make([]task.PredictedTime, 0, len(reqs)),
		Unpredicted: []int64{},
	}
	for i, req := range reqs {
		out := task.PredictedTime{UserID: req.UserID, TaskID: req.TaskID, PredictedTime: predicted[i]}
		if _, miss := unpredicted[req.UserID]; miss {
			metrics.RecordPrediction("batch", "unpredicted")
			out.PredictedTime = fallbackTime(req.PlannedTime)
		} else {
			metrics.RecordPrediction("batch", "predicted")
		}
		result.Predictions = append(result.Predictions, out)
	}

	for userID := range unpredicted {
		result.Unpredicted = append(result.Unpredicted, userID)
	}
	sort.Slice(result.Unpredicted, func(i, j int) bool { return result.Unpredicted[i] < result.Unpredicted[j] })

	return result, nil
}

// fallbackTime echoes the planned time. Non-finite values cannot be encoded
// and become 0.
func fallbackTime(planned float64) float64 {
	if math.IsNaN(planned) || math.IsInf(planned, 0) {
		return 0
	}
	return planned
}

// Refit records the actual time of one of the user's tasks, retrains the
// user's model and returns the new model's prediction for that task.
func (s *Service) Refit(ctx context.Context, userID, taskID int64, actualTime float64) (float64, error) {
	if userID <= 0 || taskID <= 0 {
		return 0, fmt.Errorf("%w: user and task ids must be positive", ErrInvalidArgument)
	}
	if !(actualTime > 0) || math.IsInf(actualTime, 1) {
		return 0, fmt.Errorf("%w: actual time must be positive, got %v", ErrInvalidArgument, actualTime)
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	rec, err := s.tasks.GetTask(ctx, userID, taskID)
	if err != nil {
		return 0, fmt.Errorf("task %d of user %d: %w", taskID, userID, err)
	}

	upd := task.Update{ID: taskID, UserID: userID, ActualTime: &actualTime}
	merged, err := upd.Apply(rec)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	detached := context.WithoutCancel(ctx)
	if err := s.tasks.UpsertTask(detached, merged); err != nil {
		return 0, fmt.Errorf("failed to update task %d: %w", taskID, err)
	}

	p, err := s.train(detached, userID)
	if err != nil {
		return 0, err
	}

	predicted, err := p.Predict(merged.PlannedTime, merged.Tags)
	if err != nil {
		return 0, fmt.Errorf("user %d: %w", userID, err)
	}

	s.log.Info("refitted model", "user_id", userID, "task_id", taskID)
	return predicted, nil
}

// ApplyUpsert merges an ingested task change into the stored row and
// invalidates the owner's model.
func (s *Service) ApplyUpsert(ctx context.Context, upd task.Update) error {
	if err := upd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	unlock := s.locks.Lock(upd.UserID)
	defer unlock()

	existing, err := s.tasks.GetTask(ctx, upd.UserID, upd.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to get task %d: %w", upd.ID, err)
	}

	merged, err := upd.Apply(existing)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if err := s.tasks.UpsertTask(ctx, merged); err != nil {
		return fmt.Errorf("failed to upsert task %d: %w", upd.ID, err)
	}
	if err := s.models.DeactivateModel(ctx, upd.UserID); err != nil {
		return fmt.Errorf("failed to deactivate model for user %d: %w", upd.UserID, err)
	}

	s.log.Debug("applied task upsert", "task_id", upd.ID, "user_id", upd.UserID)
	return nil
}

// ApplyDelete removes a task. The owner's model is deleted when no completed
// task remains and deactivated otherwise. Unknown ids are ignored.
func (s *Service) ApplyDelete(ctx context.Context, taskID int64) error {
	if taskID <= 0 {
		return fmt.Errorf("%w: task id must be positive, got %d", ErrInvalidArgument, taskID)
	}

	userID, found, err := s.tasks.DeleteTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task %d: %w", taskID, err)
	}
	if !found {
		s.log.Debug("delete for unknown task ignored", "task_id", taskID)
		return nil
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	remaining, err := s.tasks.HasCompletedTasks(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to check completed tasks for user %d: %w", userID, err)
	}

	if !remaining {
		if err := s.models.DeleteModel(ctx, userID); err != nil {
			return fmt.Errorf("failed to delete model for user %d: %w", userID, err)
		}
		s.log.Info("deleted model of user without completed tasks", "user_id", userID)
		return nil
	}

	if err := s.models.DeactivateModel(ctx, userID); err != nil {
		return fmt.Errorf("failed to deactivate model for user %d: %w", userID, err)
	}
	return nil
}
