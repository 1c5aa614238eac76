// Package rpc exposes the prediction service over gRPC with a JSON codec.
// Handler carries the call semantics and is shared with the HTTP gateway.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nadmax/estimo/internal/logger"
	"github.com/nadmax/estimo/internal/metrics"
	"github.com/nadmax/estimo/internal/predictor"
	"github.com/nadmax/estimo/internal/repository"
	"github.com/nadmax/estimo/internal/task"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrClassifierUnavailable = errors.New("tag classifier not configured")

// Predictions is implemented by *predictor.Service.
type Predictions interface {
	MakePredict(ctx context.Context, req task.PredictionRequest) (float64, error)
	MakeListPredict(ctx context.Context, reqs []task.PredictionRequest) (*predictor.BatchResult, error)
	Refit(ctx context.Context, userID, taskID int64, actualTime float64) (float64, error)
}

// TagClassifier is implemented by *classifier.Classifier.
type TagClassifier interface {
	Predict(text string) ([]task.Tag, error)
	TagsList() []task.Tag
}

type Handler struct {
	predictions Predictions
	tags        TagClassifier
	log         *logger.Logger
}

// NewHandler builds the call handler. tags may be nil, in which case the tag
// calls fail with FailedPrecondition.
func NewHandler(predictions Predictions, tags TagClassifier, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}

	return &Handler{
		predictions: predictions,
		tags:        tags,
		log:         log,
	}
}

func (h *Handler) Predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error) {
	predicted, err := h.predictions.MakePredict(ctx, task.PredictionRequest{
		UserID:      req.UserID,
		PlannedTime: req.PlannedTime,
		Tags:        req.Tags,
	})
	if err != nil {
		return nil, err
	}

	return &PredictResponse{PredictedTime: predicted}, nil
}

func (h *Handler) PredictBatch(ctx context.Context, req *PredictBatchRequest) (*PredictBatchResponse, error) {
	result, err := h.predictions.MakeListPredict(ctx, req.Requests)
	if err != nil {
		return nil, err
	}

	return &PredictBatchResponse{
		Predictions: result.Predictions,
		Unpredicted: result.Unpredicted,
	}, nil
}

func (h *Handler) PredictTags(ctx context.Context, req *PredictTagsRequest) (*TagsResponse, error) {
	if h.tags == nil {
		return nil, ErrClassifierUnavailable
	}

	text := strings.TrimSpace(req.Title + " " + req.Description)
	if text == "" {
		return nil, fmt.Errorf("%w: title or description is required", predictor.ErrInvalidArgument)
	}

	tags, err := h.tags.Predict(text)
	if err != nil {
		return nil, err
	}

	metrics.RecordTagPrediction()
	return &TagsResponse{Tags: tags}, nil
}

func (h *Handler) GetTags(ctx context.Context, _ *Empty) (*TagsResponse, error) {
	if h.tags == nil {
		return nil, ErrClassifierUnavailable
	}

	return &TagsResponse{Tags: h.tags.TagsList()}, nil
}

func (h *Handler) Refit(ctx context.Context, req *RefitRequest) (*RefitResponse, error) {
	predicted, err := h.predictions.Refit(ctx, req.UserID, req.TaskID, req.ActualTime)
	if err != nil {
		return nil, err
	}

	return &RefitResponse{PredictedTime: predicted}, nil
}

// Code maps a service error onto its gRPC status code.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}

	switch {
	case errors.Is(err, predictor.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, repository.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrClassifierUnavailable):
		return codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// Message is the client-facing text of err. Internal failures are not
// described to callers.
func Message(err error) string {
	if Code(err) == codes.Internal {
		return "internal error"
	}
	return err.Error()
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), Message(err))
}
