package rpc

import "github.com/nadmax/estimo/internal/task"

type (
	PredictRequest struct {
		UserID      int64   `json:"user_id"`
		PlannedTime float64 `json:"planned_time"`
		Tags        []int64 `json:"tags,omitempty"`
	}

	PredictResponse struct {
		PredictedTime float64 `json:"predicted_time"`
	}

	PredictBatchRequest struct {
		Requests []task.PredictionRequest `json:"requests"`
	}

	PredictBatchResponse struct {
		Predictions []task.PredictedTime `json:"predictions"`
		Unpredicted []int64              `json:"unpredicted"`
	}

	PredictTagsRequest struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}

	TagsResponse struct {
		Tags []task.Tag `json:"tags"`
	}

	RefitRequest struct {
		UserID     int64   `json:"user_id"`
		TaskID     int64   `json:"task_id"`
		ActualTime float64 `json:"actual_time"`
	}

	RefitResponse struct {
		PredictedTime float64 `json:"predicted_time"`
	}

	Empty struct{}
)
