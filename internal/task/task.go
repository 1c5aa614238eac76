// Package task defines the task history domain model shared by the store, the
// trainer and the ingestion worker. It contains task records, tags, prediction
// requests, validated task updates and the ingestion event payloads.
package task

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var ErrMissingPlannedTime = errors.New("planned time is required for a new task")

type (
	// Record is one row of a user's task history. A nil ActualTime means the
	// task is not completed yet and is not trainable.
	Record struct {
		ID          int64    `json:"id"`
		UserID      int64    `json:"user_id"`
		PlannedTime float64  `json:"planned_time"`
		ActualTime  *float64 `json:"actual_time,omitempty"`
		Tags        []int64  `json:"tags"`
	}

	Tag struct {
		ID          int64    `json:"id"`
		Name        string   `json:"name"`
		Probability *float64 `json:"probability,omitempty"`
	}

	PredictionRequest struct {
		UserID      int64   `json:"user_id"`
		TaskID      int64   `json:"task_id,omitempty"`
		PlannedTime float64 `json:"planned_time"`
		Tags        []int64 `json:"tags,omitempty"`
	}

	PredictedTime struct {
		UserID        int64   `json:"user_id"`
		TaskID        int64   `json:"task_id,omitempty"`
		PredictedTime float64 `json:"predicted_time"`
	}
)

func (r *Record) Completed() bool {
	return r.ActualTime != nil
}

// Update lists every field an ingestion event or a correction may change.
// Nil pointers leave the stored value untouched; ClearActualTime marks a
// completed task as open again.
type Update struct {
	ID              int64    `validate:"gt=0"`
	UserID          int64    `validate:"gt=0"`
	PlannedTime     *float64 `validate:"omitempty,gt=0"`
	ActualTime      *float64 `validate:"omitempty,gt=0"`
	ClearActualTime bool     `validate:"excluded_with=ActualTime"`
	Tags            *[]int64
}

func (u *Update) Validate() error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("invalid task update %d: %w", u.ID, err)
	}

	return nil
}

// Apply merges the update onto base. A nil base builds a new record, which
// requires PlannedTime.
func (u *Update) Apply(base *Record) (Record, error) {
	if err := u.Validate(); err != nil {
		return Record{}, err
	}

	var rec Record
	if base != nil {
		rec = *base
		rec.Tags = append([]int64(nil), base.Tags...)
	} else {
		if u.PlannedTime == nil {
			return Record{}, fmt.Errorf("task %d: %w", u.ID, ErrMissingPlannedTime)
		}
		rec.Tags = []int64{}
	}

	rec.ID = u.ID
	rec.UserID = u.UserID
	if u.PlannedTime != nil {
		rec.PlannedTime = *u.PlannedTime
	}
	if u.ActualTime != nil {
		actual := *u.ActualTime
		rec.ActualTime = &actual
	}
	if u.ClearActualTime {
		rec.ActualTime = nil
	}
	if u.Tags != nil {
		rec.Tags = dedupTags(*u.Tags)
	}

	return rec, nil
}

func dedupTags(tags []int64) []int64 {
	seen := make(map[int64]struct{}, len(tags))
	out := make([]int64, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	return out
}

// UpsertEvent is the payload published on the task upsert topic.
type UpsertEvent struct {
	ID          int64    `json:"ID"`
	UserID      int64    `json:"UserID"`
	PlannedTime float64  `json:"PlannedTime"`
	ActualTime  *float64 `json:"ActualTime"`
	Tags        []int64  `json:"Tags"`
}

// DeleteEvent is the payload published on the task delete topic.
type DeleteEvent struct {
	ID int64 `json:"ID" validate:"gt=0"`
}

// ToUpdate converts the full-row event into an Update. The producer omits a
// zero actual time, so zero is read as "not completed".
func (e *UpsertEvent) ToUpdate() Update {
	planned := e.PlannedTime
	tags := e.Tags
	if tags == nil {
		tags = []int64{}
	}

	u := Update{
		ID:          e.ID,
		UserID:      e.UserID,
		PlannedTime: &planned,
		Tags:        &tags,
	}
	if e.ActualTime != nil && *e.ActualTime > 0 {
		actual := *e.ActualTime
		u.ActualTime = &actual
	} else {
		u.ClearActualTime = true
	}

	return u
}

func UpsertEventFromJSON(data []byte) (*UpsertEvent, error) {
	var e UpsertEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}

	return &e, nil
}

func DeleteEventFromJSON(data []byte) (*DeleteEvent, error) {
	var e DeleteEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if err := validate.Struct(&e); err != nil {
		return nil, fmt.Errorf("invalid delete event: %w", err)
	}

	return &e, nil
}

func (e *UpsertEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
