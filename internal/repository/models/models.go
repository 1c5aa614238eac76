// Package models contains data structures used by the repository layer.
package models

import "time"

type ModelRecord struct {
	UserID        int64     `json:"user_id"`
	Blob          []byte    `json:"blob"`
	FormatVersion int       `json:"format_version"`
	Active        bool      `json:"active"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type StoreStats struct {
	Tasks          int       `json:"tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	Users          int       `json:"users"`
	ActiveModels   int       `json:"active_models"`
	InactiveModels int       `json:"inactive_models"`
	LastUpdated    time.Time `json:"last_updated"`
}
