// Package dashboard serves a summary of stored task history and models.
package dashboard

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/estimo/internal/httputil"
	"github.com/nadmax/estimo/internal/repository/models"
)

type StatsSource interface {
	GetStoreStats(ctx context.Context) (*models.StoreStats, error)
}

type Dashboard struct {
	store StatsSource
}

type Stats struct {
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	OpenTasks      int       `json:"open_tasks"`
	Users          int       `json:"users"`
	ActiveModels   int       `json:"active_models"`
	InactiveModels int       `json:"inactive_models"`
	CompletionRate string    `json:"completion_rate"`
	LastUpdated    time.Time `json:"last_updated"`
}

func NewDashboard(store StatsSource) *Dashboard {
	return &Dashboard{store: store}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := d.store.GetStoreStats(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, "Failed to load store statistics", http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TotalTasks:     raw.Tasks,
		CompletedTasks: raw.CompletedTasks,
		OpenTasks:      raw.Tasks - raw.CompletedTasks,
		Users:          raw.Users,
		ActiveModels:   raw.ActiveModels,
		InactiveModels: raw.InactiveModels,
		CompletionRate: "N/A",
		LastUpdated:    raw.LastUpdated,
	}
	if raw.Tasks > 0 {
		rate := float64(raw.CompletedTasks) / float64(raw.Tasks) * 100
		stats.CompletionRate = strconv.FormatFloat(rate, 'f', 1, 64) + "%"
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}
