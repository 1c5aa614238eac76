package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nadmax/estimo/internal/repository"
	"github.com/nadmax/estimo/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDashboard(t *testing.T) (*Dashboard, *repository.MockPostgresRepository) {
	t.Helper()

	mockRepo := repository.NewMockPostgresRepository()
	return NewDashboard(mockRepo), mockRepo
}

func actual(v float64) *float64 {
	return &v
}

func TestNewDashboard(t *testing.T) {
	dash, _ := setupTestDashboard(t)

	assert.NotNil(t, dash)
	assert.NotNil(t, dash.store)
}

func TestGetStats_Empty(t *testing.T) {
	dash, _ := setupTestDashboard(t)

	req := httptest.NewRequest("GET", "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()

	dash.GetStats(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var stats Stats
	err := json.Unmarshal(w.Body.Bytes(), &stats)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.TotalTasks)
	assert.Equal(t, 0, stats.CompletedTasks)
	assert.Equal(t, 0, stats.OpenTasks)
	assert.Equal(t, 0, stats.Users)
	assert.Equal(t, "N/A", stats.CompletionRate)
	assert.NotZero(t, stats.LastUpdated)
}

func TestGetStats_WithHistory(t *testing.T) {
	dash, mockRepo := setupTestDashboard(t)
	ctx := t.Context()

	mockRepo.AddTask(task.Record{ID: 1, UserID: 1, PlannedTime: 1, ActualTime: actual(2)})
	mockRepo.AddTask(task.Record{ID: 2, UserID: 1, PlannedTime: 2})
	mockRepo.AddTask(task.Record{ID: 3, UserID: 2, PlannedTime: 3, ActualTime: actual(3)})
	mockRepo.AddTask(task.Record{ID: 4, UserID: 3, PlannedTime: 4, ActualTime: actual(5)})
	require.NoError(t, mockRepo.SaveModel(ctx, 1, []byte("m"), 1, 0))
	require.NoError(t, mockRepo.SaveModel(ctx, 2, []byte("m"), 1, 0))
	require.NoError(t, mockRepo.DeactivateModel(ctx, 2))

	req := httptest.NewRequest("GET", "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()

	dash.GetStats(w, req)

	assert.Equal(t, 200, w.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))

	assert.Equal(t, 4, stats.TotalTasks)
	assert.Equal(t, 3, stats.CompletedTasks)
	assert.Equal(t, 1, stats.OpenTasks)
	assert.Equal(t, 3, stats.Users)
	assert.Equal(t, 1, stats.ActiveModels)
	assert.Equal(t, 1, stats.InactiveModels)
	assert.Equal(t, "75.0%", stats.CompletionRate)
	assert.WithinDuration(t, time.Now(), stats.LastUpdated, time.Minute)
}

func TestGetStats_StoreError(t *testing.T) {
	dash, mockRepo := setupTestDashboard(t)
	mockRepo.GetStoreStatsError = errors.New("database unavailable")

	req := httptest.NewRequest("GET", "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()

	dash.GetStats(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Failed to load store statistics", body["error"])
}

func TestGetStats_MethodNotAllowed(t *testing.T) {
	dash, _ := setupTestDashboard(t)

	req := httptest.NewRequest("POST", "/api/dashboard/stats", nil)
	w := httptest.NewRecorder()

	dash.GetStats(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
