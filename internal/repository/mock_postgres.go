package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/estimo/internal/repository/models"
	"github.com/nadmax/estimo/internal/task"
)

// MockPostgresRepository is an in-memory Repository that records calls and
// can be told to fail. It is safe for concurrent use.
type MockPostgresRepository struct {
	mu                     sync.Mutex
	Tasks                  map[int64]task.Record
	Models                 map[int64]models.ModelRecord
	HistoryVersions        map[int64]int64
	UpsertTaskCalls        []task.Record
	DeleteTaskCalls        []int64
	GetCompletedTasksCalls []int64
	GetTaskCalls           []int64
	HistoryVersionCalls    []int64
	LoadModelCalls         []int64
	SaveModelCalls         []SaveModelCall
	DeleteModelCalls       []int64
	DeactivateModelCalls   []int64
	UpsertTaskError        error
	DeleteTaskError        error
	GetCompletedTasksError error
	LoadModelError         error
	SaveModelError         error
	DeleteModelError       error
	DeactivateModelError   error
	GetStoreStatsError     error
	// GetCompletedTasksHook runs before GetCompletedTasks returns, outside
	// the mock's lock.
	GetCompletedTasksHook func(userID int64)
}

type SaveModelCall struct {
	UserID         int64
	Blob           []byte
	FormatVersion  int
	HistoryVersion int64
}

func NewMockPostgresRepository() *MockPostgresRepository {
	return &MockPostgresRepository{
		Tasks:           make(map[int64]task.Record),
		Models:          make(map[int64]models.ModelRecord),
		HistoryVersions: make(map[int64]int64),
	}
}

func (m *MockPostgresRepository) UpsertTask(ctx context.Context, rec task.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertTaskCalls = append(m.UpsertTaskCalls, rec)
	if m.UpsertTaskError != nil {
		return m.UpsertTaskError
	}

	rec.Tags = append([]int64{}, rec.Tags...)
	m.Tasks[rec.ID] = rec
	m.HistoryVersions[rec.UserID]++
	return nil
}

func (m *MockPostgresRepository) DeleteTask(ctx context.Context, taskID int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteTaskCalls = append(m.DeleteTaskCalls, taskID)
	if m.DeleteTaskError != nil {
		return 0, false, m.DeleteTaskError
	}

	rec, ok := m.Tasks[taskID]
	if !ok {
		return 0, false, nil
	}
	delete(m.Tasks, taskID)
	m.HistoryVersions[rec.UserID]++
	return rec.UserID, true, nil
}

func (m *MockPostgresRepository) HistoryVersion(ctx context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.HistoryVersionCalls = append(m.HistoryVersionCalls, userID)
	return m.HistoryVersions[userID], nil
}

func (m *MockPostgresRepository) GetCompletedTasks(ctx context.Context, userID int64) ([]task.Record, error) {
	m.mu.Lock()
	m.GetCompletedTasksCalls = append(m.GetCompletedTasksCalls, userID)
	if m.GetCompletedTasksError != nil {
		err := m.GetCompletedTasksError
		m.mu.Unlock()
		return nil, err
	}

	tasks := []task.Record{}
	for _, rec := range m.Tasks {
		if rec.UserID == userID && rec.Completed() {
			tasks = append(tasks, rec)
		}
	}
	hook := m.GetCompletedTasksHook
	m.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	if hook != nil {
		hook(userID)
	}
	return tasks, nil
}

func (m *MockPostgresRepository) HasCompletedTasks(ctx context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetCompletedTasksError != nil {
		return false, m.GetCompletedTasksError
	}
	for _, rec := range m.Tasks {
		if rec.UserID == userID && rec.Completed() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockPostgresRepository) GetTask(ctx context.Context, userID, taskID int64) (*task.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetTaskCalls = append(m.GetTaskCalls, taskID)

	rec, ok := m.Tasks[taskID]
	if !ok || rec.UserID != userID {
		return nil, ErrNotFound
	}

	cp := rec
	cp.Tags = append([]int64{}, rec.Tags...)
	return &cp, nil
}

func (m *MockPostgresRepository) LoadModel(ctx context.Context, userID int64) (*models.ModelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LoadModelCalls = append(m.LoadModelCalls, userID)
	if m.LoadModelError != nil {
		return nil, m.LoadModelError
	}

	rec, ok := m.Models[userID]
	if !ok || !rec.Active {
		return nil, ErrNotFound
	}

	cp := rec
	return &cp, nil
}

func (m *MockPostgresRepository) SaveModel(ctx context.Context, userID int64, blob []byte, formatVersion int, historyVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveModelCalls = append(m.SaveModelCalls, SaveModelCall{
		UserID:         userID,
		Blob:           blob,
		FormatVersion:  formatVersion,
		HistoryVersion: historyVersion,
	})
	if m.SaveModelError != nil {
		return m.SaveModelError
	}
	if current := m.HistoryVersions[userID]; current != historyVersion {
		return ErrStaleHistory
	}

	m.Models[userID] = models.ModelRecord{
		UserID:        userID,
		Blob:          append([]byte{}, blob...),
		FormatVersion: formatVersion,
		Active:        true,
		UpdatedAt:     time.Now(),
	}
	return nil
}

func (m *MockPostgresRepository) DeleteModel(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteModelCalls = append(m.DeleteModelCalls, userID)
	if m.DeleteModelError != nil {
		return m.DeleteModelError
	}

	delete(m.Models, userID)
	return nil
}

func (m *MockPostgresRepository) DeactivateModel(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeactivateModelCalls = append(m.DeactivateModelCalls, userID)
	if m.DeactivateModelError != nil {
		return m.DeactivateModelError
	}

	if rec, ok := m.Models[userID]; ok {
		rec.Active = false
		m.Models[userID] = rec
	}
	return nil
}

func (m *MockPostgresRepository) GetStoreStats(ctx context.Context) (*models.StoreStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetStoreStatsError != nil {
		return nil, m.GetStoreStatsError
	}

	stats := &models.StoreStats{LastUpdated: time.Now()}
	users := make(map[int64]struct{})
	for _, rec := range m.Tasks {
		stats.Tasks++
		if rec.Completed() {
			stats.CompletedTasks++
		}
		users[rec.UserID] = struct{}{}
	}
	stats.Users = len(users)
	for _, rec := range m.Models {
		if rec.Active {
			stats.ActiveModels++
		} else {
			stats.InactiveModels++
		}
	}
	return stats, nil
}

func (m *MockPostgresRepository) Close() error {
	return nil
}

// AddTask stores a task directly, bypassing call recording and history
// versioning.
func (m *MockPostgresRepository) AddTask(rec task.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Tasks[rec.ID] = rec
}

func (m *MockPostgresRepository) GetCompletedTasksCallCount(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, id := range m.GetCompletedTasksCalls {
		if id == userID {
			n++
		}
	}
	return n
}

func (m *MockPostgresRepository) SaveModelCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveModelCalls)
}

func (m *MockPostgresRepository) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.UpsertTaskCalls) + len(m.DeleteTaskCalls) + len(m.GetCompletedTasksCalls) +
		len(m.GetTaskCalls) + len(m.HistoryVersionCalls) + len(m.LoadModelCalls) + len(m.SaveModelCalls) +
		len(m.DeleteModelCalls) + len(m.DeactivateModelCalls)
}

func (m *MockPostgresRepository) ModelFor(userID int64) (models.ModelRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.Models[userID]
	return rec, ok
}

var _ Repository = (*MockPostgresRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)
