package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/estimo/internal/predictor"
	"github.com/nadmax/estimo/internal/repository"
	"github.com/nadmax/estimo/internal/task"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	fetchErrs []error
	committed []kafka.Message
	closed    bool
	commitErr error
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(values))}
	for i, v := range values {
		r.messages <- kafka.Message{Offset: int64(i), Value: []byte(v)}
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	r.mu.Unlock()

	select {
	case msg := <-r.messages:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.committed = append(r.committed, msgs...)
	return r.commitErr
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	return nil
}

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.committed)
}

func runUntilCommitted(t *testing.T, c *Consumer, readers map[*fakeReader]int) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		for r, want := range readers {
			if r.committedCount() < want {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_AppliesUpsertsAndDeletes(t *testing.T) {
	mockRepo := repository.NewMockPostgresRepository()
	svc := predictor.NewService(mockRepo, mockRepo, nil)
	c := NewConsumer("test-consumer", nil)

	upserts := newFakeReader(
		`{"ID": 1, "UserID": 5, "PlannedTime": 2, "ActualTime": 3, "Tags": [1, 2]}`,
		`{"ID": 2, "UserID": 5, "PlannedTime": 4, "ActualTime": 0, "Tags": null}`,
	)
	deletes := newFakeReader()
	c.Register("tasks", upserts, UpsertHandler(svc))
	c.Register("tasks-delete", deletes, DeleteHandler(svc))

	runUntilCommitted(t, c, map[*fakeReader]int{upserts: 2})

	rec, err := mockRepo.GetTask(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.Equal(t, 3.0, *rec.ActualTime)
	assert.Equal(t, []int64{1, 2}, rec.Tags)

	open, err := mockRepo.GetTask(context.Background(), 5, 2)
	require.NoError(t, err)
	assert.False(t, open.Completed())

	deletes.messages <- kafka.Message{Value: []byte(`{"ID": 1}`)}
	runUntilCommitted(t, c, map[*fakeReader]int{deletes: 1})

	_, err = mockRepo.GetTask(context.Background(), 5, 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, []int64{5}, mockRepo.DeleteModelCalls)
}

func TestConsumer_DropsMalformedMessages(t *testing.T) {
	mockRepo := repository.NewMockPostgresRepository()
	svc := predictor.NewService(mockRepo, mockRepo, nil)
	c := NewConsumer("test-consumer", nil)

	upserts := newFakeReader(
		`not json`,
		`{"ID": 0, "UserID": 5, "PlannedTime": 2}`,
		`{"ID": 3, "UserID": 5, "PlannedTime": -1}`,
		`{"ID": 4, "UserID": 5, "PlannedTime": 1, "ActualTime": 1}`,
	)
	deletes := newFakeReader(`{"ID": -3}`, `{}`)
	c.Register("tasks", upserts, UpsertHandler(svc))
	c.Register("tasks-delete", deletes, DeleteHandler(svc))

	runUntilCommitted(t, c, map[*fakeReader]int{upserts: 4, deletes: 2})

	assert.Len(t, mockRepo.UpsertTaskCalls, 1)
	assert.Equal(t, int64(4), mockRepo.UpsertTaskCalls[0].ID)
	assert.Empty(t, mockRepo.DeleteTaskCalls)
}

func TestConsumer_StoreErrorsAreCommittedAfterRetries(t *testing.T) {
	mockRepo := repository.NewMockPostgresRepository()
	mockRepo.UpsertTaskError = errors.New("connection reset")
	svc := predictor.NewService(mockRepo, mockRepo, nil)
	c := NewConsumer("test-consumer", nil)
	c.SetRetryInterval(time.Millisecond)

	upserts := newFakeReader(
		`{"ID": 1, "UserID": 5, "PlannedTime": 2}`,
		`{"ID": 2, "UserID": 5, "PlannedTime": 3}`,
	)
	c.Register("tasks", upserts, UpsertHandler(svc))

	runUntilCommitted(t, c, map[*fakeReader]int{upserts: 2})

	assert.Len(t, mockRepo.UpsertTaskCalls, 2*defaultMaxAttempts)
}

func TestConsumer_TransientErrorIsRetried(t *testing.T) {
	c := NewConsumer("test-consumer", nil)
	c.SetRetryInterval(time.Millisecond)

	var mu sync.Mutex
	calls := 0
	reader := newFakeReader(`a`)
	c.Register("tasks", reader, func(ctx context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()

		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	runUntilCommitted(t, c, map[*fakeReader]int{reader: 1})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestConsumer_MalformedIsNotRetried(t *testing.T) {
	c := NewConsumer("test-consumer", nil)
	c.SetRetryInterval(time.Millisecond)

	var mu sync.Mutex
	calls := 0
	reader := newFakeReader(`a`)
	c.Register("tasks", reader, func(ctx context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()

		calls++
		return ErrMalformed
	})

	runUntilCommitted(t, c, map[*fakeReader]int{reader: 1})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestConsumer_StopDuringRetryLeavesMessageUncommitted(t *testing.T) {
	c := NewConsumer("test-consumer", nil)
	c.SetRetryInterval(time.Hour)

	failed := make(chan struct{}, 1)
	reader := newFakeReader(`a`)
	c.Register("tasks", reader, func(ctx context.Context, msg kafka.Message) error {
		failed <- struct{}{}
		return errors.New("connection reset")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, 0, reader.committedCount())
}

func TestSetMaxAttempts(t *testing.T) {
	c := NewConsumer("test-consumer", nil)
	assert.Equal(t, defaultMaxAttempts, c.maxAttempts)

	c.SetMaxAttempts(5)
	assert.Equal(t, 5, c.maxAttempts)

	c.SetMaxAttempts(0)
	assert.Equal(t, 1, c.maxAttempts)
}

func TestConsumer_RetriesFetchErrors(t *testing.T) {
	c := NewConsumer("test-consumer", nil)
	c.SetRetryInterval(time.Millisecond)

	handled := make(chan struct{}, 1)
	reader := newFakeReader(`{}`)
	reader.fetchErrs = []error{errors.New("broker unavailable"), errors.New("broker unavailable")}
	c.Register("tasks", reader, func(ctx context.Context, msg kafka.Message) error {
		handled <- struct{}{}
		return nil
	})

	runUntilCommitted(t, c, map[*fakeReader]int{reader: 1})

	assert.Len(t, handled, 1)
}

func TestConsumer_CommitFailureDoesNotStopLoop(t *testing.T) {
	c := NewConsumer("test-consumer", nil)
	reader := newFakeReader(`a`, `b`, `c`)
	reader.commitErr = errors.New("rebalance in progress")
	c.Register("tasks", reader, func(ctx context.Context, msg kafka.Message) error { return nil })

	runUntilCommitted(t, c, map[*fakeReader]int{reader: 3})
}

func TestConsumer_Close(t *testing.T) {
	c := NewConsumer("test-consumer", nil)
	a, b := newFakeReader(), newFakeReader()
	c.Register("tasks", a, func(context.Context, kafka.Message) error { return nil })
	c.Register("tasks-delete", b, func(context.Context, kafka.Message) error { return nil })

	require.NoError(t, c.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

type recordingApplier struct {
	upserts []task.Update
	deletes []int64
	err     error
}

func (r *recordingApplier) ApplyUpsert(ctx context.Context, upd task.Update) error {
	r.upserts = append(r.upserts, upd)
	return r.err
}

func (r *recordingApplier) ApplyDelete(ctx context.Context, taskID int64) error {
	r.deletes = append(r.deletes, taskID)
	return r.err
}

func TestUpsertHandler(t *testing.T) {
	applier := &recordingApplier{}
	handler := UpsertHandler(applier)

	err := handler(context.Background(), kafka.Message{Value: []byte(`{"ID": 9, "UserID": 2, "PlannedTime": 5, "ActualTime": 6, "Tags": [3]}`)})

	require.NoError(t, err)
	require.Len(t, applier.upserts, 1)
	upd := applier.upserts[0]
	assert.Equal(t, int64(9), upd.ID)
	assert.Equal(t, int64(2), upd.UserID)
	assert.Equal(t, 5.0, *upd.PlannedTime)
	assert.Equal(t, 6.0, *upd.ActualTime)
	assert.Equal(t, []int64{3}, *upd.Tags)
}

func TestUpsertHandler_Errors(t *testing.T) {
	tests := []struct {
		name          string
		applierErr    error
		value         string
		wantMalformed bool
	}{
		{name: "bad json", value: `{`, wantMalformed: true},
		{name: "invalid update", value: `{"ID": 1}`, applierErr: predictor.ErrInvalidArgument, wantMalformed: true},
		{name: "store failure", value: `{"ID": 1, "UserID": 1, "PlannedTime": 1}`, applierErr: errors.New("timeout")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := UpsertHandler(&recordingApplier{err: tt.applierErr})

			err := handler(context.Background(), kafka.Message{Value: []byte(tt.value)})

			require.Error(t, err)
			assert.Equal(t, tt.wantMalformed, errors.Is(err, ErrMalformed))
		})
	}
}

func TestDeleteHandler(t *testing.T) {
	applier := &recordingApplier{}
	handler := DeleteHandler(applier)

	require.NoError(t, handler(context.Background(), kafka.Message{Value: []byte(`{"ID": 12}`)}))
	assert.Equal(t, []int64{12}, applier.deletes)

	err := handler(context.Background(), kafka.Message{Value: []byte(`{"ID": "x"}`)})
	assert.ErrorIs(t, err, ErrMalformed)

	applier.err = errors.New("timeout")
	err = handler(context.Background(), kafka.Message{Value: []byte(`{"ID": 13}`)})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformed))
}
