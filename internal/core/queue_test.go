package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printhook/internal/config"
	"github.com/orrn/printhook/internal/printer"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxAttempts:        3,
		BackoffBase:        10 * time.Millisecond,
		BackoffMax:         time.Second,
		JobTimeout:         time.Second,
		PollInterval:       10 * time.Millisecond,
		CompletedRetention: time.Hour,
		FailedRetention:    24 * time.Hour,
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) JobEvent(event Event, _ *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type recordingArchiver struct {
	jobs []*Job
}

func (a *recordingArchiver) ArchiveJobs(_ context.Context, jobs []*Job) error {
	a.jobs = append(a.jobs, jobs...)
	return nil
}

func TestQueue_EnqueueAssignsIdentity(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(NewMemoryStore(), testQueueConfig(), nil, nil, nil)

	a, err := q.Enqueue(ctx, NewJob{Kind: printer.KindText, Payload: []byte("a")})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, NewJob{Kind: printer.KindPDF, Payload: []byte("%PDF-"), Copies: 2})
	require.NoError(t, err)

	assert.NotEmpty(t, a.RequestID)
	assert.NotEqual(t, a.RequestID, b.RequestID)
	assert.Less(t, a.Seq, b.Seq)
	assert.Equal(t, StateWaiting, a.State)
	assert.Equal(t, 1, a.Copies)
	assert.Equal(t, 2, b.Copies)
	assert.Equal(t, 3, a.MaxAttempts)
}

func TestQueue_EnqueueConcurrent(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(NewMemoryStore(), testQueueConfig(), nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, NewJob{Kind: printer.KindText, Payload: []byte("x")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, status.Waiting)
	assert.Equal(t, 50, status.Total())
}

func TestQueue_JobStatusUnknown(t *testing.T) {
	q := NewQueue(NewMemoryStore(), testQueueConfig(), nil, nil, nil)

	for _, id := range []string{"", "does-not-exist", "../../etc/passwd"} {
		status, found, err := q.JobStatus(context.Background(), id)
		assert.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, status)
	}
}

func TestQueue_JobStatusHidesPayload(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(NewMemoryStore(), testQueueConfig(), nil, nil, nil)

	job, err := q.Enqueue(ctx, NewJob{Kind: printer.KindText, Payload: []byte("secret"), PrinterName: "P1"})
	require.NoError(t, err)

	status, found, err := q.JobStatus(ctx, job.RequestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateWaiting, status.State)
	assert.Equal(t, "P1", status.Printer)
	assert.Equal(t, 0, status.Progress)
}

func TestQueue_EnqueueEmitsEvent(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(NewMemoryStore(), testQueueConfig(), sink, nil, nil)

	_, err := q.Enqueue(context.Background(), NewJob{Kind: printer.KindText})
	require.NoError(t, err)
	assert.Equal(t, []Event{EventJobQueued}, sink.snapshot())
}

func TestQueue_Clean(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	archiver := &recordingArchiver{}
	q := NewQueue(store, testQueueConfig(), nil, archiver, nil)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	insert := func(id string, state JobState, finishedAgo time.Duration) {
		job := &Job{RequestID: id, State: state, CreatedAt: now.Add(-48 * time.Hour)}
		if state.Terminal() {
			finished := now.Add(-finishedAgo)
			job.FinishedAt = &finished
		}
		require.NoError(t, store.Insert(ctx, job))
	}

	insert("completed-old", StateCompleted, 2*time.Hour)
	insert("completed-fresh", StateCompleted, 10*time.Minute)
	insert("failed-old", StateFailed, 25*time.Hour)
	insert("failed-recent", StateFailed, 2*time.Hour)
	insert("active-ancient", StateActive, 0)
	insert("waiting-ancient", StateWaiting, 0)
	insert("delayed-ancient", StateDelayed, 0)

	result, err := q.Clean(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanResult{Completed: 1, Failed: 1}, result)

	for _, id := range []string{"completed-old", "failed-old"} {
		_, found, err := q.JobStatus(ctx, id)
		require.NoError(t, err)
		assert.False(t, found, id)
	}
	for _, id := range []string{"completed-fresh", "failed-recent", "active-ancient", "waiting-ancient", "delayed-ancient"} {
		_, found, err := q.JobStatus(ctx, id)
		require.NoError(t, err)
		assert.True(t, found, id)
	}

	require.Len(t, archiver.jobs, 2)
	assert.Equal(t, "completed-old", archiver.jobs[0].RequestID)
	assert.Equal(t, "failed-old", archiver.jobs[1].RequestID)

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, status.Total())
}

func TestQueue_RunCleanerDisabled(t *testing.T) {
	q := NewQueue(NewMemoryStore(), testQueueConfig(), nil, nil, nil)

	done := make(chan struct{})
	go func() {
		q.RunCleaner(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunCleaner should return when clean_interval is zero")
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retry    int
		expected time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{64, 5 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, calculateBackoff(time.Second, 5*time.Minute, tt.retry), "retry %d", tt.retry)
	}
}

func TestJobTransitions(t *testing.T) {
	job := &Job{State: StateWaiting}
	require.NoError(t, job.transition(StateActive))
	require.NoError(t, job.transition(StateDelayed))
	require.NoError(t, job.transition(StateActive))
	require.NoError(t, job.transition(StateCompleted))

	err := job.transition(StateWaiting)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateCompleted, job.State)

	assert.ErrorIs(t, (&Job{State: StateWaiting}).transition(StateCompleted), ErrInvalidTransition)
}
