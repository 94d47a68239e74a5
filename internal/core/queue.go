package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/config"
	"github.com/orrn/printhook/internal/printer"
)

// NewJob describes a submission before it is assigned an identity.
type NewJob struct {
	Kind        printer.Kind
	Payload     []byte
	PrinterName string
	Copies      int
	PaperSize   string
	Orientation string
	PageCount   int
}

type CleanResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue owns the job store. Enqueue is safe for concurrent use; state
// transitions after insertion are made only by the Dispatcher.
type Queue struct {
	store    Store
	config   config.QueueConfig
	events   EventSink
	archiver Archiver
	logger   *zap.Logger
	notify   chan struct{}
	now      func() time.Time
}

func NewQueue(store Store, cfg config.QueueConfig, events EventSink, archiver Archiver, logger *zap.Logger) *Queue {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		store:    store,
		config:   cfg,
		events:   events,
		archiver: archiver,
		logger:   logger.Named("queue"),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *Queue) Enqueue(ctx context.Context, nj NewJob) (*Job, error) {
	copies := nj.Copies
	if copies < 1 {
		copies = 1
	}

	job := &Job{
		RequestID:   uuid.NewString(),
		Kind:        nj.Kind,
		Payload:     nj.Payload,
		PrinterName: nj.PrinterName,
		Copies:      copies,
		PaperSize:   nj.PaperSize,
		Orientation: nj.Orientation,
		PageCount:   nj.PageCount,
		State:       StateWaiting,
		MaxAttempts: q.config.MaxAttempts,
		CreatedAt:   q.now().UTC(),
	}

	if err := q.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	q.logger.Info("job queued",
		zap.String("request_id", job.RequestID),
		zap.String("kind", string(job.Kind)),
		zap.String("printer", job.PrinterName),
		zap.Int("copies", job.Copies),
	)
	q.emit(EventJobQueued, job)
	q.wake()

	return job, nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) emit(event Event, job *Job) {
	if q.events != nil {
		q.events.JobEvent(event, job.Clone())
	}
}

func (q *Queue) Status(ctx context.Context) (QueueStatus, error) {
	counts, err := q.store.CountByState(ctx)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	return QueueStatus{
		Waiting:   counts[StateWaiting],
		Active:    counts[StateActive],
		Completed: counts[StateCompleted],
		Failed:    counts[StateFailed],
		Delayed:   counts[StateDelayed],
	}, nil
}

// JobStatus looks up a job by request id. Unknown ids report found=false
// with a nil error.
func (q *Queue) JobStatus(ctx context.Context, requestID string) (*JobStatus, bool, error) {
	if requestID == "" {
		return nil, false, nil
	}
	job, err := q.store.Get(ctx, requestID)
	if errors.Is(err, ErrJobNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get job: %w", err)
	}
	return newJobStatus(job), true, nil
}

// Clean purges completed and failed jobs past their retention windows.
// Active, waiting and delayed jobs are never touched.
func (q *Queue) Clean(ctx context.Context) (CleanResult, error) {
	var result CleanResult
	now := q.now()

	completed, err := q.store.PurgeFinished(ctx, StateCompleted, now.Add(-q.config.CompletedRetention))
	if err != nil {
		return result, fmt.Errorf("failed to purge completed jobs: %w", err)
	}
	result.Completed = len(completed)

	failed, err := q.store.PurgeFinished(ctx, StateFailed, now.Add(-q.config.FailedRetention))
	if err != nil {
		return result, fmt.Errorf("failed to purge failed jobs: %w", err)
	}
	result.Failed = len(failed)

	purged := append(completed, failed...)
	if q.archiver != nil && len(purged) > 0 {
		if err := q.archiver.ArchiveJobs(ctx, purged); err != nil {
			q.logger.Error("failed to archive purged jobs", zap.Int("count", len(purged)), zap.Error(err))
		}
	}

	if result.Completed > 0 || result.Failed > 0 {
		q.logger.Info("queue cleaned",
			zap.Int("completed", result.Completed),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

// RunCleaner calls Clean every clean_interval until ctx is done. It returns
// immediately when the interval is zero.
func (q *Queue) RunCleaner(ctx context.Context) {
	if q.config.CleanInterval <= 0 {
		return
	}

	ticker := time.NewTicker(q.config.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Clean(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("periodic clean failed", zap.Error(err))
			}
		}
	}
}

func calculateBackoff(base, max time.Duration, retry int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if retry > 30 {
		return max
	}
	backoff := base * time.Duration(1<<uint(retry))
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	return backoff
}
