package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orrn/printhook/internal/core"
)

// JobStore is the sqlite implementation of core.Store.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Insert(ctx context.Context, job *core.Job) error {
	reasons, err := encodeReasons(job.FailureReasons)
	if err != nil {
		return err
	}
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, InsertJob,
		job.RequestID, string(job.Kind), job.Payload, job.PrinterName, job.Copies,
		job.PaperSize, job.Orientation, job.PageCount, string(job.State), job.Progress,
		job.Attempts, job.MaxAttempts, reasons, result,
		job.CreatedAt.UTC(), utcTime(job.StartedAt), utcTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get job sequence: %w", err)
	}
	job.Seq = seq
	return nil
}

func (s *JobStore) Get(ctx context.Context, requestID string) (*core.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, GetJobByRequestID, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *JobStore) NextPending(ctx context.Context) (*core.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, GetNextPendingJob))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next pending job: %w", err)
	}
	return job, nil
}

func (s *JobStore) Update(ctx context.Context, job *core.Job) error {
	reasons, err := encodeReasons(job.FailureReasons)
	if err != nil {
		return err
	}
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, UpdateJob,
		job.PrinterName, string(job.State), job.Progress, job.Attempts,
		reasons, result, utcTime(job.StartedAt), utcTime(job.FinishedAt),
		string(job.State), job.RequestID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (s *JobStore) CountByState(ctx context.Context) (map[core.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, CountJobsByState)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[core.JobState(state)] = count
	}
	return counts, rows.Err()
}

func (s *JobStore) PurgeFinished(ctx context.Context, state core.JobState, cutoff time.Time) ([]*core.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, SelectFinishedJobs, string(state), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query finished jobs: %w", err)
	}

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan finished job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx, DeleteJobBySeq, job.Seq); err != nil {
			return nil, fmt.Errorf("failed to delete job %s: %w", job.RequestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purge: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) ResetActive(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, ResetActiveJobs)
	if err != nil {
		return 0, fmt.Errorf("failed to reset active jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(n), nil
}

func (s *JobStore) Close() error {
	return s.db.Close()
}
