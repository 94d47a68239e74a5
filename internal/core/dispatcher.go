package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/printer"
)

const (
	progressStarted = 10

	saveRetryBase = 50 * time.Millisecond
	saveRetryMax  = 5 * time.Second
)

// Printer is the facade the dispatcher prints through.
type Printer interface {
	Print(ctx context.Context, doc printer.Document) (*printer.PrintResult, error)
}

// Dispatcher is the single consumer of a Queue. A job is retried in place,
// so the next job is not claimed until the current one is terminal.
type Dispatcher struct {
	queue   *Queue
	printer Printer
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
}

func NewDispatcher(queue *Queue, p Printer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		printer: p,
		logger:  logger.Named("dispatcher"),
	}
}

// Run processes jobs until ctx is cancelled. Only one Run may be active per
// Dispatcher.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	if err := d.recoverJobs(ctx); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}

	ticker := time.NewTicker(d.queue.config.PollInterval)
	defer ticker.Stop()

	for {
		d.drain(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-d.queue.notify:
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) recoverJobs(ctx context.Context) error {
	n, err := d.queue.store.ResetActive(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Warn("requeued jobs interrupted by previous shutdown", zap.Int("count", n))
	}
	return nil
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := d.queue.store.NextPending(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("failed to fetch next job", zap.Error(err))
			}
			return
		}
		if job == nil || !d.process(ctx, job) {
			return
		}
	}
}

// process drives job to a terminal state. It returns false when the loop
// should back off until the next poll.
func (d *Dispatcher) process(ctx context.Context, job *Job) bool {
	log := d.logger.With(zap.String("request_id", job.RequestID))
	cfg := d.queue.config

	for {
		if err := job.transition(StateActive); err != nil {
			log.Error("cannot claim job", zap.Error(err))
			return false
		}
		job.Attempts++
		job.Progress = progressStarted
		if job.StartedAt == nil {
			now := d.queue.now().UTC()
			job.StartedAt = &now
		}
		if !d.save(ctx, job, log) {
			return false
		}
		d.queue.emit(EventJobStarted, job)
		log.Info("processing job",
			zap.String("kind", string(job.Kind)),
			zap.String("printer", job.PrinterName),
			zap.Int("attempt", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
		)

		result, err := d.attempt(ctx, job)
		if ctx.Err() != nil {
			// Left active; recoverJobs requeues it on the next start.
			log.Warn("shutdown interrupted job", zap.Int("attempt", job.Attempts))
			return false
		}

		if err == nil {
			job.Progress = 100
			job.Result = result
			if !d.finish(ctx, job, StateCompleted, log) {
				return false
			}
			log.Info("job completed",
				zap.String("printer", result.Printer),
				zap.String("spooler_job_id", result.JobID),
			)
			return true
		}

		job.FailureReasons = append(job.FailureReasons, err.Error())
		job.Result = failedResult(result, job, err, d.queue.now())

		if job.Attempts >= job.MaxAttempts {
			if !d.finish(ctx, job, StateFailed, log) {
				return false
			}
			log.Error("job failed", zap.Int("attempts", job.Attempts), zap.Error(err))
			return true
		}

		delay := calculateBackoff(cfg.BackoffBase, cfg.BackoffMax, job.Attempts-1)
		if err := job.transition(StateDelayed); err != nil {
			log.Error("cannot delay job", zap.Error(err))
			return false
		}
		if !d.save(ctx, job, log) {
			return false
		}
		d.queue.emit(EventJobRetrying, job)
		log.Warn("print attempt failed, retrying",
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		if !sleepCtx(ctx, delay) {
			return false
		}
	}
}

// attempt runs one print call bounded by job_timeout. A backend that ignores
// its context is waited out before the dispatcher moves on, so two print
// calls never overlap. If such a call still succeeds, the document was
// printed and the job counts as completed.
func (d *Dispatcher) attempt(ctx context.Context, job *Job) (*printer.PrintResult, error) {
	timeout := d.queue.config.JobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	doc := printer.Document{
		Kind:        job.Kind,
		Data:        job.Payload,
		Printer:     job.PrinterName,
		Copies:      job.Copies,
		Title:       job.RequestID,
		PaperSize:   job.PaperSize,
		Orientation: job.Orientation,
	}

	type outcome struct {
		result *printer.PrintResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := d.printer.Print(actx, doc)
		done <- outcome{result, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Warn("print call exceeded timeout, waiting for it to return",
			zap.String("request_id", job.RequestID),
			zap.Duration("timeout", timeout),
		)
		select {
		case o = <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if o.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return o.result, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, o.err)
	}
	if o.err == nil && o.result == nil {
		return &printer.PrintResult{Success: true, Printer: job.PrinterName, Timestamp: d.queue.now().UTC()}, nil
	}
	return o.result, o.err
}

func (d *Dispatcher) finish(ctx context.Context, job *Job, state JobState, log *zap.Logger) bool {
	if err := job.transition(state); err != nil {
		log.Error("cannot finish job", zap.Error(err))
		return false
	}
	now := d.queue.now().UTC()
	job.FinishedAt = &now
	job.Payload = nil
	if !d.save(ctx, job, log) {
		return false
	}

	event := EventJobCompleted
	if state == StateFailed {
		event = EventJobFailed
	}
	d.queue.emit(event, job)
	return true
}

// save writes job back to the store, retrying until it succeeds or ctx ends.
// A job whose state change is lost would sit in active until the next start
// and then print again.
func (d *Dispatcher) save(ctx context.Context, job *Job, log *zap.Logger) bool {
	for retry := 0; ; retry++ {
		err := d.queue.store.Update(ctx, job)
		if err == nil {
			return true
		}
		delay := calculateBackoff(saveRetryBase, saveRetryMax, retry)
		log.Error("failed to save job, retrying",
			zap.String("state", string(job.State)),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if !sleepCtx(ctx, delay) {
			return false
		}
	}
}

func failedResult(result *printer.PrintResult, job *Job, err error, now time.Time) *printer.PrintResult {
	if result != nil {
		r := *result
		r.Success = false
		r.JobID = ""
		r.Error = err.Error()
		return &r
	}
	return &printer.PrintResult{
		Success:   false,
		Error:     err.Error(),
		Printer:   job.PrinterName,
		Timestamp: now.UTC(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
