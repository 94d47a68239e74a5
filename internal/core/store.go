package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists jobs. Implementations must return copies so readers never
// observe a record the dispatcher is still mutating.
type Store interface {
	// Insert assigns job.Seq, which defines dispatch order.
	Insert(ctx context.Context, job *Job) error
	// Get returns ErrJobNotFound for unknown ids.
	Get(ctx context.Context, requestID string) (*Job, error)
	// NextPending returns the waiting or delayed job with the lowest Seq,
	// or nil when there is none.
	NextPending(ctx context.Context) (*Job, error)
	Update(ctx context.Context, job *Job) error
	CountByState(ctx context.Context) (map[JobState]int, error)
	// PurgeFinished deletes jobs in a terminal state that finished before
	// cutoff and returns them.
	PurgeFinished(ctx context.Context, state JobState, cutoff time.Time) ([]*Job, error)
	// ResetActive moves jobs left active by a previous process back to
	// waiting and returns how many were moved.
	ResetActive(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is a non-durable Store.
type MemoryStore struct {
	mu   sync.RWMutex
	seq  int64
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Insert(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	job.Seq = s.seq
	s.jobs[job.RequestID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) NextPending(_ context.Context) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *Job
	for _, job := range s.jobs {
		if !job.State.Pending() {
			continue
		}
		if next == nil || job.Seq < next.Seq {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	return next.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.RequestID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.RequestID] = job.Clone()
	return nil
}

func (s *MemoryStore) CountByState(_ context.Context) (map[JobState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[JobState]int)
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts, nil
}

func (s *MemoryStore) PurgeFinished(_ context.Context, state JobState, cutoff time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged []*Job
	for id, job := range s.jobs {
		if job.State != state || job.FinishedAt == nil || !job.FinishedAt.Before(cutoff) {
			continue
		}
		purged = append(purged, job)
		delete(s.jobs, id)
	}
	sort.Slice(purged, func(i, j int) bool { return purged[i].Seq < purged[j].Seq })
	return purged, nil
}

func (s *MemoryStore) ResetActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.State == StateActive {
			job.State = StateWaiting
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
