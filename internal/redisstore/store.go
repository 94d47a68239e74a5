// Package redisstore keeps print jobs in Redis so several API processes can
// share one queue. Claims are not atomic and ResetActive requeues every
// active job, so exactly one process may run the dispatcher; the others set
// queue.dispatcher to false.
//
// Layout, under a configurable prefix:
//
//	<prefix>:seq            INCR counter defining dispatch order
//	<prefix>:job:<id>       JSON job record
//	<prefix>:pending        ZSET of waiting and delayed ids, scored by seq
//	<prefix>:state:<state>  ZSET per state; terminal states are scored by
//	                        finish time in milliseconds, the rest by seq
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orrn/printhook/internal/config"
	"github.com/orrn/printhook/internal/core"
	"github.com/orrn/printhook/internal/printer"
)

var ErrDuplicateJob = errors.New("job already exists")

var allStates = []core.JobState{
	core.StateWaiting,
	core.StateActive,
	core.StateDelayed,
	core.StateCompleted,
	core.StateFailed,
}

type Store struct {
	client *redis.Client
	prefix string
}

func New(cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, cfg.Prefix), nil
}

func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "printhook"
	}
	return &Store{client: client, prefix: prefix}
}

type record struct {
	RequestID      string               `json:"requestId"`
	Seq            int64                `json:"seq"`
	Kind           printer.Kind         `json:"kind"`
	Payload        []byte               `json:"payload"`
	PrinterName    string               `json:"printerName,omitempty"`
	Copies         int                  `json:"copies"`
	PaperSize      string               `json:"paperSize,omitempty"`
	Orientation    string               `json:"orientation,omitempty"`
	PageCount      int                  `json:"pageCount,omitempty"`
	State          core.JobState        `json:"state"`
	Progress       int                  `json:"progress"`
	Attempts       int                  `json:"attempts"`
	MaxAttempts    int                  `json:"maxAttempts"`
	FailureReasons []string             `json:"failureReasons,omitempty"`
	Result         *printer.PrintResult `json:"result,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	StartedAt      *time.Time           `json:"startedAt,omitempty"`
	FinishedAt     *time.Time           `json:"finishedAt,omitempty"`
}

func toRecord(j *core.Job) record {
	return record{
		RequestID:      j.RequestID,
		Seq:            j.Seq,
		Kind:           j.Kind,
		Payload:        j.Payload,
		PrinterName:    j.PrinterName,
		Copies:         j.Copies,
		PaperSize:      j.PaperSize,
		Orientation:    j.Orientation,
		PageCount:      j.PageCount,
		State:          j.State,
		Progress:       j.Progress,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		FailureReasons: j.FailureReasons,
		Result:         j.Result,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
	}
}

func (r record) job() *core.Job {
	return &core.Job{
		RequestID:      r.RequestID,
		Seq:            r.Seq,
		Kind:           r.Kind,
		Payload:        r.Payload,
		PrinterName:    r.PrinterName,
		Copies:         r.Copies,
		PaperSize:      r.PaperSize,
		Orientation:    r.Orientation,
		PageCount:      r.PageCount,
		State:          r.State,
		Progress:       r.Progress,
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		FailureReasons: r.FailureReasons,
		Result:         r.Result,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

func (s *Store) jobKey(id string) string { return s.prefix + ":job:" + id }
func (s *Store) seqKey() string { return s.prefix + ":seq" }
func (s *Store) pendingKey() string { return s.prefix + ":pending" }
func (s *Store) stateKey(state core.JobState) string { return s.prefix + ":state:" + string(state) }

func stateScore(j *core.Job) float64 {
	if j.State.Terminal() && j.FinishedAt != nil {
		return float64(j.FinishedAt.UnixMilli())
	}
	return float64(j.Seq)
}

// index writes the sorted-set membership for j's current state.
func (s *Store) index(pipe redis.Pipeliner, ctx context.Context, j *core.Job) {
	for _, state := range allStates {
		if state != j.State {
			pipe.ZRem(ctx, s.stateKey(state), j.RequestID)
		}
	}
	pipe.ZAdd(ctx, s.stateKey(j.State), redis.Z{Score: stateScore(j), Member: j.RequestID})
	if j.State.Pending() {
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(j.Seq), Member: j.RequestID})
	} else {
		pipe.ZRem(ctx, s.pendingKey(), j.RequestID)
	}
}

func (s *Store) Insert(ctx context.Context, job *core.Job) error {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate job sequence: %w", err)
	}
	job.Seq = seq

	data, err := json.Marshal(toRecord(job))
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.jobKey(job.RequestID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.RequestID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.index(pipe, ctx, job)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, requestID string) (*core.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (*core.Job, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return r.job(), nil
}

func (s *Store) NextPending(ctx context.Context) (*core.Job, error) {
	ids, err := s.client.ZRangeArgs(ctx, redis.ZRangeArgs{
		Key:   s.pendingKey(),
		Start: 0,
		Stop:  0,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	job, err := s.Get(ctx, ids[0])
	if errors.Is(err, core.ErrJobNotFound) {
		// Orphaned index entry.
		s.client.ZRem(ctx, s.pendingKey(), ids[0])
		return nil, nil
	}
	return job, err
}

func (s *Store) Update(ctx context.Context, job *core.Job) error {
	data, err := json.Marshal(toRecord(job))
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	ok, err := s.client.SetXX(ctx, s.jobKey(job.RequestID), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if !ok {
		return core.ErrJobNotFound
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.index(pipe, ctx, job)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

func (s *Store) CountByState(ctx context.Context) (map[core.JobState]int, error) {
	cmds := make(map[core.JobState]*redis.IntCmd, len(allStates))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, state := range allStates {
			cmds[state] = pipe.ZCard(ctx, s.stateKey(state))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[core.JobState]int, len(cmds))
	for state, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			counts[state] = int(n)
		}
	}
	return counts, nil
}

func (s *Store) PurgeFinished(ctx context.Context, state core.JobState, cutoff time.Time) ([]*core.Job, error) {
	if !state.Terminal() {
		return nil, nil
	}

	ids, err := s.client.ZRangeByScore(ctx, s.stateKey(state), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query finished jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load finished jobs: %w", err)
	}

	jobs := make([]*core.Job, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		job, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		members := make([]any, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.ZRem(ctx, s.stateKey(state), members...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) ResetActive(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, s.stateKey(core.StateActive), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	n := 0
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrJobNotFound) {
			s.client.ZRem(ctx, s.stateKey(core.StateActive), id)
			continue
		}
		if err != nil {
			return n, err
		}
		job.State = core.StateWaiting
		if err := s.Update(ctx, job); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ core.Store = (*Store)(nil)
