package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orrn/printhook/internal/printer"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrTimeout           = errors.New("print attempt timed out")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Pending reports whether the job is still owed an attempt.
func (s JobState) Pending() bool {
	return s == StateWaiting || s == StateDelayed
}

var transitions = map[JobState][]JobState{
	StateWaiting: {StateActive},
	StateDelayed: {StateActive},
	StateActive:  {StateCompleted, StateFailed, StateDelayed, StateWaiting},
}

type Job struct {
	RequestID      string
	Seq            int64
	Kind           printer.Kind
	Payload        []byte
	PrinterName    string
	Copies         int
	PaperSize      string
	Orientation    string
	PageCount      int
	State          JobState
	Progress       int
	Attempts       int
	MaxAttempts    int
	FailureReasons []string
	Result         *printer.PrintResult
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

func (j *Job) transition(to JobState) error {
	for _, allowed := range transitions[j.State] {
		if allowed == to {
			j.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
}

// LastFailure returns the most recent failure reason, if any.
func (j *Job) LastFailure() string {
	if len(j.FailureReasons) == 0 {
		return ""
	}
	return j.FailureReasons[len(j.FailureReasons)-1]
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	c.FailureReasons = append([]string(nil), j.FailureReasons...)
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

type QueueStatus struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

func (s QueueStatus) Total() int {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
}

// JobStatus is the polling view of a job. Payload bytes are never exposed.
type JobStatus struct {
	RequestID      string               `json:"requestId"`
	Kind           printer.Kind         `json:"type"`
	State          JobState             `json:"state"`
	Progress       int                  `json:"progress"`
	Printer        string               `json:"printer,omitempty"`
	Copies         int                  `json:"copies"`
	PageCount      int                  `json:"pageCount,omitempty"`
	AttemptsMade   int                  `json:"attemptsMade"`
	Result         *printer.PrintResult `json:"result,omitempty"`
	FailedReason   string               `json:"failedReason,omitempty"`
	FailureReasons []string             `json:"failureReasons,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	ProcessedOn    *time.Time           `json:"processedOn,omitempty"`
	FinishedOn     *time.Time           `json:"finishedOn,omitempty"`
}

func newJobStatus(j *Job) *JobStatus {
	s := &JobStatus{
		RequestID:      j.RequestID,
		Kind:           j.Kind,
		State:          j.State,
		Progress:       j.Progress,
		Printer:        j.PrinterName,
		Copies:         j.Copies,
		PageCount:      j.PageCount,
		AttemptsMade:   j.Attempts,
		Result:         j.Result,
		FailureReasons: j.FailureReasons,
		CreatedAt:      j.CreatedAt,
		ProcessedOn:    j.StartedAt,
		FinishedOn:     j.FinishedAt,
	}
	if j.State == StateFailed {
		s.FailedReason = j.LastFailure()
	}
	if j.Result != nil && j.Result.Printer != "" {
		s.Printer = j.Result.Printer
	}
	return s
}

type Event string

const (
	EventJobQueued    Event = "job_queued"
	EventJobStarted   Event = "job_started"
	EventJobRetrying  Event = "job_retrying"
	EventJobCompleted Event = "job_completed"
	EventJobFailed    Event = "job_failed"
)

// EventSink receives job lifecycle notifications. Implementations must not
// block the caller.
type EventSink interface {
	JobEvent(event Event, job *Job)
}

// Archiver stores purged jobs somewhere outside the live store.
type Archiver interface {
	ArchiveJobs(ctx context.Context, jobs []*Job) error
}
