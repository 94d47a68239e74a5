package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orrn/printhook/internal/core"
	"github.com/orrn/printhook/internal/printer"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*core.Job, error) {
	var (
		job         core.Job
		kind, state string
		reasonsJSON string
		resultJSON  sql.NullString
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)

	err := row.Scan(
		&job.Seq, &job.RequestID, &kind, &job.Payload, &job.PrinterName, &job.Copies,
		&job.PaperSize, &job.Orientation, &job.PageCount, &state, &job.Progress,
		&job.Attempts, &job.MaxAttempts, &reasonsJSON, &resultJSON,
		&job.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = printer.Kind(kind)
	job.State = core.JobState(state)

	if reasonsJSON != "" {
		if err := json.Unmarshal([]byte(reasonsJSON), &job.FailureReasons); err != nil {
			return nil, fmt.Errorf("failed to decode failure reasons for %s: %w", job.RequestID, err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		job.Result = &printer.PrintResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), job.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result for %s: %w", job.RequestID, err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func encodeReasons(reasons []string) (string, error) {
	if reasons == nil {
		reasons = []string{}
	}
	b, err := json.Marshal(reasons)
	if err != nil {
		return "", fmt.Errorf("failed to encode failure reasons: %w", err)
	}
	return string(b), nil
}

func encodeResult(result *printer.PrintResult) (any, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return string(b), nil
}

// utcTime keeps stored DATETIME text in one zone so range comparisons hold.
func utcTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
