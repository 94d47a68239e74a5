package core

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/printer"
)

// PrinterDirectory is the read side of the printer facade.
type PrinterDirectory interface {
	Printers(ctx context.Context) ([]printer.PrinterInfo, error)
	DefaultPrinter(ctx context.Context) (string, error)
	Backend() string
	Platform() string
}

type PrinterSummary struct {
	Available      int    `json:"available"`
	Total          int    `json:"total"`
	HasDefault     bool   `json:"hasDefault"`
	DefaultPrinter string `json:"defaultPrinter,omitempty"`
}

type SystemInfo struct {
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	GoVersion string `json:"goVersion"`
	Backend   string `json:"backend"`
}

type Health struct {
	Status    string         `json:"status"`
	Printers  PrinterSummary `json:"printers"`
	Queue     QueueStatus    `json:"queue"`
	System    SystemInfo     `json:"system"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	HealthOK       = "healthy"
	HealthDegraded = "degraded"
)

// Reporter aggregates read-only views of the queue and printers.
type Reporter struct {
	queue    *Queue
	printers PrinterDirectory
	logger   *zap.Logger
}

func NewReporter(queue *Queue, printers PrinterDirectory, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{queue: queue, printers: printers, logger: logger.Named("reporter")}
}

func (r *Reporter) QueueStatus(ctx context.Context) (QueueStatus, error) {
	return r.queue.Status(ctx)
}

func (r *Reporter) JobStatus(ctx context.Context, requestID string) (*JobStatus, bool, error) {
	return r.queue.JobStatus(ctx, requestID)
}

// Health never fails; problems show up as a degraded status.
func (r *Reporter) Health(ctx context.Context) Health {
	h := Health{
		Status: HealthOK,
		System: SystemInfo{
			Platform:  r.printers.Platform(),
			Arch:      runtime.GOARCH,
			GoVersion: runtime.Version(),
			Backend:   r.printers.Backend(),
		},
		Timestamp: time.Now().UTC(),
	}

	printers, err := r.printers.Printers(ctx)
	if err != nil {
		r.logger.Warn("health: printer enumeration failed", zap.Error(err))
		h.Status = HealthDegraded
	}
	h.Printers.Total = len(printers)
	for _, p := range printers {
		if p.IsOnline {
			h.Printers.Available++
		}
	}
	if def, err := r.printers.DefaultPrinter(ctx); err == nil && def != "" {
		h.Printers.HasDefault = true
		h.Printers.DefaultPrinter = def
	}
	if h.Printers.Available == 0 {
		h.Status = HealthDegraded
	}

	status, err := r.queue.Status(ctx)
	if err != nil {
		r.logger.Error("health: queue status failed", zap.Error(err))
		h.Status = HealthDegraded
	}
	h.Queue = status

	return h
}
