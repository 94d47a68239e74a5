// Package spool is the boundary between callers and the print queue. It
// validates submissions, enqueues them and serves the read-only views.
package spool

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/core"
	"github.com/orrn/printhook/internal/printer"
)

const (
	ServiceName = "PrintHook"
	QueueName   = "print"

	defaultPaperSize   = "A4"
	defaultOrientation = "portrait"
)

type PrintPDFRequest struct {
	PDFData     string `json:"pdfData" validate:"required"`
	PrinterName string `json:"printerName,omitempty" validate:"omitempty,max=255"`
	Copies      *int   `json:"copies,omitempty" validate:"omitempty,min=1"`
	PaperSize   string `json:"paperSize,omitempty" validate:"omitempty,oneof=A4 A5 LETTER LEGAL"`
	Orientation string `json:"orientation,omitempty" validate:"omitempty,oneof=portrait landscape"`
}

type PrintTextRequest struct {
	Text        string `json:"text" validate:"required"`
	PrinterName string `json:"printerName,omitempty" validate:"omitempty,max=255"`
	Copies      *int   `json:"copies,omitempty" validate:"omitempty,min=1"`
}

// SubmitResult acknowledges an enqueued job. JobID and RequestID carry the
// same identifier; both names are kept for client compatibility.
type SubmitResult struct {
	JobID             string    `json:"jobId"`
	RequestID         string    `json:"requestId"`
	Queue             string    `json:"queue"`
	Timestamp         time.Time `json:"timestamp"`
	EstimatedPosition int       `json:"estimatedPosition"`
}

type PrinterList struct {
	Printers  []printer.PrinterInfo `json:"printers"`
	Total     int                   `json:"total"`
	Default   *string               `json:"default"`
	Timestamp time.Time             `json:"timestamp"`
}

type HealthReport struct {
	Service string `json:"service"`
	core.Health
}

// Service is safe for concurrent use.
type Service struct {
	queue    *core.Queue
	reporter *core.Reporter
	printers core.PrinterDirectory
	validate *validator.Validate
	logger   *zap.Logger
}

func NewService(queue *core.Queue, printers core.PrinterDirectory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		queue:    queue,
		reporter: core.NewReporter(queue, printers, logger),
		printers: printers,
		validate: newValidator(),
		logger:   logger.Named("spool"),
	}
}

func (s *Service) SubmitPDF(ctx context.Context, req PrintPDFRequest) (*SubmitResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, toValidationError(err)
	}
	data, err := decodePDF(req.PDFData)
	if err != nil {
		return nil, err
	}

	pages, err := pageCount(data)
	if err != nil {
		s.logger.Debug("could not count pdf pages", zap.Error(err))
	}

	nj := core.NewJob{
		Kind:        printer.KindPDF,
		Payload:     data,
		PrinterName: req.PrinterName,
		Copies:      copies(req.Copies),
		PaperSize:   orDefault(req.PaperSize, defaultPaperSize),
		Orientation: orDefault(req.Orientation, defaultOrientation),
		PageCount:   pages,
	}
	return s.submit(ctx, nj)
}

func (s *Service) SubmitText(ctx context.Context, req PrintTextRequest) (*SubmitResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, toValidationError(err)
	}

	nj := core.NewJob{
		Kind:        printer.KindText,
		Payload:     []byte(req.Text),
		PrinterName: req.PrinterName,
		Copies:      copies(req.Copies),
	}
	return s.submit(ctx, nj)
}

func (s *Service) submit(ctx context.Context, nj core.NewJob) (*SubmitResult, error) {
	job, err := s.queue.Enqueue(ctx, nj)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", nj.Kind, err)
	}

	result := &SubmitResult{
		JobID:     job.RequestID,
		RequestID: job.RequestID,
		Queue:     QueueName,
		Timestamp: job.CreatedAt,
	}
	if status, err := s.queue.Status(ctx); err == nil {
		result.EstimatedPosition = status.Waiting + status.Delayed + 1
	} else {
		s.logger.Warn("failed to estimate queue position", zap.Error(err))
	}
	return result, nil
}

func (s *Service) QueueStatus(ctx context.Context) (core.QueueStatus, error) {
	return s.reporter.QueueStatus(ctx)
}

// JobStatus reports found=false for unknown or empty ids.
func (s *Service) JobStatus(ctx context.Context, requestID string) (*core.JobStatus, bool, error) {
	return s.reporter.JobStatus(ctx, requestID)
}

func (s *Service) CleanQueue(ctx context.Context) (core.CleanResult, error) {
	return s.queue.Clean(ctx)
}

func (s *Service) ListPrinters(ctx context.Context) (*PrinterList, error) {
	printers, err := s.printers.Printers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	if printers == nil {
		printers = []printer.PrinterInfo{}
	}

	list := &PrinterList{
		Printers:  printers,
		Total:     len(printers),
		Timestamp: time.Now().UTC(),
	}
	for _, p := range printers {
		if p.IsDefault {
			name := p.Name
			list.Default = &name
			break
		}
	}
	return list, nil
}

func (s *Service) Health(ctx context.Context) HealthReport {
	return HealthReport{Service: ServiceName, Health: s.reporter.Health(ctx)}
}

func copies(n *int) int {
	if n == nil {
		return 1
	}
	return *n
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
