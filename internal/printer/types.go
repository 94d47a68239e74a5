package printer

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBackendUnavailable = errors.New("printing subsystem not available")
	ErrUnsupportedBackend = errors.New("printer backend not supported on this platform")
	ErrNoPrinters         = errors.New("no printers installed")
	ErrSubmission         = errors.New("print submission failed")
	ErrUnsupportedKind    = errors.New("unsupported document kind")
)

type Kind string

const (
	KindPDF  Kind = "pdf"
	KindText Kind = "text"
)

// Document is one submission to a backend. Data holds raw PDF bytes for
// KindPDF and UTF-8 text for KindText.
type Document struct {
	Kind        Kind
	Data        []byte
	Printer     string
	Copies      int
	Title       string
	PaperSize   string
	Orientation string
}

type PrinterInfo struct {
	Name        string `json:"name"`
	IsDefault   bool   `json:"isDefault"`
	Status      string `json:"status"`
	IsOnline    bool   `json:"isOnline"`
	Description string `json:"description,omitempty"`
}

type PrintResult struct {
	Success   bool      `json:"success"`
	JobID     string    `json:"jobId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Printer   string    `json:"printer"`
	Timestamp time.Time `json:"timestamp"`
}

// Backend talks to one OS printing subsystem.
type Backend interface {
	Name() string
	Printers(ctx context.Context) ([]PrinterInfo, error)
	DefaultPrinter(ctx context.Context) (string, error)
	// Submit spools doc and returns the backend-native job id.
	Submit(ctx context.Context, doc Document) (string, error)
}

const virtualPrinterName = "PDF"

func virtualPrinter() PrinterInfo {
	return PrinterInfo{
		Name:        virtualPrinterName,
		IsDefault:   true,
		Status:      "ready",
		IsOnline:    true,
		Description: "Virtual PDF Printer",
	}
}

func copiesOrOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
