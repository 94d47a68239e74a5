package printer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// NativeJob is what the native spooler receives. PDF documents arrive as a
// spool file path; text arrives inline.
type NativeJob struct {
	Printer  string
	Title    string
	Path     string
	Data     []byte
	DataType string
	Copies   int
}

// NativeSpooler is the callback-style surface of an OS print API. Print must
// invoke exactly one of onSuccess or onError, possibly from another goroutine.
type NativeSpooler interface {
	Printers() ([]PrinterInfo, error)
	DefaultPrinter() (string, error)
	Print(job NativeJob, onSuccess func(jobID string), onError func(err error))
	JobPending(printer, jobID string) (bool, error)
}

// NativeBackend turns a NativeSpooler into a blocking Backend. Only one
// spooler call is outstanding at a time: a Submit abandoned on its context
// keeps the slot until the spooler reports back.
type NativeBackend struct {
	spooler NativeSpooler
	spool   *SpoolFiles
	logger  *zap.Logger
	busy    chan struct{}
}

func NewNativeBackend(spooler NativeSpooler, spool *SpoolFiles, logger *zap.Logger) *NativeBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NativeBackend{spooler: spooler, spool: spool, logger: logger, busy: make(chan struct{}, 1)}
}

func (b *NativeBackend) Name() string { return "windows" }

func (b *NativeBackend) Printers(ctx context.Context) ([]PrinterInfo, error) {
	printers, err := b.spooler.Printers()
	if err == nil && len(printers) > 0 {
		return printers, nil
	}
	if err != nil {
		b.logger.Warn("printer enumeration failed, falling back to default printer", zap.Error(err))
	}

	if def, derr := b.spooler.DefaultPrinter(); derr == nil && def != "" {
		return []PrinterInfo{{Name: def, IsDefault: true, Status: "unknown", IsOnline: true}}, nil
	}
	return []PrinterInfo{virtualPrinter()}, nil
}

func (b *NativeBackend) DefaultPrinter(ctx context.Context) (string, error) {
	if def, err := b.spooler.DefaultPrinter(); err == nil && def != "" {
		return def, nil
	}

	printers, err := b.Printers(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range printers {
		if p.IsDefault {
			return p.Name, nil
		}
	}
	if len(printers) > 0 {
		return printers[0].Name, nil
	}
	return "", ErrNoPrinters
}

type nativeOutcome struct {
	jobID string
	err   error
}

func (b *NativeBackend) Submit(ctx context.Context, doc Document) (string, error) {
	job := NativeJob{
		Printer: doc.Printer,
		Title:   doc.Title,
		Copies:  copiesOrOne(doc.Copies),
	}

	var path string
	switch doc.Kind {
	case KindPDF:
		if b.spool == nil {
			return "", fmt.Errorf("%w: no spool directory configured", ErrSubmission)
		}
		var err error
		path, err = b.spool.Write(doc.Data, ".pdf")
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSubmission, err)
		}
		job.Path = path
		job.DataType = "RAW"
	case KindText:
		job.Data = doc.Data
		job.DataType = "TEXT"
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, doc.Kind)
	}
	if job.Title == "" {
		job.Title = "printhook"
	}

	select {
	case b.busy <- struct{}{}:
	case <-ctx.Done():
		if path != "" {
			b.spool.Remove(path)
		}
		return "", fmt.Errorf("previous spooler call still running: %w", ctx.Err())
	}

	done := make(chan nativeOutcome, 1)
	var once sync.Once
	finish := func(o nativeOutcome) {
		once.Do(func() {
			done <- o
			<-b.busy
		})
	}

	b.spooler.Print(job,
		func(jobID string) { finish(nativeOutcome{jobID: jobID}) },
		func(err error) { finish(nativeOutcome{err: err}) },
	)

	select {
	case o := <-done:
		if o.err != nil {
			if path != "" {
				b.spool.Remove(path)
			}
			return "", fmt.Errorf("%w: %v", ErrSubmission, o.err)
		}
		if path != "" {
			printerName, jobID := doc.Printer, o.jobID
			b.spool.Release(path, func() bool {
				pending, err := b.spooler.JobPending(printerName, jobID)
				return err == nil && pending
			})
		}
		return o.jobID, nil

	case <-ctx.Done():
		// The spooler may still be reading the file.
		if path != "" {
			b.spool.Release(path, nil)
		}
		return "", ctx.Err()
	}
}
