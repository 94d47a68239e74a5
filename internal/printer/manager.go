package printer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/config"
)

// Manager is the platform-neutral printing facade. The backend is chosen
// once at construction and never changes.
type Manager struct {
	backend        Backend
	defaultPrinter string
	logger         *zap.Logger
}

func NewManager(backend Backend, defaultPrinter string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend:        backend,
		defaultPrinter: defaultPrinter,
		logger:         logger,
	}
}

// SelectBackend picks the backend named in cfg, resolving "auto" against goos.
func SelectBackend(cfg config.PrintersConfig, goos string, spool *SpoolFiles, logger *zap.Logger) (Backend, error) {
	name := cfg.Backend
	if name == "" || name == config.BackendAuto {
		name = config.BackendCUPS
		if goos == "windows" {
			name = config.BackendWindows
		}
	}

	switch name {
	case config.BackendCUPS:
		return NewCUPSBackend(CUPSOptions{
			LpPath:     cfg.LpPath,
			LpstatPath: cfg.LpstatPath,
			LpinfoPath: cfg.LpinfoPath,
			Spool:      spool,
			Logger:     logger,
		}), nil
	case config.BackendWindows:
		spooler, err := newPlatformSpooler()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize windows spooler: %w", err)
		}
		return NewNativeBackend(spooler, spool, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, name)
	}
}

func (m *Manager) Backend() string { return m.backend.Name() }

func (m *Manager) Platform() string { return runtime.GOOS }

// Printers lists installed printers. A configured default printer takes the
// default flag away from whatever the OS reports.
func (m *Manager) Printers(ctx context.Context) ([]PrinterInfo, error) {
	printers, err := m.backend.Printers(ctx)
	if err != nil {
		m.logger.Error("failed to list printers", zap.Error(err))
		return []PrinterInfo{virtualPrinter()}, nil
	}

	if m.defaultPrinter != "" {
		for i := range printers {
			printers[i].IsDefault = printers[i].Name == m.defaultPrinter
		}
	}
	return printers, nil
}

func (m *Manager) DefaultPrinter(ctx context.Context) (string, error) {
	if m.defaultPrinter != "" {
		return m.defaultPrinter, nil
	}
	name, err := m.backend.DefaultPrinter(ctx)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", ErrNoPrinters
	}
	return name, nil
}

// Print submits doc and reports the outcome as a PrintResult. The returned
// error is non-nil exactly when the result is unsuccessful.
func (m *Manager) Print(ctx context.Context, doc Document) (*PrintResult, error) {
	result := &PrintResult{Printer: doc.Printer}

	if doc.Printer == "" {
		name, err := m.DefaultPrinter(ctx)
		if err != nil {
			return m.fail(result, fmt.Errorf("failed to resolve default printer: %w", err))
		}
		doc.Printer = name
		result.Printer = name
	}
	doc.Copies = copiesOrOne(doc.Copies)

	jobID, err := m.backend.Submit(ctx, doc)
	if err != nil {
		return m.fail(result, err)
	}

	result.Success = true
	result.JobID = jobID
	result.Timestamp = time.Now().UTC()

	m.logger.Info("document spooled",
		zap.String("printer", doc.Printer),
		zap.String("kind", string(doc.Kind)),
		zap.String("spooler_job_id", jobID),
		zap.Int("copies", doc.Copies),
	)
	return result, nil
}

func (m *Manager) fail(result *PrintResult, err error) (*PrintResult, error) {
	result.Success = false
	result.Error = err.Error()
	result.Timestamp = time.Now().UTC()
	return result, err
}

// Validate reports whether name is an installed printer.
func (m *Manager) Validate(ctx context.Context, name string) bool {
	_, ok := m.Info(ctx, name)
	return ok
}

func (m *Manager) Info(ctx context.Context, name string) (*PrinterInfo, bool) {
	printers, err := m.Printers(ctx)
	if err != nil {
		return nil, false
	}
	for _, p := range printers {
		if p.Name == name {
			p := p
			return &p, true
		}
	}
	return nil, false
}
