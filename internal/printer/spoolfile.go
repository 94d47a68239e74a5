package printer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const minRecheck = 50 * time.Millisecond

// SpoolFiles owns the transient files handed to OS spoolers. A released file
// is deleted after the grace period, or later while the spooler still reports
// its job as pending, but never later than maxWait.
type SpoolFiles struct {
	dir     string
	grace   time.Duration
	maxWait time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func NewSpoolFiles(dir string, grace, maxWait time.Duration, logger *zap.Logger) (*SpoolFiles, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	if maxWait < grace {
		maxWait = grace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpoolFiles{
		dir:     dir,
		grace:   grace,
		maxWait: maxWait,
		logger:  logger,
		pending: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}, nil
}

// Write persists data to a fresh file and returns its path. A partially
// written file is removed before returning an error.
func (s *SpoolFiles) Write(data []byte, suffix string) (string, error) {
	f, err := os.CreateTemp(s.dir, "printhook-*"+suffix)
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close spool file: %w", err)
	}
	return path, nil
}

// Remove deletes path right away.
func (s *SpoolFiles) Remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove spool file", zap.String("path", path), zap.Error(err))
	}
}

// Release schedules deferred deletion of path. stillPending may be nil.
func (s *SpoolFiles) Release(path string, stillPending func() bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.Remove(path)
		return
	}
	s.pending[path] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.waitAndRemove(path, stillPending)
}

func (s *SpoolFiles) waitAndRemove(path string, stillPending func() bool) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()
		s.Remove(path)
	}()

	recheck := s.grace
	if recheck < minRecheck {
		recheck = minRecheck
	}
	deadline := time.Now().Add(s.maxWait)

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
		}

		if stillPending == nil || !time.Now().Before(deadline) || !stillPending() {
			return
		}
		s.logger.Debug("spooler still reading file, keeping it", zap.String("path", path))
		timer.Reset(recheck)
	}
}

// Outstanding reports how many released files are awaiting deletion.
func (s *SpoolFiles) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close deletes every outstanding file without waiting for its grace period.
func (s *SpoolFiles) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}
