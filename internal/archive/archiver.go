// Package archive copies purged job records into monthly sqlite files so
// the live store can stay small. Payload bytes are not archived.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/core"
)

var ErrArchiveNotFound = errors.New("archive not found")

const (
	filePrefix = "archive_"
	fileSuffix = ".db"

	archiveSchema = `
		CREATE TABLE IF NOT EXISTS print_jobs (
			request_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			printer_name TEXT,
			copies INTEGER NOT NULL DEFAULT 1,
			paper_size TEXT,
			orientation TEXT,
			page_count INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			failure_reasons TEXT NOT NULL DEFAULT '[]',
			result_json TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			archived_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at DATETIME,
			source TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_archive_jobs_finished_at ON print_jobs(finished_at);
		CREATE INDEX IF NOT EXISTS idx_archive_jobs_state ON print_jobs(state);
	`

	insertArchivedJob = `
		INSERT OR REPLACE INTO print_jobs (
			request_id, kind, printer_name, copies, paper_size, orientation, page_count,
			state, attempts, failure_reasons, result_json, created_at, started_at, finished_at, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
)

type Archiver struct {
	archivePath string
	source      string
	logger      *zap.Logger
	mu          sync.Mutex
	now         func() time.Time
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	JobCount  int       `json:"jobCount"`
	Month     string    `json:"month"`
}

type ArchiveConfig struct {
	ArchivePath string
	// Source is recorded in each file's metadata, e.g. the live database path.
	Source string
}

func NewArchiver(config ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	if config.ArchivePath == "" {
		config.ArchivePath = "./data/archives"
	}
	if config.Source == "" {
		config.Source = "main"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(config.ArchivePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		archivePath: config.ArchivePath,
		source:      config.Source,
		logger:      logger.Named("archive"),
		now:         time.Now,
	}, nil
}

// ArchiveJobs writes jobs into the file for the month each one finished.
func (a *Archiver) ArchiveJobs(ctx context.Context, jobs []*core.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	byFile := make(map[string][]*core.Job)
	for _, job := range jobs {
		name := fileForMonth(archiveTime(job))
		byFile[name] = append(byFile[name], job)
	}

	for name, group := range byFile {
		if err := a.writeArchive(ctx, filepath.Join(a.archivePath, name), group); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		a.logger.Info("jobs archived", zap.String("file", name), zap.Int("count", len(group)))
	}
	return nil
}

func archiveTime(job *core.Job) time.Time {
	if job.FinishedAt != nil {
		return job.FinishedAt.UTC()
	}
	return job.CreatedAt.UTC()
}

func fileForMonth(t time.Time) string {
	return filePrefix + t.Format("2006_01") + fileSuffix
}

func (a *Archiver) writeArchive(ctx context.Context, path string, jobs []*core.Job) error {
	archiveDB, err := openArchiveDB(path)
	if err != nil {
		return err
	}
	defer archiveDB.Close()

	tx, err := archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	now := a.now().UTC()
	for _, job := range jobs {
		if err := insertJob(ctx, tx, job, now); err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.RequestID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, source)
		VALUES (1, ?, ?)
	`, now, a.source); err != nil {
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return nil
}

func openArchiveDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job *core.Job, archivedAt time.Time) error {
	reasons := job.FailureReasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return err
	}

	var resultJSON any
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return err
		}
		resultJSON = string(b)
	}

	_, err = tx.ExecContext(ctx, insertArchivedJob,
		job.RequestID, string(job.Kind), job.PrinterName, job.Copies, job.PaperSize,
		job.Orientation, job.PageCount, string(job.State), job.Attempts, string(reasonsJSON),
		resultJSON, job.CreatedAt.UTC(), utc(job.StartedAt), utc(job.FinishedAt), archivedAt,
	)
	return err
}

func utc(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	archives := []*ArchiveFile{}
	for _, file := range files {
		if file.IsDir() || !isArchiveName(file.Name()) {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		archives = append(archives, &ArchiveFile{
			Filename:  file.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Month:     monthOf(file.Name()),
		})
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Filename < archives[j].Filename })
	return archives, nil
}

func (a *Archiver) GetArchiveInfo(ctx context.Context, filename string) (*ArchiveFile, error) {
	if !isArchiveName(filename) || filepath.Base(filename) != filename {
		return nil, ErrArchiveNotFound
	}
	filePath := filepath.Join(a.archivePath, filename)

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile := &ArchiveFile{
		Filename:  filename,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		Month:     monthOf(filename),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	archiveDB, err := openArchiveDB(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveDB.Close()

	if err := archiveDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM print_jobs").Scan(&archiveFile.JobCount); err != nil {
		return nil, fmt.Errorf("failed to count archived jobs: %w", err)
	}
	return archiveFile, nil
}

func (a *Archiver) GetArchivePath() string {
	return a.archivePath
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

func monthOf(name string) string {
	month := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	return strings.Replace(month, "_", "-", 1)
}

var _ core.Archiver = (*Archiver)(nil)
