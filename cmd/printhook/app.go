package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/api"
	"github.com/orrn/printhook/internal/archive"
	"github.com/orrn/printhook/internal/config"
	"github.com/orrn/printhook/internal/core"
	"github.com/orrn/printhook/internal/db"
	"github.com/orrn/printhook/internal/printer"
	"github.com/orrn/printhook/internal/redisstore"
	"github.com/orrn/printhook/internal/spool"
	"github.com/orrn/printhook/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

// app owns every long-lived component. Nothing here is global; each piece
// is built in newApp and handed to the ones that need it.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	spoolFiles *printer.SpoolFiles
	store      core.Store
	queue      *core.Queue
	dispatcher *core.Dispatcher
	webhooks   *webhook.WebhookSender
	server     *http.Server
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	spoolFiles, err := printer.NewSpoolFiles(cfg.Printers.SpoolDir, cfg.Printers.SpoolGrace, cfg.Printers.SpoolMaxWait, logger.Named("spool"))
	if err != nil {
		return nil, err
	}
	a.spoolFiles = spoolFiles

	backend, err := printer.SelectBackend(cfg.Printers, runtime.GOOS, spoolFiles, logger.Named("printer"))
	if err != nil {
		spoolFiles.Close()
		return nil, fmt.Errorf("failed to select printer backend: %w", err)
	}
	manager := printer.NewManager(backend, cfg.Printers.DefaultPrinter, logger)

	store, err := openStore(cfg)
	if err != nil {
		spoolFiles.Close()
		return nil, err
	}
	a.store = store

	var archiver *archive.Archiver
	var queueArchiver core.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.NewArchiver(archive.ArchiveConfig{
			ArchivePath: cfg.Archive.Path,
			Source:      cfg.Database.Path,
		}, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		queueArchiver = archiver
		logger.Info("archiving purged jobs", zap.String("path", archiver.GetArchivePath()))
	}

	var events core.EventSink
	if len(cfg.Webhooks) > 0 {
		a.webhooks = webhook.NewWebhookSender(cfg.Webhooks, webhook.WebhookConfig{}, logger)
		events = a.webhooks
	}

	a.queue = core.NewQueue(store, cfg.Queue, events, queueArchiver, logger)
	if cfg.Queue.Dispatcher {
		a.dispatcher = core.NewDispatcher(a.queue, manager, logger)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.RouterDeps{
		Service:  spool.NewService(a.queue, manager, logger),
		Archiver: archiver,
		Webhooks: a.webhooks,
		Config:   cfg,
		Server:   cfg.Server,
		Auth:     cfg.Auth,
		Logger:   logger,
	})

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("printhook configured",
		zap.String("backend", manager.Backend()),
		zap.String("store", cfg.Store.Driver),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("auth", cfg.Auth.Enabled),
		zap.Int("webhooks", len(cfg.Webhooks)),
		zap.Bool("dispatcher", cfg.Queue.Dispatcher),
	)
	return a, nil
}

func openStore(cfg *config.Config) (core.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreRedis:
		return redisstore.New(cfg.Store.Redis)
	case config.StoreMemory:
		return core.NewMemoryStore(), nil
	default:
		conn, err := db.Open(db.Config{Path: cfg.Database.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db.NewJobStore(conn), nil
	}
}

// Run blocks until ctx is cancelled or the HTTP server fails, then shuts
// everything down in reverse order.
func (a *app) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.webhooks != nil {
		a.webhooks.Start()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if a.dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.dispatcher.Run(ctx); err != nil {
				errCh <- fmt.Errorf("dispatcher: %w", err)
			}
		}()
	} else {
		a.logger.Info("dispatcher disabled, serving the API only")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.queue.RunCleaner(ctx)
	}()

	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case runErr = <-errCh:
		a.logger.Error("component failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", zap.Error(err))
	}

	cancel()
	wg.Wait()
	a.close()
	return runErr
}

func (a *app) close() {
	if a.webhooks != nil {
		a.webhooks.Stop()
	}
	if a.spoolFiles != nil {
		a.spoolFiles.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
}
