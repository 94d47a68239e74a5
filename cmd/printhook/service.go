package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orrn/printhook/internal/logger"
)

var serviceActions = []string{"install", "uninstall", "start", "stop", "restart", "run"}

// program adapts app to the service manager's Start/Stop callbacks.
type program struct {
	cancel context.CancelFunc
	done   chan struct{}
	slog   service.Logger
}

func (p *program) Start(s service.Service) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		defer log.Sync()
		if err := a.Run(ctx); err != nil {
			log.Error("printhook stopped with error", zap.Error(err))
			if p.slog != nil {
				p.slog.Error(err)
			}
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	return nil
}

func newSystemService(prg *program) (service.Service, error) {
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	svcConfig := &service.Config{
		Name:        "printhook",
		DisplayName: "PrintHook",
		Description: "Sequential print queue for PDF and text jobs",
		Arguments:   []string{"service", "run", "--config", absConfig},
		Option: service.KeyValue{
			"Restart": "on-success",
		},
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	errs := make(chan error, 5)
	slog, err := s.Logger(errs)
	if err != nil {
		return nil, fmt.Errorf("failed to create service logger: %w", err)
	}
	prg.slog = slog

	go func() {
		for err := range errs {
			if err != nil {
				fmt.Fprintf(os.Stderr, "service logger: %v\n", err)
			}
		}
	}()
	return s, nil
}

func newServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "service <install|uninstall|start|stop|restart|run>",
		Short:     "Manage printhook as a system service",
		Long:      "Installs or controls printhook under systemd, launchd or the Windows service manager. The run action is what the service manager invokes.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: serviceActions,
		RunE: func(cmd *cobra.Command, args []string) error {
			prg := &program{}
			s, err := newSystemService(prg)
			if err != nil {
				return err
			}

			action := args[0]
			if action == "run" {
				if service.Interactive() {
					fmt.Fprintln(cmd.ErrOrStderr(), "running interactively, press Ctrl+C to stop")
				}
				return s.Run()
			}

			if err := service.Control(s, action); err != nil {
				return fmt.Errorf("service %s failed: %w", action, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "service %s: ok\n", action)
			return nil
		},
	}
}
