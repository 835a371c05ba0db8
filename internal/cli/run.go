// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/coordinator"
	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/events"
	"github.com/maestrohq/maestro/internal/gitws"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/ops"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/telemetry"
	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/internal/workflow"
	"github.com/maestrohq/maestro/internal/workflow/steps"
)

const shutdownGrace = 10 * time.Second

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	projectID := fs.String("project", "", "Dashboard project ID (overrides PROJECT_ID)")
	maxIterations := fs.Int("max-iterations", 0, "Iteration bound for the task loop (overrides COORDINATOR_MAX_ITERATIONS)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *projectID != "" {
		cfg.Coordinator.ProjectID = *projectID
	}
	if *maxIterations > 0 {
		cfg.Coordinator.MaxIterations = *maxIterations
	}
	if cfg.Coordinator.ProjectID == "" {
		return fmt.Errorf("a project is required: pass --project or set PROJECT_ID")
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logger.CloseGlobal()
	log := logger.Get("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, appVersion)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	tr, err := transport.New(&cfg.Transport)
	if err != nil {
		return err
	}
	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	defer func() {
		if err := tr.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("transport disconnect failed")
		}
	}()

	metrics := telemetry.NewMetrics(nil)
	bus := events.NewBus()
	defer bus.Close()

	dash := dashboard.NewClient(&cfg.Dashboard, dashboard.WithMetrics(metrics))
	workspace := gitws.NewWorkspace(cfg)
	messenger := persona.NewMessenger(tr, &cfg.Transport, metrics)

	library, err := workflow.LoadLibrary(&cfg.Workflow)
	if err != nil {
		return err
	}
	registry := workflow.NewRegistry()
	if err := steps.Register(registry, steps.Deps{
		Config:    cfg,
		Messenger: messenger,
		Workspace: workspace,
		Dashboard: dash,
		Metrics:   metrics,
		Bus:       bus,
	}); err != nil {
		return err
	}
	engine := workflow.NewEngine(registry, bus, metrics)

	if cfg.Ops.Addr != "" {
		opsServer := ops.New(ops.Deps{
			Config:  &cfg.Ops,
			Library: library,
			Bus:     bus,
			Metrics: metrics,
			Ready:   dash.Health,
		})
		go func() {
			if err := opsServer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("ops server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := opsServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("ops server shutdown failed")
			}
		}()
	}

	coord := coordinator.New(coordinator.Deps{
		Config:    cfg,
		Dashboard: dash,
		Workspace: workspace,
		Transport: tr,
		Library:   library,
		Engine:    engine,
		Bus:       bus,
		Metrics:   metrics,
	})

	err = coord.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("interrupted, shutting down")
		return nil
	}
	return err
}
