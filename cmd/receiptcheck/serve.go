package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dental-clinic-os/receiptcheck/internal/api"
	"github.com/dental-clinic-os/receiptcheck/internal/bus"
	"github.com/dental-clinic-os/receiptcheck/internal/cache"
	"github.com/dental-clinic-os/receiptcheck/internal/check"
	"github.com/dental-clinic-os/receiptcheck/internal/config"
	"github.com/dental-clinic-os/receiptcheck/internal/domain"
	"github.com/dental-clinic-os/receiptcheck/internal/repository"
	"github.com/dental-clinic-os/receiptcheck/internal/rules"
	"github.com/dental-clinic-os/receiptcheck/internal/worker"
)

var workerClinics []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the recheck worker",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&workerClinics, "clinics", nil, "Clinics the recheck worker listens for (default: all)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting receiptcheck",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"timezone", cfg.Check.Timezone,
		"dwell_ms", cfg.Check.DwellMillis,
	)
	if cfg.Tracing.Enabled {
		slog.Info("tracing uses the globally registered provider", "service", cfg.Tracing.ServiceName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := config.Location(cfg)
	if err != nil {
		return err
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	loader := rules.NewLoader(repo, cacheImpl, cfg.Check.RuleSnapshotTTL, cfg.Check.ConsultationPrefixes)
	checks := check.NewManager(check.Options{
		Source:    repo,
		Rules:     loader,
		Pacer:     check.NewPacer(config.Dwell(cfg)),
		Publisher: busImpl,
		Location:  loc,
	})
	defer checks.Close()

	recheckWorker := worker.NewWorker(busImpl, checks)
	if err := recheckWorker.Start(worker.Config{ClinicIDs: workerClinics}); err != nil {
		slog.Error("failed to start recheck worker", "error", err)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Checks:  checks,
		Rules:   loader,
		Version: Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("receiptcheck is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		recheckWorker.Stop()
		return err
	}

	// Stop the worker first so no new sessions start during shutdown.
	if err := recheckWorker.Stop(); err != nil {
		slog.Error("failed to stop recheck worker", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("receiptcheck shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  RECEIPTCHECK - claim checks before submission")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "  Version:  %s\n", version)
	fmt.Fprintf(os.Stderr, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(os.Stderr, "  Timezone: %s\n", cfg.Check.Timezone)
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  Endpoints (X-Clinic-ID header required):")
	fmt.Fprintln(os.Stderr, "    POST /checks/load                 - Load a month {\"month\":\"2025-06\"}")
	fmt.Fprintln(os.Stderr, "    POST /checks/run                  - Check every loaded claim")
	fmt.Fprintln(os.Stderr, "    POST /checks/recheck              - Reload the month and check again")
	fmt.Fprintln(os.Stderr, "    POST /checks/claims/{id}/recheck  - Recheck one claim")
	fmt.Fprintln(os.Stderr, "    GET  /checks                      - Results and summary")
	fmt.Fprintln(os.Stderr, "    GET  /checks/claims/{id}          - One result")
	fmt.Fprintln(os.Stderr, "    GET  /checks/export.xlsx          - Spreadsheet export")
	fmt.Fprintln(os.Stderr, "    GET  /rules                       - Rule snapshot")
	fmt.Fprintln(os.Stderr, "    POST /rules/reload                - Drop the cached snapshot")
	fmt.Fprintln(os.Stderr, "    GET  /health                      - Health check")
	fmt.Fprintln(os.Stderr)
}
