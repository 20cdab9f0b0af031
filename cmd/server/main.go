// Package main runs the RDS run scheduler behind an HTTP API so operators can
// trigger start/stop runs by tag and inspect run history.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/app"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/config"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/constants"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/httputil"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

func main() {
	port := flag.String("port", "", "listen port (overrides APP_PORT)")
	schedules := flag.String("schedules", "", "schedule definitions YAML (overrides APP_SCHEDULES_FILE)")
	drain := flag.Duration("drain", constants.DefaultShutdownTimeout, "how long to wait for running runs on shutdown")
	flag.Parse()

	_ = godotenv.Load()

	logger := config.NewLogger()
	ctx := context.Background()

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Error("scheduler config invalid", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *schedules != "" {
		cfg.SchedulesFile = *schedules
	}
	if cfg.Port == "" {
		cfg.Port = constants.DefaultHTTPPort
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("scheduler init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("rds run scheduler ready",
		slog.String("tag_key", cfg.TagKey),
		slog.String("tag_values", strings.Join(cfg.TagValues, ",")),
		slog.Int("schedules", len(a.Schedules)),
		slog.Int("triggers", len(a.ListTriggers())),
		slog.Int("max_concurrency", cfg.MaxConcurrency),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httputil.NewRequestHandler(a, logger),
		ReadTimeout:  constants.DefaultReadTimeout,
		WriteTimeout: constants.DefaultWriteTimeout,
		IdleTimeout:  constants.DefaultIdleTimeout,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("rds run scheduler shutting down", slog.Int("runs_running", runningRuns(a)))

		ctx, cancel := context.WithTimeout(context.Background(), *drain)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("http shutdown failed", slog.String("error", err.Error()))
		}
		waitForRuns(ctx, a, logger)
		close(done)
	}()

	if cfg.TLSEnabled && cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		logger.Info("listening with TLS", slog.String("port", cfg.Port))
		err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		logger.Info("listening", slog.String("port", cfg.Port))
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logger.Error("listener failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	<-done
	logger.Info("rds run scheduler stopped")
}

func runningRuns(a *app.App) int {
	n := 0
	for _, r := range a.ListRuns() {
		if r.State == types.RunRunning {
			n++
		}
	}
	return n
}

// waitForRuns blocks until no run is in progress or ctx expires. Runs left
// running are abandoned; their resources keep converging on the AWS side.
func waitForRuns(ctx context.Context, a *app.App, logger *slog.Logger) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		n := runningRuns(a)
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			logger.Warn("abandoning running runs", slog.Int("runs_running", n))
			return
		case <-ticker.C:
		}
	}
}
