// Package main provides the demo mode entry point for the RDS run scheduler.
// It starts the mock AWS server and the main HTTP server together.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/app"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/config"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/constants"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/httputil"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/mock"
)

var (
	appInst    *app.App
	mockServer *mock.Server
	mockState  *mock.State
	logger     *slog.Logger
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	mockPort := flag.Int("mock-port", 9080, "Mock AWS server port")
	baseWait := flag.Int("base-wait", 500, "Base wait time in ms for status transitions")
	randomRange := flag.Int("random-range", 200, "Random additional wait in ms")
	statusLag := flag.Int("status-lag", 0, "Delay in ms before an accepted command shows in describe calls")
	fastMode := flag.Bool("fast", false, "Fast mode (minimal waits, fast polling)")
	runMode := flag.String("run", "", "Trigger one run at startup (start or stop)")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	godotenv.Load()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	for name, p := range map[string]int{"mock-port": *mockPort, "port": *port} {
		if err := checkPortAvailable(p); err != nil {
			logger.Error("port unavailable", slog.Int("port", p), slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "\nError: Port %d is already in use. Use -%s to pick another.\n\n", p, name)
			os.Exit(1)
		}
	}

	// Create a context that will be cancelled when we need to shut down
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Channel to signal fatal errors from either server
	fatalErr := make(chan error, 2)

	// Create timing config
	timing := mock.TimingConfig{
		BaseWaitMs:    *baseWait,
		RandomRangeMs: *randomRange,
		FastMode:      *fastMode,
		StatusLagMs:   *statusLag,
	}

	mockState = mock.NewState(timing)
	mockState.SeedDemoResources()
	mockState.Start()

	// Create mock server
	mockServer = mock.NewServer(mockState, logger, *verbose)

	// Start mock RDS server
	mockAddr := fmt.Sprintf(":%d", *mockPort)
	mockHTTPServer := &http.Server{
		Addr:    mockAddr,
		Handler: mockServer,
	}

	go func() {
		logger.Info("mock AWS server starting", slog.String("addr", mockAddr))
		if err := mockHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("mock server failed", slog.String("error", err.Error()))
			fatalErr <- errors.Wrap(err, "mock server")
		}
	}()

	// Wait briefly for mock server to start
	time.Sleep(100 * time.Millisecond)

	// Check if mock server failed to start
	select {
	case err := <-fatalErr:
		logger.Error("failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	default:
	}

	// Point every AWS client at the mock. The mock does not check signatures.
	mockEndpoint := fmt.Sprintf("http://localhost:%d", *mockPort)
	os.Setenv("APP_DEMO_MODE", "true")
	os.Setenv("APP_MOCK_ENDPOINT", mockEndpoint)
	os.Setenv("APP_PORT", fmt.Sprintf("%d", *port))
	os.Setenv("AWS_REGION", constants.DefaultAWSRegion)
	if os.Getenv("APP_SNS_TOPIC_ARN") == "" {
		os.Setenv("APP_SNS_TOPIC_ARN", fmt.Sprintf("arn:aws:sns:%s:%s:rds-scheduler-demo", constants.DefaultAWSRegion, constants.DemoAccountID))
	}
	if *fastMode {
		os.Setenv("APP_DEMO_FAST_MODE", "true")
	} else {
		os.Setenv("APP_POLL_INTERVAL", "1")
	}

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Error("config init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	appInst, err = app.New(ctx, cfg)
	if err != nil {
		logger.Error("app init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handler := httputil.NewRequestHandler(appInst, logger)

	appAddr := fmt.Sprintf(":%d", *port)
	mainServer := &http.Server{
		Addr:         appAddr,
		Handler:      handler,
		ReadTimeout:  constants.DefaultReadTimeout,
		WriteTimeout: constants.DefaultWriteTimeout,
		IdleTimeout:  constants.DefaultIdleTimeout,
	}

	// Start main server in goroutine
	go func() {
		logger.Info("main server starting", slog.String("addr", appAddr))
		if err := mainServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("main server failed", slog.String("error", err.Error()))
			fatalErr <- errors.Wrap(err, "main server")
		}
	}()

	// Wait briefly for main server to start
	time.Sleep(100 * time.Millisecond)

	// Check if main server failed to start
	select {
	case err := <-fatalErr:
		logger.Error("failed to start", slog.String("error", err.Error()))
		shutdownServers(mockHTTPServer, mainServer, mockState)
		os.Exit(1)
	default:
	}

	printBanner(*port, *mockPort, timing)

	if *runMode != "" {
		go triggerRun(ctx, *runMode)
	}

	// Wait for shutdown signal or fatal error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("received shutdown signal")
	case err := <-fatalErr:
		logger.Error("server crashed, shutting down all servers", slog.String("error", err.Error()))
	}

	// Shutdown both servers
	shutdownServers(mockHTTPServer, mainServer, mockState)
	cancel()
	logger.Info("all servers stopped")
}

func printBanner(port, mockPort int, timing mock.TimingConfig) {
	fmt.Println()
	fmt.Println("==============================================")
	fmt.Println("  RDS Run Scheduler - DEMO MODE")
	fmt.Println("==============================================")
	fmt.Println()
	fmt.Printf("  API:         http://localhost:%d/api/runs\n", port)
	fmt.Printf("  Metrics:     http://localhost:%d/metrics\n", port)
	fmt.Printf("  Mock AWS:    http://localhost:%d\n", mockPort)
	fmt.Printf("  Mock State:  http://localhost:%d/mock/state\n", mockPort)
	fmt.Println()
	fmt.Println("  Demo Resources (tag WorkHoursRunning):")
	for _, r := range mockState.ListInstances() {
		fmt.Printf("    - db      %-16s %-10s %s\n", r.ID, r.Status, r.Tags["WorkHoursRunning"])
	}
	for _, r := range mockState.ListClusters() {
		fmt.Printf("    - cluster %-16s %-10s %s\n", r.ID, r.Status, r.Tags["WorkHoursRunning"])
	}
	fmt.Println()
	fmt.Println("  Timing:")
	if timing.FastMode {
		fmt.Println("    Mode: FAST (minimal waits)")
	} else {
		fmt.Printf("    Base wait: %dms, Random: 0-%dms\n", timing.BaseWaitMs, timing.RandomRangeMs)
	}
	if timing.StatusLagMs > 0 {
		fmt.Printf("    Status lag: %dms\n", timing.StatusLagMs)
	}
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println("==============================================")
	fmt.Println()
}

// triggerRun starts one run with the configured tag filter and logs its outcome.
func triggerRun(ctx context.Context, mode string) {
	run, err := appInst.StartRun(ctx, app.RunRequest{Mode: mode, Wait: true}, "demo")
	if err != nil {
		logger.Error("demo run failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("demo run finished",
		slog.String("run_id", run.ID),
		slog.String("state", string(run.State)),
		slog.Duration("duration", run.Duration()),
		slog.Any("counts", run.Counts()))
}

// shutdownServers gracefully shuts down both HTTP servers.
func shutdownServers(mockServer, mainServer *http.Server, mockState *mock.State) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DemoShutdownTimeout)
	defer cancel()

	// Stop mock state transitions
	mockState.Stop()

	// Shutdown both servers concurrently
	done := make(chan struct{}, 2)

	go func() {
		if err := mockServer.Shutdown(ctx); err != nil {
			logger.Error("mock server shutdown error", slog.String("error", err.Error()))
		}
		done <- struct{}{}
	}()

	go func() {
		mainServer.SetKeepAlivesEnabled(false)
		if err := mainServer.Shutdown(ctx); err != nil {
			logger.Error("main server shutdown error", slog.String("error", err.Error()))
		}
		done <- struct{}{}
	}()

	// Wait for both to finish
	<-done
	<-done
}

// checkPortAvailable tests if a TCP port is available for binding.
func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
