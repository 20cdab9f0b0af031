// Package main replays scheduler runs against canned RDS, tagging and SNS
// responses served from local HTTP mocks. No AWS credentials are needed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

func main() {
	scenarioFile := flag.String("scenarios", "fixtures/scenarios.yaml", "scenario definitions YAML")
	verbose := flag.Bool("verbose", false, "print every mocked AWS call")
	nameFilter := flag.String("filter", "", "run only scenarios whose name contains this text")
	modeFilter := flag.String("mode", "", "run only start or stop scenarios")
	timeout := flag.Duration("timeout", 30*time.Second, "per-scenario deadline")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	loadEnv(logger)

	var onlyMode types.Mode
	if *modeFilter != "" {
		m, err := types.ParseMode(*modeFilter)
		if err != nil {
			logger.Error("invalid -mode", slog.String("error", err.Error()))
			os.Exit(2)
		}
		onlyMode = m
	}

	scenarios, err := loadScenarios(*scenarioFile)
	if err != nil {
		logger.Error("scenarios unavailable", slog.String("file", *scenarioFile), slog.String("error", err.Error()))
		os.Exit(1)
	}

	var passed, failed, skipped int
	for _, scenario := range scenarios {
		if !selected(scenario, *nameFilter, onlyMode) {
			skipped++
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		err := runScenario(ctx, scenario, *verbose, logger)
		cancel()

		if err != nil {
			fmt.Printf("  FAILED: %v\n\n", err)
			failed++
		} else {
			passed++
		}
	}

	separator := strings.Repeat("=", 60)
	fmt.Printf("\n%s\n", separator)
	fmt.Printf("  Scheduler scenarios: %d passed, %d failed, %d skipped\n", passed, failed, skipped)
	fmt.Printf("%s\n", separator)

	if failed > 0 {
		os.Exit(1)
	}
}

// loadEnv prefers cmd/verify/.env and falls back to the checked-in .env.test.
func loadEnv(logger *slog.Logger) {
	for _, name := range []string{".env", ".env.test"} {
		path := filepath.Join("cmd", "verify", name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			logger.Warn("env file not loaded", slog.String("file", path), slog.String("error", err.Error()))
		}
		return
	}
}

func loadScenarios(path string) ([]TestScenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read scenarios")
	}
	var scenarios []TestScenario
	if err := yaml.Unmarshal(raw, &scenarios); err != nil {
		return nil, errors.Wrap(err, "parse scenarios")
	}
	return scenarios, nil
}

func selected(s TestScenario, name string, mode types.Mode) bool {
	if name != "" && !strings.Contains(s.Name, name) {
		return false
	}
	if mode != "" {
		m, err := types.ParseMode(s.Mode)
		if err != nil || m != mode {
			return false
		}
	}
	return true
}
