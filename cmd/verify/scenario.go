package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/app"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/config"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/discovery"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/machine"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/notifiers"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/rds"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

const verifyTopicARN = "arn:aws:sns:us-east-1:123456789012:rds-scheduler-verify"

// TestScenario defines one run with canned AWS responses and expected outcomes.
type TestScenario struct {
	Name            string            `yaml:"name" json:"name"`
	Description     string            `yaml:"description,omitempty" json:"description,omitempty"`
	Mode            string            `yaml:"mode" json:"mode"`
	TagKey          string            `yaml:"tag_key,omitempty" json:"tag_key,omitempty"`
	TagValues       []string          `yaml:"tag_values,omitempty" json:"tag_values,omitempty"`
	ConfigOverrides map[string]string `yaml:"config_overrides,omitempty" json:"config_overrides,omitempty"`
	MockResponses   []MockResponse    `yaml:"mock_responses" json:"mock_responses"`

	ExpectError    bool              `yaml:"expect_error,omitempty" json:"expect_error,omitempty"`
	ExpectRunState string            `yaml:"expect_run_state,omitempty" json:"expect_run_state,omitempty"`
	ExpectOutcomes map[string]string `yaml:"expect_outcomes,omitempty" json:"expect_outcomes,omitempty"` // resource key -> outcome
	// ExpectedActions maps an AWS action to the exact number of calls.
	ExpectedActions map[string]int `yaml:"expected_actions,omitempty" json:"expected_actions,omitempty"`
}

type mockEndpoint struct {
	mock   *MockServer
	server *http.Server
	url    string
}

func startMock(name string, responses []MockResponse, verbose bool, logger *slog.Logger) (*mockEndpoint, error) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, errors.Wrapf(err, "create %s listener", name)
	}

	m := NewMockServer(name, responses, verbose)
	srv := &http.Server{Handler: m}
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			logger.Error("mock server error", slog.String("service", name), slog.String("error", err.Error()))
		}
	}()

	return &mockEndpoint{mock: m, server: srv, url: "http://" + ln.Addr().String()}, nil
}

// runScenario executes a single test scenario against mock HTTP servers.
func runScenario(ctx context.Context, scenario TestScenario, verbose bool, logger *slog.Logger) error {
	startTime := time.Now()

	fmt.Printf("\n> Running: %s\n", scenario.Name)
	if scenario.Description != "" {
		fmt.Printf("  %s\n", scenario.Description)
	}

	endpoints := make(map[string]*mockEndpoint)
	for _, name := range []string{"rds", "tagging", "sns"} {
		ep, err := startMock(name, scenario.MockResponses, verbose, logger)
		if err != nil {
			return err
		}
		endpoints[name] = ep
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, ep := range endpoints {
			ep.server.Shutdown(shutdownCtx)
		}
	}()

	for key, value := range scenario.ConfigOverrides {
		os.Setenv(key, value)
	}
	defer func() {
		for key := range scenario.ConfigOverrides {
			os.Unsetenv(key)
		}
	}()

	cfg, err := config.NewConfig()
	if err != nil {
		return errors.Wrap(err, "config creation failed")
	}
	cfg.SlackEnabled = false

	awsCfg := aws.Config{
		Region:      "us-east-1",
		Credentials: aws.AnonymousCredentials{},
		// Fail fast on canned errors.
		RetryMaxAttempts: 1,
	}

	cloud := rds.NewClient(rds.ClientConfig{AWSConfig: awsCfg, BaseURL: endpoints["rds"].url})
	notifier := notifiers.NewSNSNotifier(notifiers.SNSConfig{AWSConfig: awsCfg, TopicARN: verifyTopicARN, BaseURL: endpoints["sns"].url})

	engine := machine.NewEngine(machine.EngineConfig{
		Discoverer:     discovery.NewClient(discovery.ClientConfig{AWSConfig: awsCfg, BaseURL: endpoints["tagging"].url}),
		Prober:         cloud,
		Commander:      cloud,
		Notifier:       notifier,
		Logger:         logger,
		PollInterval:   10 * time.Millisecond,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxPolls:       cfg.MaxPolls,
	})
	appInst := app.NewWithEngine(cfg, engine, notifier)

	if verbose {
		fmt.Printf("\n  Application Output:\n")
	}

	run, runErr := appInst.StartRun(ctx, app.RunRequest{
		Mode:      scenario.Mode,
		TagKey:    scenario.TagKey,
		TagValues: scenario.TagValues,
		Wait:      true,
	}, "verify")

	if scenario.ExpectError {
		if runErr == nil {
			return errors.New("expected error but succeeded")
		}
		if verbose {
			fmt.Printf("  Expected error occurred: %v\n", runErr)
		}
	} else if runErr != nil {
		return errors.Wrap(runErr, "unexpected error")
	}

	if run != nil {
		if err := validateRun(scenario, run, verbose); err != nil {
			return err
		}
	}

	actions := make(map[string]int)
	var all []RequestRecord
	for _, name := range []string{"tagging", "rds", "sns"} {
		for _, req := range endpoints[name].mock.GetRequests() {
			actions[req.Action]++
			all = append(all, req)
		}
	}
	if err := validateExpectedActions(scenario.ExpectedActions, actions); err != nil {
		fmt.Printf("\n  Validation:\n")
		fmt.Printf("    FAILED: %v\n", err)
		fmt.Printf("\n  Captured actions:\n")
		for i, req := range all {
			fmt.Printf("      [%d] %s %s\n", i+1, req.Action, req.Target)
		}
		return err
	}

	fmt.Printf("  PASSED (%.2fs)\n", time.Since(startTime).Seconds())
	return nil
}

func validateRun(scenario TestScenario, run *types.RunRecord, verbose bool) error {
	if verbose {
		fmt.Printf("  Run %s: %s\n", run.ID, run.State)
		for _, b := range run.Branches {
			fmt.Printf("    %-28s %-18s commands=%d polls=%d %s\n", b.Resource.Key(), b.Outcome, b.Commands, b.Polls, b.Error)
		}
	}

	if scenario.ExpectRunState != "" && string(run.State) != scenario.ExpectRunState {
		return errors.Newf("run state = %s, want %s", run.State, scenario.ExpectRunState)
	}

	got := make(map[string]string, len(run.Branches))
	for _, b := range run.Branches {
		got[b.Resource.Key()] = string(b.Outcome)
	}
	for key, want := range scenario.ExpectOutcomes {
		if got[key] != want {
			return errors.Newf("%s outcome = %q, want %q", key, got[key], want)
		}
	}
	return nil
}

// validateExpectedActions verifies the exact call count of every listed action.
func validateExpectedActions(expected map[string]int, actual map[string]int) error {
	for action, want := range expected {
		if actual[action] != want {
			return errors.Newf("action %s called %d times, want %d", action, actual[action], want)
		}
	}
	return nil
}
