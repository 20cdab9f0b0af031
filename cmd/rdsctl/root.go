package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/app"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/config"
)

var (
	version = "0.1.0"

	endpoint string
	output   string

	rootCmd = &cobra.Command{
		Use:   "rdsctl",
		Short: "Start or stop tagged RDS resources",
		Long: `rdsctl drives the RDS run scheduler from the command line.

It discovers DB instances and DB clusters by tag, converges them to the
requested running state, and prints the run record. It also renders the
timer triggers described by a schedules file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "Mock AWS endpoint (enables demo mode)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
}

// newApp builds the application from the environment and global flags.
func newApp(ctx context.Context) (*app.App, error) {
	if endpoint != "" {
		os.Setenv("APP_DEMO_MODE", "true")
		os.Setenv("APP_MOCK_ENDPOINT", endpoint)
	}

	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

// render writes v in the selected structured format. It reports false for
// text output so callers print their own table.
func render(w io.Writer, v any) (bool, error) {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	case "text", "":
		return false, nil
	default:
		return false, errors.Newf("unknown output format %q", output)
	}
}
