package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/app"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

var (
	runMode      string
	runTagKey    string
	runTagValues []string
	runTimeout   time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Converge tagged resources to a running state",
	Long: `Discover every DB instance and DB cluster whose tag matches and start or
stop it, waiting until each one reports the target status.

Tag key and values default to APP_TAG_KEY and APP_TAG_VALUES.`,
	Example: `  rdsctl run --mode start
  rdsctl run --mode stop --tag-key WorkHoursRunning --tag-value YES
  rdsctl run --mode start --endpoint http://localhost:9080 -o json`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runMode, "mode", "m", "", "Start or Stop (required)")
	runCmd.Flags().StringVar(&runTagKey, "tag-key", "", "Tag key to select resources")
	runCmd.Flags().StringSliceVar(&runTagValues, "tag-value", nil, "Accepted tag value (repeatable)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 3*time.Hour, "Give up after this long")
	runCmd.MarkFlagRequired("mode")
}

func runRun(cmd *cobra.Command, args []string) error {
	// Interrupts cancel the run; in-flight branches end as cancelled.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	run, err := a.StartRun(ctx, app.RunRequest{
		Mode:      runMode,
		TagKey:    runTagKey,
		TagValues: runTagValues,
		Wait:      true,
	}, "rdsctl")
	if run == nil {
		return err
	}

	if ok, rerr := render(cmd.OutOrStdout(), run); rerr != nil {
		return rerr
	} else if !ok {
		if perr := printRun(cmd.OutOrStdout(), run); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if run.State != types.RunSucceeded {
		return errors.Newf("run %s finished %s", run.ID, run.State)
	}
	return nil
}

func printRun(w io.Writer, run *types.RunRecord) error {
	fmt.Fprintf(w, "Run %s  %s %s=%v  %s in %s\n",
		run.ID, run.Request.Mode, run.Request.TagKey, run.Request.TagValues, run.State, run.Duration().Round(time.Second))
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
	if len(run.Branches) == 0 {
		return nil
	}

	table := newTable(w)
	table.Header("RESOURCE", "OUTCOME", "STATUS", "COMMANDS", "POLLS", "ERROR")
	for _, b := range run.Branches {
		name := b.Resource.Key()
		if b.Resource.Identifier == "" {
			name = b.Address
		}
		msg := b.Error
		if msg == "" && b.NotifyError != "" {
			msg = "notify: " + b.NotifyError
		}
		if err := table.Append([]string{
			name,
			string(b.Outcome),
			b.FinalStatus,
			strconv.Itoa(b.Commands),
			strconv.Itoa(b.Polls),
			msg,
		}); err != nil {
			return errors.Wrap(err, "append branch row")
		}
	}
	return table.Render()
}
