package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recorded runs or show one run with its events",
	Long: `Read run history from APP_DATA_DIR. With a run ID, print that run and
its event log.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	if len(args) == 1 {
		run, err := a.GetRun(args[0])
		if err != nil {
			return err
		}
		events, err := a.GetEvents(run.ID)
		if err != nil {
			return err
		}
		doc := struct {
			Run    any `json:"run" yaml:"run"`
			Events any `json:"events" yaml:"events"`
		}{run, events}
		if ok, err := render(w, doc); err != nil || ok {
			return err
		}
		if err := printRun(w, run); err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Fprintf(w, "  %s  %-20s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Message)
		}
		return nil
	}

	runs := a.ListRuns()
	if ok, err := render(w, runs); err != nil || ok {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	table := newTable(w)
	table.Header("ID", "MODE", "TRIGGER", "STATE", "BRANCHES", "STARTED")
	for _, r := range runs {
		if err := table.Append([]string{
			r.ID,
			string(r.Request.Mode),
			r.Trigger,
			string(r.State),
			strconv.Itoa(len(r.Branches)),
			r.StartedAt.Format(time.RFC3339),
		}); err != nil {
			return errors.Wrap(err, "append run row")
		}
	}
	return table.Render()
}
