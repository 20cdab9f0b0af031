package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/config"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/schedule"
)

var schedulesFile string

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Print the timer triggers rendered from a schedules file",
	Long: `Render the stop and start triggers of every schedule definition.

Without --file, APP_SCHEDULES_FILE is used; without either, the default
schedule for APP_TAG_KEY and APP_TAG_VALUES is shown.`,
	Example: `  rdsctl schedules --file fixtures/schedules.yaml
  rdsctl schedules -o yaml`,
	RunE: runSchedules,
}

func init() {
	rootCmd.AddCommand(schedulesCmd)

	schedulesCmd.Flags().StringVarP(&schedulesFile, "file", "f", "", "Schedules YAML file")
}

func runSchedules(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	path := schedulesFile
	if path == "" {
		path = cfg.SchedulesFile
	}

	defs := []schedule.Definition{schedule.Default(cfg.TagKey, cfg.TagValues)}
	if path != "" {
		if defs, err = schedule.Load(path); err != nil {
			return err
		}
	}

	var triggers []schedule.Trigger
	for _, d := range defs {
		triggers = append(triggers, d.Triggers()...)
	}

	if ok, err := render(cmd.OutOrStdout(), triggers); err != nil || ok {
		return err
	}

	table := newTable(cmd.OutOrStdout())
	table.Header("NAME", "MODE", "SELECTOR", "EXPRESSION", "TIMEZONE", "STATE")
	for _, t := range triggers {
		if err := table.Append([]string{t.Name, string(t.Mode), t.Selector(), t.Expression, t.Timezone, t.State}); err != nil {
			return errors.Wrap(err, "append trigger row")
		}
	}
	return table.Render()
}
