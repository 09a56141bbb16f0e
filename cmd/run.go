package main

import (
	"context"
	"fmt"
	"time"

	"github.com/flanksource/clicky"
	"github.com/flanksource/commons/logger"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/flanksource/postgres-backups/pkg/harness"
)

func createRunCommand() *cobra.Command {
	var (
		scenarios []string
		keep      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scenario matrix",
		Long: `Run every scenario against every configured PostgreSQL version.

Scenarios:
  backup          backup prints exactly one backup file name
  backups         backups lists the file backup just wrote
  restore         a row survives backup, drop table and restore
  createreaduser  the read-only role can SELECT but not CREATE or INSERT

Examples:
  pgbackup-test run                                  All scenarios, all versions
  pgbackup-test run --versions 14 --scenario restore One scenario, one version
  pgbackup-test run --keep                           Keep the images for the next run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			h, err := newHarness(ctx)
			if err != nil {
				return err
			}
			defer h.Runtime.Close()

			selected, err := harness.SelectScenarios(h.Scenarios(), scenarios...)
			if err != nil {
				return err
			}

			clicky.Infof("Running %s", clicky.Map(map[string]any{
				"versions":  conf.Versions,
				"scenarios": lo.Map(selected, func(s harness.Scenario, _ int) string { return s.Name }),
				"marker":    h.Registry.Prefix(),
				"artifacts": h.Artifacts.Dir(),
			}))

			reports, runErr := h.RunMatrix(ctx, conf.Versions, selected)

			// sweep even when interrupted
			sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer sweepCancel()
			if _, err := h.Cleanup.AfterTest(sweepCtx); err != nil {
				logger.Warnf("cleanup failed: %v", err)
			}
			if !keep {
				if result, err := h.Cleanup.AfterSuite(sweepCtx); err != nil {
					logger.Warnf("image cleanup failed: %v", err)
				} else {
					logger.Infof("Removed %s", result)
				}
				h.Images.Forget()
			}

			fmt.Println(clicky.MustFormat(summarize(reports)))

			if runErr != nil {
				failed := lo.CountBy(reports, func(r *harness.Report) bool { return !r.Passed() })
				return fmt.Errorf("%d of %d scenario run(s) failed: %w", failed, len(reports), runErr)
			}
			clicky.Infof("All %d scenario run(s) passed", len(reports))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&scenarios, "scenario", "s", nil, "Scenarios to run (default all)")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the built images after the run")
	return cmd
}

// ReportRow is one line of the run summary.
type ReportRow struct {
	Version  string `json:"version"`
	Scenario string `json:"scenario"`
	Result   string `json:"result"`
	Ready    bool   `json:"ready"`
	Steps    int    `json:"steps"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
	Logs     string `json:"logs,omitempty"`
}

func summarize(reports []*harness.Report) []ReportRow {
	return lo.Map(reports, func(r *harness.Report, _ int) ReportRow {
		return ReportRow{
			Version:  r.Version,
			Scenario: r.Scenario,
			Result:   lo.Ternary(r.Passed(), "pass", "FAIL"),
			Ready:    r.Ready,
			Steps:    len(r.Steps),
			Duration: r.Duration.Round(time.Millisecond).String(),
			Error:    r.Error,
			Logs:     r.Logs,
		}
	})
}
