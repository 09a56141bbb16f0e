package main

import (
	"fmt"
	"time"

	"github.com/flanksource/clicky"
	"github.com/spf13/cobra"

	"github.com/flanksource/postgres-backups/pkg/health"
)

func createDoctorCommand() *cobra.Command {
	var (
		timeout    time.Duration
		staleAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check docker, build context and artifacts directory before a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			h, err := newHarness(ctx)
			if err != nil {
				return err
			}
			defer h.Runtime.Close()

			checker, err := health.NewHealthChecker(&health.Config{Harness: h, Timeout: timeout, StaleAfter: staleAfter})
			if err != nil {
				return err
			}
			report, err := checker.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Println(clicky.MustFormat(report.Checks))
			if !report.Healthy {
				return fmt.Errorf("%d check(s) failed", len(report.Failed()))
			}
			if failed := report.Failed(); len(failed) > 0 {
				clicky.Infof("%d warning(s), run `pgbackup-test cleanup` to clear leftovers", len(failed))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", health.DefaultTimeout, "Timeout for each docker API call")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", health.DefaultStaleAfter, "Age after which a backup artifact counts as left over")
	return cmd
}
