package main

import (
	"fmt"

	"github.com/flanksource/clicky"
	"github.com/spf13/cobra"

	"github.com/flanksource/postgres-backups/pkg/harness"
)

func createCleanupCommand() *cobra.Command {
	var (
		images bool
		runID  string
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove containers and backup artifacts left by earlier runs",
		Long: `Remove every container whose name contains the marker and every backup
artifact in the artifacts directory. With --images, also force-remove every
image tagged with the marker. Resources of an isolated run are named
<marker>_<run-id>; pass --run-id to sweep only those.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			var opts []harness.Option
			if runID != "" {
				opts = append(opts, harness.WithRegistry(&harness.Registry{Marker: conf.Marker, RunID: runID}))
			}
			h, err := newHarness(ctx, opts...)
			if err != nil {
				return err
			}
			defer h.Runtime.Close()

			var result harness.CleanupResult
			if images {
				result, err = h.Cleanup.All(ctx)
			} else {
				result, err = h.Cleanup.AfterTest(ctx)
			}
			fmt.Println(clicky.MustFormat(result))
			if err != nil {
				return err
			}
			clicky.Infof("Removed %s", result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&images, "images", false, "Also remove images tagged with the marker")
	cmd.Flags().StringVar(&runID, "run-id", "", "Only sweep resources of this isolated run")
	return cmd
}
