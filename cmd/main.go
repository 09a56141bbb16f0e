package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flanksource/clicky"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/flanksource/postgres-backups/pkg/config"
	"github.com/flanksource/postgres-backups/pkg/docker"
	"github.com/flanksource/postgres-backups/pkg/harness"
	"github.com/flanksource/postgres-backups/pkg/utils"
)

var (
	conf       *config.Config
	configFile string
	root       string
	versions   []string
	isolate    bool
	quietBuild bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pgbackup-test",
		Short: "Integration tests for the PostgreSQL backup images",
		Long: `Builds the PostgreSQL backup image for each supported version, runs containers
from it and checks the backup, backups, restore and createreaduser commands.

Everything the tool creates is named after a marker (test_postgres by default)
so that cleanup can find it again, even after an interrupted run.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			clicky.Flags.UseFlags()

			loaded, err := config.Load(configFile)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("root") {
				loaded.Root = root
			}
			if flags.Changed("versions") {
				loaded.Versions = lo.FlatMap(versions, func(v string, _ int) []string { return utils.SplitList(v) })
			}
			if flags.Changed("isolate") {
				loaded.Isolate = isolate
			}
			if flags.Changed("quiet-build") {
				loaded.Build.Quiet = quietBuild
			}
			if err := loaded.Validate(); err != nil {
				return err
			}
			conf = loaded
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&root, "root", ".", "Repository root holding postgres/<version>/Dockerfile")
	rootCmd.PersistentFlags().StringSliceVar(&versions, "versions", nil, "PostgreSQL versions to test (default from config)")
	rootCmd.PersistentFlags().BoolVar(&isolate, "isolate", false, "Suffix resource names with a per-run id so parallel runs do not collide")
	rootCmd.PersistentFlags().BoolVar(&quietBuild, "quiet-build", false, "Do not stream docker build output")

	clicky.BindAllFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		createRunCommand(),
		createImagesCommand(),
		createCleanupCommand(),
		createDoctorCommand(),
		createConfigCommand(),
		createVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newHarness connects to the docker daemon from the environment.
func newHarness(ctx context.Context, opts ...harness.Option) (*harness.Harness, error) {
	client, err := docker.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	return harness.New(conf, client, opts...), nil
}
