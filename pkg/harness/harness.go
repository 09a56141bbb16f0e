// Package harness builds PostgreSQL backup images, runs containers from them
// and drives the backup, backups, restore and createreaduser commands inside,
// asserting on exit codes and output.
package harness

import (
	"context"
	"io"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/flanksource/postgres-backups/pkg/config"
	"github.com/flanksource/postgres-backups/pkg/docker"
	"github.com/flanksource/postgres-backups/pkg/utils"
)

// DefaultRow is inserted before a backup and expected back after restore.
const DefaultRow = "dekalabs"

type Harness struct {
	Config    *config.Config
	Runtime   docker.Runtime
	Registry  *Registry
	Images    *ImageResolver
	Lifecycle *Lifecycle
	Poller    *Poller
	Runner    *Runner
	Artifacts *Artifacts
	Cleanup   *Cleanup
	HostDB    *HostDB
}

type Option func(*options)

type options struct {
	fs       afero.Fs
	output   io.Writer
	registry *Registry
}

// WithFs replaces the OS filesystem used for the artifacts directory.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithBuildOutput streams image build logs to w.
func WithBuildOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithRegistry pins the resource names, e.g. to reuse a RunID.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

func New(conf *config.Config, runtime docker.Runtime, opts ...Option) *Harness {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = NewRegistry(conf.Marker, conf.Isolate)
	}
	if o.output == nil && !conf.Build.Quiet {
		o.output = logWriter{}
	}

	h := &Harness{
		Config:    conf,
		Runtime:   runtime,
		Registry:  o.registry,
		Images:    NewImageResolver(runtime, o.registry, conf.Root, conf.Dockerfile),
		Lifecycle: NewLifecycle(runtime, conf, o.registry.RunID != ""),
		Poller:    NewPoller(runtime, conf.Readiness.Retries, conf.Readiness.Interval),
		Runner:    NewRunner(runtime),
		Artifacts: NewArtifacts(o.fs, conf.ArtifactsPath()),
	}
	h.Images.Output = o.output
	h.Cleanup = NewCleanup(runtime, h.Registry, h.Artifacts)

	if conf.Verify.Host {
		// PGPASSWORD / PGPASSWORD_FILE only apply to the host-side connection
		h.HostDB = &HostDB{
			Host:     "127.0.0.1",
			User:     conf.Credentials.User,
			Password: utils.SensitiveStringFromEnv("PGPASSWORD", conf.Credentials.Password),
			Database: conf.Credentials.Database,
		}
	}
	return h
}

// ScenarioConfig derives scenario parameters from the configuration.
func (h *Harness) ScenarioConfig() ScenarioConfig {
	return ScenarioConfig{
		Owner:            Psql{User: h.Config.Credentials.User, Database: h.Config.Credentials.Database},
		ReadOnly:         Psql{User: h.Config.ReadOnly.User, Database: h.Config.Credentials.Database},
		ReadOnlyPassword: h.Config.ReadOnly.Password.Value(),
		Env:              h.Lifecycle.Env,
		Row:              DefaultRow,
	}
}

// Scenarios returns every scenario, with host verification attached to
// restore when enabled.
func (h *Harness) Scenarios() []Scenario {
	all := Scenarios(h.ScenarioConfig())
	if h.HostDB != nil {
		for i := range all {
			if all[i].Name == ScenarioRestore {
				all[i].Verify = h.HostDB.VerifyRestored(DefaultRow)
			}
		}
	}
	return all
}

// Prepare resolves the image for version and starts a container ready for
// scenario steps. The container is left running; Cleanup.AfterTest removes it.
func (h *Harness) Prepare(ctx context.Context, version string, overrides RunOverrides) (*docker.ContainerHandle, bool, error) {
	image, err := h.Images.Resolve(ctx, version)
	if err != nil {
		return nil, false, err
	}
	if err := h.Artifacts.Ensure(); err != nil {
		return nil, false, err
	}
	ctr, err := h.Lifecycle.Start(ctx, image, overrides)
	if err != nil {
		return nil, false, err
	}
	ready, err := h.Poller.AwaitReady(ctx, ctr)
	return ctr, ready, err
}

// RunScenario runs one scenario against version. The error is also recorded
// in the report; on failure the report carries the container logs.
func (h *Harness) RunScenario(ctx context.Context, version string, sc Scenario) (*Report, error) {
	start := time.Now()
	report := &Report{Scenario: sc.Name, Version: version}
	fail := func(err error) (*Report, error) {
		report.Error = err.Error()
		report.Duration = time.Since(start)
		return report, err
	}

	ctr, ready, err := h.Prepare(ctx, version, sc.Overrides)
	if ctr != nil {
		report.Container = ctr.Name
		report.Image = ctr.Image
	}
	report.Ready = ready
	if err != nil {
		return fail(err)
	}

	steps, err := h.Runner.Run(ctx, ctr, sc)
	report.Steps = steps.Steps
	report.Vars = steps.Vars
	if err != nil {
		if logs, logErr := h.Runtime.Logs(ctx, ctr.ID); logErr == nil {
			report.Logs = logs
		}
		return fail(err)
	}

	report.Duration = time.Since(start)
	return report, nil
}

// RunMatrix runs every scenario against every version, sweeping after each
// one. Cleanup failures are logged and never fail a scenario.
func (h *Harness) RunMatrix(ctx context.Context, versions []string, scenarios []Scenario) ([]*Report, error) {
	var reports []*Report
	var failed *multierror.Error
	for _, version := range versions {
		for _, sc := range scenarios {
			if ctx.Err() != nil {
				return reports, multierror.Append(failed, ctx.Err())
			}
			logger.Infof("Running %s against PostgreSQL %s", sc.Name, version)
			report, err := h.RunScenario(ctx, version, sc)
			reports = append(reports, report)
			if err != nil {
				logger.Errorf("%s (PostgreSQL %s) failed: %v", sc.Name, version, err)
				failed = multierror.Append(failed, err)
			}
			if _, err := h.Cleanup.AfterTest(ctx); err != nil {
				logger.Warnf("cleanup after %s (PostgreSQL %s): %v", sc.Name, version, err)
			}
		}
	}
	return reports, failed.ErrorOrNil()
}

// logWriter forwards build output to the debug log.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logger.Debugf("%s", p)
	return len(p), nil
}
