// Package health runs preflight checks against the docker daemon and the
// workspace before any image is built.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/invisionapp/go-health"
	"github.com/samber/lo"

	"github.com/flanksource/postgres-backups/pkg/harness"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultStaleAfter = time.Hour
	// checks run once when started; the interval only has to outlast a run
	checkInterval = time.Hour
	pollInterval  = 50 * time.Millisecond
)

// Config contains configuration for the preflight checks
type Config struct {
	Harness *harness.Harness
	// Timeout bounds each docker API call
	Timeout time.Duration
	// StaleAfter is how old a backup artifact must be to count as left over
	StaleAfter time.Duration
}

// HealthChecker runs every preflight check once and collects the outcome
type HealthChecker struct {
	h      *health.Health
	config *Config
	names  []string
	fatal  map[string]bool
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  string      `json:"status"`
	Fatal   bool        `json:"fatal"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// Report lists every check. Healthy is false when a fatal check failed.
type Report struct {
	Healthy bool          `json:"healthy"`
	Checks  []CheckResult `json:"checks"`
}

// NewHealthChecker registers the docker, build-context and artifacts checks
// as fatal, leftovers and stale artifacts as warnings.
func NewHealthChecker(config *Config) (*HealthChecker, error) {
	if config == nil || config.Harness == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	config.Timeout = lo.CoalesceOrEmpty(config.Timeout, DefaultTimeout)
	config.StaleAfter = lo.CoalesceOrEmpty(config.StaleAfter, DefaultStaleAfter)

	h := health.New()
	h.DisableLogging()

	checker := &HealthChecker{h: h, config: config}
	if err := checker.setupChecks(); err != nil {
		return nil, fmt.Errorf("failed to setup health checks: %w", err)
	}
	return checker, nil
}

type checkable interface {
	health.ICheckable
	CheckerWithBase
}

func (hc *HealthChecker) setupChecks() error {
	hr := hc.config.Harness
	conf := hr.Config

	checks := []struct {
		checker checkable
		fatal   bool
	}{
		{NewDockerChecker(hr.Runtime, hc.config.Timeout), true},
		{NewBuildContextChecker(hr.Artifacts.Fs(), conf.Root, conf.Versions, conf.Dockerfile), true},
		{NewArtifactsDirChecker(hr.Artifacts), true},
		{NewLeftoversChecker(hr.Runtime, hr.Registry, hc.config.Timeout), false},
		{NewStaleArtifactsChecker(hr.Artifacts, hc.config.StaleAfter), false},
	}

	hc.fatal = map[string]bool{}
	for _, c := range checks {
		name := c.checker.GetBase().Name
		if err := hc.h.AddCheck(&health.Config{
			Name:     name,
			Checker:  c.checker,
			Interval: checkInterval,
			Fatal:    c.fatal,
		}); err != nil {
			return err
		}
		hc.names = append(hc.names, name)
		hc.fatal[name] = c.fatal
	}
	return nil
}

// Run starts the checks, waits until each has reported once and stops them.
func (hc *HealthChecker) Run(ctx context.Context) (*Report, error) {
	if err := hc.h.Start(); err != nil {
		return nil, err
	}
	defer hc.h.Stop() // nolint:errcheck

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		states, _, err := hc.h.State()
		if err != nil {
			return nil, err
		}
		if lo.EveryBy(hc.names, func(name string) bool {
			state, ok := states[name]
			return ok && !state.CheckTime.IsZero()
		}) {
			return hc.report(states), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (hc *HealthChecker) report(states map[string]health.State) *Report {
	report := &Report{Healthy: true}
	for _, name := range hc.names {
		state := states[name]
		result := CheckResult{
			Name:    name,
			Status:  state.Status,
			Fatal:   hc.fatal[name],
			Error:   state.Err,
			Details: state.Details,
		}
		if result.Fatal && result.Status != "ok" {
			report.Healthy = false
		}
		report.Checks = append(report.Checks, result)
	}
	return report
}

// Failed returns the checks that did not pass, fatal or not.
func (r *Report) Failed() []CheckResult {
	return lo.Filter(r.Checks, func(c CheckResult, _ int) bool { return c.Status != "ok" })
}
