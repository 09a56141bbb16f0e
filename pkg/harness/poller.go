package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flanksource/commons/logger"

	"github.com/flanksource/postgres-backups/pkg/docker"
)

// ReadinessProbe is executed in the container until it exits 0.
var ReadinessProbe = []string{"pg_isready"}

type notReadyError struct {
	result docker.CommandResult
}

func (e *notReadyError) Error() string {
	return fmt.Sprintf("probe exited %d: %s", e.result.ExitCode, strings.TrimSpace(e.result.String()))
}

// Poller waits for the database in a container to accept connections.
type Poller struct {
	runtime  docker.Runtime
	Retries  int
	Interval time.Duration
	Probe    []string
}

// NewPoller probes with pg_isready.
func NewPoller(runtime docker.Runtime, retries int, interval time.Duration) *Poller {
	return &Poller{runtime: runtime, Retries: retries, Interval: interval, Probe: ReadinessProbe}
}

// AwaitReady runs the probe up to Retries times, Interval apart. It returns
// true as soon as the probe succeeds. Running out of attempts only logs a
// warning and returns false with a nil error: callers carry on and let the
// first command against the database fail if it really is not up.
// Errors are reserved for the control API failing and for ctx ending.
func (p *Poller) AwaitReady(ctx context.Context, handle *docker.ContainerHandle) (bool, error) {
	retries := max(p.Retries, 1)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(retries-1)),
		ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		res, err := p.runtime.Exec(ctx, handle.ID, p.Probe...)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !res.Succeeded() {
			return &notReadyError{result: res}
		}
		return nil
	}, policy, func(err error, wait time.Duration) {
		logger.Debugf("%s not ready (attempt %d/%d): %v, retrying in %s", handle, attempt, retries, err, wait)
	})

	var notReady *notReadyError
	switch {
	case err == nil:
		logger.Debugf("%s ready after %d attempt(s)", handle, attempt)
		return true, nil
	case errors.As(err, &notReady):
		logger.Warnf("%s did not become ready after %d attempts: %v", handle, attempt, err)
		return false, nil
	default:
		return false, err
	}
}
