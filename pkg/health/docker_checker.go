package health

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/flanksource/postgres-backups/pkg/docker"
	"github.com/flanksource/postgres-backups/pkg/harness"
)

// DockerChecker pings the daemon.
type DockerChecker struct {
	base    BaseHealthChecker
	Runtime docker.Runtime
	Timeout time.Duration
}

func NewDockerChecker(runtime docker.Runtime, timeout time.Duration) *DockerChecker {
	return &DockerChecker{
		base:    BaseHealthChecker{Name: "docker", Description: "docker daemon is reachable", Threshold: timeout.String()},
		Runtime: runtime,
		Timeout: timeout,
	}
}

func (c *DockerChecker) GetBase() *BaseHealthChecker { return &c.base }

func (c *DockerChecker) Status() (interface{}, error) {
	return PerformHealthCheck(c, func() (interface{}, bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()
		start := time.Now()
		if err := c.Runtime.Ping(ctx); err != nil {
			return nil, false, fmt.Errorf("docker daemon unreachable: %w", err)
		}
		return time.Since(start).Round(time.Millisecond).String(), true, nil
	})
}

// BuildContextChecker verifies a Dockerfile exists for every version.
type BuildContextChecker struct {
	base       BaseHealthChecker
	Fs         afero.Fs
	ContextDir string
	Versions   []string
	Dockerfile func(version string) string
}

func NewBuildContextChecker(fs afero.Fs, contextDir string, versions []string, dockerfile func(string) string) *BuildContextChecker {
	return &BuildContextChecker{
		base:       BaseHealthChecker{Name: "build-context", Description: "a Dockerfile exists for every version"},
		Fs:         fs,
		ContextDir: contextDir,
		Versions:   versions,
		Dockerfile: dockerfile,
	}
}

func (c *BuildContextChecker) GetBase() *BaseHealthChecker { return &c.base }

func (c *BuildContextChecker) Status() (interface{}, error) {
	return PerformHealthCheck(c, func() (interface{}, bool, error) {
		var missing []string
		for _, version := range c.Versions {
			path := filepath.Join(c.ContextDir, c.Dockerfile(version))
			if ok, err := afero.Exists(c.Fs, path); err != nil {
				return nil, false, err
			} else if !ok {
				missing = append(missing, path)
			}
		}
		if len(missing) > 0 {
			return nil, false, fmt.Errorf("missing Dockerfile(s): %s", strings.Join(missing, ", "))
		}
		return fmt.Sprintf("%d version(s)", len(c.Versions)), true, nil
	})
}

// LeftoversChecker reports harness containers and images from earlier runs.
type LeftoversChecker struct {
	base     BaseHealthChecker
	Runtime  docker.Runtime
	Registry *harness.Registry
	Timeout  time.Duration
}

func NewLeftoversChecker(runtime docker.Runtime, registry *harness.Registry, timeout time.Duration) *LeftoversChecker {
	return &LeftoversChecker{
		base:     BaseHealthChecker{Name: "leftovers", Description: "no containers or images named after " + registry.Prefix()},
		Runtime:  runtime,
		Registry: registry,
		Timeout:  timeout,
	}
}

func (c *LeftoversChecker) GetBase() *BaseHealthChecker { return &c.base }

func (c *LeftoversChecker) Status() (interface{}, error) {
	return PerformHealthCheck(c, func() (interface{}, bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()

		containers, err := c.Runtime.ListContainers(ctx, true)
		if err != nil {
			return nil, false, err
		}
		images, err := c.Runtime.ListImages(ctx)
		if err != nil {
			return nil, false, err
		}

		var found []string
		if names := lo.FilterMap(containers, func(ctr docker.ContainerSummary, _ int) (string, bool) {
			return ctr.Name, c.Registry.OwnsContainer(ctr.Name)
		}); len(names) > 0 {
			found = append(found, "containers: "+strings.Join(names, ", "))
		}
		if tags := lo.FlatMap(images, func(img docker.ImageSummary, _ int) []string {
			if !c.Registry.OwnsImage(img.Tags) {
				return nil
			}
			return lo.Filter(img.Tags, func(tag string, _ int) bool { return c.Registry.OwnsImage([]string{tag}) })
		}); len(tags) > 0 {
			found = append(found, "images: "+strings.Join(tags, ", "))
		}
		if len(found) > 0 {
			return strings.Join(found, "; "), false, nil
		}
		return "none", true, nil
	})
}
