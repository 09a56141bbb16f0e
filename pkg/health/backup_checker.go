package health

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/flanksource/postgres-backups/pkg/harness"
)

// StaleArtifactsChecker reports backup artifacts a previous run did not sweep.
type StaleArtifactsChecker struct {
	base      BaseHealthChecker
	Artifacts *harness.Artifacts
	// MaxAge ignores artifacts younger than this; they may belong to a run in progress.
	MaxAge time.Duration
}

func NewStaleArtifactsChecker(artifacts *harness.Artifacts, maxAge time.Duration) *StaleArtifactsChecker {
	return &StaleArtifactsChecker{
		base: BaseHealthChecker{
			Name:        "stale-artifacts",
			Description: "no backup artifacts left over from earlier runs",
			Threshold:   maxAge.String(),
		},
		Artifacts: artifacts,
		MaxAge:    maxAge,
	}
}

func (c *StaleArtifactsChecker) GetBase() *BaseHealthChecker { return &c.base }

// Status implements the health.ICheckable interface
func (c *StaleArtifactsChecker) Status() (interface{}, error) {
	return PerformHealthCheck(c, func() (interface{}, bool, error) {
		paths, err := c.Artifacts.List()
		if err != nil {
			return nil, false, err
		}

		var stale []string
		var oldest time.Time
		for _, path := range paths {
			info, err := c.Artifacts.Fs().Stat(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, false, err
			}
			if time.Since(info.ModTime()) < c.MaxAge {
				continue
			}
			stale = append(stale, filepath.Base(path))
			if oldest.IsZero() || info.ModTime().Before(oldest) {
				oldest = info.ModTime()
			}
		}

		if len(stale) == 0 {
			return "none", true, nil
		}
		return fmt.Sprintf("%d in %s, oldest from %s", len(stale), c.Artifacts.Dir(), oldest.Format(time.RFC3339)), false, nil
	})
}

// ArtifactsDirChecker verifies the bind-mount source can be created and written.
type ArtifactsDirChecker struct {
	base      BaseHealthChecker
	Artifacts *harness.Artifacts
}

func NewArtifactsDirChecker(artifacts *harness.Artifacts) *ArtifactsDirChecker {
	return &ArtifactsDirChecker{
		base:      BaseHealthChecker{Name: "artifacts-dir", Description: "backup mount source is writable"},
		Artifacts: artifacts,
	}
}

func (c *ArtifactsDirChecker) GetBase() *BaseHealthChecker { return &c.base }

func (c *ArtifactsDirChecker) Status() (interface{}, error) {
	return PerformHealthCheck(c, func() (interface{}, bool, error) {
		if err := c.Artifacts.Ensure(); err != nil {
			return nil, false, err
		}
		f, err := afero.TempFile(c.Artifacts.Fs(), c.Artifacts.Dir(), ".doctor-")
		if err != nil {
			return nil, false, fmt.Errorf("%s is not writable: %w", c.Artifacts.Dir(), err)
		}
		name := f.Name()
		f.Close()
		if err := c.Artifacts.Fs().Remove(name); err != nil {
			return nil, false, err
		}
		return c.Artifacts.Dir(), true, nil
	})
}
