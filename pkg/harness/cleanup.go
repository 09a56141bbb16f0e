package harness

import (
	"context"
	"fmt"

	"github.com/flanksource/commons/logger"
	"github.com/hashicorp/go-multierror"

	"github.com/flanksource/postgres-backups/pkg/docker"
)

// Cleanup removes everything the harness leaves behind, found by marker
// rather than by tracking handles, so it also recovers from interrupted runs.
// Missing targets are ignored and one failure never stops the rest of a sweep.
type Cleanup struct {
	runtime   docker.Runtime
	registry  *Registry
	artifacts *Artifacts
}

func NewCleanup(runtime docker.Runtime, registry *Registry, artifacts *Artifacts) *Cleanup {
	return &Cleanup{runtime: runtime, registry: registry, artifacts: artifacts}
}

// CleanupResult lists what a sweep removed.
type CleanupResult struct {
	Artifacts  []string `json:"artifacts,omitempty"`
	Containers []string `json:"containers,omitempty"`
	Images     []string `json:"images,omitempty"`
}

// AfterTest deletes backup artifacts and every harness container, running or not.
func (c *Cleanup) AfterTest(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	var errs *multierror.Error

	removed, err := c.artifacts.Sweep()
	result.Artifacts = removed
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	containers, err := c.Containers(ctx)
	result.Containers = containers
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	return result, errs.ErrorOrNil()
}

// Containers stops and removes every container whose name carries the prefix.
func (c *Cleanup) Containers(ctx context.Context) ([]string, error) {
	containers, err := c.runtime.ListContainers(ctx, true)
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs *multierror.Error
	for _, ctr := range containers {
		if !c.registry.OwnsContainer(ctr.Name) {
			continue
		}
		if ctr.State == "running" {
			if err := c.runtime.Stop(ctx, ctr.ID); err != nil && !docker.IsNotFound(err) {
				errs = multierror.Append(errs, err)
			}
		}
		if err := c.runtime.Remove(ctx, ctr.ID); err != nil {
			if !docker.IsNotFound(err) {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		logger.Debugf("Removed container %s", ctr.Name)
		removed = append(removed, ctr.Name)
	}
	return removed, errs.ErrorOrNil()
}

// AfterSuite force-removes every image tagged with the prefix.
func (c *Cleanup) AfterSuite(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	images, err := c.runtime.ListImages(ctx)
	if err != nil {
		return result, err
	}

	var errs *multierror.Error
	for _, img := range images {
		if !c.registry.OwnsImage(img.Tags) {
			continue
		}
		if err := c.runtime.RemoveImage(ctx, img.ID, true); err != nil {
			if !docker.IsNotFound(err) {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		logger.Debugf("Removed image %v", img.Tags)
		result.Images = append(result.Images, img.Tags...)
	}
	return result, errs.ErrorOrNil()
}

// All runs both sweeps.
func (c *Cleanup) All(ctx context.Context) (CleanupResult, error) {
	var errs *multierror.Error
	result, err := c.AfterTest(ctx)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	images, err := c.AfterSuite(ctx)
	result.Images = images.Images
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	return result, errs.ErrorOrNil()
}

func (r CleanupResult) String() string {
	return fmt.Sprintf("%d artifact(s), %d container(s), %d image tag(s)", len(r.Artifacts), len(r.Containers), len(r.Images))
}
