package harness

import (
	"context"
	"fmt"
	"strconv"

	"github.com/flanksource/commons/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/flanksource/postgres-backups/pkg/config"
	"github.com/flanksource/postgres-backups/pkg/docker"
)

// RunOverrides replace default run settings key by key. A non-nil field
// replaces the whole default field: an Env map is not merged with the
// default environment.
type RunOverrides struct {
	Name   string
	Detach *bool
	Ports  map[string]int
	Env    map[string]string
	Mounts []docker.Mount
}

// Lifecycle starts containers from harness images and tears them down.
type Lifecycle struct {
	runtime docker.Runtime
	// HostPort is published for 5432/tcp; 0 lets the daemon choose.
	HostPort int
	Env      map[string]string
	Mounts   []docker.Mount
}

// NewLifecycle publishes conf.Port, or lets the daemon pick when isolated.
func NewLifecycle(runtime docker.Runtime, conf *config.Config, isolated bool) *Lifecycle {
	port := conf.Port
	if isolated {
		port = 0
	}
	return &Lifecycle{
		runtime:  runtime,
		HostPort: port,
		Env:      DefaultEnv(conf),
		Mounts: []docker.Mount{{
			HostPath:      conf.ArtifactsPath(),
			ContainerPath: conf.Artifacts.Mount,
			Mode:          "rw",
		}},
	}
}

// DefaultEnv is the POSTGRES_* environment every container starts with.
func DefaultEnv(conf *config.Config) map[string]string {
	return map[string]string{
		"POSTGRES_USER":     conf.Credentials.User,
		"POSTGRES_PASSWORD": conf.Credentials.Password.Value(),
		"POSTGRES_DB":       conf.Credentials.Database,
		"POSTGRES_HOST":     conf.Credentials.Host,
		"POSTGRES_PORT":     strconv.Itoa(conf.Credentials.Port),
	}
}

// DefaultRunConfig is the configuration Start uses when nothing is overridden.
func (l *Lifecycle) DefaultRunConfig(image *docker.ImageRef) docker.RunConfig {
	return docker.RunConfig{
		Name:   image.Repository(),
		Detach: true,
		Ports:  map[string]int{docker.ContainerPort: l.HostPort},
		Env:    lo.Assign(l.Env),
		Mounts: append([]docker.Mount(nil), l.Mounts...),
	}
}

// Merge applies overrides on top of cfg, one top-level key at a time.
func (o RunOverrides) Merge(cfg docker.RunConfig) docker.RunConfig {
	if o.Name != "" {
		cfg.Name = o.Name
	}
	if o.Detach != nil {
		cfg.Detach = *o.Detach
	}
	if o.Ports != nil {
		cfg.Ports = o.Ports
	}
	if o.Env != nil {
		cfg.Env = o.Env
	}
	if o.Mounts != nil {
		cfg.Mounts = o.Mounts
	}
	return cfg
}

// Start runs a container from image and returns without waiting for the
// database inside it to accept connections.
func (l *Lifecycle) Start(ctx context.Context, image *docker.ImageRef, overrides RunOverrides) (*docker.ContainerHandle, error) {
	cfg := overrides.Merge(l.DefaultRunConfig(image))
	if cfg.Name == "" {
		return nil, fmt.Errorf("image %s has no tag to name the container after", image.ShortID())
	}

	ref := image.ID
	if len(image.Tags) > 0 {
		ref = image.Tags[0]
	}

	handle, err := l.runtime.Run(ctx, ref, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Name, err)
	}
	logger.Infof("Started %s on host port %d", handle.Name, handle.HostPort(docker.ContainerPort))
	return handle, nil
}

// StopAndRemove tears the container down. A container that is already gone
// is not an error.
func (l *Lifecycle) StopAndRemove(ctx context.Context, handle *docker.ContainerHandle) error {
	if handle == nil {
		return nil
	}
	var result *multierror.Error
	if err := l.runtime.Stop(ctx, handle.ID); err != nil && !docker.IsNotFound(err) {
		result = multierror.Append(result, err)
	}
	if err := l.runtime.Remove(ctx, handle.ID); err != nil && !docker.IsNotFound(err) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
