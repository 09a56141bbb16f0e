// Package fake provides an in-memory docker.Runtime for unit tests.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/flanksource/postgres-backups/pkg/docker"
)

// ExecHandler answers an exec inside ctr.
type ExecHandler func(ctr *docker.ContainerHandle, cmd []string) (docker.CommandResult, error)

type Container struct {
	docker.ContainerHandle
	State string
	Logs  string
}

type ExecCall struct {
	Container string
	Cmd       []string
}

type Runtime struct {
	PingError  error
	BuildError error
	// BuildLog is written to BuildOptions.Output on every build.
	BuildLog string

	Builds  []docker.BuildOptions
	Execs   []ExecCall
	Removed []string

	mu         sync.Mutex
	calls      map[string]int
	images     map[string]*docker.ImageSummary
	containers map[string]*Container
	handlers   map[string]ExecHandler
	fallback   ExecHandler
	nextID     int
}

var _ docker.Runtime = (*Runtime)(nil)

func New() *Runtime {
	return &Runtime{
		calls:      map[string]int{},
		images:     map[string]*docker.ImageSummary{},
		containers: map[string]*Container{},
		handlers:   map[string]ExecHandler{},
	}
}

// WhenExecuting registers a handler for execs whose first argument is program.
func (r *Runtime) WhenExecuting(program string, handler ExecHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[program] = handler
}

// OnExec handles every exec without a program-specific handler.
func (r *Runtime) OnExec(handler ExecHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

// Calls returns how many times method was invoked.
func (r *Runtime) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// AddImage seeds an image as if it had been built earlier.
func (r *Runtime) AddImage(tags ...string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addImage(tags)
}

// AddContainer seeds a container left over from an earlier run.
func (r *Runtime) AddContainer(name, image, state string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.newID("ctr")
	r.containers[id] = &Container{
		ContainerHandle: docker.ContainerHandle{Name: name, ID: id, Image: image},
		State:           state,
	}
	return id
}

func (r *Runtime) Images() []docker.ImageSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.imageList()
}

func (r *Runtime) Containers() []Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(lo.Values(r.containers), func(c *Container, _ int) Container { return *c })
}

// SetLogs sets what Logs returns for the named container.
func (r *Runtime) SetLogs(name, logs string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.byName(name); c != nil {
		c.Logs = logs
	}
}

func (r *Runtime) Ping(ctx context.Context) error {
	r.record("Ping")
	return r.PingError
}

func (r *Runtime) Build(ctx context.Context, opts docker.BuildOptions) (string, error) {
	r.record("Build")
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Builds = append(r.Builds, opts)
	if opts.Output != nil && r.BuildLog != "" {
		fmt.Fprint(opts.Output, r.BuildLog)
	}
	if r.BuildError != nil {
		return "", r.BuildError
	}
	return r.addImage(opts.Tags), nil
}

func (r *Runtime) ListImages(ctx context.Context) ([]docker.ImageSummary, error) {
	r.record("ListImages")
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.imageList(), nil
}

func (r *Runtime) InspectImage(ctx context.Context, ref string) (docker.ImageSummary, error) {
	r.record("InspectImage")
	r.mu.Lock()
	defer r.mu.Unlock()
	if img, ok := r.images[ref]; ok {
		return *img, nil
	}
	for _, img := range r.images {
		if lo.Contains(img.Tags, ref) || lo.Contains(img.Tags, ref+":latest") {
			return *img, nil
		}
	}
	return docker.ImageSummary{}, fmt.Errorf("image %s: %w", ref, docker.ErrNotFound)
}

func (r *Runtime) RemoveImage(ctx context.Context, id string, force bool) error {
	r.record("RemoveImage")
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok {
		return fmt.Errorf("image %s: %w", id, docker.ErrNotFound)
	}
	if !force {
		for _, c := range r.containers {
			if c.Image == id || lo.Contains(img.Tags, c.Image) {
				return fmt.Errorf("conflict: image %s is used by container %s", id, c.Name)
			}
		}
	}
	delete(r.images, id)
	return nil
}

func (r *Runtime) ListContainers(ctx context.Context, all bool) ([]docker.ContainerSummary, error) {
	r.record("ListContainers")
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []docker.ContainerSummary
	for _, c := range r.containers {
		if !all && c.State != "running" {
			continue
		}
		out = append(out, docker.ContainerSummary{ID: c.ID, Name: c.Name, Image: c.Image, State: c.State})
	}
	return out, nil
}

func (r *Runtime) Run(ctx context.Context, image string, cfg docker.RunConfig) (*docker.ContainerHandle, error) {
	r.record("Run")
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.Name != "" && r.byName(cfg.Name) != nil {
		return nil, fmt.Errorf("conflict: the container name %q is already in use", cfg.Name)
	}
	if _, ok := r.images[image]; !ok && !r.hasTag(image) {
		return nil, fmt.Errorf("image %s: %w", image, docker.ErrNotFound)
	}

	id := r.newID("ctr")
	state := "running"
	if !cfg.Detach {
		state = "exited"
	}
	c := &Container{
		ContainerHandle: docker.ContainerHandle{
			Name:   cfg.Name,
			ID:     id,
			Image:  image,
			Ports:  lo.Assign(cfg.Ports),
			Env:    lo.Assign(cfg.Env),
			Mounts: append([]docker.Mount(nil), cfg.Mounts...),
		},
		State: state,
	}
	r.containers[id] = c
	handle := c.ContainerHandle
	return &handle, nil
}

func (r *Runtime) Exec(ctx context.Context, id string, cmd ...string) (docker.CommandResult, error) {
	r.record("Exec")
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return docker.CommandResult{}, fmt.Errorf("container %s: %w", id, docker.ErrNotFound)
	}
	if c.State != "running" {
		r.mu.Unlock()
		return docker.CommandResult{}, fmt.Errorf("container %s is not running", c.Name)
	}
	r.Execs = append(r.Execs, ExecCall{Container: c.Name, Cmd: cmd})
	handler := r.fallback
	if len(cmd) > 0 {
		if h, ok := r.handlers[cmd[0]]; ok {
			handler = h
		}
	}
	handle := c.ContainerHandle
	r.mu.Unlock()

	if handler == nil {
		return docker.CommandResult{}, nil
	}
	return handler(&handle, cmd)
}

func (r *Runtime) Logs(ctx context.Context, id string) (string, error) {
	r.record("Logs")
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return "", fmt.Errorf("container %s: %w", id, docker.ErrNotFound)
	}
	return c.Logs, nil
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	r.record("Stop")
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, docker.ErrNotFound)
	}
	c.State = "exited"
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.record("Remove")
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, docker.ErrNotFound)
	}
	r.Removed = append(r.Removed, c.Name)
	delete(r.containers, id)
	return nil
}

func (r *Runtime) Close() error {
	return nil
}

func (r *Runtime) record(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[method]++
}

func (r *Runtime) newID(prefix string) string {
	r.nextID++
	return fmt.Sprintf("%s%09d", prefix, r.nextID)
}

func (r *Runtime) addImage(tags []string) string {
	tags = lo.Map(tags, func(t string, _ int) string {
		if !strings.Contains(t, ":") {
			return t + ":latest"
		}
		return t
	})
	// A tag moves to the newest image carrying it.
	for _, img := range r.images {
		img.Tags = lo.Without(img.Tags, tags...)
	}
	id := "sha256:" + r.newID("img")
	r.images[id] = &docker.ImageSummary{ID: id, Tags: tags}
	return id
}

func (r *Runtime) imageList() []docker.ImageSummary {
	return lo.Map(lo.Values(r.images), func(img *docker.ImageSummary, _ int) docker.ImageSummary {
		return docker.ImageSummary{ID: img.ID, Tags: append([]string(nil), img.Tags...)}
	})
}

func (r *Runtime) hasTag(ref string) bool {
	for _, img := range r.images {
		if lo.Contains(img.Tags, ref) || lo.Contains(img.Tags, ref+":latest") {
			return true
		}
	}
	return false
}

func (r *Runtime) byName(name string) *Container {
	for _, c := range r.containers {
		if c.Name == name {
			return c
		}
	}
	return nil
}
