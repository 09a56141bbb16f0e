package docker

import (
	"fmt"
	"io"
	"strings"
)

// ContainerPort is the PostgreSQL port inside every harness container.
const ContainerPort = "5432/tcp"

// ImageRef identifies a built image. It never changes once resolved.
type ImageRef struct {
	Version string
	ID      string
	Tags    []string
}

// Repository is the first tag without its ":<tag>" suffix, which doubles as
// the container name.
func (i ImageRef) Repository() string {
	if len(i.Tags) == 0 {
		return ""
	}
	repo, _, _ := strings.Cut(i.Tags[0], ":")
	return repo
}

func (i ImageRef) ShortID() string {
	id := strings.TrimPrefix(i.ID, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type Mount struct {
	HostPath      string
	ContainerPath string
	Mode          string
}

// Bind renders the mount in docker's host:container:mode form.
func (m Mount) Bind() string {
	if m.Mode == "" {
		return m.HostPath + ":" + m.ContainerPath
	}
	return fmt.Sprintf("%s:%s:%s", m.HostPath, m.ContainerPath, m.Mode)
}

// ContainerHandle is a running container created for a single test.
type ContainerHandle struct {
	Name  string
	ID    string
	Image string
	// Ports maps a container port ("5432/tcp") to its published host port.
	Ports  map[string]int
	Env    map[string]string
	Mounts []Mount
}

// HostPort returns the host port published for the container port, or 0.
func (c *ContainerHandle) HostPort(containerPort string) int {
	if c == nil {
		return 0
	}
	return c.Ports[containerPort]
}

func (c *ContainerHandle) String() string {
	if c.Name != "" {
		return c.Name
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// CommandResult is the exit code and combined stdout/stderr of an exec.
type CommandResult struct {
	ExitCode int
	Output   []byte
}

func (r CommandResult) String() string {
	return string(r.Output)
}

func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}

type RunConfig struct {
	Name   string
	Detach bool
	Ports  map[string]int
	Env    map[string]string
	Mounts []Mount
	Cmd    []string
}

type BuildOptions struct {
	// ContextDir is sent to the daemon as the build context.
	ContextDir string
	// Dockerfile is relative to ContextDir.
	Dockerfile string
	Tags       []string
	// Output receives the build log; nil discards it.
	Output io.Writer
}

type ImageSummary struct {
	ID   string
	Tags []string
}

type ContainerSummary struct {
	ID    string
	Name  string
	Image string
	State string
}
