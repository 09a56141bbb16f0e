package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/flanksource/commons/logger"
	"github.com/moby/go-archive"
	"github.com/samber/lo"
	"github.com/testcontainers/testcontainers-go"

	"github.com/flanksource/postgres-backups/pkg/utils"
)

// StopTimeout is how long Stop waits before the daemon kills the container.
var StopTimeout = 10 * time.Second

// Client implements Runtime against a Docker daemon discovered the same way
// testcontainers does (DOCKER_HOST, ~/.testcontainers.properties, docker contexts).
type Client struct {
	api *client.Client
}

var _ Runtime = (*Client)(nil)

func NewClient(ctx context.Context) (*Client, error) {
	cli, err := testcontainers.NewDockerClientWithOpts(ctx, client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: cli.Client}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.api.Close()
}

func (c *Client) Build(ctx context.Context, opts BuildOptions) (string, error) {
	buildContext, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{
		ExcludePatterns: []string{".git", "tests/*.sql.gz"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive build context %s: %w", opts.ContextDir, err)
	}
	defer buildContext.Close()

	logger.Infof("Building %s from %s", strings.Join(opts.Tags, ","), opts.Dockerfile)

	resp, err := c.api.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        opts.Tags,
		Dockerfile:  opts.Dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build %s: %w", opts.Dockerfile, err)
	}
	defer resp.Body.Close()

	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	var id string
	captureID := func(msg jsonmessage.JSONMessage) {
		var aux struct {
			ID string `json:"ID"`
		}
		if msg.Aux != nil && json.Unmarshal(*msg.Aux, &aux) == nil && aux.ID != "" {
			id = aux.ID
		}
	}
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, captureID); err != nil {
		return "", fmt.Errorf("failed to build %s: %w", opts.Dockerfile, err)
	}

	if id == "" && len(opts.Tags) > 0 {
		summary, err := c.InspectImage(ctx, opts.Tags[0])
		if err != nil {
			return "", err
		}
		id = summary.ID
	}
	return id, nil
}

func (c *Client) ListImages(ctx context.Context) ([]ImageSummary, error) {
	images, err := c.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return lo.Map(images, func(img image.Summary, _ int) ImageSummary {
		return ImageSummary{ID: img.ID, Tags: img.RepoTags}
	}), nil
}

func (c *Client) InspectImage(ctx context.Context, ref string) (ImageSummary, error) {
	img, err := c.api.ImageInspect(ctx, ref)
	if err != nil {
		return ImageSummary{}, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return ImageSummary{ID: img.ID, Tags: img.RepoTags}, nil
}

func (c *Client) RemoveImage(ctx context.Context, id string, force bool) error {
	if _, err := c.api.ImageRemove(ctx, id, image.RemoveOptions{Force: force, PruneChildren: true}); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", id, err)
	}
	return nil
}

func (c *Client) ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error) {
	containers, err := c.api.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return lo.Map(containers, func(ctr container.Summary, _ int) ContainerSummary {
		var name string
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		return ContainerSummary{ID: ctr.ID, Name: name, Image: ctr.Image, State: string(ctr.State)}
	}), nil
}

func (c *Client) Run(ctx context.Context, img string, cfg RunConfig) (*ContainerHandle, error) {
	exposed, bindings, err := portBindings(cfg.Ports)
	if err != nil {
		return nil, err
	}

	created, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:        img,
			Env:          utils.EnvMap(cfg.Env),
			ExposedPorts: exposed,
			Cmd:          cfg.Cmd,
		},
		&container.HostConfig{
			PortBindings: bindings,
			Binds: lo.Map(cfg.Mounts, func(m Mount, _ int) string {
				return m.Bind()
			}),
		},
		nil, nil, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	for _, warning := range created.Warnings {
		logger.Warnf("%s: %s", cfg.Name, warning)
	}

	if err := c.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", cfg.Name, err)
	}

	handle := &ContainerHandle{
		Name:   cfg.Name,
		ID:     created.ID,
		Image:  img,
		Ports:  lo.Assign(cfg.Ports),
		Env:    lo.Assign(cfg.Env),
		Mounts: cfg.Mounts,
	}

	// Host port 0 lets the daemon pick one; read back what it chose.
	if lo.Contains(lo.Values(cfg.Ports), 0) {
		inspect, err := c.api.ContainerInspect(ctx, created.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container %s: %w", cfg.Name, err)
		}
		if inspect.NetworkSettings != nil {
			for port, published := range inspect.NetworkSettings.Ports {
				if len(published) > 0 {
					if hostPort, err := strconv.Atoi(published[0].HostPort); err == nil {
						handle.Ports[string(port)] = hostPort
					}
				}
			}
		}
	}

	if !cfg.Detach {
		statusCh, errCh := c.api.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			return handle, fmt.Errorf("failed waiting for container %s: %w", cfg.Name, err)
		case status := <-statusCh:
			if status.StatusCode != 0 {
				return handle, fmt.Errorf("container %s exited with code %d", cfg.Name, status.StatusCode)
			}
		}
	}

	logger.Debugf("Started container %s (%s)", cfg.Name, handle.String())
	return handle, nil
}

func portBindings(ports map[string]int) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range ports {
		proto, port := nat.SplitProtoPort(containerPort)
		p, err := nat.NewPort(proto, port)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %q: %w", containerPort, err)
		}
		exposed[p] = struct{}{}
		binding := nat.PortBinding{}
		if hostPort > 0 {
			binding.HostPort = strconv.Itoa(hostPort)
		}
		bindings[p] = []nat.PortBinding{binding}
	}
	return exposed, bindings, nil
}

// Exec runs cmd in the container and returns its exit code with stdout and
// stderr interleaved into one buffer. A non-zero exit is not an error.
func (c *Client) Exec(ctx context.Context, id string, cmd ...string) (CommandResult, error) {
	exec, err := c.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to create exec %q: %w", strings.Join(cmd, " "), err)
	}

	attach, err := c.api.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to attach exec %q: %w", strings.Join(cmd, " "), err)
	}
	defer attach.Close()

	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, attach.Reader); err != nil {
		return CommandResult{}, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := c.api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return CommandResult{ExitCode: inspect.ExitCode, Output: output.Bytes()}, nil
}

func (c *Client) Logs(ctx context.Context, id string) (string, error) {
	rc, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "200"})
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer rc.Close()

	var logs bytes.Buffer
	if _, err := stdcopy.StdCopy(&logs, &logs, rc); err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return logs.String(), nil
}

func (c *Client) Stop(ctx context.Context, id string) error {
	timeout := int(StopTimeout.Seconds())
	if err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, id string) error {
	if err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}
