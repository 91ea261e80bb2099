package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/paddock-dev/paddock/internal/runtime"
)

// gatewayContainerPort is the fixed port the agent gateway binds inside its
// container; the allocated host port maps onto it.
const gatewayContainerPort = nat.Port("8080/tcp")

// Client implements runtime.Client on the Docker SDK.
type Client struct {
	inner *client.Client
}

// New creates a Docker-backed runtime client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Create creates and starts a container per spec, ensuring its data volume
// exists first.
func (c *Client) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	if spec.VolumeName != "" {
		if _, err := c.inner.VolumeCreate(ctx, volume.CreateOptions{Name: spec.VolumeName}); err != nil {
			return "", fmt.Errorf("ensure volume: %w", err)
		}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: map[nat.Port]struct{}{gatewayContainerPort: {}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			gatewayContainerPort: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(spec.Port),
			}},
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	if spec.VolumeName != "" && spec.VolumePath != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: spec.VolumeName,
			Target: spec.VolumePath,
		}}
	}
	if spec.MemoryMB > 0 {
		hostCfg.Resources.Memory = int64(spec.MemoryMB) * 1024 * 1024
	}
	if spec.CPUPercent > 0 {
		hostCfg.Resources.CPUPeriod = 100000
		hostCfg.Resources.CPUQuota = int64(spec.CPUPercent) * 1000
	}
	if spec.DropAllCaps {
		hostCfg.CapDrop = []string{"ALL"}
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// Exec runs argv inside the container and returns combined output.
func (c *Client) Exec(ctx context.Context, ref string, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("exec argv cannot be empty")
	}
	exec, err := c.inner.ContainerExecCreate(ctx, ref, types.ExecConfig{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", wrapNotFound(err, "container exec create")
	}
	attach, err := c.inner.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return "", fmt.Errorf("container exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("container exec read: %w", err)
	}
	inspect, err := c.inner.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return "", fmt.Errorf("container exec inspect: %w", err)
	}
	combined := stdout.String()
	if stderr.Len() > 0 {
		combined += stderr.String()
	}
	if inspect.ExitCode != 0 {
		return combined, fmt.Errorf("exec %s exited with status %d", argv[0], inspect.ExitCode)
	}
	return combined, nil
}

// CopyInto copies a local file or directory into the container at remotePath's
// parent directory.
func (c *Client) CopyInto(ctx context.Context, ref, localPath, remotePath string) error {
	tar, err := archive.TarWithOptions(localPath, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create copy archive: %w", err)
	}
	defer tar.Close()
	if err := c.inner.CopyToContainer(ctx, ref, remotePath, tar, types.CopyToContainerOptions{}); err != nil {
		return wrapNotFound(err, "copy to container")
	}
	return nil
}

// Stop stops the container with the default grace period.
func (c *Client) Stop(ctx context.Context, ref string) error {
	if err := c.inner.ContainerStop(ctx, ref, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// Remove force-removes the container, preserving its volumes.
func (c *Client) Remove(ctx context.Context, ref string) error {
	if err := c.inner.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// TailLogs returns the last n log lines for diagnostics.
func (c *Client) TailLogs(ctx context.Context, ref string, n int) (string, error) {
	if n <= 0 {
		n = 50
	}
	reader, err := c.inner.ContainerLogs(ctx, ref, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(n),
	})
	if err != nil {
		return "", wrapNotFound(err, "container logs")
	}
	defer reader.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	return out, nil
}

// List returns all containers whose names begin with namePrefix, with their
// environment recovered from inspection for reconciliation.
func (c *Client) List(ctx context.Context, namePrefix string) ([]runtime.ContainerState, error) {
	listed, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	states := make([]runtime.ContainerState, 0, len(listed))
	for _, item := range listed {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		state := runtime.ContainerState{
			Ref:     item.ID,
			Name:    name,
			Running: strings.EqualFold(item.State, "running"),
			Labels:  item.Labels,
		}
		inspect, err := c.inner.ContainerInspect(ctx, item.ID)
		if err == nil && inspect.Config != nil {
			state.Env = inspect.Config.Env
		}
		states = append(states, state)
	}
	return states, nil
}

// Signal delivers a process signal to the container's main process.
func (c *Client) Signal(ctx context.Context, ref, sig string) error {
	if err := c.inner.ContainerKill(ctx, ref, sig); err != nil {
		return wrapNotFound(err, "container kill")
	}
	return nil
}

func wrapNotFound(err error, op string) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", op, runtime.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
