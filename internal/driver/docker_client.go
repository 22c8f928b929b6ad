// Package driver implements the Driver façade described by the
// external contract: a polymorphic acquire/release/health interface
// over Static, Local-container, and Orchestrated worker substrates.
package driver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockernat "github.com/docker/docker/api/types/nat"
	dockervolume "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/dispatch/internal/common/config"
	"github.com/kandev/dispatch/internal/common/logger"
)

// ContainerSpec describes a worker container to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         []string
	WorkspaceMount string // host path bind-mounted at /workspace
	VolumeName  string // named volume, used instead of a bind mount when set
	Port        int    // container-internal HTTP port the worker listens on
	Labels      map[string]string
	Memory      int64
	CPUQuota    int64
}

// ContainerInfo mirrors the subset of Docker's inspect output the
// Driver cares about.
type ContainerInfo struct {
	ID       string
	Name     string
	State    string // created, running, paused, restarting, removing, exited, dead
	HostPort int
}

// DockerClient wraps the Docker Engine SDK client with the operations
// the Local and Orchestrated driver shapes need.
type DockerClient struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerClient connects to the configured Docker daemon.
func NewDockerClient(cfg config.DockerConfig, log *logger.Logger) (*DockerClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &DockerClient{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker-client")),
	}, nil
}

func (c *DockerClient) Close() error {
	return c.cli.Close()
}

func (c *DockerClient) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// PullImage pulls imageName from its registry without first checking
// for a local copy; pull failures are returned so callers can fall
// back to whatever is cached.
func (c *DockerClient) PullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// EnsureVolume creates a named volume if it does not already exist,
// playing the PVC role for persistent-workspace mode.
func (c *DockerClient) EnsureVolume(ctx context.Context, name string) error {
	_, err := c.cli.VolumeInspect(ctx, name)
	if err == nil {
		return nil
	}
	_, err = c.cli.VolumeCreate(ctx, dockervolume.CreateOptions{Name: name})
	if err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

// CreateContainer creates and starts a worker container, publishing
// spec.Port to an ephemeral host port, and returns its info.
func (c *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (*ContainerInfo, error) {
	var mounts []mount.Mount
	switch {
	case spec.VolumeName != "":
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: spec.VolumeName,
			Target: "/workspace",
		})
	case spec.WorkspaceMount != "":
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceMount,
			Target: "/workspace",
		})
	}

	containerPort := dockernat.Port(fmt.Sprintf("%d/tcp", spec.Port))
	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: dockernat.PortSet{containerPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		PortBindings: dockernat.PortMap{
			containerPort: []dockernat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		Resources: container.Resources{
			Memory:   spec.Memory,
			CPUQuota: spec.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	return c.Inspect(ctx, resp.ID)
}

// Inspect returns the current state and published host port of a
// container.
func (c *DockerClient) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	info := &ContainerInfo{
		ID:    inspect.ID,
		Name:  inspect.Name,
		State: inspect.State.Status,
	}

	for _, bindings := range inspect.NetworkSettings.Ports {
		for _, binding := range bindings {
			var port int
			if _, err := fmt.Sscanf(binding.HostPort, "%d", &port); err == nil {
				info.HostPort = port
			}
		}
	}

	return info, nil
}

// FindByName returns the container with the given name, or nil if
// none exists.
func (c *DockerClient) FindByName(ctx context.Context, name string) (*ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", "^/"+name+"$")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return c.Inspect(ctx, containers[0].ID)
}

func (c *DockerClient) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
}

func (c *DockerClient) RemoveContainer(ctx context.Context, containerID string) error {
	return c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}
