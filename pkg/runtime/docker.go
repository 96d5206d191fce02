package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/burrowhq/burrow/pkg/log"
)

const (
	// DefaultExecTimeout bounds supervisorctl and other in-container commands.
	DefaultExecTimeout = 15 * time.Second

	// DefaultStopTimeout is how long a container gets to stop gracefully.
	DefaultStopTimeout = 10 * time.Second
)

// DockerDriver implements Driver against the Docker Engine API. Pool
// containers are managed through compose manifests (docker compose CLI);
// everything else goes through the API client directly.
type DockerDriver struct {
	cli         *client.Client
	execTimeout time.Duration
	stopTimeout time.Duration
}

// DockerOption configures a DockerDriver.
type DockerOption func(*DockerDriver)

// WithExecTimeout overrides the default in-container exec timeout.
func WithExecTimeout(d time.Duration) DockerOption {
	return func(r *DockerDriver) { r.execTimeout = d }
}

// NewDockerDriver creates a driver connected to the local Docker daemon.
func NewDockerDriver(opts ...DockerOption) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	r := &DockerDriver{
		cli:         cli,
		execTimeout: DefaultExecTimeout,
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close closes the underlying API client.
func (r *DockerDriver) Close() error {
	return r.cli.Close()
}

// ComposeUp brings the pool container up from workdir's manifest.
func (r *DockerDriver) ComposeUp(ctx context.Context, workdir string) error {
	return r.compose(ctx, workdir, "up", "-d")
}

// ComposeDown tears the pool container down, removing volumes.
func (r *DockerDriver) ComposeDown(ctx context.Context, workdir string) error {
	return r.compose(ctx, workdir, "down", "-v")
}

func (r *DockerDriver) compose(ctx context.Context, workdir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", append([]string{"compose"}, args...)...)
	cmd.Dir = workdir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker compose %s failed in %s: %w (output: %s)",
			strings.Join(args, " "), workdir, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Inspect reports container presence and state. A missing container is not
// an error.
func (r *DockerDriver) Inspect(ctx context.Context, name string) (*ContainerState, error) {
	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &ContainerState{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	state := &ContainerState{Exists: true}
	if info.State != nil {
		state.Running = info.State.Running
		state.Status = info.State.Status
	}
	return state, nil
}

// Exec runs argv inside the named container and captures its output.
func (r *DockerDriver) Exec(ctx context.Context, name string, argv []string) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	created, err := r.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in %s: %w", name, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in %s: %w", name, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output from %s: %w", name, err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec in %s: %w", name, err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Stats samples one point of memory and CPU usage.
func (r *DockerDriver) Stats(ctx context.Context, name string) (*ContainerStats, error) {
	resp, err := r.cli.ContainerStats(ctx, name, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats for %s: %w", name, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", name, err)
	}

	stats := &ContainerStats{
		MemoryMB:  float64(raw.MemoryStats.Usage) / (1024 * 1024),
		SampledAt: time.Now(),
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta > 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		stats.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}
	return stats, nil
}

// Restart restarts a container by name.
func (r *DockerDriver) Restart(ctx context.Context, name string) error {
	timeout := int(r.stopTimeout.Seconds())
	if err := r.cli.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", name, err)
	}
	return nil
}

// StartContainer starts an existing container.
func (r *DockerDriver) StartContainer(ctx context.Context, name string) error {
	if err := r.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// StopContainer stops a container, tolerating one that is already gone.
func (r *DockerDriver) StopContainer(ctx context.Context, name string) error {
	timeout := int(r.stopTimeout.Seconds())
	err := r.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (r *DockerDriver) RemoveContainer(ctx context.Context, name string) error {
	err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// RunDedicated creates and starts a legacy single-bot container with a 1:1
// host port binding.
func (r *DockerDriver) RunDedicated(ctx context.Context, spec *DedicatedSpec) error {
	port, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.Port))
	if err != nil {
		return fmt.Errorf("invalid port %d: %w", spec.Port, err)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
		ExposedPorts: nat.PortSet{
			port: struct{}{},
		},
	}
	hostCfg := &container.HostConfig{
		Binds: spec.BindMounts,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", spec.Port)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	logger := log.WithComponent("runtime")
	for _, w := range created.Warnings {
		logger.Warn().Str("container", spec.Name).Msg(w)
	}

	if err := r.cli.ContainerStart(ctx, spec.Name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	return nil
}

// ListContainers returns names of containers matching the prefix.
func (r *DockerDriver) ListContainers(ctx context.Context, prefix string) ([]string, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var names []string
	for _, c := range list {
		for _, n := range c.Names {
			n = strings.TrimPrefix(n, "/")
			if strings.HasPrefix(n, prefix) {
				names = append(names, n)
				break
			}
		}
	}
	return names, nil
}
