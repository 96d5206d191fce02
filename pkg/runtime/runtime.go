package runtime

import (
	"context"
	"time"
)

// ContainerState is the observed state of a container.
type ContainerState struct {
	Exists  bool
	Running bool
	Status  string // docker status string: running, exited, restarting, ...
}

// ContainerStats is a point-in-time resource sample.
type ContainerStats struct {
	MemoryMB   float64
	CPUPercent float64
	SampledAt  time.Time
}

// ExecResult carries the output of a command run inside a container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// DedicatedSpec describes a single-bot legacy container.
type DedicatedSpec struct {
	Name       string
	Image      string
	Port       int // host and container port (legacy containers bind 1:1)
	Env        []string
	BindMounts []string // "host:container" pairs
}

// Driver is the narrow container-runtime interface the orchestrator core
// depends on. Implementations perform blocking I/O; callers must not hold
// manager locks across Driver calls.
type Driver interface {
	// ComposeUp brings a pool container up from the manifest in workdir.
	ComposeUp(ctx context.Context, workdir string) error

	// ComposeDown tears the pool container down and removes its volumes.
	ComposeDown(ctx context.Context, workdir string) error

	// Inspect reports presence and state of a container by name.
	Inspect(ctx context.Context, name string) (*ContainerState, error)

	// Exec runs a command inside a running container.
	Exec(ctx context.Context, name string, argv []string) (*ExecResult, error)

	// Stats samples live memory and CPU usage.
	Stats(ctx context.Context, name string) (*ContainerStats, error)

	// Restart restarts a container by name.
	Restart(ctx context.Context, name string) error

	// StartContainer starts an existing stopped container.
	StartContainer(ctx context.Context, name string) error

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, name string) error

	// RemoveContainer force-removes a container and its anonymous volumes.
	RemoveContainer(ctx context.Context, name string) error

	// RunDedicated creates and starts a legacy single-bot container.
	RunDedicated(ctx context.Context, spec *DedicatedSpec) error

	// ListContainers returns the names of containers whose name carries the
	// given prefix, including stopped ones.
	ListContainers(ctx context.Context, prefix string) ([]string, error)
}
