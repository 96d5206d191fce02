package runtime

import (
	"context"
	"fmt"
	"sync"
)

// FakeDriver is an in-memory Driver for tests. Containers brought up through
// it are tracked by name; exec behavior is scripted per command verb.
type FakeDriver struct {
	mu sync.Mutex

	// Containers maps container name to running state.
	Containers map[string]bool

	// ExecFunc, when set, handles Exec calls.
	ExecFunc func(name string, argv []string) (*ExecResult, error)

	// FailComposeUp makes ComposeUp fail, for pool-creation error paths.
	FailComposeUp bool

	// Calls records every driver invocation as "verb name".
	Calls []string
}

// NewFakeDriver creates an empty fake.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{Containers: make(map[string]bool)}
}

func (f *FakeDriver) record(verb, name string) {
	f.Calls = append(f.Calls, verb+" "+name)
}

// SetRunning marks a container as present and running (or stopped).
func (f *FakeDriver) SetRunning(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Containers[name] = running
}

// Forget removes a container entirely.
func (f *FakeDriver) Forget(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Containers, name)
}

func (f *FakeDriver) ComposeUp(ctx context.Context, workdir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("compose-up", workdir)
	if f.FailComposeUp {
		return fmt.Errorf("compose up failed in %s", workdir)
	}
	return nil
}

func (f *FakeDriver) ComposeDown(ctx context.Context, workdir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("compose-down", workdir)
	return nil
}

func (f *FakeDriver) Inspect(ctx context.Context, name string) (*ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect", name)
	running, ok := f.Containers[name]
	if !ok {
		return &ContainerState{Exists: false}, nil
	}
	status := "exited"
	if running {
		status = "running"
	}
	return &ContainerState{Exists: true, Running: running, Status: status}, nil
}

func (f *FakeDriver) Exec(ctx context.Context, name string, argv []string) (*ExecResult, error) {
	f.mu.Lock()
	execFn := f.ExecFunc
	f.record("exec", name)
	f.mu.Unlock()

	if execFn != nil {
		return execFn(name, argv)
	}
	return &ExecResult{}, nil
}

func (f *FakeDriver) Stats(ctx context.Context, name string) (*ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stats", name)
	if running, ok := f.Containers[name]; !ok || !running {
		return nil, fmt.Errorf("container %s is not running", name)
	}
	return &ContainerStats{MemoryMB: 128, CPUPercent: 2.5}, nil
}

func (f *FakeDriver) Restart(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("restart", name)
	if _, ok := f.Containers[name]; !ok {
		return fmt.Errorf("container %s not found", name)
	}
	f.Containers[name] = true
	return nil
}

func (f *FakeDriver) StartContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", name)
	if _, ok := f.Containers[name]; !ok {
		return fmt.Errorf("container %s not found", name)
	}
	f.Containers[name] = true
	return nil
}

func (f *FakeDriver) StopContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", name)
	if _, ok := f.Containers[name]; ok {
		f.Containers[name] = false
	}
	return nil
}

func (f *FakeDriver) RemoveContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove", name)
	delete(f.Containers, name)
	return nil
}

func (f *FakeDriver) RunDedicated(ctx context.Context, spec *DedicatedSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("run-dedicated", spec.Name)
	f.Containers[spec.Name] = true
	return nil
}

func (f *FakeDriver) ListContainers(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list", prefix)
	var names []string
	for name := range f.Containers {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			names = append(names, name)
		}
	}
	return names, nil
}
