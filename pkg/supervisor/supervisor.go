package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/burrowhq/burrow/pkg/runtime"
)

// ProgramState is a supervisor program state as reported by supervisorctl.
type ProgramState string

const (
	StateRunning  ProgramState = "RUNNING"
	StateStarting ProgramState = "STARTING"
	StateStopped  ProgramState = "STOPPED"
	StateBackoff  ProgramState = "BACKOFF"
	StateFatal    ProgramState = "FATAL"
	StateExited   ProgramState = "EXITED"
	StateUnknown  ProgramState = "UNKNOWN"
)

// ConfPath is where the supervisor bootstrap config lives inside a pool
// container; the pool's supervisor directory is mounted there.
const ConfPath = "/etc/supervisor/supervisord.conf"

// Client drives the in-container supervisor through the runtime's exec
// channel. One client serves all pools; the container name selects the pool.
type Client struct {
	driver runtime.Driver
}

// NewClient creates a supervisor client on top of a runtime driver.
func NewClient(driver runtime.Driver) *Client {
	return &Client{driver: driver}
}

func (c *Client) ctl(ctx context.Context, containerName string, args ...string) (*runtime.ExecResult, error) {
	argv := append([]string{"supervisorctl", "-c", ConfPath}, args...)
	res, err := c.driver.Exec(ctx, containerName, argv)
	if err != nil {
		return nil, fmt.Errorf("supervisorctl %s in %s: %w", strings.Join(args, " "), containerName, err)
	}
	return res, nil
}

// run executes a supervisorctl command that must succeed.
func (c *Client) run(ctx context.Context, containerName string, args ...string) error {
	res, err := c.ctl(ctx, containerName, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		out := strings.TrimSpace(res.Stdout + res.Stderr)
		return fmt.Errorf("supervisorctl %s in %s exited %d: %s",
			strings.Join(args, " "), containerName, res.ExitCode, out)
	}
	return nil
}

// Reread reloads program files from disk without applying changes.
func (c *Client) Reread(ctx context.Context, containerName string) error {
	return c.run(ctx, containerName, "reread")
}

// Update applies added/changed/removed program files.
func (c *Client) Update(ctx context.Context, containerName string) error {
	return c.run(ctx, containerName, "update")
}

// StartProgram starts a supervised program. A program that is already
// running is not an error.
func (c *Client) StartProgram(ctx context.Context, containerName, program string) error {
	res, err := c.ctl(ctx, containerName, "start", program)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		out := strings.TrimSpace(res.Stdout + res.Stderr)
		if strings.Contains(out, "already started") {
			return nil
		}
		return fmt.Errorf("supervisorctl start %s in %s exited %d: %s",
			program, containerName, res.ExitCode, out)
	}
	return nil
}

// StopProgram stops a supervised program.
func (c *Client) StopProgram(ctx context.Context, containerName, program string) error {
	return c.run(ctx, containerName, "stop", program)
}

// RestartProgram restarts a supervised program.
func (c *Client) RestartProgram(ctx context.Context, containerName, program string) error {
	return c.run(ctx, containerName, "restart", program)
}

// RemoveProgram removes a program from the supervisor's process table. The
// program must be stopped first.
func (c *Client) RemoveProgram(ctx context.Context, containerName, program string) error {
	return c.run(ctx, containerName, "remove", program)
}

// Status returns the state of every supervised program.
//
// supervisorctl status exits non-zero when any program is not RUNNING, so
// the exit code is ignored and the output parsed regardless.
func (c *Client) Status(ctx context.Context, containerName string) (map[string]ProgramState, error) {
	res, err := c.ctl(ctx, containerName, "status")
	if err != nil {
		return nil, err
	}
	return ParseStatus(res.Stdout), nil
}

// ProgramStatus returns the state of a single program, StateUnknown if the
// supervisor does not know it.
func (c *Client) ProgramStatus(ctx context.Context, containerName, program string) (ProgramState, error) {
	states, err := c.Status(ctx, containerName)
	if err != nil {
		return StateUnknown, err
	}
	if state, ok := states[program]; ok {
		return state, nil
	}
	return StateUnknown, nil
}

// Alive probes supervisor liveness via its pid.
func (c *Client) Alive(ctx context.Context, containerName string) bool {
	res, err := c.ctl(ctx, containerName, "pid")
	if err != nil {
		return false
	}
	return res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != ""
}

// ParseStatus parses supervisorctl status output. Lines look like:
//
//	bot-abc123    RUNNING   pid 42, uptime 0:05:21
//	bot-def456    FATAL     Exited too quickly (process log may have details)
func ParseStatus(output string) map[string]ProgramState {
	states := make(map[string]ProgramState)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[0]
		switch state := ProgramState(fields[1]); state {
		case StateRunning, StateStarting, StateStopped, StateBackoff, StateFatal, StateExited:
			states[name] = state
		default:
			states[name] = StateUnknown
		}
	}
	return states
}
