package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/types"
)

// statusScript answers supervisorctl status with the given output and lets
// every other supervisorctl command succeed.
func statusScript(status *string) func(name string, argv []string) (*runtime.ExecResult, error) {
	return func(name string, argv []string) (*runtime.ExecResult, error) {
		if len(argv) >= 4 && argv[3] == "status" {
			// status exits non-zero when any program is down; that must
			// not matter to the caller.
			return &runtime.ExecResult{ExitCode: 3, Stdout: *status}, nil
		}
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
}

func TestReconcileDropsSlotsSupervisorLost(t *testing.T) {
	driver := runtime.NewFakeDriver()
	status := ""
	driver.ExecFunc = statusScript(&status)
	m := newTestManager(t, driver)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2"} {
		_, err := m.Allocate(ctx, id, "alice", nil)
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, id, nil))
	}
	driver.SetRunning("alice-pool-1", true)

	status = "bot-b1    RUNNING   pid 7, uptime 0:01:00\n" +
		"bot-b2    FATAL     Exited too quickly (process log may have details)\n"

	report := m.Reconcile(ctx)
	assert.Equal(t, 1, report.PoolsChecked)
	assert.Equal(t, 1, report.RemovedStaleSlots)

	_, ok := m.Lookup("b2")
	assert.False(t, ok, "crashed slot is dropped")
	_, ok = m.Lookup("b1")
	assert.True(t, ok)

	p, _ := m.GetPool("alice-pool-1")
	assert.Equal(t, []string{"b1"}, p.Bots)

	// A second pass over consistent state changes nothing.
	status = "bot-b1    RUNNING   pid 7, uptime 0:02:00\n"
	report = m.Reconcile(ctx)
	assert.Zero(t, report.RemovedStaleSlots)
	assert.Empty(t, report.Errors)
}

func TestReconcileLeavesIdleSlotsAlone(t *testing.T) {
	driver := runtime.NewFakeDriver()
	status := ""
	driver.ExecFunc = statusScript(&status)
	m := newTestManager(t, driver)
	ctx := context.Background()

	// b1 was stopped deliberately, b2 was never started.
	_, err := m.Allocate(ctx, "b1", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, "b1", nil))
	require.NoError(t, m.Stop(ctx, "b1"))
	_, err = m.Allocate(ctx, "b2", "alice", nil)
	require.NoError(t, err)

	driver.SetRunning("alice-pool-1", true)
	status = "bot-b1    STOPPED   Not started\n"

	report := m.Reconcile(ctx)
	assert.Zero(t, report.RemovedStaleSlots)
	_, ok := m.Lookup("b1")
	assert.True(t, ok)
	_, ok = m.Lookup("b2")
	assert.True(t, ok)
}

func TestReconcileReportsOrphansWithoutAdopting(t *testing.T) {
	driver := runtime.NewFakeDriver()
	status := ""
	driver.ExecFunc = statusScript(&status)
	m := newTestManager(t, driver)
	ctx := context.Background()

	_, err := m.Allocate(ctx, "b1", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, "b1", nil))
	driver.SetRunning("alice-pool-1", true)

	status = "bot-b1      RUNNING   pid 7, uptime 0:01:00\n" +
		"bot-ghost   RUNNING   pid 8, uptime 0:09:00\n"

	report := m.Reconcile(ctx)
	assert.Equal(t, 1, report.OrphansFound)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "orphaned_bot")
	assert.Contains(t, report.Errors[0], "bot-ghost")

	_, ok := m.Lookup("ghost")
	assert.False(t, ok, "orphans are reported, never adopted")
}

func TestReconcileMarksMissingContainerStopped(t *testing.T) {
	driver := runtime.NewFakeDriver()
	driver.ExecFunc = supervisorOK()
	m := newTestManager(t, driver)
	ctx := context.Background()

	_, err := m.Allocate(ctx, "b1", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, "b1", nil))
	// Container never registered with the fake: it does not exist.

	report := m.Reconcile(ctx)
	assert.Zero(t, report.RemovedStaleSlots, "slots survive a downed pool")

	p, ok := m.GetPool("alice-pool-1")
	require.True(t, ok)
	assert.Equal(t, types.PoolStatusStopped, p.Status)
}
