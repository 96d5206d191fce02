package pool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/types"
)

func newTestManager(t *testing.T, driver *runtime.FakeDriver) *Manager {
	t.Helper()
	return NewManager(&Config{
		Root:     t.TempDir(),
		Image:    "burrow/bot-host:test",
		MaxBots:  3,
		BasePort: 9000,
	}, driver, nil)
}

// supervisorOK scripts every supervisorctl call to succeed.
func supervisorOK() func(name string, argv []string) (*runtime.ExecResult, error) {
	return func(name string, argv []string) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
}

func TestAllocateFillsPoolsInOrder(t *testing.T) {
	driver := runtime.NewFakeDriver()
	m := newTestManager(t, driver)
	ctx := context.Background()

	// First three bots land in the first pool on consecutive ports.
	for i, id := range []string{"b1", "b2", "b3"} {
		slot, err := m.Allocate(ctx, id, "alice", nil)
		require.NoError(t, err)
		assert.Equal(t, "alice-pool-1", slot.PoolID)
		assert.Equal(t, i, slot.SlotIndex)
		assert.Equal(t, 9000+i, slot.Port)
		assert.Equal(t, types.SlotStatusPending, slot.Status)
	}

	// The fourth overflows into a second pool with the next port block.
	slot, err := m.Allocate(ctx, "b4", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice-pool-2", slot.PoolID)
	assert.Equal(t, 0, slot.SlotIndex)
	assert.Equal(t, 9003, slot.Port)

	pools := m.Snapshot()
	require.Len(t, pools, 2)
	assert.Equal(t, []string{"b1", "b2", "b3"}, pools[0].Bots)
	assert.Equal(t, []string{"b4"}, pools[1].Bots)
}

func TestAllocateIsIdempotent(t *testing.T) {
	driver := runtime.NewFakeDriver()
	m := newTestManager(t, driver)
	ctx := context.Background()

	first, err := m.Allocate(ctx, "b1", "alice", nil)
	require.NoError(t, err)
	second, err := m.Allocate(ctx, "b1", "alice", nil)
	require.NoError(t, err)

	assert.Equal(t, first.PoolID, second.PoolID)
	assert.Equal(t, first.Port, second.Port)
	assert.Equal(t, first.SlotIndex, second.SlotIndex)

	p, ok := m.GetPool(first.PoolID)
	require.True(t, ok)
	assert.Equal(t, []string{"b1"}, p.Bots)
}

func TestAllocateValidation(t *testing.T) {
	driver := runtime.NewFakeDriver()
	m := newTestManager(t, driver)
	ctx := context.Background()

	_, err := m.Allocate(ctx, "b1", "", nil)
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = m.Allocate(ctx, "b1", "alice", &types.BotConfig{InitialBalance: -50})
	assert.ErrorIs(t, err, ErrInvalidBalance)

	assert.Empty(t, m.Snapshot(), "validation failures must not create pools")
}

func TestAllocateReusesFreedPort(t *testing.T) {
	driver := runtime.NewFakeDriver()
	driver.ExecFunc = supervisorOK()
	m := newTestManager(t, driver)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2", "b3"} {
		_, err := m.Allocate(ctx, id, "alice", nil)
		require.NoError(t, err)
	}
	require.NoError(t, m.Remove(ctx, "b2"))

	slot, err := m.Allocate(ctx, "b4", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice-pool-1", slot.PoolID, "freed capacity is reused before a new pool")
	assert.Equal(t, 9001, slot.Port, "smallest free port wins")
	assert.Equal(t, 2, slot.SlotIndex)
}

func TestPortSpaceIsSharedAcrossUsers(t *testing.T) {
	driver := runtime.NewFakeDriver()
	m := newTestManager(t, driver)
	ctx := context.Background()

	a, err := m.Allocate(ctx, "b1", "alice", nil)
	require.NoError(t, err)
	b, err := m.Allocate(ctx, "b2", "bob", nil)
	require.NoError(t, err)

	assert.Equal(t, 9000, a.Port)
	assert.Equal(t, 9003, b.Port, "bob's pool starts above alice's range")
}

func TestComposeUpFailureDoesNotRegisterPool(t *testing.T) {
	driver := runtime.NewFakeDriver()
	driver.FailComposeUp = true
	m := newTestManager(t, driver)

	_, err := m.Allocate(context.Background(), "b1", "alice", nil)
	require.Error(t, err)

	assert.Empty(t, m.Snapshot())
	_, ok := m.Lookup("b1")
	assert.False(t, ok)
}

func TestStartWritesConfigAndProgram(t *testing.T) {
	driver := runtime.NewFakeDriver()
	var commands [][]string
	driver.ExecFunc = func(name string, argv []string) (*runtime.ExecResult, error) {
		commands = append(commands, argv)
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	m := newTestManager(t, driver)
	ctx := context.Background()

	slot, err := m.Allocate(ctx, "b1", "alice", &types.BotConfig{Strategy: "momentum"})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, "b1", &types.BotConfig{Strategy: "momentum"}))

	p, ok := m.GetPool(slot.PoolID)
	require.True(t, ok)

	// Config lands in the bot directory with the slot port and pool paths.
	data, err := os.ReadFile(BotConfigPath(p.Dir, "b1"))
	require.NoError(t, err)
	var cfg types.BotConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, slot.Port, cfg.ListenPort)
	assert.Equal(t, "/app/bots/b1/bot.db", cfg.DBPath)
	assert.Equal(t, DefaultStrategy, cfg.Strategy, "unknown strategy falls back to default")

	// Program file exists and supervisor saw reread, update, start.
	_, err = os.Stat(programConfPath(p.Dir, "b1"))
	require.NoError(t, err)

	var verbs []string
	for _, argv := range commands {
		require.GreaterOrEqual(t, len(argv), 4)
		verbs = append(verbs, argv[3])
	}
	assert.Equal(t, []string{"reread", "update", "start"}, verbs)

	got, ok := m.Lookup("b1")
	require.True(t, ok)
	assert.Equal(t, types.SlotStatusRunning, got.Status)
}

func TestStartFailureMarksSlotFailed(t *testing.T) {
	driver := runtime.NewFakeDriver()
	driver.ExecFunc = func(name string, argv []string) (*runtime.ExecResult, error) {
		if argv[3] == "start" {
			return &runtime.ExecResult{ExitCode: 1, Stdout: "bot-b1: ERROR (spawn error)"}, nil
		}
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	m := newTestManager(t, driver)
	ctx := context.Background()

	_, err := m.Allocate(ctx, "b1", "alice", nil)
	require.NoError(t, err)
	require.Error(t, m.Start(ctx, "b1", nil))

	slot, ok := m.Lookup("b1")
	require.True(t, ok)
	assert.Equal(t, types.SlotStatusFailed, slot.Status)
}

func TestUpdateStrategyRewritesConfigAndRestarts(t *testing.T) {
	driver := runtime.NewFakeDriver()
	var verbs []string
	driver.ExecFunc = func(name string, argv []string) (*runtime.ExecResult, error) {
		verbs = append(verbs, argv[3])
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	m := newTestManager(t, driver)
	ctx := context.Background()

	slot, err := m.Allocate(ctx, "b1", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, "b1", nil))
	p, _ := m.GetPool(slot.PoolID)

	// A strategy with a file under {root}/strategies is honored.
	require.NoError(t, os.MkdirAll(filepath.Join(m.root, "strategies"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(m.root, "strategies", "momentum.json"), []byte("{}"), 0644))

	verbs = nil
	require.NoError(t, m.UpdateStrategy(ctx, "b1", "momentum"))
	assert.Equal(t, []string{"reread", "update", "restart"}, verbs, "strategy change always restarts")

	data, err := os.ReadFile(BotConfigPath(p.Dir, "b1"))
	require.NoError(t, err)
	var cfg types.BotConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "momentum", cfg.Strategy)
	assert.Equal(t, slot.Port, cfg.ListenPort, "port assignment is untouched")
}

func TestStopUnknownInstanceIsNoop(t *testing.T) {
	driver := runtime.NewFakeDriver()
	m := newTestManager(t, driver)

	assert.NoError(t, m.Stop(context.Background(), "ghost"))
}

func TestRemoveCleansSlotAndDirectory(t *testing.T) {
	driver := runtime.NewFakeDriver()
	driver.ExecFunc = supervisorOK()
	m := newTestManager(t, driver)
	ctx := context.Background()

	slot, err := m.Allocate(ctx, "b1", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, "b1", nil))
	p, _ := m.GetPool(slot.PoolID)

	require.NoError(t, m.Remove(ctx, "b1"))

	_, ok := m.Lookup("b1")
	assert.False(t, ok)
	_, err = os.Stat(BotDir(p.Dir, "b1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(programConfPath(p.Dir, "b1"))
	assert.True(t, os.IsNotExist(err))

	// The pool itself survives; only cleanup removes empty pools.
	got, ok := m.GetPool(slot.PoolID)
	require.True(t, ok)
	assert.Empty(t, got.Bots)
}

func TestCleanupEmptyPools(t *testing.T) {
	driver := runtime.NewFakeDriver()
	driver.ExecFunc = supervisorOK()
	m := newTestManager(t, driver)
	ctx := context.Background()

	slotA, err := m.Allocate(ctx, "b1", "alice", nil)
	require.NoError(t, err)
	_, err = m.Allocate(ctx, "b2", "bob", nil)
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, "b1"))

	removed, err := m.CleanupEmptyPools(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := m.GetPool(slotA.PoolID)
	assert.False(t, ok)
	assert.Len(t, m.Snapshot(), 1, "occupied pool survives cleanup")
	assert.Contains(t, driver.Calls, "compose-down "+PoolDir(m.root, "alice", slotA.PoolID))
}

func TestConnectionOfUsesHostResolver(t *testing.T) {
	driver := runtime.NewFakeDriver()
	m := NewManager(&Config{
		Root:         t.TempDir(),
		Image:        "burrow/bot-host:test",
		MaxBots:      3,
		BasePort:     9000,
		HostResolver: func(string) string { return "localhost" },
	}, driver, nil)

	slot, err := m.Allocate(context.Background(), "b1", "alice", nil)
	require.NoError(t, err)

	info := m.ConnectionOf("b1")
	require.NotNil(t, info)
	assert.Equal(t, "localhost", info.Host)
	assert.Equal(t, slot.Port, info.Port)
	assert.Equal(t, "http://localhost:9000", info.URL)
	assert.Equal(t, "alice-pool-1", info.ContainerName)

	assert.Nil(t, m.ConnectionOf("ghost"))
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	root := t.TempDir()
	driver := runtime.NewFakeDriver()
	cfg := &Config{Root: root, Image: "img", MaxBots: 3, BasePort: 9000}

	m1 := NewManager(cfg, driver, nil)
	ctx := context.Background()
	for _, id := range []string{"b1", "b2", "b3", "b4"} {
		_, err := m1.Allocate(ctx, id, "alice", nil)
		require.NoError(t, err)
	}
	m1.Shutdown()

	// The state file carries the documented schema.
	raw, err := os.ReadFile(filepath.Join(root, StateFileName))
	require.NoError(t, err)
	var onDisk map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Contains(t, onDisk, "pools")
	assert.Contains(t, onDisk, "botMapping")
	assert.Contains(t, onDisk, "nextPoolId")

	m2 := NewManager(cfg, driver, nil)
	pools := m2.Snapshot()
	require.Len(t, pools, 2)
	assert.Equal(t, "alice-pool-1", pools[0].ID, "placement order survives restart")

	slot, ok := m2.Lookup("b4")
	require.True(t, ok)
	assert.Equal(t, 9003, slot.Port)

	// Allocation continues where it left off.
	next, err := m2.Allocate(ctx, "b5", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice-pool-2", next.PoolID)
	assert.Equal(t, 9004, next.Port)
}

func TestCorruptStateFileStartsEmpty(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, StateFileName), []byte("{not json"), 0644))

	m := NewManager(&Config{Root: root, Image: "img", MaxBots: 3, BasePort: 9000}, runtime.NewFakeDriver(), nil)
	assert.Empty(t, m.Snapshot())
}
