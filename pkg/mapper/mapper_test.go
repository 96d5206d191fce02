package mapper

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/types"
)

func writeConfig(t *testing.T, dir string, cfg *types.BotConfig) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0644))
}

func newTestMapper(t *testing.T, root string, poolMode bool) (*Mapper, *pool.Manager, *runtime.FakeDriver) {
	t.Helper()
	driver := runtime.NewFakeDriver()
	driver.ExecFunc = func(name string, argv []string) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	pm := pool.NewManager(&pool.Config{
		Root:         root,
		Image:        "burrow/bot-host:test",
		MaxBots:      3,
		BasePort:     9000,
		HostResolver: func(string) string { return "localhost" },
	}, driver, nil)
	mp := NewMapper(&Config{
		Root:            root,
		Image:           "burrow/bot-host:test",
		PoolModeEnabled: poolMode,
		HostResolver:    func(string) string { return "localhost" },
	}, pm, driver)
	return mp, pm, driver
}

func TestHostResolverPolicy(t *testing.T) {
	tests := []struct {
		name     string
		mode     config.HostMode
		override string
		want     string
	}{
		{"override wins", config.HostModeContainer, "10.1.2.3", "10.1.2.3"},
		{"host mode dials localhost", config.HostModeHost, "", "localhost"},
		{"container mode dials container name", config.HostModeContainer, "", "alice-pool-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := NewHostResolver(tt.mode, tt.override)
			assert.Equal(t, tt.want, fn("alice-pool-1"))
		})
	}
}

func TestFindInstanceDir(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, filepath.Join(root, "alice", "legacy1"), &types.BotConfig{InstanceID: "legacy1"})
	writeConfig(t, filepath.Join(root, "alice", "alice-pool-1", "bots", "pooled1"),
		&types.BotConfig{InstanceID: "pooled1"})

	dir, ok := FindInstanceDir(root, "alice", "legacy1")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "alice", "legacy1"), dir)

	dir, ok = FindInstanceDir(root, "alice", "pooled1")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "alice", "alice-pool-1", "bots", "pooled1"), dir)

	_, ok = FindInstanceDir(root, "alice", "missing")
	assert.False(t, ok)

	dir, userID, ok := FindInstanceDirAnyUser(root, "pooled1")
	require.True(t, ok)
	assert.Equal(t, "alice", userID)
	assert.Contains(t, dir, "pooled1")
}

func TestResolvePooledBot(t *testing.T) {
	root := t.TempDir()
	mp, pm, _ := newTestMapper(t, root, true)
	ctx := context.Background()

	botCfg := &types.BotConfig{APIUsername: "bot", APIPassword: "secret"}
	placement, err := mp.Assign(ctx, "b1", "alice", botCfg)
	require.NoError(t, err)
	require.Equal(t, types.PlacementPooled, placement.Kind)
	require.NoError(t, pm.Start(ctx, "b1", botCfg))

	conn, err := mp.Resolve("b1")
	require.NoError(t, err)
	assert.Equal(t, "localhost", conn.Host)
	assert.Equal(t, 9000, conn.Port)
	assert.Equal(t, "http://localhost:9000", conn.URL)
	assert.Equal(t, "bot", conn.Username)
	assert.Equal(t, "secret", conn.Password)
	assert.Equal(t, types.PlacementPooled, conn.Placement.Kind)
	assert.Equal(t, "alice-pool-1", conn.Placement.Pooled.PoolID)
}

func TestResolveDedicatedBot(t *testing.T) {
	root := t.TempDir()
	mp, _, _ := newTestMapper(t, root, false)

	writeConfig(t, filepath.Join(root, "alice", "d1"), &types.BotConfig{
		InstanceID:  "d1",
		ListenPort:  8080,
		APIUsername: "bot",
		APIPassword: "secret",
	})

	conn, err := mp.Resolve("d1")
	require.NoError(t, err)
	assert.Equal(t, 8080, conn.Port)
	assert.Equal(t, "tradebot-d1", conn.ContainerName)
	assert.Equal(t, types.PlacementDedicated, conn.Placement.Kind)
	assert.Equal(t, "secret", conn.Password)

	_, err = mp.Resolve("missing")
	assert.Error(t, err)
}

func TestAssignDedicatedWritesLegacyLayout(t *testing.T) {
	root := t.TempDir()
	mp, _, _ := newTestMapper(t, root, false)

	placement, err := mp.Assign(context.Background(), "d1", "alice", &types.BotConfig{ListenPort: 8080})
	require.NoError(t, err)
	assert.Equal(t, types.PlacementDedicated, placement.Kind)
	assert.Equal(t, "tradebot-d1", placement.Dedicated.ContainerName)

	var cfg types.BotConfig
	data, err := os.ReadFile(filepath.Join(root, "alice", "d1", "config.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "d1", cfg.InstanceID)
	assert.Equal(t, "alice", cfg.UserID)
}

func TestStartDedicated(t *testing.T) {
	root := t.TempDir()
	mp, _, driver := newTestMapper(t, root, false)
	ctx := context.Background()

	writeConfig(t, filepath.Join(root, "alice", "d1"), &types.BotConfig{InstanceID: "d1", ListenPort: 8080})

	// No container yet: one is created and started.
	require.NoError(t, mp.Start(ctx, "d1", nil))
	assert.Contains(t, driver.Calls, "run-dedicated tradebot-d1")

	// Already running: starting again is a no-op.
	calls := len(driver.Calls)
	require.NoError(t, mp.Start(ctx, "d1", nil))
	assert.Equal(t, calls+1, len(driver.Calls), "only the inspect is recorded")

	// Stopped container is started, not recreated.
	driver.SetRunning("tradebot-d1", false)
	require.NoError(t, mp.Start(ctx, "d1", nil))
	assert.Contains(t, driver.Calls, "start tradebot-d1")
}

func TestRemoveDedicatedCleansUp(t *testing.T) {
	root := t.TempDir()
	mp, _, driver := newTestMapper(t, root, false)
	ctx := context.Background()

	writeConfig(t, filepath.Join(root, "alice", "d1"), &types.BotConfig{InstanceID: "d1", ListenPort: 8080})
	require.NoError(t, mp.Start(ctx, "d1", nil))

	require.NoError(t, mp.Remove(ctx, "d1"))
	assert.Contains(t, driver.Calls, "remove tradebot-d1")
	_, err := os.Stat(filepath.Join(root, "alice", "d1"))
	assert.True(t, os.IsNotExist(err))
}

func TestPlacementTagging(t *testing.T) {
	root := t.TempDir()
	mp, pm, _ := newTestMapper(t, root, true)
	ctx := context.Background()

	_, err := pm.Allocate(ctx, "p1", "alice", nil)
	require.NoError(t, err)
	writeConfig(t, filepath.Join(root, "bob", "d1"), &types.BotConfig{InstanceID: "d1", ListenPort: 8080})

	placement, ok := mp.Placement("p1")
	require.True(t, ok)
	assert.Equal(t, types.PlacementPooled, placement.Kind)

	placement, ok = mp.Placement("d1")
	require.True(t, ok)
	assert.Equal(t, types.PlacementDedicated, placement.Kind)

	_, ok = mp.Placement("ghost")
	assert.False(t, ok)
}
