package migrate

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/types"
)

func writeLegacyBot(t *testing.T, root, userID, instanceID string, cfg *types.BotConfig) string {
	t.Helper()
	dir := filepath.Join(root, userID, instanceID)
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0644))
	return dir
}

func newTestEngine(t *testing.T, root string, basePort int, pingTimeout time.Duration) (*Engine, *pool.Manager, *runtime.FakeDriver) {
	t.Helper()
	driver := runtime.NewFakeDriver()
	driver.ExecFunc = func(name string, argv []string) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	pm := pool.NewManager(&pool.Config{
		Root:         root,
		Image:        "burrow/bot-host:test",
		MaxBots:      3,
		BasePort:     basePort,
		HostResolver: func(string) string { return "127.0.0.1" },
	}, driver, nil)
	engine := NewEngine(&Config{
		Root:          root,
		Image:         "burrow/bot-host:test",
		MaxBots:       3,
		PingTimeout:   pingTimeout,
		StabilizeWait: time.Millisecond,
	}, pm, driver, nil)
	return engine, pm, driver
}

func TestDiscoverFindsLegacyBots(t *testing.T) {
	root := t.TempDir()
	engine, _, driver := newTestEngine(t, root, 9000, time.Second)
	ctx := context.Background()

	writeLegacyBot(t, root, "alice", "bot1", &types.BotConfig{InstanceID: "bot1", ListenPort: 8080})
	writeLegacyBot(t, root, "bob", "bot2", &types.BotConfig{InstanceID: "bot2", ListenPort: 8081})
	// Pool directories are not candidates.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "alice", "alice-pool-1", "bots"), 0755))
	driver.SetRunning("tradebot-bot1", true)

	candidates, err := engine.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	byID := map[string]Candidate{}
	for _, c := range candidates {
		byID[c.InstanceID] = c
	}
	assert.True(t, byID["bot1"].ContainerRuns)
	assert.False(t, byID["bot2"].ContainerExists, "directory without container is still a candidate")
}

func TestDiscoverSkipsMigratedAndPooled(t *testing.T) {
	root := t.TempDir()
	engine, pm, _ := newTestEngine(t, root, 9000, time.Second)
	ctx := context.Background()

	writeLegacyBot(t, root, "alice", "done", &types.BotConfig{InstanceID: "done"})
	writeLegacyBot(t, root, "alice", "pooled", &types.BotConfig{InstanceID: "pooled"})
	require.NoError(t, engine.ledger.RecordMigrated(Record{InstanceID: "done", At: time.Now()}))
	_, err := pm.Allocate(ctx, "pooled", "alice", nil)
	require.NoError(t, err)

	candidates, err := engine.Discover(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestDryRunCountsCapacity(t *testing.T) {
	root := t.TempDir()
	engine, _, _ := newTestEngine(t, root, 9000, time.Second)

	for i := 0; i < 4; i++ {
		id := "bot" + strconv.Itoa(i)
		writeLegacyBot(t, root, "alice", id, &types.BotConfig{InstanceID: id})
	}

	plan, err := engine.DryRun(context.Background())
	require.NoError(t, err)
	assert.Len(t, plan.Candidates, 4)
	assert.Equal(t, 0, plan.ExistingCapacity["alice"])
	assert.Equal(t, 2, plan.PoolsToCreate["alice"], "four bots at capacity three need two pools")
}

func TestExecuteMigratesBot(t *testing.T) {
	// The bot's new pool port must answer pings; a local HTTP server stands
	// in for the bot, and the pool's base port is set to its port.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	_, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	root := t.TempDir()
	engine, pm, driver := newTestEngine(t, root, port, 2*time.Second)
	ctx := context.Background()

	dir := writeLegacyBot(t, root, "alice", "bot1", &types.BotConfig{
		InstanceID:  "bot1",
		UserID:      "alice",
		ListenPort:  8080,
		APIUsername: "bot",
		APIPassword: "secret",
	})
	driver.SetRunning("tradebot-bot1", true)

	result, err := engine.Execute(ctx)
	require.NoError(t, err)
	require.Len(t, result.Migrated, 1)
	assert.Empty(t, result.Failed)
	assert.Equal(t, "alice-pool-1", result.Migrated[0].PoolID)
	assert.Equal(t, port, result.Migrated[0].Port)

	// The bot now lives in the pool, the legacy side is parked.
	slot, ok := pm.Lookup("bot1")
	require.True(t, ok)
	assert.Equal(t, types.SlotStatusRunning, slot.Status)
	_, err = os.Stat(dir + migratedBackupSuffix)
	assert.NoError(t, err)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.NotContains(t, driver.Containers, "tradebot-bot1")

	migrated, err := engine.ledger.IsMigrated("bot1")
	require.NoError(t, err)
	assert.True(t, migrated)

	// A second run has nothing left to do.
	again, err := engine.Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Migrated)
	assert.Empty(t, again.Failed)
}

func TestExecuteRollsBackOnVerificationFailure(t *testing.T) {
	root := t.TempDir()
	// Nothing listens on the pool port, so verification must fail.
	engine, pm, driver := newTestEngine(t, root, 39000, 100*time.Millisecond)
	ctx := context.Background()

	dir := writeLegacyBot(t, root, "alice", "bot1", &types.BotConfig{
		InstanceID: "bot1",
		UserID:     "alice",
		ListenPort: 8080,
	})
	driver.SetRunning("tradebot-bot1", true)

	result, err := engine.Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Migrated)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Error, "verification failed")

	// The bot is back where it was: no pool slot, dedicated container up,
	// legacy directory untouched.
	_, ok := pm.Lookup("bot1")
	assert.False(t, ok)
	assert.True(t, driver.Containers["tradebot-bot1"])
	_, err = os.Stat(filepath.Join(dir, "config.json"))
	assert.NoError(t, err)

	migrated, err := engine.ledger.IsMigrated("bot1")
	require.NoError(t, err)
	assert.False(t, migrated)
}

func TestRollbackRestoresDedicated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	_, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	root := t.TempDir()
	engine, pm, driver := newTestEngine(t, root, port, 2*time.Second)
	ctx := context.Background()

	dir := writeLegacyBot(t, root, "alice", "bot1", &types.BotConfig{
		InstanceID: "bot1",
		UserID:     "alice",
		ListenPort: 8080,
	})
	driver.SetRunning("tradebot-bot1", true)

	result, err := engine.Execute(ctx)
	require.NoError(t, err)
	require.Len(t, result.Migrated, 1)

	require.NoError(t, engine.Rollback(ctx, "bot1"))

	_, err = os.Stat(filepath.Join(dir, "config.json"))
	assert.NoError(t, err, "legacy directory is restored")
	_, ok := pm.Lookup("bot1")
	assert.False(t, ok)
	assert.True(t, driver.Containers["tradebot-bot1"], "dedicated container runs again")

	summary, err := engine.ledger.Summarize()
	require.NoError(t, err)
	assert.Empty(t, summary.Migrated)
	assert.Len(t, summary.Rollbacks, 1)

	// Unknown instance is an error.
	assert.Error(t, engine.Rollback(ctx, "ghost"))
}
