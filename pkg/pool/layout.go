package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/supervisor"
	"github.com/burrowhq/burrow/pkg/types"
)

// DefaultStrategy is substituted when a requested strategy file is absent.
const DefaultStrategy = "default"

// In-container mount points, fixed by the pool manifest.
const (
	containerBotsDir = "/app/bots"
	containerLogsDir = "/var/log/burrow"
)

// PoolDir returns the on-disk root of a pool's layout.
func PoolDir(root, userID, poolID string) string {
	return filepath.Join(root, userID, poolID)
}

// BotDir returns the host-side directory of a pooled bot.
func BotDir(poolDir, instanceID string) string {
	return filepath.Join(poolDir, "bots", instanceID)
}

// BotConfigPath returns the host-side config path of a pooled bot.
func BotConfigPath(poolDir, instanceID string) string {
	return filepath.Join(BotDir(poolDir, instanceID), "config.json")
}

// containerBotDir is the same bot directory seen from inside the container.
func containerBotDir(instanceID string) string {
	return containerBotsDir + "/" + instanceID
}

// scaffold creates a pool's filesystem layout and writes the supervisor
// bootstrap plus the compose manifest.
func scaffold(dir string, pool *types.Pool, image string) error {
	for _, sub := range []string{
		filepath.Join(dir, "supervisor", "conf.d"),
		filepath.Join(dir, "bots"),
		filepath.Join(dir, "logs"),
	} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return fmt.Errorf("failed to create pool layout %s: %w", sub, err)
		}
	}

	bootstrap := filepath.Join(dir, "supervisor", "supervisord.conf")
	if err := os.WriteFile(bootstrap, []byte(supervisor.RenderBootstrap()), 0644); err != nil {
		return fmt.Errorf("failed to write supervisor bootstrap: %w", err)
	}

	return runtime.WriteManifest(dir, &runtime.ManifestSpec{
		ContainerName: pool.ContainerName,
		Image:         image,
		BasePort:      pool.BasePort,
		MaxBots:       pool.MaxBots,
	})
}

// resolveStrategy returns the requested strategy if its file exists under
// {root}/strategies, otherwise the safe default with a warning.
func resolveStrategy(root, strategy string) string {
	if strategy == "" {
		return DefaultStrategy
	}
	path := filepath.Join(root, "strategies", strategy+".json")
	if _, err := os.Stat(path); err != nil {
		logger := log.WithComponent("pool")
		logger.Warn().
			Str("strategy", strategy).
			Str("path", path).
			Msg("strategy file absent, substituting default")
		return DefaultStrategy
	}
	return strategy
}

// writeBotConfig fills in pool-internal paths and the slot port, then writes
// the bot's config file. Returns the effective config.
func writeBotConfig(root, poolDir string, slot *types.Slot, cfg *types.BotConfig) (*types.BotConfig, error) {
	effective := &types.BotConfig{}
	if cfg != nil {
		*effective = *cfg
	}
	effective.InstanceID = slot.InstanceID
	effective.UserID = slot.UserID
	effective.Strategy = resolveStrategy(root, effective.Strategy)
	effective.ListenPort = slot.Port
	effective.DBPath = containerBotDir(slot.InstanceID) + "/bot.db"
	effective.LogPath = containerLogsDir + "/" + types.ProgramName(slot.InstanceID) + ".log"

	dir := BotDir(poolDir, slot.InstanceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bot directory: %w", err)
	}

	data, err := json.MarshalIndent(effective, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bot config: %w", err)
	}
	path := BotConfigPath(poolDir, slot.InstanceID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write bot config %s: %w", path, err)
	}
	return effective, nil
}

// writeProgramConf writes the supervisor program file for a bot.
func writeProgramConf(poolDir string, slot *types.Slot) error {
	program := types.ProgramName(slot.InstanceID)
	conf := supervisor.RenderProgram(&supervisor.ProgramSpec{
		Program:    program,
		ConfigPath: containerBotDir(slot.InstanceID) + "/config.json",
		WorkDir:    containerBotDir(slot.InstanceID),
		LogPath:    containerLogsDir + "/" + program + ".log",
	})
	path := programConfPath(poolDir, slot.InstanceID)
	if err := os.WriteFile(path, []byte(conf), 0644); err != nil {
		return fmt.Errorf("failed to write program conf %s: %w", path, err)
	}
	return nil
}

func programConfPath(poolDir, instanceID string) string {
	return filepath.Join(poolDir, "supervisor", "conf.d", types.ProgramName(instanceID)+".conf")
}
