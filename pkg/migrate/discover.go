package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/burrowhq/burrow/pkg/mapper"
	"github.com/burrowhq/burrow/pkg/types"
)

// poolDirPattern matches pool directory names so legacy discovery skips them.
var poolDirPattern = regexp.MustCompile(`^.+-pool-\d+$`)

// Candidate is one legacy dedicated bot eligible for migration.
type Candidate struct {
	InstanceID      string
	UserID          string
	Dir             string
	ContainerName   string
	ContainerExists bool
	ContainerRuns   bool
	Config          *types.BotConfig
}

// Discover walks the pool root for legacy per-bot directories and pairs them
// with their dedicated containers. Bots already pooled or already recorded
// as migrated are excluded.
func (e *Engine) Discover(ctx context.Context) ([]Candidate, error) {
	containers, err := e.driver.ListContainers(ctx, "tradebot-")
	if err != nil {
		return nil, fmt.Errorf("failed to list dedicated containers: %w", err)
	}
	running := make(map[string]bool, len(containers))
	for _, name := range containers {
		state, err := e.driver.Inspect(ctx, name)
		if err != nil {
			e.logger.Warn().Err(err).Str("container", name).Msg("inspect failed during discovery")
			continue
		}
		running[name] = state.Running
	}

	users, err := os.ReadDir(e.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pool root: %w", err)
	}

	var out []Candidate
	for _, u := range users {
		if !u.IsDir() {
			continue
		}
		userID := u.Name()

		entries, err := os.ReadDir(filepath.Join(e.root, userID))
		if err != nil {
			e.logger.Warn().Err(err).Str("user_id", userID).Msg("unreadable user directory")
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || poolDirPattern.MatchString(entry.Name()) {
				continue
			}
			if strings.HasSuffix(entry.Name(), migratedBackupSuffix) {
				continue
			}
			instanceID := entry.Name()
			dir := filepath.Join(e.root, userID, instanceID)

			cfg, err := readLegacyConfig(dir)
			if err != nil {
				continue // not a bot directory
			}

			if _, pooled := e.pm.Lookup(instanceID); pooled {
				continue
			}
			migrated, err := e.ledger.IsMigrated(instanceID)
			if err != nil {
				return nil, err
			}
			if migrated {
				continue
			}

			name := mapper.DedicatedContainerName(instanceID)
			runs, exists := running[name]
			out = append(out, Candidate{
				InstanceID:      instanceID,
				UserID:          userID,
				Dir:             dir,
				ContainerName:   name,
				ContainerExists: exists,
				ContainerRuns:   runs,
				Config:          cfg,
			})
		}
	}
	return out, nil
}

func readLegacyConfig(dir string) (*types.BotConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	var cfg types.BotConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
