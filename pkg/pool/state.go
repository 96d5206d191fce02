package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

// StateFileName is the pool state file under the layout root. The gateway
// front-end knows this path; the schema is shared contract.
const StateFileName = ".container-pool-state.json"

// persistedState is the on-disk schema of the state file.
type persistedState struct {
	Pools      map[string]*types.Pool `json:"pools"`
	BotMapping map[string]*types.Slot `json:"botMapping"`
	NextPoolID int                    `json:"nextPoolId"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// persistLocked serializes current state atomically (write-then-rename).
// Callers hold at least a read lock. Failures are logged by the caller; the
// in-memory state stays authoritative and the next mutation retries.
func (m *Manager) persistLocked() error {
	state := persistedState{
		Pools:      m.pools,
		BotMapping: m.mapping,
		NextPoolID: m.nextPoolID,
		UpdatedAt:  time.Now(),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	path := filepath.Join(m.root, StateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// persist saves state and logs failures instead of raising them.
func (m *Manager) persist() {
	if err := m.persistLocked(); err != nil {
		m.logger.Error().Err(err).Msg("state persist failed, keeping in-memory state")
	}
}

// load hydrates state from disk. A missing file starts empty; a corrupt file
// is logged and also starts empty.
func (m *Manager) load() {
	path := filepath.Join(m.root, StateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("path", path).Msg("state file unreadable, starting empty")
		}
		return
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("state file corrupt, starting empty")
		return
	}

	if state.Pools != nil {
		m.pools = state.Pools
	}
	if state.BotMapping != nil {
		m.mapping = state.BotMapping
	}
	m.nextPoolID = state.NextPoolID

	// The file stores pools as a JSON object; rebuild a deterministic
	// iteration order from creation time so placement stays stable across
	// restarts.
	m.poolOrder = m.poolOrder[:0]
	for id := range m.pools {
		m.poolOrder = append(m.poolOrder, id)
	}
	sort.Slice(m.poolOrder, func(i, j int) bool {
		a, b := m.pools[m.poolOrder[i]], m.pools[m.poolOrder[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	m.logger.Info().
		Int("pools", len(m.pools)).
		Int("bots", len(m.mapping)).
		Msg("state loaded")
}
