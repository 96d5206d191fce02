package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/types"
)

// connectionTTL bounds how long resolved connections (and the credentials
// read from disk with them) are served from cache.
const connectionTTL = time.Minute

// DedicatedContainerName returns the container name of a legacy single-bot
// container.
func DedicatedContainerName(instanceID string) string {
	return "tradebot-" + instanceID
}

// Config holds construction parameters for a Mapper.
type Config struct {
	Root            string
	Image           string
	PoolModeEnabled bool
	HostResolver    HostResolver
}

// Mapper is the single surface callers use. It resolves instanceId to a
// connection uniformly across pooled and dedicated placement and forwards
// lifecycle operations to whichever path owns the bot.
type Mapper struct {
	pm     *pool.Manager
	driver runtime.Driver
	root   string
	image  string

	poolMode bool
	hostFn   HostResolver
	logger   zerolog.Logger

	cacheMu sync.Mutex
	cache   map[string]*types.Connection
}

// NewMapper creates a mapper over a pool manager and a runtime driver.
func NewMapper(cfg *Config, pm *pool.Manager, driver runtime.Driver) *Mapper {
	hostFn := cfg.HostResolver
	if hostFn == nil {
		hostFn = func(containerName string) string { return containerName }
	}
	return &Mapper{
		pm:       pm,
		driver:   driver,
		root:     cfg.Root,
		image:    cfg.Image,
		poolMode: cfg.PoolModeEnabled,
		hostFn:   hostFn,
		logger:   log.WithComponent("mapper"),
		cache:    make(map[string]*types.Connection),
	}
}

// Placement reports where a bot lives. Pooled placement comes from the pool
// manager's mapping; anything else with an on-disk config is dedicated.
func (m *Mapper) Placement(instanceID string) (types.Placement, bool) {
	if slot, ok := m.pm.Lookup(instanceID); ok {
		return types.Placement{
			Kind: types.PlacementPooled,
			Pooled: &types.PooledPlacement{
				PoolID:    slot.PoolID,
				SlotIndex: slot.SlotIndex,
				Port:      slot.Port,
			},
		}, true
	}

	dir, _, ok := FindInstanceDirAnyUser(m.root, instanceID)
	if !ok {
		return types.Placement{}, false
	}
	cfg, err := readBotConfig(dir)
	if err != nil {
		m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("unreadable bot config")
		return types.Placement{}, false
	}
	return types.Placement{
		Kind: types.PlacementDedicated,
		Dedicated: &types.DedicatedPlacement{
			ContainerName: DedicatedContainerName(instanceID),
			Port:          cfg.ListenPort,
		},
	}, true
}

// Resolve returns connection info for proxying live API requests to a bot.
// Results carry credentials read from the bot's config and are cached for a
// short TTL.
func (m *Mapper) Resolve(instanceID string) (*types.Connection, error) {
	m.cacheMu.Lock()
	if conn, ok := m.cache[instanceID]; ok && time.Since(conn.ResolvedAt) < connectionTTL {
		out := *conn
		m.cacheMu.Unlock()
		return &out, nil
	}
	m.cacheMu.Unlock()

	conn, err := m.resolve(instanceID)
	if err != nil {
		return nil, err
	}

	m.cacheMu.Lock()
	m.cache[instanceID] = conn
	m.cacheMu.Unlock()

	out := *conn
	return &out, nil
}

func (m *Mapper) resolve(instanceID string) (*types.Connection, error) {
	if info := m.pm.ConnectionOf(instanceID); info != nil {
		slot, _ := m.pm.Lookup(instanceID)
		conn := &types.Connection{
			InstanceID:    instanceID,
			Host:          info.Host,
			Port:          info.Port,
			URL:           info.URL,
			ContainerName: info.ContainerName,
			Placement: types.Placement{
				Kind: types.PlacementPooled,
				Pooled: &types.PooledPlacement{
					PoolID:    info.PoolID,
					SlotIndex: info.SlotIndex,
					Port:      info.Port,
				},
			},
			ResolvedAt: time.Now(),
		}
		if dir, ok := FindInstanceDir(m.root, slot.UserID, instanceID); ok {
			if cfg, err := readBotConfig(dir); err == nil {
				conn.Username = cfg.APIUsername
				conn.Password = cfg.APIPassword
			} else {
				m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("credentials unavailable")
			}
		}
		return conn, nil
	}

	// Dedicated path: everything comes from the bot's on-disk config.
	dir, _, ok := FindInstanceDirAnyUser(m.root, instanceID)
	if !ok {
		return nil, fmt.Errorf("instance %s not found in any placement", instanceID)
	}
	cfg, err := readBotConfig(dir)
	if err != nil {
		return nil, err
	}

	containerName := DedicatedContainerName(instanceID)
	host := m.hostFn(containerName)
	return &types.Connection{
		InstanceID:    instanceID,
		Host:          host,
		Port:          cfg.ListenPort,
		URL:           types.BaseURL(host, cfg.ListenPort),
		Username:      cfg.APIUsername,
		Password:      cfg.APIPassword,
		ContainerName: containerName,
		Placement: types.Placement{
			Kind: types.PlacementDedicated,
			Dedicated: &types.DedicatedPlacement{
				ContainerName: containerName,
				Port:          cfg.ListenPort,
			},
		},
		ResolvedAt: time.Now(),
	}, nil
}

// Invalidate drops a cached connection, e.g. after credentials rotate.
func (m *Mapper) Invalidate(instanceID string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	delete(m.cache, instanceID)
}

// Assign provisions placement for a new bot. With pool mode enabled the bot
// lands in a pool; otherwise a legacy per-bot directory is prepared.
func (m *Mapper) Assign(ctx context.Context, instanceID, userID string, cfg *types.BotConfig) (types.Placement, error) {
	if m.poolMode {
		slot, err := m.pm.Allocate(ctx, instanceID, userID, cfg)
		if err != nil {
			return types.Placement{}, err
		}
		return types.Placement{
			Kind: types.PlacementPooled,
			Pooled: &types.PooledPlacement{
				PoolID:    slot.PoolID,
				SlotIndex: slot.SlotIndex,
				Port:      slot.Port,
			},
		}, nil
	}
	return m.assignDedicated(instanceID, userID, cfg)
}

func (m *Mapper) assignDedicated(instanceID, userID string, cfg *types.BotConfig) (types.Placement, error) {
	if userID == "" {
		return types.Placement{}, pool.ErrMissingUserID
	}

	dir := filepath.Join(m.root, userID, instanceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return types.Placement{}, fmt.Errorf("failed to create instance directory: %w", err)
	}

	effective := &types.BotConfig{}
	if cfg != nil {
		*effective = *cfg
	}
	effective.InstanceID = instanceID
	effective.UserID = userID
	if effective.DBPath == "" {
		effective.DBPath = "/app/data/bot.db"
	}
	if effective.LogPath == "" {
		effective.LogPath = "/app/data/bot.log"
	}

	data, err := json.MarshalIndent(effective, "", "  ")
	if err != nil {
		return types.Placement{}, fmt.Errorf("failed to marshal bot config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		return types.Placement{}, fmt.Errorf("failed to write bot config: %w", err)
	}

	return types.Placement{
		Kind: types.PlacementDedicated,
		Dedicated: &types.DedicatedPlacement{
			ContainerName: DedicatedContainerName(instanceID),
			Port:          effective.ListenPort,
		},
	}, nil
}

// Start starts a bot wherever it lives.
func (m *Mapper) Start(ctx context.Context, instanceID string, cfg *types.BotConfig) error {
	if _, ok := m.pm.Lookup(instanceID); ok {
		return m.pm.Start(ctx, instanceID, cfg)
	}
	return m.startDedicated(ctx, instanceID)
}

func (m *Mapper) startDedicated(ctx context.Context, instanceID string) error {
	name := DedicatedContainerName(instanceID)
	state, err := m.driver.Inspect(ctx, name)
	if err != nil {
		return err
	}
	if state.Exists {
		if state.Running {
			return nil
		}
		return m.driver.StartContainer(ctx, name)
	}

	dir, _, ok := FindInstanceDirAnyUser(m.root, instanceID)
	if !ok {
		return fmt.Errorf("%w: %s", pool.ErrUnknownInstance, instanceID)
	}
	cfg, err := readBotConfig(dir)
	if err != nil {
		return err
	}
	return m.driver.RunDedicated(ctx, &runtime.DedicatedSpec{
		Name:       name,
		Image:      m.image,
		Port:       cfg.ListenPort,
		BindMounts: []string{dir + ":/app/data"},
	})
}

// Stop stops a bot wherever it lives. Best-effort, like the pool path.
func (m *Mapper) Stop(ctx context.Context, instanceID string) error {
	if _, ok := m.pm.Lookup(instanceID); ok {
		return m.pm.Stop(ctx, instanceID)
	}
	if err := m.driver.StopContainer(ctx, DedicatedContainerName(instanceID)); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("dedicated stop failed")
	}
	return nil
}

// Remove deletes a bot's placement, process, and on-disk directory.
func (m *Mapper) Remove(ctx context.Context, instanceID string) error {
	m.Invalidate(instanceID)

	if _, ok := m.pm.Lookup(instanceID); ok {
		return m.pm.Remove(ctx, instanceID)
	}

	name := DedicatedContainerName(instanceID)
	if err := m.driver.StopContainer(ctx, name); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("dedicated stop failed during remove")
	}
	if err := m.driver.RemoveContainer(ctx, name); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("dedicated remove failed")
	}
	if dir, _, ok := FindInstanceDirAnyUser(m.root, instanceID); ok {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("instance directory removal failed")
		}
	}
	return nil
}

// readBotConfig loads a bot's config.json from its instance directory.
func readBotConfig(dir string) (*types.BotConfig, error) {
	path := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bot config %s: %w", path, err)
	}
	var cfg types.BotConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bot config %s: %w", path, err)
	}
	return &cfg, nil
}
