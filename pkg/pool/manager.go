package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/supervisor"
	"github.com/burrowhq/burrow/pkg/types"
)

// Config holds construction parameters for a Manager.
type Config struct {
	// Root is the filesystem root for per-user pool layouts and the state file.
	Root string

	// Image is the runtime image pool containers run.
	Image string

	// MaxBots is the per-pool capacity.
	MaxBots int

	// BasePort is the floor of the global contiguous port space.
	BasePort int

	// HostResolver maps a pool container name to the host callers should
	// dial. Nil defaults to the container name (docker-internal DNS).
	HostResolver func(containerName string) string
}

// ConnectionInfo is the manager's view of how to reach a pooled bot.
type ConnectionInfo struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	URL           string `json:"url"`
	PoolID        string `json:"poolId"`
	SlotIndex     int    `json:"slotIndex"`
	ContainerName string `json:"containerName"`
}

// Manager is the single source of truth for pools, slots, ports, and the
// on-disk pool layout. All mutations commit in memory under the manager lock
// and then persist to the state file; blocking runtime I/O never happens
// under the lock.
type Manager struct {
	root     string
	image    string
	maxBots  int
	basePort int
	hostFn   func(string) string

	driver runtime.Driver
	sup    *supervisor.Client
	broker *events.Broker
	logger zerolog.Logger

	mu         sync.RWMutex
	pools      map[string]*types.Pool
	poolOrder  []string // insertion order, placement iterates this
	mapping    map[string]*types.Slot
	nextPoolID int

	// createMu serializes the find-or-create decision so concurrent
	// allocations cannot create a second pool where one would have done.
	createMu sync.Mutex
}

// NewManager creates a manager and hydrates state from the root's state file.
func NewManager(cfg *Config, driver runtime.Driver, broker *events.Broker) *Manager {
	hostFn := cfg.HostResolver
	if hostFn == nil {
		hostFn = func(containerName string) string { return containerName }
	}

	m := &Manager{
		root:     cfg.Root,
		image:    cfg.Image,
		maxBots:  cfg.MaxBots,
		basePort: cfg.BasePort,
		hostFn:   hostFn,
		driver:   driver,
		sup:      supervisor.NewClient(driver),
		broker:   broker,
		logger:   log.WithComponent("pool"),
		pools:    make(map[string]*types.Pool),
		mapping:  make(map[string]*types.Slot),
	}
	m.load()
	return m
}

// Shutdown persists state one final time.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.persist()
}

// publish emits an event when a broker is attached. Read-only commands run
// the manager without one.
func (m *Manager) publish(event *events.Event) {
	if m.broker != nil {
		m.broker.Publish(event)
	}
}

// Allocate places a bot into a pool owned by userID, creating a pool when no
// existing one has capacity. Repeating an allocation returns the existing
// slot unchanged.
func (m *Manager) Allocate(ctx context.Context, instanceID, userID string, cfg *types.BotConfig) (*types.Slot, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if cfg != nil && cfg.InitialBalance < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBalance, cfg.InitialBalance)
	}

	if slot, ok := m.Lookup(instanceID); ok {
		return &slot, nil
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	// Recheck under the creation lock; a concurrent allocation may have won.
	if slot, ok := m.Lookup(instanceID); ok {
		return &slot, nil
	}

	m.mu.RLock()
	targetID := m.findPoolLocked(userID)
	m.mu.RUnlock()

	if targetID == "" {
		created, err := m.createPool(ctx, userID)
		if err != nil {
			return nil, err
		}
		targetID = created.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.pools[targetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolMissing, targetID)
	}

	slot := &types.Slot{
		InstanceID: instanceID,
		PoolID:     target.ID,
		UserID:     userID,
		SlotIndex:  len(target.Bots),
		Port:       m.nextFreePortLocked(target),
		Status:     types.SlotStatusPending,
		CreatedAt:  time.Now(),
	}
	target.Bots = append(target.Bots, instanceID)
	m.mapping[instanceID] = slot
	m.persist()

	m.logger.Info().
		Str("instance_id", instanceID).
		Str("user_id", userID).
		Str("pool_id", target.ID).
		Int("port", slot.Port).
		Int("slot_index", slot.SlotIndex).
		Msg("bot allocated")

	out := *slot
	return &out, nil
}

// findPoolLocked returns the first pool owned by userID with capacity, in
// insertion order.
func (m *Manager) findPoolLocked(userID string) string {
	for _, id := range m.poolOrder {
		p := m.pools[id]
		if p.UserID == userID && p.HasCapacity() {
			return id
		}
	}
	return ""
}

// nextFreePortLocked picks the smallest port in the pool's range not held by
// any of its slots.
func (m *Manager) nextFreePortLocked(p *types.Pool) int {
	used := make(map[int]bool, len(p.Bots))
	for _, id := range p.Bots {
		if slot, ok := m.mapping[id]; ok {
			used[slot.Port] = true
		}
	}
	lo, hi := p.PortRange()
	for port := lo; port < hi; port++ {
		if !used[port] {
			return port
		}
	}
	// Unreachable: the capacity check precedes port choice.
	return hi
}

// createPool provisions a new pool for a user: assigns identity and ports,
// scaffolds the filesystem layout, and brings the container up. The pool is
// registered only after the runtime reports the container up.
func (m *Manager) createPool(ctx context.Context, userID string) (*types.Pool, error) {
	m.mu.RLock()
	number := m.maxPoolNumberLocked(userID) + 1
	base := m.nextBasePortLocked()
	m.mu.RUnlock()

	poolID := fmt.Sprintf("%s-pool-%d", userID, number)
	p := &types.Pool{
		ID:            poolID,
		UserID:        userID,
		ContainerName: poolID,
		MaxBots:       m.maxBots,
		BasePort:      base,
		Status:        types.PoolStatusRunning,
		Dir:           PoolDir(m.root, userID, poolID),
		CreatedAt:     time.Now(),
	}

	if err := scaffold(p.Dir, p, m.image); err != nil {
		return nil, err
	}
	if err := m.driver.ComposeUp(ctx, p.Dir); err != nil {
		return nil, fmt.Errorf("failed to bring pool %s up: %w", poolID, err)
	}

	m.mu.Lock()
	m.pools[poolID] = p
	m.poolOrder = append(m.poolOrder, poolID)
	m.nextPoolID++
	m.persist()
	m.mu.Unlock()

	m.publish(&events.Event{
		Type:   events.EventPoolCreated,
		PoolID: poolID,
		UserID: userID,
		Fields: map[string]string{"basePort": strconv.Itoa(base)},
	})
	m.logger.Info().
		Str("pool_id", poolID).
		Str("user_id", userID).
		Int("base_port", base).
		Msg("pool created")

	return p, nil
}

// maxPoolNumberLocked returns the highest pool number assigned to a user.
func (m *Manager) maxPoolNumberLocked(userID string) int {
	max := 0
	prefix := userID + "-pool-"
	for id, p := range m.pools {
		if p.UserID != userID || !strings.HasPrefix(id, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(id, prefix)); err == nil && n > max {
			max = n
		}
	}
	return max
}

// nextBasePortLocked returns the smallest base port not overlapping any
// existing pool's range. The space grows monotonically across all users.
func (m *Manager) nextBasePortLocked() int {
	next := m.basePort
	for _, p := range m.pools {
		if _, hi := p.PortRange(); hi > next {
			next = hi
		}
	}
	return next
}

// slotAndPool returns copies of the slot and its pool.
func (m *Manager) slotAndPool(instanceID string) (*types.Slot, *types.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot, ok := m.mapping[instanceID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	p, ok := m.pools[slot.PoolID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrPoolMissing, slot.PoolID)
	}
	s, pc := *slot, *p
	return &s, &pc, nil
}

func (m *Manager) setSlotStatus(instanceID string, status types.SlotStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot, ok := m.mapping[instanceID]; ok {
		slot.Status = status
		m.persist()
	}
}

// Start writes the bot's config and supervisor program file, then starts the
// program. A program the supervisor already runs is left alone.
func (m *Manager) Start(ctx context.Context, instanceID string, cfg *types.BotConfig) error {
	slot, p, err := m.slotAndPool(instanceID)
	if err != nil {
		return err
	}

	if _, err := writeBotConfig(m.root, p.Dir, slot, cfg); err != nil {
		return err
	}
	if err := writeProgramConf(p.Dir, slot); err != nil {
		return err
	}

	program := types.ProgramName(instanceID)
	if err := m.sup.Reread(ctx, p.ContainerName); err != nil {
		return err
	}
	if err := m.sup.Update(ctx, p.ContainerName); err != nil {
		return err
	}
	if err := m.sup.StartProgram(ctx, p.ContainerName, program); err != nil {
		m.setSlotStatus(instanceID, types.SlotStatusFailed)
		return err
	}

	m.setSlotStatus(instanceID, types.SlotStatusRunning)
	m.logger.Info().Str("instance_id", instanceID).Str("pool_id", p.ID).Msg("bot started")
	return nil
}

// Stop stops a bot's program. Cleanup must make progress, so runtime errors
// and an unknown instance are logged, not raised.
func (m *Manager) Stop(ctx context.Context, instanceID string) error {
	slot, p, err := m.slotAndPool(instanceID)
	if err != nil {
		m.logger.Debug().Err(err).Str("instance_id", instanceID).Msg("stop skipped")
		return nil
	}

	if err := m.sup.StopProgram(ctx, p.ContainerName, types.ProgramName(slot.InstanceID)); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("supervisor stop failed")
	}
	m.setSlotStatus(instanceID, types.SlotStatusStopped)
	return nil
}

// Restart restarts a bot's program and returns the slot to running.
func (m *Manager) Restart(ctx context.Context, instanceID string) error {
	slot, p, err := m.slotAndPool(instanceID)
	if err != nil {
		return err
	}
	if err := m.sup.RestartProgram(ctx, p.ContainerName, types.ProgramName(slot.InstanceID)); err != nil {
		return err
	}
	m.setSlotStatus(instanceID, types.SlotStatusRunning)
	return nil
}

// UpdateStrategy rewrites the bot's config and program file for a new
// strategy and restarts the program. Strategy changes always restart; there
// is no hot reload.
func (m *Manager) UpdateStrategy(ctx context.Context, instanceID, strategy string) error {
	slot, p, err := m.slotAndPool(instanceID)
	if err != nil {
		return err
	}

	path := BotConfigPath(p.Dir, slot.InstanceID)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read bot config %s: %w", path, err)
	}
	var cfg types.BotConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse bot config %s: %w", path, err)
	}

	cfg.Strategy = resolveStrategy(m.root, strategy)
	if _, err := writeBotConfig(m.root, p.Dir, slot, &cfg); err != nil {
		return err
	}
	if err := writeProgramConf(p.Dir, slot); err != nil {
		return err
	}

	if err := m.sup.Reread(ctx, p.ContainerName); err != nil {
		return err
	}
	if err := m.sup.Update(ctx, p.ContainerName); err != nil {
		return err
	}
	if err := m.sup.RestartProgram(ctx, p.ContainerName, types.ProgramName(instanceID)); err != nil {
		return err
	}

	m.setSlotStatus(instanceID, types.SlotStatusRunning)
	m.logger.Info().
		Str("instance_id", instanceID).
		Str("strategy", cfg.Strategy).
		Msg("strategy updated")
	return nil
}

// Remove takes a bot out of its pool: the supervisor program, the program
// file, and the bot directory go away, then the mapping. Best-effort
// throughout; the mapping is removed even when container cleanup fails.
func (m *Manager) Remove(ctx context.Context, instanceID string) error {
	slot, p, err := m.slotAndPool(instanceID)
	if err != nil {
		m.logger.Debug().Err(err).Str("instance_id", instanceID).Msg("remove skipped")
		return nil
	}

	program := types.ProgramName(slot.InstanceID)
	if err := m.sup.StopProgram(ctx, p.ContainerName, program); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("supervisor stop failed during remove")
	}
	if err := m.sup.RemoveProgram(ctx, p.ContainerName, program); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("supervisor remove failed")
	}
	if err := os.Remove(programConfPath(p.Dir, slot.InstanceID)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("program conf removal failed")
	}
	if err := os.RemoveAll(BotDir(p.Dir, slot.InstanceID)); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("bot directory removal failed")
	}

	m.mu.Lock()
	if live, ok := m.pools[slot.PoolID]; ok {
		live.Bots = removeString(live.Bots, instanceID)
	}
	delete(m.mapping, instanceID)
	m.persist()
	m.mu.Unlock()

	m.logger.Info().Str("instance_id", instanceID).Str("pool_id", slot.PoolID).Msg("bot removed")
	return nil
}

// CleanupEmptyPools tears down pools that host no bots. Per-pool failures
// are collected and do not halt the sweep.
func (m *Manager) CleanupEmptyPools(ctx context.Context) (int, error) {
	m.mu.RLock()
	var empty []*types.Pool
	for _, id := range m.poolOrder {
		if p := m.pools[id]; len(p.Bots) == 0 {
			pc := *p
			empty = append(empty, &pc)
		}
	}
	m.mu.RUnlock()

	var errs *multierror.Error
	removed := 0
	for _, p := range empty {
		if err := m.driver.ComposeDown(ctx, p.Dir); err != nil {
			m.logger.Warn().Err(err).Str("pool_id", p.ID).Msg("pool teardown failed")
			errs = multierror.Append(errs, err)
			continue
		}
		if err := os.RemoveAll(p.Dir); err != nil {
			m.logger.Warn().Err(err).Str("pool_id", p.ID).Msg("pool directory removal failed")
			errs = multierror.Append(errs, err)
		}

		m.mu.Lock()
		delete(m.pools, p.ID)
		m.poolOrder = removeString(m.poolOrder, p.ID)
		m.persist()
		m.mu.Unlock()

		m.publish(&events.Event{
			Type:   events.EventPoolRemoved,
			PoolID: p.ID,
			UserID: p.UserID,
		})
		m.logger.Info().Str("pool_id", p.ID).Msg("empty pool removed")
		removed++
	}
	return removed, errs.ErrorOrNil()
}

// Lookup returns the slot for an instance, if any.
func (m *Manager) Lookup(instanceID string) (types.Slot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if slot, ok := m.mapping[instanceID]; ok {
		return *slot, true
	}
	return types.Slot{}, false
}

// GetPool returns a copy of a pool.
func (m *Manager) GetPool(poolID string) (types.Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.pools[poolID]; ok {
		return copyPool(p), true
	}
	return types.Pool{}, false
}

// Snapshot returns deep copies of all pools in insertion order.
func (m *Manager) Snapshot() []*types.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Pool, 0, len(m.poolOrder))
	for _, id := range m.poolOrder {
		pc := copyPool(m.pools[id])
		out = append(out, &pc)
	}
	return out
}

// UserPools returns copies of the pools owned by a user.
func (m *Manager) UserPools(userID string) []*types.Pool {
	var out []*types.Pool
	for _, p := range m.Snapshot() {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

// ConnectionOf resolves how to reach a pooled bot; nil when unknown.
func (m *Manager) ConnectionOf(instanceID string) *ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot, ok := m.mapping[instanceID]
	if !ok {
		return nil
	}
	p, ok := m.pools[slot.PoolID]
	if !ok {
		return nil
	}

	host := m.hostFn(p.ContainerName)
	return &ConnectionInfo{
		Host:          host,
		Port:          slot.Port,
		URL:           types.BaseURL(host, slot.Port),
		PoolID:        p.ID,
		SlotIndex:     slot.SlotIndex,
		ContainerName: p.ContainerName,
	}
}

// Stats returns aggregate counts for operator views.
func (m *Manager) Stats() *types.PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &types.PoolStats{
		Pools:       len(m.pools),
		Bots:        len(m.mapping),
		PoolsByUser: make(map[string]int),
		ByStatus:    make(map[string]int),
		UpdatedAt:   time.Now(),
	}
	for _, p := range m.pools {
		stats.PoolsByUser[p.UserID]++
	}
	for _, slot := range m.mapping {
		stats.ByStatus[string(slot.Status)]++
	}
	return stats
}

// RestartPool restarts a pool's container; used by health recovery.
func (m *Manager) RestartPool(ctx context.Context, poolID string) error {
	m.mu.RLock()
	p, ok := m.pools[poolID]
	var containerName string
	if ok {
		containerName = p.ContainerName
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolMissing, poolID)
	}

	if err := m.driver.Restart(ctx, containerName); err != nil {
		return err
	}

	m.mu.Lock()
	if live, ok := m.pools[poolID]; ok {
		live.Status = types.PoolStatusRunning
		m.persist()
	}
	m.mu.Unlock()
	return nil
}

// UpdatePoolMetrics records a best-effort resource sample for a pool.
func (m *Manager) UpdatePoolMetrics(poolID string, memMB, cpuPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[poolID]; ok {
		p.MemoryMB = memMB
		p.CPUPercent = cpuPct
		p.MetricsAt = time.Now()
	}
}

func copyPool(p *types.Pool) types.Pool {
	pc := *p
	pc.Bots = append([]string(nil), p.Bots...)
	return pc
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
