package types

import (
	"fmt"
	"time"
)

// Pool represents a shared container hosting multiple bot processes for one user.
type Pool struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	ContainerName string     `json:"containerName"`
	MaxBots       int        `json:"maxBots"`
	BasePort      int        `json:"basePort"`
	Bots          []string   `json:"bots"` // instance IDs in slot-index order
	Status        PoolStatus `json:"status"`
	Dir           string     `json:"dir"` // on-disk layout root for this pool
	MemoryMB      float64    `json:"memoryMb"`
	CPUPercent    float64    `json:"cpuPercent"`
	MetricsAt     time.Time  `json:"metricsAt"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// PoolStatus represents the lifecycle state of a pool container.
type PoolStatus string

const (
	PoolStatusRunning PoolStatus = "running"
	PoolStatusStopped PoolStatus = "stopped"
	PoolStatusFailed  PoolStatus = "failed"
)

// HasCapacity reports whether the pool can accept another bot.
func (p *Pool) HasCapacity() bool {
	return p.Status == PoolStatusRunning && len(p.Bots) < p.MaxBots
}

// PortRange returns the half-open port range [lo, hi) owned by the pool.
func (p *Pool) PortRange() (lo, hi int) {
	return p.BasePort, p.BasePort + p.MaxBots
}

// Slot is the placement of one bot inside a pool.
type Slot struct {
	InstanceID string     `json:"instanceId"`
	PoolID     string     `json:"poolId"`
	UserID     string     `json:"userId"`
	SlotIndex  int        `json:"slotIndex"`
	Port       int        `json:"port"`
	Status     SlotStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// SlotStatus represents the lifecycle state of a pooled bot.
type SlotStatus string

const (
	SlotStatusPending SlotStatus = "pending"
	SlotStatusRunning SlotStatus = "running"
	SlotStatusStopped SlotStatus = "stopped"
	SlotStatusFailed  SlotStatus = "failed"
)

// ProgramName returns the supervisor program name for a bot instance.
func ProgramName(instanceID string) string {
	return "bot-" + instanceID
}

// PlacementKind discriminates where a bot process lives.
type PlacementKind string

const (
	PlacementPooled    PlacementKind = "pooled"
	PlacementDedicated PlacementKind = "dedicated"
)

// Placement is the tagged union over pooled and dedicated bot placement.
// Exactly one of Pooled or Dedicated is set, matching Kind.
type Placement struct {
	Kind      PlacementKind       `json:"kind"`
	Pooled    *PooledPlacement    `json:"pooled,omitempty"`
	Dedicated *DedicatedPlacement `json:"dedicated,omitempty"`
}

// PooledPlacement locates a bot inside a pool container.
type PooledPlacement struct {
	PoolID    string `json:"poolId"`
	SlotIndex int    `json:"slotIndex"`
	Port      int    `json:"port"`
}

// DedicatedPlacement locates a bot running in its own container.
type DedicatedPlacement struct {
	ContainerName string `json:"containerName"`
	Port          int    `json:"port"`
}

// Connection is the resolved endpoint and credentials for proxying requests
// to a bot's API.
type Connection struct {
	InstanceID    string
	Host          string
	Port          int
	URL           string
	Username      string
	Password      string
	Placement     Placement
	ContainerName string
	ResolvedAt    time.Time
}

// BaseURL builds the http URL for a host/port pair.
func BaseURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}

// BotConfig is the per-bot config file written under the bot's directory.
// The trading engine inside the container reads the same file.
type BotConfig struct {
	InstanceID     string  `json:"instanceId"`
	UserID         string  `json:"userId"`
	Strategy       string  `json:"strategy"`
	ListenPort     int     `json:"listenPort"`
	DBPath         string  `json:"dbPath"`
	LogPath        string  `json:"logPath"`
	APIUsername    string  `json:"apiUsername"`
	APIPassword    string  `json:"apiPassword"`
	InitialBalance float64 `json:"initialBalance"`
}

// HealthState classifies a probed subject.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// RestartScope distinguishes pool-level from bot-level recovery accounting.
type RestartScope string

const (
	ScopePool RestartScope = "pool"
	ScopeBot  RestartScope = "bot"
)

// HealthFinding is one classification produced by a monitor pass.
type HealthFinding struct {
	Scope       RestartScope `json:"scope"`
	SubjectID   string       `json:"subjectId"`
	PoolID      string       `json:"poolId"`
	State       HealthState  `json:"state"`
	Recoverable bool         `json:"recoverable"`
	Reason      string       `json:"reason"`
	CheckedAt   time.Time    `json:"checkedAt"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	PoolsChecked      int      `json:"poolsChecked"`
	RemovedStaleSlots int      `json:"removedStaleSlots"`
	OrphansFound      int      `json:"orphansFound"`
	Errors            []string `json:"errors"`
}

// PoolStats is the read-only view returned by the manager's Stats operation.
type PoolStats struct {
	Pools       int            `json:"pools"`
	Bots        int            `json:"bots"`
	PoolsByUser map[string]int `json:"poolsByUser"`
	ByStatus    map[string]int `json:"byStatus"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
