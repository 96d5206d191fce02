package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/supervisor"
	"github.com/burrowhq/burrow/pkg/types"
)

const (
	// DefaultInterval is how often the monitor runs a full pass.
	DefaultInterval = 30 * time.Second

	// unhealthyBotThreshold: above this fraction of unhealthy bots the whole
	// deployment is reported unhealthy.
	unhealthyBotThreshold = 0.2
)

// RecoveryOutcome labels what happened to one recovery decision.
type RecoveryOutcome string

const (
	OutcomeAttempted RecoveryOutcome = "attempted"
	OutcomeSkipped   RecoveryOutcome = "skipped"
	OutcomeFailed    RecoveryOutcome = "failed"
)

// RecoveryAction records one recovery decision made during a pass.
type RecoveryAction struct {
	Scope             types.RestartScope `json:"scope"`
	SubjectID         string             `json:"subjectId"`
	PoolID            string             `json:"poolId,omitempty"`
	Outcome           RecoveryOutcome    `json:"outcome"`
	CooldownRemaining time.Duration      `json:"cooldownRemaining,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// Report summarizes one monitor pass.
type Report struct {
	Status     types.HealthState     `json:"status"`
	Pools      int                   `json:"pools"`
	Bots       int                   `json:"bots"`
	Findings   []types.HealthFinding `json:"findings"`
	Recoveries []RecoveryAction      `json:"recoveries"`
	CheckedAt  time.Time             `json:"checkedAt"`
	Duration   time.Duration         `json:"duration"`
}

// Config holds monitor tuning.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Cooldown    time.Duration
}

// Monitor periodically probes pool containers and the bots inside them,
// classifies what it sees, and drives bounded automatic recovery.
type Monitor struct {
	pm     *pool.Manager
	driver runtime.Driver
	sup    *supervisor.Client
	broker *events.Broker
	ledger *RestartLedger

	interval time.Duration
	logger   zerolog.Logger

	mu     sync.RWMutex
	latest *Report

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a monitor over the given manager and driver. The broker
// may be nil when nobody consumes events.
func NewMonitor(cfg *Config, pm *pool.Manager, driver runtime.Driver, broker *events.Broker) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		pm:       pm,
		driver:   driver,
		sup:      supervisor.NewClient(driver),
		broker:   broker,
		ledger:   NewRestartLedger(cfg.MaxAttempts, cfg.Cooldown),
		interval: interval,
		logger:   log.WithComponent("monitor"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic check loop.
func (m *Monitor) Start() {
	go m.run()
	m.logger.Info().Dur("interval", m.interval).Msg("Health monitor started")
}

// Stop terminates the loop and waits for an in-flight pass to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.logger.Info().Msg("Health monitor stopped")
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(context.Background())
		}
	}
}

// Latest returns the most recent report, or nil before the first pass.
func (m *Monitor) Latest() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Check runs one full monitor pass: probe, classify, recover, publish.
func (m *Monitor) Check(ctx context.Context) *Report {
	started := time.Now()
	report := &Report{CheckedAt: started}

	pools := m.pm.Snapshot()
	report.Pools = len(pools)

	for _, p := range pools {
		// Pools recorded stopped are out of service; probing or restarting
		// them would fight reconciliation.
		if p.Status == types.PoolStatusStopped {
			continue
		}
		m.checkPool(ctx, p, report)
	}

	report.Status = summarize(report)
	report.Duration = time.Since(started)

	metrics.HealthChecksTotal.Inc()
	metrics.HealthCheckDuration.Observe(report.Duration.Seconds())
	m.updateGauges(pools, report)

	m.mu.Lock()
	m.latest = report
	m.mu.Unlock()

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type: events.EventHealthCheckComplete,
			Fields: map[string]string{
				"status":     string(report.Status),
				"pools":      strconv.Itoa(report.Pools),
				"bots":       strconv.Itoa(report.Bots),
				"findings":   strconv.Itoa(len(report.Findings)),
				"recoveries": strconv.Itoa(len(report.Recoveries)),
			},
		})
	}

	m.logger.Debug().
		Str("status", string(report.Status)).
		Int("pools", report.Pools).
		Int("bots", report.Bots).
		Int("findings", len(report.Findings)).
		Dur("duration", report.Duration).
		Msg("Health check complete")

	return report
}

func (m *Monitor) checkPool(ctx context.Context, p *types.Pool, report *Report) {
	finding := m.classifyPool(ctx, p)
	if finding.State != types.HealthStateHealthy {
		report.Findings = append(report.Findings, finding)
		if finding.Recoverable {
			report.Recoveries = append(report.Recoveries, m.recoverPool(ctx, p))
		}
		// Bots are unreachable while the pool itself is down; recovering the
		// pool restarts supervisord, which brings autorestart programs back.
		report.Bots += len(p.Bots)
		return
	}

	programs, err := m.sup.Status(ctx, p.ContainerName)
	if err != nil {
		// Alive passed but the status read raced a restart. Degraded, retry
		// next pass.
		report.Findings = append(report.Findings, types.HealthFinding{
			Scope:     types.ScopePool,
			SubjectID: p.ID,
			PoolID:    p.ID,
			State:     types.HealthStateDegraded,
			Reason:    fmt.Sprintf("supervisor status failed: %v", err),
			CheckedAt: time.Now(),
		})
		report.Bots += len(p.Bots)
		return
	}

	for _, instanceID := range p.Bots {
		slot, ok := m.pm.Lookup(instanceID)
		if !ok {
			continue
		}
		report.Bots++

		// Deliberately stopped or never-started bots are not failures.
		if slot.Status != types.SlotStatusRunning && slot.Status != types.SlotStatusFailed {
			continue
		}

		botFinding := classifyBot(&slot, programs)
		if botFinding.State == types.HealthStateHealthy {
			continue
		}
		report.Findings = append(report.Findings, botFinding)
		if botFinding.Recoverable {
			report.Recoveries = append(report.Recoveries, m.recoverBot(ctx, instanceID, p.ID))
		}
	}

	m.samplePool(ctx, p)
}

// classifyPool probes the pool container and its supervisor.
func (m *Monitor) classifyPool(ctx context.Context, p *types.Pool) types.HealthFinding {
	finding := types.HealthFinding{
		Scope:     types.ScopePool,
		SubjectID: p.ID,
		PoolID:    p.ID,
		CheckedAt: time.Now(),
	}

	state, err := m.driver.Inspect(ctx, p.ContainerName)
	switch {
	case err != nil:
		finding.State = types.HealthStateDegraded
		finding.Reason = fmt.Sprintf("inspect failed: %v", err)
	case !state.Exists:
		finding.State = types.HealthStateUnhealthy
		finding.Recoverable = true
		finding.Reason = "container missing"
	case !state.Running:
		finding.State = types.HealthStateUnhealthy
		finding.Recoverable = true
		finding.Reason = "container not running: " + state.Status
	case !m.sup.Alive(ctx, p.ContainerName):
		finding.State = types.HealthStateDegraded
		finding.Recoverable = true
		finding.Reason = "supervisor unreachable"
	default:
		finding.State = types.HealthStateHealthy
	}
	return finding
}

// classifyBot maps a supervisor program state onto a health finding.
func classifyBot(slot *types.Slot, programs map[string]supervisor.ProgramState) types.HealthFinding {
	finding := types.HealthFinding{
		Scope:     types.ScopeBot,
		SubjectID: slot.InstanceID,
		PoolID:    slot.PoolID,
		CheckedAt: time.Now(),
	}

	state, known := programs[types.ProgramName(slot.InstanceID)]
	switch {
	case !known:
		finding.State = types.HealthStateUnhealthy
		finding.Recoverable = true
		finding.Reason = "program not registered with supervisor"
	case state == supervisor.StateRunning:
		finding.State = types.HealthStateHealthy
	case state == supervisor.StateStarting:
		finding.State = types.HealthStateDegraded
		finding.Reason = "program starting"
	case state == supervisor.StateStopped || state == supervisor.StateFatal ||
		state == supervisor.StateBackoff || state == supervisor.StateExited:
		finding.State = types.HealthStateUnhealthy
		finding.Recoverable = true
		finding.Reason = "program state " + string(state)
	default:
		finding.State = types.HealthStateDegraded
		finding.Reason = "program state " + string(state)
	}
	return finding
}

func (m *Monitor) recoverPool(ctx context.Context, p *types.Pool) RecoveryAction {
	action := RecoveryAction{Scope: types.ScopePool, SubjectID: p.ID, PoolID: p.ID}

	ok, remaining := m.ledger.Allow(types.ScopePool, p.ID)
	if !ok {
		action.Outcome = OutcomeSkipped
		action.CooldownRemaining = remaining
		metrics.RecoveriesTotal.WithLabelValues(string(types.ScopePool), string(OutcomeSkipped)).Inc()
		m.publish(events.EventPoolRecoverySkipped, p.ID, "", p.UserID, map[string]string{
			"cooldown_remaining": remaining.String(),
		})
		m.logger.Warn().Str("pool_id", p.ID).Dur("cooldown_remaining", remaining).
			Msg("Pool recovery skipped, cooldown active")
		return action
	}

	m.logger.Info().Str("pool_id", p.ID).Int("attempt", m.ledger.Attempts(types.ScopePool, p.ID)).
		Msg("Restarting unhealthy pool")
	m.publish(events.EventPoolRecoveryAttempt, p.ID, "", p.UserID, nil)

	err := m.pm.RestartPool(ctx, p.ID)
	if errors.Is(err, pool.ErrPoolMissing) {
		// Removed between observe and recover.
		action.Outcome = OutcomeSkipped
		metrics.RecoveriesTotal.WithLabelValues(string(types.ScopePool), string(OutcomeSkipped)).Inc()
		return action
	}
	if err != nil {
		action.Outcome = OutcomeFailed
		action.Error = err.Error()
		metrics.RecoveriesTotal.WithLabelValues(string(types.ScopePool), string(OutcomeFailed)).Inc()
		m.publish(events.EventPoolRecoveryFailed, p.ID, "", p.UserID, map[string]string{"error": err.Error()})
		m.logger.Error().Err(err).Str("pool_id", p.ID).Msg("Pool recovery failed")
		return action
	}

	action.Outcome = OutcomeAttempted
	metrics.RecoveriesTotal.WithLabelValues(string(types.ScopePool), string(OutcomeAttempted)).Inc()
	return action
}

func (m *Monitor) recoverBot(ctx context.Context, instanceID, poolID string) RecoveryAction {
	action := RecoveryAction{Scope: types.ScopeBot, SubjectID: instanceID, PoolID: poolID}

	ok, remaining := m.ledger.Allow(types.ScopeBot, instanceID)
	if !ok {
		action.Outcome = OutcomeSkipped
		action.CooldownRemaining = remaining
		metrics.RecoveriesTotal.WithLabelValues(string(types.ScopeBot), string(OutcomeSkipped)).Inc()
		m.publish(events.EventBotRecoverySkipped, poolID, instanceID, "", map[string]string{
			"cooldown_remaining": remaining.String(),
		})
		m.logger.Warn().Str("instance_id", instanceID).Dur("cooldown_remaining", remaining).
			Msg("Bot recovery skipped, cooldown active")
		return action
	}

	m.logger.Info().Str("instance_id", instanceID).Str("pool_id", poolID).
		Int("attempt", m.ledger.Attempts(types.ScopeBot, instanceID)).
		Msg("Restarting unhealthy bot")
	m.publish(events.EventBotRecoveryAttempt, poolID, instanceID, "", nil)

	err := m.pm.Restart(ctx, instanceID)
	if errors.Is(err, pool.ErrUnknownInstance) {
		action.Outcome = OutcomeSkipped
		metrics.RecoveriesTotal.WithLabelValues(string(types.ScopeBot), string(OutcomeSkipped)).Inc()
		return action
	}
	if err != nil {
		action.Outcome = OutcomeFailed
		action.Error = err.Error()
		metrics.RecoveriesTotal.WithLabelValues(string(types.ScopeBot), string(OutcomeFailed)).Inc()
		m.publish(events.EventBotRecoveryFailed, poolID, instanceID, "", map[string]string{"error": err.Error()})
		m.logger.Error().Err(err).Str("instance_id", instanceID).Msg("Bot recovery failed")
		return action
	}

	action.Outcome = OutcomeAttempted
	metrics.RecoveriesTotal.WithLabelValues(string(types.ScopeBot), string(OutcomeAttempted)).Inc()
	return action
}

// samplePool collects resource usage for a healthy pool. Best-effort.
func (m *Monitor) samplePool(ctx context.Context, p *types.Pool) {
	stats, err := m.driver.Stats(ctx, p.ContainerName)
	if err != nil {
		m.logger.Debug().Err(err).Str("pool_id", p.ID).Msg("stats sample failed")
		return
	}
	m.pm.UpdatePoolMetrics(p.ID, stats.MemoryMB, stats.CPUPercent)
	metrics.PoolMemoryMB.WithLabelValues(p.ID).Set(stats.MemoryMB)
	metrics.PoolCPUPercent.WithLabelValues(p.ID).Set(stats.CPUPercent)
}

func (m *Monitor) updateGauges(pools []*types.Pool, report *Report) {
	byPoolStatus := map[string]int{}
	for _, p := range pools {
		byPoolStatus[string(p.Status)]++
	}
	for status, n := range byPoolStatus {
		metrics.PoolsTotal.WithLabelValues(status).Set(float64(n))
	}

	unhealthy, degraded := countBotFindings(report)
	metrics.BotsTotal.WithLabelValues(string(types.HealthStateUnhealthy)).Set(float64(unhealthy))
	metrics.BotsTotal.WithLabelValues(string(types.HealthStateDegraded)).Set(float64(degraded))
	metrics.BotsTotal.WithLabelValues(string(types.HealthStateHealthy)).Set(float64(report.Bots - unhealthy - degraded))
}

func (m *Monitor) publish(typ events.EventType, poolID, instanceID, userID string, fields map[string]string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:       typ,
		PoolID:     poolID,
		InstanceID: instanceID,
		UserID:     userID,
		Fields:     fields,
	})
}

// summarize rolls findings up into one deployment-wide state. Any unhealthy
// pool, or more than 20% unhealthy bots, makes the whole deployment
// unhealthy; any degraded finding makes it degraded.
func summarize(report *Report) types.HealthState {
	unhealthyBots, _ := countBotFindings(report)
	anyDegraded := false
	for _, f := range report.Findings {
		if f.Scope == types.ScopePool && f.State == types.HealthStateUnhealthy {
			return types.HealthStateUnhealthy
		}
		if f.State == types.HealthStateDegraded {
			anyDegraded = true
		}
	}
	if report.Bots > 0 && float64(unhealthyBots)/float64(report.Bots) > unhealthyBotThreshold {
		return types.HealthStateUnhealthy
	}
	if anyDegraded {
		return types.HealthStateDegraded
	}
	return types.HealthStateHealthy
}

func countBotFindings(report *Report) (unhealthy, degraded int) {
	for _, f := range report.Findings {
		if f.Scope != types.ScopeBot {
			continue
		}
		switch f.State {
		case types.HealthStateUnhealthy:
			unhealthy++
		case types.HealthStateDegraded:
			degraded++
		}
	}
	return unhealthy, degraded
}
