package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/supervisor"
	"github.com/burrowhq/burrow/pkg/types"
)

// Reconcile aligns pool state with what is actually running. For each pool it
// checks container presence and asks the supervisor for its program table:
// slots recorded as running whose program is not RUNNING are dropped; programs
// running without a slot are reported as orphans but never adopted. A pool
// whose container is gone is marked stopped.
func (m *Manager) Reconcile(ctx context.Context) *types.ReconcileReport {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	report := &types.ReconcileReport{}

	for _, p := range m.Snapshot() {
		report.PoolsChecked++
		m.reconcilePool(ctx, p, report)
	}

	m.logger.Info().
		Int("pools_checked", report.PoolsChecked).
		Int("removed_stale_slots", report.RemovedStaleSlots).
		Int("orphans_found", report.OrphansFound).
		Int("errors", len(report.Errors)).
		Msg("reconcile complete")
	return report
}

func (m *Manager) reconcilePool(ctx context.Context, p *types.Pool, report *types.ReconcileReport) {
	state, err := m.driver.Inspect(ctx, p.ContainerName)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("inspect %s: %v", p.ID, err))
		return
	}

	if !state.Exists {
		m.mu.Lock()
		if live, ok := m.pools[p.ID]; ok && live.Status != types.PoolStatusStopped {
			live.Status = types.PoolStatusStopped
			m.persist()
		}
		m.mu.Unlock()
		m.logger.Warn().Str("pool_id", p.ID).Msg("pool container absent, marked stopped")
		return
	}

	states, err := m.sup.Status(ctx, p.ContainerName)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("supervisor status %s: %v", p.ID, err))
		return
	}

	// Slots the state expects to run but the supervisor does not.
	for _, instanceID := range p.Bots {
		slot, ok := m.Lookup(instanceID)
		if !ok || slot.Status != types.SlotStatusRunning {
			// Pending, stopped, and failed slots are consistent with an
			// absent or idle program.
			continue
		}
		if states[types.ProgramName(instanceID)] == supervisor.StateRunning {
			continue
		}

		m.dropStaleSlot(instanceID, p.ID)
		report.RemovedStaleSlots++
		metrics.StaleSlotsRemoved.Inc()
	}

	// Programs the supervisor runs that no slot accounts for. Recorded for
	// operator attention, never rescued.
	for program, state := range states {
		if state != supervisor.StateRunning || !strings.HasPrefix(program, "bot-") {
			continue
		}
		instanceID := strings.TrimPrefix(program, "bot-")
		if _, ok := m.Lookup(instanceID); ok {
			continue
		}

		report.OrphansFound++
		report.Errors = append(report.Errors,
			fmt.Sprintf("orphaned_bot: %s running in %s without a slot", program, p.ID))
		metrics.OrphanedBotsFound.Inc()
		m.publish(&events.Event{
			Type:       events.EventOrphanedBot,
			PoolID:     p.ID,
			InstanceID: instanceID,
		})
	}
}

// dropStaleSlot removes a bot from pool and mapping after the supervisor
// reported it gone.
func (m *Manager) dropStaleSlot(instanceID, poolID string) {
	m.mu.Lock()
	if p, ok := m.pools[poolID]; ok {
		p.Bots = removeString(p.Bots, instanceID)
	}
	delete(m.mapping, instanceID)
	m.persist()
	m.mu.Unlock()

	m.publish(&events.Event{
		Type:       events.EventSlotRemovedStale,
		PoolID:     poolID,
		InstanceID: instanceID,
		Fields:     map[string]string{"reason": "not_running"},
	})
	m.logger.Warn().
		Str("instance_id", instanceID).
		Str("pool_id", poolID).
		Str("reason", "not_running").
		Msg("stale slot removed")
}
