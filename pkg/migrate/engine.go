package migrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/mapper"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/runtime"
	"github.com/burrowhq/burrow/pkg/types"
)

// migratedBackupSuffix marks a legacy directory whose bot now lives in a
// pool. The rename doubles as the rollback backup.
const migratedBackupSuffix = ".migrated"

const (
	defaultStabilizeWait = 2 * time.Second
	probeInterval        = 500 * time.Millisecond
)

// Config holds engine tuning.
type Config struct {
	Root          string
	Image         string
	MaxBots       int
	PingTimeout   time.Duration
	StabilizeWait time.Duration
}

// Engine moves legacy dedicated bots into pools, one bot at a time, with a
// durable ledger and per-bot rollback on verification failure.
type Engine struct {
	pm     *pool.Manager
	driver runtime.Driver
	broker *events.Broker
	ledger *Ledger

	root        string
	image       string
	maxBots     int
	pingTimeout time.Duration
	stabilize   time.Duration
	httpClient  *http.Client
	logger      zerolog.Logger
}

// NewEngine creates a migration engine. The broker may be nil.
func NewEngine(cfg *Config, pm *pool.Manager, driver runtime.Driver, broker *events.Broker) *Engine {
	stabilize := cfg.StabilizeWait
	if stabilize == 0 {
		stabilize = defaultStabilizeWait
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	return &Engine{
		pm:          pm,
		driver:      driver,
		broker:      broker,
		ledger:      NewLedger(cfg.Root),
		root:        cfg.Root,
		image:       cfg.Image,
		maxBots:     cfg.MaxBots,
		pingTimeout: pingTimeout,
		stabilize:   stabilize,
		httpClient:  &http.Client{Timeout: pingTimeout},
		logger:      log.WithComponent("migrate"),
	}
}

// Ledger exposes the engine's migration log.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Plan is what a dry run produces: the candidates and how much new pool
// capacity each user would need.
type Plan struct {
	Candidates       []Candidate    `json:"candidates"`
	ExistingCapacity map[string]int `json:"existingCapacity"`
	PoolsToCreate    map[string]int `json:"poolsToCreate"`
}

// DryRun reports what Execute would do without changing anything.
func (e *Engine) DryRun(ctx context.Context) (*Plan, error) {
	candidates, err := e.Discover(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Candidates:       candidates,
		ExistingCapacity: make(map[string]int),
		PoolsToCreate:    make(map[string]int),
	}

	perUser := make(map[string]int)
	for _, c := range candidates {
		perUser[c.UserID]++
	}
	for userID, n := range perUser {
		free := 0
		for _, p := range e.pm.UserPools(userID) {
			if p.Status == types.PoolStatusRunning {
				free += p.MaxBots - len(p.Bots)
			}
		}
		plan.ExistingCapacity[userID] = free
		if overflow := n - free; overflow > 0 && e.maxBots > 0 {
			plan.PoolsToCreate[userID] = (overflow + e.maxBots - 1) / e.maxBots
		}
	}
	return plan, nil
}

// Result summarizes one Execute run.
type Result struct {
	RunID    string        `json:"runId"`
	Migrated []Record      `json:"migrated"`
	Failed   []Record      `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Execute migrates every discovered candidate sequentially. A bot that fails
// verification is rolled back to its dedicated container; the run continues
// with the next candidate.
func (e *Engine) Execute(ctx context.Context) (*Result, error) {
	started := time.Now()
	result := &Result{RunID: uuid.New().String()}

	candidates, err := e.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.MarkStarted(started); err != nil {
		return nil, err
	}

	e.logger.Info().Str("run_id", result.RunID).Int("candidates", len(candidates)).
		Msg("Migration run started")

	for _, c := range candidates {
		rec, err := e.migrateOne(ctx, c)
		if err != nil {
			rec.Error = err.Error()
			result.Failed = append(result.Failed, rec)
			if lerr := e.ledger.RecordFailed(rec); lerr != nil {
				e.logger.Error().Err(lerr).Msg("failed to record migration failure")
			}
			metrics.MigrationsTotal.WithLabelValues("failure").Inc()
			e.publish(events.EventBotMigrationFailed, c, rec.PoolID, map[string]string{"error": err.Error()})
			continue
		}
		result.Migrated = append(result.Migrated, rec)
		if lerr := e.ledger.RecordMigrated(rec); lerr != nil {
			e.logger.Error().Err(lerr).Msg("failed to record migration success")
		}
		metrics.MigrationsTotal.WithLabelValues("success").Inc()
		e.publish(events.EventBotMigrated, c, rec.PoolID, map[string]string{"port": fmt.Sprintf("%d", rec.Port)})
	}

	if err := e.ledger.MarkCompleted(time.Now()); err != nil {
		e.logger.Error().Err(err).Msg("failed to stamp migration completion")
	}

	result.Duration = time.Since(started)
	e.logger.Info().Str("run_id", result.RunID).
		Int("migrated", len(result.Migrated)).Int("failed", len(result.Failed)).
		Dur("duration", result.Duration).Msg("Migration run finished")
	return result, nil
}

// migrateOne moves a single bot. On any error after the slot was allocated
// the pool side is torn down and the dedicated container restarted, so the
// bot is never left half-placed.
func (e *Engine) migrateOne(ctx context.Context, c Candidate) (Record, error) {
	rec := Record{InstanceID: c.InstanceID, UserID: c.UserID, At: time.Now()}
	logger := e.logger.With().Str("instance_id", c.InstanceID).Str("user_id", c.UserID).Logger()
	logger.Info().Msg("Migrating bot")

	if c.ContainerRuns {
		if err := e.driver.StopContainer(ctx, c.ContainerName); err != nil {
			logger.Warn().Err(err).Msg("failed to stop dedicated container, continuing")
		}
	}

	slot, err := e.pm.Allocate(ctx, c.InstanceID, c.UserID, c.Config)
	if err != nil {
		e.restoreDedicated(ctx, c)
		return rec, fmt.Errorf("allocation failed: %w", err)
	}
	rec.PoolID = slot.PoolID
	rec.Port = slot.Port

	if err := e.pm.Start(ctx, c.InstanceID, c.Config); err != nil {
		e.rollbackFailed(ctx, c)
		return rec, fmt.Errorf("pool start failed: %w", err)
	}

	if err := e.verify(ctx, c); err != nil {
		e.rollbackFailed(ctx, c)
		return rec, fmt.Errorf("verification failed: %w", err)
	}

	// The bot answers from its pool slot. Park the legacy directory as the
	// rollback backup and drop the dedicated container.
	if err := os.Rename(c.Dir, c.Dir+migratedBackupSuffix); err != nil {
		logger.Warn().Err(err).Msg("failed to park legacy directory")
	}
	if c.ContainerExists {
		if err := e.driver.RemoveContainer(ctx, c.ContainerName); err != nil {
			logger.Warn().Err(err).Msg("failed to remove dedicated container")
		}
	}

	logger.Info().Str("pool_id", rec.PoolID).Int("port", rec.Port).Msg("Bot migrated")
	return rec, nil
}

// verify waits for the pooled bot to settle, then pings its API with the
// bot's own credentials until it answers or the window closes.
func (e *Engine) verify(ctx context.Context, c Candidate) error {
	select {
	case <-time.After(e.stabilize):
	case <-ctx.Done():
		return ctx.Err()
	}

	info := e.pm.ConnectionOf(c.InstanceID)
	if info == nil {
		return errors.New("no connection info for pooled bot")
	}

	deadline := time.Now().Add(e.pingTimeout)
	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL+"/api/v1/ping", nil)
		if err != nil {
			return err
		}
		if c.Config.APIUsername != "" {
			req.SetBasicAuth(c.Config.APIUsername, c.Config.APIPassword)
		}

		resp, err := e.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("ping returned %s", resp.Status)
		} else {
			lastErr = err
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("bot did not answer within %s: %w", e.pingTimeout, lastErr)
		}
		select {
		case <-time.After(probeInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// rollbackFailed undoes a partial migration: free the pool slot, bring the
// dedicated container back.
func (e *Engine) rollbackFailed(ctx context.Context, c Candidate) {
	if err := e.pm.Remove(ctx, c.InstanceID); err != nil && !errors.Is(err, pool.ErrUnknownInstance) {
		e.logger.Warn().Err(err).Str("instance_id", c.InstanceID).Msg("failed to free pool slot during rollback")
	}
	e.restoreDedicated(ctx, c)
}

func (e *Engine) restoreDedicated(ctx context.Context, c Candidate) {
	if !c.ContainerRuns {
		return
	}
	if err := e.driver.StartContainer(ctx, c.ContainerName); err != nil {
		e.logger.Error().Err(err).Str("instance_id", c.InstanceID).
			Msg("failed to restart dedicated container after rollback")
	}
}

// Rollback reverses a completed migration: the bot leaves its pool slot and
// runs dedicated again from its parked legacy directory.
func (e *Engine) Rollback(ctx context.Context, instanceID string) error {
	rec, ok, err := e.ledger.MigratedRecord(instanceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("instance %s is not recorded as migrated", instanceID)
	}

	dir := e.legacyDir(rec.UserID, instanceID)
	backup := dir + migratedBackupSuffix
	if _, err := os.Stat(backup); err == nil {
		if err := os.Rename(backup, dir); err != nil {
			return fmt.Errorf("failed to restore legacy directory: %w", err)
		}
	} else if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("no legacy directory to restore for %s", instanceID)
	}

	cfg, err := readLegacyConfig(dir)
	if err != nil {
		return fmt.Errorf("failed to read restored config: %w", err)
	}

	if err := e.pm.Remove(ctx, instanceID); err != nil && !errors.Is(err, pool.ErrUnknownInstance) {
		e.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to remove pooled bot during rollback")
	}

	name := mapper.DedicatedContainerName(instanceID)
	if err := e.driver.RunDedicated(ctx, &runtime.DedicatedSpec{
		Name:       name,
		Image:      e.image,
		Port:       cfg.ListenPort,
		BindMounts: []string{dir + ":/app/data"},
	}); err != nil {
		return fmt.Errorf("failed to start dedicated container: %w", err)
	}

	rbRec := Record{InstanceID: instanceID, UserID: rec.UserID, PoolID: rec.PoolID, At: time.Now()}
	if err := e.ledger.RecordRollback(rbRec); err != nil {
		e.logger.Error().Err(err).Msg("failed to record rollback")
	}
	metrics.MigrationsTotal.WithLabelValues("rollback").Inc()
	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:       events.EventBotMigrationRollback,
			InstanceID: instanceID,
			UserID:     rec.UserID,
			PoolID:     rec.PoolID,
		})
	}

	e.logger.Info().Str("instance_id", instanceID).Msg("Migration rolled back")
	return nil
}

func (e *Engine) legacyDir(userID, instanceID string) string {
	return filepath.Join(e.root, userID, instanceID)
}

func (e *Engine) publish(typ events.EventType, c Candidate, poolID string, fields map[string]string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:       typ,
		PoolID:     poolID,
		InstanceID: c.InstanceID,
		UserID:     c.UserID,
		Fields:     fields,
	})
}
