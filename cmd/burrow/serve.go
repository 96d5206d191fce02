package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/journal"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/mapper"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/monitor"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Run the Burrow daemon: reconcile recorded state against the container
runtime, start the health monitor, and serve the admin/metrics endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		logger := log.WithComponent("serve")

		driver, err := runtime.NewDockerDriver(runtime.WithExecTimeout(cfg.ExecTimeout))
		if err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()

		jnl, err := journal.Open(cfg.Root)
		if err != nil {
			return err
		}
		stopJournal := jnl.Follow(broker)

		pm := pool.NewManager(&pool.Config{
			Root:         cfg.Root,
			Image:        cfg.DefaultImage,
			MaxBots:      cfg.MaxBots,
			BasePort:     cfg.BasePort,
			HostResolver: mapper.NewHostResolver(cfg.HostMode, cfg.HostOverride),
		}, driver, broker)

		mp := mapper.NewMapper(&mapper.Config{
			Root:            cfg.Root,
			Image:           cfg.DefaultImage,
			PoolModeEnabled: cfg.PoolModeEnabled,
			HostResolver:    mapper.NewHostResolver(cfg.HostMode, cfg.HostOverride),
		}, pm, driver)

		// Recorded state may have drifted while the daemon was down.
		report := pm.Reconcile(cmd.Context())
		logger.Info().
			Int("pools", report.PoolsChecked).
			Int("stale_slots_removed", report.RemovedStaleSlots).
			Int("orphans", report.OrphansFound).
			Msg("Startup reconciliation complete")

		mon := monitor.NewMonitor(&monitor.Config{
			Interval:    cfg.HealthCheckInterval,
			MaxAttempts: cfg.MaxRestartAttempts,
			Cooldown:    cfg.RestartCooldown,
		}, pm, driver, broker)
		mon.Start()

		httpServer := newAdminServer(cfg.MetricsAddr, pm, mp, mon, jnl)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Admin endpoint listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Admin endpoint failed")
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		mon.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Admin endpoint shutdown failed")
		}
		stopJournal()
		broker.Stop()
		if err := jnl.Close(); err != nil {
			logger.Warn().Err(err).Msg("Journal close failed")
		}
		pm.Shutdown()

		logger.Info().Msg("Shutdown complete")
		return nil
	},
}

// newAdminServer wires the metrics handler and a small read-mostly admin API
// onto one listener.
func newAdminServer(addr string, pm *pool.Manager, mp *mapper.Mapper, mon *monitor.Monitor, jnl *journal.Journal) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		latest := mon.Latest()
		if latest == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "no health check yet")
			return
		}
		writeJSON(w, latest)
	})

	mux.HandleFunc("/v1/pools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, pm.Snapshot())
	})

	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, pm.Stats())
	})

	mux.HandleFunc("/v1/bots/", func(w http.ResponseWriter, r *http.Request) {
		instanceID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/bots/"), "/connection")
		if instanceID == "" {
			http.NotFound(w, r)
			return
		}
		conn, err := mp.Resolve(instanceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, conn)
	})

	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		recent, err := jnl.Recent(50)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, recent)
	})

	return &http.Server{Addr: addr, Handler: mux}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("serve")
		logger.Warn().Err(err).Msg("response encoding failed")
	}
}
