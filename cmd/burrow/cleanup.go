package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/runtime"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reconcile state and remove empty pools",
	Long: `Reconcile recorded state against the container runtime, then tear down
pool containers that no longer host any bot. Empty pools are only ever
removed by this explicit command, never automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		driver, err := runtime.NewDockerDriver(runtime.WithExecTimeout(cfg.ExecTimeout))
		if err != nil {
			return err
		}

		pm := pool.NewManager(&pool.Config{
			Root:     cfg.Root,
			Image:    cfg.DefaultImage,
			MaxBots:  cfg.MaxBots,
			BasePort: cfg.BasePort,
		}, driver, nil)
		defer pm.Shutdown()

		report := pm.Reconcile(cmd.Context())
		fmt.Printf("Reconciled %d pools: %d stale slots removed, %d orphans found\n",
			report.PoolsChecked, report.RemovedStaleSlots, report.OrphansFound)
		for _, msg := range report.Errors {
			fmt.Printf("  warning: %s\n", msg)
		}

		removed, err := pm.CleanupEmptyPools(cmd.Context())
		fmt.Printf("Removed %d empty pools\n", removed)
		return err
	},
}
