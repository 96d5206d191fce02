package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/journal"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/runtime"
)

var (
	statusJSON   bool
	statusEvents int
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit machine-readable JSON")
	statusCmd.Flags().IntVar(&statusEvents, "events", 10, "number of recent journal events to show (0 hides them)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pools, bots, and recent events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		log.Init(log.Config{Level: log.WarnLevel, JSONOutput: cfg.LogJSON})

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

		pools := pm.Snapshot()
		stats := pm.Stats()

		jnl, err := journal.Open(cfg.Root)
		if err != nil {
			return err
		}
		defer jnl.Close()
		recent, err := jnl.Recent(statusEvents)
		if err != nil {
			return err
		}

		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
				"stats":        stats,
				"pools":        pools,
				"recentEvents": recent,
			})
		}

		fmt.Printf("Pools: %d  Bots: %d\n\n", stats.Pools, stats.Bots)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "POOL\tUSER\tSTATUS\tBOTS\tPORTS")
		for _, p := range pools {
			lo, hi := p.PortRange()
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d-%d\n",
				p.ID, p.UserID, p.Status, len(p.Bots), p.MaxBots, lo, hi-1)
		}
		w.Flush()

		if len(recent) > 0 {
			fmt.Println("\nRecent events:")
			for _, e := range recent {
				subject := e.PoolID
				if e.InstanceID != "" {
					subject = e.InstanceID
				}
				fmt.Printf("  %s  %-28s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, subject)
			}
		}
		return nil
	},
}
