package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/mapper"
	"github.com/burrowhq/burrow/pkg/migrate"
	"github.com/burrowhq/burrow/pkg/pool"
	"github.com/burrowhq/burrow/pkg/runtime"
)

var (
	flagDryRun   bool
	flagExecute  bool
	flagStatus   bool
	flagRollback string
	flagVerbose  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow-migrate",
	Short: "Migrate legacy single-container bots into pools",
	Long: `burrow-migrate moves bots out of per-bot tradebot-{id} containers and
into shared pool containers, one bot at a time. Each bot is verified on
its new port before the old container is removed; a bot that fails
verification is rolled back and the run continues.

Exactly one of --dry-run, --execute, --status, or --rollback is required.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		modes := 0
		for _, on := range []bool{flagDryRun, flagExecute, flagStatus, flagRollback != ""} {
			if on {
				modes++
			}
		}
		if modes != 1 {
			return fmt.Errorf("exactly one of --dry-run, --execute, --status, --rollback is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		level := log.WarnLevel
		if flagVerbose {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: cfg.LogJSON})

		driver, err := runtime.NewDockerDriver(runtime.WithExecTimeout(cfg.ExecTimeout))
		if err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		pm := pool.NewManager(&pool.Config{
			Root:         cfg.Root,
			Image:        cfg.DefaultImage,
			MaxBots:      cfg.MaxBots,
			BasePort:     cfg.BasePort,
			HostResolver: mapper.NewHostResolver(cfg.HostMode, cfg.HostOverride),
		}, driver, broker)
		defer pm.Shutdown()

		engine := migrate.NewEngine(&migrate.Config{
			Root:        cfg.Root,
			Image:       cfg.DefaultImage,
			MaxBots:     cfg.MaxBots,
			PingTimeout: cfg.BotPingTimeout,
		}, pm, driver, broker)

		switch {
		case flagDryRun:
			return runDryRun(cmd, engine)
		case flagExecute:
			return runExecute(cmd, engine)
		case flagStatus:
			return runStatus(engine)
		default:
			return engine.Rollback(cmd.Context(), flagRollback)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "show what would be migrated without changing anything")
	rootCmd.Flags().BoolVar(&flagExecute, "execute", false, "perform the migration")
	rootCmd.Flags().BoolVar(&flagStatus, "status", false, "show the migration ledger")
	rootCmd.Flags().StringVar(&flagRollback, "rollback", "", "move a migrated bot back to a dedicated container")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

func runDryRun(cmd *cobra.Command, engine *migrate.Engine) error {
	plan, err := engine.DryRun(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Candidates: %d\n", len(plan.Candidates))
	for _, c := range plan.Candidates {
		state := "no container"
		switch {
		case c.ContainerRuns:
			state = "running"
		case c.ContainerExists:
			state = "stopped"
		}
		fmt.Printf("  %s (user %s, port %d, container %s)\n",
			c.InstanceID, c.UserID, c.Config.ListenPort, state)
	}

	users := make([]string, 0, len(plan.ExistingCapacity))
	for u := range plan.ExistingCapacity {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		fmt.Printf("User %s: %d free slots, %d new pools needed\n",
			u, plan.ExistingCapacity[u], plan.PoolsToCreate[u])
	}
	return nil
}

func runExecute(cmd *cobra.Command, engine *migrate.Engine) error {
	result, err := engine.Execute(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Run %s: %d migrated, %d failed (%s)\n",
		result.RunID, len(result.Migrated), len(result.Failed), result.Duration.Round(time.Millisecond))
	for _, rec := range result.Migrated {
		fmt.Printf("  migrated %s -> %s port %d\n", rec.InstanceID, rec.PoolID, rec.Port)
	}
	for _, rec := range result.Failed {
		fmt.Printf("  failed   %s: %s\n", rec.InstanceID, rec.Error)
	}

	if len(result.Failed) > 0 {
		return fmt.Errorf("%d bots failed to migrate", len(result.Failed))
	}
	return nil
}

func runStatus(engine *migrate.Engine) error {
	summary, err := engine.Ledger().Summarize()
	if err != nil {
		return err
	}

	if !summary.StartedAt.IsZero() {
		fmt.Printf("Started:   %s\n", summary.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if !summary.CompletedAt.IsZero() {
		fmt.Printf("Completed: %s\n", summary.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Migrated: %d  Failed: %d  Rollbacks: %d\n",
		len(summary.Migrated), len(summary.Failed), len(summary.Rollbacks))

	for _, rec := range summary.Migrated {
		fmt.Printf("  migrated %s -> %s port %d\n", rec.InstanceID, rec.PoolID, rec.Port)
	}
	for _, rec := range summary.Failed {
		fmt.Printf("  failed   %s: %s\n", rec.InstanceID, rec.Error)
	}
	for _, rec := range summary.Rollbacks {
		fmt.Printf("  rollback %s (was %s)\n", rec.InstanceID, rec.PoolID)
	}
	return nil
}
