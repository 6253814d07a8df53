package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decloud/orchestrator/pkg/agent"
	"github.com/decloud/orchestrator/pkg/api"
	"github.com/decloud/orchestrator/pkg/attestation"
	"github.com/decloud/orchestrator/pkg/billing"
	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/handlers"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/nodes"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/recovery"
	"github.com/decloud/orchestrator/pkg/scheduler"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "DeCloud orchestrator - control plane of the decentralized VM marketplace",
	Long: `The DeCloud orchestrator mediates every interaction of the VM
marketplace: nodes advertise capacity, users request VMs, and the
orchestrator schedules, provisions, attests, bills and tears them down
across the fleet. It hosts no VMs itself; per-node agents do the work.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"DeCloud orchestrator %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		policyPath, _ := cmd.Flags().GetString("scheduling-policy")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return serve(cfg, policyPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("scheduling-policy", "", "Path to a YAML scheduling policy override")
}

func serve(cfg *config.Config, policyPath string) error {
	logger := log.WithComponent("main")

	// Durable store: absent connection string means in-memory only.
	var durable store.Durable
	if cfg.DurableStore.ConnectionString != "" {
		bolt, err := store.NewBoltStore(cfg.DurableStore.ConnectionString)
		if err != nil {
			return fmt.Errorf("failed to open durable store: %w", err)
		}
		durable = bolt
		logger.Info().Str("path", cfg.DurableStore.ConnectionString).Msg("Durable store opened")
	} else {
		logger.Warn().Msg("No durable store configured; running in-memory only")
	}

	st := store.NewStateStore(durable)
	defer st.Close()

	if err := st.LoadHotSets(); err != nil {
		return fmt.Errorf("failed to load working set: %w", err)
	}

	if policyPath != "" {
		policy, err := config.LoadSchedulingPolicy(policyPath)
		if err != nil {
			return err
		}
		stored := st.GetSchedulingConfig()
		if policy.Version <= stored.Version {
			policy.Version = stored.Version + 1
		}
		if err := st.SaveSchedulingConfig(policy); err != nil {
			return fmt.Errorf("failed to store scheduling policy: %w", err)
		}
		logger.Info().Int("version", policy.Version).Msg("Scheduling policy loaded")
	}

	if err := st.GetSchedulingConfig().Validate(); err != nil {
		return fmt.Errorf("invalid scheduling config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Component graph, constructor-wired.
	broker := events.NewBroker(func(e *types.Event) {
		if err := st.SaveEvent(e); err != nil {
			logger.Error().Err(err).Msg("Failed to persist event")
		}
	})
	broker.Start()
	defer broker.Stop()

	// Event metrics consumer: counts published events by type.
	eventSub := broker.Subscribe()
	go func() {
		for {
			select {
			case e, ok := <-eventSub:
				if !ok {
					return
				}
				metrics.EventsTotal.WithLabelValues(e.Type).Inc()
			case <-ctx.Done():
				return
			}
		}
	}()

	client := agent.NewClient()

	engine := obligation.NewEngine(obligation.NewStore(), obligation.Config{
		TickInterval:  cfg.TickInterval(),
		MaxConcurrent: int64(cfg.Reconciliation.MaxConcurrentHandlers),
	})

	sched := scheduler.NewScheduler(st)
	commands := nodes.NewCommandQueue(st, engine, client)
	registry := nodes.NewRegistry(st, engine, commands, broker, nil, cfg.Server.DevelopmentMode)

	attEngine := attestation.NewEngine(st, client, broker, attestation.Config{
		MaxResponseTime:   time.Duration(cfg.Attestation.MaxResponseTimeMs) * time.Millisecond,
		StartupInterval:   cfg.StartupChallengeInterval(),
		NormalInterval:    cfg.NormalChallengeInterval(),
		FailureThreshold:  cfg.Attestation.FailureThreshold,
		RecoveryThreshold: cfg.Attestation.RecoveryThreshold,
	})

	gate := billing.NewGate(st, engine, broker, localBalanceService{}, cfg.Payment.PlatformFeePercent)

	h := handlers.New(st, sched, commands, attEngine, broker,
		localIngressService{}, localSettlementService{logger: logger}, gate)
	h.RegisterAll(engine)

	scanner := recovery.NewScanner(st, engine)

	// Background loops.
	go engine.Run(ctx)
	go attEngine.Run(ctx)
	go scanner.Run(ctx)

	// Calendar jobs.
	jobs := cron.New()
	if _, err := jobs.AddFunc("@every 5m", gate.RunOnce); err != nil {
		return err
	}
	if _, err := jobs.AddFunc("@every 1h", gate.EnqueueSettlements); err != nil {
		return err
	}
	if _, err := jobs.AddFunc("@every 1h", st.PruneHotSets); err != nil {
		return err
	}
	if _, err := jobs.AddFunc("@every 10m", st.SyncAll); err != nil {
		return err
	}
	if _, err := jobs.AddFunc("@every 1m", func() { commands.CleanupStaleRegistrations() }); err != nil {
		return err
	}
	if _, err := jobs.AddFunc("@every 30s", registry.MarkStaleOffline); err != nil {
		return err
	}
	if _, err := jobs.AddFunc("@every 30s", func() { collectFleetMetrics(st) }); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	// HTTP surface, shut down by the same stop signal.
	server := api.NewServer(st, registry, commands, engine)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx, cfg.Server.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Final sync so the durable store holds the latest working set.
	st.SyncAll()
	logger.Info().Msg("Orchestrator stopped")
	return nil
}
