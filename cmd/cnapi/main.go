package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dcfleet/cnapi/pkg/api"
	"github.com/dcfleet/cnapi/pkg/config"
	"github.com/dcfleet/cnapi/pkg/events"
	"github.com/dcfleet/cnapi/pkg/heartbeat"
	"github.com/dcfleet/cnapi/pkg/log"
	"github.com/dcfleet/cnapi/pkg/metrics"
	"github.com/dcfleet/cnapi/pkg/server"
	"github.com/dcfleet/cnapi/pkg/storage"
	"github.com/dcfleet/cnapi/pkg/task"
	"github.com/dcfleet/cnapi/pkg/waitlist"
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
	Use:   "cnapi",
	Short: "CNAPI - Compute Node API",
	Long: `CNAPI is the control-plane service for a fleet of compute nodes.

It tracks node liveness through heartbeats, serializes access to
per-node resources with waitlist tickets, and dispatches tasks to the
agents running on each node.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"CNAPI version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().String("config", "", "Path to the YAML configuration file")
	serverCmd.Flags().String("listen-addr", "", "Address to serve the API on (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Directory for durable state (overrides config)")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the CNAPI server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
			cfg.ListenAddr = addr
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.DataDir = dir
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		return run(cfg)
	},
}

func run(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)

	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("instance_uuid", cfg.InstanceUUID).
		Str("datacenter", cfg.DatacenterName).
		Msg("starting CNAPI")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	servers := server.New(server.Config{
		Store:      store,
		Broker:     broker,
		Datacenter: cfg.DatacenterName,
	})

	registry := heartbeat.NewRegistry()
	reconciler := heartbeat.NewReconciler(heartbeat.ReconcilerConfig{
		Store:        store,
		Servers:      servers,
		Registry:     registry,
		InstanceUUID: cfg.InstanceUUID,
		Period:       cfg.Heartbeat.ReconcilePeriod.Std(),
		Lifetime:     cfg.Heartbeat.Lifetime.Std(),
	})
	reconciler.Start()
	defer reconciler.Stop()
	metrics.RegisterComponent("heartbeat-reconciler", true, "")

	model := waitlist.NewModel(waitlist.ModelConfig{
		Store:  store,
		Broker: broker,
	})
	director := waitlist.NewDirector(waitlist.DirectorConfig{
		Model:         model,
		PollPeriod:    cfg.Waitlist.PollPeriod.Std(),
		CleanupPeriod: cfg.Waitlist.CleanupPeriod.Std(),
		CleanupMaxAge: cfg.Waitlist.CleanupMaxAge.Std(),
	})
	director.Start()
	defer director.Stop()
	metrics.RegisterComponent("waitlist-director", true, "")

	dispatcher := task.NewDispatcher(task.DispatcherConfig{
		Store:              store,
		Servers:            servers,
		Broker:             broker,
		AgentPort:          cfg.Task.AgentPort,
		DispatchTimeout:    cfg.Task.DispatchTimeout.Std(),
		DefaultWaitTimeout: cfg.Task.DefaultWaitTimeout.Std(),
		ResultCacheTTL:     cfg.Task.ResultCacheTTL.Std(),
	})

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	apiServer := api.NewServer(api.Config{
		Addr:       cfg.ListenAddr,
		Servers:    servers,
		Waitlist:   model,
		Director:   director,
		Registry:   registry,
		Dispatcher: dispatcher,
		Broker:     broker,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("API server failed")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Warn().Err(err).Msg("API shutdown was not clean")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
