// Concordd is the consensus daemon for multi-agent coding systems.
//
// It hosts the consensus coordinator, the trigger manager, and the pattern
// monitor, exposing an operator HTTP API while agents participate over NATS.
//
// Usage:
//
//	# Start the daemon with defaults
//	concordd serve
//
//	# Configure via file and environment
//	concordd serve --config ~/.config/concordd/config.yaml
//	SERVER_HTTP_PORT=9090 NATS_URL=nats://localhost:4222 concordd serve
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concordd/internal/logging"
	"github.com/fyrsmithlabs/concordd/internal/metrics"
	"github.com/fyrsmithlabs/concordd/pkg/bus"
	"github.com/fyrsmithlabs/concordd/pkg/config"
	"github.com/fyrsmithlabs/concordd/pkg/consensus"
	"github.com/fyrsmithlabs/concordd/pkg/monitor"
	"github.com/fyrsmithlabs/concordd/pkg/protocol"
	"github.com/fyrsmithlabs/concordd/pkg/server"
	"github.com/fyrsmithlabs/concordd/pkg/trigger"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "concordd",
	Short: "Consensus daemon for multi-agent coding systems",
	Long: `concordd coordinates structured discussion and voting between AI coding
agents: sessions move through proposal, token-ring discussion, and
quorum-based voting phases, and committed decisions are published back to
the bus for every participant.`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the concordd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := run(ctx); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("concordd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/concordd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run wires the daemon together and blocks until the context is cancelled:
// config, logger, NATS bus, metrics, coordinator, trigger manager, monitor,
// then the HTTP server.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Log.ServiceName,
		Stdout:      true,
	}, nil)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting concordd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("preset", cfg.Consensus.Preset))

	b, err := bus.Connect(bus.Options{
		URL:           cfg.NATS.URL,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Name:          cfg.NATS.Name,
	}, logger.Named("bus"))
	if err != nil {
		return err
	}
	defer b.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	coordinator, err := consensus.NewCoordinator(consensus.Config{
		MinParticipants:  cfg.Consensus.MinParticipants,
		JoinTimeout:      cfg.Consensus.JoinTimeout,
		ProposingTimeout: cfg.Consensus.ProposingTimeout,
		VotingTimeout:    cfg.Consensus.VotingTimeout,
		PublishTimeout:   cfg.Consensus.PublishTimeout,
	}, b, logger.Named("consensus"), m)
	if err != nil {
		return fmt.Errorf("initialize coordinator: %w", err)
	}

	triggers := trigger.NewManager(trigger.Config{
		AgentMinConfidence: cfg.Trigger.AgentMinConfidence,
		MandatoryTopics:    cfg.Trigger.MandatoryTopics,
		TransitionPhases:   cfg.Trigger.TransitionPhases,
		ScheduledInterval:  cfg.Trigger.ScheduledInterval,
		DedupeWindow:       cfg.Trigger.DedupeWindow,
	}, logger.Named("trigger"), m)
	triggers.RegisterDefaults()

	// Every fired trigger opens a session with the configured preset.
	rules, err := protocol.RulesForPreset(cfg.Consensus.Preset)
	if err != nil {
		return err
	}
	triggers.OnTrigger(func(tc protocol.TriggerContext) {
		if _, err := coordinator.CreateSession(ctx, tc.Topic, tc.Description, tc.TriggerType, tc.SuggestedParticipants, rules); err != nil {
			logger.Error("failed to open session for trigger",
				zap.String("topic", tc.Topic),
				zap.String("trigger", string(tc.TriggerType)),
				zap.Error(err))
		}
	})

	mon := monitor.New(monitor.Config{
		ConflictWindow:      cfg.Monitor.ConflictWindow,
		ConflictMinAgents:   cfg.Monitor.ConflictMinAgents,
		DivergenceWindow:    cfg.Monitor.DivergenceWindow,
		DivergenceThreshold: cfg.Monitor.DivergenceThreshold,
		CorrectionWindow:    cfg.Monitor.CorrectionWindow,
		CorrectionThreshold: cfg.Monitor.CorrectionThreshold,
		StallWindow:         cfg.Monitor.StallWindow,
		ScanInterval:        cfg.Monitor.ScanInterval,
		Cooldown:            cfg.Monitor.Cooldown,
	}, triggers, b, logger.Named("monitor"), m)

	if cfg.Monitor.Enabled {
		if err := mon.Start(ctx); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
		defer mon.Stop()
	}

	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ServiceName:     cfg.Log.ServiceName,
	}, coordinator, triggers, mon, registry, logger.Named("http"))

	logger.Info("server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("monitor_enabled", cfg.Monitor.Enabled))

	return srv.Start(ctx)
}
