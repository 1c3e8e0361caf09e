package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/toka/pkg/config"
	"github.com/cuemby/toka/pkg/log"
	"github.com/cuemby/toka/pkg/metrics"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tokad",
	Short: "toka - an agentic operating platform",
	Long: `toka replicates agent orchestration state through a Raft log,
settles agent spend through a double-entry ledger, and drives
dependency-ordered agent sessions to completion.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tokad version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to node config YAML (required)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address to serve /metrics, /healthz, /readyz on (disabled if empty)")

	cobra.OnInitialize(initLogging)

	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)
	rootCmd.AddCommand(clusterCmd)

	sessionCmd.AddCommand(sessionRunCmd)
	rootCmd.AddCommand(sessionCmd)
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage a toka cluster",
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run orchestration sessions",
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
	metrics.SetVersion(Version)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return config.LoadFile(path)
}

// serveMetrics starts the /metrics, /healthz, /readyz, /livez endpoints
// in the background if --metrics-addr is set, returning a shutdown func.
func serveMetrics(cmd *cobra.Command) func(context.Context) error {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return func(context.Context) error { return nil }
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(fmt.Sprintf("metrics server: %v", err))
		}
	}()
	log.Info(fmt.Sprintf("metrics server listening on %s", addr))

	return srv.Shutdown
}

// waitForSignal returns at once with a context that is cancelled when
// SIGINT or SIGTERM arrives.
func waitForSignal() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new single-node toka cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		n, err := newNode(nodeConfig{
			NodeID:              cfg.NodeID,
			BindAddr:            cfg.BindAddr,
			DataDir:             cfg.DataDir,
			InitialReserve:      cfg.InitialReserve,
			AgentStartupTimeout: cfg.AgentStartupTimeout,
			PhaseTimeout:        cfg.PhaseTimeout,
		})
		if err != nil {
			return fmt.Errorf("start node: %w", err)
		}
		defer n.close()

		if err := n.cluster.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}

		metrics.RegisterComponent("wal", true, "")
		metrics.RegisterComponent("ledger", true, "")
		metrics.RegisterComponent("raft", false, "leader not elected")

		stopMetrics := serveMetrics(cmd)
		ctx, cancel := waitForSignal()
		defer cancel()

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		fmt.Printf("node %s bootstrapped, waiting for leadership...\n", cfg.NodeID)
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				return stopMetrics(shutdownCtx)
			case <-ticker.C:
				n.refreshGauges()
				leader := n.cluster.IsLeader()
				metrics.RegisterComponent("raft", leader, "")
			}
		}
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing toka cluster as a voter",
	Long: `Join starts this node and waits for the existing leader to call
AddVoter on its behalf with the join token this node's operator was
given out of band. There is no RPC submission surface in this build,
so the voter add has to happen through the leader's own operator
tooling rather than a client call from here.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.JoinToken == "" || cfg.LeaderAddr == "" {
			return fmt.Errorf("cluster join requires join_token and leader_addr in config")
		}

		n, err := newNode(nodeConfig{
			NodeID:              cfg.NodeID,
			BindAddr:            cfg.BindAddr,
			DataDir:             cfg.DataDir,
			InitialReserve:      cfg.InitialReserve,
			AgentStartupTimeout: cfg.AgentStartupTimeout,
			PhaseTimeout:        cfg.PhaseTimeout,
		})
		if err != nil {
			return fmt.Errorf("start node: %w", err)
		}
		defer n.close()

		if err := n.cluster.Join(); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}

		stopMetrics := serveMetrics(cmd)
		ctx, cancel := waitForSignal()
		defer cancel()

		fmt.Printf("node %s waiting on leader %s to add it as a voter (token issued out of band)\n", cfg.NodeID, cfg.LeaderAddr)
		<-ctx.Done()
		shutdownCtx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return stopMetrics(shutdownCtx)
	},
}

var sessionRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an orchestration session against a node's agent runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		agentsPath, _ := cmd.Flags().GetString("agents")
		if agentsPath == "" {
			return fmt.Errorf("--agents is required")
		}
		agents, err := config.LoadAgents(agentsPath)
		if err != nil {
			return err
		}

		n, err := newNode(nodeConfig{
			NodeID:              cfg.NodeID,
			BindAddr:            cfg.BindAddr,
			DataDir:             cfg.DataDir,
			InitialReserve:      cfg.InitialReserve,
			AgentStartupTimeout: cfg.AgentStartupTimeout,
			PhaseTimeout:        cfg.PhaseTimeout,
		})
		if err != nil {
			return fmt.Errorf("start node: %w", err)
		}
		defer n.close()

		if err := n.cluster.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}

		stopMetrics := serveMetrics(cmd)
		ctx, cancel := waitForSignal()
		defer cancel()

		report, err := n.engine.Run(ctx, agents)
		shutdownCtx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = stopMetrics(shutdownCtx)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}

		fmt.Printf("session finished: success=%v final_phase=%s phases=%d\n", report.Success, report.FinalPhase, len(report.Phases))
		for _, wave := range report.Phases {
			fmt.Printf("  phase=%s agents=%v failed=%v timed_out=%v\n", wave.Phase, wave.Agents, wave.Failed, wave.TimedOut)
		}
		if !report.Success {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	sessionRunCmd.Flags().String("agents", "", "Path to a YAML file listing agent configs")
}
