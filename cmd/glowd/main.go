// Command glowd runs the pulse bus control plane: the bus itself, the
// integrity, monitoring, daemon-manager, and Codex predictive-repair
// daemons, federation (if configured), and the monitoring HTTP/metrics
// surface. Subcommands expose the query and veil-confirmation CLI surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sentientos/glow/internal/bus"
	"github.com/sentientos/glow/internal/codex"
	"github.com/sentientos/glow/internal/config"
	"github.com/sentientos/glow/internal/daemonmgr"
	"github.com/sentientos/glow/internal/envelope"
	"github.com/sentientos/glow/internal/federation"
	"github.com/sentientos/glow/internal/history"
	"github.com/sentientos/glow/internal/integrity"
	"github.com/sentientos/glow/internal/manifest"
	"github.com/sentientos/glow/internal/monitoring"
	"github.com/sentientos/glow/internal/query"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var listenAddr string

var rootCmd = &cobra.Command{
	Use:     "glowd",
	Short:   "glowd is the signed pulse bus control plane",
	Long:    `glowd runs the pulse bus, its supervisory daemons, federation, and Codex predictive repair.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("glowd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", ":8843", "HTTP listen address for the monitoring/federation surface")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(codexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type system struct {
	cfg          config.Config
	envelope     *envelope.Envelope
	history      *history.Store
	bus          *bus.Bus
	federation   *federation.Link
	integrity    *integrity.Daemon
	monitoring   *monitoring.Daemon
	daemons      *daemonmgr.Manager
	manifest     *manifest.Store
	codex        *codex.Daemon
	queryService *query.Service
	httpServer   *monitoring.HTTPServer
}

func buildSystem() (*system, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	env := envelope.New(cfg.PulseSigningKey, cfg.PulseVerifyKey)
	hist := history.New(cfg.PulseHistoryRoot, env)
	b := bus.New(env, hist)

	fed := federation.New(b, env)
	if cfg.FederationEnabled && len(cfg.FederationPeers) > 0 {
		if err := fed.Configure(federation.Config{
			Enabled: true,
			Peers:   cfg.FederationPeers,
			KeysDir: cfg.PulseFederationKeysDir,
		}); err != nil {
			return nil, fmt.Errorf("configure federation: %w", err)
		}
	}

	integrityDaemon := integrity.New(b)

	monitoringDaemon := monitoring.New(b, env, monitoring.Config{
		Windows: monitoring.DefaultWindows(),
		Thresholds: []monitoring.Threshold{
			{
				Name:         "restart_storm",
				Priority:     "critical",
				Limit:        cfg.MonitorRestartStormLimit,
				Window:       cfg.MonitorRestartStormWindow,
				SourceDaemon: "daemon_manager",
			},
		},
		MetricsPath:      cfg.MonitoringGlowRoot + "/metrics.jsonl",
		AlertsPath:       cfg.MonitoringGlowRoot + "/alerts.jsonl",
		AuditLedgerPath:  cfg.SentientosLogDir + "/monitoring_alerts.jsonl",
		SnapshotInterval: config.SnapshotInterval,
	})

	daemons := daemonmgr.New(b, fed, cfg.CodexLedgerPath)

	manifestStore := manifest.New(cfg.ImmutableManifestPath, cfg.RepoRoot, env)

	codexDaemon := codex.New(b, codex.Config{
		Mode:               cfg.CodexMode,
		MaxIterations:      cfg.CodexMaxIterations,
		SuggestDir:         cfg.CodexSuggestDir,
		LedgerPath:         cfg.CodexLedgerPath,
		ConfirmPatterns:    cfg.CodexConfirmPatterns,
		LocalPeerName:      cfg.LocalPeerName,
		FederatedAutoApply: cfg.FederatedAutoApply,
		ManifestAutoUpdate: cfg.ManifestAutoUpdate,
	}, codex.NoopGenerator{}, codex.RefusingApplier{}, codex.AlwaysPassCI{}, manifestStore)

	queryService := query.New(hist, cfg.PulseHistoryRoot, env, cfg.MonitoringGlowRoot+"/metrics.jsonl", cfg.CodexLedgerPath)

	registry := prometheus.NewRegistry()
	httpServer := monitoring.NewHTTPServer(monitoringDaemon, queryService, true, registry)

	return &system{
		cfg:          cfg,
		envelope:     env,
		history:      hist,
		bus:          b,
		federation:   fed,
		integrity:    integrityDaemon,
		monitoring:   monitoringDaemon,
		daemons:      daemons,
		manifest:     manifestStore,
		codex:        codexDaemon,
		queryService: queryService,
		httpServer:   httpServer,
	}, nil
}

// aliveInstance is the daemonmgr.Instance returned by the supervisory
// daemons registered in registerDaemons: each of integrity, monitoring, and
// codex tracks its own running state internally and exposes no separate
// liveness probe, so once Start succeeds it is considered alive until Stop
// is called.
type aliveInstance struct{}

func (aliveInstance) IsAlive() bool { return true }

// registerDaemons makes integrity, monitoring, and codex restartable
// through sys.daemons, so a "restart_daemon" pulse (local or federated) can
// actually stop and restart them instead of only the daemons the test suite
// registers directly.
func registerDaemons(sys *system) error {
	register := func(name string, start func(), stop func()) error {
		_, err := sys.daemons.Register(name,
			func() (daemonmgr.Instance, error) {
				start()
				return aliveInstance{}, nil
			},
			func(daemonmgr.Instance) error {
				stop()
				return nil
			},
		)
		return err
	}
	if err := register("integrity", sys.integrity.Start, sys.integrity.Stop); err != nil {
		return err
	}
	if err := register("monitoring", sys.monitoring.Start, sys.monitoring.Stop); err != nil {
		return err
	}
	if err := register("codex", sys.codex.Start, sys.codex.Stop); err != nil {
		return err
	}
	return nil
}

func runServer(ctx context.Context) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	sys, err := buildSystem()
	if err != nil {
		return err
	}

	if err := registerDaemons(sys); err != nil {
		return fmt.Errorf("register daemons: %w", err)
	}
	for _, name := range []string{"integrity", "monitoring", "codex"} {
		if _, err := sys.daemons.Restart(name, "startup", "local", "local"); err != nil {
			return fmt.Errorf("start %s daemon: %w", name, err)
		}
	}
	defer func() {
		if err := sys.daemons.StopAll(); err != nil {
			log.Error().Err(err).Msg("error stopping daemons during shutdown")
		}
		sys.daemons.Reset()
	}()

	mux := sys.httpServer.Mux()
	mux.Handle("/pulse/federation", sys.federation.Handler())

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", listenAddr).Msg("glowd HTTP surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("glowd HTTP server stopped unexpectedly")
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info().Msg("glowd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
