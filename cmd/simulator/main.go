package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/traffic-simulator/core"
	"github.com/signalsfoundry/traffic-simulator/internal/feed"
	"github.com/signalsfoundry/traffic-simulator/internal/logging"
	"github.com/signalsfoundry/traffic-simulator/internal/observability"
	"github.com/signalsfoundry/traffic-simulator/timectrl"
)

var (
	scenarioPath string
	tick         time.Duration
	stepTimeout  time.Duration
	maxTicks     int
	accelerated  bool
	listenAddr   string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Multi-provider traffic simulation core",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScenario(cmd.Context())
	},
}

func runScenario(ctx context.Context) error {
	log := logging.New(logging.Config{Level: logLevel, Format: logFormat})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	f, err := os.Open(scenarioPath)
	if err != nil {
		return fmt.Errorf("open scenario: %w", err)
	}
	scenario, err := core.LoadScenario(f)
	f.Close()
	if err != nil {
		return err
	}
	log.Info(ctx, "scenario loaded",
		logging.String("name", scenario.Name),
		logging.Int("providers", len(scenario.Providers)),
		logging.Int("zones", len(scenario.Zones)),
		logging.Int("initial_vehicles", len(scenario.Initial)),
	)

	collector, err := observability.NewSimCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store := core.NewStore(log, core.WithStoreMetrics(collector))
	if err := store.Seed(ctx, scenario.Initial); err != nil {
		return fmt.Errorf("seed world: %w", err)
	}

	owner, err := core.NewOwnershipManager(
		core.OwnershipConfig{WorldBounds: scenario.Bounds},
		scenario.Zones,
		scenario.Providers,
		log,
		core.WithOwnershipMetrics(collector),
	)
	if err != nil {
		return fmt.Errorf("build ownership manager: %w", err)
	}

	hub := feed.NewHub(log)
	defer hub.Close()

	coord := core.NewCoordinator(
		core.CoordinatorConfig{TickInterval: tick, StepTimeout: stepTimeout},
		store,
		owner,
		scenario.Providers,
		log,
		core.WithTickMetrics(collector),
		core.WithSnapshotListener(hub),
	)

	if listenAddr != "" {
		mux := http.NewServeMux()
		hub.Register(mux)
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: listenAddr, Handler: mux}
		go func() {
			log.Info(ctx, "http listener started", logging.String("addr", listenAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "http listener failed", logging.Err(err))
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx)
		}()
	}

	mode := timectrl.RealTime
	if accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(time.Now().UTC(), tick, mode)

	log.Info(ctx, "simulation starting",
		logging.String("tick", tick.String()),
		logging.Int("max_ticks", maxTicks),
	)
	err = tc.Drive(ctx, func(stepCtx context.Context) error {
		_, stepErr := coord.RunTick(stepCtx)
		return stepErr
	}, maxTicks)
	if err != nil {
		return fmt.Errorf("simulation aborted after %d ticks: %w", tc.TicksRun(), err)
	}
	log.Info(ctx, "simulation complete", logging.Uint64("ticks", tc.TicksRun()))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "configs/scenario.yaml", "Path to the YAML scenario file")
	runCmd.Flags().DurationVar(&tick, "tick", 100*time.Millisecond, "Tick interval (simulation time per tick)")
	runCmd.Flags().DurationVar(&stepTimeout, "step-timeout", time.Second, "Per-provider Step deadline; overruns count as faults")
	runCmd.Flags().IntVar(&maxTicks, "ticks", 0, "Number of ticks to run (0 means until interrupted)")
	runCmd.Flags().BoolVar(&accelerated, "accelerated", false, "Run ticks back to back instead of pacing by wall clock")
	runCmd.Flags().StringVar(&listenAddr, "listen", ":9090", "HTTP listen address for /metrics, /ws and /snapshot (empty disables)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")

	rootCmd.AddCommand(runCmd)
}
