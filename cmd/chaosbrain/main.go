package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chaosbrain/internal/agent"
	"chaosbrain/internal/archive"
	"chaosbrain/internal/config"
	"chaosbrain/internal/logging"
	"chaosbrain/internal/oracle"
	"chaosbrain/internal/scheduler"
	"chaosbrain/internal/server"
	"chaosbrain/internal/store"
	"chaosbrain/internal/track"
	"chaosbrain/internal/validation"
)

const version = "1.2.0"

var (
	// Global flags
	verbose    bool
	configPath string
	addr       string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "chaosbrain",
	Short: "chaosbrain - LLM chaos dispatch server for Garry's Mod",
	Long: `chaosbrain turns natural-language ideas into sandboxed GLua scripts and
paces them out to a polling game executor.

The game server has no inbound connectivity: it polls /poll every couple of
seconds, runs whatever comes back, and posts the result to /report. Ideas
enter through /trigger, optionally pass a test executor for validation and
repair, and land on a slot-paced dispatch queue.

Run without arguments to start serving.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

// serveCmd runs the dispatch server (same as the bare root command)
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch server",
	RunE:  runServe,
}

// checkCmd loads and validates the configuration without serving
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and exit",
	RunE:  runCheck,
}

// versionCmd prints the version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chaosbrain version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chaosbrain %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chaosbrain.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Listen address (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	return cfg, nil
}

// runCheck validates the configuration.
func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("ok: %s (provider=%s model=%s addr=%s)\n",
		configPath, cfg.Oracle.Provider, cfg.Oracle.Model, cfg.Server.Addr)
	return nil
}

// runServe wires the pipeline and serves until interrupted.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Initialize(cfg.DataDir, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Oracle
	client, err := oracle.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to create oracle client: %w", err)
	}
	gen := oracle.NewGenerator(client)

	// Command store
	st := store.New(cfg.Store.HistoryMax)
	defer st.Close()

	// Optional SQLite history sink, fed off the store's change hook
	if cfg.Archive.Enabled {
		dbPath := cfg.Archive.Path
		if !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(cfg.DataDir, dbPath)
		}
		a, err := archive.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer a.Close()
		st.OnChange(a.Record)
		logger.Info("archive enabled", zap.String("path", a.Path()))
	}

	// Dispatch pacing
	sched := scheduler.New(scheduler.Config{
		MinSlots:  cfg.Scheduler.MinSlots,
		MaxSlots:  cfg.Scheduler.MaxSlots,
		Cooldown:  cfg.GetCooldown(),
		DepthLow:  cfg.Scheduler.DepthLow,
		DepthHigh: cfg.Scheduler.DepthHigh,
	}, st)

	// Correlation for everything awaiting an executor report
	tracker := track.New()

	// Test-and-fix loop
	coord := validation.NewCoordinator(validation.Config{
		Enabled:     cfg.Validation.Enabled,
		MaxAttempts: cfg.Validation.MaxAttempts,
		Timeout:     cfg.GetValidationTimeout(),
	}, gen, tracker)

	// Iterative sessions
	agents := agent.NewManager(agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		SessionGrace:  cfg.GetSessionGrace(),
		StepTimeout:   cfg.GetStepTimeout(),
	}, gen, tracker, server.SessionComplete(st, coord))
	defer agents.Close()

	srv := server.New(server.Deps{
		Config:    cfg,
		Store:     st,
		Scheduler: sched,
		Coord:     coord,
		Agents:    agents,
		Tracker:   tracker,
		Generator: gen,
	})

	// Hot-reload for the validation toggle and logging knobs
	watcher, err := config.NewWatcher(configPath, srv.ApplyConfig)
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	logger.Info("chaosbrain serving",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("provider", cfg.Oracle.Provider),
		zap.String("model", cfg.Oracle.Model),
		zap.Bool("validation", cfg.Validation.Enabled))

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("chaosbrain stopped")
	return nil
}
