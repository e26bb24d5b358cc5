package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fuelsentry/fuelsentry/internal/application/cycle"
	"github.com/fuelsentry/fuelsentry/internal/cache"
	"github.com/fuelsentry/fuelsentry/internal/collector"
	"github.com/fuelsentry/fuelsentry/internal/config"
	httpapi "github.com/fuelsentry/fuelsentry/internal/interfaces/http"
	"github.com/fuelsentry/fuelsentry/internal/metrics"
	"github.com/fuelsentry/fuelsentry/internal/persistence/postgres"
	"github.com/fuelsentry/fuelsentry/internal/scheduler"
)

const version = "v1.2.0"

var (
	configPath    string
	schedulerPath string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "fuelsentry",
		Short:   "Fuel price pressure early-warning engine",
		Version: version,
		Long: `FuelSentry tracks international product quotes and FX rates, derives
per-liter cost pressure for gasoline, diesel, and LPG, and flags the
political delay between accumulated pressure and realized pump prices.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/fuelsentry.yaml", "Path to the runtime config file")

	cycleCmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one signal cycle across all fuel types",
		Long:  "Collects the day's market inputs and runs the full signal pass: cost basis, thresholds, delay tracking, and risk scoring",
		RunE:  runCycle,
	}
	cycleCmd.Flags().String("date", "", "Cycle date (YYYY-MM-DD), defaults to today")
	cycleCmd.Flags().Bool("skip-collect", false, "Run on stored observations without fetching upstream data")

	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Recalibrate pressure thresholds from realized history",
		Long:  "Derives candidate open thresholds from price-change history, validates against capture/false-alarm/lead-time targets, and writes passing candidates as new versions",
		RunE:  runCalibrate,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and job scheduler",
		Long:  "Starts the HTTP API (/health, /metrics, /api/v1/signals) and the scheduler that drives recurring cycles and calibration",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&schedulerPath, "jobs", "config/scheduler.yaml", "Path to the scheduler job config")

	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Fetch and store today's market observations",
		Long:  "Fetches reference quotes and the FX rate for one day and records observations without running the signal cycle",
		RunE:  runCollect,
	}
	collectCmd.Flags().String("date", "", "Collection date (YYYY-MM-DD), defaults to today")

	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(collectCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// app bundles the wired dependency graph shared by every command.
type app struct {
	cfg       *config.Config
	repos     cycle.Repos
	collector *collector.Client
	snapshots *cache.Store
	metrics   *metrics.Collector
	runner    *cycle.Runner
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	db, err := postgres.Connect(cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	qt := cfg.Database.QueryTimeout.Std()
	repos := cycle.Repos{
		Observations: postgres.NewObservationRepo(db, qt),
		PriceChanges: postgres.NewPriceChangeRepo(db, qt),
		Thresholds:   postgres.NewThresholdRepo(db, qt),
		Delays:       postgres.NewDelayRepo(db, qt),
		Cycles:       postgres.NewCycleRepo(db, qt),
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	snapshots := cache.NewStore(rdb, cfg.Redis.TTL.Std())

	mc := metrics.NewDefaultCollector()

	col := collector.NewClient(collector.Config{
		ReferenceURL:   cfg.Collector.ReferenceURL,
		FXURL:          cfg.Collector.FXURL,
		RequestTimeout: cfg.Collector.RequestTimeout.Std(),
		RatePerSecond:  cfg.Collector.RatePerSecond,
		Burst:          cfg.Collector.Burst,
	}, repos.Observations, repos.PriceChanges, mc, log.Logger)

	runner := cycle.NewRunner(cfg, repos, col, snapshots, mc, log.Logger)

	return &app{
		cfg:       cfg,
		repos:     repos,
		collector: col,
		snapshots: snapshots,
		metrics:   mc,
		runner:    runner,
	}, nil
}

func parseDateFlag(cmd *cobra.Command) (time.Time, error) {
	raw, _ := cmd.Flags().GetString("date")
	if raw == "" {
		return time.Now().UTC(), nil
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q: %w", raw, err)
	}
	return day, nil
}

func runCycle(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	day, err := parseDateFlag(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if skip, _ := cmd.Flags().GetBool("skip-collect"); skip {
		runner := cycle.NewRunner(a.cfg, a.repos, nil, a.snapshots, a.metrics, log.Logger)
		return runner.RunAll(ctx, day)
	}
	return a.runner.RunAll(ctx, day)
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	return a.runner.CalibrateAll(ctx, time.Now().UTC())
}

func runCollect(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	day, err := parseDateFlag(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	return a.collector.CollectDaily(ctx, day)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	sched, err := scheduler.New(schedulerPath, a.runner, a.runner, log.Logger)
	if err != nil {
		return err
	}

	server := httpapi.NewServer(a.cfg.HTTP.Addr, a.snapshots, a.repos.Delays, log.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start() }()
	go func() { errCh <- sched.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Component failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout.Std())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
