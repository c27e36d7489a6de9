package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxy-broadcast/internal/aggregator"
	"github.com/proxy-broadcast/internal/api"
	"github.com/proxy-broadcast/internal/checker"
	"github.com/proxy-broadcast/internal/config"
	"github.com/proxy-broadcast/internal/dispatcher"
	"github.com/proxy-broadcast/internal/metrics"
	"github.com/proxy-broadcast/internal/observe"
	"github.com/proxy-broadcast/internal/proxynet"
	"github.com/proxy-broadcast/internal/snapshot"
	"github.com/proxy-broadcast/internal/storage"
	"github.com/proxy-broadcast/internal/types"
	"github.com/proxy-broadcast/internal/webhook"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "proxy-broadcast",
		Short:         "Validate proxies and broadcast webhook messages through them",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to the JSON config file")

	root.AddCommand(newValidateCommand())
	root.AddCommand(newSendCommand())
	root.AddCommand(newSettingsCommand())
	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

// loadConfig reads the config file and applies its logging section
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cfg.Logging.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("Unknown log level %q, using info", cfg.Logging.Level)
		log.SetLevel(log.InfoLevel)
	}

	return cfg, nil
}

// loadSettings returns the saved settings, or the defaults when nothing
// has been saved yet or the store can't be opened.
func loadSettings(cfg *config.Config) *types.Settings {
	store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		log.Warnf("Failed to open settings storage: %v (using defaults)", err)
		return types.DefaultSettings()
	}
	defer store.Close()

	settings, err := store.Load()
	if err != nil {
		log.Warnf("Failed to load settings: %v (using defaults)", err)
		return types.DefaultSettings()
	}
	if settings == nil {
		log.Info("No saved settings found, using defaults")
		return types.DefaultSettings()
	}
	return settings
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	log.Infof("Starting proxy broadcast service v%s", version)
	log.Infof("GOMAXPROCS=%d", runtime.GOMAXPROCS(0))

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

	store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	// per-probe and per-attempt lines only at debug level
	var events interface {
		observe.ProbeObserver
		observe.AttemptObserver
	} = observe.Discard
	if log.IsLevelEnabled(log.DebugLevel) {
		events = observe.NewLogObserver(log.StandardLogger())
	}
	probeLog := observe.NewAsyncProbe("probe_log", 4096, events, metricsCollector)
	defer probeLog.Close()
	attemptLog := observe.NewAsyncAttempt("attempt_log", 4096, events, metricsCollector)
	defer attemptLog.Close()

	factory := proxynet.NewFactory(cfg.Validator.InsecureSkipVerify)
	chk := checker.NewChecker(cfg.Validator, factory, probeLog, metricsCollector)
	disp := dispatcher.NewDispatcher(cfg.Dispatcher, proxynet.NewFactory(cfg.Dispatcher.InsecureSkipVerify), attemptLog, metricsCollector)

	var agg *aggregator.Aggregator
	for _, src := range cfg.Aggregator.Sources {
		if src.Enabled {
			agg = aggregator.NewAggregator(cfg.Aggregator, metricsCollector)
			break
		}
	}

	apiServer := api.NewServer(cfg, api.Deps{
		Snapshot:   snapshot.NewManager(),
		Metrics:    metricsCollector,
		Gatherer:   prometheus.DefaultGatherer,
		Aggregator: agg,
		Checker:    chk,
		Dispatcher: disp,
		Renamer:    webhook.NewRenamer(cfg.Dispatcher.Timeout()),
		Storage:    store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if agg != nil {
		go apiServer.RunRefreshLoop(ctx, time.Duration(cfg.Aggregator.IntervalSeconds)*time.Second)
	} else {
		log.Info("No proxy sources enabled, live set is filled via POST /validate")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	log.Infof("Service started on %s", cfg.API.Addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	}

	log.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}

	log.Info("Shutdown complete")
	return nil
}
