package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parkzen/parkzend/pkg/activity"
	"github.com/parkzen/parkzend/pkg/config"
	"github.com/parkzen/parkzend/pkg/devices"
	"github.com/parkzen/parkzend/pkg/engine"
	"github.com/parkzen/parkzend/pkg/geofence"
	"github.com/parkzen/parkzend/pkg/health"
	"github.com/parkzen/parkzend/pkg/history"
	"github.com/parkzen/parkzend/pkg/logx"
	"github.com/parkzen/parkzend/pkg/metrics"
	"github.com/parkzen/parkzend/pkg/mqtt"
	"github.com/parkzen/parkzend/pkg/notifications"
	"github.com/parkzen/parkzend/pkg/provider"
	"github.com/parkzen/parkzend/pkg/store"
)

const (
	version = "1.0.0-dev"
	appName = "parkzend"
)

// publishObserver fans engine callbacks out to the metrics server and
// the MQTT publisher.
type publishObserver struct {
	metrics   *metrics.Server
	publisher *mqtt.Client
}

func (o *publishObserver) FixRequested(reason engine.Reason) {
	o.metrics.FixRequested(reason)
}

func (o *publishObserver) FixDelivered(reason engine.Reason) {
	o.metrics.FixDelivered(reason)
}

func (o *publishObserver) FixTimedOut(reason engine.Reason) {
	o.metrics.FixTimedOut(reason)
}

func (o *publishObserver) ParkedRecorded(record history.Record) {
	o.metrics.ParkedRecorded(record)
	o.publisher.PublishParkedLocation(record)
}

func (o *publishObserver) StateChanged(from, to engine.State) {
	o.metrics.StateChanged(from, to)
	o.publisher.PublishState(string(from), string(to))
}

func main() {
	var (
		configFile  = flag.String("config", "/etc/parkzend/parkzend.json", "Config file path")
		logLevel    = flag.String("log-level", "", "Log level override (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.New(cfg.LogLevel)
	logger.Info("starting parkzend daemon",
		"version", version,
		"config", *configFile,
		"log_level", cfg.LogLevel,
	)

	kv, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	// Stores load tolerantly: a missing or corrupt snapshot starts empty
	geofences := geofence.NewStore(kv, logger)
	if err := geofences.Load(); err != nil {
		logger.Error("failed to load geofences", "error", err)
		os.Exit(1)
	}
	registry := devices.NewRegistry(kv, logger)
	if err := registry.Load(); err != nil {
		logger.Error("failed to load device registry", "error", err)
		os.Exit(1)
	}
	hist := history.NewStore(kv, cfg.MaxAge(), logger)
	if err := hist.Load(); err != nil {
		logger.Error("failed to load history", "error", err)
		os.Exit(1)
	}
	logger.Info("state loaded",
		"geofences", len(geofences.All()),
		"devices", len(registry.All()),
		"history_records", hist.Len(),
	)

	classifier := activity.NewClassifier(logger)
	notifier := notifications.NewManager(cfg.Notifications, logger)

	bridge := provider.NewBridge(cfg.MQTT, nil, logger)
	travel := geofence.NewTravelManager(cfg.Travel, geofences, bridge, logger)

	publisher := mqtt.NewClient(cfg.MQTT, logger)
	metricsSrv := metrics.NewServer(hist, geofences, registry, logger)

	eng := engine.NewEngine(
		engine.Config{
			FixTimeout:      cfg.FixTimeout(),
			MaxFixAttempts:  cfg.MaxFixAttempts,
			ActivityTrigger: cfg.ActivityTrigger,
		},
		logger, bridge, notifier, registry, classifier,
		hist, geofences, travel,
		&publishObserver{metrics: metricsSrv, publisher: publisher},
	)
	bridge.SetSink(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := publisher.Connect(); err != nil {
		logger.Warn("mqtt publisher unavailable", "error", err)
	}
	defer publisher.Disconnect()

	if err := bridge.Connect(); err != nil {
		logger.Error("provider bridge connection failed", "error", err)
		os.Exit(1)
	}
	defer bridge.Disconnect()

	// Re-arm platform monitoring for geofences that survived a restart
	for _, g := range geofences.All() {
		if err := bridge.StartMonitoring(g.Region()); err != nil {
			logger.Warn("failed to resume geofence monitoring",
				"identifier", g.Identifier, "error", err)
		}
	}

	go eng.Run(ctx)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metricsSrv.Start(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}
	if cfg.HealthAddr != "" {
		healthSrv := health.NewServer(eng, hist, geofences, registry, version, logger)
		go func() {
			if err := healthSrv.Start(ctx, cfg.HealthAddr); err != nil {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pruneTicker := time.NewTicker(cfg.PruneInterval())
	defer pruneTicker.Stop()

	logger.Info("parkzend daemon started")
	notifier.Send(ctx, notifications.DaemonStatusEvent("parkzend started"))

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, shutting down")
			return
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			notifier.Send(ctx, notifications.DaemonStatusEvent("parkzend stopping"))
			cancel()
		case <-pruneTicker.C:
			removed, err := hist.PruneExpired(time.Now())
			if err != nil {
				logger.Error("history prune failed", "error", err)
			} else if removed > 0 {
				logger.Info("expired parked locations pruned", "removed", removed)
			}
		}
	}
}
