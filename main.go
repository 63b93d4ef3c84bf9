package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ledgerflow/config"
	"ledgerflow/internal/archive"
	"ledgerflow/internal/balance"
	_ "ledgerflow/internal/exchange/binance"
	_ "ledgerflow/internal/exchange/bybit"
	"ledgerflow/internal/messenger"
	"ledgerflow/internal/recon"
	"ledgerflow/internal/sched"
	"ledgerflow/internal/secret"
	"ledgerflow/internal/store"
	"ledgerflow/internal/ticker"
	"ledgerflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	if config.IsProductionLike(env) && cfg.Logging.Format == "" {
		// Production logs must stay machine readable.
		cfg.Logging.Format = "json"
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Ledgerflow.Name,
		"version":     cfg.Ledgerflow.Version,
		"environment": env,
	}).Info("starting ledgerflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	box, err := secret.FromEnv()
	if err != nil {
		log.WithError(err).Error("failed to load credential master key")
		os.Exit(1)
	}

	broker := messenger.NewBroker()
	defer broker.Close()

	st, err := store.Open(cfg.Database.DSN, broker)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}

	var bridge *messenger.Bridge
	if cfg.Messenger.Kafka.Enabled {
		bridge, err = messenger.NewBridge(messenger.BridgeConfig{
			Brokers:        cfg.Messenger.Kafka.Brokers,
			EventTopic:     cfg.Messenger.Kafka.EventTopic,
			CommandTopic:   cfg.Messenger.Kafka.CommandTopic,
			GroupID:        cfg.Messenger.Kafka.GroupID,
			MirrorPatterns: cfg.Messenger.Kafka.MirrorPatterns,
		}, broker)
		if err != nil {
			log.WithError(err).Error("failed to create kafka bridge")
			os.Exit(1)
		}
		if err := bridge.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka bridge")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("kafka disabled; events stay in process")
	}

	registry := sched.NewRegistry(cfg.Scheduler)
	defer registry.Close()

	tickers := ticker.NewService(cfg.Ticker, broker)
	if err := tickers.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start ticker service")
		os.Exit(1)
	}

	manager := recon.NewManager(cfg, st, broker, registry, box)
	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start reconciliation manager")
		os.Exit(1)
	}

	balances := balance.NewService(cfg.Balance, cfg.Accounts, st, broker, manager, tickers)
	if err := balances.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start balance service")
		os.Exit(1)
	}

	var exporter *archive.Exporter
	if cfg.Storage.S3.Enabled {
		exporter, err = archive.NewExporter(cfg.Storage.S3, broker)
		if err != nil {
			log.WithError(err).Error("failed to create archive exporter")
			os.Exit(1)
		}
		if err := exporter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive exporter")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archive exporter")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		if exporter != nil {
			log.Info("stopping archive exporter")
			exporter.Stop()
		}

		log.Info("stopping balance service")
		balances.Stop()

		log.Info("stopping reconciliation manager")
		manager.Stop()

		log.Info("stopping ticker service")
		tickers.Stop()

		if bridge != nil {
			log.Info("stopping kafka bridge")
			bridge.Stop()
		}

		cancel()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("ledgerflow stopped")
}
