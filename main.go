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

	"optionflow/aggregator"
	"optionflow/archive"
	"optionflow/batcher"
	"optionflow/config"
	"optionflow/expiry"
	"optionflow/ingest"
	"optionflow/internal/channel"
	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/validator"
	"optionflow/writer"
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

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Optionflow.Name,
		"version": cfg.Optionflow.Version,
	}).Info("starting optionflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}

	tracker := metrics.NewLogTracker(log)
	if cfg.Metrics.Prometheus {
		metrics.Init(cfg.Metrics.ListenAddr)
		tracker = metrics.Multi(tracker, metrics.NewPromTracker())
	}

	channels := channel.NewChannels(cfg.Channels.RawBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx, tracker)

	loc, err := time.LoadLocation(cfg.Aggregator.Timezone)
	if err != nil {
		log.WithError(err).Error("failed to load market timezone")
		os.Exit(1)
	}

	cal := expiry.NewTradingCalendar(cfg.Expiry.CalendarMIC, loc)
	resolver := expiry.NewResolver(cfg, cal, tracker)

	cache := validator.NewDuplicateCache(cfg.Validator.SuppressionWindow)
	valid := validator.NewValidator(cfg, cache, tracker)

	fw := writer.NewFileWriter(cfg.Writer)
	batch := batcher.NewBatcher(cfg, fw, tracker)
	agg := aggregator.NewAggregator(cfg, fw, cal, tracker)

	ingestor := ingest.NewIngestor(cfg, channels.Raw, valid, resolver, batch, fw, agg, tracker)

	archiver, err := archive.NewArchiver(cfg, fw, cal, tracker)
	if err != nil {
		log.WithError(err).Error("failed to create archiver")
		os.Exit(1)
	}

	if err := valid.Start(ctx); err != nil {
		log.WithError(err).Warn("validator failed to start")
	}
	if err := batch.Start(ctx); err != nil {
		log.WithError(err).Warn("batcher failed to start")
	}
	if err := agg.Start(ctx); err != nil {
		log.WithError(err).Warn("aggregator failed to start")
	}
	if err := archiver.Start(ctx); err != nil {
		log.WithError(err).Warn("archiver failed to start")
	}
	if err := ingestor.Start(ctx); err != nil {
		log.WithError(err).Warn("ingestor failed to start")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping ingestor")
		ingestor.Stop()

		log.Info("stopping batcher")
		batch.Stop()

		log.Info("stopping aggregator")
		agg.Stop()

		log.Info("stopping archiver")
		archiver.Stop()

		log.Info("stopping validator")
		valid.Stop()

		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("optionflow stopped")
}
