package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/datalift/internal/api"
	"github.com/your-org/datalift/internal/notify"
	"github.com/your-org/datalift/internal/poller"
	"github.com/your-org/datalift/internal/processor"
	"github.com/your-org/datalift/internal/queue"
	"github.com/your-org/datalift/internal/retry"
	"github.com/your-org/datalift/internal/schedule"
	"github.com/your-org/datalift/internal/settings"
	"github.com/your-org/datalift/internal/sources"
	"github.com/your-org/datalift/internal/store"
	"github.com/your-org/datalift/internal/watcher"
	"github.com/your-org/datalift/pkg/config"
	"github.com/your-org/datalift/pkg/kafka"
	"github.com/your-org/datalift/pkg/logger"
	"github.com/your-org/datalift/pkg/storage/objectstore"
	"github.com/your-org/datalift/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Attributes:     parseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logr.Fatal("open database", zap.Error(err))
	}

	settingsStore := settings.NewStore(db)
	if err := settingsStore.EnsureDefaults(map[string]string{
		settings.KeyProcessorInterval:      secondsValue(cfg.Processor.Interval),
		settings.KeyProcessorMaxConcurrent: strconv.Itoa(cfg.Processor.MaxConcurrent),
		settings.KeyRetryBaseDelay:         secondsValue(cfg.Retry.BaseDelay),
		settings.KeyRetryMaxDelay:          secondsValue(cfg.Retry.MaxDelay),
		settings.KeyRetryMaxAttempts:       strconv.Itoa(cfg.Retry.MaxAttempts),
		settings.KeyArchiveRetentionDays:   strconv.Itoa(cfg.Archive.RetentionDays),
		settings.KeySourcesReconcile:       secondsValue(cfg.Sources.ReconcileInterval),
	}); err != nil {
		logr.Fatal("seed default settings", zap.Error(err))
	}

	policy := retry.New(
		settingsStore.Seconds(settings.KeyRetryBaseDelay, cfg.Retry.BaseDelay),
		settingsStore.Seconds(settings.KeyRetryMaxDelay, cfg.Retry.MaxDelay),
		settingsStore.Int(settings.KeyRetryMaxAttempts, cfg.Retry.MaxAttempts),
	)
	uploadQueue := queue.New(db, policy)

	if released, err := uploadQueue.ReleaseStaleProcessing(); err != nil {
		logr.Fatal("release stale processing items", zap.Error(err))
	} else if released > 0 {
		logr.Info("released items stuck in processing from a previous run",
			zap.Int64("count", released))
	}

	sourceStore := sources.NewStore(db)
	if err := sources.SeedFromFile(sourceStore, cfg.Sources.SeedPath, logr); err != nil {
		logr.Fatal("seed data sources", zap.Error(err))
	}

	objStore, err := objectstore.New(objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}
	if err := objStore.EnsureBucket(ctx); err != nil {
		// The processor checks connectivity every cycle, so a backend
		// that is down at boot only delays deliveries.
		logr.Warn("ensure storage bucket", zap.Error(err))
	}

	var notifier notify.Notifier = notify.Nop{}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.EventsTopic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
			RequiredAcks: kafkago.RequireAll,
			MaxAttempts:  cfg.Kafka.Retries,
			Async:        true,
			OnAsyncError: func(err error) {
				logr.Warn("kafka event delivery failed", zap.Error(err))
			},
		})
		notifier = notify.NewKafka(producer)
	}

	proc := processor.New(processor.Params{
		Queue:    uploadQueue,
		Store:    objStore,
		Settings: settingsStore,
		Notifier: notifier,
		Logger:   logr,
		Interval: settingsStore.Seconds(settings.KeyProcessorInterval, cfg.Processor.Interval),
		StopWait: cfg.Processor.StopWait,
	})
	proc.Start(ctx)

	folderFactory := func(src sources.DataSource) (sources.Runner, error) {
		return watcher.New(watcher.Params{
			Source:      src,
			Queue:       uploadQueue,
			Status:      sourceStore,
			Logger:      logr,
			MaxFileSize: cfg.Ingest.MaxFileSizeBytes,
		}), nil
	}
	apiFactory := func(src sources.DataSource) (sources.Runner, error) {
		return poller.New(poller.Params{
			Source:   src,
			Queue:    uploadQueue,
			Status:   sourceStore,
			Logger:   logr,
			SpoolDir: cfg.Sources.SpoolDir,
		}), nil
	}

	reconcile := settingsStore.Seconds(settings.KeySourcesReconcile, cfg.Sources.ReconcileInterval)
	folderCoord := sources.NewCoordinator(sources.TypeFolder, sourceStore, folderFactory, reconcile, logr)
	apiCoord := sources.NewCoordinator(sources.TypeAPI, sourceStore, apiFactory, reconcile, logr)
	folderCoord.Start(ctx)
	apiCoord.Start(ctx)

	sweep := schedule.NewPeriodic("archive.sweep", cfg.Archive.SweepInterval, 0, func(context.Context) {
		days := settingsStore.Int(settings.KeyArchiveRetentionDays, cfg.Archive.RetentionDays)
		archived, err := uploadQueue.ArchiveCompletedOlderThan(days)
		if err != nil {
			logr.Error("archive completed items", zap.Error(err))
			return
		}
		if archived > 0 {
			logr.Info("archived completed items",
				zap.Int64("count", archived), zap.Int("retention_days", days))
		}
	}, logr)
	sweep.Start(ctx)

	handler := api.NewHTTPHandler(api.Params{
		DB:        db,
		Queue:     uploadQueue,
		Processor: proc,
		Sources:   sourceStore,
		Settings:  settingsStore,
		Store:     objStore,
		Logger:    logr,
		BaseCtx:   ctx,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("uploader service starting", zap.String("addr", cfg.HTTP.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}

	// Ingestion stops before the processor so nothing new is claimed while
	// in-flight uploads drain.
	folderCoord.Stop()
	apiCoord.Stop()
	sweep.Stop()
	proc.Stop()

	if producer != nil {
		if err := producer.Close(context.Background()); err != nil {
			logr.Error("close kafka producer", zap.Error(err))
		}
	}
	if err := objStore.Close(); err != nil {
		logr.Error("close object store", zap.Error(err))
	}

	logr.Info("uploader service stopped")
}

func secondsValue(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}

func parseResourceAttributes(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	attrs := map[string]string{}
	pairs := strings.Split(raw, ",")
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, "=") {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		attrs[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return attrs
}
