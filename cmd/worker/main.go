package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mqcontracts "crowdvault/contracts/mq"
	"crowdvault/internal/config"
	"crowdvault/internal/mqhandler"
	"crowdvault/pkg/db"
	pkglogger "crowdvault/pkg/logger"
	"crowdvault/pkg/mq"
	"crowdvault/pkg/otel"
	"crowdvault/pkg/outbox"
	redisclient "crowdvault/pkg/redis"
	"crowdvault/pkg/util"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	replayFailed := flag.Int("replay-failed", 0, "replay up to N failed outbox events and exit")
	metricsAddr := flag.String("metrics-addr", ":9091", "address serving /metrics")
	flag.Parse()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger, err := pkglogger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName:    cfg.OTel.ServiceName + "-worker",
		ServiceVersion: version,
		Endpoint:       cfg.OTel.Endpoint,
		Enabled:        cfg.OTel.Enabled,
		SampleRatio:    cfg.OTel.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal("OpenTelemetry initialization failed", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting worker service...")

	// Init DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// Init MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		logger.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	outboxRepo := outbox.NewRepository(dbConn)

	if *replayFailed > 0 {
		n, err := outbox.NewReplayService(outboxRepo, publisher, logger).ReplayFailedEvents(ctx, *replayFailed)
		if err != nil {
			logger.Fatal("Replay failed", zap.Error(err))
		}
		logger.Info("Replay completed", zap.Int("replayed", n))
		return
	}

	// Init Redis
	rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("Redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	// Outbox Dispatcher
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, logger).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)

	// Audit consumer
	logger.Info("Initializing audit consumer", zap.String("queue", cfg.Consumer.Queue))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.Consumer.Queue, mqcontracts.AuditBindingKey, logger)
	if err != nil {
		logger.Fatal("failed to init audit consumer", zap.Error(err))
	}
	defer consumer.Close()

	auditHandler := mqhandler.NewAuditHandler(util.NewDeduper(rdb, cfg.Consumer.DedupTTL, logger), logger)
	consumer.SetHandler(auditHandler.Handle)
	consumer.WithDeadLetter(publisher, util.NewRetryCounter(rdb, cfg.Consumer.DedupTTL), cfg.Consumer.MaxRetries)

	metricsSrv := &http.Server{
		Addr:              *metricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Start(gctx)
	})
	g.Go(func() error {
		return consumer.StartConsuming(gctx)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info("Worker is ready to process messages")

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("Worker stopped")
}
