package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"crowdvault/internal/config"
	"crowdvault/internal/custody"
	"crowdvault/internal/handler"
	"crowdvault/internal/httpserver"
	"crowdvault/internal/repository"
	"crowdvault/internal/util"
	"crowdvault/pkg/db"
	pkglogger "crowdvault/pkg/logger"
	"crowdvault/pkg/mq"
	"crowdvault/pkg/otel"
	"crowdvault/pkg/outbox"
	redisclient "crowdvault/pkg/redis"
	pkgutil "crowdvault/pkg/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	issueToken := flag.String("issue-token", "", "print a signed JWT for the given subject and exit")
	flag.Parse()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if *issueToken != "" {
		token, err := util.GenerateJWT(*issueToken, cfg.JWT.Secret, cfg.JWT.TTL)
		if err != nil {
			log.Fatalf("token generation failed: %v", err)
		}
		fmt.Println(token)
		return
	}

	logger, err := pkglogger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName:    cfg.OTel.ServiceName + "-api",
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

	// Init DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	if err := db.Migrate(dbConn, logger); err != nil {
		logger.Fatal("DB migration failed", zap.Error(err))
	}

	// Init Redis（捐款幂等）
	rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("Redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	// Init MQ Publisher（outbox replay）
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		logger.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Init Outbox + Store
	outboxRepo := outbox.NewRepository(dbConn)
	store := repository.NewProjectStore(dbConn, outboxRepo)
	replayService := outbox.NewReplayService(outboxRepo, publisher, logger)

	// Init Services
	custodyService := custody.NewService(store, logger,
		custody.WithMaxRecordSize(cfg.Custody.MaxRecordSize),
	)
	deduper := pkgutil.NewDeduper(rdb, cfg.Custody.IdempotencyTTL, logger)

	// Router
	router := httpserver.NewRouter(httpserver.Handlers{
		Project: handler.NewProjectHandler(custodyService, deduper, logger),
		Account: handler.NewAccountHandler(custodyService, logger),
		Admin:   handler.NewAdminHandler(replayService, logger),
	}, httpserver.Options{
		JWTSecret:      cfg.JWT.Secret,
		AdminSubjects:  cfg.Server.AdminSubjects,
		FaucetEnabled:  cfg.Custody.FaucetEnabled,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Ready: func(ctx context.Context) error {
			if err := dbConn.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			if !publisher.IsConnected() {
				return errors.New("rabbitmq: publisher disconnected")
			}
			return nil
		},
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start API server
	go func() {
		logger.Info("Starting crowdvault API",
			zap.String("port", cfg.Server.Port),
			zap.String("version", version),
			zap.Bool("faucet_enabled", cfg.Custody.FaucetEnabled),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server start failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
