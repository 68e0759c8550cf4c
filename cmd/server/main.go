package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mpesa-service/config"
	"mpesa-service/internal/api"
	"mpesa-service/internal/audit"
	"mpesa-service/internal/broker"
	"mpesa-service/internal/duplicate"
	"mpesa-service/internal/encryption"
	"mpesa-service/internal/mpesa"
	"mpesa-service/internal/redisclient"
	"mpesa-service/internal/service"
	"mpesa-service/internal/statemachine"
	"mpesa-service/internal/store"
	"mpesa-service/internal/util"
	"mpesa-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend is what both the Postgres and in-memory stores provide.
type backend interface {
	service.TransactionStore
	audit.Sink
	Ping(ctx context.Context) error
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting mpesa service", zap.String("mpesa_environment", cfg.Mpesa.Environment))

	tp, err := util.InitTracer("mpesa-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx := context.Background()

	var cipher *encryption.Cipher
	if cfg.Crypto.MasterKey != "" {
		cipher, err = encryption.NewCipherFromString(cfg.Crypto.MasterKey)
		if err != nil {
			log.Fatalf("Failed to load master key: %v", err)
		}
	} else if cfg.Audit.EncryptionEnabled {
		log.Fatalf("ENCRYPTION_MASTER_KEY is required when audit encryption is enabled")
	}

	var st backend
	if cfg.Database.URL == "memory" {
		st = store.NewMemoryStore()
		logger.Warn("Using in-memory store, data will not survive a restart")
	} else {
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			log.Fatalf("Failed to initialize schema: %v", err)
		}
		st = db
		logger.Info("Database connected")
	}

	checks := []api.ReadinessCheck{{Name: "store", Ping: st.Ping}}

	var (
		tracker     duplicate.Tracker
		memTracker  *duplicate.MemoryTracker
		locker      statemachine.Locker
		redisClient *redisclient.Client
	)
	dupCfg := duplicate.Config{
		Window:    cfg.Duplicate.Window(),
		Retention: time.Duration(cfg.Duplicate.RetentionSeconds) * time.Second,
	}
	if cfg.Duplicate.Backend == "redis" {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		tracker = duplicate.NewRedisTracker(redisClient, dupCfg)
		locker = redisclient.NewLocker(redisClient, 10*time.Second)
		checks = append(checks, api.ReadinessCheck{Name: "redis", Ping: redisClient.Ping})
	} else {
		memTracker = duplicate.NewMemoryTracker(dupCfg)
		tracker = memTracker
	}

	var enc audit.Encrypter
	if cipher != nil {
		enc = cipher
	}
	auditLogger, err := audit.NewLogger(audit.Config{
		BatchSize:            cfg.Audit.BatchSize,
		FlushInterval:        time.Duration(cfg.Audit.FlushIntervalMs) * time.Millisecond,
		EncryptionEnabled:    cfg.Audit.EncryptionEnabled,
		DefaultRetentionDays: cfg.Audit.DefaultRetentionDays,
		JurisdictionFlag:     cfg.Audit.JurisdictionFlag,
	}, st, enc, audit.WithLogger(util.ComponentLogger("audit")))
	if err != nil {
		log.Fatalf("Failed to initialize audit logger: %v", err)
	}

	machineOpts := []statemachine.Option{
		statemachine.WithAuditLogger(auditLogger),
		statemachine.WithEnvironment(cfg.Mpesa.Environment),
		statemachine.WithLocker(locker),
	}

	var callbackQueue api.CallbackQueue
	var closers []func() error
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTransactionEvents)
		closers = append(closers, producer.Close)
		machineOpts = append(machineOpts, statemachine.WithPublisher(broker.NewEventPublisher(producer)))
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicTransactionEvents))

		if cfg.Kafka.QueueCallbacks {
			callbackProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks)
			closers = append(closers, callbackProducer.Close)
			callbackQueue = broker.NewEventPublisher(callbackProducer)
		}
	}

	machine := statemachine.New(st, machineOpts...)

	var dec mpesa.Decrypter
	if cipher != nil {
		dec = cipher
	}
	creds, err := mpesa.LoadCredentials(ctx, cfg.Mpesa, dec, auditLogger)
	if err != nil {
		log.Fatalf("Failed to load gateway credentials: %v", err)
	}
	gateway, err := mpesa.NewClient(creds, mpesa.Options{
		BaseURL:          cfg.Mpesa.BaseURL,
		CallbackURL:      cfg.Mpesa.CallbackURL,
		AccountReference: cfg.Mpesa.AccountReference,
	})
	if err != nil {
		log.Fatalf("Failed to initialize gateway client: %v", err)
	}

	paymentService := service.NewPaymentService(st, machine, tracker, gateway, auditLogger, service.Config{
		DuplicateWindow: cfg.Duplicate.Window(),
		PaymentTimeout:  cfg.Business.PaymentTimeout(),
		Currency:        cfg.Business.Currency,
		Environment:     cfg.Mpesa.Environment,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweepInterval := time.Duration(cfg.Business.TimeoutSweepSeconds) * time.Second
	timeoutSweeper := worker.NewTimeoutSweeper(paymentService, sweepInterval)
	go func() {
		if err := timeoutSweeper.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Timeout sweeper error", zap.Error(err))
		}
	}()

	if memTracker != nil {
		dupSweeper := worker.NewDuplicateSweeper(memTracker, time.Duration(cfg.Duplicate.SweepSeconds)*time.Second)
		go func() {
			if err := dupSweeper.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Duplicate sweeper error", zap.Error(err))
			}
		}()
	}

	var callbackWorker *worker.CallbackWorker
	if cfg.Kafka.Enabled && cfg.Kafka.QueueCallbacks {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks, cfg.Kafka.ConsumerGroup)
		callbackWorker = worker.NewCallbackWorker(consumer, paymentService)
		go func() {
			if err := callbackWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Callback worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(paymentService, auditLogger, callbackQueue, checks...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if callbackWorker != nil {
		if err := callbackWorker.Stop(); err != nil {
			logger.Warn("Error stopping callback worker", zap.Error(err))
		}
	}

	if err := auditLogger.Destroy(shutdownCtx); err != nil {
		logger.Error("Audit logger did not flush cleanly", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("Error closing producer", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
