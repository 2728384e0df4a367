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

	"order-pipeline/config"
	"order-pipeline/internal/api"
	"order-pipeline/internal/broker"
	"order-pipeline/internal/cart"
	"order-pipeline/internal/ledger"
	"order-pipeline/internal/memstore"
	"order-pipeline/internal/redisclient"
	"order-pipeline/internal/service"
	"order-pipeline/internal/store"
	"order-pipeline/internal/util"
	"order-pipeline/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend is what both store drivers provide
type backend interface {
	service.OrderStore
	service.CatalogStore
	ListStaleOrders(ctx context.Context, limit int) ([]string, error)
	Ping(ctx context.Context) error
}

func openBackend(cfg *config.Config, logger *zap.Logger) (backend, func(), error) {
	switch cfg.Drivers.Store {
	case "memory":
		logger.Warn("Using in-memory store, state is lost on restart")
		return memstore.New(), func() {}, nil
	case "postgres":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Database.Migrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("Database schema applied")
		}
		return db, func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Drivers.Store)
}

func main() {

	cfg := config.Load()

	err := util.InitLogger(util.LogOptions{
		Env:     cfg.Server.Env,
		Level:   cfg.Server.LogLevel,
		Service: cfg.Server.Service,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order pipeline")

	tp, err := util.InitTracer(util.TraceOptions{
		Service:     cfg.Server.Service,
		Env:         cfg.Server.Env,
		Endpoint:    cfg.Observ.JaegerEndpoint,
		SampleRatio: cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, closeDB, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer closeDB()
	logger.Info("Store ready", zap.String("driver", cfg.Drivers.Store))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CartTTL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	var events service.EventPublisher
	switch cfg.Drivers.Events {
	case "log":
		events = broker.NewLogPublisher()
	default:
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		events = broker.NewEventPublisher(producer)
		logger.Info("Kafka event producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))
	}

	stockLedger := ledger.New(db)
	paymentService := service.NewPaymentService(db)
	pipeline := service.NewPipeline(db, stockLedger, paymentService, events, service.PipelineConfig{
		Lease:            cfg.Pipeline.Lease,
		StageTimeout:     cfg.Pipeline.StageTimeout,
		RetryAttempts:    cfg.Pipeline.RetryAttempts,
		RetryBackoff:     cfg.Pipeline.RetryBackoff,
		PremiumThreshold: cfg.Pipeline.PremiumThreshold,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pool := worker.NewPool(pipeline, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)
	pool.Start(workerCtx)

	var dispatcher service.Dispatcher = pool
	var queueWorker *worker.QueueWorker
	if cfg.Drivers.Queue == "kafka" {
		queueProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicQueue)
		defer queueProducer.Close()
		dispatcher = broker.NewQueuePublisher(queueProducer)

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicQueue, cfg.Kafka.ConsumerGroup)
		queueWorker = worker.NewQueueWorker(consumer, pool)
		go func() {
			if err := queueWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Queue worker error", zap.Error(err))
			}
		}()
		logger.Info("Kafka order queue enabled", zap.String("topic", cfg.Kafka.TopicQueue))
	}

	sweeper := worker.NewSweeper(db, pool, cfg.Pipeline.SweepInterval, cfg.Pipeline.BatchSize)
	go sweeper.Run(workerCtx)

	validator := cart.NewValidator(db, db)
	carts := cart.NewService(redisClient, validator)
	orderService := service.NewOrderService(db, validator, carts, dispatcher, redisClient, events, service.OrderServiceConfig{
		BatchSize:    cfg.Pipeline.BatchSize,
		PollInterval: cfg.Pipeline.PollInterval,
	})
	catalogService := service.NewCatalogService(db)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, catalogService, carts, map[string]api.Pinger{
		"store": db,
		"redis": redisClient,
	}, cfg.Pipeline.MaxWait)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
		// long polls on /orders/:id/wait must fit inside the write timeout
		WriteTimeout: cfg.Pipeline.MaxWait + 5*time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if queueWorker != nil {
		if err := queueWorker.Stop(); err != nil {
			logger.Error("Failed to stop queue worker", zap.Error(err))
		}
	}
	pool.Stop()

	logger.Info("Server exited")
}
