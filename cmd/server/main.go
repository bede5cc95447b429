package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"checkout-engine/config"
	"checkout-engine/internal/api"
	"checkout-engine/internal/audit"
	"checkout-engine/internal/broker"
	"checkout-engine/internal/redisclient"
	"checkout-engine/internal/service"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"
	"checkout-engine/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout engine", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("checkout-engine", cfg.Observ.JaegerEndpoint)
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

	db, err := store.NewStore(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer orderProducer.Close()
	auditProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAudit)
	defer auditProducer.Close()
	logger.Info("Kafka producers initialized",
		zap.String("order_topic", cfg.Kafka.TopicOrder),
		zap.String("audit_topic", cfg.Kafka.TopicAudit))

	eventPublisher := broker.NewEventPublisher(orderProducer)

	// Deferred after the producer so the buffer drains before it closes.
	kafkaSink := audit.NewKafkaSink(auditProducer, cfg.Audit.BufferSize)
	defer kafkaSink.Close()
	sink := audit.Multi{audit.NewLogSink(logger), kafkaSink}

	// Workers record audit entries; wait for them before the deferred closes.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup

	var idempotency service.IdempotencyBackend = redisClient
	if cfg.Idempotency.Backend == "postgres" {
		dbIdempotency := service.NewDBIdempotency(db)
		idempotency = dbIdempotency
		sweeper := worker.NewIdempotencySweeper(dbIdempotency, cfg.Idempotency.SweepInterval)
		workers.Add(1)
		go func() {
			defer workers.Done()
			sweeper.Run(workerCtx)
		}()
	}
	logger.Info("Idempotency backend selected", zap.String("backend", cfg.Idempotency.Backend))

	ledger := service.NewStockLedger(db, sink)
	coupons := service.NewCouponService(db, sink)
	orders := service.NewOrderService(db, ledger, coupons, eventPublisher, sink)
	confirm := service.NewOrderConfirmation(db, ledger, coupons, eventPublisher, sink)
	// A claim must outlive the request that holds it.
	lease := cfg.Idempotency.Lease
	if lease < cfg.Server.WriteTimeout {
		lease = cfg.Server.WriteTimeout
	}
	guard := service.NewPaymentGuard(db, idempotency, cfg.Idempotency.TTL, lease)

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewPaymentWorker(paymentConsumer, confirm)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := paymentWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Payment worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orders, confirm, ledger, coupons, guard, api.Options{
		AdminToken:    cfg.Server.AdminToken,
		WebhookSecret: cfg.Server.WebhookSecret,
		Ready: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	workers.Wait()
	if err := paymentWorker.Stop(); err != nil {
		logger.Error("Error stopping payment worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
