package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/notify"
	"checkout-service/internal/payment"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/shipping"
	"checkout-service/internal/store"
	"checkout-service/internal/tracking"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// repository is a store the service can run on and the probes can ping
type repository interface {
	service.Repository
	service.Catalog
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Database.Driver))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	repo, err := openRepository(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer repo.Close()

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	var publisher broker.Publisher = broker.NewLogPublisher()
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		publisher = producer
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	gateway, err := payment.NewClient(payment.Config{
		BaseURL:      cfg.PayPal.BaseURL,
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		ReturnURL:    cfg.PayPal.ReturnURL,
		CancelURL:    cfg.PayPal.CancelURL,
		BrandName:    cfg.PayPal.BrandName,
		Timeout:      cfg.PayPal.Timeout,
	})
	if err != nil {
		logger.Fatal("Failed to create payment client", zap.Error(err))
	}

	tracker, err := newTracker(cfg.Tracking)
	if err != nil {
		logger.Fatal("Failed to create tracking client", zap.Error(err))
	}

	sender, err := newSender(cfg.SMS)
	if err != nil {
		logger.Fatal("Failed to create SMS sender", zap.Error(err))
	}
	dispatcher := notify.NewDispatcher(sender, cfg.SMS.Workers, cfg.SMS.QueueSize, cfg.SMS.Timeout)

	orderService := service.NewOrderService(service.Dependencies{
		Repo:    repo,
		Cache:   redisClient,
		Locker:  redisClient,
		Gateway: gateway,
		Provisioner: shipping.NewSandboxProvisioner(shipping.Config{
			Carrier:       cfg.Shipping.Carrier,
			Delay:         cfg.Shipping.Delay,
			GenerateLabel: cfg.Shipping.GenerateLabel,
			Timeout:       cfg.Shipping.Timeout,
		}),
		Tracker:  tracker,
		Notifier: dispatcher,
		Events:   broker.NewEventPublisher(publisher),
	}, service.Options{
		Currency:         cfg.Business.Currency,
		Carrier:          cfg.Shipping.Carrier,
		LockTTL:          cfg.Business.LockTTL,
		LockWait:         cfg.Business.LockWait,
		OrderCacheTTL:    cfg.Business.OrderCacheTTL,
		TrackingCacheTTL: cfg.Business.TrackingCacheTTL,
	})
	cartService := service.NewCartService(repo, redisClient, cfg.Business.CartCacheTTL)
	catalogService := service.NewCatalogService(repo, redisClient)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var fulfillmentWorker *worker.FulfillmentWorker
	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
		fulfillmentWorker = worker.NewFulfillmentWorker(consumer, redisClient, orderService, worker.Config{
			RetryDelay: cfg.Business.ShipmentRetryDelay,
			DedupTTL:   cfg.Business.EventDedupTTL,
		})
		go func() {
			if err := fulfillmentWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Fulfillment worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, cartService, catalogService, api.Options{
		Verbose: cfg.Server.Verbose(),
		Dependencies: map[string]api.Pinger{
			"database": repo,
			"redis":    redisClient,
		},
	}, util.ComponentLogger("http"))
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
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

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if fulfillmentWorker != nil {
		if err := fulfillmentWorker.Stop(); err != nil {
			logger.Warn("Error stopping fulfillment worker", zap.Error(err))
		}
	}
	dispatcher.Close()

	logger.Info("Server exited")
}

func openRepository(cfg config.DatabaseConfig, logger *zap.Logger) (repository, error) {
	if cfg.Driver == config.DriverMemory {
		mem := store.NewMemoryStore()
		if cfg.SeedCatalogue {
			seedCatalogue(mem)
		}
		logger.Warn("Using in-memory store, data is lost on restart")
		return mem, nil
	}

	db, err := store.NewStore(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("Database migrations applied")
	}
	logger.Info("Database connected")
	return db, nil
}

// seedCatalogue stocks a development catalogue
func seedCatalogue(mem *store.MemoryStore) {
	products := []models.Product{
		{ID: 1, Name: "Desk Lamp", Description: "Adjustable LED lamp", Category: "home", Price: 2999, Quantity: 25},
		{ID: 2, Name: "Notebook", Description: "A5 dotted, 160 pages", Category: "stationery", Price: 899, Quantity: 100},
		{ID: 3, Name: "Headphones", Description: "Closed-back, wired", Category: "audio", Price: 7450, Quantity: 10},
	}
	for _, p := range products {
		mem.PutProduct(p)
	}
}

func newTracker(cfg config.TrackingConfig) (service.Tracker, error) {
	if cfg.Sandbox() {
		return tracking.NewSandboxClient(), nil
	}
	return tracking.NewHTTPClient(tracking.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	})
}

func newSender(cfg config.SMSConfig) (notify.Sender, error) {
	if !cfg.Enabled() {
		return notify.NewLogSender(), nil
	}
	return notify.NewTwilioSender(notify.TwilioConfig{
		BaseURL:    cfg.BaseURL,
		AccountSID: cfg.AccountSID,
		AuthToken:  cfg.AuthToken,
		From:       cfg.From,
		Timeout:    cfg.Timeout,
	})
}
