package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"auction-lifecycle/internal/api/handlers"
	"auction-lifecycle/internal/api/middleware"
	"auction-lifecycle/internal/app"
	"auction-lifecycle/internal/config"
	"auction-lifecycle/internal/infrastructure/redis"
	"auction-lifecycle/internal/infrastructure/websocket"
	"auction-lifecycle/internal/services"
	"auction-lifecycle/pkg/clock"
	"auction-lifecycle/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatal("Failed to load config", "error", err)
	}

	log := logger.NewWithLevel(cfg.Logger.Level).With("service", "bidding-service")
	log.Info("Starting bidding service", "config", cfg.GetConfigString())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize Redis
	rdb := redisClient.NewClient(&redisClient.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", "error", err)
	}

	storage, err := app.OpenStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open auction store", "driver", cfg.Store.Driver, "error", err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			log.Error("Failed to close auction store", "error", err)
		}
	}()

	bidStream := redis.NewBidStream(rdb, redis.StreamOptions{
		Stream:          cfg.Bidding.Stream,
		Group:           cfg.Bidding.Group,
		Consumer:        cfg.Bidding.Consumer,
		BatchSize:       cfg.Bidding.BatchSize,
		Block:           cfg.Bidding.Block,
		PendingInterval: cfg.Bidding.PendingInterval,
	})
	if err := bidStream.EnsureGroup(ctx); err != nil {
		log.Fatal("Failed to prepare bid stream", "error", err)
	}

	clk := clock.NewRealClock()
	publisher := storage.Publisher(redis.NewEventPublisher(rdb, cfg.Bidding.EventChannel))
	eventSubscriber := redis.NewRedisEventSubscriber(rdb, cfg.Bidding.EventChannel, log.With("component", "events"))

	admission := services.NewBidAdmission(storage.Auctions, clk, cfg.Admission.MaxRetries, log.With("component", "admission"))
	ingest := services.NewBidIngest(bidStream, admission, publisher, cfg.Bidding.Workers, log.With("component", "ingest"))

	connManager := websocket.NewConnectionManager(log.With("component", "connections"))
	notifier := websocket.NewWebSocketNotifier(connManager)
	eventListener := services.NewEventListener(connManager, notifier, notifier, log.With("component", "listener"))

	wsHandler := websocket.NewWebSocketHandler(storage.Auctions, bidStream, connManager, clk, log.With("component", "websocket"))
	if cfg.Auth.Enabled {
		wsHandler.WithAuthenticator(middleware.NewTokenValidator(middleware.AuthConfig{
			SecretKey: cfg.Auth.SecretKey,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
		}))
	} else {
		log.Warn("Authentication is disabled, bidders identify by user_id")
	}
	wsHandlers := handlers.NewWebSocketHandlers(wsHandler, log)

	router := mux.NewRouter()
	router.Use(middleware.CORS(log))
	wsHandlers.Register(router)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := ingest.Run(runCtx); err != nil {
			log.Error("Bid ingest stopped with error", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := eventListener.Start(runCtx, eventSubscriber); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Event listener stopped with error", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.BiddingPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting bidder gateway", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down bidding service...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	// Stop fetching bids and let the workers drain.
	stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for bid ingest to drain")
	}

	log.Info("Bidding service stopped")
}
