package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"auction-lifecycle/internal/api/handlers"
	authmw "auction-lifecycle/internal/api/middleware"
	"auction-lifecycle/internal/app"
	"auction-lifecycle/internal/config"
	"auction-lifecycle/internal/domain"
	"auction-lifecycle/internal/infrastructure/catalog"
	"auction-lifecycle/internal/infrastructure/leader"
	"auction-lifecycle/internal/infrastructure/redis"
	"auction-lifecycle/internal/services"
	"auction-lifecycle/pkg/clock"
	"auction-lifecycle/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatal("Failed to load config", "error", err)
	}

	log := logger.NewWithLevel(cfg.Logger.Level).With("service", "auction-service")
	log.Info("Starting auction service", "config", cfg.GetConfigString())

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
	log.Info("Connected to Redis", "address", cfg.Redis.Address)

	storage, err := app.OpenStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open auction store", "driver", cfg.Store.Driver, "error", err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			log.Error("Failed to close auction store", "error", err)
		}
	}()

	clk := clock.NewRealClock()
	publisher := storage.Publisher(redis.NewEventPublisher(rdb, cfg.Bidding.EventChannel))
	catalogClient := catalog.NewHTTPClient(cfg.Catalog.BaseURL, cfg.Catalog.Timeout, log.With("component", "catalog"))

	lifecycle := services.NewAuctionLifecycle(storage.Auctions, catalogClient, publisher, clk,
		services.LifecycleOptions{
			DefaultDuration: cfg.Auction.DefaultDuration,
			MaxRetries:      cfg.Admission.MaxRetries,
		}, log.With("component", "lifecycle"))

	var election domain.LeaderElection = services.SoloLeader{}
	if cfg.Leader.Enabled {
		election = leader.NewRedisLeaderElection(rdb, cfg.Leader.TTL, log.With("component", "leader"))
	}

	scheduler := services.NewLifecycleScheduler(storage.Auctions, lifecycle, election, clk,
		services.SchedulerOptions{
			Spec:         cfg.Scheduler.Spec,
			CloseTimeout: cfg.Scheduler.CloseTimeout,
			InstanceID:   cfg.Instance.ID,
		}, log.With("component", "scheduler"))

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.RequestID())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: `{"time":"${time_rfc3339}","id":"${id}","remote_ip":"${remote_ip}","method":"${method}","uri":"${uri}","status":${status},"error":"${error}","latency_human":"${latency_human}"}` + "\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
		MaxAge: 86400,
	}))

	auctionHandler := handlers.NewAuctionHandler(lifecycle, log.With("component", "api"))
	if storage.Events != nil {
		auctionHandler.WithHistory(storage.Events)
	}

	api := e.Group("/api/v1")
	var adminOnly []echo.MiddlewareFunc
	if cfg.Auth.Enabled {
		validator := authmw.NewTokenValidator(authmw.AuthConfig{
			SecretKey: cfg.Auth.SecretKey,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
		})
		api.Use(authmw.JWTAuth(validator))
		adminOnly = append(adminOnly, authmw.RequireRole(cfg.Auth.AdminRole))
	} else {
		log.Warn("Authentication is disabled")
	}
	auctionHandler.Register(api, adminOnly...)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"service":   "auction-service",
			"timestamp": clk.Now().Format(time.RFC3339),
			"store":     cfg.Store.Driver,
		})
	})

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := scheduler.Start(runCtx); err != nil {
		log.Fatal("Failed to start scheduler", "error", err)
	}

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Info("Starting HTTP server", "address", serverAddr)
		if err := e.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down auction service...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop scheduler", "error", err)
	}
	stop()

	log.Info("Auction service stopped")
}
