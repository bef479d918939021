package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	featurecmd "github.com/mulehunter/backend/feature-service/internal/command"
	"github.com/mulehunter/backend/feature-service/internal/handler"
	featureqry "github.com/mulehunter/backend/feature-service/internal/query"
	"github.com/mulehunter/backend/feature-service/internal/repository"
	"github.com/mulehunter/backend/shared/config"
	"github.com/mulehunter/backend/shared/db"
	"github.com/mulehunter/backend/shared/events"
	"github.com/mulehunter/backend/shared/logging"
	"github.com/mulehunter/backend/shared/metrics"
	"github.com/mulehunter/backend/shared/middleware"
	redisClient "github.com/mulehunter/backend/shared/redis"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("feature service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("feature-service")
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("feature service requires the %s driver, got %q", config.DriverPostgres, cfg.Database.Driver)
	}
	m := metrics.New("feature")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// PostgreSQL holds the features; Redis carries the read model, the
	// velocity windows and the transaction event stream.
	conn, err := db.ConnectPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.EnsureSchema(ctx, conn); err != nil {
		return err
	}

	redis, err := redisClient.NewClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer redis.Close()

	// --- CQRS wiring ---
	readRepo := repository.NewFeatureReadRepository(conn, redis.Client, cfg.Database.QueryTimeout, logger)
	writeRepo := repository.NewFeatureWriteRepository(conn, cfg.Database.QueryTimeout)
	velocityRepo := repository.NewVelocityRepository(redis.Client, logger)
	analyticsRepo := repository.NewAnalyticsRepository(conn, cfg.Database.QueryTimeout)
	graphRepo := repository.NewGraphRepository(conn, cfg.Database.QueryTimeout)

	velocitySvc := featurecmd.NewVelocityService(velocityRepo, writeRepo, readRepo, cfg.Velocity.Window, m, logger)
	analyticsSvc := featurecmd.NewAnalyticsService(analyticsRepo, m, logger)
	querySvc := featureqry.NewFeatureQueryService(readRepo)
	graphSvc := featureqry.NewGraphQueryService(graphRepo, analyticsRepo, readRepo)
	featureHandler := handler.NewFeatureHandler(querySvc)
	analyticsHandler := handler.NewAnalyticsHandler(analyticsSvc, graphSvc)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.LoggingMiddleware(logger), m.Middleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, m.Handler())
	}
	v1 := router.Group("/v1")
	featureHandler.RegisterRoutes(v1, cfg.Gateway.InternalAPIKey)
	analyticsHandler.RegisterRoutes(v1, cfg.Gateway.InternalAPIKey)
	// The visual-analytics pipeline posts model outputs under /backend/api.
	analyticsHandler.RegisterVisualRoutes(router.Group("/backend/api"), cfg.Gateway.InternalAPIKey)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		subscriber := events.NewSubscriber(redis.Client, events.SubscriberConfig{
			Group:    cfg.Velocity.Group,
			Consumer: cfg.Velocity.Consumer,
			Stream:   events.TransactionEventsStream,
			Handler:  velocitySvc.HandleTransactionEvent,
			Logger:   logger,
		})
		if err := subscriber.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("subscriber stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("feature service starting", "port", cfg.HTTP.Port, "velocity_window", cfg.Velocity.Window)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down feature service")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
