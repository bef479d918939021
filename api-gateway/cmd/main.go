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
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mulehunter/backend/api-gateway/internal/proxy"
	"github.com/mulehunter/backend/shared/config"
	"github.com/mulehunter/backend/shared/logging"
	"github.com/mulehunter/backend/shared/metrics"
	"github.com/mulehunter/backend/shared/middleware"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("api-gateway")
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}
	m := metrics.New("gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.LoggingMiddleware(logger), m.Middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.HTTP.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, m.Handler())
	}

	fwd := proxy.NewForwarder(cfg.Gateway.InternalAPIKey, cfg.HTTP.WriteTimeout)
	v1 := router.Group("/v1")
	{
		transactions := fwd.To(cfg.Gateway.TransactionServiceURL)
		v1.POST("/transactions", transactions)
		v1.GET("/transactions", transactions)
		v1.GET("/transactions/:transactionId", transactions)

		features := fwd.To(cfg.Gateway.FeatureServiceURL)
		v1.GET("/features", features)
		v1.GET("/features/:accountId", features)
		v1.GET("/graph", features)
		v1.GET("/graph/nodes/:nodeId", features)
		v1.GET("/visual/nodes/:nodeId/full", features)
		v1.GET("/visual/anomaly-scores/:nodeId", features)

		v1.GET("/visual/stream/unsupervised", fwd.Stream(cfg.Gateway.VisualAnalyticsURL, proxy.UnsupervisedStreamPath))
	}

	// No write timeout: the event stream stays open for as long as the
	// client listens. Proxied calls are bounded by the forwarder's client.
	srv := &http.Server{
		Addr:        ":" + cfg.HTTP.Port,
		Handler:     router,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api gateway starting",
			"port", cfg.HTTP.Port,
			"transaction_service", cfg.Gateway.TransactionServiceURL,
			"feature_service", cfg.Gateway.FeatureServiceURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down api gateway")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
