package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/mulehunter/backend/shared/config"
	"github.com/mulehunter/backend/shared/db"
	"github.com/mulehunter/backend/shared/events"
	"github.com/mulehunter/backend/shared/logging"
	"github.com/mulehunter/backend/shared/metrics"
	"github.com/mulehunter/backend/shared/middleware"
	redisClient "github.com/mulehunter/backend/shared/redis"
	txcmd "github.com/mulehunter/backend/transaction-service/internal/command"
	"github.com/mulehunter/backend/transaction-service/internal/features"
	"github.com/mulehunter/backend/transaction-service/internal/handler"
	"github.com/mulehunter/backend/transaction-service/internal/notification"
	txqry "github.com/mulehunter/backend/transaction-service/internal/query"
	"github.com/mulehunter/backend/transaction-service/internal/repository"
	"github.com/mulehunter/backend/transaction-service/internal/scoring"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const streamMaxLen = 100000

func main() {
	if err := run(); err != nil {
		slog.Error("transaction service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("transaction-service")
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}
	m := metrics.New("transaction")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is optional: without it there is no view cache and no event stream.
	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		client, err := redisClient.NewClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client.Client
	}

	stores, closeStores, err := openStores(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	var publisher txcmd.EventPublisher
	if rdb != nil {
		publisher = events.NewPublisher(rdb, streamMaxLen)
	}

	notifier, closeNotifier := newNotifier(cfg.Notification, m, logger)
	defer closeNotifier()

	aggregator := features.NewAggregator(stores.features, stores.featureViews, m, logger)
	saga := txcmd.NewTransactionSaga(txcmd.SagaOptions{
		Store:          stores.writer,
		Features:       aggregator,
		Scorer:         scoring.NewClient(cfg.Scoring, m, logger),
		Notifier:       notifier,
		Publisher:      publisher,
		Views:          stores.views,
		StepOrder:      cfg.Saga.StepOrder,
		FeatureTimeout: cfg.Saga.FeatureTimeout,
		Metrics:        m,
		Logger:         logger,
	})
	querySvc := txqry.NewTransactionQueryService(stores.reader)
	transactionHandler := handler.NewTransactionHandler(saga, querySvc)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), middleware.LoggingMiddleware(logger), m.Middleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, m.Handler())
	}
	transactionHandler.RegisterRoutes(router.Group("/v1"))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("transaction service starting",
			"port", cfg.HTTP.Port,
			"driver", cfg.Database.Driver,
			"step_order", cfg.Saga.StepOrder,
			"notification_transport", cfg.Notification.Transport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down transaction service")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// storeSet groups the persistence ports for the selected driver.
type storeSet struct {
	writer       txcmd.TransactionStore
	reader       txqry.TransactionReader
	views        txcmd.TransactionViewCache
	features     features.Store
	featureViews features.ViewCache
}

func openStores(ctx context.Context, cfg *config.Config, rdb *goredis.Client, logger *slog.Logger) (storeSet, func(), error) {
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		txStore := repository.NewMemoryTransactionStore()
		return storeSet{
			writer:   txStore,
			reader:   txStore,
			views:    txStore,
			features: repository.NewMemoryFeatureStore(),
		}, func() {}, nil
	}

	conn, err := db.ConnectPostgres(ctx, cfg.Database)
	if err != nil {
		return storeSet{}, nil, err
	}
	if err := db.EnsureSchema(ctx, conn); err != nil {
		_ = conn.Close()
		return storeSet{}, nil, err
	}

	timeout := cfg.Database.QueryTimeout
	readRepo := repository.NewTransactionReadRepository(conn, rdb, timeout, logger)
	featureRepo := repository.NewFeatureRepository(conn, rdb, timeout, logger)
	return storeSet{
		writer:       repository.NewTransactionWriteRepository(conn, timeout),
		reader:       readRepo,
		views:        readRepo,
		features:     featureRepo,
		featureViews: featureRepo,
	}, closer(conn, logger), nil
}

func closer(conn *sql.DB, logger *slog.Logger) func() {
	return func() {
		if err := conn.Close(); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}
}

func newNotifier(cfg config.NotificationConfig, m *metrics.Metrics, logger *slog.Logger) (notification.Notifier, func()) {
	switch cfg.Transport {
	case config.TransportKafka:
		n := notification.NewKafkaNotifier(cfg, m, logger)
		return n, func() {
			if err := n.Close(); err != nil {
				logger.Warn("failed to close kafka writer", "error", err)
			}
		}
	case config.TransportNone:
		return notification.Noop{}, func() {}
	default:
		return notification.NewHTTPNotifier(cfg, m, logger), func() {}
	}
}
