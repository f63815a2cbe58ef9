package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rentalhub-sale-api/internal/checkpoint"
	"rentalhub-sale-api/internal/clock"
	"rentalhub-sale-api/internal/config"
	"rentalhub-sale-api/internal/handler"
	"rentalhub-sale-api/internal/lock"
	"rentalhub-sale-api/internal/middleware"
	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/internal/notify"
	"rentalhub-sale-api/internal/repository"
	"rentalhub-sale-api/internal/router"
	"rentalhub-sale-api/internal/service"
)

func main() {
	root := &cobra.Command{
		Use:           "rentalhub-sale-api",
		Short:         "Sale transition service for rental inventory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the SQL store schema and exit",
			RunE:  runMigrate,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.App)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Store.Type == "memory" {
		return errors.New("migrate needs a SQL store; STORE_TYPE is memory")
	}
	// opening a SQL store applies the schema
	store, _, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("schema up to date", zap.String("store", cfg.Store.Type))
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.App)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting", zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Environment),
		zap.String("version", cfg.App.Version))

	clk := clock.NewSystem()
	readiness := map[string]handler.Pinger{}
	backends := handler.Backends{Checkpoints: "memory", Lock: "memory", Audit: "store"}

	store, storeName, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	backends.Store = storeName
	readiness["store"] = store

	var auditRepo repository.AuditRepository = store
	if cfg.Mongo.AuditSink == "mongodb" {
		mongoRepo, err := repository.NewMongoAuditRepository(cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection, logger)
		if err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
		defer mongoRepo.Close()
		auditRepo = mongoRepo
		backends.Audit = "mongodb"
		readiness["mongodb"] = mongoRepo
	}

	var (
		checkpoints checkpoint.Store = checkpoint.NewMemoryStore(cfg.Transition.CheckpointTTL, clk)
		locker      lock.Locker      = lock.NewMemoryLocker()
	)
	if cfg.Redis.Enabled {
		client, err := checkpoint.NewRedisClient(checkpoint.RedisConfig{
			Addr:     cfg.Redis.Address(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer client.Close()
		checkpoints = checkpoint.NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Transition.CheckpointTTL, clk, logger)
		locker = lock.NewRedisLocker(client, cfg.Redis.KeyPrefix, cfg.Redis.LockTTL)
		backends.Checkpoints, backends.Lock = "redis", "redis"
		readiness["redis"] = redisPinger{client}
	}

	threshold, maxImpact, err := cfg.Transition.Policy()
	if err != nil {
		return err
	}
	maxCustomers := cfg.Transition.MaxAffectedCustomers
	policy := service.ApprovalPolicy{
		HighValueThreshold:   &threshold,
		MaxAffectedCustomers: &maxCustomers,
	}
	if maxImpact.Valid {
		policy.MaxFinancialImpact = &maxImpact.Decimal
	}

	audit := service.NewAuditLogger(auditRepo, clk, logger)
	channel := notify.NewBreakerChannel(notify.NewLogChannel(logger), notify.BreakerConfig{
		ConsecutiveFailures: cfg.Notification.BreakerFailures,
		OpenTimeout:         cfg.Notification.BreakerOpenTimeout,
		HalfOpenRequests:    cfg.Notification.BreakerHalfOpenReqs,
	}, logger)
	dispatcher := service.NewNotificationDispatcher(store, channel, audit, clk, logger,
		service.WithDefaultChannel(model.Channel(cfg.Notification.DefaultChannel)),
		service.WithPollInterval(cfg.Notification.PollInterval),
	)
	detector := service.NewConflictDetector(store, clk, service.WithBookingHorizon(cfg.Transition.BookingHorizon))
	executor := service.NewResolutionExecutor(store, store, dispatcher, audit, clk, logger,
		service.WithRetryOptions(service.WithMaxAttempts(cfg.Transition.RetryAttempts)),
	)
	orchestrator := service.NewTransitionOrchestrator(service.OrchestratorDeps{
		Store:       store,
		Detector:    detector,
		Executor:    executor,
		Dispatcher:  dispatcher,
		Checkpoints: checkpoints,
		Locker:      locker,
		Audit:       audit,
		Clock:       clk,
		Logger:      logger,
	}, policy,
		service.WithResolutionConcurrency(cfg.Transition.ResolutionConcurrency),
		service.WithResponseTimeout(cfg.Transition.ResponseTimeout),
	)

	sweeper := service.NewExpirySweeper(dispatcher, service.SweeperConfig{
		Interval: cfg.Notification.SweepInterval,
	}, logger)
	sweeper.Start()
	defer sweeper.Stop()

	actors := handler.NewActorResolver(cfg.Auth.ElevatedRoles)
	r := router.New(router.Config{
		Handler:             handler.New(cfg.App.Version, readiness),
		TransitionHandler:   handler.NewTransitionHandler(orchestrator, actors,
			handler.WithMaxResponseWait(cfg.Server.WriteTimeout)),
		NotificationHandler: handler.NewNotificationHandler(orchestrator, dispatcher, actors),
		AdminHandler:        handler.NewAdminHandler(orchestrator, backends),
		AuthMiddleware:      middleware.NewAuthMiddleware(cfg.Auth.APIKeys),
		Logger:              logger,
	})
	if len(cfg.Auth.APIKeys) == 0 {
		logger.Warn("API_KEYS is empty; API key authentication is disabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// openStore builds the transition and ledger backend.
func openStore(cfg config.StoreConfig, logger *zap.Logger) (repository.Store, string, error) {
	var dialect repository.Dialect
	switch cfg.Type {
	case "memory":
		return repository.NewMemoryStore(), "memory", nil
	case "sqlite", "":
		dialect = repository.DialectSQLite
	case "mysql":
		dialect = repository.DialectMySQL
	case "postgres", "postgresql":
		dialect = repository.DialectPostgres
	default:
		return nil, "", fmt.Errorf("unsupported STORE_TYPE %q", cfg.Type)
	}
	if dialect == repository.DialectSQLite {
		if err := ensureDir(cfg.Path); err != nil {
			return nil, "", err
		}
	}

	store, err := repository.NewSQLStore(repository.SQLConfig{
		Dialect:         dialect,
		Driver:          cfg.Driver,
		DSN:             cfg.DSN(),
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, "", err
	}
	return store, string(dialect), nil
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
