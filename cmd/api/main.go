package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/callflow-engine/internal/config"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/handler"
	"github.com/kursadbilgin/callflow-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/callflow-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/callflow-engine/internal/infra/redis"
	"github.com/kursadbilgin/callflow-engine/internal/observability"
	"github.com/kursadbilgin/callflow-engine/internal/provider"
	"github.com/kursadbilgin/callflow-engine/internal/queue"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"github.com/kursadbilgin/callflow-engine/internal/service"
	"github.com/kursadbilgin/callflow-engine/internal/timezone"
	"github.com/kursadbilgin/callflow-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("callflow-engine stopped with error", zap.Error(err))
	}
	logger.Info("callflow-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	policies, err := config.LoadPolicies(cfg.CampaignsFile)
	if err != nil {
		return err
	}
	resolver, err := timezone.NewResolver(policies.Regions)
	if err != nil {
		return fmt.Errorf("invalid region configuration: %w", err)
	}

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, cfg.MaxConcurrentCalls, logger)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close()
	publisher := queue.NewRabbitMQPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, 2*cfg.RequeueAfter(), logger)

	collaboratorTimeout := cfg.CollaboratorTimeout()
	voice, err := provider.NewHTTPVoiceClient(cfg.VoiceAPIURL, cfg.VoiceAPIKey, cfg.PlaceCallTimeout())
	if err != nil {
		return err
	}
	workflows, err := provider.NewHTTPWorkflowClient(cfg.WorkflowAPIURL, collaboratorTimeout)
	if err != nil {
		return err
	}
	sms, err := provider.NewHTTPSMSClient(cfg.SMSAPIURL, collaboratorTimeout)
	if err != nil {
		return err
	}
	crm, err := provider.NewHTTPCRMClient(cfg.CRMAPIURL, cfg.CRMAPIKey, collaboratorTimeout)
	if err != nil {
		return err
	}

	locker, err := infraredis.NewRedisLocker(rdb, cfg.LeaseAcquireTimeout())
	if err != nil {
		return err
	}
	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.CallRatePerSec)
	if err != nil {
		return err
	}
	callSlots, err := infraredis.NewRedisSemaphore(rdb, cfg.MaxConcurrentCalls)
	if err != nil {
		return err
	}
	bus, err := infraredis.NewOutcomeBus(rdb, logger)
	if err != nil {
		return err
	}

	states := repository.NewGormRetryStateRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	dispatches := repository.NewGormDispatchRepo(db)
	metrics := observability.NewMetrics()
	hub := service.NewOutcomeHub()

	dispatcher, err := service.NewDispatcher(dispatches, workflows, crm, sms, cfg.DispatchMaxAttempts, cfg.DispatchBackoff(), logger)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics)

	finalizer, err := service.NewFinalizer(states, attempts, resolver, policies, dispatcher, crm, logger)
	if err != nil {
		return err
	}
	finalizer.SetMetrics(metrics)

	orchestrator, err := service.NewOrchestrator(
		states, attempts, consumer, voice, crm, resolver, locker, rateLimiter, hub, finalizer,
		service.OrchestratorOptions{
			Concurrency:        cfg.MaxConcurrentCalls,
			PlaceCallTimeout:   cfg.PlaceCallTimeout(),
			CallOutcomeTimeout: cfg.CallOutcomeTimeout(),
			LeaseTTL:           cfg.LeaseTTL(),
		},
		logger,
	)
	if err != nil {
		return err
	}
	orchestrator.SetMetrics(metrics)
	orchestrator.SetCallSlots(callSlots)

	scanner, err := service.NewDueScanner(states, publisher, cfg.ScanInterval(), cfg.MaxConcurrentCalls*10, cfg.RequeueAfter(), logger)
	if err != nil {
		return err
	}

	sweeper, err := service.NewRecoverySweeper(states, attempts, locker, finalizer, cfg.RecoveryInterval(), cfg.StuckAttemptAfter(), 0, logger)
	if err != nil {
		return err
	}
	sweeper.SetMetrics(metrics)

	contacts, err := service.NewContactService(states, attempts, crm, resolver, policies, finalizer, hub, bus, logger)
	if err != nil {
		return err
	}

	subscription, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:               "callflow-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	if err := handler.RegisterEnrollmentRoutes(app, contacts); err != nil {
		return err
	}
	if err := handler.RegisterWebhookRoutes(app, contacts, cfg.CallbackSecret); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return subscription.Run(gctx, func(attemptID string, rec domain.OutcomeRecord) {
			hub.Deliver(attemptID, rec)
		})
	})
	g.Go(func() error { return orchestrator.Start(gctx) })
	g.Go(func() error { return scanner.Start(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })
	g.Go(func() error {
		logger.Info("callflow-engine api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
		return nil
	})

	// The publisher and consumer share the broker connection closed by the deferred rabbit.Close.
	return g.Wait()
}
