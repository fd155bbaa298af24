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

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-booking-engine/cmd/mainconfig"
	"github.com/wolfman30/clinic-booking-engine/internal/api/router"
	appbootstrap "github.com/wolfman30/clinic-booking-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-booking-engine/internal/config"
	"github.com/wolfman30/clinic-booking-engine/internal/conversation"
	"github.com/wolfman30/clinic-booking-engine/internal/credentials"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/internal/reminders"
	"github.com/wolfman30/clinic-booking-engine/internal/worker"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

const memoryQueueBuffer = 1024

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic-booking-engine API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	services, err := appbootstrap.BuildServices(ctx, cfg, awsCfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	defer services.Close()

	var queue worker.Queue
	var inline *worker.Worker
	if cfg.UseMemoryQueue {
		memQueue := worker.NewMemoryQueue(memoryQueueBuffer)
		queue = memQueue
		inline = worker.New(services.Engine, memQueue, logger, worker.WithWorkerCount(cfg.WorkerCount))
		inline.Start(ctx)
		logger.Info("inline conversation workers started", "workers", cfg.WorkerCount)
	} else {
		queue = worker.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.ConversationQueueURL)
	}
	publisher := worker.NewPublisher(queue, logger)

	refresher := credentials.NewRefreshWorker(services.Credentials, services.CredentialStore, cfg.TokenRefreshInterval, logger)
	go refresher.Start(ctx)

	if store, ok := services.Conversations.(*conversation.MemoryStore); ok {
		go store.RunSweeper(ctx, time.Minute, logger)
	}

	routerCfg := &router.Config{
		Logger:          logger,
		Webhook:         messaging.NewWebhookHandler(cfg.WhatsAppVerifyToken, publisher, services.Metrics.Messaging, logger),
		Reminders:       reminders.NewHandler(services.Reminders, logger),
		Payments:        publisher,
		AdminAuthSecret: cfg.AdminJWTSecret,
		MetricsHandler:  promhttp.Handler(),
		Health: func(ctx context.Context) error {
			if services.Redis != nil {
				if err := services.Redis.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			if services.DB != nil {
				if err := services.DB.Ping(ctx); err != nil {
					return fmt.Errorf("postgres: %w", err)
				}
			}
			return nil
		},
	}
	if services.Redis != nil {
		routerCfg.OAuth = credentials.NewOAuthHandler(services.OAuth, services.CredentialStore, services.Credentials, services.Redis, logger)
	} else {
		logger.Warn("redis unavailable; calendar connect flow disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if inline != nil {
		inline.Wait()
	}
	logger.Info("server stopped")
}
