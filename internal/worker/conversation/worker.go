// Package conversationworker runs the queue consumer that drives engine turns.
package conversationworker

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-booking-engine/cmd/mainconfig"
	appbootstrap "github.com/wolfman30/clinic-booking-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-booking-engine/internal/config"
	"github.com/wolfman30/clinic-booking-engine/internal/worker"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

// Run starts the SQS-backed conversation worker and blocks until ctx is
// canceled and in-flight turns have drained.
func Run(ctx context.Context, cfg *appconfig.Config, reg prometheus.Registerer, logger *logging.Logger) error {
	if cfg == nil {
		return fmt.Errorf("conversation worker requires config")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.UseMemoryQueue {
		return fmt.Errorf("conversation worker cannot run when USE_MEMORY_QUEUE=true; the api process runs inline workers instead")
	}
	if cfg.ConversationQueueURL == "" {
		return fmt.Errorf("CONVERSATION_QUEUE_URL is required")
	}

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	services, err := appbootstrap.BuildServices(ctx, cfg, awsConfig, reg, logger)
	if err != nil {
		return fmt.Errorf("failed to build services: %w", err)
	}
	defer services.Close()

	queue := worker.NewSQSQueue(sqs.NewFromConfig(awsConfig), cfg.ConversationQueueURL)
	w := worker.New(services.Engine, queue, logger, worker.WithWorkerCount(cfg.WorkerCount))
	w.Start(ctx)
	logger.Info("conversation worker started",
		"workers", cfg.WorkerCount,
		"messenger", services.MessengerName,
	)

	<-ctx.Done()
	logger.Info("shutting down conversation worker...")

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("conversation worker stopped")
		return nil
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("conversation worker shutdown timed out after %s", shutdownTimeout)
	}
}
