package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/clinic-booking-engine/internal/conversation"
	"github.com/wolfman30/clinic-booking-engine/internal/messaging"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// TurnHandler is the conversation engine as seen by the worker.
type TurnHandler interface {
	HandleTurn(ctx context.Context, msg messaging.InboundMessage) (conversation.TurnResult, error)
	MarkPaid(ctx context.Context, conversationID string) (conversation.TurnResult, error)
}

// requeuer is implemented by queues without redelivery of undeleted messages.
type requeuer interface {
	Requeue(ctx context.Context, msg Message) error
}

const (
	defaultWorkerCount  = 2
	defaultWaitSeconds  = 2
	defaultBatchSize    = 5
	maxWaitSeconds      = 20
	maxReceiveBatchSize = 10
	deleteTimeout       = 5 * time.Second
	maxDeliveries       = 5
)

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

// Option customizes worker behavior.
type Option func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) Option {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) Option {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) Option {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// Worker consumes turn jobs from the queue and runs them through the engine.
type Worker struct {
	handler TurnHandler
	queue   Queue
	logger  *logging.Logger
	cfg     workerConfig
	wg      sync.WaitGroup
}

// New creates a Worker.
func New(handler TurnHandler, queue Queue, logger *logging.Logger, opts ...Option) *Worker {
	if handler == nil {
		panic("worker: handler cannot be nil")
	}
	if queue == nil {
		panic("worker: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{handler: handler, queue: queue, logger: logger, cfg: cfg}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("turn worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("turn worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive turn jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

// handleMessage runs one job. A busy conversation or a turn that failed
// without leaving a trace is left for redelivery until maxDeliveries. Any
// other failure has already been answered by the engine, so the job is
// deleted.
func (w *Worker) handleMessage(ctx context.Context, msg Message) {
	job, err := decodePayload(msg.Body)
	if err != nil {
		w.logger.Error("dropping malformed turn job", "error", err, "message_id", msg.ID)
		w.delete(ctx, msg)
		return
	}
	logger := w.logger.With("job_id", job.ID, "kind", job.Kind)

	var res conversation.TurnResult
	switch job.Kind {
	case jobKindTurn:
		res, err = w.handler.HandleTurn(ctx, *job.Message)
	case jobKindPayment:
		res, err = w.handler.MarkPaid(ctx, job.ConversationID)
	}
	if err != nil {
		retryable := errors.Is(err, conversation.ErrConversationBusy) || errors.Is(err, conversation.ErrTurnRetryable)
		if retryable && msg.Attempts < maxDeliveries {
			logger.Warn("turn job failed, leaving for redelivery",
				"error", err,
				"conversation_id", res.ConversationID,
				"attempts", msg.Attempts,
			)
			w.redeliver(ctx, msg, logger)
			return
		}
		logger.Error("turn job failed", "error", err, "conversation_id", res.ConversationID, "outcome", res.Outcome, "attempts", msg.Attempts)
	}
	w.delete(ctx, msg)
}

// redeliver hands msg back to queues that do not redeliver on their own.
func (w *Worker) redeliver(ctx context.Context, msg Message, logger *logging.Logger) {
	rq, ok := w.queue.(requeuer)
	if !ok {
		return
	}
	if err := rq.Requeue(context.WithoutCancel(ctx), msg); err != nil {
		logger.Error("failed to requeue turn job", "error", err)
	}
}

func (w *Worker) delete(ctx context.Context, msg Message) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()
	if err := w.queue.Delete(delCtx, msg.ReceiptHandle); err != nil {
		w.logger.Error("failed to delete turn job", "error", err, "message_id", msg.ID)
	}
}
