package storage

import (
	"context"
	"time"

	"budget_gateway/internal/audit"
	"budget_gateway/internal/queue"
	"budget_gateway/internal/utils"
)

// AuditQueueWorker drains audit events from the queue into Postgres
type AuditQueueWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	repo        *AuditRepository
	config      *queue.Config
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewAuditQueueWorker creates a new audit queue worker
func NewAuditQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, db *DB, config *queue.Config) *AuditQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("audit")
	}

	return &AuditQueueWorker{
		queue:       q,
		dlq:         dlq,
		repo:        NewAuditRepository(db),
		config:      config,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *AuditQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *AuditQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

func (w *AuditQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	logger := utils.NewLogger("audit-worker")

	for {
		select {
		case <-w.stopChan:
			logger.Info("Audit worker stopping")
			return
		case <-ctx.Done():
			logger.Info("Audit worker context cancelled")
			return
		default:
			w.processBatch(ctx, logger)
		}
	}
}

func (w *AuditQueueWorker) processBatch(ctx context.Context, logger *utils.Logger) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		logger.Error("Failed to dequeue audit events", "error", err)
		time.Sleep(1 * time.Second)
		return
	}

	for _, item := range items {
		var event audit.Event
		if err := unmarshalQueueItem(item, &event); err != nil {
			logger.Error("Failed to unmarshal audit event", "error", err)
			continue
		}
		w.processItem(ctx, &event, logger)
	}
}

func (w *AuditQueueWorker) processItem(ctx context.Context, event *audit.Event, logger *utils.Logger) {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			time.Sleep(backoff)
		}

		if err := w.repo.Create(ctx, event); err != nil {
			lastErr = err
			logger.Error("Failed to insert audit event", "attempt", attempt, "error", err)
			continue
		}
		return
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, event, lastErr); err != nil {
			logger.Error("Failed to add audit event to dead letter queue", "error", err)
		} else {
			logger.Warn("Audit event moved to DLQ", "audit_id", event.ID, "error", lastErr)
		}
	}
}
