package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"budget_gateway/internal/models"
	"budget_gateway/internal/queue"
	"budget_gateway/internal/utils"
)

// UsageQueueWorker drains reported usage events from the queue into
// Postgres. The write-once constraint on event_id means replays from the
// queue (or from agent retries) never double-record.
type UsageQueueWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	db          *DB
	config      *queue.Config
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewUsageQueueWorker creates a new usage queue worker
func NewUsageQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, db *DB, config *queue.Config) *UsageQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}

	return &UsageQueueWorker{
		queue:       q,
		dlq:         dlq,
		db:          db,
		config:      config,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *UsageQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *UsageQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// Record enqueues a usage event for persistence. Implements the lease
// manager's recorder; a full queue is logged rather than surfaced, the
// ledger already holds the authoritative spend.
func (w *UsageQueueWorker) Record(ctx context.Context, event models.UsageEvent) {
	if err := w.queue.Enqueue(ctx, event); err != nil {
		utils.NewLogger("usage-worker").Error("Failed to enqueue usage event", "event_id", event.EventID, "error", err)
	}
}

// run is the main worker loop
func (w *UsageQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	logger := utils.NewLogger("usage-worker")

	for {
		select {
		case <-w.stopChan:
			logger.Info("Usage worker stopping")
			return
		case <-ctx.Done():
			logger.Info("Usage worker context cancelled")
			return
		default:
			w.processBatch(ctx, logger)
		}
	}
}

// processBatch persists one batch of usage events
func (w *UsageQueueWorker) processBatch(ctx context.Context, logger *utils.Logger) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		logger.Error("Failed to dequeue usage events", "error", err)
		time.Sleep(1 * time.Second) // back off on error
		return
	}

	if len(items) == 0 {
		return
	}

	logger.Debug("Processing usage batch", "count", len(items))

	events := make([]*models.UsageEvent, 0, len(items))
	for _, item := range items {
		var event models.UsageEvent
		if err := unmarshalQueueItem(item, &event); err != nil {
			logger.Error("Failed to unmarshal usage event", "error", err)
			continue
		}
		events = append(events, &event)
	}

	if len(events) == 0 {
		return
	}

	if err := w.insertBatch(ctx, events, logger); err != nil {
		logger.Error("Failed to insert batch, falling back to individual inserts", "error", err)
		for _, event := range events {
			if err := w.processItem(ctx, event, logger); err != nil {
				logger.Error("Failed to process usage event", "event_id", event.EventID, "error", err)
			}
		}
	}
}

// insertBatch inserts a batch of usage events in a single transaction
func (w *UsageQueueWorker) insertBatch(ctx context.Context, events []*models.UsageEvent, logger *utils.Logger) error {
	repo := NewUsageRepository(w.db)

	tx, err := w.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, event := range events {
		if err := repo.Create(ctx, event); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("Inserted batch successfully", "count", len(events))
	return nil
}

// processItem persists a single usage event with retries, then dead-letters
func (w *UsageQueueWorker) processItem(ctx context.Context, event *models.UsageEvent, logger *utils.Logger) error {
	repo := NewUsageRepository(w.db)

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			logger.Debug("Retrying usage event", "attempt", attempt, "backoff", backoff)
			time.Sleep(backoff)
		}

		if err := repo.Create(ctx, event); err != nil {
			lastErr = err
			logger.Error("Failed to insert usage event", "attempt", attempt, "error", err)
			continue
		}

		logger.Debug("Usage event inserted", "event_id", event.EventID)
		return nil
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, event, lastErr); err != nil {
			logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			logger.Warn("Usage event moved to DLQ", "event_id", event.EventID, "error", lastErr)
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// GetQueueLength returns the current queue length
func (w *UsageQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// unmarshalQueueItem converts a dequeued item back into its typed form.
// Memory queues hand back the original value; Redis queues hand back JSON.
func unmarshalQueueItem(item interface{}, target interface{}) error {
	switch v := item.(type) {
	case []byte:
		return json.Unmarshal(v, target)
	case json.RawMessage:
		return json.Unmarshal(v, target)
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		return json.Unmarshal(data, target)
	}
}
