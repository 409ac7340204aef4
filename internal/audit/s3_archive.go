package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"budget_gateway/internal/utils"
)

// S3ArchiveConfig configures the long-term audit archive
type S3ArchiveConfig struct {
	Bucket        string
	Region        string
	Prefix        string // e.g. audit/
	NodeName      string // distinguishes writers sharing a bucket
	BufferSize    int    // events held in memory before drops start
	FlushSize     int    // events per uploaded object
	FlushInterval time.Duration
}

// S3Archive batches audit events and uploads them to S3 as JSON Lines
// objects. Emit never blocks; when the buffer is full the event is dropped
// here and survives only through the other sinks. The archive is for
// long-term retention, not the authoritative trail.
type S3Archive struct {
	client *s3.Client
	cfg    S3ArchiveConfig
	logger *utils.Logger

	events      chan Event
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewS3Archive creates the archive sink and starts its flush loop
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}

	a := &S3Archive{
		client:      s3.NewFromConfig(awsCfg),
		cfg:         cfg,
		logger:      utils.NewLogger("audit-archive"),
		events:      make(chan Event, cfg.BufferSize),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Emit buffers an event for archival. Non-blocking.
func (a *S3Archive) Emit(ctx context.Context, event Event) {
	select {
	case a.events <- event:
	default:
		a.logger.Warn("Audit archive buffer full, dropping event", "event_id", event.ID, "kind", event.Kind)
	}
}

// Shutdown stops the flush loop and uploads any buffered events
func (a *S3Archive) Shutdown(ctx context.Context) error {
	close(a.stopChan)
	select {
	case <-a.stoppedChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *S3Archive) run() {
	defer close(a.stoppedChan)

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, a.cfg.FlushSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.writeBatch(ctx, batch); err != nil {
			a.logger.Error("Failed to archive audit batch", "count", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case event := <-a.events:
			batch = append(batch, event)
			if len(batch) >= a.cfg.FlushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.stopChan:
			// drain whatever is still buffered
			for {
				select {
				case event := <-a.events:
					batch = append(batch, event)
					if len(batch) >= a.cfg.FlushSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

// writeBatch uploads one batch as a JSON Lines object.
// Key format: <prefix>2026/08/28/<node>-20260828-143022-123456789.jsonl
func (a *S3Archive) writeBatch(ctx context.Context, events []Event) error {
	now := time.Now().UTC()
	key := fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%d.jsonl",
		a.cfg.Prefix,
		now.Year(),
		now.Month(),
		now.Day(),
		a.cfg.NodeName,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range events {
		if err := encoder.Encode(&events[i]); err != nil {
			a.logger.Error("Failed to encode audit event", "event_id", events[i].ID, "error", err)
			continue
		}
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	a.logger.Info("Archived audit batch", "key", key, "count", len(events), "bytes", buf.Len())
	return nil
}
