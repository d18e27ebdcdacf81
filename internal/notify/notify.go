// Package notify publishes upload lifecycle events for downstream
// consumers. Delivery outcome never depends on notification outcome;
// callers log publish errors and move on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/your-org/datalift/internal/queue"
)

// Event types carried in the event_type message header.
const (
	EventUploadProgress  = "upload.progress"
	EventUploadCompleted = "upload.completed"
	EventUploadFailed    = "upload.failed"
	EventProcessorStatus = "processor.status_changed"
)

// ProgressEvent reports transfer progress for one in-flight item.
type ProgressEvent struct {
	ItemID        uint      `json:"item_id"`
	FileName      string    `json:"file_name"`
	BytesUploaded int64     `json:"bytes_uploaded"`
	TotalBytes    int64     `json:"total_bytes"`
	Percent       float64   `json:"percent"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// CompletedEvent is emitted once per successful delivery.
type CompletedEvent struct {
	ItemID         uint         `json:"item_id"`
	FileName       string       `json:"file_name"`
	Origin         queue.Origin `json:"origin"`
	SizeBytes      int64        `json:"size_bytes"`
	DestinationURL string       `json:"destination_url"`
	DurationMs     int64        `json:"duration_ms"`
	Attempts       int          `json:"attempts"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// FailedEvent is emitted for every failed attempt; Terminal marks the
// attempt that exhausted the item.
type FailedEvent struct {
	ItemID     uint         `json:"item_id"`
	FileName   string       `json:"file_name"`
	Origin     queue.Origin `json:"origin"`
	Error      string       `json:"error"`
	Attempts   int          `json:"attempts"`
	Terminal   bool         `json:"terminal"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// StatusEvent announces processor lifecycle changes.
type StatusEvent struct {
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier is the outbound event surface of the pipeline.
type Notifier interface {
	UploadProgress(ctx context.Context, ev ProgressEvent) error
	UploadCompleted(ctx context.Context, ev CompletedEvent) error
	UploadFailed(ctx context.Context, ev FailedEvent) error
	ProcessorStatus(ctx context.Context, ev StatusEvent) error
}

type publisher interface {
	Publish(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaNotifier emits events as JSON Kafka messages keyed by item id so
// per-item ordering is preserved within a partition.
type KafkaNotifier struct {
	producer publisher
}

func NewKafka(producer publisher) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

func (n *KafkaNotifier) publish(ctx context.Context, eventType, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	headers := map[string]string{"event_type": eventType}
	if err := n.producer.Publish(ctx, []byte(key), body, headers); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}
	return nil
}

func itemKey(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (n *KafkaNotifier) UploadProgress(ctx context.Context, ev ProgressEvent) error {
	return n.publish(ctx, EventUploadProgress, itemKey(ev.ItemID), ev)
}

func (n *KafkaNotifier) UploadCompleted(ctx context.Context, ev CompletedEvent) error {
	return n.publish(ctx, EventUploadCompleted, itemKey(ev.ItemID), ev)
}

func (n *KafkaNotifier) UploadFailed(ctx context.Context, ev FailedEvent) error {
	return n.publish(ctx, EventUploadFailed, itemKey(ev.ItemID), ev)
}

func (n *KafkaNotifier) ProcessorStatus(ctx context.Context, ev StatusEvent) error {
	return n.publish(ctx, EventProcessorStatus, "processor", ev)
}

// Nop discards all events. Used when no broker is configured.
type Nop struct{}

func (Nop) UploadProgress(context.Context, ProgressEvent) error   { return nil }
func (Nop) UploadCompleted(context.Context, CompletedEvent) error { return nil }
func (Nop) UploadFailed(context.Context, FailedEvent) error       { return nil }
func (Nop) ProcessorStatus(context.Context, StatusEvent) error    { return nil }
