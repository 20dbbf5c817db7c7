package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/your-org/mediapack/pkg/kafka"
)

// ReadyEvent is emitted when an archive has been stored and is ready to
// download. The notification collaborator renders it into the outgoing
// email; failed and deferred files ride along so they are reported, never
// hidden.
type ReadyEvent struct {
	EventID               string         `json:"eventId"`
	RequestID             string         `json:"requestId"`
	Email                 string         `json:"email"`
	Tier                  string         `json:"tier"`
	ObjectKey             string         `json:"objectKey"`
	ObjectURL             string         `json:"objectURL"`
	ExpiresAt             time.Time      `json:"expiresAt"`
	FinalSizeBytes        int64          `json:"finalSizeBytes"`
	Checksum              string         `json:"checksum"`
	SucceededFiles        int            `json:"succeededFiles"`
	FailedFiles           []FileOutcome  `json:"failedFiles,omitempty"`
	DeferredFiles         []DeferredFile `json:"deferredFiles,omitempty"`
	ProcessingTimeSeconds float64        `json:"processingTimeSeconds"`
	CompletedAt           time.Time      `json:"completedAt"`
}

// FailedEvent is emitted when no archive could be produced at all.
type FailedEvent struct {
	EventID   string    `json:"eventId"`
	RequestID string    `json:"requestId"`
	Email     string    `json:"email"`
	Tier      string    `json:"tier"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failedAt"`
}

// Notifier delivers archive outcomes to the requester's channel.
type Notifier interface {
	ArchiveReady(ctx context.Context, ev ReadyEvent) error
	ArchiveFailed(ctx context.Context, ev FailedEvent) error
}

// KafkaNotifier publishes outcome events keyed by event id, so every
// archive of one event lands on one partition in order.
type KafkaNotifier struct {
	producer *kafka.Producer
}

// NewKafkaNotifier wraps an already configured producer.
func NewKafkaNotifier(producer *kafka.Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

func (n *KafkaNotifier) ArchiveReady(ctx context.Context, ev ReadyEvent) error {
	return n.publish(ctx, "archive.completed", ev.EventID, ev.RequestID, ev)
}

func (n *KafkaNotifier) ArchiveFailed(ctx context.Context, ev FailedEvent) error {
	return n.publish(ctx, "archive.failed", ev.EventID, ev.RequestID, ev)
}

func (n *KafkaNotifier) publish(ctx context.Context, eventType, eventID, requestID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	headers := map[string]string{
		"request_id": requestID,
		"event_type": eventType,
	}
	if err := n.producer.Publish(ctx, []byte(eventID), body, headers); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}
	return nil
}

// Close flushes the underlying producer.
func (n *KafkaNotifier) Close(ctx context.Context) error {
	return n.producer.Close(ctx)
}
