package service

import (
	"context"
	"encoding/json"
	"time"

	"agentbox/internal/common/mq"
	"agentbox/internal/sandbox/repository"
	"agentbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultLifecycleTopic is the topic sandbox lifecycle events are published to.
const DefaultLifecycleTopic = "sandbox.lifecycle"

// Lifecycle event types, one per observable transition.
const (
	EventSandboxCreated = "sandbox.created"
	EventSandboxRunning = "sandbox.running"
	EventSandboxStopped = "sandbox.stopped"
	EventSandboxFailed  = "sandbox.failed"
	EventSandboxDeleted = "sandbox.deleted"
)

// LifecycleEvent is the payload published for every sandbox state change.
// Downstream consumers (billing, audit, notification) key on SandboxID.
type LifecycleEvent struct {
	EventType   string            `json:"event_type"`
	SandboxID   string            `json:"sandbox_id"`
	UserID      string            `json:"user_id"`
	Status      repository.Status `json:"status"`
	ContainerID string            `json:"container_id,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// EventPublisher emits lifecycle events to the message queue. Publishing is
// strictly best-effort: a broker outage must never fail a sandbox operation,
// so errors are logged and absorbed. A nil publisher is valid and silent.
type EventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewEventPublisher creates a publisher for the given topic. An empty topic
// falls back to DefaultLifecycleTopic.
func NewEventPublisher(producer mq.Producer, topic string) *EventPublisher {
	if topic == "" {
		topic = DefaultLifecycleTopic
	}
	return &EventPublisher{producer: producer, topic: topic}
}

func (p *EventPublisher) publish(ctx context.Context, eventType string, record *repository.SandboxRecord, reason string) {
	if p == nil || p.producer == nil || record == nil {
		return
	}

	event := LifecycleEvent{
		EventType:  eventType,
		SandboxID:  record.ID,
		UserID:     record.UserID,
		Status:     record.Status,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
	if record.ContainerID != nil {
		event.ContainerID = *record.ContainerID
	}

	body, err := json.Marshal(event)
	if err != nil {
		logger.Error(ctx, "failed to marshal lifecycle event",
			zap.String("event_type", eventType), zap.Error(err))
		return
	}

	msg := &mq.Message{
		ID:        uuid.New().String(),
		Key:       record.ID,
		Body:      body,
		Headers:   map[string]string{"event-type": eventType},
		Timestamp: event.OccurredAt,
	}

	if err := p.producer.Publish(ctx, p.topic, msg); err != nil {
		logger.Warn(ctx, "failed to publish lifecycle event",
			zap.String("event_type", eventType),
			zap.String("sandbox_id", record.ID),
			zap.Error(err))
	}
}
