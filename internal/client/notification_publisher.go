package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/salesops/be-approvals/internal/natsclient"
	"github.com/salesops/be-approvals/internal/repository"
)

// Notification event types published on approval state changes.
const (
	EventApprovalRequested = "approval_requested"
	EventApprovalCompleted = "approval_completed"
	EventApprovalRejected  = "approval_rejected"
	EventApprovalCancelled = "approval_cancelled"
)

// NotificationPublisher publishes approval workflow events to NATS for the
// notifications service to deliver.
//
// Subject convention: notifications.approvals.<event_type>
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt a decision.
type NotificationPublisher struct {
	nats *natsclient.Client
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType  string         `json:"event_type"`
	Recipient  string         `json:"recipient_user_id"`
	ActorID    string         `json:"actor_id"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	RequestID  string         `json:"request_id"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Link       string         `json:"link,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// client. A nil client disables publishing.
func NewNotificationPublisher(nats *natsclient.Client, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishApprovalEvent publishes one approval event. Fire-and-forget.
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, eventType, recipient, actorID string, target repository.TargetRef, requestID, title, message string) {
	if p.nats == nil {
		p.log.Debug().Str("event_type", eventType).Msg("notification: publisher disabled, event dropped")
		return
	}
	if recipient == "" {
		return
	}

	event := &NotificationEvent{
		EventType:  eventType,
		Recipient:  recipient,
		ActorID:    actorID,
		TargetType: string(target.Type),
		TargetID:   target.ID,
		RequestID:  requestID,
		Title:      title,
		Message:    message,
		Link:       documentLink(target),
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", requestID).
			Msg("notification: failed to publish event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", requestID).
		Str("recipient", recipient).
		Msg("notification: event published")
}

// documentLink builds the in-app path to the target document.
func documentLink(target repository.TargetRef) string {
	switch target.Type {
	case repository.TargetQuote:
		return "/quotes/" + target.ID
	case repository.TargetPurchaseOrder:
		return "/purchase-orders/" + target.ID
	}
	return ""
}
