package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/service"
)

// DefaultSubjectPrefix is the subject namespace consumed by the notifications
// service.
const DefaultSubjectPrefix = "notifications.contracts"

// JetStreamPublisher is the part of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes approval workflow notifications to NATS
// JetStream for the notifications service to fan out to channels.
//
// Subject convention: notifications.contracts.<event_type>
// Event types: approval_requested, approval_stage_ready, approval_task_acted,
//              approval_completed
//
// Deployments without NATS use service.LogGateway instead.
type NotificationPublisher struct {
	js     JetStreamPublisher
	prefix string
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType     string                      `json:"event_type"`
	RecipientType string                      `json:"recipient_type"`
	RecipientID   string                      `json:"recipient_id"`
	Subject       string                      `json:"subject"`
	ResourceType  string                      `json:"resource_type"`
	ResourceID    string                      `json:"resource_id"`
	IsActionable  bool                        `json:"is_actionable,omitempty"`
	ActionURL     string                      `json:"action_url,omitempty"`
	Category      string                      `json:"category"`
	Payload       service.NotificationPayload `json:"payload"`
}

// NewNotificationPublisher creates a publisher. An empty prefix selects
// DefaultSubjectPrefix.
func NewNotificationPublisher(js JetStreamPublisher, prefix string, log *logger.Logger) *NotificationPublisher {
	p := &NotificationPublisher{js: js, prefix: strings.TrimSuffix(prefix, "."), log: log}
	if p.prefix == "" {
		p.prefix = DefaultSubjectPrefix
	}
	return p
}

// Subject returns the NATS subject for an event type.
func (p *NotificationPublisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s", p.prefix, eventType)
}

// Notify implements service.NotificationGateway.
func (p *NotificationPublisher) Notify(ctx context.Context, n service.Notification) error {
	subject := p.Subject(n.EventType)
	event := &NotificationEvent{
		EventType:     n.EventType,
		RecipientType: string(n.Recipient.Kind),
		RecipientID:   n.Recipient.ID,
		Subject:       n.Subject,
		ResourceType:  "approval_request",
		ResourceID:    n.Payload.RequestID,
		IsActionable:  n.EventType == service.NotifyApprovalRequested || n.EventType == service.NotifyStageReady,
		ActionURL:     n.Payload.URL,
		Category:      "contract_approval",
		Payload:       n.Payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", n.Payload.RequestID).
		Str("recipient", n.Recipient.ID).
		Msg("notification: event published")
	return nil
}
