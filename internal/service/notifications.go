package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/metrics"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
)

// Notification event types.
const (
	NotifyApprovalRequested = "approval_requested"
	NotifyStageReady        = "approval_stage_ready"
	NotifyTaskActed         = "approval_task_acted"
	NotifyApprovalCompleted = "approval_completed"
)

// Recipient identifies who a notification is for. Channel selection is the
// gateway's concern.
type Recipient struct {
	Kind repository.AssigneeKind `json:"type"`
	ID   string                  `json:"id"`
}

// NotificationPayload is the content handed to the gateway.
type NotificationPayload struct {
	RequestID     string     `json:"request_id"`
	ContractID    string     `json:"contract_id"`
	ContractTitle string     `json:"contract_title"`
	WorkspaceID   *string    `json:"workspace_id,omitempty"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	Stage         int        `json:"stage,omitempty"`
	Action        string     `json:"action,omitempty"`
	Comment       *string    `json:"comment,omitempty"`
	ActorID       *string    `json:"actor_id,omitempty"`
	ActorKind     string     `json:"actor_type,omitempty"`
	Message       *string    `json:"message,omitempty"`
	URL           string     `json:"url"`
}

// Notification is one delivery request.
type Notification struct {
	EventType string              `json:"event_type"`
	Recipient Recipient           `json:"recipient"`
	Subject   string              `json:"subject"`
	Payload   NotificationPayload `json:"payload"`
}

// NotificationGateway delivers notifications. A returned error means the
// notification was not delivered.
type NotificationGateway interface {
	Notify(ctx context.Context, n Notification) error
}

// dispatcher sends notifications after the action that produced them has
// committed. Failures are logged and counted, never returned.
type dispatcher struct {
	gateway NotificationGateway
	metrics *metrics.Metrics
	log     *logger.Logger
}

func (d *dispatcher) dispatch(ctx context.Context, notifications []Notification) {
	for _, n := range notifications {
		err := d.gateway.Notify(ctx, n)
		d.metrics.Notification(n.EventType, err == nil)
		if err != nil {
			d.log.Warn().Err(err).
				Str("event_type", n.EventType).
				Str("request_id", n.Payload.RequestID).
				Str("recipient", n.Recipient.ID).
				Msg("Notification delivery failed (non-fatal)")
		}
	}
}

// ── Payload builders ──────────────────────────────────────────────────────────

// notificationContext carries what every payload for one request shares.
type notificationContext struct {
	baseURL  string
	request  *repository.ApprovalRequest
	contract *repository.ContractRef
}

func (nc notificationContext) payload() NotificationPayload {
	return NotificationPayload{
		RequestID:     nc.request.ID,
		ContractID:    nc.request.ContractID,
		ContractTitle: nc.contract.Title,
		WorkspaceID:   nc.request.WorkspaceID,
		DueAt:         nc.request.DueAt,
		Message:       nc.request.Message,
		URL:           requestURL(nc.baseURL, nc.request.ID),
	}
}

func (nc notificationContext) creator() Recipient {
	return Recipient{Kind: repository.AssigneeUser, ID: nc.request.CreatedBy}
}

// approvalRequested notifies the user assignees of a stage that they have a
// task waiting. stageReady uses the same content with a different subject.
func (nc notificationContext) approvalRequested(tasks []*repository.ApprovalTask, stage int, eventType string) []Notification {
	subject := fmt.Sprintf("Approval requested: %s", nc.contract.Title)
	if eventType == NotifyStageReady {
		subject = fmt.Sprintf("Approval stage %d ready: %s", stage, nc.contract.Title)
	}

	var out []Notification
	for _, t := range stageUsers(tasks, stage) {
		p := nc.payload()
		p.Stage = stage
		out = append(out, Notification{
			EventType: eventType,
			Recipient: Recipient{Kind: t.AssigneeKind, ID: t.AssigneeID},
			Subject:   subject,
			Payload:   p,
		})
	}
	return out
}

func (nc notificationContext) taskActed(task *repository.ApprovalTask, action Action) Notification {
	p := nc.payload()
	p.Stage = task.Stage
	p.Action = string(action)
	p.Comment = task.Comment
	p.ActorID = task.ActorID()
	p.ActorKind = string(task.AssigneeKind)
	return Notification{
		EventType: NotifyTaskActed,
		Recipient: nc.creator(),
		Subject:   fmt.Sprintf("Task %s: %s", action.pastTense(), nc.contract.Title),
		Payload:   p,
	}
}

func (nc notificationContext) completed() Notification {
	p := nc.payload()
	p.Action = string(repository.RequestApproved)
	return Notification{
		EventType: NotifyApprovalCompleted,
		Recipient: nc.creator(),
		Subject:   fmt.Sprintf("Final approval: %s", nc.contract.Title),
		Payload:   p,
	}
}

func requestURL(baseURL, requestID string) string {
	return strings.TrimRight(baseURL, "/") + "/approvals/requests/" + requestID
}

// ── Logging gateway ───────────────────────────────────────────────────────────

// LogGateway writes notifications to the log instead of delivering them.
// It is used when no message broker is configured.
type LogGateway struct {
	log *logger.Logger
}

// NewLogGateway creates a new LogGateway.
func NewLogGateway(log *logger.Logger) *LogGateway {
	return &LogGateway{log: log}
}

// Notify logs n and reports success.
func (g *LogGateway) Notify(_ context.Context, n Notification) error {
	g.log.Info().
		Str("event_type", n.EventType).
		Str("recipient_type", string(n.Recipient.Kind)).
		Str("recipient", n.Recipient.ID).
		Str("request_id", n.Payload.RequestID).
		Str("subject", n.Subject).
		Msg("notification (log only)")
	return nil
}
