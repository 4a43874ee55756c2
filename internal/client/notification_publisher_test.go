package client

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
	"github.com/pesio-ai/be-contract-approvals/internal/service"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	msgs []published
	err  error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: NotificationsStream, Sequence: uint64(len(f.msgs))}, nil
}

func sampleNotification() service.Notification {
	return service.Notification{
		EventType: service.NotifyStageReady,
		Recipient: service.Recipient{Kind: repository.AssigneeUser, ID: "carol"},
		Subject:   "Approval stage 2 ready: MSA",
		Payload: service.NotificationPayload{
			RequestID:     "req-1",
			ContractID:    "contract-1",
			ContractTitle: "MSA",
			Stage:         2,
			URL:           "https://lexflow.test/approvals/requests/req-1",
		},
	}
}

func TestNotificationPublisherPublishesToEventSubject(t *testing.T) {
	js := &fakeJetStream{}
	p := &NotificationPublisher{js: js, prefix: DefaultSubjectPrefix, log: logger.Nop()}

	require.NoError(t, p.Notify(context.Background(), sampleNotification()))
	require.Len(t, js.msgs, 1)
	assert.Equal(t, "notifications.contracts.approval_stage_ready", js.msgs[0].subject)

	var event NotificationEvent
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &event))
	assert.Equal(t, "carol", event.RecipientID)
	assert.Equal(t, "user", event.RecipientType)
	assert.Equal(t, "req-1", event.ResourceID)
	assert.True(t, event.IsActionable)
	assert.Equal(t, "https://lexflow.test/approvals/requests/req-1", event.ActionURL)
	assert.Equal(t, 2, event.Payload.Stage)
}

func TestNotificationPublisherReportsFailure(t *testing.T) {
	js := &fakeJetStream{err: fmt.Errorf("no responders")}
	p := &NotificationPublisher{js: js, prefix: DefaultSubjectPrefix, log: logger.Nop()}

	err := p.Notify(context.Background(), sampleNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifications.contracts.approval_stage_ready")
}

func TestNotificationPublisherSubjectPrefix(t *testing.T) {
	js := &fakeJetStream{}

	p := NewNotificationPublisher(js, "", logger.Nop())
	assert.Equal(t, "notifications.contracts.approval_completed", p.Subject(service.NotifyApprovalCompleted))

	custom := NewNotificationPublisher(js, "events.legal.", logger.Nop())
	assert.Equal(t, "events.legal.approval_requested", custom.Subject(service.NotifyApprovalRequested))

	require.NoError(t, custom.Notify(context.Background(), sampleNotification()))
	require.Len(t, js.msgs, 1)
	assert.Equal(t, "events.legal.approval_stage_ready", js.msgs[0].subject)
}
