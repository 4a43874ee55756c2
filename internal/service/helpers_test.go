package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/metrics"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
)

const (
	testWorkspace = "ws-1"
	testContract  = "contract-1"
	testCreator   = "user-creator"
	testBaseURL   = "https://lexflow.test"
)

// recordingGateway captures notifications and optionally fails them.
type recordingGateway struct {
	mu   sync.Mutex
	sent []Notification
	fail bool
}

func (g *recordingGateway) Notify(_ context.Context, n Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return fmt.Errorf("gateway unavailable")
	}
	g.sent = append(g.sent, n)
	return nil
}

func (g *recordingGateway) byType(eventType string) []Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Notification
	for _, n := range g.sent {
		if n.EventType == eventType {
			out = append(out, n)
		}
	}
	return out
}

func (g *recordingGateway) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = nil
}

// clock is a settable time source shared by the services under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store    *repository.MemoryStore
	gateway  *recordingGateway
	clock    *clock
	metrics  *metrics.Metrics
	audit    *AuditChain
	flows    *FlowTemplateService
	workflow *ApprovalWorkflowService
	links    *MagicLinkService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := repository.NewMemoryStore()
	store.AddContract(repository.ContractRef{ID: testContract, WorkspaceID: ptr(testWorkspace), Title: "Master Services Agreement"})
	store.AddContract(repository.ContractRef{ID: "contract-global", Title: "Unscoped NDA"})

	log := logger.Nop()
	m := metrics.New()
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	gw := &recordingGateway{}

	audit := NewAuditChain(store, m, log, AuditConfig{VerifyDefaultLimit: 100, VerifyMaxLimit: 1000})
	audit.now = clk.Now
	workflow := NewApprovalWorkflowService(store, audit, gw, m, log, WorkflowConfig{BaseURL: testBaseURL})
	workflow.now = clk.Now
	links := NewMagicLinkService(store, audit, m, log, MagicLinkConfig{DefaultTTL: 72 * time.Hour, BaseURL: testBaseURL})
	links.now = clk.Now

	return &harness{
		store:    store,
		gateway:  gw,
		clock:    clk,
		metrics:  m,
		audit:    audit,
		flows:    NewFlowTemplateService(store, audit, log),
		workflow: workflow,
		links:    links,
	}
}

func userStage(stage int, stageType repository.StageType, ids ...string) repository.Stage {
	st := repository.Stage{Stage: stage, Type: stageType}
	for i, id := range ids {
		st.Assignees = append(st.Assignees, repository.Assignee{Kind: repository.AssigneeUser, ID: id, Order: i + 1})
	}
	return st
}

// createTwoStageRequest opens a request with stage 1 = {alice, bob} in
// parallel and stage 2 = {carol}.
func (h *harness) createTwoStageRequest(t *testing.T) *RequestDetail {
	t.Helper()
	detail, err := h.workflow.CreateRequest(context.Background(), CreateRequestInput{
		ContractID: testContract,
		Stages: []repository.Stage{
			userStage(1, repository.StageParallel, "alice", "bob"),
			userStage(2, repository.StageSequential, "carol"),
		},
		CreatedBy: testCreator,
	})
	require.NoError(t, err)
	return detail
}

func taskFor(t *testing.T, detail *RequestDetail, assignee string) *repository.ApprovalTask {
	t.Helper()
	for _, task := range detail.Tasks {
		if task.AssigneeID == assignee {
			return task
		}
	}
	t.Fatalf("no task for assignee %s", assignee)
	return nil
}

func (h *harness) chain(t *testing.T, scope repository.Scope) []*repository.AuditEvent {
	t.Helper()
	var events []*repository.AuditEvent
	err := h.store.InTransaction(context.Background(), func(repos repository.Repos) error {
		var err error
		events, err = repos.Audit.ListChain(context.Background(), scope, 1000)
		return err
	})
	require.NoError(t, err)
	return events
}

func recipients(ns []Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Recipient.ID)
	}
	return out
}

// counterTotal sums a counter family from the harness registry, keeping only
// series whose labels include every pair in labels.
func counterTotal(t *testing.T, h *harness, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := h.metrics.Registry().Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, m := range family.GetMetric() {
			have := map[string]string{}
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue series
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
