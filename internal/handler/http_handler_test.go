package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-approvals/internal/errors"
	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
	"github.com/pesio-ai/be-contract-approvals/internal/service"
)

type testServer struct {
	router http.Handler
	store  *repository.MemoryStore
}

func newServices(store *repository.MemoryStore) (*service.FlowTemplateService, *service.ApprovalWorkflowService, *service.MagicLinkService, *service.AuditChain) {
	log := logger.Nop()
	audit := service.NewAuditChain(store, nil, log, service.AuditConfig{})
	return service.NewFlowTemplateService(store, audit, log),
		service.NewApprovalWorkflowService(store, audit, service.NewLogGateway(log), nil, log, service.WorkflowConfig{BaseURL: "https://lexflow.test"}),
		service.NewMagicLinkService(store, audit, nil, log, service.MagicLinkConfig{BaseURL: "https://lexflow.test"}),
		audit
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	ws := "ws-1"
	store.AddContract(repository.ContractRef{ID: "contract-1", WorkspaceID: &ws, Title: "MSA"})

	flows, workflow, links, audit := newServices(store)
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	NewHTTPHandler(flows, workflow, links, audit, logger.Nop()).Routes(r)
	return &testServer{router: r, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createRequest(t *testing.T) service.RequestDetail {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/approval-requests", map[string]any{
		"contract_id": "contract-1",
		"stages": []map[string]any{
			{"stage": 1, "assignees": []map[string]any{{"type": "user", "id": "alice"}}},
			{"stage": 2, "assignees": []map[string]any{{"type": "external", "id": "counsel@example.com"}}},
		},
	}, "creator")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[service.RequestDetail](t, rec)
}

func TestHTTPApprovalLifecycle(t *testing.T) {
	s := newTestServer(t)
	detail := s.createRequest(t)
	require.Len(t, detail.Tasks, 2)
	alice, external := detail.Tasks[0], detail.Tasks[1]

	rec := s.do(t, http.MethodPost, "/api/v1/approval-tasks/"+alice.ID+"/approve", map[string]any{"comment": "ok"}, "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[service.ActionResult](t, rec)
	assert.Equal(t, repository.TaskApproved, result.Task.Status)
	assert.Equal(t, repository.RequestPending, result.RequestStatus)

	rec = s.do(t, http.MethodPost, "/api/v1/approval-tasks/"+external.ID+"/magic-links", map[string]any{"ttl_seconds": 3600}, "creator")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	link := decodeBody[service.IssuedLink](t, rec)
	assert.Contains(t, link.URL, "/approve/"+link.RawToken)

	rec = s.do(t, http.MethodPost, "/api/v1/magic-links/consume", map[string]any{"token": link.RawToken}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	consumed := decodeBody[service.ConsumedLink](t, rec)
	assert.Equal(t, external.ID, consumed.TaskID)

	rec = s.do(t, http.MethodPost, "/api/v1/magic-links/consume", map[string]any{"token": link.RawToken}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errors.ErrCodeAlreadyUsed, decodeBody[errorBody](t, rec).Error.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/approval-tasks/"+consumed.TaskID+"/approve", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, repository.RequestApproved, decodeBody[service.ActionResult](t, rec).RequestStatus)

	rec = s.do(t, http.MethodGet, "/api/v1/approval-requests/"+detail.Request.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, repository.RequestApproved, decodeBody[service.RequestDetail](t, rec).Request.Status)

	rec = s.do(t, http.MethodGet, "/api/v1/audit/verify?workspace_id=ws-1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	verify := decodeBody[service.VerifyResult](t, rec)
	assert.True(t, verify.Valid)
	assert.Equal(t, 5, verify.CheckedCount)

	rec = s.do(t, http.MethodGet, "/api/v1/audit/events?workspace_id=ws-1&page_size=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[service.AuditEventPage](t, rec)
	assert.Equal(t, int64(5), page.Total)
	assert.Len(t, page.Events, 2)
	assert.Equal(t, service.EventApprovalApproved, page.Events[0].EventType)

	rec = s.do(t, http.MethodGet, "/api/v1/audit/events/"+page.Events[0].ID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPErrorMapping(t *testing.T) {
	s := newTestServer(t)
	detail := s.createRequest(t)
	alice := detail.Tasks[0]

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		actor  string
		status int
		code   errors.ErrorCode
		field  string
	}{
		{"missing actor", http.MethodPost, "/api/v1/approval-requests", map[string]any{"contract_id": "contract-1"}, "", http.StatusUnauthorized, errors.ErrCodeUnauthorized, ""},
		{"unknown contract", http.MethodPost, "/api/v1/approval-requests", map[string]any{"contract_id": "nope", "stages": []map[string]any{{"stage": 1, "assignees": []map[string]any{{"id": "a"}}}}}, "u", http.StatusNotFound, errors.ErrCodeNotFound, ""},
		{"unknown field", http.MethodPost, "/api/v1/approval-requests", map[string]any{"contract": "x"}, "u", http.StatusBadRequest, errors.ErrCodeInvalidInput, "body"},
		{"reject without comment", http.MethodPost, "/api/v1/approval-tasks/" + alice.ID + "/reject", nil, "alice", http.StatusBadRequest, errors.ErrCodeInvalidInput, "comment"},
		{"unknown action", http.MethodPost, "/api/v1/approval-tasks/" + alice.ID + "/escalate", nil, "alice", http.StatusBadRequest, errors.ErrCodeInvalidInput, "action"},
		{"unknown request", http.MethodGet, "/api/v1/approval-requests/missing", nil, "", http.StatusNotFound, errors.ErrCodeNotFound, ""},
		{"unknown token", http.MethodPost, "/api/v1/magic-links/consume", map[string]any{"token": "nope"}, "", http.StatusNotFound, errors.ErrCodeNotFound, ""},
		{"bad timestamp", http.MethodGet, "/api/v1/audit/events?from=yesterday", nil, "", http.StatusBadRequest, errors.ErrCodeInvalidInput, "from"},
		{"page size too large", http.MethodGet, "/api/v1/audit/events?page_size=500", nil, "", http.StatusBadRequest, errors.ErrCodeInvalidInput, "page_size"},
		{"bad limit", http.MethodGet, "/api/v1/audit/verify?limit=ten", nil, "", http.StatusBadRequest, errors.ErrCodeInvalidInput, "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body, tt.actor)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decodeBody[errorBody](t, rec)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, tt.field, body.Error.Field)
			assert.NotEmpty(t, body.RequestID)
		})
	}

	rec := s.do(t, http.MethodPost, "/api/v1/approval-tasks/"+alice.ID+"/approve", nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/v1/approval-tasks/"+alice.ID+"/approve", nil, "alice")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHTTPMagicLinkRevokeAndExpire(t *testing.T) {
	s := newTestServer(t)
	detail := s.createRequest(t)
	external := detail.Tasks[1]

	rec := s.do(t, http.MethodPost, "/api/v1/approval-tasks/"+external.ID+"/magic-links", nil, "creator")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	link := decodeBody[service.IssuedLink](t, rec)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), link.ExpiresAt, time.Minute)

	rec = s.do(t, http.MethodDelete, "/api/v1/magic-links/"+link.LinkID, nil, "creator")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/v1/magic-links/"+link.LinkID, nil, "creator")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/magic-links/consume", map[string]any{"token": link.RawToken}, "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, errors.ErrCodeRevoked, decodeBody[errorBody](t, rec).Error.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/approval-tasks/"+external.ID+"/magic-links", map[string]any{"ttl_seconds": -5}, "creator")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPFlowEndpoints(t *testing.T) {
	s := newTestServer(t)
	stages := []map[string]any{{"stage": 1, "type": "parallel", "assignees": []map[string]any{{"id": "a"}, {"id": "b"}}}}

	rec := s.do(t, http.MethodPost, "/api/v1/workspaces/ws-1/approval-flows", map[string]any{"name": "Standard", "stages": stages}, "admin")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	flow := decodeBody[repository.ApprovalFlow](t, rec)
	assert.True(t, flow.IsActive)

	rec = s.do(t, http.MethodGet, "/api/v1/workspaces/ws-1/approval-flows", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Flows []repository.ApprovalFlow `json:"flows"`
	}](t, rec)
	assert.Len(t, list.Flows, 1)

	rec = s.do(t, http.MethodPut, "/api/v1/approval-flows/"+flow.ID, map[string]any{"stages": stages}, "admin")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodDelete, "/api/v1/approval-flows/"+flow.ID, nil, "admin")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/v1/approval-flows/"+flow.ID, nil, "admin")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/approval-flows/"+flow.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[repository.ApprovalFlow](t, rec).IsActive)

	rec = s.do(t, http.MethodPost, "/api/v1/workspaces/ws-missing/approval-flows", map[string]any{"name": "x", "stages": stages}, "admin")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/audit/event-types", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), service.EventMagicLinkIssued)
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusGone, httpStatus(errors.ErrCodeExpired))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(errors.ErrCodeStorage))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(errors.ErrCodeInternal))
}
