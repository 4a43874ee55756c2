package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/be-contract-approvals/internal/errors"
	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
	"github.com/pesio-ai/be-contract-approvals/internal/service"
)

// ActorHeader carries the acting user's id. Authentication happens upstream.
const ActorHeader = "X-User-ID"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	flows    *service.FlowTemplateService
	workflow *service.ApprovalWorkflowService
	links    *service.MagicLinkService
	audit    *service.AuditChain
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	flows *service.FlowTemplateService,
	workflow *service.ApprovalWorkflowService,
	links *service.MagicLinkService,
	audit *service.AuditChain,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{flows: flows, workflow: workflow, links: links, audit: audit, log: log}
}

// Routes registers the /api/v1 routes on r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/workspaces/{workspaceID}/approval-flows", h.CreateFlow)
		api.Get("/workspaces/{workspaceID}/approval-flows", h.ListFlows)
		api.Get("/approval-flows/{flowID}", h.GetFlow)
		api.Put("/approval-flows/{flowID}", h.UpdateFlow)
		api.Delete("/approval-flows/{flowID}", h.DeactivateFlow)

		api.Post("/approval-requests", h.CreateRequest)
		api.Get("/approval-requests/{requestID}", h.GetRequest)

		api.Post("/approval-tasks/{taskID}/magic-links", h.IssueMagicLink)
		api.Post("/approval-tasks/{taskID}/{action}", h.ActOnTask)

		api.Post("/magic-links/consume", h.ConsumeMagicLink)
		api.Delete("/magic-links/{linkID}", h.RevokeMagicLink)

		api.Get("/audit/events", h.ListAuditEvents)
		api.Get("/audit/events/{eventID}", h.GetAuditEvent)
		api.Get("/audit/verify", h.VerifyAuditChain)
		api.Get("/audit/event-types", h.ListEventTypes)
	})
}

// ── Flows ─────────────────────────────────────────────────────────────────────

// CreateFlow handles create approval flow HTTP requests
func (h *HTTPHandler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var req service.CreateFlowInput
	if !h.decode(w, r, &req) {
		return
	}
	req.WorkspaceID = chi.URLParam(r, "workspaceID")
	req.ActorID = actorID(r)

	flow, err := h.flows.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, flow)
}

// ListFlows handles list approval flows HTTP requests
func (h *HTTPHandler) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.flows.List(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows})
}

// GetFlow handles get approval flow HTTP requests
func (h *HTTPHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.flows.Get(r.Context(), chi.URLParam(r, "flowID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// UpdateFlow handles update approval flow HTTP requests
func (h *HTTPHandler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stages []repository.Stage `json:"stages"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	flow, err := h.flows.Update(r.Context(), chi.URLParam(r, "flowID"), req.Stages, actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// DeactivateFlow handles deactivate approval flow HTTP requests
func (h *HTTPHandler) DeactivateFlow(w http.ResponseWriter, r *http.Request) {
	if err := h.flows.Deactivate(r.Context(), chi.URLParam(r, "flowID"), actorID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Requests and tasks ────────────────────────────────────────────────────────

// CreateRequest handles create approval request HTTP requests
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == nil {
		h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, ActorHeader+" header is required"))
		return
	}

	var req service.CreateRequestInput
	if !h.decode(w, r, &req) {
		return
	}
	req.CreatedBy = *actor

	detail, err := h.workflow.CreateRequest(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

// GetRequest handles get approval request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	detail, err := h.workflow.GetRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// ActOnTask handles approve, reject and return HTTP requests
func (h *HTTPHandler) ActOnTask(w http.ResponseWriter, r *http.Request) {
	action, err := service.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req service.ActOnTaskInput
	if !h.decode(w, r, &req) {
		return
	}
	req.TaskID = chi.URLParam(r, "taskID")
	req.Action = action

	result, err := h.workflow.ActOnTask(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ── Magic links ───────────────────────────────────────────────────────────────

// IssueMagicLink handles issue magic link HTTP requests
func (h *HTTPHandler) IssueMagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLSeconds int64 `json:"ttl_seconds"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	link, err := h.links.Issue(r.Context(), chi.URLParam(r, "taskID"), time.Duration(req.TTLSeconds)*time.Second, actorID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

// ConsumeMagicLink handles consume magic link HTTP requests
func (h *HTTPHandler) ConsumeMagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	consumed, err := h.links.Consume(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consumed)
}

// RevokeMagicLink handles revoke magic link HTTP requests
func (h *HTTPHandler) RevokeMagicLink(w http.ResponseWriter, r *http.Request) {
	if err := h.links.Revoke(r.Context(), chi.URLParam(r, "linkID"), actorID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// ListAuditEvents handles list audit events HTTP requests
func (h *HTTPHandler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.AuditFilter{
		WorkspaceID: optional(q.Get("workspace_id")),
		ContractID:  optional(q.Get("contract_id")),
		ActorID:     optional(q.Get("actor_id")),
		EventType:   optional(q.Get("event_type")),
	}

	var err error
	if filter.From, err = parseTime("from", q.Get("from")); err != nil {
		h.writeError(w, r, err)
		return
	}
	if filter.To, err = parseTime("to", q.Get("to")); err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := parseInt("page", q.Get("page"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pageSize, err := parseInt("page_size", q.Get("page_size"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.audit.ListEvents(r.Context(), filter, page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetAuditEvent handles get audit event HTTP requests
func (h *HTTPHandler) GetAuditEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.audit.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// VerifyAuditChain handles verify audit chain HTTP requests. Without a
// workspace_id the global chain is verified.
func (h *HTTPHandler) VerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt("limit", r.URL.Query().Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	scope := repository.ScopeOf(optional(r.URL.Query().Get("workspace_id")))

	result, err := h.audit.Verify(r.Context(), scope, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListEventTypes handles list audit event types HTTP requests
func (h *HTTPHandler) ListEventTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"event_types": service.EventTypes()})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type errorBody struct {
	RequestID string      `json:"request_id,omitempty"`
	Error     errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Field   string           `json:"field,omitempty"`
}

// httpStatus maps an error code to its HTTP status.
func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyUsed:
		return http.StatusConflict
	case errors.ErrCodeExpired, errors.ErrCodeRevoked:
		return http.StatusGone
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{
		RequestID: chimw.GetReqID(r.Context()),
		Error:     errorDetail{Code: errors.CodeOf(err), Message: err.Error()},
	}
	if appErr, ok := errors.As(err); ok {
		body.Error.Message = appErr.Message
		body.Error.Field = appErr.Field
	}

	status := httpStatus(body.Error.Code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		if body.Error.Code == errors.ErrCodeInternal {
			body.Error.Message = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body. An empty body decodes to the zero value.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		h.writeError(w, r, errors.InvalidInput("body", fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	return true
}

func actorID(r *http.Request) *string {
	return optional(r.Header.Get(ActorHeader))
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func parseTime(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errors.InvalidInput(field, field+" must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func parseInt(field, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.InvalidInput(field, field+" must be an integer")
	}
	return n, nil
}
