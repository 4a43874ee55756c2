package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-contract-approvals/internal/errors"
)

// MemoryStore keeps everything in process memory. Units of work run one at a
// time against a copy of the state that replaces the live state only when fn
// succeeds, which gives the same all-or-nothing behavior as PostgresStore.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

type memoryState struct {
	flows      map[string]ApprovalFlow
	contracts  map[string]ContractRef
	workspaces map[string]struct{}
	requests   map[string]ApprovalRequest
	tasks      map[string]ApprovalTask
	notified   map[string]struct{}
	links      map[string]MagicLink
	events     []AuditEvent
	seq        int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			flows:      map[string]ApprovalFlow{},
			contracts:  map[string]ContractRef{},
			workspaces: map[string]struct{}{},
			requests:   map[string]ApprovalRequest{},
			tasks:      map[string]ApprovalTask{},
			notified:   map[string]struct{}{},
			links:      map[string]MagicLink{},
		},
		now: time.Now,
	}
}

// AddWorkspace registers a workspace id.
func (s *MemoryStore) AddWorkspace(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.workspaces[id] = struct{}{}
}

// AddContract registers a contract, and its workspace when it has one.
func (s *MemoryStore) AddContract(c ContractRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.contracts[c.ID] = c
	if c.WorkspaceID != nil {
		s.state.workspaces[*c.WorkspaceID] = struct{}{}
	}
}

// InTransaction runs fn against a private copy of the state.
func (s *MemoryStore) InTransaction(ctx context.Context, fn func(repos Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "transaction aborted")
	}

	work := s.state.clone()
	tx := &memoryTx{st: work, now: s.now}
	if err := fn(Repos{
		Flows:     memoryFlows{tx},
		Contracts: memoryContracts{tx},
		Requests:  memoryRequests{tx},
		Tasks:     memoryTasks{tx},
		Links:     memoryLinks{tx},
		Audit:     memoryAudit{tx},
	}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (st *memoryState) clone() *memoryState {
	c := &memoryState{
		flows:      make(map[string]ApprovalFlow, len(st.flows)),
		contracts:  st.contracts,
		workspaces: st.workspaces,
		requests:   make(map[string]ApprovalRequest, len(st.requests)),
		tasks:      make(map[string]ApprovalTask, len(st.tasks)),
		notified:   make(map[string]struct{}, len(st.notified)),
		links:      make(map[string]MagicLink, len(st.links)),
		events:     append([]AuditEvent(nil), st.events...),
		seq:        st.seq,
	}
	for k, v := range st.flows {
		c.flows[k] = v
	}
	for k, v := range st.requests {
		c.requests[k] = v
	}
	for k, v := range st.tasks {
		c.tasks[k] = v
	}
	for k := range st.notified {
		c.notified[k] = struct{}{}
	}
	for k, v := range st.links {
		c.links[k] = v
	}
	return c
}

// memoryTx is the state bound to one unit of work. Records are stored by
// value and handed out as copies, so callers never alias stored state.
type memoryTx struct {
	st  *memoryState
	now func() time.Time
}

// ── flows ────────────────────────────────────────────────────────────────────

type memoryFlows struct{ *memoryTx }

func (r memoryFlows) Create(_ context.Context, flow *ApprovalFlow) error {
	if _, exists := r.st.flows[flow.ID]; exists {
		return errors.New(errors.ErrCodeConflict, fmt.Sprintf("approval flow %s already exists", flow.ID))
	}
	now := r.now()
	flow.CreatedAt, flow.UpdatedAt = now, now
	r.st.flows[flow.ID] = *flow
	return nil
}

func (r memoryFlows) GetByID(_ context.Context, id string) (*ApprovalFlow, error) {
	flow, ok := r.st.flows[id]
	if !ok {
		return nil, errors.NotFound("approval_flow", id)
	}
	return &flow, nil
}

func (r memoryFlows) ListActive(_ context.Context, workspaceID string) ([]*ApprovalFlow, error) {
	var flows []*ApprovalFlow
	for _, f := range r.st.flows {
		if f.WorkspaceID == workspaceID && f.IsActive {
			f := f
			flows = append(flows, &f)
		}
	}
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].ID > flows[j].ID
		}
		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})
	return flows, nil
}

func (r memoryFlows) UpdateStages(_ context.Context, id string, stages []Stage) error {
	flow, ok := r.st.flows[id]
	if !ok {
		return errors.NotFound("approval_flow", id)
	}
	flow.Stages = append([]Stage(nil), stages...)
	flow.UpdatedAt = r.now()
	r.st.flows[id] = flow
	return nil
}

func (r memoryFlows) Deactivate(_ context.Context, id string) error {
	flow, ok := r.st.flows[id]
	if !ok {
		return errors.NotFound("approval_flow", id)
	}
	flow.IsActive = false
	flow.UpdatedAt = r.now()
	r.st.flows[id] = flow
	return nil
}

// ── contracts ────────────────────────────────────────────────────────────────

type memoryContracts struct{ *memoryTx }

func (r memoryContracts) GetContract(_ context.Context, id string) (*ContractRef, error) {
	c, ok := r.st.contracts[id]
	if !ok {
		return nil, errors.NotFound("contract", id)
	}
	return &c, nil
}

func (r memoryContracts) WorkspaceExists(_ context.Context, id string) (bool, error) {
	_, ok := r.st.workspaces[id]
	return ok, nil
}

// ── requests ─────────────────────────────────────────────────────────────────

type memoryRequests struct{ *memoryTx }

func (r memoryRequests) Create(_ context.Context, req *ApprovalRequest, tasks []*ApprovalTask) error {
	if _, exists := r.st.requests[req.ID]; exists {
		return errors.New(errors.ErrCodeConflict, fmt.Sprintf("approval request %s already exists", req.ID))
	}
	now := r.now()
	req.CreatedAt, req.UpdatedAt = now, now
	r.st.requests[req.ID] = *req
	for _, task := range tasks {
		task.RequestID = req.ID
		task.CreatedAt = now
		r.st.tasks[task.ID] = *task
	}
	return nil
}

func (r memoryRequests) GetByID(_ context.Context, id string) (*ApprovalRequest, error) {
	req, ok := r.st.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return &req, nil
}

func (r memoryRequests) GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error) {
	return r.GetByID(ctx, id)
}

func (r memoryRequests) UpdateStatus(_ context.Context, id string, status RequestStatus) error {
	req, ok := r.st.requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	req.Status = status
	req.UpdatedAt = r.now()
	r.st.requests[id] = req
	return nil
}

func (r memoryRequests) MarkStageNotified(_ context.Context, requestID string, stage int) (bool, error) {
	key := fmt.Sprintf("%s#%d", requestID, stage)
	if _, done := r.st.notified[key]; done {
		return false, nil
	}
	r.st.notified[key] = struct{}{}
	return true, nil
}

// ── tasks ────────────────────────────────────────────────────────────────────

type memoryTasks struct{ *memoryTx }

func (r memoryTasks) GetByID(_ context.Context, id string) (*ApprovalTask, error) {
	task, ok := r.st.tasks[id]
	if !ok {
		return nil, errors.NotFound("approval_task", id)
	}
	return &task, nil
}

func (r memoryTasks) GetForUpdate(ctx context.Context, id string) (*ApprovalTask, error) {
	return r.GetByID(ctx, id)
}

func (r memoryTasks) ListByRequest(_ context.Context, requestID string) ([]*ApprovalTask, error) {
	var tasks []*ApprovalTask
	for _, task := range r.st.tasks {
		if task.RequestID == requestID {
			task := task
			tasks = append(tasks, &task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Stage != tasks[j].Stage {
			return tasks[i].Stage < tasks[j].Stage
		}
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (r memoryTasks) RecordAction(_ context.Context, id string, status TaskStatus, comment, signature *string, actedAt time.Time) error {
	task, ok := r.st.tasks[id]
	if !ok {
		return errors.NotFound("approval_task", id)
	}
	if task.Status != TaskPending {
		return errors.New(errors.ErrCodeConflict, fmt.Sprintf("task %s already processed", id))
	}
	task.Status = status
	task.Comment = comment
	task.Signature = signature
	task.ActedAt = &actedAt
	r.st.tasks[id] = task
	return nil
}

// ── magic links ──────────────────────────────────────────────────────────────

type memoryLinks struct{ *memoryTx }

func (r memoryLinks) RevokeLive(_ context.Context, taskID string, at time.Time) (int64, error) {
	var n int64
	for id, link := range r.st.links {
		if link.TaskID == taskID && link.RevokedAt == nil && link.ConsumedAt == nil {
			revokedAt := at
			link.RevokedAt = &revokedAt
			r.st.links[id] = link
			n++
		}
	}
	return n, nil
}

func (r memoryLinks) Create(_ context.Context, link *MagicLink) error {
	for _, existing := range r.st.links {
		if existing.TokenHash == link.TokenHash {
			return errors.New(errors.ErrCodeConflict, "magic link token hash collision")
		}
	}
	link.CreatedAt = r.now()
	r.st.links[link.ID] = *link
	return nil
}

func (r memoryLinks) GetByID(_ context.Context, id string) (*MagicLink, error) {
	link, ok := r.st.links[id]
	if !ok {
		return nil, errors.NotFound("magic_link", id)
	}
	return &link, nil
}

func (r memoryLinks) GetByTokenHashForUpdate(_ context.Context, tokenHash string) (*MagicLink, error) {
	for _, link := range r.st.links {
		if link.TokenHash == tokenHash {
			link := link
			return &link, nil
		}
	}
	return nil, errors.New(errors.ErrCodeNotFound, "magic link not found")
}

func (r memoryLinks) MarkConsumed(_ context.Context, id string, at time.Time) error {
	link, ok := r.st.links[id]
	if !ok {
		return errors.NotFound("magic_link", id)
	}
	link.ConsumedAt = &at
	r.st.links[id] = link
	return nil
}

func (r memoryLinks) MarkRevoked(_ context.Context, id string, at time.Time) error {
	link, ok := r.st.links[id]
	if !ok {
		return errors.NotFound("magic_link", id)
	}
	link.RevokedAt = &at
	r.st.links[id] = link
	return nil
}

// ── audit ────────────────────────────────────────────────────────────────────

type memoryAudit struct{ *memoryTx }

// LockScope is a no-op: the store mutex already serializes units of work.
func (r memoryAudit) LockScope(context.Context, Scope) error { return nil }

func (r memoryAudit) LatestHash(_ context.Context, scope Scope) (*string, error) {
	for i := len(r.st.events) - 1; i >= 0; i-- {
		if inScope(&r.st.events[i], scope) {
			hash := r.st.events[i].Hash
			return &hash, nil
		}
	}
	return nil, nil
}

func (r memoryAudit) Insert(_ context.Context, event *AuditEvent) error {
	r.st.seq++
	event.Seq = r.st.seq
	r.st.events = append(r.st.events, *event)
	return nil
}

func (r memoryAudit) ListChain(_ context.Context, scope Scope, limit int) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for i := range r.st.events {
		if len(events) == limit {
			break
		}
		if inScope(&r.st.events[i], scope) {
			e := r.st.events[i]
			events = append(events, &e)
		}
	}
	return events, nil
}

func (r memoryAudit) List(_ context.Context, f AuditFilter) ([]*AuditEvent, int64, error) {
	var matched []*AuditEvent
	for i := len(r.st.events) - 1; i >= 0; i-- {
		e := r.st.events[i]
		if !matchesFilter(&e, f) {
			continue
		}
		matched = append(matched, &e)
	}

	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (r memoryAudit) GetByID(_ context.Context, id string) (*AuditEvent, error) {
	for i := range r.st.events {
		if r.st.events[i].ID == id {
			e := r.st.events[i]
			return &e, nil
		}
	}
	return nil, errors.NotFound("audit_event", id)
}

func inScope(e *AuditEvent, scope Scope) bool {
	return equalPtr(e.WorkspaceID, scope.WorkspaceID)
}

func matchesFilter(e *AuditEvent, f AuditFilter) bool {
	switch {
	case f.WorkspaceID != nil && !equalPtr(e.WorkspaceID, f.WorkspaceID):
		return false
	case f.ContractID != nil && !equalPtr(e.ContractID, f.ContractID):
		return false
	case f.ActorID != nil && !equalPtr(e.ActorID, f.ActorID):
		return false
	case f.EventType != nil && e.EventType != *f.EventType:
		return false
	case f.From != nil && e.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && e.CreatedAt.After(*f.To):
		return false
	}
	return true
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
