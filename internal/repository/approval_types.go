package repository

import "time"

// ── Domain types for contract approvals ──────────────────────────────────────

// RequestStatus is the lifecycle status of an approval request. It is derived
// from the task set and only ever written by the workflow engine.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestReturned RequestStatus = "returned"
)

// Terminal reports whether no further transition exists out of s.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected || s == RequestReturned
}

// TaskStatus is the status of a single assignee's task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskApproved TaskStatus = "approved"
	TaskRejected TaskStatus = "rejected"
	TaskReturned TaskStatus = "returned"
	TaskSkipped  TaskStatus = "skipped" // reserved for conditional stages; never set
)

// StageType controls how tasks within a stage are expected to complete.
type StageType string

const (
	StageSequential StageType = "sequential"
	StageParallel   StageType = "parallel"
)

// AssigneeKind tags the identity space an assignee id belongs to.
type AssigneeKind string

const (
	AssigneeUser     AssigneeKind = "user"
	AssigneeRole     AssigneeKind = "role"
	AssigneeExternal AssigneeKind = "external"
)

// Assignee is one entry in a stage's assignee list.
type Assignee struct {
	Kind  AssigneeKind `json:"type"`
	ID    string       `json:"id"`
	Order int          `json:"order"`
}

// Stage is one numbered phase of a flow. Stages are persisted as a JSONB
// array on the flow and copied into tasks when a request is created.
type Stage struct {
	Stage     int        `json:"stage"`
	Type      StageType  `json:"type"`
	Assignees []Assignee `json:"assignees"`
	Condition *string    `json:"condition,omitempty"`
}

// ApprovalFlow is a reusable stage template owned by a workspace.
type ApprovalFlow struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Stages      []Stage   `json:"stages"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ReminderPolicy lists the days-before-due thresholds at which reminders fire.
type ReminderPolicy struct {
	DaysBefore []int `json:"days_before"`
}

// DefaultReminderPolicy is applied when a request carries no policy.
func DefaultReminderPolicy() ReminderPolicy {
	return ReminderPolicy{DaysBefore: []int{3, 1, 0}}
}

// ApprovalRequest is one approval cycle for a contract.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	ContractID     string         `json:"contract_id"`
	WorkspaceID    *string        `json:"workspace_id,omitempty"` // copied from the contract; selects the audit scope
	FlowID         *string        `json:"flow_id,omitempty"`
	DueAt          *time.Time     `json:"due_at,omitempty"`
	ReminderPolicy ReminderPolicy `json:"reminder_policy"`
	Status         RequestStatus  `json:"status"`
	Message        *string        `json:"message,omitempty"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ApprovalTask is one (stage, assignee) pair within a request.
type ApprovalTask struct {
	ID           string       `json:"id"`
	RequestID    string       `json:"request_id"`
	Stage        int          `json:"stage"`
	Order        int          `json:"order"`
	AssigneeKind AssigneeKind `json:"assignee_type"`
	AssigneeID   string       `json:"assignee_id"`
	Status       TaskStatus   `json:"status"`
	ActedAt      *time.Time   `json:"acted_at,omitempty"`
	Comment      *string      `json:"comment,omitempty"`
	Signature    *string      `json:"signature,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ActorID is the user attributed with actions on this task: the assignee id
// for user assignees, nil for role and external assignees.
func (t *ApprovalTask) ActorID() *string {
	if t.AssigneeKind != AssigneeUser {
		return nil
	}
	id := t.AssigneeID
	return &id
}

// MagicLink is a one-time capability to act on a single task.
type MagicLink struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	TokenHash  string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Live reports whether the link can still be consumed at now.
func (l *MagicLink) Live(now time.Time) bool {
	return l.RevokedAt == nil && l.ConsumedAt == nil && now.Before(l.ExpiresAt)
}

// ContractRef is the read-only view of a contract owned by another service.
type ContractRef struct {
	ID          string
	WorkspaceID *string
	Title       string
}

// ── Audit chain ──────────────────────────────────────────────────────────────

// Scope partitions the audit hash chain. Each workspace has its own chain;
// events without a workspace form the global chain.
type Scope struct {
	WorkspaceID *string
}

// GlobalScope is the chain of events that carry no workspace.
var GlobalScope = Scope{}

// WorkspaceScope returns the chain scope for a workspace id. An empty id
// selects the global chain.
func WorkspaceScope(workspaceID string) Scope {
	if workspaceID == "" {
		return GlobalScope
	}
	return Scope{WorkspaceID: &workspaceID}
}

// ScopeOf returns the chain scope an event with this workspace belongs to.
func ScopeOf(workspaceID *string) Scope {
	if workspaceID == nil {
		return GlobalScope
	}
	return WorkspaceScope(*workspaceID)
}

// Key is a stable string form of the scope, used for lock keys.
func (s Scope) Key() string {
	if s.WorkspaceID == nil {
		return "global"
	}
	return "workspace:" + *s.WorkspaceID
}

// AuditEvent is an immutable, hash-linked audit record.
type AuditEvent struct {
	Seq          int64     `json:"seq"`
	ID           string    `json:"id"`
	EventType    string    `json:"event_type"`
	ActorID      *string   `json:"actor_id"`
	ActorWallet  *string   `json:"actor_wallet,omitempty"`
	WorkspaceID  *string   `json:"workspace_id"`
	ContractID   *string   `json:"contract_id"`
	ResourceID   *string   `json:"resource_id,omitempty"`
	ResourceType *string   `json:"resource_type,omitempty"`
	DetailJSON   *string   `json:"detail_json"` // exact bytes that were hashed
	PrevHash     *string   `json:"prev_hash"`
	Hash         string    `json:"hash"`
	HashedAt     string    `json:"hashed_at"` // literal timestamp string that was hashed
	CreatedAt    time.Time `json:"created_at"`
}

// AuditFilter narrows an audit event listing.
type AuditFilter struct {
	WorkspaceID *string
	ContractID  *string
	ActorID     *string
	EventType   *string
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}
