package repository

import (
	"context"
	"time"
)

// Store runs units of work atomically. Everything fn does through the Repos
// it receives commits together or not at all.
type Store interface {
	InTransaction(ctx context.Context, fn func(repos Repos) error) error
}

// Repos groups the repositories bound to one unit of work.
type Repos struct {
	Flows     FlowRepository
	Contracts ContractRepository
	Requests  RequestRepository
	Tasks     TaskRepository
	Links     MagicLinkRepository
	Audit     AuditRepository
}

type FlowRepository interface {
	Create(ctx context.Context, flow *ApprovalFlow) error
	GetByID(ctx context.Context, id string) (*ApprovalFlow, error)
	ListActive(ctx context.Context, workspaceID string) ([]*ApprovalFlow, error)
	UpdateStages(ctx context.Context, id string, stages []Stage) error
	Deactivate(ctx context.Context, id string) error
}

// ContractRepository is a read-only view over contracts and workspaces.
type ContractRepository interface {
	GetContract(ctx context.Context, id string) (*ContractRef, error)
	WorkspaceExists(ctx context.Context, id string) (bool, error)
}

type RequestRepository interface {
	// Create persists the request together with its tasks.
	Create(ctx context.Context, req *ApprovalRequest, tasks []*ApprovalTask) error
	GetByID(ctx context.Context, id string) (*ApprovalRequest, error)
	// GetForUpdate reads the request and holds it until the unit of work ends,
	// serializing progression per request.
	GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error)
	UpdateStatus(ctx context.Context, id string, status RequestStatus) error
	// MarkStageNotified records that a stage's assignees were notified.
	// It returns false when the marker already existed.
	MarkStageNotified(ctx context.Context, requestID string, stage int) (bool, error)
}

type TaskRepository interface {
	GetByID(ctx context.Context, id string) (*ApprovalTask, error)
	GetForUpdate(ctx context.Context, id string) (*ApprovalTask, error)
	ListByRequest(ctx context.Context, requestID string) ([]*ApprovalTask, error)
	// RecordAction moves a pending task to status. It fails with a conflict
	// when the task is no longer pending.
	RecordAction(ctx context.Context, id string, status TaskStatus, comment, signature *string, actedAt time.Time) error
}

type MagicLinkRepository interface {
	// RevokeLive revokes every unrevoked, unconsumed link for the task and
	// returns how many were revoked.
	RevokeLive(ctx context.Context, taskID string, at time.Time) (int64, error)
	Create(ctx context.Context, link *MagicLink) error
	GetByID(ctx context.Context, id string) (*MagicLink, error)
	GetByTokenHashForUpdate(ctx context.Context, tokenHash string) (*MagicLink, error)
	MarkConsumed(ctx context.Context, id string, at time.Time) error
	MarkRevoked(ctx context.Context, id string, at time.Time) error
}

type AuditRepository interface {
	// LockScope serializes appends to one chain until the unit of work ends.
	LockScope(ctx context.Context, scope Scope) error
	// LatestHash returns the hash of the newest event in scope, nil when the
	// chain is empty.
	LatestHash(ctx context.Context, scope Scope) (*string, error)
	Insert(ctx context.Context, event *AuditEvent) error
	// ListChain returns up to limit events of a scope, oldest first.
	ListChain(ctx context.Context, scope Scope, limit int) ([]*AuditEvent, error)
	// List returns a filtered page newest first, with the total match count.
	List(ctx context.Context, filter AuditFilter) ([]*AuditEvent, int64, error)
	GetByID(ctx context.Context, id string) (*AuditEvent, error)
}
