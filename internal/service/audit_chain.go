package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-contract-approvals/internal/errors"
	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/metrics"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
)

// Audit event types.
const (
	EventApprovalRequestCreated  = "APPROVAL_REQUEST_CREATED"
	EventApprovalApproved        = "APPROVAL_APPROVED"
	EventApprovalRejected        = "APPROVAL_REJECTED"
	EventApprovalReturned        = "APPROVAL_RETURNED"
	EventApprovalFlowCreated     = "APPROVAL_FLOW_CREATED"
	EventApprovalFlowUpdated     = "APPROVAL_FLOW_UPDATED"
	EventApprovalFlowDeactivated = "APPROVAL_FLOW_DEACTIVATED"
	EventMagicLinkIssued         = "MAGIC_LINK_ISSUED"
	EventMagicLinkConsumed       = "MAGIC_LINK_CONSUMED"
	EventMagicLinkRevoked        = "MAGIC_LINK_REVOKED"
)

// EventTypes lists every event type the service emits.
func EventTypes() []string {
	return []string{
		EventApprovalRequestCreated,
		EventApprovalApproved,
		EventApprovalRejected,
		EventApprovalReturned,
		EventApprovalFlowCreated,
		EventApprovalFlowUpdated,
		EventApprovalFlowDeactivated,
		EventMagicLinkIssued,
		EventMagicLinkConsumed,
		EventMagicLinkRevoked,
	}
}

// hashTimeFormat is the layout of the literal timestamp fed to the hash.
const hashTimeFormat = time.RFC3339Nano

// AuditConfig bounds verification and listing windows.
type AuditConfig struct {
	VerifyDefaultLimit int
	VerifyMaxLimit     int
}

// AuditChain appends events to and verifies the hash-linked audit log.
type AuditChain struct {
	store   repository.Store
	metrics *metrics.Metrics
	log     *logger.Logger
	cfg     AuditConfig
	now     func() time.Time
}

// NewAuditChain creates a new AuditChain.
func NewAuditChain(store repository.Store, m *metrics.Metrics, log *logger.Logger, cfg AuditConfig) *AuditChain {
	if cfg.VerifyDefaultLimit <= 0 {
		cfg.VerifyDefaultLimit = 100
	}
	if cfg.VerifyMaxLimit < cfg.VerifyDefaultLimit {
		cfg.VerifyMaxLimit = 1000
	}
	return &AuditChain{store: store, metrics: m, log: log, cfg: cfg, now: time.Now}
}

// AppendInput describes one event to append.
type AppendInput struct {
	EventType    string
	ActorID      *string
	ActorWallet  *string
	WorkspaceID  *string
	ContractID   *string
	ResourceID   *string
	ResourceType *string
	Detail       any // marshalled to JSON; nil means no detail
}

// ── Append ────────────────────────────────────────────────────────────────────

// Append links a new event onto its workspace chain using the caller's unit
// of work, so the event commits or rolls back with the action it records.
func (c *AuditChain) Append(ctx context.Context, audit repository.AuditRepository, in AppendInput) (*repository.AuditEvent, error) {
	if in.EventType == "" {
		return nil, errors.InvalidInput("event_type", "event type is required")
	}

	var detailJSON *string
	if in.Detail != nil {
		raw, err := json.Marshal(in.Detail)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit detail")
		}
		s := string(raw)
		detailJSON = &s
	}

	scope := repository.ScopeOf(in.WorkspaceID)
	if err := audit.LockScope(ctx, scope); err != nil {
		return nil, err
	}
	prevHash, err := audit.LatestHash(ctx, scope)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	event := &repository.AuditEvent{
		ID:           uuid.NewString(),
		EventType:    in.EventType,
		ActorID:      in.ActorID,
		ActorWallet:  in.ActorWallet,
		WorkspaceID:  scope.WorkspaceID,
		ContractID:   in.ContractID,
		ResourceID:   in.ResourceID,
		ResourceType: in.ResourceType,
		DetailJSON:   detailJSON,
		PrevHash:     prevHash,
		HashedAt:     now.Format(hashTimeFormat),
		CreatedAt:    now,
	}
	event.Hash = ComputeEventHash(event)

	if err := audit.Insert(ctx, event); err != nil {
		return nil, err
	}

	c.metrics.AuditAppended(event.EventType)
	return event, nil
}

// Record appends a single event in its own unit of work.
func (c *AuditChain) Record(ctx context.Context, in AppendInput) (*repository.AuditEvent, error) {
	var event *repository.AuditEvent
	err := c.store.InTransaction(ctx, func(repos repository.Repos) error {
		var err error
		event, err = c.Append(ctx, repos.Audit, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ComputeEventHash returns the lowercase hex SHA-256 of
// id|type|actor|workspace|contract|detail_json|prev_hash|timestamp,
// with absent values written as empty strings.
func ComputeEventHash(e *repository.AuditEvent) string {
	payload := strings.Join([]string{
		e.ID,
		e.EventType,
		deref(e.ActorID),
		deref(e.WorkspaceID),
		deref(e.ContractID),
		deref(e.DetailJSON),
		deref(e.PrevHash),
		e.HashedAt,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ── Verify ────────────────────────────────────────────────────────────────────

// Verification failure kinds.
const (
	CheckPrevHash = "prev_hash"
	CheckHash     = "hash"
)

// VerifyResult reports the outcome of walking a chain. An invalid chain is a
// result, never an error.
type VerifyResult struct {
	Valid          bool    `json:"valid"`
	CheckedCount   int     `json:"checked_count"`
	FirstInvalidID *string `json:"first_invalid_id"`
	FailedCheck    string  `json:"failed_check,omitempty"`
	Message        string  `json:"message"`
}

// Verify walks the oldest limit events of scope. A non-positive limit uses
// the configured default; larger limits are clamped to the maximum.
func (c *AuditChain) Verify(ctx context.Context, scope repository.Scope, limit int) (*VerifyResult, error) {
	if limit <= 0 {
		limit = c.cfg.VerifyDefaultLimit
	}
	if limit > c.cfg.VerifyMaxLimit {
		limit = c.cfg.VerifyMaxLimit
	}

	var events []*repository.AuditEvent
	err := c.store.InTransaction(ctx, func(repos repository.Repos) error {
		var err error
		events, err = repos.Audit.ListChain(ctx, scope, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := VerifyChain(events)
	c.metrics.AuditVerified(result.Valid)
	if !result.Valid {
		c.log.Warn().
			Str("scope", scope.Key()).
			Str("event_id", deref(result.FirstInvalidID)).
			Str("check", result.FailedCheck).
			Msg("Audit chain verification failed")
	}
	return &result, nil
}

// VerifyChain checks linkage and hashes of events ordered oldest first. It
// stops at the first event whose prev_hash does not match its predecessor or
// whose recomputed hash differs from the stored one.
func VerifyChain(events []*repository.AuditEvent) VerifyResult {
	var expectedPrev *string
	for i, event := range events {
		if deref(event.PrevHash) != deref(expectedPrev) || (event.PrevHash == nil) != (expectedPrev == nil) {
			id := event.ID
			return VerifyResult{
				CheckedCount:   i,
				FirstInvalidID: &id,
				FailedCheck:    CheckPrevHash,
				Message:        fmt.Sprintf("prev_hash mismatch at event %s", id),
			}
		}
		if ComputeEventHash(event) != event.Hash {
			id := event.ID
			return VerifyResult{
				CheckedCount:   i,
				FirstInvalidID: &id,
				FailedCheck:    CheckHash,
				Message:        fmt.Sprintf("hash mismatch at event %s", id),
			}
		}
		hash := event.Hash
		expectedPrev = &hash
	}

	return VerifyResult{
		Valid:        true,
		CheckedCount: len(events),
		Message:      fmt.Sprintf("chain valid (%d events checked)", len(events)),
	}
}

// ── Queries ───────────────────────────────────────────────────────────────────

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

// AuditEventPage is one page of an audit listing.
type AuditEventPage struct {
	Events   []*repository.AuditEvent `json:"events"`
	Total    int64                    `json:"total"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
}

// ListEvents returns a page of events matching filter, newest first.
func (c *AuditChain) ListEvents(ctx context.Context, filter repository.AuditFilter, page, pageSize int) (*AuditEventPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultAuditPageSize
	}
	if pageSize > maxAuditPageSize {
		return nil, errors.InvalidInput("page_size", fmt.Sprintf("page_size must be at most %d", maxAuditPageSize))
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, errors.InvalidInput("from", "from must not be after to")
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	result := &AuditEventPage{Page: page, PageSize: pageSize}
	err := c.store.InTransaction(ctx, func(repos repository.Repos) error {
		var err error
		result.Events, result.Total, err = repos.Audit.List(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result.Events == nil {
		result.Events = []*repository.AuditEvent{}
	}
	return result, nil
}

// GetEvent returns a single event by id.
func (c *AuditChain) GetEvent(ctx context.Context, id string) (*repository.AuditEvent, error) {
	var event *repository.AuditEvent
	err := c.store.InTransaction(ctx, func(repos repository.Repos) error {
		var err error
		event, err = repos.Audit.GetByID(ctx, id)
		return err
	})
	return event, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr[T any](v T) *T { return &v }
