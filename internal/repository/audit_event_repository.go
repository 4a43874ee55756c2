package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-approvals/internal/database"
	"github.com/pesio-ai/be-contract-approvals/internal/errors"
)

// AuditEventRepository appends and reads hash-chained audit events. The table
// has no update or delete path; Insert is the only mutation.
type AuditEventRepository struct {
	db database.Querier
}

const auditColumns = `
	seq, id, event_type, actor_id, actor_wallet, workspace_id, contract_id,
	resource_id, resource_type, detail_json, prev_hash, hash, hashed_at, created_at
`

// LockScope takes a transaction-scoped advisory lock on the chain.
func (r *AuditEventRepository) LockScope(ctx context.Context, scope Scope) error {
	_, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "audit_chain:"+scope.Key())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to lock audit chain")
	}
	return nil
}

// LatestHash returns the hash of the newest event in scope.
func (r *AuditEventRepository) LatestHash(ctx context.Context, scope Scope) (*string, error) {
	var hash string
	err := r.db.QueryRow(ctx, `
		SELECT hash
		FROM audit_events
		WHERE workspace_id IS NOT DISTINCT FROM $1
		ORDER BY seq DESC
		LIMIT 1
	`, scope.WorkspaceID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to read latest audit hash")
	}
	return &hash, nil
}

// Insert appends one event. detail_json is stored as TEXT so the bytes that
// were hashed come back unchanged.
func (r *AuditEventRepository) Insert(ctx context.Context, event *AuditEvent) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO audit_events
		    (id, event_type, actor_id, actor_wallet, workspace_id, contract_id,
		     resource_id, resource_type, detail_json, prev_hash, hash, hashed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12, $13)
		RETURNING seq
	`,
		event.ID,
		event.EventType,
		event.ActorID,
		event.ActorWallet,
		event.WorkspaceID,
		event.ContractID,
		event.ResourceID,
		event.ResourceType,
		event.DetailJSON,
		event.PrevHash,
		event.Hash,
		event.HashedAt,
		event.CreatedAt,
	).Scan(&event.Seq)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to append audit event")
	}
	return nil
}

// ListChain returns the oldest limit events of a scope.
func (r *AuditEventRepository) ListChain(ctx context.Context, scope Scope, limit int) ([]*AuditEvent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+auditColumns+`
		FROM audit_events
		WHERE workspace_id IS NOT DISTINCT FROM $1
		ORDER BY seq ASC
		LIMIT $2
	`, scope.WorkspaceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to read audit chain")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// List returns one page of events matching filter, newest first.
func (r *AuditEventRepository) List(ctx context.Context, filter AuditFilter) ([]*AuditEvent, int64, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.WorkspaceID != nil {
		add("workspace_id = $%d", *filter.WorkspaceID)
	}
	if filter.ContractID != nil {
		add("contract_id = $%d", *filter.ContractID)
	}
	if filter.ActorID != nil {
		add("actor_id = $%d", *filter.ActorID)
	}
	if filter.EventType != nil {
		add("event_type = $%d", *filter.EventType)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events `+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeStorage, "failed to count audit events")
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_events %s ORDER BY seq DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)+1, len(args)+2)
	rows, err := r.db.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeStorage, "failed to list audit events")
	}
	defer rows.Close()

	events, err := r.scanRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// GetByID retrieves an event by id.
func (r *AuditEventRepository) GetByID(ctx context.Context, id string) (*AuditEvent, error) {
	event, err := r.scanEvent(r.db.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("audit_event", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to get audit event")
	}
	return event, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditEventRepository) scanRows(rows pgx.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to scan audit event")
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to read audit events")
	}
	return events, nil
}

func (r *AuditEventRepository) scanEvent(row rowScanner) (*AuditEvent, error) {
	event := &AuditEvent{}
	err := row.Scan(
		&event.Seq,
		&event.ID,
		&event.EventType,
		&event.ActorID,
		&event.ActorWallet,
		&event.WorkspaceID,
		&event.ContractID,
		&event.ResourceID,
		&event.ResourceType,
		&event.DetailJSON,
		&event.PrevHash,
		&event.Hash,
		&event.HashedAt,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return event, nil
}
