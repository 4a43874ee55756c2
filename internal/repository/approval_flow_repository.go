package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-approvals/internal/database"
	"github.com/pesio-ai/be-contract-approvals/internal/errors"
)

// ApprovalFlowRepository handles CRUD for approval_flows. Stage definitions
// live in a JSONB column and are read back as-is.
type ApprovalFlowRepository struct {
	db database.Querier
}

// Create inserts a new flow.
func (r *ApprovalFlowRepository) Create(ctx context.Context, flow *ApprovalFlow) error {
	stagesJSON, err := json.Marshal(flow.Stages)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow stages")
	}

	query := `
		INSERT INTO approval_flows (id, workspace_id, name, stages, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		flow.ID,
		flow.WorkspaceID,
		flow.Name,
		stagesJSON,
		flow.IsActive,
	).Scan(&flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to create approval flow")
	}
	return nil
}

// GetByID retrieves a flow by primary key, active or not.
func (r *ApprovalFlowRepository) GetByID(ctx context.Context, id string) (*ApprovalFlow, error) {
	query := `
		SELECT id, workspace_id, name, stages, is_active, created_at, updated_at
		FROM approval_flows
		WHERE id = $1
	`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_flow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to get approval flow")
	}
	return flow, nil
}

// ListActive returns a workspace's active flows, newest first.
func (r *ApprovalFlowRepository) ListActive(ctx context.Context, workspaceID string) ([]*ApprovalFlow, error) {
	query := `
		SELECT id, workspace_id, name, stages, is_active, created_at, updated_at
		FROM approval_flows
		WHERE workspace_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list approval flows")
	}
	defer rows.Close()

	var flows []*ApprovalFlow
	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to scan approval flow")
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list approval flows")
	}
	return flows, nil
}

// UpdateStages replaces the stage definitions of a flow.
func (r *ApprovalFlowRepository) UpdateStages(ctx context.Context, id string, stages []Stage) error {
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow stages")
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE approval_flows
		SET stages = $2, updated_at = NOW()
		WHERE id = $1
	`, id, stagesJSON)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to update approval flow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_flow", id)
	}
	return nil
}

// Deactivate soft-deletes a flow.
func (r *ApprovalFlowRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_flows
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to deactivate approval flow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_flow", id)
	}
	return nil
}

func (r *ApprovalFlowRepository) scanFlow(row rowScanner) (*ApprovalFlow, error) {
	flow := &ApprovalFlow{}
	var stagesJSON []byte

	err := row.Scan(
		&flow.ID,
		&flow.WorkspaceID,
		&flow.Name,
		&stagesJSON,
		&flow.IsActive,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stagesJSON, &flow.Stages); err != nil {
		return nil, err
	}
	return flow, nil
}
