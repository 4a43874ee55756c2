package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-approvals/internal/database"
	"github.com/pesio-ai/be-contract-approvals/internal/errors"
)

// ApprovalRequestRepository manages approval requests. Request and task
// creation always happen together inside the caller's transaction.
type ApprovalRequestRepository struct {
	db database.Querier
}

const requestColumns = `
	id, contract_id, workspace_id, flow_id, due_at, reminder_policy,
	status, message, created_by, created_at, updated_at
`

// Create inserts a request and its tasks.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *ApprovalRequest, tasks []*ApprovalTask) error {
	policyJSON, err := json.Marshal(req.ReminderPolicy)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal reminder policy")
	}

	reqQuery := `
		INSERT INTO approval_requests
		    (id, contract_id, workspace_id, flow_id, due_at,
		     reminder_policy, status, message, created_by)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, reqQuery,
		req.ID,
		req.ContractID,
		req.WorkspaceID,
		req.FlowID,
		req.DueAt,
		policyJSON,
		string(req.Status),
		req.Message,
		req.CreatedBy,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to create approval request")
	}

	taskQuery := `
		INSERT INTO approval_tasks
		    (id, request_id, stage, task_order,
		     assignee_kind, assignee_id, status)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
		RETURNING created_at
	`

	for _, task := range tasks {
		task.RequestID = req.ID

		err := r.db.QueryRow(ctx, taskQuery,
			task.ID,
			task.RequestID,
			task.Stage,
			task.Order,
			string(task.AssigneeKind),
			task.AssigneeID,
			string(task.Status),
		).Scan(&task.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeStorage, "failed to create approval task")
		}
	}

	return nil
}

// GetByID retrieves a request by primary key.
func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`
	return r.get(ctx, query, id)
}

// GetForUpdate retrieves a request and row-locks it for the transaction.
func (r *ApprovalRequestRepository) GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1 FOR UPDATE`
	return r.get(ctx, query, id)
}

func (r *ApprovalRequestRepository) get(ctx context.Context, query, id string) (*ApprovalRequest, error) {
	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to get approval request")
	}
	return req, nil
}

// UpdateStatus writes the derived request status.
func (r *ApprovalRequestRepository) UpdateStatus(ctx context.Context, id string, status RequestStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_requests
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`, id, string(status))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to update approval request status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_request", id)
	}
	return nil
}

// MarkStageNotified inserts the per-stage notification marker.
func (r *ApprovalRequestRepository) MarkStageNotified(ctx context.Context, requestID string, stage int) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO approval_stage_notifications (request_id, stage)
		VALUES ($1, $2)
		ON CONFLICT (request_id, stage) DO NOTHING
	`, requestID, stage)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeStorage, "failed to mark stage notified")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ApprovalRequestRepository) scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var (
		status     string
		policyJSON []byte
	)

	err := row.Scan(
		&req.ID,
		&req.ContractID,
		&req.WorkspaceID,
		&req.FlowID,
		&req.DueAt,
		&policyJSON,
		&status,
		&req.Message,
		&req.CreatedBy,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Status = RequestStatus(status)
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &req.ReminderPolicy); err != nil {
			return nil, err
		}
	}
	return req, nil
}
