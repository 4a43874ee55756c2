package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-approvals/internal/database"
	"github.com/pesio-ai/be-contract-approvals/internal/errors"
)

// ApprovalTaskRepository handles reads and actions on approval tasks.
// Task creation is done by ApprovalRequestRepository.Create.
type ApprovalTaskRepository struct {
	db database.Querier
}

const taskColumns = `
	id, request_id, stage, task_order, assignee_kind, assignee_id,
	status, acted_at, comment, signature, created_at
`

// GetByID retrieves a task by primary key.
func (r *ApprovalTaskRepository) GetByID(ctx context.Context, id string) (*ApprovalTask, error) {
	return r.get(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE id = $1`, id)
}

// GetForUpdate retrieves a task and row-locks it for the transaction.
func (r *ApprovalTaskRepository) GetForUpdate(ctx context.Context, id string) (*ApprovalTask, error) {
	return r.get(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE id = $1 FOR UPDATE`, id)
}

func (r *ApprovalTaskRepository) get(ctx context.Context, query, id string) (*ApprovalTask, error) {
	task, err := r.scanTask(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_task", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to get approval task")
	}
	return task, nil
}

// ListByRequest returns all tasks of a request ordered by stage then order.
func (r *ApprovalTaskRepository) ListByRequest(ctx context.Context, requestID string) ([]*ApprovalTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM approval_tasks
		WHERE request_id = $1
		ORDER BY stage ASC, task_order ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list approval tasks")
	}
	defer rows.Close()

	var tasks []*ApprovalTask
	for rows.Next() {
		task, err := r.scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to scan approval task")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to list approval tasks")
	}
	return tasks, nil
}

// RecordAction moves a pending task to its outcome. The status guard in the
// WHERE clause turns a lost race into a conflict instead of a second action.
func (r *ApprovalTaskRepository) RecordAction(
	ctx context.Context,
	id string,
	status TaskStatus,
	comment, signature *string,
	actedAt time.Time,
) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_tasks
		SET status    = $2,
		    comment   = $3,
		    signature = $4,
		    acted_at  = $5
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), comment, signature, actedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to record task action")
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return errors.New(errors.ErrCodeConflict, fmt.Sprintf("task %s already processed", id))
	}
	return nil
}

func (r *ApprovalTaskRepository) scanTask(row rowScanner) (*ApprovalTask, error) {
	task := &ApprovalTask{}
	var kind, status string

	err := row.Scan(
		&task.ID,
		&task.RequestID,
		&task.Stage,
		&task.Order,
		&kind,
		&task.AssigneeID,
		&status,
		&task.ActedAt,
		&task.Comment,
		&task.Signature,
		&task.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.AssigneeKind = AssigneeKind(kind)
	task.Status = TaskStatus(status)
	return task, nil
}
