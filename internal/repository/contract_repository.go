package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-approvals/internal/database"
	"github.com/pesio-ai/be-contract-approvals/internal/errors"
)

// ContractLookupRepository reads the contracts and workspaces tables owned by the
// contracts service. It never writes.
type ContractLookupRepository struct {
	db database.Querier
}

// GetContract returns the contract's title and workspace.
func (r *ContractLookupRepository) GetContract(ctx context.Context, id string) (*ContractRef, error) {
	c := &ContractRef{}
	err := r.db.QueryRow(ctx, `
		SELECT id, workspace_id, title
		FROM contracts
		WHERE id = $1
	`, id).Scan(&c.ID, &c.WorkspaceID, &c.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("contract", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to get contract")
	}
	return c, nil
}

// WorkspaceExists reports whether the workspace exists.
func (r *ContractLookupRepository) WorkspaceExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workspaces WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeStorage, "failed to check workspace")
	}
	return exists, nil
}
