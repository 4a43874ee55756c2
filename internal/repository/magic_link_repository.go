package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-approvals/internal/database"
	"github.com/pesio-ai/be-contract-approvals/internal/errors"
)

// MagicLinkTokenRepository stores magic links by token hash. Raw tokens never
// reach this layer.
type MagicLinkTokenRepository struct {
	db database.Querier
}

const linkColumns = `id, task_id, token_hash, expires_at, revoked_at, consumed_at, created_at`

// RevokeLive revokes the task's links that are neither revoked nor consumed.
func (r *MagicLinkTokenRepository) RevokeLive(ctx context.Context, taskID string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE magic_links
		SET revoked_at = $2
		WHERE task_id = $1 AND revoked_at IS NULL AND consumed_at IS NULL
	`, taskID, at)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStorage, "failed to revoke magic links")
	}
	return tag.RowsAffected(), nil
}

// Create inserts a new link.
func (r *MagicLinkTokenRepository) Create(ctx context.Context, link *MagicLink) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO magic_links (id, task_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, link.ID, link.TaskID, link.TokenHash, link.ExpiresAt).Scan(&link.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to create magic link")
	}
	return nil
}

// GetByID retrieves a link by primary key and row-locks it.
func (r *MagicLinkTokenRepository) GetByID(ctx context.Context, id string) (*MagicLink, error) {
	link, err := r.scanLink(r.db.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM magic_links WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("magic_link", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to get magic link")
	}
	return link, nil
}

// GetByTokenHashForUpdate looks a link up by token hash and row-locks it.
func (r *MagicLinkTokenRepository) GetByTokenHashForUpdate(ctx context.Context, tokenHash string) (*MagicLink, error) {
	link, err := r.scanLink(r.db.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM magic_links WHERE token_hash = $1 FOR UPDATE`, tokenHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.ErrCodeNotFound, "magic link not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "failed to get magic link")
	}
	return link, nil
}

// MarkConsumed stamps consumed_at.
func (r *MagicLinkTokenRepository) MarkConsumed(ctx context.Context, id string, at time.Time) error {
	return r.stamp(ctx, `UPDATE magic_links SET consumed_at = $2 WHERE id = $1`, id, at)
}

// MarkRevoked stamps revoked_at.
func (r *MagicLinkTokenRepository) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	return r.stamp(ctx, `UPDATE magic_links SET revoked_at = $2 WHERE id = $1`, id, at)
}

func (r *MagicLinkTokenRepository) stamp(ctx context.Context, query, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to update magic link")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("magic_link", id)
	}
	return nil
}

func (r *MagicLinkTokenRepository) scanLink(row rowScanner) (*MagicLink, error) {
	link := &MagicLink{}
	err := row.Scan(
		&link.ID,
		&link.TaskID,
		&link.TokenHash,
		&link.ExpiresAt,
		&link.RevokedAt,
		&link.ConsumedAt,
		&link.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return link, nil
}
