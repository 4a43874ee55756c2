package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-approvals/internal/database"
	"github.com/pesio-ai/be-contract-approvals/internal/errors"
)

var (
	_ FlowRepository      = (*ApprovalFlowRepository)(nil)
	_ ContractRepository  = (*ContractLookupRepository)(nil)
	_ RequestRepository   = (*ApprovalRequestRepository)(nil)
	_ TaskRepository      = (*ApprovalTaskRepository)(nil)
	_ MagicLinkRepository = (*MagicLinkTokenRepository)(nil)
	_ AuditRepository     = (*AuditEventRepository)(nil)
)

// txRunner is satisfied by *database.DB.
type txRunner interface {
	InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// PostgresStore runs each unit of work in one Postgres transaction.
type PostgresStore struct {
	db txRunner
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTransaction binds every repository to a single transaction. Failures to
// begin or commit, and a cancelled context, surface as storage errors;
// application errors returned by fn pass through unchanged.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(repos Repos) error) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(NewPostgresRepos(tx))
	})
	return storageError(err)
}

func storageError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeStorage, "transaction failed")
}

// NewPostgresRepos binds the Postgres repositories to q, which may be the
// pool or an open transaction.
func NewPostgresRepos(q database.Querier) Repos {
	return Repos{
		Flows:     &ApprovalFlowRepository{db: q},
		Contracts: &ContractLookupRepository{db: q},
		Requests:  &ApprovalRequestRepository{db: q},
		Tasks:     &ApprovalTaskRepository{db: q},
		Links:     &MagicLinkTokenRepository{db: q},
		Audit:     &AuditEventRepository{db: q},
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}
