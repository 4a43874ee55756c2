package repository

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-approvals/internal/errors"
)

// failingRunner stands in for the pool: it fails before fn runs when err is
// set, and otherwise runs fn without a live transaction.
type failingRunner struct {
	err error
}

func (f failingRunner) InTransaction(_ context.Context, fn func(tx pgx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

func TestPostgresStoreWrapsTransactionFailures(t *testing.T) {
	commitErr := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}

	tests := []struct {
		name  string
		cause error
	}{
		{"serialization failure", commitErr},
		{"cancelled context", context.Canceled},
		{"connection lost", stderrors.New("conn closed")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &PostgresStore{db: failingRunner{err: tt.cause}}
			err := s.InTransaction(context.Background(), func(Repos) error { return nil })

			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeStorage, errors.CodeOf(err))
			assert.ErrorIs(t, err, tt.cause)
		})
	}
}

func TestPostgresStoreKeepsApplicationErrors(t *testing.T) {
	s := &PostgresStore{db: failingRunner{}}

	err := s.InTransaction(context.Background(), func(Repos) error {
		return errors.NotFound("approval_task", "t-1")
	})
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	err = s.InTransaction(context.Background(), func(Repos) error { return nil })
	assert.NoError(t, err)
}

func TestNewPostgresReposBindsEveryRepository(t *testing.T) {
	repos := NewPostgresRepos(nil)

	assert.IsType(t, &ApprovalFlowRepository{}, repos.Flows)
	assert.IsType(t, &ContractLookupRepository{}, repos.Contracts)
	assert.IsType(t, &ApprovalRequestRepository{}, repos.Requests)
	assert.IsType(t, &ApprovalTaskRepository{}, repos.Tasks)
	assert.IsType(t, &MagicLinkTokenRepository{}, repos.Links)
	assert.IsType(t, &AuditEventRepository{}, repos.Audit)
}
