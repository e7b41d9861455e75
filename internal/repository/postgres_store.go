package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// querier is satisfied by both pgx.Tx and *pgxpool.Pool.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the production Store. Each InTransaction call maps to one
// database transaction.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTransaction runs fn in a single database transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
	return mapError(err, "transaction failed")
}

type pgTx struct {
	q querier
}

func (t *pgTx) Templates() Templates       { return NewTemplateRepository(t.q) }
func (t *pgTx) Instances() Instances       { return NewInstanceRepository(t.q) }
func (t *pgTx) Tasks() Tasks               { return NewTaskRepository(t.q) }
func (t *pgTx) CarbonCopies() CarbonCopies { return NewCarbonCopyRepository(t.q) }
func (t *pgTx) ActionLogs() ActionLogs     { return NewActionLogRepository(t.q) }

// Postgres error codes the engine treats as transient.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
)

// mapError converts driver errors into the service taxonomy. AppErrors pass
// through untouched.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgUniqueViolation:
			return errors.Persistence(err, msg).WithDetail("sqlstate", pgErr.Code)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, msg)
	}
	var connErr *pgconn.ConnectError
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || stderrors.As(err, &connErr) {
		return errors.Persistence(err, msg)
	}
	return errors.Wrap(err, errors.ErrCodeInternal, msg)
}
