// Package repository implements the store contracts on Postgres with pgx.
// Uniqueness rules are enforced by the schema and surfaced as the store
// sentinels.
package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

var _ store.Store = (*Repository)(nil)

// DB is the subset of *pgxpool.Pool and pgx.Tx the repositories use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository bundles the table repositories into one store.Store.
type Repository struct {
	*RunRepository
	*DocumentRepository
	*CheckRunRepository
	*JobRepository
}

// New constructs every repository on pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{
		RunRepository:      NewRunRepository(pool),
		DocumentRepository: NewDocumentRepository(pool),
		CheckRunRepository: NewCheckRunRepository(pool),
		JobRepository:      NewJobRepository(pool),
	}
}

const uniqueViolation = "23505"

// Constraint and index names from migration 0001.
const (
	constraintActiveRun     = "runs_one_active_per_job_action"
	constraintFileReference = "discovered_files_job_reference_key"
	constraintContentHash   = "discovered_files_content_hash_live"
	constraintTextHash      = "discovered_files_text_hash_live"
)

// mapError turns unique violations into the store sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(store.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case constraintActiveRun:
			return errors.Wrap(store.ErrActiveRun, what)
		case constraintFileReference:
			return errors.Wrap(store.ErrDuplicateReference, what)
		case constraintContentHash, constraintTextHash:
			return errors.Wrap(store.ErrDuplicateContent, what)
		default:
			return errors.Wrapf(errors.ErrConflict, "%s: %s", what, pgErr.ConstraintName)
		}
	}
	return errors.Wrap(err, what)
}

// where accumulates SQL conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

// add appends cond, replacing every ? with the next placeholder for arg.
func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) raw(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

// inTx runs fn in a transaction, committing when fn returns nil.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit transaction")
}
