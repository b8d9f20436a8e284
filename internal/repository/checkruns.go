package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

const checkRunColumns = `id, run_id, check_run_id, is_checkrun_success, is_disabled, payment_date,
	export_error, created_at, updated_at`

// CheckRunRepository persists payment export attempts.
type CheckRunRepository struct {
	pool *pgxpool.Pool
}

// NewCheckRunRepository constructs a CheckRunRepository.
func NewCheckRunRepository(pool *pgxpool.Pool) *CheckRunRepository {
	return &CheckRunRepository{pool: pool}
}

func scanCheckRun(row pgx.Row) (*model.CheckRun, error) {
	var c model.CheckRun
	err := row.Scan(&c.ID, &c.RunID, &c.CheckRunID, &c.IsCheckRunSuccess, &c.IsDisabled, &c.PaymentDate,
		&c.ExportError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCheckRun implements store.CheckRunStore.
func (r *CheckRunRepository) CreateCheckRun(ctx context.Context, c *model.CheckRun) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO check_runs (`+checkRunColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.RunID, c.CheckRunID, c.IsCheckRunSuccess, c.IsDisabled, c.PaymentDate,
		c.ExportError, c.CreatedAt, c.UpdatedAt)
	return mapError(err, "insert check run "+c.ID)
}

// GetCheckRun implements store.CheckRunStore.
func (r *CheckRunRepository) GetCheckRun(ctx context.Context, id string) (*model.CheckRun, error) {
	c, err := scanCheckRun(r.pool.QueryRow(ctx, `SELECT `+checkRunColumns+` FROM check_runs WHERE id=$1`, id))
	if err != nil {
		return nil, mapError(err, "check run "+id)
	}
	return c, nil
}

// UpdateCheckRun implements store.CheckRunStore.
func (r *CheckRunRepository) UpdateCheckRun(ctx context.Context, c *model.CheckRun) error {
	tag, err := r.pool.Exec(ctx, `UPDATE check_runs SET
			is_checkrun_success=$2, is_disabled=$3, payment_date=$4, export_error=$5, updated_at=$6
		WHERE id=$1`,
		c.ID, c.IsCheckRunSuccess, c.IsDisabled, c.PaymentDate, c.ExportError, c.UpdatedAt)
	if err != nil {
		return mapError(err, "update check run "+c.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrNotFound, "check run %s", c.ID)
	}
	return nil
}

// ListCheckRuns implements store.CheckRunStore.
func (r *CheckRunRepository) ListCheckRuns(ctx context.Context, f store.CheckRunFilter) ([]*model.CheckRun, error) {
	var w where
	if f.CheckRunID != "" {
		w.add("check_run_id=?", f.CheckRunID)
	}
	addTime(&w, "created_at > ?", f.CreatedAfter)
	addTime(&w, "created_at < ?", f.CreatedBefore)
	if f.Unevaluated {
		w.raw("is_disabled IS NULL")
	}
	if f.Unsuccessful {
		w.raw("NOT is_checkrun_success")
	}
	rows, err := r.pool.Query(ctx, `SELECT `+checkRunColumns+` FROM check_runs`+w.String()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, errors.Wrap(err, "list check runs")
	}
	defer rows.Close()
	var out []*model.CheckRun
	for rows.Next() {
		c, err := scanCheckRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan check run")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "list check runs")
}
