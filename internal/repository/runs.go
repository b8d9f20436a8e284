package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

const runColumns = `id, job_id, action, status, created_via, created_at, updated_at,
	execution_start_ts, execution_end_ts, request_parameters, failure_issue,
	cancellation_reason, canceled_by, dry_run, is_manual, partial`

// RunRepository persists runs.
type RunRepository struct {
	pool *pgxpool.Pool
}

// NewRunRepository constructs a RunRepository.
func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

func scanRun(row pgx.Row) (*model.Run, error) {
	var (
		r          model.Run
		action     string
		status     int16
		createdVia string
		reason     string
		params     map[string]any
	)
	err := row.Scan(&r.ID, &r.JobID, &action, &status, &createdVia, &r.CreatedAt, &r.UpdatedAt,
		&r.ExecutionStartTS, &r.ExecutionEndTS, &params, &r.FailureIssue,
		&reason, &r.CanceledBy, &r.DryRun, &r.IsManual, &r.Partial)
	if err != nil {
		return nil, err
	}
	r.Action = model.Action(action)
	r.Status = model.RunStatus(status)
	r.CreatedVia = model.CreatedVia(createdVia)
	r.CancellationReason = model.CancellationReason(reason)
	r.RequestParameters = model.Params(params)
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]*model.Run, error) {
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func params(p model.Params) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

// CreateRun implements store.RunStore. Pending runs are locked and canceled
// in the same transaction as the insert.
func (r *RunRepository) CreateRun(ctx context.Context, run *model.Run, supersede bool) ([]*model.Run, error) {
	var superseded []*model.Run
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+runColumns+` FROM runs
			WHERE job_id=$1 AND action=$2 AND status IN (0,1,2) FOR UPDATE`, run.JobID, string(run.Action))
		if err != nil {
			return errors.Wrap(err, "lock active runs")
		}
		active, err := collectRuns(rows)
		if err != nil {
			return errors.Wrap(err, "scan active runs")
		}
		if len(active) > 0 {
			if !supersede {
				return errors.Wrapf(store.ErrActiveRun, "job %s action %s", run.JobID, run.Action)
			}
			for _, old := range active {
				if old.Status == model.RunStarted {
					return errors.Wrapf(store.ErrActiveRun, "job %s action %s is running as %s", run.JobID, run.Action, old.ID)
				}
			}
			for _, old := range active {
				expected := old.Status
				if err := old.Cancel(model.CancelScheduledMultiple, string(run.CreatedVia), run.CreatedAt); err != nil {
					return err
				}
				if err := updateRun(ctx, tx, old, expected); err != nil {
					return err
				}
				superseded = append(superseded, old)
			}
		}
		return insertRun(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

func insertRun(ctx context.Context, db DB, run *model.Run) error {
	_, err := db.Exec(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		run.ID, run.JobID, string(run.Action), int16(run.Status), string(run.CreatedVia), run.CreatedAt, run.UpdatedAt,
		run.ExecutionStartTS, run.ExecutionEndTS, params(run.RequestParameters), run.FailureIssue,
		string(run.CancellationReason), run.CanceledBy, run.DryRun, run.IsManual, run.Partial)
	return mapError(err, "insert run "+run.ID)
}

func updateRun(ctx context.Context, db DB, run *model.Run, expected model.RunStatus) error {
	tag, err := db.Exec(ctx, `UPDATE runs SET
			status=$3, updated_at=$4, execution_start_ts=$5, execution_end_ts=$6,
			request_parameters=$7, failure_issue=$8, cancellation_reason=$9, canceled_by=$10,
			dry_run=$11, is_manual=$12, partial=$13
		WHERE id=$1 AND status=$2`,
		run.ID, int16(expected), int16(run.Status), run.UpdatedAt, run.ExecutionStartTS, run.ExecutionEndTS,
		params(run.RequestParameters), run.FailureIssue, string(run.CancellationReason), run.CanceledBy,
		run.DryRun, run.IsManual, run.Partial)
	if err != nil {
		return mapError(err, "update run "+run.ID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current int16
	err = db.QueryRow(ctx, `SELECT status FROM runs WHERE id=$1`, run.ID).Scan(&current)
	if err != nil {
		return mapError(err, "run "+run.ID)
	}
	return errors.Wrapf(store.ErrStaleRun, "run %s is %s, expected %s", run.ID, model.RunStatus(current), expected)
}

// GetRun implements store.RunStore.
func (r *RunRepository) GetRun(ctx context.Context, id string) (*model.Run, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, id))
	if err != nil {
		return nil, mapError(err, "run "+id)
	}
	return run, nil
}

// UpdateRun implements store.RunStore.
func (r *RunRepository) UpdateRun(ctx context.Context, run *model.Run, expected model.RunStatus) error {
	return updateRun(ctx, r.pool, run, expected)
}

// ListRuns implements store.RunStore.
func (r *RunRepository) ListRuns(ctx context.Context, f store.RunFilter) ([]*model.Run, error) {
	var w where
	if f.JobID != "" {
		w.add("job_id=?", f.JobID)
	}
	if f.Action != "" {
		w.add("action=?", string(f.Action))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]int16, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = int16(s)
		}
		w.add("status = ANY(?)", statuses)
	}
	if len(f.ExcludeCreatedVia) > 0 {
		vias := make([]string, len(f.ExcludeCreatedVia))
		for i, v := range f.ExcludeCreatedVia {
			vias[i] = string(v)
		}
		w.add("NOT (created_via = ANY(?))", vias)
	}
	if f.IsManual != nil {
		w.add("is_manual=?", *f.IsManual)
	}
	addTime(&w, "created_at > ?", f.CreatedAfter)
	addTime(&w, "created_at < ?", f.CreatedBefore)
	addTime(&w, "execution_start_ts < ?", f.StartedBefore)

	query := `SELECT ` + runColumns + ` FROM runs` + w.String() + ` ORDER BY created_at DESC, id DESC`
	query += w.limit(f.Limit)
	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	runs, err := collectRuns(rows)
	return runs, errors.Wrap(err, "scan runs")
}

func addTime(w *where, cond string, t time.Time) {
	if !t.IsZero() {
		w.add(cond, t)
	}
}
