package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

const connectorColumns = `c.id, c.adapter_code, c.name, c.channel, c.kind, c.enabled, c.capabilities,
	c.disabled_reason, c.custom_properties, c.contains_support_document, c.is_manual, c.frequency_days`

const jobColumns = `j.id, j.connector_id, j.account_id, j.location_id, j.location_group_id, j.name,
	j.username, j.password, j.enabled, j.enabled_for_manual, j.create_missing_vendors,
	j.frequency_minutes, j.custom_properties, j.edi_parser_code, j.schedule, j.created_at`

// JobRepository persists connectors and jobs.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository constructs a JobRepository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// connectorDest returns scan targets for connectorColumns and a func that
// finishes the conversion into c.
func connectorDest(c *model.Connector) ([]any, func()) {
	var (
		channel, kind, reason string
		capabilities          []string
		props                 map[string]any
	)
	dest := []any{&c.ID, &c.AdapterCode, &c.Name, &channel, &kind, &c.Enabled, &capabilities,
		&reason, &props, &c.ContainsSupportDocument, &c.IsManual, &c.FrequencyDays}
	return dest, func() {
		c.Channel = model.Channel(channel)
		c.Kind = model.Kind(kind)
		c.DisabledReason = model.DisabledReason(reason)
		c.CustomProperties = model.CustomProperties(props)
		c.Capabilities = make([]model.Action, len(capabilities))
		for i, a := range capabilities {
			c.Capabilities[i] = model.Action(a)
		}
	}
}

func scanConnector(row pgx.Row) (*model.Connector, error) {
	var c model.Connector
	dest, finish := connectorDest(&c)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	finish()
	return &c, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j     model.Job
		c     model.Connector
		props map[string]any
	)
	dest := []any{&j.ID, &j.ConnectorID, &j.AccountID, &j.LocationID, &j.LocationGroupID, &j.Name,
		&j.Username, &j.Password, &j.Enabled, &j.EnabledForManual, &j.CreateMissingVendors,
		&j.FrequencyMinutes, &props, &j.EDIParserCode, &j.Schedule, &j.CreatedAt}
	cdest, finish := connectorDest(&c)
	if err := row.Scan(append(dest, cdest...)...); err != nil {
		return nil, err
	}
	finish()
	j.CustomProperties = model.CustomProperties(props)
	j.Connector = &c
	return &j, nil
}

// UpsertConnector implements store.JobStore.
func (r *JobRepository) UpsertConnector(ctx context.Context, c *model.Connector) error {
	capabilities := make([]string, len(c.Capabilities))
	for i, a := range c.Capabilities {
		capabilities[i] = string(a)
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO connectors (id, adapter_code, name, channel, kind, enabled, capabilities,
			disabled_reason, custom_properties, contains_support_document, is_manual, frequency_days)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			adapter_code=EXCLUDED.adapter_code, name=EXCLUDED.name, channel=EXCLUDED.channel,
			kind=EXCLUDED.kind, enabled=EXCLUDED.enabled, capabilities=EXCLUDED.capabilities,
			disabled_reason=EXCLUDED.disabled_reason, custom_properties=EXCLUDED.custom_properties,
			contains_support_document=EXCLUDED.contains_support_document, is_manual=EXCLUDED.is_manual,
			frequency_days=EXCLUDED.frequency_days`,
		c.ID, c.AdapterCode, c.Name, string(c.Channel), string(c.Kind), c.Enabled, capabilities,
		string(c.DisabledReason), properties(c.CustomProperties), c.ContainsSupportDocument, c.IsManual, c.FrequencyDays)
	return mapError(err, "upsert connector "+c.ID)
}

// GetConnector implements store.JobStore.
func (r *JobRepository) GetConnector(ctx context.Context, id string) (*model.Connector, error) {
	c, err := scanConnector(r.pool.QueryRow(ctx, `SELECT `+connectorColumns+` FROM connectors c WHERE c.id=$1`, id))
	if err != nil {
		return nil, mapError(err, "connector "+id)
	}
	return c, nil
}

// ListConnectors implements store.JobStore.
func (r *JobRepository) ListConnectors(ctx context.Context) ([]*model.Connector, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+connectorColumns+` FROM connectors c ORDER BY c.id`)
	if err != nil {
		return nil, errors.Wrap(err, "list connectors")
	}
	defer rows.Close()
	var out []*model.Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan connector")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "list connectors")
}

// UpsertJob implements store.JobStore. The connector must exist.
func (r *JobRepository) UpsertJob(ctx context.Context, j *model.Job) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO jobs (id, connector_id, account_id, location_id, location_group_id, name,
			username, password, enabled, enabled_for_manual, create_missing_vendors, frequency_minutes,
			custom_properties, edi_parser_code, schedule, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			connector_id=EXCLUDED.connector_id, account_id=EXCLUDED.account_id,
			location_id=EXCLUDED.location_id, location_group_id=EXCLUDED.location_group_id,
			name=EXCLUDED.name, username=EXCLUDED.username, password=EXCLUDED.password,
			enabled=EXCLUDED.enabled, enabled_for_manual=EXCLUDED.enabled_for_manual,
			create_missing_vendors=EXCLUDED.create_missing_vendors,
			frequency_minutes=EXCLUDED.frequency_minutes, custom_properties=EXCLUDED.custom_properties,
			edi_parser_code=EXCLUDED.edi_parser_code, schedule=EXCLUDED.schedule`,
		j.ID, j.ConnectorID, j.AccountID, j.LocationID, j.LocationGroupID, j.Name,
		j.Username, j.Password, j.Enabled, j.EnabledForManual, j.CreateMissingVendors, j.FrequencyMinutes,
		properties(j.CustomProperties), j.EDIParserCode, j.Schedule, j.CreatedAt)
	if err != nil {
		var exists bool
		if qerr := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM connectors WHERE id=$1)`, j.ConnectorID).Scan(&exists); qerr == nil && !exists {
			return errors.Wrapf(store.ErrNotFound, "connector %s", j.ConnectorID)
		}
	}
	return mapError(err, "upsert job "+j.ID)
}

// GetJob implements store.JobStore.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+`, `+connectorColumns+`
		FROM jobs j JOIN connectors c ON c.id = j.connector_id WHERE j.id=$1`, id))
	if err != nil {
		return nil, mapError(err, "job "+id)
	}
	return j, nil
}

// ListJobs implements store.JobStore.
func (r *JobRepository) ListJobs(ctx context.Context, f store.JobFilter) ([]*model.Job, error) {
	var w where
	if f.ConnectorID != "" {
		w.add("j.connector_id=?", f.ConnectorID)
	}
	if f.EnabledOnly {
		w.raw("j.enabled")
	}
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+`, `+connectorColumns+`
		FROM jobs j JOIN connectors c ON c.id = j.connector_id`+w.String()+` ORDER BY j.id`, w.args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "list jobs")
}
