package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
)

// sessionFatal reports whether an export error ends the whole run rather than
// the one payment: the session itself is unusable.
func sessionFatal(code errors.Code) bool {
	switch code {
	case errors.AuthenticationFailedWeb, errors.AuthenticationFailedFTP, errors.AccountDisabledWeb,
		errors.WebsiteUnderMaintenance, errors.ExternalUpstreamUnavailable:
		return true
	}
	return false
}

// exportPayments exports every accounting entry of the run, one check run at
// a time. Entries already exported or disabled are skipped. The run fails
// only when every attempted entry failed.
func (e *Engine) exportPayments(ctx context.Context, rc *RunContext, ex PaymentExporter) error {
	entries := rc.Params.Accounting()
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	p := newProgress()
	var lastErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := entries[id]
		var paid *time.Time
		if raw, ok := entry[model.ParamPaymentDate].(string); ok {
			if t, ok := model.ParsePaymentDate(raw); ok {
				paid = &t
			}
		}

		cr, err := e.d.CheckRuns.CreateUnique(ctx, rc.Run, id, paid)
		if err != nil {
			if errors.Classify(err).Recovery == errors.RecoverySkipEntry {
				p.skipped++
				e.d.Logger.InfoContext(ctx, "payment export skipped", "check_run_id", id, "reason", err)
				continue
			}
			return err
		}

		exportErr := ex.ExportPayment(ctx, rc, id, entry)
		if err := e.d.CheckRuns.RecordOutcome(context.WithoutCancel(ctx), cr, exportErr); err != nil {
			return err
		}
		if exportErr == nil {
			p.exported++
			e.d.Logger.InfoContext(ctx, "payment exported", "check_run_id", id)
			continue
		}

		c := errors.Classify(exportErr)
		switch {
		case c.Recovery == errors.RecoveryCancel, sessionFatal(c.Code):
			return exportErr
		case c.Recovery == errors.RecoverySkipEntry:
			e.d.Logger.WarnContext(ctx, "payment entry skipped", "check_run_id", id, "code", c.Code, "error", exportErr)
			if err := e.markPartial(ctx, rc.Run, p); err != nil {
				return err
			}
		default:
			p.failed++
			lastErr = exportErr
			e.d.Logger.WarnContext(ctx, "payment export failed", "check_run_id", id, "code", c.Code, "error", exportErr)
		}
	}

	e.d.Logger.InfoContext(ctx, "payment export finished",
		"exported", p.exported, "skipped", p.skipped, "failed", p.failed, "partial", p.partial)
	if p.failed == 0 {
		return nil
	}
	if p.exported == 0 && !p.partial {
		return lastErr
	}
	return e.markPartial(ctx, rc.Run, p)
}

// importEntities pulls the requested entity kinds and keeps each snapshot in
// object storage under imports/<run-id>/<kind>.json.
func (e *Engine) importEntities(ctx context.Context, rc *RunContext, im EntityImporter) error {
	kinds := rc.Params.ImportEntities()
	if len(kinds) == 0 {
		if k, ok := rc.Run.Action.Entity(); ok {
			kinds = []model.EntityType{k}
		}
	}
	if len(kinds) == 0 {
		return errors.WithDetail(errors.NewCoded(errors.CommonUnsupportedOperation, nil), "no entities to import")
	}

	snapshots, err := im.ImportEntities(ctx, rc, kinds)
	if err != nil {
		return err
	}
	for _, snap := range snapshots {
		e.d.Logger.InfoContext(ctx, "entities imported", "kind", snap.Kind, "count", len(snap.Items))
		if e.d.Objects == nil {
			continue
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return errors.Wrapf(err, "encode %s snapshot", snap.Kind)
		}
		if err := e.d.Objects.Put(ctx, SnapshotKey(rc.Run.ID, snap.Kind), bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
			return errors.Wrapf(err, "store %s snapshot", snap.Kind)
		}
	}
	return nil
}

// SnapshotKey is the object key of an entity snapshot.
func SnapshotKey(runID string, kind model.EntityType) string {
	return fmt.Sprintf("imports/%s/%s.json", runID, kind)
}
