package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const alertColumns = `id, target_kind, target_id, meter_id, alert_type, severity, message, status,
	acknowledged_by, acknowledged_at, resolved_by, resolution_notes, resolved_at, created_at`

func scanAlert(row scanner) (*db.Alert, error) {
	var a db.Alert
	err := row.Scan(
		&a.ID,
		&a.TargetKind,
		&a.TargetID,
		&a.MeterID,
		&a.Type,
		&a.Severity,
		&a.Message,
		&a.Status,
		&a.AcknowledgedBy,
		&a.AcknowledgedAt,
		&a.ResolvedBy,
		&a.ResolutionNotes,
		&a.ResolvedAt,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAlert stores an active alert unless one of the same target and type is
// already active. It reports whether a row was created.
func (r *Repository) InsertAlert(ctx context.Context, a *db.Alert) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO alerts (
			id, target_kind, target_id, meter_id, alert_type, severity, message, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8)
		ON CONFLICT (target_kind, target_id, alert_type) WHERE status = 'active' DO NOTHING
	`, a.ID, a.TargetKind, a.TargetID, a.MeterID, a.Type, a.Severity, a.Message, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetAlert returns an alert by id
func (r *Repository) GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	a, err := scanAlert(r.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alert: %w", err)
	}
	return a, nil
}

// TransitionAlert moves an alert whose status is one of t.From into t.To.
// ErrNotFound when the alert does not exist, ErrConflict when its status is not in t.From.
func (r *Repository) TransitionAlert(ctx context.Context, t db.AlertTransition) (*db.Alert, error) {
	var row pgx.Row
	switch t.To {
	case db.AlertAcknowledged:
		row = r.pool.QueryRow(ctx, `
			UPDATE alerts SET status = $2, acknowledged_by = $3, acknowledged_at = $4
			WHERE id = $1 AND status = ANY($5)
			RETURNING `+alertColumns, t.AlertID, t.To, t.Actor, t.At, t.From)
	case db.AlertResolved:
		row = r.pool.QueryRow(ctx, `
			UPDATE alerts SET status = $2, resolved_by = $3, resolution_notes = $4, resolved_at = $5
			WHERE id = $1 AND status = ANY($6)
			RETURNING `+alertColumns, t.AlertID, t.To, t.Actor, t.Notes, t.At, t.From)
	default:
		return nil, fmt.Errorf("unsupported alert transition to %q", t.To)
	}

	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := r.GetAlert(ctx, t.AlertID); err != nil {
			return nil, err
		}
		return nil, db.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns alerts newest first
func (r *Repository) ListAlerts(ctx context.Context, filter db.AlertFilter) ([]db.Alert, error) {
	conds := newConditions()
	if filter.MeterID != nil {
		conds.add("meter_id = @meter_id", "meter_id", *filter.MeterID)
	}
	if filter.Status != "" {
		conds.add("status = @status", "status", filter.Status)
	}
	if filter.Type != "" {
		conds.add("alert_type = @alert_type", "alert_type", filter.Type)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts` + conds.where() +
		` ORDER BY created_at DESC` + conds.page(filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, conds.args)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []db.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return alerts, nil
}
