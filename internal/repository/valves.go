package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const valveColumns = `id, valve_id, meter_id, property_id, valve_type, status, current_state,
	battery_level, signal_strength, operating_pressure, max_pressure, is_manual_override,
	override_reason, override_at, auto_close_enabled, last_seen_at, created_at, updated_at`

func scanValve(row scanner) (*db.Valve, error) {
	var v db.Valve
	err := row.Scan(
		&v.ID,
		&v.ValveID,
		&v.MeterID,
		&v.PropertyID,
		&v.Type,
		&v.Status,
		&v.CurrentState,
		&v.BatteryLevel,
		&v.SignalStrength,
		&v.OperatingPressure,
		&v.MaxPressure,
		&v.IsManualOverride,
		&v.OverrideReason,
		&v.OverrideAt,
		&v.AutoCloseEnabled,
		&v.LastSeenAt,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Repository) queryValves(ctx context.Context, query string, args ...any) ([]db.Valve, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query valves: %w", err)
	}
	defer rows.Close()

	var valves []db.Valve
	for rows.Next() {
		v, err := scanValve(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan valve: %w", err)
		}
		valves = append(valves, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return valves, nil
}

// GetValve returns a valve by internal id
func (r *Repository) GetValve(ctx context.Context, id uuid.UUID) (*db.Valve, error) {
	v, err := scanValve(r.pool.QueryRow(ctx, `SELECT `+valveColumns+` FROM valves WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query valve: %w", err)
	}
	return v, nil
}

// ListValves returns valves ordered by code
func (r *Repository) ListValves(ctx context.Context, filter db.ValveFilter) ([]db.Valve, error) {
	conds := newConditions()
	if filter.MeterID != nil {
		conds.add("meter_id = @meter_id", "meter_id", *filter.MeterID)
	}
	if filter.Status != "" {
		conds.add("status = @status", "status", filter.Status)
	}

	query := `SELECT ` + valveColumns + ` FROM valves` + conds.where() +
		` ORDER BY valve_id` + conds.page(filter.Limit, filter.Offset)

	return r.queryValves(ctx, query, conds.args)
}

// ListValvesByMeter returns every valve attached to a meter
func (r *Repository) ListValvesByMeter(ctx context.Context, meterID uuid.UUID) ([]db.Valve, error) {
	return r.queryValves(ctx, `SELECT `+valveColumns+` FROM valves WHERE meter_id = $1 ORDER BY valve_id`, meterID)
}

// InsertValve stores a new valve; a taken valve code is ErrConflict
func (r *Repository) InsertValve(ctx context.Context, v *db.Valve) error {
	query := `
		INSERT INTO valves (
			id, valve_id, meter_id, property_id, valve_type, status, current_state,
			max_pressure, auto_close_enabled, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		v.ID,
		v.ValveID,
		v.MeterID,
		v.PropertyID,
		v.Type,
		v.Status,
		v.CurrentState,
		v.MaxPressure,
		v.AutoCloseEnabled,
		v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return db.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert valve: %w", err)
	}
	return nil
}

// UpdateValve writes the administrative fields of a valve
func (r *Repository) UpdateValve(ctx context.Context, v *db.Valve) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE valves
		SET valve_type = $2, status = $3, max_pressure = $4, auto_close_enabled = $5, property_id = $6, updated_at = $7
		WHERE id = $1
	`, v.ID, v.Type, v.Status, v.MaxPressure, v.AutoCloseEnabled, v.PropertyID, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update valve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// DeleteValve removes a valve no command references; otherwise ErrConflict
func (r *Repository) DeleteValve(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM valves
		WHERE id = $1 AND NOT EXISTS (
			SELECT 1 FROM commands WHERE target_kind = 'valve' AND target_id = $1
		)
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete valve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetValve(ctx, id); err != nil {
			return err
		}
		return db.ErrConflict
	}
	return nil
}

// SetManualOverride toggles the manual override flag of a valve
func (r *Repository) SetManualOverride(ctx context.Context, id uuid.UUID, enabled bool, reason *string, at time.Time) (*db.Valve, error) {
	v, err := scanValve(r.pool.QueryRow(ctx, `
		UPDATE valves
		SET is_manual_override = $2, override_reason = $3, override_at = $4, updated_at = $4
		WHERE id = $1
		RETURNING `+valveColumns, id, enabled, reason, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set manual override: %w", err)
	}
	return v, nil
}
