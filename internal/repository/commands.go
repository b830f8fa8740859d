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

const commandColumns = `id, target_kind, target_id, meter_id, command_type, params, priority, status,
	initiated_by, reason, response, error_message, created_at, sent_at, executed_at, expires_at`

func scanCommand(row scanner) (*db.Command, error) {
	var c db.Command
	err := row.Scan(
		&c.ID,
		&c.TargetKind,
		&c.TargetID,
		&c.MeterID,
		&c.CommandType,
		&c.Params,
		&c.Priority,
		&c.Status,
		&c.InitiatedBy,
		&c.Reason,
		&c.Response,
		&c.ErrorMessage,
		&c.CreatedAt,
		&c.SentAt,
		&c.ExecutedAt,
		&c.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectCommands(rows pgx.Rows) ([]db.Command, error) {
	defer rows.Close()

	var commands []db.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		commands = append(commands, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return commands, nil
}

// EnqueueCommand persists a pending command. When supersedeReason is set, every
// pending command of the same target is cancelled first in the same transaction.
func (r *Repository) EnqueueCommand(ctx context.Context, cmd *db.Command, supersedeReason string) (int, error) {
	var cancelled int

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if supersedeReason != "" {
			tag, err := tx.Exec(ctx, `
				UPDATE commands
				SET status = 'cancelled', error_message = $3, executed_at = $4
				WHERE target_kind = $1 AND target_id = $2 AND status = 'pending'
			`, cmd.TargetKind, cmd.TargetID, supersedeReason, cmd.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to cancel superseded commands: %w", err)
			}
			cancelled = int(tag.RowsAffected())
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO commands (
				id, target_kind, target_id, meter_id, command_type, params, priority, status,
				initiated_by, reason, created_at, expires_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			cmd.ID,
			cmd.TargetKind,
			cmd.TargetID,
			cmd.MeterID,
			cmd.CommandType,
			cmd.Params,
			cmd.Priority,
			cmd.Status,
			cmd.InitiatedBy,
			cmd.Reason,
			cmd.CreatedAt,
			cmd.ExpiresAt,
		)
		if isUniqueViolation(err) {
			return db.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert command: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return cancelled, nil
}

// GetCommand returns a command by id
func (r *Repository) GetCommand(ctx context.Context, id uuid.UUID) (*db.Command, error) {
	c, err := scanCommand(r.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query command: %w", err)
	}
	return c, nil
}

// MarkCommandSent advances a pending command to sent
func (r *Repository) MarkCommandSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE commands SET status = 'sent', sent_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark command sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelCommand moves a pending command to cancelled
func (r *Repository) CancelCommand(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE commands SET status = 'cancelled', error_message = $2, executed_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, reason, at)
	if err != nil {
		return false, fmt.Errorf("failed to cancel command: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListOpenCommands returns pending and sent commands of a meter that are still
// within their deadline, oldest first
func (r *Repository) ListOpenCommands(ctx context.Context, meterID uuid.UUID, now time.Time, limit int) ([]db.Command, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+commandColumns+`
		FROM commands
		WHERE meter_id = $1 AND status IN ('pending', 'sent') AND expires_at > $2
		ORDER BY created_at ASC
		LIMIT $3
	`, meterID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query open commands: %w", err)
	}
	return collectCommands(rows)
}

// CompleteCommand moves a pending or sent command into completed or failed and
// applies the state mutation in the same transaction. It returns false when the
// command was already terminal or its deadline has passed, in which case nothing is written.
func (r *Repository) CompleteCommand(ctx context.Context, c db.CommandCompletion) (bool, error) {
	applied := false

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var meterID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE commands
			SET status = $2, response = $3, error_message = $4, executed_at = $5
			WHERE id = $1 AND status IN ('pending', 'sent') AND expires_at > $5
			RETURNING meter_id
		`, c.CommandID, c.Status, c.Response, c.ErrorMessage, c.At).Scan(&meterID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to complete command: %w", err)
		}
		applied = true

		if c.Mutation == nil {
			return nil
		}
		return applyMutationTx(ctx, tx, meterID, c.Mutation, c.At)
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}

func applyMutationTx(ctx context.Context, tx pgx.Tx, meterID uuid.UUID, m *db.StateMutation, at time.Time) error {
	if m.ValveID != nil {
		var t db.ValveTelemetry
		if m.Telemetry != nil {
			t = *m.Telemetry
		}
		_, err := tx.Exec(ctx, `
			UPDATE valves
			SET current_state = COALESCE($2, current_state),
				battery_level = COALESCE($3, battery_level),
				signal_strength = COALESCE($4, signal_strength),
				operating_pressure = COALESCE($5, operating_pressure),
				last_seen_at = $6,
				updated_at = $6
			WHERE id = $1
		`, *m.ValveID, m.ValveState, t.BatteryLevel, t.SignalStrength, t.OperatingPressure, at)
		if err != nil {
			return fmt.Errorf("failed to update valve state: %w", err)
		}
	}

	if m.MeterValveStatus == nil && m.IsUnlocked == nil && m.KFactor == nil && m.DistanceTolerance == nil {
		return nil
	}

	_, err := tx.Exec(ctx, `
		UPDATE meters
		SET current_valve_status = COALESCE($2, current_valve_status),
			is_unlocked = COALESCE($3, is_unlocked),
			k_factor = COALESCE($4, k_factor),
			distance_tolerance = COALESCE($5, distance_tolerance),
			updated_at = $6
		WHERE id = $1
	`, meterID, m.MeterValveStatus, m.IsUnlocked, m.KFactor, m.DistanceTolerance, at)
	if err != nil {
		return fmt.Errorf("failed to update meter state: %w", err)
	}
	return nil
}

// ExpireCommands moves every pending or sent command past its deadline to timeout
func (r *Repository) ExpireCommands(ctx context.Context, now time.Time) ([]db.Command, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE commands
		SET status = 'timeout', executed_at = $1
		WHERE status IN ('pending', 'sent') AND expires_at <= $1
		RETURNING `+commandColumns, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire commands: %w", err)
	}
	return collectCommands(rows)
}

// ListCommands returns command history newest first
func (r *Repository) ListCommands(ctx context.Context, filter db.CommandFilter) ([]db.Command, error) {
	conds := newConditions()
	if filter.TargetKind != "" {
		conds.add("target_kind = @target_kind", "target_kind", filter.TargetKind)
	}
	if filter.TargetID != nil {
		conds.add("target_id = @target_id", "target_id", *filter.TargetID)
	}
	if filter.MeterID != nil {
		conds.add("meter_id = @meter_id", "meter_id", *filter.MeterID)
	}
	if filter.Status != "" {
		conds.add("status = @status", "status", filter.Status)
	}

	query := `SELECT ` + commandColumns + ` FROM commands` + conds.where() +
		` ORDER BY created_at DESC` + conds.page(filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, conds.args)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	return collectCommands(rows)
}

// CommandStats counts commands created since the given time
func (r *Repository) CommandStats(ctx context.Context, since time.Time) (*db.CommandStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, command_type, count(*)
		FROM commands
		WHERE created_at >= $1
		GROUP BY status, command_type
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query command stats: %w", err)
	}
	defer rows.Close()

	stats := &db.CommandStats{ByStatus: map[string]int{}, ByType: map[string]int{}}
	for rows.Next() {
		var (
			status, commandType string
			count               int
		)
		if err := rows.Scan(&status, &commandType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan command stats: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByType[commandType] += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return stats, nil
}
