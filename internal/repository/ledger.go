package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const ledgerColumns = `id, meter_id, customer_id, amount::text, balance::text, transaction_type, status,
	consumption_volume, consumption_cost::text, reference, description, created_at`

func scanLedgerEntry(row scanner) (*db.LedgerEntry, error) {
	var (
		e       db.LedgerEntry
		amount  string
		balance string
		cost    *string
	)
	err := row.Scan(
		&e.ID,
		&e.MeterID,
		&e.CustomerID,
		&amount,
		&balance,
		&e.Type,
		&e.Status,
		&e.ConsumptionVolume,
		&cost,
		&e.Reference,
		&e.Description,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if e.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if e.Balance, err = parseDecimal(balance); err != nil {
		return nil, err
	}
	if cost != nil {
		c, err := parseDecimal(*cost)
		if err != nil {
			return nil, err
		}
		e.ConsumptionCost = &c
	}
	return &e, nil
}

func insertLedgerEntryTx(ctx context.Context, tx pgx.Tx, e *db.LedgerEntry) error {
	var cost *string
	if e.ConsumptionCost != nil {
		s := e.ConsumptionCost.String()
		cost = &s
	}

	query := `
		INSERT INTO credits (
			id, meter_id, customer_id, amount, balance, transaction_type, status,
			consumption_volume, consumption_cost, reference, description, created_at
		)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9::numeric, $10, $11, $12)
	`

	_, err := tx.Exec(ctx, query,
		e.ID,
		e.MeterID,
		e.CustomerID,
		e.Amount.String(),
		e.Balance.String(),
		e.Type,
		e.Status,
		e.ConsumptionVolume,
		cost,
		e.Reference,
		e.Description,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func latestBalance(ctx context.Context, q querier, meterID uuid.UUID) (decimal.Decimal, error) {
	var balance string
	err := q.QueryRow(ctx, `
		SELECT balance::text FROM credits
		WHERE meter_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, meterID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query latest balance: %w", err)
	}
	return parseDecimal(balance)
}

func latestReading(ctx context.Context, q querier, meterID uuid.UUID) (*db.MeterReading, error) {
	var m db.MeterReading
	err := q.QueryRow(ctx, `
		SELECT id, meter_id, flow_rate, cumulative_volume, consumption, voltage,
			door_status, valve_status, status_message, recorded_at
		FROM meter_readings
		WHERE meter_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, meterID).Scan(
		&m.ID,
		&m.MeterID,
		&m.FlowRate,
		&m.CumulativeVolume,
		&m.Consumption,
		&m.Voltage,
		&m.DoorStatus,
		&m.ValveStatus,
		&m.StatusMessage,
		&m.RecordedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest reading: %w", err)
	}
	return &m, nil
}

// LatestBalance returns the balance of the most recent ledger entry, zero when there is none
func (r *Repository) LatestBalance(ctx context.Context, meterID uuid.UUID) (decimal.Decimal, error) {
	return latestBalance(ctx, r.pool, meterID)
}

// ApplyReading locks the meter row, hands the current ledger state to fn and
// appends the reading (and optional ledger entry) fn derives from it.
func (r *Repository) ApplyReading(ctx context.Context, meterID uuid.UUID, fn db.ReadingFunc) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		meter, err := scanOneMeter(tx.QueryRow(ctx, `SELECT `+meterColumns+` FROM meters WHERE id = $1 FOR UPDATE`, meterID), "id")
		if err != nil {
			return err
		}

		balance, err := latestBalance(ctx, tx, meterID)
		if err != nil {
			return err
		}

		last, err := latestReading(ctx, tx, meterID)
		if err != nil {
			return err
		}

		reading, entry, err := fn(db.LedgerState{Meter: *meter, Balance: balance, LastReading: last})
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO meter_readings (
				id, meter_id, flow_rate, cumulative_volume, consumption, voltage,
				door_status, valve_status, status_message, recorded_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			reading.ID,
			reading.MeterID,
			reading.FlowRate,
			reading.CumulativeVolume,
			reading.Consumption,
			reading.Voltage,
			reading.DoorStatus,
			reading.ValveStatus,
			reading.StatusMessage,
			reading.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert meter reading: %w", err)
		}

		if entry != nil {
			if err := insertLedgerEntryTx(ctx, tx, entry); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE meters
			SET last_seen_at = $2, current_valve_status = $3, updated_at = $2
			WHERE id = $1
		`, meterID, reading.RecordedAt, reading.ValveStatus)
		if err != nil {
			return fmt.Errorf("failed to update meter last_seen_at: %w", err)
		}

		return nil
	})
}

// ListLedger returns the newest ledger entries of a meter
func (r *Repository) ListLedger(ctx context.Context, meterID uuid.UUID, limit int) ([]db.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM credits
		WHERE meter_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, meterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []db.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entries, nil
}

// PricePerUnit returns the active tariff of a client; ErrNotFound when none is configured
func (r *Repository) PricePerUnit(ctx context.Context, clientID int64) (decimal.Decimal, error) {
	var price string
	err := r.pool.QueryRow(ctx, `
		SELECT price_per_unit::text FROM tariffs
		WHERE client_id = $1 AND is_active AND effective_from <= now()
		ORDER BY effective_from DESC
		LIMIT 1
	`, clientID).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, db.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query tariff: %w", err)
	}
	return parseDecimal(price)
}

// InsertPayment records a pending gateway order for a meter
func (r *Repository) InsertPayment(ctx context.Context, p *db.Payment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payments (order_id, meter_id, amount, gateway, status, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)
	`, p.OrderID, p.MeterID, p.Amount.String(), p.Gateway, p.Status, p.CreatedAt)
	if isUniqueViolation(err) {
		return db.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetPayment returns a payment by gateway order id
func (r *Repository) GetPayment(ctx context.Context, orderID string) (*db.Payment, error) {
	var (
		p      db.Payment
		amount string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT order_id, meter_id, amount::text, gateway, status, paid_at, created_at
		FROM payments WHERE order_id = $1
	`, orderID).Scan(&p.OrderID, &p.MeterID, &amount, &p.Gateway, &p.Status, &p.PaidAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	if p.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	return &p, nil
}

// SettlePayment marks a pending payment paid and appends the top-up entry in the
// same transaction. A payment that is no longer pending yields ErrConflict.
func (r *Repository) SettlePayment(ctx context.Context, orderID string, at time.Time) (*db.TopUpResult, error) {
	var result db.TopUpResult

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var (
			meterID uuid.UUID
			amount  string
		)
		err := tx.QueryRow(ctx, `
			UPDATE payments SET status = 'paid', paid_at = $2
			WHERE order_id = $1 AND status = 'pending'
			RETURNING meter_id, amount::text
		`, orderID, at).Scan(&meterID, &amount)
		if errors.Is(err, pgx.ErrNoRows) {
			if _, err := r.GetPayment(ctx, orderID); err != nil {
				return err
			}
			return db.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to settle payment: %w", err)
		}

		topUp, err := parseDecimal(amount)
		if err != nil {
			return err
		}

		meter, err := scanOneMeter(tx.QueryRow(ctx, `SELECT `+meterColumns+` FROM meters WHERE id = $1 FOR UPDATE`, meterID), "id")
		if err != nil {
			return err
		}

		previous, err := latestBalance(ctx, tx, meterID)
		if err != nil {
			return err
		}

		reference := orderID
		result = db.TopUpResult{
			Meter:           *meter,
			PreviousBalance: previous,
			Entry: db.LedgerEntry{
				ID:          uuid.New(),
				MeterID:     meterID,
				CustomerID:  meter.CustomerID,
				Amount:      topUp,
				Balance:     previous.Add(topUp),
				Type:        db.LedgerTopUp,
				Status:      db.LedgerCompleted,
				Reference:   &reference,
				Description: "payment " + orderID,
				CreatedAt:   at,
			},
		}
		return insertLedgerEntryTx(ctx, tx, &result.Entry)
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// FailPayment marks a pending payment failed
func (r *Repository) FailPayment(ctx context.Context, orderID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE payments SET status = 'failed' WHERE order_id = $1 AND status = 'pending'`, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetPayment(ctx, orderID); err != nil {
			return err
		}
		return db.ErrConflict
	}
	return nil
}
