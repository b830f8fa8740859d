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

const meterColumns = `id, meter_id, device_id, client_id, property_id, customer_id, status, is_unlocked,
	k_factor, distance_tolerance, current_valve_status, auto_valve_control, last_seen_at, created_at, updated_at`

func scanMeter(row scanner) (*db.Meter, error) {
	var m db.Meter
	err := row.Scan(
		&m.ID,
		&m.MeterID,
		&m.DeviceID,
		&m.ClientID,
		&m.PropertyID,
		&m.CustomerID,
		&m.Status,
		&m.IsUnlocked,
		&m.KFactor,
		&m.DistanceTolerance,
		&m.CurrentValveStatus,
		&m.AutoValveControl,
		&m.LastSeenAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanOneMeter(row scanner, what string) (*db.Meter, error) {
	m, err := scanMeter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query meter by %s: %w", what, err)
	}
	return m, nil
}

// GetMeter returns a meter by internal id
func (r *Repository) GetMeter(ctx context.Context, id uuid.UUID) (*db.Meter, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+meterColumns+` FROM meters WHERE id = $1`, id)
	return scanOneMeter(row, "id")
}

// GetMeterByMeterID returns a meter by its device facing code
func (r *Repository) GetMeterByMeterID(ctx context.Context, meterID string) (*db.Meter, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+meterColumns+` FROM meters WHERE meter_id = $1`, meterID)
	return scanOneMeter(row, "meter_id")
}

// GetMeterByDeviceID returns the meter bound to a physical device
func (r *Repository) GetMeterByDeviceID(ctx context.Context, deviceID string) (*db.Meter, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+meterColumns+` FROM meters WHERE device_id = $1`, deviceID)
	return scanOneMeter(row, "device_id")
}

// ListSilentMeters returns active meters not heard from since before
func (r *Repository) ListSilentMeters(ctx context.Context, before time.Time) ([]db.Meter, error) {
	query := `
		SELECT ` + meterColumns + `
		FROM meters
		WHERE status = 'active' AND COALESCE(last_seen_at, created_at) < $1
		ORDER BY meter_id
	`

	rows, err := r.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query silent meters: %w", err)
	}
	defer rows.Close()

	var meters []db.Meter
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		meters = append(meters, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return meters, nil
}

// GetClient returns a tenant by id
func (r *Repository) GetClient(ctx context.Context, id int64) (*db.Client, error) {
	var c db.Client
	err := r.pool.QueryRow(ctx, `SELECT id, name, status FROM clients WHERE id = $1`, id).Scan(&c.ID, &c.Name, &c.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query client: %w", err)
	}
	return &c, nil
}

// GetProperty returns a property by id
func (r *Repository) GetProperty(ctx context.Context, id int64) (*db.Property, error) {
	var p db.Property
	err := r.pool.QueryRow(ctx, `SELECT id, client_id, name, status FROM properties WHERE id = $1`, id).
		Scan(&p.ID, &p.ClientID, &p.Name, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query property: %w", err)
	}
	return &p, nil
}

func insertMeterTx(ctx context.Context, tx pgx.Tx, m *db.Meter) error {
	query := `
		INSERT INTO meters (
			id, meter_id, device_id, client_id, property_id, customer_id, status, is_unlocked,
			k_factor, distance_tolerance, current_valve_status, auto_valve_control, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`

	_, err := tx.Exec(ctx, query,
		m.ID,
		m.MeterID,
		m.DeviceID,
		m.ClientID,
		m.PropertyID,
		m.CustomerID,
		m.Status,
		m.IsUnlocked,
		m.KFactor,
		m.DistanceTolerance,
		m.CurrentValveStatus,
		m.AutoValveControl,
		m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return db.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert meter: %w", err)
	}
	return nil
}
