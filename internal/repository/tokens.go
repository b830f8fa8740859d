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

const tokenColumns = `id, token, client_id, property_id, description, status, created_by,
	expires_at, used_at, used_by_device, revoked_at, created_at`

func scanToken(row scanner) (*db.ProvisioningToken, error) {
	var t db.ProvisioningToken
	err := row.Scan(
		&t.ID,
		&t.Token,
		&t.ClientID,
		&t.PropertyID,
		&t.Description,
		&t.Status,
		&t.CreatedBy,
		&t.ExpiresAt,
		&t.UsedAt,
		&t.UsedByDevice,
		&t.RevokedAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertToken stores a new provisioning token; a taken token value is ErrConflict
func (r *Repository) InsertToken(ctx context.Context, t *db.ProvisioningToken) error {
	query := `
		INSERT INTO provisioning_tokens (
			id, token, client_id, property_id, description, status, created_by, expires_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		t.ID,
		t.Token,
		t.ClientID,
		t.PropertyID,
		t.Description,
		t.Status,
		t.CreatedBy,
		t.ExpiresAt,
		t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return db.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert provisioning token: %w", err)
	}
	return nil
}

// TokenExists reports whether a token value is already taken
func (r *Repository) TokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM provisioning_tokens WHERE token = $1)`, token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check token uniqueness: %w", err)
	}
	return exists, nil
}

// GetToken returns a provisioning token by value
func (r *Repository) GetToken(ctx context.Context, token string) (*db.ProvisioningToken, error) {
	t, err := scanToken(r.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM provisioning_tokens WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query provisioning token: %w", err)
	}
	return t, nil
}

// ListTokens returns tokens newest first
func (r *Repository) ListTokens(ctx context.Context, filter db.TokenFilter) ([]db.ProvisioningToken, error) {
	conds := newConditions()
	if filter.ClientID != nil {
		conds.add("client_id = @client_id", "client_id", *filter.ClientID)
	}
	if filter.Status != "" {
		conds.add("status = @status", "status", filter.Status)
	}

	query := `SELECT ` + tokenColumns + ` FROM provisioning_tokens` + conds.where() +
		` ORDER BY created_at DESC` + conds.page(filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, conds.args)
	if err != nil {
		return nil, fmt.Errorf("failed to query provisioning tokens: %w", err)
	}
	defer rows.Close()

	var tokens []db.ProvisioningToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provisioning token: %w", err)
		}
		tokens = append(tokens, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return tokens, nil
}

// RevokeToken moves an active token to revoked
func (r *Repository) RevokeToken(ctx context.Context, token string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE provisioning_tokens
		SET status = 'revoked', revoked_at = $2
		WHERE token = $1 AND status = 'active'
	`, token, at)
	if err != nil {
		return fmt.Errorf("failed to revoke provisioning token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetToken(ctx, token); err != nil {
			return err
		}
		return db.ErrConflict
	}
	return nil
}

// ProvisionMeter consumes the token and creates the meter with its initial ledger
// entry in one transaction. Only one caller can win the active->used transition;
// every other caller gets ErrConflict.
func (r *Repository) ProvisionMeter(ctx context.Context, p db.Provisioning) (*db.Meter, error) {
	var meter db.Meter

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tok, err := scanToken(tx.QueryRow(ctx, `
			UPDATE provisioning_tokens
			SET status = 'used', used_at = $2, used_by_device = $3
			WHERE token = $1 AND status = 'active' AND expires_at > $2
			RETURNING `+tokenColumns, p.Token, p.Now, p.DeviceID))
		if errors.Is(err, pgx.ErrNoRows) {
			return db.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to consume provisioning token: %w", err)
		}

		// serialize meter id allocation per client
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, tok.ClientID); err != nil {
			return fmt.Errorf("failed to lock meter sequence: %w", err)
		}

		dayStart := time.Date(p.Now.Year(), p.Now.Month(), p.Now.Day(), 0, 0, 0, 0, p.Now.Location())
		var issued int
		err = tx.QueryRow(ctx, `
			SELECT count(*) FROM meters
			WHERE client_id = $1 AND created_at >= $2 AND created_at < $3
		`, tok.ClientID, dayStart, dayStart.AddDate(0, 0, 1)).Scan(&issued)
		if err != nil {
			return fmt.Errorf("failed to count meters issued today: %w", err)
		}

		meter = p.Defaults
		meter.ID = uuid.New()
		meter.MeterID = p.NewMeterID(tok.ClientID, p.Now, issued+1)
		meter.DeviceID = p.DeviceID
		meter.ClientID = tok.ClientID
		meter.PropertyID = tok.PropertyID
		meter.Status = db.StatusActive
		meter.CreatedAt = p.Now
		meter.UpdatedAt = p.Now

		if err := insertMeterTx(ctx, tx, &meter); err != nil {
			return err
		}

		return insertLedgerEntryTx(ctx, tx, &db.LedgerEntry{
			ID:          uuid.New(),
			MeterID:     meter.ID,
			Amount:      decimal.Zero,
			Balance:     decimal.Zero,
			Type:        db.LedgerInitial,
			Status:      db.LedgerCompleted,
			Description: "initial balance",
			CreatedAt:   p.Now,
		})
	})
	if err != nil {
		return nil, err
	}

	return &meter, nil
}
