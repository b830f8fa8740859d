package memstore

import (
	"context"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (s *Store) latestBalance(meterID uuid.UUID) decimal.Decimal {
	entries := s.ledger[meterID]
	if len(entries) == 0 {
		return decimal.Zero
	}
	return entries[len(entries)-1].Balance
}

// LatestBalance returns the balance of the most recent ledger entry, zero when there is none
func (s *Store) LatestBalance(_ context.Context, meterID uuid.UUID) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestBalance(meterID), nil
}

// ApplyReading hands the current ledger state to fn under the store lock and
// appends the rows fn derives from it
func (s *Store) ApplyReading(_ context.Context, meterID uuid.UUID, fn db.ReadingFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meter, ok := s.meters[meterID]
	if !ok {
		return db.ErrNotFound
	}

	state := db.LedgerState{Meter: *meter, Balance: s.latestBalance(meterID)}
	if readings := s.readings[meterID]; len(readings) > 0 {
		last := readings[len(readings)-1]
		state.LastReading = &last
	}

	reading, entry, err := fn(state)
	if err != nil {
		return err
	}

	s.readings[meterID] = append(s.readings[meterID], reading)
	if entry != nil {
		s.ledger[meterID] = append(s.ledger[meterID], *entry)
	}
	seen := reading.RecordedAt
	meter.LastSeenAt = &seen
	meter.CurrentValveStatus = reading.ValveStatus
	meter.UpdatedAt = seen
	return nil
}

// ListLedger returns the newest ledger entries of a meter
func (s *Store) ListLedger(_ context.Context, meterID uuid.UUID, limit int) ([]db.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.ledger[meterID]
	var out []db.LedgerEntry
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// Readings returns every reading of a meter in ingestion order
func (s *Store) Readings(meterID uuid.UUID) []db.MeterReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.MeterReading(nil), s.readings[meterID]...)
}

// PricePerUnit returns the tariff of a client; ErrNotFound when none is configured
func (s *Store) PricePerUnit(_ context.Context, clientID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.tariffs[clientID]
	if !ok {
		return decimal.Zero, db.ErrNotFound
	}
	return price, nil
}

// InsertPayment records a pending gateway order for a meter
func (s *Store) InsertPayment(_ context.Context, p *db.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.OrderID]; ok {
		return db.ErrConflict
	}
	cp := *p
	s.payments[p.OrderID] = &cp
	return nil
}

// GetPayment returns a payment by gateway order id
func (s *Store) GetPayment(_ context.Context, orderID string) (*db.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// SettlePayment marks a pending payment paid and appends the top-up entry
func (s *Store) SettlePayment(_ context.Context, orderID string, at time.Time) (*db.TopUpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[orderID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if p.Status != db.PaymentPending {
		return nil, db.ErrConflict
	}
	meter, ok := s.meters[p.MeterID]
	if !ok {
		return nil, db.ErrNotFound
	}

	p.Status = db.PaymentPaid
	p.PaidAt = &at

	previous := s.latestBalance(p.MeterID)
	reference := orderID
	entry := db.LedgerEntry{
		ID:          uuid.New(),
		MeterID:     p.MeterID,
		CustomerID:  meter.CustomerID,
		Amount:      p.Amount,
		Balance:     previous.Add(p.Amount),
		Type:        db.LedgerTopUp,
		Status:      db.LedgerCompleted,
		Reference:   &reference,
		Description: "payment " + orderID,
		CreatedAt:   at,
	}
	s.ledger[p.MeterID] = append(s.ledger[p.MeterID], entry)

	return &db.TopUpResult{Meter: *meter, PreviousBalance: previous, Entry: entry}, nil
}

// FailPayment marks a pending payment failed
func (s *Store) FailPayment(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok {
		return db.ErrNotFound
	}
	if p.Status != db.PaymentPending {
		return db.ErrConflict
	}
	p.Status = db.PaymentFailed
	return nil
}
