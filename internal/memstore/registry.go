package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GetClient returns a tenant by id
func (s *Store) GetClient(_ context.Context, id int64) (*db.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &c, nil
}

// GetProperty returns a property by id
func (s *Store) GetProperty(_ context.Context, id int64) (*db.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &p, nil
}

// GetMeter returns a meter by internal id
func (s *Store) GetMeter(_ context.Context, id uuid.UUID) (*db.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meters[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// GetMeterByMeterID returns a meter by its device facing code
func (s *Store) GetMeterByMeterID(_ context.Context, meterID string) (*db.Meter, error) {
	return s.findMeter(func(m *db.Meter) bool { return m.MeterID == meterID })
}

// GetMeterByDeviceID returns the meter bound to a physical device
func (s *Store) GetMeterByDeviceID(_ context.Context, deviceID string) (*db.Meter, error) {
	return s.findMeter(func(m *db.Meter) bool { return m.DeviceID == deviceID })
}

func (s *Store) findMeter(match func(*db.Meter) bool) (*db.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.meters {
		if match(m) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

// ListSilentMeters returns active meters not heard from since before
func (s *Store) ListSilentMeters(_ context.Context, before time.Time) ([]db.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Meter
	for _, m := range s.meters {
		seen := m.CreatedAt
		if m.LastSeenAt != nil {
			seen = *m.LastSeenAt
		}
		if m.Status == db.StatusActive && seen.Before(before) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeterID < out[j].MeterID })
	return out, nil
}

// InsertToken stores a new provisioning token; a taken token value is ErrConflict
func (s *Store) InsertToken(_ context.Context, t *db.ProvisioningToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.Token]; ok {
		return db.ErrConflict
	}
	cp := *t
	s.tokens[t.Token] = &cp
	s.remember(t.ID)
	return nil
}

// TokenExists reports whether a token value is already taken
func (s *Store) TokenExists(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[token]
	return ok, nil
}

// GetToken returns a provisioning token by value
func (s *Store) GetToken(_ context.Context, token string) (*db.ProvisioningToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTokens returns tokens newest first
func (s *Store) ListTokens(_ context.Context, filter db.TokenFilter) ([]db.ProvisioningToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	byID := map[uuid.UUID]*db.ProvisioningToken{}
	for _, t := range s.tokens {
		if filter.ClientID != nil && t.ClientID != *filter.ClientID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		ids = append(ids, t.ID)
		byID[t.ID] = t
	}
	s.sortByTime(ids, func(id uuid.UUID) time.Time { return byID[id].CreatedAt }, true)

	var out []db.ProvisioningToken
	for _, id := range page(ids, filter.Limit, filter.Offset) {
		out = append(out, *byID[id])
	}
	return out, nil
}

// RevokeToken moves an active token to revoked
func (s *Store) RevokeToken(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return db.ErrNotFound
	}
	if t.Status != db.TokenActive {
		return db.ErrConflict
	}
	t.Status = db.TokenRevoked
	t.RevokedAt = &at
	return nil
}

// ProvisionMeter consumes the token and creates the meter with its initial ledger entry
func (s *Store) ProvisionMeter(_ context.Context, p db.Provisioning) (*db.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[p.Token]
	if !ok || tok.Status != db.TokenActive || !tok.ExpiresAt.After(p.Now) {
		return nil, db.ErrConflict
	}
	for _, m := range s.meters {
		if m.DeviceID == p.DeviceID {
			return nil, db.ErrConflict
		}
	}

	dayStart := time.Date(p.Now.Year(), p.Now.Month(), p.Now.Day(), 0, 0, 0, 0, p.Now.Location())
	issued := 0
	for _, m := range s.meters {
		if m.ClientID == tok.ClientID && !m.CreatedAt.Before(dayStart) && m.CreatedAt.Before(dayStart.AddDate(0, 0, 1)) {
			issued++
		}
	}

	meter := p.Defaults
	meter.ID = uuid.New()
	meter.MeterID = p.NewMeterID(tok.ClientID, p.Now, issued+1)
	meter.DeviceID = p.DeviceID
	meter.ClientID = tok.ClientID
	meter.PropertyID = tok.PropertyID
	meter.Status = db.StatusActive
	meter.CreatedAt = p.Now
	meter.UpdatedAt = p.Now
	for _, m := range s.meters {
		if m.MeterID == meter.MeterID {
			return nil, db.ErrConflict
		}
	}

	now := p.Now
	device := p.DeviceID
	tok.Status = db.TokenUsed
	tok.UsedAt = &now
	tok.UsedByDevice = &device

	stored := meter
	s.meters[meter.ID] = &stored
	s.ledger[meter.ID] = append(s.ledger[meter.ID], db.LedgerEntry{
		ID:          uuid.New(),
		MeterID:     meter.ID,
		Amount:      decimal.Zero,
		Balance:     decimal.Zero,
		Type:        db.LedgerInitial,
		Status:      db.LedgerCompleted,
		Description: "initial balance",
		CreatedAt:   p.Now,
	})
	return &meter, nil
}
