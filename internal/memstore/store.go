// Package memstore is an in-process store with the same semantics as the
// postgres repository. It backs dev mode and service tests.
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store keeps every table in maps guarded by a single mutex
type Store struct {
	mu sync.Mutex

	clients    map[int64]db.Client
	properties map[int64]db.Property
	tariffs    map[int64]decimal.Decimal

	meters   map[uuid.UUID]*db.Meter
	tokens   map[string]*db.ProvisioningToken
	readings map[uuid.UUID][]db.MeterReading
	ledger   map[uuid.UUID][]db.LedgerEntry
	payments map[string]*db.Payment

	valves   map[uuid.UUID]*db.Valve
	commands map[uuid.UUID]*db.Command
	alerts   map[uuid.UUID]*db.Alert

	// insertion order, used as a tie breaker when timestamps are equal
	seq   int64
	order map[uuid.UUID]int64
}

// New creates an empty store
func New() *Store {
	return &Store{
		clients:    map[int64]db.Client{},
		properties: map[int64]db.Property{},
		tariffs:    map[int64]decimal.Decimal{},
		meters:     map[uuid.UUID]*db.Meter{},
		tokens:     map[string]*db.ProvisioningToken{},
		readings:   map[uuid.UUID][]db.MeterReading{},
		ledger:     map[uuid.UUID][]db.LedgerEntry{},
		payments:   map[string]*db.Payment{},
		valves:     map[uuid.UUID]*db.Valve{},
		commands:   map[uuid.UUID]*db.Command{},
		alerts:     map[uuid.UUID]*db.Alert{},
		order:      map[uuid.UUID]int64{},
	}
}

func (s *Store) remember(id uuid.UUID) {
	s.seq++
	s.order[id] = s.seq
}

// sortByTime orders ids by their timestamp, falling back to insertion order
func (s *Store) sortByTime(ids []uuid.UUID, at func(uuid.UUID) time.Time, desc bool) {
	sort.SliceStable(ids, func(i, j int) bool {
		ti, tj := at(ids[i]), at(ids[j])
		if !ti.Equal(tj) {
			if desc {
				return ti.After(tj)
			}
			return ti.Before(tj)
		}
		if desc {
			return s.order[ids[i]] > s.order[ids[j]]
		}
		return s.order[ids[i]] < s.order[ids[j]]
	})
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

// AddClient seeds a tenant
func (s *Store) AddClient(c db.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

// AddProperty seeds a property
func (s *Store) AddProperty(p db.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties[p.ID] = p
}

// SetTariff seeds the price per unit of a client
func (s *Store) SetTariff(clientID int64, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tariffs[clientID] = price
}

// AddMeter seeds a meter together with an opening ledger entry
func (s *Store) AddMeter(m db.Meter, balance decimal.Decimal) db.Meter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
		m.UpdatedAt = m.CreatedAt
	}
	s.meters[m.ID] = &m
	entry := db.LedgerEntry{
		ID:        uuid.New(),
		MeterID:   m.ID,
		Amount:    balance,
		Balance:   balance,
		Type:      db.LedgerInitial,
		Status:    db.LedgerCompleted,
		CreatedAt: m.CreatedAt,
	}
	s.ledger[m.ID] = append(s.ledger[m.ID], entry)
	return m
}

// AddValve seeds a valve
func (s *Store) AddValve(v db.Valve) db.Valve {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	s.valves[v.ID] = &v
	return v
}
