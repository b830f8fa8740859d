package memstore

import (
	"context"
	"slices"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
)

// InsertAlert stores an active alert unless one of the same target and type is already active
func (s *Store) InsertAlert(_ context.Context, a *db.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts {
		if existing.Status == db.AlertActive && existing.TargetKind == a.TargetKind &&
			existing.TargetID == a.TargetID && existing.Type == a.Type {
			return false, nil
		}
	}
	cp := *a
	cp.Status = db.AlertActive
	s.alerts[a.ID] = &cp
	s.remember(a.ID)
	return true, nil
}

// GetAlert returns an alert by id
func (s *Store) GetAlert(_ context.Context, id uuid.UUID) (*db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// TransitionAlert moves an alert whose status is one of t.From into t.To
func (s *Store) TransitionAlert(_ context.Context, t db.AlertTransition) (*db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[t.AlertID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if !slices.Contains(t.From, a.Status) {
		return nil, db.ErrConflict
	}

	at, actor := t.At, t.Actor
	a.Status = t.To
	switch t.To {
	case db.AlertAcknowledged:
		a.AcknowledgedBy = &actor
		a.AcknowledgedAt = &at
	case db.AlertResolved:
		a.ResolvedBy = &actor
		a.ResolutionNotes = t.Notes
		a.ResolvedAt = &at
	}
	cp := *a
	return &cp, nil
}

// ListAlerts returns alerts newest first
func (s *Store) ListAlerts(_ context.Context, filter db.AlertFilter) ([]db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range s.alerts {
		switch {
		case filter.MeterID != nil && a.MeterID != *filter.MeterID:
			continue
		case filter.Status != "" && a.Status != filter.Status:
			continue
		case filter.Type != "" && a.Type != filter.Type:
			continue
		}
		ids = append(ids, id)
	}
	s.sortByTime(ids, func(id uuid.UUID) time.Time { return s.alerts[id].CreatedAt }, true)

	var out []db.Alert
	for _, id := range page(ids, filter.Limit, filter.Offset) {
		out = append(out, *s.alerts[id])
	}
	return out, nil
}
