package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
)

// GetValve returns a valve by internal id
func (s *Store) GetValve(_ context.Context, id uuid.UUID) (*db.Valve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.valves[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *Store) filterValves(match func(*db.Valve) bool) []db.Valve {
	var out []db.Valve
	for _, v := range s.valves {
		if match(v) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValveID < out[j].ValveID })
	return out
}

// ListValves returns valves ordered by code
func (s *Store) ListValves(_ context.Context, filter db.ValveFilter) ([]db.Valve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	valves := s.filterValves(func(v *db.Valve) bool {
		if filter.MeterID != nil && v.MeterID != *filter.MeterID {
			return false
		}
		return filter.Status == "" || v.Status == filter.Status
	})
	return page(valves, filter.Limit, filter.Offset), nil
}

// ListValvesByMeter returns every valve attached to a meter
func (s *Store) ListValvesByMeter(_ context.Context, meterID uuid.UUID) ([]db.Valve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterValves(func(v *db.Valve) bool { return v.MeterID == meterID }), nil
}

// InsertValve stores a new valve; a taken valve code is ErrConflict
func (s *Store) InsertValve(_ context.Context, v *db.Valve) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.valves {
		if existing.ValveID == v.ValveID {
			return db.ErrConflict
		}
	}
	cp := *v
	cp.UpdatedAt = cp.CreatedAt
	s.valves[v.ID] = &cp
	return nil
}

// UpdateValve writes the administrative fields of a valve
func (s *Store) UpdateValve(_ context.Context, v *db.Valve) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.valves[v.ID]
	if !ok {
		return db.ErrNotFound
	}
	existing.Type = v.Type
	existing.Status = v.Status
	existing.MaxPressure = v.MaxPressure
	existing.AutoCloseEnabled = v.AutoCloseEnabled
	existing.PropertyID = v.PropertyID
	existing.UpdatedAt = v.UpdatedAt
	return nil
}

// DeleteValve removes a valve no command references; otherwise ErrConflict
func (s *Store) DeleteValve(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.valves[id]; !ok {
		return db.ErrNotFound
	}
	for _, c := range s.commands {
		if c.TargetKind == db.TargetValve && c.TargetID == id {
			return db.ErrConflict
		}
	}
	delete(s.valves, id)
	return nil
}

// SetManualOverride toggles the manual override flag of a valve
func (s *Store) SetManualOverride(_ context.Context, id uuid.UUID, enabled bool, reason *string, at time.Time) (*db.Valve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.valves[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	v.IsManualOverride = enabled
	v.OverrideReason = reason
	v.OverrideAt = &at
	v.UpdatedAt = at
	cp := *v
	return &cp, nil
}

// EnqueueCommand persists a pending command, cancelling pending commands of the
// same target first when supersedeReason is set
func (s *Store) EnqueueCommand(_ context.Context, cmd *db.Command, supersedeReason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.ID]; ok {
		return 0, db.ErrConflict
	}

	cancelled := 0
	if supersedeReason != "" {
		for _, c := range s.commands {
			if c.TargetKind == cmd.TargetKind && c.TargetID == cmd.TargetID && c.Status == db.CommandPending {
				reason := supersedeReason
				at := cmd.CreatedAt
				c.Status = db.CommandCancelled
				c.ErrorMessage = &reason
				c.ExecutedAt = &at
				cancelled++
			}
		}
	}

	cp := *cmd
	s.commands[cmd.ID] = &cp
	s.remember(cmd.ID)
	return cancelled, nil
}

// GetCommand returns a command by id
func (s *Store) GetCommand(_ context.Context, id uuid.UUID) (*db.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// MarkCommandSent advances a pending command to sent
func (s *Store) MarkCommandSent(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[id]
	if !ok || c.Status != db.CommandPending {
		return false, nil
	}
	c.Status = db.CommandSent
	c.SentAt = &at
	return true, nil
}

// CancelCommand moves a pending command to cancelled
func (s *Store) CancelCommand(_ context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[id]
	if !ok || c.Status != db.CommandPending {
		return false, nil
	}
	c.Status = db.CommandCancelled
	c.ErrorMessage = &reason
	c.ExecutedAt = &at
	return true, nil
}

func (s *Store) selectCommands(match func(*db.Command) bool, desc bool) []db.Command {
	var ids []uuid.UUID
	for id, c := range s.commands {
		if match(c) {
			ids = append(ids, id)
		}
	}
	s.sortByTime(ids, func(id uuid.UUID) time.Time { return s.commands[id].CreatedAt }, desc)
	out := make([]db.Command, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.commands[id])
	}
	return out
}

// ListOpenCommands returns pending and sent commands of a meter that are still
// within their deadline, oldest first
func (s *Store) ListOpenCommands(_ context.Context, meterID uuid.UUID, now time.Time, limit int) ([]db.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := s.selectCommands(func(c *db.Command) bool {
		return c.MeterID == meterID && !c.IsTerminal() && c.ExpiresAt.After(now)
	}, false)
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

// CompleteCommand moves a pending or sent command into completed or failed and
// applies the state mutation. It returns false when the command was already
// terminal or its deadline has passed.
func (s *Store) CompleteCommand(_ context.Context, completion db.CommandCompletion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[completion.CommandID]
	if !ok || c.IsTerminal() || !c.ExpiresAt.After(completion.At) {
		return false, nil
	}

	at := completion.At
	c.Status = completion.Status
	c.Response = completion.Response
	c.ErrorMessage = completion.ErrorMessage
	c.ExecutedAt = &at

	if m := completion.Mutation; m != nil {
		if m.ValveID != nil {
			if v, ok := s.valves[*m.ValveID]; ok {
				if m.ValveState != nil {
					v.CurrentState = *m.ValveState
				}
				if t := m.Telemetry; t != nil {
					if t.BatteryLevel != nil {
						v.BatteryLevel = t.BatteryLevel
					}
					if t.SignalStrength != nil {
						v.SignalStrength = t.SignalStrength
					}
					if t.OperatingPressure != nil {
						v.OperatingPressure = t.OperatingPressure
					}
				}
				v.LastSeenAt = &at
				v.UpdatedAt = at
			}
		}
		if meter, ok := s.meters[c.MeterID]; ok {
			if m.MeterValveStatus != nil {
				meter.CurrentValveStatus = *m.MeterValveStatus
			}
			if m.IsUnlocked != nil {
				meter.IsUnlocked = *m.IsUnlocked
			}
			if m.KFactor != nil {
				meter.KFactor = *m.KFactor
			}
			if m.DistanceTolerance != nil {
				meter.DistanceTolerance = *m.DistanceTolerance
			}
			meter.UpdatedAt = at
		}
	}
	return true, nil
}

// ExpireCommands moves every pending or sent command past its deadline to timeout
func (s *Store) ExpireCommands(_ context.Context, now time.Time) ([]db.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := s.selectCommands(func(c *db.Command) bool {
		return !c.IsTerminal() && !c.ExpiresAt.After(now)
	}, false)
	for i := range expired {
		c := s.commands[expired[i].ID]
		at := now
		c.Status = db.CommandTimeout
		c.ExecutedAt = &at
		expired[i] = *c
	}
	return expired, nil
}

// ListCommands returns command history newest first
func (s *Store) ListCommands(_ context.Context, filter db.CommandFilter) ([]db.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.selectCommands(func(c *db.Command) bool {
		switch {
		case filter.TargetKind != "" && c.TargetKind != filter.TargetKind:
			return false
		case filter.TargetID != nil && c.TargetID != *filter.TargetID:
			return false
		case filter.MeterID != nil && c.MeterID != *filter.MeterID:
			return false
		case filter.Status != "" && c.Status != filter.Status:
			return false
		}
		return true
	}, true)
	return page(matched, filter.Limit, filter.Offset), nil
}

// CommandStats counts commands created since the given time
func (s *Store) CommandStats(_ context.Context, since time.Time) (*db.CommandStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &db.CommandStats{ByStatus: map[string]int{}, ByType: map[string]int{}}
	for _, c := range s.commands {
		if c.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByStatus[c.Status]++
		stats.ByType[c.CommandType]++
	}
	return stats, nil
}
