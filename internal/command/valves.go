package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/alerts"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	valveTypes    = []string{"main", "secondary", "emergency", "bypass"}
	valveStatuses = []string{db.StatusActive, db.StatusInactive, db.ValveStatusMaintenance, db.ValveStatusOffline, db.ValveStatusError}
)

// ValveInput carries the administrative fields of a valve
type ValveInput struct {
	ValveID          string
	MeterCode        string
	PropertyID       *int64
	Type             string
	Status           string
	MaxPressure      *float64
	AutoCloseEnabled *bool
}

func (in ValveInput) validate(creating bool) error {
	fields := map[string]string{}
	if creating {
		if strings.TrimSpace(in.ValveID) == "" {
			fields["valve_id"] = "is required"
		}
		if strings.TrimSpace(in.MeterCode) == "" {
			fields["meter_id"] = "is required"
		}
	}
	if in.Type != "" && !slices.Contains(valveTypes, in.Type) {
		fields["valve_type"] = "must be one of " + strings.Join(valveTypes, ", ")
	}
	if in.Status != "" && !slices.Contains(valveStatuses, in.Status) {
		fields["status"] = "must be one of " + strings.Join(valveStatuses, ", ")
	}
	if in.MaxPressure != nil && *in.MaxPressure <= 0 {
		fields["max_pressure"] = "must be positive"
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid_valve", "valve has invalid fields", fields)
	}
	return nil
}

// CreateValve registers a valve on a meter
func (s *Service) CreateValve(ctx context.Context, in ValveInput) (*db.Valve, error) {
	if err := in.validate(true); err != nil {
		return nil, err
	}
	meter, err := s.Meter(ctx, in.MeterCode)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	v := db.Valve{
		ID:               uuid.New(),
		ValveID:          strings.TrimSpace(in.ValveID),
		MeterID:          meter.ID,
		PropertyID:       in.PropertyID,
		Type:             "main",
		Status:           db.StatusActive,
		CurrentState:     db.ValveUnknown,
		MaxPressure:      in.MaxPressure,
		AutoCloseEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if v.PropertyID == nil {
		v.PropertyID = meter.PropertyID
	}
	if in.Type != "" {
		v.Type = in.Type
	}
	if in.Status != "" {
		v.Status = in.Status
	}
	if in.AutoCloseEnabled != nil {
		v.AutoCloseEnabled = *in.AutoCloseEnabled
	}

	if err := s.store.InsertValve(ctx, &v); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, apperr.Conflict("valve_exists", fmt.Sprintf("valve %s already exists", v.ValveID))
		}
		return nil, apperr.Internal("failed to create valve", err)
	}
	s.logger.Info("valve created",
		zap.String("valve_id", v.ValveID),
		zap.String("meter_id", meter.MeterID),
	)
	return &v, nil
}

// GetValve returns one valve
func (s *Service) GetValve(ctx context.Context, id uuid.UUID) (*db.Valve, error) {
	v, err := s.store.GetValve(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("valve_not_found", "valve not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load valve", err)
	}
	return v, nil
}

// ListValves returns valves ordered by code
func (s *Service) ListValves(ctx context.Context, filter db.ValveFilter) ([]db.Valve, error) {
	valves, err := s.store.ListValves(ctx, filter)
	if err != nil {
		return nil, apperr.Internal("failed to list valves", err)
	}
	return valves, nil
}

// UpdateValve changes the administrative fields of a valve
func (s *Service) UpdateValve(ctx context.Context, id uuid.UUID, in ValveInput) (*db.Valve, error) {
	if err := in.validate(false); err != nil {
		return nil, err
	}
	v, err := s.GetValve(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Type != "" {
		v.Type = in.Type
	}
	if in.Status != "" {
		v.Status = in.Status
	}
	if in.MaxPressure != nil {
		v.MaxPressure = in.MaxPressure
	}
	if in.AutoCloseEnabled != nil {
		v.AutoCloseEnabled = *in.AutoCloseEnabled
	}
	if in.PropertyID != nil {
		v.PropertyID = in.PropertyID
	}
	v.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateValve(ctx, v); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound("valve_not_found", "valve not found")
		}
		return nil, apperr.Internal("failed to update valve", err)
	}
	return v, nil
}

// DeleteValve removes a valve that no command references
func (s *Service) DeleteValve(ctx context.Context, id uuid.UUID) error {
	err := s.store.DeleteValve(ctx, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return apperr.NotFound("valve_not_found", "valve not found")
	case errors.Is(err, db.ErrConflict):
		return apperr.Conflict("valve_referenced", "valve has command history and cannot be deleted")
	case err != nil:
		return apperr.Internal("failed to delete valve", err)
	}
	s.logger.Info("valve deleted", zap.String("id", id.String()))
	return nil
}

// SetOverride toggles manual override. Enabling it raises a manual_override alert.
func (s *Service) SetOverride(ctx context.Context, id uuid.UUID, enabled bool, reason, actor string) (*db.Valve, error) {
	reason = strings.TrimSpace(reason)
	if enabled && reason == "" {
		return nil, apperr.Validation("reason_required", "a reason is required to enable manual override",
			map[string]string{"reason": "is required"})
	}
	var reasonPtr *string
	if enabled {
		reasonPtr = &reason
	}

	v, err := s.store.SetManualOverride(ctx, id, enabled, reasonPtr, s.now().UTC())
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("valve_not_found", "valve not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to set manual override", err)
	}
	s.logger.Info("valve manual override changed",
		zap.String("valve_id", v.ValveID),
		zap.Bool("enabled", enabled),
		zap.String("actor", actor),
	)

	if enabled && s.alerter != nil {
		meter, err := s.store.GetMeter(ctx, v.MeterID)
		if err != nil {
			s.logger.Warn("failed to load meter for override alert", zap.Error(err))
			return v, nil
		}
		if _, err := s.alerter.Raise(ctx, alerts.ManualOverride(*meter, *v, reason)); err != nil {
			s.logger.Error("failed to raise manual override alert", zap.Error(err))
		}
	}
	return v, nil
}
