// Package alerts derives operational alerts from telemetry and command outcomes.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/metrics"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store persists alerts
type Store interface {
	InsertAlert(ctx context.Context, a *db.Alert) (bool, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	TransitionAlert(ctx context.Context, t db.AlertTransition) (*db.Alert, error)
	ListAlerts(ctx context.Context, filter db.AlertFilter) ([]db.Alert, error)
}

// Engine raises deduplicated alerts and moves them through acknowledge and resolve
type Engine struct {
	store   Store
	events  realtime.Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates an alert engine
func NewEngine(store Store, events realtime.Sink, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if events == nil {
		events = realtime.Discard{}
	}
	return &Engine{
		store:   store,
		events:  events,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Raise stores every candidate that has no active alert of the same target and type.
// It returns the alerts actually created.
func (e *Engine) Raise(ctx context.Context, candidates ...Candidate) ([]db.Alert, error) {
	var created []db.Alert
	var errs []error
	for _, c := range candidates {
		alert := db.Alert{
			ID:         uuid.New(),
			TargetKind: c.TargetKind,
			TargetID:   c.TargetID,
			MeterID:    c.MeterID,
			Type:       c.Type,
			Severity:   c.Severity,
			Message:    c.Message,
			Status:     db.AlertActive,
			CreatedAt:  e.now().UTC(),
		}
		ok, err := e.store.InsertAlert(ctx, &alert)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to insert %s alert for %s %s: %w", c.Type, c.TargetKind, c.TargetID, err))
			continue
		}
		if !ok {
			continue
		}

		created = append(created, alert)
		e.metrics.AlertRaised(alert.Type)
		e.logger.Info("alert raised",
			zap.String("alert_id", alert.ID.String()),
			zap.String("meter_id", c.MeterCode),
			zap.String("type", alert.Type),
			zap.String("severity", alert.Severity))
		e.events.Publish(realtime.Event{
			Type:    realtime.EventAlertRaised,
			MeterID: c.MeterCode,
			At:      alert.CreatedAt,
			Data:    alert,
		})
	}
	return created, errors.Join(errs...)
}

// Acknowledge moves an active alert to acknowledged
func (e *Engine) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*db.Alert, error) {
	return e.transition(ctx, db.AlertTransition{
		AlertID: id,
		From:    []string{db.AlertActive},
		To:      db.AlertAcknowledged,
		Actor:   actor,
	})
}

// Resolve closes an active or acknowledged alert
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID, actor, notes string) (*db.Alert, error) {
	t := db.AlertTransition{
		AlertID: id,
		From:    []string{db.AlertActive, db.AlertAcknowledged},
		To:      db.AlertResolved,
		Actor:   actor,
	}
	if notes = strings.TrimSpace(notes); notes != "" {
		t.Notes = &notes
	}
	return e.transition(ctx, t)
}

func (e *Engine) transition(ctx context.Context, t db.AlertTransition) (*db.Alert, error) {
	if strings.TrimSpace(t.Actor) == "" {
		return nil, apperr.Validation("actor_required", "an actor id is required",
			map[string]string{"actor": "is required"})
	}
	t.At = e.now().UTC()

	alert, err := e.store.TransitionAlert(ctx, t)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, apperr.NotFound("alert_not_found", "alert not found")
	case errors.Is(err, db.ErrConflict):
		return nil, apperr.Conflict("alert_not_active", fmt.Sprintf("alert cannot move to %s from its current status", t.To))
	case err != nil:
		return nil, apperr.Internal("failed to update alert", err)
	}

	e.logger.Info("alert updated",
		zap.String("alert_id", alert.ID.String()),
		zap.String("status", alert.Status),
		zap.String("actor", t.Actor))
	return alert, nil
}

// Get returns one alert
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	alert, err := e.store.GetAlert(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("alert_not_found", "alert not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load alert", err)
	}
	return alert, nil
}

// List returns alerts newest first
func (e *Engine) List(ctx context.Context, filter db.AlertFilter) ([]db.Alert, error) {
	alerts, err := e.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, apperr.Internal("failed to list alerts", err)
	}
	return alerts, nil
}
