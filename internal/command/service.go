package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/alerts"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/metrics"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InitiatorSystem marks commands issued by the control plane itself
const InitiatorSystem = "system"

const supersedeReason = "superseded by emergency command"

// Store persists commands, valves and the meter fields commands mutate
type Store interface {
	GetMeter(ctx context.Context, id uuid.UUID) (*db.Meter, error)
	GetMeterByMeterID(ctx context.Context, meterID string) (*db.Meter, error)

	GetValve(ctx context.Context, id uuid.UUID) (*db.Valve, error)
	ListValves(ctx context.Context, filter db.ValveFilter) ([]db.Valve, error)
	ListValvesByMeter(ctx context.Context, meterID uuid.UUID) ([]db.Valve, error)
	InsertValve(ctx context.Context, v *db.Valve) error
	UpdateValve(ctx context.Context, v *db.Valve) error
	DeleteValve(ctx context.Context, id uuid.UUID) error
	SetManualOverride(ctx context.Context, id uuid.UUID, enabled bool, reason *string, at time.Time) (*db.Valve, error)

	EnqueueCommand(ctx context.Context, cmd *db.Command, supersedeReason string) (int, error)
	GetCommand(ctx context.Context, id uuid.UUID) (*db.Command, error)
	MarkCommandSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	CancelCommand(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error)
	ListOpenCommands(ctx context.Context, meterID uuid.UUID, now time.Time, limit int) ([]db.Command, error)
	CompleteCommand(ctx context.Context, completion db.CommandCompletion) (bool, error)
	ExpireCommands(ctx context.Context, now time.Time) ([]db.Command, error)
	ListCommands(ctx context.Context, filter db.CommandFilter) ([]db.Command, error)
	CommandStats(ctx context.Context, since time.Time) (*db.CommandStats, error)
}

// Transport pushes a command out of band. Devices that cannot be reached
// still receive the command through polling.
type Transport interface {
	PublishCommand(ctx context.Context, meterCode string, cmd db.Command) error
}

// Alerter raises alerts derived from acknowledgments and overrides
type Alerter interface {
	Raise(ctx context.Context, candidates ...alerts.Candidate) ([]db.Alert, error)
}

// Options configures a Service
type Options struct {
	TTL       time.Duration
	PollLimit int
}

// Service is the command queue, dispatcher and acknowledgment processor
type Service struct {
	store     Store
	transport Transport
	alerter   Alerter
	rules     *alerts.Rules
	events    realtime.Sink
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// NewService creates a command service. transport may be nil.
func NewService(
	store Store,
	transport Transport,
	alerter Alerter,
	rules *alerts.Rules,
	events realtime.Sink,
	m *metrics.Metrics,
	opts Options,
	logger *zap.Logger,
) *Service {
	if events == nil {
		events = realtime.Discard{}
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.PollLimit <= 0 {
		opts.PollLimit = 10
	}
	return &Service{
		store:     store,
		transport: transport,
		alerter:   alerter,
		rules:     rules,
		events:    events,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Request asks for one command on one target
type Request struct {
	TargetID    uuid.UUID
	Kind        Kind
	Priority    string
	InitiatedBy string
	Reason      string
}

// target is the resolved addressee of a command
type target struct {
	kind  string
	id    uuid.UUID
	meter db.Meter
	valve *db.Valve
}

// Enqueue validates, persists and dispatches a command
func (s *Service) Enqueue(ctx context.Context, req Request) (*db.Command, error) {
	if req.Kind == nil {
		return nil, apperr.Validation("invalid_command_type", "command type is required",
			map[string]string{"type": "is required"})
	}
	if err := req.Kind.validate(); err != nil {
		return nil, err
	}
	priority, err := normalizePriority(req.Priority, req.Kind)
	if err != nil {
		return nil, err
	}
	initiator := strings.TrimSpace(req.InitiatedBy)
	if initiator == "" {
		initiator = InitiatorSystem
	}

	t, err := s.resolveTarget(ctx, req.Kind.Target(), req.TargetID)
	if err != nil {
		return nil, err
	}
	if err := checkTarget(t, req.Kind); err != nil {
		return nil, err
	}

	params, err := Encode(req.Kind)
	if err != nil {
		return nil, apperr.Internal("failed to encode command", err)
	}

	now := s.now().UTC()
	cmd := db.Command{
		ID:          uuid.New(),
		TargetKind:  t.kind,
		TargetID:    t.id,
		MeterID:     t.meter.ID,
		CommandType: req.Kind.Type(),
		Params:      params,
		Priority:    priority,
		Status:      db.CommandPending,
		InitiatedBy: initiator,
		Reason:      strings.TrimSpace(req.Reason),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.TTL),
	}

	supersede := ""
	if priority == db.PriorityEmergency {
		supersede = supersedeReason
	}
	cancelled, err := s.store.EnqueueCommand(ctx, &cmd, supersede)
	if err != nil {
		return nil, apperr.Internal("failed to enqueue command", err)
	}

	logger := s.logger.With(
		zap.String("command_id", cmd.ID.String()),
		zap.String("meter_id", t.meter.MeterID),
		zap.String("type", cmd.CommandType),
		zap.String("priority", cmd.Priority),
	)
	if cancelled > 0 {
		logger.Info("pending commands superseded", zap.Int("cancelled", cancelled))
		s.metrics.CommandTransition(db.CommandCancelled, cancelled)
	}
	logger.Info("command enqueued", zap.String("initiated_by", initiator))
	s.metrics.CommandEnqueued(cmd.CommandType, cmd.Priority)
	s.publish(t.meter.MeterID, cmd)

	s.dispatch(ctx, t.meter.MeterID, &cmd, logger)
	return &cmd, nil
}

// dispatch pushes the command best effort and advances it to sent on success
func (s *Service) dispatch(ctx context.Context, meterCode string, cmd *db.Command, logger *zap.Logger) {
	if s.transport == nil {
		return
	}
	if err := s.transport.PublishCommand(ctx, meterCode, *cmd); err != nil {
		logger.Warn("command push failed, leaving it for device poll", zap.Error(err))
		return
	}

	at := s.now().UTC()
	ok, err := s.store.MarkCommandSent(ctx, cmd.ID, at)
	if err != nil {
		logger.Error("failed to mark command sent", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	cmd.Status = db.CommandSent
	cmd.SentAt = &at
	s.metrics.CommandTransition(db.CommandSent, 1)
	s.publish(meterCode, *cmd)
}

func normalizePriority(priority string, kind Kind) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(priority)); p {
	case "":
		if _, ok := kind.(EmergencyClose); ok {
			return db.PriorityEmergency, nil
		}
		return db.PriorityNormal, nil
	case db.PriorityNormal, db.PriorityHigh, db.PriorityEmergency:
		return p, nil
	default:
		return "", apperr.Validation("invalid_priority", fmt.Sprintf("unknown priority %q", priority),
			map[string]string{"priority": "must be one of normal, high, emergency"})
	}
}

func (s *Service) resolveTarget(ctx context.Context, kind string, id uuid.UUID) (target, error) {
	t := target{kind: kind, id: id}
	switch kind {
	case db.TargetValve:
		valve, err := s.store.GetValve(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return t, apperr.NotFound("valve_not_found", "valve not found")
		}
		if err != nil {
			return t, apperr.Internal("failed to load valve", err)
		}
		t.valve = valve
		id = valve.MeterID
	case db.TargetMeter:
	default:
		return t, apperr.Validation("invalid_target", "unknown command target", nil)
	}

	meter, err := s.store.GetMeter(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return t, apperr.NotFound("meter_not_found", "meter not found")
	}
	if err != nil {
		return t, apperr.Internal("failed to load meter", err)
	}
	t.meter = *meter
	return t, nil
}

func checkTarget(t target, kind Kind) error {
	if t.meter.Status == db.StatusInactive {
		return apperr.Conflict("meter_inactive", fmt.Sprintf("meter %s is inactive", t.meter.MeterID))
	}
	if t.valve == nil {
		return nil
	}
	switch t.valve.Status {
	case db.StatusInactive, db.ValveStatusMaintenance:
		return apperr.Conflict("valve_unavailable",
			fmt.Sprintf("valve %s is %s", t.valve.ValveID, t.valve.Status))
	}
	if _, emergency := kind.(EmergencyClose); t.valve.IsManualOverride && !emergency {
		return apperr.Conflict("manual_override",
			fmt.Sprintf("valve %s is under manual override", t.valve.ValveID))
	}
	return nil
}

func (s *Service) publish(meterCode string, cmd db.Command) {
	s.events.Publish(realtime.Event{
		Type:    realtime.EventCommandChanged,
		MeterID: meterCode,
		At:      s.now().UTC(),
		Data:    cmd,
	})
}

// Cancel moves a pending command to cancelled
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*db.Command, error) {
	cmd, err := s.getCommand(ctx, id)
	if err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by " + actor
	}
	ok, err := s.store.CancelCommand(ctx, id, reason, s.now().UTC())
	if err != nil {
		return nil, apperr.Internal("failed to cancel command", err)
	}
	if !ok {
		return nil, apperr.Conflict("command_not_pending",
			fmt.Sprintf("command is %s and can no longer be cancelled", cmd.Status))
	}

	cmd, err = s.getCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("command cancelled",
		zap.String("command_id", id.String()),
		zap.String("actor", actor),
	)
	s.metrics.CommandTransition(db.CommandCancelled, 1)
	s.publishByMeter(ctx, *cmd)
	return cmd, nil
}

func (s *Service) publishByMeter(ctx context.Context, cmd db.Command) {
	meter, err := s.store.GetMeter(ctx, cmd.MeterID)
	if err != nil {
		s.logger.Warn("failed to resolve meter for command event",
			zap.String("command_id", cmd.ID.String()),
			zap.Error(err),
		)
		return
	}
	s.publish(meter.MeterID, cmd)
}

func (s *Service) getCommand(ctx context.Context, id uuid.UUID) (*db.Command, error) {
	cmd, err := s.store.GetCommand(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("command_not_found", "command not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load command", err)
	}
	return cmd, nil
}

// Get returns one command
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Command, error) {
	return s.getCommand(ctx, id)
}

// BulkRequest applies one command type to many valves
type BulkRequest struct {
	ValveIDs    []uuid.UUID
	Type        string
	Priority    string
	InitiatedBy string
	Reason      string
}

// BulkResult is the outcome for one valve of a bulk request
type BulkResult struct {
	ValveID uuid.UUID
	Command *db.Command
	Err     error
}

// Bulk enqueues the command on every valve independently and reports each outcome
func (s *Service) Bulk(ctx context.Context, req BulkRequest) ([]BulkResult, error) {
	var kind Kind
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case TypeOpen:
		kind = Open{}
	case TypeClose:
		kind = Close{}
	case TypeEmergencyClose:
		kind = EmergencyClose{Reason: req.Reason}
	case TypeStatusCheck:
		kind = StatusCheck{}
	default:
		return nil, apperr.Validation("invalid_command_type", "bulk supports open, close, emergency_close and status_check",
			map[string]string{"type": "must be one of open, close, emergency_close, status_check"})
	}
	if len(req.ValveIDs) == 0 {
		return nil, apperr.Validation("no_targets", "at least one valve is required",
			map[string]string{"valve_ids": "must not be empty"})
	}

	results := make([]BulkResult, 0, len(req.ValveIDs))
	for _, id := range req.ValveIDs {
		cmd, err := s.Enqueue(ctx, Request{
			TargetID:    id,
			Kind:        kind,
			Priority:    req.Priority,
			InitiatedBy: req.InitiatedBy,
			Reason:      req.Reason,
		})
		results = append(results, BulkResult{ValveID: id, Command: cmd, Err: err})
	}
	return results, nil
}

// History lists commands newest first
func (s *Service) History(ctx context.Context, filter db.CommandFilter) ([]db.Command, error) {
	cmds, err := s.store.ListCommands(ctx, filter)
	if err != nil {
		return nil, apperr.Internal("failed to list commands", err)
	}
	return cmds, nil
}

// Stats counts commands created since the given time
func (s *Service) Stats(ctx context.Context, since time.Time) (*db.CommandStats, error) {
	stats, err := s.store.CommandStats(ctx, since)
	if err != nil {
		return nil, apperr.Internal("failed to compute command stats", err)
	}
	return stats, nil
}

// ControlMeterValves queues an automatic open or close for every valve of a
// meter that allows it. Valves already in the requested state are skipped.
func (s *Service) ControlMeterValves(ctx context.Context, meter db.Meter, open bool) (int, error) {
	if !meter.AutoValveControl {
		return 0, nil
	}
	valves, err := s.store.ListValvesByMeter(ctx, meter.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list valves of meter %s: %w", meter.MeterID, err)
	}

	var kind Kind = Close{}
	want, reason := db.ValveClosed, "balance exhausted"
	if open {
		kind = Open{}
		want, reason = db.ValveOpen, "balance restored"
	}

	queued := 0
	var errs []error
	for _, v := range valves {
		if !v.AutoCloseEnabled || v.Status != db.StatusActive || v.IsManualOverride || v.CurrentState == want {
			continue
		}
		if _, err := s.Enqueue(ctx, Request{
			TargetID:    v.ID,
			Kind:        kind,
			Priority:    db.PriorityHigh,
			InitiatedBy: InitiatorSystem,
			Reason:      reason,
		}); err != nil {
			errs = append(errs, fmt.Errorf("valve %s: %w", v.ValveID, err))
			continue
		}
		queued++
	}
	return queued, errors.Join(errs...)
}
