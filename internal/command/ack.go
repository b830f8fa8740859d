package command

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/alerts"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Ack is a device's report of a command outcome
type Ack struct {
	CommandID  uuid.UUID
	Outcome    string
	ValveState string
	Notes      string
	Response   json.RawMessage
	Telemetry  *db.ValveTelemetry
}

// Meter resolves a meter by its device facing code
func (s *Service) Meter(ctx context.Context, meterCode string) (*db.Meter, error) {
	meter, err := s.store.GetMeterByMeterID(ctx, meterCode)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("meter_not_found", "meter not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load meter", err)
	}
	return meter, nil
}

// Poll returns the open commands of a meter oldest first. Commands past their
// deadline are left for the sweeper. It never changes state.
func (s *Service) Poll(ctx context.Context, meterCode string) ([]db.Command, error) {
	meter, err := s.Meter(ctx, meterCode)
	if err != nil {
		return nil, err
	}
	cmds, err := s.store.ListOpenCommands(ctx, meter.ID, s.now().UTC(), s.opts.PollLimit)
	if err != nil {
		return nil, apperr.Internal("failed to list pending commands", err)
	}
	return cmds, nil
}

// Acknowledge applies a device's outcome report. Acks for terminal commands are
// accepted without effect so devices can safely resend them.
func (s *Service) Acknowledge(ctx context.Context, meterCode string, ack Ack) (*db.Command, error) {
	outcome := strings.ToLower(strings.TrimSpace(ack.Outcome))
	switch outcome {
	case OutcomeSuccess, "completed", "ok":
		outcome = OutcomeSuccess
	case OutcomeFailure, "failed", "error":
		outcome = OutcomeFailure
	default:
		return nil, apperr.Validation("invalid_outcome", "outcome must be success or failure",
			map[string]string{"outcome": "must be success or failure"})
	}

	meter, err := s.Meter(ctx, meterCode)
	if err != nil {
		return nil, err
	}
	cmd, err := s.getCommand(ctx, ack.CommandID)
	if err != nil {
		return nil, err
	}
	if cmd.MeterID != meter.ID {
		return nil, apperr.NotFound("command_not_found", "command not found")
	}

	logger := s.logger.With(
		zap.String("command_id", cmd.ID.String()),
		zap.String("meter_id", meter.MeterID),
		zap.String("type", cmd.CommandType),
	)
	if cmd.IsTerminal() {
		logger.Debug("duplicate ack ignored", zap.String("status", cmd.Status))
		return cmd, nil
	}

	now := s.now().UTC()
	if !cmd.ExpiresAt.After(now) {
		logger.Warn("ack arrived after the command deadline",
			zap.Time("expires_at", cmd.ExpiresAt),
			zap.String("outcome", outcome),
		)
		if _, err := s.expire(ctx, now); err != nil {
			return nil, apperr.Internal("failed to expire command", err)
		}
		return s.getCommand(ctx, cmd.ID)
	}

	kind, err := Decode(*cmd)
	if err != nil {
		return nil, apperr.Internal("failed to decode command", err)
	}

	completion := db.CommandCompletion{
		CommandID: cmd.ID,
		Status:    db.CommandCompleted,
		Response:  ackResponse(ack),
		At:        now,
	}
	if outcome == OutcomeSuccess {
		completion.Mutation = mutationFor(kind, *cmd, ack)
	} else {
		completion.Status = db.CommandFailed
		msg := strings.TrimSpace(ack.Notes)
		if msg == "" {
			msg = "device reported failure"
		}
		completion.ErrorMessage = &msg
	}

	applied, err := s.store.CompleteCommand(ctx, completion)
	if err != nil {
		return nil, apperr.Internal("failed to complete command", err)
	}
	updated, err := s.getCommand(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}
	if !applied {
		logger.Debug("command reached a terminal state concurrently", zap.String("status", updated.Status))
		return updated, nil
	}

	logger.Info("command acknowledged", zap.String("status", updated.Status))
	s.metrics.CommandTransition(updated.Status, 1)
	s.publish(meter.MeterID, *updated)

	if outcome == OutcomeSuccess {
		s.raiseAckAlerts(ctx, *meter, *updated, kind, logger)
	}
	return updated, nil
}

func ackResponse(ack Ack) json.RawMessage {
	body := map[string]any{}
	if ack.ValveState != "" {
		body["valve_state_ack"] = ack.ValveState
	}
	if ack.Notes != "" {
		body["notes"] = ack.Notes
	}
	if len(ack.Response) > 0 && json.Valid(ack.Response) {
		body["response"] = ack.Response
	}
	if ack.Telemetry != nil {
		body["device_status"] = ack.Telemetry
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// mutationFor derives the device visible change a successful command applies
func mutationFor(kind Kind, cmd db.Command, ack Ack) *db.StateMutation {
	m := &db.StateMutation{}
	if cmd.TargetKind == db.TargetValve {
		id := cmd.TargetID
		m.ValveID = &id
		m.Telemetry = ack.Telemetry
	}
	setState := func(state string) {
		m.ValveState = &state
		m.MeterValveStatus = &state
	}

	switch k := kind.(type) {
	case Open:
		setState(db.ValveOpen)
	case Close, EmergencyClose:
		setState(db.ValveClosed)
	case PartialOpen:
		setState(db.ValvePartial)
	case StatusCheck:
		if state, ok := validator.NormalizeValveState(ack.ValveState); ok && state != db.ValveUnknown {
			setState(state)
		}
	case Unlock:
		unlocked := k.Unlock
		m.IsUnlocked = &unlocked
	case ConfigUpdate:
		m.KFactor = k.KFactor
		m.DistanceTolerance = k.DistanceTolerance
	}
	return m
}

func (s *Service) raiseAckAlerts(ctx context.Context, meter db.Meter, cmd db.Command, kind Kind, logger *zap.Logger) {
	if s.alerter == nil {
		return
	}

	var candidates []alerts.Candidate
	if k, ok := kind.(Unlock); ok {
		candidates = append(candidates, alerts.UnlockStatus(meter, k.Unlock))
	}
	if cmd.TargetKind == db.TargetValve && s.rules != nil {
		valve, err := s.store.GetValve(ctx, cmd.TargetID)
		if err != nil {
			logger.Warn("failed to load valve for alert evaluation", zap.Error(err))
		} else {
			candidates = append(candidates, s.rules.EvaluateValve(meter, *valve)...)
		}
	}
	if len(candidates) == 0 {
		return
	}
	if _, err := s.alerter.Raise(ctx, candidates...); err != nil {
		logger.Error("failed to raise alerts from ack", zap.Error(err))
	}
}
