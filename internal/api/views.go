package api

import (
	"encoding/json"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type deviceCommandView struct {
	CommandID uuid.UUID       `json:"command_id"`
	Type      string          `json:"type"`
	Target    string          `json:"target_kind"`
	Params    json.RawMessage `json:"params,omitempty"`
	Priority  string          `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
}

func deviceCommand(c db.Command) deviceCommandView {
	return deviceCommandView{
		CommandID: c.ID,
		Type:      c.CommandType,
		Target:    c.TargetKind,
		Params:    c.Params,
		Priority:  c.Priority,
		CreatedAt: c.CreatedAt,
	}
}

type commandView struct {
	ID           uuid.UUID       `json:"id"`
	TargetKind   string          `json:"target_kind"`
	TargetID     uuid.UUID       `json:"target_id"`
	MeterID      uuid.UUID       `json:"meter_uuid"`
	Type         string          `json:"type"`
	Params       json.RawMessage `json:"params,omitempty"`
	Priority     string          `json:"priority"`
	Status       string          `json:"status"`
	InitiatedBy  string          `json:"initiated_by"`
	Reason       string          `json:"reason,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

func commandOf(c db.Command) commandView {
	return commandView{
		ID:           c.ID,
		TargetKind:   c.TargetKind,
		TargetID:     c.TargetID,
		MeterID:      c.MeterID,
		Type:         c.CommandType,
		Params:       c.Params,
		Priority:     c.Priority,
		Status:       c.Status,
		InitiatedBy:  c.InitiatedBy,
		Reason:       c.Reason,
		Response:     c.Response,
		ErrorMessage: c.ErrorMessage,
		CreatedAt:    c.CreatedAt,
		SentAt:       c.SentAt,
		ExecutedAt:   c.ExecutedAt,
		ExpiresAt:    c.ExpiresAt,
	}
}

func commandsOf(cmds []db.Command) []commandView {
	out := make([]commandView, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, commandOf(c))
	}
	return out
}

type valveView struct {
	ID                uuid.UUID  `json:"id"`
	ValveID           string     `json:"valve_id"`
	MeterID           uuid.UUID  `json:"meter_uuid"`
	PropertyID        *int64     `json:"property_id,omitempty"`
	Type              string     `json:"valve_type"`
	Status            string     `json:"status"`
	CurrentState      string     `json:"current_state"`
	BatteryLevel      *float64   `json:"battery_level,omitempty"`
	SignalStrength    *int       `json:"signal_strength,omitempty"`
	OperatingPressure *float64   `json:"operating_pressure,omitempty"`
	MaxPressure       *float64   `json:"max_pressure,omitempty"`
	IsManualOverride  bool       `json:"is_manual_override"`
	OverrideReason    *string    `json:"override_reason,omitempty"`
	AutoCloseEnabled  bool       `json:"auto_close_enabled"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func valveOf(v db.Valve) valveView {
	return valveView{
		ID:                v.ID,
		ValveID:           v.ValveID,
		MeterID:           v.MeterID,
		PropertyID:        v.PropertyID,
		Type:              v.Type,
		Status:            v.Status,
		CurrentState:      v.CurrentState,
		BatteryLevel:      v.BatteryLevel,
		SignalStrength:    v.SignalStrength,
		OperatingPressure: v.OperatingPressure,
		MaxPressure:       v.MaxPressure,
		IsManualOverride:  v.IsManualOverride,
		OverrideReason:    v.OverrideReason,
		AutoCloseEnabled:  v.AutoCloseEnabled,
		LastSeenAt:        v.LastSeenAt,
		UpdatedAt:         v.UpdatedAt,
	}
}

type alertView struct {
	ID              uuid.UUID  `json:"id"`
	TargetKind      string     `json:"target_kind"`
	TargetID        uuid.UUID  `json:"target_id"`
	Type            string     `json:"type"`
	Severity        string     `json:"severity"`
	Message         string     `json:"message"`
	Status          string     `json:"status"`
	AcknowledgedBy  *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy      *string    `json:"resolved_by,omitempty"`
	ResolutionNotes *string    `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func alertOf(a db.Alert) alertView {
	return alertView{
		ID:              a.ID,
		TargetKind:      a.TargetKind,
		TargetID:        a.TargetID,
		Type:            a.Type,
		Severity:        a.Severity,
		Message:         a.Message,
		Status:          a.Status,
		AcknowledgedBy:  a.AcknowledgedBy,
		AcknowledgedAt:  a.AcknowledgedAt,
		ResolvedBy:      a.ResolvedBy,
		ResolutionNotes: a.ResolutionNotes,
		ResolvedAt:      a.ResolvedAt,
		CreatedAt:       a.CreatedAt,
	}
}

type tokenView struct {
	Token        string     `json:"token"`
	ClientID     int64      `json:"client_id"`
	PropertyID   *int64     `json:"property_id,omitempty"`
	Description  string     `json:"description,omitempty"`
	Status       string     `json:"status"`
	CreatedBy    string     `json:"created_by"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	UsedByDevice *string    `json:"used_by_device,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func tokenOf(t db.ProvisioningToken) tokenView {
	return tokenView{
		Token:        t.Token,
		ClientID:     t.ClientID,
		PropertyID:   t.PropertyID,
		Description:  t.Description,
		Status:       t.Status,
		CreatedBy:    t.CreatedBy,
		ExpiresAt:    t.ExpiresAt,
		UsedAt:       t.UsedAt,
		UsedByDevice: t.UsedByDevice,
		RevokedAt:    t.RevokedAt,
		CreatedAt:    t.CreatedAt,
	}
}

type ledgerView struct {
	ID                uuid.UUID        `json:"id"`
	Amount            decimal.Decimal  `json:"amount"`
	Balance           decimal.Decimal  `json:"balance"`
	Type              string           `json:"transaction_type"`
	Status            string           `json:"status"`
	ConsumptionVolume *float64         `json:"consumption_volume,omitempty"`
	ConsumptionCost   *decimal.Decimal `json:"consumption_cost,omitempty"`
	Reference         *string          `json:"reference,omitempty"`
	Description       string           `json:"description,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

func ledgerOf(e db.LedgerEntry) ledgerView {
	return ledgerView{
		ID:                e.ID,
		Amount:            e.Amount,
		Balance:           e.Balance,
		Type:              e.Type,
		Status:            e.Status,
		ConsumptionVolume: e.ConsumptionVolume,
		ConsumptionCost:   e.ConsumptionCost,
		Reference:         e.Reference,
		Description:       e.Description,
		CreatedAt:         e.CreatedAt,
	}
}
