package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/command"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/logging"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// money renders an amount as a JSON number with two decimals for firmware clients
func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

type registerRequest struct {
	ProvisioningToken string `json:"provisioning_token"`
	DeviceID          string `json:"device_id"`
}

type registerResponse struct {
	MeterID    string    `json:"meter_id"`
	JWTToken   string    `json:"jwt_token"`
	ClientName string    `json:"client_name"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (h *handlers) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	reg, err := h.svc.Registry.RegisterDevice(r.Context(), req.ProvisioningToken, req.DeviceID)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	ok(w, status, registerResponse{
		MeterID:    reg.Meter.MeterID,
		JWTToken:   reg.Credential,
		ClientName: reg.ClientName,
		ExpiresAt:  reg.ExpiresAt,
	})
}

type creditResponse struct {
	MeterID     string      `json:"meter_id"`
	Balance     json.Number `json:"balance"`
	Tariff      json.Number `json:"tariff_per_unit"`
	IsUnlocked  bool        `json:"is_unlocked"`
	MeterStatus string      `json:"meter_status"`
}

func (h *handlers) deviceCredit(w http.ResponseWriter, r *http.Request) {
	meterCode, err := deviceMeter(r, r.URL.Query().Get("meter_id"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	credit, err := h.svc.Telemetry.GetCredit(r.Context(), meterCode)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, creditResponse{
		MeterID:     credit.MeterID,
		Balance:     money(credit.Balance),
		Tariff:      money(credit.Tariff),
		IsUnlocked:  credit.IsUnlocked,
		MeterStatus: credit.MeterStatus,
	})
}

type readingRequest struct {
	MeterID          string   `json:"meter_id"`
	FlowRate         *float64 `json:"flow_rate"`
	CumulativeVolume *float64 `json:"cumulative_volume"`
	Voltage          *float64 `json:"voltage"`
	DoorStatus       *int     `json:"door_status"`
	ValveStatus      string   `json:"valve_status"`
	StatusMessage    *string  `json:"status_message"`
}

type readingResponse struct {
	NewBalance  json.Number `json:"new_balance"`
	Tariff      json.Number `json:"tariff_per_unit"`
	IsUnlocked  bool        `json:"is_unlocked"`
	Consumption float64     `json:"consumption"`
	Cost        json.Number `json:"cost"`
}

func (h *handlers) submitReading(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	meterCode, err := deviceMeter(r, req.MeterID)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	res, err := h.svc.Telemetry.SubmitReading(r.Context(), validator.ReadingData{
		MeterID:          meterCode,
		FlowRate:         req.FlowRate,
		CumulativeVolume: req.CumulativeVolume,
		Voltage:          req.Voltage,
		DoorStatus:       req.DoorStatus,
		ValveStatus:      req.ValveStatus,
		StatusMessage:    req.StatusMessage,
	})
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, readingResponse{
		NewBalance:  money(res.NewBalance),
		Tariff:      money(res.Tariff),
		IsUnlocked:  res.IsUnlocked,
		Consumption: res.Consumption,
		Cost:        money(res.Cost),
	})
}

func (h *handlers) pollCommands(w http.ResponseWriter, r *http.Request) {
	meterCode, err := deviceMeter(r, r.URL.Query().Get("meter_id"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	cmds, err := h.svc.Commands.Poll(r.Context(), meterCode)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	out := make([]deviceCommandView, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, deviceCommand(c))
	}
	ok(w, http.StatusOK, out)
}

type deviceStatus struct {
	BatteryLevel      *float64 `json:"battery_level"`
	SignalStrength    *int     `json:"signal_strength"`
	OperatingPressure *float64 `json:"operating_pressure"`
}

type ackRequest struct {
	CommandID     string          `json:"command_id"`
	Outcome       string          `json:"outcome"`
	Status        string          `json:"status"`
	ValveStateAck string          `json:"valve_state_ack"`
	Notes         string          `json:"notes"`
	Response      json.RawMessage `json:"response"`
	DeviceStatus  *deviceStatus   `json:"device_status"`
}

func (h *handlers) ackCommand(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	id, err := uuid.Parse(req.CommandID)
	if err != nil {
		fail(w, r, h.logger, apperr.Validation("invalid_command_id", "command_id must be a UUID",
			map[string]string{"command_id": "must be a UUID"}))
		return
	}
	outcome := req.Outcome
	if outcome == "" {
		outcome = req.Status
	}

	ack := command.Ack{
		CommandID:  id,
		Outcome:    outcome,
		ValveState: req.ValveStateAck,
		Notes:      req.Notes,
		Response:   req.Response,
	}
	if s := req.DeviceStatus; s != nil {
		ack.Telemetry = &db.ValveTelemetry{
			BatteryLevel:      s.BatteryLevel,
			SignalStrength:    s.SignalStrength,
			OperatingPressure: s.OperatingPressure,
		}
	}

	cmd, err := h.svc.Commands.Acknowledge(r.Context(), claimsFrom(r).MeterID, ack)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	logging.FromContext(r.Context(), h.logger).Debug("command acknowledged",
		zap.String("command_id", cmd.ID.String()),
		zap.String("status", cmd.Status),
	)
	ok(w, http.StatusOK, struct{}{})
}
