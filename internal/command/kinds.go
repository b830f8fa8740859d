// Package command queues state changes for valves and meters, dispatches them
// to polling devices and applies device acknowledgments.
package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
)

const (
	TypeOpen           = "open"
	TypeClose          = "close"
	TypePartialOpen    = "partial_open"
	TypeEmergencyClose = "emergency_close"
	TypeStatusCheck    = "status_check"
	TypeConfigUpdate   = "config_update"
	TypeUnlock         = "unlock"
)

// Kind is one command variant with its typed parameters
type Kind interface {
	// Type is the wire name stored in command_type
	Type() string
	// Target is the kind of entity the command addresses
	Target() string
	validate() error
}

// Open fully opens a valve
type Open struct{}

// Close fully closes a valve
type Close struct{}

// PartialOpen opens a valve to a percentage
type PartialOpen struct {
	Percentage float64 `json:"percentage"`
}

// EmergencyClose closes a valve, bypassing manual override
type EmergencyClose struct {
	Reason string `json:"reason,omitempty"`
}

// StatusCheck asks a valve to report its state
type StatusCheck struct{}

// ConfigUpdate changes the sensor calibration of a meter
type ConfigUpdate struct {
	KFactor           *float64 `json:"k_factor,omitempty"`
	DistanceTolerance *float64 `json:"distance_tolerance,omitempty"`
}

// Unlock sets or clears the bypass flag of a meter
type Unlock struct {
	Unlock bool `json:"unlock"`
}

func (Open) Type() string           { return TypeOpen }
func (Close) Type() string          { return TypeClose }
func (PartialOpen) Type() string    { return TypePartialOpen }
func (EmergencyClose) Type() string { return TypeEmergencyClose }
func (StatusCheck) Type() string    { return TypeStatusCheck }
func (ConfigUpdate) Type() string   { return TypeConfigUpdate }
func (Unlock) Type() string         { return TypeUnlock }

func (Open) Target() string           { return db.TargetValve }
func (Close) Target() string          { return db.TargetValve }
func (PartialOpen) Target() string    { return db.TargetValve }
func (EmergencyClose) Target() string { return db.TargetValve }
func (StatusCheck) Target() string    { return db.TargetValve }
func (ConfigUpdate) Target() string   { return db.TargetMeter }
func (Unlock) Target() string         { return db.TargetMeter }

func (Open) validate() error           { return nil }
func (Close) validate() error          { return nil }
func (EmergencyClose) validate() error { return nil }
func (StatusCheck) validate() error    { return nil }
func (Unlock) validate() error         { return nil }

func (k PartialOpen) validate() error {
	return validator.NewValidator(0, 0).ValidatePercentage("params.percentage", k.Percentage).Err("invalid_percentage")
}

func (k ConfigUpdate) validate() error {
	fields := map[string]string{}
	if k.KFactor == nil && k.DistanceTolerance == nil {
		fields["params"] = "must set k_factor or distance_tolerance"
	}
	if k.KFactor != nil && *k.KFactor <= 0 {
		fields["params.k_factor"] = "must be positive"
	}
	if k.DistanceTolerance != nil && *k.DistanceTolerance < 0 {
		fields["params.distance_tolerance"] = "must not be negative"
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid_config", "config update parameters are invalid", fields)
	}
	return nil
}

// Parse builds a validated Kind from a wire type and its JSON parameters
func Parse(commandType string, params json.RawMessage) (Kind, error) {
	var kind Kind
	switch strings.ToLower(strings.TrimSpace(commandType)) {
	case TypeOpen:
		kind = Open{}
	case TypeClose:
		kind = Close{}
	case TypeStatusCheck:
		kind = StatusCheck{}
	case TypePartialOpen:
		var k PartialOpen
		if err := decodeParams(params, &k); err != nil {
			return nil, err
		}
		if !hasField(params, "percentage") {
			return nil, apperr.Validation("invalid_percentage", "partial_open requires a percentage",
				map[string]string{"params.percentage": "is required"})
		}
		kind = k
	case TypeEmergencyClose:
		var k EmergencyClose
		if err := decodeParams(params, &k); err != nil {
			return nil, err
		}
		kind = k
	case TypeConfigUpdate:
		var k ConfigUpdate
		if err := decodeParams(params, &k); err != nil {
			return nil, err
		}
		kind = k
	case TypeUnlock:
		k := Unlock{Unlock: true}
		if err := decodeParams(params, &k); err != nil {
			return nil, err
		}
		kind = k
	default:
		return nil, apperr.Validation("invalid_command_type", fmt.Sprintf("unknown command type %q", commandType),
			map[string]string{"type": "is not a supported command type"})
	}

	if err := kind.validate(); err != nil {
		return nil, err
	}
	return kind, nil
}

// Encode returns the JSON parameters stored with a command
func Encode(kind Kind) (json.RawMessage, error) {
	switch kind.(type) {
	case Open, Close, StatusCheck:
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s params: %w", kind.Type(), err)
	}
	return raw, nil
}

// Decode restores the Kind of a stored command
func Decode(c db.Command) (Kind, error) {
	kind, err := Parse(c.CommandType, c.Params)
	if err != nil {
		return nil, fmt.Errorf("command %s has unreadable params: %w", c.ID, err)
	}
	return kind, nil
}

func decodeParams(params json.RawMessage, into any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return apperr.Validation("invalid_params", "command parameters are malformed",
			map[string]string{"params": err.Error()})
	}
	return nil
}

func hasField(params json.RawMessage, name string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return false
	}
	_, ok := fields[name]
	return ok
}
