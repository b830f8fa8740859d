package validator

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{3,64}$`)

// ValidationResult holds validation outcome per field
type ValidationResult struct {
	IsValid bool
	Fields  map[string]string
}

func newResult() ValidationResult {
	return ValidationResult{IsValid: true, Fields: map[string]string{}}
}

func (r *ValidationResult) fail(field, reason string) {
	r.IsValid = false
	if _, exists := r.Fields[field]; !exists {
		r.Fields[field] = reason
	}
}

// Err converts a failed result into a validation error, nil when valid
func (r ValidationResult) Err(reason string) error {
	if r.IsValid {
		return nil
	}
	return apperr.Validation(reason, "request has invalid fields", r.Fields)
}

// ReadingData is a single telemetry submission. Sensor fields are pointers so
// an omitted field is told apart from a zero reading.
type ReadingData struct {
	MeterID          string
	FlowRate         *float64
	CumulativeVolume *float64
	Voltage          *float64
	DoorStatus       *int
	ValveStatus      string
	StatusMessage    *string
}

// Validator checks inbound payloads against configurable sensor limits
type Validator struct {
	maxFlowRate float64
	maxVoltage  float64
}

// NewValidator creates a validator with the given sensor limits
func NewValidator(maxFlowRate, maxVoltage float64) *Validator {
	return &Validator{
		maxFlowRate: maxFlowRate,
		maxVoltage:  maxVoltage,
	}
}

// NormalizeValveState lowercases a reported valve state and maps unknown values to "unknown"
func NormalizeValveState(state string) (string, bool) {
	switch s := strings.ToLower(strings.TrimSpace(state)); s {
	case "open", "closed", "partial", "unknown":
		return s, true
	case "close":
		return "closed", true
	default:
		return "unknown", false
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ValidateReading validates a telemetry submission
func (v *Validator) ValidateReading(r ReadingData) ValidationResult {
	result := newResult()

	if strings.TrimSpace(r.MeterID) == "" {
		result.fail("meter_id", "is required")
	}

	switch {
	case r.FlowRate == nil:
		result.fail("flow_rate", "is required")
	case !finite(*r.FlowRate) || *r.FlowRate < 0:
		result.fail("flow_rate", "must be a non-negative number")
	case v.maxFlowRate > 0 && *r.FlowRate > v.maxFlowRate:
		result.fail("flow_rate", fmt.Sprintf("exceeds sensor limit %.1f", v.maxFlowRate))
	}

	switch {
	case r.CumulativeVolume == nil:
		result.fail("cumulative_volume", "is required")
	case !finite(*r.CumulativeVolume) || *r.CumulativeVolume < 0:
		result.fail("cumulative_volume", "must be a non-negative number")
	}

	switch {
	case r.Voltage == nil:
		result.fail("voltage", "is required")
	case !finite(*r.Voltage) || *r.Voltage < 0:
		result.fail("voltage", "must be a non-negative number")
	case v.maxVoltage > 0 && *r.Voltage > v.maxVoltage:
		result.fail("voltage", fmt.Sprintf("exceeds sensor limit %.1f", v.maxVoltage))
	}

	switch {
	case r.DoorStatus == nil:
		result.fail("door_status", "is required")
	case *r.DoorStatus != 0 && *r.DoorStatus != 1:
		result.fail("door_status", "must be 0 (closed) or 1 (open)")
	}

	if _, ok := NormalizeValveState(r.ValveStatus); !ok {
		result.fail("valve_status", "must be one of open, closed, partial, unknown")
	}

	if r.StatusMessage != nil && len(*r.StatusMessage) > 255 {
		result.fail("status_message", "must be at most 255 characters")
	}

	return result
}

// ValidateRegistration validates a device registration request
func (v *Validator) ValidateRegistration(token, deviceID string) ValidationResult {
	result := newResult()
	if strings.TrimSpace(token) == "" {
		result.fail("provisioning_token", "is required")
	}
	if !deviceIDPattern.MatchString(deviceID) {
		result.fail("device_id", "must be 3-64 characters of letters, digits, '_', '.', ':' or '-'")
	}
	return result
}

// ValidatePercentage validates a partial open percentage
func (v *Validator) ValidatePercentage(field string, percentage float64) ValidationResult {
	result := newResult()
	if !finite(percentage) || percentage < 0 || percentage > 100 {
		result.fail(field, "must be within 0-100")
	}
	return result
}
