package alerts

import (
	"fmt"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TypeLowBalance        = "low_balance"
	TypeNoBalance         = "no_balance"
	TypeDoorOpen          = "door_open"
	TypeLowVoltage        = "low_voltage"
	TypeLowBattery        = "low_battery"
	TypeWeakSignal        = "weak_signal"
	TypePressureHigh      = "pressure_high"
	TypeCommunicationLost = "communication_lost"
	TypeManualOverride    = "manual_override"
	TypeUnlockStatus      = "unlock_status"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Candidate is a triggered condition waiting to be raised
type Candidate struct {
	TargetKind string
	TargetID   uuid.UUID
	MeterID    uuid.UUID
	MeterCode  string
	Type       string
	Severity   string
	Message    string
}

// Thresholds configures the rule set
type Thresholds struct {
	LowBalance    decimal.Decimal
	MinVoltage    float64
	LowBattery    float64
	WeakSignalDBM int
	PressureRatio float64
}

// Rules evaluates the fixed threshold rule set
type Rules struct {
	thresholds Thresholds
}

// NewRules creates a rule set with the given thresholds
func NewRules(thresholds Thresholds) *Rules {
	return &Rules{thresholds: thresholds}
}

// LowBalanceThreshold returns the low balance watermark
func (r *Rules) LowBalanceThreshold() decimal.Decimal {
	return r.thresholds.LowBalance
}

func meterCandidate(meter db.Meter, alertType, severity, message string) Candidate {
	return Candidate{
		TargetKind: db.TargetMeter,
		TargetID:   meter.ID,
		MeterID:    meter.ID,
		MeterCode:  meter.MeterID,
		Type:       alertType,
		Severity:   severity,
		Message:    message,
	}
}

func valveCandidate(meter db.Meter, valve db.Valve, alertType, severity, message string) Candidate {
	return Candidate{
		TargetKind: db.TargetValve,
		TargetID:   valve.ID,
		MeterID:    meter.ID,
		MeterCode:  meter.MeterID,
		Type:       alertType,
		Severity:   severity,
		Message:    message,
	}
}

// EvaluateReading checks balance, door and voltage after a reading is applied.
// A zero balance raises no_balance only; low_balance needs a positive balance at or below the watermark.
func (r *Rules) EvaluateReading(meter db.Meter, reading db.MeterReading, balance decimal.Decimal) []Candidate {
	var out []Candidate

	switch {
	case !balance.IsPositive():
		out = append(out, meterCandidate(meter, TypeNoBalance, SeverityCritical,
			fmt.Sprintf("meter %s has no balance left", meter.MeterID)))
	case balance.LessThanOrEqual(r.thresholds.LowBalance):
		out = append(out, meterCandidate(meter, TypeLowBalance, SeverityWarning,
			fmt.Sprintf("meter %s balance %s is at or below %s", meter.MeterID, balance.StringFixed(2), r.thresholds.LowBalance.StringFixed(2))))
	}

	if reading.DoorStatus == 1 {
		out = append(out, meterCandidate(meter, TypeDoorOpen, SeverityWarning,
			fmt.Sprintf("meter %s enclosure door is open", meter.MeterID)))
	}

	if r.thresholds.MinVoltage > 0 && reading.Voltage < r.thresholds.MinVoltage {
		out = append(out, meterCandidate(meter, TypeLowVoltage, SeverityWarning,
			fmt.Sprintf("meter %s voltage %.2fV is below %.2fV", meter.MeterID, reading.Voltage, r.thresholds.MinVoltage)))
	}

	return out
}

// EvaluateValve checks battery, signal and pressure reported by a valve
func (r *Rules) EvaluateValve(meter db.Meter, valve db.Valve) []Candidate {
	var out []Candidate

	if valve.BatteryLevel != nil && *valve.BatteryLevel < r.thresholds.LowBattery {
		severity := SeverityWarning
		if *valve.BatteryLevel < r.thresholds.LowBattery/2 {
			severity = SeverityCritical
		}
		out = append(out, valveCandidate(meter, valve, TypeLowBattery, severity,
			fmt.Sprintf("valve %s battery at %.0f%%", valve.ValveID, *valve.BatteryLevel)))
	}

	if valve.SignalStrength != nil && *valve.SignalStrength < r.thresholds.WeakSignalDBM {
		out = append(out, valveCandidate(meter, valve, TypeWeakSignal, SeverityInfo,
			fmt.Sprintf("valve %s signal %d dBm is weak", valve.ValveID, *valve.SignalStrength)))
	}

	if valve.OperatingPressure != nil && valve.MaxPressure != nil && *valve.MaxPressure > 0 &&
		*valve.OperatingPressure > *valve.MaxPressure*r.thresholds.PressureRatio {
		out = append(out, valveCandidate(meter, valve, TypePressureHigh, SeverityCritical,
			fmt.Sprintf("valve %s pressure %.2f exceeds %.0f%% of max %.2f", valve.ValveID,
				*valve.OperatingPressure, r.thresholds.PressureRatio*100, *valve.MaxPressure)))
	}

	return out
}

// ManualOverride builds the alert raised when a valve is put under manual control
func ManualOverride(meter db.Meter, valve db.Valve, reason string) Candidate {
	return valveCandidate(meter, valve, TypeManualOverride, SeverityWarning,
		fmt.Sprintf("valve %s is under manual override: %s", valve.ValveID, reason))
}

// UnlockStatus builds the alert raised when a meter's unlock flag changes
func UnlockStatus(meter db.Meter, unlocked bool) Candidate {
	state := "locked"
	if unlocked {
		state = "unlocked"
	}
	return meterCandidate(meter, TypeUnlockStatus, SeverityInfo,
		fmt.Sprintf("meter %s is now %s", meter.MeterID, state))
}

// CommunicationLost builds the alert raised for a silent meter
func CommunicationLost(meter db.Meter, silentFor string) Candidate {
	return meterCandidate(meter, TypeCommunicationLost, SeverityWarning,
		fmt.Sprintf("meter %s has not reported for %s", meter.MeterID, silentFor))
}
