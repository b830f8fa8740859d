package validator

import (
	"math"
	"strings"
	"testing"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/matryer/is"
)

func ptr[T any](v T) *T { return &v }

func validReading() ReadingData {
	return ReadingData{
		MeterID:          "001250101000",
		FlowRate:         ptr(2.5),
		CumulativeVolume: ptr(120.75),
		Voltage:          ptr(3.7),
		DoorStatus:       ptr(0),
		ValveStatus:      "OPEN",
	}
}

func TestValidateReading_ValidData(t *testing.T) {
	is := is.New(t)
	v := NewValidator(500, 24)

	result := v.ValidateReading(validReading())

	is.True(result.IsValid)
	is.NoErr(result.Err("invalid_reading"))
}

func TestValidateReading_ReportsEveryField(t *testing.T) {
	is := is.New(t)
	v := NewValidator(500, 24)

	msg := strings.Repeat("x", 300)
	r := ReadingData{
		FlowRate:         ptr(-1.0),
		CumulativeVolume: ptr(math.NaN()),
		Voltage:          ptr(99.0),
		DoorStatus:       ptr(7),
		ValveStatus:      "sideways",
		StatusMessage:    &msg,
	}

	result := v.ValidateReading(r)

	is.True(!result.IsValid)
	for _, field := range []string{"meter_id", "flow_rate", "cumulative_volume", "voltage", "door_status", "valve_status", "status_message"} {
		_, ok := result.Fields[field]
		is.True(ok) // every offending field is reported
	}

	err := result.Err("invalid_reading")
	is.Equal(apperr.KindOf(err), apperr.KindValidation)
	is.Equal(apperr.As(err).Fields["door_status"], "must be 0 (closed) or 1 (open)")
}

func TestValidateReading_MissingSensorFields(t *testing.T) {
	is := is.New(t)
	v := NewValidator(500, 24)

	r := validReading()
	r.FlowRate = nil
	r.CumulativeVolume = nil
	r.Voltage = nil
	r.DoorStatus = nil

	result := v.ValidateReading(r)

	is.True(!result.IsValid)
	for _, field := range []string{"flow_rate", "cumulative_volume", "voltage", "door_status"} {
		is.Equal(result.Fields[field], "is required")
	}
	_, ok := result.Fields["meter_id"]
	is.True(!ok)
}

func TestValidatePercentage(t *testing.T) {
	is := is.New(t)
	v := NewValidator(0, 0)

	is.True(v.ValidatePercentage("percentage", 0).IsValid)
	is.True(v.ValidatePercentage("percentage", 100).IsValid)
	is.True(!v.ValidatePercentage("percentage", 150).IsValid)
	is.True(!v.ValidatePercentage("percentage", -1).IsValid)
}

func TestNormalizeValveState(t *testing.T) {
	is := is.New(t)

	state, ok := NormalizeValveState(" Closed ")
	is.True(ok)
	is.Equal(state, "closed")

	state, ok = NormalizeValveState("jammed")
	is.True(!ok)
	is.Equal(state, "unknown")
}

func TestValidateRegistration(t *testing.T) {
	is := is.New(t)
	v := NewValidator(0, 0)

	is.True(v.ValidateRegistration("ABC", "ESP32-A1:B2").IsValid)

	result := v.ValidateRegistration("", "a b")
	is.True(!result.IsValid)
	is.Equal(len(result.Fields), 2)
}
