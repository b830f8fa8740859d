package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/memstore"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/realtime"
	"github.com/google/uuid"
	"github.com/matryer/is"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func testRules() *Rules {
	return NewRules(Thresholds{
		LowBalance:    decimal.NewFromInt(5000),
		MinVoltage:    3.3,
		LowBattery:    20,
		WeakSignalDBM: -80,
		PressureRatio: 0.9,
	})
}

func types(cands []Candidate) []string {
	var out []string
	for _, c := range cands {
		out = append(out, c.Type)
	}
	return out
}

func TestEvaluateReadingBalanceWatermarks(t *testing.T) {
	is := is.New(t)
	rules := testRules()
	meter := db.Meter{ID: uuid.New(), MeterID: "0012401010001"}
	reading := db.MeterReading{Voltage: 3.6}

	is.Equal(types(rules.EvaluateReading(meter, reading, decimal.NewFromInt(2000))), []string{TypeLowBalance})
	is.Equal(types(rules.EvaluateReading(meter, reading, decimal.NewFromInt(5000))), []string{TypeLowBalance})
	is.Equal(types(rules.EvaluateReading(meter, reading, decimal.Zero)), []string{TypeNoBalance})
	is.Equal(len(rules.EvaluateReading(meter, reading, decimal.NewFromInt(5001))), 0)
}

func TestEvaluateReadingDoorAndVoltage(t *testing.T) {
	is := is.New(t)
	meter := db.Meter{ID: uuid.New(), MeterID: "0012401010001"}
	reading := db.MeterReading{Voltage: 3.1, DoorStatus: 1}

	got := types(testRules().EvaluateReading(meter, reading, decimal.NewFromInt(100000)))
	is.Equal(got, []string{TypeDoorOpen, TypeLowVoltage})
}

func TestEvaluateValveTelemetry(t *testing.T) {
	is := is.New(t)
	battery, signal, pressure, maxPressure := 8.0, -95, 9.5, 10.0
	meter := db.Meter{ID: uuid.New(), MeterID: "0012401010001"}
	valve := db.Valve{
		ID:                uuid.New(),
		ValveID:           "V-1",
		BatteryLevel:      &battery,
		SignalStrength:    &signal,
		OperatingPressure: &pressure,
		MaxPressure:       &maxPressure,
	}

	cands := testRules().EvaluateValve(meter, valve)
	is.Equal(types(cands), []string{TypeLowBattery, TypeWeakSignal, TypePressureHigh})
	is.Equal(cands[0].Severity, SeverityCritical) // below half the battery threshold
	is.Equal(cands[0].TargetKind, db.TargetValve)
	is.Equal(cands[0].TargetID, valve.ID)
	is.Equal(cands[0].MeterID, meter.ID)
}

func newEngine() (*Engine, *memstore.Store, *realtime.Hub) {
	store := memstore.New()
	hub := realtime.NewHub(8, zap.NewNop())
	return NewEngine(store, hub, nil, zap.NewNop()), store, hub
}

func TestRaiseDeduplicatesActiveAlerts(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	engine, _, hub := newEngine()
	sub := hub.Subscribe("")
	defer sub.Close()

	meter := db.Meter{ID: uuid.New(), MeterID: "0012401010001"}
	cand := meterCandidate(meter, TypeNoBalance, SeverityCritical, "empty")

	created, err := engine.Raise(ctx, cand)
	is.NoErr(err)
	is.Equal(len(created), 1)
	first := created[0].ID

	created, err = engine.Raise(ctx, cand)
	is.NoErr(err)
	is.Equal(len(created), 0) // still active

	ev := <-sub.C()
	is.Equal(ev.Type, realtime.EventAlertRaised)
	is.Equal(ev.MeterID, meter.MeterID)

	// an acknowledged alert does not suppress a new active one
	_, err = engine.Acknowledge(ctx, first, "op-1")
	is.NoErr(err)
	created, err = engine.Raise(ctx, cand)
	is.NoErr(err)
	is.Equal(len(created), 1)
}

func TestAcknowledgeAndResolve(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	engine, _, _ := newEngine()
	meter := db.Meter{ID: uuid.New(), MeterID: "0012401010001"}

	created, err := engine.Raise(ctx, meterCandidate(meter, TypeDoorOpen, SeverityWarning, "door"))
	is.NoErr(err)
	id := created[0].ID

	_, err = engine.Acknowledge(ctx, id, "")
	is.True(apperr.Is(err, apperr.KindValidation))

	acked, err := engine.Acknowledge(ctx, id, "op-1")
	is.NoErr(err)
	is.Equal(acked.Status, db.AlertAcknowledged)
	is.Equal(*acked.AcknowledgedBy, "op-1")

	_, err = engine.Acknowledge(ctx, id, "op-1")
	is.True(apperr.Is(err, apperr.KindConflict))

	resolved, err := engine.Resolve(ctx, id, "op-2", "door closed on site")
	is.NoErr(err)
	is.Equal(resolved.Status, db.AlertResolved)
	is.Equal(*resolved.ResolutionNotes, "door closed on site")

	_, err = engine.Resolve(ctx, id, "op-2", "")
	is.True(apperr.Is(err, apperr.KindConflict))

	_, err = engine.Resolve(ctx, uuid.New(), "op-2", "")
	is.True(apperr.Is(err, apperr.KindNotFound))
}

func TestWatchdogRaisesOncePerSilentMeter(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	engine, store, _ := newEngine()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-3 * time.Hour)
	fresh := now.Add(-10 * time.Minute)
	store.AddMeter(db.Meter{MeterID: "A", Status: db.StatusActive, CreatedAt: stale, LastSeenAt: &stale}, decimal.Zero)
	store.AddMeter(db.Meter{MeterID: "B", Status: db.StatusActive, CreatedAt: stale, LastSeenAt: &fresh}, decimal.Zero)
	store.AddMeter(db.Meter{MeterID: "C", Status: db.StatusInactive, CreatedAt: stale}, decimal.Zero)

	w := NewWatchdog(store, engine, 2*time.Hour, zap.NewNop())
	w.now = func() time.Time { return now }

	n, err := w.Check(ctx)
	is.NoErr(err)
	is.Equal(n, 1)

	n, err = w.Check(ctx)
	is.NoErr(err)
	is.Equal(n, 0)

	alerts, err := engine.List(ctx, db.AlertFilter{Type: TypeCommunicationLost})
	is.NoErr(err)
	is.Equal(len(alerts), 1)
	is.Equal(alerts[0].Severity, SeverityWarning)
}
