package telemetry

import (
	"context"
	"sync"
	"testing"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/alerts"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/memstore"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
	"github.com/matryer/is"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type valveCalls struct {
	mu    sync.Mutex
	opens []bool
}

func (v *valveCalls) ControlMeterValves(_ context.Context, _ db.Meter, open bool) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.opens = append(v.opens, open)
	return 1, nil
}

func (v *valveCalls) calls() []bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]bool(nil), v.opens...)
}

type fixture struct {
	svc    *Service
	store  *memstore.Store
	engine *alerts.Engine
	valves *valveCalls
	meter  db.Meter
}

func newFixture(balance int64) *fixture {
	store := memstore.New()
	store.SetTariff(1, decimal.NewFromInt(1000))
	meter := store.AddMeter(db.Meter{
		MeterID:          "0012403010001",
		DeviceID:         "dev-1",
		ClientID:         1,
		Status:           db.StatusActive,
		AutoValveControl: true,
	}, decimal.NewFromInt(balance))

	engine := alerts.NewEngine(store, nil, nil, zap.NewNop())
	rules := alerts.NewRules(alerts.Thresholds{LowBalance: decimal.NewFromInt(5000), MinVoltage: 3.3})
	valves := &valveCalls{}
	svc := NewService(store, rules, engine, valves, validator.NewValidator(1000, 24), nil, nil, decimal.NewFromInt(2500), zap.NewNop())
	return &fixture{svc: svc, store: store, engine: engine, valves: valves, meter: meter}
}

func reading(meterID string, volume float64) validator.ReadingData {
	flow, voltage, door := 1.5, 3.7, 0
	return validator.ReadingData{
		MeterID:          meterID,
		FlowRate:         &flow,
		CumulativeVolume: &volume,
		Voltage:          &voltage,
		DoorStatus:       &door,
		ValveStatus:      "open",
	}
}

func (f *fixture) submit(t *testing.T, volume float64) *ReadingResult {
	t.Helper()
	res, err := f.svc.SubmitReading(context.Background(), reading(f.meter.MeterID, volume))
	if err != nil {
		t.Fatalf("submit %v: %v", volume, err)
	}
	return res
}

func alertTypes(t *testing.T, f *fixture) []string {
	t.Helper()
	list, err := f.engine.List(context.Background(), db.AlertFilter{MeterID: &f.meter.ID})
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, a := range list {
		out = append(out, a.Type)
	}
	return out
}

func TestDebit(t *testing.T) {
	is := is.New(t)
	price := decimal.NewFromInt(1000)
	last := &db.MeterReading{CumulativeVolume: 100}

	consumption, cost, balance := Debit(decimal.NewFromInt(12000), last, 110, price)
	is.Equal(consumption, 10.0)
	is.True(cost.Equal(decimal.NewFromInt(10000)))
	is.True(balance.Equal(decimal.NewFromInt(2000)))

	consumption, _, balance = Debit(decimal.NewFromInt(12000), last, 90, price)
	is.Equal(consumption, 0.0)
	is.True(balance.Equal(decimal.NewFromInt(12000)))

	consumption, _, balance = Debit(decimal.NewFromInt(12000), nil, 500, price)
	is.Equal(consumption, 0.0) // first reading is the baseline
	is.True(balance.Equal(decimal.NewFromInt(12000)))

	_, _, balance = Debit(decimal.NewFromInt(3000), last, 105, price)
	is.True(balance.IsZero())
}

func TestReadingDropsBelowLowWatermark(t *testing.T) {
	is := is.New(t)
	f := newFixture(12000)

	f.submit(t, 100)
	res := f.submit(t, 110)
	is.Equal(res.Consumption, 10.0)
	is.True(res.Cost.Equal(decimal.NewFromInt(10000)))
	is.True(res.NewBalance.Equal(decimal.NewFromInt(2000)))
	is.True(res.Tariff.Equal(decimal.NewFromInt(1000)))
	is.Equal(alertTypes(t, f), []string{alerts.TypeLowBalance})
	is.Equal(len(f.valves.calls()), 0)

	entries, err := f.svc.Ledger(context.Background(), f.meter.MeterID, 10)
	is.NoErr(err)
	is.Equal(len(entries), 2)
	is.Equal(entries[0].Type, db.LedgerConsumption)
	is.True(entries[0].Amount.Equal(decimal.NewFromInt(-10000)))
	is.Equal(*entries[0].ConsumptionVolume, 10.0)
}

func TestOverDebitClampsToZero(t *testing.T) {
	is := is.New(t)
	f := newFixture(3000)

	f.submit(t, 20)
	res := f.submit(t, 25)
	is.True(res.NewBalance.IsZero())
	is.Equal(len(res.Alerts), 1)
	is.Equal(res.Alerts[0].Type, alerts.TypeNoBalance)
	is.Equal(f.valves.calls(), []bool{false})

	// still empty: no second close and no duplicate alert
	res = f.submit(t, 30)
	is.True(res.NewBalance.IsZero())
	is.Equal(len(res.Alerts), 0)
	is.Equal(len(f.valves.calls()), 1)
}

func TestBalanceMatchesSumOfClampedCosts(t *testing.T) {
	is := is.New(t)
	f := newFixture(50000)

	volumes := []float64{10, 12.5, 12.5, 11, 20, 26.25, 26.25, 40}
	expected := decimal.NewFromInt(50000)
	var last *db.MeterReading
	for _, v := range volumes {
		res := f.submit(t, v)
		_, cost, _ := Debit(decimal.Zero, last, v, decimal.NewFromInt(1000))
		expected = expected.Sub(cost)
		is.True(!res.NewBalance.IsNegative())
		last = &db.MeterReading{CumulativeVolume: v}
	}
	if expected.IsNegative() {
		expected = decimal.Zero
	}

	credit, err := f.svc.GetCredit(context.Background(), f.meter.MeterID)
	is.NoErr(err)
	is.True(credit.Balance.Equal(expected))
	is.Equal(len(f.store.Readings(f.meter.ID)), len(volumes))
}

func TestConcurrentRetriesDebitOnce(t *testing.T) {
	is := is.New(t)
	f := newFixture(100000)
	f.submit(t, 100)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitReading(context.Background(), reading(f.meter.MeterID, 110))
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	credit, err := f.svc.GetCredit(context.Background(), f.meter.MeterID)
	is.NoErr(err)
	is.True(credit.Balance.Equal(decimal.NewFromInt(90000)))
}

func TestSubmitReadingRejections(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(1000)

	_, err := f.svc.SubmitReading(ctx, reading(f.meter.MeterID, -1))
	is.True(apperr.Is(err, apperr.KindValidation))
	is.Equal(apperr.As(err).Fields["cumulative_volume"], "must be a non-negative number")

	_, err = f.svc.SubmitReading(ctx, reading("missing", 1))
	is.True(apperr.Is(err, apperr.KindNotFound))

	inactive := f.store.AddMeter(db.Meter{MeterID: "0012403010002", Status: db.StatusInactive}, decimal.Zero)
	_, err = f.svc.SubmitReading(ctx, reading(inactive.MeterID, 1))
	is.True(apperr.Is(err, apperr.KindForbidden))
}

func TestReadingWithoutVolumeDoesNotResetBaseline(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(100000)
	f.submit(t, 50)
	f.submit(t, 51)

	partial := reading(f.meter.MeterID, 0)
	partial.CumulativeVolume = nil
	partial.FlowRate = nil
	_, err := f.svc.SubmitReading(ctx, partial)
	is.True(apperr.Is(err, apperr.KindValidation))
	is.Equal(apperr.As(err).Fields["cumulative_volume"], "is required")

	res := f.submit(t, 52)
	is.Equal(res.Consumption, 1.0)
}

func TestGetCreditFallsBackToDefaultPrice(t *testing.T) {
	is := is.New(t)
	f := newFixture(7000)
	other := f.store.AddMeter(db.Meter{MeterID: "0022403010001", ClientID: 2, Status: db.StatusActive, IsUnlocked: true}, decimal.NewFromInt(10))

	credit, err := f.svc.GetCredit(context.Background(), other.MeterID)
	is.NoErr(err)
	is.True(credit.Tariff.Equal(decimal.NewFromInt(2500)))
	is.True(credit.Balance.Equal(decimal.NewFromInt(10)))
	is.True(credit.IsUnlocked)
	is.Equal(credit.MeterStatus, db.StatusActive)
}

func TestSettlePayment(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	f := newFixture(0)

	_, err := f.svc.RecordPayment(ctx, f.meter.MeterID, "ORDER-1", "midtrans", decimal.NewFromInt(20000))
	is.NoErr(err)
	_, err = f.svc.RecordPayment(ctx, f.meter.MeterID, "ORDER-1", "midtrans", decimal.NewFromInt(20000))
	is.True(apperr.Is(err, apperr.KindConflict))

	res, err := f.svc.SettlePayment(ctx, "ORDER-1")
	is.NoErr(err)
	is.True(res.PreviousBalance.IsZero())
	is.True(res.Entry.Balance.Equal(decimal.NewFromInt(20000)))
	is.Equal(f.valves.calls(), []bool{true})

	again, err := f.svc.SettlePayment(ctx, "ORDER-1")
	is.NoErr(err)
	is.True(again == nil)
	is.NoErr(f.svc.FailPayment(ctx, "ORDER-1"))

	credit, err := f.svc.GetCredit(ctx, f.meter.MeterID)
	is.NoErr(err)
	is.True(credit.Balance.Equal(decimal.NewFromInt(20000)))

	_, err = f.svc.SettlePayment(ctx, "ORDER-404")
	is.True(apperr.Is(err, apperr.KindNotFound))
}
