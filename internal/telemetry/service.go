// Package telemetry ingests meter readings, keeps the prepaid ledger and
// settles payment top-ups.
package telemetry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/alerts"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/metrics"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/realtime"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the ledger and reading storage
type Store interface {
	GetMeterByMeterID(ctx context.Context, meterID string) (*db.Meter, error)
	ApplyReading(ctx context.Context, meterID uuid.UUID, fn db.ReadingFunc) error
	LatestBalance(ctx context.Context, meterID uuid.UUID) (decimal.Decimal, error)
	ListLedger(ctx context.Context, meterID uuid.UUID, limit int) ([]db.LedgerEntry, error)
	PricePerUnit(ctx context.Context, clientID int64) (decimal.Decimal, error)

	InsertPayment(ctx context.Context, p *db.Payment) error
	GetPayment(ctx context.Context, orderID string) (*db.Payment, error)
	SettlePayment(ctx context.Context, orderID string, at time.Time) (*db.TopUpResult, error)
	FailPayment(ctx context.Context, orderID string) error
}

// Alerter raises alerts derived from readings
type Alerter interface {
	Raise(ctx context.Context, candidates ...alerts.Candidate) ([]db.Alert, error)
}

// ValveController queues automatic valve commands when a balance runs out or is restored
type ValveController interface {
	ControlMeterValves(ctx context.Context, meter db.Meter, open bool) (int, error)
}

// Service ingests readings and maintains balances
type Service struct {
	store        Store
	rules        *alerts.Rules
	alerter      Alerter
	valves       ValveController
	validator    *validator.Validator
	events       realtime.Sink
	metrics      *metrics.Metrics
	defaultPrice decimal.Decimal
	logger       *zap.Logger
	now          func() time.Time
}

// NewService creates a telemetry service. valves may be nil.
func NewService(
	store Store,
	rules *alerts.Rules,
	alerter Alerter,
	valves ValveController,
	v *validator.Validator,
	events realtime.Sink,
	m *metrics.Metrics,
	defaultPrice decimal.Decimal,
	logger *zap.Logger,
) *Service {
	if events == nil {
		events = realtime.Discard{}
	}
	return &Service{
		store:        store,
		rules:        rules,
		alerter:      alerter,
		valves:       valves,
		validator:    v,
		events:       events,
		metrics:      m,
		defaultPrice: defaultPrice,
		logger:       logger,
		now:          time.Now,
	}
}

// ReadingResult is returned to the device so it can throttle locally
type ReadingResult struct {
	Reading     db.MeterReading
	NewBalance  decimal.Decimal
	Tariff      decimal.Decimal
	IsUnlocked  bool
	Consumption float64
	Cost        decimal.Decimal
	Alerts      []db.Alert
}

// Credit is the balance view a device rechecks between readings
type Credit struct {
	MeterID     string
	Balance     decimal.Decimal
	Tariff      decimal.Decimal
	IsUnlocked  bool
	MeterStatus string
}

// Debit computes the ledger effect of a reading. The first reading of a meter
// sets the volume baseline and consumes nothing. The balance never goes below zero.
func Debit(balance decimal.Decimal, last *db.MeterReading, volume float64, price decimal.Decimal) (consumption float64, cost, newBalance decimal.Decimal) {
	if last != nil {
		consumption = math.Max(0, volume-last.CumulativeVolume)
	}
	cost = decimal.NewFromFloat(consumption).Mul(price).Round(2)
	newBalance = balance.Sub(cost)
	if newBalance.IsNegative() {
		newBalance = decimal.Zero
	}
	return consumption, cost, newBalance
}

func (s *Service) meter(ctx context.Context, meterCode string) (*db.Meter, error) {
	meter, err := s.store.GetMeterByMeterID(ctx, meterCode)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("meter_not_found", "meter not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load meter", err)
	}
	return meter, nil
}

// Price returns the tariff of a client, falling back to the configured default
func (s *Service) Price(ctx context.Context, clientID int64) (decimal.Decimal, error) {
	price, err := s.store.PricePerUnit(ctx, clientID)
	if errors.Is(err, db.ErrNotFound) {
		return s.defaultPrice, nil
	}
	if err != nil {
		return decimal.Zero, apperr.Internal("failed to load tariff", err)
	}
	return price, nil
}

// SubmitReading appends a reading, debits the ledger and evaluates alerts
func (s *Service) SubmitReading(ctx context.Context, data validator.ReadingData) (*ReadingResult, error) {
	if err := s.validator.ValidateReading(data).Err("invalid_reading"); err != nil {
		return nil, err
	}

	meter, err := s.meter(ctx, data.MeterID)
	if err != nil {
		return nil, err
	}
	if meter.Status != db.StatusActive {
		return nil, apperr.Forbidden("meter_inactive", "meter is not active")
	}
	price, err := s.Price(ctx, meter.ClientID)
	if err != nil {
		return nil, err
	}
	valveStatus, _ := validator.NormalizeValveState(data.ValveStatus)
	cumulative := *data.CumulativeVolume

	var result ReadingResult
	var previous decimal.Decimal
	now := s.now().UTC()
	err = s.store.ApplyReading(ctx, meter.ID, func(state db.LedgerState) (db.MeterReading, *db.LedgerEntry, error) {
		consumption, cost, balance := Debit(state.Balance, state.LastReading, cumulative, price)
		reading := db.MeterReading{
			ID:               uuid.New(),
			MeterID:          meter.ID,
			FlowRate:         *data.FlowRate,
			CumulativeVolume: cumulative,
			Consumption:      consumption,
			Voltage:          *data.Voltage,
			DoorStatus:       *data.DoorStatus,
			ValveStatus:      valveStatus,
			StatusMessage:    data.StatusMessage,
			RecordedAt:       now,
		}

		previous = state.Balance
		result = ReadingResult{
			Reading:     reading,
			NewBalance:  state.Balance,
			Tariff:      price,
			IsUnlocked:  state.Meter.IsUnlocked,
			Consumption: consumption,
			Cost:        cost,
		}
		if consumption <= 0 || !cost.IsPositive() {
			return reading, nil, nil
		}

		volume := consumption
		result.NewBalance = balance
		entry := &db.LedgerEntry{
			ID:                uuid.New(),
			MeterID:           meter.ID,
			CustomerID:        state.Meter.CustomerID,
			Amount:            cost.Neg(),
			Balance:           balance,
			Type:              db.LedgerConsumption,
			Status:            db.LedgerCompleted,
			ConsumptionVolume: &volume,
			ConsumptionCost:   &cost,
			Description:       "water consumption",
			CreatedAt:         now,
		}
		return reading, entry, nil
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("meter_not_found", "meter not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to apply reading", err)
	}

	logger := s.logger.With(zap.String("meter_id", meter.MeterID))
	logger.Debug("reading accepted",
		zap.Float64("consumption", result.Consumption),
		zap.String("cost", result.Cost.String()),
		zap.String("balance", result.NewBalance.String()),
	)
	s.metrics.ReadingIngested(result.Consumption)
	s.events.Publish(realtime.Event{
		Type:    realtime.EventReadingAccepted,
		MeterID: meter.MeterID,
		At:      now,
		Data:    result,
	})

	if s.alerter != nil && s.rules != nil {
		candidates := s.rules.EvaluateReading(*meter, result.Reading, result.NewBalance)
		raised, err := s.alerter.Raise(ctx, candidates...)
		if err != nil {
			logger.Error("failed to raise reading alerts", zap.Error(err))
		}
		result.Alerts = raised
	}

	if s.valves != nil && previous.IsPositive() && result.NewBalance.IsZero() {
		if n, err := s.valves.ControlMeterValves(ctx, *meter, false); err != nil {
			logger.Error("failed to queue automatic valve close", zap.Error(err))
		} else if n > 0 {
			logger.Info("balance exhausted, closing valves", zap.Int("commands", n))
		}
	}

	return &result, nil
}

// GetCredit returns the current balance, tariff and unlock flag of a meter
func (s *Service) GetCredit(ctx context.Context, meterCode string) (*Credit, error) {
	meter, err := s.meter(ctx, meterCode)
	if err != nil {
		return nil, err
	}
	balance, err := s.store.LatestBalance(ctx, meter.ID)
	if err != nil {
		return nil, apperr.Internal("failed to load balance", err)
	}
	price, err := s.Price(ctx, meter.ClientID)
	if err != nil {
		return nil, err
	}
	return &Credit{
		MeterID:     meter.MeterID,
		Balance:     balance,
		Tariff:      price,
		IsUnlocked:  meter.IsUnlocked,
		MeterStatus: meter.Status,
	}, nil
}

// Ledger returns the newest ledger entries of a meter
func (s *Service) Ledger(ctx context.Context, meterCode string, limit int) ([]db.LedgerEntry, error) {
	meter, err := s.meter(ctx, meterCode)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := s.store.ListLedger(ctx, meter.ID, limit)
	if err != nil {
		return nil, apperr.Internal("failed to list ledger", err)
	}
	return entries, nil
}
