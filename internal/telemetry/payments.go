package telemetry

import (
	"context"
	"errors"
	"strings"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecordPayment registers a pending gateway order that tops up a meter once settled
func (s *Service) RecordPayment(ctx context.Context, meterCode, orderID, gateway string, amount decimal.Decimal) (*db.Payment, error) {
	fields := map[string]string{}
	if strings.TrimSpace(orderID) == "" {
		fields["order_id"] = "is required"
	}
	if !amount.IsPositive() {
		fields["amount"] = "must be positive"
	}
	switch gateway {
	case "midtrans", "doku":
	default:
		fields["gateway"] = "must be midtrans or doku"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid_payment", "payment has invalid fields", fields)
	}

	meter, err := s.meter(ctx, meterCode)
	if err != nil {
		return nil, err
	}
	p := db.Payment{
		OrderID:   strings.TrimSpace(orderID),
		MeterID:   meter.ID,
		Amount:    amount,
		Gateway:   gateway,
		Status:    db.PaymentPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertPayment(ctx, &p); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, apperr.Conflict("payment_exists", "order id is already registered")
		}
		return nil, apperr.Internal("failed to record payment", err)
	}
	return &p, nil
}

// SettlePayment marks an order paid and credits its meter. Settling an already
// paid order is a no-op and returns a nil result.
func (s *Service) SettlePayment(ctx context.Context, orderID string) (*db.TopUpResult, error) {
	res, err := s.store.SettlePayment(ctx, orderID, s.now().UTC())
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, apperr.NotFound("payment_not_found", "payment order not found")
	case errors.Is(err, db.ErrConflict):
		p, getErr := s.store.GetPayment(ctx, orderID)
		if getErr != nil {
			return nil, apperr.Internal("failed to load payment", getErr)
		}
		if p.Status == db.PaymentPaid {
			return nil, nil
		}
		return nil, apperr.Conflict("payment_not_pending", "payment is "+p.Status)
	case err != nil:
		return nil, apperr.Internal("failed to settle payment", err)
	}

	logger := s.logger.With(
		zap.String("order_id", orderID),
		zap.String("meter_id", res.Meter.MeterID),
	)
	logger.Info("payment settled",
		zap.String("amount", res.Entry.Amount.String()),
		zap.String("balance", res.Entry.Balance.String()),
	)

	if s.valves != nil && !res.PreviousBalance.IsPositive() && res.Entry.Balance.IsPositive() {
		if n, err := s.valves.ControlMeterValves(ctx, res.Meter, true); err != nil {
			logger.Error("failed to queue automatic valve open", zap.Error(err))
		} else if n > 0 {
			logger.Info("balance restored, opening valves", zap.Int("commands", n))
		}
	}
	return res, nil
}

// FailPayment marks an order failed. Orders that already left pending are left alone.
func (s *Service) FailPayment(ctx context.Context, orderID string) error {
	err := s.store.FailPayment(ctx, orderID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return apperr.NotFound("payment_not_found", "payment order not found")
	case errors.Is(err, db.ErrConflict):
		return nil
	case err != nil:
		return apperr.Internal("failed to mark payment failed", err)
	}
	s.logger.Info("payment failed", zap.String("order_id", orderID))
	return nil
}
