package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/logging"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/telemetry"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReadingMessage is a telemetry reading forwarded by a trusted gateway
type ReadingMessage struct {
	RequestID        string   `json:"request_id"`
	MeterID          string   `json:"meter_id"`
	FlowRate         *float64 `json:"flow_rate"`
	CumulativeVolume *float64 `json:"cumulative_volume"`
	Voltage          *float64 `json:"voltage"`
	DoorStatus       *int     `json:"door_status"`
	ValveStatus      string   `json:"valve_status"`
	StatusMessage    *string  `json:"status_message,omitempty"`
}

// ReadingSubmitter ingests one reading through the ledger
type ReadingSubmitter interface {
	SubmitReading(ctx context.Context, data validator.ReadingData) (*telemetry.ReadingResult, error)
}

// Bridge feeds broker readings into the same ingestion path as the device API
type Bridge struct {
	readings ReadingSubmitter
	logger   *zap.Logger
}

// NewBridge creates a telemetry bridge
func NewBridge(readings ReadingSubmitter, logger *zap.Logger) *Bridge {
	return &Bridge{readings: readings, logger: logger}
}

// HandleMessage is a MessageHandler; any error dead-letters the message
func (b *Bridge) HandleMessage(ctx context.Context, body []byte) error {
	var msg ReadingMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	reqLogger := logging.WithRequestID(b.logger, msg.RequestID).With(zap.String("meter_id", msg.MeterID))
	ctx = logging.NewContext(ctx, reqLogger)

	result, err := b.readings.SubmitReading(ctx, validator.ReadingData{
		MeterID:          msg.MeterID,
		FlowRate:         msg.FlowRate,
		CumulativeVolume: msg.CumulativeVolume,
		Voltage:          msg.Voltage,
		DoorStatus:       msg.DoorStatus,
		ValveStatus:      msg.ValveStatus,
		StatusMessage:    msg.StatusMessage,
	})
	if err != nil {
		return fmt.Errorf("failed to submit reading: %w", err)
	}

	reqLogger.Info("bridged reading processed",
		zap.Float64("consumption", result.Consumption),
		zap.String("balance", result.NewBalance.String()),
	)
	return nil
}
