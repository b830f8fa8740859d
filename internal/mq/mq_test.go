package mq

import (
	"context"
	"errors"
	"testing"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/realtime"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/telemetry"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
	"github.com/matryer/is"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestEventRoutingKey(t *testing.T) {
	is := is.New(t)

	is.Equal(EventRoutingKey(realtime.Event{Type: realtime.EventReadingAccepted}), "meter.reading.accepted")
	is.Equal(EventRoutingKey(realtime.Event{Type: realtime.EventAlertRaised}), "alert.raised")
	is.Equal(EventRoutingKey(realtime.Event{
		Type: realtime.EventCommandChanged,
		Data: db.Command{Status: db.CommandCompleted},
	}), "command.completed")
	is.Equal(EventRoutingKey(realtime.Event{
		Type: realtime.EventCommandChanged,
		Data: &db.Command{Status: db.CommandTimeout},
	}), "command.timeout")
	is.Equal(CommandRoutingKey("0012403010001"), "meter.0012403010001.command")
}

type recordingSubmitter struct {
	got []validator.ReadingData
	err error
}

func (r *recordingSubmitter) SubmitReading(_ context.Context, data validator.ReadingData) (*telemetry.ReadingResult, error) {
	r.got = append(r.got, data)
	if r.err != nil {
		return nil, r.err
	}
	return &telemetry.ReadingResult{NewBalance: decimal.NewFromInt(1000)}, nil
}

type recordingAck struct {
	acked, nacked, requeue bool
}

func (a *recordingAck) Ack(bool) error {
	a.acked = true
	return nil
}

func (a *recordingAck) Nack(_, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func TestBridgeAcksProcessedReadings(t *testing.T) {
	is := is.New(t)
	submitter := &recordingSubmitter{}
	c := &Consumer{queue: "ingest", logger: zap.NewNop(), handler: NewBridge(submitter, zap.NewNop()).HandleMessage}

	ack := &recordingAck{}
	c.settle(context.Background(), ack, "meter.reading.raw",
		[]byte(`{"meter_id":"0012403010001","flow_rate":1.5,"cumulative_volume":10.25,"voltage":3.7,"door_status":0,"valve_status":"open"}`))

	is.True(ack.acked)
	is.True(!ack.nacked)
	is.Equal(len(submitter.got), 1)
	is.Equal(submitter.got[0].MeterID, "0012403010001")
	is.Equal(*submitter.got[0].CumulativeVolume, 10.25)
	is.Equal(submitter.got[0].ValveStatus, "open")
}

func TestBridgeDeadLettersFailures(t *testing.T) {
	is := is.New(t)
	submitter := &recordingSubmitter{err: errors.New("meter not found")}
	c := &Consumer{queue: "ingest", logger: zap.NewNop(), handler: NewBridge(submitter, zap.NewNop()).HandleMessage}

	ack := &recordingAck{}
	c.settle(context.Background(), ack, "meter.reading.raw", []byte(`{"meter_id":"x"}`))
	is.True(ack.nacked)
	is.True(!ack.requeue)

	ack = &recordingAck{}
	c.settle(context.Background(), ack, "meter.reading.raw", []byte(`not json`))
	is.True(ack.nacked)
	is.Equal(len(submitter.got), 1)
}
