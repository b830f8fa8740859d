package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/realtime"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Publisher publishes JSON messages to one topic exchange
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.declareExchange(exchange)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

// CommandMessage is the push payload for a device command
type CommandMessage struct {
	CommandID string          `json:"command_id"`
	MeterID   string          `json:"meter_id"`
	Target    string          `json:"target_kind"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	Priority  string          `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// CommandRoutingKey addresses a command to the gateway serving meterCode
func CommandRoutingKey(meterCode string) string {
	return "meter." + meterCode + ".command"
}

// CommandPublisher pushes pending commands to device gateways
type CommandPublisher struct {
	*Publisher
}

// NewCommandPublisher creates a command publisher on exchange
func NewCommandPublisher(conn *Connection, exchange string, logger *zap.Logger) (*CommandPublisher, error) {
	p, err := NewPublisher(conn, exchange, logger)
	if err != nil {
		return nil, err
	}
	return &CommandPublisher{Publisher: p}, nil
}

// PublishCommand publishes cmd to the meter's command routing key
func (p *CommandPublisher) PublishCommand(ctx context.Context, meterCode string, cmd db.Command) error {
	msg := CommandMessage{
		CommandID: cmd.ID.String(),
		MeterID:   meterCode,
		Target:    cmd.TargetKind,
		Type:      cmd.CommandType,
		Params:    cmd.Params,
		Priority:  cmd.Priority,
		CreatedAt: cmd.CreatedAt,
		ExpiresAt: cmd.ExpiresAt,
	}
	if err := p.publish(ctx, CommandRoutingKey(meterCode), msg); err != nil {
		return err
	}
	p.logger.Debug("published command",
		zap.String("meter_id", meterCode),
		zap.String("command_id", msg.CommandID),
		zap.String("type", msg.Type),
	)
	return nil
}

// EventRoutingKey maps a domain event to its routing key. Command events
// are keyed by the command's status, e.g. command.completed.
func EventRoutingKey(e realtime.Event) string {
	if e.Type != realtime.EventCommandChanged {
		return e.Type
	}
	switch cmd := e.Data.(type) {
	case db.Command:
		return "command." + cmd.Status
	case *db.Command:
		if cmd != nil {
			return "command." + cmd.Status
		}
	}
	return e.Type
}

// EventPublisher forwards domain events to the event exchange.
// It implements realtime.Sink; failures are logged and dropped.
type EventPublisher struct {
	*Publisher
}

// NewEventPublisher creates an event publisher on exchange
func NewEventPublisher(conn *Connection, exchange string, logger *zap.Logger) (*EventPublisher, error) {
	p, err := NewPublisher(conn, exchange, logger)
	if err != nil {
		return nil, err
	}
	return &EventPublisher{Publisher: p}, nil
}

func (p *EventPublisher) Publish(e realtime.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	key := EventRoutingKey(e)
	if err := p.publish(ctx, key, e); err != nil {
		p.logger.Warn("failed to publish event",
			zap.Error(err),
			zap.String("routing_key", key),
			zap.String("meter_id", e.MeterID),
		)
	}
}
