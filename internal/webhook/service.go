// Package webhook verifies inbound payment notifications and retries failed
// processing with bounded backoff.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/metrics"
	"go.uber.org/zap"
)

// Settler applies payment outcomes; both calls must be idempotent
type Settler interface {
	SettlePayment(ctx context.Context, orderID string) (*db.TopUpResult, error)
	FailPayment(ctx context.Context, orderID string) error
}

// Options configures retry behavior
type Options struct {
	MaxRetries int
	Delays     []time.Duration
	Retention  time.Duration
	BatchSize  int
}

// Service handles inbound notifications and their retries
type Service struct {
	queue    Queue
	gateways map[string]Gateway
	settler  Settler
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a webhook service for the given gateways
func NewService(queue Queue, settler Settler, opts Options, m *metrics.Metrics, logger *zap.Logger, gateways ...Gateway) *Service {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if len(opts.Delays) == 0 {
		opts.Delays = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	byName := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		byName[g.Name()] = g
	}
	return &Service{
		queue:    queue,
		gateways: byName,
		settler:  settler,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Gateway returns a registered gateway by name
func (s *Service) Gateway(name string) (Gateway, bool) {
	g, ok := s.gateways[name]
	return g, ok
}

// WebhookID derives the retry entry id from the gateway, the order and the receipt time
func WebhookID(gateway, orderID string, receivedAt time.Time) string {
	sum := sha256.Sum256([]byte(gateway + ":" + orderID + ":" + strconv.FormatInt(receivedAt.UnixNano(), 10)))
	return hex.EncodeToString(sum[:16])
}

// delay returns the backoff before the given retry attempt (1-based)
func (s *Service) delay(attempt int) time.Duration {
	i := min(max(attempt-1, 0), len(s.opts.Delays)-1)
	return s.opts.Delays[i]
}

// HandleInbound verifies and processes a notification. A processing failure is
// queued for retry and still reported as accepted, so the gateway stops retrying.
// Only notifications that fail verification are rejected.
func (s *Service) HandleInbound(ctx context.Context, gatewayName string, in Inbound) (queued bool, err error) {
	g, ok := s.gateways[gatewayName]
	if !ok {
		return false, apperr.NotFound("gateway_not_found", fmt.Sprintf("unknown payment gateway %q", gatewayName))
	}
	if len(in.Body) == 0 {
		return false, apperr.Validation("empty_payload", "webhook payload is empty", nil)
	}

	if err := g.Verify(in); err != nil {
		s.metrics.WebhookOutcome(g.Name(), "rejected")
		s.logger.Warn("webhook rejected", zap.String("gateway", g.Name()), zap.Error(err))
		if errors.Is(err, ErrMalformed) {
			return false, apperr.Validation("malformed_payload", err.Error(), nil)
		}
		return false, apperr.Unauthorized("invalid_signature", "webhook signature is invalid")
	}

	n, err := g.Parse(in.Body)
	if err != nil {
		return false, apperr.Validation("malformed_payload", err.Error(), nil)
	}

	now := s.now().UTC()
	logger := s.logger.With(zap.String("gateway", g.Name()), zap.String("order_id", n.OrderID))
	procErr := s.process(ctx, n)
	if procErr == nil {
		s.metrics.WebhookOutcome(g.Name(), "processed")
		logger.Info("webhook processed", zap.String("status", n.Status))
		return false, nil
	}

	entry := Entry{
		ID:       WebhookID(g.Name(), n.OrderID, now),
		Gateway:  g.Name(),
		OrderID:  n.OrderID,
		Payload:  in.Body,
		Attempt:  1,
		QueuedAt: now,
		RetryAt:  now.Add(s.delay(1)),
		LastErr:  procErr.Error(),
	}
	if err := s.queue.Put(ctx, entry, s.delay(1)+s.opts.Retention); err != nil {
		logger.Error("failed to queue webhook retry", zap.Error(err), zap.NamedError("processing_error", procErr))
		return false, apperr.Internal("failed to queue webhook for retry", err)
	}
	s.metrics.WebhookOutcome(g.Name(), "queued")
	logger.Warn("webhook processing failed, queued for retry",
		zap.String("webhook_id", entry.ID),
		zap.Time("retry_at", entry.RetryAt),
		zap.Error(procErr),
	)
	return true, nil
}

func (s *Service) process(ctx context.Context, n Notification) error {
	switch n.Status {
	case StatusSettled:
		_, err := s.settler.SettlePayment(ctx, n.OrderID)
		return err
	case StatusFailed:
		return s.settler.FailPayment(ctx, n.OrderID)
	default:
		return nil
	}
}

// SweepResult counts what one retry sweep did
type SweepResult struct {
	Processed int
	Requeued  int
	Dropped   int
}

// Sweep retries every due entry once
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now().UTC()
	due, err := s.queue.Due(ctx, now, s.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to load due webhooks: %w", err)
	}

	var errs []error
	for _, e := range due {
		claimed, err := s.queue.Claim(ctx, e.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !claimed {
			continue
		}
		if err := s.retry(ctx, e, &res); err != nil {
			errs = append(errs, err)
		}
	}

	if res != (SweepResult{}) {
		s.logger.Info("webhook retry sweep finished",
			zap.Int("processed", res.Processed),
			zap.Int("requeued", res.Requeued),
			zap.Int("dropped", res.Dropped),
		)
	}
	return res, errors.Join(errs...)
}

func (s *Service) retry(ctx context.Context, e Entry, res *SweepResult) error {
	logger := s.logger.With(
		zap.String("webhook_id", e.ID),
		zap.String("gateway", e.Gateway),
		zap.String("order_id", e.OrderID),
		zap.Int("attempt", e.Attempt),
	)

	procErr := s.processEntry(ctx, e)
	if procErr == nil {
		res.Processed++
		s.metrics.WebhookOutcome(e.Gateway, "retried")
		logger.Info("webhook retry succeeded")
		return s.queue.Delete(ctx, e.ID)
	}

	next := e.Attempt + 1
	if next > s.opts.MaxRetries {
		res.Dropped++
		s.metrics.WebhookOutcome(e.Gateway, "dropped")
		logger.Error("webhook retries exhausted, dropping", zap.Error(procErr))
		return s.queue.Delete(ctx, e.ID)
	}

	e.Attempt = next
	e.RetryAt = s.now().UTC().Add(s.delay(next))
	e.LastErr = procErr.Error()
	if err := s.queue.Put(ctx, e, s.delay(next)+s.opts.Retention); err != nil {
		return fmt.Errorf("failed to requeue webhook %s: %w", e.ID, err)
	}
	res.Requeued++
	logger.Warn("webhook retry failed, requeued",
		zap.Time("retry_at", e.RetryAt),
		zap.Error(procErr),
	)
	return nil
}

func (s *Service) processEntry(ctx context.Context, e Entry) error {
	g, ok := s.gateways[e.Gateway]
	if !ok {
		return fmt.Errorf("gateway %q is no longer registered", e.Gateway)
	}
	n, err := g.Parse(e.Payload)
	if err != nil {
		return err
	}
	return s.process(ctx, n)
}

// Stats summarizes the retry queue
type Stats struct {
	Pending    int            `json:"pending"`
	ByGateway  map[string]int `json:"by_gateway"`
	ByAttempt  map[int]int    `json:"by_attempt"`
	MaxRetries int            `json:"max_retries"`
	Delays     []int          `json:"retry_delays_seconds"`
	Gateways   []string       `json:"supported_gateways"`
}

// Stats reports the entries waiting in the retry queue
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	entries, err := s.queue.List(ctx)
	if err != nil {
		return nil, apperr.Internal("failed to read retry queue", err)
	}
	st := &Stats{
		Pending:    len(entries),
		ByGateway:  map[string]int{},
		ByAttempt:  map[int]int{},
		MaxRetries: s.opts.MaxRetries,
	}
	for _, e := range entries {
		st.ByGateway[e.Gateway]++
		st.ByAttempt[e.Attempt]++
	}
	for _, d := range s.opts.Delays {
		st.Delays = append(st.Delays, int(d/time.Second))
	}
	for name := range s.gateways {
		st.Gateways = append(st.Gateways, name)
	}
	slices.Sort(st.Gateways)
	return st, nil
}

// Clear drops every queued retry
func (s *Service) Clear(ctx context.Context, actor string) (int, error) {
	n, err := s.queue.Clear(ctx)
	if err != nil {
		return 0, apperr.Internal("failed to clear retry queue", err)
	}
	s.logger.Warn("webhook retry queue cleared", zap.Int("entries", n), zap.String("actor", actor))
	return n, nil
}
