// Package registry issues provisioning tokens and binds devices to meters.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/auth"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/metrics"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	tokenAttempts = 5
	maxTTLHours   = 24 * 30

	defaultKFactor           = 7.5
	defaultDistanceTolerance = 15.0
)

// Store holds clients, tokens and meters
type Store interface {
	GetClient(ctx context.Context, id int64) (*db.Client, error)
	GetProperty(ctx context.Context, id int64) (*db.Property, error)
	GetMeterByDeviceID(ctx context.Context, deviceID string) (*db.Meter, error)

	InsertToken(ctx context.Context, t *db.ProvisioningToken) error
	TokenExists(ctx context.Context, token string) (bool, error)
	GetToken(ctx context.Context, token string) (*db.ProvisioningToken, error)
	ListTokens(ctx context.Context, filter db.TokenFilter) ([]db.ProvisioningToken, error)
	RevokeToken(ctx context.Context, token string, at time.Time) error
	ProvisionMeter(ctx context.Context, p db.Provisioning) (*db.Meter, error)
}

// Service provisions devices
type Service struct {
	store      Store
	signer     *auth.Signer
	validator  *validator.Validator
	metrics    *metrics.Metrics
	defaultTTL int
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a registry service
func NewService(store Store, signer *auth.Signer, v *validator.Validator, m *metrics.Metrics, defaultTTLHours int, logger *zap.Logger) *Service {
	if defaultTTLHours <= 0 {
		defaultTTLHours = 24
	}
	return &Service{
		store:      store,
		signer:     signer,
		validator:  v,
		metrics:    m,
		defaultTTL: defaultTTLHours,
		logger:     logger,
		now:        time.Now,
	}
}

// FormatMeterID builds the meter code from the client, the day and the per-day sequence
func FormatMeterID(clientID int64, day time.Time, seq int) string {
	return fmt.Sprintf("%03d%s%04d", clientID, day.Format("060102"), seq)
}

// newToken returns 128 random bits as uppercase hex
func newToken() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

// TokenRequest describes a provisioning token to issue
type TokenRequest struct {
	ClientID    int64
	PropertyID  *int64
	TTLHours    int
	Description string
	CreatedBy   string
}

// GenerateToken issues a provisioning token for an active client and, optionally,
// one of its active properties
func (s *Service) GenerateToken(ctx context.Context, req TokenRequest) (*db.ProvisioningToken, error) {
	if req.TTLHours == 0 {
		req.TTLHours = s.defaultTTL
	}
	if req.TTLHours < 1 || req.TTLHours > maxTTLHours {
		return nil, apperr.Validation("invalid_ttl", "ttl_hours is out of range",
			map[string]string{"ttl_hours": fmt.Sprintf("must be within 1-%d", maxTTLHours)})
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("client_not_found", "client not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load client", err)
	}
	if client.Status != db.StatusActive {
		return nil, apperr.Forbidden("client_inactive", "client is not active")
	}

	if req.PropertyID != nil {
		property, err := s.store.GetProperty(ctx, *req.PropertyID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound("property_not_found", "property not found")
		}
		if err != nil {
			return nil, apperr.Internal("failed to load property", err)
		}
		if property.ClientID != client.ID {
			return nil, apperr.Forbidden("property_not_owned", "property does not belong to the client")
		}
		if property.Status != db.StatusActive {
			return nil, apperr.Forbidden("property_inactive", "property is not active")
		}
	}

	now := s.now().UTC()
	t := db.ProvisioningToken{
		ID:          uuid.New(),
		ClientID:    client.ID,
		PropertyID:  req.PropertyID,
		Description: strings.TrimSpace(req.Description),
		Status:      db.TokenActive,
		CreatedBy:   req.CreatedBy,
		ExpiresAt:   now.Add(time.Duration(req.TTLHours) * time.Hour),
		CreatedAt:   now,
	}

	for attempt := 1; attempt <= tokenAttempts; attempt++ {
		t.Token = newToken()
		exists, err := s.store.TokenExists(ctx, t.Token)
		if err != nil {
			return nil, apperr.Internal("failed to check token uniqueness", err)
		}
		if exists {
			continue
		}
		err = s.store.InsertToken(ctx, &t)
		if errors.Is(err, db.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, apperr.Internal("failed to store token", err)
		}

		s.logger.Info("provisioning token issued",
			zap.Int64("client_id", client.ID),
			zap.String("created_by", req.CreatedBy),
			zap.Time("expires_at", t.ExpiresAt),
		)
		return &t, nil
	}
	return nil, apperr.Internal("failed to generate a unique token", fmt.Errorf("%d collisions", tokenAttempts))
}

// Registration is the outcome of a device registration
type Registration struct {
	Meter      db.Meter
	Credential string
	ExpiresAt  time.Time
	ClientName string
	Created    bool
}

// RegisterDevice binds a device to a new meter by consuming a provisioning token.
// A device that is already bound gets a fresh credential for its existing meter.
func (s *Service) RegisterDevice(ctx context.Context, token, deviceID string) (*Registration, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	deviceID = strings.TrimSpace(deviceID)
	if err := s.validator.ValidateRegistration(token, deviceID).Err("invalid_registration"); err != nil {
		return nil, err
	}

	if reg, err := s.reissue(ctx, deviceID); reg != nil || err != nil {
		return reg, err
	}

	tok, err := s.store.GetToken(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return nil, s.reject(apperr.Unauthorized("invalid_token", "provisioning token is not valid"))
	}
	if err != nil {
		return nil, apperr.Internal("failed to load token", err)
	}
	now := s.now().UTC()
	switch {
	case tok.Status == db.TokenUsed:
		return nil, s.reject(apperr.Unauthorized("token_already_used", "provisioning token has already been used"))
	case tok.Status == db.TokenRevoked:
		return nil, s.reject(apperr.Unauthorized("token_revoked", "provisioning token has been revoked"))
	case !tok.ExpiresAt.After(now):
		return nil, s.reject(apperr.Unauthorized("token_expired", "provisioning token has expired"))
	}

	client, err := s.store.GetClient(ctx, tok.ClientID)
	if err != nil {
		return nil, apperr.Internal("failed to load client", err)
	}
	if client.Status != db.StatusActive {
		return nil, s.reject(apperr.Forbidden("client_inactive", "client is not active"))
	}

	meter, err := s.store.ProvisionMeter(ctx, db.Provisioning{
		Token:      token,
		DeviceID:   deviceID,
		Now:        now,
		NewMeterID: FormatMeterID,
		Defaults: db.Meter{
			KFactor:            defaultKFactor,
			DistanceTolerance:  defaultDistanceTolerance,
			CurrentValveStatus: db.ValveUnknown,
			AutoValveControl:   true,
		},
	})
	if errors.Is(err, db.ErrConflict) {
		// another registration of this device may have won the race
		if reg, err := s.reissue(ctx, deviceID); reg != nil || err != nil {
			return reg, err
		}
		return nil, s.reject(apperr.Unauthorized("token_already_used", "provisioning token has already been used"))
	}
	if err != nil {
		return nil, apperr.Internal("failed to provision meter", err)
	}

	reg, err := s.credential(*meter, client.Name)
	if err != nil {
		return nil, err
	}
	reg.Created = true
	s.metrics.Registration("created")
	s.logger.Info("device registered",
		zap.String("device_id", deviceID),
		zap.String("meter_id", meter.MeterID),
		zap.Int64("client_id", client.ID),
	)
	return reg, nil
}

// reissue returns a fresh credential when the device is already bound, nil otherwise
func (s *Service) reissue(ctx context.Context, deviceID string) (*Registration, error) {
	meter, err := s.store.GetMeterByDeviceID(ctx, deviceID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("failed to look up device", err)
	}
	if meter.Status != db.StatusActive {
		return nil, s.reject(apperr.Forbidden("meter_inactive", "meter bound to this device is not active"))
	}

	client, err := s.store.GetClient(ctx, meter.ClientID)
	if err != nil {
		return nil, apperr.Internal("failed to load client", err)
	}
	reg, err := s.credential(*meter, client.Name)
	if err != nil {
		return nil, err
	}
	s.metrics.Registration("reissued")
	s.logger.Info("device re-registered",
		zap.String("device_id", deviceID),
		zap.String("meter_id", meter.MeterID),
	)
	return reg, nil
}

func (s *Service) credential(meter db.Meter, clientName string) (*Registration, error) {
	signed, expiresAt, err := s.signer.IssueDevice(meter.DeviceID, meter.MeterID, meter.ClientID)
	if err != nil {
		return nil, apperr.Internal("failed to sign device credential", err)
	}
	return &Registration{
		Meter:      meter,
		Credential: signed,
		ExpiresAt:  expiresAt,
		ClientName: clientName,
	}, nil
}

func (s *Service) reject(err *apperr.Error) error {
	s.metrics.Registration("rejected")
	return err
}

// GetToken returns the details of one token
func (s *Service) GetToken(ctx context.Context, token string) (*db.ProvisioningToken, error) {
	t, err := s.store.GetToken(ctx, strings.ToUpper(strings.TrimSpace(token)))
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("token_not_found", "provisioning token not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load token", err)
	}
	return t, nil
}

// ListTokens returns tokens newest first
func (s *Service) ListTokens(ctx context.Context, filter db.TokenFilter) ([]db.ProvisioningToken, error) {
	switch filter.Status {
	case "", db.TokenActive, db.TokenUsed, db.TokenRevoked:
	default:
		return nil, apperr.Validation("invalid_status", "unknown token status",
			map[string]string{"status": "must be one of active, used, revoked"})
	}
	tokens, err := s.store.ListTokens(ctx, filter)
	if err != nil {
		return nil, apperr.Internal("failed to list tokens", err)
	}
	return tokens, nil
}

// RevokeToken moves an active token to revoked
func (s *Service) RevokeToken(ctx context.Context, token, actor string) error {
	token = strings.ToUpper(strings.TrimSpace(token))
	err := s.store.RevokeToken(ctx, token, s.now().UTC())
	switch {
	case errors.Is(err, db.ErrNotFound):
		return apperr.NotFound("token_not_found", "provisioning token not found")
	case errors.Is(err, db.ErrConflict):
		return apperr.Conflict("token_not_active", "only active tokens can be revoked")
	case err != nil:
		return apperr.Internal("failed to revoke token", err)
	}
	s.logger.Info("provisioning token revoked",
		zap.String("token", token[:min(8, len(token))]+"..."),
		zap.String("actor", actor),
	)
	return nil
}
