package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/auth"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/memstore"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
	"github.com/matryer/is"
	"go.uber.org/zap"
)

func newService() (*Service, *memstore.Store, *auth.Signer) {
	store := memstore.New()
	store.AddClient(db.Client{ID: 7, Name: "Perumahan Asri", Status: db.StatusActive})
	store.AddClient(db.Client{ID: 8, Name: "Dormant", Status: db.StatusInactive})
	store.AddProperty(db.Property{ID: 70, ClientID: 7, Name: "Blok A", Status: db.StatusActive})
	store.AddProperty(db.Property{ID: 80, ClientID: 8, Name: "Blok Z", Status: db.StatusActive})
	signer := auth.NewSigner("test-secret", "test", nil)
	svc := NewService(store, signer, validator.NewValidator(0, 0), nil, 24, zap.NewNop())
	return svc, store, signer
}

func TestFormatMeterID(t *testing.T) {
	is := is.New(t)
	day := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	is.Equal(FormatMeterID(7, day, 12), "0072403090012")
}

func TestGenerateTokenChecksOwnership(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	svc, _, _ := newService()

	_, err := svc.GenerateToken(ctx, TokenRequest{ClientID: 99})
	is.True(apperr.Is(err, apperr.KindNotFound))

	_, err = svc.GenerateToken(ctx, TokenRequest{ClientID: 8})
	is.True(apperr.Is(err, apperr.KindForbidden))

	prop := int64(80)
	_, err = svc.GenerateToken(ctx, TokenRequest{ClientID: 7, PropertyID: &prop})
	is.True(apperr.Is(err, apperr.KindForbidden))

	_, err = svc.GenerateToken(ctx, TokenRequest{ClientID: 7, TTLHours: -1})
	is.True(apperr.Is(err, apperr.KindValidation))

	prop = 70
	tok, err := svc.GenerateToken(ctx, TokenRequest{ClientID: 7, PropertyID: &prop, Description: "batch 1", CreatedBy: "admin"})
	is.NoErr(err)
	is.Equal(len(tok.Token), 32)
	is.Equal(tok.Status, db.TokenActive)
	is.True(tok.ExpiresAt.Sub(tok.CreatedAt) == 24*time.Hour)
}

func TestRegisterDeviceCreatesMeterAndCredential(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	svc, store, signer := newService()
	svc.now = func() time.Time { return time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC) }

	tok, err := svc.GenerateToken(ctx, TokenRequest{ClientID: 7})
	is.NoErr(err)

	reg, err := svc.RegisterDevice(ctx, tok.Token, "esp32-aa01")
	is.NoErr(err)
	is.True(reg.Created)
	is.Equal(reg.Meter.MeterID, "0072403090001")
	is.Equal(reg.ClientName, "Perumahan Asri")
	is.Equal(reg.Meter.KFactor, defaultKFactor)

	claims, err := signer.Parse(reg.Credential, auth.KindDevice)
	is.NoErr(err)
	is.Equal(claims.DeviceID, "esp32-aa01")
	is.Equal(claims.MeterID, reg.Meter.MeterID)
	is.Equal(claims.ClientID, int64(7))

	used, err := svc.GetToken(ctx, tok.Token)
	is.NoErr(err)
	is.Equal(used.Status, db.TokenUsed)
	is.Equal(*used.UsedByDevice, "esp32-aa01")

	balance, err := store.LatestBalance(ctx, reg.Meter.ID)
	is.NoErr(err)
	is.True(balance.IsZero())

	// a second device the same day gets the next sequence number
	tok2, err := svc.GenerateToken(ctx, TokenRequest{ClientID: 7})
	is.NoErr(err)
	reg2, err := svc.RegisterDevice(ctx, tok2.Token, "esp32-aa02")
	is.NoErr(err)
	is.Equal(reg2.Meter.MeterID, "0072403090002")
}

func TestRegisterDeviceIsIdempotentForBoundDevice(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	svc, _, _ := newService()

	tok, err := svc.GenerateToken(ctx, TokenRequest{ClientID: 7})
	is.NoErr(err)
	first, err := svc.RegisterDevice(ctx, tok.Token, "esp32-aa01")
	is.NoErr(err)

	// the used token no longer matters once the device is bound
	again, err := svc.RegisterDevice(ctx, tok.Token, "esp32-aa01")
	is.NoErr(err)
	is.True(!again.Created)
	is.Equal(again.Meter.ID, first.Meter.ID)
}

func TestRegisterDeviceRejectsBadTokens(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	svc, _, _ := newService()

	_, err := svc.RegisterDevice(ctx, "NOPE", "esp32-aa01")
	is.Equal(apperr.As(err).Reason, "invalid_token")

	_, err = svc.RegisterDevice(ctx, "", "x")
	is.True(apperr.Is(err, apperr.KindValidation))

	tok, err := svc.GenerateToken(ctx, TokenRequest{ClientID: 7})
	is.NoErr(err)
	is.NoErr(svc.RevokeToken(ctx, tok.Token, "admin"))
	_, err = svc.RegisterDevice(ctx, tok.Token, "esp32-aa01")
	is.Equal(apperr.As(err).Reason, "token_revoked")

	err = svc.RevokeToken(ctx, tok.Token, "admin")
	is.True(apperr.Is(err, apperr.KindConflict))

	expired, err := svc.GenerateToken(ctx, TokenRequest{ClientID: 7, TTLHours: 1})
	is.NoErr(err)
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.RegisterDevice(ctx, expired.Token, "esp32-aa01")
	is.Equal(apperr.As(err).Reason, "token_expired")
}

func TestConcurrentRegistrationsConsumeTokenOnce(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	svc, _, _ := newService()

	tok, err := svc.GenerateToken(ctx, TokenRequest{ClientID: 7})
	is.NoErr(err)

	const callers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, rejected := 0, 0
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RegisterDevice(ctx, tok.Token, fmt.Sprintf("esp32-%02d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case apperr.Is(err, apperr.KindUnauthorized):
				rejected++
			}
		}()
	}
	wg.Wait()

	is.Equal(created, 1)
	is.Equal(rejected, callers-1)

	tokens, err := svc.ListTokens(ctx, db.TokenFilter{Status: db.TokenUsed})
	is.NoErr(err)
	is.Equal(len(tokens), 1)
}
