package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestDeviceTokenRoundTrip(t *testing.T) {
	is := is.New(t)
	signer := NewSigner("secret", "test", nil)

	token, expires, err := signer.IssueDevice("ESP-01", "001250101000", 1)
	is.NoErr(err)
	is.True(expires.After(time.Now().Add(364 * 24 * time.Hour)))

	claims, err := signer.Parse(token, KindDevice)
	is.NoErr(err)
	is.Equal(claims.DeviceID, "ESP-01")
	is.Equal(claims.MeterID, "001250101000")
	is.Equal(claims.ClientID, int64(1))
}

func TestParseRejectsOtherKinds(t *testing.T) {
	is := is.New(t)
	signer := NewSigner("secret", "test", nil)

	token, _, err := signer.IssueAccess("user-1", "operator", 0)
	is.NoErr(err)

	_, err = signer.Parse(token, KindDevice)
	is.True(errors.Is(err, ErrWrongKind))
}

func TestParseRejectsExpiredAndForeignTokens(t *testing.T) {
	is := is.New(t)
	signer := NewSigner("secret", "test", map[Kind]time.Duration{KindDevice: time.Minute})

	token, _, err := signer.IssueDevice("ESP-01", "M1", 1)
	is.NoErr(err)

	signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = signer.Parse(token, KindDevice)
	is.True(errors.Is(err, ErrInvalidToken))

	other := NewSigner("another-secret", "test", nil)
	foreign, _, err := other.IssueDevice("ESP-01", "M1", 1)
	is.NoErr(err)
	_, err = NewSigner("secret", "test", nil).Parse(foreign, KindDevice)
	is.True(errors.Is(err, ErrInvalidToken))
}
