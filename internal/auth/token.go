// Package auth issues and validates the signed credentials used by devices
// and operators. Every credential is an HS256 JWT whose claims carry a kind tag;
// each kind has its own expiry policy.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind tags the purpose of a signed token
type Kind string

const (
	KindAccess        Kind = "access"
	KindRefresh       Kind = "refresh"
	KindDevice        Kind = "device"
	KindEmailVerify   Kind = "email_verify"
	KindPasswordReset Kind = "password_reset"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongKind    = errors.New("token kind not accepted here")
)

// Claims is the tagged claim set shared by every token kind.
// Device tokens fill DeviceID and MeterID; operator tokens fill UserID and Role.
type Claims struct {
	Kind     Kind   `json:"kind"`
	DeviceID string `json:"device_id,omitempty"`
	MeterID  string `json:"meter_id,omitempty"`
	ClientID int64  `json:"client_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Role     string `json:"role,omitempty"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Signer signs and verifies tokens with one shared secret
type Signer struct {
	secret []byte
	issuer string
	ttl    map[Kind]time.Duration
	now    func() time.Time
}

// NewSigner creates a signer. Kinds missing from ttl fall back to the defaults.
func NewSigner(secret, issuer string, ttl map[Kind]time.Duration) *Signer {
	policy := map[Kind]time.Duration{
		KindAccess:        12 * time.Hour,
		KindRefresh:       7 * 24 * time.Hour,
		KindDevice:        365 * 24 * time.Hour,
		KindEmailVerify:   24 * time.Hour,
		KindPasswordReset: time.Hour,
	}
	for kind, d := range ttl {
		if d > 0 {
			policy[kind] = d
		}
	}
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: policy, now: time.Now}
}

// Sign issues a token for claims, stamping issuer, issued-at and the kind's expiry
func (s *Signer) Sign(claims Claims) (string, time.Time, error) {
	ttl, ok := s.ttl[claims.Kind]
	if !ok {
		return "", time.Time{}, fmt.Errorf("unknown token kind %q", claims.Kind)
	}

	now := s.now()
	expires := now.Add(ttl)
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expires)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", claims.Kind, err)
	}
	return signed, expires, nil
}

// IssueDevice issues the long lived credential a registered device presents on every call
func (s *Signer) IssueDevice(deviceID, meterID string, clientID int64) (string, time.Time, error) {
	return s.Sign(Claims{
		Kind:             KindDevice,
		DeviceID:         deviceID,
		MeterID:          meterID,
		ClientID:         clientID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: deviceID},
	})
}

// IssueAccess issues an operator access credential
func (s *Signer) IssueAccess(userID, role string, clientID int64) (string, time.Time, error) {
	return s.Sign(Claims{
		Kind:             KindAccess,
		UserID:           userID,
		Role:             role,
		ClientID:         clientID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	})
}

// Parse validates signature and expiry and checks the token is of the wanted kind
func (s *Signer) Parse(tokenString string, want Kind) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Kind != want {
		return nil, ErrWrongKind
	}
	return claims, nil
}
