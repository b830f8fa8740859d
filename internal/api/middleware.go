package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/auth"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/logging"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	RoleSuperadmin = "superadmin"
	RoleOperator   = "operator"
)

type claimsKey struct{}

// requestLogger stores a request scoped logger in the context and logs the outcome
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := logging.WithRequestID(logger, middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(logging.NewContext(r.Context(), reqLogger)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			reqLogger.Info("request handled",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// authenticate verifies a bearer credential of the given kind. When allowQuery
// is set the token may also come from the access_token query parameter, which
// browsers need for websocket upgrades.
func authenticate(signer *auth.Signer, kind auth.Kind, allowQuery bool, logger *zap.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, found := bearerToken(r)
			if !found && allowQuery {
				token = r.URL.Query().Get("access_token")
				found = token != ""
			}
			if !found {
				fail(w, r, logger, apperr.Unauthorized("missing_credential", "authorization header required"))
				return
			}

			claims, err := signer.Parse(token, kind)
			if errors.Is(err, auth.ErrWrongKind) {
				fail(w, r, logger, apperr.Unauthorized("wrong_credential_kind", "credential is not accepted here"))
				return
			}
			if err != nil {
				fail(w, r, logger, apperr.Unauthorized("invalid_credential", "invalid or expired credential"))
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
				fail(w, r, logger, apperr.Forbidden("insufficient_role", "role is not allowed to perform this action"))
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireRole narrows an already authenticated route group to roles
func requireRole(logger *zap.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(roles, claimsFrom(r).Role) {
				fail(w, r, logger, apperr.Forbidden("insufficient_role", "role is not allowed to perform this action"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func claimsFrom(r *http.Request) *auth.Claims {
	if c, ok := r.Context().Value(claimsKey{}).(*auth.Claims); ok {
		return c
	}
	return &auth.Claims{}
}

// actor names the operator behind a request for audit fields
func actor(r *http.Request) string {
	c := claimsFrom(r)
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// deviceMeter resolves the meter a device call is about. The device may only
// address the meter its credential was issued for.
func deviceMeter(r *http.Request, requested string) (string, error) {
	bound := claimsFrom(r).MeterID
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return bound, nil
	}
	if requested != bound {
		return "", apperr.Forbidden("meter_mismatch", "credential is not valid for this meter")
	}
	return requested, nil
}
