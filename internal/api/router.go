// Package api exposes the device, operator and payment webhook HTTP surfaces.
package api

import (
	"net/http"
	"slices"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/alerts"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/auth"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/command"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/metrics"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/realtime"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/registry"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/telemetry"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Services are the domain services the handlers delegate to
type Services struct {
	Registry  *registry.Service
	Telemetry *telemetry.Service
	Commands  *command.Service
	Alerts    *alerts.Engine
	Webhooks  *webhook.Service
	Hub       *realtime.Hub
	Signer    *auth.Signer
	Metrics   *metrics.Metrics
}

// Options configures cross-cutting router behavior
type Options struct {
	AllowedOrigins []string
}

type handlers struct {
	svc      Services
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewRouter builds the HTTP handler tree
func NewRouter(svc Services, opts Options, logger *zap.Logger) http.Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	h := &handlers{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ok(w, http.StatusOK, map[string]string{"state": "ok"})
	})
	if svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())
	}

	r.Route("/device", func(r chi.Router) {
		r.Post("/register", h.registerDevice)
		r.Group(func(r chi.Router) {
			r.Use(authenticate(svc.Signer, auth.KindDevice, false, logger))
			r.Get("/credit", h.deviceCredit)
			r.Post("/reading", h.submitReading)
			r.Get("/commands", h.pollCommands)
			r.Post("/commands/ack", h.ackCommand)
		})
	})

	r.Post("/webhooks/payment/{gateway}", h.paymentWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(authenticate(svc.Signer, auth.KindAccess, true, logger, RoleSuperadmin, RoleOperator)).
			Get("/stream", h.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(authenticate(svc.Signer, auth.KindAccess, false, logger, RoleSuperadmin, RoleOperator))

			r.Route("/valves", func(r chi.Router) {
				r.Get("/", h.listValves)
				r.Post("/", h.createValve)
				r.Get("/{id}", h.getValve)
				r.Put("/{id}", h.updateValve)
				r.Delete("/{id}", h.deleteValve)
				r.Post("/{id}/commands", h.valveCommand)
				r.Post("/{id}/override", h.setOverride)
			})

			r.Route("/commands", func(r chi.Router) {
				r.Get("/", h.commandHistory)
				r.Get("/stats", h.commandStats)
				r.Post("/bulk", h.bulkCommand)
				r.Get("/{id}", h.getCommand)
				r.Post("/{id}/cancel", h.cancelCommand)
			})

			r.Route("/meters/{meter_id}", func(r chi.Router) {
				r.Post("/commands", h.meterCommand)
				r.Get("/ledger", h.meterLedger)
				r.Post("/payments", h.recordPayment)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", h.listAlerts)
				r.Post("/{id}/acknowledge", h.acknowledgeAlert)
				r.Post("/{id}/resolve", h.resolveAlert)
			})

			r.Route("/provisioning/tokens", func(r chi.Router) {
				r.Get("/", h.listTokens)
				r.Post("/", h.generateToken)
				r.Get("/{token}", h.getToken)
				r.Delete("/{token}", h.revokeToken)
			})

			r.Get("/webhooks/status", h.webhookStatus)
			r.With(requireRole(logger, RoleSuperadmin)).Delete("/webhooks/retries", h.clearWebhooks)
		})
	})

	return r
}

func originChecker(allowed []string) func(*http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
