package api

import (
	"io"
	"net/http"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/webhook"
	"github.com/go-chi/chi/v5"
)

// paymentWebhook verifies a gateway notification and answers in the gateway's
// own acknowledgment format. Processing failures are queued for retry and still
// acknowledged.
func (h *handlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		fail(w, r, h.logger, apperr.Validation("unreadable_payload", "webhook payload could not be read", nil))
		return
	}

	if _, err := h.svc.Webhooks.HandleInbound(r.Context(), name, webhook.Inbound{Body: body, Header: r.Header}); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	g, _ := h.svc.Webhooks.Gateway(name)
	contentType, ack := g.Ack()
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ack)
}
