package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/logging"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// envelope is the response shape of every JSON endpoint
type envelope struct {
	Status  string            `json:"status"`
	Data    any               `json:"data,omitempty"`
	Message string            `json:"message,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Status: "success", Data: data})
}

// fail writes err as an error envelope. Internal causes are logged, never returned.
func fail(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	e := apperr.As(err)
	if e.Kind == apperr.KindInternal {
		logging.FromContext(r.Context(), logger).Error("request failed", zap.Error(err))
	}
	writeJSON(w, e.Kind.HTTPStatus(), envelope{
		Status:  "error",
		Message: e.Message,
		Reason:  e.Reason,
		Errors:  e.Fields,
	})
}

// decode reads a JSON body into v, rejecting unknown trailing data
func decode(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("empty_body", "request body is required", nil)
		}
		return apperr.Validation("malformed_body", "request body is not valid JSON", nil)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Validation("malformed_body", "request body must hold a single JSON object", nil)
	}
	return nil
}

// queryInt parses a non-negative integer query parameter
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid_query", name+" must be a non-negative integer",
			map[string]string{name: "must be a non-negative integer"})
	}
	return n, nil
}
