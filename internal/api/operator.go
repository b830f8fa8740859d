package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/command"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/registry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid_id", name+" must be a UUID", map[string]string{name: "must be a UUID"})
	}
	return id, nil
}

func page(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", 50); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	return min(limit, 500), offset, nil
}

// meterUUID resolves an optional meter code query parameter
func (h *handlers) meterUUID(r *http.Request) (*uuid.UUID, error) {
	code := r.URL.Query().Get("meter_id")
	if code == "" {
		return nil, nil
	}
	meter, err := h.svc.Commands.Meter(r.Context(), code)
	if err != nil {
		return nil, err
	}
	return &meter.ID, nil
}

type commandRequest struct {
	Type     string          `json:"type"`
	Params   json.RawMessage `json:"params"`
	Priority string          `json:"priority"`
	Reason   string          `json:"reason"`
}

func (req commandRequest) kind(target string) (command.Kind, error) {
	kind, err := command.Parse(req.Type, req.Params)
	if err != nil {
		return nil, err
	}
	if kind.Target() != target {
		return nil, apperr.Validation("invalid_command_type", req.Type+" cannot be sent to a "+target,
			map[string]string{"type": "is not a " + target + " command"})
	}
	if ec, isEmergency := kind.(command.EmergencyClose); isEmergency && ec.Reason == "" {
		ec.Reason = req.Reason
		kind = ec
	}
	return kind, nil
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request, targetID uuid.UUID, req commandRequest, kind command.Kind) {
	cmd, err := h.svc.Commands.Enqueue(r.Context(), command.Request{
		TargetID:    targetID,
		Kind:        kind,
		Priority:    req.Priority,
		InitiatedBy: actor(r),
		Reason:      req.Reason,
	})
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusCreated, commandOf(*cmd))
}

func (h *handlers) valveCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var req commandRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	kind, err := req.kind(db.TargetValve)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	h.enqueue(w, r, id, req, kind)
}

func (h *handlers) meterCommand(w http.ResponseWriter, r *http.Request) {
	meter, err := h.svc.Commands.Meter(r.Context(), chi.URLParam(r, "meter_id"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var req commandRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	kind, err := req.kind(db.TargetMeter)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	h.enqueue(w, r, meter.ID, req, kind)
}

type bulkRequest struct {
	ValveIDs []uuid.UUID `json:"valve_ids"`
	Type     string      `json:"type"`
	Priority string      `json:"priority"`
	Reason   string      `json:"reason"`
}

type bulkResult struct {
	ValveID uuid.UUID    `json:"valve_id"`
	Success bool         `json:"success"`
	Command *commandView `json:"command,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Message string       `json:"message,omitempty"`
}

type bulkResponse struct {
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []bulkResult `json:"results"`
}

func (h *handlers) bulkCommand(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	results, err := h.svc.Commands.Bulk(r.Context(), command.BulkRequest{
		ValveIDs:    req.ValveIDs,
		Type:        req.Type,
		Priority:    req.Priority,
		InitiatedBy: actor(r),
		Reason:      req.Reason,
	})
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}

	resp := bulkResponse{Total: len(results), Results: make([]bulkResult, 0, len(results))}
	for _, res := range results {
		item := bulkResult{ValveID: res.ValveID}
		if res.Err != nil {
			e := apperr.As(res.Err)
			item.Reason, item.Message = e.Reason, e.Message
			resp.Failed++
		} else {
			view := commandOf(*res.Command)
			item.Success, item.Command = true, &view
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, item)
	}
	ok(w, http.StatusOK, resp)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) cancelCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			fail(w, r, h.logger, err)
			return
		}
	}
	cmd, err := h.svc.Commands.Cancel(r.Context(), id, actor(r), req.Reason)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, commandOf(*cmd))
}

func (h *handlers) getCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	cmd, err := h.svc.Commands.Get(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, commandOf(*cmd))
}

func (h *handlers) commandHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	filter := db.CommandFilter{Status: r.URL.Query().Get("status"), Limit: limit, Offset: offset}
	if raw := r.URL.Query().Get("valve_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			fail(w, r, h.logger, apperr.Validation("invalid_query", "valve_id must be a UUID",
				map[string]string{"valve_id": "must be a UUID"}))
			return
		}
		filter.TargetKind, filter.TargetID = db.TargetValve, &id
	}
	if filter.MeterID, err = h.meterUUID(r); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	cmds, err := h.svc.Commands.History(r.Context(), filter)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, commandsOf(cmds))
}

type statsResponse struct {
	Since    time.Time      `json:"since"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
}

func (h *handlers) commandStats(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats, err := h.svc.Commands.Stats(r.Context(), since)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, statsResponse{Since: since, Total: stats.Total, ByStatus: stats.ByStatus, ByType: stats.ByType})
}

type valveRequest struct {
	ValveID          string   `json:"valve_id"`
	MeterID          string   `json:"meter_id"`
	PropertyID       *int64   `json:"property_id"`
	Type             string   `json:"valve_type"`
	Status           string   `json:"status"`
	MaxPressure      *float64 `json:"max_pressure"`
	AutoCloseEnabled *bool    `json:"auto_close_enabled"`
}

func (req valveRequest) input() command.ValveInput {
	return command.ValveInput{
		ValveID:          req.ValveID,
		MeterCode:        req.MeterID,
		PropertyID:       req.PropertyID,
		Type:             req.Type,
		Status:           req.Status,
		MaxPressure:      req.MaxPressure,
		AutoCloseEnabled: req.AutoCloseEnabled,
	}
}

func (h *handlers) createValve(w http.ResponseWriter, r *http.Request) {
	var req valveRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	v, err := h.svc.Commands.CreateValve(r.Context(), req.input())
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusCreated, valveOf(*v))
}

func (h *handlers) listValves(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	filter := db.ValveFilter{Status: r.URL.Query().Get("status"), Limit: limit, Offset: offset}
	if filter.MeterID, err = h.meterUUID(r); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	valves, err := h.svc.Commands.ListValves(r.Context(), filter)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	out := make([]valveView, 0, len(valves))
	for _, v := range valves {
		out = append(out, valveOf(v))
	}
	ok(w, http.StatusOK, out)
}

func (h *handlers) getValve(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	v, err := h.svc.Commands.GetValve(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, valveOf(*v))
}

func (h *handlers) updateValve(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var req valveRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	v, err := h.svc.Commands.UpdateValve(r.Context(), id, req.input())
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, valveOf(*v))
}

func (h *handlers) deleteValve(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	if err := h.svc.Commands.DeleteValve(r.Context(), id); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type overrideRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

func (h *handlers) setOverride(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var req overrideRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	v, err := h.svc.Commands.SetOverride(r.Context(), id, req.Enabled, req.Reason, actor(r))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, valveOf(*v))
}

func (h *handlers) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	filter := db.AlertFilter{Status: q.Get("status"), Type: q.Get("type"), Limit: limit, Offset: offset}
	if filter.MeterID, err = h.meterUUID(r); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	list, err := h.svc.Alerts.List(r.Context(), filter)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	out := make([]alertView, 0, len(list))
	for _, a := range list {
		out = append(out, alertOf(a))
	}
	ok(w, http.StatusOK, out)
}

func (h *handlers) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	a, err := h.svc.Alerts.Acknowledge(r.Context(), id, actor(r))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, alertOf(*a))
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *handlers) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			fail(w, r, h.logger, err)
			return
		}
	}
	a, err := h.svc.Alerts.Resolve(r.Context(), id, actor(r), req.Notes)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, alertOf(*a))
}

type tokenRequest struct {
	ClientID    int64  `json:"client_id"`
	PropertyID  *int64 `json:"property_id"`
	TTLHours    int    `json:"ttl_hours"`
	Description string `json:"description"`
}

func (h *handlers) generateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	t, err := h.svc.Registry.GenerateToken(r.Context(), registry.TokenRequest{
		ClientID:    req.ClientID,
		PropertyID:  req.PropertyID,
		TTLHours:    req.TTLHours,
		Description: req.Description,
		CreatedBy:   actor(r),
	})
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusCreated, tokenOf(*t))
}

func (h *handlers) listTokens(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	filter := db.TokenFilter{Status: r.URL.Query().Get("status"), Limit: limit, Offset: offset}
	if raw := r.URL.Query().Get("client_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(w, r, h.logger, apperr.Validation("invalid_query", "client_id must be an integer",
				map[string]string{"client_id": "must be an integer"}))
			return
		}
		filter.ClientID = &id
	}
	tokens, err := h.svc.Registry.ListTokens(r.Context(), filter)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	out := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenOf(t))
	}
	ok(w, http.StatusOK, out)
}

func (h *handlers) getToken(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Registry.GetToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, tokenOf(*t))
}

func (h *handlers) revokeToken(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Registry.RevokeToken(r.Context(), chi.URLParam(r, "token"), actor(r)); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) meterLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	entries, err := h.svc.Telemetry.Ledger(r.Context(), chi.URLParam(r, "meter_id"), limit)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	out := make([]ledgerView, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerOf(e))
	}
	ok(w, http.StatusOK, out)
}

type paymentRequest struct {
	OrderID string          `json:"order_id"`
	Gateway string          `json:"gateway"`
	Amount  decimal.Decimal `json:"amount"`
}

type paymentView struct {
	OrderID   string          `json:"order_id"`
	MeterID   string          `json:"meter_id"`
	Gateway   string          `json:"gateway"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *handlers) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	meterCode := chi.URLParam(r, "meter_id")
	p, err := h.svc.Telemetry.RecordPayment(r.Context(), meterCode, req.OrderID, req.Gateway, req.Amount)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusCreated, paymentView{
		OrderID:   p.OrderID,
		MeterID:   meterCode,
		Gateway:   p.Gateway,
		Amount:    p.Amount,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
	})
}

func (h *handlers) webhookStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Webhooks.Stats(r.Context())
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, stats)
}

type clearResponse struct {
	Cleared int `json:"cleared"`
}

func (h *handlers) clearWebhooks(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Webhooks.Clear(r.Context(), actor(r))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	ok(w, http.StatusOK, clearResponse{Cleared: n})
}
