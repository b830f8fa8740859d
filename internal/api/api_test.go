package api

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/alerts"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/auth"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/command"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/memstore"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/realtime"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/registry"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/telemetry"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/validator"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/webhook"
	"github.com/matryer/is"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const serverKey = "SB-Mid-server-test"

type testServer struct {
	handler  http.Handler
	store    *memstore.Store
	signer   *auth.Signer
	operator string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memstore.New()
	store.AddClient(db.Client{ID: 1, Name: "Perumahan Asri", Status: db.StatusActive})

	signer := auth.NewSigner("test-secret", "test", nil)
	hub := realtime.NewHub(8, logger)
	v := validator.NewValidator(1000, 24)
	rules := alerts.NewRules(alerts.Thresholds{LowBalance: decimal.NewFromInt(5000), MinVoltage: 3.3})
	engine := alerts.NewEngine(store, hub, nil, logger)

	commands := command.NewService(store, nil, engine, rules, hub, nil, command.Options{TTL: time.Hour, PollLimit: 10}, logger)
	readings := telemetry.NewService(store, rules, engine, commands, v, hub, nil, decimal.NewFromInt(1000), logger)
	webhooks := webhook.NewService(webhook.NewMemoryQueue(), readings, webhook.Options{}, nil, logger,
		webhook.Midtrans{ServerKey: serverKey})

	operator, _, err := signer.IssueAccess("op-1", RoleOperator, 1)
	if err != nil {
		t.Fatalf("issue operator token: %v", err)
	}

	return &testServer{
		handler: NewRouter(Services{
			Registry:  registry.NewService(store, signer, v, nil, 24, logger),
			Telemetry: readings,
			Commands:  commands,
			Alerts:    engine,
			Webhooks:  webhooks,
			Hub:       hub,
			Signer:    signer,
		}, Options{}, logger),
		store:    store,
		signer:   signer,
		operator: operator,
	}
}

type response struct {
	Code     int                        `json:"-"`
	Status   string                     `json:"status"`
	Data     json.RawMessage            `json:"data"`
	Message  string                     `json:"message"`
	Reason   string                     `json:"reason"`
	Errors   map[string]string          `json:"errors"`
	Body     []byte                     `json:"-"`
	Recorder *httptest.ResponseRecorder `json:"-"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) response {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	res := response{Code: rec.Code, Body: rec.Body.Bytes(), Recorder: rec}
	_ = json.Unmarshal(res.Body, &res)
	return res
}

func (r response) into(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("decode data %s: %v", r.Data, err)
	}
}

// register provisions a device and returns its meter code and credential
func (s *testServer) register(t *testing.T, deviceID string) (string, string) {
	t.Helper()
	res := s.do(t, http.MethodPost, "/api/v1/provisioning/tokens", s.operator, map[string]any{"client_id": 1})
	if res.Code != http.StatusCreated {
		t.Fatalf("generate token: %d %s", res.Code, res.Body)
	}
	var tok struct {
		Token string `json:"token"`
	}
	res.into(t, &tok)

	res = s.do(t, http.MethodPost, "/device/register", "", map[string]string{"provisioning_token": tok.Token, "device_id": deviceID})
	if res.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", res.Code, res.Body)
	}
	var reg registerResponse
	res.into(t, &reg)
	return reg.MeterID, reg.JWTToken
}

func midtransSettlement(orderID string) []byte {
	sum := sha512.Sum512([]byte(orderID + "200" + "20000.00" + serverKey))
	return []byte(fmt.Sprintf(`{"order_id":%q,"status_code":"200","gross_amount":"20000.00","signature_key":%q,"transaction_status":"settlement"}`,
		orderID, hex.EncodeToString(sum[:])))
}

func TestHealthz(t *testing.T) {
	is := is.New(t)
	s := newTestServer(t)
	res := s.do(t, http.MethodGet, "/healthz", "", nil)
	is.Equal(res.Code, http.StatusOK)
	is.Equal(res.Status, "success")
}

func TestDeviceLifecycle(t *testing.T) {
	is := is.New(t)
	s := newTestServer(t)
	meterID, device := s.register(t, "esp32-aa01")

	// registering again reissues a credential for the same meter
	res := s.do(t, http.MethodPost, "/device/register", "", map[string]string{"provisioning_token": "DOESNOTMATTER", "device_id": "esp32-aa01"})
	is.Equal(res.Code, http.StatusOK)

	res = s.do(t, http.MethodPost, "/api/v1/meters/"+meterID+"/payments", s.operator,
		map[string]any{"order_id": "ORDER-1", "gateway": "midtrans", "amount": "20000"})
	is.Equal(res.Code, http.StatusCreated)

	res = s.do(t, http.MethodPost, "/webhooks/payment/midtrans", "", midtransSettlement("ORDER-1"))
	is.Equal(res.Code, http.StatusOK)
	is.Equal(string(res.Body), "OK")
	is.Equal(res.Recorder.Header().Get("Content-Type"), "text/plain; charset=utf-8")

	var credit struct {
		Balance    float64 `json:"balance"`
		Tariff     float64 `json:"tariff_per_unit"`
		IsUnlocked bool    `json:"is_unlocked"`
	}
	res = s.do(t, http.MethodGet, "/device/credit?meter_id="+meterID, device, nil)
	is.Equal(res.Code, http.StatusOK)
	res.into(t, &credit)
	is.Equal(credit.Balance, 20000.0)
	is.Equal(credit.Tariff, 1000.0)

	reading := map[string]any{"meter_id": meterID, "flow_rate": 1.2, "cumulative_volume": 10.0, "voltage": 3.7, "door_status": 0, "valve_status": "open"}
	res = s.do(t, http.MethodPost, "/device/reading", device, reading)
	is.Equal(res.Code, http.StatusOK)

	reading["cumulative_volume"] = 12.0
	res = s.do(t, http.MethodPost, "/device/reading", device, reading)
	is.Equal(res.Code, http.StatusOK)
	var out struct {
		NewBalance  float64 `json:"new_balance"`
		Consumption float64 `json:"consumption"`
		Cost        float64 `json:"cost"`
	}
	res.into(t, &out)
	is.Equal(out.Consumption, 2.0)
	is.Equal(out.Cost, 2000.0)
	is.Equal(out.NewBalance, 18000.0)

	res = s.do(t, http.MethodGet, "/api/v1/meters/"+meterID+"/ledger", s.operator, nil)
	is.Equal(res.Code, http.StatusOK)
	var ledger []ledgerView
	res.into(t, &ledger)
	is.Equal(len(ledger), 3) // initial, topup, consumption
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	is := is.New(t)
	var v struct {
		MeterID string `json:"meter_id"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"meter_id":"a"}`+"\n"))
	is.NoErr(decode(req, &v))
	is.Equal(v.MeterID, "a")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"meter_id":"a"}{"meter_id":"b"}`))
	err := decode(req, &v)
	is.Equal(apperr.As(err).Reason, "malformed_body")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"meter_id":"a"} trailing`))
	err = decode(req, &v)
	is.Equal(apperr.As(err).Reason, "malformed_body")
}

func TestReadingRequiresSensorFields(t *testing.T) {
	is := is.New(t)
	s := newTestServer(t)
	meterID, device := s.register(t, "esp32-aa09")

	reading := map[string]any{"meter_id": meterID, "flow_rate": 1.0, "cumulative_volume": 50.0, "voltage": 3.7, "door_status": 0, "valve_status": "open"}
	res := s.do(t, http.MethodPost, "/device/reading", device, reading)
	is.Equal(res.Code, http.StatusOK)

	res = s.do(t, http.MethodPost, "/device/reading", device, map[string]any{"meter_id": meterID, "valve_status": "open"})
	is.Equal(res.Code, http.StatusBadRequest)
	is.Equal(res.Reason, "invalid_reading")
	for _, field := range []string{"flow_rate", "cumulative_volume", "voltage", "door_status"} {
		is.Equal(res.Errors[field], "is required")
	}

	reading["cumulative_volume"] = 51.0
	res = s.do(t, http.MethodPost, "/device/reading", device, reading)
	is.Equal(res.Code, http.StatusOK)
	var out struct {
		Consumption float64 `json:"consumption"`
	}
	res.into(t, &out)
	is.Equal(out.Consumption, 1.0)
}

func TestCommandRoundTrip(t *testing.T) {
	is := is.New(t)
	s := newTestServer(t)
	meterID, device := s.register(t, "esp32-bb02")

	res := s.do(t, http.MethodPost, "/api/v1/valves", s.operator, map[string]any{"valve_id": "V-100", "meter_id": meterID})
	is.Equal(res.Code, http.StatusCreated)
	var valve valveView
	res.into(t, &valve)

	res = s.do(t, http.MethodPost, "/api/v1/valves/"+valve.ID.String()+"/commands", s.operator, map[string]any{"type": "unlock"})
	is.Equal(res.Code, http.StatusBadRequest)
	is.Equal(res.Reason, "invalid_command_type")

	res = s.do(t, http.MethodPost, "/api/v1/valves/"+valve.ID.String()+"/commands", s.operator, map[string]any{"type": "close", "reason": "leak"})
	is.Equal(res.Code, http.StatusCreated)
	var cmd commandView
	res.into(t, &cmd)
	is.Equal(cmd.Status, db.CommandPending)
	is.Equal(cmd.InitiatedBy, "op-1")

	res = s.do(t, http.MethodGet, "/device/commands", device, nil)
	is.Equal(res.Code, http.StatusOK)
	var polled []deviceCommandView
	res.into(t, &polled)
	is.Equal(len(polled), 1)
	is.Equal(polled[0].CommandID, cmd.ID)

	ack := map[string]any{"command_id": cmd.ID.String(), "outcome": "success", "valve_state_ack": "closed"}
	res = s.do(t, http.MethodPost, "/device/commands/ack", device, ack)
	is.Equal(res.Code, http.StatusOK)
	// a resent ack is accepted without effect
	res = s.do(t, http.MethodPost, "/device/commands/ack", device, ack)
	is.Equal(res.Code, http.StatusOK)

	res = s.do(t, http.MethodGet, "/api/v1/commands/"+cmd.ID.String(), s.operator, nil)
	res.into(t, &cmd)
	is.Equal(cmd.Status, db.CommandCompleted)

	res = s.do(t, http.MethodGet, "/api/v1/valves/"+valve.ID.String(), s.operator, nil)
	res.into(t, &valve)
	is.Equal(valve.CurrentState, db.ValveClosed)

	res = s.do(t, http.MethodGet, "/api/v1/commands?meter_id="+meterID, s.operator, nil)
	var history []commandView
	res.into(t, &history)
	is.Equal(len(history), 1)

	res = s.do(t, http.MethodDelete, "/api/v1/valves/"+valve.ID.String(), s.operator, nil)
	is.Equal(res.Code, http.StatusConflict)
	is.Equal(res.Reason, "valve_referenced")
}

func TestBulkReportsPerValve(t *testing.T) {
	is := is.New(t)
	s := newTestServer(t)
	meterID, _ := s.register(t, "esp32-cc03")

	res := s.do(t, http.MethodPost, "/api/v1/valves", s.operator, map[string]any{"valve_id": "V-1", "meter_id": meterID})
	var v1 valveView
	res.into(t, &v1)
	res = s.do(t, http.MethodPost, "/api/v1/valves", s.operator, map[string]any{"valve_id": "V-2", "meter_id": meterID, "status": "maintenance"})
	var v2 valveView
	res.into(t, &v2)

	res = s.do(t, http.MethodPost, "/api/v1/commands/bulk", s.operator, map[string]any{
		"valve_ids": []string{v1.ID.String(), v2.ID.String()},
		"type":      "close",
	})
	is.Equal(res.Code, http.StatusOK)
	var bulk bulkResponse
	res.into(t, &bulk)
	is.Equal(bulk.Total, 2)
	is.Equal(bulk.Succeeded, 1)
	is.Equal(bulk.Results[1].Reason, "valve_unavailable")
}

func TestAuthentication(t *testing.T) {
	is := is.New(t)
	s := newTestServer(t)
	meterID, device := s.register(t, "esp32-dd04")
	_, other := s.register(t, "esp32-ee05")

	res := s.do(t, http.MethodGet, "/device/credit", "", nil)
	is.Equal(res.Code, http.StatusUnauthorized)
	is.Equal(res.Reason, "missing_credential")

	res = s.do(t, http.MethodGet, "/device/credit?meter_id="+meterID, other, nil)
	is.Equal(res.Code, http.StatusForbidden)
	is.Equal(res.Reason, "meter_mismatch")

	res = s.do(t, http.MethodGet, "/api/v1/alerts", device, nil)
	is.Equal(res.Code, http.StatusUnauthorized)
	is.Equal(res.Reason, "wrong_credential_kind")

	viewer, _, err := s.signer.IssueAccess("viewer-1", "viewer", 1)
	is.NoErr(err)
	res = s.do(t, http.MethodGet, "/api/v1/alerts", viewer, nil)
	is.Equal(res.Code, http.StatusForbidden)

	res = s.do(t, http.MethodDelete, "/api/v1/webhooks/retries", s.operator, nil)
	is.Equal(res.Code, http.StatusForbidden)

	admin, _, err := s.signer.IssueAccess("root", RoleSuperadmin, 0)
	is.NoErr(err)
	res = s.do(t, http.MethodDelete, "/api/v1/webhooks/retries", admin, nil)
	is.Equal(res.Code, http.StatusOK)
}

func TestWebhookRejections(t *testing.T) {
	is := is.New(t)
	s := newTestServer(t)

	forged := bytes.Replace(midtransSettlement("ORDER-9"), []byte(`"signature_key":"`), []byte(`"signature_key":"00`), 1)
	res := s.do(t, http.MethodPost, "/webhooks/payment/midtrans", "", forged)
	is.Equal(res.Code, http.StatusUnauthorized)
	is.Equal(res.Reason, "invalid_signature")

	res = s.do(t, http.MethodPost, "/webhooks/payment/midtrans", "", nil)
	is.Equal(res.Code, http.StatusBadRequest)

	res = s.do(t, http.MethodPost, "/webhooks/payment/paypal", "", []byte(`{}`))
	is.Equal(res.Code, http.StatusNotFound)

	// an unknown order is queued for retry and still acknowledged
	res = s.do(t, http.MethodPost, "/webhooks/payment/midtrans", "", midtransSettlement("ORDER-UNKNOWN"))
	is.Equal(res.Code, http.StatusOK)

	res = s.do(t, http.MethodGet, "/api/v1/webhooks/status", s.operator, nil)
	var st webhook.Stats
	res.into(t, &st)
	is.Equal(st.Pending, 1)
	is.Equal(st.MaxRetries, 3)
}

func TestAlertWorkflow(t *testing.T) {
	is := is.New(t)
	s := newTestServer(t)
	meterID, device := s.register(t, "esp32-ff06")

	// a fresh meter has no credit, so the baseline reading raises no_balance
	res := s.do(t, http.MethodPost, "/device/reading", device, map[string]any{
		"meter_id": meterID, "flow_rate": 0.0, "cumulative_volume": 1.0, "voltage": 3.7, "door_status": 0, "valve_status": "closed",
	})
	is.Equal(res.Code, http.StatusOK)

	res = s.do(t, http.MethodGet, "/api/v1/alerts?status=active&meter_id="+meterID, s.operator, nil)
	var list []alertView
	res.into(t, &list)
	is.True(len(list) > 0)

	id := list[0].ID.String()
	res = s.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/acknowledge", s.operator, nil)
	is.Equal(res.Code, http.StatusOK)
	res = s.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/resolve", s.operator, map[string]string{"notes": "topped up"})
	is.Equal(res.Code, http.StatusOK)
	var resolved alertView
	res.into(t, &resolved)
	is.Equal(resolved.Status, db.AlertResolved)
	is.Equal(*resolved.ResolvedBy, "op-1")

	res = s.do(t, http.MethodPost, "/api/v1/alerts/"+id+"/acknowledge", s.operator, nil)
	is.Equal(res.Code, http.StatusConflict)
}
