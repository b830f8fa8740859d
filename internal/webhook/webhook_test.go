package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/matryer/is"
	"go.uber.org/zap"
)

const serverKey = "SB-Mid-server-test"

func midtransBody(orderID, status, fraud, key string) []byte {
	sum := sha512.Sum512([]byte(orderID + "200" + "20000.00" + key))
	return []byte(fmt.Sprintf(`{"order_id":%q,"status_code":"200","gross_amount":"20000.00","signature_key":%q,"transaction_status":%q,"fraud_status":%q}`,
		orderID, hex.EncodeToString(sum[:]), status, fraud))
}

func TestMidtransVerifyAndParse(t *testing.T) {
	is := is.New(t)
	g := Midtrans{ServerKey: serverKey}

	is.NoErr(g.Verify(Inbound{Body: midtransBody("ORDER-1", "settlement", "accept", serverKey)}))
	is.True(errors.Is(g.Verify(Inbound{Body: midtransBody("ORDER-1", "settlement", "accept", "wrong")}), ErrInvalidSignature))
	is.True(errors.Is(g.Verify(Inbound{Body: []byte(`not json`)}), ErrMalformed))

	cases := map[string]string{
		"settlement": StatusSettled,
		"capture":    StatusSettled,
		"deny":       StatusFailed,
		"expire":     StatusFailed,
		"pending":    StatusPending,
	}
	for txStatus, want := range cases {
		n, err := g.Parse(midtransBody("ORDER-1", txStatus, "accept", serverKey))
		is.NoErr(err)
		is.Equal(n.Status, want)
	}

	n, err := g.Parse(midtransBody("ORDER-1", "capture", "challenge", serverKey))
	is.NoErr(err)
	is.Equal(n.Status, StatusPending)
}

func TestDokuVerify(t *testing.T) {
	is := is.New(t)
	g := Doku{SecretKey: "doku-secret", Path: "/webhooks/doku"}
	body := []byte(`{"order":{"invoice_number":"INV-9","amount":15000},"transaction":{"status":"SUCCESS"},"security":{"checksum":"%s"}}`)

	sum := sha256.Sum256([]byte("15000" + "IDR" + "INV-9" + "doku-secret"))
	signed := []byte(fmt.Sprintf(string(body), hex.EncodeToString(sum[:])))
	is.NoErr(g.Verify(Inbound{Body: signed, Header: http.Header{}}))

	forged := []byte(fmt.Sprintf(string(body), "deadbeef"))
	is.True(errors.Is(g.Verify(Inbound{Body: forged, Header: http.Header{}}), ErrInvalidSignature))

	// header signature takes precedence over the body checksum
	mac := hmac.New(sha256.New, []byte("doku-secret"))
	mac.Write([]byte("1700000000" + "POST" + "/webhooks/doku"))
	mac.Write(forged)
	header := http.Header{}
	header.Set("X-DOKU-Signature", hex.EncodeToString(mac.Sum(nil)))
	header.Set("X-DOKU-Timestamp", "1700000000")
	is.NoErr(g.Verify(Inbound{Body: forged, Header: header}))

	n, err := g.Parse(signed)
	is.NoErr(err)
	is.Equal(n, Notification{Gateway: "doku", OrderID: "INV-9", Status: StatusSettled, Amount: "15000"})

	ct, ack := g.Ack()
	is.Equal(ct, "application/json")
	is.Equal(string(ack), `{"response_code":"00","response_message":"SUCCESS"}`)
}

type flakySettler struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakySettler) SettlePayment(context.Context, string) (*db.TopUpResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures < 0 || f.calls <= f.failures {
		return nil, errors.New("database unavailable")
	}
	return &db.TopUpResult{}, nil
}

func (f *flakySettler) FailPayment(context.Context, string) error { return nil }

func (f *flakySettler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	svc   *Service
	queue *MemoryQueue
	clock time.Time
}

func newHarness(settler Settler) *harness {
	h := &harness{queue: NewMemoryQueue(), clock: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	h.queue.now = func() time.Time { return h.clock }
	h.svc = NewService(h.queue, settler, Options{
		MaxRetries: 3,
		Delays:     []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
		Retention:  time.Hour,
	}, nil, zap.NewNop(), Midtrans{ServerKey: serverKey})
	h.svc.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func TestForgedWebhookIsNotQueued(t *testing.T) {
	is := is.New(t)
	settler := &flakySettler{failures: -1}
	h := newHarness(settler)

	_, err := h.svc.HandleInbound(context.Background(), "midtrans", Inbound{Body: midtransBody("ORDER-1", "settlement", "", "forged")})
	is.True(apperr.Is(err, apperr.KindUnauthorized))
	is.Equal(settler.count(), 0)

	entries, err := h.queue.List(context.Background())
	is.NoErr(err)
	is.Equal(len(entries), 0)

	_, err = h.svc.HandleInbound(context.Background(), "paypal", Inbound{Body: []byte(`{}`)})
	is.True(apperr.Is(err, apperr.KindNotFound))
}

func TestRetrySucceedsBeforeBudgetRunsOut(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	settler := &flakySettler{failures: 2}
	h := newHarness(settler)

	queued, err := h.svc.HandleInbound(ctx, "midtrans", Inbound{Body: midtransBody("ORDER-1", "settlement", "", serverKey)})
	is.NoErr(err)
	is.True(queued)

	// not due yet
	res, err := h.svc.Sweep(ctx)
	is.NoErr(err)
	is.Equal(res, SweepResult{})

	h.advance(61 * time.Second)
	res, err = h.svc.Sweep(ctx)
	is.NoErr(err)
	is.Equal(res.Requeued, 1)

	entries, err := h.queue.List(ctx)
	is.NoErr(err)
	is.Equal(entries[0].Attempt, 2)
	is.Equal(entries[0].RetryAt, h.clock.Add(5*time.Minute))

	h.advance(5*time.Minute + time.Second)
	res, err = h.svc.Sweep(ctx)
	is.NoErr(err)
	is.Equal(res.Processed, 1)
	is.Equal(settler.count(), 3)

	entries, err = h.queue.List(ctx)
	is.NoErr(err)
	is.Equal(len(entries), 0)
}

func TestAlwaysFailingWebhookIsDropped(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	settler := &flakySettler{failures: -1}
	h := newHarness(settler)

	_, err := h.svc.HandleInbound(ctx, "midtrans", Inbound{Body: midtransBody("ORDER-2", "settlement", "", serverKey)})
	is.NoErr(err)

	dropped := 0
	for i := 0; i < 10; i++ {
		h.advance(16 * time.Minute)
		res, err := h.svc.Sweep(ctx)
		is.NoErr(err)
		dropped += res.Dropped
	}

	is.Equal(dropped, 1)
	is.Equal(settler.count(), 4) // one synchronous attempt plus three retries
	entries, err := h.queue.List(ctx)
	is.NoErr(err)
	is.Equal(len(entries), 0)
}

func TestCompetingSweepsClaimOnce(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	settler := &flakySettler{failures: 1}
	h := newHarness(settler)

	_, err := h.svc.HandleInbound(ctx, "midtrans", Inbound{Body: midtransBody("ORDER-3", "settlement", "", serverKey)})
	is.NoErr(err)
	h.advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Sweep(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	is.Equal(settler.count(), 2)
}

func TestStatsAndClear(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	h := newHarness(&flakySettler{failures: -1})

	for _, order := range []string{"A", "B"} {
		_, err := h.svc.HandleInbound(ctx, "midtrans", Inbound{Body: midtransBody(order, "settlement", "", serverKey)})
		is.NoErr(err)
	}

	st, err := h.svc.Stats(ctx)
	is.NoErr(err)
	is.Equal(st.Pending, 2)
	is.Equal(st.ByGateway["midtrans"], 2)
	is.Equal(st.ByAttempt[1], 2)
	is.Equal(st.Delays, []int{60, 300, 900})
	is.Equal(st.Gateways, []string{"midtrans"})

	n, err := h.svc.Clear(ctx, "admin")
	is.NoErr(err)
	is.Equal(n, 2)
}

func TestRedisKeyLayout(t *testing.T) {
	is := is.New(t)
	q := NewRedisQueue(nil, "")
	is.Equal(q.entryKey("abc"), "webhook_retry:entry:abc")
	is.Equal(q.dueKey(), "webhook_retry:due")

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	raw, score, err := encodeEntry(Entry{ID: "abc", Gateway: "doku", Attempt: 2, RetryAt: at, Payload: []byte(`{"x":1}`)})
	is.NoErr(err)
	is.Equal(score, float64(at.Unix()))
	back, err := decodeEntry(raw)
	is.NoErr(err)
	is.Equal(back.Attempt, 2)
	is.Equal(string(back.Payload), `{"x":1}`)
}

func TestWebhookIDIsDeterministic(t *testing.T) {
	is := is.New(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	is.Equal(WebhookID("midtrans", "A", at), WebhookID("midtrans", "A", at))
	is.True(WebhookID("midtrans", "A", at) != WebhookID("doku", "A", at))
	is.Equal(len(WebhookID("midtrans", "A", at)), 32)
}
