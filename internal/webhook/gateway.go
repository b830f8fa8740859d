package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	StatusSettled = "settled"
	StatusFailed  = "failed"
	StatusPending = "pending"
)

var (
	// ErrInvalidSignature is returned when a notification fails verification
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformed is returned when a notification body cannot be parsed
	ErrMalformed = errors.New("malformed webhook payload")
)

// Inbound is a received notification before verification
type Inbound struct {
	Body   []byte
	Header http.Header
}

// Notification is the gateway independent content of a payment notification
type Notification struct {
	Gateway string
	OrderID string
	Status  string
	Amount  string
}

// Gateway verifies and parses one payment provider's notifications
type Gateway interface {
	Name() string
	// Verify checks the signature of an inbound notification
	Verify(in Inbound) error
	// Parse extracts the notification from a previously verified body
	Parse(body []byte) (Notification, error)
	// Ack is the response body that stops the provider's own retries
	Ack() (contentType string, body []byte)
}

func equalHex(expected []byte, got string) bool {
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(expected)), []byte(strings.ToLower(got))) == 1
}

// Midtrans verifies sha512(order_id + status_code + gross_amount + server_key)
type Midtrans struct {
	ServerKey string
}

type midtransPayload struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
}

func (Midtrans) Name() string { return "midtrans" }

func (g Midtrans) decode(body []byte) (midtransPayload, error) {
	var p midtransPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.OrderID == "" {
		return p, fmt.Errorf("%w: order_id is missing", ErrMalformed)
	}
	return p, nil
}

func (g Midtrans) Verify(in Inbound) error {
	p, err := g.decode(in.Body)
	if err != nil {
		return err
	}
	if g.ServerKey == "" || p.SignatureKey == "" {
		return ErrInvalidSignature
	}
	sum := sha512.Sum512([]byte(p.OrderID + p.StatusCode + p.GrossAmount + g.ServerKey))
	if !equalHex(sum[:], p.SignatureKey) {
		return ErrInvalidSignature
	}
	return nil
}

func (g Midtrans) Parse(body []byte) (Notification, error) {
	p, err := g.decode(body)
	if err != nil {
		return Notification{}, err
	}
	n := Notification{Gateway: g.Name(), OrderID: p.OrderID, Amount: p.GrossAmount, Status: StatusPending}
	switch p.TransactionStatus {
	case "settlement":
		n.Status = StatusSettled
	case "capture":
		if p.FraudStatus != "challenge" {
			n.Status = StatusSettled
		}
	case "cancel", "deny", "expire":
		n.Status = StatusFailed
	}
	return n, nil
}

func (Midtrans) Ack() (string, []byte) {
	return "text/plain; charset=utf-8", []byte("OK")
}

// Doku verifies either the X-DOKU-Signature header, an HMAC-SHA256 of
// timestamp + "POST" + path + body, or the body checksum
// sha256(amount + currency + invoice_number + secret)
type Doku struct {
	SecretKey string
	Path      string
}

type dokuPayload struct {
	Order struct {
		InvoiceNumber string          `json:"invoice_number"`
		Amount        json.RawMessage `json:"amount"`
		Currency      string          `json:"currency"`
	} `json:"order"`
	Transaction struct {
		Status string `json:"status"`
	} `json:"transaction"`
	Security struct {
		Checksum string `json:"checksum"`
	} `json:"security"`
}

// amount keeps the literal digits of a JSON number or string
func (p dokuPayload) amount() string {
	return strings.Trim(string(p.Order.Amount), `"`)
}

func (Doku) Name() string { return "doku" }

func (g Doku) decode(body []byte) (dokuPayload, error) {
	var p dokuPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Order.InvoiceNumber == "" {
		return p, fmt.Errorf("%w: order.invoice_number is missing", ErrMalformed)
	}
	return p, nil
}

func (g Doku) Verify(in Inbound) error {
	p, err := g.decode(in.Body)
	if err != nil {
		return err
	}
	if g.SecretKey == "" {
		return ErrInvalidSignature
	}

	signature := in.Header.Get("X-DOKU-Signature")
	timestamp := in.Header.Get("X-DOKU-Timestamp")
	if signature != "" && timestamp != "" {
		mac := hmac.New(sha256.New, []byte(g.SecretKey))
		mac.Write([]byte(timestamp + http.MethodPost + g.Path))
		mac.Write(in.Body)
		if !equalHex(mac.Sum(nil), signature) {
			return ErrInvalidSignature
		}
		return nil
	}

	amount := p.amount()
	if p.Security.Checksum == "" || amount == "" {
		return ErrInvalidSignature
	}
	currency := p.Order.Currency
	if currency == "" {
		currency = "IDR"
	}
	sum := sha256.Sum256([]byte(amount + currency + p.Order.InvoiceNumber + g.SecretKey))
	if !equalHex(sum[:], p.Security.Checksum) {
		return ErrInvalidSignature
	}
	return nil
}

func (g Doku) Parse(body []byte) (Notification, error) {
	p, err := g.decode(body)
	if err != nil {
		return Notification{}, err
	}
	n := Notification{Gateway: g.Name(), OrderID: p.Order.InvoiceNumber, Amount: p.amount(), Status: StatusPending}
	switch strings.ToUpper(p.Transaction.Status) {
	case "SUCCESS":
		n.Status = StatusSettled
	case "FAILED":
		n.Status = StatusFailed
	}
	return n, nil
}

func (Doku) Ack() (string, []byte) {
	return "application/json", []byte(`{"response_code":"00","response_message":"SUCCESS"}`)
}
