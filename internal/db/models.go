package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update affects no row or a unique key is taken
	ErrConflict = errors.New("conflicting state")
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Client is the owning tenant of meters
type Client struct {
	ID     int64
	Name   string
	Status string
}

// Property groups meters and valves under a client
type Property struct {
	ID       int64
	ClientID int64
	Name     string
	Status   string
}

// Meter is a logical metering point bound to one physical device
type Meter struct {
	ID                 uuid.UUID
	MeterID            string
	DeviceID           string
	ClientID           int64
	PropertyID         *int64
	CustomerID         *int64
	Status             string
	IsUnlocked         bool
	KFactor            float64
	DistanceTolerance  float64
	CurrentValveStatus string
	AutoValveControl   bool
	LastSeenAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const (
	TokenActive  = "active"
	TokenUsed    = "used"
	TokenRevoked = "revoked"
)

// ProvisioningToken authorizes one first time device registration
type ProvisioningToken struct {
	ID           uuid.UUID
	Token        string
	ClientID     int64
	PropertyID   *int64
	Description  string
	Status       string
	CreatedBy    string
	ExpiresAt    time.Time
	UsedAt       *time.Time
	UsedByDevice *string
	RevokedAt    *time.Time
	CreatedAt    time.Time
}

// TokenFilter narrows ListTokens
type TokenFilter struct {
	ClientID *int64
	Status   string
	Limit    int
	Offset   int
}

// Provisioning carries everything ProvisionMeter needs to bind a device
type Provisioning struct {
	Token    string
	DeviceID string
	Now      time.Time
	// NewMeterID formats the meter code from the token's client and the per-day sequence
	NewMeterID func(clientID int64, day time.Time, seq int) string
	Defaults   Meter
}

// MeterReading is an immutable telemetry row
type MeterReading struct {
	ID               uuid.UUID
	MeterID          uuid.UUID
	FlowRate         float64
	CumulativeVolume float64
	Consumption      float64
	Voltage          float64
	DoorStatus       int
	ValveStatus      string
	StatusMessage    *string
	RecordedAt       time.Time
}

const (
	LedgerInitial     = "initial"
	LedgerConsumption = "consumption"
	LedgerTopUp       = "topup"
	LedgerAdjustment  = "adjustment"

	LedgerCompleted = "completed"
)

// LedgerEntry is an append only credit record; Balance is the balance after this entry
type LedgerEntry struct {
	ID                uuid.UUID
	MeterID           uuid.UUID
	CustomerID        *int64
	Amount            decimal.Decimal
	Balance           decimal.Decimal
	Type              string
	Status            string
	ConsumptionVolume *float64
	ConsumptionCost   *decimal.Decimal
	Reference         *string
	Description       string
	CreatedAt         time.Time
}

// LedgerState is the per-meter snapshot read under the meter lock
type LedgerState struct {
	Meter       Meter
	Balance     decimal.Decimal
	LastReading *MeterReading
}

// ReadingFunc derives the rows to append from the locked ledger state
type ReadingFunc func(state LedgerState) (MeterReading, *LedgerEntry, error)

const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
	PaymentFailed  = "failed"
)

// Payment is a gateway order that tops up a meter once settled
type Payment struct {
	OrderID   string
	MeterID   uuid.UUID
	Amount    decimal.Decimal
	Gateway   string
	Status    string
	PaidAt    *time.Time
	CreatedAt time.Time
}

// TopUpResult reports the balance transition of a settled payment
type TopUpResult struct {
	Meter           Meter
	PreviousBalance decimal.Decimal
	Entry           LedgerEntry
}

const (
	ValveOpen    = "open"
	ValveClosed  = "closed"
	ValvePartial = "partial"
	ValveUnknown = "unknown"

	ValveStatusMaintenance = "maintenance"
	ValveStatusOffline     = "offline"
	ValveStatusError       = "error"
)

// Valve is a commandable flow actuator attached to a meter
type Valve struct {
	ID                uuid.UUID
	ValveID           string
	MeterID           uuid.UUID
	PropertyID        *int64
	Type              string
	Status            string
	CurrentState      string
	BatteryLevel      *float64
	SignalStrength    *int
	OperatingPressure *float64
	MaxPressure       *float64
	IsManualOverride  bool
	OverrideReason    *string
	OverrideAt        *time.Time
	AutoCloseEnabled  bool
	LastSeenAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ValveFilter narrows ListValves
type ValveFilter struct {
	MeterID *uuid.UUID
	Status  string
	Limit   int
	Offset  int
}

// ValveTelemetry is the device status reported alongside an acknowledgment
type ValveTelemetry struct {
	BatteryLevel      *float64
	SignalStrength    *int
	OperatingPressure *float64
}

const (
	TargetValve = "valve"
	TargetMeter = "meter"

	CommandPending   = "pending"
	CommandSent      = "sent"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
	CommandCancelled = "cancelled"
	CommandTimeout   = "timeout"

	PriorityNormal    = "normal"
	PriorityHigh      = "high"
	PriorityEmergency = "emergency"
)

// Command is a queued state change for a valve or a meter
type Command struct {
	ID           uuid.UUID
	TargetKind   string
	TargetID     uuid.UUID
	MeterID      uuid.UUID
	CommandType  string
	Params       json.RawMessage
	Priority     string
	Status       string
	InitiatedBy  string
	Reason       string
	Response     json.RawMessage
	ErrorMessage *string
	CreatedAt    time.Time
	SentAt       *time.Time
	ExecutedAt   *time.Time
	ExpiresAt    time.Time
}

// IsTerminal reports whether the command can no longer change state
func (c Command) IsTerminal() bool {
	return IsTerminalCommandStatus(c.Status)
}

// IsTerminalCommandStatus reports whether status is one of the terminal states
func IsTerminalCommandStatus(status string) bool {
	switch status {
	case CommandCompleted, CommandFailed, CommandCancelled, CommandTimeout:
		return true
	}
	return false
}

// CommandFilter narrows ListCommands
type CommandFilter struct {
	TargetKind string
	TargetID   *uuid.UUID
	MeterID    *uuid.UUID
	Status     string
	Limit      int
	Offset     int
}

// CommandStats counts commands per status and type
type CommandStats struct {
	Total    int
	ByStatus map[string]int
	ByType   map[string]int
}

// StateMutation is the device visible change applied with a successful acknowledgment
type StateMutation struct {
	ValveID           *uuid.UUID
	ValveState        *string
	MeterValveStatus  *string
	IsUnlocked        *bool
	KFactor           *float64
	DistanceTolerance *float64
	Telemetry         *ValveTelemetry
}

// CommandCompletion moves a non-terminal command into completed or failed
type CommandCompletion struct {
	CommandID    uuid.UUID
	Status       string
	Response     json.RawMessage
	ErrorMessage *string
	At           time.Time
	Mutation     *StateMutation
}

const (
	AlertActive       = "active"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
)

// Alert is a derived operational event retained for audit
type Alert struct {
	ID              uuid.UUID
	TargetKind      string
	TargetID        uuid.UUID
	MeterID         uuid.UUID
	Type            string
	Severity        string
	Message         string
	Status          string
	AcknowledgedBy  *string
	AcknowledgedAt  *time.Time
	ResolvedBy      *string
	ResolutionNotes *string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
}

// AlertFilter narrows ListAlerts
type AlertFilter struct {
	MeterID *uuid.UUID
	Status  string
	Type    string
	Limit   int
	Offset  int
}

// AlertTransition moves an alert from one of From into To
type AlertTransition struct {
	AlertID uuid.UUID
	From    []string
	To      string
	Actor   string
	Notes   *string
	At      time.Time
}
