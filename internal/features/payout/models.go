// Package payout moves wallet money to customers' bank accounts through the
// payout gateway and reconciles the gateway's asynchronous verdicts.
package payout

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"evbackend.in/core/internal/features/booking"
	"evbackend.in/core/internal/gateway/razorpayx"
)

// Status of a payout.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"   // gateway refused the submission, cash refunded
	StatusRejected   Status = "rejected" // gateway reported failure later, cash refunded
	StatusCancelled  Status = "cancelled"
)

// Payout is one withdrawal request.
//
// RequestedAmount = TDSAmount + EMIAmount + NetAmount. The whole requested
// amount leaves the wallet on Process; only NetAmount goes to the bank.
type Payout struct {
	ID              int64                 `json:"id"`
	UserID          int64                 `json:"user_id"`
	RequestedAmount decimal.Decimal       `json:"requested_amount"`
	TDSAmount       decimal.Decimal       `json:"tds_amount"`
	NetAmount       decimal.Decimal       `json:"net_amount"`
	Status          Status                `json:"status"`
	Bank            razorpayx.BankAccount `json:"bank"`

	EMIAutoFill bool                  `json:"emi_auto_fill"`
	EMIAmount   decimal.Decimal       `json:"emi_amount"`
	EMIPlan     []booking.Installment `json:"emi_plan,omitempty"`

	TransactionID *string `json:"transaction_id,omitempty"` // gateway payout id
	Reference     string  `json:"reference"`                // idempotency key sent to the gateway
	FailureReason string  `json:"failure_reason,omitempty"`
	Reason        string  `json:"reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Request is the Create input.
type Request struct {
	UserID      int64                 `json:"user_id"`
	Amount      decimal.Decimal       `json:"amount"`
	Bank        razorpayx.BankAccount `json:"bank"`
	EMIAutoFill bool                  `json:"emi_auto_fill"`
	Reason      string                `json:"reason"`
}

// WebhookStatus of a logged gateway event.
type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "received"
	WebhookProcessed WebhookStatus = "processed"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookLog is one gateway delivery, unique by event id.
type WebhookLog struct {
	ID           int64           `json:"id"`
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       WebhookStatus   `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Gateway event types handled by the webhook.
const (
	EventPayoutProcessed      = "payout.processed"
	EventPayoutFailed         = "payout.failed"
	EventFundAccountValidated = "fund_account.verified"
)

// Task kinds enqueued by the webhook.
const (
	TaskComplete = "payout.complete"
	TaskFail     = "payout.fail"
)

// GatewayEvent is the task payload for TaskComplete and TaskFail.
type GatewayEvent struct {
	LogID           int64  `json:"log_id"`
	GatewayPayoutID string `json:"gateway_payout_id"`
	ReferenceID     string `json:"reference_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// SweepReport summarizes one SweepStale run.
type SweepReport struct {
	Resubmitted int     `json:"resubmitted"`
	Failed      int     `json:"failed"`
	Flagged     []int64 `json:"flagged"` // processing with a gateway id, left to operators
}
