package api

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an audit request.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusProcessing     Status = "processing"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PaymentInfo tells the caller how to pay for an audit.
type PaymentInfo struct {
	Amount          string      `json:"amount"`
	AmountUSDC      json.Number `json:"amount_usdc"`
	WalletAddress   string      `json:"wallet_address"`
	Network         string      `json:"network"`
	ContractAddress string      `json:"contract_address"`
}

// Certificate is the signed output of an audit.
type Certificate struct {
	Fingerprint string          `json:"fingerprint"`
	Signature   string          `json:"signature"`
	Manifest    json.RawMessage `json:"manifest,omitempty"`
}

// SubmitRequest is the body of POST /api/v1/audit/request.
type SubmitRequest struct {
	ComponentName string `json:"component_name"`
	Code          string `json:"code"`
	Version       string `json:"version,omitempty"`
}

// SubmitResponse is returned when an audit request was created.
type SubmitResponse struct {
	Message         string      `json:"message"`
	AuditID         string      `json:"audit_id"`
	PaymentRequired PaymentInfo `json:"payment_required"`
}

// PayRequest is the body of POST /api/v1/audit/pay/{audit_id}.
type PayRequest struct {
	TxHash string `json:"tx_hash"`
}

// AcceptedResponse is returned when processing was started.
type AcceptedResponse struct {
	Message string `json:"message"`
	AuditID string `json:"audit_id"`
	Status  Status `json:"status"`
}

// StatusResponse is returned by GET /api/v1/audit/status/{audit_id}.
type StatusResponse struct {
	AuditID string       `json:"audit_id"`
	Status  Status       `json:"status"`
	Result  *Certificate `json:"result"`
	Error   *string      `json:"error"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status Status `json:"status,omitempty"`
}

// EventKind classifies lifecycle journal entries.
type EventKind string

const (
	EventCreated         EventKind = "created"
	EventPaymentRejected EventKind = "payment_rejected"
	EventProcessing      EventKind = "processing"
	EventCompleted       EventKind = "completed"
	EventFailed          EventKind = "failed"
	EventAnchored        EventKind = "anchored"
	EventAnchorFailed    EventKind = "anchor_failed"
)

// Event is a single lifecycle journal entry.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	AuditID   string        `json:"audit_id"`
	Kind      EventKind     `json:"kind"`
	Status    Status        `json:"status,omitempty"`
	Component string        `json:"component,omitempty"`
	TxHash    string        `json:"tx_hash,omitempty"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}
