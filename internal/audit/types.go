package audit

import (
	"time"

	"github.com/tkingovr/isnad/api"
)

// PaymentInfo describes the payment required before an audit is processed.
// It is computed once at creation and never changed afterwards.
type PaymentInfo struct {
	// Amount is the human-readable price in token units (e.g. "10").
	Amount string `json:"amount"`

	// Units is Amount scaled by Decimals, as a base-10 integer string.
	Units string `json:"units"`

	Decimals        int    `json:"decimals"`
	WalletAddress   string `json:"wallet_address"`
	Network         string `json:"network"`
	ContractAddress string `json:"contract_address"`
}

// Request is a single audit request record.
//
// Records handed out by a Store are snapshots; the only way to change a
// stored record is Store.Transition. Code is shared between snapshots and
// must be treated as read-only.
type Request struct {
	ID            string           `json:"id"`
	Status        api.Status       `json:"status"`
	ComponentName string           `json:"component_name"`
	Version       string           `json:"version"`
	Code          []byte           `json:"code,omitempty"`
	Payment       PaymentInfo      `json:"payment_info"`
	PaidTx        string           `json:"paid_tx,omitempty"`
	Result        *api.Certificate `json:"result,omitempty"`
	Error         *string          `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (r *Request) clone() *Request {
	c := *r
	return &c
}

// Mutator changes a record while it is held by Store.Transition.
type Mutator func(r *Request)

// Complete returns a mutator recording a successful audit.
func Complete(cert *api.Certificate) Mutator {
	return func(r *Request) {
		r.Result = cert
	}
}

// Fail returns a mutator recording a failed audit.
func Fail(diagnostic string) Mutator {
	return func(r *Request) {
		r.Error = &diagnostic
	}
}

// Paid returns a mutator recording the transaction that paid for the audit.
func Paid(txHash string) Mutator {
	return func(r *Request) {
		r.PaidTx = txHash
	}
}

// edges is the lifecycle graph; anything not listed is rejected.
var edges = map[api.Status][]api.Status{
	api.StatusPendingPayment: {api.StatusProcessing},
	api.StatusProcessing:     {api.StatusCompleted, api.StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to api.Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// apply runs a transition on rec in place. Callers hold whatever lock
// guards rec.
func apply(rec *Request, expected, next api.Status, mutate Mutator, now time.Time) error {
	if rec.Status != expected || !CanTransition(expected, next) {
		return &ConflictError{ID: rec.ID, Current: rec.Status, Expected: expected, Next: next}
	}

	work := rec.clone()
	if mutate != nil {
		mutate(work)
	}

	// Identity and payment terms are immutable.
	work.ID = rec.ID
	work.ComponentName = rec.ComponentName
	work.Version = rec.Version
	work.Payment = rec.Payment
	work.CreatedAt = rec.CreatedAt

	switch next {
	case api.StatusProcessing:
		work.Result = nil
		work.Error = nil
	case api.StatusCompleted:
		if work.Result == nil {
			return &ConflictError{ID: rec.ID, Current: rec.Status, Expected: expected, Next: next, Reason: "completion requires a result"}
		}
		work.Error = nil
		work.Code = nil
	case api.StatusFailed:
		if work.Error == nil {
			msg := "processing failed"
			work.Error = &msg
		}
		work.Result = nil
		work.Code = nil
	}

	work.Status = next
	work.UpdatedAt = now
	*rec = *work
	return nil
}
