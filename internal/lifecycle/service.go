// Package lifecycle sequences submission, payment and processing of audit
// requests.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/tkingovr/isnad/api"
	"github.com/tkingovr/isnad/internal/audit"
	"github.com/tkingovr/isnad/internal/journal"
	"github.com/tkingovr/isnad/internal/payment"
)

// DefaultVersion is used when a submission names no version.
const DefaultVersion = "v1.0.0"

// Runner drives a request in processing to a terminal state.
type Runner interface {
	Run(ctx context.Context, id string) (*audit.Request, error)
}

// Pricing describes what every audit costs and where it is paid.
type Pricing struct {
	Price           string
	Decimals        int
	WalletAddress   string
	Network         string
	ContractAddress string
}

// SubmitInput holds the fields of a new audit request.
type SubmitInput struct {
	ComponentName string
	Code          string
	Version       string
}

// Service is the audit lifecycle state machine.
type Service struct {
	store    audit.Store
	verifier payment.Verifier
	runner   Runner
	journal  journal.Store
	payment  audit.PaymentInfo
	demo     bool
	logger   *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithJournal records lifecycle events in j.
func WithJournal(j journal.Store) Option {
	return func(s *Service) { s.journal = j }
}

// WithDemoMode enables the unauthenticated DemoProcess fast path.
func WithDemoMode(enabled bool) Option {
	return func(s *Service) { s.demo = enabled }
}

// New creates a Service.
func New(pricing Pricing, store audit.Store, verifier payment.Verifier, runner Runner, logger *slog.Logger, opts ...Option) (*Service, error) {
	units, err := payment.ParseUnits(pricing.Price, pricing.Decimals)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", pricing.Price, err)
	}
	s := &Service{
		store:    store,
		verifier: verifier,
		runner:   runner,
		journal:  journal.Discard,
		payment: audit.PaymentInfo{
			Amount:          payment.FormatUnits(units, pricing.Decimals),
			Units:           units.String(),
			Decimals:        pricing.Decimals,
			WalletAddress:   pricing.WalletAddress,
			Network:         pricing.Network,
			ContractAddress: pricing.ContractAddress,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DemoMode reports whether DemoProcess is enabled.
func (s *Service) DemoMode() bool { return s.demo }

// Submit validates and stores a new request awaiting payment.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*audit.Request, error) {
	name := strings.TrimSpace(in.ComponentName)
	if name == "" {
		return nil, invalid("component_name", "component_name is required")
	}
	if in.Code == "" {
		return nil, invalid("code", "code is required")
	}
	version := strings.TrimSpace(in.Version)
	if version == "" {
		version = DefaultVersion
	}

	req, err := s.store.Create(ctx, &audit.Request{
		ComponentName: name,
		Version:       version,
		Code:          []byte(in.Code),
		Payment:       s.payment,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("audit requested", "audit_id", req.ID, "component", name, "version", version, "code_size", len(in.Code))
	s.record(ctx, req, api.EventCreated, "")
	return req, nil
}

// Status returns the current state of a request.
func (s *Service) Status(ctx context.Context, id string) (*audit.Request, error) {
	return s.store.Get(ctx, id)
}

// Pay verifies txHash as payment for the request and starts processing.
// Verification happens before the transition so a rejected claim leaves
// the record untouched; the transition then guarantees that only one of
// several concurrent claims starts processing.
func (s *Service) Pay(ctx context.Context, id, txHash string) (*audit.Request, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, invalid("tx_hash", "tx_hash is required")
	}

	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != api.StatusPendingPayment {
		return nil, &audit.ConflictError{ID: id, Current: req.Status, Expected: api.StatusPendingPayment}
	}

	required, ok := new(big.Int).SetString(req.Payment.Units, 10)
	if !ok {
		return nil, fmt.Errorf("audit %s has invalid payment terms %q", id, req.Payment.Units)
	}

	verified, err := s.verifier.Verify(ctx, payment.Claim{
		TxHash:      txHash,
		Required:    required,
		Destination: req.Payment.WalletAddress,
		Contract:    req.Payment.ContractAddress,
	})
	if err != nil {
		if errors.Is(err, payment.ErrInvalidTxHash) {
			return nil, invalid("tx_hash", err.Error())
		}
		return nil, err
	}
	if !verified {
		s.logger.Info("payment not verified", "audit_id", id, "tx", txHash)
		s.record(ctx, req, api.EventPaymentRejected, txHash)
		return nil, ErrPaymentNotVerified
	}

	if err := s.store.ClaimPayment(ctx, txHash, id); err != nil {
		if errors.Is(err, audit.ErrPaymentReused) {
			s.record(ctx, req, api.EventPaymentRejected, err.Error())
		}
		return nil, err
	}

	rec, err := s.store.Transition(ctx, id, api.StatusPendingPayment, api.StatusProcessing, audit.Paid(txHash))
	if err != nil {
		s.releaseUnused(ctx, id, txHash)
		return nil, err
	}

	s.logger.Info("payment verified", "audit_id", id, "tx", txHash)
	s.record(ctx, rec, api.EventProcessing, "")
	s.start(rec.ID)
	return rec, nil
}

// DemoProcess starts processing without payment. It is a no-op for
// requests that are no longer awaiting payment.
func (s *Service) DemoProcess(ctx context.Context, id string) (*audit.Request, error) {
	if !s.demo {
		return nil, ErrDemoDisabled
	}

	rec, err := s.store.Transition(ctx, id, api.StatusPendingPayment, api.StatusProcessing, nil)
	if _, ok := audit.IsConflict(err); ok {
		return s.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Warn("audit started without payment", "audit_id", id)
	s.record(ctx, rec, api.EventProcessing, "demo")
	s.start(rec.ID)
	return rec, nil
}

// Wait blocks until all started processing runs have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// start runs the processor in the background. The run is detached from the
// caller's context; the processor bounds it.
func (s *Service) start(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("processing panicked", "audit_id", id, "panic", r)
				diag := fmt.Sprintf("internal error: %v", r)
				s.store.Transition(context.Background(), id, api.StatusProcessing, api.StatusFailed, audit.Fail(diag))
			}
		}()

		if _, err := s.runner.Run(context.Background(), id); err != nil {
			s.logger.Error("processing audit", "audit_id", id, "error", err)
		}
	}()
}

// releaseUnused undoes a payment claim unless the request was advanced
// with that same transaction by a concurrent caller.
func (s *Service) releaseUnused(ctx context.Context, id, txHash string) {
	if cur, err := s.store.Get(ctx, id); err == nil && strings.EqualFold(cur.PaidTx, txHash) {
		return
	}
	if err := s.store.ReleasePayment(ctx, txHash); err != nil {
		s.logger.Error("releasing payment claim", "audit_id", id, "tx", txHash, "error", err)
	}
}

func (s *Service) record(ctx context.Context, req *audit.Request, kind api.EventKind, msg string) {
	err := s.journal.Write(context.WithoutCancel(ctx), &api.Event{
		AuditID:   req.ID,
		Kind:      kind,
		Status:    req.Status,
		Component: req.ComponentName,
		TxHash:    req.PaidTx,
		Message:   msg,
	})
	if err != nil {
		s.logger.Error("writing journal", "audit_id", req.ID, "kind", kind, "error", err)
	}
}
