// Package processor runs the signing tool over a paid audit request and
// records the outcome.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/tkingovr/isnad/api"
	"github.com/tkingovr/isnad/internal/anchor"
	"github.com/tkingovr/isnad/internal/audit"
	"github.com/tkingovr/isnad/internal/journal"
	"github.com/tkingovr/isnad/internal/secret"
	"github.com/tkingovr/isnad/internal/signer"
)

const defaultAnchorTimeout = 2 * time.Minute

// Processor turns requests in processing into completed or failed ones.
type Processor struct {
	store         audit.Store
	signer        signer.Signer
	journal       journal.Store
	anchor        anchor.Publisher
	anchorTimeout time.Duration
	workRoot      string
	logger        *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithWorkDir sets the directory workspaces are created in.
func WithWorkDir(dir string) Option {
	return func(p *Processor) { p.workRoot = dir }
}

// WithJournal records outcomes in j.
func WithJournal(j journal.Store) Option {
	return func(p *Processor) { p.journal = j }
}

// WithAnchor publishes completed certificates through pub.
func WithAnchor(pub anchor.Publisher, timeout time.Duration) Option {
	return func(p *Processor) {
		p.anchor = pub
		if timeout > 0 {
			p.anchorTimeout = timeout
		}
	}
}

// New creates a Processor.
func New(store audit.Store, s signer.Signer, logger *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:         store,
		signer:        s,
		journal:       journal.Discard,
		anchor:        anchor.NopPublisher{},
		anchorTimeout: defaultAnchorTimeout,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process signs the request's code and returns the parsed certificate.
// Transient files are removed before it returns.
func (p *Processor) Process(ctx context.Context, req *audit.Request) (*api.Certificate, error) {
	ws, err := NewWorkspace(p.workRoot, req.ID, req.Code)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			p.logger.Error("removing workspace", "audit_id", req.ID, "dir", ws.Dir(), "error", err)
		}
	}()

	out, err := p.signer.Sign(ctx, signer.Job{
		AuditID:    req.ID,
		SourcePath: ws.Source(),
		Component:  req.ComponentName,
		Version:    req.Version,
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("signer finished", "audit_id", req.ID, "duration", out.Duration)

	data, err := os.ReadFile(ws.Certificate())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSignatureMissing
	}
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	return ParseCertificate(data)
}

// Run processes a request that is in processing and moves it to its
// terminal state.
func (p *Processor) Run(ctx context.Context, id string) (*audit.Request, error) {
	req, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != api.StatusProcessing {
		return req, &audit.ConflictError{ID: id, Current: req.Status, Expected: api.StatusProcessing}
	}

	start := time.Now()
	cert, perr := p.Process(ctx, req)
	elapsed := time.Since(start)

	// The record must reach a terminal state even if ctx was cut short.
	storeCtx := context.WithoutCancel(ctx)

	if perr != nil {
		diag := Diagnostic(perr)
		rec, err := p.store.Transition(storeCtx, id, api.StatusProcessing, api.StatusFailed, audit.Fail(diag))
		if err != nil {
			return nil, fmt.Errorf("recording failure: %w", err)
		}
		p.logger.Warn("audit failed", "audit_id", id, "component", req.ComponentName, "error", perr, "duration", elapsed)
		p.record(storeCtx, rec, api.EventFailed, diag, elapsed)
		return rec, nil
	}

	rec, err := p.store.Transition(storeCtx, id, api.StatusProcessing, api.StatusCompleted, audit.Complete(cert))
	if err != nil {
		return nil, fmt.Errorf("recording result: %w", err)
	}
	p.logger.Info("audit completed", "audit_id", id, "component", req.ComponentName, "fingerprint", cert.Fingerprint, "duration", elapsed)
	p.record(storeCtx, rec, api.EventCompleted, cert.Fingerprint, elapsed)

	p.publish(storeCtx, rec)
	return rec, nil
}

func (p *Processor) publish(ctx context.Context, rec *audit.Request) {
	ctx, cancel := context.WithTimeout(ctx, p.anchorTimeout)
	defer cancel()

	receipt, err := p.anchor.Publish(ctx, anchor.Record{
		AuditID:     rec.ID,
		Component:   rec.ComponentName,
		Version:     rec.Version,
		Fingerprint: rec.Result.Fingerprint,
		Signature:   rec.Result.Signature,
	})
	switch {
	case errors.Is(err, anchor.ErrDisabled):
	case err != nil:
		p.logger.Error("anchoring failed", "audit_id", rec.ID, "error", err)
		p.record(ctx, rec, api.EventAnchorFailed, err.Error(), 0)
	default:
		p.logger.Info("audit anchored", "audit_id", rec.ID, "tx", receipt.TxHash)
		p.record(ctx, rec, api.EventAnchored, receipt.TxHash, 0)
	}
}

func (p *Processor) record(ctx context.Context, rec *audit.Request, kind api.EventKind, msg string, d time.Duration) {
	err := p.journal.Write(ctx, &api.Event{
		AuditID:   rec.ID,
		Kind:      kind,
		Status:    rec.Status,
		Component: rec.ComponentName,
		TxHash:    rec.PaidTx,
		Message:   msg,
		Duration:  d,
	})
	if err != nil {
		p.logger.Error("writing journal", "audit_id", rec.ID, "kind", kind, "error", err)
	}
}

// Diagnostic returns the message stored on a failed request, with any
// credentials the tool printed masked.
func Diagnostic(err error) string {
	var exitErr *signer.ExitError
	if errors.As(err, &exitErr) {
		return secret.Redact(exitErr.Diagnostic())
	}
	return secret.Redact(err.Error())
}
