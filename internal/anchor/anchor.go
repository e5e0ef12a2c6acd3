// Package anchor publishes completed audit certificates to an on-chain
// registry.
package anchor

import (
	"context"
	"errors"
)

// ErrDisabled is returned by publishers that are switched off.
var ErrDisabled = errors.New("anchoring disabled")

// Record is what gets written to the registry for one audit.
type Record struct {
	AuditID     string
	Component   string
	Version     string
	Fingerprint string
	Signature   string
}

// Receipt identifies the registry transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// Publisher anchors records.
type Publisher interface {
	Publish(ctx context.Context, rec Record) (*Receipt, error)
}

// NopPublisher is used when anchoring is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Record) (*Receipt, error) {
	return nil, ErrDisabled
}
