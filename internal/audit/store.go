package audit

import (
	"context"
	"strings"

	"github.com/tkingovr/isnad/api"
)

// Store defines the interface for audit request persistence.
type Store interface {
	// Create stores a new record in pending_payment. An empty ID is replaced
	// with a fresh UUID.
	Create(ctx context.Context, req *Request) (*Request, error)

	// Get returns a snapshot of the record.
	Get(ctx context.Context, id string) (*Request, error)

	// Transition atomically checks that the record is in expected, applies
	// mutate and advances it to next. Concurrent callers on the same id are
	// serialized; at most one of them observes expected.
	Transition(ctx context.Context, id string, expected, next api.Status, mutate Mutator) (*Request, error)

	// ClaimPayment marks txHash as consumed by the given audit.
	ClaimPayment(ctx context.Context, txHash, id string) error

	// ReleasePayment undoes a ClaimPayment whose transition did not happen.
	ReleasePayment(ctx context.Context, txHash string) error

	// Close releases store resources.
	Close() error
}

func normalizeTx(txHash string) string {
	return strings.ToLower(strings.TrimSpace(txHash))
}
