// Package payment decides whether a ledger transaction paid for an audit.
//
// Verifiers inspect the receipt of a single transaction and accept it when
// the first transfer log emitted by the payment contract credits the
// destination with at least the required amount. Several transfers are not
// summed. Ledger failures are reported as "not verified", never as errors,
// so callers can retry once the transaction confirms.
package payment

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/encoding/fixedn"
)

// DefaultQueryTimeout bounds a single ledger query.
const DefaultQueryTimeout = 10 * time.Second

// ErrInvalidTxHash is returned for claims whose hash cannot name a
// transaction on the configured ledger.
var ErrInvalidTxHash = errors.New("invalid transaction hash")

// Claim is the evidence of payment submitted for one audit.
type Claim struct {
	TxHash string

	// Required is the minimum transfer in the token's base units.
	Required *big.Int

	Destination string
	Contract    string
}

// Verifier checks a payment claim against the ledger.
type Verifier interface {
	// Verify reports whether the claim's transaction contains a qualifying
	// transfer. Only malformed claims produce an error.
	Verify(ctx context.Context, claim Claim) (bool, error)
}

// ParseUnits converts a decimal token amount (e.g. "10" or "0.5") into base
// units for a token with the given number of decimals.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, errors.New("decimals must not be negative")
	}
	v, err := fixedn.FromString(strings.TrimSpace(amount), decimals)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, errors.New("amount must be positive")
	}
	return v, nil
}

// FormatUnits converts base units back into a decimal token amount.
func FormatUnits(units *big.Int, decimals int) string {
	return fixedn.ToString(units, decimals)
}

func sameHexAddress(a, b string) bool {
	return strings.EqualFold(strip0x(strings.TrimSpace(a)), strip0x(strings.TrimSpace(b)))
}

func strip0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func queryTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultQueryTimeout
	}
	return d
}
