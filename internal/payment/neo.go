package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/state"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/neorpc/result"
	"github.com/nspcc-dev/neo-go/pkg/smartcontract/trigger"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/vm/stackitem"
	"github.com/nspcc-dev/neo-go/pkg/vm/vmstate"
)

// nep17Transfer is the notification name of NEP-17 transfers.
const nep17Transfer = "Transfer"

// ApplicationLogSource fetches transaction execution logs. *rpcclient.Client
// satisfies it.
type ApplicationLogSource interface {
	GetApplicationLog(hash util.Uint256, trig *trigger.Type) (*result.ApplicationLog, error)
}

// NeoVerifier verifies NEP-17 payments on a Neo N3 ledger.
type NeoVerifier struct {
	source  ApplicationLogSource
	timeout time.Duration
	logger  *slog.Logger
}

// NewNeoVerifier creates a verifier reading application logs from source.
func NewNeoVerifier(source ApplicationLogSource, timeout time.Duration, logger *slog.Logger) *NeoVerifier {
	return &NeoVerifier{
		source:  source,
		timeout: queryTimeout(timeout),
		logger:  logger,
	}
}

// ParseNeoAddress accepts either a base58 address ("N...") or a
// little-endian script hash in hex, with or without 0x.
func ParseNeoAddress(s string) (util.Uint160, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "N") {
		return address.StringToUint160(s)
	}
	return util.Uint160DecodeStringLE(strip0x(s))
}

func (v *NeoVerifier) Verify(ctx context.Context, claim Claim) (bool, error) {
	hash, err := util.Uint256DecodeStringLE(strip0x(strings.TrimSpace(claim.TxHash)))
	if err != nil {
		return false, ErrInvalidTxHash
	}
	if claim.Required == nil {
		return false, errors.New("required amount is not set")
	}
	contract, err := ParseNeoAddress(claim.Contract)
	if err != nil {
		return false, fmt.Errorf("payment contract: %w", err)
	}
	destination, err := ParseNeoAddress(claim.Destination)
	if err != nil {
		return false, fmt.Errorf("destination: %w", err)
	}

	appLog, err := v.fetch(ctx, hash)
	if err != nil {
		v.logger.Warn("application log query failed", "tx_hash", claim.TxHash, "error", err)
		return false, nil
	}
	if appLog == nil || len(appLog.Executions) == 0 {
		return false, nil
	}
	for _, ex := range appLog.Executions {
		if ex.VMState != vmstate.Halt {
			return false, nil
		}
	}

	for _, ex := range appLog.Executions {
		for _, ev := range ex.Events {
			if !ev.ScriptHash.Equals(contract) || ev.Name != nep17Transfer {
				continue
			}
			to, amount, ok := decodeTransfer(ev)
			if !ok {
				continue
			}
			if to.Equals(destination) && amount.Cmp(claim.Required) >= 0 {
				v.logger.Debug("payment verified", "tx_hash", claim.TxHash, "amount", amount.String())
				return true, nil
			}
		}
	}
	return false, nil
}

// fetch runs the blocking RPC call so that ctx and the query timeout still
// apply.
func (v *NeoVerifier) fetch(ctx context.Context, hash util.Uint256) (*result.ApplicationLog, error) {
	qctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type reply struct {
		log *result.ApplicationLog
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		trig := trigger.Application
		l, err := v.source.GetApplicationLog(hash, &trig)
		ch <- reply{l, err}
	}()

	select {
	case r := <-ch:
		return r.log, r.err
	case <-qctx.Done():
		return nil, qctx.Err()
	}
}

// decodeTransfer reads (from, to, amount) from a NEP-17 notification.
func decodeTransfer(ev state.NotificationEvent) (util.Uint160, *big.Int, bool) {
	if ev.Item == nil {
		return util.Uint160{}, nil, false
	}
	args, ok := ev.Item.Value().([]stackitem.Item)
	if !ok || len(args) != 3 {
		return util.Uint160{}, nil, false
	}
	raw, err := args[1].TryBytes()
	if err != nil {
		return util.Uint160{}, nil, false
	}
	to, err := util.Uint160DecodeBytesBE(raw)
	if err != nil {
		return util.Uint160{}, nil, false
	}
	amount, err := args[2].TryInteger()
	if err != nil {
		return util.Uint160{}, nil, false
	}
	return to, amount, true
}
