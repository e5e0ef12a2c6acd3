package payment

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic is the event signature hash of ERC-20 Transfer.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ReceiptSource fetches transaction receipts. *ethclient.Client satisfies it.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMVerifier verifies ERC-20 payments on an EVM ledger.
type EVMVerifier struct {
	source  ReceiptSource
	timeout time.Duration
	logger  *slog.Logger
}

// NewEVMVerifier creates a verifier reading receipts from source.
func NewEVMVerifier(source ReceiptSource, timeout time.Duration, logger *slog.Logger) *EVMVerifier {
	return &EVMVerifier{
		source:  source,
		timeout: queryTimeout(timeout),
		logger:  logger,
	}
}

func (v *EVMVerifier) Verify(ctx context.Context, claim Claim) (bool, error) {
	raw, err := hexutil.Decode(claim.TxHash)
	if err != nil || len(raw) != common.HashLength {
		return false, ErrInvalidTxHash
	}
	if claim.Required == nil {
		return false, errors.New("required amount is not set")
	}

	qctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	receipt, err := v.source.TransactionReceipt(qctx, common.BytesToHash(raw))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			v.logger.Debug("receipt not available", "tx_hash", claim.TxHash)
		} else {
			v.logger.Warn("receipt query failed", "tx_hash", claim.TxHash, "error", err)
		}
		return false, nil
	}
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	for _, l := range receipt.Logs {
		if l == nil || !sameHexAddress(l.Address.Hex(), claim.Contract) {
			continue
		}
		// Transfer(from indexed, to indexed, value)
		if len(l.Topics) < 3 || l.Topics[0] != TransferTopic || len(l.Data) < 32 {
			continue
		}
		to := common.BytesToAddress(l.Topics[2].Bytes())
		amount := new(big.Int).SetBytes(l.Data[:32])

		if sameHexAddress(to.Hex(), claim.Destination) && amount.Cmp(claim.Required) >= 0 {
			v.logger.Debug("payment verified",
				"tx_hash", claim.TxHash,
				"amount", amount.String(),
				"log_index", l.Index,
			)
			return true, nil
		}
	}
	return false, nil
}
