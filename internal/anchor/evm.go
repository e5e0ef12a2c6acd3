package anchor

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// RegistryABI is the subset of the registry interface used for anchoring.
const RegistryABI = `[{
  "type": "function",
  "name": "logAudit",
  "stateMutability": "nonpayable",
  "inputs": [
    {"name": "component", "type": "string"},
    {"name": "version", "type": "string"},
    {"name": "hash", "type": "bytes32"},
    {"name": "signature", "type": "string"}
  ],
  "outputs": []
}]`

const logAuditMethod = "logAudit"

// Backend is the chain access the EVM publisher needs; *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EVMPublisher calls logAudit on the registry contract.
type EVMPublisher struct {
	contract *bind.BoundContract
	backend  Backend
	opts     *bind.TransactOpts
	wait     bool
	logger   *slog.Logger

	// mu spans nonce lookup and broadcast so concurrent anchors from one
	// account get distinct nonces.
	mu sync.Mutex
}

// EVMConfig holds what is needed to talk to the registry.
type EVMConfig struct {
	Registry common.Address
	ChainID  *big.Int
	Key      *ecdsa.PrivateKey

	// ABI overrides RegistryABI when non-nil.
	ABI io.Reader

	// WaitMined blocks Publish until the transaction is included.
	WaitMined bool
}

// NewEVMPublisher binds the registry contract.
func NewEVMPublisher(backend Backend, cfg EVMConfig, logger *slog.Logger) (*EVMPublisher, error) {
	if cfg.Key == nil {
		return nil, errors.New("anchor signing key is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("anchor chain id is required")
	}

	src := cfg.ABI
	if src == nil {
		src = strings.NewReader(RegistryABI)
	}
	parsed, err := abi.JSON(src)
	if err != nil {
		return nil, fmt.Errorf("parsing registry abi: %w", err)
	}
	if _, ok := parsed.Methods[logAuditMethod]; !ok {
		return nil, fmt.Errorf("registry abi has no %s method", logAuditMethod)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(cfg.Key, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("creating transactor: %w", err)
	}

	return &EVMPublisher{
		contract: bind.NewBoundContract(cfg.Registry, parsed, backend, backend, backend),
		backend:  backend,
		opts:     opts,
		wait:     cfg.WaitMined,
		logger:   logger,
	}, nil
}

// From returns the account paying for anchoring.
func (p *EVMPublisher) From() common.Address {
	return p.opts.From
}

// Publish sends logAudit for rec. Calls are safe for concurrent use; only
// sending is serialized, waiting for inclusion is not.
func (p *EVMPublisher) Publish(ctx context.Context, rec Record) (*Receipt, error) {
	hash, err := FingerprintBytes(rec.Fingerprint)
	if err != nil {
		return nil, err
	}

	opts := *p.opts
	opts.Context = ctx

	p.mu.Lock()
	tx, err := p.contract.Transact(&opts, logAuditMethod, rec.Component, rec.Version, hash, rec.Signature)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", logAuditMethod, err)
	}
	p.logger.Info("anchor transaction sent", "audit_id", rec.AuditID, "tx", tx.Hash().Hex())

	out := &Receipt{TxHash: tx.Hash().Hex()}
	if !p.wait {
		return out, nil
	}

	receipt, err := bind.WaitMined(ctx, p.backend, tx)
	if err != nil {
		return out, fmt.Errorf("waiting for %s: %w", out.TxHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, fmt.Errorf("anchor transaction %s reverted", out.TxHash)
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// FingerprintBytes converts a hex SHA-256 fingerprint into the registry's
// bytes32 argument.
func FingerprintBytes(fingerprint string) ([32]byte, error) {
	var out [32]byte
	s := strings.TrimSpace(fingerprint)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("fingerprint %q is not a 32-byte hex digest", fingerprint)
	}
	copy(out[:], b)
	return out, nil
}

type walletFile struct {
	PrivateKey string `json:"privateKey"`
}

// LoadKeyFile reads a wallet credential file of the form
// {"privateKey": "0x..."}.
func LoadKeyFile(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading wallet file: %w", err)
	}
	var w walletFile
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing wallet file: %w", err)
	}
	hexKey := strings.TrimPrefix(strings.TrimSpace(w.PrivateKey), "0x")
	if hexKey == "" {
		return nil, errors.New("wallet file has no privateKey")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}
