package anchor

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const testFingerprint = "54fb233cb5dd416c606a63bfb3c33d52f57413f56c79501fb4dbfd2860ceed16"

var testRegistry = common.HexToAddress("0x1aF990C1Fc86F5E761043D1C74c1cC4e1187946D")

// fakeChain implements the calls made by a legacy-fee transaction. Any other
// Backend method panics through the nil embedded interface.
type fakeChain struct {
	Backend

	mu      sync.Mutex
	sent    []*types.Transaction
	status  uint64
	sendErr error
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100)}, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeChain) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, prev := range f.sent {
		if prev.Nonce() == tx.Nonce() {
			return errors.New("nonce too low")
		}
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{Status: f.status, TxHash: hash, BlockNumber: big.NewInt(101)}, nil
		}
	}
	return nil, ethereum.NotFound
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPublisher(t *testing.T, chain *fakeChain, wait bool) *EVMPublisher {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	p, err := NewEVMPublisher(chain, EVMConfig{
		Registry:  testRegistry,
		ChainID:   big.NewInt(137),
		Key:       key,
		WaitMined: wait,
	}, testLogger())
	require.NoError(t, err)
	return p
}

func TestEVMPublisher_EncodesLogAudit(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusSuccessful}
	p := newTestPublisher(t, chain, true)

	rec := Record{
		AuditID:     "a-1",
		Component:   "Apify-Actor-Development-Skill",
		Version:     "v1.0.0",
		Fingerprint: testFingerprint,
		Signature:   "-----BEGIN PGP SIGNATURE-----",
	}
	receipt, err := p.Publish(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, chain.sent, 1)

	tx := chain.sent[0]
	require.Equal(t, tx.Hash().Hex(), receipt.TxHash)
	require.Equal(t, uint64(101), receipt.BlockNumber)
	require.Equal(t, testRegistry, *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), tx)
	require.NoError(t, err)
	require.Equal(t, p.From(), sender)

	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	require.NoError(t, err)
	method, err := parsed.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "logAudit", method.Name)

	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, rec.Component, args[0])
	require.Equal(t, rec.Version, args[1])
	hash := args[2].([32]byte)
	require.Equal(t, testFingerprint, hex.EncodeToString(hash[:]))
	require.Equal(t, rec.Signature, args[3])
}

func TestEVMPublisher_NoWait(t *testing.T) {
	chain := &fakeChain{}
	p := newTestPublisher(t, chain, false)

	receipt, err := p.Publish(context.Background(), Record{Fingerprint: "0x" + testFingerprint})
	require.NoError(t, err)
	require.NotEmpty(t, receipt.TxHash)
	require.Zero(t, receipt.BlockNumber)
}

func TestEVMPublisher_ConcurrentNonces(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusSuccessful}
	p := newTestPublisher(t, chain, true)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Publish(context.Background(), Record{AuditID: "a", Fingerprint: testFingerprint})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, chain.sent, n)
	seen := make(map[uint64]bool)
	for _, tx := range chain.sent {
		require.False(t, seen[tx.Nonce()], "nonce %d sent twice", tx.Nonce())
		seen[tx.Nonce()] = true
	}
}

func TestEVMPublisher_Reverted(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusFailed}
	p := newTestPublisher(t, chain, true)

	_, err := p.Publish(context.Background(), Record{Fingerprint: testFingerprint})
	require.ErrorContains(t, err, "reverted")
}

func TestEVMPublisher_SendFailure(t *testing.T) {
	chain := &fakeChain{sendErr: errors.New("insufficient funds")}
	p := newTestPublisher(t, chain, true)

	_, err := p.Publish(context.Background(), Record{Fingerprint: testFingerprint})
	require.ErrorContains(t, err, "insufficient funds")
}

func TestEVMPublisher_BadFingerprint(t *testing.T) {
	chain := &fakeChain{}
	p := newTestPublisher(t, chain, true)

	_, err := p.Publish(context.Background(), Record{Fingerprint: "abcd"})
	require.Error(t, err)
	require.Empty(t, chain.sent)
}

func TestNewEVMPublisher_Validation(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = NewEVMPublisher(&fakeChain{}, EVMConfig{ChainID: big.NewInt(1)}, testLogger())
	require.Error(t, err)

	_, err = NewEVMPublisher(&fakeChain{}, EVMConfig{Key: key}, testLogger())
	require.Error(t, err)

	_, err = NewEVMPublisher(&fakeChain{}, EVMConfig{
		Key:     key,
		ChainID: big.NewInt(1),
		ABI:     strings.NewReader(`[{"type":"function","name":"other","inputs":[],"outputs":[]}]`),
	}, testLogger())
	require.ErrorContains(t, err, "logAudit")
}

func TestFingerprintBytes(t *testing.T) {
	b, err := FingerprintBytes(testFingerprint)
	require.NoError(t, err)
	require.Equal(t, testFingerprint, hex.EncodeToString(b[:]))

	_, err = FingerprintBytes("0x" + strings.ToUpper(testFingerprint))
	require.NoError(t, err)

	for _, bad := range []string{"", "zz", testFingerprint[:62], testFingerprint + "00"} {
		_, err := FingerprintBytes(bad)
		require.Error(t, err, bad)
	}
}

func TestLoadKeyFile(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hex.EncodeToString(crypto.FromECDSA(key))

	dir := t.TempDir()
	path := filepath.Join(dir, "wallet.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"privateKey":"0x`+hexKey+`"}`), 0o600))

	loaded, err := LoadKeyFile(path)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(loaded.PublicKey))

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0o600))
	_, err = LoadKeyFile(empty)
	require.Error(t, err)

	_, err = LoadKeyFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	_, err := NopPublisher{}.Publish(context.Background(), Record{})
	require.ErrorIs(t, err, ErrDisabled)
}
