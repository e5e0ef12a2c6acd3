package config

import (
	"time"

	"github.com/tkingovr/isnad/internal/payment"
	"github.com/tkingovr/isnad/internal/signer"
)

const (
	DefaultListenAddr    = "127.0.0.1:3000"
	DefaultPrice         = "10"
	DefaultDecimals      = 6
	DefaultNetwork       = "Polygon POS"
	DefaultNeoNetwork    = "Neo N3"
	DefaultChain         = ChainEVM
	DefaultTreasury      = "0x1aF990C1Fc86F5E761043D1C74c1cC4e1187946D"
	DefaultTokenContract = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	DefaultRPCURL        = "https://polygon-mainnet.g.alchemy.com/v2/{ALCHEMY_API_KEY}"
	DefaultChainID       = 137

	DefaultQueryTimeout  = payment.DefaultQueryTimeout
	DefaultSignerTimeout = signer.DefaultTimeout
	DefaultAnchorTimeout = 2 * time.Minute
	DefaultRetention     = 24 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

// Ledger backends.
const (
	ChainEVM = "evm"
	ChainNeo = "neo"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// DefaultSignerCommand returns a copy of the default signing tool command.
func DefaultSignerCommand() []string {
	return append([]string(nil), signer.DefaultCommand...)
}

// DefaultJournalDir returns the default journal directory path.
func DefaultJournalDir() string {
	return "~/.isnad/journal"
}
