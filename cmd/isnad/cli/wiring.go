package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/nspcc-dev/neo-go/pkg/rpcclient"

	"github.com/tkingovr/isnad/internal/anchor"
	"github.com/tkingovr/isnad/internal/audit"
	"github.com/tkingovr/isnad/internal/config"
	"github.com/tkingovr/isnad/internal/payment"
	"github.com/tkingovr/isnad/internal/policy"
	"github.com/tkingovr/isnad/internal/ratelimit"
	"github.com/tkingovr/isnad/internal/secret"
)

// closer collects cleanup functions and runs them in reverse order.
type closer []func()

func (c *closer) add(f func()) { *c = append(*c, f) }

func (c closer) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func newStore(ctx context.Context, cfg config.Store, log *slog.Logger) (audit.Store, error) {
	switch cfg.Backend {
	case config.StoreRedis:
		store, err := audit.NewRedisStore(ctx, audit.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			Retention: cfg.Retention,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		log.Info("using redis store", "addr", cfg.Redis.Addr, "prefix", store.Prefix())
		return store, nil
	default:
		store := audit.NewMemoryStore(audit.WithRetention(cfg.Retention))
		go store.RunJanitor(ctx, cfg.SweepInterval)
		log.Info("using in-memory store", "retention", cfg.Retention)
		return store, nil
	}
}

// newVerifier dials the payment ledger. The returned function closes the
// connection.
func newVerifier(ctx context.Context, cfg config.Payment, log *slog.Logger) (payment.Verifier, func(), error) {
	switch cfg.Chain {
	case config.ChainNeo:
		client, err := rpcclient.New(ctx, cfg.RPCURL, rpcclient.Options{DialTimeout: cfg.QueryTimeout, RequestTimeout: cfg.QueryTimeout})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to neo rpc: %w", err)
		}
		if err := client.Init(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("initializing neo rpc: %w", err)
		}
		return payment.NewNeoVerifier(client, cfg.QueryTimeout, log), client.Close, nil
	default:
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to evm rpc: %w", err)
		}
		return payment.NewEVMVerifier(client, cfg.QueryTimeout, log), client.Close, nil
	}
}

// newAnchor builds the registry publisher. Anchoring is skipped unless
// enabled.
func newAnchor(ctx context.Context, cfg config.Anchor, log *slog.Logger) (anchor.Publisher, func(), error) {
	if !cfg.Enabled {
		return anchor.NopPublisher{}, func() {}, nil
	}
	if !common.IsHexAddress(cfg.Registry) {
		return nil, nil, fmt.Errorf("invalid anchor registry address %q", cfg.Registry)
	}

	key, err := anchor.LoadKeyFile(cfg.KeyFile)
	if err != nil {
		return nil, nil, err
	}

	var abiReader io.Reader
	if cfg.ABIFile != "" {
		f, err := os.Open(cfg.ABIFile)
		if err != nil {
			return nil, nil, fmt.Errorf("opening registry abi: %w", err)
		}
		defer f.Close()
		abiReader = f
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to anchor rpc: %w", err)
	}
	pub, err := anchor.NewEVMPublisher(client, anchor.EVMConfig{
		Registry:  common.HexToAddress(cfg.Registry),
		ChainID:   cfg.ChainID,
		Key:       key,
		ABI:       abiReader,
		WaitMined: cfg.WaitMined,
	}, log)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	log.Info("anchoring enabled", "registry", cfg.Registry, "from", pub.From().Hex(), "chain_id", cfg.ChainID)
	return pub, client.Close, nil
}

func newAdmission(cfg config.Admission) (policy.Engine, error) {
	var (
		engine policy.Engine
		err    error
	)
	switch {
	case cfg.PolicyPath != "":
		engine, err = policy.Open(cfg.PolicyPath)
	case cfg.Policy != nil:
		engine, err = policy.NewYAMLEngineFromPolicy(cfg.Policy)
	default:
		engine = policy.AllowAll{}
	}
	if err != nil {
		return nil, fmt.Errorf("creating admission policy: %w", err)
	}
	if cfg.RejectSecrets {
		engine = policy.WithSecretScan(engine, secret.NewScanner())
	}
	return policy.WithMaxCodeSize(engine, cfg.MaxCodeSize), nil
}

// newLimiter shares counters through Redis when the store does.
func newLimiter(ctx context.Context, cfg ratelimit.Config, store audit.Store) *ratelimit.Limiter {
	if cfg.Empty() {
		return nil
	}
	if rs, ok := store.(*audit.RedisStore); ok {
		return ratelimit.New(cfg, ratelimit.NewRedisBackend(rs.Client(), rs.Prefix()+"ratelimit:"))
	}
	backend := ratelimit.NewMemoryBackend()
	go pruneLoop(ctx, backend, maxWindow(cfg))
	return ratelimit.New(cfg, backend)
}

func pruneLoop(ctx context.Context, b *ratelimit.MemoryBackend, maxAge time.Duration) {
	ticker := time.NewTicker(maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Prune(now, maxAge)
		}
	}
}

func maxWindow(cfg ratelimit.Config) time.Duration {
	longest := time.Minute
	consider := func(l *ratelimit.Limit) {
		if l != nil && l.Window > longest {
			longest = l.Window
		}
	}
	consider(cfg.Global)
	consider(cfg.PerClient)
	for _, l := range cfg.PerAction {
		consider(l)
	}
	return longest
}
