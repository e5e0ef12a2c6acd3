package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/tkingovr/isnad/internal/payment"
	"github.com/tkingovr/isnad/internal/policy"
	"github.com/tkingovr/isnad/internal/ratelimit"
)

// Environment variables that override file settings.
const (
	EnvDemoMode  = "ISNAD_DEMO_MODE"
	EnvAlchemy   = "ALCHEMY_API_KEY"
	EnvRedisAddr = "ISNAD_REDIS_ADDR"
	EnvListen    = "ISNAD_LISTEN"
	EnvPort      = "PORT"
)

// File is the on-disk YAML layout.
type File struct {
	Version   int            `yaml:"version"`
	Listen    string         `yaml:"listen,omitempty"`
	DemoMode  bool           `yaml:"demo_mode,omitempty"`
	Payment   PaymentFile    `yaml:"payment"`
	Signer    SignerFile     `yaml:"signer"`
	Store     StoreFile      `yaml:"store"`
	Journal   JournalFile    `yaml:"journal"`
	Anchor    AnchorFile     `yaml:"anchor"`
	RateLimit *RateLimitFile `yaml:"rate_limit,omitempty"`
	Admission AdmissionFile  `yaml:"admission"`
}

// PaymentFile configures pricing and the ledger used to verify payments.
type PaymentFile struct {
	Price           string `yaml:"price,omitempty"`
	Decimals        *int   `yaml:"decimals,omitempty"`
	WalletAddress   string `yaml:"wallet_address,omitempty"`
	ContractAddress string `yaml:"contract_address,omitempty"`
	Network         string `yaml:"network,omitempty"`
	Chain           string `yaml:"chain,omitempty"`
	RPCURL          string `yaml:"rpc_url,omitempty"`
	QueryTimeout    string `yaml:"query_timeout,omitempty"`
}

// SignerFile configures the external signing tool.
type SignerFile struct {
	Command []string `yaml:"command,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	Env     []string `yaml:"env,omitempty"`
	Timeout string   `yaml:"timeout,omitempty"`
	WorkDir string   `yaml:"work_dir,omitempty"`
}

// StoreFile configures where audit records are kept.
type StoreFile struct {
	Backend       string    `yaml:"backend,omitempty"`
	Retention     string    `yaml:"retention,omitempty"`
	SweepInterval string    `yaml:"sweep_interval,omitempty"`
	Redis         RedisFile `yaml:"redis"`
}

// RedisFile holds Redis connection settings.
type RedisFile struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// JournalFile configures the lifecycle journal.
type JournalFile struct {
	Dir       string `yaml:"dir,omitempty"`
	MaxMemory int    `yaml:"max_memory,omitempty"`
}

// AnchorFile configures on-chain anchoring of certificates.
type AnchorFile struct {
	Enabled   bool   `yaml:"enabled"`
	RPCURL    string `yaml:"rpc_url,omitempty"`
	Registry  string `yaml:"registry,omitempty"`
	ChainID   int64  `yaml:"chain_id,omitempty"`
	KeyFile   string `yaml:"key_file,omitempty"`
	ABIFile   string `yaml:"abi_file,omitempty"`
	Timeout   string `yaml:"timeout,omitempty"`
	WaitMined bool   `yaml:"wait_mined,omitempty"`
}

// RateLimitFile configures request rate limits.
type RateLimitFile struct {
	Global    *RateLimitRule            `yaml:"global,omitempty"`
	PerClient *RateLimitRule            `yaml:"per_client,omitempty"`
	PerAction map[string]*RateLimitRule `yaml:"per_action,omitempty"`
}

// RateLimitRule defines a rate limit: max requests per time window.
type RateLimitRule struct {
	Max    int    `yaml:"max"`
	Window string `yaml:"window"`
}

// AdmissionFile configures the admission policy.
type AdmissionFile struct {
	// PolicyFile points at a YAML rule file or a .rego module.
	PolicyFile    string         `yaml:"policy_file,omitempty"`
	MaxCodeSize   int            `yaml:"max_code_size,omitempty"`
	RejectSecrets bool           `yaml:"reject_secrets,omitempty"`
	DefaultAction policy.Verdict `yaml:"default_action,omitempty"`
	Rules         []policy.Rule  `yaml:"rules,omitempty"`
}

// Config is the runtime configuration of the gateway.
type Config struct {
	Path       string
	ListenAddr string
	DemoMode   bool

	Payment   Payment
	Signer    Signer
	Store     Store
	Journal   Journal
	Anchor    Anchor
	RateLimit ratelimit.Config
	Admission Admission
}

// Payment holds resolved payment settings.
type Payment struct {
	Price           string
	Decimals        int
	WalletAddress   string
	ContractAddress string
	Network         string
	Chain           string
	RPCURL          string
	QueryTimeout    time.Duration
}

// Signer holds resolved signing tool settings.
type Signer struct {
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
	WorkDir string
}

// Store holds resolved store settings.
type Store struct {
	Backend       string
	Retention     time.Duration
	SweepInterval time.Duration
	Redis         RedisFile
}

// Journal holds resolved journal settings.
type Journal struct {
	Dir       string
	MaxMemory int
}

// Anchor holds resolved anchoring settings.
type Anchor struct {
	Enabled   bool
	RPCURL    string
	Registry  string
	ChainID   *big.Int
	KeyFile   string
	ABIFile   string
	Timeout   time.Duration
	WaitMined bool
}

// Admission holds the admission policy; Policy is nil when PolicyPath is
// set.
type Admission struct {
	PolicyPath    string
	MaxCodeSize   int
	RejectSecrets bool
	Policy        *policy.PolicyFile
}

// Load reads a YAML config file and produces a runtime Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	if cfg.Admission.PolicyPath != "" && !filepath.IsAbs(cfg.Admission.PolicyPath) {
		cfg.Admission.PolicyPath = filepath.Join(filepath.Dir(path), cfg.Admission.PolicyPath)
	}
	return cfg, nil
}

// LoadBytes parses YAML data and produces a runtime Config.
func LoadBytes(data []byte) (*Config, error) {
	return parseWith(data, os.Getenv)
}

func parseWith(data []byte, getenv func(string) string) (*Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported config version: %d (expected 1)", f.Version)
	}
	return fromFile(&f, getenv)
}

// DefaultConfig returns a config with defaults for when no config file is given.
func DefaultConfig() (*Config, error) {
	return fromFile(&File{Version: 1}, os.Getenv)
}

func fromFile(f *File, getenv func(string) string) (*Config, error) {
	cfg := &Config{
		ListenAddr: orDefault(f.Listen, DefaultListenAddr),
		DemoMode:   f.DemoMode,
	}

	var err error
	if cfg.Payment, err = resolvePayment(f.Payment, getenv); err != nil {
		return nil, err
	}
	if cfg.Signer, err = resolveSigner(f.Signer); err != nil {
		return nil, err
	}
	if cfg.Store, err = resolveStore(f.Store); err != nil {
		return nil, err
	}
	if cfg.Anchor, err = resolveAnchor(f.Anchor, getenv); err != nil {
		return nil, err
	}
	// Anchoring goes to the payment ledger unless told otherwise.
	if cfg.Anchor.RPCURL == "" {
		cfg.Anchor.RPCURL = cfg.Payment.RPCURL
	}
	if cfg.RateLimit, err = resolveRateLimit(f.RateLimit); err != nil {
		return nil, err
	}
	if cfg.Admission, err = resolveAdmission(f.Admission); err != nil {
		return nil, err
	}
	cfg.Journal = Journal{
		Dir:       expandHome(orDefault(f.Journal.Dir, DefaultJournalDir())),
		MaxMemory: f.Journal.MaxMemory,
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvDemoMode); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvDemoMode, v, err)
		}
		c.DemoMode = on
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.Store.Backend = StoreRedis
		c.Store.Redis.Addr = v
	}
	if v := getenv(EnvPort); v != "" {
		c.ListenAddr = ":" + v
	}
	if v := getenv(EnvListen); v != "" {
		c.ListenAddr = v
	}
	if c.Store.Backend == StoreRedis && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required for the redis backend")
	}
	return nil
}

func resolvePayment(p PaymentFile, getenv func(string) string) (Payment, error) {
	out := Payment{
		Price:           orDefault(p.Price, DefaultPrice),
		Decimals:        DefaultDecimals,
		Chain:           strings.ToLower(orDefault(p.Chain, DefaultChain)),
		WalletAddress:   strings.TrimSpace(p.WalletAddress),
		ContractAddress: strings.TrimSpace(p.ContractAddress),
		Network:         p.Network,
		RPCURL:          p.RPCURL,
	}
	if p.Decimals != nil {
		out.Decimals = *p.Decimals
	}
	if out.Decimals < 0 || out.Decimals > 77 {
		return out, fmt.Errorf("invalid payment.decimals %d", out.Decimals)
	}
	if _, err := payment.ParseUnits(out.Price, out.Decimals); err != nil {
		return out, fmt.Errorf("invalid payment.price %q: %w", out.Price, err)
	}

	switch out.Chain {
	case ChainEVM:
		out.WalletAddress = orDefault(out.WalletAddress, DefaultTreasury)
		out.ContractAddress = orDefault(out.ContractAddress, DefaultTokenContract)
		out.Network = orDefault(out.Network, DefaultNetwork)
		out.RPCURL = orDefault(out.RPCURL, DefaultRPCURL)
		for name, addr := range map[string]string{"wallet_address": out.WalletAddress, "contract_address": out.ContractAddress} {
			if !common.IsHexAddress(addr) {
				return out, fmt.Errorf("invalid payment.%s %q (expected a 0x-prefixed hex address)", name, addr)
			}
		}
	case ChainNeo:
		// The Polygon defaults would parse as script hashes, so nothing is
		// assumed for neo.
		for name, v := range map[string]string{"wallet_address": out.WalletAddress, "contract_address": out.ContractAddress, "rpc_url": out.RPCURL} {
			if v == "" {
				return out, fmt.Errorf("payment.%s is required for the %s chain", name, ChainNeo)
			}
		}
		out.Network = orDefault(out.Network, DefaultNeoNetwork)
		for name, addr := range map[string]string{"wallet_address": out.WalletAddress, "contract_address": out.ContractAddress} {
			if _, err := payment.ParseNeoAddress(addr); err != nil {
				return out, fmt.Errorf("invalid payment.%s %q: %w", name, addr, err)
			}
		}
	default:
		return out, fmt.Errorf("invalid payment.chain %q (expected %s or %s)", out.Chain, ChainEVM, ChainNeo)
	}
	out.RPCURL = expandRPC(out.RPCURL, getenv)

	var err error
	if out.QueryTimeout, err = parseDuration("payment.query_timeout", p.QueryTimeout, DefaultQueryTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func resolveSigner(s SignerFile) (Signer, error) {
	out := Signer{
		Command: s.Command,
		Dir:     expandHome(s.Dir),
		Env:     s.Env,
		WorkDir: expandHome(s.WorkDir),
	}
	if len(out.Command) == 0 {
		out.Command = DefaultSignerCommand()
	}
	for _, kv := range out.Env {
		if !strings.Contains(kv, "=") {
			return out, fmt.Errorf("invalid signer.env entry %q (expected KEY=value)", kv)
		}
	}
	var err error
	if out.Timeout, err = parseDuration("signer.timeout", s.Timeout, DefaultSignerTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func resolveStore(s StoreFile) (Store, error) {
	out := Store{
		Backend: strings.ToLower(orDefault(s.Backend, StoreMemory)),
		Redis:   s.Redis,
	}
	if out.Backend != StoreMemory && out.Backend != StoreRedis {
		return out, fmt.Errorf("invalid store.backend %q (expected %s or %s)", out.Backend, StoreMemory, StoreRedis)
	}
	var err error
	if out.Retention, err = parseDuration("store.retention", s.Retention, DefaultRetention); err != nil {
		return out, err
	}
	if out.SweepInterval, err = parseDuration("store.sweep_interval", s.SweepInterval, DefaultSweepInterval); err != nil {
		return out, err
	}
	return out, nil
}

func resolveAnchor(a AnchorFile, getenv func(string) string) (Anchor, error) {
	out := Anchor{
		Enabled:   a.Enabled,
		RPCURL:    expandRPC(a.RPCURL, getenv),
		Registry:  a.Registry,
		KeyFile:   expandHome(a.KeyFile),
		ABIFile:   expandHome(a.ABIFile),
		WaitMined: a.WaitMined,
		ChainID:   big.NewInt(a.ChainID),
	}
	if a.ChainID == 0 {
		out.ChainID = big.NewInt(DefaultChainID)
	}
	var err error
	if out.Timeout, err = parseDuration("anchor.timeout", a.Timeout, DefaultAnchorTimeout); err != nil {
		return out, err
	}
	if !out.Enabled {
		return out, nil
	}
	if out.Registry == "" {
		return out, fmt.Errorf("anchor.registry is required when anchoring is enabled")
	}
	if out.KeyFile == "" {
		return out, fmt.Errorf("anchor.key_file is required when anchoring is enabled")
	}
	return out, nil
}

func resolveRateLimit(rl *RateLimitFile) (ratelimit.Config, error) {
	var out ratelimit.Config
	if rl == nil {
		return out, nil
	}
	var err error
	if out.Global, err = parseLimit("global", rl.Global); err != nil {
		return out, err
	}
	if out.PerClient, err = parseLimit("per_client", rl.PerClient); err != nil {
		return out, err
	}
	if len(rl.PerAction) > 0 {
		out.PerAction = make(map[string]*ratelimit.Limit, len(rl.PerAction))
		for action, rule := range rl.PerAction {
			if out.PerAction[action], err = parseLimit("per_action."+action, rule); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func parseLimit(name string, rule *RateLimitRule) (*ratelimit.Limit, error) {
	if rule == nil {
		return nil, nil
	}
	if rule.Max <= 0 {
		return nil, fmt.Errorf("rate_limit.%s: max must be positive", name)
	}
	d, err := time.ParseDuration(rule.Window)
	if err != nil || d <= 0 {
		return nil, fmt.Errorf("rate_limit.%s: invalid window %q", name, rule.Window)
	}
	return &ratelimit.Limit{Max: rule.Max, Window: d}, nil
}

func resolveAdmission(a AdmissionFile) (Admission, error) {
	out := Admission{
		PolicyPath:    expandHome(a.PolicyFile),
		MaxCodeSize:   a.MaxCodeSize,
		RejectSecrets: a.RejectSecrets,
	}
	if out.MaxCodeSize < 0 {
		return out, fmt.Errorf("admission.max_code_size must not be negative")
	}
	if out.PolicyPath != "" {
		if len(a.Rules) > 0 {
			return out, fmt.Errorf("admission: policy_file and inline rules are mutually exclusive")
		}
		return out, nil
	}

	// Inline rules are validated the same way as a policy file.
	data, err := yaml.Marshal(&policy.PolicyFile{
		Version: 1,
		Settings: policy.Settings{
			DefaultAction: a.DefaultAction,
		},
		Rules: a.Rules,
	})
	if err != nil {
		return out, fmt.Errorf("encoding admission rules: %w", err)
	}
	if out.Policy, err = policy.LoadBytes(data); err != nil {
		return out, fmt.Errorf("admission: %w", err)
	}
	return out, nil
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", name, value)
	}
	return d, nil
}

// expandRPC fills the {ALCHEMY_API_KEY} placeholder from the environment.
func expandRPC(url string, getenv func(string) string) string {
	return strings.ReplaceAll(url, "{"+EnvAlchemy+"}", getenv(EnvAlchemy))
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
