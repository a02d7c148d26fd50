package settlementd

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/middleware"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/scheduler"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress  string                     `yaml:"listen"`
	Environment    string                     `yaml:"environment"`
	Database       DatabaseConfig             `yaml:"database"`
	DefaultChainID uint64                     `yaml:"default_chain_id"`
	Chains         []ChainConfig              `yaml:"chains"`
	Facilitator    FacilitatorConfig          `yaml:"facilitator"`
	Draw           DrawConfig                 `yaml:"draw"`
	Scheduler      SchedulerConfig            `yaml:"scheduler"`
	Admin          AdminConfig                `yaml:"admin"`
	RateLimits     map[string]RateLimitConfig `yaml:"rate_limits"`
}

// DatabaseConfig selects the gorm driver.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// TokenConfig describes an ERC-20 contract.
type TokenConfig struct {
	Address  string `yaml:"address"`
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Decimals int32  `yaml:"decimals"`
}

// ChainConfig describes one ledger the relay and draws can settle on.
type ChainConfig struct {
	ChainID             uint64      `yaml:"chain_id"`
	Name                string      `yaml:"name"`
	RPCURL              string      `yaml:"rpc_url"`
	Token               TokenConfig `yaml:"token"`
	ReceiptToken        TokenConfig `yaml:"receipt_token"`
	ConfirmationTimeout Duration    `yaml:"confirmation_timeout"`
	PollInterval        Duration    `yaml:"poll_interval"`
}

// FacilitatorConfig locates the signing key of the gas-paying account.
type FacilitatorConfig struct {
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyEnv  string `yaml:"private_key_env"`
	PrivateKeyFile string `yaml:"private_key_file"`

	key       *ecdsa.PrivateKey
	sourceRef string
	source    string
}

// DrawConfig controls the weekly draw.
type DrawConfig struct {
	ChainID               uint64 `yaml:"chain_id"`
	Weekday               string `yaml:"weekday"`
	Hour                  int    `yaml:"hour"`
	MinGasReserve         string `yaml:"min_gas_reserve"`
	CollectionConcurrency int    `yaml:"collection_concurrency"`

	weekday time.Weekday
	reserve *big.Int
}

// SchedulerConfig controls the tick cadence.
type SchedulerConfig struct {
	Schedule   string `yaml:"schedule"`
	RunOnStart *bool  `yaml:"run_on_start"`
	InstanceID string `yaml:"instance_id"`
}

// AdminConfig secures the operator routes.
type AdminConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
}

// RateLimitConfig bounds requests per client for a route group.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Facilitator.resolve(); err != nil {
		return cfg, fmt.Errorf("facilitator key: %w", err)
	}
	if err := cfg.Admin.resolve(); err != nil {
		return cfg, fmt.Errorf("admin secret: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SETTLEMENTD_DB_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SETTLEMENTD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SETTLEMENTD_ENV")); v != "" {
		cfg.Environment = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8088"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:settlementd.db?_pragma=busy_timeout(5000)"
	}
	if cfg.DefaultChainID == 0 && len(cfg.Chains) > 0 {
		cfg.DefaultChainID = cfg.Chains[0].ChainID
	}
	if cfg.Draw.ChainID == 0 {
		cfg.Draw.ChainID = cfg.DefaultChainID
	}
	if strings.TrimSpace(cfg.Draw.Weekday) == "" {
		cfg.Draw.Weekday = "monday"
	}
	if cfg.Draw.CollectionConcurrency == 0 {
		cfg.Draw.CollectionConcurrency = 1
	}
	if strings.TrimSpace(cfg.Scheduler.Schedule) == "" {
		cfg.Scheduler.Schedule = scheduler.DefaultSchedule
	}
	if cfg.Scheduler.RunOnStart == nil {
		on := true
		cfg.Scheduler.RunOnStart = &on
	}
	if cfg.Scheduler.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Scheduler.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
		}
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitConfig{}
	}
	if _, ok := cfg.RateLimits["relay"]; !ok {
		cfg.RateLimits["relay"] = RateLimitConfig{RequestsPerMinute: 60, Burst: 10}
	}
}

func validateConfig(cfg *Config) error {
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[uint64]bool, len(cfg.Chains))
	for i, chain := range cfg.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("chains[%d]: chain_id must be configured", i)
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("chains[%d]: duplicate chain_id %d", i, chain.ChainID)
		}
		seen[chain.ChainID] = true
		if strings.TrimSpace(chain.RPCURL) == "" {
			return fmt.Errorf("chain %d: rpc_url must be configured", chain.ChainID)
		}
		if !common.IsHexAddress(chain.Token.Address) {
			return fmt.Errorf("chain %d: token.address %q is not a hex address", chain.ChainID, chain.Token.Address)
		}
		if chain.ReceiptToken.Address != "" && !common.IsHexAddress(chain.ReceiptToken.Address) {
			return fmt.Errorf("chain %d: receipt_token.address %q is not a hex address", chain.ChainID, chain.ReceiptToken.Address)
		}
	}
	if !seen[cfg.DefaultChainID] {
		return fmt.Errorf("default_chain_id %d is not configured", cfg.DefaultChainID)
	}
	drawChain, ok := cfg.Chain(cfg.Draw.ChainID)
	if !ok {
		return fmt.Errorf("draw.chain_id %d is not configured", cfg.Draw.ChainID)
	}
	if drawChain.ReceiptToken.Address == "" {
		return fmt.Errorf("chain %d: receipt_token.address is required for draws", drawChain.ChainID)
	}
	weekday, ok := weekdays[strings.ToLower(strings.TrimSpace(cfg.Draw.Weekday))]
	if !ok {
		return fmt.Errorf("draw.weekday %q is not a weekday", cfg.Draw.Weekday)
	}
	cfg.Draw.weekday = weekday
	if cfg.Draw.Hour < 0 || cfg.Draw.Hour > 23 {
		return fmt.Errorf("draw.hour must be within 0..23")
	}
	cfg.Draw.reserve = new(big.Int)
	if raw := strings.TrimSpace(cfg.Draw.MinGasReserve); raw != "" {
		reserve, err := uint256.FromDecimal(raw)
		if err != nil {
			return fmt.Errorf("draw.min_gas_reserve must be a non-negative wei amount: %w", err)
		}
		cfg.Draw.reserve = reserve.ToBig()
	}
	if cfg.Draw.CollectionConcurrency < 1 {
		return fmt.Errorf("draw.collection_concurrency must be at least 1")
	}
	for group, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s must not be negative", group)
		}
	}
	return nil
}

// Chain returns the configuration of chainID.
func (c Config) Chain(chainID uint64) (ChainConfig, bool) {
	for _, chain := range c.Chains {
		if chain.ChainID == chainID {
			return chain, true
		}
	}
	return ChainConfig{}, false
}

// WeekdayValue returns the parsed draw weekday.
func (d DrawConfig) WeekdayValue() time.Weekday { return d.weekday }

// Reserve returns the parsed minimum gas reserve in wei.
func (d DrawConfig) Reserve() *big.Int {
	if d.reserve == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(d.reserve)
}

// RateLimitSet converts the yaml limits into middleware limits.
func (c Config) RateLimitSet() map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(c.RateLimits))
	for group, limit := range c.RateLimits {
		out[group] = middleware.RateLimit{RequestsPerMinute: float64(limit.RequestsPerMinute), Burst: limit.Burst}
	}
	return out
}

// Key returns the resolved facilitator key, or nil for a read-only service.
func (f FacilitatorConfig) Key() *ecdsa.PrivateKey { return f.key }

// Source describes where the key was loaded from without exposing it.
func (f FacilitatorConfig) Source() (kind, ref string) { return f.source, f.sourceRef }

func (f *FacilitatorConfig) resolve() error {
	literal := strings.TrimSpace(f.PrivateKey)
	envName := strings.TrimSpace(f.PrivateKeyEnv)
	path := strings.TrimSpace(f.PrivateKeyFile)
	var raw string
	switch {
	case literal != "":
		raw, f.source = literal, "literal"
	case envName != "":
		raw = strings.TrimSpace(os.Getenv(envName))
		if raw == "" {
			return fmt.Errorf("private_key_env %s is empty", envName)
		}
		f.source, f.sourceRef = "env", envName
	case path != "":
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read private_key_file: %w", err)
		}
		raw = strings.TrimSpace(string(contents))
		f.source, f.sourceRef = "file", path
	default:
		return nil
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X"))
	if err != nil {
		return fmt.Errorf("parse %s key: %w", f.source, err)
	}
	f.key = key
	return nil
}

func (a *AdminConfig) resolve() error {
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	if a.JWTSecret != "" {
		return nil
	}
	if name := strings.TrimSpace(a.JWTSecretEnv); name != "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", name)
		}
		a.JWTSecret = value
	}
	return nil
}
