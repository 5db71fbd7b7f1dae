// Package config loads the service configuration from YAML, a .env file and
// environment overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/engine"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
)

// Config is the service configuration.
type Config struct {
	Port string `yaml:"port"`

	// Principals in base58 text form.
	CanisterID  string   `yaml:"canister_id"`
	CMCallerID  string   `yaml:"cm_caller_id"`
	Controllers []string `yaml:"controllers"`

	// AuthRootKey is the hex ed25519 key that signs user authorizations.
	// Empty disables authorization checks.
	AuthRootKey string `yaml:"auth_root_key"`

	Ledger  LedgerConfig  `yaml:"ledger"`
	Market  MarketConfig  `yaml:"market"`
	Storage StorageConfig `yaml:"storage"`

	PayoutInterval   time.Duration `yaml:"-"`
	SnapshotInterval time.Duration `yaml:"-"`

	PayoutIntervalRaw   string `yaml:"payout_interval"`
	SnapshotIntervalRaw string `yaml:"snapshot_interval"`
}

// LedgerConfig describes the token ledger.
type LedgerConfig struct {
	// Fee is the initial ledger fee; nil uses the default.
	Fee      *uint64 `yaml:"fee"`
	Decimals int32   `yaml:"decimals"`
}

// MarketConfig holds the engine limits.
type MarketConfig struct {
	MaxPositionsPerSide     int          `yaml:"max_positions_per_side"`
	MaxVoidPositionsPerSide int          `yaml:"max_void_positions_per_side"`
	MaxTradeLogs            int          `yaml:"max_trade_logs"`
	MaxPayoutErrors         int          `yaml:"max_payout_errors"`
	ViewReplyBytes          int          `yaml:"view_reply_bytes"`
	Batch                   engine.Batch `yaml:"batch"`

	VoidPositionMinimumWait time.Duration `yaml:"-"`
	CallbackTimeout         time.Duration `yaml:"-"`
	ReplayCallbacksDelay    time.Duration `yaml:"-"`

	VoidPositionMinimumWaitRaw string `yaml:"void_position_minimum_wait"`
	CallbackTimeoutRaw         string `yaml:"callback_timeout"`
	ReplayCallbacksDelayRaw    string `yaml:"replay_callbacks_delay"`
}

// StorageConfig selects where flushed logs and snapshots live.
type StorageConfig struct {
	Backend       string `yaml:"backend"`
	DatabaseURL   string `yaml:"database_url"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	RedisURL      string `yaml:"redis_url"`

	// ChildCapacity is the byte capacity of one storage child.
	ChildCapacity int64 `yaml:"child_capacity"`
	FlushAt       int   `yaml:"flush_at"`
	ChunkSize     int   `yaml:"chunk_size"`

	// TradesModule and PositionsModule are paths to the storage child
	// module installed on new children. Empty uses a built-in tag.
	TradesModule    string `yaml:"trades_module"`
	PositionsModule string `yaml:"positions_module"`

	CacheTTL    time.Duration `yaml:"-"`
	CacheTTLRaw string        `yaml:"cache_ttl"`
}

var dotenvOnce sync.Once

// loadDotenv reads .env (or $ENV_FILE) once. Variables already set win.
func loadDotenv() {
	dotenvOnce.Do(func() {
		if os.Getenv("NO_DOTENV") == "1" {
			return
		}
		path := ".env"
		if f := os.Getenv("ENV_FILE"); f != "" {
			path = f
		}
		_ = godotenv.Load(path)
	})
}

// Load reads configuration from path. An empty path yields the defaults
// with environment overrides applied.
func Load(path string) (*Config, error) {
	loadDotenv()
	if path == "" {
		return LoadFromReader(strings.NewReader(""))
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	return LoadFromReader(file)
}

// LoadFromReader constructs a Config from a reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	loadDotenv()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv()
	cfg.expandFields()
	cfg.applyDefaults()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Port, "PORT")
	override(&c.Storage.DatabaseURL, "DATABASE_URL")
	override(&c.Storage.RedisURL, "REDIS_URL")
	override(&c.Storage.ClickHouseDSN, "CLICKHOUSE_DSN")
}

func (c *Config) expandFields() {
	expand := func(s string) string { return strings.TrimSpace(os.ExpandEnv(s)) }
	c.CanisterID = expand(c.CanisterID)
	c.CMCallerID = expand(c.CMCallerID)
	c.AuthRootKey = expand(c.AuthRootKey)
	c.Storage.DatabaseURL = expand(c.Storage.DatabaseURL)
	c.Storage.ClickHouseDSN = expand(c.Storage.ClickHouseDSN)
	c.Storage.RedisURL = expand(c.Storage.RedisURL)
	c.Storage.TradesModule = expand(c.Storage.TradesModule)
	c.Storage.PositionsModule = expand(c.Storage.PositionsModule)
	for i, p := range c.Controllers {
		c.Controllers[i] = expand(p)
	}
}

func (c *Config) applyDefaults() {
	def := engine.DefaultConfig()
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.CanisterID == "" {
		c.CanisterID = platform.MustPrincipal([]byte("cts-trade-contract")).String()
	}
	if c.CMCallerID == "" {
		c.CMCallerID = platform.MustPrincipal([]byte("cts-cm-caller")).String()
	}
	if c.Ledger.Fee == nil {
		fee, _ := def.LedgerFee.Uint64()
		c.Ledger.Fee = &fee
	}
	if c.Ledger.Decimals == 0 {
		c.Ledger.Decimals = def.TokenDecimals
	}

	m := &c.Market
	if m.MaxPositionsPerSide <= 0 {
		m.MaxPositionsPerSide = def.MaxPositionsPerSide
	}
	if m.MaxVoidPositionsPerSide <= 0 {
		m.MaxVoidPositionsPerSide = def.MaxVoidPositionsPerSide
	}
	if m.MaxTradeLogs <= 0 {
		m.MaxTradeLogs = def.MaxTradeLogs
	}
	if m.MaxPayoutErrors <= 0 {
		m.MaxPayoutErrors = def.MaxPayoutErrors
	}
	if m.ViewReplyBytes <= 0 {
		m.ViewReplyBytes = def.ViewReplyBytes
	}
	if m.Batch == (engine.Batch{}) {
		m.Batch = def.Batch
	}
	if strings.TrimSpace(m.VoidPositionMinimumWaitRaw) == "" {
		m.VoidPositionMinimumWaitRaw = def.VoidPositionMinimumWait.String()
	}
	if strings.TrimSpace(m.CallbackTimeoutRaw) == "" {
		m.CallbackTimeoutRaw = def.CallbackTimeout.String()
	}
	if strings.TrimSpace(m.ReplayCallbacksDelayRaw) == "" {
		m.ReplayCallbacksDelayRaw = def.ReplayCallbacksDelay.String()
	}

	s := &c.Storage
	if s.Backend == "" {
		switch {
		case s.DatabaseURL != "":
			s.Backend = BackendPostgres
		case s.ClickHouseDSN != "":
			s.Backend = BackendClickHouse
		default:
			s.Backend = BackendMemory
		}
	}
	if s.ChildCapacity <= 0 {
		s.ChildCapacity = 64 << 30
	}
	if s.FlushAt <= 0 {
		s.FlushAt = 1 << 20
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = 3 << 19
	}
	if strings.TrimSpace(s.CacheTTLRaw) == "" {
		s.CacheTTLRaw = "30s"
	}

	if strings.TrimSpace(c.PayoutIntervalRaw) == "" {
		c.PayoutIntervalRaw = "1s"
	}
	if strings.TrimSpace(c.SnapshotIntervalRaw) == "" {
		c.SnapshotIntervalRaw = "1m"
	}
}

func parsePositive(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %s", name, d)
	}
	return d, nil
}

func (c *Config) parseDurations() error {
	var err error
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"void_position_minimum_wait", c.Market.VoidPositionMinimumWaitRaw, &c.Market.VoidPositionMinimumWait},
		{"callback_timeout", c.Market.CallbackTimeoutRaw, &c.Market.CallbackTimeout},
		{"replay_callbacks_delay", c.Market.ReplayCallbacksDelayRaw, &c.Market.ReplayCallbacksDelay},
		{"cache_ttl", c.Storage.CacheTTLRaw, &c.Storage.CacheTTL},
		{"payout_interval", c.PayoutIntervalRaw, &c.PayoutInterval},
		{"snapshot_interval", c.SnapshotIntervalRaw, &c.SnapshotInterval},
	}
	for _, f := range fields {
		if *f.dst, err = parsePositive(f.name, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// Validate ensures configuration sanity.
func (c *Config) Validate() error {
	if _, err := platform.ParsePrincipal(c.CanisterID); err != nil {
		return fmt.Errorf("config: canister_id: %w", err)
	}
	if _, err := platform.ParsePrincipal(c.CMCallerID); err != nil {
		return fmt.Errorf("config: cm_caller_id: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Controllers))
	for _, p := range c.Controllers {
		if p == "" {
			return errors.New("config: controllers contains empty value")
		}
		if _, err := platform.ParsePrincipal(p); err != nil {
			return fmt.Errorf("config: controller %q: %w", p, err)
		}
		if _, ok := seen[p]; ok {
			return fmt.Errorf("config: controllers contains duplicate %q", p)
		}
		seen[p] = struct{}{}
	}
	if c.AuthRootKey != "" {
		if _, err := hex.DecodeString(c.AuthRootKey); err != nil {
			return fmt.Errorf("config: auth_root_key is not hex: %w", err)
		}
	}
	if c.Ledger.Decimals < 0 || c.Ledger.Decimals > 38 {
		return errors.New("config: ledger decimals must be between 0 and 38")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("config: postgres backend needs database_url")
		}
	case BackendClickHouse:
		if c.Storage.ClickHouseDSN == "" {
			return errors.New("config: clickhouse backend needs clickhouse_dsn")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	b := c.Market.Batch
	if b.VoidCycles <= 0 || b.VoidTokens <= 0 || b.TradeCycles <= 0 || b.TradeTokens <= 0 {
		return errors.New("config: batch sizes must be positive")
	}
	return nil
}

// Engine converts the configuration into engine parameters.
func (c *Config) Engine() (engine.Config, error) {
	id, err := platform.ParsePrincipal(c.CanisterID)
	if err != nil {
		return engine.Config{}, err
	}
	cm, err := platform.ParsePrincipal(c.CMCallerID)
	if err != nil {
		return engine.Config{}, err
	}
	controllers := make([]platform.Principal, 0, len(c.Controllers))
	for _, text := range c.Controllers {
		p, err := platform.ParsePrincipal(text)
		if err != nil {
			return engine.Config{}, err
		}
		controllers = append(controllers, p)
	}
	m := c.Market
	return engine.Config{
		ID:                      id,
		CMCallerID:              cm,
		Controllers:             controllers,
		LedgerFee:               amount.New(*c.Ledger.Fee),
		TokenDecimals:           c.Ledger.Decimals,
		MaxPositionsPerSide:     m.MaxPositionsPerSide,
		MaxVoidPositionsPerSide: m.MaxVoidPositionsPerSide,
		MaxTradeLogs:            m.MaxTradeLogs,
		MaxPayoutErrors:         m.MaxPayoutErrors,
		VoidPositionMinimumWait: m.VoidPositionMinimumWait,
		CallbackTimeout:         m.CallbackTimeout,
		ReplayCallbacksDelay:    m.ReplayCallbacksDelay,
		Batch:                   m.Batch,
		ViewReplyBytes:          m.ViewReplyBytes,
	}, nil
}

// Verifier builds the authorization verifier, or nil when no root key is
// configured.
func (c *Config) Verifier() (*platform.Verifier, error) {
	if c.AuthRootKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthRootKey)
	if err != nil {
		return nil, err
	}
	return platform.NewVerifier(key)
}

// ChunkFor rounds the configured chunk size down to a multiple of logSize.
func (s StorageConfig) ChunkFor(logSize int) int {
	n := s.ChunkSize - s.ChunkSize%logSize
	if n < logSize {
		return logSize
	}
	return n
}
