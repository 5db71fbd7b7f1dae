package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

func init() {
	os.Setenv("NO_DOTENV", "1")
}

func TestLoadConfig(t *testing.T) {
	controller := platform.MustPrincipal([]byte("controller")).String()
	configYAML := `
port: "9090"
canister_id: ${CTS_CANISTER}
controllers:
  - ` + controller + `
ledger:
  fee: 0
  decimals: 6
market:
  max_trade_logs: 500
  void_position_minimum_wait: 30m
  callback_timeout: 24h
  batch:
    void_cycles: 1
    void_tokens: 2
    trade_cycles: 3
    trade_tokens: 4
storage:
  chunk_size: 1000
  cache_ttl: 5s
snapshot_interval: 10s
`
	path := filepath.Join(t.TempDir(), "cts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	canister := platform.MustPrincipal([]byte("ttc")).String()
	t.Setenv("CTS_CANISTER", " "+canister+" ")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CLICKHOUSE_DSN", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, canister, cfg.CanisterID)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 5*time.Second, cfg.Storage.CacheTTL)
	assert.Equal(t, 10*time.Second, cfg.SnapshotInterval)
	assert.Equal(t, time.Second, cfg.PayoutInterval)

	ec, err := cfg.Engine()
	require.NoError(t, err)
	assert.True(t, ec.LedgerFee.IsZero())
	assert.Equal(t, int32(6), ec.TokenDecimals)
	assert.Equal(t, 500, ec.MaxTradeLogs)
	assert.Equal(t, 30*time.Minute, ec.VoidPositionMinimumWait)
	assert.Equal(t, 24*time.Hour, ec.CallbackTimeout)
	assert.Equal(t, 10*time.Second, ec.ReplayCallbacksDelay)
	assert.Equal(t, 4, ec.Batch.TradeTokens)
	require.Len(t, ec.Controllers, 1)
	assert.Equal(t, platform.MustPrincipal([]byte("controller")), ec.Controllers[0])

	assert.Equal(t, 4*model.TradeLogSize, cfg.Storage.ChunkFor(model.TradeLogSize))
}

func TestDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CLICKHOUSE_DSN", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)

	ec, err := cfg.Engine()
	require.NoError(t, err)
	assert.Equal(t, amount.New(10_000), ec.LedgerFee)
	assert.Equal(t, time.Hour, ec.VoidPositionMinimumWait)
	assert.Equal(t, 72*time.Hour, ec.CallbackTimeout)
	assert.Equal(t, 5, ec.Batch.VoidCycles)
	assert.Equal(t, 10, ec.Batch.TradeCycles)

	v, err := cfg.Verifier()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://cts@localhost/cts")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadFromReader(strings.NewReader("port: \"1\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.RedisURL)
}

func TestValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CLICKHOUSE_DSN", "")

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad duration", "market:\n  callback_timeout: soon\n", "callback_timeout"},
		{"negative duration", "payout_interval: -1s\n", "payout_interval"},
		{"unknown backend", "storage:\n  backend: s3\n", "unknown storage backend"},
		{"postgres without url", "storage:\n  backend: postgres\n", "database_url"},
		{"bad controller", "controllers:\n  - \"0OIl\"\n", "controller"},
		{"duplicate controller", "controllers:\n  - abc\n  - abc\n", "duplicate"},
		{"bad root key", "auth_root_key: xyz\n", "auth_root_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
