package settlementd

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const baseConfig = `
chains:
  - chain_id: 42220
    rpc_url: "http://127.0.0.1:8545"
    token:
      address: "0xcebA9300f2b948710d2653dD7B07f33A8B32118C"
      name: USDC
      version: "2"
      decimals: 6
    receipt_token:
      address: "0xFF8309b9e99bfd2D4021bc71a362aBD93dBd4785"
    confirmation_timeout: 90s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, baseConfig))
	require.NoError(t, err)

	require.Equal(t, ":8088", cfg.ListenAddress)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.NotEmpty(t, cfg.Database.DSN)
	require.EqualValues(t, 42220, cfg.DefaultChainID)
	require.EqualValues(t, 42220, cfg.Draw.ChainID)
	require.Equal(t, time.Monday, cfg.Draw.WeekdayValue())
	require.Zero(t, cfg.Draw.Hour)
	require.Equal(t, 0, cfg.Draw.Reserve().Sign())
	require.Equal(t, 1, cfg.Draw.CollectionConcurrency)
	require.Equal(t, "0 * * * *", cfg.Scheduler.Schedule)
	require.True(t, *cfg.Scheduler.RunOnStart)
	require.Equal(t, 90*time.Second, cfg.Chains[0].ConfirmationTimeout.Duration)
	require.Equal(t, 60.0, cfg.RateLimitSet()["relay"].RequestsPerMinute)
	require.Nil(t, cfg.Facilitator.Key())
}

func TestLoadConfigResolvesKeysAndOverrides(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("TEST_FACILITATOR_KEY", "0x"+common.Bytes2Hex(gethcrypto.FromECDSA(key)))
	t.Setenv("TEST_ADMIN_SECRET", "s3cret")
	t.Setenv("SETTLEMENTD_LISTEN", ":9999")
	t.Setenv("SETTLEMENTD_DB_DSN", "file:override.db")

	body := baseConfig + `
facilitator:
  private_key_env: TEST_FACILITATOR_KEY
admin:
  jwt_secret_env: TEST_ADMIN_SECRET
draw:
  weekday: Friday
  hour: 18
  min_gas_reserve: "20000000000000000"
scheduler:
  run_on_start: false
`
	cfg, err := LoadConfig(writeConfig(t, body))
	require.NoError(t, err)
	require.Equal(t, gethcrypto.PubkeyToAddress(key.PublicKey), gethcrypto.PubkeyToAddress(cfg.Facilitator.Key().PublicKey))
	kind, ref := cfg.Facilitator.Source()
	require.Equal(t, "env", kind)
	require.Equal(t, "TEST_FACILITATOR_KEY", ref)
	require.Equal(t, "s3cret", cfg.Admin.JWTSecret)
	require.Equal(t, ":9999", cfg.ListenAddress)
	require.Equal(t, "file:override.db", cfg.Database.DSN)
	require.Equal(t, time.Friday, cfg.Draw.WeekdayValue())
	require.Equal(t, 18, cfg.Draw.Hour)
	require.Equal(t, big.NewInt(20_000_000_000_000_000), cfg.Draw.Reserve())
	require.False(t, *cfg.Scheduler.RunOnStart)
}

func TestLoadConfigKeyFile(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "facilitator.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(common.Bytes2Hex(gethcrypto.FromECDSA(key))+"\n"), 0o600))

	cfg, err := LoadConfig(writeConfig(t, baseConfig+"facilitator:\n  private_key_file: "+keyPath+"\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Facilitator.Key())
	kind, _ := cfg.Facilitator.Source()
	require.Equal(t, "file", kind)
}

func TestLoadConfigRejects(t *testing.T) {
	second := `
  - chain_id: 42220
    rpc_url: "http://127.0.0.1:8546"
    token:
      address: "0xcebA9300f2b948710d2653dD7B07f33A8B32118C"
`
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no chains", "listen: \":1\"\n", "at least one chain"},
		{"duplicate chain", baseConfig + strings.TrimPrefix(second, "\n"), "duplicate chain_id"},
		{"bad token", strings.Replace(baseConfig, "0xcebA9300f2b948710d2653dD7B07f33A8B32118C", "0x1234", 1), "not a hex address"},
		{"unknown draw chain", baseConfig + "draw:\n  chain_id: 1\n", "draw.chain_id 1"},
		{"hour", baseConfig + "draw:\n  hour: 24\n", "draw.hour"},
		{"weekday", baseConfig + "draw:\n  weekday: someday\n", "draw.weekday"},
		{"negative reserve", baseConfig + "draw:\n  min_gas_reserve: \"-1\"\n", "min_gas_reserve"},
		{"concurrency", baseConfig + "draw:\n  collection_concurrency: -2\n", "collection_concurrency"},
		{"empty key env", baseConfig + "facilitator:\n  private_key_env: TEST_MISSING_KEY_ENV\n", "private_key_env"},
		{"bad duration", strings.Replace(baseConfig, "90s", "ninety", 1), "parse duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "open config")
}
