package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bullpawn/bullpawn/internal/domain"
)

const (
	pawnAddr = "0x52908400098527886E0F7030069857D2E4169EE7"
	usdtAddr = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Chain.PawnAddress = pawnAddr
	cfg.Chain.USDTAddress = usdtAddr
	cfg.Wallet.PrivateKey = "0xabc"
	return cfg
}

func TestDefaultsNeedOnlyDeploymentValues(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "pawn_address")
	require.Contains(t, err.Error(), "wallet")

	cfg = validConfig()
	require.NoError(t, cfg.Validate())
}

func TestLoanHelpers(t *testing.T) {
	cfg := Defaults()
	terms := cfg.Loan.Terms()
	require.Equal(t, int64(7000), terms.LTVBps)
	require.Equal(t, int64(1000), terms.InterestRateBps)
	require.Equal(t, 365*24*time.Hour, terms.Term)

	conf, err := cfg.Loan.MinConfidence()
	require.NoError(t, err)
	require.Equal(t, domain.ConfidenceFallbackAPI, conf)

	floor, err := cfg.Oracle.FloorPrice()
	require.NoError(t, err)
	require.Equal(t, "200000000000", floor.String())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trader"
	cfg.Loan.LTVRatioBps = 12_000
	cfg.Loan.MinAcceptedConfidence = "guess"
	cfg.Oracle.HardcodedFloorPrice = "-1"
	cfg.Oracle.Sources = []OracleSourceConfig{
		{Kind: "chainlink", Weight: 70},
		{Kind: "kraken", Weight: 50},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.True(t, strings.HasPrefix(msg, "config validation failed:"))
	for _, want := range []string{
		`unknown mode "trader"`,
		"ltv_ratio_bps",
		"min_accepted_confidence",
		"hardcoded_floor_price",
		"chainlink needs a hex address",
		`unknown kind "kraken"`,
		"weights sum to 120",
	} {
		require.Contains(t, msg, want)
	}
}

func TestValidateOptionalBackends(t *testing.T) {
	cfg := validConfig()
	cfg.S3.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "requires postgres.enabled")

	cfg.Postgres.Enabled = true
	require.NoError(t, cfg.Validate())

	cfg.Postgres.PoolMinConns = 20
	require.Error(t, cfg.Validate())
}

func TestSplitModesNeedSharedStore(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "keeper"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), `mode "keeper" requires postgres.enabled`)

	cfg.Postgres.Enabled = true
	require.NoError(t, cfg.Validate())

	cfg.Keeper.LockTTL = duration{time.Minute}
	cfg.Keeper.ResumeWait = duration{time.Minute}
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "resume_wait must be shorter than lock_ttl")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bullpawn.toml")
	body := `
mode = "keeper"

[chain]
pawn_address = "` + pawnAddr + `"
usdt_address = "` + usdtAddr + `"
tx_timeout = "90s"

[loan]
ltv_ratio_bps = 6000

[postgres]
enabled = true

[[oracle.sources]]
kind = "coinbase"
weight = 40
url = "https://api.coinbase.com"
timeout = "3s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("BULLPAWN_WALLET_PRIVATE_KEY", "0xfeed")
	t.Setenv("BULLPAWN_LOAN_INTEREST_RATE_BPS", "500")
	t.Setenv("BULLPAWN_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("ORACLE_CONTRACT_ADDRESS", usdtAddr)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "keeper", cfg.Mode)
	require.Equal(t, 90*time.Second, cfg.Chain.TxTimeout.Duration)
	require.Equal(t, int64(6000), cfg.Loan.LTVRatioBps)
	require.Equal(t, int64(500), cfg.Loan.InterestRateBps)
	require.Equal(t, int64(7000), cfg.Loan.LiquidationThresholdBps)
	require.Equal(t, "0xfeed", cfg.Wallet.PrivateKey)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)

	require.Len(t, cfg.Oracle.Sources, 2)
	require.Equal(t, 3*time.Second, cfg.Oracle.Sources[0].Timeout.Duration)
	require.Equal(t, "chainlink", cfg.Oracle.Sources[1].Kind)
	require.Equal(t, usdtAddr, cfg.Oracle.Sources[1].Address)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-secret"
	cfg.Server.APIKey = "key"
	cfg.Notify.Events = []string{"liquidation"}

	out := RedactedConfig(&cfg)
	require.Equal(t, "***", out.Wallet.PrivateKey)
	require.Equal(t, "***", out.Postgres.Password)
	require.Equal(t, "***", out.Server.APIKey)
	require.Empty(t, out.Wallet.KeyPassword)

	out.Notify.Events[0] = "changed"
	require.Equal(t, "liquidation", cfg.Notify.Events[0])
	require.Equal(t, "0xabc", cfg.Wallet.PrivateKey)
}
