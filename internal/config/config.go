// Package config defines the BullPawn configuration, its defaults and
// validation.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/loan"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by BULLPAWN_* environment variables.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Wallet   WalletConfig   `toml:"wallet"`
	Loan     LoanConfig     `toml:"loan"`
	Oracle   OracleConfig   `toml:"oracle"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds the RPC endpoint and contract addresses.
type ChainConfig struct {
	RPCURL        string   `toml:"rpc_url"`
	ChainID       int64    `toml:"chain_id"`
	PawnAddress   string   `toml:"pawn_address"`
	USDTAddress   string   `toml:"usdt_address"`
	Confirmations uint64   `toml:"confirmations"`
	PollInterval  duration `toml:"poll_interval"`
	TxTimeout     duration `toml:"tx_timeout"`
}

// WalletConfig holds the operator key used to sign contract transactions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// LoanConfig holds the loan policy.
type LoanConfig struct {
	LTVRatioBps             int64  `toml:"ltv_ratio_bps"`
	InterestRateBps         int64  `toml:"interest_rate_bps"`
	LiquidationThresholdBps int64  `toml:"liquidation_threshold_bps"`
	LoanTermSeconds         int64  `toml:"loan_term_seconds"`
	MinAcceptedConfidence   string `toml:"min_accepted_confidence"`
}

// Terms returns the loan terms new positions are frozen with.
func (l LoanConfig) Terms() domain.LoanTerms {
	return domain.LoanTerms{
		LTVBps:          l.LTVRatioBps,
		InterestRateBps: l.InterestRateBps,
		Term:            time.Duration(l.LoanTermSeconds) * time.Second,
	}
}

// MinConfidence parses MinAcceptedConfidence.
func (l LoanConfig) MinConfidence() (domain.Confidence, error) {
	return domain.ParseConfidence(l.MinAcceptedConfidence)
}

// OracleSourceConfig describes one price source. Kind is chainlink,
// coingecko, coinbase or binance; chainlink reads Address over the chain RPC,
// the others call URL.
type OracleSourceConfig struct {
	Kind         string   `toml:"kind"`
	Weight       int      `toml:"weight"`
	URL          string   `toml:"url"`
	Address      string   `toml:"address"`
	Timeout      duration `toml:"timeout"`
	RateLimitRPS float64  `toml:"rate_limit_rps"`
	Burst        int      `toml:"burst"`
}

// OracleConfig holds the aggregation policy and its sources.
type OracleConfig struct {
	PriceStalenessSeconds int64                `toml:"price_staleness_seconds"`
	MaxPriceDeviationPct  int64                `toml:"max_price_deviation_pct"`
	HardcodedFloorPrice   string               `toml:"hardcoded_floor_price"`
	CacheTTL              duration             `toml:"cache_ttl"`
	Sources               []OracleSourceConfig `toml:"sources"`
	Fallback              OracleSourceConfig   `toml:"fallback"`
}

// FloorPrice parses HardcodedFloorPrice into domain.PriceDecimals fixed point.
func (o OracleConfig) FloorPrice() (*big.Int, error) {
	return loan.ParseUnits(o.HardcodedFloorPrice, domain.PriceDecimals)
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds archive bucket parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	APIKey             string   `toml:"api_key"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	ReadTimeout        duration `toml:"read_timeout"`
	WriteTimeout       duration `toml:"write_timeout"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// KeeperConfig holds the liquidation keeper schedule.
type KeeperConfig struct {
	ScanInterval     duration `toml:"scan_interval"`
	LockTTL          duration `toml:"lock_ttl"`
	ResumeWait       duration `toml:"resume_wait"`
	SyncInterval     duration `toml:"sync_interval"`
	ArchiveInterval  duration `toml:"archive_interval"`
	ArchiveAfterDays int      `toml:"archive_after_days"`
}

// duration lets the TOML decoder read strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:        "https://sepolia.era.zksync.dev",
			ChainID:       300,
			Confirmations: 1,
			PollInterval:  duration{2 * time.Second},
			TxTimeout:     duration{5 * time.Minute},
		},
		Loan: LoanConfig{
			LTVRatioBps:             7000,
			InterestRateBps:         1000,
			LiquidationThresholdBps: 7000,
			LoanTermSeconds:         31_536_000,
			MinAcceptedConfidence:   string(domain.ConfidenceFallbackAPI),
		},
		Oracle: OracleConfig{
			PriceStalenessSeconds: 3600,
			MaxPriceDeviationPct:  20,
			HardcodedFloorPrice:   "2000.00",
			CacheTTL:              duration{10 * time.Minute},
			Fallback: OracleSourceConfig{
				Kind:         "coingecko",
				URL:          "https://api.coingecko.com/api/v3",
				Timeout:      duration{5 * time.Second},
				RateLimitRPS: 0.5,
				Burst:        1,
			},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bullpawn",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "bullpawn:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bullpawn-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:               3001,
			CORSOrigins:        []string{"http://localhost:3000"},
			RateLimitPerMinute: 100,
			ReadTimeout:        duration{15 * time.Second},
			WriteTimeout:       duration{6 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"liquidation", "degraded_price", "ledger_drift", "keeper_error"},
		},
		Keeper: KeeperConfig{
			ScanInterval:     duration{time.Minute},
			SyncInterval:     duration{15 * time.Second},
			ArchiveInterval:  duration{24 * time.Hour},
			ArchiveAfterDays: 90,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSourceKinds = map[string]bool{
	"chainlink": true,
	"coingecko": true,
	"coinbase":  true,
	"binance":   true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: server, keeper, full)", c.Mode)
	} else if mode := strings.ToLower(c.Mode); mode != "full" && !c.Postgres.Enabled {
		add("mode %q requires postgres.enabled: split processes share positions through the store", mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Chain
	if c.Chain.RPCURL == "" {
		add("chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		add("chain: chain_id must be positive")
	}
	if !common.IsHexAddress(c.Chain.PawnAddress) {
		add("chain: pawn_address %q is not a hex address", c.Chain.PawnAddress)
	}
	if !common.IsHexAddress(c.Chain.USDTAddress) {
		add("chain: usdt_address %q is not a hex address", c.Chain.USDTAddress)
	}
	if c.Chain.TxTimeout.Duration <= 0 {
		add("chain: tx_timeout must be positive")
	}

	// Wallet
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		add("wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.PrivateKey == "" && c.Wallet.KeyPassword == "" {
		add("wallet: key_password is required when encrypted_key_path is set")
	}

	// Loan
	checkBps := func(name string, v int64) {
		if v < 0 || v > 10_000 {
			add("loan: %s must be within 0-10000, got %d", name, v)
		}
	}
	checkBps("ltv_ratio_bps", c.Loan.LTVRatioBps)
	checkBps("liquidation_threshold_bps", c.Loan.LiquidationThresholdBps)
	if c.Loan.InterestRateBps < 0 {
		add("loan: interest_rate_bps must be >= 0")
	}
	if c.Loan.LoanTermSeconds <= 0 {
		add("loan: loan_term_seconds must be positive")
	}
	if _, err := c.Loan.MinConfidence(); err != nil {
		add("loan: min_accepted_confidence %q (valid: oracle, fallback-api, hardcoded)", c.Loan.MinAcceptedConfidence)
	}

	// Oracle
	if c.Oracle.PriceStalenessSeconds <= 0 {
		add("oracle: price_staleness_seconds must be positive")
	}
	if c.Oracle.MaxPriceDeviationPct <= 0 {
		add("oracle: max_price_deviation_pct must be positive")
	}
	if floor, err := c.Oracle.FloorPrice(); err != nil || floor.Sign() <= 0 {
		add("oracle: hardcoded_floor_price %q must be a positive decimal", c.Oracle.HardcodedFloorPrice)
	}
	totalWeight := 0
	for i, s := range c.Oracle.Sources {
		if !validSourceKinds[s.Kind] {
			add("oracle: sources[%d]: unknown kind %q", i, s.Kind)
		}
		if s.Weight < 0 || s.Weight > 100 {
			add("oracle: sources[%d]: weight must be within 0-100", i)
		}
		if s.Kind == "chainlink" && !common.IsHexAddress(s.Address) {
			add("oracle: sources[%d]: chainlink needs a hex address", i)
		}
		totalWeight += s.Weight
	}
	if totalWeight > 100 {
		add("oracle: source weights sum to %d, must be <= 100", totalWeight)
	}
	if c.Oracle.Fallback.Kind != "" && (!validSourceKinds[c.Oracle.Fallback.Kind] || c.Oracle.Fallback.Kind == "chainlink") {
		add("oracle: fallback kind %q must be an HTTP source", c.Oracle.Fallback.Kind)
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
		if !c.Postgres.Enabled {
			add("s3: archiving requires postgres.enabled")
		}
	}

	// Server
	if c.Mode != "keeper" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitPerMinute < 0 {
		add("server: rate_limit_per_minute must be >= 0")
	}

	// Keeper
	if c.Keeper.ScanInterval.Duration <= 0 {
		add("keeper: scan_interval must be positive")
	}
	if c.Keeper.LockTTL.Duration > 0 && c.Keeper.ResumeWait.Duration >= c.Keeper.LockTTL.Duration {
		add("keeper: resume_wait must be shorter than lock_ttl")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
