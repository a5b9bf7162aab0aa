package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BULLPAWN_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BULLPAWN_* environment variables and
// overwrites the corresponding Config fields when a variable is set. The bare
// names used by the contract deploy scripts (PRIVATE_KEY, ZKSYNC_RPC_URL, ...)
// are honoured first so a shared .env works unchanged.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "ZKSYNC_RPC_URL")
	setStr(&cfg.Chain.PawnAddress, "PAWN_CONTRACT_ADDRESS")
	setStr(&cfg.Chain.USDTAddress, "USDT_CONTRACT_ADDRESS")
	setStr(&cfg.Chain.RPCURL, "BULLPAWN_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "BULLPAWN_CHAIN_ID")
	setStr(&cfg.Chain.PawnAddress, "BULLPAWN_CHAIN_PAWN_ADDRESS")
	setStr(&cfg.Chain.USDTAddress, "BULLPAWN_CHAIN_USDT_ADDRESS")
	setUint64(&cfg.Chain.Confirmations, "BULLPAWN_CHAIN_CONFIRMATIONS")
	setDuration(&cfg.Chain.PollInterval, "BULLPAWN_CHAIN_POLL_INTERVAL")
	setDuration(&cfg.Chain.TxTimeout, "BULLPAWN_CHAIN_TX_TIMEOUT")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "PRIVATE_KEY")
	setStr(&cfg.Wallet.PrivateKey, "BULLPAWN_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "BULLPAWN_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "BULLPAWN_WALLET_KEY_PASSWORD")

	// ── Loan ──
	setInt64(&cfg.Loan.LTVRatioBps, "BULLPAWN_LOAN_LTV_RATIO_BPS")
	setInt64(&cfg.Loan.InterestRateBps, "BULLPAWN_LOAN_INTEREST_RATE_BPS")
	setInt64(&cfg.Loan.LiquidationThresholdBps, "BULLPAWN_LOAN_LIQUIDATION_THRESHOLD_BPS")
	setInt64(&cfg.Loan.LoanTermSeconds, "BULLPAWN_LOAN_TERM_SECONDS")
	setStr(&cfg.Loan.MinAcceptedConfidence, "BULLPAWN_LOAN_MIN_ACCEPTED_CONFIDENCE")

	// ── Oracle ──
	setInt64(&cfg.Oracle.PriceStalenessSeconds, "BULLPAWN_ORACLE_PRICE_STALENESS_SECONDS")
	setInt64(&cfg.Oracle.MaxPriceDeviationPct, "BULLPAWN_ORACLE_MAX_PRICE_DEVIATION_PCT")
	setStr(&cfg.Oracle.HardcodedFloorPrice, "BULLPAWN_ORACLE_HARDCODED_FLOOR_PRICE")
	setDuration(&cfg.Oracle.CacheTTL, "BULLPAWN_ORACLE_CACHE_TTL")
	if addr := os.Getenv("ORACLE_CONTRACT_ADDRESS"); addr != "" {
		setChainlinkAddress(cfg, addr)
	}

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "BULLPAWN_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "BULLPAWN_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BULLPAWN_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BULLPAWN_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BULLPAWN_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BULLPAWN_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BULLPAWN_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BULLPAWN_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BULLPAWN_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BULLPAWN_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BULLPAWN_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BULLPAWN_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BULLPAWN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BULLPAWN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BULLPAWN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BULLPAWN_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BULLPAWN_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BULLPAWN_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "BULLPAWN_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BULLPAWN_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BULLPAWN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BULLPAWN_S3_REGION")
	setStr(&cfg.S3.Bucket, "BULLPAWN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BULLPAWN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BULLPAWN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BULLPAWN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BULLPAWN_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "BULLPAWN_S3_PREFIX")

	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "BULLPAWN_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BULLPAWN_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BULLPAWN_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "BULLPAWN_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BULLPAWN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BULLPAWN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BULLPAWN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BULLPAWN_NOTIFY_EVENTS")

	// ── Keeper ──
	setDuration(&cfg.Keeper.ScanInterval, "BULLPAWN_KEEPER_SCAN_INTERVAL")
	setDuration(&cfg.Keeper.LockTTL, "BULLPAWN_KEEPER_LOCK_TTL")
	setDuration(&cfg.Keeper.ResumeWait, "BULLPAWN_KEEPER_RESUME_WAIT")
	setDuration(&cfg.Keeper.SyncInterval, "BULLPAWN_KEEPER_SYNC_INTERVAL")
	setDuration(&cfg.Keeper.ArchiveInterval, "BULLPAWN_KEEPER_ARCHIVE_INTERVAL")
	setInt(&cfg.Keeper.ArchiveAfterDays, "BULLPAWN_KEEPER_ARCHIVE_AFTER_DAYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BULLPAWN_MODE")
	setStr(&cfg.LogLevel, "BULLPAWN_LOG_LEVEL")
}

// setChainlinkAddress points the first chainlink source at addr, adding one
// with the full live weight when none is configured.
func setChainlinkAddress(cfg *Config, addr string) {
	for i := range cfg.Oracle.Sources {
		if cfg.Oracle.Sources[i].Kind == "chainlink" {
			cfg.Oracle.Sources[i].Address = addr
			return
		}
	}
	cfg.Oracle.Sources = append(cfg.Oracle.Sources, OracleSourceConfig{
		Kind:    "chainlink",
		Weight:  100,
		Address: addr,
	})
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
