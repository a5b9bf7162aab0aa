package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/bullpawn/bullpawn/internal/blob/s3"
	"github.com/bullpawn/bullpawn/internal/cache/redis"
	"github.com/bullpawn/bullpawn/internal/chain"
	"github.com/bullpawn/bullpawn/internal/config"
	"github.com/bullpawn/bullpawn/internal/crypto"
	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/ledger"
	"github.com/bullpawn/bullpawn/internal/metrics"
	"github.com/bullpawn/bullpawn/internal/notify"
	"github.com/bullpawn/bullpawn/internal/oracle"
	"github.com/bullpawn/bullpawn/internal/server/handler"
	"github.com/bullpawn/bullpawn/internal/service"
	"github.com/bullpawn/bullpawn/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. Optional backends are
// nil interfaces when disabled.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.Archiver

	// Health checks by backend name.
	Checks map[string]handler.Pinger

	Chain    *chain.Client
	Prices   *service.PriceService
	Pawn     *service.PawnService
	Keeper   *service.Keeper
	Metrics  *metrics.Reporter
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them together with a cleanup function that releases resources in
// reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Checks:  make(map[string]handler.Pinger),
		Metrics: metrics.New(),
	}

	// --- Chain ---
	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fail(fmt.Errorf("wire: dial rpc: %w", err))
	}
	closers = append(closers, eth.Close)

	key, err := crypto.LoadKey(crypto.KeySource{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: wallet key: %w", err))
	}
	signer, err := crypto.NewSigner(key, big.NewInt(cfg.Chain.ChainID))
	if err != nil {
		return fail(fmt.Errorf("wire: signer: %w", err))
	}
	deps.Chain, err = chain.NewClient(eth, signer, chain.Config{
		PawnAddress:   cfg.Chain.PawnAddress,
		USDTAddress:   cfg.Chain.USDTAddress,
		ChainID:       big.NewInt(cfg.Chain.ChainID),
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval.Duration,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: chain client: %w", err))
	}

	// --- Oracle ---
	agg, err := newAggregator(cfg.Oracle, eth, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: oracle: %w", err))
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: time.Hour,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Oracle.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient
	}

	// --- S3 archive (needs the stores it drains) ---
	if cfg.S3.Enabled && deps.PositionStore != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.PositionStore,
			deps.AuditStore,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Services ---
	deps.Prices = service.NewPriceService(agg, deps.PriceCache, deps.SignalBus, deps.Metrics, logger)

	minConf, err := cfg.Loan.MinConfidence()
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Pawn = service.NewPawnService(service.PawnConfig{
		Terms:                   cfg.Loan.Terms(),
		LiquidationThresholdBps: cfg.Loan.LiquidationThresholdBps,
		MinConfidence:           minConf,
		TxTimeout:               cfg.Chain.TxTimeout.Duration,
	}, ledger.New(), deps.Prices, deps.Chain, logger,
		service.WithPositionStore(deps.PositionStore),
		service.WithAuditStore(deps.AuditStore),
		service.WithSignalBus(deps.SignalBus),
		service.WithReporter(deps.Metrics),
	)
	n, err := deps.Pawn.Restore(ctx)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	logger.InfoContext(ctx, "wire: ledger restored", slog.Int("positions", n))

	deps.Keeper = service.NewKeeper(deps.Pawn, deps.LockManager, deps.Notifier, deps.Archiver, service.KeeperConfig{
		ScanInterval:    cfg.Keeper.ScanInterval.Duration,
		LockTTL:         cfg.Keeper.LockTTL.Duration,
		ResumeWait:      cfg.Keeper.ResumeWait.Duration,
		ArchiveInterval: cfg.Keeper.ArchiveInterval.Duration,
		ArchiveAfter:    time.Duration(cfg.Keeper.ArchiveAfterDays) * 24 * time.Hour,
	}, logger)

	return deps, cleanup, nil
}

// Default endpoints for HTTP sources configured without a url.
var defaultSourceURLs = map[string]string{
	"coingecko": "https://api.coingecko.com/api/v3",
	"coinbase":  "https://api.coinbase.com",
	"binance":   "https://api.binance.com",
}

// newAggregator builds the tiered price aggregator from configuration.
// Chainlink feeds are read through the shared RPC connection.
func newAggregator(cfg config.OracleConfig, eth *ethclient.Client, logger *slog.Logger) (*oracle.Aggregator, error) {
	floor, err := cfg.FloorPrice()
	if err != nil {
		return nil, err
	}
	agg := oracle.Config{
		FloorPrice:      floor,
		Staleness:       time.Duration(cfg.PriceStalenessSeconds) * time.Second,
		MaxDeviationPct: cfg.MaxPriceDeviationPct,
	}
	for _, sc := range cfg.Sources {
		src, err := newSource(sc, eth)
		if err != nil {
			return nil, err
		}
		agg.Sources = append(agg.Sources, oracle.SourceSpec{
			Source:  src,
			Weight:  sc.Weight,
			Timeout: sc.Timeout.Duration,
		})
	}
	if cfg.Fallback.Kind != "" {
		fb, err := newSource(cfg.Fallback, eth)
		if err != nil {
			return nil, err
		}
		agg.Fallback = fb
		agg.FallbackTimeout = cfg.Fallback.Timeout.Duration
	}
	return oracle.NewAggregator(agg, logger)
}

func newSource(sc config.OracleSourceConfig, eth *ethclient.Client) (domain.PriceSource, error) {
	if sc.Kind == "chainlink" {
		return oracle.NewChainlinkSource(eth, sc.Address)
	}
	url := sc.URL
	if url == "" {
		url = defaultSourceURLs[sc.Kind]
	}
	var opts []oracle.HTTPOption
	if sc.RateLimitRPS > 0 {
		opts = append(opts, oracle.WithRateLimit(sc.RateLimitRPS, sc.Burst))
	}
	switch sc.Kind {
	case "coingecko":
		return oracle.NewCoinGecko(url, opts...), nil
	case "coinbase":
		return oracle.NewCoinbase(url, opts...), nil
	case "binance":
		return oracle.NewBinance(url, opts...), nil
	}
	return nil, fmt.Errorf("unknown price source kind %q: %w", sc.Kind, domain.ErrInvalidInput)
}
