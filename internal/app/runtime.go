package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/better-wallet/agentvault/internal/audit"
	"github.com/better-wallet/agentvault/internal/bridge"
	"github.com/better-wallet/agentvault/internal/cache"
	"github.com/better-wallet/agentvault/internal/capability"
	"github.com/better-wallet/agentvault/internal/chain"
	"github.com/better-wallet/agentvault/internal/config"
	"github.com/better-wallet/agentvault/internal/kms"
	"github.com/better-wallet/agentvault/internal/locks"
	"github.com/better-wallet/agentvault/internal/logger"
	"github.com/better-wallet/agentvault/internal/metrics"
	"github.com/better-wallet/agentvault/internal/policy"
	"github.com/better-wallet/agentvault/internal/storage"
)

const archivePrefix = "audit"

// Runtime is a fully wired vault. Embedders call Service; the daemon also
// runs Archiver and serves Registry on the ops listener.
type Runtime struct {
	Service  *VaultService
	Store    storage.Store
	Chains   *chain.Registry
	Cache    *cache.BalanceCache
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	// Archiver is nil when archival is not configured.
	Archiver *audit.Archiver
	// Sandbox is the in-process ledger, nil unless SANDBOX_CHAIN is set.
	Sandbox *chain.Sandbox

	redis *redis.Client
}

// Build wires every component described by cfg. On error everything
// opened so far is closed.
func Build(ctx context.Context, cfg *config.Config) (_ *Runtime, err error) {
	rt := &Runtime{Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()
	rt.Metrics = metrics.New(rt.Registry)

	provider, err := kms.NewProvider(ctx, &kms.Config{
		Provider:          cfg.KMSProvider,
		LocalMasterKeyHex: cfg.KMSLocalMasterKey,
		AWSKMSKeyID:       cfg.KMSAWSKeyID,
		AWSKMSRegion:      cfg.KMSAWSRegion,
		VaultAddress:      cfg.KMSVaultAddress,
		VaultToken:        cfg.KMSVaultToken,
		VaultTransitKey:   cfg.KMSVaultTransitKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KMS provider: %w", err)
	}
	logger.Info(ctx, "initialized KMS provider", "provider", provider.Provider())

	if rt.Store, err = openStore(ctx, cfg,
		storage.WithKMS(provider),
		storage.WithAuditObserver(audit.NewObserver(rt.Metrics)),
	); err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		rt.redis, err = cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		rt.Cache = cache.NewBalanceCache(rt.redis, cfg.BalanceCacheTTL)
		logger.Info(ctx, "balance cache enabled", "ttl", cfg.BalanceCacheTTL)
	}

	if err := rt.registerChains(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.AuditArchiveBucket != "" {
		client, err := audit.NewS3Client(ctx, cfg.AuditArchiveRegion, cfg.AuditArchiveEndpoint)
		if err != nil {
			return nil, err
		}
		rt.Archiver = audit.NewArchiver(rt.Store, client, cfg.AuditArchiveBucket, archivePrefix)
	}

	capCfg := capability.DefaultConfig()
	capCfg.AwaitTimeout = cfg.AwaitTimeout
	if capCfg.MaxAwaitTimeout < cfg.AwaitTimeout {
		capCfg.MaxAwaitTimeout = cfg.AwaitTimeout
	}
	collectionLocks := locks.NewCollections()
	factory := capability.NewFactory(capability.Deps{
		Store:   rt.Store,
		Chains:  rt.Chains,
		Locks:   collectionLocks,
		Engine:  policy.NewEngine(),
		Cache:   rt.Cache,
		Metrics: rt.Metrics,
	}, capCfg)
	b := bridge.New(rt.Store, rt.Chains, bridge.WithMetrics(rt.Metrics), bridge.WithLocks(collectionLocks))

	rt.Service = NewVaultService(rt.Store, factory, b, collectionLocks)
	return rt, nil
}

func openStore(ctx context.Context, cfg *config.Config, opts ...storage.Option) (storage.Store, error) {
	if cfg.StorageBackend == config.BackendMemory {
		logger.Warn(ctx, "using in-memory store; state is lost on exit")
		return storage.NewMemoryStore(opts...), nil
	}

	if cfg.AutoMigrate {
		if err := storage.RunMigrations(cfg.PostgresDSN); err != nil {
			return nil, err
		}
		logger.Info(ctx, "database migrations applied")
	}
	store, err := storage.NewPostgresStore(ctx, cfg.PostgresDSN, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "connected to database")
	return store, nil
}

func (rt *Runtime) registerChains(ctx context.Context, cfg *config.Config) error {
	regCfg := chain.DefaultRegistryConfig()
	regCfg.ReadRPS = cfg.ChainReadRPS
	regCfg.MaxReadRetries = uint64(cfg.ChainReadRetries)
	regCfg.SubmitTimeout = cfg.SubmitTimeout
	rt.Chains = chain.NewRegistry(regCfg, rt.Metrics)

	if cfg.SandboxChain {
		rt.Sandbox = chain.NewSandbox(1)
		if err := rt.Chains.Register(chain.NewSandboxAdapter("", rt.Sandbox)); err != nil {
			return err
		}
		logger.Warn(ctx, "sandbox chain enabled")
	}

	for _, c := range cfg.EVMChains {
		var opts []chain.EVMOption
		if cfg.EtherscanAPIKey != "" {
			opts = append(opts, chain.WithEtherscan(cfg.EtherscanAPIURL, cfg.EtherscanAPIKey))
		}
		adapter, err := chain.DialEVM(ctx, c.Name, c.RPCURL, opts...)
		if err != nil {
			return fmt.Errorf("failed to connect chain %s: %w", c.Name, err)
		}
		if err := rt.Chains.Register(adapter); err != nil {
			return err
		}
		logger.Info(ctx, "registered chain", "chain_id", adapter.ChainID(), "network", adapter.Network())
	}
	return nil
}

// Ping checks the store and, when enabled, the balance cache.
func (rt *Runtime) Ping(ctx context.Context) error {
	if err := rt.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := rt.Cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// Close releases connections. It is safe on a partially built Runtime.
func (rt *Runtime) Close() {
	if rt.Store != nil {
		rt.Store.Close()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
}
