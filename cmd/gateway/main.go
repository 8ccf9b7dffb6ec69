// Command gateway runs the payment channel gateway as a long-lived HTTP
// process: init (load config, dial the chain, open stores) -> serve (gin
// router, claim scheduler) -> drain (stop accepting new claims, let
// in-flight ones finish) -> shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/snet-labs/channel-gateway/pkg/billing"
	"github.com/snet-labs/channel-gateway/pkg/billing/providers"
	"github.com/snet-labs/channel-gateway/pkg/chainclient"
	"github.com/snet-labs/channel-gateway/pkg/channelstate"
	"github.com/snet-labs/channel-gateway/pkg/claimscheduler"
	"github.com/snet-labs/channel-gateway/pkg/config"
	"github.com/snet-labs/channel-gateway/pkg/logging"
	"github.com/snet-labs/channel-gateway/pkg/payproc"
	"github.com/snet-labs/channel-gateway/pkg/pendingstore"
	"github.com/snet-labs/channel-gateway/pkg/ravstore"
	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

func main() {
	configPath := "gateway.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Bootstrap(cfg.Debug)
	if err != nil {
		return fmt.Errorf("bootstrap logging: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chain, err := dialChain(ctx, cfg.Chain)
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}

	ravStore, err := openRAVStore(cfg)
	if err != nil {
		return fmt.Errorf("open rav store: %w", err)
	}
	if closer, ok := ravStore.(interface{ Close() error }); ok {
		defer closer.Close() //nolint:errcheck
	}

	pendingStore, err := openPendingStore(cfg)
	if err != nil {
		return fmt.Errorf("open pending store: %w", err)
	}

	cache := channelstate.NewCache()
	resolver := buildKeyResolver(cfg.PayerKeys)
	verifier := subrav.NewVerifier(resolver)

	registry := billing.NewRegistry(cfg.DefaultPricePicoUSD)
	rates := billing.NewFixedRateProvider(map[string]decimal.Decimal{cfg.DefaultAssetID: decimal.NewFromInt(1)})
	engine := billing.NewEngine(registry, rates)

	policy := claimscheduler.PolicyFromConfig(cfg.Claim)
	scheduler := claimscheduler.NewScheduler(policy, chain, ravStore, cache, time.Second)
	// The scheduler runs on its own context so it keeps claiming through
	// Drain after the shutdown signal; Stop ends it.
	scheduler.Start(context.Background())

	processor := payproc.NewProcessor(
		cfg.ServiceID, cfg.DefaultAssetID, cfg.Chain.ChainID, 5*time.Second,
		verifier, ravStore, pendingStore, cache, engine, scheduler, nil,
	)

	go sweepPendingProposals(ctx, pendingStore, cfg.PendingTtlMs)

	manager, upstreams := buildProviders(cfg)
	proxy := billing.NewProxy(manager, engine, processor, upstreams, cfg.StreamTimeout())

	router := buildRouter(processor, proxy, manager)

	srv := &http.Server{Addr: ":8080", Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("http server stopped unexpectedly", zap.Error(err))
		}
	}()
	zap.L().Info("gateway listening", zap.String("addr", srv.Addr))

	<-ctx.Done()
	zap.L().Info("shutdown signal received, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil {
		zap.L().Warn("http server shutdown error", zap.Error(err))
	}
	if err := scheduler.Drain(drainCtx); err != nil {
		zap.L().Warn("claim scheduler did not drain before timeout", zap.Error(err))
	}
	scheduler.Stop()

	return nil
}

func dialChain(ctx context.Context, c config.Chain) (chainclient.ChainClient, error) {
	if c.RPCEndpoint == "" {
		zap.L().Warn("no chain.rpcEndpoint configured; claims will never settle")
		return chainclient.NewFake(), nil
	}

	mpeAddress := common.HexToAddress(c.MPEAddress)
	if c.MPEAddress == "" {
		resolved, err := chainclient.ResolveMPEAddress(c.Network)
		if err != nil {
			return nil, fmt.Errorf("resolve MPE address for network %q: %w", c.Network, err)
		}
		mpeAddress = resolved
	}

	eth, err := chainclient.DialEVM(ctx, c.RPCEndpoint, mpeAddress)
	if err != nil {
		return nil, err
	}

	keyHex := os.Getenv(c.SigningKeyEnvVar)
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse signing key from %s: %w", c.SigningKeyEnvVar, err)
	}

	return chainclient.NewEVMChainClient(eth, new(big.Int).SetUint64(c.ChainID), key), nil
}

func openRAVStore(cfg *config.Config) (ravstore.Store, error) {
	if cfg.RAVStorePath == "" {
		return ravstore.NewMemStore(), nil
	}
	return ravstore.OpenBoltStore(cfg.RAVStorePath)
}

func openPendingStore(cfg *config.Config) (pendingstore.Store, error) {
	if cfg.RedisAddr == "" {
		return pendingstore.NewMemStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return pendingstore.NewRedisStore(client, cfg.PendingTTL()), nil
}

// sweepPendingProposals expires pending proposals older than ttlMs once a
// minute. The Redis-backed store also carries a native per-entry TTL; this
// sweep is what enforces expiry for the in-memory store.
func sweepPendingProposals(ctx context.Context, store pendingstore.Store, ttlMs int64) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Cleanup(ctx, ttlMs)
			if err != nil {
				zap.L().Warn("pending proposal cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				zap.L().Debug("expired pending proposals", zap.Int("removed", removed))
			}
		}
	}
}

func buildKeyResolver(payerKeys map[string]map[string]string) subrav.KeyResolver {
	r := subrav.NewStaticResolver()
	for payerDID, byVMID := range payerKeys {
		for vmIDFragment, addrHex := range byVMID {
			r.Register(payerDID, vmIDFragment, common.HexToAddress(addrHex))
		}
	}
	return r
}

func buildProviders(cfg *config.Config) (*billing.ProviderManager, map[string]*url.URL) {
	manager := billing.NewProviderManager()
	upstreams := make(map[string]*url.URL)

	builtins := map[string]*billing.Provider{
		"openai":    providers.NewOpenAI(),
		"anthropic": providers.NewAnthropic(),
	}

	for name, provider := range builtins {
		pc, configured := cfg.Providers[name]
		if !configured {
			continue
		}
		provider.RequiresAPIKey = pc.RequiresAPIKey
		provider.SupportsNativeUSDCost = pc.SupportsNativeUSDCost
		if pc.APIKeyEnvVar != "" {
			apiKey := os.Getenv(pc.APIKeyEnvVar)
			provider.PrepareRequestData = injectAPIKey(apiKey)
		}
		manager.Register(provider)

		if pc.UpstreamURL == "" {
			continue
		}
		u, err := url.Parse(pc.UpstreamURL)
		if err != nil {
			zap.L().Warn("invalid upstream URL for provider", zap.String("provider", name), zap.Error(err))
			continue
		}
		upstreams[name] = u
	}

	return manager, upstreams
}

func injectAPIKey(apiKey string) func(r *http.Request, body []byte) ([]byte, error) {
	return func(r *http.Request, body []byte) ([]byte, error) {
		if apiKey != "" {
			r.Header.Set("Authorization", "Bearer "+apiKey)
		}
		return body, nil
	}
}

func buildRouter(processor *payproc.Processor, proxy *billing.Proxy, manager *billing.ProviderManager) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	v1 := r.Group("/v1/:channelId")
	for _, name := range []string{"openai", "anthropic"} {
		if _, err := manager.Get(name); err != nil {
			continue
		}
		v1.POST("/"+name+"/*proxyPath", payproc.VerifyOnly(processor), proxy.Handler(name))
	}

	return r
}
