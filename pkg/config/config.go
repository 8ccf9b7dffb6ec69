package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the gateway core recognizes.
// Use Validate to fill implicit defaults and check required fields.
type Config struct {
	ServiceID           string `mapstructure:"serviceId" yaml:"serviceId"`
	DefaultAssetID      string `mapstructure:"defaultAssetId" yaml:"defaultAssetId"`
	DefaultPricePicoUSD string `mapstructure:"defaultPricePicoUSD" yaml:"defaultPricePicoUSD"`

	Chain Chain `mapstructure:"chain" yaml:"chain"`

	Claim ClaimPolicy `mapstructure:"claim" yaml:"claim"`

	RAVStorePath string `mapstructure:"ravStorePath" yaml:"ravStorePath"`
	RedisAddr    string `mapstructure:"redisAddr" yaml:"redisAddr"`

	StreamTimeoutMs int64 `mapstructure:"streamTimeoutMs" yaml:"streamTimeoutMs"`
	PendingTtlMs    int64 `mapstructure:"pendingTtlMs" yaml:"pendingTtlMs"`

	AdminDID []string `mapstructure:"adminDid" yaml:"adminDid"`
	Debug    bool     `mapstructure:"debug" yaml:"debug"`

	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`

	// PayerKeys seeds a static KeyResolver: payerDID -> vmIdFragment -> hex
	// address. Production deployments with a real DID resolution service
	// should supply their own subrav.KeyResolver instead; this exists so the
	// gateway has something concrete to run against out of the box while
	// keeping key resolution an external, swappable collaborator.
	PayerKeys map[string]map[string]string `mapstructure:"payerKeys" yaml:"payerKeys"`
}

// Chain configures the gateway's on-chain settlement collaborator
// (pkg/chainclient): the MPE contract it claims against and the signing
// key it settles transactions with. MPEAddress is an explicit override;
// when empty, the address is discovered at dial time from the
// snet-ecosystem-contracts deployment manifest using Network, so most
// deployments only need to set Network to a known chain id.
type Chain struct {
	RPCEndpoint      string `mapstructure:"rpcEndpoint" yaml:"rpcEndpoint"`
	Network          string `mapstructure:"network" yaml:"network"`
	MPEAddress       string `mapstructure:"mpeAddress" yaml:"mpeAddress"`
	ChainID          uint64 `mapstructure:"chainId" yaml:"chainId"`
	SigningKeyEnvVar string `mapstructure:"signingKeyEnvVar" yaml:"signingKeyEnvVar"`
}

// ClaimPolicy configures the on-chain claim scheduler.
// PerChannelMinClaimAmount lets callers override MinClaimAmount for
// specific channels without touching the global default.
type ClaimPolicy struct {
	MinClaimAmount           uint64            `mapstructure:"minClaimAmount" yaml:"minClaimAmount"`
	MaxConcurrentClaims      int               `mapstructure:"maxConcurrentClaims" yaml:"maxConcurrentClaims"`
	MaxRetries               int               `mapstructure:"maxRetries" yaml:"maxRetries"`
	RetryDelayMs             int64             `mapstructure:"retryDelayMs" yaml:"retryDelayMs"`
	RequireHubBalance        bool              `mapstructure:"requireHubBalance" yaml:"requireHubBalance"`
	PerChannelMinClaimAmount map[string]uint64 `mapstructure:"perChannelMinClaimAmount" yaml:"perChannelMinClaimAmount"`
}

// MinClaimAmountFor returns the per-channel override if one is configured,
// otherwise the global MinClaimAmount.
func (p ClaimPolicy) MinClaimAmountFor(channelID string) uint64 {
	if v, ok := p.PerChannelMinClaimAmount[channelID]; ok {
		return v
	}
	return p.MinClaimAmount
}

// ProviderConfig is one entry of the per-provider configuration block.
type ProviderConfig struct {
	UpstreamURL           string   `mapstructure:"upstreamUrl" yaml:"upstreamUrl"`
	APIKeyEnvVar          string   `mapstructure:"apiKeyEnvVar" yaml:"apiKeyEnvVar"`
	AllowedPaths          []string `mapstructure:"allowedPaths" yaml:"allowedPaths"`
	RequiresAPIKey        bool     `mapstructure:"requiresApiKey" yaml:"requiresApiKey"`
	SupportsNativeUSDCost bool     `mapstructure:"supportsNativeUsdCost" yaml:"supportsNativeUsdCost"`
}

// Validate normalizes the configuration, filling defaults, and verifies
// required fields are present.
func (c *Config) Validate() error {
	if c.ServiceID == "" {
		return errors.New("serviceId is required")
	}
	if c.DefaultAssetID == "" {
		return errors.New("defaultAssetId is required")
	}

	c.Claim = c.Claim.withDefaults()

	if c.StreamTimeoutMs <= 0 {
		c.StreamTimeoutMs = 30_000
	}
	if c.PendingTtlMs <= 0 {
		c.PendingTtlMs = 30 * 60 * 1000 // 30 minutes
	}
	if c.RAVStorePath == "" {
		c.RAVStorePath = "gateway-ravs.db"
	}

	return nil
}

// withDefaults fills zero-valued claim policy fields with sane defaults.
func (p ClaimPolicy) withDefaults() ClaimPolicy {
	out := p
	if out.MaxConcurrentClaims <= 0 {
		out.MaxConcurrentClaims = 4
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.RetryDelayMs <= 0 {
		out.RetryDelayMs = 1000
	}
	return out
}

// StreamTimeout returns StreamTimeoutMs as a time.Duration.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutMs) * time.Millisecond
}

// PendingTTL returns PendingTtlMs as a time.Duration.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTtlMs) * time.Millisecond
}

// RetryDelay returns ClaimPolicy.RetryDelayMs as a time.Duration.
func (p ClaimPolicy) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// IsAdmin reports whether did appears in AdminDID.
func (c *Config) IsAdmin(did string) bool {
	for _, a := range c.AdminDID {
		if a == did {
			return true
		}
	}
	return false
}

// Load reads configuration from path (YAML) layered under environment
// variables prefixed GATEWAY_ (e.g. GATEWAY_SERVICEID), validates it, and
// returns the result. This is the gateway's equivalent of the payer SDK's
// hand-built Config literal, generalized to server-style file/env loading
// since the gateway runs as a long-lived process rather than an embedded
// client library.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
