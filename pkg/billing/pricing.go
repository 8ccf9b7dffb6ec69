package billing

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/snet-labs/channel-gateway/pkg/gatewayerr"
	"github.com/snet-labs/channel-gateway/pkg/payproc"
)

// picoUSDScale is the number of decimal places a pico-USD amount is
// expressed in (10^-12 USD).
const picoUSDScale = 12

// Mode selects how a model's price entry is interpreted.
type Mode int

const (
	// ModePerRequest charges PricePicoUSD once, regardless of usage.
	ModePerRequest Mode = iota
	// ModePerToken charges PromptPicoUSDPerToken/CompletionPicoUSDPerToken
	// against the usage reported by the provider's usage extractor.
	ModePerToken
	// ModeNativeUSD trusts the provider's own reported cost in USD
	// (Usage.ProviderCostUSD) rather than a registry entry.
	ModeNativeUSD
)

// PriceEntry is one model's pricing rule.
type PriceEntry struct {
	Model                     string
	Mode                      Mode
	PricePicoUSD              string
	PromptPicoUSDPerToken     string
	CompletionPicoUSDPerToken string
}

// Usage is what a provider's usage extractor or stream processor reports
// for one request.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	ProviderCostUSD  *decimal.Decimal
}

// RateProvider converts a USD amount into the smallest unit of a payment
// asset.
type RateProvider interface {
	AssetUnitsPerUSD(ctx context.Context, assetID string) (decimal.Decimal, error)
}

// FixedRateProvider is a RateProvider with one rate per asset, for
// deployments that peg their asset 1:1 against a known USD rate rather
// than consulting a live feed.
type FixedRateProvider struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

// NewFixedRateProvider builds a FixedRateProvider with the given seed
// rates (assetID -> asset units per USD).
func NewFixedRateProvider(rates map[string]decimal.Decimal) *FixedRateProvider {
	out := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		out[k] = v
	}
	return &FixedRateProvider{rates: out}
}

// SetRate installs or replaces the rate for assetID.
func (f *FixedRateProvider) SetRate(assetID string, unitsPerUSD decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[assetID] = unitsPerUSD
}

// AssetUnitsPerUSD implements RateProvider.
func (f *FixedRateProvider) AssetUnitsPerUSD(_ context.Context, assetID string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rate, ok := f.rates[assetID]
	if !ok {
		return decimal.Zero, fmt.Errorf("billing: no rate configured for asset %q", assetID)
	}
	return rate, nil
}

// Registry holds the per-model pricing rules the billing Proxy consults
// before calling upstream.
type Registry struct {
	mu                  sync.RWMutex
	entries             map[string]PriceEntry
	defaultPricePicoUSD string
}

// NewRegistry builds an empty Registry. defaultPricePicoUSD prices a
// request that names no model and carries no provider-reported cost; a
// request naming a model that is not registered is rejected, not priced
// at the default.
func NewRegistry(defaultPricePicoUSD string) *Registry {
	return &Registry{
		entries:             make(map[string]PriceEntry),
		defaultPricePicoUSD: defaultPricePicoUSD,
	}
}

// Register installs or replaces a model's pricing entry.
func (r *Registry) Register(entry PriceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Model] = entry
}

// Lookup returns the registry entry for model, if any.
func (r *Registry) Lookup(model string) (PriceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[model]
	return entry, ok
}

// Engine implements payproc.BillingEngine. It reads model and usage out of
// BillingContext.Meta (populated by the billing proxy after a provider's
// usage extractor or stream processor has run) and resolves a cost in the
// request's asset.
type Engine struct {
	Registry *Registry
	Rates    RateProvider
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(registry *Registry, rates RateProvider) *Engine {
	return &Engine{Registry: registry, Rates: rates}
}

var _ payproc.BillingEngine = (*Engine)(nil)

// CalcCost implements payproc.BillingEngine.
func (e *Engine) CalcCost(ctx context.Context, bc payproc.BillingContext) (*big.Int, error) {
	model := bc.Meta["model"]

	entry, ok := e.Registry.Lookup(model)
	if !ok {
		if model == "" || bc.Meta["providerCostUsd"] != "" {
			// Native USD cost or a model-less operation; fall through to
			// the default per-request price below, or native costing if
			// the provider supplied one.
			if costUSD, present := bc.Meta["providerCostUsd"]; present && costUSD != "" {
				usd, err := decimal.NewFromString(costUSD)
				if err != nil {
					return nil, gatewayerr.Wrap(gatewayerr.PaymentProcessingFailed, err, "invalid providerCostUsd")
				}
				return e.usdToAssetAmount(ctx, bc.AssetID, usd)
			}
			entry = PriceEntry{Model: model, Mode: ModePerRequest, PricePicoUSD: e.Registry.defaultPricePicoUSD}
		} else {
			return nil, gatewayerr.New(gatewayerr.ModelNotSupported, fmt.Sprintf("model %q is not in the pricing registry", model))
		}
	}

	switch entry.Mode {
	case ModePerToken:
		return e.calcPerToken(ctx, bc, entry)
	case ModeNativeUSD:
		costUSD, err := decimal.NewFromString(bc.Meta["providerCostUsd"])
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.PaymentProcessingFailed, err, "invalid providerCostUsd")
		}
		return e.usdToAssetAmount(ctx, bc.AssetID, costUSD)
	default:
		return e.calcPerRequest(ctx, bc.AssetID, entry)
	}
}

func (e *Engine) calcPerRequest(ctx context.Context, assetID string, entry PriceEntry) (*big.Int, error) {
	picoUSD, err := decimal.NewFromString(entry.PricePicoUSD)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.PaymentProcessingFailed, err, "invalid PricePicoUSD")
	}
	usd := picoUSD.Shift(-picoUSDScale)
	return e.usdToAssetAmount(ctx, assetID, usd)
}

func (e *Engine) calcPerToken(ctx context.Context, bc payproc.BillingContext, entry PriceEntry) (*big.Int, error) {
	promptTokens := parseMetaInt(bc.Meta["promptTokens"])
	completionTokens := parseMetaInt(bc.Meta["completionTokens"])

	promptRate, err := decimal.NewFromString(entry.PromptPicoUSDPerToken)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.PaymentProcessingFailed, err, "invalid PromptPicoUSDPerToken")
	}
	completionRate, err := decimal.NewFromString(entry.CompletionPicoUSDPerToken)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.PaymentProcessingFailed, err, "invalid CompletionPicoUSDPerToken")
	}

	picoUSD := promptRate.Mul(decimal.NewFromInt(promptTokens)).
		Add(completionRate.Mul(decimal.NewFromInt(completionTokens)))
	usd := picoUSD.Shift(-picoUSDScale)
	return e.usdToAssetAmount(ctx, bc.AssetID, usd)
}

func (e *Engine) usdToAssetAmount(ctx context.Context, assetID string, usd decimal.Decimal) (*big.Int, error) {
	unitsPerUSD, err := e.Rates.AssetUnitsPerUSD(ctx, assetID)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.PaymentProcessingFailed, err, "")
	}
	amount := usd.Mul(unitsPerUSD).Round(0)

	out := new(big.Int)
	out.SetString(amount.String(), 10)
	return out, nil
}

func parseMetaInt(s string) int64 {
	if s == "" {
		return 0
	}
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	if err != nil {
		return 0
	}
	return v
}
