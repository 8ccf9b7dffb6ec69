package billing

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/snet-labs/channel-gateway/pkg/gatewayerr"
	"github.com/snet-labs/channel-gateway/pkg/payproc"
)

// Proxy fronts upstream LLM traffic for one gin route, validating the
// requested model against the pricing registry, forwarding the request,
// and feeding the response through the provider's usage extractor or
// stream processor before finalizing the payment envelope.
type Proxy struct {
	Providers *ProviderManager
	Engine    *Engine
	Processor *payproc.Processor

	// Upstreams maps a provider name to the base URL its traffic is
	// forwarded to.
	Upstreams map[string]*url.URL

	// StreamTimeout bounds the gap between chunks on a streaming upstream
	// response; a stalled stream is aborted once the gap exceeds it. Zero
	// disables the watchdog.
	StreamTimeout time.Duration
}

// NewProxy wires a Proxy from its collaborators.
func NewProxy(providers *ProviderManager, engine *Engine, processor *payproc.Processor, upstreams map[string]*url.URL, streamTimeout time.Duration) *Proxy {
	return &Proxy{Providers: providers, Engine: engine, Processor: processor, Upstreams: upstreams, StreamTimeout: streamTimeout}
}

// Handler returns a gin.HandlerFunc that proxies requests for the named
// provider. Mount it behind payproc.VerifyOnly, which will have already
// verified the payment envelope by the time this handler runs; the handler
// finalizes cost and writes the response envelope itself once upstream
// usage is known.
func (px *Proxy) Handler(providerName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider, err := px.Providers.Get(providerName)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gatewayerr.UnknownProvider, "message": err.Error()})
			return
		}

		upstream, ok := px.Upstreams[providerName]
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gatewayerr.UnknownProvider, "message": "no upstream configured for provider"})
			return
		}

		body, err := readAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gatewayerr.InvalidHeader, "message": err.Error()})
			return
		}

		if provider.PrepareRequestData != nil {
			body, err = provider.PrepareRequestData(c.Request, body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": gatewayerr.UpstreamUnavailable, "message": err.Error()})
				return
			}
		}

		model := ""
		if provider.ExtractModel != nil {
			model, _ = provider.ExtractModel(body)
		}

		if _, supported := px.Engine.Registry.Lookup(model); !supported && !provider.SupportsNativeUSDCost {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gatewayerr.ModelNotSupported, "message": fmt.Sprintf("model %q is not supported", model)})
			return
		}

		streaming := false
		if provider.ExtractStream != nil {
			streaming, _ = provider.ExtractStream(body)
		}

		rp := &httputil.ReverseProxy{
			Director: func(r *http.Request) {
				r.URL.Scheme = upstream.Scheme
				r.URL.Host = upstream.Host
				r.URL.Path = upstream.Path + c.Param("proxyPath")
				r.Host = upstream.Host
				r.ContentLength = int64(len(body))
				r.Body = io.NopCloser(bytes.NewReader(body))
			},
			ModifyResponse: func(resp *http.Response) error {
				if streaming && provider.CreateStreamProcessor != nil {
					px.wireStreamProcessor(c, resp, provider, model)
					return nil
				}
				return px.finalizeNonStreaming(c, resp, provider, model)
			},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				zap.L().Warn("upstream proxy failed", zap.String("provider", providerName), zap.Error(err))
				w.WriteHeader(http.StatusBadGateway)
			},
		}

		rp.ServeHTTP(c.Writer, c.Request)
	}
}

// finalizeNonStreaming runs inside ModifyResponse, which executes before
// ReverseProxy copies resp.Header to the client: writing the finalized
// envelope onto resp.Header here is the last point a normal header can
// still reach the response.
func (px *Proxy) finalizeNonStreaming(c *gin.Context, resp *http.Response, provider *Provider, model string) error {
	raw, err := readAll(resp.Body)
	if err != nil {
		return err
	}
	resp.Body.Close()

	usage := Usage{}
	if provider.CreateUsageExtractor != nil {
		extractor := provider.CreateUsageExtractor()
		if extractor != nil {
			if u, err := extractor(raw); err == nil {
				usage = u
			}
		}
	}

	env := px.finalize(c, model, usage)
	resp.Header.Set(payproc.HeaderName, payproc.EncodeResponse(*env))
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	resp.ContentLength = int64(len(raw))
	resp.Header.Set("Content-Length", strconv.Itoa(len(raw)))
	return nil
}

// wireStreamProcessor runs inside ModifyResponse too, but the envelope
// isn't known until the stream reaches EOF, by which point resp.Header has
// already been copied to the client. A normal header write is too late;
// resp.Trailer is the only channel ReverseProxy still forwards after the
// body finishes, so the key is pre-announced here and filled in onFinish.
func (px *Proxy) wireStreamProcessor(c *gin.Context, resp *http.Response, provider *Provider, model string) {
	if resp.Trailer == nil {
		resp.Trailer = http.Header{}
	}
	resp.Trailer.Set(payproc.HeaderName, "")
	resp.Header.Set("Trailer", payproc.HeaderName)

	processor := provider.CreateStreamProcessor()
	body := resp.Body
	if px.StreamTimeout > 0 {
		body = newWatchdogReader(body, px.StreamTimeout)
	}
	resp.Body = &teeUsageReader{
		upstream:  body,
		processor: processor,
		onFinish: func(usage Usage) {
			env := px.finalize(c, model, usage)
			resp.Trailer.Set(payproc.HeaderName, payproc.EncodeResponse(*env))
		},
	}
}

func (px *Proxy) finalize(c *gin.Context, model string, usage Usage) *payproc.ResponseEnvelope {
	req, _ := payproc.RequestFromContext(c)

	// An opening handshake is served but never billed: debit 0 and emit no
	// proposal, regardless of the usage the upstream reported.
	if claim, ok := payproc.VerifiedClaimFromContext(c); ok && claim.IsHandshake {
		env, err := payproc.Finalize(c, px.Processor, big.NewInt(0))
		if err != nil {
			zap.L().Error("billing finalize failed", zap.Error(err))
			return &payproc.ResponseEnvelope{ErrorCode: string(gatewayerr.PaymentProcessingFailed), Message: err.Error()}
		}
		return env
	}

	meta := map[string]string{"model": model}
	if usage.PromptTokens > 0 {
		meta["promptTokens"] = strconv.FormatInt(usage.PromptTokens, 10)
	}
	if usage.CompletionTokens > 0 {
		meta["completionTokens"] = strconv.FormatInt(usage.CompletionTokens, 10)
	}
	if usage.ProviderCostUSD != nil {
		meta["providerCostUsd"] = usage.ProviderCostUSD.String()
	}

	assetID := req.AssetID
	bc := payproc.BillingContext{ServiceID: px.Processor.ServiceID, Operation: req.Method + ":" + req.Path, AssetID: assetID, Meta: meta}
	if assetID == "" {
		bc.AssetID = px.Processor.DefaultAssetID
	}

	cost, err := px.Engine.CalcCost(c.Request.Context(), bc)
	if err != nil {
		zap.L().Error("billing cost calculation failed", zap.Error(err))
		return &payproc.ResponseEnvelope{ErrorCode: string(gatewayerr.PaymentProcessingFailed), Message: err.Error()}
	}

	env, err := payproc.Finalize(c, px.Processor, cost)
	if err != nil {
		zap.L().Error("billing finalize failed", zap.Error(err))
		return &payproc.ResponseEnvelope{ErrorCode: string(gatewayerr.PaymentProcessingFailed), Message: err.Error()}
	}
	return env
}
