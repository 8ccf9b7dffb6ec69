package payproc

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snet-labs/channel-gateway/pkg/gatewayerr"
)

// ChannelIDParam is the gin path parameter the middleware reads to address
// a request's channel. Routes mounting this middleware must declare a path
// parameter with this name (e.g. "/v1/:channelId/chat/completions").
const ChannelIDParam = "channelId"

// verifiedClaimKey and requestKey let a downstream handler recover the
// verification result and routing context VerifyOnly already computed,
// without redoing steps 1-5.
const verifiedClaimKey = "payproc.verifiedClaim"
const requestKey = "payproc.request"

// Middleware returns a gin.HandlerFunc that verifies the payment envelope
// (steps 1-5), computes cost via Billing.CalcCost, and writes the
// X-Payment-Channel-Data response header before the wrapped route runs.
// The header MUST be set before any downstream handler writes its first
// response byte (gin/net-http send headers on the first Write), so
// Middleware never defers this past c.Next().
//
// Routes whose cost can only be known after the handler runs (e.g. a
// usage-billed upstream proxy) cannot use this: mount VerifyOnly instead
// and have the handler write X-Payment-Channel-Data itself, as a trailer
// if the body is already streaming by the time cost is known.
func Middleware(p *Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := buildRequest(c)

		claim, err := p.Verify(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}

		cost := big.NewInt(0)
		if !claim.IsHandshake {
			bc := BillingContext{ServiceID: p.ServiceID, Operation: req.Method + ":" + req.Path, AssetID: resolveAssetID(p, req), Meta: req.Meta}
			c2, err := p.Billing.CalcCost(c.Request.Context(), bc)
			if err != nil {
				var gerr *gatewayerr.Error
				if !errors.As(err, &gerr) {
					err = gatewayerr.Wrap(gatewayerr.PaymentProcessingFailed, err, "")
				}
				writeError(c, err)
				return
			}
			cost = c2
		}

		resp, err := p.Finalize(c.Request.Context(), claim, cost)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header(HeaderName, EncodeResponse(*resp))
		c.Next()
	}
}

// VerifyOnly returns a gin.HandlerFunc that performs steps 1-5 and stops:
// it does not compute cost, finalize, or write any response header. The
// wrapped handler is fully responsible for the X-Payment-Channel-Data
// header; use VerifiedClaimFromContext and RequestFromContext to recover
// what was already verified, and Finalize to compute the envelope once
// cost is known. This is the deferred-billing counterpart to Middleware,
// for routes fronted by an upstream proxy whose usage (and therefore
// cost) is unknown until the proxied call completes.
func VerifyOnly(p *Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := buildRequest(c)

		claim, err := p.Verify(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}

		c.Set(verifiedClaimKey, claim)
		c.Set(requestKey, req)
		c.Next()
	}
}

func buildRequest(c *gin.Context) Request {
	return Request{
		ChannelID: c.Param(ChannelIDParam),
		Header:    c.GetHeader(HeaderName),
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
	}
}

func resolveAssetID(p *Processor, req Request) string {
	if req.AssetID != "" {
		return req.AssetID
	}
	return p.DefaultAssetID
}

// VerifiedClaimFromContext returns the VerifiedClaim VerifyOnly stored
// after steps 1-5, for a downstream handler (the billing proxy) that needs
// the addressed channel/sub-channel to finalize cost itself.
func VerifiedClaimFromContext(c *gin.Context) (*VerifiedClaim, bool) {
	v, ok := c.Get(verifiedClaimKey)
	if !ok {
		return nil, false
	}
	claim, ok := v.(*VerifiedClaim)
	return claim, ok
}

// RequestFromContext returns the Request VerifyOnly built for this call.
func RequestFromContext(c *gin.Context) (Request, bool) {
	v, ok := c.Get(requestKey)
	if !ok {
		return Request{}, false
	}
	req, ok := v.(Request)
	return req, ok
}

// Finalize runs Processor.Finalize against the claim VerifyOnly already
// verified for c. The caller is responsible for writing the resulting
// envelope to the response (a normal header if nothing has been written
// yet, a trailer if the body is already streaming) once this function
// returns: the envelope must reach the wire before the stream closes.
func Finalize(c *gin.Context, p *Processor, cost *big.Int) (*ResponseEnvelope, error) {
	claim, ok := VerifiedClaimFromContext(c)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.InternalError, "no verified claim on context")
	}
	return p.Finalize(c.Request.Context(), claim, cost)
}

func writeError(c *gin.Context, err error) {
	var gerr *gatewayerr.Error
	if !errors.As(err, &gerr) {
		gerr = gatewayerr.Wrap(gatewayerr.InternalError, err, "")
	}

	status := gerr.Kind.HTTPStatus()
	message := gerr.Message

	if status >= http.StatusInternalServerError {
		correlationID := uuid.NewString()
		zap.L().Error("payment processing failed",
			zap.String("kind", string(gerr.Kind)),
			zap.String("correlationId", correlationID),
			zap.Error(gerr),
		)
		gerr = gerr.WithCorrelationID(correlationID)
		message = "internal error, correlation id " + correlationID
	}

	c.Header(HeaderName, EncodeResponse(ResponseEnvelope{
		ErrorCode: string(gerr.Kind),
		Message:   message,
	}))
	c.AbortWithStatusJSON(status, gin.H{
		"error":         gerr.Kind,
		"message":       message,
		"correlationId": gerr.CorrelationID,
	})
}
