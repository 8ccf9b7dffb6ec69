package payproc

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/snet-labs/channel-gateway/pkg/gatewayerr"
)

func setupRouter(t *testing.T, cost int64) (*gin.Engine, privKeyHelper) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	p, helper := setupProcessor(t, cost, &noopClaims{})

	r := gin.New()
	r.POST("/v1/:channelId/echo", Middleware(p), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r, helper
}

func TestMiddlewareMissingHeaderIs402(t *testing.T) {
	r, _ := setupRouter(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/v1/CH/echo", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	env, err := DecodeResponse(w.Header().Get(HeaderName))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if env.ErrorCode != string(gatewayerr.PaymentRequired) {
		t.Fatalf("expected PaymentRequired error code, got %q", env.ErrorCode)
	}
}

func TestMiddlewareGarbageHeaderIs400(t *testing.T) {
	r, _ := setupRouter(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/v1/CH/echo", nil)
	req.Header.Set(HeaderName, "not base64 at all!!!")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMiddlewareWritesEnvelopeBeforeHandler(t *testing.T) {
	r, helper := setupRouter(t, 100)

	signed := helper.sign(handshakeRAV())

	// Handshake: the wrapped handler still runs and the envelope header is
	// present despite the handler writing a body.
	req := httptest.NewRequest(http.MethodPost, "/v1/CH/echo", nil)
	req.Header.Set(HeaderName, EncodeRequest(signed))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("handshake: expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != "ok" {
		t.Fatalf("expected handler body to pass through, got %q", w.Body.String())
	}
	env, err := DecodeResponse(w.Header().Get(HeaderName))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if env.AmountDebited.Sign() != 0 || env.Proposal != nil {
		t.Fatalf("expected zero-debit, proposal-free handshake envelope, got %+v", env)
	}

	// Re-submitting the handshake RAV is the first paid request: the
	// response envelope now carries a proposal for nonce 1.
	req2 := httptest.NewRequest(http.MethodPost, "/v1/CH/echo", nil)
	req2.Header.Set(HeaderName, EncodeRequest(signed))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)

	if w2.Code != http.StatusOK {
		t.Fatalf("paid request: expected 200, got %d", w2.Code)
	}
	env2, err := DecodeResponse(w2.Header().Get(HeaderName))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if env2.AmountDebited.Int64() != 100 {
		t.Fatalf("expected amountDebited=100, got %v", env2.AmountDebited)
	}
	if env2.Proposal == nil || env2.Proposal.Nonce.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected proposal at nonce 1, got %+v", env2.Proposal)
	}
	if env2.ServiceTxRef == "" {
		t.Fatal("expected a serviceTxRef on a billed response")
	}
}

func TestVerifyOnlyExposesClaimToHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p, helper := setupProcessor(t, 100, &noopClaims{})

	var sawClaim *VerifiedClaim
	r := gin.New()
	r.POST("/v1/:channelId/echo", VerifyOnly(p), func(c *gin.Context) {
		claim, ok := VerifiedClaimFromContext(c)
		if !ok {
			t.Fatal("expected a verified claim on the context")
		}
		sawClaim = claim
		c.Status(http.StatusOK)
	})

	signed := helper.sign(handshakeRAV())
	req := httptest.NewRequest(http.MethodPost, "/v1/CH/echo", nil)
	req.Header.Set(HeaderName, EncodeRequest(signed))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if sawClaim == nil || !sawClaim.IsHandshake {
		t.Fatalf("expected the handler to observe a handshake claim, got %+v", sawClaim)
	}
	if got := w.Header().Get(HeaderName); got != "" {
		t.Fatalf("VerifyOnly must not write the envelope header itself, got %q", got)
	}
}
