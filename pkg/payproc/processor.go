package payproc

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/snet-labs/channel-gateway/pkg/channelstate"
	"github.com/snet-labs/channel-gateway/pkg/gatewayerr"
	"github.com/snet-labs/channel-gateway/pkg/keylock"
	"github.com/snet-labs/channel-gateway/pkg/pendingstore"
	"github.com/snet-labs/channel-gateway/pkg/ravstore"
	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

// BillingContext is the capability the processor hands to the billing
// engine (component G) to price the request currently in flight.
type BillingContext struct {
	ServiceID string
	Operation string // "METHOD:path"
	AssetID   string
	Meta      map[string]string
}

// BillingEngine is the component G capability the processor consumes. A
// *gatewayerr.Error returned here is propagated to the client verbatim
// (e.g. ModelNotSupported); any other error is wrapped as
// PaymentProcessingFailed.
type BillingEngine interface {
	CalcCost(ctx context.Context, bc BillingContext) (*big.Int, error)
}

// ClaimNotifier is the component F capability notified after step 5
// persists a signed RAV.
type ClaimNotifier interface {
	MaybeQueue(ctx context.Context, channelID, vmIDFragment string, delta *big.Int)
}

// ChannelResolver resolves a channel's metadata on first touch, when the
// Cache holds nothing for it yet. This is the capability boundary for the
// external on-chain/DID-resolution collaborators.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, channelID string) (channelstate.ChannelMetadata, error)
}

// Request is one HTTP request's addressed payment context, independent of
// any particular HTTP framework.
type Request struct {
	ChannelID string
	Header    string // raw X-Payment-Channel-Data value; "" means absent
	Method    string
	Path      string
	AssetID   string // overrides Processor.DefaultAssetID when non-empty
	Meta      map[string]string
}

// Processor implements the payee side of the deferred-payment state machine.
type Processor struct {
	ServiceID       string
	DefaultAssetID  string
	ExpectedChainID uint64
	VerifyTimeout   time.Duration

	Verifier        *subrav.Verifier
	RAVStore        ravstore.Store
	PendingStore    pendingstore.Store
	Cache           *channelstate.Cache
	Billing         BillingEngine
	Claims          ClaimNotifier
	ChannelResolver ChannelResolver

	resolveGroup singleflight.Group
	subLocks     keylock.Map
	now          func() time.Time
}

// NewProcessor wires a Processor from its collaborators.
func NewProcessor(
	serviceID, defaultAssetID string,
	expectedChainID uint64,
	verifyTimeout time.Duration,
	verifier *subrav.Verifier,
	ravStore ravstore.Store,
	pendingStore pendingstore.Store,
	cache *channelstate.Cache,
	billing BillingEngine,
	claims ClaimNotifier,
	channelResolver ChannelResolver,
) *Processor {
	return &Processor{
		ServiceID:       serviceID,
		DefaultAssetID:  defaultAssetID,
		ExpectedChainID: expectedChainID,
		VerifyTimeout:   verifyTimeout,
		Verifier:        verifier,
		RAVStore:        ravStore,
		PendingStore:    pendingStore,
		Cache:           cache,
		Billing:         billing,
		Claims:          claims,
		ChannelResolver: channelResolver,
		now:             time.Now,
	}
}

// VerifiedClaim is the outcome of steps 1-5: the request's envelope has
// been parsed and its signature verified and persisted against the
// addressed sub-channel, but the cost of the operation it is paying for is
// not yet known. IsHandshake is true only for the sub-channel's genuine
// first-ever touch: the caller must skip billing and
// use a fixed cost of 0. A later resubmission of the same handshake-shaped
// RAV is NOT a handshake for this purpose and must be billed normally.
type VerifiedClaim struct {
	RAV                   subrav.SubRAV
	ChannelMeta           channelstate.ChannelMetadata
	Expected              subrav.Expected
	IsHandshake           bool
	PrevNonce             *big.Int
	PrevAccumulatedAmount *big.Int
}

// Verify performs steps 1-5 of the deferred-payment state machine: parse
// the envelope, classify handshake vs payment, match against the pending
// proposal, verify the signature, and persist the signed RAV. It does not
// compute cost or emit a new proposal; call Finalize with the result once
// the operation's cost is known.
func (p *Processor) Verify(ctx context.Context, req Request) (*VerifiedClaim, error) {
	if req.Header == "" {
		return nil, gatewayerr.New(gatewayerr.PaymentRequired, "missing X-Payment-Channel-Data header")
	}
	signed, err := DecodeRequest(req.Header)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.InvalidHeader, err, "")
	}
	rav := signed.SubRAV
	if req.ChannelID != "" && req.ChannelID != rav.ChannelID {
		return nil, gatewayerr.New(gatewayerr.InvalidHeader, "channelId does not match the addressed route")
	}

	channelMeta := p.resolveChannel(ctx, rav.ChannelID)
	expected := subrav.Expected{
		Version:      subrav.CurrentVersion,
		ChainID:      p.ExpectedChainID,
		ChannelEpoch: channelMeta.OpenEpoch,
	}

	prevNonce, prevAccum, fixedCost, procErr := p.verifyAndReconcile(ctx, signed, channelMeta, expected)
	if procErr != nil {
		return nil, procErr
	}

	return &VerifiedClaim{
		RAV:                   rav,
		ChannelMeta:           channelMeta,
		Expected:              expected,
		IsHandshake:           fixedCost != nil,
		PrevNonce:             prevNonce,
		PrevAccumulatedAmount: prevAccum,
	}, nil
}

// Finalize performs steps 6-7: debit cost against the verified claim and
// emit the next proposal. cost must be non-nil; for a handshake it is
// conventionally big.NewInt(0).
func (p *Processor) Finalize(ctx context.Context, claim *VerifiedClaim, cost *big.Int) (*ResponseEnvelope, error) {
	resp := &ResponseEnvelope{AmountDebited: cost, ServiceTxRef: uuid.Must(uuid.NewV7()).String()}

	if cost.Sign() > 0 {
		proposal := subrav.SubRAV{
			Version:           claim.Expected.Version,
			ChainID:           claim.Expected.ChainID,
			ChannelID:         claim.RAV.ChannelID,
			ChannelEpoch:      claim.Expected.ChannelEpoch,
			VMIDFragment:      claim.RAV.VMIDFragment,
			AccumulatedAmount: new(big.Int).Add(claim.PrevAccumulatedAmount, cost),
			Nonce:             new(big.Int).Add(claim.PrevNonce, big.NewInt(1)),
		}
		if err := p.PendingStore.Save(ctx, claim.RAV.ChannelID, proposal); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.StorageUnavailable, err, "proposal not written; safe to retry")
		}
		resp.Proposal = &proposal
	}

	return resp, nil
}

// Process advances the state machine for one HTTP request in a single
// call, computing cost via Billing itself. Use Verify/Finalize directly
// when cost can only be known after an intervening action (e.g. the
// billing proxy has to call upstream and extract usage first).
func (p *Processor) Process(ctx context.Context, req Request) (*ResponseEnvelope, error) {
	claim, err := p.Verify(ctx, req)
	if err != nil {
		return nil, err
	}

	cost := big.NewInt(0)
	if !claim.IsHandshake {
		assetID := req.AssetID
		if assetID == "" {
			assetID = p.DefaultAssetID
		}
		bc := BillingContext{ServiceID: p.ServiceID, Operation: req.Method + ":" + req.Path, AssetID: assetID, Meta: req.Meta}
		c, err := p.Billing.CalcCost(ctx, bc)
		if err != nil {
			var gerr *gatewayerr.Error
			if errors.As(err, &gerr) {
				return nil, gerr
			}
			return nil, gatewayerr.Wrap(gatewayerr.PaymentProcessingFailed, err, "")
		}
		cost = c
	}

	return p.Finalize(ctx, claim, cost)
}

// verifyAndReconcile performs steps 2-5 under VerifyTimeout, returning the
// sub-channel's post-reconciliation (nonce, accumulatedAmount) and, for a
// handshake, a fixed cost of 0 (nil otherwise, meaning "compute it").
func (p *Processor) verifyAndReconcile(
	ctx context.Context,
	signed subrav.SignedSubRAV,
	channelMeta channelstate.ChannelMetadata,
	expected subrav.Expected,
) (prevNonce, prevAccum, fixedCost *big.Int, procErr error) {
	if p.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.VerifyTimeout)
		defer cancel()
	}

	rav := signed.SubRAV

	// Step 2: classify. A structurally handshake-shaped RAV (nonce=0,
	// accumulatedAmount=0) is only a genuine opening handshake the first
	// time this sub-channel is ever touched. The opening handshake is
	// billed at a fixed cost of 0 and never advances past nonce 0, so the
	// client's only proof of "previous payment" for the sub-channel's
	// first real request is that same handshake-signed RAV submitted
	// again. Once the sub-channel has already been
	// touched, a handshake-shaped resubmission must be billed normally
	// instead of short-circuited to cost=0 a second time.
	if rav.IsHandshake() {
		prevState := p.Cache.SubChannel(rav.ChannelID, rav.VMIDFragment)
		firstTouch := prevState.LastUpdated.IsZero()

		if err := p.Verifier.Verify(ctx, signed, channelMeta.PayerDID, expected); err != nil {
			return nil, nil, nil, translateVerifyErr(err)
		}

		if firstTouch {
			p.Cache.UpdateSubChannelState(rav.ChannelID, rav.VMIDFragment, channelstate.SubChannelPatch{
				Nonce:             big.NewInt(0),
				AccumulatedAmount: big.NewInt(0),
			})
			return big.NewInt(0), big.NewInt(0), big.NewInt(0), nil
		}

		// Already-established baseline resubmitted as proof of
		// "previous": no pending entry exists for nonce 0 (the opening
		// handshake never writes one), so there is nothing to match
		// against. Fall through to billing the current request by
		// returning fixedCost=nil.
		return prevState.Nonce, prevState.AccumulatedAmount, nil, nil
	}

	// Step 3: pending match.
	pending, err := p.PendingStore.Find(ctx, rav.ChannelID, rav.Nonce)
	if ctx.Err() == context.DeadlineExceeded {
		return nil, nil, nil, gatewayerr.New(gatewayerr.PaymentProcessingFailed, "verification timed out")
	}
	if err != nil {
		return nil, nil, nil, gatewayerr.Wrap(gatewayerr.StorageUnavailable, err, "")
	}
	if pending == nil {
		return nil, nil, nil, gatewayerr.New(gatewayerr.UnknownSubRAV, "no pending proposal for this (channelId, nonce)")
	}
	if !pending.Equal(rav) {
		return nil, nil, nil, gatewayerr.New(gatewayerr.TamperedSubRAV, "submitted SubRAV does not match the pending proposal")
	}

	// Step 4: signature verify.
	if err := p.Verifier.Verify(ctx, signed, channelMeta.PayerDID, expected); err != nil {
		return nil, nil, nil, translateVerifyErr(err)
	}

	// Step 5: persist & reconcile. The save/update/remove sequence is
	// atomic per sub-channel so concurrent submissions of the same RAV
	// cannot interleave between the stores.
	p.subLocks.With(rav.ChannelID+"\x00"+rav.VMIDFragment, func() {
		if err := p.RAVStore.Save(ctx, signed); err != nil {
			if errors.Is(err, ravstore.ErrRegression) {
				procErr = gatewayerr.Wrap(gatewayerr.TamperedSubRAV, err, "nonce regression")
				return
			}
			if ctx.Err() == context.DeadlineExceeded {
				procErr = gatewayerr.New(gatewayerr.PaymentProcessingFailed, "verification timed out")
				return
			}
			procErr = gatewayerr.Wrap(gatewayerr.StorageUnavailable, err, "")
			return
		}

		prevState := p.Cache.SubChannel(rav.ChannelID, rav.VMIDFragment)
		lastClaimed := prevState.LastClaimedAmount
		if lastClaimed == nil {
			lastClaimed = new(big.Int)
		}

		p.Cache.UpdateSubChannelState(rav.ChannelID, rav.VMIDFragment, channelstate.SubChannelPatch{
			Nonce:             rav.Nonce,
			AccumulatedAmount: rav.AccumulatedAmount,
		})

		if err := p.PendingStore.Remove(ctx, rav.ChannelID, rav.Nonce); err != nil {
			procErr = gatewayerr.Wrap(gatewayerr.StorageUnavailable, err, "")
			return
		}

		if p.Claims != nil {
			delta := new(big.Int).Sub(rav.AccumulatedAmount, lastClaimed)
			p.Claims.MaybeQueue(ctx, rav.ChannelID, rav.VMIDFragment, delta)
		}
	})
	if procErr != nil {
		return nil, nil, nil, procErr
	}

	return rav.Nonce, rav.AccumulatedAmount, nil, nil
}

// resolveChannel returns the cached metadata for channelID, falling back to
// ChannelResolver on a cache miss. Concurrent misses for the same
// channelID (a burst of first-touch requests against a channel the
// gateway hasn't seen yet) are collapsed into a single resolver call via
// resolveGroup, so a cold channel under concurrent load doesn't fan out
// one resolution request per in-flight HTTP call.
func (p *Processor) resolveChannel(ctx context.Context, channelID string) channelstate.ChannelMetadata {
	meta := p.Cache.Channel(channelID)
	if meta.PayerDID != "" || p.ChannelResolver == nil {
		return meta
	}
	v, err, _ := p.resolveGroup.Do(channelID, func() (interface{}, error) {
		return p.ChannelResolver.ResolveChannel(ctx, channelID)
	})
	if err != nil {
		return meta
	}
	resolved := v.(channelstate.ChannelMetadata)
	p.Cache.PutChannel(resolved)
	return resolved
}

func translateVerifyErr(err error) *gatewayerr.Error {
	var ve *subrav.VerifyError
	if !errors.As(err, &ve) {
		return gatewayerr.Wrap(gatewayerr.InvalidSignature, err, "")
	}
	switch ve.Kind() {
	case subrav.KindUnknownVersion:
		return gatewayerr.Wrap(gatewayerr.UnknownVersion, err, "")
	case subrav.KindChainMismatch:
		return gatewayerr.Wrap(gatewayerr.ChainMismatch, err, "")
	case subrav.KindEpochMismatch:
		return gatewayerr.Wrap(gatewayerr.EpochMismatch, err, "")
	case subrav.KindResolverFailure:
		return gatewayerr.Wrap(gatewayerr.StorageUnavailable, err, "")
	default:
		return gatewayerr.Wrap(gatewayerr.InvalidSignature, err, "")
	}
}
