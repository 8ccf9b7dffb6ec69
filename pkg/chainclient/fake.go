package chainclient

import (
	"context"
	"math/big"
	"sync"
)

// Fake is an in-memory ChainClient used by tests across this module. It
// records every Claim call and lets tests script failures before success,
// mirroring the "fails N times then succeeds" scenarios the claim scheduler
// must tolerate.
type Fake struct {
	mu sync.Mutex

	// FailClaimsBeforeSuccess, if > 0, makes the next N calls to Claim for a
	// given channelID fail with ClaimErr before succeeding.
	FailClaimsBeforeSuccess map[string]int
	ClaimErr                error

	channels map[string]OnChainChannel
	claims   []ClaimCall
}

// ClaimCall records one call to Fake.Claim.
type ClaimCall struct {
	ChannelID *big.Int
	Nonce     *big.Int
	Amount    *big.Int
}

// NewFake returns a ready-to-use Fake with no seeded channels.
func NewFake() *Fake {
	return &Fake{
		FailClaimsBeforeSuccess: make(map[string]int),
		channels:                make(map[string]OnChainChannel),
	}
}

// SeedChannel installs a channel snapshot GetChannel will return.
func (f *Fake) SeedChannel(channelID *big.Int, ch OnChainChannel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channelID.String()] = ch
}

// Claim implements ChainClient.
func (f *Fake) Claim(_ context.Context, channelID, nonce, amount *big.Int, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := channelID.String()
	if remaining := f.FailClaimsBeforeSuccess[key]; remaining > 0 {
		f.FailClaimsBeforeSuccess[key] = remaining - 1
		if f.ClaimErr != nil {
			return f.ClaimErr
		}
		return errFakeClaim
	}

	f.claims = append(f.claims, ClaimCall{ChannelID: channelID, Nonce: nonce, Amount: amount})
	return nil
}

// Deposit implements ChainClient as a no-op; nothing is recorded.
func (f *Fake) Deposit(context.Context, *big.Int) error { return nil }

// Withdraw implements ChainClient as a no-op; nothing is recorded.
func (f *Fake) Withdraw(context.Context, *big.Int) error { return nil }

// GetChannel implements ChainClient.
func (f *Fake) GetChannel(_ context.Context, channelID *big.Int) (OnChainChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID.String()]
	if !ok {
		return OnChainChannel{}, errChannelNotFound
	}
	return ch, nil
}

// Claims returns a copy of the calls recorded so far, in order.
func (f *Fake) Claims() []ClaimCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ClaimCall, len(f.claims))
	copy(out, f.claims)
	return out
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const (
	errFakeClaim       fakeErr = "fake: simulated claim failure"
	errChannelNotFound fakeErr = "fake: channel not found"
)
