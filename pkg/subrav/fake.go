package subrav

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// StaticResolver is an in-memory KeyResolver keyed by (payerDID,
// vmIDFragment), used by tests across this module in place of a real DID
// resolution service.
type StaticResolver struct {
	keys map[string]common.Address
}

// NewStaticResolver returns an empty StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{keys: make(map[string]common.Address)}
}

// Register installs the address returned for (payerDID, vmIDFragment).
func (r *StaticResolver) Register(payerDID, vmIDFragment string, addr common.Address) {
	r.keys[payerDID+"#"+vmIDFragment] = addr
}

// ResolveKey implements KeyResolver.
func (r *StaticResolver) ResolveKey(_ context.Context, payerDID, vmIDFragment string) (common.Address, error) {
	addr, ok := r.keys[payerDID+"#"+vmIDFragment]
	if !ok {
		return common.Address{}, errors.New("subrav: no key registered for " + payerDID + "#" + vmIDFragment)
	}
	return addr, nil
}
