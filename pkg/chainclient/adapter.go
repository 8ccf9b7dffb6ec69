package chainclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ChainClient is the on-chain settlement collaborator the claim scheduler
// depends on. It is deliberately narrow: the gateway never opens, extends or
// watches channels (that is the payer's job); it only claims against
// already-open channels and reads their state for reconciliation.
type ChainClient interface {
	// Claim submits channelClaim(channelId, nonce, amount, signature, false)
	// to settle a signed RAV on-chain. amount is the RAV's accumulatedAmount;
	// signature is the RAV's detached signature.
	Claim(ctx context.Context, channelID, nonce, amount *big.Int, signature []byte) error
	// Deposit moves amount from the payee's token balance into the MPE
	// contract's internal balance, so future claims don't need an on-chain
	// allowance check per call.
	Deposit(ctx context.Context, amount *big.Int) error
	// Withdraw moves amount out of the payee's MPE internal balance.
	Withdraw(ctx context.Context, amount *big.Int) error
	// GetChannel returns the current on-chain channel state.
	GetChannel(ctx context.Context, channelID *big.Int) (OnChainChannel, error)
}

// EVMChainClient implements ChainClient against a real MultiPartyEscrow
// contract, signing settlement transactions with the payee's own key.
type EVMChainClient struct {
	eth     *EVMClient
	key     *ecdsa.PrivateKey
	chainID *big.Int
}

// NewEVMChainClient builds an EVMChainClient. chainID must match the network
// eth is dialed against; key is the payee's signing key for settlement
// transactions (claim/deposit/withdraw), not for RAV signatures.
func NewEVMChainClient(eth *EVMClient, chainID *big.Int, key *ecdsa.PrivateKey) *EVMChainClient {
	return &EVMChainClient{eth: eth, key: key, chainID: chainID}
}

func (c *EVMChainClient) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// Claim implements ChainClient.
func (c *EVMChainClient) Claim(ctx context.Context, channelID, nonce, amount *big.Int, signature []byte) error {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}

	tx, err := c.eth.mpe.Transact(opts, "channelClaim", channelID, nonce, amount, signature, false)
	if err != nil {
		zap.L().Error("channelClaim failed", zap.String("channelId", channelID.String()), zap.Error(err))
		return fmt.Errorf("channelClaim: %w", err)
	}

	return c.waitMined(ctx, tx)
}

// Deposit implements ChainClient.
func (c *EVMChainClient) Deposit(ctx context.Context, amount *big.Int) error {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := c.eth.mpe.Transact(opts, "deposit", amount)
	if err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	return c.waitMined(ctx, tx)
}

// Withdraw implements ChainClient.
func (c *EVMChainClient) Withdraw(ctx context.Context, amount *big.Int) error {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := c.eth.mpe.Transact(opts, "withdraw", amount)
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	return c.waitMined(ctx, tx)
}

// GetChannel implements ChainClient.
func (c *EVMChainClient) GetChannel(ctx context.Context, channelID *big.Int) (OnChainChannel, error) {
	return c.eth.channel(ctx, channelID)
}

func (c *EVMChainClient) waitMined(ctx context.Context, tx *types.Transaction) error {
	waitCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.eth.Client, tx)
	if err != nil {
		return fmt.Errorf("wait mined %s: %w", tx.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", tx.Hash())
	}
	return nil
}
