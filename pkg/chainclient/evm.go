package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	contracts "github.com/singnet/snet-ecosystem-contracts"
	"go.uber.org/zap"
)

// mpeABIJSON is the subset of the MultiPartyEscrow ABI this package calls:
// the read-only channel accessor and the three payee-facing state mutators
// (claim, deposit, withdraw). The full ABI ships with
// github.com/singnet/snet-ecosystem-contracts; this subset keeps the bound
// contract self-contained for the operations the gateway actually performs.
const mpeABIJSON = `[
	{"constant":true,"inputs":[{"name":"channelId","type":"uint256"}],"name":"channels",
	 "outputs":[
		{"name":"sender","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"groupId","type":"bytes32"},
		{"name":"value","type":"uint256"},
		{"name":"nonce","type":"uint256"},
		{"name":"expiration","type":"uint256"},
		{"name":"signer","type":"address"}
	 ],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[
		{"name":"channelId","type":"uint256"},
		{"name":"nonce","type":"uint256"},
		{"name":"amount","type":"uint256"},
		{"name":"signature","type":"bytes"},
		{"name":"isSendback","type":"bool"}
	 ],"name":"channelClaim","outputs":[],"payable":false,"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"amount","type":"uint256"}],"name":"deposit",
	 "outputs":[],"payable":false,"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"amount","type":"uint256"}],"name":"withdraw",
	 "outputs":[],"payable":false,"stateMutability":"nonpayable","type":"function"}
]`

// OnChainChannel is a read-only snapshot of a channel as recorded by the
// MultiPartyEscrow contract.
type OnChainChannel struct {
	Sender     common.Address
	Recipient  common.Address
	GroupID    [32]byte
	Value      *big.Int
	Nonce      *big.Int
	Expiration *big.Int
	Signer     common.Address
}

// EVMClient is a thin wrapper around an ethclient.Client bound to the
// MultiPartyEscrow contract at a fixed address.
type EVMClient struct {
	Client  *ethclient.Client
	mpe     *bind.BoundContract
	mpeAddr common.Address
}

// networks mirrors the JSON payload contracts.GetNetworks returns: network
// key (e.g. a chain id as a decimal string) to deployed contract address.
type networks map[string]struct {
	Address string `json:"address"`
}

// ResolveMPEAddress looks up the MultiPartyEscrow contract's deployed
// address for network from the snet-ecosystem-contracts package's bundled
// deployment manifest.
func ResolveMPEAddress(network string) (common.Address, error) {
	raw := contracts.GetNetworks(contracts.MultiPartyEscrow)
	var mpen networks
	if err := json.Unmarshal(raw, &mpen); err != nil {
		return common.Address{}, fmt.Errorf("unmarshal MPE networks: %w", err)
	}
	entry, ok := mpen[network]
	if !ok || entry.Address == "" {
		return common.Address{}, fmt.Errorf("no MultiPartyEscrow deployment known for network %q", network)
	}
	return common.HexToAddress(entry.Address), nil
}

// DialEVM connects to endpoint and binds the MPE contract at mpeAddress. Use
// ResolveMPEAddress first when the deployment address should be discovered
// from snet-ecosystem-contracts rather than configured explicitly.
func DialEVM(ctx context.Context, endpoint string, mpeAddress common.Address) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		zap.L().Error("failed to dial evm endpoint", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}

	parsed, err := abi.JSON(strings.NewReader(mpeABIJSON))
	if err != nil {
		return nil, err
	}

	bound := bind.NewBoundContract(mpeAddress, parsed, client, client, client)

	return &EVMClient{
		Client:  client,
		mpe:     bound,
		mpeAddr: mpeAddress,
	}, nil
}

// GetCurrentBlockNumber returns the latest known block number.
func (eth *EVMClient) GetCurrentBlockNumber(ctx context.Context) (*big.Int, error) {
	header, err := eth.Client.HeaderByNumber(ctx, nil)
	if err != nil {
		zap.L().Error("failed to get current block number", zap.Error(err))
		return nil, err
	}
	return header.Number, nil
}

// channel reads the raw channel struct from the contract.
func (eth *EVMClient) channel(ctx context.Context, channelID *big.Int) (OnChainChannel, error) {
	var out []interface{}
	callOpts := &bind.CallOpts{Context: ctx}
	err := eth.mpe.Call(callOpts, &out, "channels", channelID)
	if err != nil {
		return OnChainChannel{}, err
	}

	return OnChainChannel{
		Sender:     *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Recipient:  *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		GroupID:    *abi.ConvertType(out[2], new([32]byte)).(*[32]byte),
		Value:      *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		Nonce:      *abi.ConvertType(out[4], new(*big.Int)).(**big.Int),
		Expiration: *abi.ConvertType(out[5], new(*big.Int)).(**big.Int),
		Signer:     *abi.ConvertType(out[6], new(common.Address)).(*common.Address),
	}, nil
}

// receiptTimeout bounds how long WaitMined waits for a submitted transaction.
const receiptTimeout = 2 * time.Minute
