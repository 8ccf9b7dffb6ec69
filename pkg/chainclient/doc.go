// Package chainclient talks to the MultiPartyEscrow (MPE) contract on behalf
// of the payee side of a payment channel. It is the Go realization of the
// external `ChainClient` collaborator described in the gateway's
// specification: `Claim`, `Deposit`, `Withdraw` and `GetChannel`.
//
// The package mirrors the signing and dialing conventions of the
// sibling payer-side SDK this gateway grew out of (Ethereum personal-sign
// style signatures, a thin ethclient.Client wrapper) but exposes only the
// payee-relevant surface: settling a signed RAV on-chain via channelClaim,
// and reading channel state for reconciliation.
package chainclient
