// Package payproc implements the deferred-payment state machine: per
// HTTP request, it verifies the SignedSubRAV carried by
// the previous response's proposal, reconciles it against the pending
// store and the durable log, asks the billing engine for the current
// request's cost, and emits a fresh proposal for the client to sign next.
//
// The wire format for the X-Payment-Channel-Data header is implemented in
// envelope.go; the state machine itself is in processor.go; the gin
// middleware adapter is in middleware.go.
package payproc
