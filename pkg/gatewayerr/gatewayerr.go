// Package gatewayerr implements the gateway's error taxonomy: typed,
// errors.Is-compatible kinds grouped into ProtocolErrors, PricingErrors,
// StorageErrors, ChainErrors, and UpstreamErrors, each carrying the HTTP
// status the gateway's HTTP surface reports for it.
package gatewayerr

import "net/http"

// Kind identifies one taxonomy entry.
type Kind string

const (
	// ProtocolErrors — client-visible, no state mutation, safely
	// retryable by the client with a corrected envelope.
	InvalidHeader    Kind = "InvalidHeader"
	UnknownSubRAV    Kind = "UnknownSubRAV"
	TamperedSubRAV   Kind = "TamperedSubRAV"
	InvalidSignature Kind = "InvalidSignature"
	EpochMismatch    Kind = "EpochMismatch"
	ChainMismatch    Kind = "ChainMismatch"
	UnknownVersion   Kind = "UnknownVersion"

	// PricingErrors — client-visible, no upstream call made.
	ModelNotSupported Kind = "ModelNotSupported"
	MissingAssetID    Kind = "MissingAssetId"

	// StorageErrors — transient I/O against the stores.
	StorageUnavailable Kind = "StorageUnavailable"

	// ChainErrors are handled entirely by the claim scheduler with
	// retries and backoff; they never surface through this taxonomy to a
	// request path, but the kind is named here for completeness and for
	// the scheduler's own logging.
	ChainSettlementFailed Kind = "ChainSettlementFailed"

	// UpstreamErrors — mapped to 502; the original upstream body is
	// preserved and passed through when it is a structured error object.
	UpstreamUnavailable Kind = "UpstreamUnavailable"
	NetworkError        Kind = "NetworkError"

	// Cross-cutting, outside the five taxonomy buckets but part of the
	// core's HTTP surface.
	Unauthorized            Kind = "Unauthorized"
	PaymentRequired         Kind = "PaymentRequired"
	UnknownProvider         Kind = "UnknownProvider"
	PaymentProcessingFailed Kind = "PaymentProcessingFailed"
	InternalError           Kind = "InternalError"
)

var httpStatus = map[Kind]int{
	InvalidHeader:    http.StatusBadRequest,
	UnknownSubRAV:    http.StatusBadRequest,
	TamperedSubRAV:   http.StatusBadRequest,
	InvalidSignature: http.StatusBadRequest,
	EpochMismatch:    http.StatusBadRequest,
	ChainMismatch:    http.StatusBadRequest,
	UnknownVersion:   http.StatusBadRequest,

	ModelNotSupported: http.StatusBadRequest,
	MissingAssetID:    http.StatusBadRequest,

	StorageUnavailable: http.StatusInternalServerError,

	ChainSettlementFailed: http.StatusInternalServerError,

	UpstreamUnavailable: http.StatusBadGateway,
	NetworkError:        http.StatusServiceUnavailable,

	Unauthorized:            http.StatusUnauthorized,
	PaymentRequired:         http.StatusPaymentRequired,
	UnknownProvider:         http.StatusNotFound,
	PaymentProcessingFailed: http.StatusInternalServerError,
	InternalError:           http.StatusInternalServerError,
}

// HTTPStatus returns the status code the core's HTTP surface reports for
// kind, or 500 for an unregistered kind.
func (k Kind) HTTPStatus() int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a client- or operator-visible gateway error tagged with a Kind.
// A correlation id is attached for 5xx kinds so operators can cross-
// reference logs without leaking internal detail to the client.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	wrapped       error
}

// New returns an *Error of the given kind with message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an *Error of the given kind wrapping err, using err's message
// unless message is non-empty.
func Wrap(kind Kind, err error, message string) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// WithCorrelationID returns a copy of e carrying id, for 5xx responses that
// should expose a correlation id instead of raw error detail.
func (e *Error) WithCorrelationID(id string) *Error {
	out := *e
	out.CorrelationID = id
	return &out
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.wrapped.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is reports whether target is a *Error with the same Kind, letting callers
// write `errors.Is(err, gatewayerr.New(gatewayerr.UnknownSubRAV, ""))` as
// well as `err.(*gatewayerr.Error).Kind == gatewayerr.UnknownSubRAV`.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// IsClientError reports whether kind is one of the 4xx buckets that are
// safely retryable by the client with a corrected envelope.
func (k Kind) IsClientError() bool {
	return k.HTTPStatus() >= 400 && k.HTTPStatus() < 500
}
