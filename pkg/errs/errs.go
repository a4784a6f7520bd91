// Package errs defines the closed error taxonomy every core component
// propagates without loss: format/state/security/capacity classes, never a
// bare error string.
package errs

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/moogar0880/problems"
)

// Code is one member of the closed taxonomy.
type Code string

// Format errors.
const (
	InvalidCertChain       Code = "InvalidCertChain"
	InvalidInstanceIdentifier Code = "InvalidInstanceIdentifier"
	InvalidSignature       Code = "InvalidSignature"
	EncodingError          Code = "EncodingError"
	InvalidArgument        Code = "InvalidArgument"
	InvalidInputLength     Code = "InvalidInputLength"
	InvalidMacLength       Code = "InvalidMacLength"
	UnsupportedKeyFormat   Code = "UnsupportedKeyFormat"
	UnsupportedKeySize     Code = "UnsupportedKeySize"
	UnsupportedEcCurve     Code = "UnsupportedEcCurve"
	ImportParameterMismatch Code = "ImportParameterMismatch"
	IncompatibleAlgorithm  Code = "IncompatibleAlgorithm"
)

// State errors.
const (
	InstanceAlreadyAuthenticated Code = "InstanceAlreadyAuthenticated"
	AuthenticationAlreadyStarted Code = "AuthenticationAlreadyStarted"
	AuthenticationNotStarted     Code = "AuthenticationNotStarted"
	InstanceNotAuthenticated     Code = "InstanceNotAuthenticated"
	ConnectionNotAuthenticated   Code = "ConnectionNotAuthenticated"
	NoConnectionToAuthorize      Code = "NoConnectionToAuthorize"
	InstanceContextCreationDenied Code = "InstanceContextCreationDenied"
)

// Security errors.
const (
	SignatureVerificationFailed  Code = "SignatureVerificationFailed"
	DicePolicyMatchingFailed     Code = "DicePolicyMatchingFailed"
	InvalidPeerKeKey             Code = "InvalidPeerKeKey"
	AttestationChallengeMissing  Code = "AttestationChallengeMissing"
	AttestationApplicationIdMissing Code = "AttestationApplicationIdMissing"
	AttestationKeysNotProvisioned Code = "AttestationKeysNotProvisioned"
	EarlyBootEnded               Code = "EarlyBootEnded"
)

// Capacity / internal errors.
const (
	MemoryAllocationFailed Code = "MemoryAllocationFailed"
	InternalError          Code = "InternalError"
	Unimplemented          Code = "Unimplemented"
)

// Error is the single error type every core component returns. It never
// carries a free-form string as its primary identity — Code always does.
type Error struct {
	Code Code
	// Title mirrors Code for human logs; kept distinct so a caller can
	// override the display title without losing the taxonomy code.
	Title string
	// Err carries an optional detail value (a wrapped error, a validation
	// detail map, ...). It is never the sole carrier of error identity.
	Err any
}

// New builds a taxonomy error with no detail.
func New(code Code) *Error {
	return &Error{Code: code, Title: string(code)}
}

// NewDetails builds a taxonomy error carrying a detail value.
func NewDetails(code Code, detail any) *Error {
	return &Error{Code: code, Title: string(code), Err: detail}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

// Is supports errors.Is comparison against a bare Code sentinel wrapped in
// an *Error, and against another *Error with the same Code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Wrap promotes an internal sub-call error (crypto, storage) into the
// taxonomy at a component boundary. No error is ever silently swallowed —
// every non-taxonomy error that crosses a public API must pass through Wrap.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Code: code, Title: string(code), Err: err.Error()}
}

// cborError is the wire shape of a CBOR-encoded error response, e.g. for
// Secretkeeper's PerformOpResponse error arm.
type cborError struct {
	_    struct{} `cbor:",toarray"`
	Code string
	Err  string
}

// CBOR encodes the error as a minimal CBOR array response. Encoding never
// fails for this fixed two-string shape; if it somehow does, the hand-encoded
// minimal fallback below is used instead so that even a CBOR encoder failure
// cannot prevent an error from being reported.
func (e *Error) CBOR() []byte {
	detail := ""
	if e.Err != nil {
		detail = fmt.Sprintf("%v", e.Err)
	}
	out, err := cbor.Marshal(cborError{Code: string(e.Code), Err: detail})
	if err != nil {
		return FallbackCBOR()
	}
	return out
}

// FallbackCBOR is the hand-encoded minimal `[2, 2, ""]`-style tuple used
// when even CBOR encoding of a structured error fails (§7). The four
// bytes spell out a fixed-length CBOR array of two positive ints and an
// empty text string, so it cannot itself fail to encode.
func FallbackCBOR() []byte {
	return []byte{0x83, 0x02, 0x02, 0x60}
}

// classHTTPStatus maps a taxonomy class to the nearest HTTP status for the
// administrative surface that sits above the core (never the core itself,
// which speaks CBOR/Binder, not HTTP).
func (c Code) classHTTPStatus() int {
	switch c {
	case InstanceAlreadyAuthenticated, AuthenticationAlreadyStarted,
		AuthenticationNotStarted, InstanceNotAuthenticated,
		ConnectionNotAuthenticated, NoConnectionToAuthorize,
		InstanceContextCreationDenied:
		return 409
	case SignatureVerificationFailed, DicePolicyMatchingFailed,
		InvalidPeerKeKey, AttestationChallengeMissing,
		AttestationApplicationIdMissing, AttestationKeysNotProvisioned,
		EarlyBootEnded:
		return 403
	case MemoryAllocationFailed, InternalError, Unimplemented:
		return 500
	default:
		return 400
	}
}

// Problem renders the error as an RFC 7807 problem document, the way the
// teacher's administrative HTTP surface does for every error it returns.
func (e *Error) Problem() *problems.Problem {
	p := problems.NewStatusProblem(e.Code.classHTTPStatus())
	p.Title = string(e.Code)
	if e.Err != nil {
		p.Detail = fmt.Sprintf("%v", e.Err)
	}
	return p
}
