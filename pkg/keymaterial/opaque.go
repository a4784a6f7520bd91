package keymaterial

import "github.com/siros-tee/authcore/pkg/errs"

// OpaqueHandle identifies a key held by an external HSM collaborator
// rather than in process memory. In the pkcs11 build ResolveSigner looks
// the key pair up by Label; Backend is carried but not read by this
// package.
type OpaqueHandle struct {
	Label   string
	Backend string
}

// OpaqueOr wraps a key as either an in-memory Explicit value or a
// handle deferred to hardware, per §4.C. Default operations require the
// Explicit variant; callers reaching for the handle (to hand to an
// HSM-backed crypto.Signer) call Handle directly.
type OpaqueOr[T any] struct {
	explicit *T
	opaque   *OpaqueHandle
}

// Explicit wraps a value as the in-memory variant.
func Explicit[T any](v T) OpaqueOr[T] {
	return OpaqueOr[T]{explicit: &v}
}

// Opaque wraps a hardware handle as the deferred variant.
func Opaque[T any](h OpaqueHandle) OpaqueOr[T] {
	return OpaqueOr[T]{opaque: &h}
}

// IsOpaque reports whether the wrapper holds a hardware handle rather
// than an in-memory value.
func (o OpaqueOr[T]) IsOpaque() bool {
	return o.opaque != nil
}

// MustExplicit returns the explicit variant or fails with
// IncompatibleAlgorithm, mirroring the spec's `explicit!` extractor: most
// operation machines only know how to drive an in-memory key directly.
func (o OpaqueOr[T]) MustExplicit() (T, error) {
	if o.explicit == nil {
		var zero T
		return zero, errs.New(errs.IncompatibleAlgorithm)
	}
	return *o.explicit, nil
}

// Handle returns the hardware handle, or ok=false if this wrapper holds
// an explicit value instead.
func (o OpaqueOr[T]) Handle() (OpaqueHandle, bool) {
	if o.opaque == nil {
		return OpaqueHandle{}, false
	}
	return *o.opaque, true
}
