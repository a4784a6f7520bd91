package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapPromotesPlainError(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(InternalError, base)
	require.Equal(t, InternalError, wrapped.Code)
	require.Contains(t, wrapped.Error(), "boom")
}

func TestWrapPassesThroughTaxonomyError(t *testing.T) {
	original := New(DicePolicyMatchingFailed)
	wrapped := Wrap(InternalError, original)
	require.Same(t, original, wrapped)
}

func TestIsComparesByCode(t *testing.T) {
	a := New(AuthenticationNotStarted)
	b := New(AuthenticationNotStarted)
	require.True(t, errors.Is(a, b))

	c := New(InstanceNotAuthenticated)
	require.False(t, errors.Is(a, c))
}

func TestCBOREncodingProducesOutputWithoutPanic(t *testing.T) {
	e := NewDetails(InvalidArgument, "IV length")
	out := e.CBOR()
	require.NotEmpty(t, out)
}

func TestFallbackCBORIsFixedMinimalTuple(t *testing.T) {
	require.Equal(t, []byte{0x83, 0x02, 0x02, 0x60}, FallbackCBOR())
}

func TestProblemCarriesCode(t *testing.T) {
	e := New(EarlyBootEnded)
	p := e.Problem()
	require.Equal(t, string(EarlyBootEnded), p.Title)
}
