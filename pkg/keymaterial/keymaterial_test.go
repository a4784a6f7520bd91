package keymaterial

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siros-tee/authcore/pkg/pkix"
)

func TestSubjectPublicKeyNISTEC(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	km := ECMaterial{Curve: pkix.CurveP256, CurveType: CurveTypeNIST, Key: priv}
	b, err := SubjectPublicKey(km)
	require.NoError(t, err)
	require.Equal(t, byte(0x04), b[0])
	require.Len(t, b, 65)
}

func TestSubjectPublicKeyRSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	km := RSAMaterial{Public: &priv.PublicKey}
	b, err := SubjectPublicKey(km)
	require.NoError(t, err)
	require.NotEmpty(t, b)
}

func TestSubjectPublicKeyRejectsSymmetric(t *testing.T) {
	_, err := SubjectPublicKey(AESMaterial{Variant: AES256, Bytes: make([]byte, 32)})
	require.Error(t, err)
}

func TestOpaqueOrExplicitRoundTrip(t *testing.T) {
	wrapped := Explicit(42)
	require.False(t, wrapped.IsOpaque())
	v, err := wrapped.MustExplicit()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestOpaqueOrOpaqueFailsExplicitExtraction(t *testing.T) {
	wrapped := Opaque[int](OpaqueHandle{Label: "hsm-key-1"})
	require.True(t, wrapped.IsOpaque())
	_, err := wrapped.MustExplicit()
	require.Error(t, err)

	h, ok := wrapped.Handle()
	require.True(t, ok)
	require.Equal(t, "hsm-key-1", h.Label)
}
