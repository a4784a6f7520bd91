package pkix

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImportECPrivateKeyPKCS8RoundTrip(t *testing.T) {
	for name, curve := range map[string]elliptic.Curve{
		"P224": elliptic.P224(),
		"P256": elliptic.P256(),
		"P384": elliptic.P384(),
		"P521": elliptic.P521(),
	} {
		t.Run(name, func(t *testing.T) {
			priv, err := ecdsa.GenerateKey(curve, rand.Reader)
			require.NoError(t, err)

			sec1, err := x509.MarshalECPrivateKey(priv)
			require.NoError(t, err)

			var wantCurve Curve
			switch name {
			case "P224":
				wantCurve = CurveP224
			case "P256":
				wantCurve = CurveP256
			case "P384":
				wantCurve = CurveP384
			case "P521":
				wantCurve = CurveP521
			}

			wrapped, err := WrapBareECPrivateKeyAsPKCS8(wantCurve, sec1)
			require.NoError(t, err)

			imported, err := ImportECPrivateKey(wrapped)
			require.NoError(t, err)
			require.Equal(t, wantCurve, imported.Curve)
			require.True(t, imported.Key.PublicKey.Equal(&priv.PublicKey))

			// A bare SEC1 key must also import directly.
			bare, err := ImportECPrivateKey(sec1)
			require.NoError(t, err)
			require.Equal(t, wantCurve, bare.Curve)
		})
	}
}

func TestImportEd25519PrivateKeyRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	seed := priv.Seed()
	wrapped, err := WrapCurve25519PrivateKeyAsPKCS8(OIDEd25519, seed)
	require.NoError(t, err)

	got, err := ImportEd25519PrivateKey(wrapped)
	require.NoError(t, err)
	require.Equal(t, priv, got)
}

func TestImportX25519PrivateKeyRoundTrip(t *testing.T) {
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	wrapped, err := WrapCurve25519PrivateKeyAsPKCS8(OIDX25519, raw)
	require.NoError(t, err)

	got, err := ImportX25519PrivateKey(wrapped)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestImportECPrivateKeyRejectsWrongAlgorithm(t *testing.T) {
	raw := make([]byte, 32)
	wrapped, err := WrapCurve25519PrivateKeyAsPKCS8(OIDEd25519, raw)
	require.NoError(t, err)

	_, err = ImportECPrivateKey(wrapped)
	require.Error(t, err)
}

func TestSubjectPublicKeyBytesEC(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	b, err := SubjectPublicKeyBytes(&priv.PublicKey)
	require.NoError(t, err)
	require.Equal(t, byte(0x04), b[0])
	require.Len(t, b, 1+2*32)
}

func TestEncodeModuleInfoSetIsCanonicallyOrdered(t *testing.T) {
	modules := []ModuleInfo{
		{Name: []byte("zzzz"), Version: 1},
		{Name: []byte("a"), Version: 2},
		{Name: []byte("bb"), Version: 3},
	}
	out, err := EncodeModuleInfoSet(modules)
	require.NoError(t, err)
	require.Equal(t, byte(0x31), out[0])

	shuffled := []ModuleInfo{modules[2], modules[0], modules[1]}
	out2, err := EncodeModuleInfoSet(shuffled)
	require.NoError(t, err)
	require.Equal(t, out, out2)
}

func TestKeyDescriptionRoundTrip(t *testing.T) {
	kd := &KeyDescription{
		AttestationVersion:       200,
		AttestationSecurityLevel: 1,
		KeymintVersion:           300,
		KeymintSecurityLevel:     1,
		AttestationChallenge:     []byte("challenge"),
		UniqueID:                 []byte{},
		SoftwareEnforced:         AuthorizationList{},
		HardwareEnforced: AuthorizationList{
			Algorithm: 3,
			KeySize:   256,
			Purpose:   []int64{2, 3},
			Digest:    []int64{4},
		},
	}
	der, err := EncodeKeyDescription(kd)
	require.NoError(t, err)

	got, err := ParseKeyDescription(der)
	require.NoError(t, err)
	require.Equal(t, kd.AttestationChallenge, got.AttestationChallenge)
	require.Equal(t, kd.HardwareEnforced.Algorithm, got.HardwareEnforced.Algorithm)
	require.Equal(t, kd.HardwareEnforced.KeySize, got.HardwareEnforced.KeySize)
}
