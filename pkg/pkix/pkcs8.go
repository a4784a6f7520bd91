// Package pkix implements PKCS#8 import/export for the curve and
// algorithm family this spec supports, SEC1 point framing, and the
// Android attestation extension's DER encoding (spec component A, and the
// attested-certificate half of component F).
package pkix

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/siros-tee/authcore/pkg/errs"
)

// Algorithm OIDs, per spec.md §6.
var (
	OIDECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDP224        = asn1.ObjectIdentifier{1, 3, 132, 0, 33}
	OIDP256        = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	OIDP384        = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	OIDP521        = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
	OIDEd25519     = asn1.ObjectIdentifier{1, 3, 101, 112}
	OIDX25519      = asn1.ObjectIdentifier{1, 3, 101, 110}

	OIDAttestationExtension = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}
	OIDSignatureECDSASHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

// Curve names the NIST curve a private key is stated to use.
type Curve int

const (
	CurveUnknown Curve = iota
	CurveP224
	CurveP256
	CurveP384
	CurveP521
)

func curveFromOID(oid asn1.ObjectIdentifier) (Curve, error) {
	switch {
	case oid.Equal(OIDP224):
		return CurveP224, nil
	case oid.Equal(OIDP256):
		return CurveP256, nil
	case oid.Equal(OIDP384):
		return CurveP384, nil
	case oid.Equal(OIDP521):
		return CurveP521, nil
	default:
		return CurveUnknown, errs.New(errs.UnsupportedEcCurve)
	}
}

// pkcs8 mirrors RFC 5208's PrivateKeyInfo, with the algorithm parameters
// left as raw ASN.1 so both NIST-curve and parameterless (Ed25519/X25519)
// algorithm identifiers decode without a union type.
type pkcs8 struct {
	Version    int
	Algorithm  pkixAlgorithmIdentifier
	PrivateKey []byte
}

type pkixAlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ecPrivateKeyASN1 mirrors RFC 5915's ECPrivateKey.
type ecPrivateKeyASN1 struct {
	Version       int
	PrivateKey    []byte
	NamedCurve    asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// ImportedECKey is the result of importing a NIST EC private key from
// either a bare RFC 5915 ECPrivateKey or a PKCS#8 wrapper.
type ImportedECKey struct {
	Curve Curve
	Key   *ecdsa.PrivateKey
}

// ImportECPrivateKey accepts either a bare RFC 5915 ECPrivateKey or a
// PKCS#8 PrivateKeyInfo wrapping one, and returns the stated curve plus the
// parsed key. Per spec.md §3, the caller must additionally check that the
// stated curve matches whatever curve the KeyMaterial variant claims.
func ImportECPrivateKey(der []byte) (*ImportedECKey, error) {
	if key, curveOID, err := tryParsePKCS8EC(der); err == nil {
		curve, cerr := curveFromOID(curveOID)
		if cerr != nil {
			return nil, cerr
		}
		return &ImportedECKey{Curve: curve, Key: key}, nil
	}

	// Fall back to a bare SEC1 ECPrivateKey.
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, errs.NewDetails(errs.UnsupportedKeyFormat, "not a valid PKCS#8 or SEC1 EC private key")
	}
	curve, err := curveFromStdlib(key.Curve.Params().Name)
	if err != nil {
		return nil, err
	}
	return &ImportedECKey{Curve: curve, Key: key}, nil
}

func curveFromStdlib(name string) (Curve, error) {
	switch name {
	case "P-224":
		return CurveP224, nil
	case "P-256":
		return CurveP256, nil
	case "P-384":
		return CurveP384, nil
	case "P-521":
		return CurveP521, nil
	default:
		return CurveUnknown, errs.New(errs.UnsupportedEcCurve)
	}
}

func tryParsePKCS8EC(der []byte) (*ecdsa.PrivateKey, asn1.ObjectIdentifier, error) {
	var p pkcs8
	if _, err := asn1.Unmarshal(der, &p); err != nil {
		return nil, nil, err
	}
	if !p.Algorithm.Algorithm.Equal(OIDECPublicKey) {
		return nil, nil, errs.New(errs.UnsupportedKeyFormat)
	}
	var curveOID asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(p.Algorithm.Parameters.FullBytes, &curveOID); err != nil {
		return nil, nil, errs.NewDetails(errs.UnsupportedKeyFormat, "missing curve OID parameter")
	}
	key, err := x509.ParseECPrivateKey(p.PrivateKey)
	if err != nil {
		return nil, nil, errs.Wrap(errs.UnsupportedKeyFormat, err)
	}
	return key, curveOID, nil
}

// ImportEd25519PrivateKey parses a PKCS#8 PrivateKeyInfo with OID
// 1.3.101.112 and no parameters, whose inner octet string is `04 20 ||
// raw32` (an OCTET STRING wrapping the 32 raw private key bytes).
func ImportEd25519PrivateKey(der []byte) (ed25519.PrivateKey, error) {
	raw, err := importCurve25519Inner(der, OIDEd25519)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// ImportX25519PrivateKey parses a PKCS#8 PrivateKeyInfo with OID
// 1.3.101.110 (X25519), same inner shape as Ed25519.
func ImportX25519PrivateKey(der []byte) ([]byte, error) {
	return importCurve25519Inner(der, OIDX25519)
}

func importCurve25519Inner(der []byte, wantOID asn1.ObjectIdentifier) ([]byte, error) {
	var p pkcs8
	if _, err := asn1.Unmarshal(der, &p); err != nil {
		return nil, errs.Wrap(errs.UnsupportedKeyFormat, err)
	}
	if !p.Algorithm.Algorithm.Equal(wantOID) {
		return nil, errs.New(errs.UnsupportedKeyFormat)
	}
	if len(p.Algorithm.Parameters.FullBytes) != 0 {
		return nil, errs.NewDetails(errs.UnsupportedKeyFormat, "unexpected algorithm parameters")
	}
	// inner = 04 20 || raw32 (an OCTET STRING of an OCTET STRING)
	var raw []byte
	if _, err := asn1.Unmarshal(p.PrivateKey, &raw); err != nil {
		return nil, errs.Wrap(errs.UnsupportedKeyFormat, err)
	}
	if len(raw) != 32 {
		return nil, errs.NewDetails(errs.InvalidInputLength, "expected 32-byte private key")
	}
	return raw, nil
}

// WrapBareECPrivateKeyAsPKCS8 synthesizes a PKCS#8 PrivateKeyInfo wrapper
// around a bare SEC1 ECPrivateKey, prepending version and algorithm
// identifier, per spec.md §4.A.
func WrapBareECPrivateKeyAsPKCS8(curve Curve, sec1 []byte) ([]byte, error) {
	oid, err := oidForCurve(curve)
	if err != nil {
		return nil, err
	}
	paramBytes, err := asn1.Marshal(oid)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	p := pkcs8{
		Version: 0,
		Algorithm: pkixAlgorithmIdentifier{
			Algorithm:  OIDECPublicKey,
			Parameters: asn1.RawValue{FullBytes: paramBytes},
		},
		PrivateKey: sec1,
	}
	out, err := asn1.Marshal(p)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	return out, nil
}

func oidForCurve(curve Curve) (asn1.ObjectIdentifier, error) {
	switch curve {
	case CurveP224:
		return OIDP224, nil
	case CurveP256:
		return OIDP256, nil
	case CurveP384:
		return OIDP384, nil
	case CurveP521:
		return OIDP521, nil
	default:
		return nil, errs.New(errs.UnsupportedEcCurve)
	}
}

// WrapCurve25519PrivateKeyAsPKCS8 synthesizes a PKCS#8 wrapper around a raw
// 32-byte Ed25519 or X25519 private key.
func WrapCurve25519PrivateKeyAsPKCS8(oid asn1.ObjectIdentifier, raw []byte) ([]byte, error) {
	if len(raw) != 32 {
		return nil, errs.NewDetails(errs.InvalidInputLength, "expected 32-byte private key")
	}
	inner, err := asn1.Marshal(raw)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	p := pkcs8{
		Version:    0,
		Algorithm:  pkixAlgorithmIdentifier{Algorithm: oid},
		PrivateKey: inner,
	}
	out, err := asn1.Marshal(p)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	return out, nil
}

// SubjectPublicKeyInfoDER encodes a public key (RSA, ECDSA, or Ed25519) as a
// full X.509 SubjectPublicKeyInfo — used when building a certificate's
// tbsCertificate or a peer key-agreement input, as distinct from the raw
// SEC1/PKCS#1 encodings component C's SubjectPublicKey export produces.
func SubjectPublicKeyInfoDER(pub any) ([]byte, error) {
	out, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	return out, nil
}

// ParsePKCS8RSAPrivateKey parses a standard PKCS#8 PrivateKeyInfo wrapping
// an RSA key. Unlike the NIST-curve and Curve25519 paths above, the
// standard library's own PKCS#8 parser already handles RSA's shape
// natively, so no hand-rolled ASN.1 walk is needed here.
func ParsePKCS8RSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errs.Wrap(errs.UnsupportedKeyFormat, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.New(errs.UnsupportedKeyFormat)
	}
	return rsaKey, nil
}

// WrapRSAPrivateKeyAsPKCS8 encodes an RSA private key as PKCS#8.
func WrapRSAPrivateKeyAsPKCS8(key *rsa.PrivateKey) ([]byte, error) {
	out, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	return out, nil
}

// ParseSubjectPublicKeyInfo parses a DER SubjectPublicKeyInfo.
func ParseSubjectPublicKeyInfo(der []byte) (any, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errs.Wrap(errs.UnsupportedKeyFormat, fmt.Errorf("parsing SubjectPublicKeyInfo: %w", err))
	}
	return pub, nil
}
