package cose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"

	"github.com/siros-tee/authcore/pkg/errs"
)

// Key is a COSE_Key object (RFC 8152 §7), restricted to the two shapes this
// spec needs: EC2 (NIST curves) and OKP (Ed25519/X25519).
type Key struct {
	Kty int64  `cbor:"1,keyasint"`
	Alg int64  `cbor:"3,keyasint,omitempty"`
	Crv int64  `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint,omitempty"`
}

// Bytes CBOR-encodes the key.
func (k *Key) Bytes() ([]byte, error) {
	return cbor.Marshal(k)
}

// DecodeKey parses CBOR bytes into a Key and validates its key-type,
// algorithm, and curve parameters against the expected values before the
// caller extracts coordinates, as spec.md §4.A requires.
func DecodeKey(data []byte, wantKty, wantAlg, wantCrv int64) (*Key, error) {
	var k Key
	if err := cbor.Unmarshal(data, &k); err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	if k.Kty != wantKty {
		return nil, errs.NewDetails(errs.UnsupportedKeyFormat, fmt.Sprintf("expected kty %d, got %d", wantKty, k.Kty))
	}
	if wantAlg != 0 && k.Alg != 0 && k.Alg != wantAlg {
		return nil, errs.NewDetails(errs.UnsupportedKeyFormat, fmt.Sprintf("expected alg %d, got %d", wantAlg, k.Alg))
	}
	if k.Crv != wantCrv {
		return nil, errs.NewDetails(errs.UnsupportedEcCurve, fmt.Sprintf("expected curve %d, got %d", wantCrv, k.Crv))
	}
	return &k, nil
}

// ToECDSAPublicKey reconstructs a public point on the named NIST group from
// an EC2 COSE_Key's big-endian x/y coordinates.
func (k *Key) ToECDSAPublicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != KeyTypeEC2 {
		return nil, errs.New(errs.UnsupportedKeyFormat)
	}
	var curve elliptic.Curve
	switch k.Crv {
	case CurveP256:
		curve = elliptic.P256()
	case CurveP384:
		curve = elliptic.P384()
	case CurveP521:
		curve = elliptic.P521()
	default:
		return nil, errs.New(errs.UnsupportedEcCurve)
	}
	coordLen, err := CoordLen(k.Crv)
	if err != nil {
		return nil, err
	}
	if len(k.X) != coordLen || len(k.Y) != coordLen {
		return nil, errs.New(errs.InvalidInputLength)
	}
	pub := &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(k.X),
		Y:     new(big.Int).SetBytes(k.Y),
	}
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errs.NewDetails(errs.InvalidArgument, "point not on curve")
	}
	return pub, nil
}

// ToEd25519PublicKey extracts the raw 32-byte Ed25519 public key from an
// OKP COSE_Key.
func (k *Key) ToEd25519PublicKey() (ed25519.PublicKey, error) {
	if k.Kty != KeyTypeOKP || k.Crv != CurveEd25519 {
		return nil, errs.New(errs.UnsupportedKeyFormat)
	}
	if len(k.X) != ed25519.PublicKeySize {
		return nil, errs.NewDetails(errs.InvalidInputLength, "expected 32-byte Ed25519 public key")
	}
	return ed25519.PublicKey(k.X), nil
}

// ToX25519PublicKey extracts the raw 32-byte X25519 public key from an OKP
// COSE_Key.
func (k *Key) ToX25519PublicKey() ([]byte, error) {
	if k.Kty != KeyTypeOKP || k.Crv != CurveX25519 {
		return nil, errs.New(errs.UnsupportedKeyFormat)
	}
	if len(k.X) != 32 {
		return nil, errs.NewDetails(errs.InvalidInputLength, "expected 32-byte X25519 public key")
	}
	return append([]byte(nil), k.X...), nil
}

// FromECDSAPublicKey builds an EC2 COSE_Key from an ECDSA public key.
func FromECDSAPublicKey(pub *ecdsa.PublicKey) (*Key, error) {
	var crv int64
	switch pub.Curve {
	case elliptic.P256():
		crv = CurveP256
	case elliptic.P384():
		crv = CurveP384
	case elliptic.P521():
		crv = CurveP521
	default:
		return nil, errs.New(errs.UnsupportedEcCurve)
	}
	coordLen, err := CoordLen(crv)
	if err != nil {
		return nil, err
	}
	x, err := EncodeNISTPoint(padTo(pub.X.Bytes(), coordLen), padTo(pub.Y.Bytes(), coordLen), coordLen)
	if err != nil {
		return nil, err
	}
	// x here is the full SEC1 point; split back out for the COSE_Key shape.
	return &Key{Kty: KeyTypeEC2, Crv: crv, X: x[1 : 1+coordLen], Y: x[1+coordLen:]}, nil
}

// FromEd25519PublicKey builds an OKP COSE_Key from an Ed25519 public key.
func FromEd25519PublicKey(pub ed25519.PublicKey) *Key {
	return &Key{Kty: KeyTypeOKP, Crv: CurveEd25519, X: append([]byte(nil), pub...)}
}

// PublicKey reconstructs the appropriate crypto.PublicKey for this key's
// shape (EC2 NIST curve or OKP Ed25519), the generic counterpart to
// ToECDSAPublicKey/ToEd25519PublicKey for callers that dispatch on Kty
// rather than knowing the shape ahead of time (DICE chain-node signature
// verification, signed ConnectionRequest verification).
func (k *Key) PublicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case KeyTypeEC2:
		return k.ToECDSAPublicKey()
	case KeyTypeOKP:
		switch k.Crv {
		case CurveEd25519:
			return k.ToEd25519PublicKey()
		default:
			return nil, errs.New(errs.UnsupportedKeyFormat)
		}
	default:
		return nil, errs.New(errs.UnsupportedKeyFormat)
	}
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// AlgorithmForKey returns the COSE algorithm identifier appropriate for a
// key or signer's public half.
func AlgorithmForKey(key any) (int64, error) {
	if signer, ok := key.(crypto.Signer); ok {
		key = signer.Public()
	}
	switch k := key.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return AlgorithmES256, nil
		case elliptic.P384():
			return AlgorithmES384, nil
		case elliptic.P521():
			return AlgorithmES512, nil
		default:
			return 0, errs.New(errs.UnsupportedEcCurve)
		}
	case ed25519.PublicKey:
		return AlgorithmEdDSA, nil
	default:
		return 0, errs.NewDetails(errs.UnsupportedKeyFormat, fmt.Sprintf("%T", key))
	}
}
