// Package keymaterial implements the in-memory key-material store: a
// closed, tagged-union representation of every key shape the core
// operates on, and the Opaque-or-Explicit wrapper that lets the same
// operation machines in pkg/keyops drive either a software key or one
// deferred to an external HSM collaborator (spec component C).
package keymaterial

import (
	"crypto/ecdsa"
	"crypto/ed25519"

	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/pkix"
)

// CurveType distinguishes the three families an EC KeyMaterial entry can
// carry, since NIST curves, Ed25519, and X25519 use entirely different key
// object shapes internally even though all three are "EC" in the closed
// enumeration of §3.
type CurveType int

const (
	CurveTypeNIST CurveType = iota
	CurveTypeEdDSA
	CurveTypeXDH
)

// AESVariant names a key's AES bit width.
type AESVariant int

const (
	AES128 AESVariant = 16
	AES192 AESVariant = 24
	AES256 AESVariant = 32
)

// KeyMaterial is the sealed tagged sum of §3: RSA, EC (further split by
// CurveType), AES, 3-DES, and HMAC. Only the types in this file implement
// it.
type KeyMaterial interface {
	isKeyMaterial()
}

// RSAMaterial carries an RSA key by its PKCS#8 encoding plus the parsed
// key for operation use.
type RSAMaterial struct {
	PKCS8   []byte
	Private any // *rsa.PrivateKey, or nil if only the public half is held
	Public  any // *rsa.PublicKey
}

func (RSAMaterial) isKeyMaterial() {}

// ECMaterial carries an EC key of any of the three supported families.
// Key holds *ecdsa.PrivateKey for NIST, ed25519.PrivateKey for EdDSA, or a
// raw 32-byte X25519 private scalar for XDH.
type ECMaterial struct {
	Curve     pkix.Curve // meaningful only when CurveType == CurveTypeNIST
	CurveType CurveType
	Key       any
}

func (ECMaterial) isKeyMaterial() {}

// AESMaterial carries a raw AES key.
type AESMaterial struct {
	Variant AESVariant
	Bytes   []byte
}

func (AESMaterial) isKeyMaterial() {}

// TripleDESMaterial carries a raw 24-byte 3-DES key.
type TripleDESMaterial struct {
	Bytes []byte
}

func (TripleDESMaterial) isKeyMaterial() {}

// HMACMaterial carries a raw HMAC key of any length.
type HMACMaterial struct {
	Bytes []byte
}

func (HMACMaterial) isKeyMaterial() {}

// SubjectPublicKey implements the subject_public_key export of §4.C: SEC1
// uncompressed for NIST EC, raw bytes for Ed25519/X25519, and a DER
// `SEQUENCE { modulus, publicExponent }` for RSA.
func SubjectPublicKey(km KeyMaterial) ([]byte, error) {
	switch m := km.(type) {
	case ECMaterial:
		switch m.CurveType {
		case CurveTypeNIST:
			priv, ok := m.Key.(*ecdsa.PrivateKey)
			if !ok {
				return nil, errs.New(errs.UnsupportedKeyFormat)
			}
			return pkix.SubjectPublicKeyBytes(&priv.PublicKey)
		case CurveTypeEdDSA:
			priv, ok := m.Key.(ed25519.PrivateKey)
			if !ok {
				return nil, errs.New(errs.UnsupportedKeyFormat)
			}
			return pkix.SubjectPublicKeyBytes(priv.Public().(ed25519.PublicKey))
		case CurveTypeXDH:
			raw, ok := m.Key.([]byte)
			if !ok || len(raw) != 32 {
				return nil, errs.New(errs.UnsupportedKeyFormat)
			}
			return x25519PublicFromPrivate(raw)
		default:
			return nil, errs.New(errs.UnsupportedKeyFormat)
		}
	case RSAMaterial:
		return pkix.SubjectPublicKeyBytes(m.Public)
	default:
		return nil, errs.NewDetails(errs.UnsupportedKeyFormat, "symmetric key material has no subject public key")
	}
}
