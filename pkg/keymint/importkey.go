package keymint

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"

	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/keymaterial"
	"github.com/siros-tee/authcore/pkg/pkix"
)

// KeyFormat names the wire encoding Import's raw material arrives in.
type KeyFormat int

const (
	FormatPKCS8 KeyFormat = iota
	FormatRawEd25519
	FormatRawX25519
	FormatRawAES
	FormatRawTripleDES
	FormatRawHMAC
)

// EarlyBoot reports whether this TA instance is still within the early
// boot window, gating EarlyBootOnly-tagged keys.
type EarlyBoot interface {
	Ended() bool
}

// Import implements spec.md §4.F's Import operation: parse the raw key
// material (PKCS#8 for asymmetric keys, raw bytes for symmetric and
// Curve25519 keys), tag its origin, and run the common keyblob-creation
// procedure.
func Import(params []KeyParameter, format KeyFormat, data []byte, secure bool, earlyBoot EarlyBoot, ctx GenerateContext) (*Result, error) {
	if p, ok := find(params, TagEarlyBootOnly); ok && boolValue(p, ok) {
		if earlyBoot != nil && earlyBoot.Ended() {
			return nil, errs.New(errs.EarlyBootEnded)
		}
	}

	km, err := importKeyMaterial(format, data)
	if err != nil {
		return nil, err
	}

	origin := OriginImported
	if secure {
		origin = OriginSecurelyImported
	}

	allParams := append(append([]KeyParameter(nil), params...), KeyParameter{
		Tag:   MakeTag(TagOrigin, ParamTypeEnum),
		Value: uint64(origin),
	}, KeyParameter{
		Tag:   MakeTag(TagCreationDatetime, ParamTypeDate),
		Value: uint64(ctx.now().UnixMilli()),
	})

	return buildKeyBlob(km, allParams, ctx)
}

func importKeyMaterial(format KeyFormat, data []byte) (keymaterial.KeyMaterial, error) {
	switch format {
	case FormatPKCS8:
		return importPKCS8(data)
	case FormatRawEd25519:
		if len(data) != ed25519.SeedSize {
			return nil, errs.NewDetails(errs.InvalidInputLength, "Ed25519 raw key must be 32 bytes")
		}
		return keymaterial.ECMaterial{CurveType: keymaterial.CurveTypeEdDSA, Key: ed25519.NewKeyFromSeed(data)}, nil
	case FormatRawX25519:
		if len(data) != 32 {
			return nil, errs.NewDetails(errs.InvalidInputLength, "X25519 raw key must be 32 bytes")
		}
		return keymaterial.ECMaterial{CurveType: keymaterial.CurveTypeXDH, Key: append([]byte(nil), data...)}, nil
	case FormatRawAES:
		variant := keymaterial.AESVariant(len(data))
		switch variant {
		case keymaterial.AES128, keymaterial.AES192, keymaterial.AES256:
		default:
			return nil, errs.New(errs.UnsupportedKeySize)
		}
		return keymaterial.AESMaterial{Variant: variant, Bytes: append([]byte(nil), data...)}, nil
	case FormatRawTripleDES:
		if len(data) != 24 {
			return nil, errs.NewDetails(errs.InvalidInputLength, "3-DES key must be 24 bytes")
		}
		return keymaterial.TripleDESMaterial{Bytes: append([]byte(nil), data...)}, nil
	case FormatRawHMAC:
		if len(data) == 0 {
			return nil, errs.New(errs.InvalidInputLength)
		}
		return keymaterial.HMACMaterial{Bytes: append([]byte(nil), data...)}, nil
	default:
		return nil, errs.New(errs.InvalidArgument)
	}
}

// importPKCS8 tries, in order, RSA, NIST EC, Ed25519, and X25519 PKCS#8
// shapes, since the wire format carries no separate algorithm tag of its
// own — the PKCS#8 AlgorithmIdentifier is the only signal.
func importPKCS8(der []byte) (keymaterial.KeyMaterial, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return keymaterial.RSAMaterial{PKCS8: der, Private: k, Public: &k.PublicKey}, nil
		case ed25519.PrivateKey:
			return keymaterial.ECMaterial{CurveType: keymaterial.CurveTypeEdDSA, Key: k}, nil
		case *ecdsa.PrivateKey:
			curve, cerr := curveFromStdlibName(k.Curve.Params().Name)
			if cerr != nil {
				return nil, cerr
			}
			return keymaterial.ECMaterial{Curve: curve, CurveType: keymaterial.CurveTypeNIST, Key: k}, nil
		}
	}

	if imported, err := pkix.ImportECPrivateKey(der); err == nil {
		return keymaterial.ECMaterial{Curve: imported.Curve, CurveType: keymaterial.CurveTypeNIST, Key: imported.Key}, nil
	}
	if raw, err := pkix.ImportX25519PrivateKey(der); err == nil {
		return keymaterial.ECMaterial{CurveType: keymaterial.CurveTypeXDH, Key: raw}, nil
	}
	return nil, errs.New(errs.UnsupportedKeyFormat)
}

func curveFromStdlibName(name string) (pkix.Curve, error) {
	switch name {
	case "P-224":
		return pkix.CurveP224, nil
	case "P-256":
		return pkix.CurveP256, nil
	case "P-384":
		return pkix.CurveP384, nil
	case "P-521":
		return pkix.CurveP521, nil
	default:
		return pkix.CurveUnknown, errs.New(errs.UnsupportedEcCurve)
	}
}
