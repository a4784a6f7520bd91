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

// wireKeyMaterial is the CBOR-serializable shape keymaterial.KeyMaterial
// is flattened to before sealing, since the live Go key objects
// (*ecdsa.PrivateKey, *rsa.PrivateKey, ...) are not themselves
// self-describing CBOR values.
type wireKeyMaterial struct {
	Kind      string
	PKCS8     []byte
	Curve     pkix.Curve
	CurveType keymaterial.CurveType
	Bytes     []byte
	Variant   keymaterial.AESVariant
}

const (
	kindRSA       = "rsa"
	kindEC        = "ec"
	kindAES       = "aes"
	kindTripleDES = "3des"
	kindHMAC      = "hmac"
)

func toWireKeyMaterial(km keymaterial.KeyMaterial) (wireKeyMaterial, error) {
	switch m := km.(type) {
	case keymaterial.RSAMaterial:
		pkcs8 := m.PKCS8
		if len(pkcs8) == 0 {
			priv, ok := m.Private.(*rsa.PrivateKey)
			if !ok {
				return wireKeyMaterial{}, errs.New(errs.UnsupportedKeyFormat)
			}
			der, err := pkix.WrapRSAPrivateKeyAsPKCS8(priv)
			if err != nil {
				return wireKeyMaterial{}, err
			}
			pkcs8 = der
		}
		return wireKeyMaterial{Kind: kindRSA, PKCS8: pkcs8}, nil
	case keymaterial.ECMaterial:
		switch m.CurveType {
		case keymaterial.CurveTypeNIST:
			priv, ok := m.Key.(*ecdsa.PrivateKey)
			if !ok {
				return wireKeyMaterial{}, errs.New(errs.UnsupportedKeyFormat)
			}
			sec1, err := x509.MarshalECPrivateKey(priv)
			if err != nil {
				return wireKeyMaterial{}, errs.Wrap(errs.EncodingError, err)
			}
			der, err := pkix.WrapBareECPrivateKeyAsPKCS8(m.Curve, sec1)
			if err != nil {
				return wireKeyMaterial{}, err
			}
			return wireKeyMaterial{Kind: kindEC, CurveType: m.CurveType, Curve: m.Curve, PKCS8: der}, nil
		case keymaterial.CurveTypeEdDSA:
			priv, ok := m.Key.(ed25519.PrivateKey)
			if !ok {
				return wireKeyMaterial{}, errs.New(errs.UnsupportedKeyFormat)
			}
			der, err := pkix.WrapCurve25519PrivateKeyAsPKCS8(pkix.OIDEd25519, priv.Seed())
			if err != nil {
				return wireKeyMaterial{}, err
			}
			return wireKeyMaterial{Kind: kindEC, CurveType: m.CurveType, PKCS8: der}, nil
		case keymaterial.CurveTypeXDH:
			raw, ok := m.Key.([]byte)
			if !ok {
				return wireKeyMaterial{}, errs.New(errs.UnsupportedKeyFormat)
			}
			der, err := pkix.WrapCurve25519PrivateKeyAsPKCS8(pkix.OIDX25519, raw)
			if err != nil {
				return wireKeyMaterial{}, err
			}
			return wireKeyMaterial{Kind: kindEC, CurveType: m.CurveType, PKCS8: der}, nil
		}
		return wireKeyMaterial{}, errs.New(errs.UnsupportedKeyFormat)
	case keymaterial.AESMaterial:
		return wireKeyMaterial{Kind: kindAES, Bytes: m.Bytes, Variant: m.Variant}, nil
	case keymaterial.TripleDESMaterial:
		return wireKeyMaterial{Kind: kindTripleDES, Bytes: m.Bytes}, nil
	case keymaterial.HMACMaterial:
		return wireKeyMaterial{Kind: kindHMAC, Bytes: m.Bytes}, nil
	default:
		return wireKeyMaterial{}, errs.New(errs.UnsupportedKeyFormat)
	}
}

func fromWireKeyMaterial(w wireKeyMaterial) (keymaterial.KeyMaterial, error) {
	switch w.Kind {
	case kindRSA:
		priv, err := pkix.ParsePKCS8RSAPrivateKey(w.PKCS8)
		if err != nil {
			return nil, err
		}
		return keymaterial.RSAMaterial{PKCS8: w.PKCS8, Private: priv, Public: &priv.PublicKey}, nil
	case kindEC:
		switch w.CurveType {
		case keymaterial.CurveTypeNIST:
			imported, err := pkix.ImportECPrivateKey(w.PKCS8)
			if err != nil {
				return nil, err
			}
			return keymaterial.ECMaterial{Curve: imported.Curve, CurveType: keymaterial.CurveTypeNIST, Key: imported.Key}, nil
		case keymaterial.CurveTypeEdDSA:
			priv, err := pkix.ImportEd25519PrivateKey(w.PKCS8)
			if err != nil {
				return nil, err
			}
			return keymaterial.ECMaterial{CurveType: keymaterial.CurveTypeEdDSA, Key: priv}, nil
		case keymaterial.CurveTypeXDH:
			raw, err := pkix.ImportX25519PrivateKey(w.PKCS8)
			if err != nil {
				return nil, err
			}
			return keymaterial.ECMaterial{CurveType: keymaterial.CurveTypeXDH, Key: raw}, nil
		}
		return nil, errs.New(errs.UnsupportedKeyFormat)
	case kindAES:
		return keymaterial.AESMaterial{Variant: w.Variant, Bytes: w.Bytes}, nil
	case kindTripleDES:
		return keymaterial.TripleDESMaterial{Bytes: w.Bytes}, nil
	case kindHMAC:
		return keymaterial.HMACMaterial{Bytes: w.Bytes}, nil
	default:
		return nil, errs.New(errs.UnsupportedKeyFormat)
	}
}

// wireKeyBlob is the CBOR wire shape of a PlaintextKeyBlob.
type wireKeyBlob struct {
	Characteristics []wireKeyCharacteristics
	KeyMaterial     wireKeyMaterial
}

type wireKeyCharacteristics struct {
	SecurityLevel  pkix.SecurityLevel
	Authorizations []KeyParameter
}

func toWireKeyBlob(blob PlaintextKeyBlob) (wireKeyBlob, error) {
	km, ok := blob.KeyMaterial.(keymaterial.KeyMaterial)
	if !ok {
		return wireKeyBlob{}, errs.New(errs.UnsupportedKeyFormat)
	}
	wkm, err := toWireKeyMaterial(km)
	if err != nil {
		return wireKeyBlob{}, err
	}
	chars := make([]wireKeyCharacteristics, len(blob.Characteristics))
	for i, c := range blob.Characteristics {
		chars[i] = wireKeyCharacteristics{SecurityLevel: c.SecurityLevel, Authorizations: c.Authorizations}
	}
	return wireKeyBlob{Characteristics: chars, KeyMaterial: wkm}, nil
}

func fromWireKeyBlob(w wireKeyBlob) (PlaintextKeyBlob, error) {
	km, err := fromWireKeyMaterial(w.KeyMaterial)
	if err != nil {
		return PlaintextKeyBlob{}, err
	}
	chars := make([]KeyCharacteristics, len(w.Characteristics))
	for i, c := range w.Characteristics {
		chars[i] = KeyCharacteristics{SecurityLevel: c.SecurityLevel, Authorizations: c.Authorizations}
	}
	return PlaintextKeyBlob{Characteristics: chars, KeyMaterial: km}, nil
}
