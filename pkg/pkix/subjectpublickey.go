package pkix

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"

	"github.com/siros-tee/authcore/pkg/errs"
)

// SubjectPublicKeyBytes encodes a public key the way component C's
// export_public_key operation must: a SEC1 uncompressed point for NIST EC
// keys, a PKCS#1 RSAPublicKey SEQUENCE for RSA, and the raw key bytes for
// Ed25519 — never a full SubjectPublicKeyInfo wrapper. X25519 public keys
// are not handled here; any other key type fails with UnsupportedKeyFormat.
func SubjectPublicKeyBytes(pub any) ([]byte, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return elliptic.Marshal(k.Curve, k.X, k.Y), nil
	case *rsa.PublicKey:
		return x509.MarshalPKCS1PublicKey(k), nil
	case ed25519.PublicKey:
		return append([]byte(nil), k...), nil
	default:
		return nil, errs.New(errs.UnsupportedKeyFormat)
	}
}
