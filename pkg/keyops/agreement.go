package keyops

import (
	"crypto/ecdsa"
	"encoding/asn1"

	"golang.org/x/crypto/curve25519"

	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/pkix"
)

// ECAgreementOperation is the AccumulatingOperation implementing
// begin_agree: the accumulated input is a peer SubjectPublicKeyInfo (DER),
// and Finish derives the shared secret under the local key's curve.
type ECAgreementOperation struct {
	localNIST *ecdsa.PrivateKey
	localX25519 []byte
	buf         []byte
}

// NewNISTAgreementOperation constructs an agreement operation bound to a
// local NIST EC private key.
func NewNISTAgreementOperation(local *ecdsa.PrivateKey) *ECAgreementOperation {
	return &ECAgreementOperation{localNIST: local}
}

// NewX25519AgreementOperation constructs an agreement operation bound to a
// local raw 32-byte X25519 private key.
func NewX25519AgreementOperation(local []byte) *ECAgreementOperation {
	return &ECAgreementOperation{localX25519: local}
}

// Update accumulates the peer's DER-encoded SubjectPublicKeyInfo.
func (o *ECAgreementOperation) Update(data []byte) error {
	o.buf = append(o.buf, data...)
	return nil
}

// Finish parses the accumulated peer SubjectPublicKeyInfo and performs key
// agreement under the local key's curve. A peer key on a different curve
// family is rejected with InvalidArgument.
func (o *ECAgreementOperation) Finish() ([]byte, error) {
	if o.localX25519 != nil {
		return o.finishX25519()
	}
	return o.finishNIST()
}

func (o *ECAgreementOperation) finishX25519() ([]byte, error) {
	peerRaw, err := x25519RawFromSPKI(o.buf)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(o.localX25519, peerRaw)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err)
	}
	return shared, nil
}

func (o *ECAgreementOperation) finishNIST() ([]byte, error) {
	pub, err := pkix.ParseSubjectPublicKeyInfo(o.buf)
	if err != nil {
		return nil, err
	}
	peerECDSA, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errs.NewDetails(errs.InvalidArgument, "cross-curve peer key rejected")
	}
	if peerECDSA.Curve != o.localNIST.Curve {
		return nil, errs.NewDetails(errs.InvalidArgument, "peer key curve does not match local key curve")
	}

	localECDH, err := o.localNIST.ECDH()
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	peerECDH, err := peerECDSA.ECDH()
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err)
	}
	shared, err := localECDH.ECDH(peerECDH)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err)
	}
	return shared, nil
}

// x25519RawFromSPKI extracts the raw 32-byte X25519 public key from a DER
// SubjectPublicKeyInfo. The BIT STRING payload is located with a minimal
// local SPKI walk that accepts only the X25519 OID.
func x25519RawFromSPKI(der []byte) ([]byte, error) {
	raw, err := parseX25519SPKIBitString(der)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, errs.NewDetails(errs.InvalidInputLength, "expected 32-byte X25519 public key")
	}
	return raw, nil
}

var oidX25519 = asn1.ObjectIdentifier{1, 3, 101, 110}

type spkiAlgorithmIdentifier struct {
	Algorithm asn1.ObjectIdentifier
}

type subjectPublicKeyInfo struct {
	Algorithm spkiAlgorithmIdentifier
	PublicKey asn1.BitString
}

// parseX25519SPKIBitString parses a minimal SubjectPublicKeyInfo holding
// an X25519 OID, returning the raw key bytes carried in its BIT STRING.
func parseX25519SPKIBitString(der []byte) ([]byte, error) {
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, errs.Wrap(errs.UnsupportedKeyFormat, err)
	}
	if !spki.Algorithm.Algorithm.Equal(oidX25519) {
		return nil, errs.NewDetails(errs.InvalidArgument, "cross-curve peer key rejected")
	}
	return spki.PublicKey.RightAlign(), nil
}
