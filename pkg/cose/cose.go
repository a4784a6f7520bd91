// Package cose implements the COSE⇄DER ECDSA signature conversion, SEC1
// uncompressed point (de)coding, and COSE_Key decoding that make up the
// serialization kernel's wire-format half (spec component A).
package cose

import (
	"fmt"
	"math"
	"math/big"

	"github.com/siros-tee/authcore/pkg/errs"
)

// COSE algorithm identifiers, per RFC 8152.
const (
	AlgorithmES256 int64 = -7
	AlgorithmES384 int64 = -35
	AlgorithmES512 int64 = -36
	AlgorithmEdDSA int64 = -8
)

// COSE_Key type/curve labels, per RFC 8152.
const (
	KeyTypeEC2 int64 = 2
	KeyTypeOKP int64 = 1

	CurveP224 int64 = 8 // RFC 8812
	CurveP256 int64 = 1
	CurveP384 int64 = 2
	CurveP521 int64 = 3

	CurveEd25519 int64 = 6
	CurveX25519  int64 = 4
)

// CoordLen returns the fixed coordinate length, in bytes, for a NIST curve
// named by its COSE curve identifier.
func CoordLen(curve int64) (int, error) {
	switch curve {
	case CurveP224:
		return 28, nil
	case CurveP256:
		return 32, nil
	case CurveP384:
		return 48, nil
	case CurveP521:
		return 66, nil
	default:
		return 0, errs.New(errs.UnsupportedEcCurve)
	}
}

// CoseToDER converts a fixed-length COSE ECDSA signature (r‖s, each
// left-padded to coordLen) into a DER ASN.1 ECDSA-Sig-Value.
func CoseToDER(coordLen int, sig []byte) ([]byte, error) {
	if len(sig) != 2*coordLen {
		return nil, errs.NewDetails(errs.InvalidInputLength, fmt.Sprintf("cose signature must be %d bytes, got %d", 2*coordLen, len(sig)))
	}
	r := new(big.Int).SetBytes(sig[:coordLen])
	s := new(big.Int).SetBytes(sig[coordLen:])
	return encodeDERSigValue(r, s), nil
}

// DERToCose converts a DER ASN.1 ECDSA-Sig-Value into a fixed-length COSE
// ECDSA signature (r‖s, each left-padded to coordLen).
func DERToCose(coordLen int, der []byte) ([]byte, error) {
	if coordLen > math.MaxInt32 {
		return nil, errs.New(errs.InvalidArgument)
	}
	r, s, err := decodeDERSigValue(der)
	if err != nil {
		return nil, err
	}
	if r.BitLen() > coordLen*8 || s.BitLen() > coordLen*8 {
		return nil, errs.NewDetails(errs.EncodingError, "integer bit length overflow for coord_len")
	}

	out := make([]byte, 2*coordLen)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(out[coordLen-len(rBytes):coordLen], rBytes)
	copy(out[2*coordLen-len(sBytes):], sBytes)
	return out, nil
}

// encodeDERSigValue encodes SEQUENCE { r INTEGER, s INTEGER } with minimal
// INTEGER encoding (a leading 0x00 octet only when the high bit of the
// first content byte would otherwise be set).
func encodeDERSigValue(r, s *big.Int) []byte {
	rEnc := encodeDERInteger(r)
	sEnc := encodeDERInteger(s)

	content := make([]byte, 0, len(rEnc)+len(sEnc))
	content = append(content, rEnc...)
	content = append(content, sEnc...)

	out := make([]byte, 0, len(content)+4)
	out = append(out, 0x30)
	out = appendDERLength(out, len(content))
	out = append(out, content...)
	return out
}

func encodeDERInteger(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) == 0 {
		b = []byte{0x00}
	}
	if b[0]&0x80 != 0 {
		padded := make([]byte, len(b)+1)
		copy(padded[1:], b)
		b = padded
	}
	out := make([]byte, 0, len(b)+2)
	out = append(out, 0x02)
	out = appendDERLength(out, len(b))
	out = append(out, b...)
	return out
}

func appendDERLength(out []byte, n int) []byte {
	if n < 0x80 {
		return append(out, byte(n))
	}
	var lenBytes []byte
	for n > 0 {
		lenBytes = append([]byte{byte(n & 0xff)}, lenBytes...)
		n >>= 8
	}
	out = append(out, 0x80|byte(len(lenBytes)))
	return append(out, lenBytes...)
}

// decodeDERSigValue parses and strictly validates SEQUENCE { r INTEGER,
// s INTEGER }: the outer length must exactly match the remaining payload,
// and neither INTEGER may carry a superfluous leading 0x00.
func decodeDERSigValue(der []byte) (r, s *big.Int, err error) {
	p := &derParser{data: der}

	seqLen, err := p.readTagAndLength(0x30)
	if err != nil {
		return nil, nil, err
	}
	if p.pos+seqLen != len(der) {
		return nil, nil, errs.NewDetails(errs.EncodingError, "SEQUENCE length disagrees with payload")
	}

	r, err = p.readInteger()
	if err != nil {
		return nil, nil, err
	}
	s, err = p.readInteger()
	if err != nil {
		return nil, nil, err
	}
	if p.pos != len(der) {
		return nil, nil, errs.NewDetails(errs.EncodingError, "trailing bytes after ECDSA-Sig-Value")
	}
	return r, s, nil
}

type derParser struct {
	data []byte
	pos  int
}

func (p *derParser) readTagAndLength(wantTag byte) (length int, err error) {
	if p.pos >= len(p.data) {
		return 0, errs.New(errs.EncodingError)
	}
	if p.data[p.pos] != wantTag {
		return 0, errs.NewDetails(errs.EncodingError, fmt.Sprintf("expected tag 0x%02x, got 0x%02x", wantTag, p.data[p.pos]))
	}
	p.pos++
	return p.readLength()
}

func (p *derParser) readLength() (int, error) {
	if p.pos >= len(p.data) {
		return 0, errs.New(errs.EncodingError)
	}
	first := p.data[p.pos]
	p.pos++
	if first&0x80 == 0 {
		return int(first), nil
	}
	numBytes := int(first & 0x7f)
	if numBytes == 0 || numBytes > 4 {
		return 0, errs.NewDetails(errs.EncodingError, "unsupported DER length form")
	}
	if p.pos+numBytes > len(p.data) {
		return 0, errs.New(errs.EncodingError)
	}
	length := 0
	for i := 0; i < numBytes; i++ {
		length = length<<8 | int(p.data[p.pos])
		p.pos++
	}
	if length < 0x80 {
		return 0, errs.NewDetails(errs.EncodingError, "non-minimal DER length encoding")
	}
	return length, nil
}

func (p *derParser) readInteger() (*big.Int, error) {
	length, err := p.readTagAndLength(0x02)
	if err != nil {
		return nil, err
	}
	if length == 0 || p.pos+length > len(p.data) {
		return nil, errs.New(errs.EncodingError)
	}
	content := p.data[p.pos : p.pos+length]
	p.pos += length

	if len(content) > 1 && content[0] == 0x00 && content[1]&0x80 == 0 {
		return nil, errs.NewDetails(errs.EncodingError, "superfluous leading 0x00 in DER INTEGER")
	}
	if content[0]&0x80 != 0 {
		return nil, errs.NewDetails(errs.EncodingError, "negative INTEGER not valid for ECDSA-Sig-Value")
	}
	return new(big.Int).SetBytes(content), nil
}

// CoordsFromNIST decodes a SEC1 uncompressed point into its x and y
// coordinates. It rejects any prefix other than 0x04 and any length not
// exactly 1+2*coordLen.
func CoordsFromNIST(pub []byte, coordLen int) (x, y []byte, err error) {
	if len(pub) != 1+2*coordLen {
		return nil, nil, errs.NewDetails(errs.InvalidInputLength, fmt.Sprintf("expected %d bytes, got %d", 1+2*coordLen, len(pub)))
	}
	if pub[0] != 0x04 {
		return nil, nil, errs.NewDetails(errs.UnsupportedKeyFormat, fmt.Sprintf("expected uncompressed point prefix 0x04, got 0x%02x", pub[0]))
	}
	x = append([]byte(nil), pub[1:1+coordLen]...)
	y = append([]byte(nil), pub[1+coordLen:]...)
	return x, y, nil
}

// EncodeNISTPoint encodes x and y (each already coordLen bytes) as a SEC1
// uncompressed point.
func EncodeNISTPoint(x, y []byte, coordLen int) ([]byte, error) {
	if len(x) != coordLen || len(y) != coordLen {
		return nil, errs.New(errs.InvalidInputLength)
	}
	out := make([]byte, 0, 1+2*coordLen)
	out = append(out, 0x04)
	out = append(out, x...)
	out = append(out, y...)
	return out, nil
}
