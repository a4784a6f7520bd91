package cose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/fxamacker/cbor/v2"

	"github.com/siros-tee/authcore/pkg/errs"
)

// COSE header labels, per RFC 8152 §3.
const (
	HeaderAlgorithm int64 = 1
	HeaderKeyID     int64 = 4
	HeaderX5Chain   int64 = 33
)

// Sign1 is a COSE_Sign1 structure (RFC 8152 §4.2), used both for the
// AuthMgr signed ConnectionRequest and for DICE chain node signatures.
type Sign1 struct {
	Protected   []byte
	Unprotected map[int64]any
	Payload     []byte
	Signature   []byte
}

// MarshalCBOR implements cbor.Marshaler.
func (s *Sign1) MarshalCBOR() ([]byte, error) {
	arr := []any{s.Protected, s.Unprotected, s.Payload, s.Signature}
	return cbor.Marshal(cbor.Tag{Number: 18, Content: arr})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (s *Sign1) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Number != 18 {
		return fmt.Errorf("cose: expected COSE_Sign1 tag 18, got %d", tag.Number)
	}
	arr, ok := tag.Content.([]any)
	if !ok || len(arr) != 4 {
		return fmt.Errorf("cose: invalid COSE_Sign1 structure")
	}
	s.Protected, _ = arr[0].([]byte)
	s.Payload, _ = arr[2].([]byte)
	s.Signature, _ = arr[3].([]byte)
	return nil
}

func sigStructure(protected, externalAAD, payload []byte) ([]byte, error) {
	return cbor.Marshal([]any{"Signature1", protected, externalAAD, payload})
}

// Sign1Detached creates a COSE_Sign1 with the payload detached (not carried
// on the wire) — used for the AuthMgr ConnectionRequest, whose payload is
// reconstructed by the verifier rather than transmitted.
func Sign1Detached(payload []byte, signer crypto.Signer, algorithm int64, externalAAD []byte) (*Sign1, error) {
	protected, err := cbor.Marshal(map[int64]any{HeaderAlgorithm: algorithm})
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	toBeSigned, err := sigStructure(protected, externalAAD, payload)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	sig, err := signPayload(toBeSigned, signer, algorithm)
	if err != nil {
		return nil, err
	}
	return &Sign1{Protected: protected, Signature: sig}, nil
}

// Verify1 verifies a COSE_Sign1 against an externally-supplied payload
// (required when the signature was produced detached).
func Verify1(s *Sign1, payload []byte, pubKey crypto.PublicKey, externalAAD []byte) error {
	var headers map[int64]any
	if err := cbor.Unmarshal(s.Protected, &headers); err != nil {
		return errs.Wrap(errs.EncodingError, err)
	}
	algorithm, err := asInt64(headers[HeaderAlgorithm])
	if err != nil {
		return err
	}
	toBeSigned, err := sigStructure(s.Protected, externalAAD, payload)
	if err != nil {
		return errs.Wrap(errs.EncodingError, err)
	}
	return verifySignature(toBeSigned, s.Signature, pubKey, algorithm)
}

func asInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	default:
		return 0, errs.New(errs.EncodingError)
	}
}

func signPayload(data []byte, signer crypto.Signer, algorithm int64) ([]byte, error) {
	switch algorithm {
	case AlgorithmEdDSA:
		sig, err := signer.Sign(rand.Reader, data, crypto.Hash(0))
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, err)
		}
		return sig, nil
	case AlgorithmES256, AlgorithmES384, AlgorithmES512:
		digest, coordLen, err := digestFor(algorithm, data)
		if err != nil {
			return nil, err
		}
		der, err := signer.Sign(rand.Reader, digest, hashFor(algorithm))
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, err)
		}
		return DERToCose(coordLen, der)
	default:
		return nil, errs.New(errs.UnsupportedKeyFormat)
	}
}

func verifySignature(data, signature []byte, pubKey crypto.PublicKey, algorithm int64) error {
	switch algorithm {
	case AlgorithmES256, AlgorithmES384, AlgorithmES512:
		ecPub, ok := pubKey.(*ecdsa.PublicKey)
		if !ok {
			return errs.New(errs.UnsupportedKeyFormat)
		}
		digest, coordLen, err := digestFor(algorithm, data)
		if err != nil {
			return err
		}
		if len(signature) != 2*coordLen {
			return errs.New(errs.InvalidInputLength)
		}
		der, err := CoseToDER(coordLen, signature)
		if err != nil {
			return err
		}
		r, s, err := decodeDERSigValue(der)
		if err != nil {
			return err
		}
		if !ecdsa.Verify(ecPub, digest, r, s) {
			return errs.New(errs.SignatureVerificationFailed)
		}
		return nil
	case AlgorithmEdDSA:
		edPub, ok := pubKey.(ed25519.PublicKey)
		if !ok {
			return errs.New(errs.UnsupportedKeyFormat)
		}
		if !ed25519.Verify(edPub, data, signature) {
			return errs.New(errs.SignatureVerificationFailed)
		}
		return nil
	default:
		return errs.New(errs.UnsupportedKeyFormat)
	}
}

func digestFor(algorithm int64, data []byte) (digest []byte, coordLen int, err error) {
	var h hash.Hash
	switch algorithm {
	case AlgorithmES256:
		h, coordLen = sha256.New(), 32
	case AlgorithmES384:
		h, coordLen = sha512.New384(), 48
	case AlgorithmES512:
		h, coordLen = sha512.New(), 66
	default:
		return nil, 0, errs.New(errs.UnsupportedKeyFormat)
	}
	h.Write(data)
	return h.Sum(nil), coordLen, nil
}

func hashFor(algorithm int64) crypto.Hash {
	switch algorithm {
	case AlgorithmES384:
		return crypto.SHA384
	case AlgorithmES512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}
