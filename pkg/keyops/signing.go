package keyops

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"

	"github.com/siros-tee/authcore/pkg/cose"
	"github.com/siros-tee/authcore/pkg/errs"
)

const ed25519MaxInputSize = 16 * 1024

// Ed25519SignOperation is the AccumulatingOperation signing with an
// Ed25519 key. Per §4.D, input beyond 16 KiB is rejected rather than
// silently truncated.
type Ed25519SignOperation struct {
	key    ed25519.PrivateKey
	buf    []byte
}

// NewEd25519SignOperation constructs a signing operation over key.
func NewEd25519SignOperation(key ed25519.PrivateKey) *Ed25519SignOperation {
	return &Ed25519SignOperation{key: key}
}

// Update buffers message bytes, failing once the 16 KiB cap would be
// exceeded.
func (o *Ed25519SignOperation) Update(data []byte) error {
	if len(o.buf)+len(data) > ed25519MaxInputSize {
		return errs.NewDetails(errs.InvalidInputLength, "Ed25519 signing input exceeds 16 KiB")
	}
	o.buf = append(o.buf, data...)
	return nil
}

// Finish produces the Ed25519 signature over the accumulated message.
func (o *Ed25519SignOperation) Finish() ([]byte, error) {
	return ed25519.Sign(o.key, o.buf), nil
}

// ECUndigestedSignOperation is the AccumulatingOperation for "NONE with
// ECDSA": per §4.D the accumulated input is silently truncated to
// coord_len bytes before signing, a spec-mandated exception to the usual
// reject-on-overflow rule.
type ECUndigestedSignOperation struct {
	key      *ecdsa.PrivateKey
	coordLen int
	buf      []byte
}

// NewECUndigestedSignOperation constructs an undigested-ECDSA signing
// operation for the given key's curve.
func NewECUndigestedSignOperation(key *ecdsa.PrivateKey) (*ECUndigestedSignOperation, error) {
	coordLen := (key.Curve.Params().BitSize + 7) / 8
	return &ECUndigestedSignOperation{key: key, coordLen: coordLen}, nil
}

// Update buffers input without a size check; truncation happens at Finish.
func (o *ECUndigestedSignOperation) Update(data []byte) error {
	o.buf = append(o.buf, data...)
	return nil
}

// Finish truncates the buffered input to coord_len bytes, signs it
// directly (no digest), and returns the COSE fixed-width r‖s signature.
func (o *ECUndigestedSignOperation) Finish() ([]byte, error) {
	msg := o.buf
	if len(msg) > o.coordLen {
		msg = msg[:o.coordLen]
	}
	r, s, err := ecdsa.Sign(rand.Reader, o.key, msg)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	out := make([]byte, 2*o.coordLen)
	rBytes, sBytes := r.Bytes(), s.Bytes()
	copy(out[o.coordLen-len(rBytes):o.coordLen], rBytes)
	copy(out[2*o.coordLen-len(sBytes):], sBytes)
	return out, nil
}

// ECDigestedSignOperation is the AccumulatingOperation for the ordinary
// digest-then-sign ECDSA path: the accumulated message is hashed once at
// Finish and the DER signature converted to COSE form at the boundary.
type ECDigestedSignOperation struct {
	key       *ecdsa.PrivateKey
	algorithm int64
	buf       []byte
}

// NewECDigestedSignOperation constructs a digest-then-sign operation for
// the named COSE algorithm.
func NewECDigestedSignOperation(key *ecdsa.PrivateKey, algorithm int64) *ECDigestedSignOperation {
	return &ECDigestedSignOperation{key: key, algorithm: algorithm}
}

func (o *ECDigestedSignOperation) Update(data []byte) error {
	o.buf = append(o.buf, data...)
	return nil
}

func (o *ECDigestedSignOperation) Finish() ([]byte, error) {
	hashAlg, coordLen, err := hashAndCoordLen(o.algorithm)
	if err != nil {
		return nil, err
	}
	h := hashAlg.New()
	h.Write(o.buf)
	digest := h.Sum(nil)

	der, err := o.key.Sign(rand.Reader, digest, hashAlg)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	return cose.DERToCose(coordLen, der)
}

func hashAndCoordLen(algorithm int64) (crypto.Hash, int, error) {
	switch algorithm {
	case cose.AlgorithmES256:
		return crypto.SHA256, 32, nil
	case cose.AlgorithmES384:
		return crypto.SHA384, 48, nil
	case cose.AlgorithmES512:
		return crypto.SHA512, 66, nil
	default:
		return 0, 0, errs.New(errs.UnsupportedKeyFormat)
	}
}
