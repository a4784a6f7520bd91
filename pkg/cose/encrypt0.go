package cose

import (
	"crypto/subtle"

	"github.com/fxamacker/cbor/v2"

	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/keyops"
)

// HeaderIV carries the 96-bit nonce used to seal Ciphertext, per RFC 8152 §3.1.
const HeaderIV int64 = 5

// Encrypt0 is a COSE_Encrypt0 structure (RFC 8152 §5.2), used for
// Secretkeeper's session-bound secret-management messages.
type Encrypt0 struct {
	Protected   []byte
	Unprotected map[int64]any
	Ciphertext  []byte
}

// MarshalCBOR implements cbor.Marshaler.
func (e *Encrypt0) MarshalCBOR() ([]byte, error) {
	arr := []any{e.Protected, e.Unprotected, e.Ciphertext}
	return cbor.Marshal(cbor.Tag{Number: 16, Content: arr})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (e *Encrypt0) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Number != 16 {
		return errs.NewDetails(errs.EncodingError, "cose: expected COSE_Encrypt0 tag 16")
	}
	arr, ok := tag.Content.([]any)
	if !ok || len(arr) != 3 {
		return errs.NewDetails(errs.EncodingError, "cose: invalid COSE_Encrypt0 structure")
	}
	protected, _ := arr[0].([]byte)
	unprotected, _ := arr[1].(map[any]any)
	ciphertext, _ := arr[2].([]byte)
	e.Protected = protected
	e.Ciphertext = ciphertext
	e.Unprotected = normalizeHeaders(unprotected)
	return nil
}

func normalizeHeaders(raw map[any]any) map[int64]any {
	out := make(map[int64]any, len(raw))
	for k, v := range raw {
		switch key := k.(type) {
		case int64:
			out[key] = v
		case uint64:
			out[int64(key)] = v
		}
	}
	return out
}

func encStructure(protected, externalAAD []byte) ([]byte, error) {
	return cbor.Marshal([]any{"Encrypt0", protected, externalAAD})
}

// SealWithNonce encrypts plaintext under key/nonce (AES-256-GCM, 16-byte
// tag, 12-byte nonce) with the Enc_structure AAD bound to protected headers
// and an optional caller-supplied external AAD, embedding nonce and an
// optional kid in the unprotected header.
func SealWithNonce(plaintext, key, nonce, externalAAD, kid []byte) (*Encrypt0, error) {
	protected, err := cbor.Marshal(map[int64]any{})
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	aad, err := encStructure(protected, externalAAD)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}

	enc, err := keyops.NewAESGCMEncryptor(key, nonce, 16)
	if err != nil {
		return nil, err
	}
	if err := enc.UpdateAAD(aad); err != nil {
		return nil, err
	}
	ct, err := enc.Update(plaintext)
	if err != nil {
		return nil, err
	}
	tag, err := enc.Finish()
	if err != nil {
		return nil, err
	}

	unprotected := map[int64]any{HeaderIV: append([]byte(nil), nonce...)}
	if kid != nil {
		unprotected[HeaderKeyID] = append([]byte(nil), kid...)
	}
	return &Encrypt0{
		Protected:   protected,
		Unprotected: unprotected,
		Ciphertext:  append(ct, tag...),
	}, nil
}

// OpenWithNonce decrypts e under key, requiring e's embedded nonce to equal
// expectedNonce exactly — a mismatch (a stale or replayed sequence-derived
// nonce) is rejected before the AEAD tag is even checked.
func OpenWithNonce(e *Encrypt0, key, expectedNonce, externalAAD []byte) ([]byte, error) {
	nonce, ok := e.Unprotected[HeaderIV].([]byte)
	if !ok {
		return nil, errs.NewDetails(errs.EncodingError, "missing IV header")
	}
	if len(nonce) != len(expectedNonce) || subtle.ConstantTimeCompare(nonce, expectedNonce) != 1 {
		return nil, errs.New(errs.SignatureVerificationFailed)
	}

	aad, err := encStructure(e.Protected, externalAAD)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}

	dec, err := keyops.NewAESGCMDecryptor(key, nonce, 16)
	if err != nil {
		return nil, err
	}
	if err := dec.UpdateAAD(aad); err != nil {
		return nil, err
	}
	if _, err := dec.Update(e.Ciphertext); err != nil {
		return nil, err
	}
	plaintext, err := dec.Finish()
	if err != nil {
		return nil, errs.Wrap(errs.SignatureVerificationFailed, err)
	}
	return plaintext, nil
}

// KidOf returns the Encrypt0's key-id header, if present.
func KidOf(e *Encrypt0) ([]byte, bool) {
	kid, ok := e.Unprotected[HeaderKeyID].([]byte)
	return kid, ok
}
