package keymint

import (
	"crypto/rand"

	"github.com/siros-tee/authcore/pkg/cborx"
	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/keyops"
)

const keyBlobNonceLen = 12
const keyBlobTagLen = 16

// EncryptedKeyBlob is the sealed, on-the-wire form of a PlaintextKeyBlob:
// the context a caller must reproduce to re-derive the same KEK, a fresh
// nonce, and the AES-GCM-sealed CBOR encoding of the blob.
type EncryptedKeyBlob struct {
	Context    []byte
	Nonce      []byte
	Ciphertext []byte
	SDSlot     uint32
	HasSDSlot  bool
}

// SealKeyBlob encrypts a plaintext keyblob under a fresh per-call context
// derived from kek, per spec.md §4.F step 3. When useSecureDeletion is set
// a slot is allocated from sd and its secret folded into the context so
// that forgetting the slot later makes the blob unrecoverable.
func SealKeyBlob(blob PlaintextKeyBlob, kek RootKEK, sd SecureDeletionSecrets, useSecureDeletion bool) (*EncryptedKeyBlob, error) {
	context := make([]byte, 16)
	if _, err := rand.Read(context); err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}

	result := &EncryptedKeyBlob{Context: context}
	if useSecureDeletion {
		slotID, secret, err := sd.AllocateSlot()
		if err != nil {
			return nil, err
		}
		context = append(append([]byte(nil), context...), secret...)
		result.SDSlot = slotID
		result.HasSDSlot = true
	}

	key, err := kek.Derive(context)
	if err != nil {
		return nil, err
	}

	mode, err := cborx.Default()
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	wire, err := toWireKeyBlob(blob)
	if err != nil {
		return nil, err
	}
	plaintext, err := mode.Marshal(wire)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}

	nonce := make([]byte, keyBlobNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}

	enc, err := keyops.NewAESGCMEncryptor(key, nonce, keyBlobTagLen)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Update(plaintext); err != nil {
		return nil, err
	}
	ciphertext, err := enc.Finish()
	if err != nil {
		return nil, err
	}

	result.Nonce = nonce
	result.Ciphertext = ciphertext
	return result, nil
}

// OpenKeyBlob recovers the plaintext keyblob, re-deriving the KEK from the
// blob's stored context (and, if present, its secure-deletion secret).
func OpenKeyBlob(blob *EncryptedKeyBlob, kek RootKEK, sd SecureDeletionSecrets) (*PlaintextKeyBlob, error) {
	context := blob.Context
	if blob.HasSDSlot {
		secret, err := sd.Secret(blob.SDSlot)
		if err != nil {
			return nil, err
		}
		context = append(append([]byte(nil), context...), secret...)
	}

	key, err := kek.Derive(context)
	if err != nil {
		return nil, err
	}

	dec, err := keyops.NewAESGCMDecryptor(key, blob.Nonce, keyBlobTagLen)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Update(blob.Ciphertext); err != nil {
		return nil, err
	}
	plaintext, err := dec.Finish()
	if err != nil {
		return nil, errs.Wrap(errs.SignatureVerificationFailed, err)
	}

	mode, err := cborx.Default()
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	var wire wireKeyBlob
	if err := mode.Unmarshal(plaintext, &wire); err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	out, err := fromWireKeyBlob(wire)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
