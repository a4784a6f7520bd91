package keyops

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"

	"github.com/siros-tee/authcore/pkg/errs"
)

const nonceLen = 12 // 96-bit nonces only, per §4.D.

// validTagLen reports whether a requested GCM tag length is one of the
// five the spec permits; any other value is rejected with InvalidMacLength
// rather than silently clamped.
func validTagLen(n int) bool {
	return n >= 12 && n <= 16
}

// AESGCMEncryptor is the AadOperation driving AES-GCM encryption with a
// negotiated tag length.
type AESGCMEncryptor struct {
	aead   cipher.AEAD
	nonce  []byte
	tagLen int
	aad    []byte
	plain  []byte
}

// NewAESGCMEncryptor constructs an encrypt operation. tagLen must be in
// [12,16]; nonce must be exactly 12 bytes.
func NewAESGCMEncryptor(key, nonce []byte, tagLen int) (*AESGCMEncryptor, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != nonceLen {
		return nil, errs.NewDetails(errs.InvalidInputLength, "AES-GCM nonce must be 96 bits")
	}
	if !validTagLen(tagLen) {
		return nil, errs.New(errs.InvalidMacLength)
	}
	return &AESGCMEncryptor{aead: aead, nonce: append([]byte(nil), nonce...), tagLen: tagLen}, nil
}

// UpdateAAD appends additional authenticated data; it MUST be called
// before any Update call.
func (e *AESGCMEncryptor) UpdateAAD(aad []byte) error {
	if len(e.plain) > 0 {
		return errs.NewDetails(errs.InvalidArgument, "UpdateAAD called after Update")
	}
	e.aad = append(e.aad, aad...)
	return nil
}

// Update buffers plaintext; AES-GCM is not streamable without buffering the
// whole message, since the tag covers the full ciphertext.
func (e *AESGCMEncryptor) Update(data []byte) ([]byte, error) {
	e.plain = append(e.plain, data...)
	return nil, nil
}

// Finish seals the accumulated plaintext and truncates the tag to the
// negotiated length.
func (e *AESGCMEncryptor) Finish() ([]byte, error) {
	full := e.aead.Seal(nil, e.nonce, e.plain, e.aad)
	fullTagLen := e.aead.Overhead()
	ciphertext := full[:len(full)-fullTagLen]
	tag := full[len(full)-fullTagLen : len(full)-fullTagLen+e.tagLen]
	out := make([]byte, 0, len(ciphertext)+e.tagLen)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

// AESGCMDecryptor is the AadOperation driving AES-GCM decryption against a
// possibly truncated tag.
type AESGCMDecryptor struct {
	block  cipher.Block
	aead   cipher.AEAD
	nonce  []byte
	tagLen int
	aad    []byte
	cipher []byte
}

// NewAESGCMDecryptor constructs a decrypt operation with the same
// constraints as NewAESGCMEncryptor.
func NewAESGCMDecryptor(key, nonce []byte, tagLen int) (*AESGCMDecryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.UnsupportedKeySize, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	if len(nonce) != nonceLen {
		return nil, errs.NewDetails(errs.InvalidInputLength, "AES-GCM nonce must be 96 bits")
	}
	if !validTagLen(tagLen) {
		return nil, errs.New(errs.InvalidMacLength)
	}
	return &AESGCMDecryptor{block: block, aead: aead, nonce: append([]byte(nil), nonce...), tagLen: tagLen}, nil
}

// UpdateAAD appends additional authenticated data; it MUST be called
// before any Update call.
func (d *AESGCMDecryptor) UpdateAAD(aad []byte) error {
	if len(d.cipher) > 0 {
		return errs.NewDetails(errs.InvalidArgument, "UpdateAAD called after Update")
	}
	d.aad = append(d.aad, aad...)
	return nil
}

// Update buffers ciphertext-plus-truncated-tag.
func (d *AESGCMDecryptor) Update(data []byte) ([]byte, error) {
	d.cipher = append(d.cipher, data...)
	return nil, nil
}

// Finish recovers the plaintext via the same CTR keystream GCM encryption
// uses, independently recomputes the full GHASH tag by re-sealing that
// candidate plaintext, and compares its leading tagLen bytes against the
// received truncated tag in constant time. A corrupted ciphertext or a
// mismatched tag fails here, never earlier, and never via a short-circuit
// comparison.
func (d *AESGCMDecryptor) Finish() ([]byte, error) {
	if len(d.cipher) < d.tagLen {
		return nil, errs.New(errs.InvalidInputLength)
	}
	ciphertext := d.cipher[:len(d.cipher)-d.tagLen]
	gotTag := d.cipher[len(d.cipher)-d.tagLen:]

	plain := gcmKeystreamXOR(d.block, d.nonce, ciphertext)
	full := d.aead.Seal(nil, d.nonce, plain, d.aad)
	fullTagLen := d.aead.Overhead()
	computedTag := full[len(full)-fullTagLen : len(full)-fullTagLen+d.tagLen]

	if subtle.ConstantTimeCompare(computedTag, gotTag) != 1 {
		return nil, errs.NewDetails(errs.SignatureVerificationFailed, "GCM tag verification failed")
	}
	return plain, nil
}

// gcmKeystreamXOR XORs data against the AES-GCM keystream for a 96-bit
// nonce: CTR mode starting at counter block inc32(nonce ‖ 0x00000001),
// i.e. nonce ‖ 0x00000002, per SP 800-38D §7.1.
func gcmKeystreamXOR(block cipher.Block, nonce, data []byte) []byte {
	counter := make([]byte, 16)
	copy(counter, nonce)
	counter[15] = 2

	stream := cipher.NewCTR(block, counter)
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.UnsupportedKeySize, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	return aead, nil
}
