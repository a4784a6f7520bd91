package keyops

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"

	"github.com/siros-tee/authcore/pkg/errs"
)

// BlockCipherAlgorithm selects the underlying block cipher a
// BlockCipherOperation drives.
type BlockCipherAlgorithm int

const (
	BlockCipherAES BlockCipherAlgorithm = iota
	BlockCipherTripleDES
)

// BlockCipherMode selects ECB or CBC chaining. Per §4.D neither mode pads:
// Finish rejects a final buffered amount that isn't a whole number of
// blocks with InvalidInputLength instead of padding it.
type BlockCipherMode int

const (
	BlockCipherModeECB BlockCipherMode = iota
	BlockCipherModeCBC
)

// CipherDirection selects encrypt or decrypt.
type CipherDirection int

const (
	CipherEncrypt CipherDirection = iota
	CipherDecrypt
)

// BlockCipherOperation is the EmittingOperation for AES and 3-DES under ECB
// or CBC, the non-AEAD block-cipher-mode component of §4.D. Go's stdlib has
// no cipher.BlockMode for ECB, so that mode loops over the block cipher
// directly; CBC's cipher.BlockMode is built once in the constructor so IV
// chaining carries correctly across repeated Update calls.
type BlockCipherOperation struct {
	block     cipher.Block
	blockSize int
	mode      BlockCipherMode
	direction CipherDirection
	cbc       cipher.BlockMode
	buf       []byte
}

// NewBlockCipherOperation constructs a block-cipher operation. For
// BlockCipherModeCBC, iv must equal the cipher's block size; ECB ignores iv.
func NewBlockCipherOperation(algo BlockCipherAlgorithm, key, iv []byte, mode BlockCipherMode, direction CipherDirection) (*BlockCipherOperation, error) {
	block, err := newBlockCipher(algo, key)
	if err != nil {
		return nil, err
	}
	op := &BlockCipherOperation{block: block, blockSize: block.BlockSize(), mode: mode, direction: direction}
	if mode == BlockCipherModeCBC {
		if len(iv) != op.blockSize {
			return nil, errs.NewDetails(errs.InvalidInputLength, "IV must equal the cipher's block size")
		}
		if direction == CipherEncrypt {
			op.cbc = cipher.NewCBCEncrypter(block, iv)
		} else {
			op.cbc = cipher.NewCBCDecrypter(block, iv)
		}
	}
	return op, nil
}

func newBlockCipher(algo BlockCipherAlgorithm, key []byte) (cipher.Block, error) {
	switch algo {
	case BlockCipherAES:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errs.Wrap(errs.UnsupportedKeySize, err)
		}
		return block, nil
	case BlockCipherTripleDES:
		block, err := des.NewTripleDESCipher(key)
		if err != nil {
			return nil, errs.Wrap(errs.UnsupportedKeySize, err)
		}
		return block, nil
	default:
		return nil, errs.NewDetails(errs.InvalidArgument, "unknown block cipher algorithm")
	}
}

// Update consumes data and emits as many whole blocks as are available,
// holding back any partial final block for a later Update or Finish.
func (o *BlockCipherOperation) Update(data []byte) ([]byte, error) {
	o.buf = append(o.buf, data...)
	n := (len(o.buf) / o.blockSize) * o.blockSize
	if n == 0 {
		return nil, nil
	}
	out := o.transform(o.buf[:n])
	o.buf = append([]byte(nil), o.buf[n:]...)
	return out, nil
}

// Finish rejects a buffered remainder that isn't a whole block and
// transforms it otherwise.
func (o *BlockCipherOperation) Finish() ([]byte, error) {
	if err := noPaddingBlockSizeCheck(len(o.buf), o.blockSize); err != nil {
		return nil, err
	}
	out := o.transform(o.buf)
	o.buf = nil
	return out, nil
}

func (o *BlockCipherOperation) transform(data []byte) []byte {
	out := make([]byte, len(data))
	if o.mode == BlockCipherModeCBC {
		o.cbc.CryptBlocks(out, data)
		return out
	}
	for i := 0; i < len(data); i += o.blockSize {
		if o.direction == CipherEncrypt {
			o.block.Encrypt(out[i:i+o.blockSize], data[i:i+o.blockSize])
		} else {
			o.block.Decrypt(out[i:i+o.blockSize], data[i:i+o.blockSize])
		}
	}
	return out
}
