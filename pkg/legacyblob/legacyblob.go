// Package legacyblob parses and authenticates the legacy tag-value
// authenticated key blob format: the fixed byte layout kept for backward
// compatibility with keys sealed before the current keyblob format (spec
// component E). It is a closed, hand-rolled binary format, not CBOR —
// spec.md §3 fixes an exact byte layout no self-describing codec
// represents more naturally than explicit field-by-field parsing.
package legacyblob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/keymint"
)

// fixedHMACKey is the legacy format's fixed authentication key, per
// spec.md §3.
var fixedHMACKey = []byte("IntegrityAssuredBlob0\x00")

const macLen = 8
const minBlobLen = 1 + 3*4 + macLen

// HiddenParams carries the external inputs folded into the legacy blob's
// HMAC but never stored in the blob itself.
type HiddenParams struct {
	ApplicationID   []byte
	ApplicationData []byte
}

// serialize renders the hidden params in the fixed order spec.md §3
// requires: ApplicationId (if present), ApplicationData (if present),
// then a RootOfTrust(b"SW") marker — each length-prefixed so the
// concatenation is unambiguous.
func (h HiddenParams) serialize() []byte {
	var out []byte
	if len(h.ApplicationID) > 0 {
		out = append(out, lengthPrefixed(h.ApplicationID)...)
	}
	if len(h.ApplicationData) > 0 {
		out = append(out, lengthPrefixed(h.ApplicationData)...)
	}
	out = append(out, lengthPrefixed([]byte("SW"))...)
	return out
}

func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint32(out, uint32(len(b)))
	copy(out[4:], b)
	return out
}

// Blob is a parsed legacy authenticated blob.
type Blob struct {
	KeyMaterial []byte
	HwEnforced  []keymint.KeyParameter
	SwEnforced  []keymint.KeyParameter
}

// Parse authenticates and decodes a legacy blob. hidden carries the
// external key parameters the caller must supply to reconstruct the HMAC
// input; authentication failure and structural malformation are both
// reported through the closed error taxonomy, never a panic.
func Parse(blob []byte, hidden HiddenParams) (*Blob, error) {
	if len(blob) < minBlobLen {
		return nil, errs.New(errs.InvalidInputLength)
	}

	data := blob[:len(blob)-macLen]
	gotMAC := blob[len(blob)-macLen:]
	if err := verifyMAC(data, hidden, gotMAC); err != nil {
		return nil, err
	}

	r := &reader{data: blob}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != 0 {
		return nil, errs.NewDetails(errs.InvalidArgument, "unsupported legacy blob version")
	}

	keyMaterialLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	keyMaterial, err := r.bytes(int(keyMaterialLen))
	if err != nil {
		return nil, err
	}

	hwEnforced, err := r.paramBlock()
	if err != nil {
		return nil, err
	}
	swEnforced, err := r.paramBlock()
	if err != nil {
		return nil, err
	}

	if r.pos != len(blob)-macLen {
		return nil, errs.NewDetails(errs.EncodingError, "blob has unconsumed bytes before the trailing MAC")
	}

	return &Blob{KeyMaterial: keyMaterial, HwEnforced: hwEnforced, SwEnforced: swEnforced}, nil
}

func verifyMAC(data []byte, hidden HiddenParams, gotMAC []byte) error {
	mac := hmac.New(sha256.New, fixedHMACKey)
	mac.Write(data)
	mac.Write(hidden.serialize())
	full := mac.Sum(nil)
	if !hmac.Equal(full[:macLen], gotMAC) {
		return errs.New(errs.SignatureVerificationFailed)
	}
	return nil
}

// reader walks the blob field by field, tracking position for the final
// "exactly 8 trailing bytes remain" check.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errs.New(errs.EncodingError)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, errs.New(errs.EncodingError)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// paramBlock parses one hw/sw parameter sub-block: blob_data_size,
// blob_data, count, param_size, then count KeyParameters packed into
// param_size bytes. Bytes/Bignum values are stored as (length, offset)
// into blob_data, and must be read in strictly increasing offset order.
func (r *reader) paramBlock() ([]keymint.KeyParameter, error) {
	blobDataSize, err := r.u32()
	if err != nil {
		return nil, err
	}
	blobData, err := r.bytes(int(blobDataSize))
	if err != nil {
		return nil, err
	}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	paramSize, err := r.u32()
	if err != nil {
		return nil, err
	}
	paramsEnd := r.pos + int(paramSize)
	if paramsEnd > len(r.data) {
		return nil, errs.New(errs.EncodingError)
	}

	params := make([]keymint.KeyParameter, 0, count)
	nextOffset := uint32(0)
	for i := uint32(0); i < count; i++ {
		tagRaw, err := r.u32()
		if err != nil {
			return nil, err
		}
		tag := keymint.Tag(tagRaw)

		var value any
		switch tag.Type() {
		case keymint.ParamTypeBool:
			value = true
		case keymint.ParamTypeUint, keymint.ParamTypeUintRep, keymint.ParamTypeEnum, keymint.ParamTypeEnumRep:
			v, err := r.u32()
			if err != nil {
				return nil, err
			}
			value = uint64(v)
		case keymint.ParamTypeUlong, keymint.ParamTypeUlongRep, keymint.ParamTypeDate:
			v, err := r.u64()
			if err != nil {
				return nil, err
			}
			value = v
		case keymint.ParamTypeBytes, keymint.ParamTypeBignum:
			length, err := r.u32()
			if err != nil {
				return nil, err
			}
			offset, err := r.u32()
			if err != nil {
				return nil, err
			}
			if offset != nextOffset {
				return nil, errs.NewDetails(errs.EncodingError, "blob_data offsets must advance monotonically from zero")
			}
			if uint64(offset)+uint64(length) > uint64(len(blobData)) {
				return nil, errs.New(errs.EncodingError)
			}
			raw := blobData[offset : offset+length]
			nextOffset = offset + length
			if tag.Type() == keymint.ParamTypeBignum {
				value = new(big.Int).SetBytes(raw)
			} else {
				value = append([]byte(nil), raw...)
			}
		default:
			return nil, errs.NewDetails(errs.InvalidArgument, "unknown KeyParameter type")
		}
		params = append(params, keymint.KeyParameter{Tag: tag, Value: value})
	}

	if r.pos != paramsEnd {
		return nil, errs.NewDetails(errs.EncodingError, "param_size disagrees with parsed parameters")
	}
	return params, nil
}
