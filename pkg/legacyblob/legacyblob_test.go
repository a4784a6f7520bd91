package legacyblob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siros-tee/authcore/pkg/keymint"
)

// buildBlock encodes a parameter sub-block: blob_data_size, blob_data,
// count, param_size, params.
func buildBlock(t *testing.T, params []keymint.KeyParameter) []byte {
	t.Helper()

	var blobData []byte
	var paramBytes []byte
	for _, p := range params {
		tagBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(tagBuf, uint32(p.Tag))
		paramBytes = append(paramBytes, tagBuf...)

		switch v := p.Value.(type) {
		case bool:
			// presence-only, no value bytes
		case uint64:
			switch p.Tag.Type() {
			case keymint.ParamTypeUlong, keymint.ParamTypeUlongRep, keymint.ParamTypeDate:
				buf := make([]byte, 8)
				binary.LittleEndian.PutUint64(buf, v)
				paramBytes = append(paramBytes, buf...)
			default:
				buf := make([]byte, 4)
				binary.LittleEndian.PutUint32(buf, uint32(v))
				paramBytes = append(paramBytes, buf...)
			}
		case []byte:
			lenBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(v)))
			offBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(offBuf, uint32(len(blobData)))
			paramBytes = append(paramBytes, lenBuf...)
			paramBytes = append(paramBytes, offBuf...)
			blobData = append(blobData, v...)
		default:
			t.Fatalf("unsupported test value type %T", v)
		}
	}

	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(len(blobData)))
	out = append(out, blobData...)

	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(params)))
	out = append(out, countBuf...)

	sizeBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeBuf, uint32(len(paramBytes)))
	out = append(out, sizeBuf...)
	out = append(out, paramBytes...)
	return out
}

func buildBlob(t *testing.T, keyMaterial []byte, hw, sw []keymint.KeyParameter, hidden HiddenParams) []byte {
	t.Helper()

	var data []byte
	data = append(data, 0) // version

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(keyMaterial)))
	data = append(data, lenBuf...)
	data = append(data, keyMaterial...)

	data = append(data, buildBlock(t, hw)...)
	data = append(data, buildBlock(t, sw)...)

	mac := hmac.New(sha256.New, fixedHMACKey)
	mac.Write(data)
	mac.Write(hidden.serialize())
	full := mac.Sum(nil)

	return append(data, full[:macLen]...)
}

func TestParseRoundTrip(t *testing.T) {
	hidden := HiddenParams{ApplicationID: []byte("app-id"), ApplicationData: []byte("app-data")}
	hw := []keymint.KeyParameter{
		{Tag: keymint.MakeTag(1, keymint.ParamTypeEnum), Value: uint64(3)},
		{Tag: keymint.MakeTag(2, keymint.ParamTypeBool), Value: true},
	}
	sw := []keymint.KeyParameter{
		{Tag: keymint.MakeTag(10, keymint.ParamTypeBytes), Value: []byte("cert-subject")},
	}
	blob := buildBlob(t, []byte("key-material-bytes"), hw, sw, hidden)

	parsed, err := Parse(blob, hidden)
	require.NoError(t, err)
	require.Equal(t, []byte("key-material-bytes"), parsed.KeyMaterial)
	require.Len(t, parsed.HwEnforced, 2)
	require.Equal(t, uint64(3), parsed.HwEnforced[0].Value)
	require.Equal(t, true, parsed.HwEnforced[1].Value)
	require.Len(t, parsed.SwEnforced, 1)
	require.Equal(t, []byte("cert-subject"), parsed.SwEnforced[0].Value)
}

func TestParseFailsOnTamperedHiddenParams(t *testing.T) {
	hidden := HiddenParams{ApplicationID: []byte("app-id")}
	blob := buildBlob(t, []byte("km"), nil, nil, hidden)

	_, err := Parse(blob, HiddenParams{ApplicationID: []byte("different-app-id")})
	require.Error(t, err)
}

func TestParseFailsOnTamperedData(t *testing.T) {
	hidden := HiddenParams{}
	blob := buildBlob(t, []byte("km"), nil, nil, hidden)
	blob[5] ^= 0xff

	_, err := Parse(blob, hidden)
	require.Error(t, err)
}

func TestParseRejectsOutOfOrderBlobDataOffset(t *testing.T) {
	hidden := HiddenParams{}
	sw := []keymint.KeyParameter{
		{Tag: keymint.MakeTag(11, keymint.ParamTypeBytes), Value: []byte("one")},
		{Tag: keymint.MakeTag(12, keymint.ParamTypeBytes), Value: []byte("two")},
	}
	blob := buildBlob(t, []byte("km"), nil, sw, hidden)

	// swap the two param entries' header bytes around to desync their
	// declared offsets from blob_data's actual layout.
	require.True(t, len(blob) > 0)
	data := blob[:len(blob)-macLen]
	first, second := len(data)-24, len(data)-12 // each Bytes entry is tag+len+offset
	swapped := append([]byte(nil), data[:first]...)
	swapped = append(swapped, data[second:]...)
	swapped = append(swapped, data[first:second]...)
	mac := hmac.New(sha256.New, fixedHMACKey)
	mac.Write(swapped)
	mac.Write(hidden.serialize())
	blob = append(swapped, mac.Sum(nil)[:macLen]...)

	_, err := Parse(blob, hidden)
	require.Error(t, err)
}

func TestParseRejectsTooShortBlob(t *testing.T) {
	_, err := Parse([]byte{0, 1, 2}, HiddenParams{})
	require.Error(t, err)
}
