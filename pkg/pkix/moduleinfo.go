package pkix

import (
	"bytes"
	"encoding/asn1"
	"sort"

	"github.com/siros-tee/authcore/pkg/errs"
)

// EncodeModuleInfoSet DER-encodes a SET OF ModuleInfo using DER's canonical
// SET-OF ordering: elements sorted by their encoding, shorter encodings
// first, with equal-length encodings broken by byte-lexicographic order
// (X.690 §11.6's der_cmp).
func EncodeModuleInfoSet(modules []ModuleInfo) ([]byte, error) {
	encoded := make([][]byte, 0, len(modules))
	for _, m := range modules {
		b, err := asn1.Marshal(m)
		if err != nil {
			return nil, errs.Wrap(errs.EncodingError, err)
		}
		encoded = append(encoded, b)
	}
	sort.Slice(encoded, func(i, j int) bool {
		return derCmp(encoded[i], encoded[j]) < 0
	})

	content := bytes.Join(encoded, nil)
	out := make([]byte, 0, len(content)+4)
	out = append(out, 0x31) // SET tag
	out = appendSetLength(out, len(content))
	out = append(out, content...)
	return out, nil
}

// derCmp implements X.690's SET-OF canonical ordering: compare by length
// first, then lexicographically by content.
func derCmp(a, b []byte) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return bytes.Compare(a, b)
}

func appendSetLength(out []byte, n int) []byte {
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
