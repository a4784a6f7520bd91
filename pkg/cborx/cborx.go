// Package cborx configures the canonical CBOR encode/decode mode shared by
// every wire structure in this module: COSE objects, DICE chains and
// policies, and the Secretkeeper PerformOpReq/Resp envelopes.
package cborx

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBOR tags used on this wire surface.
const (
	// TagEncodedCBOR wraps an independently-verifiable nested CBOR item
	// (used for DICE chain entries' signed payloads).
	TagEncodedCBOR = 24
)

// Mode bundles a matched encode/decode mode pair. Every package that
// marshals or unmarshals CBOR on the wire surface goes through one shared
// Mode so that canonical-map-key ordering and duplicate-key rejection are
// applied uniformly.
type Mode struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// Default builds the canonical mode: sorted map keys, definite-length only,
// duplicate map keys rejected. Equivalent structures always encode to
// identical bytes, which DICE chain signature verification depends on.
func Default() (*Mode, error) {
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cborx: building encode mode: %w", err)
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decMode, err := decOpts.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cborx: building decode mode: %w", err)
	}

	return &Mode{enc: encMode, dec: decMode}, nil
}

// Marshal encodes v under this mode.
func (m *Mode) Marshal(v any) ([]byte, error) {
	return m.enc.Marshal(v)
}

// Unmarshal decodes data into v under this mode.
func (m *Mode) Unmarshal(data []byte, v any) error {
	return m.dec.Unmarshal(data, v)
}

// EncodedItem wraps a value in CBOR tag 24 (an independently-decodable
// nested CBOR byte string).
type EncodedItem []byte

// MarshalCBOR implements cbor.Marshaler.
func (e EncodedItem) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(cbor.Tag{Number: TagEncodedCBOR, Content: []byte(e)})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (e *EncodedItem) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Number != TagEncodedCBOR {
		return fmt.Errorf("cborx: expected tag %d, got %d", TagEncodedCBOR, tag.Number)
	}
	content, ok := tag.Content.([]byte)
	if !ok {
		return fmt.Errorf("cborx: expected byte string content")
	}
	*e = content
	return nil
}

// DecodeToMap decodes arbitrary CBOR into a map[string]any using the
// package default mode, normalizing integer map keys that fxamacker/cbor
// may hand back as int64/uint64 into their string form so downstream
// path-constraint evaluation (pkg/dice) always sees string keys. Prefer
// (*Mode).DecodeToMap wherever a shared canonical Mode is already in
// scope, so duplicate-key rejection and indefinite-length refusal apply
// uniformly to untrusted wire input.
func DecodeToMap(data []byte) (map[string]any, error) {
	var raw map[any]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return normalizeMap(raw), nil
}

// DecodeToMap decodes data into a map[string]any under this Mode's decode
// options (duplicate map keys rejected, indefinite-length items refused),
// the same normalization DecodeToMap performs.
func (m *Mode) DecodeToMap(data []byte) (map[string]any, error) {
	var raw map[any]any
	if err := m.dec.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return normalizeMap(raw), nil
}

func normalizeMap(raw map[any]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[fmt.Sprintf("%v", k)] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
