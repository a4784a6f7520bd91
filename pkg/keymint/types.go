// Package keymint implements the keyblob lifecycle core: generation,
// import (including secure-wrapped import), attestation-key-mediated
// certification, and monotonic upgrade of asymmetric and symmetric keys,
// producing X.509 leaf certificates carrying the Android key attestation
// extension (spec component F).
package keymint

import "github.com/siros-tee/authcore/pkg/pkix"

// ParamType is the 4-bit type discriminant packed into the top nibble of
// a KeyParameter's tag, per spec.md §3.
type ParamType uint32

const (
	ParamTypeBool ParamType = iota
	ParamTypeUint
	ParamTypeUintRep
	ParamTypeUlong
	ParamTypeUlongRep
	ParamTypeEnum
	ParamTypeEnumRep
	ParamTypeDate
	ParamTypeBytes
	ParamTypeBignum
)

// tagTypeShift places the 4-bit type in the top nibble of a 32-bit tag,
// leaving 28 bits for the tag number.
const tagTypeShift = 28

// Tag packs a 28-bit tag number and a ParamType into a single uint32, the
// wire and in-memory representation spec.md §3 specifies.
type Tag uint32

// MakeTag packs a tag number and type into a Tag. Only the low 28 bits of
// number are kept.
func MakeTag(number uint32, t ParamType) Tag {
	return Tag((number & 0x0FFFFFFF) | (uint32(t) << tagTypeShift))
}

// Number extracts the 28-bit tag number.
func (t Tag) Number() uint32 {
	return uint32(t) & 0x0FFFFFFF
}

// Type extracts the 4-bit type.
func (t Tag) Type() ParamType {
	return ParamType(uint32(t) >> tagTypeShift)
}

// KeyParameter is a single (Tag, Value) authorization entry. Value holds a
// bool, uint64, []byte, or *big.Int depending on Tag.Type().
type KeyParameter struct {
	Tag   Tag
	Value any
}

// SecurityLevel names the enforcement domain a set of key characteristics
// applies to.
type SecurityLevel = pkix.SecurityLevel

// KeyCharacteristics groups a security level with the authorization list
// enforced at it. Keystore-level characteristics, per spec.md §3, are
// never bound into an encrypted keyblob.
type KeyCharacteristics struct {
	SecurityLevel   SecurityLevel
	Authorizations  []KeyParameter
}

// PlaintextKeyBlob is the recovered, unsealed form of a keyblob: its
// per-security-level characteristics plus the underlying key material.
type PlaintextKeyBlob struct {
	Characteristics []KeyCharacteristics
	KeyMaterial     any // a keymaterial.KeyMaterial
}
