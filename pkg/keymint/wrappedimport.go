package keymint

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"

	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/keyops"
	"github.com/siros-tee/authcore/pkg/pkix"
)

// secureKeyWrapperASN1 mirrors spec.md §4.F's SecureKeyWrapper SEQUENCE.
// KeyDescription is kept as a raw ASN.1 value so its exact encoded bytes
// are available unmodified for use as the AEAD's AAD; wrappedKeyDescriptionASN1
// below parses those same bytes a second time to recover its fields.
type secureKeyWrapperASN1 struct {
	Version               int
	EncryptedTransportKey []byte
	IV                    []byte
	KeyDescription        asn1.RawValue
	EncryptedKey          []byte
	Tag                   []byte
}

// wrappedKeyDescriptionASN1 mirrors spec.md §4.F's `KeyDescription ::=
// SEQUENCE { keyFormat INTEGER, authorizationList AuthorizationList }`
// nested inside SecureKeyWrapper.
type wrappedKeyDescriptionASN1 struct {
	KeyFormat int
	KeyParams pkix.AuthorizationList
}

const transportKeyLen = 32
const wrappedIVLen = 12

// UnwrapAndImport implements spec.md §4.F's wrapped-import operation: parse
// the SecureKeyWrapper, recover the transport key, decrypt the wrapped
// key, post-process the description's UserSecureId parameters, and
// recurse into Import with the resulting plaintext material.
func UnwrapAndImport(wrapperDER []byte, maskingKey []byte, unwrappingKey *rsa.PrivateKey, unwrappingKeyParams []KeyParameter, passwordSid, biometricSid uint64, earlyBoot EarlyBoot, ctx GenerateContext) (*Result, error) {
	var wrapper secureKeyWrapperASN1
	if _, err := asn1.Unmarshal(wrapperDER, &wrapper); err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	if wrapper.Version != 0 {
		return nil, errs.NewDetails(errs.InvalidArgument, "unsupported SecureKeyWrapper version")
	}

	if err := checkUnwrappingKeyCharacteristics(unwrappingKeyParams); err != nil {
		return nil, err
	}

	masked, err := rsa.DecryptOAEP(sha256.New(), nil, unwrappingKey, wrapper.EncryptedTransportKey, nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err)
	}
	if len(masked) != len(maskingKey) {
		return nil, errs.New(errs.InvalidArgument)
	}
	transportKey := make([]byte, len(masked))
	for i := range masked {
		transportKey[i] = masked[i] ^ maskingKey[i]
	}
	if len(transportKey) != transportKeyLen {
		return nil, errs.NewDetails(errs.InvalidInputLength, "recovered transport key is not 32 bytes")
	}

	if len(wrapper.IV) != wrappedIVLen {
		return nil, errs.New(errs.InvalidInputLength)
	}
	if !validTagLenExported(len(wrapper.Tag)) {
		return nil, errs.New(errs.InvalidMacLength)
	}

	aad, err := asn1.Marshal(wrapper.KeyDescription)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}

	dec, err := keyops.NewAESGCMDecryptor(transportKey, wrapper.IV, len(wrapper.Tag))
	if err != nil {
		return nil, err
	}
	if err := dec.UpdateAAD(aad); err != nil {
		return nil, err
	}
	ciphertext := append(append([]byte(nil), wrapper.EncryptedKey...), wrapper.Tag...)
	if _, err := dec.Update(ciphertext); err != nil {
		return nil, err
	}
	plaintext, err := dec.Finish()
	if err != nil {
		return nil, errs.Wrap(errs.SignatureVerificationFailed, err)
	}

	var keyDescription wrappedKeyDescriptionASN1
	if _, err := asn1.Unmarshal(wrapper.KeyDescription.FullBytes, &keyDescription); err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	descriptionParams := postProcessWrappedParams(keyParamsFromAuthorizationList(keyDescription.KeyParams), passwordSid, biometricSid)

	format, err := importFormatForAlgorithm(descriptionParams)
	if err != nil {
		return nil, err
	}

	return Import(descriptionParams, format, plaintext, true, earlyBoot, ctx)
}

// keyParamsFromAuthorizationList converts a SecureKeyWrapper's parsed
// KeyDescription.key_params (spec.md §4.F) into this core's native
// []KeyParameter representation, so the recursed Import call sees the
// same algorithm/purpose/size authorizations the wrapped key was
// described with.
func keyParamsFromAuthorizationList(al pkix.AuthorizationList) []KeyParameter {
	var out []KeyParameter
	for _, v := range al.Purpose {
		out = append(out, KeyParameter{Tag: MakeTag(TagPurpose, ParamTypeEnumRep), Value: uint64(v)})
	}
	if al.Algorithm != 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(al.Algorithm)})
	}
	if al.KeySize != 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagKeySize, ParamTypeUint), Value: uint64(al.KeySize)})
	}
	for _, v := range al.Digest {
		out = append(out, KeyParameter{Tag: MakeTag(TagDigest, ParamTypeEnumRep), Value: uint64(v)})
	}
	if al.EcCurve != 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagEcCurve, ParamTypeEnum), Value: uint64(al.EcCurve)})
	}
	if al.UserSecureId != 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagUserSecureId, ParamTypeUlong), Value: uint64(al.UserSecureId)})
	}
	if len(al.NoAuthRequired.FullBytes) > 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagNoAuthRequired, ParamTypeBool), Value: true})
	}
	if al.Origin != 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagOrigin, ParamTypeEnum), Value: uint64(al.Origin)})
	}
	if al.OsVersion != 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagOsVersion, ParamTypeUint), Value: uint64(al.OsVersion)})
	}
	if al.OsPatchLevel != 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagOsPatchlevel, ParamTypeUint), Value: uint64(al.OsPatchLevel)})
	}
	if len(al.AttestationApplicationID) > 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagAttestationApplicationId, ParamTypeBytes), Value: al.AttestationApplicationID})
	}
	if al.VendorPatchLevel != 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagVendorPatchlevel, ParamTypeUint), Value: uint64(al.VendorPatchLevel)})
	}
	if al.BootPatchLevel != 0 {
		out = append(out, KeyParameter{Tag: MakeTag(TagBootPatchlevel, ParamTypeUint), Value: uint64(al.BootPatchLevel)})
	}
	return out
}

// importFormatForAlgorithm picks the raw-material KeyFormat Import expects
// for the wrapped key's Algorithm parameter: PKCS#8 for the asymmetric
// families (covering RSA, NIST EC, and Ed25519/X25519 alike, all of which
// importPKCS8 distinguishes by AlgorithmIdentifier), and the matching raw
// format for each symmetric family.
func importFormatForAlgorithm(params []KeyParameter) (KeyFormat, error) {
	p, ok := find(params, TagAlgorithm)
	algo, isUint := uintValue(p, ok)
	if !ok || !isUint {
		return 0, errs.NewDetails(errs.InvalidArgument, "wrapped key description missing Algorithm")
	}
	switch Algorithm(algo) {
	case AlgorithmRSA, AlgorithmEC:
		return FormatPKCS8, nil
	case AlgorithmAES:
		return FormatRawAES, nil
	case AlgorithmTripleDES:
		return FormatRawTripleDES, nil
	case AlgorithmHMAC:
		return FormatRawHMAC, nil
	default:
		return 0, errs.New(errs.UnsupportedKeyFormat)
	}
}

func checkUnwrappingKeyCharacteristics(params []KeyParameter) error {
	algoParam, ok := find(params, TagAlgorithm)
	algo, isUint := uintValue(algoParam, ok)
	if !ok || !isUint || Algorithm(algo) != AlgorithmRSA {
		return errs.NewDetails(errs.InvalidArgument, "wrapping key must be RSA")
	}
	var foundWrapPurpose bool
	for _, p := range findAll(params, TagPurpose) {
		if v, ok := uintValue(p, true); ok && Purpose(v) == PurposeWrapKey {
			foundWrapPurpose = true
		}
	}
	if !foundWrapPurpose {
		return errs.NewDetails(errs.ImportParameterMismatch, "unwrapping key lacks WrapKey purpose")
	}
	return nil
}

// postProcessWrappedParams implements spec.md §4.F step 6, grounded on
// original_source/system/keymint/ta/src/keys.rs's import_wrapped_key: a
// UserSecureId carrying both the password and fingerprint
// HardwareAuthenticatorType bits is replaced with the caller-supplied
// passwordSid (biometric auth tokens carry both bits, but password tokens
// carry only the password bit, so password takes priority), a UserSecureId
// carrying only the password bit likewise becomes passwordSid, and one
// carrying only the fingerprint bit becomes biometricSid. The caller
// supplies these two actual SIDs from the platform's current enrollment
// state; this core has no way to look them up itself. Finally, the
// undefined certificate validity bounds wrapped keys always receive are
// unconditionally appended, since a wrapped-import caller has no way to
// supply CertificateNotBefore/CertificateNotAfter itself.
func postProcessWrappedParams(params []KeyParameter, passwordSid, biometricSid uint64) []KeyParameter {
	const (
		sidPassword    = 1
		sidFingerprint = 2
	)
	out := make([]KeyParameter, 0, len(params)+2)
	for _, p := range params {
		if p.Tag.Number() == TagUserSecureId {
			v, ok := uintValue(p, true)
			if ok {
				hasPassword := v&sidPassword != 0
				hasFingerprint := v&sidFingerprint != 0
				switch {
				case hasPassword:
					p.Value = passwordSid
				case hasFingerprint:
					p.Value = biometricSid
				}
			}
		}
		out = append(out, p)
	}
	out = append(out,
		KeyParameter{Tag: MakeTag(TagCertificateNotBefore, ParamTypeDate), Value: uint64(0)},
		KeyParameter{Tag: MakeTag(TagCertificateNotAfter, ParamTypeDate), Value: uint64(0)},
	)
	return out
}

// validTagLenExported mirrors keyops' unexported GCM tag-length check so
// wrapped-import can reject a malformed tag before attempting to decrypt.
func validTagLenExported(n int) bool {
	return n >= 12 && n <= 16
}
