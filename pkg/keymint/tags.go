package keymint

// Named tag numbers for the KeyParameter space this core understands.
// Each pairs with the ParamType MakeTag encodes it with.
const (
	TagPurpose                  = 1
	TagAlgorithm                = 2
	TagKeySize                  = 3
	TagDigest                   = 5
	TagPadding                  = 6
	TagCallerNonce              = 7
	TagMinMacLength             = 8
	TagEcCurve                  = 10
	TagRsaPublicExponent        = 200
	TagIncludeUniqueId          = 202
	TagRsaOaepMgfDigest         = 203
	TagEarlyBootOnly            = 305
	TagActiveDatetime           = 400
	TagOriginationExpireDatetime = 401
	TagUsageExpireDatetime      = 402
	TagMinSecondsBetweenOps     = 403
	TagMaxUsesPerBoot           = 404
	TagUserSecureId             = 502
	TagNoAuthRequired           = 503
	TagUserAuthType             = 504
	TagAuthTimeout              = 505
	TagAllowWhileOnBody         = 506
	TagTrustedUserPresenceRequired = 507
	TagTrustedConfirmationRequired = 508
	TagUnlockedDeviceRequired   = 509
	TagApplicationId            = 601
	TagApplicationData          = 700
	TagCreationDatetime          = 701
	TagOrigin                   = 702
	TagRootOfTrust               = 704
	TagOsVersion                 = 705
	TagOsPatchlevel              = 706
	TagAttestationChallenge      = 708
	TagAttestationApplicationId  = 709
	TagResetSinceIdRotation      = 716
	TagCertificateNotBefore      = 710
	TagCertificateNotAfter       = 711
	TagVendorPatchlevel          = 718
	TagBootPatchlevel            = 719
	TagDeviceUniqueAttestation   = 720
	TagAttestKeyHmac            = 722
	TagModuleHash                = 724
)

// Algorithm identifies a key's cryptographic family.
type Algorithm uint32

const (
	AlgorithmRSA Algorithm = 1
	AlgorithmEC  Algorithm = 3
	AlgorithmAES Algorithm = 32
	AlgorithmTripleDES Algorithm = 33
	AlgorithmHMAC Algorithm = 128
)

// Purpose names an allowed use of a key.
type Purpose uint32

const (
	PurposeEncrypt Purpose = 0
	PurposeDecrypt Purpose = 1
	PurposeSign    Purpose = 2
	PurposeVerify  Purpose = 3
	PurposeWrapKey Purpose = 5
	PurposeAgreeKey Purpose = 6
	PurposeAttestKey Purpose = 7
)

// Origin names how a key's material came to exist in the keyblob.
type Origin uint32

const (
	OriginGenerated Origin = 0
	OriginImported  Origin = 2
	OriginUnknown   Origin = 3
	OriginSecurelyImported Origin = 4
)

// Digest names a message digest a key may be used with.
type Digest uint32

const (
	DigestNone Digest = 0
	DigestSHA256 Digest = 4
)

// EcCurve names a supported curve (NIST or Curve25519) by KeyMint's own enumeration,
// independent of pkix.Curve's crypto/elliptic-shaped values.
type EcCurve uint32

const (
	EcCurveP224 EcCurve = 0
	EcCurveP256 EcCurve = 1
	EcCurveP384 EcCurve = 2
	EcCurveP521 EcCurve = 3
	EcCurveCurve25519 EcCurve = 4
)

// find returns the first parameter with the given tag number, if any.
func find(params []KeyParameter, tagNumber uint32) (KeyParameter, bool) {
	for _, p := range params {
		if p.Tag.Number() == tagNumber {
			return p, true
		}
	}
	return KeyParameter{}, false
}

// findAll returns every parameter with the given tag number, preserving
// order — used for *Rep tags that may repeat (Purpose, Digest).
func findAll(params []KeyParameter, tagNumber uint32) []KeyParameter {
	var out []KeyParameter
	for _, p := range params {
		if p.Tag.Number() == tagNumber {
			out = append(out, p)
		}
	}
	return out
}

func uintValue(p KeyParameter, ok bool) (uint64, bool) {
	if !ok {
		return 0, false
	}
	v, isUint := p.Value.(uint64)
	return v, isUint
}

func bytesValue(p KeyParameter, ok bool) ([]byte, bool) {
	if !ok {
		return nil, false
	}
	v, isBytes := p.Value.([]byte)
	return v, isBytes
}

func boolValue(p KeyParameter, ok bool) bool {
	if !ok {
		return false
	}
	v, _ := p.Value.(bool)
	return v
}
