package keymint

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siros-tee/authcore/pkg/pkix"
)

// fixedKEK derives a deterministic per-context key for test purposes only.
type fixedKEK struct{ root []byte }

func (f fixedKEK) Derive(context []byte) ([]byte, error) {
	h := sha256.New()
	h.Write(f.root)
	h.Write(context)
	return h.Sum(nil), nil
}

func testCtx() GenerateContext {
	return GenerateContext{
		SecurityLevel: pkix.SecurityLevelTrustedEnvironment,
		KEK:           fixedKEK{root: []byte("root-secret")},
		Now:           func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
}

func TestGenerateAESRoundTrip(t *testing.T) {
	params := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmAES)},
		{Tag: MakeTag(TagKeySize, ParamTypeUint), Value: uint64(256)},
		{Tag: MakeTag(TagPurpose, ParamTypeEnumRep), Value: uint64(PurposeEncrypt)},
	}

	result, err := Generate(params, testCtx())
	require.NoError(t, err)
	require.Empty(t, result.CertChain)
	require.NotNil(t, result.Blob)

	plain, err := OpenKeyBlob(result.Blob, testCtx().KEK, NoSecureDeletion{})
	require.NoError(t, err)
	require.Len(t, plain.Characteristics, 1)
}

func TestGenerateRSAUnattestedProducesSelfSignedCert(t *testing.T) {
	params := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmRSA)},
		{Tag: MakeTag(TagKeySize, ParamTypeUint), Value: uint64(2048)},
		{Tag: MakeTag(TagPurpose, ParamTypeEnumRep), Value: uint64(PurposeSign)},
	}

	result, err := Generate(params, testCtx())
	require.NoError(t, err)
	require.Len(t, result.CertChain, 1)
}

func TestGenerateECAttestedRequiresAppId(t *testing.T) {
	params := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmEC)},
		{Tag: MakeTag(TagEcCurve, ParamTypeEnum), Value: uint64(EcCurveP256)},
		{Tag: MakeTag(TagPurpose, ParamTypeEnumRep), Value: uint64(PurposeSign)},
		{Tag: MakeTag(TagAttestationChallenge, ParamTypeBytes), Value: []byte("challenge")},
	}

	_, err := Generate(params, testCtx())
	require.Error(t, err)
}

func TestGenerateECAttestedWithDeviceKey(t *testing.T) {
	_, devicePriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ctx := testCtx()
	ctx.DeviceKey = &AttestationKey{Signer: devicePriv}

	params := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmEC)},
		{Tag: MakeTag(TagEcCurve, ParamTypeEnum), Value: uint64(EcCurveP256)},
		{Tag: MakeTag(TagPurpose, ParamTypeEnumRep), Value: uint64(PurposeSign)},
		{Tag: MakeTag(TagAttestationChallenge, ParamTypeBytes), Value: []byte("challenge")},
		{Tag: MakeTag(TagAttestationApplicationId, ParamTypeBytes), Value: []byte("app-id-blob")},
	}

	result, err := Generate(params, ctx)
	require.NoError(t, err)
	require.Len(t, result.CertChain, 1)
}

func TestGenerateRejectsOversizeChallenge(t *testing.T) {
	ctx := testCtx()
	ctx.DeviceKey = &AttestationKey{}
	params := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmEC)},
		{Tag: MakeTag(TagEcCurve, ParamTypeEnum), Value: uint64(EcCurveP256)},
		{Tag: MakeTag(TagAttestationChallenge, ParamTypeBytes), Value: make([]byte, 200)},
		{Tag: MakeTag(TagAttestationApplicationId, ParamTypeBytes), Value: []byte("id")},
	}
	_, err := Generate(params, ctx)
	require.Error(t, err)
}

func TestImportPKCS8RSARoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := pkix.WrapRSAPrivateKeyAsPKCS8(priv)
	require.NoError(t, err)

	params := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmRSA)},
		{Tag: MakeTag(TagKeySize, ParamTypeUint), Value: uint64(2048)},
		{Tag: MakeTag(TagPurpose, ParamTypeEnumRep), Value: uint64(PurposeSign)},
	}

	result, err := Import(params, FormatPKCS8, der, false, nil, testCtx())
	require.NoError(t, err)
	require.Len(t, result.CertChain, 1)

	plain, err := OpenKeyBlob(result.Blob, testCtx().KEK, NoSecureDeletion{})
	require.NoError(t, err)
	found := false
	for _, p := range plain.Characteristics[0].Authorizations {
		if p.Tag.Number() == TagOrigin {
			require.Equal(t, uint64(OriginImported), p.Value)
			found = true
		}
	}
	require.True(t, found)
}

type alwaysEnded struct{}

func (alwaysEnded) Ended() bool { return true }

func TestImportRejectsEarlyBootOnlyAfterBootEnded(t *testing.T) {
	params := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmAES)},
		{Tag: MakeTag(TagKeySize, ParamTypeUint), Value: uint64(128)},
		{Tag: MakeTag(TagEarlyBootOnly, ParamTypeBool), Value: true},
	}

	_, err := Import(params, FormatRawAES, make([]byte, 16), false, alwaysEnded{}, testCtx())
	require.Error(t, err)
}

func TestUpgradeNoChangeReturnsEmptyResult(t *testing.T) {
	params := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmAES)},
		{Tag: MakeTag(TagKeySize, ParamTypeUint), Value: uint64(128)},
		{Tag: MakeTag(TagOsVersion, ParamTypeUint), Value: uint64(14)},
		{Tag: MakeTag(TagOsPatchlevel, ParamTypeUint), Value: uint64(202501)},
	}
	result, err := Generate(params, testCtx())
	require.NoError(t, err)

	upgraded, err := Upgrade(nil, result.Blob, testCtx().KEK, NoSecureDeletion{}, int(pkix.SecurityLevelTrustedEnvironment), UpgradeContext{
		OsVersion:    14,
		OsPatchlevel: 202501,
	})
	require.NoError(t, err)
	require.Nil(t, upgraded.Blob)
}

func TestUpgradeAdvancesPatchlevel(t *testing.T) {
	params := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmAES)},
		{Tag: MakeTag(TagKeySize, ParamTypeUint), Value: uint64(128)},
		{Tag: MakeTag(TagOsPatchlevel, ParamTypeUint), Value: uint64(202501)},
	}
	result, err := Generate(params, testCtx())
	require.NoError(t, err)

	upgraded, err := Upgrade(nil, result.Blob, testCtx().KEK, NoSecureDeletion{}, int(pkix.SecurityLevelTrustedEnvironment), UpgradeContext{
		OsPatchlevel: 202503,
	})
	require.NoError(t, err)
	require.NotNil(t, upgraded.Blob)

	plain, err := OpenKeyBlob(upgraded.Blob, testCtx().KEK, NoSecureDeletion{})
	require.NoError(t, err)
	for _, p := range plain.Characteristics[0].Authorizations {
		if p.Tag.Number() == TagOsPatchlevel {
			require.Equal(t, uint64(202503), p.Value)
		}
	}
}

func TestUpgradeRejectsPatchlevelRollback(t *testing.T) {
	params := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmAES)},
		{Tag: MakeTag(TagKeySize, ParamTypeUint), Value: uint64(128)},
		{Tag: MakeTag(TagOsPatchlevel, ParamTypeUint), Value: uint64(202506)},
	}
	result, err := Generate(params, testCtx())
	require.NoError(t, err)

	_, err = Upgrade(nil, result.Blob, testCtx().KEK, NoSecureDeletion{}, int(pkix.SecurityLevelTrustedEnvironment), UpgradeContext{
		OsPatchlevel: 202501,
	})
	require.Error(t, err)
}

// buildWrapperDER assembles a DER-encoded SecureKeyWrapper the way an
// Android keystore client would: mask a random AES-256 transport key with
// maskingKey, RSA-OAEP-encrypt the masked key under the unwrapping key,
// then AES-256-GCM-seal plaintext under the transport key with the
// re-encoded KeyDescription as AAD.
func buildWrapperDER(t *testing.T, unwrappingPub *rsa.PublicKey, maskingKey, plaintext []byte, al pkix.AuthorizationList) []byte {
	t.Helper()

	kd := wrappedKeyDescriptionASN1{KeyFormat: int(FormatRawAES), KeyParams: al}
	kdBytes, err := asn1.Marshal(kd)
	require.NoError(t, err)
	var kdRaw asn1.RawValue
	_, err = asn1.Unmarshal(kdBytes, &kdRaw)
	require.NoError(t, err)

	transportKey := make([]byte, transportKeyLen)
	_, err = rand.Read(transportKey)
	require.NoError(t, err)
	masked := make([]byte, transportKeyLen)
	for i := range transportKey {
		masked[i] = transportKey[i] ^ maskingKey[i]
	}
	encryptedTransportKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, unwrappingPub, masked, nil)
	require.NoError(t, err)

	iv := make([]byte, wrappedIVLen)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	block, err := aes.NewCipher(transportKey)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	sealed := aead.Seal(nil, iv, plaintext, kdRaw.FullBytes)
	encryptedKey := sealed[:len(sealed)-16]
	tag := sealed[len(sealed)-16:]

	wrapper := secureKeyWrapperASN1{
		Version:               0,
		EncryptedTransportKey: encryptedTransportKey,
		IV:                    iv,
		KeyDescription:        kdRaw,
		EncryptedKey:          encryptedKey,
		Tag:                   tag,
	}
	der, err := asn1.Marshal(wrapper)
	require.NoError(t, err)
	return der
}

func TestUnwrapAndImportCarriesKeyDescriptionAuthorizations(t *testing.T) {
	unwrappingPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	maskingKey := make([]byte, transportKeyLen)
	_, err = rand.Read(maskingKey)
	require.NoError(t, err)
	plaintext := make([]byte, 16)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	al := pkix.AuthorizationList{
		Purpose:   []int64{int64(PurposeEncrypt), int64(PurposeDecrypt)},
		Algorithm: int64(AlgorithmAES),
		KeySize:   128,
	}
	wrapperDER := buildWrapperDER(t, &unwrappingPriv.PublicKey, maskingKey, plaintext, al)

	unwrappingParams := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmRSA)},
		{Tag: MakeTag(TagPurpose, ParamTypeEnumRep), Value: uint64(PurposeWrapKey)},
	}

	result, err := UnwrapAndImport(wrapperDER, maskingKey, unwrappingPriv, unwrappingParams, 0, 0, nil, testCtx())
	require.NoError(t, err)
	require.NotNil(t, result.Blob)

	plain, err := OpenKeyBlob(result.Blob, testCtx().KEK, NoSecureDeletion{})
	require.NoError(t, err)
	auths := plain.Characteristics[0].Authorizations

	var sawAlgorithm, sawKeySize, sawPurposeEncrypt, sawPurposeDecrypt bool
	for _, p := range auths {
		switch p.Tag.Number() {
		case TagAlgorithm:
			require.Equal(t, uint64(AlgorithmAES), p.Value)
			sawAlgorithm = true
		case TagKeySize:
			require.Equal(t, uint64(128), p.Value)
			sawKeySize = true
		case TagPurpose:
			switch p.Value {
			case uint64(PurposeEncrypt):
				sawPurposeEncrypt = true
			case uint64(PurposeDecrypt):
				sawPurposeDecrypt = true
			}
		}
	}
	require.True(t, sawAlgorithm, "Algorithm authorization missing from wrapped-import keyblob")
	require.True(t, sawKeySize, "KeySize authorization missing from wrapped-import keyblob")
	require.True(t, sawPurposeEncrypt && sawPurposeDecrypt, "Purpose authorizations missing from wrapped-import keyblob")
}

func TestUnwrapAndImportCollapsesUserSecureId(t *testing.T) {
	unwrappingPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	maskingKey := make([]byte, transportKeyLen)
	_, err = rand.Read(maskingKey)
	require.NoError(t, err)
	plaintext := make([]byte, 16)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	al := pkix.AuthorizationList{
		Algorithm:    int64(AlgorithmAES),
		KeySize:      128,
		UserSecureId: 3, // both Password (1) and Fingerprint (2) bits set
	}
	wrapperDER := buildWrapperDER(t, &unwrappingPriv.PublicKey, maskingKey, plaintext, al)

	unwrappingParams := []KeyParameter{
		{Tag: MakeTag(TagAlgorithm, ParamTypeEnum), Value: uint64(AlgorithmRSA)},
		{Tag: MakeTag(TagPurpose, ParamTypeEnumRep), Value: uint64(PurposeWrapKey)},
	}

	const passwordSid, biometricSid = uint64(42), uint64(99)
	result, err := UnwrapAndImport(wrapperDER, maskingKey, unwrappingPriv, unwrappingParams, passwordSid, biometricSid, nil, testCtx())
	require.NoError(t, err)

	plain, err := OpenKeyBlob(result.Blob, testCtx().KEK, NoSecureDeletion{})
	require.NoError(t, err)
	found := false
	for _, p := range plain.Characteristics[0].Authorizations {
		if p.Tag.Number() == TagUserSecureId {
			require.Equal(t, passwordSid, p.Value)
			found = true
		}
	}
	require.True(t, found, "UserSecureId authorization missing from wrapped-import keyblob")
}

func TestModuleInfoRegistrySetOnceIdempotent(t *testing.T) {
	reg := &ModuleInfoRegistry{}
	modules := []pkix.ModuleInfo{{Name: []byte("com.android.keystore"), Version: 1}}

	h1, err := reg.SetOnce(modules)
	require.NoError(t, err)
	h2, err := reg.SetOnce(modules)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	_, err = reg.SetOnce([]pkix.ModuleInfo{{Name: []byte("different")}})
	require.Error(t, err)
}
