package keymint

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	stdpkix "crypto/x509/pkix"
	"time"

	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/keymaterial"
	"github.com/siros-tee/authcore/pkg/pkix"
)

// AttestationKey is a signing key this TA may certify a newly generated or
// imported key under: either a caller-supplied attestation key, or the
// device's own batch / StrongBox-unique signing key.
type AttestationKey struct {
	Signer        crypto.Signer
	CertDER       []byte
	ChainDER      [][]byte
	IssuerSubject stdpkix.Name
}

// GenerateContext bundles the per-call collaborators and ambient state the
// keyblob-creation procedure needs: the KEK, secure-deletion slots, the
// signing key used for attestation, and this TA's own security level.
type GenerateContext struct {
	SecurityLevel  pkix.SecurityLevel
	KEK            RootKEK
	SD             SecureDeletionSecrets
	AttestationKey *AttestationKey
	DeviceKey      *AttestationKey
	ModuleHash     []byte
	UniqueIDKey    []byte
	Now            func() time.Time
}

func (ctx GenerateContext) now() time.Time {
	if ctx.Now != nil {
		return ctx.Now()
	}
	return time.Now()
}

// Result is the output of Generate/Import/ImportWrapped: the certificate
// chain (empty for symmetric keys) and the sealed keyblob.
type Result struct {
	CertChain [][]byte
	Blob      *EncryptedKeyBlob
}

// Generate implements spec.md §4.F's Generate operation: classify
// parameters, dispatch to the matching algorithm generator, then run the
// common keyblob-creation procedure.
func Generate(params []KeyParameter, ctx GenerateContext) (*Result, error) {
	algoParam, ok := find(params, TagAlgorithm)
	algo, isUint := uintValue(algoParam, ok)
	if !ok || !isUint {
		return nil, errs.NewDetails(errs.InvalidArgument, "missing or malformed Algorithm parameter")
	}

	km, err := generateKeyMaterial(Algorithm(algo), params)
	if err != nil {
		return nil, err
	}

	allParams := append(append([]KeyParameter(nil), params...), KeyParameter{
		Tag:   MakeTag(TagOrigin, ParamTypeEnum),
		Value: uint64(OriginGenerated),
	}, KeyParameter{
		Tag:   MakeTag(TagCreationDatetime, ParamTypeDate),
		Value: uint64(ctx.now().UnixMilli()),
	})

	return buildKeyBlob(km, allParams, ctx)
}

func generateKeyMaterial(algo Algorithm, params []KeyParameter) (keymaterial.KeyMaterial, error) {
	switch algo {
	case AlgorithmRSA:
		return generateRSA(params)
	case AlgorithmEC:
		return generateEC(params)
	case AlgorithmAES:
		return generateAES(params)
	case AlgorithmTripleDES:
		return generateTripleDES(params)
	case AlgorithmHMAC:
		return generateHMAC(params)
	default:
		return nil, errs.New(errs.InvalidArgument)
	}
}

func generateRSA(params []KeyParameter) (keymaterial.KeyMaterial, error) {
	sizeParam, ok := find(params, TagKeySize)
	size, isUint := uintValue(sizeParam, ok)
	if !ok || !isUint || size == 0 {
		return nil, errs.NewDetails(errs.InvalidArgument, "missing RSA KeySize")
	}
	priv, err := rsa.GenerateKey(rand.Reader, int(size))
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	return keymaterial.RSAMaterial{Private: priv, Public: &priv.PublicKey}, nil
}

func generateEC(params []KeyParameter) (keymaterial.KeyMaterial, error) {
	curveParam, ok := find(params, TagEcCurve)
	curveVal, isUint := uintValue(curveParam, ok)
	if !ok || !isUint {
		return nil, errs.NewDetails(errs.InvalidArgument, "missing EcCurve")
	}

	switch EcCurve(curveVal) {
	case EcCurveP224:
		return generateNISTKey(elliptic.P224(), pkix.CurveP224)
	case EcCurveP256:
		return generateNISTKey(elliptic.P256(), pkix.CurveP256)
	case EcCurveP384:
		return generateNISTKey(elliptic.P384(), pkix.CurveP384)
	case EcCurveP521:
		return generateNISTKey(elliptic.P521(), pkix.CurveP521)
	case EcCurveCurve25519:
		return generateCurve25519Key(params)
	default:
		return nil, errs.New(errs.UnsupportedEcCurve)
	}
}

func generateNISTKey(curve elliptic.Curve, pkixCurve pkix.Curve) (keymaterial.KeyMaterial, error) {
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	return keymaterial.ECMaterial{Curve: pkixCurve, CurveType: keymaterial.CurveTypeNIST, Key: priv}, nil
}

func generateCurve25519Key(params []KeyParameter) (keymaterial.KeyMaterial, error) {
	purposes := findAll(params, TagPurpose)
	for _, p := range purposes {
		if v, ok := uintValue(p, true); ok && Purpose(v) == PurposeAgreeKey {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return nil, errs.Wrap(errs.InternalError, err)
			}
			return keymaterial.ECMaterial{CurveType: keymaterial.CurveTypeXDH, Key: raw}, nil
		}
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	return keymaterial.ECMaterial{CurveType: keymaterial.CurveTypeEdDSA, Key: priv}, nil
}

func generateAES(params []KeyParameter) (keymaterial.KeyMaterial, error) {
	sizeParam, ok := find(params, TagKeySize)
	sizeBits, isUint := uintValue(sizeParam, ok)
	if !ok || !isUint {
		return nil, errs.NewDetails(errs.InvalidArgument, "missing AES KeySize")
	}
	variant := keymaterial.AESVariant(sizeBits / 8)
	switch variant {
	case keymaterial.AES128, keymaterial.AES192, keymaterial.AES256:
	default:
		return nil, errs.New(errs.UnsupportedKeySize)
	}
	key := make([]byte, variant)
	if _, err := rand.Read(key); err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	return keymaterial.AESMaterial{Variant: variant, Bytes: key}, nil
}

func generateTripleDES(params []KeyParameter) (keymaterial.KeyMaterial, error) {
	key := make([]byte, 24)
	if _, err := rand.Read(key); err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	return keymaterial.TripleDESMaterial{Bytes: key}, nil
}

func generateHMAC(params []KeyParameter) (keymaterial.KeyMaterial, error) {
	sizeParam, ok := find(params, TagKeySize)
	sizeBits, isUint := uintValue(sizeParam, ok)
	if !ok || !isUint || sizeBits == 0 {
		return nil, errs.NewDetails(errs.InvalidArgument, "missing HMAC KeySize")
	}
	key := make([]byte, sizeBits/8)
	if _, err := rand.Read(key); err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	return keymaterial.HMACMaterial{Bytes: key}, nil
}

// buildKeyBlob runs the common keyblob-creation procedure of spec.md
// §4.F: build the PlaintextKeyBlob, optionally attest + certify an
// asymmetric key, and seal under the root KEK.
func buildKeyBlob(km keymaterial.KeyMaterial, params []KeyParameter, ctx GenerateContext) (*Result, error) {
	chars := []KeyCharacteristics{{SecurityLevel: ctx.SecurityLevel, Authorizations: params}}
	plain := PlaintextKeyBlob{Characteristics: chars, KeyMaterial: km}

	var certChain [][]byte
	if pub := publicKeyFor(km); pub != nil {
		req, err := certificateRequestFor(km, pub, params, ctx)
		if err != nil {
			return nil, err
		}
		certChain, err = BuildCertificateChain(*req)
		if err != nil {
			return nil, err
		}
	}

	useSD := false
	for _, p := range params {
		if p.Tag.Number() == TagMaxUsesPerBoot {
			useSD = true
		}
	}
	sd := ctx.SD
	if sd == nil {
		sd = NoSecureDeletion{}
	}

	blob, err := SealKeyBlob(plain, ctx.KEK, sd, useSD)
	if err != nil {
		return nil, err
	}
	return &Result{CertChain: certChain, Blob: blob}, nil
}

func publicKeyFor(km keymaterial.KeyMaterial) crypto.PublicKey {
	switch m := km.(type) {
	case keymaterial.RSAMaterial:
		return m.Public
	case keymaterial.ECMaterial:
		switch m.CurveType {
		case keymaterial.CurveTypeNIST:
			if priv, ok := m.Key.(*ecdsa.PrivateKey); ok {
				return &priv.PublicKey
			}
		case keymaterial.CurveTypeEdDSA:
			if priv, ok := m.Key.(ed25519.PrivateKey); ok {
				return priv.Public()
			}
		}
	}
	return nil
}

func certificateRequestFor(km keymaterial.KeyMaterial, pub crypto.PublicKey, params []KeyParameter, ctx GenerateContext) (*CertificateRequest, error) {
	req := &CertificateRequest{
		PublicKey:     pub,
		CreationTime:  ctx.now(),
		SecurityLevel: ctx.SecurityLevel,
	}

	for _, p := range findAll(params, TagPurpose) {
		if v, ok := uintValue(p, true); ok {
			req.Purposes = append(req.Purposes, Purpose(v))
		}
	}
	for _, p := range findAll(params, TagDigest) {
		if v, ok := uintValue(p, true); ok {
			req.Digests = append(req.Digests, Digest(v))
		}
	}
	if p, ok := find(params, TagAlgorithm); ok {
		if v, isUint := uintValue(p, ok); isUint {
			req.Algorithm = Algorithm(v)
		}
	}
	if p, ok := find(params, TagKeySize); ok {
		if v, isUint := uintValue(p, ok); isUint {
			req.KeySize = int64(v)
		}
	}
	if p, ok := find(params, TagEcCurve); ok {
		if v, isUint := uintValue(p, ok); isUint {
			req.EcCurve = EcCurve(v)
		}
	}
	if p, ok := find(params, TagOrigin); ok {
		if v, isUint := uintValue(p, ok); isUint {
			req.Origin = Origin(v)
		}
	}
	if p, ok := find(params, TagAttestationApplicationId); ok {
		if b, isBytes := bytesValue(p, ok); isBytes {
			req.AttestationApplicationID = b
		}
	}
	req.ModuleHash = ctx.ModuleHash

	if p, ok := find(params, TagAttestationChallenge); ok {
		b, isBytes := bytesValue(p, ok)
		if !isBytes {
			return nil, errs.New(errs.InvalidArgument)
		}
		if len(b) > maxAttestationChallengeLen {
			return nil, errs.New(errs.InvalidInputLength)
		}
		req.AttestationChallenge = b
		if len(req.AttestationApplicationID) == 0 {
			return nil, errs.New(errs.AttestationApplicationIdMissing)
		}

		signer := ctx.AttestationKey
		if signer == nil {
			signer = ctx.DeviceKey
		}
		if signer == nil {
			return nil, errs.New(errs.AttestationKeysNotProvisioned)
		}
		req.SigningKey = signer.Signer
		req.SigningCertDER = signer.CertDER
		req.SigningChainDER = signer.ChainDER
		req.SigningIssuer = signer.IssuerSubject

		if p, ok := find(params, TagIncludeUniqueId); ok && boolValue(p, ok) {
			req.IncludeUniqueID = true
			req.UniqueIDKey = ctx.UniqueIDKey
			if p, ok := find(params, TagResetSinceIdRotation); ok {
				if v, isUint := uintValue(p, ok); isUint {
					req.ResetSinceIdRotation = v
				}
			}
		}
	} else {
		// Unattested leaf: self-signed by the key's own private half.
		signer, ok := signerFor(km)
		if !ok {
			return nil, errs.New(errs.UnsupportedKeyFormat)
		}
		req.SigningKey = signer
	}

	return req, nil
}

// signerFor extracts the crypto.Signer for the key's own private half, for
// the unattested self-signed certificate path.
func signerFor(km keymaterial.KeyMaterial) (crypto.Signer, bool) {
	switch m := km.(type) {
	case keymaterial.RSAMaterial:
		if priv, ok := m.Private.(*rsa.PrivateKey); ok {
			return priv, true
		}
	case keymaterial.ECMaterial:
		switch m.CurveType {
		case keymaterial.CurveTypeNIST:
			if priv, ok := m.Key.(*ecdsa.PrivateKey); ok {
				return priv, true
			}
		case keymaterial.CurveTypeEdDSA:
			if priv, ok := m.Key.(ed25519.PrivateKey); ok {
				return priv, true
			}
		}
	}
	return nil, false
}
