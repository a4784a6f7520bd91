package keymint

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	authpkix "github.com/siros-tee/authcore/pkg/pkix"

	"github.com/siros-tee/authcore/pkg/errs"
)

const maxAttestationChallengeLen = 128

// CertificateRequest carries everything BuildCertificateChain needs to
// produce an attested (or bare, unattested) leaf certificate for a
// generated or imported asymmetric key, grounded on the teacher's
// IACACertRequest/IACACertManager shape adapted to Android key attestation
// instead of mdoc issuer certificates.
type CertificateRequest struct {
	PublicKey crypto.PublicKey

	Purposes  []Purpose
	Algorithm Algorithm
	KeySize   int64
	Digests   []Digest
	EcCurve   EcCurve
	Origin    Origin

	CreationTime time.Time
	NotBefore    time.Time
	NotAfter     time.Time

	// AttestationChallenge being non-empty requests an attested
	// certificate; empty means a bare unattested leaf.
	AttestationChallenge     []byte
	AttestationApplicationID []byte
	ModuleHash               []byte
	SecurityLevel            authpkix.SecurityLevel

	IncludeUniqueID      bool
	UniqueIDKey          []byte
	ResetSinceIdRotation uint64

	// SigningKey signs the leaf: the requested attestation key, the
	// device's batch/unique key, or the leaf key itself for a
	// self-signed unattested certificate.
	SigningKey      crypto.Signer
	SigningCertDER  []byte   // the signing key's own leaf cert, appended after ours
	SigningChainDER [][]byte // the rest of the signing key's chain, appended last
	SigningIssuer   pkix.Name
}

// BuildCertificateChain implements spec.md §4.F's common keyblob-creation
// procedure step 2: build the leaf's SubjectPublicKeyInfo, optionally carry
// the Android attestation extension, sign under the chosen key, and append
// that key's own chain.
func BuildCertificateChain(req CertificateRequest) ([][]byte, error) {
	if len(req.AttestationChallenge) > maxAttestationChallengeLen {
		return nil, errs.New(errs.InvalidInputLength)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}

	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = req.CreationTime
	}
	notAfter := req.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.AddDate(30, 0, 0)
	}

	keyUsage := keyUsageFromPurposes(req.Purposes)
	isCA := keyUsage&x509.KeyUsageCertSign != 0

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "Android Keystore Key"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}

	if len(req.AttestationChallenge) > 0 {
		ext, err := buildAttestationExtension(req)
		if err != nil {
			return nil, err
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}

	issuerTemplate := template
	if req.SigningCertDER != nil {
		issuerCert, err := x509.ParseCertificate(req.SigningCertDER)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidCertChain, err)
		}
		issuerTemplate = issuerCert
	} else if req.SigningIssuer.CommonName != "" {
		issuerCopy := *template
		issuerCopy.Subject = req.SigningIssuer
		issuerTemplate = &issuerCopy
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, template, issuerTemplate, req.PublicKey, req.SigningKey)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}

	chain := [][]byte{leafDER}
	if req.SigningCertDER != nil {
		chain = append(chain, req.SigningCertDER)
	}
	chain = append(chain, req.SigningChainDER...)
	return chain, nil
}

func keyUsageFromPurposes(purposes []Purpose) x509.KeyUsage {
	var ku x509.KeyUsage
	for _, p := range purposes {
		switch p {
		case PurposeSign, PurposeVerify:
			ku |= x509.KeyUsageDigitalSignature
		case PurposeEncrypt, PurposeDecrypt:
			ku |= x509.KeyUsageKeyEncipherment
		case PurposeWrapKey:
			ku |= x509.KeyUsageKeyEncipherment
		case PurposeAgreeKey:
			ku |= x509.KeyUsageKeyAgreement
		case PurposeAttestKey:
			ku |= x509.KeyUsageCertSign
		}
	}
	return ku
}

func buildAttestationExtension(req CertificateRequest) (pkix.Extension, error) {
	hw := authpkix.AuthorizationList{
		Algorithm:        int64(req.Algorithm),
		KeySize:          req.KeySize,
		CreationDatetime: req.CreationTime.UnixMilli(),
		Origin:           int64(req.Origin),
	}
	for _, p := range req.Purposes {
		hw.Purpose = append(hw.Purpose, int64(p))
	}
	for _, d := range req.Digests {
		hw.Digest = append(hw.Digest, int64(d))
	}
	if req.Algorithm == AlgorithmEC {
		hw.EcCurve = int64(req.EcCurve)
	}
	if len(req.AttestationApplicationID) > 0 {
		hw.AttestationApplicationID = req.AttestationApplicationID
	}
	if len(req.ModuleHash) > 0 {
		hw.ModuleHash = req.ModuleHash
	}

	kd := &authpkix.KeyDescription{
		AttestationVersion:       200,
		AttestationSecurityLevel: asn1.Enumerated(req.SecurityLevel),
		KeymintVersion:           400,
		KeymintSecurityLevel:     asn1.Enumerated(req.SecurityLevel),
		AttestationChallenge:     req.AttestationChallenge,
		HardwareEnforced:         hw,
	}

	if req.IncludeUniqueID {
		uniqueID, err := computeUniqueID(req)
		if err != nil {
			return pkix.Extension{}, err
		}
		kd.UniqueID = uniqueID
	}

	value, err := authpkix.EncodeKeyDescription(kd)
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: asn1.ObjectIdentifier(authpkix.OIDAttestationExtension), Critical: false, Value: value}, nil
}

// computeUniqueID implements spec.md §4.F's UniqueId derivation: an
// HMAC-SHA256 under a hardware-backed key over the 30-day creation-time
// bucket, application id, and reset-since-rotation counter, truncated to
// 16 bytes.
func computeUniqueID(req CertificateRequest) ([]byte, error) {
	if len(req.UniqueIDKey) == 0 {
		return nil, errs.New(errs.InternalError)
	}
	const thirtyDaysMillis = 2_592_000_000
	bucket := req.CreationTime.UnixMilli() / thirtyDaysMillis

	var msg []byte
	bucketBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		bucketBytes[i] = byte(bucket >> (8 * i))
	}
	msg = append(msg, bucketBytes...)
	msg = append(msg, req.AttestationApplicationID...)
	resetBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		resetBytes[i] = byte(req.ResetSinceIdRotation >> (8 * i))
	}
	msg = append(msg, resetBytes...)

	mac := hmac.New(sha256.New, req.UniqueIDKey)
	mac.Write(msg)
	return mac.Sum(nil)[:16], nil
}
