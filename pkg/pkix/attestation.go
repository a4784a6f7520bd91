package pkix

import (
	"encoding/asn1"

	"github.com/siros-tee/authcore/pkg/errs"
)

// SecurityLevel mirrors the KeyMint attestation SecurityLevel enumeration.
type SecurityLevel int

const (
	SecurityLevelSoftware SecurityLevel = iota
	SecurityLevelTrustedEnvironment
	SecurityLevelStrongBox
)

// ModuleInfo identifies one Android module contributing to the attested
// environment, per spec.md §6's module-info authorization list entry.
type ModuleInfo struct {
	Name    []byte
	Version int64 `asn1:"optional"`
}

// RootOfTrust mirrors the attestation extension's RootOfTrust SEQUENCE.
type RootOfTrust struct {
	VerifiedBootKey   []byte
	DeviceLocked      bool
	VerifiedBootState asn1.Enumerated
	VerifiedBootHash  []byte
}

// AttestationApplicationID mirrors the nested ASN.1 structure carried
// inside the ATTESTATION_APPLICATION_ID authorization tag's OCTET STRING.
type AttestationApplicationID struct {
	PackageInfos []attestationPackageInfo
	Signatures   [][]byte
}

type attestationPackageInfo struct {
	PackageName []byte
	Version     int64
}

// KeyDescription mirrors the top-level SEQUENCE carried in the Android
// key attestation X.509 extension, OID 1.3.6.1.4.1.11129.2.1.17.
type KeyDescription struct {
	AttestationVersion       int
	AttestationSecurityLevel asn1.Enumerated
	KeymintVersion           int
	KeymintSecurityLevel     asn1.Enumerated
	AttestationChallenge     []byte
	UniqueID                 []byte
	SoftwareEnforced         AuthorizationList
	HardwareEnforced         AuthorizationList
}

// AuthorizationList is a deliberately partial mirror of the attestation
// extension's authorization list SEQUENCE — it carries only the fields this
// core's certificate builder and matcher consult, using explicit context
// tags for the rest would need the full KeyMint tag table, out of scope
// here.
type AuthorizationList struct {
	Purpose                    []int64          `asn1:"optional,explicit,tag:1,set"`
	Algorithm                  int64            `asn1:"optional,explicit,tag:2"`
	KeySize                    int64            `asn1:"optional,explicit,tag:3"`
	Digest                     []int64          `asn1:"optional,explicit,tag:5,set"`
	EcCurve                    int64            `asn1:"optional,explicit,tag:10"`
	UserSecureId               int64            `asn1:"optional,explicit,tag:502"`
	NoAuthRequired             asn1.RawValue    `asn1:"optional,explicit,tag:503"`
	CreationDatetime           int64            `asn1:"optional,explicit,tag:701"`
	Origin                     int64            `asn1:"optional,explicit,tag:702"`
	RootOfTrust                RootOfTrust      `asn1:"optional,explicit,tag:704"`
	OsVersion                  int64            `asn1:"optional,explicit,tag:705"`
	OsPatchLevel               int64            `asn1:"optional,explicit,tag:706"`
	AttestationApplicationID   []byte           `asn1:"optional,explicit,tag:709"`
	VendorPatchLevel           int64            `asn1:"optional,explicit,tag:718"`
	BootPatchLevel             int64            `asn1:"optional,explicit,tag:719"`
	ModuleHash                 []byte           `asn1:"optional,explicit,tag:724"`
}

// EncodeKeyDescription DER-encodes a KeyDescription for embedding as the
// extnValue of the attestation extension in an attested leaf certificate.
func EncodeKeyDescription(kd *KeyDescription) ([]byte, error) {
	out, err := asn1.Marshal(*kd)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	return out, nil
}

// ParseKeyDescription parses the attestation extension's extnValue back
// into a KeyDescription, for the verification half of the matcher.
func ParseKeyDescription(der []byte) (*KeyDescription, error) {
	var kd KeyDescription
	rest, err := asn1.Unmarshal(der, &kd)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	if len(rest) != 0 {
		return nil, errs.NewDetails(errs.EncodingError, "trailing bytes after KeyDescription")
	}
	return &kd, nil
}
