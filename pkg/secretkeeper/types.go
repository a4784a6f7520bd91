// Package secretkeeper implements the Secretkeeper session engine (spec
// component G): AuthGraph session establishment, per-direction
// sequence-bound CoseEncrypt0 framing, and a policy-gated secret store
// reached through DICE chain matching.
package secretkeeper

import (
	"github.com/siros-tee/authcore/pkg/dice"
)

// CurrentVersion is the inner-request protocol version GetVersion reports.
const CurrentVersion = 1

// MaxSessionsDefault is the session cache's default FIFO capacity.
const MaxSessionsDefault = 4

// SessionID identifies a live AuthGraph session; always exactly 32 bytes.
type SessionID [32]byte

// SecretID identifies a stored secret.
type SecretID []byte

// SessionArtifacts is what record_shared_sessions captures for one
// established AuthGraph session: the peer's canonical DICE chain and the
// two per-direction AES-256-GCM keys, each with its own monotonic sequence
// counter.
type SessionArtifacts struct {
	SessionID []byte
	PeerChain *dice.Chain
	SendKey   []byte
	RecvKey   []byte
	SendSeq   uint64
	RecvSeq   uint64
}

// Opcode names a PerformOpReq variant.
type Opcode uint8

const (
	OpSecretManagement Opcode = iota
	OpDeleteIds
	OpDeleteAll
	OpGetSecretkeeperIdentity
)

// PerformOpReq is the single outer request the TA accepts, keyed by Op;
// exactly one of the typed payload fields is populated per Op.
type PerformOpReq struct {
	_                 struct{} `cbor:",toarray"`
	Op                Opcode
	SecretManagement  []byte // CBOR-encoded cose.Encrypt0, present iff Op == OpSecretManagement
	DeleteIds         [][]byte
}

// PerformOpResp is the single outer response, mirroring PerformOpReq.
type PerformOpResp struct {
	_                struct{} `cbor:",toarray"`
	Ok               bool
	SecretManagement []byte // CBOR-encoded cose.Encrypt0, present iff Ok && the request was SecretManagement
	Identity         []byte // DER COSE_Key, present iff the request was GetSecretkeeperIdentity
	ErrorCode        string
}

// InnerOpcode names a SecretManagement inner request, decrypted from the
// session-bound CoseEncrypt0 envelope.
type InnerOpcode uint8

const (
	InnerGetVersion InnerOpcode = iota
	InnerStoreSecret
	InnerGetSecret
)

// InnerReq is the plaintext request carried inside a SecretManagement
// CoseEncrypt0 envelope.
type InnerReq struct {
	_                   struct{} `cbor:",toarray"`
	Op                  InnerOpcode
	Id                  SecretID
	Secret              []byte
	SealingPolicy       []byte // CBOR-encoded dice.Policy, present for StoreSecret/GetSecret override
	HasUpdatedPolicy    bool
}

// InnerResp is the plaintext response carried inside the reply
// CoseEncrypt0 envelope.
type InnerResp struct {
	_       struct{} `cbor:",toarray"`
	Ok      bool
	Version int
	Secret  []byte
	ErrCode string
}

// BootloaderOpcode names the one request the bootloader entry point
// accepts, per spec.md §4.G.
type BootloaderOpcode uint8

const (
	BootloaderGetIdentityKey BootloaderOpcode = iota
)

// BootloaderRequest is the single request shape ProcessBootloader accepts.
// Unlike PerformOpReq this subprotocol has exactly one op, so the request
// carries no payload: Op is present only so that decoding a malformed or
// unrecognized opcode fails deterministically rather than being coerced
// into GetIdentityKey.
type BootloaderRequest struct {
	_  struct{} `cbor:",toarray"`
	Op BootloaderOpcode
}

// BootloaderResponse is ProcessBootloader's reply. IdentityKey carries the
// DER COSE_Key iff Ok && the request was GetIdentityKey; any other request,
// or a request that fails to decode, comes back with Ok == false and a
// non-empty ErrorCode.
type BootloaderResponse struct {
	_           struct{} `cbor:",toarray"`
	Ok          bool
	IdentityKey []byte
	ErrorCode   string
}
