// Package authmgr implements the AuthMgr protocol engine (spec component
// H): the two-phase handshake that authenticates a guest execution
// environment's DICE identity to the backend, then authorizes individual
// in-guest clients and hands their connections off to named trusted
// services, with rollback protection anchored in persistent per-instance
// and per-client state.
package authmgr

import (
	"encoding/hex"

	"github.com/siros-tee/authcore/pkg/dice"
)

// TransportID is a connection-scoped peer identifier, stable for the life
// of one transport connection.
type TransportID []byte

// InstanceID is a stable cross-boot identifier for a guest execution
// environment (spec glossary: "a stable 64-byte value").
type InstanceID []byte

// ClientID identifies one in-guest client within an authenticated
// instance.
type ClientID []byte

func (t TransportID) key() string { return hex.EncodeToString(t) }
func (i InstanceID) key() string  { return hex.EncodeToString(i) }
func (c ClientID) key() string    { return hex.EncodeToString(c) }

// Connection is the minimal collaborator surface the backend needs from
// the (out-of-scope) binder/RPC transport layer: a stable transport id for
// the life of the connection.
type Connection interface {
	TransportID() TransportID
}

// AuthStartedPvm is one entry in the AuthStartedPvms FIFO cache: a guest
// instance that has received a challenge but not yet completed phase 1.
type AuthStartedPvm struct {
	TransportID TransportID
	InstanceID  InstanceID
	Challenge   [32]byte
	CertChain   *dice.Chain
}

// CachedClientAuth is one client's authorization state cached on its
// parent AuthenticatedPvm, so a repeated authorization for the same
// client_id can be served from cache without a storage round trip.
type CachedClientAuth struct {
	ClientID ClientID
	CertDER  []byte
	Policy   *dice.Policy
}

// AuthenticatedPvm is one entry in the AuthenticatedPvms cache: a guest
// instance that has completed phase 1, plus whatever client authorizations
// phase 2 has cached against it.
type AuthenticatedPvm struct {
	TransportID TransportID
	InstanceID  InstanceID
	CertChain   *dice.Chain
	DicePolicy  *dice.Policy
	Persistent  bool
	SequenceNo  int32
	Clients     map[string]*CachedClientAuth
}

// PendingClientAuth is one entry awaiting phase-2 authorization: the raw
// client connection and the opaque token the client presented when it
// asked to be authorized, keyed by (transport_id, token).
type PendingClientAuth struct {
	Token      []byte
	ClientConn Connection
}

// AuthorizedClient is one entry of AuthorizedClientsGlobalList: the
// combined DICE artifacts (pvm chain extended by the client's leaf cert,
// pvm policy extended by the client's policy) for a currently-authorized
// client.
type AuthorizedClient struct {
	InstanceID InstanceID
	ClientID   ClientID
	CertChain  *dice.Chain
	Policy     *dice.Policy
}

// InstanceContext is the persisted per-instance state (spec.md §6):
// {version=1, sequence_number, dice_policy}, keyed by instance id.
type InstanceContext struct {
	Version        uint32
	SequenceNumber int32
	DicePolicy     []byte
}

// ClientContext is the persisted per-client state under a persistent
// instance, keyed by (instance_seq_no, client_id).
type ClientContext struct {
	Version        uint32
	SequenceNumber int32
	DicePolicy     []byte
}

// PersistentStore is the storage collaborator (§1 "DELIBERATELY OUT OF
// SCOPE... treated as external collaborators, interfaces only"): per-
// instance and per-client contexts, plus the single monotonically
// increasing global sequence number both call sites stamp atomically.
type PersistentStore interface {
	// NextGlobalSequenceNumber atomically reads-and-increments the global
	// sequence counter and persists the new value before returning it.
	NextGlobalSequenceNumber() (int32, error)

	GetInstanceContext(id InstanceID) (*InstanceContext, bool, error)
	PutInstanceContext(id InstanceID, ctx *InstanceContext) error

	GetClientContext(instanceSeqNo int32, id ClientID) (*ClientContext, bool, error)
	PutClientContext(instanceSeqNo int32, id ClientID, ctx *ClientContext) error
}

// TrustedServiceDialer hands an authorized client connection off to a
// named trusted service — an external collaborator, since the binder/RPC
// transport glue that actually performs the handoff is out of scope (§1).
type TrustedServiceDialer interface {
	ConnectClientToService(serviceName string, clientConn Connection) error
}

// IsPersistentInstance classifies whether the device treats a given
// instance as persistent (spec.md §4.H step 7: "If the device classifies
// this instance as persistent"). Non-persistent instances are out of scope
// for this release (Unimplemented); the default classifier always answers
// true, matching the only path the spec fully specifies.
type IsPersistentInstance func(id InstanceID) bool

// AlwaysPersistent is the default IsPersistentInstance classifier: every
// instance is treated as persistent, since spec.md explicitly leaves
// non-persistent instances "out of scope in this release".
func AlwaysPersistent(InstanceID) bool { return true }
