package authmgr

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/siros-tee/authcore/pkg/cborx"
	"github.com/siros-tee/authcore/pkg/cose"
	"github.com/siros-tee/authcore/pkg/dice"
)

// fakeConn is a Connection stub identified by a fixed transport id.
type fakeConn struct {
	transportID TransportID
}

func (c *fakeConn) TransportID() TransportID { return c.transportID }

// fakeDialer records every client handed off to a trusted service.
type fakeDialer struct {
	connected []string
}

func (d *fakeDialer) ConnectClientToService(serviceName string, _ Connection) error {
	d.connected = append(d.connected, serviceName)
	return nil
}

func mustMode(t *testing.T) *cborx.Mode {
	t.Helper()
	mode, err := cborx.Default()
	require.NoError(t, err)
	return mode
}

// signNode CBOR-encodes claims (plus, if subjectPub is non-nil, an embedded
// subject_public_key claim) and signs the resulting payload with signerPriv,
// returning the wire-format COSE_Sign1 bytes a DICE chain entry carries.
func signNode(t *testing.T, mode *cborx.Mode, claims map[string]any, subjectPub *cose.Key, signerPriv ed25519.PrivateKey) []byte {
	t.Helper()
	if subjectPub != nil {
		keyBytes, err := subjectPub.Bytes()
		require.NoError(t, err)
		claims["subject_public_key"] = keyBytes
	}
	payload, err := mode.Marshal(claims)
	require.NoError(t, err)

	s, err := cose.Sign1Detached(payload, signerPriv, cose.AlgorithmEdDSA, nil)
	require.NoError(t, err)
	s.Payload = payload

	out, err := cbor.Marshal(s)
	require.NoError(t, err)
	return out
}

// testChain builds a two-node DICE chain (root, pvm) rooted in its own
// self-signed key, with the pvm leaf node vouching for a second keypair
// (pvmLeafPriv) used to sign ConnectionRequests and client authorization
// nodes — the same structure DecodeChain/LeafSigningKey expect.
type testChain struct {
	bytes       []byte
	pvmLeafPriv ed25519.PrivateKey
	instanceID  InstanceID
}

func buildTestChain(t *testing.T, mode *cborx.Mode) testChain {
	t.Helper()
	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pvmLeafPub, pvmLeafPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	rootKey := cose.FromEd25519PublicKey(rootPub)
	leafKey := cose.FromEd25519PublicKey(pvmLeafPub)

	instanceID := InstanceID([]byte("instance-0000000000000000000001"))

	rootNode := signNode(t, mode, map[string]any{
		"component_name":   "root",
		"security_version": int64(3),
	}, rootKey, rootPriv)

	leafNode := signNode(t, mode, map[string]any{
		"component_name":   "pvm",
		"security_version": int64(5),
		"instance_hash":    []byte(instanceID),
	}, leafKey, rootPriv)

	var rootSign1, leafSign1 cose.Sign1
	require.NoError(t, cbor.Unmarshal(rootNode, &rootSign1))
	require.NoError(t, cbor.Unmarshal(leafNode, &leafSign1))

	chainBytes, err := cbor.Marshal([]*cose.Sign1{&rootSign1, &leafSign1})
	require.NoError(t, err)

	return testChain{bytes: chainBytes, pvmLeafPriv: pvmLeafPriv, instanceID: instanceID}
}

func instancePolicy(t *testing.T, mode *cborx.Mode) []byte {
	t.Helper()
	policy := &dice.Policy{
		Version: 1,
		NodeConstraintList: [][]dice.NodeConstraint{
			{{Path: "component_name", Type: dice.ExactMatch, Value: "root"}},
			{{Path: "component_name", Type: dice.ExactMatch, Value: "pvm"}},
		},
	}
	b, err := policy.Bytes(mode)
	require.NoError(t, err)
	return b
}

func clientPolicy(t *testing.T, mode *cborx.Mode, name string) []byte {
	t.Helper()
	policy := &dice.Policy{
		Version: 1,
		NodeConstraintList: [][]dice.NodeConstraint{
			{{Path: "component_name", Type: dice.ExactMatch, Value: name}},
		},
	}
	b, err := policy.Bytes(mode)
	require.NoError(t, err)
	return b
}

func signConnectionRequest(t *testing.T, mode *cborx.Mode, priv ed25519.PrivateKey, challenge [32]byte, peerTransportID, selfTransportID TransportID) *cose.Sign1 {
	t.Helper()
	payload, err := buildConnectionRequest(mode, challenge, peerTransportID, selfTransportID)
	require.NoError(t, err)
	s, err := cose.Sign1Detached(payload, priv, cose.AlgorithmEdDSA, nil)
	require.NoError(t, err)
	return s
}

func newTestBackend(t *testing.T) (*Backend, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	backend, err := NewBackend(nil, Config{
		AuthStartedCapacity:         2,
		AuthenticatedCapacity:       2,
		PendingClientCapacityPerPvm: 2,
	}, NewInMemoryPersistentStore(), dialer, TransportID("backend"), nil)
	require.NoError(t, err)
	t.Cleanup(backend.Stop)
	return backend, dialer
}

func TestAuthMgrInitAndCompleteAuthenticationHappyPath(t *testing.T) {
	mode := mustMode(t)
	backend, _ := newTestBackend(t)
	chain := buildTestChain(t, mode)
	conn := &fakeConn{transportID: TransportID("pvm-conn-1")}

	challenge, err := backend.InitAuthentication(conn, chain.bytes, nil)
	require.NoError(t, err)

	signed := signConnectionRequest(t, mode, chain.pvmLeafPriv, challenge, conn.TransportID(), backend.selfTransportID)
	err = backend.CompleteAuthentication(conn, signed, instancePolicy(t, mode))
	require.NoError(t, err)

	require.True(t, backend.caches.hasAuthenticatedTransport(conn.TransportID()))
	require.True(t, backend.caches.hasAuthenticatedInstance(chain.instanceID))
}

func TestAuthMgrCompleteAuthenticationRejectsBadSignature(t *testing.T) {
	mode := mustMode(t)
	backend, _ := newTestBackend(t)
	chain := buildTestChain(t, mode)
	conn := &fakeConn{transportID: TransportID("pvm-conn-2")}

	challenge, err := backend.InitAuthentication(conn, chain.bytes, nil)
	require.NoError(t, err)

	// Signed under a different (unrelated) key than the chain's leaf key —
	// simulating a rollback/impersonation attempt.
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signed := signConnectionRequest(t, mode, wrongPriv, challenge, conn.TransportID(), backend.selfTransportID)

	err = backend.CompleteAuthentication(conn, signed, instancePolicy(t, mode))
	require.Error(t, err)
}

func TestAuthMgrCompleteAuthenticationRejectsRollback(t *testing.T) {
	mode := mustMode(t)
	backend, _ := newTestBackend(t)
	chain := buildTestChain(t, mode)
	conn := &fakeConn{transportID: TransportID("pvm-conn-3")}

	challenge, err := backend.InitAuthentication(conn, chain.bytes, nil)
	require.NoError(t, err)
	signed := signConnectionRequest(t, mode, chain.pvmLeafPriv, challenge, conn.TransportID(), backend.selfTransportID)
	require.NoError(t, backend.CompleteAuthentication(conn, signed, instancePolicy(t, mode)))

	// A later boot (after the first connection closes) presents a different
	// chain for the same instance, with a lowered security_version and a
	// leaf component_name the policy does not accept — CompleteAuthentication
	// must reject it.
	backend.ClearCacheUponMainConnectionClose(conn)
	conn2 := &fakeConn{transportID: TransportID("pvm-conn-3-reboot")}
	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pvmLeafPub, pvmLeafPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rootKey := cose.FromEd25519PublicKey(rootPub)
	leafKey := cose.FromEd25519PublicKey(pvmLeafPub)

	rootNode := signNode(t, mode, map[string]any{"component_name": "root", "security_version": int64(1)}, rootKey, rootPriv)
	leafNode := signNode(t, mode, map[string]any{
		"component_name":   "not-pvm",
		"security_version": int64(1),
		"instance_hash":    []byte(chain.instanceID),
	}, leafKey, rootPriv)
	var rootSign1, leafSign1 cose.Sign1
	require.NoError(t, cbor.Unmarshal(rootNode, &rootSign1))
	require.NoError(t, cbor.Unmarshal(leafNode, &leafSign1))
	rollbackChainBytes, err := cbor.Marshal([]*cose.Sign1{&rootSign1, &leafSign1})
	require.NoError(t, err)

	_, err = backend.InitAuthentication(conn2, rollbackChainBytes, nil)
	require.NoError(t, err)
	challenge2, ok := backend.caches.getAuthStartedByTransport(conn2.TransportID())
	require.True(t, ok)
	signed2 := signConnectionRequest(t, mode, pvmLeafPriv, challenge2.Challenge, conn2.TransportID(), backend.selfTransportID)

	err = backend.CompleteAuthentication(conn2, signed2, instancePolicy(t, mode))
	require.Error(t, err)
}

func TestAuthMgrClientAuthorizationHappyPath(t *testing.T) {
	mode := mustMode(t)
	backend, dialer := newTestBackend(t)
	chain := buildTestChain(t, mode)
	conn := &fakeConn{transportID: TransportID("pvm-conn-4")}

	challenge, err := backend.InitAuthentication(conn, chain.bytes, nil)
	require.NoError(t, err)
	signed := signConnectionRequest(t, mode, chain.pvmLeafPriv, challenge, conn.TransportID(), backend.selfTransportID)
	require.NoError(t, backend.CompleteAuthentication(conn, signed, instancePolicy(t, mode)))

	clientConn := &fakeConn{transportID: conn.TransportID()}
	token := []byte(uuid.NewString())
	require.NoError(t, backend.InitConnectionForClient(clientConn, token))

	clientNodeBytes := signNode(t, mode, map[string]any{"component_name": "keystore-client"}, nil, chain.pvmLeafPriv)
	clientID := ClientID("client-a")

	err = backend.AuthorizeAndConnectClientToTrustedService(conn, clientID, "keymint", token, clientNodeBytes, clientPolicy(t, mode, "keystore-client"))
	require.NoError(t, err)
	require.Equal(t, []string{"keymint"}, dialer.connected)

	item := backend.caches.authorizedGlobal.Get(clientID.key())
	require.NotNil(t, item)
	require.Equal(t, 3, len(item.Value().CertChain.Nodes))
}

func TestAuthMgrClientAuthorizationRejectsWrongSigner(t *testing.T) {
	mode := mustMode(t)
	backend, _ := newTestBackend(t)
	chain := buildTestChain(t, mode)
	conn := &fakeConn{transportID: TransportID("pvm-conn-5")}

	challenge, err := backend.InitAuthentication(conn, chain.bytes, nil)
	require.NoError(t, err)
	signed := signConnectionRequest(t, mode, chain.pvmLeafPriv, challenge, conn.TransportID(), backend.selfTransportID)
	require.NoError(t, backend.CompleteAuthentication(conn, signed, instancePolicy(t, mode)))

	clientConn := &fakeConn{transportID: conn.TransportID()}
	token := []byte(uuid.NewString())
	require.NoError(t, backend.InitConnectionForClient(clientConn, token))

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clientNodeBytes := signNode(t, mode, map[string]any{"component_name": "keystore-client"}, nil, otherPriv)

	err = backend.AuthorizeAndConnectClientToTrustedService(conn, ClientID("client-b"), "keymint", token, clientNodeBytes, clientPolicy(t, mode, "keystore-client"))
	require.Error(t, err)
}

func TestAuthStartedPvmsEvictsOldestOnOverflow(t *testing.T) {
	mode := mustMode(t)
	backend, _ := newTestBackend(t) // AuthStartedCapacity: 2

	var first TransportID
	for i := 0; i < 3; i++ {
		chain := buildTestChain(t, mode)
		conn := &fakeConn{transportID: TransportID(string(rune('a' + i)))}
		if i == 0 {
			first = conn.TransportID()
		}
		_, err := backend.InitAuthentication(conn, chain.bytes, nil)
		require.NoError(t, err)
	}

	_, stillThere := backend.caches.getAuthStartedByTransport(first)
	require.False(t, stillThere)
	require.LessOrEqual(t, backend.caches.authStarted.Len(), 2)
}

func TestPendingClientAuthorizationsHardFailOnOverflow(t *testing.T) {
	mode := mustMode(t)
	backend, _ := newTestBackend(t) // PendingClientCapacityPerPvm: 2
	chain := buildTestChain(t, mode)
	conn := &fakeConn{transportID: TransportID("pvm-conn-6")}

	challenge, err := backend.InitAuthentication(conn, chain.bytes, nil)
	require.NoError(t, err)
	signed := signConnectionRequest(t, mode, chain.pvmLeafPriv, challenge, conn.TransportID(), backend.selfTransportID)
	require.NoError(t, backend.CompleteAuthentication(conn, signed, instancePolicy(t, mode)))

	require.NoError(t, backend.InitConnectionForClient(&fakeConn{transportID: conn.TransportID()}, []byte(uuid.NewString())))
	require.NoError(t, backend.InitConnectionForClient(&fakeConn{transportID: conn.TransportID()}, []byte(uuid.NewString())))
	err = backend.InitConnectionForClient(&fakeConn{transportID: conn.TransportID()}, []byte(uuid.NewString()))
	require.Error(t, err)
}

func TestClearCacheUponMainConnectionClose(t *testing.T) {
	mode := mustMode(t)
	backend, _ := newTestBackend(t)
	chain := buildTestChain(t, mode)
	conn := &fakeConn{transportID: TransportID("pvm-conn-7")}

	challenge, err := backend.InitAuthentication(conn, chain.bytes, nil)
	require.NoError(t, err)
	signed := signConnectionRequest(t, mode, chain.pvmLeafPriv, challenge, conn.TransportID(), backend.selfTransportID)
	require.NoError(t, backend.CompleteAuthentication(conn, signed, instancePolicy(t, mode)))

	clientConn := &fakeConn{transportID: conn.TransportID()}
	token := []byte(uuid.NewString())
	require.NoError(t, backend.InitConnectionForClient(clientConn, token))
	clientNodeBytes := signNode(t, mode, map[string]any{"component_name": "keystore-client"}, nil, chain.pvmLeafPriv)
	require.NoError(t, backend.AuthorizeAndConnectClientToTrustedService(conn, ClientID("client-c"), "keymint", token, clientNodeBytes, clientPolicy(t, mode, "keystore-client")))

	backend.ClearCacheUponMainConnectionClose(conn)

	require.False(t, backend.caches.hasAuthenticatedTransport(conn.TransportID()))
	require.False(t, backend.caches.hasAuthenticatedInstance(chain.instanceID))
	require.Nil(t, backend.caches.authorizedGlobal.Get(ClientID("client-c").key()))
}
