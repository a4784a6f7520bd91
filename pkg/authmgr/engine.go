package authmgr

import (
	"crypto/rand"

	"github.com/siros-tee/authcore/pkg/cborx"
	"github.com/siros-tee/authcore/pkg/cose"
	"github.com/siros-tee/authcore/pkg/dice"
	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/logger"
)

// Backend is the single-threaded cooperative AuthMgr protocol engine
// (spec.md §4.H/§5): one request at a time, all four caches and the
// persistent-storage collaborator mutated without locking by the caller's
// own goroutine.
type Backend struct {
	log             *logger.Log
	mode            *cborx.Mode
	selfTransportID TransportID
	caches          *caches
	store           PersistentStore
	dialer          TrustedServiceDialer
	isPersistent    IsPersistentInstance
}

// Config bundles the declared cache capacities (spec.md §4.H) a Backend is
// constructed with.
type Config struct {
	AuthStartedCapacity         uint64
	AuthenticatedCapacity       uint64
	PendingClientCapacityPerPvm int
}

// DefaultConfig matches the capacities spec.md §4.H names, which in turn
// match original_source/system/see/authmgr/authmgr-be/src/data_structures.rs's
// MAX_SIZE_AUTH_STARTED_PVMS/MAX_SIZE_AUTH_COMPLETED_PVMS/
// MAX_AUTHORIZED_CLIENTS_PER_CONNECTION.
func DefaultConfig() Config {
	return Config{AuthStartedCapacity: 6, AuthenticatedCapacity: 6, PendingClientCapacityPerPvm: 8}
}

// NewBackend builds an AuthMgr backend. selfTransportID identifies this
// backend's own endpoint of every connection it authenticates, and is
// bound into every signed ConnectionRequest it reconstructs.
func NewBackend(log *logger.Log, cfg Config, store PersistentStore, dialer TrustedServiceDialer, selfTransportID TransportID, isPersistent IsPersistentInstance) (*Backend, error) {
	mode, err := cborx.Default()
	if err != nil {
		return nil, err
	}
	if isPersistent == nil {
		isPersistent = AlwaysPersistent
	}
	return &Backend{
		log:             log,
		mode:            mode,
		selfTransportID: selfTransportID,
		caches:          newCaches(log, cfg.AuthStartedCapacity, cfg.AuthenticatedCapacity, cfg.PendingClientCapacityPerPvm),
		store:           store,
		dialer:          dialer,
		isPersistent:    isPersistent,
	}, nil
}

// Stop halts the backend's cache eviction goroutines.
func (b *Backend) Stop() {
	b.caches.stop()
}

// InitAuthentication is phase 1 step 1 (spec.md §4.H): issue a fresh
// challenge for a guest instance's DICE cert chain.
func (b *Backend) InitAuthentication(conn Connection, certChainBytes []byte, extInstanceID InstanceID) ([32]byte, error) {
	var challenge [32]byte
	transportID := conn.TransportID()

	if b.caches.hasAuthenticatedTransport(transportID) {
		return challenge, errs.New(errs.InstanceAlreadyAuthenticated)
	}

	chain, err := dice.DecodeChain(b.mode, certChainBytes)
	if err != nil {
		return challenge, err
	}

	instanceID, ok := dice.InstanceIDFromChain(chain)
	if !ok {
		if len(extInstanceID) == 0 {
			return challenge, errs.New(errs.InvalidInstanceIdentifier)
		}
		instanceID = extInstanceID
	}

	if b.caches.hasAuthenticatedInstance(instanceID) || b.caches.hasAuthenticatedTransport(transportID) {
		return challenge, errs.New(errs.InstanceAlreadyAuthenticated)
	}
	if _, started := b.caches.getAuthStartedByTransport(transportID); started {
		return challenge, errs.New(errs.AuthenticationAlreadyStarted)
	}

	if _, err := rand.Read(challenge[:]); err != nil {
		return challenge, errs.Wrap(errs.InternalError, err)
	}

	b.caches.putAuthStarted(&AuthStartedPvm{
		TransportID: transportID,
		InstanceID:  instanceID,
		Challenge:   challenge,
		CertChain:   chain,
	})
	if b.log != nil {
		b.log.Debug("authmgr: authentication started", "transportId", transportID.key())
	}
	return challenge, nil
}

// CompleteAuthentication is phase 1 step 2: verify the signed
// ConnectionRequest, match the chain against the supplied policy, persist
// or extend the instance's rollback-protected context, and record the
// connection as authenticated.
func (b *Backend) CompleteAuthentication(conn Connection, signedResponse *cose.Sign1, dicePolicyBytes []byte) error {
	transportID := conn.TransportID()
	if b.caches.hasAuthenticatedTransport(transportID) {
		return errs.New(errs.InstanceAlreadyAuthenticated)
	}

	started, ok := b.caches.removeAuthStartedByTransport(transportID)
	if !ok {
		return errs.New(errs.AuthenticationNotStarted)
	}
	if b.caches.hasAuthenticatedInstance(started.InstanceID) {
		return errs.New(errs.InstanceAlreadyAuthenticated)
	}

	leafKey, err := started.CertChain.LeafSigningKey()
	if err != nil {
		return err
	}
	pub, err := leafKey.PublicKey()
	if err != nil {
		return err
	}
	expectedPayload, err := buildConnectionRequest(b.mode, started.Challenge, transportID, b.selfTransportID)
	if err != nil {
		return err
	}
	if err := cose.Verify1(signedResponse, expectedPayload, pub, nil); err != nil {
		return errs.Wrap(errs.SignatureVerificationFailed, err)
	}

	policy, err := dice.DecodePolicy(b.mode, dicePolicyBytes)
	if err != nil {
		return err
	}
	matched, err := dice.MatchChain(started.CertChain, policy)
	if err != nil {
		return err
	}
	if !matched {
		return errs.New(errs.DicePolicyMatchingFailed)
	}

	var seqNo int32
	persistent := b.isPersistent(started.InstanceID)
	if !persistent {
		return errs.New(errs.Unimplemented)
	}

	existing, found, err := b.store.GetInstanceContext(started.InstanceID)
	if err != nil {
		return err
	}
	if found {
		storedPolicy, err := dice.DecodePolicy(b.mode, existing.DicePolicy)
		if err != nil {
			return err
		}
		storedMatch, err := dice.MatchChain(started.CertChain, storedPolicy)
		if err != nil {
			return err
		}
		if !storedMatch {
			return errs.New(errs.DicePolicyMatchingFailed)
		}
		seqNo = existing.SequenceNumber
		if !bytesEqual(existing.DicePolicy, dicePolicyBytes) {
			existing.DicePolicy = dicePolicyBytes
			if err := b.store.PutInstanceContext(started.InstanceID, existing); err != nil {
				return err
			}
		}
	} else {
		next, err := b.store.NextGlobalSequenceNumber()
		if err != nil {
			return err
		}
		seqNo = next
		if err := b.store.PutInstanceContext(started.InstanceID, &InstanceContext{
			Version:        1,
			SequenceNumber: seqNo,
			DicePolicy:     dicePolicyBytes,
		}); err != nil {
			return err
		}
	}

	entry := &AuthenticatedPvm{
		TransportID: transportID,
		InstanceID:  started.InstanceID,
		CertChain:   started.CertChain,
		DicePolicy:  policy,
		Persistent:  persistent,
		SequenceNo:  seqNo,
		Clients:     make(map[string]*CachedClientAuth),
	}
	if err := b.caches.putAuthenticated(entry); err != nil {
		return err
	}
	b.caches.evictStaleAuthStartedForInstance(started.InstanceID)
	if b.log != nil {
		b.log.Debug("authmgr: instance authenticated", "transportId", transportID.key(), "sequenceNo", seqNo)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// InitConnectionForClient is phase 2 step 1: register a pending client
// authorization against its already-authenticated parent pvm connection.
func (b *Backend) InitConnectionForClient(clientConn Connection, token []byte) error {
	transportID := clientConn.TransportID()
	if !b.caches.hasAuthenticatedTransport(transportID) {
		return errs.New(errs.InstanceNotAuthenticated)
	}
	return b.caches.putPendingClient(transportID, token, clientConn)
}

// AuthorizeAndConnectClientToTrustedService is phase 2 step 2: authorize
// one in-guest client against its DICE cert and policy, update the
// client's rollback-protected persistent context, extend the
// AuthorizedClientsGlobalList, and hand the client connection off to the
// named trusted service.
func (b *Backend) AuthorizeAndConnectClientToTrustedService(
	authConn Connection,
	clientID ClientID,
	serviceName string,
	token []byte,
	clientDiceCertBytes []byte,
	clientDicePolicyBytes []byte,
) error {
	authTransportID := authConn.TransportID()
	pvm, ok := b.caches.getAuthenticatedByTransport(authTransportID)
	if !ok {
		return errs.New(errs.ConnectionNotAuthenticated)
	}

	pending, ok := b.caches.takePendingClient(authTransportID, token)
	if !ok {
		return errs.New(errs.NoConnectionToAuthorize)
	}

	leafKey, err := pvm.CertChain.LeafSigningKey()
	if err != nil {
		return err
	}
	clientNode, err := dice.DecodeSignedNode(b.mode, clientDiceCertBytes, leafKey)
	if err != nil {
		return err
	}
	clientPolicy, err := dice.DecodePolicy(b.mode, clientDicePolicyBytes)
	if err != nil {
		return err
	}
	leafCert := clientDiceCertBytes

	var finalPolicy *dice.Policy
	if cached, cachedOK := pvm.Clients[clientID.key()]; cachedOK {
		matched, err := dice.MatchNode(clientNode, cached.Policy)
		if err != nil {
			return err
		}
		if !matched {
			return errs.New(errs.DicePolicyMatchingFailed)
		}
		if !bytesEqual(cached.CertDER, leafCert) || !policyBytesEqual(b.mode, cached.Policy, clientPolicy) {
			rematched, err := dice.MatchNode(clientNode, clientPolicy)
			if err != nil {
				return err
			}
			if !rematched {
				return errs.New(errs.DicePolicyMatchingFailed)
			}
			cached.CertDER = leafCert
			cached.Policy = clientPolicy
			if pvm.Persistent {
				if err := b.updatePersistedClientPolicy(pvm, clientID, clientDicePolicyBytes); err != nil {
					return err
				}
			}
		}
		finalPolicy = cached.Policy
	} else {
		finalPolicy, err = b.authorizeClientAgainstStore(pvm, clientID, clientNode, clientPolicy, clientDicePolicyBytes)
		if err != nil {
			return err
		}
		pvm.Clients[clientID.key()] = &CachedClientAuth{ClientID: clientID, CertDER: leafCert, Policy: finalPolicy}
	}

	combinedChain := dice.AppendNode(pvm.CertChain, clientNode)
	combinedPolicy, err := dice.ExtendPolicy(pvm.DicePolicy, finalPolicy)
	if err != nil {
		return err
	}
	b.caches.putAuthorizedClient(&AuthorizedClient{
		InstanceID: pvm.InstanceID,
		ClientID:   clientID,
		CertChain:  combinedChain,
		Policy:     combinedPolicy,
	})

	if b.dialer != nil {
		if err := b.dialer.ConnectClientToService(serviceName, pending.ClientConn); err != nil {
			return errs.Wrap(errs.InternalError, err)
		}
	}
	if b.log != nil {
		b.log.Debug("authmgr: client authorized", "clientId", clientID.key(), "service", serviceName)
	}
	return nil
}

func policyBytesEqual(mode *cborx.Mode, a, b *dice.Policy) bool {
	aBytes, err := a.Bytes(mode)
	if err != nil {
		return false
	}
	bBytes, err := b.Bytes(mode)
	if err != nil {
		return false
	}
	return bytesEqual(aBytes, bBytes)
}

// authorizeClientAgainstStore implements step 4's "else consult the
// persistent store" branch: match against any existing persisted client
// context, or assign a fresh sequence number and create one.
func (b *Backend) authorizeClientAgainstStore(pvm *AuthenticatedPvm, clientID ClientID, clientNode *dice.Node, clientPolicy *dice.Policy, clientPolicyBytes []byte) (*dice.Policy, error) {
	existing, found, err := b.store.GetClientContext(pvm.SequenceNo, clientID)
	if err != nil {
		return nil, err
	}
	if found {
		storedPolicy, err := dice.DecodePolicy(b.mode, existing.DicePolicy)
		if err != nil {
			return nil, err
		}
		matched, err := dice.MatchNode(clientNode, storedPolicy)
		if err != nil {
			return nil, err
		}
		if !matched {
			return nil, errs.New(errs.DicePolicyMatchingFailed)
		}
		if !bytesEqual(existing.DicePolicy, clientPolicyBytes) {
			existing.DicePolicy = clientPolicyBytes
			if err := b.store.PutClientContext(pvm.SequenceNo, clientID, existing); err != nil {
				return nil, err
			}
		}
		return storedPolicy, nil
	}

	matched, err := dice.MatchNode(clientNode, clientPolicy)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, errs.New(errs.DicePolicyMatchingFailed)
	}
	seqNo, err := b.store.NextGlobalSequenceNumber()
	if err != nil {
		return nil, err
	}
	if err := b.store.PutClientContext(pvm.SequenceNo, clientID, &ClientContext{
		Version:        1,
		SequenceNumber: seqNo,
		DicePolicy:     clientPolicyBytes,
	}); err != nil {
		return nil, err
	}
	return clientPolicy, nil
}

func (b *Backend) updatePersistedClientPolicy(pvm *AuthenticatedPvm, clientID ClientID, policyBytes []byte) error {
	existing, found, err := b.store.GetClientContext(pvm.SequenceNo, clientID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	existing.DicePolicy = policyBytes
	return b.store.PutClientContext(pvm.SequenceNo, clientID, existing)
}

// ClearCacheUponMainConnectionClose removes every cache entry keyed by the
// closed connection's transport id (spec.md §4.H "Connection close").
func (b *Backend) ClearCacheUponMainConnectionClose(conn Connection) {
	transportID := conn.TransportID()
	if pvm, ok := b.caches.getAuthenticatedByTransport(transportID); ok {
		b.caches.clearAuthorizedClientsForInstance(pvm.InstanceID)
	}
	b.caches.removeAuthenticatedByTransport(transportID)
	b.caches.clearPendingForTransport(transportID)
	if _, ok := b.caches.removeAuthStartedByTransport(transportID); ok {
		if b.log != nil {
			b.log.Debug("authmgr: auth-started entry cleared on close", "transportId", transportID.key())
		}
	}
}
