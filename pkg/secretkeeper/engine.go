package secretkeeper

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jellydator/ttlcache/v3"

	"github.com/siros-tee/authcore/pkg/cborx"
	"github.com/siros-tee/authcore/pkg/cose"
	"github.com/siros-tee/authcore/pkg/dice"
	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/keyops"
	"github.com/siros-tee/authcore/pkg/logger"
)

// sessionHorizon is a capacity-cache ordering key, not a real expiry: every
// session is inserted with the same long TTL and never touched on access,
// so the ttlcache's capacity eviction (it drops the entry nearest its
// expiry) removes the oldest-inserted session first — true FIFO.
const sessionHorizon = 24 * time.Hour

// Arc is one half of an AuthGraph key-exchange artifact: an AES-256-GCM
// sealed 32-byte session key, recovered under the per-boot root key.
type Arc struct {
	Nonce      []byte
	Ciphertext []byte
}

// Engine is the single-threaded cooperative Secretkeeper TA: one request at
// a time, all state owned and mutated by the caller's goroutine without
// locking, matching spec.md §5.
type Engine struct {
	log         *logger.Log
	mode        *cborx.Mode
	rootKey     []byte
	identity    *cose.Key
	sessions    *ttlcache.Cache[string, *SessionArtifacts]
	store       Store
	maxSessions uint64
}

// New builds a Secretkeeper engine. rootKey is the per-boot key Arcs are
// sealed under; identity is the TA's own root COSE_Key, returned verbatim
// by GetSecretkeeperIdentity and ProcessBootloader's GetIdentityKey.
func New(log *logger.Log, rootKey []byte, identity *cose.Key, store Store, maxSessions uint64) (*Engine, error) {
	mode, err := cborx.Default()
	if err != nil {
		return nil, err
	}
	if maxSessions == 0 {
		maxSessions = MaxSessionsDefault
	}

	cache := ttlcache.New[string, *SessionArtifacts](
		ttlcache.WithTTL[string, *SessionArtifacts](sessionHorizon),
		ttlcache.WithCapacity[string, *SessionArtifacts](maxSessions),
		ttlcache.WithDisableTouchOnHit[string, *SessionArtifacts](),
	)
	e := &Engine{log: log, mode: mode, rootKey: rootKey, identity: identity, sessions: cache, store: store, maxSessions: maxSessions}
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *SessionArtifacts]) {
		if log != nil {
			log.Debug("secretkeeper: session evicted", "sessionId", item.Key(), "reason", reason)
		}
	})
	go cache.Start()
	return e, nil
}

// Stop halts the session cache's background eviction goroutine.
func (e *Engine) Stop() {
	e.sessions.Stop()
}

// RecordSharedSessions implements spec.md §4.G's session-establishment
// step: decrypt both Arcs under the per-boot key to recover the
// per-direction AES-GCM keys, capture the peer's DICE chain, and insert
// the resulting SessionArtifacts at the tail of the FIFO session cache.
func (e *Engine) RecordSharedSessions(peerChain *dice.Chain, sessionID []byte, arcSend, arcRecv Arc) error {
	if len(sessionID) != 32 {
		return errs.NewDetails(errs.InvalidInputLength, "session id must be 32 bytes")
	}
	sendKey, err := e.openArc(arcSend)
	if err != nil {
		return err
	}
	recvKey, err := e.openArc(arcRecv)
	if err != nil {
		return err
	}

	artifacts := &SessionArtifacts{
		SessionID: append([]byte(nil), sessionID...),
		PeerChain: peerChain,
		SendKey:   sendKey,
		RecvKey:   recvKey,
	}
	e.sessions.Set(sessionKey(sessionID), artifacts, sessionHorizon)
	if e.log != nil {
		e.log.Debug("secretkeeper: session established", "sessionId", sessionKey(sessionID))
	}
	return nil
}

func (e *Engine) openArc(a Arc) ([]byte, error) {
	dec, err := keyops.NewAESGCMDecryptor(e.rootKey, a.Nonce, 16)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Update(a.Ciphertext); err != nil {
		return nil, err
	}
	key, err := dec.Finish()
	if err != nil {
		return nil, errs.Wrap(errs.SignatureVerificationFailed, err)
	}
	if len(key) != 32 {
		return nil, errs.NewDetails(errs.InvalidInputLength, "recovered session key is not 32 bytes")
	}
	return key, nil
}

func sessionKey(id []byte) string {
	return hex.EncodeToString(id)
}

// nonceFromSeq derives a deterministic 96-bit AES-GCM nonce from a
// per-direction monotonic counter, so every message within one direction
// of one session uses a distinct, predictable nonce and no IV needs to be
// negotiated out of band.
func nonceFromSeq(seq uint64) []byte {
	nonce := make([]byte, 12)
	for i := 0; i < 8; i++ {
		nonce[11-i] = byte(seq >> (8 * i))
	}
	return nonce
}

// ProcessBootloader implements spec.md §4.G's bootloader subprotocol: a
// separate entry point from PerformOp, reachable before the normal AuthGraph
// session is established, that answers exactly one request — GetIdentityKey,
// returning the TA's public root COSE_Key — and rejects every other request,
// or anything that fails to decode, with a deterministic error response.
func (e *Engine) ProcessBootloader(reqBytes []byte) []byte {
	var req BootloaderRequest
	if err := e.mode.Unmarshal(reqBytes, &req); err != nil {
		return e.bootloaderErrorResp(errs.Wrap(errs.EncodingError, err))
	}

	switch req.Op {
	case BootloaderGetIdentityKey:
		der, err := e.identity.Bytes()
		if err != nil {
			return e.bootloaderErrorResp(errs.Wrap(errs.EncodingError, err))
		}
		out, err := e.mode.Marshal(BootloaderResponse{Ok: true, IdentityKey: der})
		if err != nil {
			return e.bootloaderErrorResp(errs.Wrap(errs.EncodingError, err))
		}
		return out
	default:
		return e.bootloaderErrorResp(errs.New(errs.InvalidArgument))
	}
}

func (e *Engine) bootloaderErrorResp(err error) []byte {
	taxErr := errs.Wrap(errs.InternalError, err)
	resp := BootloaderResponse{Ok: false, ErrorCode: string(taxErr.Code)}
	out, merr := e.mode.Marshal(resp)
	if merr != nil {
		return errs.FallbackCBOR()
	}
	return out
}

// PerformOp dispatches one serialized PerformOpReq (spec.md §4.G) and
// returns its serialized PerformOpResp. Errors are never returned to the
// caller as a Go error past this boundary — every failure is folded into
// an Ok=false response, since the wire contract is CBOR-only.
func (e *Engine) PerformOp(reqBytes []byte) []byte {
	var req PerformOpReq
	if err := e.mode.Unmarshal(reqBytes, &req); err != nil {
		return e.errorResp(errs.Wrap(errs.EncodingError, err))
	}

	var resp PerformOpResp
	var err error
	switch req.Op {
	case OpSecretManagement:
		resp, err = e.handleSecretManagement(req.SecretManagement)
	case OpDeleteIds:
		err = e.handleDeleteIds(req.DeleteIds)
		resp = PerformOpResp{Ok: err == nil}
	case OpDeleteAll:
		err = e.store.DeleteAll()
		resp = PerformOpResp{Ok: err == nil}
	case OpGetSecretkeeperIdentity:
		resp, err = e.handleGetIdentity()
	default:
		err = errs.New(errs.InvalidArgument)
	}
	if err != nil {
		return e.errorResp(err)
	}

	out, err := e.mode.Marshal(resp)
	if err != nil {
		return errs.Wrap(errs.EncodingError, err).CBOR()
	}
	return out
}

func (e *Engine) errorResp(err error) []byte {
	taxErr := errs.Wrap(errs.InternalError, err)
	resp := PerformOpResp{Ok: false, ErrorCode: string(taxErr.Code)}
	out, merr := e.mode.Marshal(resp)
	if merr != nil {
		return errs.FallbackCBOR()
	}
	return out
}

func (e *Engine) handleGetIdentity() (PerformOpResp, error) {
	der, err := e.identity.Bytes()
	if err != nil {
		return PerformOpResp{}, errs.Wrap(errs.EncodingError, err)
	}
	return PerformOpResp{Ok: true, Identity: der}, nil
}

func (e *Engine) handleDeleteIds(ids [][]byte) error {
	for _, id := range ids {
		if err := e.store.Delete(SecretID(id)); err != nil {
			return err
		}
	}
	return nil
}

// handleSecretManagement implements the SecretManagement variant: decode
// the caller's CoseEncrypt0, resolve its session by kid, decrypt bound to
// the session's incoming sequence number, dispatch the inner request, and
// re-encrypt the inner response bound to the outgoing sequence number.
func (e *Engine) handleSecretManagement(envelope []byte) (PerformOpResp, error) {
	var enc cose.Encrypt0
	if err := cbor.Unmarshal(envelope, &enc); err != nil {
		return PerformOpResp{}, errs.Wrap(errs.EncodingError, err)
	}
	kid, ok := cose.KidOf(&enc)
	if !ok || len(kid) != 32 {
		return PerformOpResp{}, errs.NewDetails(errs.InvalidArgument, "missing or malformed session kid")
	}

	item := e.sessions.Get(sessionKey(kid))
	if item == nil {
		return PerformOpResp{}, errs.New(errs.InvalidPeerKeKey)
	}
	session := item.Value()

	plaintext, err := cose.OpenWithNonce(&enc, session.RecvKey, nonceFromSeq(session.RecvSeq), nil)
	if err != nil {
		return PerformOpResp{}, err
	}
	session.RecvSeq++

	var inner InnerReq
	if err := e.mode.Unmarshal(plaintext, &inner); err != nil {
		return PerformOpResp{}, errs.Wrap(errs.EncodingError, err)
	}

	innerResp, err := e.dispatchInner(session, inner)
	if err != nil {
		innerResp = InnerResp{Ok: false, ErrCode: string(errs.Wrap(errs.InternalError, err).Code)}
	}

	plainOut, err := e.mode.Marshal(innerResp)
	if err != nil {
		return PerformOpResp{}, errs.Wrap(errs.EncodingError, err)
	}
	sealed, err := cose.SealWithNonce(plainOut, session.SendKey, nonceFromSeq(session.SendSeq), nil, kid)
	if err != nil {
		return PerformOpResp{}, err
	}
	session.SendSeq++

	out, err := cbor.Marshal(sealed)
	if err != nil {
		return PerformOpResp{}, errs.Wrap(errs.EncodingError, err)
	}
	return PerformOpResp{Ok: true, SecretManagement: out}, nil
}

func (e *Engine) dispatchInner(session *SessionArtifacts, req InnerReq) (InnerResp, error) {
	switch req.Op {
	case InnerGetVersion:
		return InnerResp{Ok: true, Version: CurrentVersion}, nil
	case InnerStoreSecret:
		policy, err := decodePolicy(e.mode, req.SealingPolicy)
		if err != nil {
			return InnerResp{}, err
		}
		if err := e.store.Store(req.Id, req.Secret, policy, session.PeerChain); err != nil {
			return InnerResp{}, err
		}
		return InnerResp{Ok: true}, nil
	case InnerGetSecret:
		var override *dice.Policy
		if req.HasUpdatedPolicy {
			p, err := decodePolicy(e.mode, req.SealingPolicy)
			if err != nil {
				return InnerResp{}, err
			}
			override = p
		}
		secret, err := e.store.Get(req.Id, session.PeerChain, override)
		if err != nil {
			return InnerResp{}, err
		}
		return InnerResp{Ok: true, Secret: secret}, nil
	default:
		return InnerResp{}, errs.New(errs.InvalidArgument)
	}
}

func decodePolicy(mode *cborx.Mode, data []byte) (*dice.Policy, error) {
	var p dice.Policy
	if err := mode.Unmarshal(data, &p); err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	return &p, nil
}
