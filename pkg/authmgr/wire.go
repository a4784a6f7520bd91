package authmgr

import (
	"github.com/siros-tee/authcore/pkg/cborx"
	"github.com/siros-tee/authcore/pkg/errs"
)

// connectionRequest is the CBOR structure a guest instance signs to prove
// possession of its DICE leaf signing key during phase 1 completion
// (spec.md §4.H step 2): the challenge issued in step 1 bound to both
// ends' transport ids, so a signature cannot be replayed against a
// different connection.
type connectionRequest struct {
	_               struct{} `cbor:",toarray"`
	Challenge       []byte
	PeerTransportID []byte
	SelfTransportID []byte
}

// buildConnectionRequest reconstructs the exact CBOR bytes the peer must
// have signed, from the values the backend itself holds — the backend
// never trusts a peer-supplied copy of this structure.
func buildConnectionRequest(mode *cborx.Mode, challenge [32]byte, peerTransportID, selfTransportID TransportID) ([]byte, error) {
	req := connectionRequest{
		Challenge:       challenge[:],
		PeerTransportID: peerTransportID,
		SelfTransportID: selfTransportID,
	}
	out, err := mode.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	return out, nil
}
