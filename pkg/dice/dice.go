// Package dice implements the DICE chain/node-to-policy matcher: the
// pure, side-effect-free predicates AuthMgr and Secretkeeper both use to
// decide whether a peer's measured boot chain still satisfies a stored
// policy, plus the two extension operations that grow a chain or a policy
// by one entry (spec component B).
package dice

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/fxamacker/cbor/v2"

	"github.com/siros-tee/authcore/pkg/cborx"
	"github.com/siros-tee/authcore/pkg/cose"
	"github.com/siros-tee/authcore/pkg/errs"
)

// lookupPath evaluates a policy constraint's dotted path against a node's
// decoded full_map using a real JSONPath expression evaluator, rather than
// hand-rolled map descent, so nested config-descriptor claims (e.g.
// "config_descriptor.component_name") resolve the same way a JSONPath
// query against the equivalent JSON document would.
func lookupPath(fullMap map[string]any, path string) (any, bool) {
	expr := path
	if !strings.HasPrefix(expr, "$") {
		expr = "$." + expr
	}
	v, err := jsonpath.Get(expr, map[string]any(fullMap))
	if err != nil {
		return nil, false
	}
	return v, true
}

// ConstraintType names how a NodeConstraint compares its path's value.
type ConstraintType int

const (
	ExactMatch ConstraintType = iota
	GreaterOrEqual
)

// NodeConstraint is one (path, constraint_type, value) entry within a
// policy's nodeConstraintList.
type NodeConstraint struct {
	Path  string
	Type  ConstraintType
	Value any
}

// Policy is a versioned sequence of per-node constraint lists: entry i of
// NodeConstraintList is matched against chain entry i.
type Policy struct {
	Version            int64
	NodeConstraintList [][]NodeConstraint
}

// Node is a single DICE chain entry: a signed CBOR map whose payload
// carries boundary claims under FullMap, plus the subject public key the
// next chain entry's signature must verify under.
type Node struct {
	Sign1        *cose.Sign1
	FullMap      map[string]any
	SubjectKey   *cose.Key
}

// Chain is a signed sequence of DICE nodes, root (device-unique key)
// first, leaf (current boundary) last.
type Chain struct {
	Nodes []Node
}

// DecodeNodePayload decodes a chain node's COSE_Sign1 payload into its
// full_map claims, using the canonical CBOR mode so the resulting map is
// comparable across encodings of equivalent input and so a duplicate-key
// or indefinite-length payload is rejected the same way every other wire
// structure in this module rejects one.
func DecodeNodePayload(mode *cborx.Mode, payload []byte) (map[string]any, error) {
	return mode.DecodeToMap(payload)
}

// MatchChain is true iff the chain's entries satisfy, in order, the
// policy's node constraint lists. A missing required path, or a
// constraint list with no corresponding chain entry, is a match failure —
// never an error, since matching is total.
func MatchChain(chain *Chain, policy *Policy) (bool, error) {
	if len(policy.NodeConstraintList) > len(chain.Nodes) {
		return false, nil
	}
	for i, constraints := range policy.NodeConstraintList {
		ok, err := matchConstraints(chain.Nodes[i].FullMap, constraints)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// MatchNode is true iff the node's full_map satisfies the policy's first
// node constraint list (or unconditionally true, if the policy carries no
// constraints at all).
func MatchNode(node *Node, policy *Policy) (bool, error) {
	if len(policy.NodeConstraintList) == 0 {
		return true, nil
	}
	return matchConstraints(node.FullMap, policy.NodeConstraintList[0])
}

func matchConstraints(fullMap map[string]any, constraints []NodeConstraint) (bool, error) {
	for _, c := range constraints {
		val, ok := lookupPath(fullMap, c.Path)
		if !ok {
			return false, nil
		}
		matched, err := evalConstraint(c, val)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func evalConstraint(c NodeConstraint, actual any) (bool, error) {
	switch c.Type {
	case ExactMatch:
		return exactMatch(c.Value, actual), nil
	case GreaterOrEqual:
		return greaterOrEqual(actual, c.Value)
	default:
		return false, errs.NewDetails(errs.InvalidArgument, fmt.Sprintf("unknown constraint type %d", c.Type))
	}
}

func exactMatch(want, got any) bool {
	switch w := want.(type) {
	case []byte:
		g, ok := got.([]byte)
		return ok && bytes.Equal(w, g)
	default:
		return want == got
	}
}

// greaterOrEqual compares two values the policy and the node both encode
// as an unsigned or signed integer — CBOR decode surfaces these as
// int64/uint64 depending on sign, so both combinations must be handled.
func greaterOrEqual(actual, want any) (bool, error) {
	a, aok := asInt64(actual)
	w, wok := asInt64(want)
	if !aok || !wok {
		return false, errs.NewDetails(errs.InvalidArgument, "GreaterOrEqual requires integer operands")
	}
	return a >= w, nil
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case uint64:
		if t > 1<<63-1 {
			return 0, false
		}
		return int64(t), true
	default:
		return 0, false
	}
}

// ExtendPolicy concatenates child's node constraint lists onto parent's,
// requiring both carry the same version.
func ExtendPolicy(parent, child *Policy) (*Policy, error) {
	if parent.Version != child.Version {
		return nil, errs.NewDetails(errs.InvalidArgument, "policy versions differ")
	}
	combined := make([][]NodeConstraint, 0, len(parent.NodeConstraintList)+len(child.NodeConstraintList))
	combined = append(combined, parent.NodeConstraintList...)
	combined = append(combined, child.NodeConstraintList...)
	return &Policy{Version: parent.Version, NodeConstraintList: combined}, nil
}

// ExtendChain appends one signed CBOR node to chain, verifying the new
// node's signature under the current leaf's subject public key.
func ExtendChain(mode *cborx.Mode, chain *Chain, childPayload []byte, child *cose.Sign1) (*Chain, error) {
	if len(chain.Nodes) == 0 {
		return nil, errs.New(errs.InvalidArgument)
	}
	leaf := chain.Nodes[len(chain.Nodes)-1]
	if leaf.SubjectKey == nil {
		return nil, errs.NewDetails(errs.InvalidArgument, "leaf node carries no subject key")
	}
	node, err := verifyNodeAgainstKey(mode, childPayload, child, leaf.SubjectKey)
	if err != nil {
		return nil, err
	}
	return AppendNode(chain, &node), nil
}

// DecodeChain parses a wire-format DICE chain — a CBOR array of COSE_Sign1
// entries, root first, leaf last — verifying each non-root node's
// signature under the preceding node's embedded subject public key and the
// root's signature under its own embedded key (DICE chains are rooted in a
// device-unique self-signed key).
func DecodeChain(mode *cborx.Mode, data []byte) (*Chain, error) {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.InvalidCertChain, err)
	}
	if len(raw) == 0 {
		return nil, errs.NewDetails(errs.InvalidCertChain, "empty chain")
	}

	nodes := make([]Node, 0, len(raw))
	for i, item := range raw {
		var s cose.Sign1
		if err := cbor.Unmarshal(item, &s); err != nil {
			return nil, errs.Wrap(errs.InvalidCertChain, err)
		}
		fullMap, err := DecodeNodePayload(mode, s.Payload)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidCertChain, err)
		}
		subjectKey, _ := subjectKeyFromPayload(fullMap)

		var verifyKey *cose.Key
		if i == 0 {
			verifyKey = subjectKey
		} else {
			verifyKey = nodes[i-1].SubjectKey
		}
		if verifyKey == nil {
			return nil, errs.NewDetails(errs.InvalidCertChain, "no signing key for chain entry")
		}
		pub, err := verifyKey.PublicKey()
		if err != nil {
			return nil, errs.Wrap(errs.InvalidCertChain, err)
		}
		if err := cose.Verify1(&s, s.Payload, pub, nil); err != nil {
			return nil, errs.Wrap(errs.InvalidSignature, err)
		}

		nodes = append(nodes, Node{Sign1: &s, FullMap: fullMap, SubjectKey: subjectKey})
	}
	return &Chain{Nodes: nodes}, nil
}

// DecodeSignedNode decodes a single wire-format COSE_Sign1 DICE node (a
// client's own boundary entry, as opposed to a whole chain) and verifies
// its signature under signerKey — used by AuthMgr client authorization
// (spec.md §4.H step 2), which presents one additional boundary entry
// signed under the authenticated pvm's current leaf key rather than a
// whole chain.
func DecodeSignedNode(mode *cborx.Mode, data []byte, signerKey *cose.Key) (*Node, error) {
	var s cose.Sign1
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, errs.Wrap(errs.InvalidCertChain, err)
	}
	node, err := verifyNodeAgainstKey(mode, s.Payload, &s, signerKey)
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// AppendNode appends an already-verified node onto chain, producing the
// combined DICE artifacts AuthMgr records for an authorized client
// (spec.md §4.H step 5: "the cached pvm cert chain extended by the
// client's leaf cert").
func AppendNode(chain *Chain, node *Node) *Chain {
	nodes := make([]Node, 0, len(chain.Nodes)+1)
	nodes = append(nodes, chain.Nodes...)
	nodes = append(nodes, *node)
	return &Chain{Nodes: nodes}
}

// verifyNodeAgainstKey verifies a COSE_Sign1 node's signature under
// signerKey and decodes its payload into a Node, the shared step both
// ExtendChain and DecodeSignedNode perform.
func verifyNodeAgainstKey(mode *cborx.Mode, payload []byte, sign1 *cose.Sign1, signerKey *cose.Key) (Node, error) {
	pub, err := signerKey.PublicKey()
	if err != nil {
		return Node{}, err
	}
	if err := cose.Verify1(sign1, payload, pub, nil); err != nil {
		return Node{}, errs.Wrap(errs.InvalidSignature, err)
	}
	fullMap, err := DecodeNodePayload(mode, payload)
	if err != nil {
		return Node{}, err
	}
	node := Node{Sign1: sign1, FullMap: fullMap}
	if sk, err := subjectKeyFromPayload(fullMap); err == nil {
		node.SubjectKey = sk
	}
	return node, nil
}

// LeafSigningKey returns the chain's leaf node's subject public key — the
// key a signed ConnectionRequest from this peer must verify under.
func (c *Chain) LeafSigningKey() (*cose.Key, error) {
	if len(c.Nodes) == 0 {
		return nil, errs.New(errs.InvalidCertChain)
	}
	leaf := c.Nodes[len(c.Nodes)-1]
	if leaf.SubjectKey == nil {
		return nil, errs.NewDetails(errs.InvalidCertChain, "leaf node carries no subject key")
	}
	return leaf.SubjectKey, nil
}

// InstanceIDClaim is the conventional full_map key a guest-OS boundary
// entry carries its stable cross-boot instance identifier under.
const InstanceIDClaim = "instance_hash"

// InstanceIDFromChain searches the chain, leaf to root, for a node carrying
// the conventional instance-identifier claim (the "guest-OS entry" of
// spec.md §4.H step 2) and returns its bytes.
func InstanceIDFromChain(chain *Chain) ([]byte, bool) {
	for i := len(chain.Nodes) - 1; i >= 0; i-- {
		raw, ok := chain.Nodes[i].FullMap[InstanceIDClaim]
		if !ok {
			continue
		}
		b, ok := raw.([]byte)
		if !ok {
			continue
		}
		return b, true
	}
	return nil, false
}

// DecodePolicy parses a wire-format DICE policy under the shared canonical
// CBOR mode.
func DecodePolicy(mode *cborx.Mode, data []byte) (*Policy, error) {
	var p Policy
	if err := mode.Unmarshal(data, &p); err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	return &p, nil
}

// Bytes CBOR-encodes the policy under the shared canonical mode.
func (p *Policy) Bytes(mode *cborx.Mode) ([]byte, error) {
	out, err := mode.Marshal(p)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	return out, nil
}

// subjectKeyFromPayload extracts a child node's embedded COSE_Key from its
// decoded full_map, under the conventional "subject_public_key" claim.
func subjectKeyFromPayload(fullMap map[string]any) (*cose.Key, error) {
	raw, ok := fullMap["subject_public_key"]
	if !ok {
		return nil, errs.New(errs.InvalidArgument)
	}
	b, ok := raw.([]byte)
	if !ok {
		return nil, errs.New(errs.EncodingError)
	}
	var k cose.Key
	if err := cbor.Unmarshal(b, &k); err != nil {
		return nil, errs.Wrap(errs.EncodingError, err)
	}
	return &k, nil
}
