package dice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func node(fullMap map[string]any) Node {
	return Node{FullMap: fullMap}
}

func TestMatchChainExactAndGreaterOrEqual(t *testing.T) {
	chain := &Chain{Nodes: []Node{
		node(map[string]any{"component_name": "root", "security_version": int64(3)}),
		node(map[string]any{"component_name": "pvm", "security_version": int64(5)}),
	}}
	policy := &Policy{
		Version: 1,
		NodeConstraintList: [][]NodeConstraint{
			{{Path: "component_name", Type: ExactMatch, Value: "root"}},
			{
				{Path: "component_name", Type: ExactMatch, Value: "pvm"},
				{Path: "security_version", Type: GreaterOrEqual, Value: int64(5)},
			},
		},
	}

	ok, err := MatchChain(chain, policy)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchChainFailsOnRollback(t *testing.T) {
	chain := &Chain{Nodes: []Node{
		node(map[string]any{"security_version": int64(4)}),
	}}
	policy := &Policy{
		Version: 1,
		NodeConstraintList: [][]NodeConstraint{
			{{Path: "security_version", Type: GreaterOrEqual, Value: int64(5)}},
		},
	}

	ok, err := MatchChain(chain, policy)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMatchChainMissingPathFails(t *testing.T) {
	chain := &Chain{Nodes: []Node{node(map[string]any{"other": "x"})}}
	policy := &Policy{
		NodeConstraintList: [][]NodeConstraint{
			{{Path: "component_name", Type: ExactMatch, Value: "root"}},
		},
	}
	ok, err := MatchChain(chain, policy)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMatchNodeEmptyPolicyAlwaysMatches(t *testing.T) {
	ok, err := MatchNode(&Node{FullMap: map[string]any{}}, &Policy{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExtendPolicyRequiresMatchingVersion(t *testing.T) {
	parent := &Policy{Version: 1, NodeConstraintList: [][]NodeConstraint{{{Path: "a", Type: ExactMatch, Value: "x"}}}}
	child := &Policy{Version: 2}
	_, err := ExtendPolicy(parent, child)
	require.Error(t, err)

	child.Version = 1
	child.NodeConstraintList = [][]NodeConstraint{{{Path: "b", Type: ExactMatch, Value: "y"}}}
	combined, err := ExtendPolicy(parent, child)
	require.NoError(t, err)
	require.Len(t, combined.NodeConstraintList, 2)
}

func TestExactMatchBytes(t *testing.T) {
	ok, err := evalConstraint(NodeConstraint{Type: ExactMatch, Value: []byte{1, 2, 3}}, []byte{1, 2, 3})
	require.NoError(t, err)
	require.True(t, ok)
}
