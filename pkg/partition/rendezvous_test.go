package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharelift/pkg/types"
)

func testNodes(n int) []types.NodeID {
	nodes := make([]types.NodeID, n)
	for i := range nodes {
		nodes[i] = types.NodeID(fmt.Sprintf("10.0.0.%d:7100", i+1))
	}
	return nodes
}

func testKeys(n int) []types.PathKey {
	keys := make([]types.PathKey, n)
	for i := range keys {
		keys[i] = types.NormalizePath(fmt.Sprintf("/projects/p%03d/file-%d.dat", i%37, i))
	}
	return keys
}

func TestOwnerEmptyView(t *testing.T) {
	_, err := Owner(types.ClusterView{}, "/a")
	assert.ErrorIs(t, err, ErrNoAvailableNodes)

	_, err = New("n1", types.ClusterView{}).Owns("/a")
	assert.ErrorIs(t, err, ErrNoAvailableNodes)
}

func TestOwnerDeterministic(t *testing.T) {
	view := types.NewClusterView(1, testNodes(5))
	shuffled := types.NewClusterView(7, []types.NodeID{view.Nodes[3], view.Nodes[0], view.Nodes[4], view.Nodes[1], view.Nodes[2]})

	for _, k := range testKeys(200) {
		a, err := Owner(view, k)
		require.NoError(t, err)
		b, err := Owner(view, k)
		require.NoError(t, err)
		c, err := Owner(shuffled, k)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Equal(t, a, c, "owner must not depend on epoch or input order")
	}
}

func TestOwnerSpreadsKeys(t *testing.T) {
	view := types.NewClusterView(1, testNodes(4))
	counts := map[types.NodeID]int{}
	for _, k := range testKeys(4000) {
		o, err := Owner(view, k)
		require.NoError(t, err)
		counts[o]++
	}
	require.Len(t, counts, 4)
	for n, c := range counts {
		assert.Greater(t, c, 700, "node %s got too few keys", n)
	}
}

func TestMinimalDisruptionOnRemove(t *testing.T) {
	nodes := testNodes(4)
	before := types.NewClusterView(1, nodes)
	after := types.NewClusterView(2, nodes[:3])
	removed := nodes[3]

	for _, k := range testKeys(1000) {
		ob, _ := Owner(before, k)
		oa, _ := Owner(after, k)
		if ob != removed {
			assert.Equal(t, ob, oa, "key %s moved although its owner stayed", k)
		} else {
			assert.NotEqual(t, removed, oa)
		}
	}
}

func TestMinimalDisruptionOnAdd(t *testing.T) {
	nodes := testNodes(4)
	before := types.NewClusterView(1, nodes[:3])
	after := types.NewClusterView(2, nodes)
	added := nodes[3]

	moved := 0
	for _, k := range testKeys(1000) {
		ob, _ := Owner(before, k)
		oa, _ := Owner(after, k)
		if oa != ob {
			assert.Equal(t, added, oa, "key %s moved to a node other than the new one", k)
			moved++
		}
	}
	assert.Greater(t, moved, 0)
}

func TestRank(t *testing.T) {
	view := types.NewClusterView(1, testNodes(5))
	for _, k := range testKeys(50) {
		r := Rank(view, k)
		require.Len(t, r, 5)
		o, _ := Owner(view, k)
		assert.Equal(t, o, r[0])

		// the successor owns the key once the owner is gone
		var rest []types.NodeID
		for _, n := range view.Nodes {
			if n != o {
				rest = append(rest, n)
			}
		}
		next, _ := Owner(types.NewClusterView(2, rest), k)
		assert.Equal(t, r[1], next)
	}
}

func TestPartitionerOwns(t *testing.T) {
	nodes := testNodes(3)
	view := types.NewClusterView(1, nodes)
	owned := 0
	for _, n := range nodes {
		p := New(n, view)
		ok, err := p.Owns("/some/path")
		require.NoError(t, err)
		if ok {
			owned++
		}
	}
	assert.Equal(t, 1, owned, "exactly one node owns a key")
}
