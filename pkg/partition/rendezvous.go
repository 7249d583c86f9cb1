// Package partition assigns every path of the share to exactly one node using
// rendezvous (highest random weight) hashing. Each node computes ownership on
// its own; two nodes holding the same ClusterView always agree, and a single
// membership change only moves the keys won or lost by that node.
package partition

import (
	"errors"
	"sort"

	"github.com/cespare/xxhash/v2"

	"sharelift/pkg/types"
)

// ErrNoAvailableNodes is returned when the view has no members.
var ErrNoAvailableNodes = errors.New("no available nodes")

// weight is the rendezvous score of node for key.
func weight(node types.NodeID, key types.PathKey) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(string(node))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(string(key))
	return d.Sum64()
}

// Owner returns the node responsible for key under view.
func Owner(view types.ClusterView, key types.PathKey) (types.NodeID, error) {
	if len(view.Nodes) == 0 {
		return "", ErrNoAvailableNodes
	}
	var best types.NodeID
	var bestW uint64
	for i, n := range view.Nodes {
		w := weight(n, key)
		if i == 0 || w > bestW || (w == bestW && n > best) {
			best, bestW = n, w
		}
	}
	return best, nil
}

// Rank returns every node ordered from most to least preferred for key. The
// first element is the owner; the rest are the successors that take over
// when nodes ahead of them leave.
func Rank(view types.ClusterView, key types.PathKey) []types.NodeID {
	type scored struct {
		id types.NodeID
		w  uint64
	}
	all := make([]scored, len(view.Nodes))
	for i, n := range view.Nodes {
		all[i] = scored{n, weight(n, key)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].w != all[j].w {
			return all[i].w > all[j].w
		}
		return all[i].id > all[j].id
	})
	out := make([]types.NodeID, len(all))
	for i, s := range all {
		out[i] = s.id
	}
	return out
}

// Partitioner answers ownership questions for one node against one view
// snapshot.
type Partitioner struct {
	self types.NodeID
	view types.ClusterView
}

// New binds a partitioner to self and a snapshot of the cluster.
func New(self types.NodeID, view types.ClusterView) *Partitioner {
	return &Partitioner{self: self, view: view}
}

// View returns the snapshot decisions are made against.
func (p *Partitioner) View() types.ClusterView { return p.view }

// Owner returns the owner of key.
func (p *Partitioner) Owner(key types.PathKey) (types.NodeID, error) {
	return Owner(p.view, key)
}

// Owns reports whether this node is responsible for key.
func (p *Partitioner) Owns(key types.PathKey) (bool, error) {
	owner, err := Owner(p.view, key)
	if err != nil {
		return false, err
	}
	return owner == p.self, nil
}
