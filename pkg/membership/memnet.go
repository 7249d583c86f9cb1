package membership

import (
	"context"
	"fmt"
	"sync"

	"sharelift/pkg/share"
	"sharelift/pkg/types"
	"sharelift/pkg/wire"
)

// Network connects Services in the same process. Messages go through the
// wire encoding so they see exactly what a remote peer would.
type Network struct {
	mu    sync.RWMutex
	nodes map[types.NodeID]*Service
	down  map[types.NodeID]bool
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{
		nodes: make(map[types.NodeID]*Service),
		down:  make(map[types.NodeID]bool),
	}
}

// Attach registers s as the receiver for its own id.
func (n *Network) Attach(s *Service) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[s.Self()] = s
	delete(n.down, s.Self())
}

// Kill makes id unreachable, in both directions, until it is attached again.
func (n *Network) Kill(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

// Endpoint returns the Transport a node with the given id sends through.
func (n *Network) Endpoint(from types.NodeID) Transport {
	return &endpoint{net: n, from: from}
}

type endpoint struct {
	net  *Network
	from types.NodeID
}

func (e *endpoint) Send(ctx context.Context, to types.NodeID, env *wire.Envelope) (*wire.Envelope, error) {
	e.net.mu.RLock()
	target := e.net.nodes[to]
	unreachable := e.net.down[to] || e.net.down[e.from]
	e.net.mu.RUnlock()

	if target == nil || unreachable {
		return nil, &share.Error{Op: "send", Path: types.PathKey(to), Kind: share.KindConnectionLost, Err: fmt.Errorf("%s unreachable", to)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var in wire.Envelope
	if err := in.Unmarshal(env.Marshal()); err != nil {
		return nil, err
	}
	reply, err := target.Handle(ctx, &in)
	if err != nil || reply == nil {
		return nil, err
	}

	var out wire.Envelope
	if err := out.Unmarshal(reply.Marshal()); err != nil {
		return nil, err
	}
	return &out, nil
}
