package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"sharelift/pkg/partition"
	"sharelift/pkg/types"
)

const joinProgressInterval = 5 * time.Second

// join waits until this node is Alive and its view holds MinNodes nodes.
// Running out of time is ErrNoAvailableNodes: with nobody to share the
// namespace with, no partition decision can be made.
func (n *Node) join(ctx context.Context) (types.ClusterView, error) {
	waitCtx, cancel := context.WithTimeout(ctx, n.cfg.JoinTimeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(joinProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				view := n.members.View()
				n.logger.Info("Waiting for cluster",
					zap.Stringer("state", n.members.State()),
					zap.Int("nodes", view.Len()),
					zap.Int("min_nodes", n.cfg.MinNodes))
			}
		}
	}()

	view, err := n.members.WaitView(waitCtx, n.cfg.MinNodes)
	if err == nil {
		return view, nil
	}
	if ctx.Err() != nil {
		return view, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return view, fmt.Errorf("%w: %d of %d nodes after %s", partition.ErrNoAvailableNodes, view.Len(), n.cfg.MinNodes, n.cfg.JoinTimeout)
	}
	return view, err
}

// selfID is the configured listen address, or the bound one when the
// configuration left the port to the kernel.
func selfID(configured, bound string) types.NodeID {
	host, port, err := net.SplitHostPort(configured)
	if err != nil || port != "0" {
		return types.NodeID(configured)
	}
	_, boundPort, err := net.SplitHostPort(bound)
	if err != nil {
		return types.NodeID(bound)
	}
	if host == "" {
		host = "localhost"
	}
	return types.NodeID(net.JoinHostPort(host, boundPort))
}
