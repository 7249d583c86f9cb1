// Package node runs one sharelift node. It opens both shares, serves the
// membership transport, joins the cluster and drives the migration pipeline
// until every pass is done.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sharelift/pkg/acl"
	"sharelift/pkg/checkpoint"
	"sharelift/pkg/config"
	"sharelift/pkg/events"
	"sharelift/pkg/membership"
	"sharelift/pkg/metrics"
	"sharelift/pkg/pipeline"
	"sharelift/pkg/share"
	"sharelift/pkg/transport"
	"sharelift/pkg/types"
)

// Node represents one sharelift process: its transport, membership,
// stores and shares.
type Node struct {
	cfg    *config.Config
	creds  Credentials
	logger *zap.Logger
	runID  string

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	src, dst share.FileSystem
	injected bool

	self          types.NodeID
	server        *transport.Server
	pool          *transport.Pool
	members       *membership.Service
	store         *checkpoint.Store
	sinks         events.Multi
	metricsServer *http.Server

	stopMembers context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	stopOnce    sync.Once
}

// Option customizes a Node.
type Option func(*Node)

// WithShares makes the node migrate between the given shares instead of
// opening the configured ones.
func WithShares(src, dst share.FileSystem) Option {
	return func(n *Node) {
		n.src, n.dst = src, dst
		n.injected = true
	}
}

// New creates a node from cfg. Nothing is opened until Start.
func New(cfg *config.Config, creds Credentials, logger *zap.Logger, opts ...Option) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		cfg:      cfg,
		creds:    creds,
		logger:   logger,
		runID:    uuid.NewString(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Self is the node's identity. It is known once Start returned.
func (n *Node) Self() types.NodeID { return n.self }

// RunID returns the identifier of this process run.
func (n *Node) RunID() string { return n.runID }

// Registry returns the node's metrics registry.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Members exposes the membership service once the node is started.
func (n *Node) Members() *membership.Service { return n.members }

// Start opens the shares and local stores, starts serving the membership
// transport and begins heartbeating. Any failure here is fatal for the
// node; Stop releases whatever was opened.
func (n *Node) Start(ctx context.Context) error {
	if n.started {
		return nil
	}
	n.started = true

	store, err := checkpoint.Open(n.cfg.CheckpointDir, n.logger.Named("checkpoint"))
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	n.store = store

	n.metrics = metrics.New(n.registry)
	n.sinks = events.Multi{events.NewLogSink(n.logger.Named("events")), n.metrics}
	if n.cfg.DatabaseURL != "" {
		pg, err := events.NewPostgresSink(ctx, n.cfg.DatabaseURL, 0, n.logger.Named("postgres"))
		if err != nil {
			n.logger.Warn("Event database unavailable, continuing without it", zap.Error(err))
		} else {
			n.sinks = append(n.sinks, pg)
		}
	}
	if n.cfg.MetricsAddress != "" {
		n.metricsServer = metrics.Serve(n.cfg.MetricsAddress, n.registry, n.logger)
	}

	if !n.injected {
		if err := n.openShares(ctx); err != nil {
			return err
		}
	}

	n.server = transport.NewServer(n.logger.Named("transport"))
	if err := n.server.Listen(n.cfg.ListenAddress); err != nil {
		return err
	}
	n.self = selfID(n.cfg.ListenAddress, n.server.Addr().String())

	n.pool = transport.NewPool(transport.PoolOptions{}, n.logger.Named("pool"))
	seeds := make([]types.NodeID, 0, len(n.cfg.Nodes))
	for _, addr := range n.cfg.Nodes {
		seeds = append(seeds, types.NodeID(addr))
	}
	n.members = membership.New(membership.Config{
		Self:              n.self,
		Seeds:             seeds,
		Lifetime:          n.cfg.Lifetime,
		Grace:             n.cfg.Grace,
		HeartbeatInterval: n.cfg.HeartbeatInterval,
		RunID:             n.runID,
	}, n.pool, n.sinks, n.logger.Named("membership"))
	n.server.Register(n.members)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(); err != nil {
			n.logger.Error("Membership transport failed", zap.Error(err))
		}
	}()

	membersCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.stopMembers = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = n.members.Run(membersCtx)
	}()

	n.logger.Info("Node started",
		zap.String("node_id", string(n.self)),
		zap.String("run_id", n.runID),
		zap.Int("seeds", len(seeds)))
	return nil
}

func (n *Node) openShares(ctx context.Context) error {
	src, err := OpenShare(ctx, n.cfg, n.cfg.Source, n.creds, n.logger)
	if err != nil {
		return fmt.Errorf("failed to open source share: %w", err)
	}
	n.src = src
	dst, err := OpenShare(ctx, n.cfg, n.cfg.Destination, n.creds, n.logger)
	if err != nil {
		return fmt.Errorf("failed to open destination share: %w", err)
	}
	if lim, ok := dst.(share.AttrLimited); ok {
		n.logger.Warn("Destination keeps no security descriptors, only some attributes are migrated",
			zap.String("destination", n.cfg.Destination.String()),
			zap.Stringer("attributes", lim.SettableAttrs()))
	}
	n.dst = dst
	return nil
}

// Run starts the node if needed, waits for the cluster and migrates until
// the last pass. The node is stopped when Run returns.
func (n *Node) Run(ctx context.Context) ([]types.PassStats, error) {
	defer n.Stop()
	if err := n.Start(ctx); err != nil {
		return nil, err
	}

	view, err := n.join(ctx)
	if err != nil {
		return nil, err
	}
	n.logger.Info("Joined cluster",
		zap.String("node_id", string(n.self)),
		zap.Int("nodes", view.Len()),
		zap.Uint64("epoch", view.Epoch))

	opts, err := n.pipelineOptions()
	if err != nil {
		return nil, err
	}
	pl := pipeline.New(n.src, n.dst, n.members, opts, n.logger.Named("pipeline"))
	return pl.Run(ctx)
}

func (n *Node) pipelineOptions() (pipeline.Options, error) {
	chunk, err := n.cfg.ChunkBytes()
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("invalid chunk size: %w", err)
	}
	bandwidth, err := n.cfg.BandwidthBytes()
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("invalid bandwidth: %w", err)
	}
	resolver, err := n.cfg.SIDResolver()
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("invalid sid map: %w", err)
	}

	job := n.cfg.Job
	if job == "" {
		job = pipeline.JobID(n.cfg.Source.String(), n.cfg.Destination.String())
	}
	return pipeline.Options{
		Job:              job,
		RunID:            n.runID,
		NumThreads:       n.cfg.NumThreads,
		ChunkSize:        int(chunk),
		Bandwidth:        bandwidth,
		MaxRetries:       n.cfg.MaxRetries,
		RetryDelay:       n.cfg.RetryDelay,
		DeleteExtraneous: n.cfg.DeleteExtraneous,
		Rerun:            n.cfg.Rerun,
		MaxPasses:        n.cfg.MaxPasses,
		Checkpoints:      n.store,
		Sink:             n.sinks,
		SIDs:             acl.NewSIDMapper(resolver, n.cfg.SIDCacheTTL),
	}, nil
}

// Stop leaves the cluster and releases everything Start opened. It is safe
// to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.stopMembers != nil {
			n.stopMembers()
		}
		if n.server != nil {
			n.server.Stop()
		}
		n.wg.Wait()

		var errs []error
		if n.pool != nil {
			errs = append(errs, n.pool.Close())
		}
		if n.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, n.metricsServer.Shutdown(ctx))
			cancel()
		}
		errs = append(errs, n.sinks.Close())
		if n.store != nil {
			errs = append(errs, n.store.Close())
		}
		if !n.injected {
			for _, fs := range []share.FileSystem{n.src, n.dst} {
				if fs != nil {
					errs = append(errs, fs.Close())
				}
			}
		}
		if err := errors.Join(errs...); err != nil {
			n.logger.Warn("Errors while stopping node", zap.Error(err))
		}
		n.logger.Info("Node stopped", zap.String("node_id", string(n.self)))
	})
}
