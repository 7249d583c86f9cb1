package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"sharelift/pkg/share"
	"sharelift/pkg/types"
	"sharelift/pkg/wire"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// PoolOptions tune the client connection pool.
type PoolOptions struct {
	IdleTimeout      time.Duration
	MaintainInterval time.Duration
	// FailureThreshold consecutive failures open the circuit for a peer
	// until Cooldown has passed.
	FailureThreshold int
	Cooldown         time.Duration
}

func (o *PoolOptions) applyDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.MaintainInterval <= 0 {
		o.MaintainInterval = 30 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 10 * time.Second
	}
}

// Pool keeps one client connection per peer and implements
// membership.Transport.
type Pool struct {
	opts   PoolOptions
	logger *zap.Logger

	mu    sync.Mutex
	conns map[types.NodeID]*pooledConn

	stop     chan struct{}
	stopOnce sync.Once
}

type pooledConn struct {
	conn        *grpc.ClientConn
	lastUsed    time.Time
	failures    int
	lastFailure time.Time
	circuit     circuitState
}

// NewPool creates a pool and starts its idle connection sweeper.
func NewPool(opts PoolOptions, logger *zap.Logger) *Pool {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		opts:   opts,
		logger: logger,
		conns:  make(map[types.NodeID]*pooledConn),
		stop:   make(chan struct{}),
	}
	go p.maintain()
	return p
}

func (p *Pool) get(to types.NodeID) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.conns[to]
	if ok {
		if pc.circuit == circuitOpen {
			if time.Since(pc.lastFailure) < p.opts.Cooldown {
				return nil, fmt.Errorf("circuit open for %s", to)
			}
			pc.circuit = circuitHalfOpen
		}
		if pc.conn.GetState() != connectivity.Shutdown {
			pc.lastUsed = time.Now()
			return pc.conn, nil
		}
		delete(p.conns, to)
	}

	conn, err := grpc.NewClient(string(to),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", to, err)
	}
	p.conns[to] = &pooledConn{conn: conn, lastUsed: time.Now()}
	return conn, nil
}

func (p *Pool) recordResult(to types.NodeID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.conns[to]
	if !ok {
		return
	}
	if err == nil {
		pc.failures = 0
		pc.circuit = circuitClosed
		return
	}
	pc.failures++
	pc.lastFailure = time.Now()
	if pc.circuit == circuitHalfOpen || pc.failures >= p.opts.FailureThreshold {
		if pc.circuit != circuitOpen {
			p.logger.Debug("Circuit opened for peer",
				zap.String("peer", string(to)),
				zap.Int("failures", pc.failures))
		}
		pc.circuit = circuitOpen
	}
}

// Send delivers env to the node at address to. Transport failures come back
// as share.ErrConnectionLost; rejections by the peer keep their gRPC status.
func (p *Pool) Send(ctx context.Context, to types.NodeID, env *wire.Envelope) (*wire.Envelope, error) {
	conn, err := p.get(to)
	if err != nil {
		return nil, &share.Error{Op: "send", Path: types.PathKey(to), Kind: share.KindConnectionLost, Err: err}
	}

	reply := new(wire.Envelope)
	err = conn.Invoke(ctx, deliverMethod, env, reply)
	p.recordResult(to, err)
	if err != nil {
		return nil, classify(to, err)
	}
	if err := reply.CheckVersion(); err != nil {
		return nil, err
	}
	if reply.Type == wire.TypeUnknown {
		return nil, nil
	}
	return reply, nil
}

func classify(to types.NodeID, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Aborted:
		return &share.Error{Op: "send", Path: types.PathKey(to), Kind: share.KindConnectionLost, Err: err}
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %v", wire.ErrVersionMismatch, err)
	}
	return fmt.Errorf("send to %s: %w", to, err)
}

func (p *Pool) maintain() {
	ticker := time.NewTicker(p.opts.MaintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.dropIdle(time.Now())
		case <-p.stop:
			return
		}
	}
}

// dropIdle closes connections unused for longer than the idle timeout.
func (p *Pool) dropIdle(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for id, pc := range p.conns {
		if now.Sub(pc.lastUsed) > p.opts.IdleTimeout || pc.conn.GetState() == connectivity.Shutdown {
			_ = pc.conn.Close()
			delete(p.conns, id)
			dropped++
		}
	}
	if dropped > 0 {
		p.logger.Debug("Removed idle connections", zap.Int("count", dropped))
	}
	return dropped
}

// Len is the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close stops the sweeper and closes every connection.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pc := range p.conns {
		_ = pc.conn.Close()
		delete(p.conns, id)
	}
	return nil
}

// Status asks the node at addr for its view.
func Status(ctx context.Context, addr string) (*wire.Envelope, error) {
	p := NewPool(PoolOptions{}, nil)
	defer p.Close()
	reply, err := p.Send(ctx, types.NodeID(addr), &wire.Envelope{Type: wire.TypeStatus})
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("%s sent no status", addr)
	}
	return reply, nil
}
