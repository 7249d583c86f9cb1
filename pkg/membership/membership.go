// Package membership tracks which nodes take part in a migration. Nodes
// exchange heartbeats carrying their view of the cluster; a node that stays
// silent is first suspected and later declared dead. Every change to the set
// of live nodes bumps the view epoch, and the view with the highest epoch
// wins when two nodes disagree.
//
// A Service only changes state in Handle (a message arrived) and Tick (the
// heartbeat timer fired). Both are safe to call from any goroutine.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sharelift/pkg/events"
	"sharelift/pkg/types"
	"sharelift/pkg/wire"
)

// ErrNodeTimeout is the reason recorded when a node is declared dead.
var ErrNodeTimeout = errors.New("node timed out")

// State is the liveness of a node as seen locally.
type State uint32

const (
	Joining State = iota
	Alive
	Suspected
	Dead
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Alive:
		return "alive"
	case Suspected:
		return "suspected"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Transport delivers an envelope to a node and returns its reply, if any.
type Transport interface {
	Send(ctx context.Context, to types.NodeID, env *wire.Envelope) (*wire.Envelope, error)
}

// Config holds the identity, peers and timing of a membership service.
type Config struct {
	Self  types.NodeID
	Seeds []types.NodeID

	// Lifetime is how long a node may stay silent before it is suspected.
	Lifetime time.Duration
	// Grace is the extra silence after which a suspected node is dead, and
	// how long its tombstone is kept afterwards.
	Grace             time.Duration
	HeartbeatInterval time.Duration

	RunID string
	Now   func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Lifetime <= 0 {
		c.Lifetime = 5 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = c.Lifetime
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type member struct {
	id        types.NodeID
	state     State
	heartbeat uint64
	lastSeen  time.Time
	deadAt    time.Time
	completed uint64
}

// Member is a point-in-time copy of one record, for status output.
type Member struct {
	ID        types.NodeID
	State     State
	LastSeen  time.Time
	Completed uint64
}

// Service is the membership state machine of one node.
type Service struct {
	cfg       Config
	transport Transport
	sink      events.Sink
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	heartbeat uint64
	completed uint64
	epoch     uint64
	members   map[types.NodeID]*member
	changed   chan struct{}
}

// New creates a Service. A node with no seeds other than itself starts
// Alive as a cluster of one; otherwise it stays Joining until a seed
// answers.
func New(cfg Config, transport Transport, sink events.Sink, logger *zap.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = events.Nop{}
	}

	s := &Service{
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		logger:    logger.With(zap.String("node_id", string(cfg.Self))),
		state:     Joining,
		members:   make(map[types.NodeID]*member),
		changed:   make(chan struct{}),
	}
	if len(s.seeds()) == 0 {
		s.state = Alive
		s.epoch = 1
	}
	return s
}

// Self returns the identity of the local node.
func (s *Service) Self() types.NodeID { return s.cfg.Self }

func (s *Service) seeds() []types.NodeID {
	var out []types.NodeID
	for _, id := range s.cfg.Seeds {
		if id != "" && id != s.cfg.Self {
			out = append(out, id)
		}
	}
	return out
}

// State returns the local node's own state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns the current cluster view: every node not declared dead,
// including this one once it has joined.
func (s *Service) View() types.ClusterView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Service) viewLocked() types.ClusterView {
	nodes := make([]types.NodeID, 0, len(s.members)+1)
	if s.state == Alive {
		nodes = append(nodes, s.cfg.Self)
	}
	for id, m := range s.members {
		if m.state == Alive || m.state == Suspected {
			nodes = append(nodes, id)
		}
	}
	return types.NewClusterView(s.epoch, nodes)
}

// Members returns every known record, this node included, sorted by id.
func (s *Service) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Member{{ID: s.cfg.Self, State: s.state, LastSeen: s.cfg.Now(), Completed: s.completed}}
	for _, m := range s.members {
		out = append(out, Member{ID: m.id, State: m.state, LastSeen: m.lastSeen, Completed: m.completed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// notifyLocked wakes everything blocked in WaitPass or WaitView.
func (s *Service) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func digest(v types.ClusterView) uint64 {
	d := xxhash.New()
	for _, n := range v.Nodes {
		_, _ = d.WriteString(string(n))
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

func (s *Service) recordsLocked() []wire.MemberRecord {
	out := make([]wire.MemberRecord, 0, len(s.members)+1)
	if s.state == Alive {
		out = append(out, wire.MemberRecord{ID: string(s.cfg.Self), State: uint32(Alive), Heartbeat: s.heartbeat})
	}
	for id, m := range s.members {
		out = append(out, wire.MemberRecord{ID: string(id), State: uint32(m.state), Heartbeat: m.heartbeat})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) envelopeLocked(t wire.Type) *wire.Envelope {
	view := s.viewLocked()
	return &wire.Envelope{
		Type:    t,
		From:    string(s.cfg.Self),
		Epoch:   s.epoch,
		Digest:  digest(view),
		Pass:    s.completed,
		Members: s.recordsLocked(),
	}
}

func (s *Service) emit(kind events.Kind, subject types.NodeID, epoch uint64, reason string) {
	s.sink.Record(context.Background(), events.Event{
		Time:    s.cfg.Now(),
		RunID:   s.cfg.RunID,
		Node:    s.cfg.Self,
		Kind:    kind,
		Subject: subject,
		Epoch:   epoch,
		Reason:  reason,
	})
}

type pendingEvent struct {
	kind    events.Kind
	subject types.NodeID
	reason  string
}

// Handle processes a message from another node and returns the reply.
// Heartbeats, joins and status queries are answered with an Ack carrying the
// local view; other messages get no reply.
func (s *Service) Handle(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: empty envelope", wire.ErrMalformed)
	}
	from := types.NodeID(env.From)

	if env.Type == wire.TypeStatus {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.envelopeLocked(wire.TypeAck), nil
	}
	if from == "" {
		return nil, fmt.Errorf("%w: %s without sender", wire.ErrMalformed, env.Type)
	}
	if from == s.cfg.Self {
		return nil, nil
	}

	now := s.cfg.Now()
	var pending []pendingEvent

	s.mu.Lock()
	before := s.viewLocked()

	switch env.Type {
	case wire.TypeLeave:
		if m, ok := s.members[from]; ok && m.state != Dead {
			m.state = Dead
			m.deadAt = now
			pending = append(pending, pendingEvent{kind: events.NodeLeft, subject: from})
		}
	case wire.TypeHeartbeat, wire.TypeJoin, wire.TypeAck, wire.TypePassComplete:
		if s.state == Joining && env.Type != wire.TypePassComplete {
			s.state = Alive
			s.logger.Info("Joined cluster", zap.String("via", string(from)))
		}
		pending = append(pending, s.touchLocked(from, now)...)
		if m := s.members[from]; m != nil && env.Pass > m.completed {
			m.completed = env.Pass
		}
		pending = append(pending, s.mergeLocked(env, now)...)
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: unexpected %s", wire.ErrMalformed, env.Type)
	}

	after := s.viewLocked()
	switch {
	case env.Epoch > s.epoch:
		s.epoch = env.Epoch
		if !after.SameMembers(senderView(env)) {
			s.epoch++
		}
	case !after.SameMembers(before):
		s.epoch++
	}

	var reply *wire.Envelope
	if env.Type == wire.TypeHeartbeat || env.Type == wire.TypeJoin {
		reply = s.envelopeLocked(wire.TypeAck)
	}
	epoch := s.epoch
	s.notifyLocked()
	s.mu.Unlock()

	for _, p := range pending {
		s.emit(p.kind, p.subject, epoch, p.reason)
	}
	if epoch != before.Epoch {
		s.logger.Debug("View changed",
			zap.Uint64("epoch", epoch),
			zap.Int("members", after.Len()))
	}
	return reply, nil
}

// touchLocked records direct contact with id.
func (s *Service) touchLocked(id types.NodeID, now time.Time) []pendingEvent {
	m, ok := s.members[id]
	if !ok {
		s.members[id] = &member{id: id, state: Alive, lastSeen: now}
		return []pendingEvent{{kind: events.NodeJoined, subject: id}}
	}
	m.lastSeen = now
	return s.reviveLocked(m)
}

func (s *Service) reviveLocked(m *member) []pendingEvent {
	switch m.state {
	case Suspected:
		m.state = Alive
		return []pendingEvent{{kind: events.NodeRecovered, subject: m.id}}
	case Dead:
		m.state = Alive
		m.deadAt = time.Time{}
		return []pendingEvent{{kind: events.NodeJoined, subject: m.id}}
	}
	return nil
}

// mergeLocked folds the sender's member records into the local state. A
// record whose heartbeat counter moved forward proves the node is alive no
// matter who relays it. Nodes the local side has never heard of are added
// only from a view at least as recent as the local one.
func (s *Service) mergeLocked(env *wire.Envelope, now time.Time) []pendingEvent {
	var pending []pendingEvent
	union := env.Epoch > s.epoch || (env.Epoch == s.epoch && env.Digest != digest(s.viewLocked()))

	for _, rec := range env.Members {
		id := types.NodeID(rec.ID)
		st := State(rec.State)
		if id == "" || id == s.cfg.Self {
			continue
		}

		m, ok := s.members[id]
		if !ok {
			if !union || (st != Alive && st != Suspected) {
				continue
			}
			s.members[id] = &member{id: id, state: st, heartbeat: rec.Heartbeat, lastSeen: now}
			if st == Alive {
				pending = append(pending, pendingEvent{kind: events.NodeJoined, subject: id})
			}
			continue
		}

		if rec.Heartbeat > m.heartbeat {
			m.heartbeat = rec.Heartbeat
			m.lastSeen = now
			pending = append(pending, s.reviveLocked(m)...)
		}
	}
	return pending
}

func senderView(env *wire.Envelope) types.ClusterView {
	nodes := make([]types.NodeID, 0, len(env.Members))
	for _, rec := range env.Members {
		st := State(rec.State)
		if st == Alive || st == Suspected {
			nodes = append(nodes, types.NodeID(rec.ID))
		}
	}
	return types.NewClusterView(env.Epoch, nodes)
}

// Tick runs the failure detector and sends one round of heartbeats, or
// join requests while the node has not joined yet.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	var pending []pendingEvent

	s.mu.Lock()
	s.heartbeat++
	removed := false
	for id, m := range s.members {
		silent := now.Sub(m.lastSeen)
		switch m.state {
		case Alive:
			if silent > s.cfg.Lifetime {
				m.state = Suspected
				pending = append(pending, pendingEvent{kind: events.NodeSuspected, subject: id})
			}
		case Suspected:
			if silent > s.cfg.Lifetime+s.cfg.Grace {
				m.state = Dead
				m.deadAt = now
				removed = true
				pending = append(pending, pendingEvent{kind: events.NodeDead, subject: id, reason: ErrNodeTimeout.Error()})
			}
		case Dead:
			if now.Sub(m.deadAt) > s.cfg.Grace {
				delete(s.members, id)
			}
		}
	}
	if removed {
		s.epoch++
	}
	if len(pending) > 0 {
		s.notifyLocked()
	}
	epoch := s.epoch

	var targets []types.NodeID
	var env *wire.Envelope
	if s.state == Joining {
		targets = s.seeds()
		env = &wire.Envelope{Type: wire.TypeJoin, From: string(s.cfg.Self)}
	} else {
		for id, m := range s.members {
			if m.state == Alive || m.state == Suspected {
				targets = append(targets, id)
			}
		}
		env = s.envelopeLocked(wire.TypeHeartbeat)
	}
	s.mu.Unlock()

	for _, p := range pending {
		if p.kind == events.NodeDead {
			s.logger.Warn("Node declared dead", zap.String("peer", string(p.subject)), zap.Uint64("epoch", epoch))
		}
		s.emit(p.kind, p.subject, epoch, p.reason)
	}
	s.broadcast(ctx, targets, env)
}

// broadcast sends env to every target in parallel and handles the replies.
func (s *Service) broadcast(ctx context.Context, targets []types.NodeID, env *wire.Envelope) {
	if s.transport == nil || len(targets) == 0 {
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, to := range targets {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatInterval)
			defer cancel()
			reply, err := s.transport.Send(sendCtx, to, env)
			if err != nil {
				s.logger.Debug("Failed to reach peer",
					zap.String("peer", string(to)),
					zap.Stringer("message", env.Type),
					zap.Error(err))
				return nil
			}
			if reply != nil {
				if _, err := s.Handle(ctx, reply); err != nil {
					s.logger.Debug("Ignoring reply", zap.String("peer", string(to)), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run drives Tick every heartbeat interval until ctx is cancelled, then
// tells the other nodes this one is leaving.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	s.logger.Info("Membership started",
		zap.Int("seeds", len(s.seeds())),
		zap.Duration("lifetime", s.cfg.Lifetime))

	s.Tick(ctx, s.cfg.Now())
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatInterval)
			s.Leave(leaveCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, s.cfg.Now())
		}
	}
}

// Leave announces a graceful departure to every peer in the view.
func (s *Service) Leave(ctx context.Context) {
	s.mu.Lock()
	var targets []types.NodeID
	for id, m := range s.members {
		if m.state == Alive || m.state == Suspected {
			targets = append(targets, id)
		}
	}
	s.mu.Unlock()
	s.broadcast(ctx, targets, &wire.Envelope{Type: wire.TypeLeave, From: string(s.cfg.Self)})
}

// WaitView blocks until the local node has joined and the view holds at
// least min nodes.
func (s *Service) WaitView(ctx context.Context, min int) (types.ClusterView, error) {
	for {
		s.mu.Lock()
		view := s.viewLocked()
		ready := s.state == Alive && view.Len() >= min
		ch := s.changed
		s.mu.Unlock()
		if ready {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ch:
		}
	}
}

// CompletePass records that this node finished pass and tells every peer.
func (s *Service) CompletePass(ctx context.Context, pass uint64) {
	s.mu.Lock()
	if pass > s.completed {
		s.completed = pass
	}
	s.notifyLocked()
	env := s.envelopeLocked(wire.TypePassComplete)
	var targets []types.NodeID
	for id, m := range s.members {
		if m.state == Alive || m.state == Suspected {
			targets = append(targets, id)
		}
	}
	s.mu.Unlock()

	s.broadcast(ctx, targets, env)
}

// WaitPass blocks until every node in the current view has completed pass,
// and returns that view. Nodes that leave the view stop being waited for.
func (s *Service) WaitPass(ctx context.Context, pass uint64) (types.ClusterView, error) {
	for {
		s.mu.Lock()
		view := s.viewLocked()
		done := true
		for _, id := range view.Nodes {
			if id == s.cfg.Self {
				done = done && s.completed >= pass
				continue
			}
			if m := s.members[id]; m == nil || m.completed < pass {
				done = false
			}
		}
		ch := s.changed
		s.mu.Unlock()

		if done {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ch:
		}
	}
}
