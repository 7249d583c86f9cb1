// Package pipeline migrates the entries of a source share this node owns
// onto the destination share, one pass at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sharelift/pkg/acl"
	"sharelift/pkg/checkpoint"
	"sharelift/pkg/events"
	"sharelift/pkg/membership"
	"sharelift/pkg/partition"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
	"sharelift/pkg/walker"
)

// ErrChecksumMismatch means the destination did not hold what was written.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Cluster is the part of the membership service the pipeline needs.
type Cluster interface {
	Self() types.NodeID
	View() types.ClusterView
	Members() []membership.Member
	CompletePass(ctx context.Context, pass uint64)
	WaitPass(ctx context.Context, pass uint64) (types.ClusterView, error)
}

// Checkpoints persists the resume watermark of a pass.
type Checkpoints interface {
	Load(ctx context.Context, job string, pass int) (types.PathKey, bool, error)
	Save(ctx context.Context, job string, pass int, wm types.PathKey) error
	Clear(ctx context.Context, job string) error
}

// Options configures a Pipeline.
type Options struct {
	// Job identifies the source/destination pair across restarts. Run
	// identifies this process.
	Job   string
	RunID string
	Root  types.PathKey

	NumThreads int
	ChunkSize  int
	// Bandwidth caps copy throughput in bytes per second; 0 is unlimited.
	Bandwidth  int64
	MaxRetries int
	RetryDelay time.Duration

	DeleteExtraneous bool
	Rerun            bool
	MaxPasses        int

	Checkpoints Checkpoints
	Sink        events.Sink
	SIDs        *acl.SIDMapper
}

func (o *Options) applyDefaults() {
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.Job == "" {
		o.Job = o.RunID
	}
	if o.Root == "" {
		o.Root = types.Root
	}
	if o.NumThreads <= 0 {
		o.NumThreads = 4
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1 << 20
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.MaxPasses <= 0 {
		o.MaxPasses = 5
	}
	if o.Sink == nil {
		o.Sink = events.Nop{}
	}
	if o.SIDs == nil {
		o.SIDs = acl.NewSIDMapper(nil, 0)
	}
}

// JobID derives a stable job identity from the source and destination
// locations.
func JobID(source, destination string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+" -> "+destination)).String()
}

// Pipeline runs passes for one node.
type Pipeline struct {
	src     share.FileSystem
	dst     share.FileSystem
	cluster Cluster
	opts    Options
	limiter *rate.Limiter
	retry   retryPolicy
	sids    *acl.SIDMapper
	logger  *zap.Logger

	removed atomic.Int64
}

// New creates a pipeline copying from src to dst for the node cluster
// identifies.
func New(src, dst share.FileSystem, cluster Cluster, opts Options, logger *zap.Logger) *Pipeline {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	pl := &Pipeline{
		src:     src,
		dst:     dst,
		cluster: cluster,
		opts:    opts,
		sids:    opts.SIDs,
		logger:  logger.With(zap.String("node_id", string(cluster.Self())), zap.String("run_id", opts.RunID)),
		retry: retryPolicy{
			maxRetries:   opts.MaxRetries,
			baseDelay:    opts.RetryDelay,
			maxDelay:     5 * time.Second,
			jitterFactor: 0.2,
		},
	}
	if opts.Bandwidth > 0 {
		burst := opts.ChunkSize
		if int64(burst) < opts.Bandwidth && opts.Bandwidth < 1<<31 {
			burst = int(opts.Bandwidth)
		}
		pl.limiter = rate.NewLimiter(rate.Limit(opts.Bandwidth), burst)
	}
	return pl
}

func (pl *Pipeline) record(ctx context.Context, e events.Event) {
	e.Time = time.Now()
	e.RunID = pl.opts.RunID
	e.Node = pl.cluster.Self()
	pl.opts.Sink.Record(context.WithoutCancel(ctx), e)
}

// firstPass lets a node joining a running cluster start at the pass its
// peers are on.
func (pl *Pipeline) firstPass() int {
	var highest uint64
	for _, m := range pl.cluster.Members() {
		if m.ID != pl.cluster.Self() && m.Completed > highest {
			highest = m.Completed
		}
	}
	return int(highest) + 1
}

// Run executes passes until one finishes cleanly under an unchanged view,
// or the pass limit is reached. Without Rerun it runs exactly one pass.
func (pl *Pipeline) Run(ctx context.Context) ([]types.PassStats, error) {
	var all []types.PassStats
	pass := pl.firstPass()

	for {
		stats, err := pl.RunPass(ctx, pass)
		all = append(all, stats)
		if err != nil {
			pl.record(ctx, events.Event{Kind: events.RunDone, Epoch: stats.Epoch, Reason: err.Error()})
			return all, err
		}
		pl.cluster.CompletePass(ctx, uint64(pass))
		if !pl.opts.Rerun {
			break
		}

		view, err := pl.cluster.WaitPass(ctx, uint64(pass))
		if err != nil {
			pl.record(ctx, events.Event{Kind: events.RunDone, Epoch: stats.Epoch, Reason: err.Error()})
			return all, fmt.Errorf("failed to wait for pass %d: %w", pass, err)
		}

		reason := rerunReason(stats, view)
		if reason == "" {
			break
		}
		if len(all) >= pl.opts.MaxPasses {
			pl.logger.Warn("Pass limit reached",
				zap.Int("passes", len(all)),
				zap.String("reason", reason))
			break
		}
		pl.record(ctx, events.Event{Kind: events.RunRerun, Epoch: view.Epoch, Reason: reason})
		pass++
	}

	last := all[len(all)-1]
	pl.record(ctx, events.Event{Kind: events.RunDone, Epoch: last.Epoch})
	return all, nil
}

func rerunReason(stats types.PassStats, view types.ClusterView) string {
	switch {
	case view.Epoch != stats.Epoch:
		return fmt.Sprintf("view changed from epoch %d to %d", stats.Epoch, view.Epoch)
	case stats.Failed > 0:
		return fmt.Sprintf("%d entries failed", stats.Failed)
	}
	return ""
}

// passState is shared between the dispatcher and the workers of one pass.
type passState struct {
	mu    sync.Mutex
	stats types.PassStats

	// markMu orders watermark saves so the stored mark never moves back.
	markMu  sync.Mutex
	tracker *checkpoint.Tracker
}

// RunPass walks the source once under a snapshot of the current view and
// migrates every entry this node owns.
func (pl *Pipeline) RunPass(ctx context.Context, pass int) (types.PassStats, error) {
	start := time.Now()
	view := pl.cluster.View()
	st := &passState{stats: types.PassStats{Pass: pass, Epoch: view.Epoch}}

	if view.Len() == 0 {
		return st.stats, partition.ErrNoAvailableNodes
	}
	owner := partition.New(pl.cluster.Self(), view)

	var resume types.PathKey
	if store := pl.opts.Checkpoints; store != nil {
		wm, ok, err := store.Load(ctx, pl.opts.Job, pass)
		if err != nil {
			return st.stats, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if ok {
			resume = wm
			pl.logger.Info("Resuming pass", zap.Int("pass", pass), zap.String("after", resume.String()))
		}
	}
	st.tracker = checkpoint.NewTracker(resume)
	pl.removed.Store(0)

	pl.logger.Info("Starting pass",
		zap.Int("pass", pass),
		zap.Uint64("epoch", view.Epoch),
		zap.Int("nodes", view.Len()))

	queue := make(chan types.Entry)
	var g errgroup.Group
	for i := 0; i < pl.opts.NumThreads; i++ {
		g.Go(func() error {
			for e := range queue {
				pl.finish(ctx, st, pl.process(ctx, pass, e), true)
			}
			return nil
		})
	}

	results := walker.New(pl.src, pl.logger).Walk(ctx, pl.opts.Root, walker.Options{StartAfter: resume})
dispatch:
	for r := range results {
		st.mu.Lock()
		st.stats.Walked++
		st.mu.Unlock()

		owns, err := owner.Owns(r.Path)
		if err != nil || !owns {
			continue
		}
		st.mu.Lock()
		st.stats.Owned++
		st.mu.Unlock()

		if r.Err != nil {
			pl.finish(ctx, st, types.Outcome{
				Path: r.Path, Type: r.Entry.Type, Kind: types.Failed, Err: r.Err, Node: pl.cluster.Self(), Pass: pass,
			}, false)
			continue
		}

		st.tracker.Start(r.Path)
		if r.Entry.Type == types.Directory {
			// Directories are finished before anything inside them is queued.
			pl.finish(ctx, st, pl.process(ctx, pass, r.Entry), true)
			continue
		}
		select {
		case queue <- r.Entry:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(queue)
	_ = g.Wait()

	st.mu.Lock()
	stats := st.stats
	st.mu.Unlock()
	stats.Removed = pl.removed.Load()
	stats.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		pl.logger.Warn("Pass interrupted", zap.Int("pass", pass), zap.Error(err))
		return stats, err
	}
	if store := pl.opts.Checkpoints; store != nil {
		if err := store.Clear(ctx, pl.opts.Job); err != nil {
			pl.logger.Warn("Failed to clear checkpoint", zap.Error(err))
		}
	}
	pl.record(ctx, events.Event{Kind: events.PassDone, Epoch: view.Epoch, Stats: &stats})
	return stats, nil
}

// finish accounts for one outcome and advances the watermark. Entries cut
// short by cancellation keep the watermark before them.
func (pl *Pipeline) finish(ctx context.Context, st *passState, o types.Outcome, tracked bool) {
	st.mu.Lock()
	st.stats.Record(o)
	st.mu.Unlock()

	pl.record(ctx, events.Event{Kind: events.EntryDone, Epoch: st.stats.Epoch, Outcome: &o})

	if !tracked || errors.Is(o.Err, context.Canceled) || errors.Is(o.Err, context.DeadlineExceeded) {
		return
	}
	st.markMu.Lock()
	defer st.markMu.Unlock()
	mark, moved := st.tracker.Finish(o.Path)
	if !moved || pl.opts.Checkpoints == nil {
		return
	}
	if err := pl.opts.Checkpoints.Save(context.WithoutCancel(ctx), pl.opts.Job, o.Pass, mark); err != nil {
		pl.logger.Warn("Failed to save checkpoint", zap.String("watermark", mark.String()), zap.Error(err))
	}
}

// process migrates one entry with retries, then its permissions.
func (pl *Pipeline) process(ctx context.Context, pass int, e types.Entry) types.Outcome {
	start := time.Now()
	out := types.Outcome{Path: e.Path, Type: e.Type, Node: pl.cluster.Self(), Pass: pass}
	if err := ctx.Err(); err != nil {
		out.Kind, out.Err = types.Failed, err
		return out
	}

	attempts, err := pl.retry.do(ctx, pl.logger, e.Path, func() error {
		switch e.Type {
		case types.Directory:
			return pl.migrateDir(ctx, e, &out)
		case types.Symlink:
			return pl.migrateSymlink(ctx, e, &out)
		default:
			return pl.migrateFile(ctx, e, &out)
		}
	})
	out.Attempts = attempts

	if err == nil && e.Type != types.Symlink {
		changed := false
		n, perr := pl.retry.do(ctx, pl.logger, e.Path, func() error {
			c, err := pl.syncPerm(ctx, e.Path, e.Type)
			changed = changed || c
			return err
		})
		out.Attempts += n - 1
		err = perr
		if changed && out.Kind == types.Skipped {
			if e.Type == types.Directory {
				out.Kind, out.Detail = types.Copied, types.DetailDirectoryUpdated
			} else {
				out.Detail = types.DetailPermissionsUpdated
			}
		}
	}

	if err != nil {
		out.Kind, out.Err = types.Failed, err
	}
	out.Duration = time.Since(start)
	return out
}
