// Package walker enumerates a share lazily in sorted depth-first pre-order.
// A directory is always produced before anything inside it, and a failing
// list or stat only affects that one path.
package walker

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

// Result is either an entry or the error met while reading Path. A
// directory whose listing failed carries both its Entry and the error.
type Result struct {
	Entry types.Entry
	Path  types.PathKey
	Err   error
}

// Options tune a walk.
type Options struct {
	// StartAfter resumes the walk strictly after this key. Subtrees that
	// sort entirely before it are not listed again.
	StartAfter types.PathKey
	// Buffer is the channel capacity; 0 means unbuffered.
	Buffer int
	// SkipRoot omits the root entry itself.
	SkipRoot bool
}

// Walker walks one share.
type Walker struct {
	fs     share.FileSystem
	logger *zap.Logger
}

// New creates a walker over fs.
func New(fs share.FileSystem, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{fs: fs, logger: logger}
}

// Walk streams everything under root. The channel is closed when the walk
// ends or ctx is cancelled.
func (w *Walker) Walk(ctx context.Context, root types.PathKey, opts Options) <-chan Result {
	out := make(chan Result, opts.Buffer)
	go func() {
		defer close(out)
		w.visit(ctx, root, true, opts, out)
	}()
	return out
}

// visit returns false once the consumer is gone.
func (w *Walker) visit(ctx context.Context, p types.PathKey, isRoot bool, opts Options, out chan<- Result) bool {
	info, err := w.fs.Stat(ctx, p)
	if err != nil {
		w.logger.Warn("Failed to stat entry", zap.String("path", p.String()), zap.Error(err))
		return w.emit(ctx, out, Result{Path: p, Err: err}, p, opts)
	}

	entry := types.Entry{
		Path:    p,
		Type:    info.Type,
		Size:    info.Size,
		Mode:    info.Mode,
		ModTime: info.ModTime,
	}
	if info.Type == types.Symlink {
		if l, ok := w.fs.(share.Linker); ok {
			if entry.Target, err = l.Readlink(ctx, p); err != nil {
				return w.emit(ctx, out, Result{Path: p, Err: err}, p, opts)
			}
		}
	}
	if entry.Type != types.Directory {
		if isRoot && opts.SkipRoot {
			return true
		}
		return w.emit(ctx, out, Result{Entry: entry, Path: p}, p, opts)
	}

	// A directory that cannot be listed is reported once, as a failure.
	names, err := w.fs.List(ctx, p)
	if err != nil {
		w.logger.Warn("Failed to list directory", zap.String("path", p.String()), zap.Error(err))
		return w.emit(ctx, out, Result{Entry: entry, Path: p, Err: err}, p, opts)
	}
	if !(isRoot && opts.SkipRoot) {
		if !w.emit(ctx, out, Result{Entry: entry, Path: p}, p, opts) {
			return false
		}
	}
	sort.Strings(names)

	for _, name := range names {
		child := p.Join(name)
		if opts.StartAfter != "" && before(child, opts.StartAfter) {
			continue
		}
		if !w.visit(ctx, child, false, opts, out) {
			return false
		}
	}
	return true
}

// before reports whether child and its whole subtree sort at or before the
// resume point.
func before(child, resume types.PathKey) bool {
	if child == resume {
		return false
	}
	if child.IsAncestorOf(resume) {
		return false
	}
	return types.Compare(child, resume) < 0
}

// emit sends r unless it sorts at or before the resume point. Errors on the
// ancestors of the resume point are still sent, since the rest of the walk
// cannot reach below them.
func (w *Walker) emit(ctx context.Context, out chan<- Result, r Result, p types.PathKey, opts Options) bool {
	if opts.StartAfter != "" && types.Compare(p, opts.StartAfter) <= 0 {
		if r.Err == nil || !p.IsAncestorOf(opts.StartAfter) {
			return true
		}
	}
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
