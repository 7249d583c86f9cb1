package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"sharelift/pkg/checksum"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

// mtimeWindow absorbs the timestamp granularity of SMB and older NFS
// servers.
const mtimeWindow = time.Second

func sameMtime(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < mtimeWindow
}

// reader streams a file from a share in fixed-size chunks.
type reader struct {
	ctx   context.Context
	fs    share.FileSystem
	path  types.PathKey
	off   int64
	chunk int
}

func (r *reader) Read(p []byte) (int, error) {
	n := len(p)
	if n > r.chunk {
		n = r.chunk
	}
	data, err := r.fs.Read(r.ctx, r.path, r.off, n)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	r.off += int64(len(data))
	return copy(p, data), nil
}

func (pl *Pipeline) sum(ctx context.Context, fs share.FileSystem, p types.PathKey) (checksum.Checksum, error) {
	sum, _, err := checksum.Sum(&reader{ctx: ctx, fs: fs, path: p, chunk: pl.opts.ChunkSize})
	return sum, err
}

// migrateFile brings one file up to date on the destination. The outcome
// carries Kind, Detail, Bytes and Checksum.
func (pl *Pipeline) migrateFile(ctx context.Context, e types.Entry, out *types.Outcome) error {
	info, err := pl.dst.Stat(ctx, e.Path)
	switch {
	case share.IsNotFound(err):
		if err := share.MkdirAll(ctx, pl.dst, e.Path.Parent()); err != nil {
			return err
		}
	case err != nil:
		return err
	case info.Type != types.File:
		if err := pl.dst.Remove(ctx, e.Path); err != nil {
			return err
		}
	case info.Size == e.Size && sameMtime(info.ModTime, e.ModTime):
		out.Kind, out.Detail = types.Skipped, types.DetailUpToDate
		return nil
	case info.Size == e.Size:
		srcSum, err := pl.sum(ctx, pl.src, e.Path)
		if err != nil {
			return err
		}
		dstSum, err := pl.sum(ctx, pl.dst, e.Path)
		if err != nil {
			return err
		}
		if srcSum == dstSum {
			out.Kind, out.Detail, out.Checksum = types.Skipped, types.DetailChecksumConfirmed, srcSum
			return pl.setMtime(ctx, e)
		}
	}

	sum, n, err := pl.copyFile(ctx, e)
	out.Bytes = n
	if err != nil {
		return err
	}
	out.Kind, out.Detail, out.Checksum = types.Copied, types.DetailNone, sum
	return nil
}

// copyFile truncates the destination and streams the source into it, then
// verifies the written data and sets the modification time.
func (pl *Pipeline) copyFile(ctx context.Context, e types.Entry) (checksum.Checksum, int64, error) {
	if err := pl.dst.Create(ctx, e.Path); err != nil {
		return 0, 0, err
	}

	// Writes use a context that outlives cancellation so the chunk in
	// flight always lands.
	wctx := context.WithoutCancel(ctx)
	digest := checksum.NewDigest()
	var off int64
	for {
		data, err := pl.src.Read(ctx, e.Path, off, pl.opts.ChunkSize)
		if err != nil {
			return 0, off, err
		}
		if len(data) == 0 {
			break
		}
		if pl.limiter != nil {
			if err := pl.limiter.WaitN(ctx, len(data)); err != nil {
				return 0, off, err
			}
		}
		_, _ = digest.Write(data)
		if err := pl.dst.Write(wctx, e.Path, off, data); err != nil {
			return 0, off, err
		}
		off += int64(len(data))
		if err := ctx.Err(); err != nil {
			return 0, off, err
		}
	}

	want := digest.Sum()
	got, err := pl.sum(ctx, pl.dst, e.Path)
	if err != nil {
		return 0, off, err
	}
	if got != want {
		return 0, off, fmt.Errorf("%w: %s: source %s, destination %s", ErrChecksumMismatch, e.Path, want, got)
	}
	return want, off, pl.setMtime(ctx, e)
}

func (pl *Pipeline) setMtime(ctx context.Context, e types.Entry) error {
	ts, ok := pl.dst.(share.TimeSetter)
	if !ok {
		return nil
	}
	return ts.SetTimes(ctx, e.Path, e.ModTime)
}

// migrateSymlink recreates a link when the destination is missing it or
// points somewhere else.
func (pl *Pipeline) migrateSymlink(ctx context.Context, e types.Entry, out *types.Outcome) error {
	_, srcOK := pl.src.(share.Linker)
	dl, dstOK := pl.dst.(share.Linker)
	if !srcOK || !dstOK {
		out.Kind, out.Detail = types.Skipped, types.DetailSymlinkSkipped
		return nil
	}

	out.Kind, out.Detail = types.Copied, types.DetailSymlinkCreated
	info, err := pl.dst.Stat(ctx, e.Path)
	switch {
	case share.IsNotFound(err):
		if err := share.MkdirAll(ctx, pl.dst, e.Path.Parent()); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if info.Type == types.Symlink {
			target, err := dl.Readlink(ctx, e.Path)
			if err != nil {
				return err
			}
			if target == e.Target {
				out.Kind, out.Detail = types.Skipped, types.DetailUpToDate
				return nil
			}
		}
		if err := pl.dst.Remove(ctx, e.Path); err != nil {
			return err
		}
		out.Detail = types.DetailSymlinkUpdated
	}
	return dl.Symlink(ctx, e.Target, e.Path)
}

// migrateDir creates a directory, syncs its permissions and optionally
// removes destination children the source does not have.
func (pl *Pipeline) migrateDir(ctx context.Context, e types.Entry, out *types.Outcome) error {
	out.Kind, out.Detail = types.Skipped, types.DetailUpToDate
	info, err := pl.dst.Stat(ctx, e.Path)
	switch {
	case share.IsNotFound(err):
		if err := share.MkdirAll(ctx, pl.dst, e.Path); err != nil {
			return err
		}
		out.Kind, out.Detail = types.Copied, types.DetailDirectoryCreated
	case err != nil:
		return err
	case info.Type != types.Directory:
		if err := pl.dst.Remove(ctx, e.Path); err != nil {
			return err
		}
		if err := pl.dst.Mkdir(ctx, e.Path); err != nil {
			return err
		}
		out.Kind, out.Detail = types.Copied, types.DetailDirectoryCreated
	default:
		if pl.opts.DeleteExtraneous {
			return pl.removeExtraneous(ctx, e.Path)
		}
	}
	return nil
}

func (pl *Pipeline) removeExtraneous(ctx context.Context, dir types.PathKey) error {
	have, err := pl.dst.List(ctx, dir)
	if err != nil {
		return err
	}
	want, err := pl.src.List(ctx, dir)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(want))
	for _, name := range want {
		keep[name] = true
	}
	for _, name := range have {
		if keep[name] {
			continue
		}
		p := dir.Join(name)
		if err := pl.dst.Remove(ctx, p); err != nil && !share.IsNotFound(err) {
			return err
		}
		pl.removed.Add(1)
		pl.logger.Debug("Removed extraneous entry", zap.String("path", p.String()))
	}
	return nil
}
