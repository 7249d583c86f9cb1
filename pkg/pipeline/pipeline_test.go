package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sharelift/pkg/acl"
	"sharelift/pkg/checkpoint"
	"sharelift/pkg/events"
	"sharelift/pkg/membership"
	"sharelift/pkg/partition"
	"sharelift/pkg/share"
	"sharelift/pkg/share/memory"
	"sharelift/pkg/types"
	"sharelift/pkg/walker"
)

var srcTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func seed(fs *memory.FS) {
	fs.AddDir("/docs", 0o755)
	fs.AddFile("/docs/a.txt", []byte("alpha"), 0o644, srcTime)
	fs.AddFile("/docs/b.txt", bytes.Repeat([]byte("b"), 3000), 0o600, srcTime)
	fs.AddDir("/docs/sub", 0o750)
	fs.AddFile("/docs/sub/c.bin", bytes.Repeat([]byte{1, 2, 3}, 1000), 0o644, srcTime)
	fs.AddFile("/empty", nil, 0o644, srcTime)
	fs.AddSymlink("/link", "docs/a.txt")
	fs.AddFile("/top.txt", []byte("top"), 0o640, srcTime)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Record(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) outcomes() []types.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Outcome
	for _, e := range r.events {
		if e.Outcome != nil {
			out = append(out, *e.Outcome)
		}
	}
	return out
}

func (r *recorder) outcome(p types.PathKey) (types.Outcome, bool) {
	var found types.Outcome
	ok := false
	for _, o := range r.outcomes() {
		if o.Path == p {
			found, ok = o, true
		}
	}
	return found, ok
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func singleNode(t *testing.T) *membership.Service {
	net := membership.NewNetwork()
	s := membership.New(membership.Config{Self: "a:7100"}, net.Endpoint("a:7100"), nil, zaptest.NewLogger(t))
	net.Attach(s)
	return s
}

func testOptions(sink events.Sink) Options {
	return Options{
		Job:        "job-1",
		NumThreads: 4,
		ChunkSize:  1024,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Sink:       sink,
	}
}

// assertMirrored checks that every source entry exists on dst with the same
// contents or target.
func assertMirrored(t *testing.T, src share.FileSystem, dst *memory.FS) {
	t.Helper()
	ctx := context.Background()
	for r := range walker.New(src, nil).Walk(ctx, types.Root, walker.Options{}) {
		require.NoError(t, r.Err)
		e := r.Entry
		switch e.Type {
		case types.File:
			want, _ := src.(interface {
				Content(string) ([]byte, bool)
			}).Content(string(e.Path))
			got, ok := dst.Content(string(e.Path))
			require.True(t, ok, "missing %s", e.Path)
			assert.Equal(t, want, got, "content of %s", e.Path)
		case types.Symlink:
			target, err := dst.Readlink(ctx, e.Path)
			require.NoError(t, err, e.Path)
			assert.Equal(t, e.Target, target)
		default:
			assert.True(t, dst.Exists(string(e.Path)), "missing %s", e.Path)
		}
	}
}

func TestMigrateTree(t *testing.T) {
	ctx := context.Background()
	src, dst := memory.New(share.NFS), memory.New(share.NFS)
	seed(src)
	sink := &recorder{}

	stats, err := New(src, dst, singleNode(t), testOptions(sink), zaptest.NewLogger(t)).RunPass(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(src.Len()+1), stats.Walked)
	assert.Equal(t, stats.Walked, stats.Owned)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, int64(5), stats.Copied-stats.DirectoriesCreated-stats.SymlinksCreated, "files copied")
	assert.Equal(t, int64(2), stats.DirectoriesCreated)
	assert.Equal(t, int64(1), stats.SymlinksCreated)
	assert.Equal(t, int64(5+3000+3000+3), stats.Bytes)
	assertMirrored(t, src, dst)

	perm, err := dst.GetACL(ctx, "/docs/b.txt")
	require.NoError(t, err)
	assert.Equal(t, 0o600, int(perm.Mode))
	perm, err = dst.GetACL(ctx, "/docs/sub")
	require.NoError(t, err)
	assert.Equal(t, 0o750, int(perm.Mode))

	info, err := dst.Stat(ctx, "/docs/sub/c.bin")
	require.NoError(t, err)
	assert.True(t, info.ModTime.Equal(srcTime))

	o, ok := sink.outcome("/docs/sub/c.bin")
	require.True(t, ok)
	assert.Equal(t, types.Copied, o.Kind)
	assert.Equal(t, 1, o.Attempts)
	assert.NotZero(t, o.Checksum)
	assert.Equal(t, 1, sink.count(events.PassDone))
}

func TestSecondRunSkipsEverything(t *testing.T) {
	ctx := context.Background()
	src, dst := memory.New(share.NFS), memory.New(share.NFS)
	seed(src)
	node := singleNode(t)

	_, err := New(src, dst, node, testOptions(nil), zaptest.NewLogger(t)).RunPass(ctx, 1)
	require.NoError(t, err)
	writes, creates, setacls := dst.Calls("write"), dst.Calls("create"), dst.Calls("setacl")

	stats, err := New(src, dst, node, testOptions(nil), zaptest.NewLogger(t)).RunPass(ctx, 1)
	require.NoError(t, err)

	assert.Zero(t, stats.Copied)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, stats.Owned, stats.Skipped)
	assert.Equal(t, stats.Owned, stats.UpToDate)
	assert.Equal(t, writes, dst.Calls("write"))
	assert.Equal(t, creates, dst.Calls("create"))
	assert.Equal(t, setacls, dst.Calls("setacl"))
}

func TestAmbiguousMtimeFallsBackToChecksum(t *testing.T) {
	ctx := context.Background()
	src, dst := memory.New(share.NFS), memory.New(share.NFS)
	seed(src)
	node := singleNode(t)
	_, err := New(src, dst, node, testOptions(nil), zaptest.NewLogger(t)).RunPass(ctx, 1)
	require.NoError(t, err)

	later := srcTime.Add(time.Hour)
	require.NoError(t, dst.SetTimes(ctx, "/docs/a.txt", later))
	dst.Corrupt("/docs/b.txt", 10)
	require.NoError(t, dst.SetTimes(ctx, "/docs/b.txt", later))

	sink := &recorder{}
	stats, err := New(src, dst, node, testOptions(sink), zaptest.NewLogger(t)).RunPass(ctx, 1)
	require.NoError(t, err)

	a, _ := sink.outcome("/docs/a.txt")
	assert.Equal(t, types.Skipped, a.Kind)
	assert.Equal(t, types.DetailChecksumConfirmed, a.Detail)
	b, _ := sink.outcome("/docs/b.txt")
	assert.Equal(t, types.Copied, b.Kind)
	assert.Equal(t, int64(1), stats.ChecksumConfirmed)
	assert.Equal(t, int64(1), stats.Copied)

	info, err := dst.Stat(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime.Equal(srcTime), "mtime restored")
	assertMirrored(t, src, dst)
}

type corruptingFS struct {
	*memory.FS
	path types.PathKey
}

func (c corruptingFS) Write(ctx context.Context, p types.PathKey, off int64, data []byte) error {
	if p == c.path && len(data) > 0 {
		data = append([]byte(nil), data...)
		data[0] ^= 0xFF
	}
	return c.FS.Write(ctx, p, off, data)
}

// trickleFS returns at most a few bytes per read.
type trickleFS struct{ *memory.FS }

func (f trickleFS) Read(ctx context.Context, p types.PathKey, off int64, n int) ([]byte, error) {
	return f.FS.Read(ctx, p, off, min(n, 7))
}

func TestShortReadsCopyWholeFile(t *testing.T) {
	src, dst := memory.New(share.NFS), memory.New(share.NFS)
	seed(src)
	sink := &recorder{}

	stats, err := New(trickleFS{src}, dst, singleNode(t), testOptions(sink), zaptest.NewLogger(t)).RunPass(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)

	o, ok := sink.outcome("/docs/b.txt")
	require.True(t, ok)
	assert.Equal(t, types.Copied, o.Kind)
	assert.Equal(t, int64(3000), o.Bytes)
	assertMirrored(t, src, dst)
}

func TestChecksumMismatchFailsWithoutRetry(t *testing.T) {
	src := memory.New(share.NFS)
	seed(src)
	dst := corruptingFS{FS: memory.New(share.NFS), path: "/docs/a.txt"}
	sink := &recorder{}

	stats, err := New(src, dst, singleNode(t), testOptions(sink), zaptest.NewLogger(t)).RunPass(context.Background(), 1)
	require.NoError(t, err)

	o, ok := sink.outcome("/docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, types.Failed, o.Kind)
	assert.ErrorIs(t, o.Err, ErrChecksumMismatch)
	assert.Equal(t, 1, o.Attempts)
	assert.Equal(t, int64(5), o.Bytes)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestRetries(t *testing.T) {
	transient := &share.Error{Kind: share.KindConnectionLost, Err: errors.New("connection reset")}
	denied := &share.Error{Kind: share.KindPermissionDenied, Err: errors.New("access denied")}

	tests := []struct {
		name     string
		failures int32
		err      error
		kind     types.OutcomeKind
		attempts int
	}{
		{"transient recovers", 2, transient, types.Copied, 3},
		{"transient exhausts retries", 100, transient, types.Failed, 4},
		{"permission denied is permanent", 100, denied, types.Failed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, dst := memory.New(share.NFS), memory.New(share.NFS)
			seed(src)
			var calls atomic.Int32
			src.SetFault(func(op string, p types.PathKey) error {
				if op == "read" && p == "/docs/a.txt" && calls.Add(1) <= tt.failures {
					return tt.err
				}
				return nil
			})
			sink := &recorder{}

			_, err := New(src, dst, singleNode(t), testOptions(sink), zaptest.NewLogger(t)).RunPass(context.Background(), 1)
			require.NoError(t, err)

			o, ok := sink.outcome("/docs/a.txt")
			require.True(t, ok)
			assert.Equal(t, tt.kind, o.Kind)
			assert.Equal(t, tt.attempts, o.Attempts)
			if tt.kind == types.Failed {
				assert.ErrorIs(t, o.Err, tt.err)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	r := retryPolicy{baseDelay: 100 * time.Millisecond, maxDelay: 5 * time.Second, jitterFactor: 0.2}

	for attempt := 0; attempt < 10; attempt++ {
		d := r.backoff(attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(r.maxDelay)*1.2), "attempt %d", attempt)
		assert.Positive(t, d)
	}
	for attempt := 0; attempt < 4; attempt++ {
		nominal := float64(r.baseDelay) * float64(int(1)<<attempt)
		d := float64(r.backoff(attempt))
		assert.InDelta(t, nominal, d, nominal*0.2+1, "attempt %d", attempt)
	}
}

func TestCrossProtocolPermissions(t *testing.T) {
	ctx := context.Background()

	t.Run("nfs to samba", func(t *testing.T) {
		src, dst := memory.New(share.NFS), memory.New(share.Samba)
		src.AddFile("/f", []byte("x"), 0o644, srcTime)
		src.SetPerm("/f", acl.Payload{Kind: acl.KindUnix, Mode: 0o754, UID: 1000, GID: 100})

		stats, err := New(src, dst, singleNode(t), testOptions(nil), zaptest.NewLogger(t)).RunPass(ctx, 1)
		require.NoError(t, err)
		require.Zero(t, stats.Failed)

		payload, err := dst.GetACL(ctx, "/f")
		require.NoError(t, err)
		w, err := acl.DecodeWindows(payload)
		require.NoError(t, err)
		assert.Equal(t, acl.AttrsFromMode(0o754).Mapped(), w.Attributes.Mapped())
		assert.Equal(t, acl.UnixUserSID(1000), w.Owner)
		assert.Equal(t, acl.UnixGroupSID(100), w.Group)
	})

	t.Run("samba to nfs", func(t *testing.T) {
		src, dst := memory.New(share.Samba), memory.New(share.NFS)
		src.AddFile("/f", []byte("x"), 0, srcTime)
		w := acl.WindowsPerm{
			Attributes: acl.AttrHidden | acl.AttrArchive,
			Owner:      acl.UnixUserSID(1000),
			Group:      acl.UnixGroupSID(100),
			ACEs: []acl.ACE{
				{Type: acl.AccessAllowed, Mask: acl.FullControl, SID: acl.UnixUserSID(1000)},
				{Type: acl.AccessAllowed, Mask: acl.FileGenericRead, SID: acl.UnixGroupSID(100)},
				{Type: acl.AccessAllowed, Mask: acl.FileGenericRead, SID: acl.Everyone},
			},
		}
		payload, err := acl.EncodeWindows(w)
		require.NoError(t, err)
		src.SetPerm("/f", payload)

		stats, err := New(src, dst, singleNode(t), testOptions(nil), zaptest.NewLogger(t)).RunPass(ctx, 1)
		require.NoError(t, err)
		require.Zero(t, stats.Failed)

		want, err := acl.ToUnix(w)
		require.NoError(t, err)
		got, err := dst.GetACL(ctx, "/f")
		require.NoError(t, err)
		assert.Equal(t, want.Mode, got.Mode)
		assert.Equal(t, uint32(1000), got.UID)
		assert.Equal(t, uint32(100), got.GID)
		assert.Equal(t, acl.AttrHidden|acl.AttrArchive, acl.AttrsFromMode(got.Mode).Mapped()&(acl.AttrHidden|acl.AttrArchive))
	})
}

func TestAttributeOnlyDestinationConverges(t *testing.T) {
	ctx := context.Background()
	hidden, err := acl.EncodeWindows(acl.WindowsPerm{
		Attributes: acl.AttrHidden | acl.AttrArchive,
		Owner:      acl.UnixUserSID(1000),
		ACEs:       []acl.ACE{{Type: acl.AccessAllowed, Mask: acl.FullControl, SID: acl.UnixUserSID(1000)}},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		src  func() *memory.FS
		want map[types.PathKey]acl.DOSAttr
	}{
		{
			name: "nfs source",
			src: func() *memory.FS {
				fs := memory.New(share.NFS)
				seed(fs)
				return fs
			},
			want: map[types.PathKey]acl.DOSAttr{"/docs/a.txt": acl.AttrReadOnly, "/docs/sub": acl.AttrReadOnly | acl.AttrDirectory},
		},
		{
			name: "samba source",
			src: func() *memory.FS {
				fs := memory.New(share.Samba)
				fs.AddFile("/d/f", []byte("f"), 0, srcTime)
				fs.SetPerm("/d/f", hidden)
				return fs
			},
			want: map[types.PathKey]acl.DOSAttr{"/d/f": acl.AttrNormal, "/d": acl.AttrDirectory},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, dst := tt.src(), memory.NewLimited(acl.AttrReadOnly)
			node := singleNode(t)

			first, err := New(src, dst, node, testOptions(nil), zaptest.NewLogger(t)).RunPass(ctx, 1)
			require.NoError(t, err)
			assert.Zero(t, first.Failed)

			for p, want := range tt.want {
				got, err := dst.GetACL(ctx, p)
				require.NoError(t, err)
				assert.Equal(t, want, got.Attributes, p)
				assert.Empty(t, got.Descriptor, p)
			}

			second, err := New(src, dst, node, testOptions(nil), zaptest.NewLogger(t)).RunPass(ctx, 2)
			require.NoError(t, err)
			assert.Zero(t, second.Failed)
			assert.Zero(t, second.Copied)
			assert.Zero(t, second.PermissionsUpdated)
			assert.Zero(t, second.DirectoriesUpdated)
		})
	}
}

func TestEveryoneACEPreserved(t *testing.T) {
	ctx := context.Background()
	const (
		srcUser acl.SID = "S-1-5-21-1-2-3-1001"
		dstUser acl.SID = "S-1-5-21-9-8-7-2001"
		group   acl.SID = "S-1-5-21-1-2-3-513"
	)
	everyone := acl.ACE{Type: acl.AccessAllowed, Flags: acl.ObjectInherit | acl.ContainerInherit, Mask: acl.FileGenericRead, SID: acl.Everyone}
	perm := acl.WindowsPerm{
		Attributes: acl.AttrArchive,
		Owner:      srcUser,
		Group:      group,
		ACEs: []acl.ACE{
			{Type: acl.AccessAllowed, Mask: acl.FullControl, SID: srcUser},
			everyone,
		},
	}

	src, dst := memory.New(share.Samba), memory.New(share.Samba)
	src.AddFile("/shared/report.docx", []byte("report"), 0, srcTime)
	payload, err := acl.EncodeWindows(perm)
	require.NoError(t, err)
	src.SetPerm("/shared/report.docx", payload)

	opts := testOptions(nil)
	opts.SIDs = acl.NewSIDMapper(acl.StaticResolver{srcUser: dstUser}, time.Minute)
	node := singleNode(t)

	stats, err := New(src, dst, node, opts, zaptest.NewLogger(t)).RunPass(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, stats.Failed)

	decode := func() acl.WindowsPerm {
		p, err := dst.GetACL(ctx, "/shared/report.docx")
		require.NoError(t, err)
		w, err := acl.DecodeWindows(p)
		require.NoError(t, err)
		return w
	}
	got := decode()
	assert.Equal(t, dstUser, got.Owner)
	assert.Equal(t, acl.AttrArchive, got.Attributes.Mapped())
	require.Len(t, got.ACEs, 2)
	assert.Equal(t, dstUser, got.ACEs[0].SID)
	assert.True(t, got.ACEs[1].Same(everyone), "everyone ace carried through: %s", got.ACEs[1])

	// Only the changed ACE is rewritten, removed before it is added back.
	perm.ACEs[1].Mask = acl.FileGenericRead | acl.FileGenericWrite
	payload, err = acl.EncodeWindows(perm)
	require.NoError(t, err)
	src.SetPerm("/shared/report.docx", payload)

	sink := &recorder{}
	opts.Sink = sink
	_, err = New(src, dst, node, opts, zaptest.NewLogger(t)).RunPass(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"remove " + string(acl.Everyone), "add " + string(acl.Everyone)}, dst.Edits())
	o, _ := sink.outcome("/shared/report.docx")
	assert.Equal(t, types.DetailPermissionsUpdated, o.Detail)
	assert.Equal(t, perm.ACEs[1].Mask, decode().ACEs[1].Mask)
}

func TestDirectoriesBeforeChildren(t *testing.T) {
	src, dst := memory.New(share.NFS), memory.New(share.NFS)
	seed(src)
	for i := 0; i < 20; i++ {
		src.AddFile(fmt.Sprintf("/deep/d%d/f", i%4), []byte{byte(i)}, 0o644, srcTime)
		src.AddFile(fmt.Sprintf("/deep/d%d/g%d", i%4, i), []byte{byte(i)}, 0o644, srcTime)
	}
	sink := &recorder{}

	_, err := New(src, dst, singleNode(t), testOptions(sink), zaptest.NewLogger(t)).RunPass(context.Background(), 1)
	require.NoError(t, err)

	seen := map[types.PathKey]int{}
	for i, o := range sink.outcomes() {
		seen[o.Path] = i
	}
	for p, i := range seen {
		if p == types.Root {
			continue
		}
		parent, ok := seen[p.Parent()]
		require.True(t, ok, "parent of %s processed", p)
		assert.Less(t, parent, i, "%s before %s", p.Parent(), p)
	}
}

func TestDeleteExtraneous(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		t.Run(fmt.Sprintf("enabled=%v", enabled), func(t *testing.T) {
			src, dst := memory.New(share.NFS), memory.New(share.NFS)
			seed(src)
			dst.AddFile("/docs/stale.txt", []byte("old"), 0o644, srcTime)
			dst.AddFile("/gone/x", []byte("x"), 0o644, srcTime)

			opts := testOptions(nil)
			opts.DeleteExtraneous = enabled
			stats, err := New(src, dst, singleNode(t), opts, zaptest.NewLogger(t)).RunPass(context.Background(), 1)
			require.NoError(t, err)

			assert.Equal(t, !enabled, dst.Exists("/docs/stale.txt"))
			assert.Equal(t, !enabled, dst.Exists("/gone/x"))
			if enabled {
				assert.Equal(t, int64(2), stats.Removed)
			} else {
				assert.Zero(t, stats.Removed)
			}
			assertMirrored(t, src, dst)
		})
	}
}

func TestSymlinkUpdated(t *testing.T) {
	src, dst := memory.New(share.NFS), memory.New(share.NFS)
	seed(src)
	dst.AddSymlink("/link", "elsewhere")
	sink := &recorder{}

	stats, err := New(src, dst, singleNode(t), testOptions(sink), zaptest.NewLogger(t)).RunPass(context.Background(), 1)
	require.NoError(t, err)

	o, _ := sink.outcome("/link")
	assert.Equal(t, types.DetailSymlinkUpdated, o.Detail)
	assert.Equal(t, int64(1), stats.SymlinksUpdated)
	target, err := dst.Readlink(context.Background(), "/link")
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", target)
}

func TestResumeFromCheckpoint(t *testing.T) {
	store, err := checkpoint.Open("", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	src, dst := memory.New(share.NFS), memory.New(share.NFS)
	seed(src)
	node := singleNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	src.SetFault(func(op string, p types.PathKey) error {
		if op == "read" && p == "/docs/sub/c.bin" {
			once.Do(cancel)
		}
		return nil
	})

	opts := testOptions(nil)
	opts.NumThreads = 1
	opts.Checkpoints = store
	_, err = New(src, dst, node, opts, zaptest.NewLogger(t)).RunPass(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)

	wm, ok, err := store.Load(context.Background(), "job-1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.PathKey("/docs/sub"), wm)

	src.SetFault(nil)
	stats, err := New(src, dst, node, opts, zaptest.NewLogger(t)).RunPass(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Walked, "c.bin, empty, link and top.txt")
	assert.Zero(t, stats.Failed)
	assertMirrored(t, src, dst)

	_, ok, err = store.Load(context.Background(), "job-1", 1)
	require.NoError(t, err)
	assert.False(t, ok, "cleared after the pass")
}

// orderedStore records watermarks in the order saves complete. Saves of
// file keys are slowed down so a later directory mark could overtake them.
type orderedStore struct {
	mu    sync.Mutex
	saved []types.PathKey
}

func (s *orderedStore) Load(context.Context, string, int) (types.PathKey, bool, error) {
	return "", false, nil
}

func (s *orderedStore) Save(_ context.Context, _ string, _ int, wm types.PathKey) error {
	if bytes.HasSuffix([]byte(wm), []byte(".dat")) {
		time.Sleep(2 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, wm)
	return nil
}

func (s *orderedStore) Clear(context.Context, string) error { return nil }

func TestWatermarkNeverMovesBack(t *testing.T) {
	src, dst := memory.New(share.NFS), memory.New(share.NFS)
	for i := 0; i < 40; i++ {
		src.AddFile(fmt.Sprintf("/d%d/f%02d.dat", i%5, i), []byte("x"), 0o644, srcTime)
		src.AddDir(fmt.Sprintf("/d%d/sub%02d", i%5, i), 0o755)
	}
	store := &orderedStore{}
	opts := testOptions(nil)
	opts.NumThreads = 8
	opts.Checkpoints = store

	_, err := New(src, dst, singleNode(t), opts, zaptest.NewLogger(t)).RunPass(context.Background(), 1)
	require.NoError(t, err)

	require.NotEmpty(t, store.saved)
	for i := 1; i < len(store.saved); i++ {
		assert.Positive(t, types.Compare(store.saved[i], store.saved[i-1]),
			"%s saved after %s", store.saved[i], store.saved[i-1])
	}
}

func TestUnlistableDirectoryHasOneOutcome(t *testing.T) {
	src, dst := memory.New(share.NFS), memory.New(share.NFS)
	src.AddFile("/d/x", []byte("x"), 0o644, srcTime)
	src.AddFile("/y", []byte("y"), 0o644, srcTime)
	src.SetFault(func(op string, p types.PathKey) error {
		if op == "list" && p == "/d" {
			return share.ErrPermissionDenied
		}
		return nil
	})
	sink := &recorder{}

	stats, err := New(src, dst, singleNode(t), testOptions(sink), zaptest.NewLogger(t)).RunPass(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Walked, "/, /d and /y")
	assert.Equal(t, int64(3), stats.Owned)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Copied)

	var forD []types.Outcome
	for _, o := range sink.outcomes() {
		if o.Path == "/d" {
			forD = append(forD, o)
		}
	}
	require.Len(t, forD, 1)
	assert.Equal(t, types.Failed, forD[0].Kind)
	assert.Equal(t, types.Directory, forD[0].Type)
	assert.ErrorIs(t, forD[0].Err, share.ErrPermissionDenied)
}

func TestRerunReason(t *testing.T) {
	tests := []struct {
		name  string
		stats types.PassStats
		view  types.ClusterView
		want  bool
	}{
		{"clean", types.PassStats{Epoch: 3}, types.ClusterView{Epoch: 3}, false},
		{"view changed", types.PassStats{Epoch: 3}, types.ClusterView{Epoch: 4}, true},
		{"failures", types.PassStats{Epoch: 3, Failed: 2}, types.ClusterView{Epoch: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rerunReason(tt.stats, tt.view) != "")
		})
	}
}

func TestJobID(t *testing.T) {
	a := JobID("nfs://src/export", "smb://dst/share")
	assert.Equal(t, a, JobID("nfs://src/export", "smb://dst/share"))
	assert.NotEqual(t, a, JobID("nfs://src/export", "smb://dst/other"))
}

func TestMergeAttrs(t *testing.T) {
	assert.Equal(t, acl.AttrDirectory, mergeAttrs(acl.AttrNormal, acl.AttrDirectory))
	assert.Equal(t, acl.AttrReadOnly|acl.AttrDirectory, mergeAttrs(acl.AttrReadOnly, acl.AttrDirectory|acl.AttrHidden))
	assert.Equal(t, acl.AttrNormal, mergeAttrs(acl.AttrNormal, acl.AttrHidden))
}

func TestUnknownPayloadKindFails(t *testing.T) {
	_, err := unixPerm(acl.Payload{Kind: acl.Kind(9)}, acl.UnixPerm{}, false)
	assert.ErrorIs(t, err, acl.ErrMalformedAcl)
	assert.False(t, retryable(context.Background(), err))
}

func TestNoNodes(t *testing.T) {
	net := membership.NewNetwork()
	joining := membership.New(membership.Config{Self: "a:7100", Seeds: []types.NodeID{"b:7100"}}, net.Endpoint("a:7100"), nil, zaptest.NewLogger(t))

	_, err := New(memory.New(share.NFS), memory.New(share.NFS), joining, testOptions(nil), zaptest.NewLogger(t)).RunPass(context.Background(), 1)
	assert.ErrorIs(t, err, partition.ErrNoAvailableNodes)
}
