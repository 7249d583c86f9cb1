package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sharelift/pkg/config"
	"sharelift/pkg/partition"
	"sharelift/pkg/share"
	"sharelift/pkg/share/memory"
	"sharelift/pkg/types"
)

var mtime = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		ListenAddress:     "127.0.0.1:0",
		Lifetime:          2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		JoinTimeout:       10 * time.Second,
		NumThreads:        4,
		ChunkSize:         "4KiB",
		RetryDelay:        time.Millisecond,
		CheckpointDir:     t.TempDir(),
		Source:            config.ShareConfig{Type: "memory"},
		Destination:       config.ShareConfig{Type: "memory"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func sourceTree(n int) *memory.FS {
	src := memory.New(share.NFS)
	for i := 0; i < n; i++ {
		src.AddFile(fmt.Sprintf("/projects/p%d/file%02d.dat", i%4, i), []byte(fmt.Sprintf("payload %d", i)), 0o644, mtime)
	}
	return src
}

func assertCopied(t *testing.T, src, dst *memory.FS, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("/projects/p%d/file%02d.dat", i%4, i)
		want, _ := src.Content(p)
		got, ok := dst.Content(p)
		require.True(t, ok, "missing %s", p)
		assert.Equal(t, want, got, p)
	}
}

func TestRunSingleNode(t *testing.T) {
	src, dst := sourceTree(12), memory.New(share.NFS)
	n := New(testConfig(t), Credentials{Username: "migrator", Password: "secret"}, zaptest.NewLogger(t), WithShares(src, dst))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	stats, err := n.Run(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(5), stats[0].DirectoriesCreated)
	assert.Equal(t, int64(10*len("payload 0")+2*len("payload 10")), stats[0].Bytes)
	assert.Zero(t, stats[0].Failed)
	assertCopied(t, src, dst, 12)

	families, err := n.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["sharelift_entries_total"])
}

func TestTwoNodesShareTheWork(t *testing.T) {
	const files = 40
	src, dst := sourceTree(files), memory.New(share.NFS)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfgA := testConfig(t)
	cfgA.MinNodes = 2
	a := New(cfgA, Credentials{}, zaptest.NewLogger(t).Named("a"), WithShares(src, dst))
	require.NoError(t, a.Start(ctx))

	cfgB := testConfig(t)
	cfgB.MinNodes = 2
	cfgB.Nodes = []string{string(a.Self())}
	b := New(cfgB, Credentials{}, zaptest.NewLogger(t).Named("b"), WithShares(src, dst))

	type result struct {
		stats []types.PassStats
		err   error
	}
	results := make(chan result, 2)
	for _, n := range []*Node{a, b} {
		go func(n *Node) {
			stats, err := n.Run(ctx)
			results <- result{stats, err}
		}(n)
	}

	var owned int64
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.NotEmpty(t, r.stats)
		assert.Zero(t, r.stats[0].Failed)
		owned += r.stats[0].Owned
	}

	// Each of the files, the five directories and the root has one owner.
	assert.Equal(t, int64(files+6), owned)
	assertCopied(t, src, dst, files)
}

func TestJoinTimeoutIsNoAvailableNodes(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinNodes = 2
	cfg.JoinTimeout = 300 * time.Millisecond
	n := New(cfg, Credentials{}, zaptest.NewLogger(t), WithShares(memory.New(share.NFS), memory.New(share.NFS)))

	_, err := n.Run(context.Background())
	assert.ErrorIs(t, err, partition.ErrNoAvailableNodes)
}

func TestStartFailsOnBadCheckpointDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	cfg := testConfig(t)
	cfg.CheckpointDir = file

	n := New(cfg, Credentials{}, zaptest.NewLogger(t), WithShares(memory.New(share.NFS), memory.New(share.NFS)))
	_, err := n.Run(context.Background())
	assert.ErrorContains(t, err, "checkpoint store")
}

func TestUnreachableEventDatabaseIsNotFatal(t *testing.T) {
	src, dst := sourceTree(3), memory.New(share.NFS)
	cfg := testConfig(t)
	cfg.DatabaseURL = "postgres://sharelift@127.0.0.1:1/sharelift?connect_timeout=1"

	n := New(cfg, Credentials{}, zaptest.NewLogger(t), WithShares(src, dst))
	_, err := n.Run(context.Background())
	require.NoError(t, err)
	assertCopied(t, src, dst, 3)
}

func TestOpenShare(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	cfg := testConfig(t)
	cfg.System = "samba"

	fs, err := OpenShare(ctx, cfg, config.ShareConfig{Type: "memory"}, Credentials{}, logger)
	require.NoError(t, err)
	assert.Equal(t, share.Samba, fs.Protocol())

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "exports", "home"), 0o755))
	fs, err = OpenShare(ctx, cfg, config.ShareConfig{Type: "mount", System: "nfs", MountPoint: root, Path: "/exports"}, Credentials{}, logger)
	require.NoError(t, err)
	assert.Equal(t, share.NFS, fs.Protocol())
	names, err := fs.List(ctx, types.Root)
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, names)

	_, err = OpenShare(ctx, cfg, config.ShareConfig{Type: "mount", MountPoint: filepath.Join(root, "missing")}, Credentials{}, logger)
	assert.Error(t, err)

	_, err = OpenShare(ctx, cfg, config.ShareConfig{Type: "ftp"}, Credentials{}, logger)
	assert.ErrorContains(t, err, "unknown share type")
}

func TestSelfID(t *testing.T) {
	tests := []struct {
		configured, bound string
		want              types.NodeID
	}{
		{"node1:7100", "[::]:7100", "node1:7100"},
		{"127.0.0.1:0", "127.0.0.1:40123", "127.0.0.1:40123"},
		{":0", "[::]:40123", "localhost:40123"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, selfID(tt.configured, tt.bound), tt.configured)
	}
}
