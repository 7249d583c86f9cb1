package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sharelift/pkg/types"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, ok, err := s.Load(ctx, "job", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, "job", 1, "/a/b"))
	require.NoError(t, s.Save(ctx, "job", 2, "/c"))
	require.NoError(t, s.Save(ctx, "other", 1, "/z"))
	require.NoError(t, s.Close())

	s, err = Open(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	wm, ok, err := s.Load(ctx, "job", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.PathKey("/a/b"), wm)

	require.NoError(t, s.Clear(ctx, "job"))
	_, ok, _ = s.Load(ctx, "job", 2)
	assert.False(t, ok)
	wm, ok, _ = s.Load(ctx, "other", 1)
	assert.True(t, ok)
	assert.Equal(t, types.PathKey("/z"), wm)
}

func TestInMemoryStore(t *testing.T) {
	s, err := Open("", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Save(ctx, "job", 1, "/x"))
	cancel()
	assert.ErrorIs(t, s.Save(ctx, "job", 1, "/y"), context.Canceled)
}

func TestTrackerLowWatermark(t *testing.T) {
	tr := NewTracker("")
	for _, k := range []types.PathKey{"/", "/a", "/a/1", "/b"} {
		tr.Start(k)
	}

	mark, moved := tr.Finish("/a/1")
	assert.False(t, moved)
	assert.Equal(t, types.PathKey(""), mark)

	mark, moved = tr.Finish("/")
	assert.True(t, moved)
	assert.Equal(t, types.PathKey("/"), mark)

	mark, _ = tr.Finish("/a")
	assert.Equal(t, types.PathKey("/a/1"), mark, "finished keys behind the gap are folded in")

	mark, _ = tr.Finish("/b")
	assert.Equal(t, types.PathKey("/b"), mark)
	assert.Equal(t, types.PathKey("/b"), tr.Mark())
}
