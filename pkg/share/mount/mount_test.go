package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharelift/pkg/acl"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

func newTestFS(t *testing.T) (*FS, string) {
	dir := t.TempDir()
	m, err := New(dir, share.NFS)
	require.NoError(t, err)
	return m, dir
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope"), share.NFS)
	assert.Error(t, err)
}

func TestFileOperations(t *testing.T) {
	ctx := context.Background()
	m, dir := newTestFS(t)

	require.NoError(t, m.Mkdir(ctx, "/docs"))
	require.NoError(t, m.Mkdir(ctx, "/docs"), "mkdir of an existing directory succeeds")
	require.NoError(t, m.Create(ctx, "/docs/a.txt"))
	require.NoError(t, m.Write(ctx, "/docs/a.txt", 0, []byte("abc")))
	require.NoError(t, m.Write(ctx, "/docs/a.txt", 3, []byte("def")))

	data, err := os.ReadFile(filepath.Join(dir, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))

	got, err := m.Read(ctx, "/docs/a.txt", 2, 10)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(got))

	info, err := m.Stat(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, types.File, info.Type)
	assert.Equal(t, int64(6), info.Size)

	names, err := m.List(ctx, "/docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, names)

	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, m.SetTimes(ctx, "/docs/a.txt", mtime))
	info, err = m.Stat(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime.Equal(mtime))

	require.NoError(t, m.Remove(ctx, "/docs"))
	_, err = m.Stat(ctx, "/docs")
	assert.True(t, share.IsNotFound(err))
	assert.Error(t, m.Remove(ctx, types.Root))
}

func TestSymlinks(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestFS(t)

	require.NoError(t, m.Symlink(ctx, "../target", "/link"))
	info, err := m.Stat(ctx, "/link")
	require.NoError(t, err)
	assert.Equal(t, types.Symlink, info.Type)

	target, err := m.Readlink(ctx, "/link")
	require.NoError(t, err)
	assert.Equal(t, "../target", target)
}

func TestUnixPermissions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestFS(t)
	require.NoError(t, m.Create(ctx, "/f"))

	p, err := m.GetACL(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, acl.KindUnix, p.Kind)

	p.Mode = 0o600
	require.NoError(t, m.SetACL(ctx, "/f", p))
	got, err := m.GetACL(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), got.Mode)

	err = m.SetACL(ctx, "/f", acl.Payload{Kind: acl.KindWindows})
	assert.ErrorIs(t, err, share.ErrProtocolUnsupported)
}

func TestDOSAttrCodec(t *testing.T) {
	for _, a := range []acl.DOSAttr{acl.AttrNormal, acl.AttrReadOnly | acl.AttrHidden, acl.AttrDirectory | acl.AttrArchive} {
		assert.Equal(t, a, decodeDOSAttr(encodeDOSAttr(a)))
	}
	assert.Equal(t, acl.AttrNormal, decodeDOSAttr(nil))
}
