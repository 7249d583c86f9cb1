package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharelift/pkg/acl"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

func TestReadWriteCreate(t *testing.T) {
	ctx := context.Background()
	fs := New(share.NFS)
	fs.AddDir("/a", 0)

	require.NoError(t, fs.Create(ctx, "/a/f"))
	require.NoError(t, fs.Write(ctx, "/a/f", 0, []byte("hello ")))
	require.NoError(t, fs.Write(ctx, "/a/f", 6, []byte("world")))

	got, err := fs.Read(ctx, "/a/f", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	got, err = fs.Read(ctx, "/a/f", 6, 3)
	require.NoError(t, err)
	assert.Equal(t, "wor", string(got))

	got, err = fs.Read(ctx, "/a/f", 50, 3)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, fs.Create(ctx, "/a/f"))
	info, err := fs.Stat(ctx, "/a/f")
	require.NoError(t, err)
	assert.Zero(t, info.Size)

	err = fs.Create(ctx, "/missing/f")
	assert.True(t, share.IsNotFound(err))
}

func TestListAndRemove(t *testing.T) {
	ctx := context.Background()
	fs := New(share.NFS)
	fs.AddFile("/d/b", []byte("b"), 0, time.Now())
	fs.AddFile("/d/a", []byte("a"), 0, time.Now())
	fs.AddFile("/d/sub/c", []byte("c"), 0, time.Now())

	names, err := fs.List(ctx, "/d")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "sub"}, names)

	require.NoError(t, fs.Remove(ctx, "/d/sub"))
	assert.False(t, fs.Exists("/d/sub/c"))
	names, err = fs.List(ctx, "/d")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	_, err = fs.Stat(ctx, "/nope")
	assert.ErrorIs(t, err, share.ErrNotFound)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	fs := New(share.NFS)
	fs.AddFile("/f", []byte("x"), 0, time.Now())
	fs.SetFault(func(op string, p types.PathKey) error {
		if op == "read" {
			return share.ErrConnectionLost
		}
		return nil
	})

	_, err := fs.Read(ctx, "/f", 0, 1)
	require.Error(t, err)
	assert.True(t, share.IsRetryable(err))
	assert.Equal(t, 1, fs.Calls("read"))

	fs.SetFault(nil)
	_, err = fs.Read(ctx, "/f", 0, 1)
	assert.NoError(t, err)
}

func TestACEEditsAreRecorded(t *testing.T) {
	ctx := context.Background()
	fs := New(share.Samba)
	fs.AddFile("/f", nil, 0, time.Now())

	ace := acl.ACE{Type: acl.AccessAllowed, Mask: acl.FullControl, SID: acl.Everyone}
	require.NoError(t, fs.AddACE(ctx, "/f", ace))
	require.NoError(t, fs.RemoveACE(ctx, "/f", ace))
	require.NoError(t, fs.AddACE(ctx, "/f", ace))
	assert.Equal(t, []string{"add S-1-1-0", "remove S-1-1-0", "add S-1-1-0"}, fs.Edits())

	p, err := fs.GetACL(ctx, "/f")
	require.NoError(t, err)
	w, err := acl.DecodeWindows(p)
	require.NoError(t, err)
	assert.Equal(t, []acl.ACE{ace}, w.ACEs)

	err = fs.SetACL(ctx, "/f", acl.Payload{Kind: acl.KindUnix})
	assert.True(t, errors.Is(err, share.ErrProtocolUnsupported))
}

func TestLimitedKeepsOnlySettableAttributes(t *testing.T) {
	ctx := context.Background()
	fs := NewLimited(acl.AttrReadOnly)
	fs.AddFile("/f", nil, 0, time.Now())

	require.NoError(t, fs.SetACL(ctx, "/f", acl.Payload{Kind: acl.KindWindows, Attributes: acl.AttrReadOnly | acl.AttrHidden}))
	p, err := fs.GetACL(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, acl.AttrReadOnly, p.Attributes)
	assert.Empty(t, p.Descriptor)

	payload, err := acl.EncodeWindows(acl.WindowsPerm{Owner: acl.Everyone})
	require.NoError(t, err)
	err = fs.SetACL(ctx, "/f", payload)
	assert.True(t, errors.Is(err, share.ErrProtocolUnsupported))
}
