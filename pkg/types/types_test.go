package types

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want PathKey
	}{
		{"", "/"},
		{"/", "/"},
		{"a/b/", "/a/b"},
		{"/a//b/./c", "/a/b/c"},
		{"../../etc", "/etc"},
		{`dir\sub\file.txt`, "/dir/sub/file.txt"},
		{"/a/b/../c", "/a/c"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizePath(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, NormalizePath(string(got)), "normalization must be idempotent")
		})
	}
}

func TestPathKeyHelpers(t *testing.T) {
	k := NormalizePath("/a/b/c")
	assert.Equal(t, PathKey("/a/b"), k.Parent())
	assert.Equal(t, "c", k.Base())
	assert.Equal(t, []string{"a", "b", "c"}, k.Components())
	assert.Equal(t, PathKey("/a/b/c/d"), k.Join("d"))
	assert.Equal(t, Root, Root.Parent())
	assert.Nil(t, Root.Components())

	assert.True(t, Root.IsAncestorOf(k))
	assert.True(t, PathKey("/a").IsAncestorOf(k))
	assert.False(t, PathKey("/a/b/c").IsAncestorOf(k))
	assert.False(t, PathKey("/a/b/cd").IsAncestorOf(k))
}

func TestCompareMatchesPreOrder(t *testing.T) {
	keys := []PathKey{"/b", "/a/z", "/", "/a", "/a-b", "/a/b/c", "/a/b"}
	sort.Slice(keys, func(i, j int) bool { return Compare(keys[i], keys[j]) < 0 })
	assert.Equal(t, []PathKey{"/", "/a", "/a/b", "/a/b/c", "/a/z", "/a-b", "/b"}, keys)
}

func TestClusterView(t *testing.T) {
	v := NewClusterView(3, []NodeID{"10.0.0.2:7000", "10.0.0.1:7000", "10.0.0.2:7000", ""})
	assert.Equal(t, []NodeID{"10.0.0.1:7000", "10.0.0.2:7000"}, v.Nodes)
	assert.Equal(t, 2, v.Len())
	assert.True(t, v.Contains("10.0.0.1:7000"))
	assert.False(t, v.Contains("10.0.0.3:7000"))

	assert.True(t, v.SameMembers(NewClusterView(9, []NodeID{"10.0.0.1:7000", "10.0.0.2:7000"})))
	assert.False(t, v.SameMembers(NewClusterView(3, []NodeID{"10.0.0.1:7000"})))
}

func TestPassStatsRecord(t *testing.T) {
	var s PassStats
	s.Record(Outcome{Type: File, Kind: Copied, Bytes: 10})
	s.Record(Outcome{Type: File, Kind: Skipped, Detail: DetailUpToDate})
	s.Record(Outcome{Type: File, Kind: Skipped, Detail: DetailChecksumConfirmed})
	s.Record(Outcome{Type: Directory, Kind: Copied, Detail: DetailDirectoryCreated})
	s.Record(Outcome{Type: Symlink, Kind: Skipped, Detail: DetailSymlinkSkipped})
	s.Record(Outcome{Type: File, Kind: Failed, Detail: DetailPermissionsUpdated, Bytes: 5})

	assert.Equal(t, int64(2), s.Copied)
	assert.Equal(t, int64(3), s.Skipped)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(1), s.UpToDate)
	assert.Equal(t, int64(1), s.ChecksumConfirmed)
	assert.Equal(t, int64(1), s.DirectoriesCreated)
	assert.Equal(t, int64(1), s.SymlinksSkipped)
	assert.Equal(t, int64(0), s.PermissionsUpdated)
	assert.Equal(t, int64(15), s.Bytes)
	assert.Equal(t, int64(6), s.Total())
}
