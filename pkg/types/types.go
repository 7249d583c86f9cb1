package types

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"sharelift/pkg/acl"
	"sharelift/pkg/checksum"
)

// NodeID identifies a node by its host:port listen address.
type NodeID string

// PathKey is a normalized, share-relative path: leading slash, no trailing
// slash, no "." or ".." elements.
type PathKey string

const Root PathKey = "/"

// NormalizePath turns any share-relative path into a PathKey. Applying it to
// a PathKey returns the same key. Backslashes are treated as separators and
// ".." never climbs above the root.
func NormalizePath(p string) PathKey {
	p = strings.ReplaceAll(p, "\\", "/")
	return PathKey(path.Clean("/" + p))
}

func (k PathKey) String() string { return string(k) }

// Join appends a single name to k.
func (k PathKey) Join(name string) PathKey {
	return NormalizePath(string(k) + "/" + name)
}

// Parent returns the containing directory; the root is its own parent.
func (k PathKey) Parent() PathKey {
	return PathKey(path.Dir(string(k)))
}

// Base returns the final element.
func (k PathKey) Base() string {
	return path.Base(string(k))
}

// Components splits k into its names; the root has none.
func (k PathKey) Components() []string {
	if k == Root || k == "" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(string(k), "/"), "/")
}

// IsAncestorOf reports whether k strictly contains other.
func (k PathKey) IsAncestorOf(other PathKey) bool {
	if k == other {
		return false
	}
	if k == Root {
		return true
	}
	return strings.HasPrefix(string(other), string(k)+"/")
}

// Compare orders keys the way a sorted depth-first pre-order walk visits
// them: component by component, a parent before its children.
func Compare(a, b PathKey) int {
	ac, bc := a.Components(), b.Components()
	for i := 0; i < len(ac) && i < len(bc); i++ {
		if c := strings.Compare(ac[i], bc[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(ac) < len(bc):
		return -1
	case len(ac) > len(bc):
		return 1
	}
	return 0
}

// EntryType is the kind of filesystem object an Entry describes.
type EntryType int

const (
	File EntryType = iota
	Directory
	Symlink
)

func (t EntryType) String() string {
	switch t {
	case File:
		return "file"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	default:
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
}

// Entry is one object found on a share. Perm is filled lazily, only for
// entries this node owns.
type Entry struct {
	Path    PathKey
	Type    EntryType
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	Target  string
	Perm    *acl.Payload
}

// ClusterView is a versioned snapshot of cluster membership.
type ClusterView struct {
	Epoch uint64
	Nodes []NodeID
}

// NewClusterView returns a view with sorted, de-duplicated nodes.
func NewClusterView(epoch uint64, nodes []NodeID) ClusterView {
	seen := make(map[NodeID]bool, len(nodes))
	out := make([]NodeID, 0, len(nodes))
	for _, n := range nodes {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return ClusterView{Epoch: epoch, Nodes: out}
}

// Len returns the number of nodes in the view.
func (v ClusterView) Len() int { return len(v.Nodes) }

// Contains reports whether id is a member of the view.
func (v ClusterView) Contains(id NodeID) bool {
	i := sort.Search(len(v.Nodes), func(i int) bool { return v.Nodes[i] >= id })
	return i < len(v.Nodes) && v.Nodes[i] == id
}

// SameMembers reports whether both views hold the same nodes, ignoring epochs.
func (v ClusterView) SameMembers(o ClusterView) bool {
	if len(v.Nodes) != len(o.Nodes) {
		return false
	}
	for i := range v.Nodes {
		if v.Nodes[i] != o.Nodes[i] {
			return false
		}
	}
	return true
}

// OutcomeKind is the result class of migrating one entry.
type OutcomeKind int

const (
	Skipped OutcomeKind = iota
	Copied
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Skipped:
		return "skipped"
	case Copied:
		return "copied"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Detail refines an outcome for the per-pass counters.
type Detail string

const (
	DetailNone               Detail = ""
	DetailUpToDate           Detail = "up_to_date"
	DetailChecksumConfirmed  Detail = "checksum_confirmed"
	DetailDirectoryCreated   Detail = "directory_created"
	DetailDirectoryUpdated   Detail = "directory_updated"
	DetailSymlinkCreated     Detail = "symlink_created"
	DetailSymlinkUpdated     Detail = "symlink_updated"
	DetailSymlinkSkipped     Detail = "symlink_skipped"
	DetailPermissionsUpdated Detail = "permissions_updated"
)

// Outcome is the result of migrating one entry.
type Outcome struct {
	Path     PathKey
	Type     EntryType
	Kind     OutcomeKind
	Detail   Detail
	Bytes    int64
	Checksum checksum.Checksum
	Err      error
	Node     NodeID
	Pass     int
	Attempts int
	Duration time.Duration
}

// PassStats counts the outcomes of one pass on one node. Copied, Skipped and
// Failed count by outcome kind; the rest break them down by detail.
type PassStats struct {
	Pass               int
	Epoch              uint64
	Walked             int64
	Owned              int64
	Copied             int64
	Skipped            int64
	Failed             int64
	UpToDate           int64
	ChecksumConfirmed  int64
	DirectoriesCreated int64
	DirectoriesUpdated int64
	SymlinksCreated    int64
	SymlinksUpdated    int64
	SymlinksSkipped    int64
	PermissionsUpdated int64
	Removed            int64
	Bytes              int64
	Duration           time.Duration
}

// Record folds one outcome into the counters.
func (s *PassStats) Record(o Outcome) {
	s.Bytes += o.Bytes
	switch o.Kind {
	case Copied:
		s.Copied++
	case Skipped:
		s.Skipped++
	case Failed:
		s.Failed++
		return
	}
	switch o.Detail {
	case DetailUpToDate:
		s.UpToDate++
	case DetailChecksumConfirmed:
		s.ChecksumConfirmed++
	case DetailDirectoryCreated:
		s.DirectoriesCreated++
	case DetailDirectoryUpdated:
		s.DirectoriesUpdated++
	case DetailSymlinkCreated:
		s.SymlinksCreated++
	case DetailSymlinkUpdated:
		s.SymlinksUpdated++
	case DetailSymlinkSkipped:
		s.SymlinksSkipped++
	case DetailPermissionsUpdated:
		s.PermissionsUpdated++
	}
}

// Total is the number of outcomes recorded.
func (s PassStats) Total() int64 {
	return s.Copied + s.Skipped + s.Failed
}
