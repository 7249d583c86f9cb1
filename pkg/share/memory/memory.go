// Package memory is an in-memory share used for tests and dry runs. It
// implements every optional share interface and can inject faults.
package memory

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"sharelift/pkg/acl"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

type node struct {
	typ      types.EntryType
	data     []byte
	mode     os.FileMode
	mtime    time.Time
	target   string
	perm     *acl.Payload
	children map[string]bool
}

// FaultFunc is consulted before every operation; a non-nil error is returned
// in place of performing it.
type FaultFunc func(op string, p types.PathKey) error

// FS is a thread-safe in-memory tree.
type FS struct {
	mu       sync.Mutex
	protocol share.Protocol
	nodes    map[types.PathKey]*node
	fault    FaultFunc
	calls    map[string]int
	edits    []string
	clock    func() time.Time
}

// New returns an empty share holding only the root directory.
func New(protocol share.Protocol) *FS {
	f := &FS{
		protocol: protocol,
		nodes:    make(map[types.PathKey]*node),
		calls:    make(map[string]int),
		clock:    time.Now,
	}
	f.nodes[types.Root] = &node{typ: types.Directory, mode: 0o755, mtime: f.clock(), children: map[string]bool{}}
	return f
}

var (
	_ share.FileSystem = (*FS)(nil)
	_ share.Linker     = (*FS)(nil)
	_ share.TimeSetter = (*FS)(nil)
	_ share.ACEEditor  = (*FS)(nil)
)

// SetFault installs or clears the fault hook.
func (f *FS) SetFault(fn FaultFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fault = fn
}

// Calls returns how many times op was invoked.
func (f *FS) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Edits returns the log of ACE edits, "remove <sid>" / "add <sid>".
func (f *FS) Edits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits...)
}

func (f *FS) begin(op string, p types.PathKey) error {
	f.calls[op]++
	if f.fault != nil {
		if err := f.fault(op, p); err != nil {
			return share.Wrap(op, p, err)
		}
	}
	return nil
}

func notFound(op string, p types.PathKey) error {
	return &share.Error{Op: op, Path: p, Kind: share.KindNotFound, Err: fs.ErrNotExist}
}

func (f *FS) lookup(op string, p types.PathKey) (*node, error) {
	n, ok := f.nodes[p]
	if !ok {
		return nil, notFound(op, p)
	}
	return n, nil
}

func (f *FS) parentDir(op string, p types.PathKey) (*node, error) {
	parent, ok := f.nodes[p.Parent()]
	if !ok {
		return nil, notFound(op, p.Parent())
	}
	if parent.typ != types.Directory {
		return nil, &share.Error{Op: op, Path: p, Kind: share.KindIO, Err: fmt.Errorf("parent is not a directory")}
	}
	return parent, nil
}

func (f *FS) insert(op string, p types.PathKey, n *node) error {
	parent, err := f.parentDir(op, p)
	if err != nil {
		return err
	}
	parent.children[p.Base()] = true
	parent.mtime = f.clock()
	f.nodes[p] = n
	return nil
}

func (f *FS) Protocol() share.Protocol { return f.protocol }

func (f *FS) List(_ context.Context, p types.PathKey) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("list", p); err != nil {
		return nil, err
	}
	n, err := f.lookup("list", p)
	if err != nil {
		return nil, err
	}
	if n.typ != types.Directory {
		return nil, &share.Error{Op: "list", Path: p, Kind: share.KindIO, Err: fmt.Errorf("not a directory")}
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FS) Stat(_ context.Context, p types.PathKey) (share.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("stat", p); err != nil {
		return share.FileInfo{}, err
	}
	n, err := f.lookup("stat", p)
	if err != nil {
		return share.FileInfo{}, err
	}
	info := share.FileInfo{Name: p.Base(), Type: n.typ, Mode: n.mode, ModTime: n.mtime}
	switch n.typ {
	case types.File:
		info.Size = int64(len(n.data))
	case types.Symlink:
		info.Size = int64(len(n.target))
	}
	return info, nil
}

func (f *FS) Read(_ context.Context, p types.PathKey, off int64, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("read", p); err != nil {
		return nil, err
	}
	n, err := f.lookup("read", p)
	if err != nil {
		return nil, err
	}
	if off >= int64(len(n.data)) {
		return nil, nil
	}
	end := off + int64(size)
	if end > int64(len(n.data)) {
		end = int64(len(n.data))
	}
	return append([]byte(nil), n.data[off:end]...), nil
}

func (f *FS) Write(_ context.Context, p types.PathKey, off int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("write", p); err != nil {
		return err
	}
	n, err := f.lookup("write", p)
	if err != nil {
		return err
	}
	if end := off + int64(len(data)); end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], data)
	n.mtime = f.clock()
	return nil
}

func (f *FS) Create(_ context.Context, p types.PathKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create", p); err != nil {
		return err
	}
	if n, ok := f.nodes[p]; ok {
		if n.typ != types.File {
			return &share.Error{Op: "create", Path: p, Kind: share.KindIO, Err: fmt.Errorf("is a %s", n.typ)}
		}
		n.data = nil
		n.mtime = f.clock()
		return nil
	}
	return f.insert("create", p, &node{typ: types.File, mode: 0o644, mtime: f.clock()})
}

func (f *FS) Mkdir(_ context.Context, p types.PathKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("mkdir", p); err != nil {
		return err
	}
	if n, ok := f.nodes[p]; ok {
		if n.typ == types.Directory {
			return nil
		}
		return &share.Error{Op: "mkdir", Path: p, Kind: share.KindIO, Err: fs.ErrExist}
	}
	return f.insert("mkdir", p, &node{typ: types.Directory, mode: 0o755, mtime: f.clock(), children: map[string]bool{}})
}

func (f *FS) Remove(_ context.Context, p types.PathKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("remove", p); err != nil {
		return err
	}
	if _, err := f.lookup("remove", p); err != nil {
		return err
	}
	f.removeTree(p)
	if parent, ok := f.nodes[p.Parent()]; ok && p != types.Root {
		delete(parent.children, p.Base())
	}
	return nil
}

func (f *FS) removeTree(p types.PathKey) {
	n := f.nodes[p]
	for name := range n.children {
		f.removeTree(p.Join(name))
	}
	delete(f.nodes, p)
}

func (f *FS) defaultPerm(n *node) acl.Payload {
	if f.protocol == share.Samba {
		attrs := acl.AttrNormal
		if n.typ == types.Directory {
			attrs = acl.AttrDirectory
		}
		return acl.Payload{Kind: acl.KindWindows, Attributes: attrs}
	}
	return acl.Payload{Kind: acl.KindUnix, Mode: n.mode.Perm()}
}

func (f *FS) GetACL(_ context.Context, p types.PathKey) (acl.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("getacl", p); err != nil {
		return acl.Payload{}, err
	}
	n, err := f.lookup("getacl", p)
	if err != nil {
		return acl.Payload{}, err
	}
	if n.perm == nil {
		return f.defaultPerm(n), nil
	}
	out := *n.perm
	out.PosixACL = append([]byte(nil), n.perm.PosixACL...)
	out.Descriptor = append([]byte(nil), n.perm.Descriptor...)
	return out, nil
}

func (f *FS) SetACL(_ context.Context, p types.PathKey, perm acl.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("setacl", p); err != nil {
		return err
	}
	n, err := f.lookup("setacl", p)
	if err != nil {
		return err
	}
	if perm.Kind != f.protocol.PermKind() {
		return &share.Error{Op: "setacl", Path: p, Kind: share.KindProtocolUnsupported,
			Err: fmt.Errorf("%s payload on %s share", perm.Kind, f.protocol)}
	}
	stored := perm
	stored.PosixACL = append([]byte(nil), perm.PosixACL...)
	stored.Descriptor = append([]byte(nil), perm.Descriptor...)
	if perm.Kind == acl.KindUnix {
		n.mode = perm.Mode.Perm()
	}
	n.perm = &stored
	return nil
}

func (f *FS) Readlink(_ context.Context, p types.PathKey) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("readlink", p); err != nil {
		return "", err
	}
	n, err := f.lookup("readlink", p)
	if err != nil {
		return "", err
	}
	if n.typ != types.Symlink {
		return "", &share.Error{Op: "readlink", Path: p, Kind: share.KindIO, Err: fmt.Errorf("not a symlink")}
	}
	return n.target, nil
}

func (f *FS) Symlink(_ context.Context, target string, p types.PathKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("symlink", p); err != nil {
		return err
	}
	if _, ok := f.nodes[p]; ok {
		return &share.Error{Op: "symlink", Path: p, Kind: share.KindIO, Err: fs.ErrExist}
	}
	return f.insert("symlink", p, &node{typ: types.Symlink, mode: 0o777, mtime: f.clock(), target: target})
}

func (f *FS) SetTimes(_ context.Context, p types.PathKey, mtime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("settimes", p); err != nil {
		return err
	}
	n, err := f.lookup("settimes", p)
	if err != nil {
		return err
	}
	n.mtime = mtime
	return nil
}

func (f *FS) editDescriptor(op string, p types.PathKey, edit func(w *acl.WindowsPerm)) error {
	n, err := f.lookup(op, p)
	if err != nil {
		return err
	}
	cur := f.defaultPerm(n)
	if n.perm != nil {
		cur = *n.perm
	}
	w, err := acl.DecodeWindows(cur)
	if err != nil {
		return share.Wrap(op, p, err)
	}
	edit(&w)
	out, err := acl.EncodeWindows(w)
	if err != nil {
		return share.Wrap(op, p, err)
	}
	n.perm = &out
	return nil
}

func (f *FS) RemoveACE(_ context.Context, p types.PathKey, ace acl.ACE) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("removeace", p); err != nil {
		return err
	}
	f.edits = append(f.edits, "remove "+string(ace.SID))
	return f.editDescriptor("removeace", p, func(w *acl.WindowsPerm) {
		for i, have := range w.ACEs {
			if have.Same(ace) {
				w.ACEs = append(w.ACEs[:i:i], w.ACEs[i+1:]...)
				return
			}
		}
	})
}

func (f *FS) AddACE(_ context.Context, p types.PathKey, ace acl.ACE) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("addace", p); err != nil {
		return err
	}
	f.edits = append(f.edits, "add "+string(ace.SID))
	return f.editDescriptor("addace", p, func(w *acl.WindowsPerm) {
		w.ACEs = append(w.ACEs, ace)
	})
}

func (f *FS) Close() error { return nil }

// The helpers below seed a tree without going through the fault hook or the
// call counters.

// AddDir creates p and its parents.
func (f *FS) AddDir(p string, mode os.FileMode) types.PathKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := types.NormalizePath(p)
	f.addDirLocked(key, mode)
	return key
}

func (f *FS) addDirLocked(key types.PathKey, mode os.FileMode) {
	if n, ok := f.nodes[key]; ok {
		if mode != 0 {
			n.mode = mode
		}
		return
	}
	f.addDirLocked(key.Parent(), 0)
	if mode == 0 {
		mode = 0o755
	}
	_ = f.insert("seed", key, &node{typ: types.Directory, mode: mode, mtime: f.clock(), children: map[string]bool{}})
}

// AddFile creates a file with content and mtime, creating parents.
func (f *FS) AddFile(p string, data []byte, mode os.FileMode, mtime time.Time) types.PathKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := types.NormalizePath(p)
	f.addDirLocked(key.Parent(), 0)
	if mode == 0 {
		mode = 0o644
	}
	n := &node{typ: types.File, data: append([]byte(nil), data...), mode: mode, mtime: mtime}
	if old, ok := f.nodes[key]; ok {
		*old = *n
		return key
	}
	_ = f.insert("seed", key, n)
	f.nodes[key].mtime = mtime
	return key
}

// AddSymlink creates a symbolic link, creating parents.
func (f *FS) AddSymlink(p, target string) types.PathKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := types.NormalizePath(p)
	f.addDirLocked(key.Parent(), 0)
	_ = f.insert("seed", key, &node{typ: types.Symlink, mode: 0o777, mtime: f.clock(), target: target})
	return key
}

// SetPerm stores a permission payload directly.
func (f *FS) SetPerm(p string, perm acl.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[types.NormalizePath(p)]; ok {
		stored := perm
		if perm.Kind == acl.KindUnix {
			n.mode = perm.Mode.Perm()
		}
		n.perm = &stored
	}
}

// Content returns a copy of a file's bytes.
func (f *FS) Content(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[types.NormalizePath(p)]
	if !ok || n.typ != types.File {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Corrupt flips one byte of a file without touching its mtime.
func (f *FS) Corrupt(p string, off int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[types.NormalizePath(p)]; ok && off < len(n.data) {
		n.data[off] ^= 0xFF
	}
}

// Exists reports whether p is present.
func (f *FS) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[types.NormalizePath(p)]
	return ok
}

// Len is the number of entries, the root excluded.
func (f *FS) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nodes) - 1
}
