// Package share defines the capability interface sharelift uses to talk to a
// source or destination share. Variants live in subpackages: mount (NFS or
// CIFS kernel mounts), smb (SMB2 sessions) and memory.
package share

import (
	"context"
	"fmt"
	"os"
	"time"

	"sharelift/pkg/acl"
	"sharelift/pkg/types"
)

// Protocol is the permission model of a share.
type Protocol int

const (
	NFS Protocol = iota
	Samba
)

func (p Protocol) String() string {
	if p == Samba {
		return "samba"
	}
	return "nfs"
}

// ParseProtocol accepts "nfs" or "samba" (also "smb", "cifs").
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "nfs", "NFS", "Nfs":
		return NFS, nil
	case "samba", "Samba", "smb", "cifs", "SMB", "CIFS":
		return Samba, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// PermKind is the acl payload kind this protocol produces.
func (p Protocol) PermKind() acl.Kind {
	if p == Samba {
		return acl.KindWindows
	}
	return acl.KindUnix
}

// FileInfo is the metadata returned by Stat. Symlinks are not followed.
type FileInfo struct {
	Name    string
	Type    types.EntryType
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

// FileSystem is the set of operations the walker and the pipeline need from
// a share. Read may return fewer than n bytes; an empty result means end of
// file.
type FileSystem interface {
	Protocol() Protocol
	List(ctx context.Context, p types.PathKey) ([]string, error)
	Stat(ctx context.Context, p types.PathKey) (FileInfo, error)
	Read(ctx context.Context, p types.PathKey, off int64, n int) ([]byte, error)
	Write(ctx context.Context, p types.PathKey, off int64, data []byte) error
	Create(ctx context.Context, p types.PathKey) error
	Mkdir(ctx context.Context, p types.PathKey) error
	Remove(ctx context.Context, p types.PathKey) error
	GetACL(ctx context.Context, p types.PathKey) (acl.Payload, error)
	SetACL(ctx context.Context, p types.PathKey, perm acl.Payload) error
	Close() error
}

// Linker is implemented by shares that can hold symbolic links.
type Linker interface {
	Readlink(ctx context.Context, p types.PathKey) (string, error)
	Symlink(ctx context.Context, target string, p types.PathKey) error
}

// TimeSetter is implemented by shares that can set modification times.
type TimeSetter interface {
	SetTimes(ctx context.Context, p types.PathKey, mtime time.Time) error
}

// ACEEditor is implemented by shares that can edit single ACEs. Callers
// always remove an ACE before adding its replacement.
type ACEEditor interface {
	RemoveACE(ctx context.Context, p types.PathKey, ace acl.ACE) error
	AddACE(ctx context.Context, p types.PathKey, ace acl.ACE) error
}

// AttrLimited is implemented by shares that keep DOS attributes but no
// security descriptor. SettableAttrs is the set of attribute bits SetACL
// can change; the rest are left as the server reports them.
type AttrLimited interface {
	SettableAttrs() acl.DOSAttr
}

// MkdirAll creates p and any missing parents.
func MkdirAll(ctx context.Context, fsys FileSystem, p types.PathKey) error {
	if p == types.Root {
		return nil
	}
	info, err := fsys.Stat(ctx, p)
	if err == nil {
		if info.Type != types.Directory {
			return &Error{Op: "mkdir", Path: p, Kind: KindIO, Err: fmt.Errorf("exists and is a %s", info.Type)}
		}
		return nil
	}
	if !IsNotFound(err) {
		return err
	}
	if err := MkdirAll(ctx, fsys, p.Parent()); err != nil {
		return err
	}
	return fsys.Mkdir(ctx, p)
}
