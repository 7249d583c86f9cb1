// Package mount serves a share through a local kernel mount point: an NFS
// export mounted with POSIX ACL support, or a CIFS share mounted with
// cifsacl. Permissions travel through the xattrs those filesystems expose.
package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"sharelift/pkg/acl"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

const (
	xattrPosixACL = "system.posix_acl_access"
	xattrCifsACL  = "system.cifs_acl"
	xattrDOSAttr  = "user.cifs.dosattrib"
)

// FS is a share rooted at a directory of the local filesystem.
type FS struct {
	root     string
	protocol share.Protocol
}

var (
	_ share.FileSystem = (*FS)(nil)
	_ share.Linker     = (*FS)(nil)
	_ share.TimeSetter = (*FS)(nil)
	_ share.ACEEditor  = (*FS)(nil)
)

// New returns a share rooted at root, which must be an existing directory.
func New(root string, protocol share.Protocol) (*FS, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open mount point %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mount point %s is not a directory", root)
	}
	return &FS{root: root, protocol: protocol}, nil
}

func (m *FS) path(p types.PathKey) string {
	return filepath.Join(m.root, filepath.FromSlash(string(p)))
}

func (m *FS) Protocol() share.Protocol { return m.protocol }

func (m *FS) List(ctx context.Context, p types.PathKey) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(m.path(p))
	if err != nil {
		return nil, share.Wrap("list", p, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (m *FS) Stat(ctx context.Context, p types.PathKey) (share.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return share.FileInfo{}, err
	}
	info, err := os.Lstat(m.path(p))
	if err != nil {
		return share.FileInfo{}, share.Wrap("stat", p, err)
	}
	fi := share.FileInfo{Name: info.Name(), Size: info.Size(), Mode: info.Mode().Perm(), ModTime: info.ModTime()}
	switch {
	case info.IsDir():
		fi.Type = types.Directory
		fi.Size = 0
	case info.Mode()&fs.ModeSymlink != 0:
		fi.Type = types.Symlink
	default:
		fi.Type = types.File
	}
	return fi, nil
}

func (m *FS) Read(ctx context.Context, p types.PathKey, off int64, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(m.path(p))
	if err != nil {
		return nil, share.Wrap("read", p, err)
	}
	defer f.Close()

	buf := make([]byte, n)
	got, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, share.Wrap("read", p, err)
	}
	return buf[:got], nil
}

func (m *FS) Write(ctx context.Context, p types.PathKey, off int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(m.path(p), os.O_WRONLY, 0)
	if err != nil {
		return share.Wrap("write", p, err)
	}
	if _, err := f.WriteAt(data, off); err != nil {
		f.Close()
		return share.Wrap("write", p, err)
	}
	return share.Wrap("write", p, f.Close())
}

func (m *FS) Create(ctx context.Context, p types.PathKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(m.path(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return share.Wrap("create", p, err)
	}
	return share.Wrap("create", p, f.Close())
}

func (m *FS) Mkdir(ctx context.Context, p types.PathKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Mkdir(m.path(p), 0o755)
	if errors.Is(err, fs.ErrExist) {
		if info, serr := os.Stat(m.path(p)); serr == nil && info.IsDir() {
			return nil
		}
	}
	return share.Wrap("mkdir", p, err)
}

func (m *FS) Remove(ctx context.Context, p types.PathKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == types.Root {
		return &share.Error{Op: "remove", Path: p, Kind: share.KindPermissionDenied, Err: fmt.Errorf("refusing to remove share root")}
	}
	if _, err := os.Lstat(m.path(p)); err != nil {
		return share.Wrap("remove", p, err)
	}
	return share.Wrap("remove", p, os.RemoveAll(m.path(p)))
}

func (m *FS) GetACL(ctx context.Context, p types.PathKey) (acl.Payload, error) {
	if err := ctx.Err(); err != nil {
		return acl.Payload{}, err
	}
	full := m.path(p)
	if m.protocol == share.Samba {
		desc, err := getxattr(full, xattrCifsACL)
		if err != nil {
			return acl.Payload{}, share.Wrap("getacl", p, err)
		}
		attrs, err := getxattr(full, xattrDOSAttr)
		if err != nil {
			return acl.Payload{}, share.Wrap("getacl", p, err)
		}
		return acl.Payload{Kind: acl.KindWindows, Attributes: decodeDOSAttr(attrs), Descriptor: desc}, nil
	}

	info, err := os.Lstat(full)
	if err != nil {
		return acl.Payload{}, share.Wrap("getacl", p, err)
	}
	uid, gid := owner(info)
	posix, err := getxattr(full, xattrPosixACL)
	if err != nil {
		return acl.Payload{}, share.Wrap("getacl", p, err)
	}
	return acl.Payload{Kind: acl.KindUnix, Mode: info.Mode().Perm(), UID: uid, GID: gid, PosixACL: posix}, nil
}

func (m *FS) SetACL(ctx context.Context, p types.PathKey, perm acl.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if perm.Kind != m.protocol.PermKind() {
		return &share.Error{Op: "setacl", Path: p, Kind: share.KindProtocolUnsupported,
			Err: fmt.Errorf("%s payload on %s share", perm.Kind, m.protocol)}
	}
	full := m.path(p)

	if perm.Kind == acl.KindWindows {
		if len(perm.Descriptor) > 0 {
			if err := setxattr(full, xattrCifsACL, perm.Descriptor); err != nil {
				return share.Wrap("setacl", p, err)
			}
		}
		return share.Wrap("setacl", p, setxattr(full, xattrDOSAttr, encodeDOSAttr(perm.Attributes)))
	}

	if err := os.Lchown(full, int(perm.UID), int(perm.GID)); err != nil && !errors.Is(err, fs.ErrPermission) {
		return share.Wrap("setacl", p, err)
	}
	if err := os.Chmod(full, perm.Mode.Perm()); err != nil {
		return share.Wrap("setacl", p, err)
	}
	if len(perm.PosixACL) > 0 {
		return share.Wrap("setacl", p, setxattr(full, xattrPosixACL, perm.PosixACL))
	}
	return share.Wrap("setacl", p, removexattr(full, xattrPosixACL))
}

func (m *FS) Readlink(ctx context.Context, p types.PathKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := os.Readlink(m.path(p))
	return target, share.Wrap("readlink", p, err)
}

func (m *FS) Symlink(ctx context.Context, target string, p types.PathKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return share.Wrap("symlink", p, os.Symlink(target, m.path(p)))
}

func (m *FS) SetTimes(ctx context.Context, p types.PathKey, mtime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return share.Wrap("settimes", p, os.Chtimes(m.path(p), time.Time{}, mtime))
}

func (m *FS) editDescriptor(op string, p types.PathKey, edit func(w *acl.WindowsPerm)) error {
	if m.protocol != share.Samba {
		return &share.Error{Op: op, Path: p, Kind: share.KindProtocolUnsupported, Err: fmt.Errorf("ace edits need a cifs mount")}
	}
	full := m.path(p)
	desc, err := getxattr(full, xattrCifsACL)
	if err != nil {
		return share.Wrap(op, p, err)
	}
	w, err := acl.DecodeWindows(acl.Payload{Kind: acl.KindWindows, Descriptor: desc})
	if err != nil {
		return share.Wrap(op, p, err)
	}
	edit(&w)
	out, err := acl.EncodeWindows(w)
	if err != nil {
		return share.Wrap(op, p, err)
	}
	return share.Wrap(op, p, setxattr(full, xattrCifsACL, out.Descriptor))
}

func (m *FS) RemoveACE(ctx context.Context, p types.PathKey, ace acl.ACE) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.editDescriptor("removeace", p, func(w *acl.WindowsPerm) {
		for i, have := range w.ACEs {
			if have.Same(ace) {
				w.ACEs = append(w.ACEs[:i:i], w.ACEs[i+1:]...)
				return
			}
		}
	})
}

func (m *FS) AddACE(ctx context.Context, p types.PathKey, ace acl.ACE) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.editDescriptor("addace", p, func(w *acl.WindowsPerm) {
		w.ACEs = append(w.ACEs, ace)
	})
}

func (m *FS) Close() error { return nil }

func decodeDOSAttr(b []byte) acl.DOSAttr {
	if len(b) < 4 {
		return acl.AttrNormal
	}
	return acl.DOSAttr(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func encodeDOSAttr(a acl.DOSAttr) []byte {
	v := uint32(a)
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
