// Package smb talks to a Samba or Windows server over an SMB2 session. It
// carries data, symlinks, times and DOS attributes; NT descriptors are not
// reachable through the session API, so ACL migration between Samba servers
// needs the cifs mount variant.
package smb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hirochachacha/go-smb2"

	"sharelift/pkg/acl"
	"sharelift/pkg/share"
	"sharelift/pkg/types"
)

// Options describe how to reach a share.
type Options struct {
	Server      string
	Port        int
	Share       string
	Path        string
	User        string
	Password    string
	Workgroup   string
	DialTimeout time.Duration
}

// FS is an open SMB2 share.
type FS struct {
	mu      sync.Mutex
	conn    net.Conn
	session *smb2.Session
	share   *smb2.Share
	base    string
	closed  bool
}

var (
	_ share.FileSystem  = (*FS)(nil)
	_ share.Linker      = (*FS)(nil)
	_ share.TimeSetter  = (*FS)(nil)
	_ share.AttrLimited = (*FS)(nil)
)

// Dial opens a session and mounts the share.
func Dial(ctx context.Context, opts Options) (*FS, error) {
	if opts.Port == 0 {
		opts.Port = 445
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	addr := net.JoinHostPort(opts.Server, strconv.Itoa(opts.Port))

	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, share.Wrap("dial", types.Root, fmt.Errorf("failed to connect to %s: %w", addr, err))
	}

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     opts.User,
			Password: opts.Password,
			Domain:   opts.Workgroup,
		},
	}
	session, err := dialer.DialContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, share.Wrap("dial", types.Root, fmt.Errorf("failed to authenticate to %s: %w", addr, err))
	}

	mounted, err := session.Mount(fmt.Sprintf(`\\%s\%s`, opts.Server, opts.Share))
	if err != nil {
		_ = session.Logoff()
		conn.Close()
		return nil, share.Wrap("mount", types.Root, fmt.Errorf("failed to mount %s: %w", opts.Share, err))
	}

	return &FS{
		conn:    conn,
		session: session,
		share:   mounted,
		base:    strings.Trim(strings.ReplaceAll(opts.Path, "/", `\`), `\`),
	}, nil
}

// name converts a key into a share-relative SMB path.
func (s *FS) name(p types.PathKey) string {
	rel := strings.ReplaceAll(strings.TrimPrefix(string(p), "/"), "/", `\`)
	switch {
	case s.base == "":
		return rel
	case rel == "":
		return s.base
	default:
		return s.base + `\` + rel
	}
}

func (s *FS) with(ctx context.Context) *smb2.Share {
	return s.share.WithContext(ctx)
}

func (s *FS) Protocol() share.Protocol { return share.Samba }

func (s *FS) List(ctx context.Context, p types.PathKey) ([]string, error) {
	infos, err := s.with(ctx).ReadDir(s.name(p))
	if err != nil {
		return nil, share.Wrap("list", p, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if n := info.Name(); n != "." && n != ".." {
			names = append(names, n)
		}
	}
	return names, nil
}

func (s *FS) Stat(ctx context.Context, p types.PathKey) (share.FileInfo, error) {
	info, err := s.with(ctx).Lstat(s.name(p))
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

func (s *FS) Read(ctx context.Context, p types.PathKey, off int64, n int) ([]byte, error) {
	f, err := s.with(ctx).Open(s.name(p))
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

func (s *FS) Write(ctx context.Context, p types.PathKey, off int64, data []byte) error {
	f, err := s.with(ctx).OpenFile(s.name(p), os.O_WRONLY, 0)
	if err != nil {
		return share.Wrap("write", p, err)
	}
	if _, err := f.WriteAt(data, off); err != nil {
		f.Close()
		return share.Wrap("write", p, err)
	}
	return share.Wrap("write", p, f.Close())
}

func (s *FS) Create(ctx context.Context, p types.PathKey) error {
	f, err := s.with(ctx).Create(s.name(p))
	if err != nil {
		return share.Wrap("create", p, err)
	}
	return share.Wrap("create", p, f.Close())
}

func (s *FS) Mkdir(ctx context.Context, p types.PathKey) error {
	sh := s.with(ctx)
	err := sh.Mkdir(s.name(p), 0o755)
	if errors.Is(err, fs.ErrExist) {
		if info, serr := sh.Stat(s.name(p)); serr == nil && info.IsDir() {
			return nil
		}
	}
	return share.Wrap("mkdir", p, err)
}

func (s *FS) Remove(ctx context.Context, p types.PathKey) error {
	if p == types.Root {
		return &share.Error{Op: "remove", Path: p, Kind: share.KindPermissionDenied, Err: fmt.Errorf("refusing to remove share root")}
	}
	return share.Wrap("remove", p, s.with(ctx).RemoveAll(s.name(p)))
}

// GetACL returns the DOS attributes; the descriptor is left empty.
func (s *FS) GetACL(ctx context.Context, p types.PathKey) (acl.Payload, error) {
	info, err := s.with(ctx).Lstat(s.name(p))
	if err != nil {
		return acl.Payload{}, share.Wrap("getacl", p, err)
	}
	attrs := acl.AttrNormal
	if st, ok := info.Sys().(*smb2.FileStat); ok {
		attrs = acl.DOSAttr(st.FileAttributes)
	}
	return acl.Payload{Kind: acl.KindWindows, Attributes: attrs}, nil
}

// SettableAttrs is ReadOnly only: an SMB2 session without a cifs mount can
// neither read nor write security descriptors.
func (s *FS) SettableAttrs() acl.DOSAttr { return acl.AttrReadOnly }

// SetACL applies the ReadOnly attribute. Descriptors are rejected.
func (s *FS) SetACL(ctx context.Context, p types.PathKey, perm acl.Payload) error {
	if perm.Kind != acl.KindWindows {
		return &share.Error{Op: "setacl", Path: p, Kind: share.KindProtocolUnsupported,
			Err: fmt.Errorf("%s payload on samba share", perm.Kind)}
	}
	if len(perm.Descriptor) > 0 {
		return &share.Error{Op: "setacl", Path: p, Kind: share.KindProtocolUnsupported,
			Err: fmt.Errorf("security descriptors need a cifs mount")}
	}
	mode := os.FileMode(0o666)
	if perm.Attributes.Has(acl.AttrReadOnly) {
		mode = 0o444
	}
	return share.Wrap("setacl", p, s.with(ctx).Chmod(s.name(p), mode))
}

func (s *FS) Readlink(ctx context.Context, p types.PathKey) (string, error) {
	target, err := s.with(ctx).Readlink(s.name(p))
	return target, share.Wrap("readlink", p, err)
}

func (s *FS) Symlink(ctx context.Context, target string, p types.PathKey) error {
	return share.Wrap("symlink", p, s.with(ctx).Symlink(target, s.name(p)))
}

func (s *FS) SetTimes(ctx context.Context, p types.PathKey, mtime time.Time) error {
	return share.Wrap("settimes", p, s.with(ctx).Chtimes(s.name(p), mtime, mtime))
}

// Close unmounts the share and logs off.
func (s *FS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.share.Umount(); err != nil {
		errs = append(errs, err)
	}
	if err := s.session.Logoff(); err != nil {
		errs = append(errs, err)
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
