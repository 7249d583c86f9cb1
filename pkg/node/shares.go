package node

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"sharelift/pkg/config"
	"sharelift/pkg/share"
	"sharelift/pkg/share/memory"
	"sharelift/pkg/share/mount"
	"sharelift/pkg/share/smb"
)

// Credentials authenticate SMB sessions. They are required on the command
// line for every run and unused by mounted shares.
type Credentials struct {
	Username string
	Password string
}

// OpenShare connects to one side of the migration.
func OpenShare(ctx context.Context, cfg *config.Config, sc config.ShareConfig, creds Credentials, logger *zap.Logger) (share.FileSystem, error) {
	protocol, err := share.ParseProtocol(cfg.Protocol(sc))
	if err != nil {
		return nil, err
	}

	switch sc.Type {
	case "mount":
		root := filepath.Join(sc.MountPoint, filepath.FromSlash(sc.Path))
		fs, err := mount.New(root, protocol)
		if err != nil {
			return nil, err
		}
		logger.Info("Opened mounted share",
			zap.String("share", sc.String()),
			zap.String("root", root),
			zap.Stringer("system", protocol))
		return fs, nil

	case "smb":
		opts, err := sc.SMBOptions()
		if err != nil {
			return nil, err
		}
		fs, err := smb.Dial(ctx, smb.Options{
			Server:      sc.Server,
			Port:        opts.Port,
			Share:       sc.Share,
			Path:        sc.Path,
			User:        creds.Username,
			Password:    creds.Password,
			Workgroup:   cfg.Workgroup,
			DialTimeout: opts.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Opened SMB share",
			zap.String("share", sc.String()),
			zap.String("user", creds.Username),
			zap.String("workgroup", cfg.Workgroup))
		return fs, nil

	case "memory":
		logger.Warn("Using an in-memory share; nothing is read from or written to disk",
			zap.String("share", sc.String()))
		return memory.New(protocol), nil
	}
	return nil, fmt.Errorf("unknown share type %q", sc.Type)
}
