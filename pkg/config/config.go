// Package config loads the settings of a sharelift node.
//
// Sources, from highest to lowest precedence: command line flags applied by
// the caller, SHARELIFT_* environment variables, the configuration file and
// the defaults. The file is JSON by default; YAML and TOML are accepted
// when the path carries their extension.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"sharelift/pkg/acl"
	"sharelift/pkg/utils"
)

const envPrefix = "SHARELIFT"

// Config represents the configuration of one node.
type Config struct {
	// ListenAddress is the host:port this node listens on. It is also the
	// node's identity in the cluster.
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address" validate:"required,hostname_port"`
	// Nodes are the peers contacted to join the cluster.
	Nodes []string `mapstructure:"nodes" yaml:"nodes" validate:"dive,hostname_port"`

	Lifetime          time.Duration `mapstructure:"lifetime" yaml:"lifetime" validate:"gt=0"`
	Grace             time.Duration `mapstructure:"grace" yaml:"grace" validate:"gte=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gt=0"`
	// JoinTimeout bounds the wait for MinNodes nodes before the first pass.
	JoinTimeout time.Duration `mapstructure:"join_timeout" yaml:"join_timeout" validate:"gt=0"`
	MinNodes    int           `mapstructure:"min_nodes" yaml:"min_nodes" validate:"gte=1"`

	// System is the protocol of both shares unless a share names its own.
	System string `mapstructure:"system" yaml:"system" validate:"oneof=nfs samba"`

	Source      ShareConfig `mapstructure:"source" yaml:"source"`
	Destination ShareConfig `mapstructure:"destination" yaml:"destination"`

	Username  string `mapstructure:"username" yaml:"username,omitempty"`
	Password  string `mapstructure:"password" yaml:"password,omitempty"`
	Workgroup string `mapstructure:"workgroup" yaml:"workgroup,omitempty"`

	// Job names the migration in the checkpoint store. Empty derives it
	// from the source and destination.
	Job string `mapstructure:"job" yaml:"job,omitempty"`

	NumThreads       int           `mapstructure:"num_threads" yaml:"num_threads" validate:"gte=1,lte=1024"`
	ChunkSize        string        `mapstructure:"chunk_size" yaml:"chunk_size" validate:"required"`
	MaxBandwidth     string        `mapstructure:"max_bandwidth" yaml:"max_bandwidth,omitempty"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" validate:"gt=0"`
	Rerun            bool          `mapstructure:"rerun" yaml:"rerun"`
	MaxPasses        int           `mapstructure:"max_passes" yaml:"max_passes" validate:"gte=1"`
	DeleteExtraneous bool          `mapstructure:"delete_extraneous" yaml:"delete_extraneous"`
	// SIDMap rewrites source account SIDs to destination ones. SIDs it does
	// not name are kept.
	SIDMap map[string]string `mapstructure:"sid_map" yaml:"sid_map,omitempty"`
	// SIDCacheTTL is how long a resolved account name is kept.
	SIDCacheTTL time.Duration `mapstructure:"sid_cache_ttl" yaml:"sid_cache_ttl" validate:"gte=0"`

	CheckpointDir  string `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir,omitempty"`
	DatabaseURL    string `mapstructure:"database_url" yaml:"database_url,omitempty" validate:"omitempty,url"`
	MetricsAddress string `mapstructure:"metrics_address" yaml:"metrics_address,omitempty" validate:"omitempty,hostname_port"`
	LogLevel       string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
}

// ShareConfig locates one side of the migration.
//
// Type selects how the share is reached: "mount" uses a kernel mount at
// MountPoint, "smb" opens an SMB2 session to Server, "memory" keeps an
// empty in-memory tree and is meant for dry runs.
type ShareConfig struct {
	Type       string         `mapstructure:"type" yaml:"type" validate:"required,oneof=mount smb memory"`
	System     string         `mapstructure:"system" yaml:"system,omitempty" validate:"omitempty,oneof=nfs samba"`
	Server     string         `mapstructure:"server" yaml:"server,omitempty" validate:"required_if=Type smb"`
	Share      string         `mapstructure:"share" yaml:"share,omitempty" validate:"required_if=Type smb"`
	Path       string         `mapstructure:"path" yaml:"path,omitempty"`
	MountPoint string         `mapstructure:"mount_point" yaml:"mount_point,omitempty" validate:"required_if=Type mount"`
	Options    map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// String identifies the share in logs and job ids.
func (s ShareConfig) String() string {
	switch s.Type {
	case "smb":
		return fmt.Sprintf("smb://%s/%s%s", s.Server, s.Share, s.Path)
	case "mount":
		if s.Server != "" {
			return fmt.Sprintf("%s:%s%s", s.Server, s.Share, s.Path)
		}
		return "file://" + filepath.Join(s.MountPoint, s.Path)
	}
	return s.Type + "://" + s.Path
}

// SMBOptions are the share options understood by the smb type.
type SMBOptions struct {
	Port        int           `mapstructure:"port"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SMBOptions decodes the type specific options of an smb share.
func (s ShareConfig) SMBOptions() (SMBOptions, error) {
	opts := SMBOptions{Port: 445, DialTimeout: 10 * time.Second}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      &opts,
	})
	if err != nil {
		return opts, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(s.Options); err != nil {
		return opts, fmt.Errorf("failed to decode smb options: %w", err)
	}
	return opts, nil
}

// Protocol is the share's system, falling back to the global one.
func (c *Config) Protocol(s ShareConfig) string {
	if s.System != "" {
		return s.System
	}
	return c.System
}

// ChunkBytes is ChunkSize in bytes.
func (c *Config) ChunkBytes() (int64, error) {
	return utils.ParseSize(c.ChunkSize)
}

// BandwidthBytes is MaxBandwidth in bytes per second, zero for unlimited.
func (c *Config) BandwidthBytes() (int64, error) {
	if c.MaxBandwidth == "" {
		return 0, nil
	}
	return utils.ParseRate(c.MaxBandwidth)
}

// SIDResolver builds the resolver for SIDMap.
func (c *Config) SIDResolver() (acl.StaticResolver, error) {
	out := make(acl.StaticResolver, len(c.SIDMap))
	for from, to := range c.SIDMap {
		src, err := acl.ParseSID(from)
		if err != nil {
			return nil, err
		}
		dst, err := acl.ParseSID(to)
		if err != nil {
			return nil, err
		}
		out[src] = dst
	}
	return out, nil
}

// ApplyJoin applies a join list given on the command line: the first
// address is this node, the others are peers.
func (c *Config) ApplyJoin(join []string) error {
	if len(join) == 0 {
		return nil
	}
	if len(join) < 2 {
		return fmt.Errorf("join list needs this node and at least one peer, got %q", strings.Join(join, ","))
	}
	c.ListenAddress = strings.TrimSpace(join[0])
	for _, peer := range join[1:] {
		peer = strings.TrimSpace(peer)
		if peer != "" && peer != c.ListenAddress && !contains(c.Nodes, peer) {
			c.Nodes = append(c.Nodes, peer)
		}
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Nodes = append([]string(nil), c.Nodes...)
	if out.Password != "" {
		out.Password = "********"
	}
	return &out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Load reads the configuration at path, or at the default location when
// path is empty, then applies defaults and validates it. A missing file at
// the default location is not an error.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation.
func Read(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

func setupViper(v *viper.Viper, path string) {
	// SHARELIFT_SOURCE_MOUNT_POINT=/mnt/src
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerKeys(v)

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("json")
}

func readConfigFile(v *viper.Viper, path string) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	if path != "" && errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file %s does not exist", path)
	}
	return fmt.Errorf("failed to read config file: %w", err)
}

// ConfigDir is $XDG_CONFIG_HOME/sharelift, or ~/.config/sharelift.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sharelift")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "sharelift")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}
