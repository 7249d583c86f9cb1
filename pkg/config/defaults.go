package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// keys are bound to the environment so that variables override keys the
// file does not set.
var keys = []string{
	"listen_address", "nodes",
	"lifetime", "grace", "heartbeat_interval", "join_timeout", "min_nodes",
	"system", "username", "password", "workgroup", "job",
	"num_threads", "chunk_size", "max_bandwidth", "max_retries", "retry_delay",
	"rerun", "max_passes", "delete_extraneous", "sid_cache_ttl",
	"checkpoint_dir", "database_url", "metrics_address", "log_level",
}

var shareKeys = []string{"type", "system", "server", "share", "path", "mount_point"}

func registerKeys(v *viper.Viper) {
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	for _, side := range []string{"source", "destination"} {
		for _, k := range shareKeys {
			_ = v.BindEnv(side + "." + k)
		}
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values. Explicit values are kept.
func ApplyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "localhost:7100"
	}
	if cfg.Lifetime == 0 {
		cfg.Lifetime = 5 * time.Second
	}
	if cfg.Grace == 0 {
		cfg.Grace = cfg.Lifetime
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = 30 * time.Second
	}
	if cfg.MinNodes == 0 {
		cfg.MinNodes = 1
	}

	cfg.System = strings.ToLower(cfg.System)
	if cfg.System == "" {
		cfg.System = "nfs"
	}
	applyShareDefaults(&cfg.Source)
	applyShareDefaults(&cfg.Destination)
	if cfg.Workgroup == "" {
		cfg.Workgroup = "WORKGROUP"
	}

	if cfg.NumThreads == 0 {
		cfg.NumThreads = 10
	}
	if cfg.ChunkSize == "" {
		cfg.ChunkSize = "1MiB"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.MaxPasses == 0 {
		cfg.MaxPasses = 5
	}
	if cfg.SIDCacheTTL == 0 {
		cfg.SIDCacheTTL = 10 * time.Minute
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = filepath.Join(ConfigDir(), "checkpoints")
	}
	cfg.CheckpointDir = expandPath(cfg.CheckpointDir)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func applyShareDefaults(s *ShareConfig) {
	s.Type = strings.ToLower(s.Type)
	if s.Type == "" {
		s.Type = "mount"
	}
	s.System = strings.ToLower(s.System)
	if s.Path == "" {
		s.Path = "/"
	}
	if s.MountPoint != "" {
		s.MountPoint = expandPath(s.MountPoint)
	}
}

// expandPath expands a leading ~ and environment variables.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
