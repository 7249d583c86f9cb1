package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the struct tags, then the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.HeartbeatInterval >= cfg.Lifetime {
		return fmt.Errorf("heartbeat_interval (%s) must be shorter than lifetime (%s)", cfg.HeartbeatInterval, cfg.Lifetime)
	}

	seen := map[string]bool{}
	for i, n := range cfg.Nodes {
		if seen[n] {
			return fmt.Errorf("nodes[%d]: duplicate node %q", i, n)
		}
		seen[n] = true
	}

	if chunk, err := cfg.ChunkBytes(); err != nil {
		return fmt.Errorf("chunk_size: %w", err)
	} else if chunk <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if _, err := cfg.BandwidthBytes(); err != nil {
		return fmt.Errorf("max_bandwidth: %w", err)
	}

	if _, err := cfg.SIDResolver(); err != nil {
		return fmt.Errorf("sid_map: %w", err)
	}

	if cfg.Source.String() == cfg.Destination.String() && cfg.Source.Type != "memory" {
		return fmt.Errorf("source and destination are the same share (%s)", cfg.Source)
	}
	for _, side := range []struct {
		name  string
		share ShareConfig
	}{{"source", cfg.Source}, {"destination", cfg.Destination}} {
		if side.share.Type == "smb" && cfg.Protocol(side.share) != "samba" {
			return fmt.Errorf("%s: smb shares must use the samba system", side.name)
		}
		if side.share.Type == "smb" {
			if _, err := side.share.SMBOptions(); err != nil {
				return fmt.Errorf("%s: %w", side.name, err)
			}
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
