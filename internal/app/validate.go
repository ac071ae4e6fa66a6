package app

import (
	"fmt"
	"os"
	"strings"

	"pulsehub/pkg/config"
)

const (
	minAPIKeyLength = 16
	minFrameBytes   = 1024
)

// validateConfig performs quick, fail-fast checks on the filesystem and key
// material before starting long-running services. Shape and defaults are
// handled by config.ValidateConfig.
func validateConfig(eff config.EffectiveConfigResult) error {
	if p := eff.DBPath; p == "" {
		return fmt.Errorf("database path is empty: set --db flag, PULSEHUB_DB_PATH env, or server.db_path in config")
	}
	cfg := eff.Config

	if cfg.Membership.Mode == "static" && cfg.Membership.File != "" {
		if _, err := os.Stat(cfg.Membership.File); err != nil {
			return fmt.Errorf("membership file not accessible: %w", err)
		}
	}

	// a key listed under two roles would resolve to the higher one silently
	seen := make(map[string]string)
	check := func(role string, keys []string) error {
		for _, k := range keys {
			k = strings.TrimSpace(k)
			if len(k) < minAPIKeyLength {
				return fmt.Errorf("server.api_keys.%s: key shorter than %d characters", role, minAPIKeyLength)
			}
			if prev, ok := seen[k]; ok {
				return fmt.Errorf("server.api_keys: the same key is listed as %s and %s", prev, role)
			}
			seen[k] = role
		}
		return nil
	}
	if err := check("backend", cfg.Server.APIKeys.Backend); err != nil {
		return err
	}
	if err := check("frontend", cfg.Server.APIKeys.Frontend); err != nil {
		return err
	}
	if err := check("admin", cfg.Server.APIKeys.Admin); err != nil {
		return err
	}
	if len(cfg.Server.APIKeys.Frontend) > 0 && len(cfg.Server.APIKeys.Backend) == 0 {
		return fmt.Errorf("frontend keys require at least one backend key to verify identity signatures")
	}

	if d := cfg.Delivery.MaxFrameBytes.Int64(); d < minFrameBytes {
		return fmt.Errorf("delivery.max_frame_bytes %d is below the %d byte minimum", d, minFrameBytes)
	}
	return nil
}
