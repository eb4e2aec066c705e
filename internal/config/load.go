package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds a Config from defaults, then the YAML file at path, then
// METAPROXY_* environment overrides. A missing file is only an error when
// required is true.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"METAPROXY_LISTEN":             &cfg.Listen,
		"METAPROXY_ADMIN_LISTEN":       &cfg.AdminListen,
		"METAPROXY_METADATA_URL":       &cfg.MetadataURL,
		"METAPROXY_REGION":             &cfg.AWS.Region,
		"METAPROXY_DEFAULT_ACCOUNT_ID": &cfg.AWS.DefaultAccountID,
		"METAPROXY_EXTERNAL_ID":        &cfg.AWS.ExternalID,
		"METAPROXY_ROLE_ENV_VAR":       &cfg.Inventory.RoleEnvVar,
		"METAPROXY_ROLE_LABEL":         &cfg.Inventory.RoleLabel,
		"METAPROXY_AUDIT_DB":           &cfg.AuditDB,
		"METAPROXY_LOG_DIR":            &cfg.Log.Dir,
		"METAPROXY_LOG_FORMAT":         &cfg.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"METAPROXY_MOCK":    &cfg.Mock,
		"METAPROXY_VERBOSE": &cfg.Log.Verbose,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"METAPROXY_SESSION_DURATION":   &cfg.AWS.SessionDuration,
		"METAPROXY_REFRESH_MARGIN":     &cfg.Cache.RefreshMargin,
		"METAPROXY_INVENTORY_INTERVAL": &cfg.Inventory.Interval,
		"METAPROXY_REQUEST_TIMEOUT":    &cfg.Timeouts.Request,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}
