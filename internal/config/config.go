// Package config handles metaproxy configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// DefaultPath is where serve looks for a config file when --config is unset.
const DefaultPath = "/etc/metaproxy/config.yaml"

// Config holds all metaproxy settings.
type Config struct {
	// Listen is the address the metadata gateway binds to.
	Listen string `yaml:"listen"`
	// AdminListen is the address for health and metrics. Empty disables it.
	AdminListen string `yaml:"admin_listen"`
	// MetadataURL is the real metadata endpoint used for passthrough.
	MetadataURL string `yaml:"metadata_url"`
	// Mock serves the built-in static catalog in place of MetadataURL.
	Mock bool `yaml:"mock"`

	AWS       AWSConfig       `yaml:"aws"`
	Inventory InventoryConfig `yaml:"inventory"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`

	// AuditDB is a SQLite file that receives one row per request. Empty disables it.
	AuditDB string `yaml:"audit_db"`
}

// AWSConfig configures role resolution and STS.
type AWSConfig struct {
	Region string `yaml:"region"`
	// DefaultAccountID completes bare role names. Looked up with
	// GetCallerIdentity when empty.
	DefaultAccountID string `yaml:"default_account_id"`
	// AccountMap resolves aliases in "role@alias" references to account IDs.
	AccountMap      map[string]string `yaml:"account_map"`
	ExternalID      string            `yaml:"external_id"`
	SessionDuration time.Duration     `yaml:"session_duration"`
	MaxAttempts     int               `yaml:"max_attempts"`
}

// InventoryConfig configures the container inventory.
type InventoryConfig struct {
	// RoleEnvVar is the container environment variable holding the role.
	RoleEnvVar string `yaml:"role_env_var"`
	// RoleLabel is the container label consulted when RoleEnvVar is unset.
	RoleLabel string `yaml:"role_label"`
	// Interval between inventory scans.
	Interval time.Duration `yaml:"interval"`
	// MaxStaleness is how old a snapshot may get before lookups fail closed.
	MaxStaleness time.Duration `yaml:"max_staleness"`
}

// TimeoutConfig bounds every outbound call and each inbound request.
type TimeoutConfig struct {
	Inventory time.Duration `yaml:"inventory"`
	Issuer    time.Duration `yaml:"issuer"`
	Upstream  time.Duration `yaml:"upstream"`
	Request   time.Duration `yaml:"request"`
}

// CacheConfig configures the credential cache.
type CacheConfig struct {
	// RefreshMargin is how long before expiration a credential stops being served.
	RefreshMargin time.Duration `yaml:"refresh_margin"`
	// Size bounds the number of roles held at once.
	Size int `yaml:"size"`
	// FailureBackoff is how long a failed refresh keeps the previous
	// credential in service before the issuer is tried again. Zero disables it.
	FailureBackoff time.Duration `yaml:"failure_backoff"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbose       bool   `yaml:"verbose"`
	Format        string `yaml:"format"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:      "0.0.0.0:8000",
		AdminListen: "127.0.0.1:8001",
		MetadataURL: "http://169.254.169.254",
		AWS: AWSConfig{
			Region:          "us-east-1",
			SessionDuration: time.Hour,
			MaxAttempts:     3,
		},
		Inventory: InventoryConfig{
			RoleEnvVar:   "IAM_ROLE",
			RoleLabel:    "metaproxy.iam-role",
			Interval:     5 * time.Second,
			MaxStaleness: 30 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Inventory: 5 * time.Second,
			Issuer:    10 * time.Second,
			Upstream:  5 * time.Second,
			Request:   30 * time.Second,
		},
		Cache: CacheConfig{
			RefreshMargin:  5 * time.Minute,
			Size:           1024,
			FailureBackoff: 10 * time.Second,
		},
		Log: LogConfig{
			RetentionDays: 7,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if !c.Mock {
		u, err := url.Parse(c.MetadataURL)
		if err != nil {
			return fmt.Errorf("invalid metadata_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("invalid metadata_url %q: expected http(s)://host", c.MetadataURL)
		}
	}
	if c.AWS.SessionDuration < 15*time.Minute || c.AWS.SessionDuration > 12*time.Hour {
		return fmt.Errorf("aws.session_duration %s outside STS range 15m-12h", c.AWS.SessionDuration)
	}
	if c.Cache.RefreshMargin < 0 || c.Cache.RefreshMargin >= c.AWS.SessionDuration {
		return fmt.Errorf("cache.refresh_margin %s must be in [0, session_duration)", c.Cache.RefreshMargin)
	}
	if c.AWS.MaxAttempts < 1 {
		return errors.New("aws.max_attempts must be at least 1")
	}
	if c.Cache.Size < 1 {
		return errors.New("cache.size must be at least 1")
	}
	if c.Cache.FailureBackoff < 0 {
		return errors.New("cache.failure_backoff must not be negative")
	}
	if c.Inventory.Interval <= 0 {
		return errors.New("inventory.interval must be positive")
	}
	if c.Inventory.MaxStaleness != 0 && c.Inventory.MaxStaleness < c.Inventory.Interval {
		return fmt.Errorf("inventory.max_staleness %s is shorter than inventory.interval %s",
			c.Inventory.MaxStaleness, c.Inventory.Interval)
	}
	for name, d := range map[string]time.Duration{
		"timeouts.inventory": c.Timeouts.Inventory,
		"timeouts.issuer":    c.Timeouts.Issuer,
		"timeouts.upstream":  c.Timeouts.Upstream,
		"timeouts.request":   c.Timeouts.Request,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: expected text or json", c.Log.Format)
	}
	return nil
}
