package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/glintlabs/glint/pkg/live"
	"github.com/glintlabs/glint/pkg/state"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "glint.json"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":8420"
)

// Config is the complete glint.json configuration. Every field can also be
// set through a GLINT_* environment variable, which wins over the file.
type Config struct {
	// Name is the deployment name, used only for logging.
	Name string `json:"name,omitempty"`

	// Address is the HTTP listen address.
	Address string `json:"address,omitempty"`

	// DeployMode selects the shared Redis backends instead of the
	// in-process ones.
	DeployMode bool `json:"deployMode,omitempty"`

	// RedisURL is the Redis connection URL for deploy mode.
	RedisURL string `json:"redisUrl,omitempty"`

	// KeyPrefix namespaces all shared keys and channels.
	KeyPrefix string `json:"keyPrefix,omitempty"`

	// WidgetTTL, ConnectionTTL, SessionTTL, BridgeTimeout, and
	// CleanupInterval are duration strings (e.g. "24h", "90s").
	WidgetTTL       string `json:"widgetTtl,omitempty"`
	ConnectionTTL   string `json:"connectionTtl,omitempty"`
	SessionTTL      string `json:"sessionTtl,omitempty"`
	BridgeTimeout   string `json:"bridgeTimeout,omitempty"`
	CleanupInterval string `json:"cleanupInterval,omitempty"`

	// EventQueueSize is the per-subscriber and per-widget queue size.
	EventQueueSize int `json:"eventQueueSize,omitempty"`

	// StrictResourceScoping makes resource-scoped permission checks ignore
	// the role layer.
	StrictResourceScoping bool `json:"strictResourceScoping,omitempty"`

	// RolePermissions overrides the built-in role to permission-set map.
	RolePermissions map[string][]string `json:"rolePermissions,omitempty"`

	// MetricsNamespace is the prometheus namespace.
	MetricsNamespace string `json:"metricsNamespace,omitempty"`

	// configPath stores the path the config was loaded from, if any.
	configPath string
}

// New returns a Config with defaults applied.
func New() *Config {
	return &Config{
		Address:   DefaultAddress,
		KeyPrefix: "glint",
	}
}

// Load reads glint.json from the directory and applies GLINT_* environment
// overrides. A missing file is not an error; the environment alone can
// configure a deployment.
func Load(dir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := New()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.configPath = path
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "glint"
	}
	return cfg, nil
}

// Path returns the path the config was loaded from, or "" when no file was
// found.
func (c *Config) Path() string {
	return c.configPath
}

// applyEnv overlays GLINT_* environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("GLINT_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("GLINT_DEPLOY_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DeployMode = b
		}
	}
	if v := os.Getenv("GLINT_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("GLINT_KEY_PREFIX"); v != "" {
		c.KeyPrefix = v
	}
	if v := os.Getenv("GLINT_WIDGET_TTL"); v != "" {
		c.WidgetTTL = v
	}
	if v := os.Getenv("GLINT_CONNECTION_TTL"); v != "" {
		c.ConnectionTTL = v
	}
	if v := os.Getenv("GLINT_SESSION_TTL"); v != "" {
		c.SessionTTL = v
	}
	if v := os.Getenv("GLINT_BRIDGE_TIMEOUT"); v != "" {
		c.BridgeTimeout = v
	}
	if v := os.Getenv("GLINT_CLEANUP_INTERVAL"); v != "" {
		c.CleanupInterval = v
	}
	if v := os.Getenv("GLINT_EVENT_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EventQueueSize = n
		}
	}
	if v := os.Getenv("GLINT_STRICT_RESOURCE_SCOPING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.StrictResourceScoping = b
		}
	}
	if v := os.Getenv("GLINT_METRICS_NAMESPACE"); v != "" {
		c.MetricsNamespace = v
	}
}

// Validate checks the cross-field rules the types alone cannot express.
func (c *Config) Validate() error {
	if c.DeployMode && c.RedisURL == "" {
		return fmt.Errorf("deploy mode requires redisUrl (or GLINT_REDIS_URL)")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"widgetTtl", c.WidgetTTL},
		{"connectionTtl", c.ConnectionTTL},
		{"sessionTtl", c.SessionTTL},
		{"bridgeTimeout", c.BridgeTimeout},
		{"cleanupInterval", c.CleanupInterval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", field.name, field.value, err)
		}
	}
	return nil
}

// StateConfig builds the coordination-layer config. Invalid duration
// strings fall back to the layer's defaults; call Validate first to reject
// them instead.
func (c *Config) StateConfig() state.Config {
	sc := state.DefaultConfig()
	sc.DeployMode = c.DeployMode
	sc.RedisURL = c.RedisURL
	if c.KeyPrefix != "" {
		sc.KeyPrefix = c.KeyPrefix
	}
	if d, err := time.ParseDuration(c.WidgetTTL); err == nil && d > 0 {
		sc.WidgetTTL = d
	}
	if d, err := time.ParseDuration(c.ConnectionTTL); err == nil && d > 0 {
		sc.ConnectionTTL = d
	}
	if d, err := time.ParseDuration(c.SessionTTL); err == nil && d > 0 {
		sc.SessionTTL = d
	}
	if d, err := time.ParseDuration(c.BridgeTimeout); err == nil && d > 0 {
		sc.BridgeTimeout = d
	}
	if d, err := time.ParseDuration(c.CleanupInterval); err == nil && d > 0 {
		sc.CleanupInterval = d
	}
	if c.EventQueueSize > 0 {
		sc.EventQueueSize = c.EventQueueSize
	}
	sc.StrictResourceScoping = c.StrictResourceScoping
	if c.RolePermissions != nil {
		sc.RolePermissions = c.RolePermissions
	}
	return sc
}

// ServerConfig builds the live transport config.
func (c *Config) ServerConfig() *live.ServerConfig {
	sc := live.DefaultServerConfig()
	if c.Address != "" {
		sc.Address = c.Address
	}
	return sc
}
