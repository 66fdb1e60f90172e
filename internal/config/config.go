// Package config loads webpeasy's process configuration: a YAML file merged
// over built-in defaults, then overridden by WEBPEASY_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fpang/webpeasy/internal/logging"
)

// Config represents the application configuration
type Config struct {
	Site    SiteConfig    `yaml:"site"`
	Uploads UploadsConfig `yaml:"uploads"`
	Encoder string        `yaml:"encoder"`
	Options OptionsConfig `yaml:"options"`
	Catalog CatalogConfig `yaml:"catalog"`
	Auth    AuthConfig    `yaml:"auth"`
	Admin   AdminConfig   `yaml:"admin"`
	Events  EventsConfig  `yaml:"events"`
}

// SiteConfig describes the frontend server.
type SiteConfig struct {
	Listen      string `yaml:"listen"`
	Root        string `yaml:"root"`
	AdminPrefix string `yaml:"admin_prefix"`
	CronPath    string `yaml:"cron_path"`
	Gzip        bool   `yaml:"gzip"`
}

// UploadsConfig maps the public uploads URL onto its directory.
type UploadsConfig struct {
	BaseDir string `yaml:"base_dir"`
	BaseURL string `yaml:"base_url"`
}

// OptionsConfig selects the key-value backend holding the settings record.
type OptionsConfig struct {
	Backend     string `yaml:"backend"` // file, dynamodb, redis, memory
	File        string `yaml:"file"`
	DynamoTable string `yaml:"dynamo_table"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
}

// CatalogConfig selects where asset records live.
type CatalogConfig struct {
	Backend     string `yaml:"backend"` // file, postgres
	File        string `yaml:"file"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// AuthConfig configures operator sessions and anti-forgery tokens.
type AuthConfig struct {
	SessionSecret      string        `yaml:"session_secret"`
	SessionSecretParam string        `yaml:"session_secret_param"`
	Issuer             string        `yaml:"issuer"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	NonceTTL           time.Duration `yaml:"nonce_ttl"`
}

// AdminConfig bounds the administrative batch endpoint.
type AdminConfig struct {
	BatchRate  float64 `yaml:"batch_rate"` // batches per second
	BatchBurst int     `yaml:"batch_burst"`
}

// EventsConfig enables EventBridge notifications when BusName is set.
type EventsConfig struct {
	BusName string `yaml:"bus_name"`
	Source  string `yaml:"source"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			Listen:      ":8080",
			Root:        "public",
			AdminPrefix: "/wp-admin",
			CronPath:    "/wp-cron.php",
			Gzip:        true,
		},
		Uploads: UploadsConfig{
			BaseDir: "uploads",
			BaseURL: "/uploads",
		},
		Encoder: "auto",
		Options: OptionsConfig{
			Backend: "file",
			File:    "webpeasy-options.yaml",
		},
		Catalog: CatalogConfig{
			Backend: "file",
			File:    "uploads/catalog.json",
		},
		Auth: AuthConfig{
			Issuer:     "webpeasy",
			SessionTTL: 12 * time.Hour,
			NonceTTL:   24 * time.Hour,
		},
		Admin: AdminConfig{
			BatchRate:  2,
			BatchBurst: 1,
		},
		Events: EventsConfig{
			Source: "webpeasy",
		},
	}
}

// Load reads and parses the configuration file. An empty path yields the
// defaults; in both cases environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Site.Listen = logging.EnvOrDefault("WEBPEASY_LISTEN", c.Site.Listen)
	c.Site.Root = logging.EnvOrDefault("WEBPEASY_SITE_ROOT", c.Site.Root)
	c.Uploads.BaseDir = logging.EnvOrDefault("WEBPEASY_UPLOADS_DIR", c.Uploads.BaseDir)
	c.Uploads.BaseURL = logging.EnvOrDefault("WEBPEASY_UPLOADS_URL", c.Uploads.BaseURL)
	c.Encoder = logging.EnvOrDefault("WEBPEASY_ENCODER", c.Encoder)
	c.Options.Backend = logging.EnvOrDefault("WEBPEASY_OPTIONS_BACKEND", c.Options.Backend)
	c.Options.File = logging.EnvOrDefault("WEBPEASY_OPTIONS_FILE", c.Options.File)
	c.Options.DynamoTable = logging.EnvOrDefault("WEBPEASY_OPTIONS_TABLE", c.Options.DynamoTable)
	c.Options.RedisAddr = logging.EnvOrDefault("WEBPEASY_REDIS_ADDR", c.Options.RedisAddr)
	c.Catalog.Backend = logging.EnvOrDefault("WEBPEASY_CATALOG_BACKEND", c.Catalog.Backend)
	c.Catalog.File = logging.EnvOrDefault("WEBPEASY_CATALOG_FILE", c.Catalog.File)
	c.Catalog.PostgresDSN = logging.EnvOrDefault("WEBPEASY_DATABASE_URL", c.Catalog.PostgresDSN)
	c.Auth.SessionSecret = logging.EnvOrDefault("WEBPEASY_SESSION_SECRET", c.Auth.SessionSecret)
	c.Auth.SessionSecretParam = logging.EnvOrDefault("WEBPEASY_SESSION_SECRET_PARAM", c.Auth.SessionSecretParam)
	c.Events.BusName = logging.EnvOrDefault("WEBPEASY_EVENT_BUS", c.Events.BusName)
}

// Validate checks if required configuration fields are set
func (c *Config) Validate() error {
	if c.Uploads.BaseDir == "" {
		return fmt.Errorf("uploads.base_dir is required")
	}
	if c.Uploads.BaseURL == "" {
		return fmt.Errorf("uploads.base_url is required")
	}
	if _, err := url.Parse(c.Uploads.BaseURL); err != nil {
		return fmt.Errorf("uploads.base_url is not a valid URL: %w", err)
	}

	switch c.Encoder {
	case "auto", "ffmpeg", "libwebp", "none":
	default:
		return fmt.Errorf("encoder must be one of auto, ffmpeg, libwebp, none (got %q)", c.Encoder)
	}

	switch c.Options.Backend {
	case "file":
		if c.Options.File == "" {
			return fmt.Errorf("options.file is required for the file backend")
		}
	case "dynamodb":
		if c.Options.DynamoTable == "" {
			return fmt.Errorf("options.dynamo_table is required for the dynamodb backend")
		}
	case "redis":
		if c.Options.RedisAddr == "" {
			return fmt.Errorf("options.redis_addr is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown options.backend %q", c.Options.Backend)
	}

	switch c.Catalog.Backend {
	case "file":
		if c.Catalog.File == "" {
			return fmt.Errorf("catalog.file is required for the file backend")
		}
	case "postgres":
		if c.Catalog.PostgresDSN == "" {
			return fmt.Errorf("catalog.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown catalog.backend %q", c.Catalog.Backend)
	}

	if c.Site.AdminPrefix != "" && !strings.HasPrefix(c.Site.AdminPrefix, "/") {
		return fmt.Errorf("site.admin_prefix must start with /")
	}
	if c.Admin.BatchRate < 0 {
		return fmt.Errorf("admin.batch_rate must not be negative")
	}
	return nil
}

// UploadsPath returns the URL path component of the uploads base URL, used
// to mount the uploads file server.
func (c *Config) UploadsPath() string {
	u, err := url.Parse(c.Uploads.BaseURL)
	if err != nil || u.Path == "" {
		return "/uploads"
	}
	return strings.TrimSuffix(u.Path, "/")
}
