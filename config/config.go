// Package config loads prism-board settings from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"prism-board/domain"
)

// Config is the full application configuration.
type Config struct {
	Listen  string        `yaml:"listen"`
	Debug   bool          `yaml:"debug"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	Board   BoardConfig   `yaml:"board"`
	Layout  LayoutConfig  `yaml:"layout"`
}

// StorageConfig selects the task source. An Azure connection string takes
// precedence over SQLitePath.
type StorageConfig struct {
	ConnectionString string `yaml:"connectionString"`
	TasksTable       string `yaml:"tasksTable"`
	EventsQueue      string `yaml:"eventsQueue"`
	SQLitePath       string `yaml:"sqlitePath"`
}

// RedisConfig enables the list cache, the redis layout store and the
// update stream.
type RedisConfig struct {
	ConnectionString string        `yaml:"connectionString"`
	CacheTTL         time.Duration `yaml:"cacheTTL"`
	Channel          string        `yaml:"channel"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Domain   string `yaml:"domain"`
	Audience string `yaml:"audience"`
	TestMode bool   `yaml:"testMode"`
	// TestSecret signs HS256 tokens in test mode. It is read from the
	// environment only.
	TestSecret string `yaml:"-"`
}

// BoardConfig holds the defaults for every session.
type BoardConfig struct {
	Scopes       []string            `yaml:"scopes"`
	DefaultBoard string              `yaml:"defaultBoard"`
	Buckets      *domain.StatBuckets `yaml:"buckets"`
	Sort         domain.SortState    `yaml:"sort"`
	GroupBy      string              `yaml:"groupBy"`
}

// LayoutConfig points at the directory holding layout blobs when redis is
// not configured.
type LayoutConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Storage: StorageConfig{
			TasksTable: "Tasks",
		},
		Redis: RedisConfig{
			CacheTTL: 30 * time.Second,
			Channel:  "board-updates",
		},
		Board: BoardConfig{
			DefaultBoard: "default",
			Sort:         domain.DefaultSort(),
		},
		Layout: LayoutConfig{
			Dir:   filepath.Join(".prism", "layouts"),
			Watch: true,
		},
	}
}

// Load reads path (when not empty) over the defaults and applies environment
// overrides. A missing file is an error only when path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
		return nil
	}

	if v, ok := lookup("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && v != "" {
		c.Listen = ":" + v
	}
	str("LISTEN_ADDR", &c.Listen)
	if err := boolean("DEBUG", &c.Debug); err != nil {
		return err
	}
	str("STORAGE_CONNECTION_STRING", &c.Storage.ConnectionString)
	str("TASKS_TABLE", &c.Storage.TasksTable)
	str("EVENTS_QUEUE", &c.Storage.EventsQueue)
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("REDIS_CONNECTION_STRING", &c.Redis.ConnectionString)
	str("STREAM_CHANNEL", &c.Redis.Channel)
	if v, ok := lookup("CACHE_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_TTL: %w", err)
		}
		c.Redis.CacheTTL = d
	}
	str("AUTH0_DOMAIN", &c.Auth.Domain)
	str("AUTH0_AUDIENCE", &c.Auth.Audience)
	if v, ok := lookup("AUTH0_TEST_MODE"); ok && v != "" {
		c.Auth.TestMode = v == "1" || strings.EqualFold(v, "true")
	}
	str("TEST_JWT_SECRET", &c.Auth.TestSecret)
	if v, ok := lookup("BOARD_SCOPES"); ok && v != "" {
		c.Board.Scopes = splitList(v)
	}
	str("DEFAULT_BOARD", &c.Board.DefaultBoard)
	str("LAYOUT_FILE", &c.Layout.Dir)
	return boolean("LAYOUT_WATCH", &c.Layout.Watch)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.ConnectionString != "" && c.Storage.TasksTable == "" {
		errs = append(errs, errors.New("storage: tasksTable is required with a connection string"))
	}
	if c.Redis.CacheTTL < 0 {
		errs = append(errs, errors.New("redis: cacheTTL must not be negative"))
	}
	if _, ok := domain.ParseGroupBy(c.Board.GroupBy); !ok {
		errs = append(errs, fmt.Errorf("board: unknown groupBy %q", c.Board.GroupBy))
	}
	if c.Board.Sort.SortBy != "" && !domain.SortKeyKnown(c.Board.Sort.SortBy) {
		errs = append(errs, fmt.Errorf("board: unknown sort key %q", c.Board.Sort.SortBy))
	}
	return errors.Join(errs...)
}

// ValidateAuth reports missing token settings for the HTTP server.
func (c *Config) ValidateAuth() error {
	if c.Auth.TestMode {
		if c.Auth.TestSecret == "" {
			return errors.New("TEST_JWT_SECRET must be set in auth test mode")
		}
		return nil
	}
	if c.Auth.Domain == "" || c.Auth.Audience == "" {
		return errors.New("missing Auth0 config")
	}
	return nil
}

// UseTables reports whether tasks live in Azure tables.
func (c *Config) UseTables() bool {
	return c.Storage.ConnectionString != ""
}

// SQLitePath returns the configured database path or the local default.
func (c *Config) SQLitePath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(".prism", "tasks.db")
}

// RedisOptions parses the redis connection string. Both URLs and the
// "host:port,password=...,ssl=true" form are accepted. It returns nil when
// redis is not configured.
func (c *Config) RedisOptions() *redis.Options {
	conn := c.Redis.ConnectionString
	if conn == "" {
		return nil
	}
	if strings.Contains(conn, "://") {
		if opts, err := redis.ParseURL(conn); err == nil {
			return opts
		}
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

// StatBuckets returns the configured counter mapping or the default one.
func (c *Config) StatBuckets() domain.StatBuckets {
	if c.Board.Buckets != nil {
		return *c.Board.Buckets
	}
	return domain.DefaultStatBuckets()
}
