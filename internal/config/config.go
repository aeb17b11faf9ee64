// Package config loads the Kittygram server configuration.
//
// SOURCES, lowest priority first:
//
//	1. defaults below
//	2. an optional YAML file (--config)
//	3. a .env file in the working directory, if present
//	4. KITTYGRAM_* environment variables
//
// Environment names are the config keys upper-cased with dots turned into
// underscores: auth.jwt_secret → KITTYGRAM_AUTH_JWT_SECRET.
//
// WHY VIPER?
// It merges all four sources into one tree and decodes durations like
// "30s" for us. godotenv only feeds the process environment, so a .env
// file behaves exactly like exported variables and never overrides them.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "KITTYGRAM"

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Media    MediaConfig    `mapstructure:"media"`
	S3       S3Config       `mapstructure:"s3"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Driver  string        `mapstructure:"driver"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret           string        `mapstructure:"jwt_secret"`
	TokenTTL            time.Duration `mapstructure:"token_ttl"`
	BcryptCost          int           `mapstructure:"bcrypt_cost"`
	AllowAnonymousReads bool          `mapstructure:"allow_anonymous_reads"`
	OwnerCacheSize      int           `mapstructure:"owner_cache_size"`
	GitHub              GitHubConfig  `mapstructure:"github"`
}

type GitHubConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	CallbackURL  string `mapstructure:"callback_url"`
}

// Enabled reports whether GitHub sign-in is configured.
func (g GitHubConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

type MediaConfig struct {
	Backend        string        `mapstructure:"backend"`
	FSRoot         string        `mapstructure:"fs_root"`
	BaseURL        string        `mapstructure:"base_url"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	PutTimeout     time.Duration `mapstructure:"put_timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	OrphanGrace    time.Duration `mapstructure:"orphan_grace"`
	GCInterval     time.Duration `mapstructure:"gc_interval"`
	GCBatchSize    int           `mapstructure:"gc_batch_size"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// defaults doubles as the list of known keys: AutomaticEnv only reaches
// keys viper has heard of, so every key needs an entry here.
var defaults = map[string]any{
	"http.port":          8080,
	"http.read_timeout":  15 * time.Second,
	"http.write_timeout": 60 * time.Second,

	"log.level":  "info",
	"log.format": "text",

	"database.driver":  "sqlite",
	"database.dsn":     "data/kittygram.db",
	"database.timeout": 5 * time.Second,

	"auth.jwt_secret":            "",
	"auth.token_ttl":             24 * time.Hour,
	"auth.bcrypt_cost":           12,
	"auth.allow_anonymous_reads": true,
	"auth.owner_cache_size":      1024,
	"auth.github.client_id":      "",
	"auth.github.client_secret":  "",
	"auth.github.callback_url":   "http://localhost:8080/auth/github/callback",

	"media.backend":          "fs",
	"media.fs_root":          "data/media",
	"media.base_url":         "/media/",
	"media.max_upload_bytes": 5 << 20,
	"media.put_timeout":      30 * time.Second,
	"media.max_retries":      3,
	"media.retry_base":       100 * time.Millisecond,
	"media.orphan_grace":     time.Hour,
	"media.gc_interval":      10 * time.Minute,
	"media.gc_batch_size":    100,

	"s3.bucket":         "",
	"s3.region":         "us-east-1",
	"s3.endpoint":       "",
	"s3.access_key":     "",
	"s3.secret_key":     "",
	"s3.use_path_style": false,
}

// Load reads the configuration. path may be empty. envFiles lists dotenv
// files to load first; missing files are skipped. Pass none to load ".env".
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: loading %s: %w", f, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first problem found.
func (c *Config) Validate() error {
	switch {
	case c.HTTP.Port < 1 || c.HTTP.Port > 65535:
		return fmt.Errorf("config: http.port %d is out of range", c.HTTP.Port)
	case c.Log.Format != "text" && c.Log.Format != "json":
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	case c.Database.Driver != "sqlite" && c.Database.Driver != "postgres":
		return fmt.Errorf("config: database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	case c.Database.DSN == "":
		return errors.New("config: database.dsn is required")
	case len(c.Auth.JWTSecret) < 16:
		return errors.New("config: auth.jwt_secret must be at least 16 characters (try: openssl rand -hex 32)")
	case c.Auth.TokenTTL <= 0:
		return errors.New("config: auth.token_ttl must be positive")
	case (c.Auth.GitHub.ClientID == "") != (c.Auth.GitHub.ClientSecret == ""):
		return errors.New("config: auth.github.client_id and client_secret must be set together")
	case c.Media.MaxUploadBytes <= 0:
		return errors.New("config: media.max_upload_bytes must be positive")
	case c.Media.Backend == "fs" && c.Media.FSRoot == "":
		return errors.New("config: media.fs_root is required for the fs backend")
	case c.Media.Backend == "s3" && c.S3.Bucket == "":
		return errors.New("config: s3.bucket is required for the s3 backend")
	case c.Media.Backend != "fs" && c.Media.Backend != "s3":
		return fmt.Errorf("config: media.backend must be fs or s3, got %q", c.Media.Backend)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}
