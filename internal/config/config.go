package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	FileName  = "medshare.yml"
	EnvPrefix = "MEDSHARE"
)

// Config models medshare.yml.
type Config struct {
	Server   ServerConfig    `yaml:"server" mapstructure:"server"`
	Store    StoreConfig     `yaml:"store" mapstructure:"store"`
	Auth     AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Engine   EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Notify   NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Webhooks []WebhookConfig `yaml:"webhooks" mapstructure:"webhooks"`
	Log      LogConfig       `yaml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	BasePath        string        `yaml:"base_path" mapstructure:"base_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver string      `yaml:"driver" mapstructure:"driver"`
	SQLite SQLiteStore `yaml:"sqlite" mapstructure:"sqlite"`
	Mongo  MongoStore  `yaml:"mongo" mapstructure:"mongo"`
}

type SQLiteStore struct {
	Workspace     string `yaml:"workspace" mapstructure:"workspace"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

type MongoStore struct {
	URI      string        `yaml:"uri" mapstructure:"uri"`
	Database string        `yaml:"database" mapstructure:"database"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret string         `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL  time.Duration  `yaml:"token_ttl" mapstructure:"token_ttl"`
	APIKeys   bool           `yaml:"api_keys" mapstructure:"api_keys"`
	DevLogin  bool           `yaml:"dev_login" mapstructure:"dev_login"`
	Firebase  FirebaseConfig `yaml:"firebase" mapstructure:"firebase"`
}

// FirebaseConfig enables Firebase ID tokens. RoleClaim names the custom
// claim holding the caller role.
type FirebaseConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	ProjectID       string `yaml:"project_id" mapstructure:"project_id"`
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`
	RoleClaim       string `yaml:"role_claim" mapstructure:"role_claim"`
}

type EngineConfig struct {
	ReasonMinLength int         `yaml:"reason_min_length" mapstructure:"reason_min_length"`
	Retry           RetryConfig `yaml:"retry" mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

type NotifyConfig struct {
	WebSocket bool        `yaml:"websocket" mapstructure:"websocket"`
	Redis     RedisConfig `yaml:"redis" mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Channel  string `yaml:"channel" mapstructure:"channel"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" mapstructure:"url"`
	Secret         string   `yaml:"secret" mapstructure:"secret"`
	Events         []string `yaml:"events" mapstructure:"events"`
	Enabled        *bool    `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
	case "mongo":
		if c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "" {
			return fmt.Errorf("config.store.mongo.uri and database are required for driver mongo")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or mongo, got %q", c.Store.Driver)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Engine.ReasonMinLength < 1 {
		return fmt.Errorf("config.engine.reason_min_length must be at least 1")
	}
	if c.Engine.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.engine.retry.max_attempts must be at least 1")
	}
	if c.Engine.Retry.MaxDelay > 0 && c.Engine.Retry.MaxDelay < c.Engine.Retry.BaseDelay {
		return fmt.Errorf("config.engine.retry.max_delay must not be below base_delay")
	}
	if c.Auth.DevLogin && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config.auth.dev_login needs auth.jwt_secret")
	}
	if c.Auth.Firebase.Enabled && c.Auth.Firebase.ProjectID == "" {
		return fmt.Errorf("config.auth.firebase.project_id is required when firebase is enabled")
	}
	if c.Notify.Redis.Enabled && (c.Notify.Redis.Addr == "" || c.Notify.Redis.Channel == "") {
		return fmt.Errorf("config.notify.redis.addr and channel are required when redis is enabled")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load layers, lowest first: built-in defaults, the config file (when it
// exists), a .env file next to it, then MEDSHARE_* environment variables
// such as MEDSHARE_AUTH_JWT_SECRET.
func Load(path string) (*Config, error) {
	if path != "" {
		envFile := filepath.Join(filepath.Dir(path), ".env")
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(defaultTemplate)); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("invalid config yaml %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  shutdown_timeout: 10s

store:
  driver: sqlite
  sqlite:
    workspace: .
    busy_timeout_ms: 5000
  mongo:
    uri: ""
    database: medshare
    timeout: 10s

auth:
  jwt_secret: ""
  token_ttl: 24h
  api_keys: true
  dev_login: false
  firebase:
    enabled: false
    project_id: ""
    credentials_file: ""
    role_claim: role

engine:
  reason_min_length: 10
  retry:
    max_attempts: 10
    base_delay: 10ms
    max_delay: 250ms

notify:
  websocket: true
  redis:
    enabled: false
    addr: 127.0.0.1:6379
    password: ""
    db: 0
    channel: medshare.notifications

webhooks: []

log:
  level: info
  format: json
`
