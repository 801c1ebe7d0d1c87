package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 10, cfg.Engine.ReasonMinLength)
	assert.Equal(t, 10, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Engine.Retry.BaseDelay)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(Path(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "medshare.notifications", cfg.Notify.Redis.Channel)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yml := `server:
  addr: 0.0.0.0:9000
engine:
  reason_min_length: 3
webhooks:
  - url: http://hooks.local/medshare
    secret: s3cret
    events: [request.approved]
`
	require.NoError(t, os.WriteFile(Path(dir), []byte(yml), 0o644))
	t.Setenv("MEDSHARE_AUTH_JWT_SECRET", "from-env")
	t.Setenv("MEDSHARE_ENGINE_RETRY_MAX_ATTEMPTS", "9")

	cfg, err := Load(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 3, cfg.Engine.ReasonMinLength)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 9, cfg.Engine.Retry.MaxAttempts)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"request.approved"}, cfg.Webhooks[0].Events)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MEDSHARE_LOG_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("MEDSHARE_LOG_LEVEL") })

	cfg, err := Load(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":      func(c *Config) { c.Store.Driver = "postgres" },
		"mongo uri":   func(c *Config) { c.Store.Driver = "mongo" },
		"base path":   func(c *Config) { c.Server.BasePath = "v1" },
		"reason":      func(c *Config) { c.Engine.ReasonMinLength = 0 },
		"attempts":    func(c *Config) { c.Engine.Retry.MaxAttempts = 0 },
		"max delay":   func(c *Config) { c.Engine.Retry.MaxDelay = time.Millisecond },
		"dev login":   func(c *Config) { c.Auth.DevLogin = true },
		"firebase":    func(c *Config) { c.Auth.Firebase.Enabled = true },
		"redis":       func(c *Config) { c.Notify.Redis.Enabled = true; c.Notify.Redis.Channel = "" },
		"webhook url": func(c *Config) { c.Webhooks = []WebhookConfig{{URL: " "}} },
		"log format":  func(c *Config) { c.Log.Format = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFromYAMLInvalid(t *testing.T) {
	_, err := FromYAML([]byte("store: [unclosed"))
	require.Error(t, err)

	_, err = FromYAML([]byte("store:\n  driver: postgres\n"))
	require.ErrorContains(t, err, "config.store.driver")
}
