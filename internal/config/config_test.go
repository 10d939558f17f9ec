package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
api:
  port: "9090"
  env: production
database:
  host: db.internal
  name: sysmanage
  user: sysmanage
security:
  jwt_secret: super-secret
  max_failed_logins: 4
  account_lockout_duration: 30
message_queue:
  expiration_timeout_minutes: 720
discovery:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.applyDefaults()

	assert.Equal(t, "9090", cfg.API.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 4, cfg.GetMaxFailedLogins())
	assert.Equal(t, 720, cfg.MessageQueue.ExpirationTimeoutMinutes)
	assert.True(t, cfg.Discovery.Enabled)
}

func TestDefaultsFillMissingSections(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, "8080", cfg.API.Port)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 5, cfg.Security.MaxFailedLogins)
	assert.Equal(t, 15, cfg.Security.AccountLockoutMinutes)
	assert.Equal(t, 3600, cfg.Security.ConnectionTokenTTLSec)
	assert.Equal(t, 5, cfg.Monitoring.HeartbeatTimeoutMinutes)
	assert.Equal(t, 1440, cfg.MessageQueue.ExpirationTimeoutMinutes)
	assert.Equal(t, 30, cfg.MessageQueue.CleanupIntervalMinutes)
	assert.Equal(t, 31337, cfg.Discovery.Port)
	assert.Equal(t, "127.0.0.1", cfg.Discovery.BindAddress, "beacon binds loopback by default")
	assert.Equal(t, 24, cfg.CVE.RefreshIntervalHours)
	assert.Equal(t, []string{"nvd"}, cfg.CVE.EnabledSources)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYSMANAGE_API_PORT", "7070")
	t.Setenv("SYSMANAGE_DB_HOST", "override.db")
	t.Setenv("SYSMANAGE_MAX_FAILED_LOGINS", "7")
	t.Setenv("SYSMANAGE_WEBUI_USE_SSL", "true")
	t.Setenv("SYSMANAGE_CVE_SOURCES", "nvd, osv")

	cfg := &Config{}
	cfg.Database.Host = "from-yaml.db"
	cfg.applyEnvOverrides()

	assert.Equal(t, "7070", cfg.API.Port)
	assert.Equal(t, "override.db", cfg.Database.Host, "env wins over the YAML value")
	assert.Equal(t, 7, cfg.Security.MaxFailedLogins)
	assert.True(t, cfg.WebUI.UseSSL)
	assert.Equal(t, []string{"nvd", "osv"}, cfg.CVE.EnabledSources)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
