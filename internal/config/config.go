// Package config loads the SysManage server's YAML configuration document
// and applies environment-variable overrides on top of it.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// SysManage Server Configuration with Environment Overrides
// =============================================================================

type Config struct {
	API          APIConfig          `yaml:"api"`
	WebUI        WebUIConfig        `yaml:"webui"`
	Database     DatabaseConfig     `yaml:"database"`
	Security     SecurityConfig     `yaml:"security"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	MessageQueue MessageQueueConfig `yaml:"message_queue"`
	Email        EmailConfig        `yaml:"email"`
	Vault        VaultConfig        `yaml:"vault"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	CVE          CVEConfig          `yaml:"cve"`
	Redis        RedisConfig        `yaml:"redis"`
}

// RedisConfig enables cross-instance queue-wake distribution; an empty
// address means single-instance local notification only.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type APIConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	Interface       string `yaml:"interface"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

type WebUIConfig struct {
	Port    string `yaml:"port"`
	UseSSL  bool   `yaml:"use_ssl"`
	Host    string `yaml:"host"`
}

type DatabaseConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Name            string `yaml:"name"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"ssl_mode"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
}

// SecurityConfig holds JWT/session secrets and the lockout policy.
type SecurityConfig struct {
	JWTSecret             string `yaml:"jwt_secret"`
	PasswordSalt          string `yaml:"password_salt"`
	MaxFailedLogins       int    `yaml:"max_failed_logins"`
	AccountLockoutMinutes int    `yaml:"account_lockout_duration"`
	ConnectionTokenTTLSec int    `yaml:"connection_token_ttl_sec"`
	SessionTokenMaxAgeSec int    `yaml:"session_token_max_age_sec"`
}

type MonitoringConfig struct {
	HeartbeatTimeoutMinutes int `yaml:"heartbeat_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// MessageQueueConfig controls background cleanup of the durable queue.
type MessageQueueConfig struct {
	ExpirationTimeoutMinutes int `yaml:"expiration_timeout_minutes"`
	CleanupIntervalMinutes   int `yaml:"cleanup_interval_minutes"`
}

type EmailConfig struct {
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	UseTLS   bool   `yaml:"use_tls"`
	UseSSL   bool   `yaml:"use_ssl"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// VaultConfig points at the external OpenBao/Vault KV v2 store. The
// vault process itself is external; this is only the client contract.
type VaultConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	MountPath string `yaml:"mount_path"`
}

type DiscoveryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bind_address"`
	BroadcastOut bool   `yaml:"broadcast_on_startup"`
}

type CVEConfig struct {
	Enabled             bool     `yaml:"enabled"`
	RefreshIntervalHours int     `yaml:"refresh_interval_hours"`
	EnabledSources      []string `yaml:"enabled_sources"`
	NVDAPIKey           string   `yaml:"nvd_api_key"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file. Missing nested sections are
// zero-valued and filled in by applyDefaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.API.Port = getEnv("SYSMANAGE_API_PORT", c.API.Port)
	c.API.Env = getEnv("SYSMANAGE_ENV", c.API.Env)
	c.API.Interface = getEnv("SYSMANAGE_API_INTERFACE", c.API.Interface)
	if v := getEnvInt("SYSMANAGE_API_READ_TIMEOUT_SEC", 0); v > 0 {
		c.API.ReadTimeoutSec = v
	}
	if v := getEnvInt("SYSMANAGE_API_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.API.WriteTimeoutSec = v
	}
	if v := getEnvInt("SYSMANAGE_API_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.API.ShutdownTimeout = v
	}

	c.WebUI.Port = getEnv("SYSMANAGE_WEBUI_PORT", c.WebUI.Port)
	c.WebUI.Host = getEnv("SYSMANAGE_WEBUI_HOST", c.WebUI.Host)
	c.WebUI.UseSSL = getEnvBool("SYSMANAGE_WEBUI_USE_SSL", c.WebUI.UseSSL)

	c.Database.Host = getEnv("SYSMANAGE_DB_HOST", c.Database.Host)
	c.Database.User = getEnv("SYSMANAGE_DB_USER", c.Database.User)
	c.Database.Password = getEnv("SYSMANAGE_DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("SYSMANAGE_DB_NAME", c.Database.Name)
	if v := getEnvInt("SYSMANAGE_DB_PORT", 0); v > 0 {
		c.Database.Port = v
	}

	c.Security.JWTSecret = getEnv("SYSMANAGE_JWT_SECRET", c.Security.JWTSecret)
	c.Security.PasswordSalt = getEnv("SYSMANAGE_PASSWORD_SALT", c.Security.PasswordSalt)
	if v := getEnvInt("SYSMANAGE_MAX_FAILED_LOGINS", 0); v > 0 {
		c.Security.MaxFailedLogins = v
	}
	if v := getEnvInt("SYSMANAGE_ACCOUNT_LOCKOUT_MINUTES", 0); v > 0 {
		c.Security.AccountLockoutMinutes = v
	}

	if v := getEnvInt("SYSMANAGE_HEARTBEAT_TIMEOUT_MINUTES", 0); v > 0 {
		c.Monitoring.HeartbeatTimeoutMinutes = v
	}

	c.Logging.Level = getEnv("SYSMANAGE_LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("SYSMANAGE_LOG_FILE", c.Logging.File)

	if v := getEnvInt("SYSMANAGE_QUEUE_EXPIRATION_MINUTES", 0); v > 0 {
		c.MessageQueue.ExpirationTimeoutMinutes = v
	}
	if v := getEnvInt("SYSMANAGE_QUEUE_CLEANUP_MINUTES", 0); v > 0 {
		c.MessageQueue.CleanupIntervalMinutes = v
	}

	c.Email.SMTPHost = getEnv("SYSMANAGE_SMTP_HOST", c.Email.SMTPHost)
	c.Email.From = getEnv("SYSMANAGE_SMTP_FROM", c.Email.From)
	c.Email.Username = getEnv("SYSMANAGE_SMTP_USERNAME", c.Email.Username)
	c.Email.Password = getEnv("SYSMANAGE_SMTP_PASSWORD", c.Email.Password)
	c.Email.UseTLS = getEnvBool("SYSMANAGE_SMTP_USE_TLS", c.Email.UseTLS)

	c.Vault.Address = getEnv("SYSMANAGE_VAULT_ADDR", c.Vault.Address)
	c.Vault.Token = getEnv("SYSMANAGE_VAULT_TOKEN", c.Vault.Token)
	c.Vault.MountPath = getEnv("SYSMANAGE_VAULT_MOUNT", c.Vault.MountPath)

	c.Discovery.Enabled = getEnvBool("SYSMANAGE_DISCOVERY_ENABLED", c.Discovery.Enabled)
	c.Discovery.BindAddress = getEnv("SYSMANAGE_DISCOVERY_BIND", c.Discovery.BindAddress)
	if v := getEnvInt("SYSMANAGE_DISCOVERY_PORT", 0); v > 0 {
		c.Discovery.Port = v
	}

	c.Redis.Address = getEnv("SYSMANAGE_REDIS_ADDR", c.Redis.Address)
	c.Redis.Password = getEnv("SYSMANAGE_REDIS_PASSWORD", c.Redis.Password)

	c.CVE.Enabled = getEnvBool("SYSMANAGE_CVE_ENABLED", c.CVE.Enabled)
	c.CVE.NVDAPIKey = getEnv("SYSMANAGE_NVD_API_KEY", c.CVE.NVDAPIKey)
	if sources := getEnv("SYSMANAGE_CVE_SOURCES", ""); sources != "" {
		c.CVE.EnabledSources = splitCSV(sources)
	}

	c.applyDefaults()
}

// applyDefaults fills in zero-valued fields with sensible defaults so a
// partially-specified (or entirely missing) config.yaml still works.
func (c *Config) applyDefaults() {
	if c.API.Port == "" {
		c.API.Port = "8080"
	}
	if c.API.ReadTimeoutSec == 0 {
		c.API.ReadTimeoutSec = 15
	}
	if c.API.WriteTimeoutSec == 0 {
		c.API.WriteTimeoutSec = 15
	}
	if c.API.IdleTimeoutSec == 0 {
		c.API.IdleTimeoutSec = 60
	}
	if c.API.ShutdownTimeout == 0 {
		c.API.ShutdownTimeout = 30
	}
	if c.WebUI.Port == "" {
		c.WebUI.Port = "8443"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "prefer"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Security.MaxFailedLogins == 0 {
		c.Security.MaxFailedLogins = 5
	}
	if c.Security.AccountLockoutMinutes == 0 {
		c.Security.AccountLockoutMinutes = 15
	}
	if c.Security.ConnectionTokenTTLSec == 0 {
		c.Security.ConnectionTokenTTLSec = 3600
	}
	if c.Security.SessionTokenMaxAgeSec == 0 {
		c.Security.SessionTokenMaxAgeSec = 12 * 3600
	}
	if c.Monitoring.HeartbeatTimeoutMinutes == 0 {
		c.Monitoring.HeartbeatTimeoutMinutes = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.MessageQueue.ExpirationTimeoutMinutes == 0 {
		c.MessageQueue.ExpirationTimeoutMinutes = 1440
	}
	if c.MessageQueue.CleanupIntervalMinutes == 0 {
		c.MessageQueue.CleanupIntervalMinutes = 30
	}
	if c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
	if c.Vault.MountPath == "" {
		c.Vault.MountPath = "secret"
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = 31337
	}
	if c.Discovery.BindAddress == "" {
		c.Discovery.BindAddress = "127.0.0.1"
	}
	if c.CVE.RefreshIntervalHours == 0 {
		c.CVE.RefreshIntervalHours = 24
	}
	if len(c.CVE.EnabledSources) == 0 {
		c.CVE.EnabledSources = []string{"nvd"}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.API.Env == "production"
}

func (c *Config) GetMaxFailedLogins() int {
	return c.Security.MaxFailedLogins
}

func (c *Config) GetAccountLockoutDuration() time.Duration {
	return time.Duration(c.Security.AccountLockoutMinutes) * time.Minute
}
