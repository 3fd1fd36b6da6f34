// Package config provides configuration management for the agentctl runtime.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Control  ControlConfig  `mapstructure:"control"`
	Attach   AttachConfig   `mapstructure:"attach"`
	Lease    LeaseConfig    `mapstructure:"lease"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Registry RegistryConfig `mapstructure:"registry"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ControlConfig holds the binary control transport listener configuration.
type ControlConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	MaxFrameBytes      int    `mapstructure:"maxFrameBytes"`
	RequestTimeoutSecs int    `mapstructure:"requestTimeoutSecs"`
}

// AttachConfig holds the attach (TUI) transport configuration.
type AttachConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	TokenTTLSecs        int    `mapstructure:"tokenTTLSecs"`
	CleanupIntervalSecs int    `mapstructure:"cleanupIntervalSecs"`
	MaxSessionsPerAgent int    `mapstructure:"maxSessionsPerAgent"`
	HistoryMaxBytes     int64  `mapstructure:"historyMaxBytes"`
	HistoryMaxLines     int    `mapstructure:"historyMaxLines"`
	PingIntervalSecs    int    `mapstructure:"pingIntervalSecs"`
	PongGraceSecs       int    `mapstructure:"pongGraceSecs"`
	HandshakeTimeoutS   int    `mapstructure:"handshakeTimeoutSecs"`
}

// LeaseConfig holds the lease manager's embedded store configuration.
type LeaseConfig struct {
	Driver              string `mapstructure:"driver"` // sqlite or postgres
	SQLitePath          string `mapstructure:"sqlitePath"`
	DefaultTTLSecs      int    `mapstructure:"defaultTTLSecs"`
	DefaultMaxRenewals  int    `mapstructure:"defaultMaxRenewals"`
	CleanupIntervalSecs int    `mapstructure:"cleanupIntervalSecs"`
}

// DatabaseConfig holds PostgreSQL connection configuration, used when
// lease.driver (or another component's backing store) is "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// NATSConfig holds NATS messaging configuration for the optional external EventBus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration for the container-backed agent runtime.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	Image          string `mapstructure:"image"`
}

// RegistryConfig holds AgentRegistry tunables.
type RegistryConfig struct {
	MaxConcurrentAgents int `mapstructure:"maxConcurrentAgents"`
	LingerWindowSecs    int `mapstructure:"lingerWindowSecs"`
	StdioQueueDepth     int `mapstructure:"stdioQueueDepth"`
	SupervisorPollSecs  int `mapstructure:"supervisorPollSecs"`
}

// AuthConfig holds shared-secret authentication for the control and attach transports.
type AuthConfig struct {
	SharedSecret string `mapstructure:"sharedSecret"`
}

// OpsConfig holds the side HTTP server used for health/metrics.
type OpsConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RequestTimeout returns the control-bus per-request timeout.
func (c *ControlConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// TokenTTL returns the attach token TTL as a time.Duration.
func (a *AttachConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLSecs) * time.Second
}

// CleanupInterval returns the token GC interval as a time.Duration.
func (a *AttachConfig) CleanupInterval() time.Duration {
	return time.Duration(a.CleanupIntervalSecs) * time.Second
}

// PingInterval returns the keepalive ping interval as a time.Duration.
func (a *AttachConfig) PingInterval() time.Duration {
	return time.Duration(a.PingIntervalSecs) * time.Second
}

// PongGrace returns the missed-pong grace window as a time.Duration.
func (a *AttachConfig) PongGrace() time.Duration {
	return time.Duration(a.PongGraceSecs) * time.Second
}

// HandshakeTimeout returns the attach handshake deadline as a time.Duration.
func (a *AttachConfig) HandshakeTimeout() time.Duration {
	return time.Duration(a.HandshakeTimeoutS) * time.Second
}

// DefaultTTL returns the lease manager's default TTL as a time.Duration.
func (l *LeaseConfig) DefaultTTL() time.Duration {
	return time.Duration(l.DefaultTTLSecs) * time.Second
}

// CleanupInterval returns the expired-lease sweep interval.
func (l *LeaseConfig) CleanupInterval() time.Duration {
	return time.Duration(l.CleanupIntervalSecs) * time.Second
}

// LingerWindow returns how long a terminal AgentHandle stays queryable.
func (r *RegistryConfig) LingerWindow() time.Duration {
	return time.Duration(r.LingerWindowSecs) * time.Second
}

// SupervisorPollInterval returns the liveness-poll interval.
func (r *RegistryConfig) SupervisorPollInterval() time.Duration {
	return time.Duration(r.SupervisorPollSecs) * time.Second
}

// detectDefaultLogFormat returns "json" under Kubernetes or an explicit
// production environment, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST as an override, per standard Docker convention.
func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("control.host", "0.0.0.0")
	v.SetDefault("control.port", 7890)
	v.SetDefault("control.maxFrameBytes", 10*1024*1024)
	v.SetDefault("control.requestTimeoutSecs", 30)

	v.SetDefault("attach.host", "0.0.0.0")
	v.SetDefault("attach.port", 7891)
	v.SetDefault("attach.tokenTTLSecs", 120)
	v.SetDefault("attach.cleanupIntervalSecs", 30)
	v.SetDefault("attach.maxSessionsPerAgent", 4)
	v.SetDefault("attach.historyMaxBytes", 1024*1024)
	v.SetDefault("attach.historyMaxLines", 10000)
	v.SetDefault("attach.pingIntervalSecs", 20)
	v.SetDefault("attach.pongGraceSecs", 10)
	v.SetDefault("attach.handshakeTimeoutSecs", 10)

	v.SetDefault("lease.driver", "sqlite")
	v.SetDefault("lease.sqlitePath", "./agentctl-leases.db")
	v.SetDefault("lease.defaultTTLSecs", 300)
	v.SetDefault("lease.defaultMaxRenewals", -1)
	v.SetDefault("lease.cleanupIntervalSecs", 15)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentctl")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentctl")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "agentctl-cluster")
	v.SetDefault("nats.clientId", "agentctl-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "agentctl-network")
	v.SetDefault("docker.image", "agentctl/runner:latest")

	v.SetDefault("registry.maxConcurrentAgents", 32)
	v.SetDefault("registry.lingerWindowSecs", 30)
	v.SetDefault("registry.stdioQueueDepth", 256)
	v.SetDefault("registry.supervisorPollSecs", 15)

	v.SetDefault("auth.sharedSecret", "")

	v.SetDefault("ops.host", "127.0.0.1")
	v.SetDefault("ops.port", 7892)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTCTL_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentctl/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that the loaded configuration is internally consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Control.Port <= 0 || cfg.Control.Port > 65535 {
		errs = append(errs, "control.port must be between 1 and 65535")
	}
	if cfg.Attach.Port <= 0 || cfg.Attach.Port > 65535 {
		errs = append(errs, "attach.port must be between 1 and 65535")
	}
	if cfg.Registry.MaxConcurrentAgents <= 0 {
		errs = append(errs, "registry.maxConcurrentAgents must be positive")
	}
	if cfg.Lease.Driver != "sqlite" && cfg.Lease.Driver != "postgres" {
		errs = append(errs, "lease.driver must be sqlite or postgres")
	}
	if cfg.Lease.Driver == "postgres" {
		if cfg.Database.User == "" || cfg.Database.DBName == "" {
			errs = append(errs, "database.user and database.dbName are required when lease.driver is postgres")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
