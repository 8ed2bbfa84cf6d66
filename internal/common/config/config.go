// Package config provides configuration management for the rzapply coordinator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rzapply/rzapply/internal/common/logger"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Push     PushConfig     `mapstructure:"push"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// PublicURL is the externally reachable base URL used to build ws_url.
	// Empty means derive it from the incoming register request.
	PublicURL string `mapstructure:"publicUrl"`
}

// AuthConfig holds the optional shared bearer token.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// DispatchConfig controls delivery and long-poll behaviour.
type DispatchConfig struct {
	AckTimeout      int `mapstructure:"ackTimeout"`      // seconds to wait for task_ack
	LongPollDefault int `mapstructure:"longPollDefault"` // seconds
	LongPollMin     int `mapstructure:"longPollMin"`     // seconds
	LongPollMax     int `mapstructure:"longPollMax"`     // seconds
	PollIntervalMs  int `mapstructure:"pollIntervalMs"`  // long-poll tick
}

// AgentsConfig controls liveness tracking.
type AgentsConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds, advertised to agents
	ExpiryMultiplier  int `mapstructure:"expiryMultiplier"`  // 0 disables the sweep
	SweepInterval     int `mapstructure:"sweepInterval"`     // seconds
}

// PushConfig controls the WebSocket transport.
type PushConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// StorageConfig holds S3-compatible object storage settings.
type StorageConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"accessKey"`
	SecretKey     string `mapstructure:"secretKey"`
	Bucket        string `mapstructure:"bucket"`
	UseSSL        bool   `mapstructure:"useSSL"`
	PresignExpiry int    `mapstructure:"presignExpiry"` // seconds
}

// UploadsConfig controls the multipart enqueue endpoint.
type UploadsConfig struct {
	MaxSizeMB      int  `mapstructure:"maxSizeMB"`
	StageToStorage bool `mapstructure:"stageToStorage"`
}

// LoggingConfig is shared with the agent configuration.
type LoggingConfig = logger.LoggingConfig

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Enabled reports whether object storage is configured.
func (s *StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != ""
}

// PresignExpiryDuration returns the presigned URL lifetime.
func (s *StorageConfig) PresignExpiryDuration() time.Duration {
	return time.Duration(s.PresignExpiry) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	// Long-poll requests hold the connection for up to dispatch.longPollMax.
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 90)
	v.SetDefault("server.publicUrl", "")

	v.SetDefault("auth.token", "")

	v.SetDefault("dispatch.ackTimeout", 10)
	v.SetDefault("dispatch.longPollDefault", 25)
	v.SetDefault("dispatch.longPollMin", 1)
	v.SetDefault("dispatch.longPollMax", 60)
	v.SetDefault("dispatch.pollIntervalMs", 1000)

	v.SetDefault("agents.heartbeatInterval", 30)
	v.SetDefault("agents.expiryMultiplier", 3)
	v.SetDefault("agents.sweepInterval", 10)

	v.SetDefault("push.enabled", true)
	v.SetDefault("push.path", "/ws")

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "rzapply-server")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "rzapply")

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accessKey", "")
	v.SetDefault("storage.secretKey", "")
	v.SetDefault("storage.bucket", "rzapply-artifacts")
	v.SetDefault("storage.useSSL", false)
	v.SetDefault("storage.presignExpiry", 3600)

	v.SetDefault("uploads.maxSizeMB", 64)
	v.SetDefault("uploads.stageToStorage", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 10)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 30)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RZAPPLY_ with dots replaced by underscores.
// The config file is config.yaml in the current directory or /etc/rzapply/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RZAPPLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE.
	_ = v.BindEnv("auth.token", "RZAPPLY_AUTH_TOKEN", "RZAPPLY_AGENT_TOKEN")
	_ = v.BindEnv("server.publicUrl", "RZAPPLY_SERVER_PUBLIC_URL")
	_ = v.BindEnv("dispatch.ackTimeout", "RZAPPLY_DISPATCH_ACK_TIMEOUT")
	_ = v.BindEnv("dispatch.longPollDefault", "RZAPPLY_DISPATCH_LONG_POLL_DEFAULT")
	_ = v.BindEnv("agents.heartbeatInterval", "RZAPPLY_AGENTS_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("agents.expiryMultiplier", "RZAPPLY_AGENTS_EXPIRY_MULTIPLIER")
	_ = v.BindEnv("storage.accessKey", "RZAPPLY_STORAGE_ACCESS_KEY")
	_ = v.BindEnv("storage.secretKey", "RZAPPLY_STORAGE_SECRET_KEY")
	_ = v.BindEnv("uploads.stageToStorage", "RZAPPLY_UPLOADS_STAGE_TO_STORAGE")
	_ = v.BindEnv("logging.outputPath", "RZAPPLY_LOGGING_OUTPUT_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/rzapply/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Dispatch.AckTimeout <= 0 {
		errs = append(errs, "dispatch.ackTimeout must be positive")
	}
	if cfg.Dispatch.LongPollMin <= 0 {
		errs = append(errs, "dispatch.longPollMin must be positive")
	}
	if cfg.Dispatch.LongPollMax < cfg.Dispatch.LongPollMin {
		errs = append(errs, "dispatch.longPollMax must not be less than dispatch.longPollMin")
	}
	if cfg.Dispatch.PollIntervalMs <= 0 {
		errs = append(errs, "dispatch.pollIntervalMs must be positive")
	}

	if cfg.Agents.HeartbeatInterval <= 0 {
		errs = append(errs, "agents.heartbeatInterval must be positive")
	}
	if cfg.Agents.ExpiryMultiplier < 0 {
		errs = append(errs, "agents.expiryMultiplier must not be negative")
	}
	if cfg.Agents.ExpiryMultiplier > 0 && cfg.Agents.SweepInterval <= 0 {
		errs = append(errs, "agents.sweepInterval must be positive when expiry is enabled")
	}

	if cfg.Push.Enabled && !strings.HasPrefix(cfg.Push.Path, "/") {
		errs = append(errs, "push.path must start with /")
	}

	if cfg.Storage.Enabled() && cfg.Storage.Bucket == "" {
		errs = append(errs, "storage.bucket is required when storage.endpoint is set")
	}
	if cfg.Uploads.StageToStorage && !cfg.Storage.Enabled() {
		errs = append(errs, "uploads.stageToStorage requires storage.endpoint")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
