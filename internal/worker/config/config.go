// Package config loads the worker agent configuration from agent.yaml, a
// .env file and RZAPPLY_AGENT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rzapply/rzapply/internal/common/logger"
)

// Lower bounds applied to the timing settings, in seconds.
const (
	MinHeartbeat = 5
	MinPoll      = 5
	MinLongPoll  = 10
)

// Transport selection
const (
	TransportAuto = "auto"
	TransportWS   = "ws"
	TransportHTTP = "http"
)

// Headless selection
const (
	HeadlessAuto  = "auto"
	HeadlessTrue  = "true"
	HeadlessFalse = "false"
)

// Config holds all configuration for the worker agent.
type Config struct {
	Server     string               `mapstructure:"server"`
	Token      string               `mapstructure:"token"`
	Transport  string               `mapstructure:"transport"`
	Headless   string               `mapstructure:"headless"`
	Heartbeat  int                  `mapstructure:"heartbeat"` // seconds
	Poll       int                  `mapstructure:"poll"`      // seconds between failed polls
	LongPoll   int                  `mapstructure:"longPoll"`  // seconds a /task request may wait
	RuntimeDir string               `mapstructure:"runtimeDir"`
	StateFile  string               `mapstructure:"stateFile"`
	Register   RegisterConfig       `mapstructure:"register"`
	Uploader   UploaderConfig       `mapstructure:"uploader"`
	Artifacts  ArtifactsConfig      `mapstructure:"artifacts"`
	Service    ServiceConfig        `mapstructure:"service"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
}

// RegisterConfig controls the startup registration retry.
type RegisterConfig struct {
	MaxTries    uint `mapstructure:"maxTries"` // 0 retries until stopped
	MaxInterval int  `mapstructure:"maxInterval"`
}

// UploaderConfig describes the external submission program.
type UploaderConfig struct {
	Command   []string `mapstructure:"command"`
	Timeout   int      `mapstructure:"timeout"` // seconds, 0 means no limit
	OutputDir string   `mapstructure:"outputDir"`
	// Defaults is the base submission config that task overrides merge onto.
	Defaults map[string]interface{} `mapstructure:"defaults"`
}

// ArtifactsConfig selects where produced files are published.
type ArtifactsConfig struct {
	Backend string      `mapstructure:"backend"` // "" keeps local paths, "minio" uploads
	MinIO   MinIOConfig `mapstructure:"minio"`
}

// MinIOConfig holds S3-compatible storage settings for artifact upload.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"useSSL"`
}

// ServiceConfig names the OS service installed by "rzapply-agent service install".
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	DisplayName string `mapstructure:"displayName"`
	Description string `mapstructure:"description"`
}

// HeartbeatInterval returns the heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat) * time.Second
}

// PollInterval returns the wait after a failed poll.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll) * time.Second
}

// LongPollTimeout returns how long one /task request may wait.
func (c *Config) LongPollTimeout() time.Duration {
	return time.Duration(c.LongPoll) * time.Second
}

// UploaderTimeout returns the per-task execution limit, zero when unbounded.
func (c *Config) UploaderTimeout() time.Duration {
	return time.Duration(c.Uploader.Timeout) * time.Second
}

// DefaultHeadless resolves the headless setting. "auto" is headless when
// no display is available.
func (c *Config) DefaultHeadless() bool {
	switch strings.ToLower(c.Headless) {
	case HeadlessTrue:
		return true
	case HeadlessFalse:
		return false
	}
	return os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server", "http://localhost:8000")
	v.SetDefault("token", "")
	v.SetDefault("transport", TransportAuto)
	v.SetDefault("headless", HeadlessAuto)
	v.SetDefault("heartbeat", 30)
	v.SetDefault("poll", 5)
	v.SetDefault("longPoll", 50)
	v.SetDefault("runtimeDir", "agent_runtime")
	v.SetDefault("stateFile", "agent_state.json")

	v.SetDefault("register.maxTries", 0)
	v.SetDefault("register.maxInterval", 60)

	v.SetDefault("uploader.command", []string{})
	v.SetDefault("uploader.timeout", 1800)
	v.SetDefault("uploader.outputDir", "output")

	v.SetDefault("artifacts.backend", "")
	v.SetDefault("artifacts.minio.endpoint", "")
	v.SetDefault("artifacts.minio.accessKey", "")
	v.SetDefault("artifacts.minio.secretKey", "")
	v.SetDefault("artifacts.minio.bucket", "rzapply-artifacts")
	v.SetDefault("artifacts.minio.useSSL", false)

	v.SetDefault("service.name", "rzapply-agent")
	v.SetDefault("service.displayName", "RZApply Agent")
	v.SetDefault("service.description", "Runs rzapply submission tasks for the coordinator")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 10)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 30)
}

// Load reads the agent configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads agent.yaml from configPath (or ., /etc/rzapply/), then
// applies .env and environment overrides.
func LoadWithPath(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RZAPPLY_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("headless", "RZAPPLY_AGENT_HEADLESS", "RZAPPLY_HEADLESS")
	_ = v.BindEnv("longPoll", "RZAPPLY_AGENT_LONG_POLL")
	_ = v.BindEnv("runtimeDir", "RZAPPLY_AGENT_RUNTIME")
	_ = v.BindEnv("stateFile", "RZAPPLY_AGENT_STATE_FILE")
	_ = v.BindEnv("uploader.outputDir", "RZAPPLY_AGENT_UPLOADER_OUTPUT_DIR")
	_ = v.BindEnv("artifacts.minio.accessKey", "RZAPPLY_AGENT_ARTIFACTS_MINIO_ACCESS_KEY")
	_ = v.BindEnv("artifacts.minio.secretKey", "RZAPPLY_AGENT_ARTIFACTS_MINIO_SECRET_KEY")
	_ = v.BindEnv("artifacts.minio.useSSL", "RZAPPLY_AGENT_ARTIFACTS_MINIO_USE_SSL")
	_ = v.BindEnv("logging.outputPath", "RZAPPLY_AGENT_LOGGING_OUTPUT_PATH")

	v.SetConfigName("agent")
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
	// A single env string such as "python3 run.py" becomes argv.
	if len(cfg.Uploader.Command) == 1 {
		cfg.Uploader.Command = strings.Fields(cfg.Uploader.Command[0])
	}

	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// normalize applies the timing minimums and trims the server URL.
func normalize(cfg *Config) {
	cfg.Server = strings.TrimRight(strings.TrimSpace(cfg.Server), "/")
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	cfg.Headless = strings.ToLower(strings.TrimSpace(cfg.Headless))
	cfg.Artifacts.Backend = strings.ToLower(strings.TrimSpace(cfg.Artifacts.Backend))

	if cfg.Heartbeat < MinHeartbeat {
		cfg.Heartbeat = MinHeartbeat
	}
	if cfg.Poll < MinPoll {
		cfg.Poll = MinPoll
	}
	if cfg.LongPoll < MinLongPoll {
		cfg.LongPoll = MinLongPoll
	}
}

func validate(cfg *Config) error {
	var errs []string

	if !strings.HasPrefix(cfg.Server, "http://") && !strings.HasPrefix(cfg.Server, "https://") {
		errs = append(errs, "server must be an http(s) URL")
	}
	switch cfg.Transport {
	case TransportAuto, TransportWS, TransportHTTP:
	default:
		errs = append(errs, "transport must be one of: auto, ws, http")
	}
	switch cfg.Headless {
	case HeadlessAuto, HeadlessTrue, HeadlessFalse:
	default:
		errs = append(errs, "headless must be one of: auto, true, false")
	}
	if cfg.RuntimeDir == "" {
		errs = append(errs, "runtimeDir is required")
	}
	if cfg.StateFile == "" {
		errs = append(errs, "stateFile is required")
	}
	switch cfg.Artifacts.Backend {
	case "":
	case "minio":
		if cfg.Artifacts.MinIO.Endpoint == "" {
			errs = append(errs, "artifacts.minio.endpoint is required when artifacts.backend is minio")
		}
	default:
		errs = append(errs, "artifacts.backend must be empty or minio")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
