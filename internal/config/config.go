package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const (
	SchemaVersion              = 1
	DefaultPath                = "/etc/gohome/config.yaml"
	DefaultGRPCAddr            = "0.0.0.0:9000"
	DefaultHTTPAddr            = "0.0.0.0:8080"
	DefaultDashboardDir        = "/var/lib/gohome/dashboards"
	DefaultBootstrapFile       = "/var/lib/gohome/roborock.json"
	DefaultBlobPrefix          = "gohome/bootstrap"
	DefaultPollIntervalSeconds = 30
	DefaultPollTimeoutSeconds  = 10
	DefaultMQTTPort            = 1883
	DefaultMQTTBaseTopic       = "gohome"
	DefaultMQTTDiscoveryTopic  = "homeassistant"

	envPrefix = "gohome"
)

var topicPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Config is the daemon configuration.
type Config struct {
	SchemaVersion int    `mapstructure:"schema_version"`
	LogLevel      string `mapstructure:"log_level"`

	Core     CoreConfig     `mapstructure:"core"`
	Blob     BlobConfig     `mapstructure:"blob"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Roborock RoborockConfig `mapstructure:"roborock"`
}

type CoreConfig struct {
	GRPCAddr     string `mapstructure:"grpc_addr"`
	HTTPAddr     string `mapstructure:"http_addr"`
	DashboardDir string `mapstructure:"dashboard_dir"`
}

// BlobConfig points at S3-compatible storage for bootstrap state. Leaving the
// endpoint empty keeps state on the local filesystem.
type BlobConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	Bucket        string `mapstructure:"bucket"`
	Prefix        string `mapstructure:"prefix"`
	Region        string `mapstructure:"region"`
	AccessKeyFile string `mapstructure:"access_key_file"`
	SecretKeyFile string `mapstructure:"secret_key_file"`
}

func (b BlobConfig) Enabled() bool {
	return b.Endpoint != ""
}

type MQTTConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	BaseTopic      string `mapstructure:"base_topic"`
	DiscoveryTopic string `mapstructure:"discovery_topic"`
}

type RoborockConfig struct {
	Enabled             bool               `mapstructure:"enabled"`
	BootstrapFile       string             `mapstructure:"bootstrap_file"`
	CloudFallback       bool               `mapstructure:"cloud_fallback"`
	DeviceIPOverrides   []DeviceIPOverride `mapstructure:"device_ip_overrides"`
	PollIntervalSeconds int                `mapstructure:"poll_interval_seconds"`
	PollTimeoutSeconds  int                `mapstructure:"poll_timeout_seconds"`
}

// DeviceIPOverride pins a device to a fixed address. It is a list entry
// rather than a map because viper lowercases map keys and DUIDs are case sensitive.
type DeviceIPOverride struct {
	DUID string `mapstructure:"duid"`
	IP   string `mapstructure:"ip"`
}

func (r RoborockConfig) IPOverrides() map[string]string {
	out := make(map[string]string, len(r.DeviceIPOverrides))
	for _, o := range r.DeviceIPOverrides {
		out[o.DUID] = o.IP
	}
	return out
}

// Load reads the YAML file at path (optional), applies GOHOME_* environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := normalize(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("schema_version", SchemaVersion)
	v.SetDefault("log_level", "info")
	v.SetDefault("core.grpc_addr", DefaultGRPCAddr)
	v.SetDefault("core.http_addr", DefaultHTTPAddr)
	v.SetDefault("core.dashboard_dir", DefaultDashboardDir)
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.prefix", DefaultBlobPrefix)
	v.SetDefault("blob.region", "")
	v.SetDefault("blob.access_key_file", "")
	v.SetDefault("blob.secret_key_file", "")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.host", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.port", DefaultMQTTPort)
	v.SetDefault("mqtt.base_topic", DefaultMQTTBaseTopic)
	v.SetDefault("mqtt.discovery_topic", DefaultMQTTDiscoveryTopic)
	v.SetDefault("roborock.enabled", false)
	v.SetDefault("roborock.bootstrap_file", DefaultBootstrapFile)
	v.SetDefault("roborock.cloud_fallback", false)
	v.SetDefault("roborock.poll_interval_seconds", DefaultPollIntervalSeconds)
	v.SetDefault("roborock.poll_timeout_seconds", DefaultPollTimeoutSeconds)
}

func normalize(cfg *Config) error {
	var err error
	cfg.MQTT.BaseTopic, err = CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return fmt.Errorf("mqtt.base_topic: %w", err)
	}
	cfg.MQTT.DiscoveryTopic, err = CheckMQTTTopic(cfg.MQTT.DiscoveryTopic)
	if err != nil {
		return fmt.Errorf("mqtt.discovery_topic: %w", err)
	}
	return nil
}

// Validate enforces invariants the defaults cannot guarantee.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}
	if cfg.Blob.Enabled() {
		if cfg.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required")
		}
		if cfg.Blob.AccessKeyFile == "" {
			return fmt.Errorf("blob.access_key_file is required")
		}
		if cfg.Blob.SecretKeyFile == "" {
			return fmt.Errorf("blob.secret_key_file is required")
		}
	}
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Host == "" {
			return fmt.Errorf("mqtt.host is required")
		}
		if cfg.MQTT.Port <= 0 || cfg.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be between 1 and 65535")
		}
	}
	if cfg.Roborock.Enabled {
		if cfg.Roborock.BootstrapFile == "" {
			return fmt.Errorf("roborock.bootstrap_file is required")
		}
		for _, o := range cfg.Roborock.DeviceIPOverrides {
			if o.DUID == "" || o.IP == "" {
				return fmt.Errorf("roborock.device_ip_overrides entries need duid and ip")
			}
		}
		if cfg.Roborock.PollIntervalSeconds < 5 {
			return fmt.Errorf("roborock.poll_interval_seconds should be >= 5")
		}
		if cfg.Roborock.PollTimeoutSeconds <= 0 || cfg.Roborock.PollTimeoutSeconds > cfg.Roborock.PollIntervalSeconds {
			return fmt.Errorf("roborock.poll_timeout_seconds must be > 0 and <= poll_interval_seconds")
		}
	}
	return nil
}

// EnabledPlugins maps enabled plugin IDs.
func EnabledPlugins(cfg *Config) map[string]bool {
	enabled := make(map[string]bool)
	if cfg == nil {
		return enabled
	}
	if cfg.Roborock.Enabled {
		enabled["roborock"] = true
	}
	return enabled
}

// ParseLogLevel maps the configured level name to a zap level.
func ParseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log_level %q", level)
	}
}

// CheckMQTTTopic lowercases a topic segment and rejects anything outside [a-z0-9_].
func CheckMQTTTopic(topic string) (string, error) {
	lower := strings.ToLower(topic)
	if !topicPattern.MatchString(lower) {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lower, nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.MQTT.Password != "" {
		c.MQTT.Password = "*redacted*"
	}
	if c.MQTT.Username != "" {
		c.MQTT.Username = "*redacted*"
	}
	return c
}
