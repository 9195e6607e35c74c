package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	require := require.New(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(err)
	require.Equal(DefaultGRPCAddr, cfg.Core.GRPCAddr)
	require.Equal(DefaultHTTPAddr, cfg.Core.HTTPAddr)
	require.Equal(DefaultMQTTBaseTopic, cfg.MQTT.BaseTopic)
	require.Equal(DefaultMQTTDiscoveryTopic, cfg.MQTT.DiscoveryTopic)
	require.Equal(DefaultPollIntervalSeconds, cfg.Roborock.PollIntervalSeconds)
	require.False(cfg.Roborock.Enabled)
	require.Empty(EnabledPlugins(cfg))
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
log_level: debug
mqtt:
  enabled: true
  host: broker.lan
  base_topic: Vacuums
roborock:
  enabled: true
  bootstrap_file: /tmp/roborock.json
  cloud_fallback: true
  poll_interval_seconds: 15
  poll_timeout_seconds: 5
  device_ip_overrides:
    - duid: 1AbCdEf
      ip: 192.168.1.40
`)
	cfg, err := Load(path)
	require.NoError(err)
	require.True(cfg.MQTT.Enabled)
	require.Equal("broker.lan", cfg.MQTT.Host)
	require.Equal(DefaultMQTTPort, cfg.MQTT.Port)
	require.Equal("vacuums", cfg.MQTT.BaseTopic)
	require.True(cfg.Roborock.CloudFallback)
	require.Equal(map[string]string{"1AbCdEf": "192.168.1.40"}, cfg.Roborock.IPOverrides())
	require.Equal(map[string]bool{"roborock": true}, EnabledPlugins(cfg))

	level, err := ParseLogLevel(cfg.LogLevel)
	require.NoError(err)
	require.Equal(zapcore.DebugLevel, level)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GOHOME_CORE_GRPC_ADDR", "127.0.0.1:9100")
	t.Setenv("GOHOME_MQTT_HOST", "env-broker")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", cfg.Core.GRPCAddr)
	assert.Equal(t, "env-broker", cfg.MQTT.Host)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"mqtt without host": "mqtt:\n  enabled: true\n",
		"short poll":        "roborock:\n  enabled: true\n  poll_interval_seconds: 1\n",
		"timeout too long":  "roborock:\n  enabled: true\n  poll_interval_seconds: 10\n  poll_timeout_seconds: 20\n",
		"blob without key":  "blob:\n  endpoint: https://s3.lan\n  bucket: gohome\n",
		"bad topic":         "mqtt:\n  base_topic: a/b\n",
		"bad log level":     "log_level: loud\n",
		"bad schema":        "schema_version: 2\n",
		"override no ip":    "roborock:\n  enabled: true\n  device_ip_overrides:\n    - duid: abc\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestCheckMQTTTopic(t *testing.T) {
	topic, err := CheckMQTTTopic("Home_Assistant")
	require.NoError(t, err)
	assert.Equal(t, "home_assistant", topic)

	_, err = CheckMQTTTopic("home/assistant")
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	cfg := Config{MQTT: MQTTConfig{Username: "user", Password: "secret"}}
	redacted := cfg.Redacted()
	assert.Equal(t, "*redacted*", redacted.MQTT.Password)
	assert.Equal(t, "secret", cfg.MQTT.Password)
}
