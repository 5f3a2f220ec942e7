package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, int8(0), cfg.Time.UTCOffset)
	assert.Equal(t, uint32(defaultSeedEpoch), cfg.Time.SeedEpoch)
	assert.Equal(t, 10*time.Second, cfg.Time.RefreshInterval)
	assert.Equal(t, 2*time.Second, cfg.Time.RefreshDelay)
	assert.False(t, cfg.BLE.Enabled)
	assert.Equal(t, 115200, cfg.BLE.Baud)
	assert.Equal(t, "ZephyrWatch", cfg.BLE.DeviceName)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.Listen)
	assert.Equal(t, "watchtwin.db", cfg.Store.Path)
	assert.Equal(t, "watchtwin", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "scripts", cfg.ScriptsDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.NoError(t, cfg.validate())
}

func TestParseConfigFull(t *testing.T) {
	data := []byte(`
time:
  utc_offset: -5
  seed_epoch: 1700000000
  refresh_interval: 1m
  refresh_delay: 500ms
ble:
  enabled: true
  port: /dev/ttyACM0
  baud: 1000000
  device_name: Wrist
web:
  listen: 0.0.0.0:9000
  api_key: secret
  allowed_origins: [http://localhost:3000]
store:
  path: /tmp/w.db
  history_limit: 16
mqtt:
  enabled: true
  broker: tcp://broker:1883
  topic_prefix: home/watch
log:
  level: debug
  format: json
scripts_dir: /etc/watchtwin/scripts
`)
	cfg, err := parseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, int8(-5), cfg.Time.UTCOffset)
	assert.Equal(t, uint32(1700000000), cfg.Time.SeedEpoch)
	assert.Equal(t, time.Minute, cfg.Time.RefreshInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Time.RefreshDelay)
	assert.True(t, cfg.BLE.Enabled)
	assert.Equal(t, "/dev/ttyACM0", cfg.BLE.Port)
	assert.Equal(t, 1000000, cfg.BLE.Baud)
	assert.Equal(t, "Wrist", cfg.BLE.DeviceName)
	assert.Equal(t, "0.0.0.0:9000", cfg.Web.Listen)
	assert.Equal(t, "secret", cfg.Web.APIKey)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Web.AllowedOrigins)
	assert.Equal(t, "/tmp/w.db", cfg.Store.Path)
	assert.Equal(t, 16, cfg.Store.HistoryLimit)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "home/watch", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "/etc/watchtwin/scripts", cfg.ScriptsDir)
	assert.NoError(t, cfg.validate())
}

func TestParseConfigErrors(t *testing.T) {
	_, err := parseConfig([]byte("time: {utc_offset: 200}"))
	assert.Error(t, err, "offset does not fit int8")

	_, err = parseConfig([]byte("time: {refresh_interval: soon}"))
	assert.Error(t, err)

	_, err = parseConfig([]byte("time: ["))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("time: {utc_offset: 3}\n"), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int8(3), cfg.Time.UTCOffset)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative refresh interval", func(c *Config) { c.Time.RefreshInterval = -1 }},
		{"negative refresh delay", func(c *Config) { c.Time.RefreshDelay = -time.Second }},
		{"ble without port", func(c *Config) { c.BLE.Enabled = true }},
		{"negative baud", func(c *Config) { c.BLE.Baud = -1 }},
		{"negative history limit", func(c *Config) { c.Store.HistoryLimit = -1 }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseConfig([]byte("{}"))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestNewLogHandler(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{}
	cfg.Log.Level = "WARN"
	cfg.Log.Format = "json"

	logger := slog.New(newLogHandler(cfg, &buf))
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown", "epoch", 42)
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"epoch":42`)

	buf.Reset()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "text"
	h := newLogHandler(cfg, &buf)
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	slog.New(h).Debug("tick")
	assert.Contains(t, buf.String(), "msg=tick")
}

func TestWebOptions(t *testing.T) {
	cfg, err := parseConfig([]byte("{}"))
	require.NoError(t, err)
	assert.Len(t, webOptions(cfg, nil), 1)

	cfg.Web.APIKey = "k"
	cfg.Web.AllowedOrigins = []string{"http://a"}
	assert.Len(t, webOptions(cfg, nil), 3)
}
