package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advbet/ssesignal"
)

func envMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, "*", cfg.Origin)
	assert.Equal(t, Duration(time.Second), cfg.Interval)
	assert.Empty(t, cfg.Database)
	assert.Equal(t, ssesignal.DefaultConfig, cfg.hubConfig())
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
addr: ":8080"
interval: 250ms
database: signals.db
log:
  level: debug
  format: json
sse:
  lifetime: 1m
  history: 10
  history_ttl: 30s
`)

	cfg, err := loadConfig(path, envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.Interval)
	assert.Equal(t, "signals.db", cfg.Database)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)

	hub := cfg.hubConfig()
	assert.Equal(t, time.Minute, hub.Lifetime)
	assert.Equal(t, 10, hub.HistorySize)
	assert.Equal(t, 30*time.Second, hub.HistoryTTL)
	// missing keys keep defaults
	assert.Equal(t, ssesignal.DefaultConfig.QueueLength, hub.QueueLength)
	assert.Equal(t, ssesignal.DefaultConfig.KeepAlive, hub.KeepAlive)
	assert.Equal(t, "*", cfg.Origin)
}

func TestLoadConfigEnv(t *testing.T) {
	path := writeConfig(t, "addr: \":8080\"\ninterval: 2s\n")

	cfg, err := loadConfig(path, envMap(map[string]string{
		"SSESIGNAL_ADDR":         ":9090",
		"SSESIGNAL_INTERVAL":     "5s",
		"SSESIGNAL_LOG_LEVEL":    "warn",
		"SSESIGNAL_SSE_HISTORY":  "0",
		"SSESIGNAL_SSE_LIFETIME": "10s",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, Duration(5*time.Second), cfg.Interval)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 0, cfg.SSE.HistorySize)
	assert.Equal(t, Duration(10*time.Second), cfg.SSE.Lifetime)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		msg  string
		path string
		env  map[string]string
	}{
		{msg: "missing file", path: filepath.Join(t.TempDir(), "missing.yaml")},
		{msg: "invalid duration", path: writeConfig(t, "interval: often\n")},
		{msg: "invalid yaml", path: writeConfig(t, "addr: [\n")},
		{msg: "invalid env duration", env: map[string]string{"SSESIGNAL_INTERVAL": "often"}},
		{msg: "invalid env history", env: map[string]string{"SSESIGNAL_SSE_HISTORY": "many"}},
	}

	for _, test := range tests {
		t.Run(test.msg, func(t *testing.T) {
			_, err := loadConfig(test.path, envMap(test.env))
			assert.Error(t, err)
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := defaultFileConfig()
	cfg.Log = LogConfig{Level: "debug", Format: "json"}

	var buf bytes.Buffer
	log, err := cfg.logger(&buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("signal", "counter").Debug("published")
	assert.Contains(t, buf.String(), `"signal":"counter"`)

	cfg.Log.Format = "xml"
	_, err = cfg.logger(&buf)
	assert.Error(t, err)

	cfg.Log = LogConfig{Level: "loud"}
	_, err = cfg.logger(&buf)
	assert.Error(t, err)
}
