package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg := Load()

	assert.Equal(t, defaultAPIAddr, cfg.APIAddr)
	assert.Equal(t, defaultRedisAddr, cfg.RedisAddr)
	assert.Equal(t, defaultRoomTTLSec, cfg.RoomTTL)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 300*time.Millisecond, cfg.SeekCoalesceWindow)
	assert.Equal(t, 2.0, cfg.DriftTolerance)
	assert.Equal(t, WriteModeCAS, cfg.WriteMode)
}

func TestLoadFileFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
api_addr: ":9090"
heartbeat_interval: 2s
playback_write_mode: lww
cors_allowed_origins:
  - https://listen.example.com
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.APIAddr)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, WriteModeLWW, cfg.WriteMode)
	assert.Equal(t, []string{"https://listen.example.com"}, cfg.AllowedOrigin)
	assert.Equal(t, defaultRedisAddr, cfg.RedisAddr)
}

func TestLoadFileRejectsInvalidMode(t *testing.T) {
	path := writeConfig(t, "playback_write_mode: maybe\n")

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileRejectsBadIntervals(t *testing.T) {
	cases := map[string]string{
		"zero server time interval":     "server_time_interval: 0s\n",
		"negative server time interval": "server_time_interval: -1s\n",
		"negative seek window":          "seek_coalesce_window: -1s\n",
		"zero heartbeat":                "heartbeat_interval: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	cfg, err := LoadFile(writeConfig(t, "seek_coalesce_window: 0s\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.SeekCoalesceWindow)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "redis_addr: file:6379\nroom_ttl_sec: 10\n")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_ADDR", "env:6379")
	t.Setenv("SEEK_COALESCE_WINDOW", "150ms")
	t.Setenv("DRIFT_TOLERANCE_SEC", "1.5")

	cfg := Load()

	assert.Equal(t, "env:6379", cfg.RedisAddr)
	assert.Equal(t, 10, cfg.RoomTTL)
	assert.Equal(t, 150*time.Millisecond, cfg.SeekCoalesceWindow)
	assert.Equal(t, 1.5, cfg.DriftTolerance)
}

func TestEnvHelpersFallback(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		run  func() any
		want any
	}{
		{"int invalid", "X_INT", "abc", func() any { return envInt("X_INT", 7) }, 7},
		{"int valid", "X_INT", "42", func() any { return envInt("X_INT", 7) }, 42},
		{"duration invalid", "X_DUR", "soon", func() any { return envDuration("X_DUR", time.Second) }, time.Second},
		{"duration negative", "X_DUR", "-1s", func() any { return envDuration("X_DUR", time.Second) }, time.Second},
		{"bool valid", "X_BOOL", "true", func() any { return envBool("X_BOOL", false) }, true},
		{"csv blanks", "X_CSV", " , ,", func() any { return envCSV("X_CSV", []string{"d"}) }, []string{"d"}},
		{"csv values", "X_CSV", "a, b", func() any { return envCSV("X_CSV", nil) }, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			assert.Equal(t, tt.want, tt.run())
		})
	}
}
