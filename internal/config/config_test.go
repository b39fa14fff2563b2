package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultMaxFrameSize, cfg.MaxFrameSize)
	assert.Equal(t, DefaultIngressRing, cfg.IngressRing)
	assert.Equal(t, DefaultEgressRing, cfg.EgressRing)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultMaxConns, cfg.MaxConnections)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)
	assert.Equal(t, DefaultDegradedGrace, cfg.DegradedGrace)
	assert.False(t, cfg.EchoToSender)
	assert.Equal(t, 100, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CHATFLOW_LISTEN_ADDR", ":9999")
	t.Setenv("CHATFLOW_WORKERS", "16")
	t.Setenv("CHATFLOW_IDLE_TIMEOUT", "90s")
	t.Setenv("CHATFLOW_ECHO_TO_SENDER", "true")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.True(t, cfg.EchoToSender)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatflow.yaml")
	content := []byte("listen_addr: \":7070\"\nworkers: 2\negress_ring: 512\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	v := viper.New()
	v.Set("config", path)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 512, cfg.EgressRing)
	// Unset keys keep their defaults.
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
}

func TestLoadMissingFileFails(t *testing.T) {
	v := viper.New()
	v.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load(v)
	assert.Error(t, err)
}

func TestSanitizeClampsOutOfRangeValues(t *testing.T) {
	t.Setenv("CHATFLOW_WORKERS", "-3")
	t.Setenv("CHATFLOW_MAX_FRAME_SIZE", "0")
	t.Setenv("CHATFLOW_RATE_LIMIT_BURST", "-1")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultMaxFrameSize, cfg.MaxFrameSize)
	assert.Equal(t, 100, cfg.RateLimit.Burst)
}

func TestNewMatchesDefaults(t *testing.T) {
	cfg := New()
	loaded, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, loaded, cfg)
}
