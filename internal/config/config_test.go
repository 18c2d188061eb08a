package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no key file", func(c *Config) { c.Identity.KeyFile = " " }, "identity.key_file is required"},
		{"name with newline", func(c *Config) { c.Identity.Name = "a\nb" }, "identity.name"},
		{"port", func(c *Config) { c.P2P.ListenPort = 70000 }, "p2p.listen_port must be 0..65535"},
		{"heartbeat", func(c *Config) { c.Presence.HeartbeatSec = 20 }, "presence.heartbeat_seconds must be < presence.ttl_seconds"},
		{"connect timeout", func(c *Config) { c.Call.ConnectTimeoutSec = 0 }, "call.connect_timeout_seconds must be > 0"},
		{"stun", func(c *Config) { c.Call.STUNServers = []string{"turn:x"} }, "call.stun_servers"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateTrimsName(t *testing.T) {
	cfg := Default()
	cfg.Identity.Name = "  Alice "
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "Alice", cfg.Identity.Name)
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"name":"Bob"},"media":{"audio_input":"hw:1"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Bob", cfg.Identity.Name)
	assert.Equal(t, "hw:1", cfg.Media.AudioInput)
	assert.Equal(t, 640, cfg.Media.VideoMaxWidth)
	assert.Equal(t, "data/identity.key", cfg.Identity.KeyFile)
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer", "goopcall.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	cfg.Identity.Name = "Carol"
	require.NoError(t, Save(path, cfg))

	cfg, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Carol", cfg.Identity.Name)
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Presence.TTLSec = 0
	assert.Error(t, Save(filepath.Join(t.TempDir(), "c.json"), cfg))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	_, _, err := Ensure(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	cfg := Default()
	cfg.Media.VideoInput = "usb-cam"
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		assert.Equal(t, "usb-cam", c.Media.VideoInput)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}
