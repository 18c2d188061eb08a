package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media/mediatest"
	"github.com/petervdpas/goopcall/internal/session"
	"github.com/petervdpas/goopcall/internal/transport"
)

func TestNormalizeLocalViewer(t *testing.T) {
	tests := []struct {
		in, listen, url string
	}{
		{":8080", "127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"0.0.0.0:9000", "127.0.0.1:9000", "http://127.0.0.1:9000"},
		{" 127.0.0.1:8080 ", "127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"localhost:1234", "localhost:1234", "http://localhost:1234"},
	}
	for _, tt := range tests {
		listen, url, tcp := NormalizeLocalViewer(tt.in)
		assert.Equal(t, tt.listen, listen, tt.in)
		assert.Equal(t, tt.url, url, tt.in)
		assert.Equal(t, tt.listen, tcp, tt.in)
	}
}

func TestReloadAppliesNameAndInputs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := session.New(transport.NewMemoryNetwork().Peer("1111"), mediatest.NewDevices(), session.Options{DisplayName: "Alice"})
	_, err := sess.Start(ctx)
	require.NoError(t, err)

	rt := &runtime{sess: sess}
	rt.name.Store("Alice")

	cfg := config.Default()
	cfg.Identity.Name = "Alice B"
	cfg.Media.AudioInput = "usb-mic"
	cfg.Media.VideoInput = "usb-cam"
	cfg.Log.Level = "debug"
	rt.reload(ctx, cfg)

	assert.Equal(t, "Alice B", rt.selfName())
	audio, video, err := sess.Inputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "usb-mic", audio)
	assert.Equal(t, "usb-cam", video)

	cancel()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestReloadKeepsOverrides(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := session.New(transport.NewMemoryNetwork().Peer("1111"), mediatest.NewDevices(), session.Options{DisplayName: "Alice"})
	_, err := sess.Start(ctx)
	require.NoError(t, err)

	rt := &runtime{sess: sess, overlay: func(c *config.Config) {
		c.Identity.Name = "Flag Name"
		c.Log.Level = "debug"
	}}
	rt.name.Store("Flag Name")

	cfg := config.Default()
	cfg.Identity.Name = "File Name"
	cfg.Media.AudioInput = "usb-mic"
	rt.reload(ctx, cfg)
	assert.Equal(t, "Flag Name", rt.selfName())
	audio, _, err := sess.Inputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "usb-mic", audio)

	// An overlay that breaks validation skips the whole reload.
	rt.overlay = func(c *config.Config) { c.Log.Level = "loud" }
	cfg.Media.AudioInput = "default"
	rt.reload(ctx, cfg)
	assert.Equal(t, "Flag Name", rt.selfName())
	audio, _, err = sess.Inputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "usb-mic", audio)
}
