// Package app wires one peer process: identity, libp2p transport, capture
// devices, the session loop and the local control API.
package app

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/session"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var log = logging.Logger("goopcall/app")

type Options struct {
	PeerDir string
	CfgPath string // empty disables hot reload
	Cfg     config.Config

	// Overlay re-applies flag and environment values to every reloaded
	// config, so they keep winning over the file.
	Overlay func(*config.Config)
}

// Run starts the peer and blocks until ctx is cancelled and the session has
// shut down.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	stdlog.SetOutput(io.MultiWriter(os.Stderr, logBuf))
	stop := logBuf.CaptureSubsystems()
	defer stop()

	cfg := opt.Cfg
	setLogLevel(cfg.Log.Level)
	logBanner(opt.PeerDir, opt.CfgPath)

	devices, err := media.NewDevices(media.DeviceOptions{
		MaxWidth:     cfg.Media.VideoMaxWidth,
		MaxHeight:    cfg.Media.VideoMaxHeight,
		VideoBitRate: cfg.Media.VideoBitRate,
	})
	if err != nil {
		return fmt.Errorf("open capture devices: %w", err)
	}

	rt := &runtime{overlay: opt.Overlay}
	rt.name.Store(cfg.Identity.Name)

	peers := state.NewPeerTable()
	nodeOpts := p2p.Options{
		ListenPort:  cfg.P2P.ListenPort,
		KeyFile:     util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
		MdnsTag:     cfg.P2P.MdnsTag,
		Topic:       cfg.Presence.Topic,
		SelfName:    rt.selfName,
		Peers:       peers,
		PresenceTTL: util.SecondsOr(cfg.Presence.TTLSec, 0),
		STUNServers: cfg.Call.STUNServers,
	}
	if cr, ok := devices.(p2p.CodecRegistrar); ok {
		nodeOpts.Codecs = cr
	}
	node, err := p2p.New(ctx, nodeOpts)
	if err != nil {
		return err
	}

	rt.sess = session.New(node, devices, session.Options{
		DisplayName:    cfg.Identity.Name,
		ConnectTimeout: util.SecondsOr(cfg.Call.ConnectTimeoutSec, 0),
		RingTimeout:    util.SecondsOr(cfg.Call.AnswerTimeoutSec, 0),
		AudioInput:     cfg.Media.AudioInput,
		VideoInput:     cfg.Media.VideoInput,
		ChatBuffer:     cfg.Call.ChatBuffer,
	})
	self, err := rt.sess.Start(ctx)
	if err != nil {
		_ = node.Close()
		return fmt.Errorf("start session: %w", err)
	}
	log.Infof("peer id: %s (%s)", self.ID, self.DisplayName)

	node.RunPresenceLoop(ctx, func(m proto.PresenceMsg) {
		log.Debugf("[%s] %s -> %q", m.Type, m.PeerID, m.Name)
	})
	node.RunHeartbeat(ctx, util.SecondsOr(cfg.Presence.HeartbeatSec, 0))

	if cfg.Viewer.HTTPAddr != "" {
		addr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		if _, err := viewer.Start(ctx, addr, viewer.Viewer{
			Session: rt.sess,
			Peers:   peers,
			Logs:    logBuf,
		}); err != nil {
			log.Errorf("viewer disabled: %v", err)
		} else {
			log.Infof("control API: %s", url)
		}
	}

	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			rt.reload(ctx, next)
		}); err != nil {
			log.Warnf("config hot reload disabled: %v", err)
		}
	}

	<-rt.sess.Done()
	log.Info("peer stopped")
	return nil
}

// runtime holds what a config reload may touch while the peer runs.
type runtime struct {
	sess    *session.Orchestrator
	name    atomic.Value // string
	overlay func(*config.Config)
}

func (r *runtime) selfName() string {
	s, _ := r.name.Load().(string)
	return s
}

// reload applies the parts of a changed config that take effect without a
// restart: the announced name, the log level and the preferred inputs.
// The session keeps the display name it handshakes with until restart.
func (r *runtime) reload(ctx context.Context, cfg config.Config) {
	if r.overlay != nil {
		r.overlay(&cfg)
		if err := cfg.Validate(); err != nil {
			log.Warnf("config reload skipped: %v", err)
			return
		}
	}
	if cfg.Identity.Name != r.selfName() {
		r.name.Store(cfg.Identity.Name)
		log.Infof("presence name is now %q", cfg.Identity.Name)
	}
	setLogLevel(cfg.Log.Level)

	audio, video, err := r.sess.Inputs(ctx)
	if err != nil {
		log.Warnf("reload inputs: %v", err)
		return
	}
	if cfg.Media.AudioInput != "" && cfg.Media.AudioInput != audio {
		if err := r.sess.ChangeAudioInput(ctx, cfg.Media.AudioInput); err != nil {
			log.Warnf("switch microphone to %s: %v", cfg.Media.AudioInput, err)
		}
	}
	if cfg.Media.VideoInput != "" && cfg.Media.VideoInput != video {
		if err := r.sess.ChangeVideoInput(ctx, cfg.Media.VideoInput); err != nil {
			log.Warnf("switch camera to %s: %v", cfg.Media.VideoInput, err)
		}
	}
}

func setLogLevel(level string) {
	if level == "" {
		return
	}
	if err := logging.SetLogLevelRegex("goopcall/.*", level); err != nil {
		log.Warnf("log level %q: %v", level, err)
	}
}
