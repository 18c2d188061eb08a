package session

import (
	"context"
	"errors"
	"strings"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signal"
)

var ErrEmptyMessage = errors.New("session: empty message")

type result[T any] struct {
	val T
	err error
}

// ask runs fn on the loop and waits until it calls reply. reply may be called
// later from a continuation; only the first call counts. The value travels
// with the reply, so nothing is shared with a caller that gave up.
func ask[T any](o *Orchestrator, ctx context.Context, fn func(reply func(T, error))) (T, error) {
	var zero T
	if o.reg == nil {
		return zero, ErrNotStarted
	}
	res := make(chan result[T], 1)
	reply := func(v T, err error) {
		select {
		case res <- result[T]{v, err}:
		default:
		}
	}
	select {
	case o.cmds <- func() { fn(reply) }:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-o.done:
		return zero, ErrClosed
	}
	select {
	case r := <-res:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-o.done:
		select {
		case r := <-res:
			return r.val, r.err
		default:
			return zero, ErrClosed
		}
	}
}

// do is ask for commands without a result.
func (o *Orchestrator) do(ctx context.Context, fn func(reply func(error))) error {
	_, err := ask(o, ctx, func(reply func(struct{}, error)) {
		fn(func(err error) { reply(struct{}{}, err) })
	})
	return err
}

// ConnectToPeer opens a data connection to remoteID and waits for the
// handshake.
func (o *Orchestrator) ConnectToPeer(ctx context.Context, remoteID string) (peer.ConnectionInfo, error) {
	return ask(o, ctx, func(reply func(peer.ConnectionInfo, error)) {
		o.reg.Connect(remoteID, func(c *peer.Connection, err error) {
			var info peer.ConnectionInfo
			if c != nil {
				info = c.Info()
			}
			reply(info, err)
		})
	})
}

// ClosePeer drops the connection to remoteID.
func (o *Orchestrator) ClosePeer(ctx context.Context, remoteID string) error {
	return o.do(ctx, func(reply func(error)) {
		o.reg.Close(remoteID)
		reply(nil)
	})
}

// SendMessage sends a chat text and records it locally.
func (o *Orchestrator) SendMessage(ctx context.Context, remoteID, text string) (*chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	return ask(o, ctx, func(reply func(*chat.Message, error)) {
		if err := o.reg.Send(remoteID, signal.Text{Content: text}); err != nil {
			reply(nil, err)
			return
		}
		reply(o.chats.Sent(remoteID, text), nil)
	})
}

func (o *Orchestrator) StartCall(ctx context.Context, remoteID string, video bool) error {
	return o.do(ctx, func(reply func(error)) {
		o.calls.StartCall(remoteID, video, reply)
	})
}

func (o *Orchestrator) AnswerCall(ctx context.Context, video bool) error {
	return o.do(ctx, func(reply func(error)) {
		o.calls.AnswerCall(video, reply)
	})
}

func (o *Orchestrator) RejectCall(ctx context.Context, reason, message string) error {
	return o.do(ctx, func(reply func(error)) {
		reply(o.calls.RejectCall(reason, message))
	})
}

func (o *Orchestrator) EndCall(ctx context.Context) error {
	return o.do(ctx, func(reply func(error)) {
		o.calls.EndCall()
		reply(nil)
	})
}

// ToggleMute returns the new muted flag.
func (o *Orchestrator) ToggleMute(ctx context.Context) (bool, error) {
	return ask(o, ctx, func(reply func(bool, error)) {
		reply(o.calls.ToggleMute())
	})
}

// ToggleHold returns the new on-hold flag.
func (o *Orchestrator) ToggleHold(ctx context.Context) (bool, error) {
	return ask(o, ctx, func(reply func(bool, error)) {
		reply(o.calls.ToggleHold())
	})
}

// ToggleVideo returns the new camera flag.
func (o *Orchestrator) ToggleVideo(ctx context.Context) (bool, error) {
	return ask(o, ctx, func(reply func(bool, error)) {
		o.calls.ToggleVideo(reply)
	})
}

func (o *Orchestrator) ChangeAudioInput(ctx context.Context, deviceID string) error {
	return o.do(ctx, func(reply func(error)) {
		o.calls.ChangeInput(media.KindAudio, deviceID, reply)
	})
}

func (o *Orchestrator) ChangeVideoInput(ctx context.Context, deviceID string) error {
	return o.do(ctx, func(reply func(error)) {
		o.calls.ChangeInput(media.KindVideo, deviceID, reply)
	})
}

// CallState returns a snapshot of the call session.
func (o *Orchestrator) CallState(ctx context.Context) (call.Snapshot, error) {
	return ask(o, ctx, func(reply func(call.Snapshot, error)) {
		reply(o.calls.Snapshot(), nil)
	})
}

// Connections lists the data connections.
func (o *Orchestrator) Connections(ctx context.Context) ([]peer.ConnectionInfo, error) {
	return ask(o, ctx, func(reply func([]peer.ConnectionInfo, error)) {
		reply(o.reg.Snapshot(), nil)
	})
}

// Inputs returns the preferred capture devices.
func (o *Orchestrator) Inputs(ctx context.Context) (audio, video string, err error) {
	in, err := ask(o, ctx, func(reply func([2]string, error)) {
		a, v := o.calls.Inputs()
		reply([2]string{a, v}, nil)
	})
	return in[0], in[1], err
}
