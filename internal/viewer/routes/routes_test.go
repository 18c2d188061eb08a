package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/media/mediatest"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/session"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/transport"
)

type apiPeer struct {
	s   *session.Orchestrator
	srv *httptest.Server
}

func newAPIPeer(t *testing.T, net *transport.MemoryNetwork, id, name string, peers *state.PeerTable) *apiPeer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := session.New(net.Peer(id), mediatest.NewDevices(), session.Options{DisplayName: name, ConnectTimeout: time.Second})
	_, err := s.Start(ctx)
	require.NoError(t, err)

	mux := http.NewServeMux()
	Register(mux, Deps{Session: s, Peers: peers})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-s.Done()
	})
	return &apiPeer{s: s, srv: srv}
}

func (p *apiPeer) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(p.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp.StatusCode, out.Bytes()
}

func (p *apiPeer) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(p.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func (p *apiPeer) waitState(t *testing.T, want call.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		var snap call.Snapshot
		return p.get(t, "/api/call", &snap) == http.StatusOK && snap.State == want
	}, 2*time.Second, 10*time.Millisecond, "call never reached %s", want)
}

func TestConnectAndMessage(t *testing.T) {
	net := transport.NewMemoryNetwork()
	a := newAPIPeer(t, net, "1111", "Alice", nil)
	b := newAPIPeer(t, net, "2222", "Bob", nil)

	code, body := a.post(t, "/api/connect", map[string]string{"peer_id": "2222"})
	require.Equal(t, http.StatusOK, code, string(body))
	var info peer.ConnectionInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "Bob", info.RemoteName)

	code, body = a.post(t, "/api/message", map[string]string{"peer_id": "2222", "content": "hi bob"})
	require.Equal(t, http.StatusOK, code, string(body))

	require.Eventually(t, func() bool {
		var c chat.Chat
		return b.get(t, "/api/chat?peer_id=1111", &c) == http.StatusOK &&
			len(c.Messages) > 0 && c.Messages[len(c.Messages)-1].Content == "hi bob"
	}, 2*time.Second, 10*time.Millisecond)

	code, _ = b.post(t, "/api/chat/read", map[string]string{"peer_id": "1111"})
	assert.Equal(t, http.StatusOK, code)
	var chats struct {
		Chats  []chat.Chat `json:"chats"`
		Unread int         `json:"unread"`
	}
	require.Equal(t, http.StatusOK, b.get(t, "/api/chats", &chats))
	assert.Zero(t, chats.Unread)
	require.Len(t, chats.Chats, 1)

	var conns []peer.ConnectionInfo
	require.Equal(t, http.StatusOK, a.get(t, "/api/connections", &conns))
	assert.Len(t, conns, 1)
}

func TestErrorStatusCodes(t *testing.T) {
	net := transport.NewMemoryNetwork()
	a := newAPIPeer(t, net, "1111", "Alice", nil)

	code, _ := a.post(t, "/api/message", map[string]string{"peer_id": "9999", "content": "x"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.post(t, "/api/message", map[string]string{"peer_id": "9999", "content": " "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.post(t, "/api/connect", map[string]string{"peer_id": "9999"})
	assert.Equal(t, http.StatusBadGateway, code)

	code, _ = a.post(t, "/api/connect", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.post(t, "/api/call/hold", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.post(t, "/api/call/input", map[string]string{"kind": "smell", "device_id": "x"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.post(t, "/api/connect", map[string]any{"peer_id": "2222", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, http.StatusMethodNotAllowed, a.get(t, "/api/call/end", nil))
	assert.Equal(t, http.StatusNotFound, a.get(t, "/api/chat?peer_id=9999", nil))
}

func TestCallOverAPI(t *testing.T) {
	net := transport.NewMemoryNetwork()
	a := newAPIPeer(t, net, "1111", "Alice", nil)
	b := newAPIPeer(t, net, "2222", "Bob", nil)

	code, _ := a.post(t, "/api/connect", map[string]string{"peer_id": "2222"})
	require.Equal(t, http.StatusOK, code)

	code, body := a.post(t, "/api/call/start", map[string]any{"peer_id": "2222", "video": false})
	require.Equal(t, http.StatusOK, code, string(body))
	b.waitState(t, call.StateIncoming)

	code, body = b.post(t, "/api/call/answer", map[string]bool{"video": false})
	require.Equal(t, http.StatusOK, code, string(body))
	a.waitState(t, call.StateActive)

	code, body = a.post(t, "/api/call/mute", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"muted":true}`, string(body))

	code, body = b.post(t, "/api/call/video", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.JSONEq(t, `{"video":true}`, string(body))

	code, _ = b.post(t, "/api/call/input", map[string]string{"kind": "audio", "device_id": "usb-mic"})
	require.Equal(t, http.StatusOK, code)
	var devices struct {
		Devices    []json.RawMessage `json:"devices"`
		AudioInput string            `json:"audio_input"`
	}
	require.Equal(t, http.StatusOK, b.get(t, "/api/devices", &devices))
	assert.Equal(t, "usb-mic", devices.AudioInput)
	assert.Len(t, devices.Devices, 4)

	code, _ = a.post(t, "/api/call/start", map[string]any{"peer_id": "2222"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = b.post(t, "/api/call/end", nil)
	require.Equal(t, http.StatusOK, code)
	a.waitState(t, call.StateIdle)
}

func TestPeersFromPresence(t *testing.T) {
	net := transport.NewMemoryNetwork()
	peers := state.NewPeerTable()
	peers.Upsert("QmBob", "Bob", nil)
	a := newAPIPeer(t, net, "1111", "Alice", peers)

	var list []state.SeenPeer
	require.Equal(t, http.StatusOK, a.get(t, "/api/peers", &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Bob", list[0].Name)

	var self map[string]string
	require.Equal(t, http.StatusOK, a.get(t, "/api/self", &self))
	assert.Equal(t, "1111", self["peer_id"])
	assert.Equal(t, "Alice", self["name"])
}

func TestEventsWebSocket(t *testing.T) {
	net := transport.NewMemoryNetwork()
	a := newAPIPeer(t, net, "1111", "Alice", nil)
	newAPIPeer(t, net, "2222", "Bob", nil)

	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered by the handler; give it a moment.
	time.Sleep(50 * time.Millisecond)
	code, _ := a.post(t, "/api/connect", map[string]string{"peer_id": "2222"})
	require.Equal(t, http.StatusOK, code)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev session.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == session.EventPeerConnected {
			assert.Equal(t, "2222", ev.PeerID)
			assert.Equal(t, "Bob", ev.PeerName)
			return
		}
	}
}
