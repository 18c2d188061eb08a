package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/media"
)

// registerCallRoutes registers the call control endpoints. Every command
// runs on the session loop; the response reflects its outcome.
func registerCallRoutes(mux *http.ServeMux, d Deps) {
	s := d.Session

	// GET /api/call: current session snapshot, with RTP counters when live
	handleGet(mux, "/api/call", func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.CallState(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
		Video  bool   `json:"video"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		if err := s.StartCall(r.Context(), req.PeerID, req.Video); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "calling"})
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req struct {
		Video bool `json:"video"`
	}) {
		if err := s.AnswerCall(r.Context(), req.Video); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "active"})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}) {
		if err := s.RejectCall(r.Context(), req.Reason, req.Message); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.EndCall(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/mute
	handlePost(mux, "/api/call/mute", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := s.ToggleMute(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/hold
	handlePost(mux, "/api/call/hold", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		held, err := s.ToggleHold(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"on_hold": held})
	})

	// POST /api/call/video
	handlePost(mux, "/api/call/video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		on, err := s.ToggleVideo(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"video": on})
	})

	// POST /api/call/input: switch the microphone or camera
	handlePost(mux, "/api/call/input", func(w http.ResponseWriter, r *http.Request, req struct {
		Kind     media.Kind `json:"kind"`
		DeviceID string     `json:"device_id"`
	}) {
		var err error
		switch req.Kind {
		case media.KindAudio:
			err = s.ChangeAudioInput(r.Context(), req.DeviceID)
		case media.KindVideo:
			err = s.ChangeVideoInput(r.Context(), req.DeviceID)
		default:
			http.Error(w, "kind must be audio or video", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/devices
	handleGet(mux, "/api/devices", func(w http.ResponseWriter, r *http.Request) {
		audio, video, err := s.Inputs(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		devices := s.Devices()
		if devices == nil {
			devices = []media.DeviceInfo{}
		}
		writeJSON(w, map[string]any{
			"devices":     devices,
			"audio_input": audio,
			"video_input": video,
		})
	})
}
