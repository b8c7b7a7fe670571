package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/meshcall/voicemesh/internal/auth"
	"github.com/meshcall/voicemesh/internal/turnrest"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// handleICE serves the ICE server list peers use for every connection. With
// TURN REST enabled each response carries fresh credentials bound to the
// caller's participant id, so the caller must authenticate like it would for
// /voice/signal.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turn == nil {
		WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
		return
	}

	q := r.URL.Query()
	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, q)
	if err != nil {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"code": "unauthorized", "message": "missing credentials"})
		return
	}
	principal, err := s.verifier.Verify(cred)
	if err != nil {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"code": "unauthorized", "message": "invalid credentials"})
		return
	}
	participant := principal.Subject
	if participant == "" {
		participant = q.Get("participant")
	}
	creds, err := s.turn.Generate(participant)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"code": "bad_request", "message": err.Error()})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, iceResponse{ICEServers: turnrest.Apply(servers, creds)})
}
