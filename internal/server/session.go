package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/soundlearn/internal/capture"
	"github.com/MrWong99/soundlearn/internal/observe"
	"github.com/MrWong99/soundlearn/internal/takes"
)

// eventWriteTimeout bounds one WebSocket write to a subscriber.
const eventWriteTimeout = 5 * time.Second

type sessionResponse struct {
	State  capture.State `json:"state"`
	Active bool          `json:"active"`
}

func (s *Server) sessionState() sessionResponse {
	return sessionResponse{State: s.session.State(), Active: s.session.IsRecordingActive()}
}

// reconcile publishes the session state right away instead of waiting for
// the next poll.
func (s *Server) reconcile() {
	if s.reconciler != nil {
		s.reconciler.Reconcile()
	}
}

func (s *Server) handleSessionState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionState())
}

func (s *Server) handleSessionInitialize(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.session.Initialize)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.session.Start)
}

func (s *Server) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, func(context.Context) error { return s.session.Cleanup() })
}

func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	err := fn(r.Context())
	s.reconcile()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionState())
}

// handleSessionStop ends the recording and processes it like an upload.
func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	blob, err := s.session.Stop(r.Context())
	s.reconcile()
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.ingest(r.Context(), takes.SourceDevice, blob)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/takes/"+resp.Take.ID)
	writeJSON(w, http.StatusCreated, resp)
}

// handleSessionEvents streams every published [capture.StateChange] as a JSON
// text message until the client goes away.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("server: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The feed is one-way; CloseRead handles pings and the client's close.
	ctx := conn.CloseRead(r.Context())

	s.reconciler.Reconcile()
	events, cancel := s.reconciler.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				conn.Close(websocket.StatusInternalError, "encode failed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				observe.Logger(r.Context()).Debug("server: event subscriber gone", "err", err)
				return
			}
		}
	}
}
