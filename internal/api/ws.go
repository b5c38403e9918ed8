package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/fsm-calibration/internal/fsmcal/executor"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the surface is served on the bench network only
	},
}

// WSMessage is one frame of the progress stream. The first frame is the
// runner state at connect time; every later frame is a phase change.
type WSMessage struct {
	Type     string             `json:"type"` // state, progress
	State    *executor.State    `json:"state,omitempty"`
	Progress *executor.Progress `json:"progress,omitempty"`
}

// handleWS streams runner progress until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()

	// Clients only ever close; the read loop notices that.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	state := s.runner.State()
	if err := s.writeWS(conn, WSMessage{Type: "state", State: &state}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case p, ok := <-updates:
			if !ok {
				return
			}
			if err := s.writeWS(conn, WSMessage{Type: "progress", Progress: &p}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, msg WSMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.logf("websocket write error: %v", err)
		return err
	}
	return nil
}
