package proxy

import (
	"net/http"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

var statsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth happens before the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStatsWS pushes one stats snapshot per second over a websocket.
func (s *Server) handleStatsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := statsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("stats ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.buildStatsSnapshot()); err != nil {
			return
		}
		select {
		case <-done:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case <-t.C:
		}
	}
}
