package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const eventsBuffer = 64

// handleEventsWS streams turn events as JSON frames until the client
// disconnects. With session_id set, only that session's events are sent.
// Client frames are read and discarded.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	bus := s.loop.Events()
	if bus == nil {
		s.errorResponse(w, http.StatusNotFound, "event stream is not enabled")
		return
	}
	filter := r.URL.Query().Get("session_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := bus.Subscribe(eventsBuffer)
	defer sub.Close()

	log := s.logger.With("remote", r.RemoteAddr, "filter", filter)
	log.Info("event stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			log.Info("event stream closed", "dropped", sub.Dropped())
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if filter != "" && e.Data["session_id"] != filter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("event stream write failed", "error", err)
				}
				return
			}
		}
	}
}
