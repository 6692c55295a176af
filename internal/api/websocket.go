package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket frame types sent to the client.
const (
	frameSession = "session"
	frameReply   = "reply"
	frameError   = "error"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxFrameSize = maxBodyBytes
)

// wsFrame is every server-to-client message on /v1/chat/ws.
type wsFrame struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Turn      *ChatResponse `json:"turn,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// handleChatWS runs a chat over one websocket connection. The first
// server frame announces the session; every client text frame after
// that is a turn, answered with one reply or error frame. Turns on a
// connection are sequential.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r.URL.Query().Get("session_id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrameSize)

	log := s.logger.With("session_id", id, "remote", r.RemoteAddr)
	log.Info("websocket chat opened")

	write := func(f wsFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(f)
	}

	if err := write(wsFrame{Type: frameSession, SessionID: id}); err != nil {
		log.Debug("websocket write failed", "error", err)
		return
	}

	ctx := r.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", "error", err)
			}
			log.Info("websocket chat closed")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		input := strings.TrimSpace(string(data))
		if input == "" {
			continue
		}

		frame := wsFrame{Type: frameReply, SessionID: id}
		res, err := s.loop.Run(ctx, id, input)
		if err != nil {
			log.Error("turn failed", "error", err)
			frame.Type = frameError
			frame.Error = err.Error()
		} else {
			resp := newChatResponse(res)
			frame.Turn = &resp
		}

		if err := write(frame); err != nil {
			log.Debug("websocket write failed", "error", err)
			return
		}
	}
}
