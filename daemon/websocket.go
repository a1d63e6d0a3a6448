package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
)

var upgrader = websocket.Upgrader{CheckOrigin: loopbackOrigin}

// loopbackOrigin accepts clients without an Origin header and pages served
// from the local machine.
func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return config.IsLoopbackHost(u.Hostname())
}

// handleWebSocket serves chat turns over a websocket. Each text message is
// a chat request; the events of its turn come back one message each.
// Turns on one connection run one after another.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	send := func(e agent.Event) error { return writeEvent(conn, e) }
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var req agent.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			err = errors.WithKind(errors.KindTransportRequest, err, "invalid request")
			if err := send(agent.ErrorEvent(err)); err != nil {
				return
			}
			continue
		}
		if err := s.handler.ChatStream(r.Context(), req, send); err != nil {
			if err := send(agent.ErrorEvent(err)); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e agent.Event) error {
	line, err := agent.MarshalEvent(e)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(line, []byte("\n")))
}
