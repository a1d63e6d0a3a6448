package daemon

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/errors"
)

// Status is the body of GET /status.
type Status struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
	ConfigPath    string    `json:"configPath"`
	Transport     string    `json:"transport"`
	Address       string    `json:"address"`
	Version       string    `json:"version"`
}

// SessionSummary is one entry of GET /sessions.
type SessionSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Workspace    string    `json:"workspace,omitempty"`
	MessageCount int       `json:"messageCount"`
}

type createSessionRequest struct {
	Workspace string `json:"workspace"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("POST /reload-config", s.handleReload)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /session/{id}", s.handleSession)
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("POST /chat-stream", s.handleChatStream)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s.recoverPanics(mux)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	uptime := time.Since(s.started)
	addr := s.Addr()
	if addr == "" {
		addr = cfg.Daemon.Address()
	}
	writeJSON(w, http.StatusOK, Status{
		PID:           os.Getpid(),
		StartedAt:     s.started,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		ConfigPath:    cfg.Path,
		Transport:     cfg.Daemon.Transport,
		Address:       addr,
		Version:       s.version,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config().Redacted())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Reload(r.Context())
	if err != nil {
		s.logger.Error("config reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "reloaded",
		"transport": cfg.Daemon.Transport,
		"address":   cfg.Daemon.Address(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.handler.Store().ListSessions(r.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]SessionSummary, 0, len(list))
	for _, sess := range list {
		out = append(out, SessionSummary{
			ID:           sess.ID,
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
			Workspace:    sess.Workspace,
			MessageCount: len(sess.Messages),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.handler.Store().LoadSession(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load session", "session", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSONBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.handler.Store().CreateSession(r.Context(), req.Workspace)
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleChatStream runs one turn and streams its events as NDJSON. A turn
// that fails after the headers went out ends with an error event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if err := decodeJSONBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	stream := newNDJSONStream(flushWriter{ResponseWriter: w, rc: http.NewResponseController(w)})

	err := s.handler.ChatStream(r.Context(), req, stream.Send)
	if err == nil {
		return
	}
	if r.Context().Err() != nil {
		s.logger.Info("client disconnected, turn abandoned", "session", req.SessionID)
		return
	}
	if err := stream.Send(agent.ErrorEvent(err)); err != nil {
		s.logger.Warn("failed to send error event", "error", err)
	}
}

// streamWriter is all a streamed route needs from the connection.
type streamWriter interface {
	WriteHeader(statusCode int)
	Write(p []byte) (int, error)
	Flush()
}

type flushWriter struct {
	http.ResponseWriter
	rc *http.ResponseController
}

func (f flushWriter) Flush() { _ = f.rc.Flush() }

// ndjsonStream writes one event per line and flushes after each.
type ndjsonStream struct {
	w streamWriter
}

func newNDJSONStream(w streamWriter) *ndjsonStream {
	return &ndjsonStream{w: w}
}

func (s *ndjsonStream) Send(e agent.Event) error {
	line, err := agent.MarshalEvent(e)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(line); err != nil {
		return errors.Wrapf(err, "failed to write %s event", e.Type)
	}
	s.w.Flush()
	return nil
}

// recoverPanics turns a panicking route into a 500 and keeps the daemon up.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			s.logger.Error("panic while serving request", "path", r.URL.Path, "panic", p, "stack", string(debug.Stack()))
			if !tw.wrote {
				writeError(tw, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(tw, r)
	})
}

// trackingWriter records whether the response has started. It keeps
// flushing and hijacking reachable for streams and websockets.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(p)
}

func (t *trackingWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }

func (t *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	t.wrote = true
	return http.NewResponseController(t.ResponseWriter).Hijack()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSONBody(r *http.Request, dst any, allowEmpty bool) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && err == io.EOF {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
