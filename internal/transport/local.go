// Package transport implements the daemon's external surface: the local
// Unix-domain-socket API frontends and adapters talk to, the WebSocket push
// gateway those frontends subscribe to, and the Redis cross-host transport
// peers use for linked-stop fan-out (spec.md §4.10, §6).
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/persistence"
)

// Config configures the local API server.
type Config struct {
	SocketPath        string
	AuthToken         string
	AllowOrigins      []string
	RequestsPerMinute int
	BurstSize         int
	RateLimitEnabled  bool
	MaxBodyBytes      int64
}

// Server serves the local API described by spec.md §6 over a Unix-domain
// socket. Every route either reads through the store directly or drives a
// mutation through the fanout router/tmux collaborator, so local-API
// traffic and queue-driven traffic share the same delivery policy.
type Server struct {
	cfg      Config
	store    *persistence.Store
	router   *engine.FanoutRouter
	tmux     engine.TerminalMultiplexer
	ws       *WSGateway
	logger   *slog.Logger
	listener net.Listener
	srv      *http.Server
}

func NewServer(cfg Config, store *persistence.Store, router *engine.FanoutRouter, tmux engine.TerminalMultiplexer, ws *WSGateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/tmp/teleclaude-api.sock"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 * 1024 * 1024
	}
	return &Server{cfg: cfg, store: store, router: router, tmux: tmux, ws: ws, logger: logger}
}

// Start binds the Unix-domain socket and begins serving. It removes a
// stale socket file left by an unclean prior shutdown before binding.
func (s *Server) Start(ctx context.Context) error {
	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		_ = os.Remove(s.cfg.SocketPath)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = ln

	auth := NewAuthMiddleware(s.cfg.AuthToken)
	cors := NewCORSMiddleware(s.cfg.AllowOrigins)
	rateLimit := NewRateLimitMiddleware(s.cfg.RequestsPerMinute, s.cfg.BurstSize, s.cfg.RateLimitEnabled)
	rateLimit.StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	handler := cors(RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(auth.Wrap(rateLimit.Wrap(s.routes()))))
	s.srv = &http.Server{Handler: handler}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("local api server exited", "error", err)
		}
	}()
	s.logger.Info("local api listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop shuts the server down and removes the socket file (§5 daemon shutdown).
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	_ = os.Remove(s.cfg.SocketPath)
	return err
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /sessions/{id}/message", s.handleSendMessage)
	mux.HandleFunc("POST /sessions/{id}/keys", s.handleSendKeys)
	mux.HandleFunc("POST /sessions/{id}/voice", s.handleSendVoice)
	mux.HandleFunc("POST /sessions/{id}/file", s.handleSendFile)
	mux.HandleFunc("POST /sessions/{id}/agent-restart", s.handleAgentRestart)
	mux.HandleFunc("POST /sessions/{id}/revive", s.handleRevive)
	mux.HandleFunc("GET /computers", s.handleComputers)
	mux.HandleFunc("GET /projects", s.handleProjects)
	mux.HandleFunc("GET /todos", s.handleTodos)
	mux.HandleFunc("GET /agents/availability", s.handleAgentAvailability)
	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("PATCH /settings", s.handlePatchSettings)
	if s.ws != nil {
		mux.HandleFunc("GET /ws", s.ws.HandleWS)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SessionInfo is the local API's read shape for a session — a subset of
// the persistence row plus nothing platform-specific (§6 GET /sessions).
type SessionInfo struct {
	ID              string     `json:"id"`
	ComputerName    string     `json:"computer_name"`
	TmuxSessionName *string    `json:"tmux_session_name,omitempty"`
	LastInputOrigin string     `json:"last_input_origin"`
	ActiveAgent     string     `json:"active_agent"`
	ThinkingMode    string     `json:"thinking_mode"`
	LifecycleStatus string     `json:"lifecycle_status"`
	ProjectPath     string     `json:"project_path"`
	Subdir          string     `json:"subdir"`
	HumanRole       string     `json:"human_role"`
	CreatedAt       time.Time  `json:"created_at"`
	LastActivity    time.Time  `json:"last_activity"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

func toSessionInfo(sess *persistence.Session) SessionInfo {
	return SessionInfo{
		ID: sess.ID, ComputerName: sess.ComputerName, TmuxSessionName: sess.TmuxSessionName,
		LastInputOrigin: sess.LastInputOrigin, ActiveAgent: sess.ActiveAgent, ThinkingMode: sess.ThinkingMode,
		LifecycleStatus: sess.LifecycleStatus, ProjectPath: sess.ProjectPath, Subdir: sess.Subdir,
		HumanRole: sess.HumanRole, CreatedAt: sess.CreatedAt, LastActivity: sess.LastActivity, ClosedAt: sess.ClosedAt,
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := persistence.SessionFilter{
		ComputerName:    r.URL.Query().Get("computer"),
		LifecycleStatus: r.URL.Query().Get("status"),
	}
	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, toSessionInfo(sess))
	}
	writeJSON(w, http.StatusOK, infos)
}

type CreateSessionRequest struct {
	ComputerName       string `json:"computer_name"`
	TmuxSessionName    string `json:"tmux_session_name"`
	ProjectPath        string `json:"project_path"`
	Subdir             string `json:"subdir"`
	InitiatorSessionID string `json:"initiator_session_id"`
	HumanEmail         string `json:"human_email"`
	HumanRole          string `json:"human_role"`
	LastInputOrigin    string `json:"last_input_origin"`
	ActiveAgent        string `json:"active_agent"`
}

type CreateSessionResponse struct {
	Session SessionInfo `json:"session"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.store.CreateSession(r.Context(), persistence.SessionSpec{
		ComputerName: req.ComputerName, TmuxSessionName: req.TmuxSessionName, ProjectPath: req.ProjectPath,
		Subdir: req.Subdir, InitiatorSessionID: req.InitiatorSessionID, HumanEmail: req.HumanEmail,
		HumanRole: req.HumanRole, LastInputOrigin: req.LastInputOrigin, ActiveAgent: req.ActiveAgent,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrAlreadyExists) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.router != nil {
		if err := s.router.EnsureChannels(r.Context(), sess.ID); err != nil {
			s.logger.Warn("ensure channels failed for new session", "session_id", sess.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{Session: toSessionInfo(sess)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.CloseSession(r.Context(), id, "deleted via local api"); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	items, err := s.store.ListMessages(r.Context(), id, since, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type sendMessageRequest struct {
	Text     string `json:"text"`
	ActorID  string `json:"actor_id"`
	Actor    string `json:"actor_name"`
	ChatID   string `json:"source_channel_id"`
}

// handleSendMessage enqueues a frontend-originated message on the inbound
// queue under the "api" origin lane, the same durable path every adapter
// uses, so ordering and retry semantics are identical (§4.2).
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	entryID, err := s.store.EnqueueInbound(r.Context(), persistence.InboundQueueEntry{
		SessionID: id, Origin: "api", MessageType: "text", Content: req.Text,
		ActorID: req.ActorID, ActorName: req.Actor, SourceChannelID: req.ChatID,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"entry_id": entryID})
}

type sendKeysRequest struct {
	Keys string `json:"keys"`
}

// handleSendKeys types raw keystrokes into the session's tmux pane
// directly — this is control input (arrow keys, Ctrl-C), not conversation
// content, so it bypasses the inbound queue entirely.
func (s *Server) handleSendKeys(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Keys == "" {
		writeJSONError(w, http.StatusBadRequest, "keys is required")
		return
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if sess.TmuxSessionName == nil {
		writeJSONError(w, http.StatusConflict, "session has no tmux pane")
		return
	}
	if err := s.tmux.SendInput(r.Context(), *sess.TmuxSessionName, req.Keys); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

type sendVoiceRequest struct {
	AudioBase64 string `json:"audio_base64"`
	MimeType    string `json:"mime_type"`
}

// handleSendVoice enqueues a voice message the same way handleSendMessage
// enqueues text — transcription happens downstream, outside the transport
// layer's concern.
func (s *Server) handleSendVoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendVoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AudioBase64 == "" {
		writeJSONError(w, http.StatusBadRequest, "audio_base64 is required")
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.AudioBase64); err != nil {
		writeJSONError(w, http.StatusBadRequest, "audio_base64 is not valid base64")
		return
	}
	payload, _ := json.Marshal(map[string]string{"mime_type": req.MimeType})
	entryID, err := s.store.EnqueueInbound(r.Context(), persistence.InboundQueueEntry{
		SessionID: id, Origin: "api", MessageType: "voice", Content: req.AudioBase64, PayloadJSON: string(payload),
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"entry_id": entryID})
}

type sendFileRequest struct {
	Path    string `json:"path"`
	Caption string `json:"caption"`
}

func (s *Server) handleSendFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	payload, _ := json.Marshal(map[string]string{"path": req.Path, "caption": req.Caption})
	entryID, err := s.store.EnqueueInbound(r.Context(), persistence.InboundQueueEntry{
		SessionID: id, Origin: "api", MessageType: "file", Content: req.Caption, PayloadJSON: string(payload),
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"entry_id": entryID})
}

// handleAgentRestart forces a respawn of the session's agent process —
// the char_offset reset mirrors what a stop event does (§4.4(f)), so the
// next poller tick doesn't replay output the old process already emitted.
func (s *Server) handleAgentRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.ResetCharOffsetOnStop(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	touch := true
	if err := s.store.UpdateSession(r.Context(), id, persistence.SessionPatch{TouchActivity: touch}); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleRevive mints a fresh session chained to the closed one via
// initiator_session_id — sessions never reopen (§3 Lifecycle).
func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	old, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	sess, err := s.store.CreateSession(r.Context(), persistence.SessionSpec{
		ComputerName: old.ComputerName, ProjectPath: old.ProjectPath, Subdir: old.Subdir,
		InitiatorSessionID: old.ID, HumanEmail: old.HumanEmail, HumanRole: old.HumanRole,
		LastInputOrigin: old.LastInputOrigin, ActiveAgent: old.ActiveAgent,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{Session: toSessionInfo(sess)})
}

func (s *Server) handleComputers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.DB().QueryContext(r.Context(), `SELECT DISTINCT computer_name FROM sessions WHERE lifecycle_status = 'active' ORDER BY computer_name;`)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()
	computers := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		computers = append(computers, name)
	}
	writeJSON(w, http.StatusOK, computers)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.DB().QueryContext(r.Context(), `SELECT DISTINCT project_path FROM sessions WHERE project_path != '' AND lifecycle_status = 'active' ORDER BY project_path;`)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()
	projects := []string{}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		projects = append(projects, path)
	}
	writeJSON(w, http.StatusOK, projects)
}

// handleTodos has no dedicated store today — todos live inside each
// agent's own working state, not the session registry. Report an empty
// list rather than fabricate a schema nothing populates.
func (s *Server) handleTodos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []any{})
}

type agentAvailability struct {
	Agent        string `json:"agent"`
	ActiveCount  int    `json:"active_count"`
}

func (s *Server) handleAgentAvailability(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.DB().QueryContext(r.Context(), `
		SELECT active_agent, COUNT(*) FROM sessions
		WHERE lifecycle_status = 'active' AND active_agent != ''
		GROUP BY active_agent ORDER BY active_agent;
	`)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()
	result := []agentAvailability{}
	for rows.Next() {
		var a agentAvailability
		if err := rows.Scan(&a.Agent, &a.ActiveCount); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		result = append(result, a)
	}
	writeJSON(w, http.StatusOK, result)
}

const settingsKVKey = "system_settings.blob"

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	raw, err := s.store.KVGet(r.Context(), settingsKVKey)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if raw == "" {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	var settings map[string]any
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "corrupt settings blob")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	existingRaw, err := s.store.KVGet(r.Context(), settingsKVKey)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	settings := map[string]any{}
	if existingRaw != "" {
		if err := json.Unmarshal([]byte(existingRaw), &settings); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "corrupt settings blob")
			return
		}
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for k, v := range patch {
		settings[k] = v
	}
	merged, err := json.Marshal(settings)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.KVSet(r.Context(), settingsKVKey, string(merged)); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
