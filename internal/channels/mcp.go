package channels

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/persistence"
)

// MCPChannel is the MCP-tool-server variant of Channel (spec.md: "an MCP
// tool server"). Unlike every other adapter it has no outbound platform to
// dial — an external MCP client (an agent CLI, an editor integration)
// launches the daemon's mcp-serve subcommand as its own child process and
// speaks newline-delimited JSON-RPC 2.0 over this process's own stdin and
// stdout. That makes it the mirror image of internal/mcp's now-deleted
// client transport: this adapter owns the stdio pipe it was launched with
// instead of dialing out to someone else's.
//
// The tool surface mirrors internal/transport's local API: list_sessions,
// get_session, create_session, send_message, list_messages. A connecting
// MCP client calls these the way it would call any other MCP tool server's
// tools, with TeleClaude session coordination as the domain behind them.
type MCPChannel struct {
	store  *persistence.Store
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	mu      sync.Mutex // guards writes to out; stdout is not safe for concurrent writers
	initted bool

	// notifySessions maps a session id to true once a tools/call has
	// touched it, so Broadcast/SendMessage know whether a connected client
	// has ever expressed interest — unlike chat adapters there is no
	// separate "channel" per session, only server-to-client notifications
	// over the one shared pipe.
	notifyMu sync.RWMutex
	notified map[string]bool
}

// NewMCPChannel builds the MCP tool-server adapter. in/out default to the
// process's own stdin/stdout when nil — tests supply pipes instead.
func NewMCPChannel(store *persistence.Store, logger *slog.Logger, in io.Reader, out io.Writer) *MCPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPChannel{
		store:    store,
		logger:   logger,
		in:       in,
		out:      out,
		notified: make(map[string]bool),
	}
}

func (m *MCPChannel) Name() string {
	return "mcp"
}

// jsonRPCRequest and jsonRPCResponse mirror the JSON-RPC 2.0 envelope
// shape MCP messages use (method/params in, result/error out), the same
// shape a dialing MCP client would send — this adapter just answers
// instead of asking.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// toolSchemas is fixed: every tool's arguments are simple flat objects, so
// a literal schema per tool reads clearer than building one at runtime.
var toolSchemas = map[string]json.RawMessage{
	"list_sessions":  json.RawMessage(`{"type":"object","properties":{"computer_name":{"type":"string"},"lifecycle_status":{"type":"string"}}}`),
	"get_session":    json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"}},"required":["session_id"]}`),
	"create_session": json.RawMessage(`{"type":"object","properties":{"computer_name":{"type":"string"},"project_path":{"type":"string"},"human_role":{"type":"string"}},"required":["computer_name"]}`),
	"send_message":   json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"},"text":{"type":"string"}},"required":["session_id","text"]}`),
	"list_messages":  json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"},"limit":{"type":"integer"}},"required":["session_id"]}`),
}

var toolDescriptions = map[string]string{
	"list_sessions":  "List coordination sessions, optionally filtered by computer_name or lifecycle_status.",
	"get_session":    "Fetch one session by id.",
	"create_session": "Start a new headless session on a computer_name.",
	"send_message":   "Queue a text message for a session's active agent (same durable path as a chat adapter).",
	"list_messages":  "List a session's transcript, most recent first.",
}

// Start reads JSON-RPC requests from stdin until ctx is canceled, EOF, or a
// framing error, answering initialize/tools/list/tools/call and ignoring
// anything else (spec.md §4.6: MCP tool server).
func (m *MCPChannel) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(m.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if line == "" {
				continue
			}
			m.handleLine(ctx, line)
		}
	}
}

func (m *MCPChannel) handleLine(ctx context.Context, line string) {
	var req jsonRPCRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		m.logger.Warn("mcp: malformed request", "error", err)
		return
	}

	switch req.Method {
	case "initialize":
		m.initted = true
		m.reply(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]string{"name": "teleclaude", "version": "1.0.0"},
		}, nil)
	case "notifications/initialized":
		// No response expected for a notification.
	case "tools/list":
		tools := make([]mcpTool, 0, len(toolSchemas))
		for name, schema := range toolSchemas {
			tools = append(tools, mcpTool{Name: name, Description: toolDescriptions[name], InputSchema: schema})
		}
		m.reply(req.ID, map[string]any{"tools": tools}, nil)
	case "tools/call":
		m.handleToolCall(ctx, req)
	default:
		m.reply(req.ID, nil, &jsonRPCError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)})
	}
}

func (m *MCPChannel) handleToolCall(ctx context.Context, req jsonRPCRequest) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &call); err != nil {
		m.reply(req.ID, nil, &jsonRPCError{Code: -32602, Message: "invalid params"})
		return
	}

	result, err := m.callTool(ctx, call.Name, call.Arguments)
	if err != nil {
		m.reply(req.ID, map[string]any{
			"isError": true,
			"content": []map[string]string{{"type": "text", "text": err.Error()}},
		}, nil)
		return
	}

	text, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		m.reply(req.ID, nil, &jsonRPCError{Code: -32603, Message: marshalErr.Error()})
		return
	}
	m.reply(req.ID, map[string]any{
		"isError": false,
		"content": []map[string]string{{"type": "text", "text": string(text)}},
	}, nil)
}

func (m *MCPChannel) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "list_sessions":
		var a struct {
			ComputerName    string `json:"computer_name"`
			LifecycleStatus string `json:"lifecycle_status"`
		}
		_ = json.Unmarshal(args, &a)
		sessions, err := m.store.ListSessions(ctx, persistence.SessionFilter{ComputerName: a.ComputerName, LifecycleStatus: a.LifecycleStatus})
		if err != nil {
			return nil, fmt.Errorf("list_sessions: %w", err)
		}
		return sessions, nil

	case "get_session":
		var a struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(args, &a); err != nil || a.SessionID == "" {
			return nil, fmt.Errorf("get_session: session_id is required")
		}
		sess, err := m.store.GetSession(ctx, a.SessionID)
		if err != nil {
			return nil, fmt.Errorf("get_session: %w", err)
		}
		return sess, nil

	case "create_session":
		var a struct {
			ComputerName string `json:"computer_name"`
			ProjectPath  string `json:"project_path"`
			HumanRole    string `json:"human_role"`
		}
		if err := json.Unmarshal(args, &a); err != nil || a.ComputerName == "" {
			return nil, fmt.Errorf("create_session: computer_name is required")
		}
		sess, err := m.store.CreateSession(ctx, persistence.SessionSpec{
			ComputerName:    a.ComputerName,
			ProjectPath:     a.ProjectPath,
			HumanRole:       a.HumanRole,
			LastInputOrigin: m.Name(),
		})
		if err != nil {
			return nil, fmt.Errorf("create_session: %w", err)
		}
		m.markNotified(sess.ID)
		return sess, nil

	case "send_message":
		var a struct {
			SessionID string `json:"session_id"`
			Text      string `json:"text"`
		}
		if err := json.Unmarshal(args, &a); err != nil || a.SessionID == "" || a.Text == "" {
			return nil, fmt.Errorf("send_message: session_id and text are required")
		}
		id, err := m.store.EnqueueInbound(ctx, persistence.InboundQueueEntry{
			SessionID:   a.SessionID,
			Origin:      m.Name(),
			MessageType: "text",
			Content:     a.Text,
			ActorID:     "mcp-client",
		})
		if err != nil {
			return nil, fmt.Errorf("send_message: %w", err)
		}
		m.markNotified(a.SessionID)
		return map[string]string{"inbound_id": id}, nil

	case "list_messages":
		var a struct {
			SessionID string `json:"session_id"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(args, &a); err != nil || a.SessionID == "" {
			return nil, fmt.Errorf("list_messages: session_id is required")
		}
		if a.Limit <= 0 {
			a.Limit = 50
		}
		items, err := m.store.ListMessages(ctx, a.SessionID, time.Time{}, a.Limit)
		if err != nil {
			return nil, fmt.Errorf("list_messages: %w", err)
		}
		return items, nil

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (m *MCPChannel) reply(id json.RawMessage, result any, rpcErr *jsonRPCError) {
	if id == nil {
		return // notification: no response
	}
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	b, err := json.Marshal(resp)
	if err != nil {
		m.logger.Error("mcp: failed to marshal response", "error", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.out.Write(append(b, '\n')); err != nil {
		m.logger.Warn("mcp: failed to write response", "error", err)
	}
}

func (m *MCPChannel) markNotified(sessionID string) {
	m.notifyMu.Lock()
	m.notified[sessionID] = true
	m.notifyMu.Unlock()
}

func (m *MCPChannel) hasNotified(sessionID string) bool {
	m.notifyMu.RLock()
	defer m.notifyMu.RUnlock()
	return m.notified[sessionID]
}

// notify pushes a server-to-client JSON-RPC notification carrying session
// output; the connected MCP client decides what to do with it (e.g. surface
// it to the agent that is driving the tool calls).
func (m *MCPChannel) notify(sessionID, text string) error {
	if !m.hasNotified(sessionID) {
		return fmt.Errorf("mcp: no known client interest in session %s", sessionID)
	}
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/session_output",
		"params":  map[string]string{"session_id": sessionID, "text": text},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mcp notify: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.out.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("mcp notify write: %w", err)
	}
	return nil
}

// SendMessage delivers text as a server-to-client notification, returning
// no adapter-native message id — MCP has no editable message concept.
func (m *MCPChannel) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	return "", m.notify(sessionID, text)
}

// SendFile has no MCP equivalent: a tool-call transport carries text, not
// binary attachments, so this surfaces the file path as a text notification.
func (m *MCPChannel) SendFile(ctx context.Context, sessionID, path, caption string) error {
	return m.notify(sessionID, fmt.Sprintf("[file] %s: %s", caption, path))
}

// SendVoice has no MCP equivalent; voice notes are reported as a text marker.
func (m *MCPChannel) SendVoice(ctx context.Context, sessionID string, audio []byte, mimeType string) error {
	return m.notify(sessionID, fmt.Sprintf("[voice note, %d bytes, %s]", len(audio), mimeType))
}

// EnsureChannel is a no-op: there is one shared stdio pipe for every
// session, nothing per-session to create.
func (m *MCPChannel) EnsureChannel(ctx context.Context, sessionID string) error {
	return nil
}

// UpdateTitle is unsupported: MCP notifications have no renamable surface.
func (m *MCPChannel) UpdateTitle(ctx context.Context, sessionID, title string) error {
	return nil
}

// CloseChannel drops this adapter's notification interest for the session.
func (m *MCPChannel) CloseChannel(ctx context.Context, sessionID string) error {
	m.notifyMu.Lock()
	delete(m.notified, sessionID)
	m.notifyMu.Unlock()
	return nil
}

// DeleteChannel is identical to CloseChannel: there is no platform state
// beyond the notification-interest map to tear down.
func (m *MCPChannel) DeleteChannel(ctx context.Context, sessionID string) error {
	return m.CloseChannel(ctx, sessionID)
}

// TypingIndicator has no MCP equivalent and is silently skipped.
func (m *MCPChannel) TypingIndicator(ctx context.Context, sessionID string) error {
	return nil
}

// Broadcast reflects a message to a client that has expressed interest in
// this session via a prior tool call, never to one that has not (§4.6, no
// echo to sender — here, no notification to a client that never asked).
func (m *MCPChannel) Broadcast(ctx context.Context, sessionID, text string) error {
	return m.notify(sessionID, text)
}
