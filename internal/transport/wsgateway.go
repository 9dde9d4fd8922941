package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/go-claw/internal/bus"
)

// wsConnection is a single frontend's WebSocket session. Only its own
// read-loop goroutine touches subscribedComputers/subscribedTypes, so they
// need no lock of their own — the pattern this is grounded on keeps a
// connection's subscription state single-goroutine-owned for the same
// reason (_examples/codeready-toolchain-tarsy pkg/events/manager.go).
type wsConnection struct {
	id                  string
	conn                *websocket.Conn
	subscribedComputers map[string]bool
	subscribedTypes     map[string]bool
	send                chan wsFrame
	cancel              context.CancelFunc
}

// wsFrame is the envelope every pushed message is wrapped in (§4.10).
type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsClientMessage struct {
	Action    string   `json:"action"` // "subscribe" | "unsubscribe" | "refresh"
	Computers []string `json:"computers,omitempty"`
	Types     []string `json:"types,omitempty"`
}

// WSGateway fans bus events out to connected frontends over WebSocket
// (§4.10 WebSocket push). Connection bookkeeping follows the tarsy
// ConnectionManager shape: a connections map guarded by its own mutex, an
// independent subscription index, and broadcasts that release their locks
// before blocking on a send.
type WSGateway struct {
	bus         *bus.Bus
	logger      *slog.Logger
	snapshot    func() any
	connections map[string]*wsConnection
	connMu      sync.RWMutex
}

func NewWSGateway(b *bus.Bus, logger *slog.Logger, snapshot func() any) *WSGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSGateway{
		bus:         b,
		logger:      logger,
		snapshot:    snapshot,
		connections: make(map[string]*wsConnection),
	}
}

// Run subscribes to the bus and relays events to every connection until ctx
// is canceled, at which point it sends a best-effort "daemon closed" frame
// to every client (§5 Cancellation).
func (g *WSGateway) Run(ctx context.Context) {
	sub := g.bus.Subscribe("")
	defer g.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			g.broadcastAll(wsFrame{Type: "error", Data: map[string]string{"reason": "daemon closed"}})
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			g.relay(ev)
		}
	}
}

func (g *WSGateway) relay(ev bus.Event) {
	frame := wsFrame{Type: ev.Topic, Data: ev.Payload}
	g.connMu.RLock()
	conns := make([]*wsConnection, 0, len(g.connections))
	for _, c := range g.connections {
		conns = append(conns, c)
	}
	g.connMu.RUnlock()
	for _, c := range conns {
		select {
		case c.send <- frame:
		default:
			g.logger.Warn("ws client send buffer full, dropping frame", "conn_id", c.id, "topic", ev.Topic)
		}
	}
}

func (g *WSGateway) broadcastAll(frame wsFrame) {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	for _, c := range g.connections {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// HandleWS upgrades the request and serves one connection's lifecycle.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local Unix-socket traffic only; Origin is enforced by CORS middleware upstream
	})
	if err != nil {
		g.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConnection{
		id:                  uuid.NewString(),
		conn:                conn,
		subscribedComputers: make(map[string]bool),
		subscribedTypes:     make(map[string]bool),
		send:                make(chan wsFrame, 64),
		cancel:              cancel,
	}

	g.connMu.Lock()
	g.connections[c.id] = c
	g.connMu.Unlock()
	defer func() {
		g.connMu.Lock()
		delete(g.connections, c.id)
		g.connMu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	if g.snapshot != nil {
		if err := wsjson.Write(ctx, conn, wsFrame{Type: "initial", Data: g.snapshot()}); err != nil {
			return
		}
	}

	go g.writeLoop(ctx, c)
	g.readLoop(ctx, c)
}

func (g *WSGateway) writeLoop(ctx context.Context, c *wsConnection) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c.conn, frame)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (g *WSGateway) readLoop(ctx context.Context, c *wsConnection) {
	for {
		var msg wsClientMessage
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			for _, comp := range msg.Computers {
				c.subscribedComputers[comp] = true
			}
			for _, t := range msg.Types {
				c.subscribedTypes[t] = true
			}
		case "unsubscribe":
			for _, comp := range msg.Computers {
				delete(c.subscribedComputers, comp)
			}
			for _, t := range msg.Types {
				delete(c.subscribedTypes, t)
			}
		case "refresh":
			if g.snapshot != nil {
				select {
				case c.send <- wsFrame{Type: "initial", Data: g.snapshot()}:
				default:
				}
			}
		}
	}
}

// ConnectionCount reports the number of live WebSocket connections.
func (g *WSGateway) ConnectionCount() int {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	return len(g.connections)
}
