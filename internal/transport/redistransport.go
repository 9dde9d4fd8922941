package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/persistence"
)

// peerChannelPrefix namespaces the pub/sub channels one per computer_name
// so a host only decodes frames addressed to it (§4.10 cross-host transport).
const peerChannelPrefix = "teleclaude:peer:"

// peerFrame is the at-least-once message format carried over Redis.
// FrameID lets a consumer dedup a redelivered frame.
type peerFrame struct {
	FrameID   string `json:"frame_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// RedisTransport implements engine.RemoteTransport over Redis pub/sub:
// cross-computer peer discovery, linked-stop fan-out to a peer on another
// host, and deploy-status broadcasts (§4.10). Delivery is at-least-once;
// Deliver callers must tolerate a redelivered frame.
type RedisTransport struct {
	client       *redis.Client
	store        *persistence.Store
	tmux         engine.TerminalMultiplexer
	localName    string
	logger       *slog.Logger
	seenFrameIDs *lruSet
}

func NewRedisTransport(addr, password string, db int, localComputerName string, store *persistence.Store, tmux engine.TerminalMultiplexer, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		store:        store,
		tmux:         tmux,
		localName:    localComputerName,
		logger:       logger,
		seenFrameIDs: newLRUSet(1024),
	}
}

// PublishToPeer implements engine.RemoteTransport: it frames the payload
// and publishes it on the destination computer's channel. Redis pub/sub
// has no durable queue, so a peer that is offline simply misses the
// frame — acceptable for a linked-stop notification, which is advisory.
func (t *RedisTransport) PublishToPeer(ctx context.Context, computerName, sessionID, framed string) error {
	frame := peerFrame{FrameID: fmt.Sprintf("%s-%d", sessionID, time.Now().UnixNano()), SessionID: sessionID, Text: framed}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal peer frame: %w", err)
	}
	if err := t.client.Publish(ctx, peerChannelPrefix+computerName, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", computerName, err)
	}
	return nil
}

// BroadcastDeployStatus publishes a host-wide status update every peer
// subscribes to, independent of any single session (§4.10).
func (t *RedisTransport) BroadcastDeployStatus(ctx context.Context, status string) error {
	return t.client.Publish(ctx, peerChannelPrefix+"_deploy_status", status).Err()
}

// Run subscribes to this host's peer channel and the shared deploy-status
// channel, injecting received frames into the named session's tmux pane.
// It blocks until ctx is canceled.
func (t *RedisTransport) Run(ctx context.Context) error {
	sub := t.client.Subscribe(ctx, peerChannelPrefix+t.localName, peerChannelPrefix+"_deploy_status")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			t.handleMessage(ctx, msg)
		}
	}
}

func (t *RedisTransport) handleMessage(ctx context.Context, msg *redis.Message) {
	if msg.Channel == peerChannelPrefix+"_deploy_status" {
		t.logger.Info("deploy status received", "status", msg.Payload)
		return
	}

	var frame peerFrame
	if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
		t.logger.Error("discarding malformed peer frame", "error", err)
		return
	}
	if t.seenFrameIDs.SeenOrAdd(frame.FrameID) {
		return // at-least-once delivery: this frame was already applied.
	}
	session, err := t.store.GetSession(ctx, frame.SessionID)
	if err != nil || session == nil || session.TmuxSessionName == nil {
		t.logger.Error("cross-host peer delivery failed: no local tmux session", "session_id", frame.SessionID, "error", err)
		return
	}
	if err := t.tmux.SendInput(ctx, *session.TmuxSessionName, frame.Text); err != nil {
		t.logger.Error("cross-host peer delivery failed", "session_id", frame.SessionID, "error", err)
	}
}

// Close releases the underlying Redis client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

// lruSet is a small fixed-capacity dedup set: bytes in, FIFO eviction out.
// Good enough for idempotent-consumer dedup over a short at-least-once
// redelivery window — it is not a durable store.
type lruSet struct {
	capacity int
	order    []string
	index    map[string]struct{}
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{capacity: capacity, index: make(map[string]struct{}, capacity)}
}

// SeenOrAdd reports whether id was already recorded; if not, it records it.
func (s *lruSet) SeenOrAdd(id string) bool {
	if _, ok := s.index[id]; ok {
		return true
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.index, oldest)
	}
	s.order = append(s.order, id)
	s.index[id] = struct{}{}
	return false
}
