package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/persistence"
)

// HookOutboxWorker drains the hook outbox with the identical claim/ack
// discipline as InboundWorker (§4.3: "identical discipline to §4.2"),
// dispatching each envelope to the Agent Event Handler.
type HookOutboxWorker struct {
	store    *persistence.Store
	eventBus *bus.Bus
	handler  *AgentEventHandler
	cfg      Config
}

func (w *HookOutboxWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := w.store.ClaimHookOutboxBatch(ctx, w.cfg.ClaimBatchSize, w.cfg.ClaimLockTimeout)
		if err != nil {
			slog.Error("hook outbox worker: claim batch failed", "error", err)
		}
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		for _, entry := range batch {
			w.processEntry(ctx, entry)
		}
	}
}

func (w *HookOutboxWorker) processEntry(ctx context.Context, entry persistence.HookOutboxEntry) {
	dispatchCtx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
	defer cancel()

	err := w.handler.Handle(dispatchCtx, entry)
	if err == nil {
		if ackErr := w.store.AckHookEventSuccess(ctx, entry.ID); ackErr != nil {
			slog.Error("hook outbox worker: ack success failed", "id", entry.ID, "error", ackErr)
		}
		if w.eventBus != nil {
			w.eventBus.Publish(bus.TopicHookDelivered, bus.OutboxDeliveredEvent{EntryID: entry.ID, Status: "delivered"})
		}
		return
	}

	if ackErr := w.store.AckHookEventFailure(ctx, entry.ID, entry.AttemptCount, err.Error()); ackErr != nil {
		slog.Error("hook outbox worker: ack failure failed", "id", entry.ID, "error", ackErr)
	}
	slog.Warn("hook outbox worker: handler failed", "id", entry.ID, "session_id", entry.SessionID, "event_type", entry.EventType, "error", err)
}

// AgentEventHandler consumes hook envelopes and dispatches by event_type
// (§4.4). Every step it takes is wrapped so that one collaborator's
// failure never aborts the others (§4.4 Failure semantics, testable
// property #4).
type AgentEventHandler struct {
	store      *persistence.Store
	eventBus   *bus.Bus
	router     *FanoutRouter
	transcript TranscriptParser
	summarizer Summarizer
	tmux       TerminalMultiplexer
	remote     RemoteTransport

	// localComputerName identifies this host so linked-stop fan-out can
	// tell a local peer (tmux injection) from a remote one (cross-host
	// transport, §4.10).
	localComputerName string
}

// RemoteTransport delivers a linked-stop fan-out frame to a peer session
// living on another computer_name. It is specified as an interface only:
// the cross-host transport (Redis pub/sub) is an external collaborator,
// not something this package implements.
type RemoteTransport interface {
	PublishToPeer(ctx context.Context, computerName, sessionID, framed string) error
}

type sessionStartData struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
}

func (h *AgentEventHandler) Handle(ctx context.Context, entry persistence.HookOutboxEntry) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(entry.PayloadJSON), &envelope); err != nil {
		return fmt.Errorf("decode hook envelope: %w", err)
	}
	dataJSON := string(envelope.Data)
	if dataJSON == "" {
		dataJSON = "{}"
	}
	if err := validateHookData(entry.EventType, dataJSON); err != nil {
		return err
	}

	switch entry.EventType {
	case "session_start":
		return h.handleSessionStart(ctx, entry.SessionID, dataJSON)
	case "prompt":
		return h.handlePrompt(ctx, entry.SessionID)
	case "stop":
		return h.handleStop(ctx, entry.SessionID)
	case "notification":
		return h.handleNotification(ctx, entry.SessionID, dataJSON)
	case "session_end":
		// Reserved; currently records only (§4.4).
		return nil
	default:
		return fmt.Errorf("unknown event_type %q", entry.EventType)
	}
}

// handleSessionStart records the agent's own session id and transcript
// path, then upgrades the voice assignment from session_id keying to
// native_session_id keying (§4.4 session_start).
func (h *AgentEventHandler) handleSessionStart(ctx context.Context, sessionID, dataJSON string) error {
	var data sessionStartData
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return fmt.Errorf("decode session_start data: %w", err)
	}

	nativeID := data.SessionID
	transcriptPath := data.TranscriptPath
	if err := h.store.UpdateSession(ctx, sessionID, persistence.SessionPatch{
		NativeSessionID: &nativeID,
		TranscriptPath:  &transcriptPath,
	}); err != nil {
		return fmt.Errorf("record native session id: %w", err)
	}

	if err := h.store.UpgradeVoiceToNativeID(ctx, sessionID, nativeID); err != nil {
		slog.Warn("session_start: voice upgrade failed", "session_id", sessionID, "error", err)
	}

	if h.eventBus != nil {
		h.eventBus.Publish(bus.TopicAgentActivity, bus.AgentActivityEvent{SessionID: sessionID, Activity: "started"})
	}
	return nil
}

// handlePrompt stamps last_message_sent/last_message_sent_at (§4.4 prompt).
func (h *AgentEventHandler) handlePrompt(ctx context.Context, sessionID string) error {
	if h.eventBus != nil {
		h.eventBus.Publish(bus.TopicAgentActivity, bus.AgentActivityEvent{SessionID: sessionID, Activity: "working"})
	}
	return h.store.UpdateSession(ctx, sessionID, persistence.SessionPatch{TouchActivity: true})
}

// handleStop runs the full stop pipeline (§4.4 stop, testable properties
// #3, #4, #6, scenario S2). Steps b–f are skipped entirely under the
// checkpoint filter; peer-delivery and listener-notification failures are
// isolated and never abort the remaining steps.
func (h *AgentEventHandler) handleStop(ctx context.Context, sessionID string) error {
	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}

	raw := ""
	if h.transcript != nil && session.TranscriptPath != "" {
		raw, err = h.transcript.LastTurnOutput(ctx, session.TranscriptPath)
		if err != nil {
			slog.Warn("stop: transcript read failed", "session_id", sessionID, "error", err)
		}
	}

	checkpoint := IsCheckpointResponse(raw, h.router.checkpointPattern)
	if !checkpoint {
		summary := ""
		if h.summarizer != nil && raw != "" {
			summary, err = h.summarizer.Summarize(ctx, raw)
			if err != nil {
				slog.Warn("stop: summarization failed (best-effort)", "session_id", sessionID, "error", err)
			}
		}
		if summary != "" || raw != "" {
			digest := raw
			if err := h.store.UpdateSession(ctx, sessionID, persistence.SessionPatch{
				LastOutputDigest:  &digest,
				LastOutputSummary: &summary,
			}); err != nil {
				slog.Warn("stop: failed to record output digest/summary", "session_id", sessionID, "error", err)
			}
		}

		h.fanOutToLinkedPeers(ctx, session, raw)
		h.notifyListeners(ctx, sessionID)
	}

	if err := h.store.ResetCharOffsetOnStop(ctx, sessionID); err != nil {
		return fmt.Errorf("reset char_offset: %w", err)
	}
	if h.eventBus != nil {
		h.eventBus.Publish(bus.TopicAgentActivity, bus.AgentActivityEvent{SessionID: sessionID, Activity: "idle"})
	}
	return nil
}

// fanOutToLinkedPeers delivers the distilled output to every other member
// of the session's active direct_link, isolating each peer's failure so it
// never aborts delivery to the rest or the downstream stop steps (§4.4(d),
// testable property #4, scenario S4).
func (h *AgentEventHandler) fanOutToLinkedPeers(ctx context.Context, session *persistence.Session, rawOutput string) {
	links, err := h.store.FindActiveLinksForSession(ctx, session.ID)
	if err != nil {
		slog.Warn("stop: link lookup failed", "session_id", session.ID, "error", err)
		return
	}

	framed := fmt.Sprintf("[From %s] %s", session.ID, rawOutput)
	for _, link := range links {
		peers, err := h.store.ListPeerMembers(ctx, link.LinkID, session.ID)
		if err != nil {
			slog.Warn("stop: list peer members failed", "link_id", link.LinkID, "error", err)
			continue
		}
		for _, peer := range peers {
			h.deliverToPeer(ctx, peer, framed)
		}
	}
}

// deliverToPeer injects framed text into one peer's tmux input, isolating
// its own failure (including a panic from a misbehaving collaborator) from
// the rest of the fan-out (§4.4(d), testable property #4, scenario S4).
// A peer on another computer_name is handed to the cross-host transport
// instead of tmux (§4.10); if none is configured the peer is logged and
// skipped rather than blocking the rest of the fan-out.
func (h *AgentEventHandler) deliverToPeer(ctx context.Context, peer persistence.LinkMember, framed string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[UI_LANE] peer delivery panicked", "session_id", peer.SessionID, "error", r)
		}
	}()

	if peer.ComputerName != "" && peer.ComputerName != h.localComputerName {
		if h.remote == nil {
			slog.Warn("[UI_LANE] peer delivery skipped: no cross-host transport configured", "session_id", peer.SessionID, "computer_name", peer.ComputerName)
			return
		}
		if err := h.remote.PublishToPeer(ctx, peer.ComputerName, peer.SessionID, framed); err != nil {
			slog.Error("[UI_LANE] peer delivery failed", "session_id", peer.SessionID, "computer_name", peer.ComputerName, "error", err)
		}
		return
	}

	peerSession, err := h.store.GetSession(ctx, peer.SessionID)
	if err != nil || peerSession == nil || peerSession.TmuxSessionName == nil {
		slog.Error("[UI_LANE] peer delivery failed: no tmux session", "session_id", peer.SessionID, "error", err)
		return
	}
	if err := h.tmux.SendInput(ctx, *peerSession.TmuxSessionName, framed); err != nil {
		slog.Error("[UI_LANE] peer delivery failed", "session_id", peer.SessionID, "error", err)
	}
}

// notifyListeners delivers a one-shot "target stopped" notification to
// every registered caller's tmux input, consuming each listener so it is
// not re-fired on a later stop (§4.4(e), §4.8).
func (h *AgentEventHandler) notifyListeners(ctx context.Context, targetSessionID string) {
	listeners, err := h.store.ListenersFor(ctx, targetSessionID)
	if err != nil {
		slog.Warn("stop: list listeners failed", "session_id", targetSessionID, "error", err)
		return
	}
	notice := fmt.Sprintf("[notify_on_stop] %s is now idle.", targetSessionID)
	for _, listener := range listeners {
		if err := h.tmux.SendInput(ctx, listener.CallerTmuxSession, notice); err != nil {
			slog.Error("[UI_LANE] listener notify failed", "target", targetSessionID, "caller", listener.CallerSessionID, "error", err)
			continue
		}
		if err := h.store.ConsumeListener(ctx, targetSessionID, listener.CallerSessionID); err != nil {
			slog.Warn("stop: consume listener failed", "error", err)
		}
		if h.eventBus != nil {
			h.eventBus.Publish(bus.TopicListenerNotified, bus.ListenerNotifiedEvent{TargetSessionID: targetSessionID, CallerSessionID: listener.CallerSessionID})
		}
	}
}

// handleNotification surfaces to the origin adapter only when the session
// has an admin channel (§4.4 notification).
func (h *AgentEventHandler) handleNotification(ctx context.Context, sessionID, dataJSON string) error {
	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil || session.HumanRole != "admin" {
		return nil
	}
	var data struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil || data.Message == "" {
		return nil
	}
	return h.router.DeliverUserMessage(ctx, session, data.Message)
}
