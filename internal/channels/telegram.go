package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel is the Telegram variant of Channel: a long-poll adapter
// with reconnect/backoff that normalizes incoming messages into the inbound
// queue rather than acting on them directly (§4.2, §4.6).
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	// chatSessions maps a known session id to the chat it was last seen on,
	// so SendMessage/Broadcast/TypingIndicator know where to deliver.
	mu           sync.RWMutex
	chatSessions map[string]int64
}

// NewTelegramChannel builds a Telegram adapter. allowedIDs is the user
// allowlist; an empty slice means deny all direct messages.
func NewTelegramChannel(token string, allowedIDs []int64, store *persistence.Store, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		store:        store,
		logger:       logger,
		chatSessions: make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start begins the long-poll loop with exponential reconnect backoff,
// grounded on the teacher's GetUpdatesChan/stall-detection pattern.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram adapter started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or no
// update arrives within 2.5x the long-poll timeout (stall detection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage normalizes one Telegram update into an inbound queue entry
// and never acts on it directly — the inbound worker owns dispatch
// (§4.2 data flow). Unknown chat ids resolve or mint a customer session
// via find_customer_session/create_session (§4.1).
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	isAllowed := len(t.allowedIDs) == 0
	if _, ok := t.allowedIDs[msg.From.ID]; ok {
		isAllowed = true
	}
	role := "customer"
	if isAllowed {
		role = "member"
	}

	identifier := strconv.FormatInt(msg.Chat.ID, 10)
	sessionID, err := t.resolveSession(ctx, identifier, role)
	if err != nil {
		t.logger.Error("telegram: failed to resolve session", "chat_id", msg.Chat.ID, "error", err)
		return
	}

	t.mu.Lock()
	t.chatSessions[sessionID] = msg.Chat.ID
	t.mu.Unlock()

	if err := t.store.TouchCustomerMessage(ctx, sessionID, t.Name()); err != nil {
		t.logger.Warn("telegram: failed to stamp customer message window", "error", err)
	}

	sourceMessageID := strconv.Itoa(msg.MessageID)
	entry := persistence.InboundQueueEntry{
		SessionID:       sessionID,
		Origin:          t.Name(),
		MessageType:     "text",
		Content:         content,
		ActorID:         strconv.FormatInt(msg.From.ID, 10),
		ActorName:       msg.From.UserName,
		SourceMessageID: &sourceMessageID,
		SourceChannelID: identifier,
	}
	if _, err := t.store.EnqueueInbound(ctx, entry); err != nil {
		t.logger.Error("telegram: failed to enqueue inbound message", "session_id", sessionID, "error", err)
	}
}

// resolveSession finds the active session already bound to this Telegram
// thread, or mints a new one (implicit creation on first inbound message
// from an unknown customer, §3 Lifecycle).
func (t *TelegramChannel) resolveSession(ctx context.Context, identifier, role string) (string, error) {
	existing, err := t.store.FindCustomerSession(ctx, t.Name(), identifier)
	if err != nil {
		return "", fmt.Errorf("find customer session: %w", err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	session, err := t.store.CreateSession(ctx, persistence.SessionSpec{
		ComputerName:    "telegram",
		LastInputOrigin: t.Name(),
		HumanRole:       role,
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := t.store.UpsertAdapterMetadata(ctx, persistence.AdapterMetadata{
		SessionID: session.ID,
		Adapter:   t.Name(),
		ThreadID:  identifier,
		Enabled:   true,
	}); err != nil {
		return "", fmt.Errorf("upsert adapter metadata: %w", err)
	}
	return session.ID, nil
}

func (t *TelegramChannel) chatIDFor(sessionID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	chatID, ok := t.chatSessions[sessionID]
	return chatID, ok
}

// SendMessage delivers text as the session's origin adapter, returning the
// Telegram-native message id for edit-in-place paging (§4.7 Standard mode).
func (t *TelegramChannel) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	chatID, ok := t.chatIDFor(sessionID)
	if !ok {
		return "", fmt.Errorf("telegram: no known chat for session %s", sessionID)
	}
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", fmt.Errorf("telegram send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendFile delivers a file attachment to the session's chat.
func (t *TelegramChannel) SendFile(ctx context.Context, sessionID, path, caption string) error {
	chatID, ok := t.chatIDFor(sessionID)
	if !ok {
		return fmt.Errorf("telegram: no known chat for session %s", sessionID)
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = caption
	if _, err := t.bot.Send(doc); err != nil {
		return fmt.Errorf("telegram send file: %w", err)
	}
	return nil
}

// SendVoice delivers a synthesized voice note to the session's chat.
func (t *TelegramChannel) SendVoice(ctx context.Context, sessionID string, audio []byte, mimeType string) error {
	chatID, ok := t.chatIDFor(sessionID)
	if !ok {
		return fmt.Errorf("telegram: no known chat for session %s", sessionID)
	}
	voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: "voice.ogg", Bytes: audio})
	if _, err := t.bot.Send(voice); err != nil {
		return fmt.Errorf("telegram send voice: %w", err)
	}
	return nil
}

// EnsureChannel is a no-op on Telegram: the chat already exists once a
// customer has messaged in, there is no channel-creation step to take.
func (t *TelegramChannel) EnsureChannel(ctx context.Context, sessionID string) error {
	return nil
}

// UpdateTitle is unsupported on private Telegram chats; Telegram has no
// per-conversation title to rename in this adapter's topology.
func (t *TelegramChannel) UpdateTitle(ctx context.Context, sessionID, title string) error {
	return nil
}

// CloseChannel drops the adapter's local chat mapping; Telegram has no
// platform-side channel state to archive.
func (t *TelegramChannel) CloseChannel(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	delete(t.chatSessions, sessionID)
	t.mu.Unlock()
	return nil
}

// DeleteChannel is identical to CloseChannel on Telegram: there is nothing
// further to tear down platform-side.
func (t *TelegramChannel) DeleteChannel(ctx context.Context, sessionID string) error {
	return t.CloseChannel(ctx, sessionID)
}

// TypingIndicator surfaces Telegram's "typing…" action while the origin
// adapter's dispatch pipeline processes a message (§4.6).
func (t *TelegramChannel) TypingIndicator(ctx context.Context, sessionID string) error {
	chatID, ok := t.chatIDFor(sessionID)
	if !ok {
		return nil
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := t.bot.Request(action); err != nil {
		return fmt.Errorf("telegram typing indicator: %w", err)
	}
	return nil
}

// Broadcast reflects a message to this adapter as an observer — the fanout
// router calls this only when Telegram is not the session's origin
// adapter, so there is never an echo to the sender (§4.6).
func (t *TelegramChannel) Broadcast(ctx context.Context, sessionID, text string) error {
	chatID, ok := t.chatIDFor(sessionID)
	if !ok {
		return fmt.Errorf("telegram: no known chat for session %s", sessionID)
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram broadcast: %w", err)
	}
	return nil
}
