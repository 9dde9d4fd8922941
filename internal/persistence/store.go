// Package persistence is the single relational store backing the session
// coordination engine: sessions, adapter metadata, the inbound and hook
// outboxes, conversation links, session listeners, notification/webhook
// outboxes, voice assignments, and system settings (SPEC §3, §6).
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "tc-v1-2026-07-31-session-coordination"

	defaultLockTimeout = 60 * time.Second
)

// Sentinel errors callers branch on directly.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("duplicate")
	ErrAlreadyExists   = errors.New("already exists")
	ErrScopedCloseMiss = errors.New("no shared link with target")
)

// Store is the daemon's sole handle to SQLite. A single connection is kept
// open (SQLite serializes writers anyway) and busy errors are retried with
// jittered backoff, mirroring how the teacher's store treats WAL contention.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests and one-shot CLI commands
}

// DefaultDBPath returns $TELECLAUDE_HOME/teleclaude.db, falling back to the
// user's home directory when TELECLAUDE_HOME is unset.
func DefaultDBPath() string {
	if home := os.Getenv("TELECLAUDE_HOME"); home != "" {
		return filepath.Join(home, "teleclaude.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".teleclaude", "teleclaude.db")
}

// Open creates (or attaches to) the SQLite store at path, applying schema
// migrations. eventBus may be nil; when set, mutating calls publish
// bus events so in-process subscribers (the WebSocket gateway, adapters)
// observe state changes without polling.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// publish is a no-op when the store was opened without an event bus.
func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY/LOCKED, with exponential
// backoff and jitter on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			computer_name TEXT NOT NULL,
			tmux_session_name TEXT,
			last_input_origin TEXT NOT NULL DEFAULT '',
			active_agent TEXT NOT NULL DEFAULT '',
			thinking_mode TEXT NOT NULL DEFAULT 'fast' CHECK(thinking_mode IN ('fast','med','slow')),
			lifecycle_status TEXT NOT NULL DEFAULT 'active' CHECK(lifecycle_status IN ('active','closed')),
			project_path TEXT NOT NULL DEFAULT '',
			subdir TEXT NOT NULL DEFAULT '',
			initiator_session_id TEXT,
			human_email TEXT NOT NULL DEFAULT '',
			human_role TEXT NOT NULL DEFAULT 'member' CHECK(human_role IN ('admin','member','contributor','newcomer','customer')),
			char_offset INTEGER NOT NULL DEFAULT 0,
			last_output_digest TEXT NOT NULL DEFAULT '',
			last_output_summary TEXT NOT NULL DEFAULT '',
			last_message_sent TEXT NOT NULL DEFAULT '',
			last_message_sent_at DATETIME,
			native_session_id TEXT,
			transcript_path TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at DATETIME
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_computer_tmux
			ON sessions(computer_name, tmux_session_name)
			WHERE tmux_session_name IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_closed_at ON sessions(closed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_lifecycle ON sessions(lifecycle_status);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_native ON sessions(native_session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_initiator ON sessions(initiator_session_id);`,

		`CREATE TABLE IF NOT EXISTS adapter_metadata (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			adapter TEXT NOT NULL,
			topic_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			last_customer_message_at DATETIME,
			output_message_id TEXT NOT NULL DEFAULT '',
			badge_sent INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (session_id, adapter)
		);`,

		`CREATE TABLE IF NOT EXISTS inbound_queue (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			origin TEXT NOT NULL,
			message_type TEXT NOT NULL CHECK(message_type IN ('text','voice','file')),
			content TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}',
			actor_id TEXT NOT NULL DEFAULT '',
			actor_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending','processing','delivered','failed','expired')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			processed_at DATETIME,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			locked_at DATETIME,
			source_message_id TEXT,
			source_channel_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_inbound_dedup
			ON inbound_queue(origin, source_message_id)
			WHERE source_message_id IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_claimable
			ON inbound_queue(status, next_retry_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_session ON inbound_queue(session_id, created_at);`,

		`CREATE TABLE IF NOT EXISTS hook_outbox (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL CHECK(event_type IN ('session_start','prompt','stop','notification','session_end')),
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','delivered','failed','expired')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			next_attempt_at DATETIME,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			delivered_at DATETIME,
			locked_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_hook_outbox_claimable
			ON hook_outbox(status, next_attempt_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_hook_outbox_session
			ON hook_outbox(session_id, created_at);`,

		`CREATE TABLE IF NOT EXISTS conversation_links (
			link_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL CHECK(mode IN ('direct_link','gathering_link')),
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','closed')),
			created_by_session_id TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS link_members (
			link_id TEXT NOT NULL REFERENCES conversation_links(link_id) ON DELETE CASCADE,
			session_id TEXT NOT NULL,
			participant_name TEXT NOT NULL DEFAULT '',
			participant_number TEXT NOT NULL DEFAULT '',
			participant_role TEXT NOT NULL DEFAULT '',
			computer_name TEXT NOT NULL DEFAULT '',
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (link_id, session_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_link_members_session ON link_members(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_links_status ON conversation_links(status);`,

		`CREATE TABLE IF NOT EXISTS session_listeners (
			target_session_id TEXT NOT NULL,
			caller_session_id TEXT NOT NULL,
			caller_tmux_session TEXT NOT NULL DEFAULT '',
			registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (target_session_id, caller_session_id)
		);`,

		`CREATE TABLE IF NOT EXISTS notification_outbox (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			subscriber TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','delivered','failed')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME,
			locked_at DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			delivered_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notification_outbox_claimable
			ON notification_outbox(status, next_attempt_at, created_at);`,

		`CREATE TABLE IF NOT EXISTS webhook_outbox (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','delivered','failed')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME,
			locked_at DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			delivered_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_outbox_claimable
			ON webhook_outbox(status, next_attempt_at, created_at);`,

		`CREATE TABLE IF NOT EXISTS voice_assignments (
			id TEXT PRIMARY KEY,
			service_name TEXT NOT NULL,
			voice TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_assignments_expires ON voice_assignments(expires_at);`,

		`CREATE TABLE IF NOT EXISTS system_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT 'default',
			role TEXT NOT NULL CHECK(role IN ('system','user','assistant','tool')),
			content TEXT NOT NULL DEFAULT '',
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			archived_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_agent ON messages(session_id, agent_id, id);`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record("allow", "data.migration",
		fmt.Sprintf("schema created at v%d (checksum %s)", schemaVersion, schemaChecksum),
		"", "system")
	return nil
}

// KVSet/KVGet back system_settings (§6 Persistence: "a key-value
// system_settings table").
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, key, value)
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %q: %w", key, err)
	}
	return value, nil
}
