package cron_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/cron"
	"github.com/basket/go-claw/internal/persistence"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "teleclaude.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// The retention scheduler must close a session that has gone idle past the
// configured window on its first tick (§3 Session lifecycle, SPEC_FULL.md
// idle-sweep scheduler).
func TestScheduler_ClosesIdleSessionOnTick(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, persistence.SessionSpec{
		ComputerName:    "host-1",
		LastInputOrigin: "telegram",
		HumanRole:       "member",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	old := time.Now().Add(-100 * time.Hour)
	if _, err := store.DB().ExecContext(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`, old, session.ID); err != nil {
		t.Fatalf("backdate last_activity: %v", err)
	}

	sched := cron.NewScheduler(cron.Config{
		Store:            store,
		Logger:           slog.Default(),
		Spec:             "@every 20ms",
		IdleSessionHours: 72,
		AuditLogDays:     365,
		MessageDays:      90,
		OutboxDays:       7,
	})
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		got, err := store.GetSession(ctx, session.ID)
		return err == nil && got != nil && got.ClosedAt != nil
	})
}

func TestNextRunTime_ParsesStandardCronFields(t *testing.T) {
	after := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 10 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if next.Hour() != 10 || next.Minute() != 0 {
		t.Errorf("next run = %v, want 10:00", next)
	}
}
