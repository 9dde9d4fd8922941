// Package cron drives the periodic retention sweep: the 72-hour idle
// session close plus outbox/audit/message purge (spec.md §3 Session
// lifecycle, SPEC_FULL.md "Idle-sweep scheduler").
package cron

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-claw/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and retention knobs for the scheduler.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger
	Spec   string // cron expression or "@every" duration; defaults to "@every 1h"

	IdleSessionHours int
	AuditLogDays     int
	MessageDays      int
	OutboxDays       int
}

// Scheduler wraps a robfig/cron/v3 Cron instance running a single
// retention job on the configured spec.
type Scheduler struct {
	cron   *cronlib.Cron
	store  *persistence.Store
	logger *slog.Logger
	cfg    Config
}

// NewScheduler creates a Scheduler bound to cfg's retention knobs.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = "@every 1h"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cronlib.New(cronlib.WithParser(cronlib.NewParser(
		cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
	)))
	return &Scheduler{cron: c, store: cfg.Store, logger: logger, cfg: cfg}
}

// Start registers the retention job and launches the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Spec, func() { s.runRetention(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("retention scheduler started", "spec", s.cfg.Spec)
	return nil
}

// Stop halts the cron loop and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) runRetention(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	result, err := s.store.RunRetention(runCtx, s.cfg.IdleSessionHours, s.cfg.AuditLogDays, s.cfg.MessageDays, s.cfg.OutboxDays)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep complete",
		"idle_sessions_closed", result.IdleSessionsClosed,
		"purged_audit_logs", result.PurgedAuditLogs,
		"purged_messages", result.PurgedMessages,
		"purged_inbound_rows", result.PurgedInboundRows,
		"purged_hook_outbox_rows", result.PurgedHookOutboxRows,
		"purged_notification_rows", result.PurgedNotificationRows,
		"purged_webhook_rows", result.PurgedWebhookRows,
		"purged_voice_assignments", result.PurgedVoiceAssignments,
		"swept_listeners", result.SweptListeners,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
