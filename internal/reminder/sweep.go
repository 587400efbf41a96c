// Package reminder runs the periodic sweep: final reminders for sessions
// about to start, auto-admission, invitation expiry and orphaned waiting
// entries. It acts through the same orchestration API as request handlers.
package reminder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"teleconsult/internal/invitation"
	"teleconsult/internal/session"
	"teleconsult/internal/waitingroom"
	"teleconsult/pkg/clock"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
	"teleconsult/pkg/types"
)

var (
	ErrSweepAlreadyRunning = errors.New("reminder sweep is already running")
	ErrSweepNotRunning     = errors.New("reminder sweep is not running")
	ErrSweepInProgress     = errors.New("a sweep pass is already in progress")
)

// Actor is the identity the sweep acts and audits as.
var Actor = types.SystemActor("reminder-sweep")

type Config struct {
	Interval     time.Duration
	LookaheadMin time.Duration
	LookaheadMax time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: time.Minute, LookaheadMin: 2 * time.Minute, LookaheadMax: 3 * time.Minute}
}

// Report summarizes one pass.
type Report struct {
	RanAt              time.Time `json:"ran_at"`
	Sessions           int       `json:"sessions"`
	RemindersSent      int       `json:"reminders_sent"`
	RemindersSkipped   int       `json:"reminders_skipped"`
	RemindersFailed    int       `json:"reminders_failed"`
	AutoAdmitted       int       `json:"auto_admitted"`
	InvitationsExpired int       `json:"invitations_expired"`
	EntriesTimedOut    int       `json:"entries_timed_out"`
	Errors             []string  `json:"errors,omitempty"`
}

type Deps struct {
	Store       interfaces.SessionStore
	Invitations *invitation.Service
	Queue       *waitingroom.Queue
	Sessions    *session.Manager
	Delivery    interfaces.Notifier
	Clock       clock.Clock
	Metrics     *metrics.Collector
	Logger      *logger.Logger
}

// Sweep is safe for concurrent use; overlapping passes are refused.
type Sweep struct {
	store       interfaces.SessionStore
	invitations *invitation.Service
	queue       *waitingroom.Queue
	sessions    *session.Manager
	delivery    interfaces.Notifier
	clock       clock.Clock
	metrics     *metrics.Collector
	cfg         Config
	logger      *logger.Logger
	log         *logrus.Entry

	pass    sync.Mutex
	mu      sync.Mutex
	running bool
	ctx     context.Context
	timer   clock.Timer
}

func New(deps Deps, cfg Config) *Sweep {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LookaheadMax <= 0 {
		cfg.LookaheadMin, cfg.LookaheadMax = def.LookaheadMin, def.LookaheadMax
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Sweep{
		store:       deps.Store,
		invitations: deps.Invitations,
		queue:       deps.Queue,
		sessions:    deps.Sessions,
		delivery:    deps.Delivery,
		clock:       clk,
		metrics:     deps.Metrics,
		cfg:         cfg,
		logger:      deps.Logger,
		log:         deps.Logger.WithComponent("reminder").WithField("actor", Actor.UserID),
	}
}

// Start schedules a pass every interval until Stop or ctx is done.
func (s *Sweep) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSweepAlreadyRunning
	}
	s.running = true
	s.ctx = ctx
	s.timer = s.clock.AfterFunc(s.cfg.Interval, s.tick)
	s.log.WithField("interval", s.cfg.Interval).Info("Reminder sweep started")
	return nil
}

func (s *Sweep) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrSweepNotRunning
	}
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.log.Info("Reminder sweep stopped")
	return nil
}

func (s *Sweep) tick() {
	s.mu.Lock()
	ctx, running := s.ctx, s.running
	s.mu.Unlock()
	if !running {
		return
	}
	if ctx.Err() != nil {
		_ = s.Stop()
		return
	}

	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
		s.log.WithError(err).Error("Reminder sweep failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.timer = s.clock.AfterFunc(s.cfg.Interval, s.tick)
	}
}

// RunOnce performs a single pass. Failures of one invitation or session are
// recorded in the report and never abort the batch.
func (s *Sweep) RunOnce(ctx context.Context) (*Report, error) {
	if !s.pass.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer s.pass.Unlock()

	now := s.clock.Now()
	report := &Report{RanAt: now}
	ctx = logger.ContextWithCorrelation(ctx, uuid.New().String())

	due, err := s.store.ListSessionsScheduledBetween(ctx, now.Add(s.cfg.LookaheadMin), now.Add(s.cfg.LookaheadMax),
		types.StatusScheduled, types.StatusWaiting)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "session", types.CodeSessionNotFound)
	}
	report.Sessions = len(due)

	for _, sess := range due {
		s.remind(ctx, sess, report)
		if sess.AutoAdmitPatients {
			admitted, err := s.sessions.AdmitAllWaiting(ctx, Actor, sess.ID)
			if err != nil {
				report.Errors = append(report.Errors, "auto-admit "+sess.ID+": "+err.Error())
			}
			report.AutoAdmitted += len(admitted)
		}
	}

	if n, err := s.invitations.ExpireStale(ctx); err != nil {
		report.Errors = append(report.Errors, "expire invitations: "+err.Error())
	} else {
		report.InvitationsExpired = n
	}
	if n, err := s.queue.SweepOrphans(ctx); err != nil {
		report.Errors = append(report.Errors, "orphan timeout: "+err.Error())
	} else {
		report.EntriesTimedOut = n
	}

	s.log.WithFields(logrus.Fields{
		"sessions":            report.Sessions,
		"reminders_sent":      report.RemindersSent,
		"reminders_failed":    report.RemindersFailed,
		"auto_admitted":       report.AutoAdmitted,
		"invitations_expired": report.InvitationsExpired,
		"entries_timed_out":   report.EntriesTimedOut,
	}).Debug("Reminder sweep pass complete")
	s.logger.Audit(Actor.UserID, "reminder_sweep", "sessions", len(report.Errors) == 0, map[string]interface{}{
		"sessions":       report.Sessions,
		"reminders_sent": report.RemindersSent,
	})
	return report, nil
}

// remind claims and sends the final reminder of every eligible invitation.
func (s *Sweep) remind(ctx context.Context, sess *types.Session, report *Report) {
	invitations, err := s.invitations.ListForSession(ctx, sess.ID)
	if err != nil {
		report.Errors = append(report.Errors, "list invitations "+sess.ID+": "+err.Error())
		return
	}
	for _, inv := range invitations {
		if inv.FinalReminderSentAt != nil || s.delivery == nil {
			continue
		}
		// claim first: a lost send is preferred over a duplicate reminder
		claimed, ok, err := s.invitations.ClaimFinalReminder(ctx, inv.Token)
		if err != nil {
			report.RemindersFailed++
			s.metrics.RecordReminder("failed")
			s.log.WithError(err).WithField("session_id", sess.ID).Warn("Failed to claim final reminder")
			continue
		}
		if !ok {
			report.RemindersSkipped++
			s.metrics.RecordReminder("skipped")
			continue
		}

		args := map[string]interface{}{
			"token":        claimed.Token,
			"session_id":   sess.ID,
			"title":        sess.Title,
			"role":         claimed.Role,
			"join_url":     s.sessions.JoinURL(claimed.Token),
			"scheduled_at": sess.ScheduledAt.Format(time.RFC3339),
		}
		if err := s.delivery.Send(ctx, types.DeliveryFinalReminder, claimed.InviteEmail, args); err != nil {
			report.RemindersFailed++
			s.metrics.RecordReminder("failed")
			s.log.WithError(err).WithField("session_id", sess.ID).Warn("Final reminder delivery failed")
			continue
		}
		report.RemindersSent++
		s.metrics.RecordReminder("sent")
	}
}
