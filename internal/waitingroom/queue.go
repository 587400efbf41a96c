// Package waitingroom keeps the per-session patient queue and its dense ranking.
package waitingroom

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"teleconsult/pkg/clock"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
	"teleconsult/pkg/types"
)

const enterAttempts = 3

type Config struct {
	OrphanTimeout     time.Duration
	BaseMinutes       int
	PerPatientMinutes int
}

func DefaultConfig() Config {
	return Config{OrphanTimeout: 30 * time.Minute, BaseMinutes: 2, PerPatientMinutes: 5}
}

// Reachability tells orphan recovery whether a user still holds a live
// connection to the session.
type Reachability interface {
	IsConnected(sessionID, userID string) bool
}

// Recovery reports what an orphan pass did for one session.
type Recovery struct {
	TimedOut  []*types.WaitingRoomEntry
	Reentered []*types.WaitingRoomEntry
}

// Queue implements the waiting room on top of the store's conditional
// entry updates. It holds no state of its own.
type Queue struct {
	store     interfaces.WaitingRoomStore
	clock     clock.Clock
	cfg       Config
	reachable Reachability
	metrics   *metrics.Collector
	log       *logrus.Entry
}

// NewQueue creates a queue. reachable may be nil, in which case orphan
// recovery never re-enters anyone.
func NewQueue(store interfaces.WaitingRoomStore, clk clock.Clock, cfg Config, reachable Reachability, m *metrics.Collector, log *logger.Logger) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	def := DefaultConfig()
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = def.OrphanTimeout
	}
	if cfg.BaseMinutes <= 0 {
		cfg.BaseMinutes = def.BaseMinutes
	}
	if cfg.PerPatientMinutes <= 0 {
		cfg.PerPatientMinutes = def.PerPatientMinutes
	}
	return &Queue{
		store:     store,
		clock:     clk,
		cfg:       cfg,
		reachable: reachable,
		metrics:   m,
		log:       log.WithComponent("waitingroom"),
	}
}

// Estimate returns the wait estimate in minutes for a queue position.
func (q *Queue) Estimate(position int) int {
	est := (position-1)*q.cfg.PerPatientMinutes + q.cfg.BaseMinutes
	if est < q.cfg.BaseMinutes {
		return q.cfg.BaseMinutes
	}
	return est
}

// Enter places the user at the back of the queue. It is idempotent while the
// user already waits; a stale entry of the same user is timed out and replaced.
// The boolean reports whether a new entry was created.
func (q *Queue) Enter(ctx context.Context, sessionID, userID string) (*types.WaitingRoomEntry, bool, error) {
	for attempt := 0; attempt < enterAttempts; attempt++ {
		existing, err := q.store.GetWaitingEntry(ctx, sessionID, userID)
		switch {
		case err == nil && existing.Status == types.WaitingStatusWaiting:
			if !q.isStale(existing) {
				return existing, false, nil
			}
			q.timeout(ctx, existing)
		case err != nil && !errors.Is(err, interfaces.ErrNotFound):
			return nil, false, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
		}

		entry := &types.WaitingRoomEntry{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			UserID:    userID,
			EnteredAt: q.clock.Now(),
			Status:    types.WaitingStatusWaiting,
		}
		if err := q.store.CreateWaitingEntry(ctx, entry); err != nil {
			if errors.Is(err, interfaces.ErrDuplicate) {
				// a concurrent enter of the same user won; re-read it
				continue
			}
			return nil, false, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
		}

		ranked, err := q.rerank(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		for _, e := range ranked {
			if e.ID == entry.ID {
				entry = e
				break
			}
		}
		q.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"user_id":    userID,
			"position":   entry.QueuePosition,
			"estimate":   entry.EstimatedWaitMinutes,
		}).Info("Patient entered waiting room")
		return entry, true, nil
	}
	return nil, false, types.NewConflict(types.CodeVersionConflict, "waiting room entry changed concurrently, retry")
}

// Admit moves the user's waiting entry to admitted and returns it with the
// re-ranked remaining queue.
func (q *Queue) Admit(ctx context.Context, sessionID, userID, admittedBy string) (*types.WaitingRoomEntry, []*types.WaitingRoomEntry, error) {
	return q.exit(ctx, sessionID, userID, func(e *types.WaitingRoomEntry, now time.Time) {
		e.Status = types.WaitingStatusAdmitted
		e.AdmittedAt = &now
		e.AdmittedBy = admittedBy
	})
}

// Leave marks the user's waiting entry left and re-ranks the rest.
func (q *Queue) Leave(ctx context.Context, sessionID, userID string) (*types.WaitingRoomEntry, []*types.WaitingRoomEntry, error) {
	return q.exit(ctx, sessionID, userID, func(e *types.WaitingRoomEntry, now time.Time) {
		e.Status = types.WaitingStatusLeft
		e.LeftAt = &now
	})
}

func (q *Queue) exit(ctx context.Context, sessionID, userID string, mutate func(*types.WaitingRoomEntry, time.Time)) (*types.WaitingRoomEntry, []*types.WaitingRoomEntry, error) {
	entry, err := q.store.GetWaitingEntry(ctx, sessionID, userID)
	if err != nil {
		return nil, nil, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
	}
	if entry.Status != types.WaitingStatusWaiting {
		return nil, nil, types.NewInvalidState(types.CodeNotWaiting, "user is not waiting").
			WithDetail("status", entry.Status)
	}

	next := entry.Clone()
	mutate(next, q.clock.Now())
	next.QueuePosition = 0
	next.EstimatedWaitMinutes = 0
	if err := q.store.UpdateWaitingEntryIfStatus(ctx, next, types.WaitingStatusWaiting); err != nil {
		return nil, nil, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
	}

	remaining, err := q.rerank(ctx, sessionID)
	if err != nil {
		return next, nil, err
	}
	q.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
		"status":     next.Status,
		"remaining":  len(remaining),
	}).Info("Patient left waiting queue")
	return next, remaining, nil
}

// CloseAll marks every waiting entry of the session left, used when the
// session ends. Entries changed concurrently are skipped.
func (q *Queue) CloseAll(ctx context.Context, sessionID string) ([]*types.WaitingRoomEntry, error) {
	waiting, err := q.store.ListWaitingEntries(ctx, sessionID, types.WaitingStatusWaiting)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
	}
	now := q.clock.Now()
	var closed []*types.WaitingRoomEntry
	for _, e := range waiting {
		next := e.Clone()
		next.Status = types.WaitingStatusLeft
		next.LeftAt = &now
		next.QueuePosition = 0
		next.EstimatedWaitMinutes = 0
		if err := q.store.UpdateWaitingEntryIfStatus(ctx, next, types.WaitingStatusWaiting); err != nil {
			if !errors.Is(err, interfaces.ErrStatusChanged) {
				q.log.WithError(err).WithField("entry_id", e.ID).Warn("Failed to close waiting entry")
			}
			continue
		}
		closed = append(closed, next)
	}
	if _, err := q.rerank(ctx, sessionID); err != nil {
		return closed, err
	}
	return closed, nil
}

// RecoverOrphans times out the session's waiting entries older than the
// orphan timeout. Users still connected get a fresh entry at the back.
func (q *Queue) RecoverOrphans(ctx context.Context, sessionID string) (*Recovery, error) {
	waiting, err := q.store.ListWaitingEntries(ctx, sessionID, types.WaitingStatusWaiting)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
	}
	rec := &Recovery{}
	for _, e := range waiting {
		if !q.isStale(e) {
			continue
		}
		if timedOut := q.timeout(ctx, e); timedOut != nil {
			rec.TimedOut = append(rec.TimedOut, timedOut)
		}
	}
	if len(rec.TimedOut) == 0 {
		return rec, nil
	}
	if _, err := q.rerank(ctx, sessionID); err != nil {
		return rec, err
	}

	for _, e := range rec.TimedOut {
		if q.reachable == nil || !q.reachable.IsConnected(e.SessionID, e.UserID) {
			continue
		}
		fresh, _, err := q.Enter(ctx, e.SessionID, e.UserID)
		if err != nil {
			q.log.WithError(err).WithField("user_id", e.UserID).Warn("Failed to re-enter reachable patient")
			continue
		}
		rec.Reentered = append(rec.Reentered, fresh)
	}

	q.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"timed_out":  len(rec.TimedOut),
		"reentered":  len(rec.Reentered),
	}).Info("Recovered orphaned waiting entries")
	return rec, nil
}

// SweepOrphans runs orphan recovery for every session holding a stale entry
// and returns the number of entries timed out.
func (q *Queue) SweepOrphans(ctx context.Context) (int, error) {
	stale, err := q.store.ListStaleWaitingEntries(ctx, q.clock.Now().Add(-q.cfg.OrphanTimeout))
	if err != nil {
		return 0, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
	}
	seen := make(map[string]bool)
	total := 0
	for _, e := range stale {
		if seen[e.SessionID] {
			continue
		}
		seen[e.SessionID] = true
		rec, err := q.RecoverOrphans(ctx, e.SessionID)
		if err != nil {
			q.log.WithError(err).WithField("session_id", e.SessionID).Warn("Orphan recovery failed")
		}
		if rec != nil {
			total += len(rec.TimedOut)
		}
	}
	return total, nil
}

// List returns the waiting entries of the session in queue order.
func (q *Queue) List(ctx context.Context, sessionID string) ([]*types.WaitingRoomEntry, error) {
	list, err := q.store.ListWaitingEntries(ctx, sessionID, types.WaitingStatusWaiting)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
	}
	return list, nil
}

// Position returns the user's current waiting entry.
func (q *Queue) Position(ctx context.Context, sessionID, userID string) (*types.WaitingRoomEntry, error) {
	entry, err := q.store.GetWaitingEntry(ctx, sessionID, userID)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
	}
	if entry.Status != types.WaitingStatusWaiting {
		return nil, types.NewInvalidState(types.CodeNotWaiting, "user is not waiting")
	}
	return entry, nil
}

// Stats counts entries per status and averages the wait of admitted patients.
func (q *Queue) Stats(ctx context.Context, sessionID string) (*types.WaitingRoomStats, error) {
	all, err := q.store.ListWaitingEntries(ctx, sessionID, "")
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
	}
	stats := &types.WaitingRoomStats{SessionID: sessionID}
	var waited time.Duration
	for _, e := range all {
		switch e.Status {
		case types.WaitingStatusWaiting:
			stats.Waiting++
		case types.WaitingStatusAdmitted:
			stats.Admitted++
			if e.AdmittedAt != nil {
				waited += e.AdmittedAt.Sub(e.EnteredAt)
			}
		case types.WaitingStatusLeft:
			stats.Left++
		case types.WaitingStatusTimeout:
			stats.TimedOut++
		}
	}
	if stats.Admitted > 0 {
		stats.AverageWaitedMinutes = waited.Minutes() / float64(stats.Admitted)
	}
	return stats, nil
}

func (q *Queue) isStale(e *types.WaitingRoomEntry) bool {
	return q.clock.Now().Sub(e.EnteredAt) > q.cfg.OrphanTimeout
}

// timeout marks e timed out; nil means another writer got there first.
func (q *Queue) timeout(ctx context.Context, e *types.WaitingRoomEntry) *types.WaitingRoomEntry {
	next := e.Clone()
	next.Status = types.WaitingStatusTimeout
	next.LeftAt = types.TimePtr(q.clock.Now())
	next.QueuePosition = 0
	next.EstimatedWaitMinutes = 0
	if err := q.store.UpdateWaitingEntryIfStatus(ctx, next, types.WaitingStatusWaiting); err != nil {
		if !errors.Is(err, interfaces.ErrStatusChanged) {
			q.log.WithError(err).WithField("entry_id", e.ID).Warn("Failed to time out waiting entry")
		}
		return nil
	}
	return next
}

func (q *Queue) rerank(ctx context.Context, sessionID string) ([]*types.WaitingRoomEntry, error) {
	ranked, err := q.store.RerankWaitingEntries(ctx, sessionID, q.Estimate)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "waiting room entry", types.CodeEntryNotFound)
	}
	q.metrics.SetWaiting(sessionID, len(ranked))
	return ranked, nil
}
