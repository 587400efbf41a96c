// Package invitation issues and validates time-gated, single-use invitation tokens.
//
// Validation is not a pure read: a PENDING token found past its validity
// boundary is written back as EXPIRED during the access that observed it.
package invitation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"teleconsult/pkg/clock"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/types"
)

const (
	tokenBytes    = 32
	updateRetries = 3
)

// Config holds token lifetime and the device-test window.
type Config struct {
	TTL              time.Duration
	DeviceTestCutoff time.Duration
	// MaxDeviceTests bounds device-test submissions per token; 0 means unlimited.
	MaxDeviceTests int
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{TTL: 24 * time.Hour, DeviceTestCutoff: 2 * time.Minute}
}

// Access names the operation validating a token; the device-test access has the
// narrower window.
type Access int

const (
	AccessValidate Access = iota
	AccessAcknowledge
	AccessDeviceTest
	AccessJoin
)

func (a Access) String() string {
	switch a {
	case AccessAcknowledge:
		return "acknowledge"
	case AccessDeviceTest:
		return "device_test"
	case AccessJoin:
		return "join"
	default:
		return "validate"
	}
}

// Service implements the invitation token lifecycle on top of the store.
type Service struct {
	store interfaces.Store
	clock clock.Clock
	cfg   Config
	log   *logrus.Entry
}

func NewService(store interfaces.Store, clk clock.Clock, cfg Config, log *logger.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Service{store: store, clock: clk, cfg: cfg, log: log.WithComponent("invitation")}
}

// NewToken returns 32 random bytes encoded as unpadded base64url.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues a PENDING invitation for the session.
func (s *Service) Create(ctx context.Context, createdBy string, req types.CreateInvitationRequest) (*types.Invitation, error) {
	email := types.NormalizeEmail(req.Email)
	if email == "" {
		return nil, types.NewValidation("a valid email address is required")
	}
	if req.Role == "" {
		req.Role = types.RolePatient
	}
	switch req.Role {
	case types.RolePatient, types.RoleGuest, types.RoleExpert:
	default:
		return nil, types.NewValidation("invitations may grant PATIENT, GUEST or EXPERT only")
	}

	session, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "session", types.CodeSessionNotFound)
	}
	if session.Status.IsTerminal() {
		return nil, types.NewInvalidState(types.CodeSessionClosed, "session is closed")
	}

	token, err := NewToken()
	if err != nil {
		return nil, types.NewInternal("could not issue invitation", err)
	}
	now := s.clock.Now()
	inv := &types.Invitation{
		Token:       token,
		SessionID:   session.ID,
		InviteEmail: email,
		Role:        req.Role,
		Status:      types.InvitationPending,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TTL),
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		if errors.Is(err, interfaces.ErrDuplicate) {
			return nil, types.NewConflict(types.CodeDuplicate, "a pending invitation already exists for this email")
		}
		return nil, interfaces.TranslateStoreError(err, "invitation", types.CodeInvitationNotFound)
	}

	s.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"role":       inv.Role,
		"created_by": createdBy,
	}).Info("Invitation created")
	return inv, nil
}

// Get returns the stored invitation without any validity evaluation.
func (s *Service) Get(ctx context.Context, token string) (*types.Invitation, error) {
	inv, err := s.store.GetInvitation(ctx, token)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "invitation", types.CodeInvitationNotFound)
	}
	return inv, nil
}

// ListForSession returns every invitation of the session.
func (s *Service) ListForSession(ctx context.Context, sessionID string) ([]*types.Invitation, error) {
	list, err := s.store.ListInvitations(ctx, sessionID)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "invitation", types.CodeInvitationNotFound)
	}
	return list, nil
}

// Validate evaluates the token for a plain read and returns it with its session.
func (s *Service) Validate(ctx context.Context, token string) (*types.Invitation, *types.Session, error) {
	return s.access(ctx, token, AccessValidate)
}

// Acknowledge records that the invitee opened the invitation. Repeated calls
// keep the first acknowledgement time.
func (s *Service) Acknowledge(ctx context.Context, token string) (*types.Invitation, *types.Session, error) {
	var session *types.Session
	inv, err := s.update(ctx, token, AccessAcknowledge, func(inv *types.Invitation, sess *types.Session) (bool, error) {
		session = sess
		if inv.AcknowledgedAt != nil {
			return false, nil
		}
		inv.AcknowledgedAt = types.TimePtr(s.clock.Now())
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return inv, session, nil
}

// CompleteDeviceTest records one device-test submission. Only a full pass
// changes status (PENDING to USED); a partial pass asks for a retest.
func (s *Service) CompleteDeviceTest(ctx context.Context, token string, result types.DeviceTestResult) (*types.DeviceTestOutcome, error) {
	inv, err := s.update(ctx, token, AccessDeviceTest, func(inv *types.Invitation, _ *types.Session) (bool, error) {
		if s.cfg.MaxDeviceTests > 0 && inv.DeviceTestAttempts >= s.cfg.MaxDeviceTests {
			return false, types.NewForbidden(types.CodeRetestLimit, "device test attempt limit reached").
				WithDetail("max_device_tests", s.cfg.MaxDeviceTests)
		}
		inv.DeviceTestAttempts++
		if result.Passed() && inv.Status == types.InvitationPending {
			inv.Status = types.InvitationUsed
			inv.UsedAt = types.TimePtr(s.clock.Now())
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	outcome := &types.DeviceTestOutcome{
		Invitation:     inv,
		Passed:         result.Passed(),
		RequiresRetest: !result.Passed(),
		FailedChecks:   result.Failed(),
	}
	if s.cfg.MaxDeviceTests > 0 {
		outcome.AttemptsLeft = s.cfg.MaxDeviceTests - inv.DeviceTestAttempts
	}
	if outcome.RequiresRetest {
		s.log.WithFields(logrus.Fields{
			"session_id": inv.SessionID,
			"failed":     outcome.FailedChecks,
			"attempts":   inv.DeviceTestAttempts,
		}).Debug("Device test incomplete, retest required")
	}
	return outcome, nil
}

// BindFunc runs once an invitation is known to be redeemable, before it is
// consumed. An error leaves the invitation untouched.
type BindFunc func(inv *types.Invitation, session *types.Session) error

// Accept binds the invitation to the redeeming user and marks it USED.
// bind, when set, attaches the user to the session first; the token is only
// consumed when bind succeeds.
func (s *Service) Accept(ctx context.Context, token, userID string, bind BindFunc) (*types.Invitation, *types.Session, error) {
	var session *types.Session
	inv, err := s.update(ctx, token, AccessJoin, func(inv *types.Invitation, sess *types.Session) (bool, error) {
		session = sess
		if inv.InvitedUserID != "" && inv.InvitedUserID != userID {
			return false, types.NewForbidden(types.CodeInvitationRedeemed, "invitation was redeemed by another user")
		}
		if sess.Status.IsTerminal() {
			return false, types.NewInvalidState(types.CodeSessionClosed, "session is closed")
		}
		if bind != nil {
			if err := bind(inv, sess); err != nil {
				return false, err
			}
		}
		changed := false
		if inv.InvitedUserID == "" {
			inv.InvitedUserID = userID
			changed = true
		}
		if inv.Status == types.InvitationPending {
			inv.Status = types.InvitationUsed
			inv.UsedAt = types.TimePtr(s.clock.Now())
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return inv, session, nil
}

// Reject lets the invitee decline a pending invitation.
func (s *Service) Reject(ctx context.Context, token, userID string) (*types.Invitation, error) {
	return s.update(ctx, token, AccessValidate, func(inv *types.Invitation, _ *types.Session) (bool, error) {
		if inv.Status != types.InvitationPending {
			return false, types.NewInvalidState(types.CodeInvitationNotPending, "only pending invitations can be rejected")
		}
		inv.Status = types.InvitationRevoked
		inv.RevokedAt = types.TimePtr(s.clock.Now())
		inv.RevokeReason = "rejected"
		if inv.InvitedUserID == "" {
			inv.InvitedUserID = userID
		}
		return true, nil
	})
}

// Revoke withdraws a pending invitation. No validity window applies.
func (s *Service) Revoke(ctx context.Context, token, reason string) (*types.Invitation, error) {
	if reason == "" {
		reason = "revoked"
	}
	return s.modify(ctx, token, func(inv *types.Invitation) (bool, error) {
		if inv.Status != types.InvitationPending {
			return false, types.NewInvalidState(types.CodeInvitationNotPending, "only pending invitations can be revoked")
		}
		inv.Status = types.InvitationRevoked
		inv.RevokedAt = types.TimePtr(s.clock.Now())
		inv.RevokeReason = reason
		return true, nil
	})
}

// ClaimFinalReminder marks inv as reminded before the reminder is sent, so a
// second sweep never sends it again. A PENDING invitation becomes USED. The
// boolean is false when the invitation was already claimed or is not eligible.
func (s *Service) ClaimFinalReminder(ctx context.Context, token string) (*types.Invitation, bool, error) {
	claimed := false
	inv, err := s.modify(ctx, token, func(inv *types.Invitation) (bool, error) {
		claimed = false
		if inv.FinalReminderSentAt != nil {
			return false, nil
		}
		if inv.Status != types.InvitationPending && inv.Status != types.InvitationUsed {
			return false, nil
		}
		now := s.clock.Now()
		inv.FinalReminderSentAt = &now
		if inv.Status == types.InvitationPending {
			inv.Status = types.InvitationUsed
			inv.UsedAt = &now
		}
		claimed = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	return inv, claimed, nil
}

// ExpireStale writes EXPIRED on pending invitations whose expiry passed and
// whose session no longer extends them. It returns the number expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.clock.Now()
	candidates, err := s.store.ListPendingInvitationsExpiringBefore(ctx, now)
	if err != nil {
		return 0, interfaces.TranslateStoreError(err, "invitation", types.CodeInvitationNotFound)
	}

	expired := 0
	for _, inv := range candidates {
		session, err := s.store.GetSession(ctx, inv.SessionID)
		if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			s.log.WithError(err).WithField("session_id", inv.SessionID).Warn("Failed to load session for invitation expiry")
			continue
		}
		if evalErr := s.evaluate(inv, session, now, AccessValidate); evalErr == nil || !shouldExpire(inv, evalErr) {
			continue
		}
		if s.expire(ctx, inv) {
			expired++
		}
	}
	if expired > 0 {
		s.log.WithField("count", expired).Info("Expired stale invitations")
	}
	return expired, nil
}

// access loads and evaluates a token, applying lazy expiry.
func (s *Service) access(ctx context.Context, token string, mode Access) (*types.Invitation, *types.Session, error) {
	inv, err := s.store.GetInvitation(ctx, token)
	if err != nil {
		return nil, nil, interfaces.TranslateStoreError(err, "invitation", types.CodeInvitationNotFound)
	}
	session, err := s.store.GetSession(ctx, inv.SessionID)
	if err != nil {
		return nil, nil, interfaces.TranslateStoreError(err, "session", types.CodeSessionNotFound)
	}

	if err := s.evaluate(inv, session, s.clock.Now(), mode); err != nil {
		if shouldExpire(inv, err) {
			s.expire(ctx, inv)
		}
		s.log.WithFields(logrus.Fields{
			"session_id": inv.SessionID,
			"access":     mode.String(),
			"code":       types.CodeOf(err),
		}).Debug("Invitation rejected")
		return nil, nil, err
	}
	return inv, session, nil
}

// evaluate applies the validity rules to inv at now. session may be nil when
// it no longer exists, in which case expiresAt is the only boundary.
func (s *Service) evaluate(inv *types.Invitation, session *types.Session, now time.Time, mode Access) error {
	switch inv.Status {
	case types.InvitationExpired:
		return types.NewExpired(types.CodeInvitationExpired, "invitation has expired")
	case types.InvitationRevoked:
		return types.NewExpired(types.CodeInvitationRevoked, "invitation was revoked")
	case types.InvitationPending, types.InvitationUsed:
	default:
		return types.NewInternal("unknown invitation status", fmt.Errorf("status %q", inv.Status))
	}

	// FUNCTIONAL DISCOVERY: a scheduled time replaces the 24h expiry as the boundary,
	// in both directions
	boundary := inv.ExpiresAt
	if session != nil && session.ScheduledAt != nil {
		boundary = *session.ScheduledAt
	}
	if !now.Before(boundary) {
		return types.NewExpired(types.CodeInvitationExpired, "invitation has expired").
			WithDetail("boundary", boundary)
	}

	if inv.Status == types.InvitationUsed && session != nil && session.StartedAt != nil {
		return types.NewExpired(types.CodeSessionStarted, "session has already started")
	}

	if mode == AccessDeviceTest && session != nil && session.ScheduledAt != nil {
		closesAt := session.ScheduledAt.Add(-s.cfg.DeviceTestCutoff)
		if !now.Before(closesAt) {
			return types.NewExpired(types.CodeTestingWindowClosed, "device testing window has closed").
				WithDetail("closed_at", closesAt)
		}
	}
	return nil
}

// shouldExpire reports whether err is a boundary expiry that must be persisted.
func shouldExpire(inv *types.Invitation, err error) bool {
	return inv.Status == types.InvitationPending && types.CodeOf(err) == types.CodeInvitationExpired
}

// expire writes EXPIRED; losing a race to another writer is fine.
func (s *Service) expire(ctx context.Context, inv *types.Invitation) bool {
	next := inv.Clone()
	next.Status = types.InvitationExpired
	if err := s.store.UpdateInvitationIfVersion(ctx, next, inv.Version); err != nil {
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			s.log.WithError(err).WithField("session_id", inv.SessionID).Warn("Failed to persist invitation expiry")
		}
		return false
	}
	*inv = *next
	return true
}

// update re-validates the token under mode and applies mutate with optimistic
// retries. mutate returns false when nothing needs writing.
func (s *Service) update(ctx context.Context, token string, mode Access, mutate func(*types.Invitation, *types.Session) (bool, error)) (*types.Invitation, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		inv, session, err := s.access(ctx, token, mode)
		if err != nil {
			return nil, err
		}
		expected := inv.Version
		changed, err := mutate(inv, session)
		if err != nil {
			return nil, err
		}
		if !changed {
			return inv, nil
		}
		err = s.store.UpdateInvitationIfVersion(ctx, inv, expected)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			return nil, interfaces.TranslateStoreError(err, "invitation", types.CodeInvitationNotFound)
		}
	}
	return nil, types.NewConflict(types.CodeVersionConflict, "invitation was modified concurrently, retry")
}

// modify is update without validity evaluation, for inviter and sweep writes.
func (s *Service) modify(ctx context.Context, token string, mutate func(*types.Invitation) (bool, error)) (*types.Invitation, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		inv, err := s.Get(ctx, token)
		if err != nil {
			return nil, err
		}
		expected := inv.Version
		changed, err := mutate(inv)
		if err != nil {
			return nil, err
		}
		if !changed {
			return inv, nil
		}
		err = s.store.UpdateInvitationIfVersion(ctx, inv, expected)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			return nil, interfaces.TranslateStoreError(err, "invitation", types.CodeInvitationNotFound)
		}
	}
	return nil, types.NewConflict(types.CodeVersionConflict, "invitation was modified concurrently, retry")
}
