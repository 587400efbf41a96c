package types

import (
	"time"
)

// Role is the part a user plays inside one consultation session.
type Role string

const (
	RolePatient      Role = "PATIENT"
	RolePractitioner Role = "PRACTITIONER"
	RoleExpert       Role = "EXPERT"
	RoleGuest        Role = "GUEST"
	RoleAdmin        Role = "ADMIN"
)

// IsPrivileged reports whether the role keeps a session alive while connected.
// ARCHITECTURAL DISCOVERY: privileged roles are also the exclusive ones, at most
// one active connection of each per session.
func (r Role) IsPrivileged() bool {
	return r == RolePractitioner || r == RoleExpert
}

// IsPatientSide reports whether the role goes through the waiting room.
func (r Role) IsPatientSide() bool {
	return r == RolePatient || r == RoleGuest
}

// SessionStatus is the consultation lifecycle state.
type SessionStatus string

const (
	StatusDraft          SessionStatus = "DRAFT"
	StatusScheduled      SessionStatus = "SCHEDULED"
	StatusWaiting        SessionStatus = "WAITING"
	StatusActive         SessionStatus = "ACTIVE"
	StatusCompleted      SessionStatus = "COMPLETED"
	StatusCancelled      SessionStatus = "CANCELLED"
	StatusTerminatedOpen SessionStatus = "TERMINATED_OPEN"
)

// IsTerminal reports whether no further transition is accepted.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// InvitationStatus tracks the single-use lifecycle of an invitation token.
type InvitationStatus string

const (
	InvitationPending InvitationStatus = "PENDING"
	InvitationUsed    InvitationStatus = "USED"
	InvitationExpired InvitationStatus = "EXPIRED"
	InvitationRevoked InvitationStatus = "REVOKED"
)

// WaitingStatus is the state of one waiting-room entry.
type WaitingStatus string

const (
	WaitingStatusWaiting  WaitingStatus = "waiting"
	WaitingStatusAdmitted WaitingStatus = "admitted"
	WaitingStatusLeft     WaitingStatus = "left"
	WaitingStatusTimeout  WaitingStatus = "timeout"
)

// Session represents one consultation instance.
// FUNCTIONAL DISCOVERY: Version is bumped by exactly one on every accepted update;
// writers must present the version they read.
type Session struct {
	ID                 string        `json:"id"`
	Title              string        `json:"title,omitempty"`
	OwnerID            string        `json:"owner_id,omitempty"`
	Status             SessionStatus `json:"status"`
	ScheduledAt        *time.Time    `json:"scheduled_at,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	ClosedAt           *time.Time    `json:"closed_at,omitempty"`
	Version            int64         `json:"version"`
	WaitingRoomEnabled bool          `json:"waiting_room_enabled"`
	AutoAdmitPatients  bool          `json:"auto_admit_patients"`
	CancelReason       string        `json:"cancel_reason,omitempty"`
	CreatedBy          string        `json:"created_by"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ScheduledAt = cloneTime(s.ScheduledAt)
	c.StartedAt = cloneTime(s.StartedAt)
	c.ClosedAt = cloneTime(s.ClosedAt)
	return &c
}

// Participant is the membership of one user in one session, keyed by (SessionID, UserID).
type Participant struct {
	SessionID              string     `json:"session_id"`
	UserID                 string     `json:"user_id"`
	Role                   Role       `json:"role"`
	IsActive               bool       `json:"is_active"`
	InWaitingRoom          bool       `json:"in_waiting_room"`
	JoinedAt               *time.Time `json:"joined_at,omitempty"`
	WaitingRoomEnteredAt   *time.Time `json:"waiting_room_entered_at,omitempty"`
	AdmittedAt             *time.Time `json:"admitted_at,omitempty"`
	AdmittedBy             string     `json:"admitted_by,omitempty"`
	LastActiveAt           *time.Time `json:"last_active_at,omitempty"`
	ConnectionQualityScore float64    `json:"connection_quality_score"`
}

func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	c := *p
	c.JoinedAt = cloneTime(p.JoinedAt)
	c.WaitingRoomEnteredAt = cloneTime(p.WaitingRoomEnteredAt)
	c.AdmittedAt = cloneTime(p.AdmittedAt)
	c.LastActiveAt = cloneTime(p.LastActiveAt)
	return &c
}

// Invitation is a single-use, time-gated access grant to a session.
type Invitation struct {
	Token               string           `json:"token"`
	SessionID           string           `json:"session_id"`
	InviteEmail         string           `json:"invite_email"`
	Role                Role             `json:"role"`
	Status              InvitationStatus `json:"status"`
	Version             int64            `json:"version"`
	CreatedBy           string           `json:"created_by"`
	CreatedAt           time.Time        `json:"created_at"`
	ExpiresAt           time.Time        `json:"expires_at"`
	UsedAt              *time.Time       `json:"used_at,omitempty"`
	InvitedUserID       string           `json:"invited_user_id,omitempty"`
	AcknowledgedAt      *time.Time       `json:"acknowledged_at,omitempty"`
	DeviceTestAttempts  int              `json:"device_test_attempts"`
	FinalReminderSentAt *time.Time       `json:"final_reminder_sent_at,omitempty"`
	RevokedAt           *time.Time       `json:"revoked_at,omitempty"`
	RevokeReason        string           `json:"revoke_reason,omitempty"`
}

func (i *Invitation) Clone() *Invitation {
	if i == nil {
		return nil
	}
	c := *i
	c.UsedAt = cloneTime(i.UsedAt)
	c.AcknowledgedAt = cloneTime(i.AcknowledgedAt)
	c.FinalReminderSentAt = cloneTime(i.FinalReminderSentAt)
	c.RevokedAt = cloneTime(i.RevokedAt)
	return &c
}

// WaitingRoomEntry is one patient's place in a session queue.
// FUNCTIONAL DISCOVERY: QueuePosition is dense 1..N by EnteredAt among waiting entries.
type WaitingRoomEntry struct {
	ID                   string        `json:"id"`
	SessionID            string        `json:"session_id"`
	UserID               string        `json:"user_id"`
	EnteredAt            time.Time     `json:"entered_at"`
	QueuePosition        int           `json:"queue_position"`
	EstimatedWaitMinutes int           `json:"estimated_wait_minutes"`
	Status               WaitingStatus `json:"status"`
	AdmittedAt           *time.Time    `json:"admitted_at,omitempty"`
	AdmittedBy           string        `json:"admitted_by,omitempty"`
	LeftAt               *time.Time    `json:"left_at,omitempty"`
}

func (e *WaitingRoomEntry) Clone() *WaitingRoomEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.AdmittedAt = cloneTime(e.AdmittedAt)
	c.LeftAt = cloneTime(e.LeftAt)
	return &c
}

// Rating is a patient's post-consultation score.
type Rating struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceTestResult carries the three capability checks reported by the client.
type DeviceTestResult struct {
	Camera     bool `json:"camera"`
	Microphone bool `json:"microphone"`
	Speaker    bool `json:"speaker"`
}

// Failed lists the capabilities that did not pass.
func (d DeviceTestResult) Failed() []string {
	var failed []string
	if !d.Camera {
		failed = append(failed, "camera")
	}
	if !d.Microphone {
		failed = append(failed, "microphone")
	}
	if !d.Speaker {
		failed = append(failed, "speaker")
	}
	return failed
}

// Passed reports whether every capability check passed.
func (d DeviceTestResult) Passed() bool {
	return d.Camera && d.Microphone && d.Speaker
}

// Actor identifies who performs an orchestration operation.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	System bool   `json:"system,omitempty"`
}

// SystemActor builds the synthetic identity used by background processes.
func SystemActor(name string) Actor {
	return Actor{UserID: "system:" + name, Role: RoleAdmin, System: true}
}

// IsAdmin reports whether the actor may perform administrative actions.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Event is the payload pushed to real-time channels.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	SessionID     string                 `json:"session_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Event types emitted to clients.
const (
	EventSessionStatus      = "session_status"
	EventPatientJoined      = "patient_joined"
	EventPatientWaiting     = "patient_waiting"
	EventPatientLeft        = "patient_left"
	EventPatientAdmitted    = "patient_admitted"
	EventQueuePosition      = "queue_position"
	EventWaitingRoomUpdated = "waiting_room_updated"
	EventPractitionerJoined = "practitioner_joined"
	EventPractitionerLeft   = "practitioner_left"
	EventParticipantJoined  = "participant_joined"
	EventSessionEnded       = "session_ended"
	EventRatingEligible     = "rating_eligible"
	EventSessionReplaced    = "session_replaced"
	EventTyping             = "typing"
	EventInvitationAccepted = "invitation_accepted"
	EventConnectionQuality  = "connection_quality"
	EventError              = "error"
	EventAck                = "ack"
)

// Notification kinds handed to the delivery collaborator.
const (
	DeliveryInvitation    = "invitation"
	DeliveryFinalReminder = "final_reminder"
)

// SessionChannel is the broadcast channel key for a session.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// UserChannel is the targeted channel key for a user.
func UserChannel(userID string) string {
	return "user:" + userID
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
