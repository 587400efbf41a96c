package types

import (
	"errors"
	"time"
)

// CreateSessionRequest describes a new consultation.
type CreateSessionRequest struct {
	Title              string     `json:"title"`
	OwnerID            string     `json:"owner_id,omitempty"`
	ScheduledAt        *time.Time `json:"scheduled_at,omitempty"`
	WaitingRoomEnabled bool       `json:"waiting_room_enabled"`
	AutoAdmitPatients  bool       `json:"auto_admit_patients"`
	PatientIDs         []string   `json:"patient_ids,omitempty"`
}

// JoinRequest binds a live connection to a session.
type JoinRequest struct {
	ConnID    string `json:"conn_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      Role   `json:"role"`
}

// Validate checks the required identifiers.
func (r JoinRequest) Validate() error {
	if r.ConnID == "" {
		return NewValidation("connection id is required")
	}
	if r.SessionID == "" {
		return NewValidation("session id is required")
	}
	if !IsValidUserID(r.UserID) {
		return NewValidation("user id is invalid")
	}
	if !IsValidRole(r.Role) {
		return NewValidation("role is invalid")
	}
	return nil
}

// CreateInvitationRequest asks for a new invitation token.
type CreateInvitationRequest struct {
	SessionID string `json:"session_id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
}

// Warnings collects non-fatal collaborator failures attached to a successful result.
type Warnings []string

func (w *Warnings) Add(msg string) {
	*w = append(*w, msg)
}

// JoinResult is returned by both join operations.
type JoinResult struct {
	Session      *Session          `json:"session"`
	Participant  *Participant      `json:"participant"`
	WaitingEntry *WaitingRoomEntry `json:"waiting_entry,omitempty"`
	Replaced     bool              `json:"replaced,omitempty"`
	Warnings     Warnings          `json:"warnings,omitempty"`
}

// SessionResult wraps a session after a state-changing operation.
type SessionResult struct {
	Session  *Session `json:"session"`
	Warnings Warnings `json:"warnings,omitempty"`
}

// AdmitResult is returned by waiting-room admission.
type AdmitResult struct {
	Session     *Session          `json:"session"`
	Participant *Participant      `json:"participant"`
	Entry       *WaitingRoomEntry `json:"entry"`
	Warnings    Warnings          `json:"warnings,omitempty"`
}

// InvitationResult carries an invitation plus its session context.
type InvitationResult struct {
	Invitation  *Invitation  `json:"invitation"`
	Session     *Session     `json:"session,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	Warnings    Warnings     `json:"warnings,omitempty"`
}

// DeviceTestOutcome is the structured answer to a device test submission.
type DeviceTestOutcome struct {
	Invitation     *Invitation `json:"invitation"`
	Passed         bool        `json:"passed"`
	RequiresRetest bool        `json:"requires_retest"`
	FailedChecks   []string    `json:"failed_checks,omitempty"`
	AttemptsLeft   int         `json:"attempts_left,omitempty"`
}

// PresenceInfo describes one live connection.
type PresenceInfo struct {
	ConnID      string    `json:"conn_id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Role        Role      `json:"role"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// WaitingRoomStats summarizes a session queue.
type WaitingRoomStats struct {
	SessionID            string  `json:"session_id"`
	Waiting              int     `json:"waiting"`
	Admitted             int     `json:"admitted"`
	Left                 int     `json:"left"`
	TimedOut             int     `json:"timed_out"`
	AverageWaitedMinutes float64 `json:"average_waited_minutes"`
}

// StatusSnapshot is the read model returned by the session status query.
type StatusSnapshot struct {
	Session            *Session            `json:"session"`
	Participants       []*Participant      `json:"participants"`
	WaitingRoom        []*WaitingRoomEntry `json:"waiting_room"`
	ActivePractitioner string              `json:"active_practitioner,omitempty"`
	OnlineCount        int                 `json:"online_count"`
}

// Envelope is the response shape of every handler.
type Envelope struct {
	Success    bool        `json:"success"`
	StatusCode int         `json:"status_code"`
	Message    string      `json:"message"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Code       string      `json:"code,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Warnings   Warnings    `json:"warnings,omitempty"`
}

// SuccessEnvelope wraps data in a successful envelope.
func SuccessEnvelope(status int, message string, data interface{}, warnings Warnings) Envelope {
	return Envelope{Success: true, StatusCode: status, Message: message, Data: data, Warnings: warnings}
}

// ErrorEnvelope converts err into a failure envelope. Internal causes are not exposed.
func ErrorEnvelope(err error) Envelope {
	kind := KindOf(err)
	env := Envelope{
		Success:    false,
		StatusCode: kind.StatusCode(),
		ErrorKind:  kind,
		Code:       CodeOf(err),
		Message:    "internal error",
	}
	var te *Error
	if kind != KindInternal && errors.As(err, &te) {
		env.Message = te.Message
		if len(te.Details) > 0 {
			env.Data = te.Details
		}
	}
	return env
}

// ReplyEvent wraps env as the answer to a client frame of type request.
// Successful replies are acks, failures are error events.
func ReplyEvent(id, sessionID, request string, env Envelope, at time.Time) *Event {
	eventType := EventAck
	if !env.Success {
		eventType = EventError
	}
	return &Event{
		ID:        id,
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: at,
		Payload: map[string]interface{}{
			"request":  request,
			"response": env,
		},
	}
}
