package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable failure class returned to callers.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "NotFound"
	KindForbidden        ErrorKind = "Forbidden"
	KindInvalidState     ErrorKind = "InvalidState"
	KindConflict         ErrorKind = "Conflict"
	KindExpired          ErrorKind = "Expired"
	KindValidationFailed ErrorKind = "ValidationFailed"
	KindInternal         ErrorKind = "Internal"
)

// Error codes carried alongside the kind.
const (
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeParticipantNotFound  = "PARTICIPANT_NOT_FOUND"
	CodeInvitationNotFound   = "INVITATION_NOT_FOUND"
	CodeEntryNotFound        = "WAITING_ENTRY_NOT_FOUND"
	CodeNotMember            = "NOT_A_PARTICIPANT"
	CodeNotOwner             = "NOT_SESSION_OWNER"
	CodeRoleNotAllowed       = "ROLE_NOT_ALLOWED"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeSessionClosed        = "SESSION_CLOSED"
	CodeVersionConflict      = "VERSION_CONFLICT"
	CodeRoleAlreadyActive    = "ROLE_ALREADY_ACTIVE"
	CodeDuplicate            = "DUPLICATE"
	CodeInvitationExpired    = "INVITATION_EXPIRED"
	CodeInvitationRevoked    = "INVITATION_REVOKED"
	CodeTestingWindowClosed  = "TESTING_WINDOW_CLOSED"
	CodeSessionStarted       = "SESSION_ALREADY_STARTED"
	CodeRetestLimit          = "DEVICE_TEST_LIMIT_REACHED"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeInternal             = "INTERNAL_ERROR"
	CodeInvitationRedeemed   = "INVITATION_REDEEMED_BY_OTHER"
	CodeAlreadyRated         = "ALREADY_RATED"
	CodeNotWaiting           = "NOT_WAITING"
	CodeWaitingRoomDisabled  = "WAITING_ROOM_DISABLED"
	CodeInvitationNotPending = "INVITATION_NOT_PENDING"
	CodeInvalidFrame         = "INVALID_FRAME"
	CodeRateLimited          = "RATE_LIMITED"
)

// Error is the typed failure every orchestration operation returns.
type Error struct {
	Kind    ErrorKind              `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func NewNotFound(code, message string) *Error {
	return newError(KindNotFound, code, message)
}

func NewForbidden(code, message string) *Error {
	return newError(KindForbidden, code, message)
}

func NewInvalidState(code, message string) *Error {
	return newError(KindInvalidState, code, message)
}

func NewConflict(code, message string) *Error {
	return newError(KindConflict, code, message)
}

func NewExpired(code, message string) *Error {
	return newError(KindExpired, code, message)
}

func NewValidation(message string) *Error {
	return newError(KindValidationFailed, CodeInvalidInput, message)
}

// NewInternal hides the cause from the message; it stays reachable via Unwrap.
func NewInternal(message string, cause error) *Error {
	e := newError(KindInternal, CodeInternal, message)
	e.Cause = cause
	return e
}

// KindOf extracts the kind of err, defaulting to Internal for untyped errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// CodeOf extracts the code of err.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	if err == nil {
		return ""
	}
	return CodeInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusCode maps the kind to its HTTP status class.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindValidationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Retriable reports whether a caller is expected to refresh state and try again.
func (k ErrorKind) Retriable() bool {
	return k == KindConflict || k == KindExpired
}
