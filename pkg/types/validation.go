package types

import (
	"net/mail"
	"regexp"
	"strings"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_:.@-]+$`)

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidRole checks the role is one of the known roles
func IsValidRole(role Role) bool {
	switch role {
	case RolePatient, RolePractitioner, RoleExpert, RoleGuest, RoleAdmin:
		return true
	default:
		return false
	}
}

// NormalizeEmail lowercases and trims an address, returning "" when it does not parse.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(email) > 254 {
		return ""
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ""
	}
	return email
}

// CanTransition reports whether the lifecycle table allows from -> to.
func CanTransition(from, to SessionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusWaiting:
		return from == StatusDraft || from == StatusScheduled
	case StatusActive:
		return from == StatusScheduled || from == StatusWaiting || from == StatusTerminatedOpen
	case StatusTerminatedOpen:
		return from == StatusActive
	case StatusScheduled:
		return from == StatusWaiting || from == StatusDraft
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Validate checks a rating score and comment.
func (r *Rating) Validate() error {
	if r.Score < 1 || r.Score > 5 {
		return NewValidation("score must be between 1 and 5")
	}
	if len(r.Comment) > 2000 {
		return NewValidation("comment must be at most 2000 characters")
	}
	return nil
}
