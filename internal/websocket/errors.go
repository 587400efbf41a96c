package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
	ErrDuplicateConnection        = errors.New("connection id already registered")
	ErrUnknownConnection          = errors.New("connection is not registered")
)

// Handler-related errors
var (
	ErrMissingSession = errors.New("missing session_id query parameter")
)
