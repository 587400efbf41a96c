package router

import (
	"errors"

	"teleconsult/pkg/types"
)

// Router-specific error types
var (
	ErrInvalidFrame          = errors.New("frame is not valid JSON with a type")
	ErrUnknownFrameType      = errors.New("unknown frame type")
	ErrUnauthorizedFrameType = errors.New("role not authorized to send this frame type")
	ErrInvalidPayload        = errors.New("invalid frame payload")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
)

// classify turns router sentinels into typed errors for the reply envelope.
// Orchestration errors are already typed and pass through.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return &types.Error{Kind: types.KindValidationFailed, Code: types.CodeRateLimited, Message: err.Error()}
	case errors.Is(err, ErrUnauthorizedFrameType):
		return types.NewForbidden(types.CodeRoleNotAllowed, err.Error())
	case errors.Is(err, ErrInvalidFrame), errors.Is(err, ErrUnknownFrameType), errors.Is(err, ErrInvalidPayload):
		return &types.Error{Kind: types.KindValidationFailed, Code: types.CodeInvalidFrame, Message: err.Error()}
	}
	return err
}
