package interfaces

import (
	"errors"

	"teleconsult/pkg/types"
)

// Store errors. Adapters return these (possibly wrapped); they never cross the
// orchestrator boundary untranslated.
var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrStatusChanged   = errors.New("status changed concurrently")
	ErrDuplicate       = errors.New("duplicate record")
	ErrRoleOccupied    = errors.New("role already active in session")
)

// TranslateStoreError maps a store error into the caller-facing taxonomy.
// subject names the record for NotFound messages, code is the NotFound code.
func TranslateStoreError(err error, subject, code string) error {
	if err == nil {
		return nil
	}
	var te *types.Error
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return types.NewNotFound(code, subject+" not found")
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrStatusChanged):
		return types.NewConflict(types.CodeVersionConflict, subject+" was modified concurrently, refresh and retry")
	case errors.Is(err, ErrDuplicate):
		return types.NewConflict(types.CodeDuplicate, subject+" already exists")
	case errors.Is(err, ErrRoleOccupied):
		return types.NewConflict(types.CodeRoleAlreadyActive, "another participant with this role is already active")
	default:
		return types.NewInternal("store operation failed on "+subject, err)
	}
}
