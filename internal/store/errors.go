package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrReadOnly      = errors.New("zone is read-only")
	ErrInvalidPolicy = errors.New("invalid release policy")
)

// ConflictError reports that a record changed since the caller read it.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: version conflict", e.Kind, e.ID)
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
