package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("conflict")
	ErrLockNotAcquired    = errors.New("lock not acquired")
	ErrJobTerminal        = errors.New("job already terminal")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrMissingPrimaryKey  = errors.New("entity has no usable primary key")
)
