package storage

import "errors"

var (
	// ErrNotFound indicates that the requested resource does not exist or is
	// not visible to the calling user. Cross-user lookups return ErrNotFound,
	// never a hint that the row exists for someone else.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates that the write conflicts with existing state
	// (duplicate ID, already-consumed authorization code).
	ErrConflict = errors.New("conflict")

	// ErrChecksumMismatch indicates that an applied migration's recorded
	// checksum no longer matches the registered migration definition.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")

	// ErrMigrationGap indicates a hole in the applied migration sequence.
	// The engine refuses to apply past a gap.
	ErrMigrationGap = errors.New("migration sequence gap")
)
