package domain

import "errors"

// Sentinel errors for the history engine. All are logical-consistency
// failures raised synchronously to the caller; none are retried.
var (
	// ErrNotTracked is returned when an operation requires a registered
	// entity type but none was registered under that name.
	ErrNotTracked = errors.New("entity type is not tracked")

	// ErrAlreadyRegistered is returned on re-registration of an entity type
	// with options or fields incompatible with the first registration.
	ErrAlreadyRegistered = errors.New("entity type already registered with incompatible definition")

	// ErrNoHistory is returned when the most recent record of an entity is
	// requested but the entity has never been saved.
	ErrNoHistory = errors.New("entity has no recorded history")

	// ErrNotYetCreated is returned by as-of-date lookups for a date preceding
	// the entity's first history record.
	ErrNotYetCreated = errors.New("entity did not exist at the requested date")

	// ErrNoUniqueFields is returned when an operation requires resolution by
	// unique fields and the entity type declares none.
	ErrNoUniqueFields = errors.New("entity type declares no unique fields")

	// ErrDanglingReference is returned when a revert target references an
	// entity that does not currently exist in a non-deleted state.
	ErrDanglingReference = errors.New("revert target references a deleted entity")

	// ErrNotFound is returned when a live or historical record cannot be
	// resolved at all.
	ErrNotFound = errors.New("record not found")
)
